// SPDX-License-Identifier: MPL-2.0

package release

import (
	"context"
	"errors"
	"sync"
)

// ErrNoDist is returned by a DistSource that has nothing to publish.
var ErrNoDist = errors.New("no distributable available")

type (
	// DistSource yields the directory holding the built distributable. It may
	// block until the build finishes.
	DistSource func(ctx context.Context) (string, error)

	// DistFuture links a provenance run producing the dist collection to a
	// release run publishing it. Only the first Resolve counts.
	DistFuture struct {
		once sync.Once
		done chan struct{}
		dir  string
		err  error
	}
)

// StaticDist returns a DistSource for an already built directory.
func StaticDist(dir string) DistSource {
	return func(context.Context) (string, error) {
		if dir == "" {
			return "", ErrNoDist
		}
		return dir, nil
	}
}

// NewDistFuture creates an unresolved DistFuture.
func NewDistFuture() *DistFuture {
	return &DistFuture{done: make(chan struct{})}
}

// Resolve settles the future with the finalized dist directory or the error
// that prevented it.
func (f *DistFuture) Resolve(dir string, err error) {
	f.once.Do(func() {
		if err == nil && dir == "" {
			err = ErrNoDist
		}
		f.dir, f.err = dir, err
		close(f.done)
	})
}

// Source returns a DistSource that waits for Resolve or ctx.
func (f *DistFuture) Source() DistSource {
	return func(ctx context.Context) (string, error) {
		select {
		case <-f.done:
			return f.dir, f.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
