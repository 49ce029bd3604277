// SPDX-License-Identifier: MPL-2.0

// Package bundle assembles named artifact collections. A collection is staged
// next to its final location and moved into place in one rename, so readers
// only ever see complete collections.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	// ManifestFile describes the collection in YAML.
	ManifestFile = "manifest.yaml"

	// CollectionBOM holds SBOM, VDR and findings reports.
	CollectionBOM = "bom-artifacts"
	// CollectionDist holds the built distributable files.
	CollectionDist = "dist"
)

var (
	// ErrEmptyCollection is returned when no item resolves to a file.
	ErrEmptyCollection = errors.New("collection is empty")
	// ErrMissingItem is the sentinel wrapped by MissingItemError.
	ErrMissingItem = errors.New("required item missing")
	// ErrInvalidName is returned for collection names that are not a single path element.
	ErrInvalidName = errors.New("invalid collection name")
	// ErrDuplicateFile is returned when two items map to the same name.
	ErrDuplicateFile = errors.New("duplicate file in collection")
)

type (
	// Item is a file or directory to include. A directory contributes every
	// regular file below it, named relative to the directory.
	Item struct {
		Path string
		// Name overrides the file name inside the collection (files only).
		Name     string
		Required bool
	}

	// File is one collected file.
	File struct {
		Name   string `yaml:"name" json:"name"`
		Size   int64  `yaml:"size" json:"size"`
		SHA256 string `yaml:"sha256" json:"sha256"`
	}

	// Collection is a finalized collection on disk.
	Collection struct {
		Name    string    `yaml:"collection"`
		Dir     string    `yaml:"-"`
		Digest  string    `yaml:"digest"`
		Created time.Time `yaml:"created"`
		Files   []File    `yaml:"files"`
	}

	// MissingItemError reports a required item that does not exist.
	MissingItemError struct {
		Collection string
		Path       string
	}

	// Bundler writes collections below an artifact root.
	Bundler struct {
		fs     afero.Fs
		root   string
		now    func() time.Time
		logger *log.Logger
	}

	// Option configures a Bundler.
	Option func(*Bundler)

	source struct {
		path string
		name string
	}
)

// Error implements the error interface.
func (e *MissingItemError) Error() string {
	return fmt.Sprintf("collection %s: required item %s does not exist", e.Collection, e.Path)
}

// Unwrap returns ErrMissingItem for errors.Is() compatibility.
func (e *MissingItemError) Unwrap() error { return ErrMissingItem }

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(b *Bundler) { b.logger = l }
}

// WithNow sets the timestamp source for manifests.
func WithNow(now func() time.Time) Option {
	return func(b *Bundler) { b.now = now }
}

// NewBundler creates a Bundler that writes collections into root on fs.
func NewBundler(fsys afero.Fs, root string, opts ...Option) *Bundler {
	b := &Bundler{fs: fsys, root: root, now: time.Now, logger: log.New(io.Discard)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Root returns the artifact root directory.
func (b *Bundler) Root() string { return b.root }

// Path returns where the collection name lives once finalized.
func (b *Bundler) Path(name string) string { return filepath.Join(b.root, name) }

// Collect copies items into the collection name and finalizes it. Optional
// items that do not exist are skipped. An existing collection of the same
// name is replaced only after the new one is complete.
func (b *Bundler) Collect(ctx context.Context, name string, items []Item) (*Collection, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	sources, err := b.resolve(name, items)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("collection %s: %w", name, ErrEmptyCollection)
	}

	if err := b.fs.MkdirAll(b.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact root: %w", err)
	}
	staging, err := afero.TempDir(b.fs, b.root, "."+name+"-staging-")
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = b.fs.RemoveAll(staging) // best-effort cleanup of an abandoned stage
		}
	}()

	col := &Collection{Name: name, Dir: b.Path(name), Created: b.now().UTC()}
	entries := make([]ChecksumEntry, 0, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("collecting %s: %w", name, err)
		}
		f, err := b.copyFile(src.path, filepath.Join(staging, filepath.FromSlash(src.name)))
		if err != nil {
			return nil, fmt.Errorf("collecting %s: %w", name, err)
		}
		f.Name = src.name
		col.Files = append(col.Files, f)
		entries = append(entries, ChecksumEntry{Hash: f.SHA256, Filename: src.name})
	}

	sums := FormatChecksums(entries)
	col.Digest = digestOf(sums)
	if err := afero.WriteFile(b.fs, filepath.Join(staging, ChecksumsFile), []byte(sums), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", ChecksumsFile, err)
	}
	manifest, err := yaml.Marshal(col)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := afero.WriteFile(b.fs, filepath.Join(staging, ManifestFile), manifest, 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", ManifestFile, err)
	}

	if err := b.commit(staging, col.Dir); err != nil {
		return nil, err
	}
	committed = true

	b.logger.Info("collection finalized", "collection", name, "files", len(col.Files), "digest", col.Digest[:12])
	return col, nil
}

// resolve expands items into files, checking required items and duplicates.
func (b *Bundler) resolve(name string, items []Item) ([]source, error) {
	var sources []source
	seen := make(map[string]string)

	add := func(p, n string) error {
		if prev, dup := seen[n]; dup {
			return fmt.Errorf("collection %s: %w: %s (from %s and %s)", name, ErrDuplicateFile, n, prev, p)
		}
		if n == ChecksumsFile || n == ManifestFile {
			return fmt.Errorf("collection %s: %w: %s is reserved", name, ErrDuplicateFile, n)
		}
		seen[n] = p
		sources = append(sources, source{path: p, name: n})
		return nil
	}

	for _, it := range items {
		info, err := b.fs.Stat(it.Path)
		if errors.Is(err, fs.ErrNotExist) {
			if it.Required {
				return nil, &MissingItemError{Collection: name, Path: it.Path}
			}
			b.logger.Debug("skipping missing optional item", "collection", name, "path", it.Path)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", name, err)
		}

		if !info.IsDir() {
			n := it.Name
			if n == "" {
				n = filepath.Base(it.Path)
			}
			if err := add(it.Path, n); err != nil {
				return nil, err
			}
			continue
		}

		before := len(sources)
		err = afero.Walk(b.fs, it.Path, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !fi.Mode().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(it.Path, p)
			if err != nil {
				return err
			}
			return add(p, filepath.ToSlash(rel))
		})
		if err != nil {
			return nil, err
		}
		if it.Required && len(sources) == before {
			return nil, &MissingItemError{Collection: name, Path: it.Path}
		}
	}
	return sources, nil
}

func (b *Bundler) copyFile(src, dst string) (File, error) {
	in, err := b.fs.Open(src)
	if err != nil {
		return File{}, err
	}
	defer func() { _ = in.Close() }() // read-only file handle

	if err := b.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return File{}, err
	}
	out, err := b.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return File{}, err
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return File{}, fmt.Errorf("copying %s: %w", src, err)
	}
	return File{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// commit moves staging to final, swapping out any previous collection.
func (b *Bundler) commit(staging, final string) error {
	exists, err := afero.DirExists(b.fs, final)
	if err != nil {
		return fmt.Errorf("checking %s: %w", final, err)
	}
	if !exists {
		if err := b.fs.Rename(staging, final); err != nil {
			return fmt.Errorf("finalizing %s: %w", final, err)
		}
		return nil
	}

	old := staging + ".old"
	if err := b.fs.Rename(final, old); err != nil {
		return fmt.Errorf("moving previous %s aside: %w", final, err)
	}
	if err := b.fs.Rename(staging, final); err != nil {
		_ = b.fs.Rename(old, final) // put the previous collection back
		return fmt.Errorf("finalizing %s: %w", final, err)
	}
	if err := b.fs.RemoveAll(old); err != nil {
		b.logger.Warn("could not remove previous collection", "path", old, "err", err)
	}
	return nil
}

// Verify re-hashes every file listed in dir's SHA256SUMS and checks that the
// collection digest in manifest.yaml still matches.
func Verify(fsys afero.Fs, dir string) (*Collection, error) {
	sums, err := afero.ReadFile(fsys, filepath.Join(dir, ChecksumsFile))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ChecksumsFile, err)
	}
	entries, err := ParseChecksums(strings.NewReader(string(sums)))
	if err != nil {
		return nil, err
	}

	col := &Collection{Name: filepath.Base(dir), Dir: dir}
	if raw, err := afero.ReadFile(fsys, filepath.Join(dir, ManifestFile)); err == nil {
		if err := yaml.Unmarshal(raw, col); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", ManifestFile, err)
		}
		col.Dir = dir
	}

	if got := digestOf(FormatChecksums(entries)); col.Digest != "" && got != col.Digest {
		return nil, &ChecksumError{Filename: ChecksumsFile, Expected: col.Digest, Got: got}
	}
	col.Digest = digestOf(FormatChecksums(entries))

	var errs []error
	for _, e := range entries {
		if clean := path.Clean(e.Filename); path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			errs = append(errs, fmt.Errorf("%s: unsafe path", e.Filename))
			continue
		}
		if err := VerifyFile(fsys, filepath.Join(dir, filepath.FromSlash(e.Filename)), e.Hash); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return col, errors.Join(errs...)
	}
	return col, nil
}
