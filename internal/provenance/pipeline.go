// SPDX-License-Identifier: MPL-2.0

package provenance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"github.com/releasekit/releasekit/internal/bundle"
	"github.com/releasekit/releasekit/internal/pyproject"
	"github.com/releasekit/releasekit/internal/report"
	"github.com/releasekit/releasekit/internal/toolrun"
)

const (
	// DefaultBuildCommand builds sdist and wheel into the output directory.
	DefaultBuildCommand = `python -m build --outdir "$RELEASEKIT_DIST_DIR"`
	// DefaultBuildDir is the build output directory relative to the work dir.
	DefaultBuildDir = "dist"
)

// Step names as they appear in the report.
const (
	StepSBOM       = "sbom"
	StepScan       = "scan"
	StepAwaitVDR   = "await-vdr"
	StepBundleBOM  = "bundle-bom"
	StepStamp      = "stamp-version"
	StepBuild      = "build"
	StepBundleDist = "bundle-dist"
)

type (
	// Request is one provenance run.
	Request struct {
		Input
		// StampVersion, when set, is written into pyproject.toml before building.
		StampVersion string
		// BuildDir receives the build output; empty means DefaultBuildDir.
		BuildDir string
	}

	// Result holds what the run produced. Collections are nil when their
	// chain failed.
	Result struct {
		Bundle *Bundle
		BOM    *bundle.Collection
		Dist   *bundle.Collection
		Report *report.Report
	}

	// Pipeline runs SBOM, scan, VDR wait and BOM bundling alongside the
	// distributable build and its bundling. A provenance failure never blocks
	// the distributable.
	Pipeline struct {
		gen          *Generator
		bundler      *bundle.Bundler
		runner       toolrun.Runner
		logger       *log.Logger
		buildCommand string
		stamp        func(path, version string) error
		distHook     func(dir string, err error)
	}

	// PipelineOption configures a Pipeline.
	PipelineOption func(*Pipeline)
)

// WithBuildCommand overrides the build command line.
func WithBuildCommand(line string) PipelineOption {
	return func(p *Pipeline) {
		if line != "" {
			p.buildCommand = line
		}
	}
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(l *log.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithDistHook is called exactly once per run, when the dist collection is
// finalized or has failed.
func WithDistHook(fn func(dir string, err error)) PipelineOption {
	return func(p *Pipeline) { p.distHook = fn }
}

// WithStamper replaces the manifest version writer.
func WithStamper(fn func(path, version string) error) PipelineOption {
	return func(p *Pipeline) { p.stamp = fn }
}

// NewPipeline creates a provenance Pipeline.
func NewPipeline(gen *Generator, bundler *bundle.Bundler, runner toolrun.Runner, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		gen:          gen,
		bundler:      bundler,
		runner:       runner,
		logger:       log.New(io.Discard),
		buildCommand: DefaultBuildCommand,
		stamp:        pyproject.StampFile,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes both chains in order and reports every step. The returned
// error joins the failed steps; a missing VDR is only a warning.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	res := &Result{Report: report.New("provenance")}
	rep := res.Report

	p.runProvenance(ctx, req, res)
	p.runDist(ctx, req, res)

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, rep.Err()
}

func (p *Pipeline) runProvenance(ctx context.Context, req Request, res *Result) {
	rep := res.Report
	logger := p.logger.With("step", StepSBOM)

	start := time.Now()
	b, err := p.gen.GenerateSBOM(ctx, req.Input)
	if err != nil {
		logger.Error("SBOM generation failed", "err", err)
		rep.Fail(StepSBOM, err, time.Since(start))
		skipped := fmt.Sprintf("%s failed", StepSBOM)
		rep.Skip(StepScan, skipped)
		rep.Skip(StepAwaitVDR, skipped)
		rep.Skip(StepBundleBOM, skipped)
		return
	}
	res.Bundle = b
	rep.Success(StepSBOM, fmt.Sprintf("%d components", b.Components), time.Since(start))
	rep.Set("sbom", b.SBOM)
	for _, w := range b.Warnings {
		rep.Warn(w)
	}

	start = time.Now()
	if err := p.gen.Scan(ctx, req.Input, b); err != nil {
		rep.Fail(StepScan, err, time.Since(start))
		rep.Skip(StepAwaitVDR, "scan interrupted")
		rep.Skip(StepBundleBOM, "scan interrupted")
		return
	}
	if b.Incomplete != nil {
		rep.Skip(StepScan, b.Incomplete.Error())
	} else {
		rep.Success(StepScan, "scanner started", time.Since(start))
	}

	start = time.Now()
	if err := p.gen.AwaitVDR(ctx, req.Input, b); err != nil {
		rep.Fail(StepAwaitVDR, err, time.Since(start))
		rep.Skip(StepBundleBOM, "VDR wait interrupted")
		return
	}
	switch {
	case b.VDR != "":
		rep.Success(StepAwaitVDR, fmt.Sprintf("found after %d attempt(s), %d vulnerabilities", b.VDRAttempts, b.Vulnerabilities), time.Since(start))
	case b.VDRAttempts > 0:
		rep.Skip(StepAwaitVDR, b.Incomplete.Error())
	default:
		rep.Skip(StepAwaitVDR, "no scan to wait for")
	}
	if b.Incomplete != nil {
		rep.Warn(b.Incomplete.Error())
	}

	start = time.Now()
	col, err := p.bundler.Collect(ctx, bundle.CollectionBOM, b.Items())
	if err != nil {
		rep.Fail(StepBundleBOM, err, time.Since(start))
		return
	}
	res.BOM = col
	rep.Success(StepBundleBOM, fmt.Sprintf("%d files, digest %s", len(col.Files), col.Digest[:12]), time.Since(start))
}

func (p *Pipeline) runDist(ctx context.Context, req Request, res *Result) {
	rep := res.Report
	logger := p.logger.With("step", StepBuild)

	var distErr error
	defer func() {
		if p.distHook == nil {
			return
		}
		if res.Dist != nil {
			p.distHook(res.Dist.Dir, nil)
			return
		}
		if distErr == nil {
			distErr = errors.New("dist collection was not produced")
		}
		p.distHook("", distErr)
	}()

	if err := ctx.Err(); err != nil {
		distErr = err
		rep.Skip(StepBuild, "canceled")
		rep.Skip(StepBundleDist, "canceled")
		return
	}

	if req.StampVersion != "" {
		start := time.Now()
		manifest := req.Manifest
		if !filepath.IsAbs(manifest) {
			manifest = filepath.Join(req.WorkDir, manifest)
		}
		restore, err := p.snapshot(manifest)
		if err == nil {
			err = p.stamp(manifest, req.StampVersion)
		}
		if err != nil {
			distErr = fmt.Errorf("stamping version %s: %w", req.StampVersion, err)
			rep.Fail(StepStamp, distErr, time.Since(start))
			rep.Skip(StepBuild, StepStamp+" failed")
			rep.Skip(StepBundleDist, StepStamp+" failed")
			return
		}
		// The stamp only has to outlive the build; a modified manifest would
		// leave the checkout dirty for the next release.
		defer func() {
			if err := restore(); err != nil {
				logger.Warn("restoring manifest failed", "path", manifest, "err", err)
				rep.Warn(fmt.Sprintf("%s still carries version %s: %v", manifest, req.StampVersion, err))
			}
		}()
		rep.Success(StepStamp, req.StampVersion, time.Since(start))
	}

	buildDir := req.BuildDir
	if buildDir == "" {
		buildDir = DefaultBuildDir
	}
	if !filepath.IsAbs(buildDir) {
		buildDir = filepath.Join(req.WorkDir, buildDir)
	}

	// Leftover files from an earlier build would end up in the collection.
	if err := p.gen.fs.RemoveAll(buildDir); err != nil {
		distErr = fmt.Errorf("cleaning %s: %w", buildDir, err)
		rep.Fail(StepBuild, distErr, 0)
		rep.Skip(StepBundleDist, StepBuild+" failed")
		return
	}

	start := time.Now()
	env := map[string]string{"RELEASEKIT_DIST_DIR": buildDir}
	if req.StampVersion != "" {
		env["RELEASEKIT_VERSION"] = req.StampVersion
	}
	if _, err := p.runner.Run(ctx, toolrun.Command{Name: "build", Line: p.buildCommand, Dir: req.WorkDir, Env: env}); err != nil {
		logger.Error("build failed", "err", err)
		distErr = err
		rep.Fail(StepBuild, err, time.Since(start))
		rep.Skip(StepBundleDist, StepBuild+" failed")
		return
	}
	rep.Success(StepBuild, buildDir, time.Since(start))

	start = time.Now()
	col, err := p.bundler.Collect(ctx, bundle.CollectionDist, []bundle.Item{{Path: buildDir, Required: true}})
	if err != nil {
		distErr = err
		rep.Fail(StepBundleDist, err, time.Since(start))
		return
	}
	res.Dist = col
	rep.Set("dist", col.Dir)
	rep.Success(StepBundleDist, fmt.Sprintf("%d files, digest %s", len(col.Files), col.Digest[:12]), time.Since(start))
}

// snapshot captures path so the returned func can put it back.
func (p *Pipeline) snapshot(path string) (func() error, error) {
	info, err := p.gen.fs.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(p.gen.fs, path)
	if err != nil {
		return nil, err
	}
	return func() error {
		return afero.WriteFile(p.gen.fs, path, data, info.Mode().Perm())
	}, nil
}
