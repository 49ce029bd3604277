// SPDX-License-Identifier: MPL-2.0

// Package provenance produces the SBOM and vulnerability evidence for a build.
// The vulnerability scanner writes its report at a time of its own choosing,
// so the report is awaited with a bounded poll and its absence degrades the
// bundle instead of failing the build.
package provenance

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"github.com/releasekit/releasekit/internal/bundle"
	"github.com/releasekit/releasekit/internal/clock"
	"github.com/releasekit/releasekit/internal/poll"
	"github.com/releasekit/releasekit/internal/toolrun"
)

const (
	// DefaultVDRAttempts bounds how often the VDR is looked for.
	DefaultVDRAttempts = 10
	// DefaultVDRInterval is the wait between VDR checks.
	DefaultVDRInterval = time.Second

	// DefaultSBOMCommand generates a CycloneDX SBOM from the manifest.
	DefaultSBOMCommand = `cyclonedx-py environment --output-format JSON --output-file "$RELEASEKIT_SBOM"`
	// DefaultScanCommand scans the SBOM and writes the VDR and findings
	// reports. The HTML report is rendered from the template the generator
	// writes to $RELEASEKIT_FINDINGS_TEMPLATE for the duration of the scan.
	DefaultScanCommand = `grype "sbom:$RELEASEKIT_SBOM" --output "cyclonedx-json=$RELEASEKIT_VDR" --output "json=$RELEASEKIT_FINDINGS" --output "template=$RELEASEKIT_FINDINGS_HTML" --template "$RELEASEKIT_FINDINGS_TEMPLATE"`
)

//go:embed findings.html.tmpl
var findingsTemplate []byte

var (
	// ErrIncomplete marks a bundle without a VDR. It is a warning, not a failure.
	ErrIncomplete = errors.New("provenance incomplete")
	// ErrNoManifest is returned when Input.Manifest is empty.
	ErrNoManifest = errors.New("no manifest given")
	// ErrManifestNotFound is returned when the manifest file does not exist.
	ErrManifestNotFound = errors.New("manifest not found")
	// ErrNoEcosystem is returned when Input.Ecosystem is empty.
	ErrNoEcosystem = errors.New("no ecosystem given")
)

type (
	// Input names what to generate provenance for.
	Input struct {
		// Manifest is the dependency manifest, e.g. pyproject.toml.
		Manifest string
		// Ecosystem is passed to the tools, e.g. "python".
		Ecosystem string
		// WorkDir is where tools run and reports are written.
		WorkDir string
	}

	// Files names the report files relative to Input.WorkDir.
	Files struct {
		SBOM         string
		VDR          string
		Findings     string
		FindingsHTML string
		// FindingsTemplate is the scanner's HTML template. It only exists
		// while the scan runs.
		FindingsTemplate string
	}

	// IncompleteError explains why a bundle has no VDR.
	IncompleteError struct {
		Reason string
	}

	// Bundle is the provenance evidence for one build. SBOM is always set.
	Bundle struct {
		SBOM         string
		VDR          string
		Findings     string
		FindingsHTML string

		Components      int
		Vulnerabilities int
		// VDRAttempts is how often the VDR was looked for.
		VDRAttempts int
		Warnings    []string
		// Incomplete is non-nil (wrapping ErrIncomplete) when the VDR is missing.
		Incomplete error
	}

	// Generator runs the SBOM generator and scanner and awaits the VDR.
	Generator struct {
		fs          afero.Fs
		runner      toolrun.Runner
		clock       clock.Clock
		logger      *log.Logger
		sbomCommand string
		scanCommand string
		files       Files
		attempts    int
		interval    time.Duration
	}

	// Option configures a Generator.
	Option func(*Generator)
)

// Error implements the error interface.
func (e *IncompleteError) Error() string {
	return "provenance incomplete: " + e.Reason
}

// Unwrap returns ErrIncomplete for errors.Is() compatibility.
func (e *IncompleteError) Unwrap() error { return ErrIncomplete }

// DefaultFiles returns the conventional report names.
func DefaultFiles() Files {
	return Files{
		SBOM:         "sbom.cdx.json",
		VDR:          "vdr.cdx.json",
		Findings:     "findings.json",
		FindingsHTML: "findings.html",

		FindingsTemplate: ".releasekit-findings.tmpl",
	}
}

// WithClock sets the clock driving the VDR poll.
func WithClock(c clock.Clock) Option {
	return func(g *Generator) { g.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// WithCommands overrides the SBOM and scan command lines. Empty keeps the default.
func WithCommands(sbom, scan string) Option {
	return func(g *Generator) {
		if sbom != "" {
			g.sbomCommand = sbom
		}
		if scan != "" {
			g.scanCommand = scan
		}
	}
}

// WithFiles overrides the report file names.
func WithFiles(f Files) Option {
	return func(g *Generator) { g.files = f }
}

// WithVDRPoll bounds the VDR wait.
func WithVDRPoll(attempts int, interval time.Duration) Option {
	return func(g *Generator) {
		g.attempts = attempts
		g.interval = interval
	}
}

// NewGenerator creates a Generator writing through fs and running tools with runner.
func NewGenerator(fsys afero.Fs, runner toolrun.Runner, opts ...Option) *Generator {
	g := &Generator{
		fs:          fsys,
		runner:      runner,
		clock:       clock.Real{},
		logger:      log.New(io.Discard),
		sbomCommand: DefaultSBOMCommand,
		scanCommand: DefaultScanCommand,
		files:       DefaultFiles(),
		attempts:    DefaultVDRAttempts,
		interval:    DefaultVDRInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateSBOM runs the SBOM generator and validates its output. It is the
// only step whose failure is fatal.
func (g *Generator) GenerateSBOM(ctx context.Context, in Input) (*Bundle, error) {
	if in.Manifest == "" {
		return nil, ErrNoManifest
	}
	if in.Ecosystem == "" {
		return nil, ErrNoEcosystem
	}
	if ok, err := afero.Exists(g.fs, g.path(in, in.Manifest)); err != nil {
		return nil, fmt.Errorf("checking manifest: %w", err)
	} else if !ok {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, g.path(in, in.Manifest))
	}

	b := &Bundle{SBOM: g.path(in, g.files.SBOM)}
	if _, err := g.runner.Run(ctx, toolrun.Command{
		Name: "sbom",
		Line: g.sbomCommand,
		Dir:  in.WorkDir,
		Env:  g.env(in),
	}); err != nil {
		return nil, fmt.Errorf("generating SBOM: %w", err)
	}

	data, err := afero.ReadFile(g.fs, b.SBOM)
	if err != nil {
		return nil, &InvalidSBOMError{Path: b.SBOM, Reason: "generator did not produce it: " + err.Error()}
	}
	sum, err := ValidateSBOM(b.SBOM, data)
	if err != nil {
		return nil, err
	}
	b.Components = sum.Components
	b.Warnings = append(b.Warnings, sum.Warnings...)
	g.logger.Info("SBOM generated", "components", sum.Components, "spec_version", sum.SpecVersion, "warnings", len(sum.Warnings))
	return b, nil
}

// Scan starts the scanner over b.SBOM. A scanner failure is recorded on the
// bundle; it does not stop the build.
func (g *Generator) Scan(ctx context.Context, in Input, b *Bundle) error {
	// Reports from an earlier run must not be mistaken for this one.
	for _, name := range []string{g.files.VDR, g.files.Findings, g.files.FindingsHTML} {
		if name == "" {
			continue
		}
		if err := g.fs.Remove(g.path(in, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing stale %s: %w", name, err)
		}
	}

	// The scanner may render HTML until the VDR wait ends, so the template
	// is removed by collectFindings rather than here.
	if tmpl := g.path(in, g.files.FindingsTemplate); tmpl != "" && g.files.FindingsHTML != "" {
		if err := afero.WriteFile(g.fs, tmpl, findingsTemplate, 0o644); err != nil {
			return fmt.Errorf("writing findings template: %w", err)
		}
	}

	_, err := g.runner.Run(ctx, toolrun.Command{
		Name: "scan",
		Line: g.scanCommand,
		Dir:  in.WorkDir,
		Env:  g.env(in),
	})
	if err != nil {
		if ctx.Err() != nil {
			g.collectFindings(in, b)
			return fmt.Errorf("scanning: %w", err)
		}
		b.Incomplete = &IncompleteError{Reason: "vulnerability scan failed: " + err.Error()}
		g.logger.Warn("vulnerability scan failed", "err", err)
	}
	return nil
}

// AwaitVDR polls for the VDR within the configured budget. A missing VDR
// marks the bundle incomplete; only cancellation is an error. Findings
// reports are attached whenever they exist, VDR or not.
func (g *Generator) AwaitVDR(ctx context.Context, in Input, b *Bundle) error {
	defer g.collectFindings(in, b)
	if b.Incomplete != nil {
		return nil
	}

	vdr := g.path(in, g.files.VDR)
	res, err := poll.Until(ctx, poll.Config{
		Attempts: g.attempts,
		Interval: g.interval,
		Clock:    g.clock,
		OnWait: func(s poll.State) {
			g.logger.Debug("waiting for VDR", "remaining_attempts", s.RemainingAttempts, "interval", s.Interval)
		},
	}, func(context.Context, int) (bool, error) {
		info, err := g.fs.Stat(vdr)
		if err != nil {
			return false, nil //nolint:nilerr // absent means "not yet"
		}
		return info.Size() > 0, nil
	})
	b.VDRAttempts = res.Attempts
	if err != nil {
		return fmt.Errorf("awaiting VDR: %w", err)
	}

	if !res.Found {
		b.Incomplete = &IncompleteError{Reason: fmt.Sprintf("no VDR after %d attempts", res.Attempts)}
		g.logger.Warn("VDR not produced in time", "attempts", res.Attempts, "elapsed", res.Elapsed)
		return nil
	}

	b.VDR = vdr
	if data, err := afero.ReadFile(g.fs, vdr); err == nil {
		b.Vulnerabilities = countVulnerabilities(data)
	}
	g.logger.Info("VDR available", "attempts", res.Attempts, "vulnerabilities", b.Vulnerabilities)
	return nil
}

func (g *Generator) collectFindings(in Input, b *Bundle) {
	if g.files.FindingsTemplate != "" {
		_ = g.fs.Remove(g.path(in, g.files.FindingsTemplate))
	}
	for _, f := range []struct {
		name string
		dst  *string
	}{{g.files.Findings, &b.Findings}, {g.files.FindingsHTML, &b.FindingsHTML}} {
		if f.name == "" {
			continue
		}
		if ok, _ := afero.Exists(g.fs, g.path(in, f.name)); ok {
			*f.dst = g.path(in, f.name)
		}
	}
}

// Generate runs GenerateSBOM, Scan and AwaitVDR in order.
func (g *Generator) Generate(ctx context.Context, in Input) (*Bundle, error) {
	b, err := g.GenerateSBOM(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := g.Scan(ctx, in, b); err != nil {
		return b, err
	}
	if err := g.AwaitVDR(ctx, in, b); err != nil {
		return b, err
	}
	return b, nil
}

// Items lists the bom-artifacts collection contents. Only the SBOM is required.
func (b *Bundle) Items() []bundle.Item {
	items := []bundle.Item{{Path: b.SBOM, Required: true}}
	for _, p := range []string{b.VDR, b.Findings, b.FindingsHTML} {
		if p != "" {
			items = append(items, bundle.Item{Path: p})
		}
	}
	return items
}

func (g *Generator) env(in Input) map[string]string {
	return map[string]string{
		"RELEASEKIT_MANIFEST":      g.path(in, in.Manifest),
		"RELEASEKIT_ECOSYSTEM":     in.Ecosystem,
		"RELEASEKIT_SBOM":          g.path(in, g.files.SBOM),
		"RELEASEKIT_VDR":           g.path(in, g.files.VDR),
		"RELEASEKIT_FINDINGS":      g.path(in, g.files.Findings),
		"RELEASEKIT_FINDINGS_HTML": g.path(in, g.files.FindingsHTML),

		"RELEASEKIT_FINDINGS_TEMPLATE": g.path(in, g.files.FindingsTemplate),
	}
}

func (g *Generator) path(in Input, name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(in.WorkDir, name)
}
