// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/releasekit/releasekit/internal/config"
	"github.com/releasekit/releasekit/internal/provenance"
	"github.com/releasekit/releasekit/internal/pyproject"
	"github.com/releasekit/releasekit/internal/version"
)

type provenanceParams struct {
	manifest     string
	ecosystem    string
	stampVersion string
}

func addProvenanceFlags(cmd *cobra.Command, p *provenanceParams) {
	cmd.Flags().StringVar(&p.manifest, "manifest", "", "dependency manifest relative to the repository (default from project.manifest)")
	cmd.Flags().StringVar(&p.ecosystem, "ecosystem", "", "package ecosystem passed to the tools (default from project.ecosystem)")
}

// input merges the flags over the configuration.
func (p *provenanceParams) input(cfg *config.Config, workDir string) provenance.Input {
	in := provenance.Input{
		Manifest:  cfg.Project.Manifest,
		Ecosystem: cfg.Project.Ecosystem,
		WorkDir:   repositoryDir(cfg, workDir),
	}
	if p.manifest != "" {
		in.Manifest = p.manifest
	}
	if p.ecosystem != "" {
		in.Ecosystem = p.ecosystem
	}
	return in
}

func newProvenanceCommand(app *App, g *globalFlags) *cobra.Command {
	p := &provenanceParams{}

	cmd := &cobra.Command{
		Use:   "provenance",
		Short: "Generate SBOM and vulnerability evidence and build the distributable",
		Long: `Generate a CycloneDX SBOM for the manifest, scan it for vulnerabilities,
wait a bounded time for the vulnerability disposition report (VDR) and bundle
the evidence as the bom-artifacts collection. Independently, build the
distributable and finalize it as the dist collection.

A missing VDR degrades the bom-artifacts collection with a warning; it never
blocks the distributable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runProvenance(cmd.Context(), app, g, p)
			if err != nil {
				cmd.SilenceErrors = true
			}
			return err
		},
	}
	addProvenanceFlags(cmd, p)
	cmd.Flags().StringVar(&p.stampVersion, "stamp-version", "", "write this semantic version, in its PEP 440 form, into pyproject.toml before building")
	return cmd
}

func runProvenance(ctx context.Context, app *App, g *globalFlags, p *provenanceParams) error {
	cfg, err := app.loadConfig(ctx, g)
	if err != nil {
		renderError(app.stderr, err, g.verbose)
		return exitError(err)
	}
	logger := app.newLogger(cfg, g.verbose)

	var stamp string
	if p.stampVersion != "" {
		v, err := version.Parse(p.stampVersion)
		if err == nil {
			stamp, err = v.PEP440()
		}
		if err != nil {
			renderError(app.stderr, err, g.verbose)
			return exitError(err)
		}
	}

	pipeline := app.newProvenancePipeline(cfg, g.workDir, logger.With("pipeline", "provenance"),
		provenance.WithStamper(stampThrough(app.FS)),
	)
	res, runErr := pipeline.Run(ctx, provenance.Request{
		Input:        p.input(cfg, g.workDir),
		StampVersion: stamp,
		BuildDir:     cfg.Provenance.BuildDir,
	})
	if err := renderReports(app.stdout, g.output, g.verbose, runErr, res.Report); err != nil {
		return &ExitError{Code: ExitUnexpected, Err: err}
	}
	if runErr != nil {
		if g.output == outputText {
			renderError(app.stderr, runErr, g.verbose)
		}
		return exitError(runErr)
	}
	return nil
}

// stampThrough writes the version into a pyproject.toml on fsys, keeping the
// file's mode.
func stampThrough(fsys afero.Fs) func(path, v string) error {
	return func(path, v string) error {
		info, err := fsys.Stat(path)
		if err != nil {
			return err
		}
		data, err := afero.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		out, err := pyproject.SetVersion(data, v)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return afero.WriteFile(fsys, path, out, info.Mode().Perm())
	}
}
