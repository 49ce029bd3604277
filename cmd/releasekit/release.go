// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/releasekit/releasekit/internal/bundle"
	"github.com/releasekit/releasekit/internal/config"
	"github.com/releasekit/releasekit/internal/publish"
	"github.com/releasekit/releasekit/internal/release"
	"github.com/releasekit/releasekit/internal/testgate"
	"github.com/releasekit/releasekit/internal/version"
)

// releaseParams are the trigger inputs shared by `release` and `run`. Fields
// whose flag was not given fall back to the configuration.
type releaseParams struct {
	mergeStrategy  string
	releaseVersion string
	bumpRule       string
	preid          string
	testWait       int
	publishTarget  string

	bumpRuleSet bool
	preidSet    bool
	testWaitSet bool
	targetSet   bool
}

func addReleaseFlags(cmd *cobra.Command, p *releaseParams) {
	cmd.Flags().StringVar(&p.mergeStrategy, "merge-strategy", "", "merge strategy used on conflict, e.g. ort:theirs (default: fail on conflict)")
	cmd.Flags().StringVar(&p.releaseVersion, "release-version", "", "explicit version; overrides --bump-rule")
	cmd.Flags().StringVar(&p.bumpRule, "bump-rule", string(version.DefaultBumpRule), "patch, minor, major, prepatch, preminor, premajor or prerelease")
	cmd.Flags().StringVar(&p.preid, "preid", "", "pre-release identifier for pre* bump rules")
	cmd.Flags().IntVar(&p.testWait, "run-tests-wait", int(testgate.DefaultWait/time.Second), "test window in seconds")
	cmd.Flags().StringVar(&p.publishTarget, "publish-option", string(publish.DefaultTarget), "publish target: none, pypi or test-pypi")
}

// markChanged records which flags were given explicitly.
func (p *releaseParams) markChanged(cmd *cobra.Command) {
	p.bumpRuleSet = cmd.Flags().Changed("bump-rule")
	p.preidSet = cmd.Flags().Changed("preid")
	p.testWaitSet = cmd.Flags().Changed("run-tests-wait")
	p.targetSet = cmd.Flags().Changed("publish-option")
}

// request merges the flags over the configuration.
func (p *releaseParams) request(cfg *config.Config) release.Request {
	req := release.Request{
		ReleaseVersion: p.releaseVersion,
		BumpRule:       cfg.Version.BumpRule,
		Preid:          cfg.Version.Preid,
		MergeStrategy:  p.mergeStrategy,
		TestWait:       cfg.TestGate.TestWait(),
		PublishTarget:  cfg.Publish.Target,
		Branches:       branches(cfg),
	}
	if p.bumpRuleSet {
		req.BumpRule = version.BumpRule(p.bumpRule)
	}
	if p.preidSet {
		req.Preid = p.preid
	}
	if p.testWaitSet {
		req.TestWait = time.Duration(p.testWait) * time.Second
	}
	if p.targetSet {
		req.PublishTarget = publish.Target(p.publishTarget)
	}
	if req.PublishTarget == "" {
		req.PublishTarget = publish.DefaultTarget
	}
	return req
}

func newReleaseCommand(app *App, g *globalFlags) *cobra.Command {
	p := &releaseParams{}

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Merge the release branch, await tests and publish",
		Long: `Merge the release branch into trunk, resolve the next version, wait for the
merged commit's tests and publish the finalized dist collection when they pass.

The version is resolved and validated before anything is merged. A merge
conflict that the selected strategy cannot resolve aborts the merge and leaves
trunk untouched. Publishing requires passing tests; with --publish-option none
nothing is uploaded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p.markChanged(cmd)
			err := runRelease(cmd.Context(), app, g, p)
			if err != nil {
				cmd.SilenceErrors = true
			}
			return err
		},
	}
	addReleaseFlags(cmd, p)
	return cmd
}

// runRelease runs the release pipeline alone. The dist collection is expected
// to be finalized already, e.g. by an earlier `releasekit provenance`.
func runRelease(ctx context.Context, app *App, g *globalFlags, p *releaseParams) error {
	cfg, err := app.loadConfig(ctx, g)
	if err != nil {
		renderError(app.stderr, err, g.verbose)
		return exitError(err)
	}
	logger := app.newLogger(cfg, g.verbose)

	req := p.request(cfg)
	if _, err := req.Validate(); err != nil {
		renderError(app.stderr, err, g.verbose)
		return exitError(err)
	}

	dist := release.StaticDist(filepath.Join(artifactsRoot(cfg, g.workDir), bundle.CollectionDist))
	orch, err := app.newOrchestrator(cfg, g.workDir, req.PublishTarget, logger.With("pipeline", "release"), dist)
	if err != nil {
		renderError(app.stderr, err, g.verbose)
		return exitError(err)
	}

	res, runErr := orch.Run(ctx, req)
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
