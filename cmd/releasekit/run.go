// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/releasekit/releasekit/internal/merge"
	"github.com/releasekit/releasekit/internal/provenance"
	"github.com/releasekit/releasekit/internal/release"
	"github.com/releasekit/releasekit/internal/report"
	"github.com/releasekit/releasekit/internal/version"
)

func newRunCommand(app *App, g *globalFlags) *cobra.Command {
	rp := &releaseParams{}
	pp := &provenanceParams{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Release and build provenance for one commit",
		Long: `Run the release and provenance pipelines for the same commit.

Once the release branch is merged, provenance runs against the merged trunk
with the resolved version stamped into the manifest, while the release waits
for the merged commit's tests. Publishing waits until the dist collection is
finalized; a failed build fails the publish step with a transport error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rp.markChanged(cmd)
			err := runRun(cmd.Context(), app, g, rp, pp)
			if err != nil {
				cmd.SilenceErrors = true
			}
			return err
		},
	}
	addReleaseFlags(cmd, rp)
	addProvenanceFlags(cmd, pp)
	return cmd
}

// runRun composes both pipelines. The provenance chain starts from the merge
// hook, so it never races the merge for the working tree, and resolves the
// dist future the publish step waits on.
func runRun(ctx context.Context, app *App, g *globalFlags, rp *releaseParams, pp *provenanceParams) error {
	cfg, err := app.loadConfig(ctx, g)
	if err != nil {
		renderError(app.stderr, err, g.verbose)
		return exitError(err)
	}
	logger := app.newLogger(cfg, g.verbose)

	req := rp.request(cfg)
	if _, err := req.Validate(); err != nil {
		renderError(app.stderr, err, g.verbose)
		return exitError(err)
	}

	future := release.NewDistFuture()
	pipeline := app.newProvenancePipeline(cfg, g.workDir, logger.With("pipeline", "provenance"),
		provenance.WithStamper(stampThrough(app.FS)),
		provenance.WithDistHook(future.Resolve),
	)

	type merged struct {
		version version.Version
		err     error
	}
	mergedCh := make(chan merged, 1)

	orch, err := app.newOrchestrator(cfg, g.workDir, req.PublishTarget, logger.With("pipeline", "release"), future.Source(),
		release.WithMergeHook(func(v version.Version, _ *merge.Result, err error) {
			mergedCh <- merged{version: v, err: err}
		}),
	)
	if err != nil {
		renderError(app.stderr, err, g.verbose)
		return exitError(err)
	}

	var (
		wg      conc.WaitGroup
		relRes  *release.Result
		relErr  error
		provRep *report.Report
		provErr error
	)
	wg.Go(func() {
		relRes, relErr = orch.Run(ctx, req)
	})
	wg.Go(func() {
		m := <-mergedCh
		if m.err != nil {
			reason := "release not merged"
			if errors.Is(m.err, context.Canceled) || errors.Is(m.err, context.DeadlineExceeded) {
				reason = "canceled"
			}
			provRep = skippedProvenance(reason)
			future.Resolve("", fmt.Errorf("provenance not run: %w", m.err))
			return
		}
		// resolve-version already refused versions without an index spelling.
		stamp, _ := m.version.PEP440()
		res, err := pipeline.Run(ctx, provenance.Request{
			Input:        pp.input(cfg, g.workDir),
			StampVersion: stamp,
			BuildDir:     cfg.Provenance.BuildDir,
		})
		provRep, provErr = res.Report, err
	})
	wg.Wait()

	// The release outcome decides the exit code; a provenance failure that
	// did not reach the publish step still fails the run.
	runErr := relErr
	if runErr == nil {
		runErr = provErr
	}
	if err := renderReports(app.stdout, g.output, g.verbose, runErr, relRes.Report, provRep); err != nil {
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

// skippedProvenance is the provenance report when the release stopped before
// its merge.
func skippedProvenance(reason string) *report.Report {
	rep := report.New("provenance")
	for _, name := range []string{
		provenance.StepSBOM,
		provenance.StepScan,
		provenance.StepAwaitVDR,
		provenance.StepBundleBOM,
		provenance.StepStamp,
		provenance.StepBuild,
		provenance.StepBundleDist,
	} {
		rep.Skip(name, reason)
	}
	return rep
}
