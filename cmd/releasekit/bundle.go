// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/releasekit/releasekit/internal/bundle"
	"github.com/releasekit/releasekit/internal/issue"
)

func newBundleCommand(app *App, g *globalFlags) *cobra.Command {
	bundleCmd := &cobra.Command{
		Use:   "bundle",
		Short: "Inspect finalized artifact collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	bundleCmd.AddCommand(&cobra.Command{
		Use:   "verify <dir>",
		Short: "Verify a collection against its SHA256SUMS",
		Long: `Verify a finalized collection: every file listed in SHA256SUMS must exist
with the recorded digest, and the manifest must describe the same files.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := resolvePath(g.workDir, args[0])
			err := runBundleVerify(cmd.Context(), app.FS, app.stdout, g.output, dir)
			if err != nil {
				cmd.SilenceErrors = true
				renderError(app.stderr, err, g.verbose)
				return exitError(err)
			}
			return nil
		},
	})

	return bundleCmd
}

func runBundleVerify(ctx context.Context, fsys afero.Fs, w io.Writer, output, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	col, err := bundle.Verify(fsys, dir)
	if err != nil {
		return issue.NewErrorContext().
			WithOperation("verify collection").
			WithResource(dir).
			WithSuggestion("Re-run 'releasekit provenance' to rebuild the collection").
			Wrap(err).
			BuildError()
	}

	if output == outputJSON {
		return json.NewEncoder(w).Encode(struct {
			Collection string        `json:"collection"`
			Digest     string        `json:"digest"`
			Files      []bundle.File `json:"files"`
		}{Collection: col.Name, Digest: col.Digest, Files: col.Files})
	}

	_, _ = fmt.Fprintf(w, "%s %s %s\n", SuccessStyle.Render("✓"), TitleStyle.Render(col.Name), SubtitleStyle.Render(col.Digest))
	for _, f := range col.Files {
		_, _ = fmt.Fprintf(w, "  %s %s\n", CmdStyle.Render(f.Name), VerboseStyle.Render(fmt.Sprintf("%d bytes", f.Size)))
	}
	return nil
}
