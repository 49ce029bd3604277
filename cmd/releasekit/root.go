// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

const (
	outputText = "text"
	outputJSON = "json"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "releasekit",
		Short: "Release orchestration and build provenance",
		Long: TitleStyle.Render("releasekit") + SubtitleStyle.Render(" - Release orchestration and build provenance") + `

releasekit merges a release branch into trunk, resolves the next semantic
version, waits for the merged commit's tests and publishes the built
distributable only when they pass. Alongside, it generates an SBOM, scans it
for vulnerabilities and bundles the evidence next to the distributable.

` + SubtitleStyle.Render("Examples:") + `
  releasekit release --bump-rule patch            Merge, test and resolve a patch release
  releasekit release --publish-option pypi        Publish when the tests pass
  releasekit provenance --stamp-version 1.2.4     Build with provenance evidence
  releasekit run --publish-option test-pypi       Both pipelines for one commit
  releasekit version next --current 1.2.3         Preview the next version`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.output != outputText && g.output != outputJSON {
				return fmt.Errorf("invalid --output %q: must be %q or %q", g.output, outputText, outputJSON)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default is ./releasekit.cue, then $XDG_CONFIG_HOME/releasekit/config.cue)")
	rootCmd.PersistentFlags().StringVarP(&g.workDir, "workdir", "C", "", "run as if started in this directory")
	rootCmd.PersistentFlags().StringVarP(&g.output, "output", "o", outputText, "report format: text or json")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(
		newReleaseCommand(app, g),
		newProvenanceCommand(app, g),
		newRunCommand(app, g),
		newVersionCommand(app, g),
		newBundleCommand(app, g),
		newConfigCommand(app, g),
	)

	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Main runs the CLI and returns the process exit code.
func Main() int {
	app, err := NewApp(Dependencies{})
	if err != nil {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error: ")+err.Error())
		return ExitUnexpected
	}

	// Use fang.Execute for enhanced Cobra styling
	// Pass version via fang.WithVersion() since fang overrides rootCmd.Version
	if err := fang.Execute(
		context.Background(),
		NewRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}
		return ExitFailure
	}
	return ExitOK
}

// Execute runs the CLI and exits. This is called by main.main().
func Execute() {
	os.Exit(Main())
}
