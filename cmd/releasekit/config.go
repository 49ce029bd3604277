// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/releasekit/releasekit/internal/config"
)

type configInitParams struct {
	user  bool
	force bool
}

// newConfigCommand creates the `releasekit config` command tree.
func newConfigCommand(app *App, g *globalFlags) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage releasekit configuration",
		Long: `Manage releasekit configuration.

Configuration is read from the first file found:
  - the file given with --config
  - ./releasekit.cue in the working directory
  - the user config file:
      Linux:   ~/.config/releasekit/config.cue
      macOS:   ~/Library/Application Support/releasekit/config.cue
      Windows: %APPDATA%\releasekit\config.cue

Environment variables prefixed with RELEASEKIT_ override file values,
e.g. RELEASEKIT_TEST_GATE_MODE=wait.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := showConfig(cmd.Context(), app, g)
			if err != nil {
				cmd.SilenceErrors = true
			}
			return err
		},
	})

	p := &configInitParams{}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := initConfig(app, g, p)
			if err != nil {
				cmd.SilenceErrors = true
				renderError(app.stderr, err, g.verbose)
				return exitError(err)
			}
			return nil
		},
	}
	initCmd.Flags().BoolVar(&p.user, "user", false, "write the user config file instead of ./releasekit.cue")
	initCmd.Flags().BoolVar(&p.force, "force", false, "overwrite an existing file")
	cfgCmd.AddCommand(initCmd)

	return cfgCmd
}

func showConfig(ctx context.Context, app *App, g *globalFlags) error {
	cfg, err := app.loadConfig(ctx, g)
	if err != nil {
		renderError(app.stderr, err, g.verbose)
		return exitError(err)
	}

	if g.output == outputJSON {
		enc := json.NewEncoder(app.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}

	_, _ = fmt.Fprintln(app.stdout, TitleStyle.Render("Current Configuration"))
	_, _ = fmt.Fprintln(app.stdout)
	if cfg.Path != "" {
		_, _ = fmt.Fprintf(app.stdout, "%s: %s\n", CmdStyle.Render("Config file"), cfg.Path)
	} else {
		_, _ = fmt.Fprintf(app.stdout, "%s: %s\n", CmdStyle.Render("Config file"), SubtitleStyle.Render("(using defaults)"))
	}
	_, _ = fmt.Fprintln(app.stdout)
	_, _ = fmt.Fprint(app.stdout, config.GenerateCUE(cfg))
	return nil
}

func initConfig(app *App, g *globalFlags, p *configInitParams) error {
	path := resolvePath(g.workDir, config.LocalConfigFile)
	if p.user {
		dir, err := config.ConfigDir()
		if err != nil {
			return err
		}
		path = filepath.Join(dir, config.ConfigFileName+"."+config.ConfigFileExt)
	}

	if err := config.WriteDefault(path, p.force); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(app.stdout, "%s Created default configuration at %s\n", SuccessStyle.Render("✓"), path)
	return nil
}
