// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"github.com/releasekit/releasekit/internal/clock"
	"github.com/releasekit/releasekit/internal/config"
	"github.com/releasekit/releasekit/internal/gitops"
	"github.com/releasekit/releasekit/internal/merge"
	"github.com/releasekit/releasekit/internal/toolrun"
)

type (
	// Repository is what the release commands need from git: the merge
	// operations plus the tag listing used by the git-tags version source.
	Repository interface {
		merge.Repository
		Tags(ctx context.Context) ([]string, error)
	}

	// RepositoryFactory opens the repository rooted at dir.
	RepositoryFactory func(dir string) Repository

	// App wires CLI services and shared dependencies. It is the composition root for
	// the CLI layer: every Cobra command handler receives an App reference and builds
	// its pipeline from the App's collaborators and the loaded configuration.
	App struct {
		Config     config.Provider
		Runner     toolrun.Runner
		FS         afero.Fs
		Clock      clock.Clock
		HTTPClient *http.Client
		Repository RepositoryFactory
		LookupEnv  func(string) (string, bool)
		stdout     io.Writer
		stderr     io.Writer
	}

	// Dependencies defines the injection points for building an App. Nil fields are
	// replaced with production defaults by NewApp. Tests supply fakes to isolate a
	// single pipeline from git, the network and external tools.
	Dependencies struct {
		Config config.Provider
		Runner toolrun.Runner
		FS     afero.Fs
		Clock  clock.Clock
		// HTTPClient is shared by the registry and GitHub clients. Nil keeps
		// each client's own transport.
		HTTPClient *http.Client
		Repository RepositoryFactory
		LookupEnv  func(string) (string, bool)
		Stdout     io.Writer
		Stderr     io.Writer
	}

	// globalFlags are the persistent root flags.
	globalFlags struct {
		configPath string
		workDir    string
		output     string
		verbose    bool
	}
)

// NewApp creates an App with defaults for omitted dependencies.
func NewApp(deps Dependencies) (*App, error) {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	if deps.Runner == nil {
		deps.Runner = toolrun.NewShellRunner()
	}
	if deps.FS == nil {
		deps.FS = afero.NewOsFs()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Repository == nil {
		deps.Repository = func(dir string) Repository { return gitops.New(dir) }
	}
	if deps.LookupEnv == nil {
		deps.LookupEnv = os.LookupEnv
	}

	return &App{
		Config:     deps.Config,
		Runner:     deps.Runner,
		FS:         deps.FS,
		Clock:      deps.Clock,
		HTTPClient: deps.HTTPClient,
		Repository: deps.Repository,
		LookupEnv:  deps.LookupEnv,
		stdout:     deps.Stdout,
		stderr:     deps.Stderr,
	}, nil
}

// loadConfig loads configuration for the current invocation.
func (a *App) loadConfig(ctx context.Context, g *globalFlags) (*config.Config, error) {
	return a.Config.Load(ctx, config.LoadOptions{
		ConfigFilePath: g.configPath,
		WorkDir:        g.workDir,
	})
}

// newLogger builds the diagnostics logger. --verbose wins over log.level.
func (a *App) newLogger(cfg *config.Config, verbose bool) *log.Logger {
	level := log.InfoLevel
	if parsed, err := cfg.Log.LogLevel(); err == nil {
		level = parsed
	}
	if verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(a.stderr, log.Options{
		Prefix: "releasekit",
		Level:  level,
	})
}

// resolvePath anchors a configured path at the work dir.
func resolvePath(workDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if workDir == "" {
		return path
	}
	return filepath.Join(workDir, path)
}
