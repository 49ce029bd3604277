// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/releasekit/releasekit/internal/cueutil"
	"github.com/releasekit/releasekit/internal/issue"
)

const (
	// AppName is the application name.
	AppName = "releasekit"
	// ConfigFileName is the name of the user config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// LocalConfigFile is looked up in the working directory first.
	LocalConfigFile = AppName + "." + ConfigFileExt
	// EnvPrefix prefixes environment overrides, e.g. RELEASEKIT_TEST_GATE_MODE.
	EnvPrefix = "RELEASEKIT"
)

// ErrConfigExists is returned by WriteDefault when the file is already there.
var ErrConfigExists = errors.New("config file already exists")

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns the user configuration directory: %APPDATA% on Windows,
// ~/Library/Application Support on macOS and $XDG_CONFIG_HOME (or ~/.config)
// elsewhere.
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	var dir string
	switch runtime.GOOS {
	case "windows":
		dir = os.Getenv("APPDATA")
		if dir == "" {
			dir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, "Library", "Application Support")
	default:
		dir = os.Getenv("XDG_CONFIG_HOME")
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			dir = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(dir, AppName), nil
}

// loadWithOptions layers defaults, the first config file found and
// RELEASEKIT_* environment variables, then validates the result.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := resolvePath(opts)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := loadCUEIntoViper(v, path); err != nil {
			return nil, issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Verify the configuration values match the expected schema").
				WithSuggestion("Run 'releasekit config show' to see the effective configuration").
				WithKind(issue.ConfigLoadFailedId).
				Wrap(err).
				BuildError()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Path = path

	if err := cfg.Validate(); err != nil {
		resource := path
		if resource == "" {
			resource = EnvPrefix + "_* environment"
		}
		return nil, issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(resource).
			WithSuggestion("Fix the listed fields in the config file or environment").
			WithKind(issue.ConfigLoadFailedId).
			Wrap(err).
			BuildError()
	}
	return &cfg, nil
}

// resolvePath picks the config file: an explicit path exclusively, else
// releasekit.cue in the work dir, else config.cue in the config dir. No file
// at all is not an error.
func resolvePath(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Run 'releasekit config init' to create a default file").
				WithKind(issue.ConfigLoadFailedId).
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		return opts.ConfigFilePath, nil
	}

	local := filepath.Join(opts.WorkDir, LocalConfigFile)
	if fileExists(local) {
		return local, nil
	}

	dir := opts.ConfigDirPath
	if dir == "" {
		var err error
		if dir, err = ConfigDir(); err != nil {
			return "", nil //nolint:nilerr // no home directory means no user config
		}
	}
	if user := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt); fileExists(user) {
		return user, nil
	}
	return "", nil
}

// loadCUEIntoViper validates a CUE file against #Config and merges it into v.
// Fields are optional, so the file decodes to a map rather than a Config.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	res, err := cueutil.ParseAndDecodeString[map[string]any](configSchema, data, "#Config",
		cueutil.WithFilename(path),
		cueutil.WithConcrete(false),
	)
	if err != nil {
		return err
	}
	if err := v.MergeConfigMap(*res.Value); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("repository.dir", d.Repository.Dir)
	v.SetDefault("repository.remote", d.Repository.Remote)
	v.SetDefault("repository.push", d.Repository.Push)
	v.SetDefault("repository.trunk", d.Repository.Trunk)
	v.SetDefault("repository.release_branch", d.Repository.ReleaseBranch)
	v.SetDefault("repository.no_ff", d.Repository.NoFF)

	v.SetDefault("version.source", string(d.Version.Source))
	v.SetDefault("version.tag_prefix", d.Version.TagPrefix)
	v.SetDefault("version.bump_rule", string(d.Version.BumpRule))
	v.SetDefault("version.preid", d.Version.Preid)

	v.SetDefault("project.name", d.Project.Name)
	v.SetDefault("project.manifest", d.Project.Manifest)
	v.SetDefault("project.ecosystem", d.Project.Ecosystem)

	v.SetDefault("github.owner", d.GitHub.Owner)
	v.SetDefault("github.repo", d.GitHub.Repo)
	v.SetDefault("github.api_url", d.GitHub.APIURL)
	v.SetDefault("github.token_env", d.GitHub.TokenEnv)

	v.SetDefault("registry.pypi_url", d.Registry.PyPIURL)
	v.SetDefault("registry.test_pypi_url", d.Registry.TestPyPIURL)
	v.SetDefault("registry.max_retries", d.Registry.MaxRetries)

	v.SetDefault("test_gate.mode", string(d.TestGate.Mode))
	v.SetDefault("test_gate.wait_seconds", d.TestGate.WaitSeconds)
	v.SetDefault("test_gate.poll_interval_seconds", d.TestGate.PollIntervalSeconds)

	v.SetDefault("publish.target", string(d.Publish.Target))
	v.SetDefault("publish.command", d.Publish.Command)
	v.SetDefault("publish.credential_env", d.Publish.CredentialEnv)
	v.SetDefault("publish.pypi_repository", d.Publish.PyPIRepository)
	v.SetDefault("publish.test_pypi_repository", d.Publish.TestPyPIRepository)

	v.SetDefault("provenance.sbom_command", d.Provenance.SBOMCommand)
	v.SetDefault("provenance.scan_command", d.Provenance.ScanCommand)
	v.SetDefault("provenance.build_command", d.Provenance.BuildCommand)
	v.SetDefault("provenance.build_dir", d.Provenance.BuildDir)
	v.SetDefault("provenance.vdr_attempts", d.Provenance.VDRAttempts)
	v.SetDefault("provenance.vdr_interval_seconds", d.Provenance.VDRIntervalSeconds)

	v.SetDefault("artifacts.dir", d.Artifacts.Dir)
	v.SetDefault("log.level", d.Log.Level)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// WriteDefault writes the default configuration to path. An existing file is
// only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force && fileExists(path) {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateCUE renders cfg as a config file accepted by the schema.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// releasekit configuration\n")
	sb.WriteString("// Every field is optional. Environment variables RELEASEKIT_<SECTION>_<FIELD> override it.\n")

	section := func(name string, fields ...string) {
		sb.WriteString("\n" + name + ": {\n")
		for i := 0; i+1 < len(fields); i += 2 {
			if fields[i+1] == "" {
				continue
			}
			sb.WriteString(fmt.Sprintf("\t%s: %s\n", fields[i], fields[i+1]))
		}
		sb.WriteString("}\n")
	}
	q := func(s string) string {
		if s == "" {
			return ""
		}
		return fmt.Sprintf("%q", s)
	}
	b := func(v bool) string { return fmt.Sprintf("%v", v) }
	n := func(v int) string { return fmt.Sprintf("%d", v) }

	section("repository",
		"dir", q(cfg.Repository.Dir),
		"remote", q(cfg.Repository.Remote),
		"push", b(cfg.Repository.Push),
		"trunk", q(cfg.Repository.Trunk),
		"release_branch", q(cfg.Repository.ReleaseBranch),
		"no_ff", b(cfg.Repository.NoFF),
	)
	section("version",
		"source", q(string(cfg.Version.Source)),
		"tag_prefix", q(cfg.Version.TagPrefix),
		"bump_rule", q(string(cfg.Version.BumpRule)),
		"preid", q(cfg.Version.Preid),
	)
	section("project",
		"name", q(cfg.Project.Name),
		"manifest", q(cfg.Project.Manifest),
		"ecosystem", q(cfg.Project.Ecosystem),
	)
	section("github",
		"owner", q(cfg.GitHub.Owner),
		"repo", q(cfg.GitHub.Repo),
		"api_url", q(cfg.GitHub.APIURL),
		"token_env", q(cfg.GitHub.TokenEnv),
	)
	section("registry",
		"pypi_url", q(cfg.Registry.PyPIURL),
		"test_pypi_url", q(cfg.Registry.TestPyPIURL),
		"max_retries", n(cfg.Registry.MaxRetries),
	)
	section("test_gate",
		"mode", q(string(cfg.TestGate.Mode)),
		"wait_seconds", n(cfg.TestGate.WaitSeconds),
		"poll_interval_seconds", n(cfg.TestGate.PollIntervalSeconds),
	)
	section("publish",
		"target", q(string(cfg.Publish.Target)),
		"command", q(cfg.Publish.Command),
		"credential_env", q(cfg.Publish.CredentialEnv),
		"pypi_repository", q(cfg.Publish.PyPIRepository),
		"test_pypi_repository", q(cfg.Publish.TestPyPIRepository),
	)
	section("provenance",
		"sbom_command", q(cfg.Provenance.SBOMCommand),
		"scan_command", q(cfg.Provenance.ScanCommand),
		"build_command", q(cfg.Provenance.BuildCommand),
		"build_dir", q(cfg.Provenance.BuildDir),
		"vdr_attempts", n(cfg.Provenance.VDRAttempts),
		"vdr_interval_seconds", n(cfg.Provenance.VDRIntervalSeconds),
	)
	section("artifacts", "dir", q(cfg.Artifacts.Dir))
	section("log", "level", q(cfg.Log.Level))

	return sb.String()
}
