// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/releasekit/releasekit/internal/provenance"
	"github.com/releasekit/releasekit/internal/publish"
	"github.com/releasekit/releasekit/internal/registry"
	"github.com/releasekit/releasekit/internal/testgate"
	"github.com/releasekit/releasekit/internal/version"
)

var (
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrInvalidLogLevel is returned when log.level is not a known level.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidSource is returned when version.source is not a known source.
	ErrInvalidSource = errors.New("invalid version source")
)

type (
	// InvalidConfigError is returned when a Config has invalid fields.
	// It wraps ErrInvalidConfig for errors.Is() compatibility and collects
	// field-level validation errors from all sections.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config is the releasekit configuration.
	Config struct {
		Repository RepositoryConfig `json:"repository" mapstructure:"repository"`
		Version    VersionConfig    `json:"version" mapstructure:"version"`
		Project    ProjectConfig    `json:"project" mapstructure:"project"`
		GitHub     GitHubConfig     `json:"github" mapstructure:"github"`
		Registry   RegistryConfig   `json:"registry" mapstructure:"registry"`
		TestGate   TestGateConfig   `json:"test_gate" mapstructure:"test_gate"`
		Publish    PublishConfig    `json:"publish" mapstructure:"publish"`
		Provenance ProvenanceConfig `json:"provenance" mapstructure:"provenance"`
		Artifacts  ArtifactsConfig  `json:"artifacts" mapstructure:"artifacts"`
		Log        LogConfig        `json:"log" mapstructure:"log"`

		// Path is the config file the values were read from; empty for defaults only.
		Path string `json:"-" mapstructure:"-"`
	}

	// RepositoryConfig locates the git repository and its branches.
	RepositoryConfig struct {
		Dir           string `json:"dir" mapstructure:"dir"`
		Remote        string `json:"remote" mapstructure:"remote"`
		Push          bool   `json:"push" mapstructure:"push"`
		Trunk         string `json:"trunk" mapstructure:"trunk"`
		ReleaseBranch string `json:"release_branch" mapstructure:"release_branch"`
		NoFF          bool   `json:"no_ff" mapstructure:"no_ff"`
	}

	// VersionConfig selects how the latest published version is found and
	// the default bump.
	VersionConfig struct {
		Source    version.SourceKind `json:"source" mapstructure:"source"`
		TagPrefix string             `json:"tag_prefix" mapstructure:"tag_prefix"`
		BumpRule  version.BumpRule   `json:"bump_rule" mapstructure:"bump_rule"`
		Preid     string             `json:"preid" mapstructure:"preid"`
	}

	// ProjectConfig names the package being released.
	ProjectConfig struct {
		// Name is the registry project name; empty reads it from the manifest.
		Name      string `json:"name" mapstructure:"name"`
		Manifest  string `json:"manifest" mapstructure:"manifest"`
		Ecosystem string `json:"ecosystem" mapstructure:"ecosystem"`
	}

	// GitHubConfig reaches the commit status API.
	GitHubConfig struct {
		Owner    string `json:"owner" mapstructure:"owner"`
		Repo     string `json:"repo" mapstructure:"repo"`
		APIURL   string `json:"api_url" mapstructure:"api_url"`
		TokenEnv string `json:"token_env" mapstructure:"token_env"`
	}

	// RegistryConfig reaches the package index JSON API.
	RegistryConfig struct {
		PyPIURL     string `json:"pypi_url" mapstructure:"pypi_url"`
		TestPyPIURL string `json:"test_pypi_url" mapstructure:"test_pypi_url"`
		MaxRetries  int    `json:"max_retries" mapstructure:"max_retries"`
	}

	// TestGateConfig controls how the test window is spent.
	TestGateConfig struct {
		Mode                testgate.Mode `json:"mode" mapstructure:"mode"`
		WaitSeconds         int           `json:"wait_seconds" mapstructure:"wait_seconds"`
		PollIntervalSeconds int           `json:"poll_interval_seconds" mapstructure:"poll_interval_seconds"`
	}

	// PublishConfig controls the upload.
	PublishConfig struct {
		Target             publish.Target `json:"target" mapstructure:"target"`
		Command            string         `json:"command" mapstructure:"command"`
		CredentialEnv      string         `json:"credential_env" mapstructure:"credential_env"`
		PyPIRepository     string         `json:"pypi_repository" mapstructure:"pypi_repository"`
		TestPyPIRepository string         `json:"test_pypi_repository" mapstructure:"test_pypi_repository"`
	}

	// ProvenanceConfig names the external tools and the VDR wait.
	ProvenanceConfig struct {
		SBOMCommand        string `json:"sbom_command" mapstructure:"sbom_command"`
		ScanCommand        string `json:"scan_command" mapstructure:"scan_command"`
		BuildCommand       string `json:"build_command" mapstructure:"build_command"`
		BuildDir           string `json:"build_dir" mapstructure:"build_dir"`
		VDRAttempts        int    `json:"vdr_attempts" mapstructure:"vdr_attempts"`
		VDRIntervalSeconds int    `json:"vdr_interval_seconds" mapstructure:"vdr_interval_seconds"`
	}

	// ArtifactsConfig locates the collection root.
	ArtifactsConfig struct {
		Dir string `json:"dir" mapstructure:"dir"`
	}

	// LogConfig controls diagnostics.
	LogConfig struct {
		Level string `json:"level" mapstructure:"level"`
	}
)

// Error implements the error interface.
func (e *InvalidConfigError) Error() string {
	msgs := make([]string, 0, len(e.FieldErrors))
	for _, err := range e.FieldErrors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("invalid config: %d field error(s): %s", len(e.FieldErrors), strings.Join(msgs, "; "))
}

// Unwrap returns ErrInvalidConfig for errors.Is() compatibility.
func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

// TestWait returns the test window as a duration.
func (c TestGateConfig) TestWait() time.Duration {
	return time.Duration(c.WaitSeconds) * time.Second
}

// PollInterval returns the watch-mode poll interval as a duration.
func (c TestGateConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// VDRInterval returns the VDR poll interval as a duration.
func (c ProvenanceConfig) VDRInterval() time.Duration {
	return time.Duration(c.VDRIntervalSeconds) * time.Second
}

// Repositories returns the upload URL per target.
func (c PublishConfig) Repositories() map[publish.Target]string {
	repos := publish.DefaultRepositories()
	if c.PyPIRepository != "" {
		repos[publish.TargetPyPI] = c.PyPIRepository
	}
	if c.TestPyPIRepository != "" {
		repos[publish.TargetTestPyPI] = c.TestPyPIRepository
	}
	return repos
}

// LogLevel parses Level. An empty level is info.
func (c LogConfig) LogLevel() (log.Level, error) {
	if c.Level == "" {
		return log.InfoLevel, nil
	}
	lvl, err := log.ParseLevel(c.Level)
	if err != nil {
		return 0, fmt.Errorf("%w %q", ErrInvalidLogLevel, c.Level)
	}
	return lvl, nil
}

// Validate returns an *InvalidConfigError listing every invalid field.
// The CUE schema catches types and enums at load time; this also covers
// values set through the environment.
func (c *Config) Validate() error {
	var errs []error

	if !c.Version.Source.IsValid() {
		errs = append(errs, fmt.Errorf("version.source: %w %q", ErrInvalidSource, c.Version.Source))
	}
	if c.Version.BumpRule != "" {
		if ok, ruleErrs := c.Version.BumpRule.IsValid(); !ok {
			errs = append(errs, prefixed("version.bump_rule", ruleErrs)...)
		}
	}
	if ok, modeErrs := c.TestGate.Mode.IsValid(); !ok {
		errs = append(errs, prefixed("test_gate.mode", modeErrs)...)
	}
	if c.TestGate.WaitSeconds < 0 {
		errs = append(errs, fmt.Errorf("test_gate.wait_seconds: %d is negative", c.TestGate.WaitSeconds))
	}
	if ok, targetErrs := c.Publish.Target.IsValid(); !ok {
		errs = append(errs, prefixed("publish.target", targetErrs)...)
	}
	if c.Provenance.VDRAttempts < 1 {
		errs = append(errs, fmt.Errorf("provenance.vdr_attempts: %d, want at least 1", c.Provenance.VDRAttempts))
	}
	if c.Registry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("registry.max_retries: %d is negative", c.Registry.MaxRetries))
	}
	if _, err := c.Log.LogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Repository.Trunk == c.Repository.ReleaseBranch {
		errs = append(errs, fmt.Errorf("repository.release_branch: %q is the trunk", c.Repository.ReleaseBranch))
	}

	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}

func prefixed(field string, errs []error) []error {
	out := make([]error, 0, len(errs))
	for _, err := range errs {
		out = append(out, fmt.Errorf("%s: %w", field, err))
	}
	return out
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Repository: RepositoryConfig{
			Dir:           ".",
			Remote:        "origin",
			Push:          true,
			Trunk:         "main",
			ReleaseBranch: "release",
		},
		Version: VersionConfig{
			Source:    version.SourcePyPI,
			TagPrefix: "v",
			BumpRule:  version.DefaultBumpRule,
		},
		Project: ProjectConfig{
			Manifest:  "pyproject.toml",
			Ecosystem: "python",
		},
		GitHub: GitHubConfig{
			APIURL:   "https://api.github.com",
			TokenEnv: "GITHUB_TOKEN",
		},
		Registry: RegistryConfig{
			PyPIURL:     registry.DefaultPyPIURL,
			TestPyPIURL: registry.DefaultTestPyPIURL,
			MaxRetries:  registry.DefaultMaxRetries,
		},
		TestGate: TestGateConfig{
			Mode:                testgate.DefaultMode,
			WaitSeconds:         int(testgate.DefaultWait / time.Second),
			PollIntervalSeconds: int(testgate.DefaultPollInterval / time.Second),
		},
		Publish: PublishConfig{
			Target:        publish.DefaultTarget,
			Command:       publish.DefaultCommand,
			CredentialEnv: "PYPI_TOKEN",
		},
		Provenance: ProvenanceConfig{
			SBOMCommand:        provenance.DefaultSBOMCommand,
			ScanCommand:        provenance.DefaultScanCommand,
			BuildCommand:       provenance.DefaultBuildCommand,
			BuildDir:           provenance.DefaultBuildDir,
			VDRAttempts:        provenance.DefaultVDRAttempts,
			VDRIntervalSeconds: int(provenance.DefaultVDRInterval / time.Second),
		},
		Artifacts: ArtifactsConfig{Dir: "artifacts"},
		Log:       LogConfig{Level: "info"},
	}
}
