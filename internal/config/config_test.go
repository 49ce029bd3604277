// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/releasekit/releasekit/internal/issue"
	"github.com/releasekit/releasekit/internal/publish"
	"github.com/releasekit/releasekit/internal/testgate"
	"github.com/releasekit/releasekit/internal/version"
)

func isolated(t *testing.T) LoadOptions {
	t.Helper()
	return LoadOptions{WorkDir: t.TempDir(), ConfigDirPath: t.TempDir()}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := NewProvider().Load(context.Background(), isolated(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Path != "" {
		t.Errorf("Path = %q, want empty without a file", cfg.Path)
	}

	want := DefaultConfig()
	if cfg.TestGate != want.TestGate || cfg.Publish != want.Publish || cfg.Repository != want.Repository {
		t.Errorf("loaded config differs from defaults:\n got %+v\nwant %+v", cfg, want)
	}
	if cfg.TestGate.TestWait() != 600*time.Second || cfg.TestGate.Mode != testgate.ModeWatch {
		t.Errorf("test gate = %+v", cfg.TestGate)
	}
	if cfg.Version.BumpRule != version.BumpPrerelease || cfg.Publish.Target != publish.TargetNone {
		t.Errorf("trigger defaults = %s / %s", cfg.Version.BumpRule, cfg.Publish.Target)
	}
}

func TestLoad_LocalFileOverridesUserFile(t *testing.T) {
	t.Parallel()

	opts := isolated(t)
	writeFile(t, filepath.Join(opts.ConfigDirPath, "config.cue"), `log: level: "debug"`)
	local := filepath.Join(opts.WorkDir, LocalConfigFile)
	writeFile(t, local, `
test_gate: {
	mode:         "wait"
	wait_seconds: 120
}
publish: target: "test-pypi"
github: {
	owner: "acme"
	repo:  "widgets"
}
`)

	cfg, err := NewProvider().Load(context.Background(), opts)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Path != local {
		t.Errorf("Path = %q, want %q", cfg.Path, local)
	}
	if cfg.TestGate.Mode != testgate.ModeWait || cfg.TestGate.WaitSeconds != 120 {
		t.Errorf("test gate = %+v", cfg.TestGate)
	}
	if cfg.TestGate.PollIntervalSeconds != 30 {
		t.Errorf("unset field lost its default: %+v", cfg.TestGate)
	}
	if cfg.Publish.Target != publish.TargetTestPyPI || cfg.GitHub.Owner != "acme" {
		t.Errorf("publish = %+v, github = %+v", cfg.Publish, cfg.GitHub)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("user config dir file should be ignored when a local file exists, level = %q", cfg.Log.Level)
	}
}

func TestLoad_UserConfigDir(t *testing.T) {
	t.Parallel()

	opts := isolated(t)
	writeFile(t, filepath.Join(opts.ConfigDirPath, "config.cue"), `provenance: vdr_attempts: 3`)

	cfg, err := NewProvider().Load(context.Background(), opts)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provenance.VDRAttempts != 3 {
		t.Errorf("vdr_attempts = %d, want 3", cfg.Provenance.VDRAttempts)
	}
}

func TestLoad_SchemaViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantSub string
	}{
		{"unknown target", `publish: target: "artifactory"`, "publish.target"},
		{"unknown field", `test_gate: window: 5`, "window"},
		{"negative wait", `test_gate: wait_seconds: -1`, "wait_seconds"},
		{"wrong type", `repository: push: "yes"`, "repository.push"},
		{"bad preid", `version: preid: "rc.1"`, "preid"},
		{"zero attempts", `provenance: vdr_attempts: 0`, "vdr_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := isolated(t)
			opts.ConfigFilePath = filepath.Join(opts.WorkDir, "custom.cue")
			writeFile(t, opts.ConfigFilePath, tt.content)

			_, err := NewProvider().Load(context.Background(), opts)
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("Load() error = %v, want mention of %q", err, tt.wantSub)
			}
			var ae *issue.ActionableError
			if !errors.As(err, &ae) || ae.Kind != issue.ConfigLoadFailedId {
				t.Errorf("error should be an ActionableError of kind ConfigLoadFailed, got %T", err)
			}
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Parallel()

	opts := isolated(t)
	opts.ConfigFilePath = filepath.Join(opts.WorkDir, "nope.cue")
	_, err := NewProvider().Load(context.Background(), opts)
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("Load() error = %v", err)
	}
}

func TestLoad_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewProvider().Load(ctx, isolated(t)); !errors.Is(err, context.Canceled) {
		t.Errorf("Load() error = %v, want context.Canceled", err)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RELEASEKIT_TEST_GATE_MODE", "wait")
	t.Setenv("RELEASEKIT_PUBLISH_TARGET", "pypi")
	t.Setenv("RELEASEKIT_PROVENANCE_VDR_ATTEMPTS", "4")

	opts := isolated(t)
	writeFile(t, filepath.Join(opts.WorkDir, LocalConfigFile), `publish: target: "test-pypi"`)

	cfg, err := NewProvider().Load(context.Background(), opts)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TestGate.Mode != testgate.ModeWait {
		t.Errorf("mode = %s, want wait from env", cfg.TestGate.Mode)
	}
	if cfg.Publish.Target != publish.TargetPyPI {
		t.Errorf("target = %s, env should win over the file", cfg.Publish.Target)
	}
	if cfg.Provenance.VDRAttempts != 4 {
		t.Errorf("vdr_attempts = %d", cfg.Provenance.VDRAttempts)
	}
}

func TestLoad_InvalidEnvironmentValue(t *testing.T) {
	t.Setenv("RELEASEKIT_TEST_GATE_MODE", "sometimes")

	_, err := NewProvider().Load(context.Background(), isolated(t))
	var invalid *InvalidConfigError
	if !errors.Is(err, ErrInvalidConfig) || !errors.As(err, &invalid) {
		t.Fatalf("Load() error = %v, want ErrInvalidConfig", err)
	}
	if len(invalid.FieldErrors) != 1 || !errors.Is(invalid.FieldErrors[0], testgate.ErrInvalidMode) {
		t.Errorf("field errors = %v, want one ErrInvalidMode", invalid.FieldErrors)
	}
}

func TestGenerateCUE_RoundTrips(t *testing.T) {
	t.Parallel()

	opts := isolated(t)
	path := filepath.Join(opts.WorkDir, LocalConfigFile)
	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if err := WriteDefault(path, false); !errors.Is(err, ErrConfigExists) {
		t.Errorf("second WriteDefault() error = %v, want ErrConfigExists", err)
	}
	if err := WriteDefault(path, true); err != nil {
		t.Errorf("forced WriteDefault() error = %v", err)
	}

	cfg, err := NewProvider().Load(context.Background(), opts)
	if err != nil {
		t.Fatalf("generated file does not load: %v", err)
	}
	if cfg.Path != path {
		t.Errorf("Path = %q", cfg.Path)
	}
	if cfg.Provenance != DefaultConfig().Provenance {
		t.Errorf("provenance = %+v, want defaults", cfg.Provenance)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Version.Source = "svn"
	cfg.Version.BumpRule = "sideways"
	cfg.Publish.Target = "ftp"
	cfg.Log.Level = "chatty"
	cfg.Repository.ReleaseBranch = cfg.Repository.Trunk

	err := cfg.Validate()
	var invalid *InvalidConfigError
	if !errors.As(err, &invalid) {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(invalid.FieldErrors) != 5 {
		t.Errorf("field errors = %d: %v", len(invalid.FieldErrors), invalid.FieldErrors)
	}
	for _, sentinel := range []error{ErrInvalidSource, version.ErrUnknownBumpRule, publish.ErrInvalidTarget, ErrInvalidLogLevel} {
		found := false
		for _, fe := range invalid.FieldErrors {
			if errors.Is(fe, sentinel) {
				found = true
			}
		}
		if !found {
			t.Errorf("no field error wraps %v", sentinel)
		}
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestPublishConfig_Repositories(t *testing.T) {
	t.Parallel()

	c := PublishConfig{TestPyPIRepository: "https://staging.example.com/legacy/"}
	repos := c.Repositories()
	if repos[publish.TargetTestPyPI] != "https://staging.example.com/legacy/" {
		t.Errorf("test-pypi = %q", repos[publish.TargetTestPyPI])
	}
	if repos[publish.TargetPyPI] != publish.DefaultRepositories()[publish.TargetPyPI] {
		t.Errorf("pypi = %q, want the default", repos[publish.TargetPyPI])
	}
}
