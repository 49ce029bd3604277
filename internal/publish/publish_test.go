// SPDX-License-Identifier: MPL-2.0

package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/releasekit/releasekit/internal/bundle"
	"github.com/releasekit/releasekit/internal/testgate"
	"github.com/releasekit/releasekit/internal/toolrun"
)

func TestDecide(t *testing.T) {
	t.Parallel()

	results := []testgate.Result{testgate.ResultPassed, testgate.ResultFailed, testgate.ResultTimedOut}

	for _, r := range results {
		d, err := Decide(r, TargetNone)
		if err != nil || d.Publish {
			t.Errorf("Decide(%s, none) = %+v, %v; want skipped without error", r, d, err)
		}
	}

	for _, target := range []Target{TargetPyPI, TargetTestPyPI} {
		d, err := Decide(testgate.ResultPassed, target)
		if err != nil || !d.Publish {
			t.Errorf("Decide(passed, %s) = %+v, %v; want publish", target, d, err)
		}

		for _, r := range []testgate.Result{testgate.ResultFailed, testgate.ResultTimedOut} {
			d, err := Decide(r, target)
			if d.Publish {
				t.Errorf("Decide(%s, %s) must not publish", r, target)
			}
			var gns *GateNotSatisfiedError
			if !errors.As(err, &gns) || !errors.Is(err, ErrGateNotSatisfied) {
				t.Fatalf("Decide(%s, %s) error = %v, want *GateNotSatisfiedError", r, target, err)
			}
			if gns.Result != r || gns.Target != target {
				t.Errorf("error fields = %+v", gns)
			}
		}
	}

	if _, err := Decide(testgate.ResultPassed, "artifactory"); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("unknown target error = %v, want ErrInvalidTarget", err)
	}
}

func TestGateNotSatisfiedError_DistinguishesResults(t *testing.T) {
	t.Parallel()

	failed := (&GateNotSatisfiedError{Target: TargetPyPI, Result: testgate.ResultFailed}).Error()
	timedOut := (&GateNotSatisfiedError{Target: TargetPyPI, Result: testgate.ResultTimedOut}).Error()

	if !strings.Contains(failed, "tests failed") {
		t.Errorf("failed message = %q", failed)
	}
	if !strings.Contains(timedOut, "no test result") {
		t.Errorf("timed-out message = %q", timedOut)
	}
}

func TestGate_Run(t *testing.T) {
	t.Parallel()

	art := Artifact{Target: TargetTestPyPI, Version: "1.2.4-0", DistDir: "/work/dist"}

	t.Run("publishes when passed", func(t *testing.T) {
		t.Parallel()

		var got []Artifact
		g := NewGate(PublisherFunc(func(_ context.Context, a Artifact) error {
			got = append(got, a)
			return nil
		}), nil)

		d, err := g.Run(context.Background(), testgate.ResultPassed, art)
		if err != nil || !d.Publish {
			t.Fatalf("Run() = %+v, %v", d, err)
		}
		if len(got) != 1 || got[0] != art {
			t.Errorf("publisher calls = %+v", got)
		}
	})

	t.Run("never calls publisher when gate fails", func(t *testing.T) {
		t.Parallel()

		called := false
		g := NewGate(PublisherFunc(func(context.Context, Artifact) error {
			called = true
			return nil
		}), nil)

		for _, r := range []testgate.Result{testgate.ResultFailed, testgate.ResultTimedOut} {
			if _, err := g.Run(context.Background(), r, art); !errors.Is(err, ErrGateNotSatisfied) {
				t.Errorf("Run(%s) error = %v", r, err)
			}
		}
		noneArt := art
		noneArt.Target = TargetNone
		if _, err := g.Run(context.Background(), testgate.ResultPassed, noneArt); err != nil {
			t.Errorf("Run(none) error = %v", err)
		}
		if called {
			t.Error("publisher must not be called")
		}
	})

	t.Run("transport error carries context", func(t *testing.T) {
		t.Parallel()

		cause := errors.New("403 invalid or non-existent authentication information")
		calls := 0
		g := NewGate(PublisherFunc(func(context.Context, Artifact) error {
			calls++
			return cause
		}), nil)

		_, err := g.Run(context.Background(), testgate.ResultPassed, art)
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("Run() error = %v, want *TransportError", err)
		}
		if !errors.Is(err, ErrTransport) || !errors.Is(err, cause) {
			t.Error("TransportError should match both ErrTransport and the cause")
		}
		if te.Target != TargetTestPyPI || te.Version != "1.2.4-0" {
			t.Errorf("TransportError = %+v", te)
		}
		if calls != 1 {
			t.Errorf("publisher called %d times, want 1 (no retry)", calls)
		}
	})
}

func TestCommandPublisher(t *testing.T) {
	t.Parallel()

	var got toolrun.Command
	p := &CommandPublisher{
		Runner: toolrun.RunnerFunc(func(_ context.Context, c toolrun.Command) (*toolrun.Result, error) {
			got = c
			return &toolrun.Result{}, nil
		}),
		CredentialEnv: "PYPI_TOKEN",
		Dir:           "/work",
		LookupEnv: func(k string) (string, bool) {
			if k == "PYPI_TOKEN" {
				return "pypi-secret", true
			}
			return "", false
		},
	}

	if err := p.Publish(context.Background(), Artifact{Target: TargetTestPyPI, Version: "2.0.0", DistDir: "/work/dist"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got.Line != DefaultCommand || got.Dir != "/work" {
		t.Errorf("command = %+v", got)
	}
	want := map[string]string{
		"RELEASEKIT_REPOSITORY_URL": "https://test.pypi.org/legacy/",
		"RELEASEKIT_DIST_DIR":       "/work/dist",
		"RELEASEKIT_VERSION":        "2.0.0",
		"TWINE_USERNAME":            "__token__",
		"TWINE_PASSWORD":            "pypi-secret",
	}
	for k, v := range want {
		if got.Env[k] != v {
			t.Errorf("env %s = %q, want %q", k, got.Env[k], v)
		}
	}

	p.Repositories = map[Target]string{TargetPyPI: "https://upload.pypi.org/legacy/"}
	if err := p.Publish(context.Background(), Artifact{Target: TargetTestPyPI}); !errors.Is(err, ErrNoRepository) {
		t.Errorf("missing repository error = %v, want ErrNoRepository", err)
	}
}

func TestCommandPublisher_ToolFailure(t *testing.T) {
	t.Parallel()

	p := &CommandPublisher{
		Runner: toolrun.RunnerFunc(func(_ context.Context, c toolrun.Command) (*toolrun.Result, error) {
			return &toolrun.Result{ExitCode: 1}, &toolrun.ExitError{Name: c.Name, ExitCode: 1, Stderr: "HTTPError: 400 File already exists."}
		}),
		LookupEnv: func(string) (string, bool) { return "", false },
	}
	g := NewGate(p, nil)

	_, err := g.Run(context.Background(), testgate.ResultPassed, Artifact{Target: TargetPyPI, Version: "1.0.0"})
	var exitErr *toolrun.ExitError
	if !errors.Is(err, ErrTransport) || !errors.As(err, &exitErr) {
		t.Fatalf("error = %v, want transport error wrapping *toolrun.ExitError", err)
	}
	if !strings.Contains(err.Error(), "File already exists") {
		t.Errorf("error = %q, want the tool's last stderr line", err)
	}
}

func TestDefaultCommand_UploadsOnlyDistributions(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	build := filepath.Join(root, "build")
	if err := os.MkdirAll(build, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"acme-1.0.0.tar.gz", "acme-1.0.0-py3-none-any.whl"} {
		if err := os.WriteFile(filepath.Join(build, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	col, err := bundle.NewBundler(afero.NewOsFs(), filepath.Join(root, "artifacts")).
		Collect(context.Background(), bundle.CollectionDist, []bundle.Item{{Path: build, Required: true}})
	if err != nil {
		t.Fatal(err)
	}

	// twine is replaced by a function echoing its file arguments.
	var stdout string
	shell := &toolrun.ShellRunner{BaseEnv: []string{}}
	p := &CommandPublisher{
		Runner: toolrun.RunnerFunc(func(ctx context.Context, c toolrun.Command) (*toolrun.Result, error) {
			c.Line = `twine() { shift 4; printf '%s\n' "$@"; }; ` + c.Line
			res, err := shell.Run(ctx, c)
			if res != nil {
				stdout = res.Stdout
			}
			return res, err
		}),
		LookupEnv: func(string) (string, bool) { return "", false },
	}

	if err := p.Publish(context.Background(), Artifact{Target: TargetPyPI, Version: "1.0.0", DistDir: col.Dir}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := strings.Fields(stdout)
	for i := range got {
		got[i] = filepath.Base(got[i])
	}
	slices.Sort(got)
	want := []string{"acme-1.0.0-py3-none-any.whl", "acme-1.0.0.tar.gz"}
	if !slices.Equal(got, want) {
		t.Errorf("uploaded %v, want %v", got, want)
	}
	for _, reserved := range []string{bundle.ChecksumsFile, bundle.ManifestFile} {
		if _, err := os.Stat(filepath.Join(col.Dir, reserved)); err != nil {
			t.Errorf("%s should exist in the collection: %v", reserved, err)
		}
	}
}
