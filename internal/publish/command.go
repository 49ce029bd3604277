// SPDX-License-Identifier: MPL-2.0

package publish

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/releasekit/releasekit/internal/toolrun"
)

// DefaultCommand uploads the wheels and sdists in the dist directory with
// twine. The collection's SHA256SUMS and manifest.yaml are not
// distributions and twine refuses them, so the globs stay narrow.
const DefaultCommand = `shopt -s nullglob; twine upload --non-interactive --repository-url "$RELEASEKIT_REPOSITORY_URL" "$RELEASEKIT_DIST_DIR"/*.whl "$RELEASEKIT_DIST_DIR"/*.tar.gz`

// ErrNoRepository is returned when a target has no repository URL.
var ErrNoRepository = errors.New("no repository URL for target")

// DefaultRepositories maps targets to their legacy upload endpoints.
func DefaultRepositories() map[Target]string {
	return map[Target]string{
		TargetPyPI:     "https://upload.pypi.org/legacy/",
		TargetTestPyPI: "https://test.pypi.org/legacy/",
	}
}

// CommandPublisher uploads by running a configured command line. The
// credential is forwarded by name and never inspected.
type CommandPublisher struct {
	Runner toolrun.Runner
	// Command is the upload command line; empty means DefaultCommand.
	Command string
	// Repositories maps targets to upload URLs; nil means DefaultRepositories.
	Repositories map[Target]string
	// CredentialEnv names the environment variable holding the upload token.
	CredentialEnv string
	// Dir is the working directory for the command.
	Dir string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Publish runs the upload command for a.
func (p *CommandPublisher) Publish(ctx context.Context, a Artifact) error {
	repos := p.Repositories
	if repos == nil {
		repos = DefaultRepositories()
	}
	url, ok := repos[a.Target]
	if !ok || url == "" {
		return fmt.Errorf("%w %s", ErrNoRepository, a.Target)
	}

	line := p.Command
	if line == "" {
		line = DefaultCommand
	}

	env := map[string]string{
		"RELEASEKIT_REPOSITORY_URL": url,
		"RELEASEKIT_DIST_DIR":       a.DistDir,
		"RELEASEKIT_VERSION":        a.Version,
		"RELEASEKIT_TARGET":         a.Target.String(),
	}
	if p.CredentialEnv != "" {
		lookup := p.LookupEnv
		if lookup == nil {
			lookup = os.LookupEnv
		}
		if token, ok := lookup(p.CredentialEnv); ok {
			env["TWINE_USERNAME"] = "__token__"
			env["TWINE_PASSWORD"] = token
		}
	}

	_, err := p.Runner.Run(ctx, toolrun.Command{Name: "publish", Line: line, Dir: p.Dir, Env: env})
	return err
}
