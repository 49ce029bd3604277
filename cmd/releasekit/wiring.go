// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/releasekit/releasekit/internal/bundle"
	"github.com/releasekit/releasekit/internal/config"
	"github.com/releasekit/releasekit/internal/githubapi"
	"github.com/releasekit/releasekit/internal/issue"
	"github.com/releasekit/releasekit/internal/merge"
	"github.com/releasekit/releasekit/internal/provenance"
	"github.com/releasekit/releasekit/internal/publish"
	"github.com/releasekit/releasekit/internal/pyproject"
	"github.com/releasekit/releasekit/internal/registry"
	"github.com/releasekit/releasekit/internal/release"
	"github.com/releasekit/releasekit/internal/testgate"
	"github.com/releasekit/releasekit/internal/version"
)

// userAgent identifies releasekit to the registry and GitHub.
func userAgent() string {
	return "releasekit/" + Version
}

// repositoryDir is the git checkout the release operates on.
func repositoryDir(cfg *config.Config, workDir string) string {
	return resolvePath(workDir, cfg.Repository.Dir)
}

// manifestPath is the dependency manifest below the repository.
func manifestPath(cfg *config.Config, workDir string) string {
	return resolvePath(repositoryDir(cfg, workDir), cfg.Project.Manifest)
}

// artifactsRoot is where collections are finalized.
func artifactsRoot(cfg *config.Config, workDir string) string {
	return resolvePath(workDir, cfg.Artifacts.Dir)
}

// projectName is the registry project, configured or read from the manifest.
func projectName(cfg *config.Config, workDir string) (string, error) {
	if cfg.Project.Name != "" {
		return cfg.Project.Name, nil
	}
	path := manifestPath(cfg, workDir)
	m, err := pyproject.Read(path)
	if err != nil {
		return "", issue.NewErrorContext().
			WithOperation("determine project name").
			WithResource(path).
			WithSuggestion("Set project.name in the configuration").
			Wrap(err).
			BuildError()
	}
	return m.Name, nil
}

// versionSource selects where the latest published version comes from.
// Lookups against test-pypi read the test index so pre-releases uploaded
// there are not proposed again.
func (a *App) versionSource(cfg *config.Config, workDir string, repo Repository, target publish.Target) (version.Source, error) {
	switch cfg.Version.Source {
	case version.SourceGitTags:
		prefix := cfg.Version.TagPrefix
		return version.SourceFunc(func(ctx context.Context) (string, error) {
			tags, err := repo.Tags(ctx)
			if err != nil {
				return "", err
			}
			if v, ok := version.Highest(tags, prefix); ok {
				return v.String(), nil
			}
			return "", nil
		}), nil

	case version.SourcePyProject:
		path := manifestPath(cfg, workDir)
		return version.SourceFunc(func(context.Context) (string, error) {
			m, err := pyproject.Read(path)
			if err != nil {
				return "", err
			}
			if m.Dynamic {
				return "", fmt.Errorf("%s: %w", path, pyproject.ErrDynamicVersion)
			}
			return version.FromPEP440(m.Version), nil
		}), nil

	default:
		name, err := projectName(cfg, workDir)
		if err != nil {
			return nil, err
		}
		base := cfg.Registry.PyPIURL
		if target == publish.TargetTestPyPI {
			base = cfg.Registry.TestPyPIURL
		}
		opts := []registry.Option{
			registry.WithUserAgent(userAgent()),
			registry.WithMaxRetries(cfg.Registry.MaxRetries),
		}
		if a.HTTPClient != nil {
			opts = append(opts, registry.WithHTTPClient(a.HTTPClient))
		}
		return registry.NewClient(base, opts...).Source(name), nil
	}
}

// testSource reads the merged commit's combined status from GitHub.
func (a *App) testSource(cfg *config.Config) (testgate.Source, error) {
	if cfg.GitHub.Owner == "" || cfg.GitHub.Repo == "" {
		return nil, issue.NewErrorContext().
			WithOperation("configure test gate").
			WithResource("github").
			WithSuggestion("Set github.owner and github.repo in the configuration").
			WithSuggestion("Or export RELEASEKIT_GITHUB_OWNER and RELEASEKIT_GITHUB_REPO").
			WithKind(issue.ConfigLoadFailedId).
			Wrap(fmt.Errorf("%w: github repository is not configured", config.ErrInvalidConfig)).
			BuildError()
	}

	opts := []githubapi.ClientOption{
		githubapi.WithBaseURL(cfg.GitHub.APIURL),
		githubapi.WithUserAgent(userAgent()),
	}
	if token, ok := a.LookupEnv(cfg.GitHub.TokenEnv); ok && token != "" {
		opts = append(opts, githubapi.WithToken(token))
	}
	if a.HTTPClient != nil {
		opts = append(opts, githubapi.WithHTTPClient(a.HTTPClient))
	}
	return testgate.GitHubSource{Client: githubapi.NewClient(cfg.GitHub.Owner, cfg.GitHub.Repo, opts...)}, nil
}

// publisher uploads through the configured command.
func (a *App) publisher(cfg *config.Config, workDir string) publish.Publisher {
	return &publish.CommandPublisher{
		Runner:        a.Runner,
		Command:       cfg.Publish.Command,
		Repositories:  cfg.Publish.Repositories(),
		CredentialEnv: cfg.Publish.CredentialEnv,
		Dir:           repositoryDir(cfg, workDir),
		LookupEnv:     a.LookupEnv,
	}
}

// branches are the configured release and trunk branches.
func branches(cfg *config.Config) merge.Branches {
	return merge.Branches{Release: cfg.Repository.ReleaseBranch, Trunk: cfg.Repository.Trunk}
}

// newOrchestrator builds the release pipeline for one run.
func (a *App) newOrchestrator(cfg *config.Config, workDir string, target publish.Target, logger *log.Logger, dist release.DistSource, extra ...release.Option) (*release.Orchestrator, error) {
	repo := a.Repository(repositoryDir(cfg, workDir))

	versions, err := a.versionSource(cfg, workDir, repo, target)
	if err != nil {
		return nil, err
	}
	tests, err := a.testSource(cfg)
	if err != nil {
		return nil, err
	}

	mergeOpts := []merge.Option{
		merge.WithLogger(logger),
		merge.WithNoFastForward(cfg.Repository.NoFF),
	}
	if cfg.Repository.Push {
		mergeOpts = append(mergeOpts, merge.WithPush(cfg.Repository.Remote))
	}

	opts := append([]release.Option{
		release.WithLogger(logger),
		release.WithClock(a.Clock),
		release.WithTestGateMode(cfg.TestGate.Mode),
		release.WithPollInterval(cfg.TestGate.PollInterval()),
		release.WithDist(dist),
	}, extra...)
	return release.NewOrchestrator(versions, merge.NewCoordinator(repo, mergeOpts...), tests, a.publisher(cfg, workDir), opts...), nil
}

// newProvenancePipeline builds the provenance pipeline writing below the
// artifacts root.
func (a *App) newProvenancePipeline(cfg *config.Config, workDir string, logger *log.Logger, opts ...provenance.PipelineOption) *provenance.Pipeline {
	gen := provenance.NewGenerator(a.FS, a.Runner,
		provenance.WithClock(a.Clock),
		provenance.WithLogger(logger),
		provenance.WithCommands(cfg.Provenance.SBOMCommand, cfg.Provenance.ScanCommand),
		provenance.WithVDRPoll(cfg.Provenance.VDRAttempts, cfg.Provenance.VDRInterval()),
	)
	bundler := bundle.NewBundler(a.FS, artifactsRoot(cfg, workDir),
		bundle.WithLogger(logger),
		bundle.WithNow(a.Clock.Now),
	)
	opts = append([]provenance.PipelineOption{
		provenance.WithBuildCommand(cfg.Provenance.BuildCommand),
		provenance.WithPipelineLogger(logger),
	}, opts...)
	return provenance.NewPipeline(gen, bundler, a.Runner, opts...)
}
