// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"cmp"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/slices"
)

// Id identifies a catalog entry.
type Id int

const (
	InvalidVersionId Id = iota + 1
	MergeConflictUnresolvedId
	GateNotSatisfiedId
	TestsTimedOutId
	ProvenanceIncompleteId
	PublishTransportErrorId
	ConfigLoadFailedId
	ToolFailedId
	DirtyWorkTreeId
)

type (
	MarkdownMsg string

	HttpLink string

	// Issue is a remediation note rendered for the operator after a failed run.
	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		docLinks []HttpLink
	}
)

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

// Render renders the note with glamour. stylePath is a glamour style name
// ("dark", "light", "notty", ...).
func (i *Issue) Render(stylePath string) (string, error) {
	md := string(i.mdMsg)
	if len(i.docLinks) > 0 {
		md += "\n\n## See also\n"
		for _, link := range i.docLinks {
			md += "- <" + string(link) + ">\n"
		}
	}
	return render(md, stylePath)
}

var (
	render = glamour.Render

	invalidVersionIssue = &Issue{
		id: InvalidVersionId,
		mdMsg: `
# The release version was rejected

The requested version is not a semantic version, or it is not strictly
greater than the latest published version. Nothing was merged or published.

## Things you can try
- Drop ` + "`--release-version`" + ` and let a bump rule compute the version
- Check the latest published version:
~~~
$ releasekit version next --bump-rule patch
~~~
- Pass a version of the form MAJOR.MINOR.PATCH[-PRERELEASE]`,
		docLinks: []HttpLink{"https://semver.org/#spec-item-11"},
	}

	mergeConflictUnresolvedIssue = &Issue{
		id: MergeConflictUnresolvedId,
		mdMsg: `
# The release branch could not be merged

The merge produced conflicts that the selected strategy could not resolve.
The merge was aborted and trunk is unchanged.

## Things you can try
- Resolve the conflicts on the release branch and re-run
- Select a strategy that resolves them, for example:
~~~
$ releasekit release --merge-strategy ort:theirs
~~~`,
		docLinks: []HttpLink{"https://git-scm.com/docs/merge-strategies"},
	}

	gateNotSatisfiedIssue = &Issue{
		id: GateNotSatisfiedId,
		mdMsg: `
# Publishing was refused

The merged commit did not pass its tests, so the artifact was not published.
The merge itself is kept.

## Things you can try
- Inspect the failing checks on the merged commit
- Fix the failure and release again with a new version`,
	}

	testsTimedOutIssue = &Issue{
		id: TestsTimedOutId,
		mdMsg: `
# No test result arrived in time

The test window closed before the external test runner reported a result
for the merged commit. This is not a test failure.

## Things you can try
- Increase the window with ` + "`--run-tests-wait`" + `
- Check that CI was triggered for the pushed trunk commit`,
	}

	provenanceIncompleteIssue = &Issue{
		id: ProvenanceIncompleteId,
		mdMsg: `
# Provenance bundle is incomplete

The vulnerability disposition report did not appear within the polling
budget. The SBOM and findings were bundled without it.

## Things you can try
- Raise ` + "`provenance.vdr_attempts`" + ` in the configuration
- Check the scanner output for errors`,
	}

	publishTransportErrorIssue = &Issue{
		id: PublishTransportErrorId,
		mdMsg: `
# Upload to the registry failed

The artifact could not be uploaded. Publishing is never retried
automatically and the merge is not rolled back.

## Things you can try
- Check that the credential environment variable is set
- Verify the registry is reachable, then upload the ` + "`dist`" + ` collection manually`,
		docLinks: []HttpLink{"https://packaging.python.org/en/latest/guides/publishing-package-distribution-releases-using-github-actions-ci-cd-workflows/"},
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Configuration could not be loaded

## Things you can try
- Validate the file against the schema:
~~~
$ releasekit config show
~~~
- Start over from the defaults:
~~~
$ releasekit config init
~~~`,
		docLinks: []HttpLink{"https://cuelang.org/docs/"},
	}

	toolFailedIssue = &Issue{
		id: ToolFailedId,
		mdMsg: `
# An external tool failed

A configured command (SBOM generator, scanner, build or upload) exited
with a non-zero status.

## Things you can try
- Re-run with ` + "`--verbose`" + ` to see the command output
- Run the command from the configuration by hand in the project directory`,
	}

	dirtyWorkTreeIssue = &Issue{
		id: DirtyWorkTreeId,
		mdMsg: `
# The working tree has local changes

A release merge needs a clean checkout so that it can be aborted without
losing work.

## Things you can try
~~~
$ git status
$ git stash
~~~`,
	}

	issues = map[Id]*Issue{
		invalidVersionIssue.Id():          invalidVersionIssue,
		mergeConflictUnresolvedIssue.Id(): mergeConflictUnresolvedIssue,
		gateNotSatisfiedIssue.Id():        gateNotSatisfiedIssue,
		testsTimedOutIssue.Id():           testsTimedOutIssue,
		provenanceIncompleteIssue.Id():    provenanceIncompleteIssue,
		publishTransportErrorIssue.Id():   publishTransportErrorIssue,
		configLoadFailedIssue.Id():        configLoadFailedIssue,
		toolFailedIssue.Id():              toolFailedIssue,
		dirtyWorkTreeIssue.Id():           dirtyWorkTreeIssue,
	}
)

// Values returns all catalog entries ordered by Id.
func Values() []*Issue {
	out := make([]*Issue, 0, len(issues))
	for _, i := range issues {
		out = append(out, i)
	}
	slices.SortFunc(out, func(a, b *Issue) int { return cmp.Compare(a.id, b.id) })
	return out
}

func Get(id Id) *Issue {
	return issues[id]
}
