// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"strings"
	"testing"
)

func TestValues_OrderedAndComplete(t *testing.T) {
	t.Parallel()

	all := Values()
	if len(all) != int(DirtyWorkTreeId) {
		t.Fatalf("Values() returned %d issues, want %d", len(all), DirtyWorkTreeId)
	}
	for i, is := range all {
		if is.Id() != Id(i+1) {
			t.Errorf("Values()[%d].Id() = %d, want %d", i, is.Id(), i+1)
		}
		if strings.TrimSpace(string(is.MarkdownMsg())) == "" {
			t.Errorf("issue %d has an empty message", is.Id())
		}
	}
}

func TestGet_Unknown(t *testing.T) {
	t.Parallel()

	if Get(Id(999)) != nil {
		t.Error("Get() of an unknown id should be nil")
	}
}

func TestIssue_DocLinksAreCopied(t *testing.T) {
	t.Parallel()

	is := Get(InvalidVersionId)
	links := is.DocLinks()
	if len(links) == 0 {
		t.Fatal("expected doc links")
	}
	links[0] = "mutated"
	if is.DocLinks()[0] == "mutated" {
		t.Error("DocLinks() must return a copy")
	}
}

func TestIssue_Render(t *testing.T) {
	t.Parallel()

	out, err := Get(MergeConflictUnresolvedId).Render("notty")
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(out, "could not be merged") {
		t.Errorf("rendered output missing heading:\n%s", out)
	}
	if !strings.Contains(out, "merge-strategies") {
		t.Errorf("rendered output missing doc link:\n%s", out)
	}
}

func TestIssue_RenderError(t *testing.T) {
	orig := render
	t.Cleanup(func() { render = orig })

	boom := errors.New("renderer broke")
	render = func(string, string) (string, error) { return "", boom }

	if _, err := Get(ToolFailedId).Render("dark"); !errors.Is(err, boom) {
		t.Fatalf("Render() error = %v, want %v", err, boom)
	}
}
