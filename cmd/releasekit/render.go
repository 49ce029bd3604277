// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/releasekit/releasekit/internal/issue"
	"github.com/releasekit/releasekit/internal/report"
)

// reportDocument is the --output json shape.
type reportDocument struct {
	Reports  []*report.Report `json:"reports"`
	ExitCode int              `json:"exit_code"`
	Error    string           `json:"error,omitempty"`
}

// renderReports writes the reports in the selected format. runErr is the
// pipeline's error, if any; in JSON mode it is part of the document.
func renderReports(w io.Writer, output string, verbose bool, runErr error, reports ...*report.Report) error {
	var present []*report.Report
	for _, r := range reports {
		if r != nil {
			present = append(present, r)
		}
	}

	if output == outputJSON {
		code, _ := classifyError(runErr)
		doc := reportDocument{Reports: present, ExitCode: code}
		if runErr != nil {
			doc.Error = runErr.Error()
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	for i, r := range present {
		if i > 0 {
			_, _ = fmt.Fprintln(w)
		}
		renderReportText(w, r, verbose)
	}
	return nil
}

func renderReportText(w io.Writer, r *report.Report, verbose bool) {
	_, _ = fmt.Fprintln(w, TitleStyle.Render(r.Pipeline))

	for _, step := range r.Steps {
		var icon, status string
		switch step.Status {
		case report.StatusSuccess:
			icon = SuccessStyle.Render("✓")
			status = stepStatusStyle.Foreground(ColorSuccess).Render(step.Status.String())
		case report.StatusFailed:
			icon = ErrorStyle.Render("✗")
			status = stepStatusStyle.Foreground(ColorError).Render(step.Status.String())
		default:
			icon = WarningStyle.Render("-")
			status = stepStatusStyle.Foreground(ColorWarning).Render(step.Status.String())
		}

		line := fmt.Sprintf("  %s %s%s%s", icon, stepNameStyle.Render(step.Name), status, step.Reason)
		if verbose && step.Duration > 0 {
			line += " " + VerboseStyle.Render("("+step.Duration.Round(time.Millisecond).String()+")")
		}
		_, _ = fmt.Fprintln(w, strings.TrimRight(line, " "))
	}

	for _, msg := range r.Warnings {
		_, _ = fmt.Fprintf(w, "  %s %s\n", WarningStyle.Render("warning:"), msg)
	}

	if len(r.Facts) > 0 {
		keys := make([]string, 0, len(r.Facts))
		for k := range r.Facts {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "  %s: %s\n", factKeyStyle.Render(k), CmdStyle.Render(r.Facts[k]))
		}
	}
}

// renderError writes the styled error and, when the catalog has one, the
// remediation note for its kind.
func renderError(w io.Writer, err error, verbose bool) {
	_, issueID := classifyError(err)
	_, _ = fmt.Fprintf(w, "\n%s %s\n", ErrorStyle.Render("Error:"), formatErrorForDisplay(err, verbose))

	if issueID == 0 {
		return
	}
	note := issue.Get(issueID)
	if note == nil {
		return
	}
	rendered, renderErr := note.Render("dark")
	if renderErr != nil {
		return
	}
	_, _ = fmt.Fprint(w, rendered)
}
