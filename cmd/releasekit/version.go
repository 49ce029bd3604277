// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/releasekit/releasekit/internal/version"
)

type versionNextParams struct {
	current        string
	bumpRule       string
	releaseVersion string
	preid          string
	output         string
}

func newVersionCommand(app *App, g *globalFlags) *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Inspect version resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	p := &versionNextParams{}
	nextCmd := &cobra.Command{
		Use:   "next",
		Short: "Print the version a release would resolve to",
		Long: `Print the version a release would resolve to, without touching the
repository or the network.

An explicit --release-version wins over --bump-rule and must be greater than
--current. Without --current the version is resolved as if nothing had been
published yet.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p.output = g.output
			err := runVersionNext(app.stdout, p)
			if err != nil {
				cmd.SilenceErrors = true
				renderError(app.stderr, err, g.verbose)
				return exitError(err)
			}
			return nil
		},
	}
	nextCmd.Flags().StringVar(&p.current, "current", "", "latest published version")
	nextCmd.Flags().StringVar(&p.bumpRule, "bump-rule", string(version.DefaultBumpRule), "patch, minor, major, prepatch, preminor, premajor or prerelease")
	nextCmd.Flags().StringVar(&p.releaseVersion, "release-version", "", "explicit version; overrides --bump-rule")
	nextCmd.Flags().StringVar(&p.preid, "preid", "", "pre-release identifier for pre* bump rules")

	versionCmd.AddCommand(nextCmd)
	return versionCmd
}

func runVersionNext(w io.Writer, p *versionNextParams) error {
	next, err := version.Resolve(version.Request{
		ReleaseVersion: p.releaseVersion,
		BumpRule:       version.BumpRule(p.bumpRule),
		Preid:          p.preid,
	}, p.current)
	if err != nil {
		return err
	}

	if p.output == outputJSON {
		pep, _ := next.PEP440()
		return json.NewEncoder(w).Encode(struct {
			Current string `json:"current,omitempty"`
			Next    string `json:"next"`
			Tag     string `json:"tag"`
			PEP440  string `json:"pep440,omitempty"`
		}{Current: p.current, Next: next.String(), Tag: next.Tag(), PEP440: pep})
	}
	_, err = fmt.Fprintln(w, next.String())
	return err
}
