// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"github.com/spf13/cobra"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Re-resolve to the newest satisfying versions",
	Long: `Recompute the dependency graph against current registry state,
ignoring the versions pinned in quarry.lock, then rewrite the lockfile
and install. Declared ranges in quarry.toml still bound what is
eligible; update never crosses a range you did not widen yourself.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := openProject()
		if err != nil {
			return err
		}

		graph, err := p.reresolve(cmd.Context())
		if err != nil {
			return err
		}
		report, err := p.Installer.Install(cmd.Context(), graph, p.Root)
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}
