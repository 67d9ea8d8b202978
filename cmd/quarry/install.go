// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Resolve dependencies and materialize the package tree",
	Long: `Resolve the dependencies declared in quarry.toml, record the result
in quarry.lock, and install verified package contents under Packages/,
ServerPackages/ and DevPackages/.

When quarry.lock already matches the manifest the recorded versions are
installed as-is, so repeated installs are reproducible and fast.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := openProject()
		if err != nil {
			return err
		}

		graph, err := p.ensureResolved(cmd.Context())
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
