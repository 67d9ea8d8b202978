// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quarry-pm/quarry/pkg/manifest"
	"github.com/quarry-pm/quarry/pkg/pkgname"
)

var (
	removeRealm string

	removeCmd = &cobra.Command{
		Use:   "remove <alias>",
		Short: "Remove a dependency from the manifest and uninstall it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			realm, err := pkgname.ParseRealm(removeRealm)
			if err != nil {
				return err
			}

			p, err := openProject()
			if err != nil {
				return err
			}

			alias := args[0]
			if !p.Manifest.RemoveDependency(realm, alias) {
				return fmt.Errorf("no dependency %q declared under the %s realm", alias, realm)
			}
			if err := p.Manifest.Save(filepath.Join(p.Root, manifest.Filename)); err != nil {
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

			fmt.Println(SuccessStyle.Render("✓") + " removed " + PkgStyle.Render(alias))
			printReport(report)
			return nil
		},
	}
)

func init() {
	removeCmd.Flags().StringVar(&removeRealm, "realm", "shared", "realm the dependency is declared under")
}
