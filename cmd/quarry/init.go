// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quarry-pm/quarry/pkg/manifest"
	"github.com/quarry-pm/quarry/pkg/pkgname"
)

var (
	initRealm string

	initCmd = &cobra.Command{
		Use:   "init <scope/name>",
		Short: "Create a quarry.toml in the current directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name, err := pkgname.Parse(args[0])
			if err != nil {
				return err
			}
			realm, err := pkgname.ParseRealm(initRealm)
			if err != nil {
				return err
			}

			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			path := filepath.Join(cwd, manifest.Filename)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", manifest.Filename)
			}

			m := &manifest.Manifest{}
			m.Package.Name = name
			m.Package.Version = "0.1.0"
			m.Package.Realm = realm
			if err := m.Save(path); err != nil {
				return err
			}

			fmt.Println(SuccessStyle.Render("✓") + " created " + PkgStyle.Render(manifest.Filename) +
				" for " + PkgStyle.Render(name.String()))
			return nil
		},
	}
)

func init() {
	initCmd.Flags().StringVar(&initRealm, "realm", "shared", "realm of the project itself (shared, server, dev)")
}
