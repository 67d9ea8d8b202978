// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quarry-pm/quarry/pkg/lockfile"
	"github.com/quarry-pm/quarry/pkg/manifest"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the locked dependency closure",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		root, err := findProjectRoot(cwd)
		if err != nil {
			return err
		}

		lf, err := lockfile.LoadFromDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("no %s found; run 'quarry install' first", lockfile.Filename)
			}
			return err
		}

		m, err := manifest.Load(filepath.Join(root, manifest.Filename))
		if err != nil {
			return err
		}
		if !lf.IsCurrent(m) {
			fmt.Println(WarningStyle.Render("! ") + "quarry.lock is stale; run 'quarry install' to refresh")
		}

		for _, pkg := range lf.Packages {
			line := PkgStyle.Render(pkg.Name) + " " + pkg.Version
			if pkg.Source == "git" {
				line += SubtitleStyle.Render(fmt.Sprintf(" (git %s @ %s)", pkg.URL, pkg.Rev))
			}
			line += SubtitleStyle.Render(" [" + pkg.Realm + "]")
			fmt.Println(line)
		}
		fmt.Println(SubtitleStyle.Render(fmt.Sprintf("%d packages", len(lf.Packages))))
		return nil
	},
}
