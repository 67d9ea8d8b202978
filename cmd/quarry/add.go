// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quarry-pm/quarry/pkg/manifest"
	"github.com/quarry-pm/quarry/pkg/pkgname"
)

var (
	addRealm string
	addAlias string
	addGit   string
	addRev   string

	addCmd = &cobra.Command{
		Use:   "add [scope/name@range]",
		Short: "Add a dependency to the manifest and install it",
		Long: `Add a dependency to quarry.toml, re-resolve, and install.

Registry dependencies are given as "scope/name@range":

  quarry add acme/promise@^4.0.0
  quarry add acme/signal@~1.2.0 --realm server

Git dependencies are given with --git and --rev:

  quarry add --git https://github.com/acme/testkit.git --rev v0.3.0 --alias TestKit --realm dev`,
		Args: cobra.MaximumNArgs(1),
		RunE: runAdd,
	}
)

func init() {
	addCmd.Flags().StringVar(&addRealm, "realm", "shared", "realm to declare the dependency under (shared, server, dev)")
	addCmd.Flags().StringVar(&addAlias, "alias", "", "alias to install the package as (default: capitalized package name)")
	addCmd.Flags().StringVar(&addGit, "git", "", "git repository URL for a git dependency")
	addCmd.Flags().StringVar(&addRev, "rev", "", "git tag, branch, or commit to pin (required with --git)")
}

func runAdd(cmd *cobra.Command, args []string) error {
	realm, err := pkgname.ParseRealm(addRealm)
	if err != nil {
		return err
	}

	var (
		alias string
		dep   manifest.Dependency
	)
	switch {
	case addGit != "":
		if addRev == "" {
			return fmt.Errorf("--git requires --rev to pin a revision")
		}
		if len(args) != 0 {
			return fmt.Errorf("--git takes no positional argument")
		}
		dep = manifest.Dependency{Git: &manifest.GitSource{URL: addGit, Rev: addRev}}
		alias = addAlias
		if alias == "" {
			alias = defaultGitAlias(addGit)
		}

	case len(args) == 1:
		dep, err = manifest.ParseSpec(args[0])
		if err != nil {
			return err
		}
		alias = addAlias
		if alias == "" {
			alias = defaultAlias(dep.Name)
		}

	default:
		return fmt.Errorf("expected a package spec or --git URL")
	}

	p, err := openProject()
	if err != nil {
		return err
	}

	p.Manifest.AddDependency(realm, alias, dep)
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

	fmt.Println(SuccessStyle.Render("✓") + " added " + PkgStyle.Render(alias) +
		SubtitleStyle.Render(" ("+realm.String()+")"))
	printReport(report)
	return nil
}

// defaultAlias derives an install alias from a package name:
// "acme/cool-lib" becomes "CoolLib".
func defaultAlias(name pkgname.Name) string {
	var b strings.Builder
	for _, part := range strings.Split(name.Name, "-") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]) + part[1:])
	}
	return b.String()
}

func defaultGitAlias(url string) string {
	trimmed := strings.TrimSuffix(url, ".git")
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return defaultAlias(pkgname.Name{Name: strings.ToLower(trimmed)})
}
