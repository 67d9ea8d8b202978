// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/quarry-pm/quarry/internal/config"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"

	// verbose enables debug logging.
	verbose bool

	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "quarry",
		Short: "A package manager for Luau projects",
		Long: TitleStyle.Render("quarry") + SubtitleStyle.Render(" - A package manager for Luau projects") + `

quarry resolves the dependencies declared in your quarry.toml into
exact versions, records them in quarry.lock, and installs verified
package contents into realm-segregated trees (Packages/,
ServerPackages/, DevPackages/) that the runtime loads directly.

` + SubtitleStyle.Render("Quick Start:") + `
  1. Run 'quarry init scope/name' in your project directory
  2. Add dependencies with 'quarry add scope/package@^1.0.0'
  3. Run 'quarry install' to materialize the package tree`,
	}
)

func init() {
	cobra.OnInitialize(initRootConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(listCmd)
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

// initRootConfig applies configuration that affects every command.
func initRootConfig() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, WarningStyle.Render("Warning: ")+err.Error())
		return
	}
	if cfg.Verbose || verbose {
		log.SetLevel(log.DebugLevel)
	}
}
