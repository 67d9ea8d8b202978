// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/quarry-pm/quarry/internal/config"
	"github.com/quarry-pm/quarry/pkg/contentcache"
	"github.com/quarry-pm/quarry/pkg/gitsrc"
	"github.com/quarry-pm/quarry/pkg/installer"
	"github.com/quarry-pm/quarry/pkg/lockfile"
	"github.com/quarry-pm/quarry/pkg/manifest"
	"github.com/quarry-pm/quarry/pkg/registry"
	"github.com/quarry-pm/quarry/pkg/resolver"
)

// project bundles everything a command needs to operate on the current
// project: its manifest, configuration, and the clients built from
// them.
type project struct {
	Root     string
	Manifest *manifest.Manifest
	Config   *config.Config

	Cache     *contentcache.Store
	Registry  registry.Client
	Git       *gitsrc.Fetcher
	Source    resolver.MetadataSource
	Installer *installer.Installer
}

// openProject locates the project root (the nearest ancestor with a
// quarry.toml) and wires up the clients.
func openProject() (*project, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := findProjectRoot(cwd)
	if err != nil {
		return nil, err
	}

	m, err := manifest.LoadFromDir(root)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	registryURL := cfg.RegistryURL
	if m.Package.Registry != "" {
		registryURL = m.Package.Registry
	}
	httpClient, err := registry.NewHTTPClient(registry.Config{
		BaseURL:     registryURL,
		AuthToken:   cfg.AuthToken,
		MaxAttempts: cfg.RetryAttempts,
		Backoff:     cfg.RetryBackoff,
	})
	if err != nil {
		return nil, err
	}
	client := registry.NewMemo(httpClient)

	cacheDir, err := cfg.CacheDir()
	if err != nil {
		return nil, err
	}
	cache := contentcache.NewStore(cacheDir)
	git := gitsrc.NewFetcher(cacheDir)

	return &project{
		Root:     root,
		Manifest: m,
		Config:   cfg,
		Cache:    cache,
		Registry: client,
		Git:      git,
		Source:   &resolver.ClientSource{Registry: client, Git: git},
		Installer: &installer.Installer{
			Cache:    cache,
			Registry: client,
			Git:      git,
			Workers:  cfg.Workers,
			Logger:   log.Default(),
		},
	}, nil
}

// findProjectRoot walks up from dir looking for a manifest.
func findProjectRoot(dir string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, manifest.Filename)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s found in this directory or any parent; run 'quarry init' first", manifest.Filename)
		}
		dir = parent
	}
}

// ensureResolved returns an up-to-date graph for the project,
// re-resolving only when the lockfile is missing or stale. Locked
// versions that still satisfy the manifest are kept, so unrelated edits
// do not churn pinned versions.
func (p *project) ensureResolved(ctx context.Context) (*resolver.Graph, error) {
	lockPath := filepath.Join(p.Root, lockfile.Filename)

	lf, err := lockfile.Load(lockPath)
	switch {
	case err == nil && lf.IsCurrent(p.Manifest):
		log.Debug("lockfile is current", "path", lockPath)
		return lf.Graph()

	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	opts := resolver.Options{}
	if lf != nil {
		opts.Locked = lf.LockedVersions()
	}

	log.Debug("resolving dependencies", "packages", len(p.Manifest.Requirements()))
	graph, err := resolver.Resolve(ctx, p.Manifest, p.Source, opts)
	if err != nil {
		return nil, err
	}

	if err := lockfile.FromGraph(graph).Save(lockPath); err != nil {
		return nil, err
	}
	return graph, nil
}

// reresolve recomputes the graph from registry state, ignoring locked
// versions, and rewrites the lockfile.
func (p *project) reresolve(ctx context.Context) (*resolver.Graph, error) {
	graph, err := resolver.Resolve(ctx, p.Manifest, p.Source, resolver.Options{})
	if err != nil {
		return nil, err
	}
	if err := lockfile.FromGraph(graph).Save(filepath.Join(p.Root, lockfile.Filename)); err != nil {
		return nil, err
	}
	return graph, nil
}

// printReport renders an install report to stdout.
func printReport(report *installer.Report) {
	if len(report.Installed) == 0 && len(report.Removed) == 0 {
		fmt.Println(SuccessStyle.Render("✓") + " already up to date " +
			SubtitleStyle.Render(fmt.Sprintf("(%d packages)", len(report.Unchanged))))
		return
	}
	for _, id := range report.Installed {
		fmt.Println(SuccessStyle.Render("+ ") + PkgStyle.Render(id))
	}
	for _, id := range report.Removed {
		fmt.Println(ErrorStyle.Render("- ") + SubtitleStyle.Render(id))
	}
	fmt.Println(SuccessStyle.Render("✓") + fmt.Sprintf(" %d installed, %d unchanged, %d removed",
		len(report.Installed), len(report.Unchanged), len(report.Removed)))
}
