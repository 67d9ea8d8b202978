// SPDX-License-Identifier: MPL-2.0

// Package installer materializes a resolved graph into a project's
// package tree: realm-segregated roots, version-qualified package
// directories under _Index, and thin indirection files that let
// multiple versions of one name coexist. Contents come through the
// content cache; every fetch is digest-verified.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/quarry-pm/quarry/pkg/contentcache"
	"github.com/quarry-pm/quarry/pkg/gitsrc"
	"github.com/quarry-pm/quarry/pkg/pkgname"
	"github.com/quarry-pm/quarry/pkg/registry"
	"github.com/quarry-pm/quarry/pkg/resolver"
)

// defaultWorkers bounds the fetch-and-place pool when the caller does
// not set one.
const defaultWorkers = 4

// markerName is the per-package file recording the installed digest,
// used to skip packages that are already in place.
const markerName = ".quarry"

// ErrInstall is the sentinel error carried by Error.
var ErrInstall = errors.New("install failed")

type (
	// TreeFetcher materializes a pinned git source as a local tree. The
	// production implementation is *gitsrc.Fetcher.
	TreeFetcher interface {
		Checkout(ctx context.Context, pin gitsrc.Pin) (string, error)
	}

	// Installer writes resolved packages into a project tree.
	Installer struct {
		Cache    *contentcache.Store
		Registry registry.Client
		Git      TreeFetcher
		// Workers bounds concurrent per-package tasks; zero means the
		// default.
		Workers int
		Logger  *log.Logger
	}

	// Report summarizes what an install run did. Slices are sorted, so
	// two runs over the same state produce equal reports.
	Report struct {
		// Installed lists packages written or rewritten this run.
		Installed []string
		// Unchanged lists packages already in place at the right digest.
		Unchanged []string
		// Removed lists stale paths deleted by the cleanup pass.
		Removed []string
	}

	// Error ties a failure to the node it occurred on. Unaffected
	// packages keep their own results; one bad package never
	// contaminates another's directory.
	Error struct {
		Node string
		Err  error
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("failed to install %s: %v", e.Node, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *Error) Unwrap() []error { return []error{ErrInstall, e.Err} }

// Install materializes the graph under projectRoot. Package tasks run
// on a bounded pool; the stale-entry cleanup pass only runs after every
// task has settled, and is skipped entirely when any task failed or the
// run was cancelled, so a partial run never deletes still-referenced
// packages.
func (ins *Installer) Install(ctx context.Context, g *resolver.Graph, projectRoot string) (*Report, error) {
	report := &Report{}
	var mu sync.Mutex

	eg, taskCtx := errgroup.WithContext(ctx)
	eg.SetLimit(ins.workers())

	for _, node := range g.SortedNodes() {
		eg.Go(func() error {
			changed, err := ins.installNode(taskCtx, g, node, projectRoot)
			if err != nil {
				return &Error{Node: node.ID(), Err: err}
			}
			mu.Lock()
			if changed {
				report.Installed = append(report.Installed, node.ID())
			} else {
				report.Unchanged = append(report.Unchanged, node.ID())
			}
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		report.sort()
		return report, err
	}

	for _, root := range g.Roots {
		if err := ins.writeRootLink(g, root, projectRoot); err != nil {
			report.sort()
			return report, &Error{Node: root.NodeID, Err: err}
		}
	}

	removed, err := ins.cleanupStale(g, projectRoot)
	report.Removed = removed
	report.sort()
	if err != nil {
		return report, err
	}

	ins.logger().Debug("install complete",
		"installed", len(report.Installed),
		"unchanged", len(report.Unchanged),
		"removed", len(report.Removed))
	return report, nil
}

// installNode fetches one node's contents through the cache and places
// them under the realm's _Index. The qualified directory is built in a
// staging path and committed with one rename, so a crash never leaves a
// half-written package under its final name.
func (ins *Installer) installNode(ctx context.Context, g *resolver.Graph, node *resolver.Node, projectRoot string) (bool, error) {
	contentPath, err := ins.Cache.FetchOrPopulate(ctx, node.Digest, func(ctx context.Context, dst string) error {
		return ins.populate(ctx, node, dst)
	})
	if err != nil {
		return false, err
	}

	indexDir := filepath.Join(projectRoot, nodeRealmDir(node), indexDirName)
	finalDir := filepath.Join(indexDir, qualifiedName(node))

	if installed, err := readMarker(finalDir); err == nil && installed == node.Digest {
		return false, nil
	}

	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create index directory: %w", err)
	}
	staging, err := os.MkdirTemp(indexDir, ".staging-*")
	if err != nil {
		return false, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging) //nolint:errcheck // No-op once renamed into place

	if err := copyTree(contentPath, filepath.Join(staging, node.Name.Name)); err != nil {
		return false, err
	}
	for _, alias := range node.SortedDeps() {
		dep := g.Node(node.Deps[alias])
		if dep == nil {
			return false, fmt.Errorf("dependency %s points at missing node %s", alias, node.Deps[alias])
		}
		link := filepath.Join(staging, alias+linkExt)
		if err := os.WriteFile(link, []byte(nestedLinkSource(node.Realm, dep)), 0o644); err != nil {
			return false, fmt.Errorf("failed to write link %s: %w", alias, err)
		}
	}
	if err := os.WriteFile(filepath.Join(staging, markerName), []byte(node.Digest+"\n"), 0o644); err != nil {
		return false, fmt.Errorf("failed to write marker: %w", err)
	}

	if err := os.RemoveAll(finalDir); err != nil {
		return false, fmt.Errorf("failed to clear previous install: %w", err)
	}
	if err := os.Rename(staging, finalDir); err != nil {
		return false, fmt.Errorf("failed to commit package directory: %w", err)
	}
	return true, nil
}

// populate fills a cache staging directory with a node's contents,
// verifying registry archives against the node's recorded digest before
// extraction.
func (ins *Installer) populate(ctx context.Context, node *resolver.Node, dst string) error {
	if node.Source.Kind == resolver.SourceGit {
		tree, err := ins.Git.Checkout(ctx, gitsrc.Pin{
			URL:    node.Source.URL,
			Rev:    node.Source.Rev,
			Commit: node.Source.Commit,
		})
		if err != nil {
			return err
		}
		return copyTree(tree, dst)
	}

	body, err := ins.Registry.Contents(ctx, node.Name, node.Version)
	if err != nil {
		return err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("%w: %v", registry.ErrNetwork, err)
	}
	if err := contentcache.Verify(data, node.Digest); err != nil {
		return err
	}
	return unzip(data, dst)
}

// writeRootLink writes the indirection file for a top-level
// requirement, skipping the write when the current content already
// matches.
func (ins *Installer) writeRootLink(g *resolver.Graph, root resolver.RootEdge, projectRoot string) error {
	node := g.Node(root.NodeID)
	if node == nil {
		return fmt.Errorf("root %s points at missing node %s", root.Requirement.Alias, root.NodeID)
	}

	realmRoot := filepath.Join(projectRoot, root.Requirement.Realm.InstallDir())
	if err := os.MkdirAll(realmRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create realm directory: %w", err)
	}

	path := filepath.Join(realmRoot, root.Requirement.Alias+linkExt)
	content := []byte(rootLinkSource(root.Requirement.Realm, node))
	if current, err := os.ReadFile(path); err == nil && string(current) == string(content) {
		return nil
	}
	return os.WriteFile(path, content, 0o644)
}

// cleanupStale removes previously installed entries no longer in the
// graph: root links without a matching requirement and _Index entries
// without a matching node. Leftover staging directories from an
// interrupted run are swept up the same way.
func (ins *Installer) cleanupStale(g *resolver.Graph, projectRoot string) ([]string, error) {
	wantIndex := map[string]map[string]bool{}
	for _, node := range g.Nodes {
		dir := nodeRealmDir(node)
		if wantIndex[dir] == nil {
			wantIndex[dir] = map[string]bool{}
		}
		wantIndex[dir][qualifiedName(node)] = true
	}
	wantLinks := map[string]map[string]bool{}
	for _, root := range g.Roots {
		dir := root.Requirement.Realm.InstallDir()
		if wantLinks[dir] == nil {
			wantLinks[dir] = map[string]bool{}
		}
		wantLinks[dir][root.Requirement.Alias+linkExt] = true
	}

	var removed []string
	for _, realm := range pkgname.Realms() {
		dir := realm.InstallDir()
		realmRoot := filepath.Join(projectRoot, dir)

		entries, err := os.ReadDir(realmRoot)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("failed to read %s: %w", dir, err)
		}

		for _, entry := range entries {
			switch {
			case entry.IsDir() && entry.Name() == indexDirName:
				stale, err := ins.cleanupIndex(filepath.Join(realmRoot, indexDirName), dir, wantIndex[dir])
				removed = append(removed, stale...)
				if err != nil {
					return removed, err
				}

			case !entry.IsDir() && strings.HasSuffix(entry.Name(), linkExt):
				if wantLinks[dir][entry.Name()] {
					continue
				}
				if err := os.Remove(filepath.Join(realmRoot, entry.Name())); err != nil {
					return removed, fmt.Errorf("failed to remove stale link: %w", err)
				}
				removed = append(removed, filepath.Join(dir, entry.Name()))
			}
		}
	}
	return removed, nil
}

func (ins *Installer) cleanupIndex(indexDir, realmDir string, want map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(indexDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", indexDir, err)
	}

	var removed []string
	for _, entry := range entries {
		if want[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(indexDir, entry.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove stale package: %w", err)
		}
		removed = append(removed, filepath.Join(realmDir, indexDirName, entry.Name()))
	}
	return removed, nil
}

func readMarker(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, markerName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (ins *Installer) workers() int {
	if ins.Workers > 0 {
		return ins.Workers
	}
	return defaultWorkers
}

func (ins *Installer) logger() *log.Logger {
	if ins.Logger != nil {
		return ins.Logger
	}
	return log.Default()
}

func (r *Report) sort() {
	sort.Strings(r.Installed)
	sort.Strings(r.Unchanged)
	sort.Strings(r.Removed)
}
