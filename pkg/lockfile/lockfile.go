// SPDX-License-Identifier: MPL-2.0

// Package lockfile persists a resolved closure as quarry.lock. The
// serialized form is deterministic: packages sorted by ID, dependency
// edges sorted by alias, so re-resolving unchanged inputs rewrites the
// file byte-identically.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/quarry-pm/quarry/pkg/manifest"
	"github.com/quarry-pm/quarry/pkg/pkgname"
	"github.com/quarry-pm/quarry/pkg/resolver"
)

// Filename is the lockfile name at the project root.
const Filename = "quarry.lock"

// FormatVersion is the current lockfile schema version.
const FormatVersion = 1

var (
	// ErrUnsupportedFormat is returned when a lockfile declares a schema
	// version this build does not understand.
	ErrUnsupportedFormat = errors.New("unsupported lockfile format")
	// ErrCorrupt is returned when a lockfile's records are internally
	// inconsistent.
	ErrCorrupt = errors.New("corrupt lockfile")
)

type (
	// File is the on-disk lockfile structure.
	File struct {
		Format   int       `toml:"format"`
		Roots    []Root    `toml:"root,omitempty"`
		Packages []Package `toml:"package,omitempty"`
	}

	// Root records one top-level manifest requirement and the node that
	// satisfied it.
	Root struct {
		Alias   string `toml:"alias"`
		Realm   string `toml:"realm"`
		Package string `toml:"package,omitempty"`
		Range   string `toml:"range,omitempty"`
		Git     string `toml:"git,omitempty"`
		Rev     string `toml:"rev,omitempty"`
		Node    string `toml:"node"`
	}

	// Package records one resolved node.
	Package struct {
		Name         string       `toml:"name"`
		Version      string       `toml:"version"`
		Realm        string       `toml:"realm"`
		Source       string       `toml:"source"`
		URL          string       `toml:"url,omitempty"`
		Rev          string       `toml:"rev,omitempty"`
		Commit       string       `toml:"commit,omitempty"`
		Digest       string       `toml:"digest"`
		Dependencies []Dependency `toml:"dependencies,omitempty"`
	}

	// Dependency is one outgoing edge of a package.
	Dependency struct {
		Alias string `toml:"alias"`
		Node  string `toml:"node"`
	}
)

// FromGraph serializes a resolved graph into lockfile form.
func FromGraph(g *resolver.Graph) *File {
	f := &File{Format: FormatVersion}

	for _, root := range g.Roots {
		req := root.Requirement
		r := Root{
			Alias: req.Alias,
			Realm: req.Realm.String(),
			Node:  root.NodeID,
		}
		if req.Git != nil {
			r.Git = req.Git.URL
			r.Rev = req.Git.Rev
		} else {
			r.Package = req.Name.String()
			r.Range = req.Constraint
		}
		f.Roots = append(f.Roots, r)
	}

	for _, node := range g.SortedNodes() {
		pkg := Package{
			Name:    node.Name.String(),
			Version: node.Version,
			Realm:   node.Realm.String(),
			Source:  string(node.Source.Kind),
			Digest:  node.Digest,
		}
		if node.Source.Kind == resolver.SourceGit {
			pkg.URL = node.Source.URL
			pkg.Rev = node.Source.Rev
			pkg.Commit = node.Source.Commit
		}
		for _, alias := range node.SortedDeps() {
			pkg.Dependencies = append(pkg.Dependencies, Dependency{Alias: alias, Node: node.Deps[alias]})
		}
		f.Packages = append(f.Packages, pkg)
	}

	return f
}

// Graph rebuilds the resolved graph recorded in the lockfile.
func (f *File) Graph() (*resolver.Graph, error) {
	g := &resolver.Graph{Nodes: map[string]*resolver.Node{}}

	for _, pkg := range f.Packages {
		name, err := pkgname.Parse(pkg.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: package name %q: %v", ErrCorrupt, pkg.Name, err)
		}
		realm, err := pkgname.ParseRealm(pkg.Realm)
		if err != nil {
			return nil, fmt.Errorf("%w: package %s: %v", ErrCorrupt, pkg.Name, err)
		}

		node := &resolver.Node{
			Name:    name,
			Version: pkg.Version,
			Realm:   realm,
			Digest:  pkg.Digest,
			Deps:    map[string]string{},
		}
		switch resolver.SourceKind(pkg.Source) {
		case resolver.SourceRegistry:
			node.Source = resolver.Source{Kind: resolver.SourceRegistry}
		case resolver.SourceGit:
			node.Source = resolver.Source{Kind: resolver.SourceGit, URL: pkg.URL, Rev: pkg.Rev, Commit: pkg.Commit}
		default:
			return nil, fmt.Errorf("%w: package %s has unknown source %q", ErrCorrupt, pkg.Name, pkg.Source)
		}
		for _, dep := range pkg.Dependencies {
			node.Deps[dep.Alias] = dep.Node
		}
		g.Nodes[node.ID()] = node
	}

	// Every recorded edge and root must point at a recorded package.
	for id, node := range g.Nodes {
		for alias, depID := range node.Deps {
			if _, ok := g.Nodes[depID]; !ok {
				return nil, fmt.Errorf("%w: %s depends on missing node %s (alias %s)", ErrCorrupt, id, depID, alias)
			}
		}
	}

	for _, root := range f.Roots {
		if _, ok := g.Nodes[root.Node]; !ok {
			return nil, fmt.Errorf("%w: root %s points at missing node %s", ErrCorrupt, root.Alias, root.Node)
		}
		realm, err := pkgname.ParseRealm(root.Realm)
		if err != nil {
			return nil, fmt.Errorf("%w: root %s: %v", ErrCorrupt, root.Alias, err)
		}

		req := manifest.Requirement{Alias: root.Alias, Realm: realm}
		if root.Git != "" {
			req.Git = &manifest.GitSource{URL: root.Git, Rev: root.Rev}
		} else {
			name, err := pkgname.Parse(root.Package)
			if err != nil {
				return nil, fmt.Errorf("%w: root %s: %v", ErrCorrupt, root.Alias, err)
			}
			req.Name = name
			req.Constraint = root.Range
		}
		g.Roots = append(g.Roots, resolver.RootEdge{Requirement: req, NodeID: root.Node})
	}

	return g, nil
}

// IsCurrent reports whether the lockfile still matches the manifest's
// requirement set. Any added, removed, or re-ranged requirement makes
// the lockfile stale.
func (f *File) IsCurrent(m *manifest.Manifest) bool {
	recorded := map[string]bool{}
	for _, root := range f.Roots {
		recorded[rootKey(root)] = true
	}

	reqs := m.Requirements()
	if len(reqs) != len(f.Roots) {
		return false
	}
	for _, req := range reqs {
		if !recorded[reqKey(req)] {
			return false
		}
	}
	return true
}

func rootKey(r Root) string {
	if r.Git != "" {
		return fmt.Sprintf("%s|%s|git+%s@%s", r.Realm, r.Alias, r.Git, r.Rev)
	}
	return fmt.Sprintf("%s|%s|%s@%s", r.Realm, r.Alias, r.Package, r.Range)
}

func reqKey(req manifest.Requirement) string {
	if req.Git != nil {
		return fmt.Sprintf("%s|%s|git+%s@%s", req.Realm, req.Alias, req.Git.URL, req.Git.Rev)
	}
	return fmt.Sprintf("%s|%s|%s@%s", req.Realm, req.Alias, req.Name, req.Constraint)
}

// LockedVersions extracts the registry package versions pinned by the
// lockfile, keyed by "scope/name", for incremental resolution. When a
// package is pinned at several versions across realms, the highest
// recorded one wins.
func (f *File) LockedVersions() map[string]string {
	locked := map[string]string{}
	for _, pkg := range f.Packages {
		if resolver.SourceKind(pkg.Source) != resolver.SourceRegistry {
			continue
		}
		if prev, ok := locked[pkg.Name]; ok && prev >= pkg.Version {
			continue
		}
		locked[pkg.Name] = pkg.Version
	}
	return locked
}

// Load reads and parses the lockfile at path. A missing file is
// reported via os.ErrNotExist.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lockfile: %w", err)
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if f.Format != FormatVersion {
		return nil, fmt.Errorf("%w: format %d (this build understands %d)", ErrUnsupportedFormat, f.Format, FormatVersion)
	}
	return &f, nil
}

// LoadFromDir reads the lockfile in dir, if any.
func LoadFromDir(dir string) (*File, error) {
	return Load(filepath.Join(dir, Filename))
}

// Save writes the lockfile to path atomically (temp file + rename).
func (f *File) Save(path string) error {
	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode lockfile: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath) // Best-effort cleanup of temp file
		return fmt.Errorf("failed to rename lockfile: %w", err)
	}
	return nil
}
