// SPDX-License-Identifier: MPL-2.0

// Package resolver computes the resolved closure of a manifest: the
// complete, acyclic set of concrete package versions that satisfies
// every declared requirement, with conflicts, cycles, and realm
// violations surfaced as structured errors.
package resolver

import (
	"fmt"
	"sort"

	"github.com/quarry-pm/quarry/pkg/manifest"
	"github.com/quarry-pm/quarry/pkg/pkgname"
)

// SourceKind distinguishes how a node's contents are obtained.
type SourceKind string

const (
	// SourceRegistry is a package downloaded from the registry by version.
	SourceRegistry SourceKind = "registry"
	// SourceGit is a package checked out from a git repository at a
	// pinned commit.
	SourceGit SourceKind = "git"
)

type (
	// Source records where a node's contents come from. Registry nodes
	// carry only the kind; git nodes carry the repository URL, the
	// declared rev, and the commit it resolved to.
	Source struct {
		Kind   SourceKind
		URL    string
		Rev    string
		Commit string
	}

	// Node is one concrete, fetchable unit in the resolved closure.
	Node struct {
		Name    pkgname.Name
		Version string
		Realm   pkgname.Realm
		Source  Source
		// Digest is the sha256 hex digest of the node's contents: the
		// archive digest for registry nodes, a digest derived from
		// URL and commit for git nodes.
		Digest string
		// Deps maps the node's declared dependency aliases to the IDs of
		// the nodes that satisfy them.
		Deps map[string]string
	}

	// RootEdge ties a top-level manifest requirement to the node that
	// satisfies it.
	RootEdge struct {
		Requirement manifest.Requirement
		NodeID      string
	}

	// Graph is the resolved closure: nodes keyed by ID plus the root
	// edges. Two requirements resolving to the same name, version and
	// source share one node.
	Graph struct {
		Nodes map[string]*Node
		Roots []RootEdge
	}
)

// ID returns the node's stable identifier: "scope/name@version" for
// registry nodes, "git+url@commit" for git nodes.
func (n *Node) ID() string {
	if n.Source.Kind == SourceGit {
		return GitNodeID(n.Source.URL, n.Source.Commit)
	}
	return n.Name.String() + "@" + n.Version
}

// GitNodeID builds the identifier used for a git-sourced node.
func GitNodeID(url, commit string) string {
	return "git+" + url + "@" + commit
}

// String renders the source for error messages and reports.
func (s Source) String() string {
	if s.Kind == SourceGit {
		return fmt.Sprintf("git %s @ %s", s.URL, s.Commit)
	}
	return "registry"
}

// Node returns the node with the given ID, or nil.
func (g *Graph) Node(id string) *Node {
	return g.Nodes[id]
}

// SortedNodes returns the nodes sorted by ID so iteration order is
// deterministic.
func (g *Graph) SortedNodes() []*Node {
	nodes := make([]*Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
	return nodes
}

// SortedDeps returns a node's dependency aliases in sorted order.
func (n *Node) SortedDeps() []string {
	aliases := make([]string, 0, len(n.Deps))
	for alias := range n.Deps {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// checkAcyclic verifies the final graph has no cycles, walking from the
// roots with the classic three-color traversal.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return &CycleError{Path: append(path, id)}
		}
		color[id] = gray
		node := g.Nodes[id]
		for _, alias := range node.SortedDeps() {
			if err := visit(node.Deps[alias], append(path, id)); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, root := range g.Roots {
		if err := visit(root.NodeID, nil); err != nil {
			return err
		}
	}
	return nil
}
