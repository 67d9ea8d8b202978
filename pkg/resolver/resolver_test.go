// SPDX-License-Identifier: MPL-2.0

package resolver

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/quarry-pm/quarry/pkg/manifest"
	"github.com/quarry-pm/quarry/pkg/pkgname"
	"github.com/quarry-pm/quarry/pkg/registry"
)

type fakeSource struct {
	packages map[string][]registry.VersionMetadata
	gits     map[string]GitPackage
}

func (f *fakeSource) Versions(_ context.Context, name pkgname.Name) ([]registry.VersionMetadata, error) {
	versions, ok := f.packages[name.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, name)
	}
	return versions, nil
}

func (f *fakeSource) GitPackage(_ context.Context, url, rev string) (GitPackage, error) {
	pkg, ok := f.gits[url+"@"+rev]
	if !ok {
		return GitPackage{}, fmt.Errorf("unknown git source %s@%s", url, rev)
	}
	return pkg, nil
}

func vm(version, realm string, deps map[string]string) registry.VersionMetadata {
	return registry.VersionMetadata{
		Version:      version,
		Realm:        realm,
		Digest:       "digest-" + version,
		Dependencies: deps,
	}
}

func parseManifest(t *testing.T, toml string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(toml))
	if err != nil {
		t.Fatalf("manifest.Parse() error = %v", err)
	}
	return m
}

func TestResolveSharesHighestSatisfyingNode(t *testing.T) {
	t.Parallel()

	m := parseManifest(t, `
[package]
name = "acme/app"

[dependencies]
Foo = "acme/foo@^1.2.0"
Bar = "acme/bar@^1.0.0"
`)
	source := &fakeSource{packages: map[string][]registry.VersionMetadata{
		"acme/foo": {
			vm("1.0.0", "shared", nil),
			vm("1.2.0", "shared", nil),
			vm("1.5.0", "shared", nil),
			vm("2.0.0", "shared", nil),
		},
		"acme/bar": {
			vm("1.0.0", "shared", map[string]string{"Foo": "acme/foo@^1.0.0"}),
		},
	}}

	g, err := Resolve(context.Background(), m, source, Options{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	foo := g.Node("acme/foo@1.5.0")
	if foo == nil {
		t.Fatalf("graph is missing acme/foo@1.5.0; nodes: %v", nodeIDs(g))
	}
	if got := len(g.Nodes); got != 2 {
		t.Errorf("graph has %d nodes, want 2 (foo must be a single shared node): %v", got, nodeIDs(g))
	}

	bar := g.Node("acme/bar@1.0.0")
	if bar == nil {
		t.Fatal("graph is missing acme/bar@1.0.0")
	}
	if bar.Deps["Foo"] != "acme/foo@1.5.0" {
		t.Errorf("bar.Deps[Foo] = %q, want acme/foo@1.5.0", bar.Deps["Foo"])
	}
}

func TestResolveConflictNamesBothRequirers(t *testing.T) {
	t.Parallel()

	m := parseManifest(t, `
[package]
name = "acme/app"

[dependencies]
Foo = "acme/foo@^1.0.0"
Baz = "acme/baz@^1.0.0"
`)
	source := &fakeSource{packages: map[string][]registry.VersionMetadata{
		"acme/foo": {
			vm("1.5.0", "shared", nil),
			vm("2.0.0", "shared", nil),
		},
		"acme/baz": {
			vm("1.0.0", "shared", map[string]string{"Foo": "acme/foo@^2.0.0"}),
		},
	}}

	_, err := Resolve(context.Background(), m, source, Options{})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Resolve() error = %v, want ErrConflict", err)
	}

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Resolve() error = %T, want *ConflictError", err)
	}
	if conflict.Name.String() != "acme/foo" {
		t.Errorf("conflict names %s, want acme/foo", conflict.Name)
	}
	if len(conflict.Requirements) != 2 {
		t.Fatalf("conflict lists %d requirements, want 2: %+v", len(conflict.Requirements), conflict.Requirements)
	}
	requirers := map[string]string{}
	for _, ref := range conflict.Requirements {
		requirers[ref.Requirer] = ref.Range
	}
	if requirers["acme/app"] != "^1.0.0" {
		t.Errorf("missing root requirement: %v", requirers)
	}
	if requirers["acme/baz@1.0.0"] != "^2.0.0" {
		t.Errorf("missing baz requirement: %v", requirers)
	}
}

func TestResolveRealmViolation(t *testing.T) {
	t.Parallel()

	m := parseManifest(t, `
[package]
name = "acme/app"

[dependencies]
Lib = "acme/lib@^1.0.0"
`)
	source := &fakeSource{packages: map[string][]registry.VersionMetadata{
		"acme/lib": {
			vm("1.0.0", "shared", map[string]string{"Secrets": "acme/secrets@^1.0.0"}),
		},
		"acme/secrets": {
			vm("1.0.0", "server", nil),
		},
	}}

	_, err := Resolve(context.Background(), m, source, Options{})
	if !errors.Is(err, ErrRealm) {
		t.Fatalf("Resolve() error = %v, want ErrRealm", err)
	}

	var realmErr *RealmError
	if !errors.As(err, &realmErr) {
		t.Fatalf("Resolve() error = %T, want *RealmError", err)
	}
	if realmErr.Dependency.String() != "acme/secrets" {
		t.Errorf("violation names %s, want acme/secrets", realmErr.Dependency)
	}
	if realmErr.DependencyRealm != pkgname.RealmServer {
		t.Errorf("dependency realm = %v, want server", realmErr.DependencyRealm)
	}
}

func TestServerScopeMayUseServerPackages(t *testing.T) {
	t.Parallel()

	m := parseManifest(t, `
[package]
name = "acme/app"

[server-dependencies]
Secrets = "acme/secrets@^1.0.0"
`)
	source := &fakeSource{packages: map[string][]registry.VersionMetadata{
		"acme/secrets": {vm("1.0.0", "server", nil)},
	}}

	g, err := Resolve(context.Background(), m, source, Options{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if g.Node("acme/secrets@1.0.0") == nil {
		t.Errorf("graph is missing acme/secrets@1.0.0: %v", nodeIDs(g))
	}
}

func TestCrossRealmVersionsCoexist(t *testing.T) {
	t.Parallel()

	// Constraint sets accumulate per realm, so shared and dev may pin
	// the same package to different majors without conflicting.
	m := parseManifest(t, `
[package]
name = "acme/app"

[dependencies]
Foo = "acme/foo@^1.0.0"

[dev-dependencies]
Foo = "acme/foo@^2.0.0"
`)
	source := &fakeSource{packages: map[string][]registry.VersionMetadata{
		"acme/foo": {
			vm("1.5.0", "shared", nil),
			vm("2.3.0", "shared", nil),
		},
	}}

	g, err := Resolve(context.Background(), m, source, Options{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if g.Node("acme/foo@1.5.0") == nil || g.Node("acme/foo@2.3.0") == nil {
		t.Errorf("expected both versions to coexist, got %v", nodeIDs(g))
	}
}

func TestResolveDetectsCycle(t *testing.T) {
	t.Parallel()

	m := parseManifest(t, `
[package]
name = "acme/app"

[dependencies]
A = "acme/a@^1.0.0"
`)
	source := &fakeSource{packages: map[string][]registry.VersionMetadata{
		"acme/a": {vm("1.0.0", "shared", map[string]string{"B": "acme/b@^1.0.0"})},
		"acme/b": {vm("1.0.0", "shared", map[string]string{"A": "acme/a@^1.0.0"})},
	}}

	_, err := Resolve(context.Background(), m, source, Options{})
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("Resolve() error = %v, want ErrCycle", err)
	}

	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("Resolve() error = %T, want *CycleError", err)
	}
	if len(cycleErr.Path) < 3 {
		t.Errorf("cycle path too short: %v", cycleErr.Path)
	}
}

func TestGitSourceBypassesVersionSelection(t *testing.T) {
	t.Parallel()

	m := parseManifest(t, `
[package]
name = "acme/app"

[dependencies]
Kit = { git = "https://github.com/acme/kit.git", rev = "v0.3.0" }
`)
	kitManifest := parseManifest(t, `
[package]
name = "acme/kit"

[dependencies]
Foo = "acme/foo@^1.0.0"
`)
	source := &fakeSource{
		packages: map[string][]registry.VersionMetadata{
			"acme/foo": {vm("1.5.0", "shared", nil)},
		},
		gits: map[string]GitPackage{
			"https://github.com/acme/kit.git@v0.3.0": {
				Commit:   "0123456789abcdef0123456789abcdef01234567",
				Manifest: kitManifest,
			},
		},
	}

	g, err := Resolve(context.Background(), m, source, Options{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	id := GitNodeID("https://github.com/acme/kit.git", "0123456789abcdef0123456789abcdef01234567")
	kit := g.Node(id)
	if kit == nil {
		t.Fatalf("graph is missing git node %s: %v", id, nodeIDs(g))
	}
	if kit.Source.Kind != SourceGit || kit.Source.Rev != "v0.3.0" {
		t.Errorf("kit.Source = %+v", kit.Source)
	}
	if kit.Digest != GitDigest("https://github.com/acme/kit.git", kit.Source.Commit) {
		t.Errorf("kit.Digest = %q", kit.Digest)
	}
	if kit.Deps["Foo"] != "acme/foo@1.5.0" {
		t.Errorf("kit.Deps[Foo] = %q", kit.Deps["Foo"])
	}
}

func TestTwoPinsOfOneRepoAreNotACycle(t *testing.T) {
	t.Parallel()

	// kit@v0.3.0 depends on kit@v0.2.0 of the same repository. The two
	// pins resolve to distinct commits, so the chain never revisits a
	// node and both must land in the graph.
	m := parseManifest(t, `
[package]
name = "acme/app"

[dependencies]
Kit = { git = "https://github.com/acme/kit.git", rev = "v0.3.0" }
`)
	newKit := parseManifest(t, `
[package]
name = "acme/kit"

[dependencies]
OldKit = { git = "https://github.com/acme/kit.git", rev = "v0.2.0" }
`)
	oldKit := parseManifest(t, `
[package]
name = "acme/kit"
`)
	commitNew := strings.Repeat("aa", 20)
	commitOld := strings.Repeat("bb", 20)
	url := "https://github.com/acme/kit.git"
	source := &fakeSource{gits: map[string]GitPackage{
		url + "@v0.3.0": {Commit: commitNew, Manifest: newKit},
		url + "@v0.2.0": {Commit: commitOld, Manifest: oldKit},
	}}

	g, err := Resolve(context.Background(), m, source, Options{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	newNode := g.Node(GitNodeID(url, commitNew))
	if newNode == nil || g.Node(GitNodeID(url, commitOld)) == nil {
		t.Fatalf("expected both pins in the graph: %v", nodeIDs(g))
	}
	if newNode.Deps["OldKit"] != GitNodeID(url, commitOld) {
		t.Errorf("newKit.Deps[OldKit] = %q", newNode.Deps["OldKit"])
	}
}

func TestGitCycleDetected(t *testing.T) {
	t.Parallel()

	m := parseManifest(t, `
[package]
name = "acme/app"

[dependencies]
A = { git = "https://github.com/acme/a.git", rev = "main" }
`)
	aManifest := parseManifest(t, `
[package]
name = "acme/a"

[dependencies]
B = { git = "https://github.com/acme/b.git", rev = "main" }
`)
	bManifest := parseManifest(t, `
[package]
name = "acme/b"

[dependencies]
A = { git = "https://github.com/acme/a.git", rev = "main" }
`)
	source := &fakeSource{gits: map[string]GitPackage{
		"https://github.com/acme/a.git@main": {Commit: strings.Repeat("aa", 20), Manifest: aManifest},
		"https://github.com/acme/b.git@main": {Commit: strings.Repeat("bb", 20), Manifest: bManifest},
	}}

	_, err := Resolve(context.Background(), m, source, Options{})
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("Resolve() error = %v, want ErrCycle", err)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	t.Parallel()

	m := parseManifest(t, `
[package]
name = "acme/app"

[dependencies]
Foo = "acme/foo@^1.0.0"
Bar = "acme/bar@^1.0.0"
Qux = "acme/qux@^3.0.0"

[server-dependencies]
Secrets = "acme/secrets@^1.0.0"
`)
	source := &fakeSource{packages: map[string][]registry.VersionMetadata{
		"acme/foo":     {vm("1.0.0", "shared", nil), vm("1.9.0", "shared", nil)},
		"acme/bar":     {vm("1.2.0", "shared", map[string]string{"Foo": "acme/foo@^1.1.0", "Qux": "acme/qux@^3.1.0"})},
		"acme/qux":     {vm("3.1.0", "shared", nil), vm("3.2.0", "shared", nil)},
		"acme/secrets": {vm("1.0.0", "server", map[string]string{"Foo": "acme/foo@^1.0.0"})},
	}}

	first, err := Resolve(context.Background(), m, source, Options{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	for range 5 {
		again, err := Resolve(context.Background(), m, source, Options{})
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if !reflect.DeepEqual(nodeIDs(first), nodeIDs(again)) {
			t.Fatalf("node sets differ: %v vs %v", nodeIDs(first), nodeIDs(again))
		}
		if !reflect.DeepEqual(first.Roots, again.Roots) {
			t.Fatalf("roots differ: %v vs %v", first.Roots, again.Roots)
		}
	}
}

func TestSupersededVersionsDropOut(t *testing.T) {
	t.Parallel()

	// bar's looser range would pick foo@1.5.0 on its own; the root's
	// tilde range tightens the accumulated set to 1.2.x. The superseded
	// pick must not survive into the final graph.
	m := parseManifest(t, `
[package]
name = "acme/app"

[dependencies]
Bar = "acme/bar@^1.0.0"
Foo = "acme/foo@~1.2.0"
`)
	source := &fakeSource{packages: map[string][]registry.VersionMetadata{
		"acme/foo": {vm("1.0.0", "shared", nil), vm("1.2.0", "shared", nil), vm("1.5.0", "shared", nil)},
		"acme/bar": {vm("1.0.0", "shared", map[string]string{"Foo": "acme/foo@^1.0.0"})},
	}}

	g, err := Resolve(context.Background(), m, source, Options{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if g.Node("acme/foo@1.2.0") == nil {
		t.Errorf("graph is missing acme/foo@1.2.0: %v", nodeIDs(g))
	}
	if g.Node("acme/foo@1.5.0") != nil {
		t.Errorf("superseded acme/foo@1.5.0 still in graph: %v", nodeIDs(g))
	}
}

func TestLockedVersionPreferred(t *testing.T) {
	t.Parallel()

	m := parseManifest(t, `
[package]
name = "acme/app"

[dependencies]
Foo = "acme/foo@^1.0.0"
`)
	source := &fakeSource{packages: map[string][]registry.VersionMetadata{
		"acme/foo": {vm("1.2.0", "shared", nil), vm("1.5.0", "shared", nil)},
	}}

	g, err := Resolve(context.Background(), m, source, Options{
		Locked: map[string]string{"acme/foo": "1.2.0"},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if g.Node("acme/foo@1.2.0") == nil {
		t.Errorf("locked version not reused: %v", nodeIDs(g))
	}

	// A locked version outside the manifest's range is ignored.
	g, err = Resolve(context.Background(), m, source, Options{
		Locked: map[string]string{"acme/foo": "0.9.0"},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if g.Node("acme/foo@1.5.0") == nil {
		t.Errorf("stale locked version not superseded: %v", nodeIDs(g))
	}
}

func TestEdgesSatisfyTheirRanges(t *testing.T) {
	t.Parallel()

	m := parseManifest(t, `
[package]
name = "acme/app"

[dependencies]
Foo = "acme/foo@^1.2.0"
Bar = "acme/bar@^1.0.0"
`)
	source := &fakeSource{packages: map[string][]registry.VersionMetadata{
		"acme/foo": {vm("1.0.0", "shared", nil), vm("1.5.0", "shared", nil)},
		"acme/bar": {vm("1.1.0", "shared", map[string]string{"Foo": "acme/foo@>=1.0.0 <2.0.0"})},
	}}

	g, err := Resolve(context.Background(), m, source, Options{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	for _, root := range g.Roots {
		node := g.Node(root.NodeID)
		if node == nil {
			t.Fatalf("dangling root edge %v", root)
		}
		if root.Requirement.Git == nil && node.Version == "" {
			t.Errorf("root %s resolved to empty version", root.Requirement.Alias)
		}
	}
	if got := g.Node("acme/bar@1.1.0").Deps["Foo"]; got != "acme/foo@1.5.0" {
		t.Errorf("bar.Deps[Foo] = %q, want acme/foo@1.5.0", got)
	}
}

func nodeIDs(g *Graph) []string {
	var ids []string
	for _, n := range g.SortedNodes() {
		ids = append(ids, n.ID())
	}
	return ids
}
