// SPDX-License-Identifier: MPL-2.0

package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/quarry-pm/quarry/pkg/manifest"
	"github.com/quarry-pm/quarry/pkg/pkgname"
	"github.com/quarry-pm/quarry/pkg/registry"
	"github.com/quarry-pm/quarry/pkg/semver"
)

// prefetchWorkers bounds concurrent metadata lookups per round.
const prefetchWorkers = 8

type (
	// GitPackage is the resolved state of a git source: the commit its
	// rev pinned to, plus the manifest found in the checkout, if any.
	GitPackage struct {
		Commit   string
		Manifest *manifest.Manifest
	}

	// MetadataSource supplies the resolver with package metadata. It is
	// the only I/O boundary of the resolution algorithm, so tests
	// substitute an in-memory fake.
	MetadataSource interface {
		// Versions returns every published version of a registry package.
		Versions(ctx context.Context, name pkgname.Name) ([]registry.VersionMetadata, error)

		// GitPackage pins a git source's rev to a commit and reads its
		// manifest.
		GitPackage(ctx context.Context, url, rev string) (GitPackage, error)
	}

	// Options tunes a resolution run.
	Options struct {
		// Locked maps "scope/name" to the version recorded in an existing
		// lockfile. A locked version that still satisfies every
		// accumulated constraint is preferred over the highest one, so
		// unrelated manifest edits do not churn pinned versions.
		Locked map[string]string
	}

	// selection is the per-(scope, package) resolution state: every
	// constraint accumulated so far and the version currently chosen.
	selection struct {
		name  pkgname.Name
		refs  []RangeRef
		cons  []*semver.Constraint
		ver   string
		meta  registry.VersionMetadata
		realm pkgname.Realm
	}

	// gitState is the per-(url, rev) resolution state.
	gitState struct {
		url      string
		rev      string
		pkg      GitPackage
		enqueued map[pkgname.Realm]bool
	}

	// item is one pending requirement on the worklist.
	item struct {
		scope    pkgname.Realm
		req      manifest.Requirement
		requirer string
		chain    []string
	}

	resolver struct {
		source MetadataSource
		locked map[string]string

		scopes map[pkgname.Realm]map[string]*selection
		meta   map[string][]registry.VersionMetadata
		gits   map[string]*gitState
	}
)

// Resolve computes the resolved closure of the manifest. Resolution is
// greedy-maximal: each package gets the highest version satisfying
// every constraint accumulated within its realm scope, with no
// backtracking. Constraint sets are tracked per realm, so the same
// package may resolve to different versions in different realms; two
// disjoint sibling ranges within one realm are a ConflictError.
func Resolve(ctx context.Context, m *manifest.Manifest, source MetadataSource, opts Options) (*Graph, error) {
	r := &resolver{
		source: source,
		locked: opts.Locked,
		scopes: map[pkgname.Realm]map[string]*selection{
			pkgname.RealmShared: {},
			pkgname.RealmServer: {},
			pkgname.RealmDev:    {},
		},
		meta: map[string][]registry.VersionMetadata{},
		gits: map[string]*gitState{},
	}

	rootRequirer := m.Package.Name.String()
	var items []item
	for _, req := range m.Requirements() {
		items = append(items, item{scope: req.Realm, req: req, requirer: rootRequirer})
	}

	// Rounds: prefetch metadata for the whole pending batch
	// concurrently, then make every version decision serially so no
	// decision depends on racing results.
	for len(items) > 0 {
		if err := r.prefetch(ctx, items); err != nil {
			return nil, err
		}
		sortItems(items)

		var next []item
		for _, it := range items {
			more, err := r.process(it)
			if err != nil {
				return nil, err
			}
			next = append(next, more...)
		}
		items = next
	}

	graph, err := r.buildGraph(m)
	if err != nil {
		return nil, err
	}
	if err := graph.checkAcyclic(); err != nil {
		return nil, err
	}
	return graph, nil
}

// prefetch fetches metadata for every requirement in the batch that has
// not been seen yet. The memoized source makes repeats free; the bound
// keeps fan-out polite.
func (r *resolver) prefetch(ctx context.Context, items []item) error {
	var (
		names []pkgname.Name
		gits  []manifest.GitSource
		seen  = map[string]bool{}
	)
	for _, it := range items {
		if git := it.req.Git; git != nil {
			key := gitKey(git.URL, git.Rev)
			if _, ok := r.gits[key]; !ok && !seen[key] {
				seen[key] = true
				gits = append(gits, *git)
			}
			continue
		}
		key := it.req.Name.String()
		if _, ok := r.meta[key]; !ok && !seen[key] {
			seen[key] = true
			names = append(names, it.req.Name)
		}
	}

	var mu sync.Mutex
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(prefetchWorkers)

	for _, name := range names {
		eg.Go(func() error {
			versions, err := r.source.Versions(ctx, name)
			if err != nil {
				return err
			}
			mu.Lock()
			r.meta[name.String()] = versions
			mu.Unlock()
			return nil
		})
	}
	for _, git := range gits {
		eg.Go(func() error {
			pkg, err := r.source.GitPackage(ctx, git.URL, git.Rev)
			if err != nil {
				return err
			}
			mu.Lock()
			r.gits[gitKey(git.URL, git.Rev)] = &gitState{
				url:      git.URL,
				rev:      git.Rev,
				pkg:      pkg,
				enqueued: map[pkgname.Realm]bool{},
			}
			mu.Unlock()
			return nil
		})
	}

	return eg.Wait()
}

func (r *resolver) process(it item) ([]item, error) {
	if it.req.Git != nil {
		return r.processGit(it)
	}
	return r.processRegistry(it)
}

func (r *resolver) processRegistry(it item) ([]item, error) {
	name := it.req.Name
	chainKey := name.String()
	if slices.Contains(it.chain, chainKey) {
		return nil, &CycleError{Path: append(slices.Clone(it.chain), chainKey)}
	}

	sel, ok := r.scopes[it.scope][chainKey]
	if !ok {
		sel = &selection{name: name}
		r.scopes[it.scope][chainKey] = sel
	}

	ref := RangeRef{Requirer: it.requirer, Range: it.req.Constraint}
	if !slices.Contains(sel.refs, ref) {
		con, err := semver.ParseConstraint(it.req.Constraint)
		if err != nil {
			return nil, fmt.Errorf("requirement on %s from %s: %w", name, it.requirer, err)
		}
		sel.refs = append(sel.refs, ref)
		sel.cons = append(sel.cons, con)
	}

	available := r.meta[chainKey]
	chosen, chosenMeta, err := sel.choose(available, r.locked[chainKey])
	if err != nil {
		return nil, err
	}
	if chosen == sel.ver {
		return nil, nil
	}

	sel.ver = chosen
	sel.meta = chosenMeta
	sel.realm = declaredRealm(chosenMeta.Realm)

	if !it.scope.CanDependOn(sel.realm) {
		return nil, &RealmError{
			Requirer:        it.requirer,
			RequirerRealm:   it.scope,
			Dependency:      name,
			DependencyRealm: sel.realm,
		}
	}

	chain := append(slices.Clone(it.chain), chainKey)
	requirer := chainKey + "@" + chosen
	var next []item
	for alias, spec := range depSections(chosenMeta, it.scope) {
		dep, err := manifest.ParseSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("%s declares a malformed dependency %s = %q: %w", requirer, alias, spec, err)
		}
		next = append(next, item{
			scope:    it.scope,
			req:      manifest.Requirement{Alias: alias, Name: dep.Name, Constraint: dep.Constraint, Realm: it.scope},
			requirer: requirer,
			chain:    chain,
		})
	}
	return next, nil
}

func (r *resolver) processGit(it item) ([]item, error) {
	st := r.gits[gitKey(it.req.Git.URL, it.req.Git.Rev)]

	// The chain is keyed by pinned commit: a dependency path through two
	// different pins of one repository is legitimate, not a cycle.
	chainKey := GitNodeID(st.url, st.pkg.Commit)
	if slices.Contains(it.chain, chainKey) {
		return nil, &CycleError{Path: append(slices.Clone(it.chain), chainKey)}
	}

	if st.enqueued[it.scope] {
		return nil, nil
	}
	st.enqueued[it.scope] = true

	realm := gitRealm(st.pkg)
	if !it.scope.CanDependOn(realm) {
		return nil, &RealmError{
			Requirer:        it.requirer,
			RequirerRealm:   it.scope,
			Dependency:      gitName(st),
			DependencyRealm: realm,
		}
	}

	chain := append(slices.Clone(it.chain), chainKey)
	requirer := GitNodeID(st.url, st.pkg.Commit)
	var next []item
	for _, req := range gitRequirements(st.pkg, it.scope) {
		req.Realm = it.scope
		next = append(next, item{scope: it.scope, req: req, requirer: requirer, chain: chain})
	}
	return next, nil
}

// choose picks the version for a selection: the locked version when it
// still satisfies everything, otherwise the highest satisfying version.
func (sel *selection) choose(available []registry.VersionMetadata, locked string) (string, registry.VersionMetadata, error) {
	var candidates []*semver.Version
	byCanonical := map[string]registry.VersionMetadata{}
	for _, vm := range available {
		v, err := semver.Parse(vm.Version)
		if err != nil {
			continue
		}
		if !sel.satisfiesAll(v) {
			continue
		}
		candidates = append(candidates, v)
		byCanonical[v.Canonical()] = vm
	}

	if len(candidates) == 0 {
		versions := make([]string, 0, len(available))
		for _, vm := range available {
			versions = append(versions, vm.Version)
		}
		return "", registry.VersionMetadata{}, &ConflictError{
			Name:         sel.name,
			Requirements: slices.Clone(sel.refs),
			Available:    semver.SortDescending(versions),
		}
	}

	if locked != "" {
		if lv, err := semver.Parse(locked); err == nil && sel.satisfiesAll(lv) {
			if vm, ok := byCanonical[lv.Canonical()]; ok {
				return vm.Version, vm, nil
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Compare(candidates[j]) > 0 })
	vm := byCanonical[candidates[0].Canonical()]
	return vm.Version, vm, nil
}

func (sel *selection) satisfiesAll(v *semver.Version) bool {
	for _, con := range sel.cons {
		if !con.Matches(v) {
			return false
		}
	}
	return true
}

// buildGraph materializes the final graph from the per-scope
// selections, walking only what the roots reach so superseded versions
// fall away, and collapsing identical (name, version, source) picks
// across scopes into one shared node.
func (r *resolver) buildGraph(m *manifest.Manifest) (*Graph, error) {
	g := &Graph{Nodes: map[string]*Node{}}

	// visited is keyed by (scope, node ID): a node's edges are merged at
	// most once per scope, which also bounds the walk on cyclic input so
	// checkAcyclic gets to report the cycle.
	visited := map[string]bool{}

	var walk func(scope pkgname.Realm, req manifest.Requirement) (string, error)

	mergeDeps := func(scope pkgname.Realm, node *Node, sel *selection) error {
		for alias, spec := range depSections(sel.meta, scope) {
			if _, ok := node.Deps[alias]; ok {
				continue
			}
			dep, err := manifest.ParseSpec(spec)
			if err != nil {
				return err
			}
			childID, err := walk(scope, manifest.Requirement{Alias: alias, Name: dep.Name, Constraint: dep.Constraint, Realm: scope})
			if err != nil {
				return err
			}
			node.Deps[alias] = childID
		}
		return nil
	}

	walkGit := func(scope pkgname.Realm, req manifest.Requirement) (string, error) {
		st := r.gits[gitKey(req.Git.URL, req.Git.Rev)]
		id := GitNodeID(st.url, st.pkg.Commit)
		if visited[string(scope)+"|"+id] {
			return id, nil
		}
		visited[string(scope)+"|"+id] = true

		node, ok := g.Nodes[id]
		if !ok {
			node = &Node{
				Name:    gitName(st),
				Version: st.pkg.Commit,
				Realm:   gitRealm(st.pkg),
				Source:  Source{Kind: SourceGit, URL: st.url, Rev: st.rev, Commit: st.pkg.Commit},
				Digest:  GitDigest(st.url, st.pkg.Commit),
				Deps:    map[string]string{},
			}
			g.Nodes[id] = node
		}

		for _, depReq := range gitRequirements(st.pkg, scope) {
			if _, ok := node.Deps[depReq.Alias]; ok {
				continue
			}
			depReq.Realm = scope
			childID, err := walk(scope, depReq)
			if err != nil {
				return "", err
			}
			node.Deps[depReq.Alias] = childID
		}
		return id, nil
	}

	walk = func(scope pkgname.Realm, req manifest.Requirement) (string, error) {
		if req.Git != nil {
			return walkGit(scope, req)
		}

		sel := r.scopes[scope][req.Name.String()]
		if sel == nil || sel.ver == "" {
			return "", fmt.Errorf("internal: no selection for %s in %s scope", req.Name, scope)
		}

		id := req.Name.String() + "@" + sel.ver
		if visited[string(scope)+"|"+id] {
			return id, nil
		}
		visited[string(scope)+"|"+id] = true

		node, ok := g.Nodes[id]
		if !ok {
			node = &Node{
				Name:    sel.name,
				Version: sel.ver,
				Realm:   sel.realm,
				Source:  Source{Kind: SourceRegistry},
				Digest:  sel.meta.Digest,
				Deps:    map[string]string{},
			}
			g.Nodes[id] = node
		}
		return id, mergeDeps(scope, node, sel)
	}

	for _, req := range m.Requirements() {
		id, err := walk(req.Realm, req)
		if err != nil {
			return nil, err
		}
		g.Roots = append(g.Roots, RootEdge{Requirement: req, NodeID: id})
	}
	return g, nil
}

// GitDigest derives the content-cache key for a git node. A pinned
// commit fully determines the tree, so the digest only has to be a
// stable fingerprint of (url, commit).
func GitDigest(url, commit string) string {
	sum := sha256.Sum256([]byte(url + "@" + commit))
	return hex.EncodeToString(sum[:])
}

func gitKey(url, rev string) string { return url + "@" + rev }

func gitRealm(pkg GitPackage) pkgname.Realm {
	if pkg.Manifest != nil {
		return pkg.Manifest.Package.Realm
	}
	return pkgname.RealmShared
}

// gitName names a git node: the checkout's own declared name when it
// has a manifest, otherwise an identifier derived from the URL.
func gitName(st *gitState) pkgname.Name {
	if st.pkg.Manifest != nil && !st.pkg.Manifest.Package.Name.IsZero() {
		return st.pkg.Manifest.Package.Name
	}
	trimmed := strings.TrimSuffix(st.url, ".git")
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return pkgname.Name{Scope: "git", Name: strings.ToLower(trimmed)}
}

// gitRequirements lists the dependency requirements a git package
// contributes under a scope: its shared section always, its server
// section outside the shared realm. Dev dependencies of a dependency
// are never followed.
func gitRequirements(pkg GitPackage, scope pkgname.Realm) []manifest.Requirement {
	if pkg.Manifest == nil {
		return nil
	}
	var reqs []manifest.Requirement
	for _, req := range pkg.Manifest.Requirements() {
		switch req.Realm {
		case pkgname.RealmShared:
			reqs = append(reqs, req)
		case pkgname.RealmServer:
			if scope != pkgname.RealmShared {
				reqs = append(reqs, req)
			}
		}
	}
	return reqs
}

// depSections flattens the dependency sections of a version that apply
// under a scope. Callers that care about ordering sort the resulting
// work items themselves.
func depSections(vm registry.VersionMetadata, scope pkgname.Realm) map[string]string {
	merged := map[string]string{}
	for alias, spec := range vm.Dependencies {
		merged[alias] = spec
	}
	if scope != pkgname.RealmShared {
		for alias, spec := range vm.ServerDependencies {
			merged[alias] = spec
		}
	}
	return merged
}

func declaredRealm(s string) pkgname.Realm {
	realm, err := pkgname.ParseRealm(s)
	if err != nil {
		return pkgname.RealmShared
	}
	return realm
}

func sortItems(items []item) {
	sort.SliceStable(items, func(i, j int) bool {
		if a, b := realmOrder(items[i].scope), realmOrder(items[j].scope); a != b {
			return a < b
		}
		if a, b := items[i].req.Key(), items[j].req.Key(); a != b {
			return a < b
		}
		if items[i].requirer != items[j].requirer {
			return items[i].requirer < items[j].requirer
		}
		return items[i].req.Constraint < items[j].req.Constraint
	})
}

func realmOrder(r pkgname.Realm) int {
	switch r {
	case pkgname.RealmServer:
		return 1
	case pkgname.RealmDev:
		return 2
	default:
		return 0
	}
}
