// SPDX-License-Identifier: MPL-2.0

package installer

import (
	"fmt"

	"github.com/quarry-pm/quarry/pkg/pkgname"
	"github.com/quarry-pm/quarry/pkg/resolver"
)

// indexDirName is the directory inside each realm root holding the
// version-qualified package directories.
const indexDirName = "_Index"

// linkExt is the extension of the indirection files the runtime loads.
const linkExt = ".luau"

// qualifiedName returns the collision-free directory name for a node
// inside _Index, e.g. "acme_foo@1.5.0". Git nodes use their pinned
// commit, so two checkouts of the same repository never collide.
func qualifiedName(node *resolver.Node) string {
	return fmt.Sprintf("%s_%s@%s", node.Name.Scope, node.Name.Name, node.Version)
}

// nodeRealmDir returns the realm root a node's contents are installed
// under.
func nodeRealmDir(node *resolver.Node) string {
	return node.Realm.InstallDir()
}

// rootLinkSource renders the indirection file for a top-level
// requirement: it lives directly in the requirement realm's root and
// forwards to the qualified package directory, which may sit in a
// different realm root.
//
// Same realm:   Packages/Foo.luau
//
//	return require(script.Parent._Index["acme_foo@1.5.0"]["foo"])
//
// Cross realm:  DevPackages/Foo.luau -> Packages/_Index/...
//
//	return require(script.Parent.Parent.Packages._Index["acme_foo@1.5.0"]["foo"])
func rootLinkSource(fromRealm pkgname.Realm, node *resolver.Node) string {
	target := nodeRealmDir(node)
	if target == fromRealm.InstallDir() {
		return fmt.Sprintf("return require(script.Parent.%s[%q][%q])\n",
			indexDirName, qualifiedName(node), node.Name.Name)
	}
	return fmt.Sprintf("return require(script.Parent.Parent.%s.%s[%q][%q])\n",
		target, indexDirName, qualifiedName(node), node.Name.Name)
}

// nestedLinkSource renders the indirection file for a dependency edge.
// It lives inside the dependent's qualified directory
// (<realm>/_Index/<qualified>/<Alias>.luau), two levels below the realm
// root.
func nestedLinkSource(fromRealm pkgname.Realm, dep *resolver.Node) string {
	target := nodeRealmDir(dep)
	if target == fromRealm.InstallDir() {
		return fmt.Sprintf("return require(script.Parent.Parent[%q][%q])\n",
			qualifiedName(dep), dep.Name.Name)
	}
	return fmt.Sprintf("return require(script.Parent.Parent.Parent.%s.%s[%q][%q])\n",
		target, indexDirName, qualifiedName(dep), dep.Name.Name)
}
