// SPDX-License-Identifier: MPL-2.0

// Package pkgname defines scoped package identifiers ("scope/name") and
// the realm visibility tiers that govern where a package may be installed
// and which other realms may depend on it.
package pkgname

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidName is the sentinel error wrapped by InvalidNameError.
	ErrInvalidName = errors.New("invalid package name")
	// ErrInvalidRealm is the sentinel error wrapped by InvalidRealmError.
	ErrInvalidRealm = errors.New("invalid realm")
)

// namePartRegex validates each half of a scoped identifier: lowercase
// alphanumerics and dashes, starting with an alphanumeric.
var namePartRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]*$`)

// maxPartLen bounds scope and name length, matching the registry's
// naming rules.
const maxPartLen = 64

type (
	// Name is a scoped package identifier, unique within a registry
	// namespace. Both halves are case-normalized to lowercase.
	Name struct {
		Scope string
		Name  string
	}

	// InvalidNameError reports a string that is not a valid scoped
	// identifier.
	InvalidNameError struct {
		Value  string
		Reason string
	}

	// Realm is a visibility/trust tier. It controls both the install root a
	// package lands in and which realms may depend on it.
	Realm string

	// InvalidRealmError reports an unrecognized realm string.
	InvalidRealmError struct {
		Value string
	}
)

const (
	// RealmShared is code shared with untrusted clients; its transitive
	// closure must itself be shared-installable.
	RealmShared Realm = "shared"
	// RealmServer is code that only runs on the trusted server.
	RealmServer Realm = "server"
	// RealmDev is development-only tooling, never shipped.
	RealmDev Realm = "dev"
)

// Error implements the error interface.
func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid package name %q: %s", e.Value, e.Reason)
}

// Unwrap returns ErrInvalidName so callers can use errors.Is.
func (e *InvalidNameError) Unwrap() error { return ErrInvalidName }

// Error implements the error interface.
func (e *InvalidRealmError) Error() string {
	return fmt.Sprintf("invalid realm %q (expected shared, server or dev)", e.Value)
}

// Unwrap returns ErrInvalidRealm so callers can use errors.Is.
func (e *InvalidRealmError) Unwrap() error { return ErrInvalidRealm }

// Parse parses a "scope/name" identifier, lowercasing both halves.
func Parse(s string) (Name, error) {
	scope, name, found := strings.Cut(strings.TrimSpace(s), "/")
	if !found {
		return Name{}, &InvalidNameError{Value: s, Reason: "expected scope/name"}
	}

	n := Name{Scope: strings.ToLower(scope), Name: strings.ToLower(name)}
	if err := n.Validate(); err != nil {
		return Name{}, err
	}
	return n, nil
}

// Validate returns nil if both halves satisfy the registry naming rules.
func (n Name) Validate() error {
	for _, part := range []string{n.Scope, n.Name} {
		switch {
		case part == "":
			return &InvalidNameError{Value: n.String(), Reason: "scope and name must be non-empty"}
		case len(part) > maxPartLen:
			return &InvalidNameError{Value: n.String(), Reason: fmt.Sprintf("segment exceeds %d characters", maxPartLen)}
		case !namePartRegex.MatchString(part):
			return &InvalidNameError{Value: n.String(), Reason: "segments must be lowercase alphanumerics and dashes"}
		}
	}
	return nil
}

// String returns the "scope/name" form.
func (n Name) String() string { return n.Scope + "/" + n.Name }

// IsZero reports whether the identifier is unset.
func (n Name) IsZero() bool { return n.Scope == "" && n.Name == "" }

// ParseRealm parses a realm string, case-insensitively.
func ParseRealm(s string) (Realm, error) {
	switch Realm(strings.ToLower(strings.TrimSpace(s))) {
	case RealmShared:
		return RealmShared, nil
	case RealmServer:
		return RealmServer, nil
	case RealmDev:
		return RealmDev, nil
	default:
		return "", &InvalidRealmError{Value: s}
	}
}

// String returns the lowercase realm name.
func (r Realm) String() string { return string(r) }

// Validate returns nil if the realm is one of the known tiers.
func (r Realm) Validate() error {
	switch r {
	case RealmShared, RealmServer, RealmDev:
		return nil
	default:
		return &InvalidRealmError{Value: string(r)}
	}
}

// CanDependOn reports whether a package in realm r may depend on a package
// declared in realm dep. Shared code must stay client-visible, so it can
// only pull in shared packages; server code may also use shared code; dev
// tooling may use anything.
func (r Realm) CanDependOn(dep Realm) bool {
	switch r {
	case RealmShared:
		return dep == RealmShared
	case RealmServer:
		return dep == RealmShared || dep == RealmServer
	case RealmDev:
		return true
	default:
		return false
	}
}

// InstallDir returns the top-level directory name for the realm's package
// tree within a project.
func (r Realm) InstallDir() string {
	switch r {
	case RealmServer:
		return "ServerPackages"
	case RealmDev:
		return "DevPackages"
	default:
		return "Packages"
	}
}

// Realms lists all realms in deterministic order.
func Realms() []Realm {
	return []Realm{RealmShared, RealmServer, RealmDev}
}
