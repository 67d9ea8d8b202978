// SPDX-License-Identifier: MPL-2.0

package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/quarry-pm/quarry/pkg/pkgname"
)

var (
	// ErrConflict is the sentinel error wrapped by ConflictError.
	ErrConflict = errors.New("version conflict")
	// ErrCycle is the sentinel error wrapped by CycleError.
	ErrCycle = errors.New("dependency cycle")
	// ErrRealm is the sentinel error wrapped by RealmError.
	ErrRealm = errors.New("realm violation")
)

type (
	// RangeRef is one accumulated constraint on a package, tagged with
	// who required it.
	RangeRef struct {
		Requirer string
		Range    string
	}

	// ConflictError reports that no published version of a package
	// satisfies every accumulated constraint. It names all requirers so
	// the user can see which pair of ranges is disjoint.
	ConflictError struct {
		Name         pkgname.Name
		Requirements []RangeRef
		Available    []string
	}

	// CycleError reports a requirement chain that loops back onto
	// itself.
	CycleError struct {
		Path []string
	}

	// RealmError reports a dependency edge that crosses realms in a
	// forbidden direction, e.g. shared code pulling in a server-only
	// package.
	RealmError struct {
		Requirer        string
		RequirerRealm   pkgname.Realm
		Dependency      pkgname.Name
		DependencyRealm pkgname.Realm
	}
)

// Error implements the error interface.
func (e *ConflictError) Error() string {
	refs := make([]string, len(e.Requirements))
	for i, r := range e.Requirements {
		refs[i] = fmt.Sprintf("%s (required by %s)", r.Range, r.Requirer)
	}
	return fmt.Sprintf("no version of %s satisfies %s", e.Name, strings.Join(refs, ", "))
}

// Unwrap returns ErrConflict so callers can use errors.Is.
func (e *ConflictError) Unwrap() error { return ErrConflict }

// Error implements the error interface.
func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// Unwrap returns ErrCycle so callers can use errors.Is.
func (e *CycleError) Unwrap() error { return ErrCycle }

// Error implements the error interface.
func (e *RealmError) Error() string {
	return fmt.Sprintf("%s realm package %s cannot depend on %s realm package %s",
		e.RequirerRealm, e.Requirer, e.DependencyRealm, e.Dependency)
}

// Unwrap returns ErrRealm so callers can use errors.Is.
func (e *RealmError) Unwrap() error { return ErrRealm }
