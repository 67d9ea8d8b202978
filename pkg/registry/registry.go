// SPDX-License-Identifier: MPL-2.0

// Package registry implements the client side of the package registry
// contract: listing published version metadata and downloading package
// archives. The registry server itself is out of scope; everything here
// talks to it over its public HTTP API.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/quarry-pm/quarry/pkg/pkgname"
)

var (
	// ErrNotFound is returned when a package or version does not exist in
	// the registry.
	ErrNotFound = errors.New("package not found")
	// ErrNetwork is the sentinel wrapped by transient transport failures.
	ErrNetwork = errors.New("network error")
)

type (
	// VersionMetadata describes one published version of a package: its
	// declared dependencies per realm, its own realm, and the content
	// digest of its archive.
	VersionMetadata struct {
		Version string `json:"version"`
		// Realm is the realm the package declares for itself.
		Realm string `json:"realm"`
		// Digest is the sha256 hex digest of the package archive.
		Digest string `json:"digest"`
		// Dependencies maps alias to "scope/name@range" for the shared
		// section; ServerDependencies/DevDependencies likewise.
		Dependencies       map[string]string `json:"dependencies"`
		ServerDependencies map[string]string `json:"server-dependencies"`
		DevDependencies    map[string]string `json:"dev-dependencies"`
	}

	// Client is the registry contract consumed by the resolver and
	// installer. Implementations must be safe for concurrent use.
	Client interface {
		// Metadata returns every published version of the package, or
		// ErrNotFound.
		Metadata(ctx context.Context, name pkgname.Name) ([]VersionMetadata, error)

		// Contents streams the package archive (a zip) for an exact
		// version. The caller owns the returned reader.
		Contents(ctx context.Context, name pkgname.Name, version string) (io.ReadCloser, error)
	}

	// FetchError names the package and version a failed transfer was for,
	// after retries were exhausted.
	FetchError struct {
		Name    pkgname.Name
		Version string
		Err     error
	}
)

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("failed to fetch metadata for %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("failed to fetch %s@%s: %v", e.Name, e.Version, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *FetchError) Unwrap() error { return e.Err }
