// SPDX-License-Identifier: MPL-2.0

package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/quarry-pm/quarry/pkg/gitsrc"
	"github.com/quarry-pm/quarry/pkg/manifest"
	"github.com/quarry-pm/quarry/pkg/pkgname"
	"github.com/quarry-pm/quarry/pkg/registry"
)

// ClientSource is the production MetadataSource: registry metadata via
// the registry client, git sources via the fetcher. Wrap the registry
// client in registry.NewMemo so diamond-shaped graphs fetch each
// package once.
type ClientSource struct {
	Registry registry.Client
	Git      *gitsrc.Fetcher
}

// Versions implements MetadataSource.
func (s *ClientSource) Versions(ctx context.Context, name pkgname.Name) ([]registry.VersionMetadata, error) {
	return s.Registry.Metadata(ctx, name)
}

// GitPackage implements MetadataSource. The rev is pinned to a commit
// and the checkout's manifest is read; a checkout without a manifest is
// a leaf package with no declared dependencies.
func (s *ClientSource) GitPackage(ctx context.Context, url, rev string) (GitPackage, error) {
	pin, err := s.Git.ResolveRev(ctx, url, rev)
	if err != nil {
		return GitPackage{}, err
	}

	treePath, err := s.Git.Checkout(ctx, pin)
	if err != nil {
		return GitPackage{}, err
	}

	m, err := manifest.LoadFromDir(treePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return GitPackage{Commit: pin.Commit}, nil
		}
		return GitPackage{}, fmt.Errorf("manifest in %s at %s: %w", url, pin.Commit, err)
	}
	return GitPackage{Commit: pin.Commit, Manifest: m}, nil
}
