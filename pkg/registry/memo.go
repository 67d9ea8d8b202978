// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"context"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/quarry-pm/quarry/pkg/pkgname"
)

// Memo wraps a Client and memoizes metadata lookups for the lifetime of
// the wrapper. Concurrent lookups for the same package are collapsed
// into one upstream request, so a resolver walking a diamond-shaped
// graph fetches each package's metadata exactly once.
//
// Failed lookups are not cached: a transient failure on one branch must
// not poison a later retry.
type Memo struct {
	inner Client

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string][]VersionMetadata
}

// NewMemo wraps inner with per-package metadata memoization.
func NewMemo(inner Client) *Memo {
	return &Memo{
		inner: inner,
		cache: make(map[string][]VersionMetadata),
	}
}

// Metadata implements Client.
func (m *Memo) Metadata(ctx context.Context, name pkgname.Name) ([]VersionMetadata, error) {
	key := name.String()

	m.mu.RLock()
	cached, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	result, err, _ := m.group.Do(key, func() (any, error) {
		versions, err := m.inner.Metadata(ctx, name)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.cache[key] = versions
		m.mu.Unlock()
		return versions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]VersionMetadata), nil
}

// Contents implements Client. Archives are not memoized; the content
// cache deduplicates downloads by digest instead.
func (m *Memo) Contents(ctx context.Context, name pkgname.Name, version string) (io.ReadCloser, error) {
	return m.inner.Contents(ctx, name, version)
}
