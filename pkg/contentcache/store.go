// SPDX-License-Identifier: MPL-2.0

// Package contentcache implements the content-addressed local store
// shared by all projects on a machine. Entries are keyed by the sha256
// digest of their contents, never by package name or version, so
// identical contents from different sources share storage. Entries are
// written once and never mutated.
package contentcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"
)

// EnvCachePath overrides the cache location when set.
const EnvCachePath = "QUARRY_CACHE_PATH"

type (
	// Store is a content-addressed directory of extracted package
	// contents. Safe for concurrent use; population is single-flight per
	// digest.
	Store struct {
		dir   string
		group singleflight.Group
	}

	// PopulateFunc fills dst with the contents for a digest. dst exists
	// and is empty when the function is called; on error nothing is
	// committed and a later call may retry.
	PopulateFunc func(ctx context.Context, dst string) error
)

// NewStore opens (or designates) a cache rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// DefaultDir returns the cache location for this user, honoring
// EnvCachePath.
func DefaultDir() (string, error) {
	return DefaultDirWith(os.Getenv)
}

// DefaultDirWith is DefaultDir with an injectable environment lookup
// for tests.
func DefaultDirWith(getenv func(string) string) (string, error) {
	if dir := getenv(EnvCachePath); dir != "" {
		return dir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine cache directory: %w", err)
	}
	return filepath.Join(base, "quarry"), nil
}

// EntryPath returns where the digest's contents live (or would live)
// on disk.
func (s *Store) EntryPath(digest string) string {
	shard := digest
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(s.dir, "cas", shard, digest)
}

// Contains reports whether an entry is committed for the digest.
func (s *Store) Contains(digest string) bool {
	info, err := os.Stat(s.EntryPath(digest))
	return err == nil && info.IsDir()
}

// FetchOrPopulate returns the path to the digest's contents, running
// populate to create them if absent. At most one population runs per
// digest at a time; concurrent callers share its outcome. Contents are
// staged in a temporary directory and committed with a single rename,
// so a crash or failure never leaves a partial entry under its final
// name.
func (s *Store) FetchOrPopulate(ctx context.Context, digest string, populate PopulateFunc) (string, error) {
	final := s.EntryPath(digest)
	if s.Contains(digest) {
		return final, nil
	}

	ch := s.group.DoChan(digest, func() (any, error) {
		// Re-check under the flight: a previous winner may have
		// committed while this caller queued.
		if s.Contains(digest) {
			return final, nil
		}

		stagingRoot := filepath.Join(s.dir, "staging")
		if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create staging directory: %w", err)
		}
		staging, err := os.MkdirTemp(stagingRoot, shardPrefix(digest)+"-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create staging directory: %w", err)
		}
		defer os.RemoveAll(staging) //nolint:errcheck // No-op once renamed into place

		if err := populate(ctx, staging); err != nil {
			return nil, err
		}

		if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache shard: %w", err)
		}
		if err := os.Rename(staging, final); err != nil {
			// Another process may have committed the same digest first;
			// content-addressing makes that outcome equivalent.
			if s.Contains(digest) {
				return final, nil
			}
			return nil, fmt.Errorf("failed to commit cache entry: %w", err)
		}
		return final, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Prune removes every committed entry whose digest is not in keep, plus
// any leftover staging directories, and reports how many entries were
// removed.
func (s *Store) Prune(keep map[string]bool) (int, error) {
	_ = os.RemoveAll(filepath.Join(s.dir, "staging")) //nolint:errcheck // Leftovers only

	casRoot := filepath.Join(s.dir, "cas")
	shards, err := os.ReadDir(casRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read cache: %w", err)
	}

	removed := 0
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(casRoot, shard.Name())
		entries, err := os.ReadDir(shardPath)
		if err != nil {
			return removed, fmt.Errorf("failed to read cache shard: %w", err)
		}
		for _, entry := range entries {
			if keep[entry.Name()] {
				continue
			}
			if err := os.RemoveAll(filepath.Join(shardPath, entry.Name())); err != nil {
				return removed, fmt.Errorf("failed to prune %s: %w", entry.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}

func shardPrefix(digest string) string {
	if len(digest) > 8 {
		return digest[:8]
	}
	return digest
}
