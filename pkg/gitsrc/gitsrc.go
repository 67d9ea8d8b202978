// SPDX-License-Identifier: MPL-2.0

// Package gitsrc resolves and materializes git-pinned dependencies. A
// git source is identified by repository URL plus a rev (tag, branch, or
// commit SHA); resolution pins the rev to an exact commit, and checkout
// exports the tree for that commit into its own immutable directory
// under the cache.
package gitsrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/memory"
)

// ErrRevNotFound is returned when a rev matches no tag, branch, or
// commit in the remote.
var ErrRevNotFound = errors.New("git rev not found")

var commitSHARegex = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

type (
	// Fetcher performs git operations against source repositories,
	// caching clones and per-commit tree exports under a base directory.
	Fetcher struct {
		// CacheDir is the base directory holding repository mirrors and
		// exported trees.
		CacheDir string

		auth transport.AuthMethod

		getenv func(string) string

		mu        sync.Mutex
		repoLocks map[string]*sync.Mutex
	}

	// Pin is a rev resolved to an exact commit.
	Pin struct {
		URL    string
		Rev    string
		Commit string
	}
)

// NewFetcher creates a Fetcher with auth discovered from the
// environment (SSH keys, then token env vars).
func NewFetcher(cacheDir string) *Fetcher {
	return NewFetcherWith(cacheDir, os.Getenv)
}

// NewFetcherWith is NewFetcher with an injectable environment lookup
// for tests.
func NewFetcherWith(cacheDir string, getenv func(string) string) *Fetcher {
	f := &Fetcher{CacheDir: cacheDir, getenv: getenv}
	f.auth = f.discoverAuth()
	return f
}

// ResolveRev pins rev to an exact commit SHA without cloning. A rev
// that already looks like a full commit SHA is returned as-is; tags are
// tried with and without the "v" prefix, then branches.
func (f *Fetcher) ResolveRev(ctx context.Context, url, rev string) (Pin, error) {
	if len(rev) == 40 && commitSHARegex.MatchString(rev) {
		return Pin{URL: url, Rev: rev, Commit: rev}, nil
	}

	refs, err := f.listRefs(ctx, url)
	if err != nil {
		return Pin{}, err
	}

	for _, candidate := range revCandidates(rev) {
		for _, ref := range refs {
			if !ref.Name().IsTag() && !ref.Name().IsBranch() {
				continue
			}
			if ref.Name().Short() == candidate {
				return Pin{URL: url, Rev: rev, Commit: ref.Hash().String()}, nil
			}
		}
	}

	// An abbreviated SHA cannot be resolved against remote refs alone.
	if commitSHARegex.MatchString(rev) {
		return Pin{}, fmt.Errorf("%w: abbreviated commit %q in %s, use the full 40-char SHA", ErrRevNotFound, rev, url)
	}

	return Pin{}, fmt.Errorf("%w: %q in %s", ErrRevNotFound, rev, url)
}

// ListTags returns every tag name in the remote, without cloning.
func (f *Fetcher) ListTags(ctx context.Context, url string) ([]string, error) {
	refs, err := f.listRefs(ctx, url)
	if err != nil {
		return nil, err
	}

	var tags []string
	for _, ref := range refs {
		if ref.Name().IsTag() {
			tags = append(tags, ref.Name().Short())
		}
	}
	return tags, nil
}

// Checkout materializes the tree for pin and returns its path. Each
// pinned commit is exported once into its own directory and never
// rewritten, so two pins of the same repository at different commits
// can be checked out concurrently without observing each other's
// worktree state. The mirror clone is cloned on first use and fetched
// best-effort afterwards; the pinned commit may already be present
// locally even when the fetch fails.
func (f *Fetcher) Checkout(ctx context.Context, pin Pin) (string, error) {
	treeDir := f.treePath(pin.URL, pin.Commit)
	if _, err := os.Stat(treeDir); err == nil {
		return treeDir, nil
	}

	// The mirror worktree is shared per URL; hold the repository lock
	// across checkout and export.
	unlock := f.lockRepo(pin.URL)
	defer unlock()
	if _, err := os.Stat(treeDir); err == nil {
		return treeDir, nil
	}

	repoPath := f.repoPath(pin.URL)
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		repo, err = f.clone(ctx, pin.URL, repoPath)
		if err != nil {
			return "", fmt.Errorf("failed to clone %s: %w", pin.URL, err)
		}
	} else {
		_ = f.fetch(ctx, repo) //nolint:errcheck // Best-effort; pinned commit may be local already
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	err = worktree.Checkout(&git.CheckoutOptions{
		Hash:  plumbing.NewHash(pin.Commit),
		Force: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to checkout %s at %s: %w", pin.URL, pin.Commit, err)
	}

	if err := os.MkdirAll(filepath.Dir(treeDir), 0o755); err != nil {
		return "", fmt.Errorf("failed to create tree directory: %w", err)
	}
	staging, err := os.MkdirTemp(filepath.Dir(treeDir), ".staging-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging) //nolint:errcheck // No-op once renamed into place

	if err := exportTree(repoPath, staging); err != nil {
		return "", err
	}
	if err := os.Rename(staging, treeDir); err != nil {
		// Another process may have exported the same commit first.
		if _, statErr := os.Stat(treeDir); statErr == nil {
			return treeDir, nil
		}
		return "", fmt.Errorf("failed to commit tree for %s at %s: %w", pin.URL, pin.Commit, err)
	}
	return treeDir, nil
}

// lockRepo serializes use of one repository's mirror worktree.
func (f *Fetcher) lockRepo(url string) func() {
	f.mu.Lock()
	if f.repoLocks == nil {
		f.repoLocks = map[string]*sync.Mutex{}
	}
	l, ok := f.repoLocks[url]
	if !ok {
		l = &sync.Mutex{}
		f.repoLocks[url] = l
	}
	f.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (f *Fetcher) listRefs(ctx context.Context, url string) ([]*plumbing.Reference, error) {
	// In-memory remote: list refs without touching disk.
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: f.auth})
	if err != nil {
		return nil, fmt.Errorf("failed to list refs for %s: %w", url, err)
	}
	return refs, nil
}

func (f *Fetcher) clone(ctx context.Context, url, dest string) (*git.Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:  url,
		Auth: f.auth,
	})
}

func (f *Fetcher) fetch(ctx context.Context, repo *git.Repository) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		Auth:  f.auth,
		Tags:  git.AllTags,
		Force: true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}
	return nil
}

// repoPath maps a repository URL onto its mirror clone, e.g.
// "https://github.com/user/repo.git" -> "<cache>/sources/repos/github.com/user/repo".
func (f *Fetcher) repoPath(url string) string {
	return filepath.Join(f.CacheDir, "sources", "repos", RepoSlug(url))
}

// treePath maps (url, commit) onto the commit's exported tree. Trees
// are write-once: once a commit's directory exists it is never
// modified.
func (f *Fetcher) treePath(url, commit string) string {
	return filepath.Join(f.CacheDir, "sources", "trees", RepoSlug(url), commit)
}

// exportTree copies the checked-out worktree into dst, dropping
// repository metadata and non-regular files such as symlinks.
func exportTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return nil
}

// RepoSlug converts a git URL into a path-safe relative slug.
func RepoSlug(url string) string {
	slug := strings.TrimPrefix(url, "https://")
	slug = strings.TrimPrefix(slug, "http://")
	slug = strings.TrimPrefix(slug, "ssh://")
	slug = strings.TrimPrefix(slug, "git@")
	slug = strings.TrimSuffix(slug, ".git")
	slug = strings.ReplaceAll(slug, ":", "/")
	return filepath.FromSlash(slug)
}

// revCandidates returns the ref names to try for a rev, covering both
// "v1.2.3" and "1.2.3" tag conventions.
func revCandidates(rev string) []string {
	candidates := []string{rev}
	if trimmed, found := strings.CutPrefix(rev, "v"); found {
		candidates = append(candidates, trimmed)
	} else {
		candidates = append(candidates, "v"+rev)
	}
	return candidates
}

func (f *Fetcher) discoverAuth() transport.AuthMethod {
	if auth := f.sshAuth(); auth != nil {
		return auth
	}
	return f.tokenAuth()
}

func (f *Fetcher) sshAuth() transport.AuthMethod {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	for _, key := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		keyPath := filepath.Join(homeDir, ".ssh", key)
		if _, err := os.Stat(keyPath); err != nil {
			continue
		}
		if auth, err := gitssh.NewPublicKeysFromFile("git", keyPath, ""); err == nil {
			return auth
		}
	}
	return nil
}

func (f *Fetcher) tokenAuth() transport.AuthMethod {
	if token := f.getenv("GITHUB_TOKEN"); token != "" {
		return &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}
	if token := f.getenv("GIT_TOKEN"); token != "" {
		return &githttp.BasicAuth{Username: "git", Password: token}
	}
	return nil
}
