// SPDX-License-Identifier: MPL-2.0

// Package manifest models the quarry.toml project manifest: package
// identity plus per-realm dependency declarations. The manifest is
// user-authored and read-only to the resolution core.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/quarry-pm/quarry/pkg/pkgname"
	"github.com/quarry-pm/quarry/pkg/semver"
)

// Filename is the manifest file name at a project or package root.
const Filename = "quarry.toml"

// ErrManifest is the sentinel error wrapped by Error.
var ErrManifest = errors.New("invalid manifest")

type (
	// Manifest is a parsed quarry.toml.
	Manifest struct {
		Package            Package
		Dependencies       map[string]Dependency
		ServerDependencies map[string]Dependency
		DevDependencies    map[string]Dependency
	}

	// Package is the [package] section.
	Package struct {
		Name        pkgname.Name
		Version     string
		Realm       pkgname.Realm
		Registry    string
		Description string
		License     string
		Authors     []string
	}

	// Dependency is one entry in a dependency section: either a registry
	// spec ("scope/name@^1.2.0") or a git source table.
	Dependency struct {
		Name       pkgname.Name
		Constraint string
		Git        *GitSource
	}

	// GitSource pins a dependency to a version-control reference.
	GitSource struct {
		URL string
		Rev string
	}

	// Requirement is a dependency declaration tagged with the realm it was
	// declared under and the alias it installs as.
	Requirement struct {
		Alias      string
		Name       pkgname.Name
		Constraint string
		Realm      pkgname.Realm
		Git        *GitSource
	}

	// Error reports a structural manifest problem. Manifest errors are
	// fatal and surfaced before resolution starts.
	Error struct {
		Reason string
	}

	// rawManifest mirrors the TOML layout; dependency values stay untyped
	// because an entry is either a string or an inline git table.
	rawManifest struct {
		Package            rawPackage     `toml:"package"`
		Dependencies       map[string]any `toml:"dependencies"`
		ServerDependencies map[string]any `toml:"server-dependencies"`
		DevDependencies    map[string]any `toml:"dev-dependencies"`
	}

	rawPackage struct {
		Name        string   `toml:"name"`
		Version     string   `toml:"version"`
		Realm       string   `toml:"realm"`
		Registry    string   `toml:"registry,omitempty"`
		Description string   `toml:"description,omitempty"`
		License     string   `toml:"license,omitempty"`
		Authors     []string `toml:"authors,omitempty"`
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	return "invalid manifest: " + e.Reason
}

// Unwrap returns ErrManifest so callers can use errors.Is.
func (e *Error) Unwrap() error { return ErrManifest }

// Key identifies the requirement target for dedup and lock comparison:
// the package name for registry requirements, "git+<url>" for git ones.
func (r Requirement) Key() string {
	if r.Git != nil {
		return "git+" + r.Git.URL
	}
	return r.Name.String()
}

// String renders the requirement the way it is written in a manifest.
func (r Requirement) String() string {
	if r.Git != nil {
		return fmt.Sprintf("%s = { git = %q, rev = %q }", r.Alias, r.Git.URL, r.Git.Rev)
	}
	return fmt.Sprintf("%s = %q", r.Alias, r.Name.String()+"@"+r.Constraint)
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// LoadFromDir reads the manifest in dir, if any. A missing manifest is
// reported via os.ErrNotExist.
func LoadFromDir(dir string) (*Manifest, error) {
	return Load(filepath.Join(dir, Filename))
}

// Parse parses manifest bytes and validates structural rules.
func Parse(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Reason: err.Error()}
	}

	m := &Manifest{}

	name, err := pkgname.Parse(raw.Package.Name)
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("package.name: %v", err)}
	}
	m.Package.Name = name

	if raw.Package.Version != "" && !semver.IsValid(raw.Package.Version) {
		return nil, &Error{Reason: fmt.Sprintf("package.version %q is not a semantic version", raw.Package.Version)}
	}
	m.Package.Version = raw.Package.Version

	realm := raw.Package.Realm
	if realm == "" {
		realm = string(pkgname.RealmShared)
	}
	m.Package.Realm, err = pkgname.ParseRealm(realm)
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("package.realm: %v", err)}
	}

	m.Package.Registry = raw.Package.Registry
	m.Package.Description = raw.Package.Description
	m.Package.License = raw.Package.License
	m.Package.Authors = raw.Package.Authors

	if m.Dependencies, err = parseSection("dependencies", raw.Dependencies); err != nil {
		return nil, err
	}
	if m.ServerDependencies, err = parseSection("server-dependencies", raw.ServerDependencies); err != nil {
		return nil, err
	}
	if m.DevDependencies, err = parseSection("dev-dependencies", raw.DevDependencies); err != nil {
		return nil, err
	}

	if err := m.checkDuplicates(); err != nil {
		return nil, err
	}

	return m, nil
}

// parseSection converts one dependency table. Values are either a spec
// string or a {git, rev} table.
func parseSection(section string, raw map[string]any) (map[string]Dependency, error) {
	deps := make(map[string]Dependency, len(raw))
	for alias, value := range raw {
		switch v := value.(type) {
		case string:
			dep, err := ParseSpec(v)
			if err != nil {
				return nil, &Error{Reason: fmt.Sprintf("%s.%s: %v", section, alias, err)}
			}
			deps[alias] = dep

		case map[string]any:
			url, _ := v["git"].(string)
			rev, _ := v["rev"].(string)
			if url == "" {
				return nil, &Error{Reason: fmt.Sprintf("%s.%s: git table requires a git URL", section, alias)}
			}
			if rev == "" {
				return nil, &Error{Reason: fmt.Sprintf("%s.%s: git table requires a rev", section, alias)}
			}
			deps[alias] = Dependency{Git: &GitSource{URL: url, Rev: rev}}

		default:
			return nil, &Error{Reason: fmt.Sprintf("%s.%s: expected a spec string or git table", section, alias)}
		}
	}
	return deps, nil
}

// ParseSpec parses a registry dependency spec "scope/name@range".
func ParseSpec(spec string) (Dependency, error) {
	nameStr, constraint, found := strings.Cut(spec, "@")
	if !found || constraint == "" {
		return Dependency{}, fmt.Errorf("spec %q must be scope/name@versionRange", spec)
	}

	name, err := pkgname.Parse(nameStr)
	if err != nil {
		return Dependency{}, err
	}
	if !semver.IsValidConstraint(constraint) {
		return Dependency{}, fmt.Errorf("spec %q has a malformed version range: %w", spec, semver.ErrInvalidConstraint)
	}

	return Dependency{Name: name, Constraint: constraint}, nil
}

// checkDuplicates rejects two requirements for the same package within one
// realm, regardless of alias.
func (m *Manifest) checkDuplicates() error {
	for _, realm := range pkgname.Realms() {
		seen := make(map[string]string)
		for _, req := range m.requirementsFor(realm) {
			key := req.Key()
			if prev, ok := seen[key]; ok {
				return &Error{Reason: fmt.Sprintf(
					"duplicate requirement for %s in realm %s (aliases %q and %q)",
					key, realm, prev, req.Alias)}
			}
			seen[key] = req.Alias
		}
	}
	return nil
}

// Requirements returns every declared requirement in deterministic order:
// shared, then server, then dev, each sorted by alias.
func (m *Manifest) Requirements() []Requirement {
	var reqs []Requirement
	for _, realm := range pkgname.Realms() {
		reqs = append(reqs, m.requirementsFor(realm)...)
	}
	return reqs
}

func (m *Manifest) requirementsFor(realm pkgname.Realm) []Requirement {
	var section map[string]Dependency
	switch realm {
	case pkgname.RealmServer:
		section = m.ServerDependencies
	case pkgname.RealmDev:
		section = m.DevDependencies
	default:
		section = m.Dependencies
	}

	aliases := make([]string, 0, len(section))
	for alias := range section {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	reqs := make([]Requirement, 0, len(aliases))
	for _, alias := range aliases {
		dep := section[alias]
		reqs = append(reqs, Requirement{
			Alias:      alias,
			Name:       dep.Name,
			Constraint: dep.Constraint,
			Realm:      realm,
			Git:        dep.Git,
		})
	}
	return reqs
}

// AddDependency records a new dependency under the given realm, replacing
// any existing entry with the same alias.
func (m *Manifest) AddDependency(realm pkgname.Realm, alias string, dep Dependency) {
	section := m.sectionFor(realm)
	section[alias] = dep
}

// RemoveDependency deletes the aliased entry from the realm's section and
// reports whether it existed.
func (m *Manifest) RemoveDependency(realm pkgname.Realm, alias string) bool {
	section := m.sectionFor(realm)
	if _, ok := section[alias]; !ok {
		return false
	}
	delete(section, alias)
	return true
}

func (m *Manifest) sectionFor(realm pkgname.Realm) map[string]Dependency {
	switch realm {
	case pkgname.RealmServer:
		if m.ServerDependencies == nil {
			m.ServerDependencies = make(map[string]Dependency)
		}
		return m.ServerDependencies
	case pkgname.RealmDev:
		if m.DevDependencies == nil {
			m.DevDependencies = make(map[string]Dependency)
		}
		return m.DevDependencies
	default:
		if m.Dependencies == nil {
			m.Dependencies = make(map[string]Dependency)
		}
		return m.Dependencies
	}
}

// Save writes the manifest to path atomically (temp file + rename).
func (m *Manifest) Save(path string) error {
	raw := rawManifest{
		Package: rawPackage{
			Name:        m.Package.Name.String(),
			Version:     m.Package.Version,
			Realm:       m.Package.Realm.String(),
			Registry:    m.Package.Registry,
			Description: m.Package.Description,
			License:     m.Package.License,
			Authors:     m.Package.Authors,
		},
		Dependencies:       encodeSection(m.Dependencies),
		ServerDependencies: encodeSection(m.ServerDependencies),
		DevDependencies:    encodeSection(m.DevDependencies),
	}

	data, err := toml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath) // Best-effort cleanup of temp file
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	return nil
}

func encodeSection(deps map[string]Dependency) map[string]any {
	if len(deps) == 0 {
		return nil
	}
	out := make(map[string]any, len(deps))
	for alias, dep := range deps {
		if dep.Git != nil {
			out[alias] = map[string]string{"git": dep.Git.URL, "rev": dep.Git.Rev}
			continue
		}
		out[alias] = dep.Name.String() + "@" + dep.Constraint
	}
	return out
}
