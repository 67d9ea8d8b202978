// SPDX-License-Identifier: MPL-2.0

// Package semver implements semantic version parsing, ordering and
// constraint matching for package resolution. Constraints support the
// operators =, ^, ~, >, >=, < and <=, and space-separated conjunctions
// such as ">=1.0.0 <2.0.0".
package semver

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrInvalidVersion is the sentinel error wrapped by InvalidVersionError.
	ErrInvalidVersion = errors.New("invalid semantic version")
	// ErrInvalidConstraint is the sentinel error wrapped by InvalidConstraintError.
	ErrInvalidConstraint = errors.New("invalid version constraint")
	// ErrNoMatch is returned by Resolve when no available version satisfies
	// the constraint.
	ErrNoMatch = errors.New("no matching version")
)

type (
	// Version is a parsed semantic version. Build metadata is retained for
	// display but ignored when ordering, per semantic-versioning precedence.
	Version struct {
		Major      int
		Minor      int
		Patch      int
		Prerelease string
		Build      string
		Original   string
	}

	// Constraint is a conjunction of simple comparisons; a version matches
	// the constraint when it matches every part.
	Constraint struct {
		Parts    []ConstraintPart
		Original string
	}

	// ConstraintPart is a single operator/version comparison.
	ConstraintPart struct {
		Op      string
		Version *Version
	}

	// InvalidVersionError reports a string that failed version parsing.
	InvalidVersionError struct {
		Value string
	}

	// InvalidConstraintError reports a string that failed constraint parsing.
	InvalidConstraintError struct {
		Value string
	}
)

// Error implements the error interface.
func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid semantic version %q", e.Value)
}

// Unwrap returns ErrInvalidVersion so callers can use errors.Is.
func (e *InvalidVersionError) Unwrap() error { return ErrInvalidVersion }

// Error implements the error interface.
func (e *InvalidConstraintError) Error() string {
	return fmt.Sprintf("invalid version constraint %q", e.Value)
}

// Unwrap returns ErrInvalidConstraint so callers can use errors.Is.
func (e *InvalidConstraintError) Unwrap() error { return ErrInvalidConstraint }

// versionRegex matches semantic version strings, with an optional leading "v".
var versionRegex = regexp.MustCompile(`^v?(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:-([0-9A-Za-z\-\.]+))?(?:\+([0-9A-Za-z\-\.]+))?$`)

// constraintRegex matches a single constraint part.
var constraintRegex = regexp.MustCompile(`^([~^]|>=|<=|>|<|=)?\s*(v?\d+(?:\.\d+)?(?:\.\d+)?(?:-[0-9A-Za-z\-\.]+)?(?:\+[0-9A-Za-z\-\.]+)?)$`)

// Parse parses a version string into a Version.
func Parse(s string) (*Version, error) {
	matches := versionRegex.FindStringSubmatch(strings.TrimSpace(s))
	if matches == nil {
		return nil, &InvalidVersionError{Value: s}
	}

	v := &Version{Original: strings.TrimSpace(s)}

	var err error
	v.Major, err = strconv.Atoi(matches[1])
	if err != nil {
		return nil, &InvalidVersionError{Value: s}
	}
	if matches[2] != "" {
		if v.Minor, err = strconv.Atoi(matches[2]); err != nil {
			return nil, &InvalidVersionError{Value: s}
		}
	}
	if matches[3] != "" {
		if v.Patch, err = strconv.Atoi(matches[3]); err != nil {
			return nil, &InvalidVersionError{Value: s}
		}
	}
	v.Prerelease = matches[4]
	v.Build = matches[5]

	return v, nil
}

// MustParse parses a version string and panics on failure. Intended for
// tests and compile-time constants.
func MustParse(s string) *Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the original version string.
func (v *Version) String() string { return v.Original }

// Canonical returns the normalized "major.minor.patch[-pre][+build]" form,
// independent of how the version was written (leading "v", omitted parts).
func (v *Version) Canonical() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

// Compare returns -1 if v < other, 0 if equal, 1 if v > other, following
// semantic-versioning precedence. Build metadata does not participate.
func (v *Version) Compare(other *Version) int {
	if c := compareInt(v.Major, other.Major); c != 0 {
		return c
	}
	if c := compareInt(v.Minor, other.Minor); c != 0 {
		return c
	}
	if c := compareInt(v.Patch, other.Patch); c != 0 {
		return c
	}
	return comparePrerelease(v.Prerelease, other.Prerelease)
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// comparePrerelease implements the dot-separated identifier rules: a release
// outranks any prerelease; numeric identifiers compare numerically and rank
// below alphanumeric ones; a longer identifier list wins a tie.
func comparePrerelease(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return 1
	}
	if b == "" {
		return -1
	}

	aParts := strings.Split(a, ".")
	bParts := strings.Split(b, ".")
	for i := 0; i < len(aParts) && i < len(bParts); i++ {
		if aParts[i] == bParts[i] {
			continue
		}
		aNum, aIsNum := parseNumericIdentifier(aParts[i])
		bNum, bIsNum := parseNumericIdentifier(bParts[i])
		switch {
		case aIsNum && bIsNum:
			return compareInt(aNum, bNum)
		case aIsNum:
			return -1
		case bIsNum:
			return 1
		case aParts[i] < bParts[i]:
			return -1
		default:
			return 1
		}
	}
	return compareInt(len(aParts), len(bParts))
}

func parseNumericIdentifier(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseConstraint parses a constraint string. Multiple space-separated
// parts form a conjunction.
func ParseConstraint(s string) (*Constraint, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, &InvalidConstraintError{Value: s}
	}

	c := &Constraint{Original: trimmed}
	for _, field := range strings.Fields(trimmed) {
		matches := constraintRegex.FindStringSubmatch(field)
		if matches == nil {
			return nil, &InvalidConstraintError{Value: s}
		}

		op := matches[1]
		if op == "" {
			op = "="
		}
		version, err := Parse(matches[2])
		if err != nil {
			return nil, &InvalidConstraintError{Value: s}
		}
		c.Parts = append(c.Parts, ConstraintPart{Op: op, Version: version})
	}

	return c, nil
}

// String returns the original constraint string.
func (c *Constraint) String() string { return c.Original }

// Matches reports whether v satisfies every part of the constraint.
// A pre-release version additionally requires that some part names a
// pre-release of the same major.minor.patch; a plain range such as
// ">=1.0.0 <2.0.0" never admits "2.0.0-rc.1".
func (c *Constraint) Matches(v *Version) bool {
	for _, part := range c.Parts {
		if !part.matches(v) {
			return false
		}
	}
	if v.Prerelease != "" && !c.admitsPrerelease(v) {
		return false
	}
	return true
}

func (c *Constraint) admitsPrerelease(v *Version) bool {
	for _, part := range c.Parts {
		if part.Version.Prerelease == "" {
			continue
		}
		if part.Version.Major == v.Major && part.Version.Minor == v.Minor && part.Version.Patch == v.Patch {
			return true
		}
	}
	return false
}

func (p ConstraintPart) matches(v *Version) bool {
	switch p.Op {
	case "=":
		return v.Compare(p.Version) == 0

	case "^":
		// Caret: changes that do not modify the left-most non-zero digit.
		// ^1.2.3 := >=1.2.3 <2.0.0
		// ^0.2.3 := >=0.2.3 <0.3.0
		// ^0.0.3 := >=0.0.3 <0.0.4
		if v.Compare(p.Version) < 0 {
			return false
		}
		if p.Version.Major != 0 {
			return v.Major == p.Version.Major
		}
		if p.Version.Minor != 0 {
			return v.Major == 0 && v.Minor == p.Version.Minor
		}
		return v.Major == 0 && v.Minor == 0 && v.Patch == p.Version.Patch

	case "~":
		// Tilde: patch-level changes only.
		if v.Compare(p.Version) < 0 {
			return false
		}
		return v.Major == p.Version.Major && v.Minor == p.Version.Minor

	case ">":
		return v.Compare(p.Version) > 0
	case ">=":
		return v.Compare(p.Version) >= 0
	case "<":
		return v.Compare(p.Version) < 0
	case "<=":
		return v.Compare(p.Version) <= 0
	default:
		return false
	}
}

// Resolve returns the highest version string among available that satisfies
// the constraint. Invalid version strings in available are skipped.
func Resolve(constraint string, available []string) (string, error) {
	c, err := ParseConstraint(constraint)
	if err != nil {
		return "", err
	}

	var matching []*Version
	for _, s := range available {
		v, err := Parse(s)
		if err != nil {
			continue
		}
		if c.Matches(v) {
			matching = append(matching, v)
		}
	}

	if len(matching) == 0 {
		return "", fmt.Errorf("%w: constraint %q (available: %v)", ErrNoMatch, constraint, available)
	}

	sort.Slice(matching, func(i, j int) bool {
		return matching[i].Compare(matching[j]) > 0
	})
	return matching[0].Original, nil
}

// IsValid reports whether s parses as a semantic version.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// IsValidConstraint reports whether s parses as a constraint.
func IsValidConstraint(s string) bool {
	_, err := ParseConstraint(s)
	return err == nil
}

// SortDescending sorts version strings newest-first, dropping any that do
// not parse.
func SortDescending(versions []string) []string {
	var parsed []*Version
	for _, s := range versions {
		v, err := Parse(s)
		if err != nil {
			continue
		}
		parsed = append(parsed, v)
	}

	sort.Slice(parsed, func(i, j int) bool {
		return parsed[i].Compare(parsed[j]) > 0
	})

	result := make([]string, len(parsed))
	for i, v := range parsed {
		result[i] = v.Original
	}
	return result
}

// Filter returns the subset of versions satisfying the constraint, in the
// order given.
func Filter(constraint string, versions []string) ([]string, error) {
	c, err := ParseConstraint(constraint)
	if err != nil {
		return nil, err
	}

	var matching []string
	for _, s := range versions {
		v, err := Parse(s)
		if err != nil {
			continue
		}
		if c.Matches(v) {
			matching = append(matching, s)
		}
	}
	return matching, nil
}
