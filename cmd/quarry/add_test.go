// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"testing"

	"github.com/quarry-pm/quarry/pkg/pkgname"
)

func TestDefaultAlias(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pkg  pkgname.Name
		want string
	}{
		{"single word", pkgname.Name{Scope: "acme", Name: "promise"}, "Promise"},
		{"hyphenated", pkgname.Name{Scope: "acme", Name: "cool-lib"}, "CoolLib"},
		{"many parts", pkgname.Name{Scope: "acme", Name: "my-data-store"}, "MyDataStore"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := defaultAlias(tt.pkg); got != tt.want {
				t.Errorf("defaultAlias(%q) = %q, want %q", tt.pkg.Name, got, tt.want)
			}
		})
	}
}

func TestDefaultGitAlias(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		url  string
		want string
	}{
		{"https with suffix", "https://github.com/acme/test-kit.git", "TestKit"},
		{"https without suffix", "https://github.com/acme/signals", "Signals"},
		{"scp style", "git@github.com:acme/cool-lib.git", "CoolLib"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := defaultGitAlias(tt.url); got != tt.want {
				t.Errorf("defaultGitAlias(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}
