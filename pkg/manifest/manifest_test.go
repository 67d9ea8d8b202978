// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quarry-pm/quarry/pkg/pkgname"
)

const fullManifest = `
[package]
name = "Acme/My-Game"
version = "0.1.0"
realm = "shared"
registry = "https://registry.example.com"
description = "example project"

[dependencies]
Foo = "acme/foo@^1.2.0"
Bar = "acme/bar@~2.0.0"

[server-dependencies]
Secrets = "acme/secrets@^1.0.0"

[dev-dependencies]
TestKit = { git = "https://github.com/acme/testkit.git", rev = "v0.3.0" }
`

func TestParse(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(fullManifest))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if got := m.Package.Name.String(); got != "acme/my-game" {
		t.Errorf("package name = %q, want acme/my-game", got)
	}
	if m.Package.Realm != pkgname.RealmShared {
		t.Errorf("package realm = %v, want shared", m.Package.Realm)
	}

	foo, ok := m.Dependencies["Foo"]
	if !ok {
		t.Fatal("missing dependency Foo")
	}
	if foo.Name.String() != "acme/foo" || foo.Constraint != "^1.2.0" {
		t.Errorf("Foo = %v @ %q", foo.Name, foo.Constraint)
	}

	kit, ok := m.DevDependencies["TestKit"]
	if !ok {
		t.Fatal("missing dev dependency TestKit")
	}
	if kit.Git == nil || kit.Git.URL != "https://github.com/acme/testkit.git" || kit.Git.Rev != "v0.3.0" {
		t.Errorf("TestKit git source = %+v", kit.Git)
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{
			name: "malformed range",
			input: `
[package]
name = "acme/app"

[dependencies]
Foo = "acme/foo@banana"
`,
		},
		{
			name: "missing range",
			input: `
[package]
name = "acme/app"

[dependencies]
Foo = "acme/foo"
`,
		},
		{
			name: "duplicate package in realm",
			input: `
[package]
name = "acme/app"

[dependencies]
Foo = "acme/foo@^1.0.0"
AlsoFoo = "acme/foo@^1.2.0"
`,
		},
		{
			name: "git table without rev",
			input: `
[package]
name = "acme/app"

[dependencies]
Kit = { git = "https://github.com/acme/kit.git" }
`,
		},
		{
			name: "invalid package name",
			input: `
[package]
name = "not-scoped"
`,
		},
		{
			name: "invalid realm",
			input: `
[package]
name = "acme/app"
realm = "client"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(tt.input))
			if err == nil {
				t.Fatal("Parse() succeeded, want error")
			}
			if !errors.Is(err, ErrManifest) {
				t.Errorf("Parse() error = %v, want ErrManifest", err)
			}
		})
	}
}

func TestSamePackageAcrossRealmsAllowed(t *testing.T) {
	t.Parallel()

	input := `
[package]
name = "acme/app"

[dependencies]
Foo = "acme/foo@^1.0.0"

[dev-dependencies]
Foo = "acme/foo@^2.0.0"
`
	if _, err := Parse([]byte(input)); err != nil {
		t.Fatalf("Parse() error = %v, same package in different realms should be allowed", err)
	}
}

func TestRequirementsOrdering(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(fullManifest))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	reqs := m.Requirements()
	var got []string
	for _, r := range reqs {
		got = append(got, string(r.Realm)+":"+r.Alias)
	}

	want := []string{"shared:Bar", "shared:Foo", "server:Secrets", "dev:TestKit"}
	if len(got) != len(want) {
		t.Fatalf("Requirements() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Requirements()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(fullManifest))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, Filename)
	if err := m.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if reloaded.Package.Name != m.Package.Name {
		t.Errorf("round-trip package name = %v, want %v", reloaded.Package.Name, m.Package.Name)
	}
	if len(reloaded.Dependencies) != len(m.Dependencies) {
		t.Errorf("round-trip dependencies = %d entries, want %d", len(reloaded.Dependencies), len(m.Dependencies))
	}
	kit := reloaded.DevDependencies["TestKit"]
	if kit.Git == nil || kit.Git.Rev != "v0.3.0" {
		t.Errorf("round-trip TestKit = %+v", kit)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after Save")
	}
}

func TestAddRemoveDependency(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(fullManifest))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	dep, err := ParseSpec("acme/new@^0.1.0")
	if err != nil {
		t.Fatalf("ParseSpec() error = %v", err)
	}
	m.AddDependency(pkgname.RealmServer, "New", dep)

	if _, ok := m.ServerDependencies["New"]; !ok {
		t.Error("AddDependency did not add entry")
	}
	if !m.RemoveDependency(pkgname.RealmServer, "New") {
		t.Error("RemoveDependency reported missing entry")
	}
	if m.RemoveDependency(pkgname.RealmServer, "New") {
		t.Error("RemoveDependency on absent entry reported success")
	}
}

func TestLoadFromDirMissing(t *testing.T) {
	t.Parallel()

	_, err := LoadFromDir(t.TempDir())
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadFromDir() error = %v, want os.ErrNotExist", err)
	}
}

func TestRequirementString(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(fullManifest))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	for _, r := range m.Requirements() {
		if r.Alias == "TestKit" {
			if !strings.Contains(r.String(), "git =") {
				t.Errorf("git requirement String() = %q", r.String())
			}
		}
	}
}
