package registry

import (
	"archive/tar"
	"bytes"
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/wippyai/wasix/errors"
)

const dashManifest = `
[package]
name = "dash"
version = "1.0.0"
entry = "dash"

[dependencies]
coreutils = "1.0.0"
libc = "*"

[[command]]
name = "dash"
module = "bin/dash.wasm"

[[command]]
name = "sh"
module = "bin/dash.wasm"

[fs]
"/etc" = "etc"
`

func writePackage(t *testing.T, dir, manifest string, files map[string]string) {
	t.Helper()
	files[ManifestName] = manifest
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writePackage(t, dir, dashManifest, map[string]string{
		"bin/dash.wasm": "\x00asm",
		"etc/profile":   "PS1=$ ",
	})

	pkg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if pkg.Ref() != "dash@1.0.0" {
		t.Errorf("Ref = %q", pkg.Ref())
	}
	if diff := cmp.Diff([]string{"coreutils@1.0.0", "libc"}, pkg.Uses); diff != "" {
		t.Errorf("Uses mismatch (-want +got):\n%s", diff)
	}
	if len(pkg.Commands) != 2 {
		t.Fatalf("commands = %d, want 2", len(pkg.Commands))
	}
	atom, ok := pkg.EntryAtom()
	if !ok || string(atom) != "\x00asm" {
		t.Errorf("EntryAtom = %q, %v", atom, ok)
	}
	data, err := afero.ReadFile(pkg.FS, "/etc/profile")
	if err != nil || string(data) != "PS1=$ " {
		t.Errorf("fs /etc/profile = %q, %v", data, err)
	}
}

func TestLoadDir_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{name: "missing name", manifest: "[package]\nversion = \"1\"\n"},
		{name: "bad toml", manifest: "[package\n"},
		{name: "unknown entry", manifest: "[package]\nname = \"x\"\nentry = \"nope\"\n"},
		{name: "missing module", manifest: "[package]\nname = \"x\"\n[[command]]\nname = \"x\"\nmodule = \"x.wasm\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writePackage(t, dir, tt.manifest, map[string]string{})
			if _, err := LoadDir(dir); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDirSource(t *testing.T) {
	root := t.TempDir()
	writePackage(t, filepath.Join(root, "tool", "1.0.0"), "[package]\nname = \"tool\"\nversion = \"1.0.0\"\n", map[string]string{})
	writePackage(t, filepath.Join(root, "tool", "1.2.0"), "[package]\nname = \"tool\"\nversion = \"1.2.0\"\n", map[string]string{})
	writePackage(t, filepath.Join(root, "flat"), "[package]\nname = \"flat\"\n", map[string]string{})

	src := &DirSource{Root: root}
	ctx := context.Background()

	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "tool@1.0.0", want: "tool@1.0.0"},
		{name: "tool", want: "tool@1.2.0"},
		{name: "flat", want: "flat@0.0.0"},
		{name: "absent", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg, err := src.Fetch(ctx, tt.name, "")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if pkg.Ref() != tt.want {
				t.Errorf("Ref = %q, want %q", pkg.Ref(), tt.want)
			}
		})
	}
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    Ref
		wantErr bool
	}{
		{in: "dash", want: Ref{Name: "dash"}},
		{in: "dash@1.0.0", want: Ref{Name: "dash", Version: "1.0.0"}},
		{in: "sharrattj/dash@1.0.0:latest", want: Ref{Name: "sharrattj/dash", Version: "1.0.0", Tag: "latest"}},
		{in: "dash:edge", want: Ref{Name: "dash", Tag: "edge"}},
		{in: "", wantErr: true},
		{in: "dash@", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRef(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("ParseRef = %+v, want %+v", got, tt.want)
			}
			if got.String() != tt.in {
				t.Errorf("String = %q, want %q", got.String(), tt.in)
			}
		})
	}

	if FetchName("dash@1.0.0:latest") != "dash@1.0.0" {
		t.Error("FetchName should cut at the first colon")
	}
}

func TestPackage_WithEntryShares(t *testing.T) {
	atom := []byte("\x00asm payload")
	pkg := &Package{Name: "p", Version: "1", Commands: []Command{{Name: "a", Atom: atom}, {Name: "b", Atom: atom}}}

	d := pkg.WithEntry("b")
	if d.Entry != "b" || pkg.Entry != "" {
		t.Fatalf("entries = %q, %q", d.Entry, pkg.Entry)
	}
	got, _ := d.EntryAtom()
	if &got[0] != &atom[0] {
		t.Error("descriptor copied the atom")
	}
	if pkg.Hash() == d.Hash() {
		t.Error("entry should be part of the hash")
	}
	if pkg.Hash() != pkg.Hash() {
		t.Error("hash not stable")
	}
}

func TestHTTPSource(t *testing.T) {
	pkgDir := t.TempDir()
	writePackage(t, pkgDir, dashManifest, map[string]string{
		"bin/dash.wasm": "\x00asm",
		"etc/profile":   "PS1=$ ",
	})
	var archive bytes.Buffer
	if err := WriteArchive(&archive, pkgDir); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}

	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path != "/packages/dash/1.0.0.tar.zst" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(archive.Bytes())
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL)
	pkg, err := src.Fetch(context.Background(), "dash@1.0.0", t.TempDir())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if pkg.Ref() != "dash@1.0.0" || len(pkg.Commands) != 2 {
		t.Errorf("package = %s with %d commands", pkg.Ref(), len(pkg.Commands))
	}

	_, err = src.Fetch(context.Background(), "other", t.TempDir())
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseResolve, Kind: errors.KindFetch}) {
		t.Errorf("Fetch(other) = %v, want fetch error", err)
	}
	if len(paths) != 2 || paths[1] != "/packages/other/latest.tar.zst" {
		t.Errorf("requested paths = %v", paths)
	}
}

func TestExtractArchive_RejectsEscape(t *testing.T) {
	var buf bytes.Buffer
	zw, _ := zstd.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	_ = tw.WriteHeader(&tar.Header{Name: "../evil", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg})
	_, _ = tw.Write([]byte("x"))
	_ = tw.Close()
	_ = zw.Close()

	err := ExtractArchive(&buf, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Errorf("ExtractArchive = %v, want escape error", err)
	}
}

func TestSortVersions(t *testing.T) {
	vs := []string{"1.10.0", "1.2.0", "nightly", "1.9", "0.1.0"}
	sortVersions(vs)
	want := []string{"nightly", "0.1.0", "1.2.0", "1.9", "1.10.0"}
	if diff := cmp.Diff(want, vs); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	v, ok := ParseVersion("1.2")
	if !ok || v.String() != "1.2.0" {
		t.Errorf("ParseVersion(1.2) = %v, %v", v, ok)
	}
	if !v.Compatible(Version{Major: 1, Minor: 1}) || v.Compatible(Version{Major: 2}) {
		t.Error("compatibility check wrong")
	}
}

func TestPackage_HashCoversFS(t *testing.T) {
	withFile := func(body string) *Package {
		fsys := afero.NewMemMapFs()
		_ = afero.WriteFile(fsys, "/etc/profile", []byte(body), 0o644)
		return &Package{Name: "dash", Version: "1.0.0", FS: fsys}
	}

	a, b, c := withFile("PS1=$ "), withFile("PS1=$ "), withFile("PS1=# ")
	if a.Hash() != b.Hash() {
		t.Error("identical content hashed differently")
	}
	if a.Hash() == c.Hash() {
		t.Error("changed bundled file did not change the hash")
	}
	if a.Hash() == (&Package{Name: "dash", Version: "1.0.0"}).Hash() {
		t.Error("package without filesystem hashed like one with content")
	}

	d := withFile("PS1=$ ")
	_ = afero.WriteFile(d.FS, "/etc/motd", nil, 0o644)
	if d.Hash() == a.Hash() {
		t.Error("added empty file did not change the hash")
	}
}
