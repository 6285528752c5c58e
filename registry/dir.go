package registry

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/wippyai/wasix/errors"
)

// ManifestName is the file name of a package manifest.
const ManifestName = "package.toml"

type manifest struct {
	Package struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
		Entry   string `toml:"entry"`
	} `toml:"package"`
	Dependencies map[string]string `toml:"dependencies"`
	Command      []struct {
		Name   string `toml:"name"`
		Module string `toml:"module"`
	} `toml:"command"`
	FS map[string]string `toml:"fs"`
}

// LoadDir loads the package rooted at dir.
func LoadDir(dir string) (*Package, error) {
	var m manifest
	meta, err := toml.DecodeFile(filepath.Join(dir, ManifestName), &m)
	if err != nil {
		return nil, errors.InvalidData(errors.PhaseResolve, fmt.Sprintf("manifest %s", dir), err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		Logger().Debug("manifest has unknown keys",
			zap.String("dir", dir),
			zap.Stringer("first", undecoded[0]))
	}

	name := strings.TrimSpace(m.Package.Name)
	if name == "" {
		return nil, errors.InvalidData(errors.PhaseResolve, fmt.Sprintf("manifest %s: missing package name", dir), nil)
	}
	version := strings.TrimSpace(m.Package.Version)
	if version == "" {
		version = "0.0.0"
	}

	pkg := &Package{
		Name:    name,
		Version: version,
		Entry:   strings.TrimSpace(m.Package.Entry),
	}

	deps := make([]string, 0, len(m.Dependencies))
	for dep := range m.Dependencies {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	for _, dep := range deps {
		if v := strings.TrimSpace(m.Dependencies[dep]); v != "" && v != "*" {
			pkg.Uses = append(pkg.Uses, dep+"@"+v)
		} else {
			pkg.Uses = append(pkg.Uses, dep)
		}
	}

	for _, c := range m.Command {
		if c.Name == "" || c.Module == "" {
			return nil, errors.InvalidData(errors.PhaseResolve, fmt.Sprintf("manifest %s: command needs name and module", dir), nil)
		}
		atom, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(c.Module)))
		if err != nil {
			return nil, errors.IO(errors.PhaseResolve, fmt.Sprintf("read command %s", c.Name), err)
		}
		pkg.Commands = append(pkg.Commands, Command{Name: c.Name, Atom: atom})
	}
	if pkg.Entry != "" {
		if _, ok := pkg.Command(pkg.Entry); !ok {
			return nil, errors.InvalidData(errors.PhaseResolve, fmt.Sprintf("manifest %s: entry %q is not a command", dir, pkg.Entry), nil)
		}
	}

	if len(m.FS) > 0 {
		pkg.FS = afero.NewMemMapFs()
		host := afero.NewBasePathFs(afero.NewOsFs(), dir)
		for guest, rel := range m.FS {
			if err := copyTree(pkg.FS, path.Clean("/"+guest), host, path.Clean("/"+filepath.ToSlash(rel))); err != nil {
				return nil, errors.IO(errors.PhaseResolve, fmt.Sprintf("load fs %s", guest), err)
			}
		}
	}
	pkg.Hash()
	return pkg, nil
}

func copyTree(dst afero.Fs, dstRoot string, src afero.Fs, srcRoot string) error {
	return afero.Walk(src, srcRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(filepath.ToSlash(p), srcRoot)
		target := path.Join(dstRoot, rel)
		if info.IsDir() {
			return dst.MkdirAll(target, 0o755)
		}
		data, err := afero.ReadFile(src, p)
		if err != nil {
			return err
		}
		return afero.WriteFile(dst, target, data, info.Mode().Perm())
	})
}

// DirSource serves packages from a local tree laid out as
// <root>/<name>/<version>/package.toml, or <root>/<name>/package.toml for
// unversioned packages.
type DirSource struct {
	Root string
}

// Fetch implements Source. Without a version the highest version directory wins.
func (s *DirSource) Fetch(_ context.Context, name, _ string) (*Package, error) {
	ref, err := ParseRef(name)
	if err != nil {
		return nil, errors.InvalidInput(errors.PhaseResolve, err.Error())
	}
	base := filepath.Join(s.Root, filepath.FromSlash(ref.Name))

	if ref.Version != "" {
		return LoadDir(filepath.Join(base, ref.Version))
	}
	if _, err := os.Stat(filepath.Join(base, ManifestName)); err == nil {
		return LoadDir(base)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, errors.NotFound(errors.PhaseResolve, "package", ref.Name)
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	if len(versions) == 0 {
		return nil, errors.NotFound(errors.PhaseResolve, "package", ref.Name)
	}
	sortVersions(versions)
	return LoadDir(filepath.Join(base, versions[len(versions)-1]))
}
