package env

import (
	"context"
	"path"
	"slices"
	"sort"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/wippyai/wasix/errors"
)

const binDir = "/bin"

// Uses resolves refs and their transitive dependencies into the sandbox.
//
// Resolution is depth-first over an explicit work stack. A package name
// resolves to one version per call: meeting the same name at the same version
// again is a no-op, at another version a conflict. Each new package has its
// filesystem overlaid onto the root and its commands installed read-only
// under /bin with a descriptor in the command table. The root must be a
// sandbox.
func (e *Env) Uses(ctx context.Context, refs []string) error {
	if len(refs) == 0 {
		return nil
	}
	sb, ok := e.state.Root.Sandbox()
	if !ok {
		return errors.NotSandboxed("add packages")
	}

	stack := slices.Clone(refs)
	seen := make(map[string]string)

	for len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		pkg, err := e.runtime.Package(ctx, ref)
		if err != nil {
			return errors.Fetch(ref, err)
		}

		if have, ok := seen[pkg.Name]; ok {
			if have != pkg.Version {
				return errors.VersionConflict(ref, have, pkg.Version)
			}
			continue
		}
		seen[pkg.Name] = pkg.Version
		stack = append(stack, pkg.Uses...)

		if pkg.FS != nil {
			if err := sb.Union(pkg.FS); err != nil {
				return errors.IO(errors.PhaseResolve, "overlay package "+pkg.Ref(), err)
			}
		}

		if len(pkg.Commands) == 0 {
			continue
		}
		_ = sb.CreateDir(binDir)
		for _, cmd := range pkg.Commands {
			p := path.Join(binDir, cmd.Name)
			if err := sb.InsertReadOnlyFile(p, cmd.Atom); err != nil {
				e.log.Debug("failed to add package command",
					zap.String("package", ref),
					zap.String("command", cmd.Name),
					zap.Error(err))
				continue
			}
			e.bins.Set(p, pkg.WithEntry(cmd.Name))
		}
		e.log.Debug("package added", zap.String("package", pkg.Ref()), zap.Int("commands", len(pkg.Commands)))
	}
	return nil
}

// MapCommands installs host files as read-only commands under /bin. A file
// that cannot be read fails the call; without a sandboxed root the commands
// are skipped.
func (e *Env) MapCommands(commands map[string]string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	host := afero.NewOsFs()
	for _, name := range names {
		target := commands[name]
		data, err := afero.ReadFile(host, target)
		if err != nil {
			return errors.IO(errors.PhaseResolve, "read local binary "+target, err)
		}

		sb, ok := e.state.Root.Sandbox()
		if !ok {
			e.log.Debug("root is not sandboxed, command skipped", zap.String("command", name))
			continue
		}
		_ = sb.CreateDir(binDir)
		if err := sb.InsertReadOnlyFile(path.Join(binDir, name), data); err != nil {
			e.log.Debug("failed to add command", zap.String("command", name), zap.Error(err))
			continue
		}
	}
	return nil
}
