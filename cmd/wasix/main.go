package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasix"
	"github.com/wippyai/wasix/cache"
	"github.com/wippyai/wasix/config"
	"github.com/wippyai/wasix/engine"
	"github.com/wippyai/wasix/env"
	"github.com/wippyai/wasix/registry"
	"github.com/wippyai/wasix/task"
)

type options struct {
	configPath  string
	wasmFile    string
	pkg         string
	uses        string
	maps        string
	envVars     string
	purge       bool
	interactive bool
	allowAll    bool
	args        []string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "Path to wasix.toml")
	flag.StringVar(&o.wasmFile, "wasm", "", "Path to a wasm module to run")
	flag.StringVar(&o.pkg, "package", "", "Package to run (name[@version][:command])")
	flag.StringVar(&o.uses, "uses", "", "Extra packages to install (comma-separated)")
	flag.StringVar(&o.maps, "map", "", "Host files to install as commands (name=path,...)")
	flag.StringVar(&o.envVars, "env", "", "Environment variables (KEY=VAL,KEY2=VAL2)")
	flag.BoolVar(&o.purge, "cache-purge", false, "Remove cached compiled modules and exit")
	flag.BoolVar(&o.interactive, "i", false, "Pick a package command interactively")
	flag.BoolVar(&o.allowAll, "insecure-allow-all", false, "Let the guest signal other processes")
	flag.Parse()
	o.args = flag.Args()

	code, err := run(o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(int(code))
}

func run(o options) (uint32, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return 1, err
		}
	}

	log, err := cfg.Log.BuildLogger()
	if err != nil {
		return 1, fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	setLoggers(log)

	if o.purge {
		return 0, purge(cfg, log)
	}
	if o.wasmFile == "" && o.pkg == "" {
		fmt.Fprintln(os.Stderr, "Usage: wasix -wasm <file.wasm> [-uses pkg,...] [-- args...]")
		fmt.Fprintln(os.Stderr, "       wasix -package <name[@version][:command]> [-- args...]")
		fmt.Fprintln(os.Stderr, "       wasix -package <name> -i  (pick a command)")
		fmt.Fprintln(os.Stderr, "       wasix -cache-purge")
		return 2, nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, closeRT, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return 1, err
	}
	defer closeRT()

	ref := o.pkg
	if o.interactive {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return 1, fmt.Errorf("interactive mode needs a terminal")
		}
		picked, args, err := pickCommand(ctx, rt, o.pkg)
		if err != nil {
			return 1, err
		}
		if picked == "" {
			return 0, nil
		}
		ref = registry.FetchName(o.pkg) + ":" + picked
		o.args = append(args, o.args...)
	}

	spawn := env.SpawnConfig{
		Env:          parseEnv(o.envVars),
		Stdin:        os.Stdin,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
		Uses:         splitList(o.uses),
		MapCommands:  parseMap(o.maps),
		Capabilities: env.Capabilities{InsecureAllowAll: o.allowAll},
	}

	var s *env.Spawned
	if o.wasmFile != "" {
		wasm, err := os.ReadFile(o.wasmFile)
		if err != nil {
			return 1, fmt.Errorf("read module: %w", err)
		}
		spawn.Wasm = wasm
		spawn.Args = append([]string{o.wasmFile}, o.args...)
		s, err = rt.Spawn(ctx, spawn)
		if err != nil {
			return 1, err
		}
	} else {
		if len(o.args) > 0 {
			spawn.Args = append([]string{commandName(ref)}, o.args...)
		}
		s, err = rt.SpawnCommand(ctx, ref, spawn)
		if err != nil {
			return 1, err
		}
	}

	return wait(ctx, s, log)
}

// interruptGrace is how long a guest with a signal handler may take to exit
// after a host interrupt.
const interruptGrace = 5 * time.Second

// wait forwards a host interrupt to the guest as SIGINT and waits for it to exit.
func wait(ctx context.Context, s *env.Spawned, log *zap.Logger) (uint32, error) {
	select {
	case <-s.Done():
	case <-ctx.Done():
		log.Debug("forwarding interrupt", zap.Uint32("pid", uint32(s.Env().PID())))
		s.Interrupt(task.SIGINT, interruptGrace)
	}
	return s.Wait(context.Background())
}

func newRuntime(ctx context.Context, cfg config.Config, log *zap.Logger) (*env.Runtime, func(), error) {
	eng, err := engine.NewWazeroEngine(ctx, cfg.EngineOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("create engine: %w", err)
	}

	clock := wasix.MonotonicClock()
	rt, err := env.NewRuntime(env.RuntimeConfig{
		Engine:       eng,
		ControlPlane: task.NewControlPlane(cfg.ControlPlaneOptions()),
		ModuleCache:  cache.NewModuleCache(cfg.Cache.CompiledDir, cfg.Cache.Shared),
		PackageCache: cache.NewPackageCache(cfg.Cache.WebcDir, clock, cache.WithTTL(cfg.Cache.PackageTTL.Duration)),
		Source:       source(cfg),
		Clock:        clock,
		Logger:       log,
	})
	if err != nil {
		_ = eng.Close(ctx)
		return nil, nil, err
	}
	return rt, func() { _ = eng.Close(context.Background()) }, nil
}

func source(cfg config.Config) registry.Source {
	switch {
	case cfg.Registry.URL != "":
		return registry.NewHTTPSource(cfg.Registry.URL,
			registry.WithTimeout(cfg.Registry.Timeout.Duration),
			registry.WithRetries(cfg.Registry.Retries))
	case cfg.Registry.LocalDir != "":
		return &registry.DirSource{Root: cfg.Registry.LocalDir}
	}
	return nil
}

func purge(cfg config.Config, log *zap.Logger) error {
	for _, dir := range []string{cfg.Cache.CompiledDir, cfg.Cache.WebcDir} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("purge %s: %w", dir, err)
		}
		log.Info("purged cache", zap.String("dir", dir))
	}
	return nil
}

func setLoggers(log *zap.Logger) {
	cache.SetLogger(log.Named("cache"))
	engine.SetLogger(log.Named("engine"))
	env.SetLogger(log.Named("env"))
	registry.SetLogger(log.Named("registry"))
}

func commandName(ref string) string {
	r, err := registry.ParseRef(ref)
	if err != nil {
		return ref
	}
	if r.Tag != "" {
		return r.Tag
	}
	return r.Name
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseEnv(s string) map[string]string {
	vars := make(map[string]string)
	for _, kv := range splitList(s) {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	return vars
}

func parseMap(s string) map[string]string {
	if s == "" {
		return nil
	}
	return parseEnv(s)
}
