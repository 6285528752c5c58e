package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasix"
	"github.com/wippyai/wasix/cache"
	"github.com/wippyai/wasix/engine"
	"github.com/wippyai/wasix/task"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// CacheConfig configures the module and package caches.
type CacheConfig struct {
	CompiledDir string   `toml:"compiled_dir"`
	WebcDir     string   `toml:"webc_dir"`
	Shared      bool     `toml:"shared"`
	PackageTTL  Duration `toml:"package_ttl"`
}

// RegistryConfig selects where packages come from. URL wins over LocalDir.
type RegistryConfig struct {
	URL      string   `toml:"url"`
	LocalDir string   `toml:"local_dir"`
	Timeout  Duration `toml:"timeout"`
	Retries  int      `toml:"retries"`
}

// EngineConfig configures the wazero engine.
type EngineConfig struct {
	MemoryLimitPages    uint32 `toml:"memory_limit_pages"`
	Threads             bool   `toml:"threads"`
	CompilationCacheDir string `toml:"compilation_cache_dir"`
}

// ControlPlaneConfig configures task accounting.
type ControlPlaneConfig struct {
	MaxTasks int `toml:"max_tasks"`
}

// LogConfig configures the zap logger built by the CLI.
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Config is the complete runtime configuration.
type Config struct {
	Cache        CacheConfig        `toml:"cache"`
	Registry     RegistryConfig     `toml:"registry"`
	Engine       EngineConfig       `toml:"engine"`
	ControlPlane ControlPlaneConfig `toml:"control_plane"`
	Log          LogConfig          `toml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			CompiledDir: cache.DefaultCompiledDir(),
			WebcDir:     cache.DefaultPackageDir(),
			Shared:      true,
			PackageTTL:  Duration{cache.DefaultPackageTTL},
		},
		Registry: RegistryConfig{
			Timeout: Duration{30 * time.Second},
			Retries: 2,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(wasix.ExpandHome(path), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("load config: unknown keys %s", strings.Join(keys, ", "))
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (c *Config) expand() {
	c.Cache.CompiledDir = wasix.ExpandHome(strings.TrimSpace(c.Cache.CompiledDir))
	c.Cache.WebcDir = wasix.ExpandHome(strings.TrimSpace(c.Cache.WebcDir))
	c.Registry.URL = strings.TrimSpace(c.Registry.URL)
	c.Registry.LocalDir = wasix.ExpandHome(strings.TrimSpace(c.Registry.LocalDir))
	c.Engine.CompilationCacheDir = wasix.ExpandHome(strings.TrimSpace(c.Engine.CompilationCacheDir))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Cache.PackageTTL.Duration < 0 {
		return fmt.Errorf("cache.package_ttl must not be negative")
	}
	if c.Registry.Timeout.Duration < 0 {
		return fmt.Errorf("registry.timeout must not be negative")
	}
	if c.Registry.Retries < 0 {
		return fmt.Errorf("registry.retries must not be negative")
	}
	if u := c.Registry.URL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("registry.url %q must be http or https", u)
	}
	if c.Engine.MemoryLimitPages > 65536 {
		return fmt.Errorf("engine.memory_limit_pages %d exceeds 65536", c.Engine.MemoryLimitPages)
	}
	if c.ControlPlane.MaxTasks < 0 {
		return fmt.Errorf("control_plane.max_tasks must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// EngineOptions converts the engine section for engine.NewWazeroEngine.
func (c Config) EngineOptions() *engine.Config {
	return &engine.Config{
		CompilationCacheDir: c.Engine.CompilationCacheDir,
		MemoryLimitPages:    c.Engine.MemoryLimitPages,
		EnableThreads:       c.Engine.Threads,
	}
}

// ControlPlaneOptions converts the control_plane section.
func (c Config) ControlPlaneOptions() task.ControlPlaneConfig {
	return task.ControlPlaneConfig{MaxTasks: c.ControlPlane.MaxTasks}
}

// BuildLogger creates a zap logger for the log section.
func (c LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
