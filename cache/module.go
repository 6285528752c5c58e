package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/wippyai/wasix"
	"github.com/wippyai/wasix/engine"
)

// diskFormat versions the on-disk envelope.
const diskFormat = 1

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

type diskEnvelope struct {
	Hash     string `msgpack:"hash"`
	Compiler string `msgpack:"compiler"`
	Artifact []byte `msgpack:"artifact"`
	Format   int    `msgpack:"format"`
}

// ModuleCache caches compiled artifacts keyed by content hash and compiler.
//
// Tier 1 lives in a View owned by one goroutine. Tier 2 is shared by the
// process and is enabled at construction. Tier 3 is a directory of
// zstd-compressed files. Disk failures are logged and treated as misses.
type ModuleCache struct {
	shared map[string]engine.Artifact
	dir    string
	mu     sync.RWMutex
}

// DefaultCompiledDir returns ~/.wasix/compiled.
func DefaultCompiledDir() string {
	return filepath.Join(wasix.DataDir(), "compiled")
}

// NewModuleCache creates a cache persisting to dir, or DefaultCompiledDir
// when dir is empty. shared enables the process-wide tier.
func NewModuleCache(dir string, shared bool) *ModuleCache {
	if dir == "" {
		dir = DefaultCompiledDir()
	}
	dir = wasix.ExpandHome(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		Logger().Debug("create compiled module dir", zap.String("dir", dir), zap.Error(err))
	}

	c := &ModuleCache{dir: dir}
	if shared {
		c.shared = make(map[string]engine.Artifact)
	}
	return c
}

// Dir returns the disk tier directory.
func (c *ModuleCache) Dir() string {
	return c.dir
}

// NewView creates a tier-1 view. A View must not be shared between goroutines.
func (c *ModuleCache) NewView() *View {
	return &View{cache: c, local: make(map[string]engine.Artifact)}
}

// Get looks an artifact up in the shared and disk tiers.
func (c *ModuleCache) Get(ctx context.Context, eng engine.Engine, hash string) (engine.Artifact, bool) {
	return c.NewView().Get(ctx, eng, hash)
}

// Set stores an artifact in the shared and disk tiers.
func (c *ModuleCache) Set(ctx context.Context, eng engine.Engine, hash string, a engine.Artifact) {
	c.NewView().Set(ctx, eng, hash, a)
}

// Purge empties the shared tier. Views and disk files are untouched.
func (c *ModuleCache) Purge() {
	if c.shared == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.shared)
}

func cacheKey(hash string, eng engine.Engine) string {
	return hash + "-" + eng.ID()
}

func (c *ModuleCache) path(key string) string {
	return filepath.Join(c.dir, key+".bin")
}

func (c *ModuleCache) getShared(key string) (engine.Artifact, bool) {
	if c.shared == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.shared[key]
	return a, ok
}

func (c *ModuleCache) setShared(key string, a engine.Artifact) {
	if c.shared == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shared[key] = a
}

func (c *ModuleCache) load(ctx context.Context, eng engine.Engine, hash, key string) (engine.Artifact, bool) {
	log := Logger().With(zap.String("key", key))

	compressed, err := os.ReadFile(c.path(key))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Debug("read compiled module", zap.Error(err))
		}
		return nil, false
	}
	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		log.Debug("decompress compiled module", zap.Error(err))
		return nil, false
	}
	var env diskEnvelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		log.Debug("decode compiled module", zap.Error(err))
		return nil, false
	}
	if env.Format != diskFormat || env.Hash != hash || env.Compiler != eng.ID() {
		log.Debug("compiled module header mismatch",
			zap.Int("format", env.Format),
			zap.String("hash", env.Hash),
			zap.String("compiler", env.Compiler))
		return nil, false
	}
	a, err := eng.Deserialize(ctx, env.Artifact)
	if err != nil {
		log.Debug("deserialize compiled module", zap.Error(err))
		return nil, false
	}
	return a, true
}

func (c *ModuleCache) store(eng engine.Engine, hash, key string, a engine.Artifact) error {
	data, err := eng.Serialize(a)
	if err != nil {
		return fmt.Errorf("serialize: %w", err)
	}
	raw, err := msgpack.Marshal(&diskEnvelope{
		Format:   diskFormat,
		Hash:     hash,
		Compiler: eng.ID(),
		Artifact: data,
	})
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	// The directory may have been purged since the cache was created.
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, key+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(encoder.EncodeAll(raw, nil)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), c.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

// View is the tier-1 cache of one worker. It is not safe for concurrent use.
type View struct {
	cache *ModuleCache
	local map[string]engine.Artifact
}

// Get returns the artifact for hash compiled by eng, looking through tier 1,
// the shared tier and disk in that order. Hits in lower tiers are promoted.
// A miss never compiles.
func (v *View) Get(ctx context.Context, eng engine.Engine, hash string) (engine.Artifact, bool) {
	key := cacheKey(hash, eng)

	if a, ok := v.local[key]; ok {
		return a, true
	}
	if a, ok := v.cache.getShared(key); ok {
		v.local[key] = a
		return a, true
	}
	a, ok := v.cache.load(ctx, eng, hash, key)
	if !ok {
		return nil, false
	}
	v.local[key] = a
	v.cache.setShared(key, a)
	return a, true
}

// Set stores the artifact in every enabled tier. The disk write is best effort.
func (v *View) Set(_ context.Context, eng engine.Engine, hash string, a engine.Artifact) {
	key := cacheKey(hash, eng)
	v.local[key] = a
	v.cache.setShared(key, a)

	if err := v.cache.store(eng, hash, key, a); err != nil {
		Logger().Debug("persist compiled module", zap.String("key", key), zap.Error(err))
	}
}

// Clear drops tier 1.
func (v *View) Clear() {
	clear(v.local)
}
