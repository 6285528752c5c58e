package cache

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wippyai/wasix/engine"
)

type testArtifact struct {
	Wasm     []byte
	Exported []string
}

func (a *testArtifact) Imports() []engine.ImportDef              { return nil }
func (a *testArtifact) ImportedMemory() (engine.MemoryType, bool) { return engine.MemoryType{}, false }
func (a *testArtifact) Exports() []string                         { return a.Exported }
func (a *testArtifact) RequiredFeatures() []string                { return nil }

type testEngine struct {
	id           string
	compiles     atomic.Int32
	deserializes atomic.Int32
}

func (e *testEngine) ID() string { return e.id }

func (e *testEngine) Compile(_ context.Context, wasm []byte) (engine.Artifact, error) {
	e.compiles.Add(1)
	return &testArtifact{Wasm: wasm}, nil
}

func (e *testEngine) Serialize(a engine.Artifact) ([]byte, error) {
	return msgpack.Marshal(a.(*testArtifact))
}

func (e *testEngine) Deserialize(_ context.Context, data []byte) (engine.Artifact, error) {
	e.deserializes.Add(1)
	var a testArtifact
	if err := msgpack.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (e *testEngine) NewStore(context.Context) (engine.Store, error) {
	return nil, fmt.Errorf("not supported")
}

func TestModuleCache_DiskRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	eng := &testEngine{id: "test-cc"}
	c := NewModuleCache(dir, true)
	v := c.NewView()

	want := &testArtifact{Wasm: bytes.Repeat([]byte("\x00asm"), 512), Exported: []string{"_start"}}
	v.Set(ctx, eng, "abc123", want)

	if _, err := os.Stat(filepath.Join(dir, "abc123-test-cc.bin")); err != nil {
		t.Fatalf("disk entry missing: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}

	v.Clear()
	c.Purge()

	got, ok := v.Get(ctx, eng, "abc123")
	if !ok {
		t.Fatal("disk tier miss")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("artifact mismatch (-want +got):\n%s", diff)
	}
	if eng.deserializes.Load() != 1 {
		t.Errorf("deserializes = %d, want 1", eng.deserializes.Load())
	}

	if _, ok := v.Get(ctx, eng, "abc123"); !ok {
		t.Fatal("promoted entry missing from tier 1")
	}
	if _, ok := c.NewView().Get(ctx, eng, "abc123"); !ok {
		t.Fatal("promoted entry missing from shared tier")
	}
	if eng.deserializes.Load() != 1 {
		t.Errorf("promotion did not stop disk reads: %d deserializes", eng.deserializes.Load())
	}
	if eng.compiles.Load() != 0 {
		t.Error("cache compiled a module")
	}
}

func TestModuleCache_SharedTier(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	eng := &testEngine{id: "test-cc"}
	c := NewModuleCache(dir, true)

	a := &testArtifact{Wasm: []byte("one")}
	c.NewView().Set(ctx, eng, "h1", a)
	if err := os.Remove(filepath.Join(dir, "h1-test-cc.bin")); err != nil {
		t.Fatal(err)
	}

	got, ok := c.NewView().Get(ctx, eng, "h1")
	if !ok || got != engine.Artifact(a) {
		t.Fatalf("shared tier = %v, %v; want same artifact", got, ok)
	}
	if eng.deserializes.Load() != 0 {
		t.Error("shared hit read the disk")
	}
}

func TestModuleCache_WithoutSharedTier(t *testing.T) {
	ctx := context.Background()
	eng := &testEngine{id: "test-cc"}
	c := NewModuleCache(t.TempDir(), false)

	c.NewView().Set(ctx, eng, "h1", &testArtifact{Wasm: []byte("one")})
	if _, ok := c.NewView().Get(ctx, eng, "h1"); !ok {
		t.Fatal("disk tier miss")
	}
	if eng.deserializes.Load() != 1 {
		t.Errorf("deserializes = %d, want 1", eng.deserializes.Load())
	}
	c.Purge()
}

func TestModuleCache_RecreatesPurgedDir(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "compiled")
	eng := &testEngine{id: "test-cc"}
	c := NewModuleCache(dir, false)

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	c.NewView().Set(ctx, eng, "h1", &testArtifact{Wasm: []byte("one")})

	if _, err := os.Stat(filepath.Join(dir, "h1-test-cc.bin")); err != nil {
		t.Fatalf("entry not persisted after the directory was removed: %v", err)
	}
	if _, ok := c.NewView().Get(ctx, eng, "h1"); !ok {
		t.Error("disk tier miss")
	}
}

func TestModuleCache_Misses(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	eng := &testEngine{id: "test-cc"}
	c := NewModuleCache(dir, false)

	c.Set(ctx, eng, "h1", &testArtifact{Wasm: []byte("one")})

	t.Run("other compiler", func(t *testing.T) {
		if _, ok := c.Get(ctx, &testEngine{id: "other-cc"}, "h1"); ok {
			t.Error("artifact shared across compilers")
		}
	})

	t.Run("header mismatch", func(t *testing.T) {
		// A file whose envelope names another hash is not trusted.
		data, err := os.ReadFile(filepath.Join(dir, "h1-test-cc.bin"))
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "h2-test-cc.bin"), data, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, ok := c.Get(ctx, eng, "h2"); ok {
			t.Error("mismatched header accepted")
		}
	})

	t.Run("corrupt", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(dir, "h3-test-cc.bin"), []byte("not zstd"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, ok := c.Get(ctx, eng, "h3"); ok {
			t.Error("corrupt file accepted")
		}
	})

	t.Run("absent", func(t *testing.T) {
		if _, ok := c.Get(ctx, eng, "nope"); ok {
			t.Error("absent key hit")
		}
	})

	if eng.compiles.Load() != 0 {
		t.Error("miss triggered compilation")
	}
}

func TestModuleCache_DiskFailureSwallowed(t *testing.T) {
	ctx := context.Background()
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	eng := &testEngine{id: "test-cc"}
	c := NewModuleCache(filepath.Join(blocker, "compiled"), true)

	v := c.NewView()
	a := &testArtifact{Wasm: []byte("one")}
	v.Set(ctx, eng, "h1", a)

	got, ok := v.Get(ctx, eng, "h1")
	if !ok || got != engine.Artifact(a) {
		t.Fatal("memory tiers should still serve the artifact")
	}
}
