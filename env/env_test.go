package env

import (
	"io"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/wasix"
	"github.com/wippyai/wasix/cache"
	"github.com/wippyai/wasix/task"
	"github.com/wippyai/wasix/vfs"
)

func TestNewRuntime_Defaults(t *testing.T) {
	if _, err := NewRuntime(RuntimeConfig{}); err == nil {
		t.Fatal("runtime without engine accepted")
	}
	if _, err := NewRuntime(RuntimeConfig{Engine: &fakeEngine{}}); err == nil {
		t.Fatal("non-wazero engine without task manager accepted")
	}

	rt, err := NewRuntime(RuntimeConfig{Engine: &fakeEngine{}, Tasks: &fakeTasks{}})
	if err != nil {
		t.Fatal(err)
	}
	if rt.ControlPlane() == nil || rt.Clock() == nil || rt.PackageCache() == nil || rt.Logger() == nil {
		t.Error("defaults not filled in")
	}
	if rt.ModuleCache() != nil {
		t.Error("module cache should stay disabled unless configured")
	}
}

func TestEnv_Identities(t *testing.T) {
	rt := newTestRuntime(t, nil)
	a := newTestEnv(t, rt.Runtime)
	b := newTestEnv(t, rt.Runtime)

	if a.PID() == b.PID() {
		t.Errorf("environments share pid %d", a.PID())
	}
	if !a.Thread().IsMain() {
		t.Error("first thread is not main")
	}
	if len(a.OwnedHandles()) != 1 {
		t.Errorf("owned handles = %d, want the main thread handle", len(a.OwnedHandles()))
	}
	if a.StackBase() != DefaultStackSize {
		t.Errorf("StackBase = %d", a.StackBase())
	}
}

func TestEnv_Fork(t *testing.T) {
	rt := newTestRuntime(t, nil)
	parent := newTestEnv(t, rt.Runtime)
	parent.Thread().SetStack(task.Stack{Memory: []byte{1, 2, 3, 4}, Rewind: []byte{7}, Pointer: 65536})
	parent.State().Env["HOME"] = "/root"

	child, handle, err := parent.Fork()
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Release()

	if child.PID() == parent.PID() {
		t.Error("child shares the parent pid")
	}
	if child.Thread() == parent.Thread() {
		t.Error("child shares the parent thread")
	}
	if handle.Thread() != child.Thread() {
		t.Error("returned handle does not own the child thread")
	}
	if diff := cmp.Diff(parent.Thread().Stack(), child.Thread().Stack()); diff != "" {
		t.Errorf("stack snapshot mismatch (-parent +child):\n%s", diff)
	}
	if child.StackBase() != parent.StackBase() || child.Bins() != parent.Bins() {
		t.Error("fork did not carry stack bounds and command table")
	}

	child.State().Env["HOME"] = "/child"
	child.State().Args[0] = "changed"
	if parent.State().Env["HOME"] != "/root" || parent.State().Args[0] != "test" {
		t.Error("child state aliases the parent")
	}
	if len(child.OwnedHandles()) != 0 {
		t.Error("child owns its own handle; the caller should")
	}
}

func TestEnv_ForkClonesFileTable(t *testing.T) {
	rt := newTestRuntime(t, nil)
	parent := newTestEnv(t, rt.Runtime)
	sb, _ := parent.State().Root.Sandbox()
	if err := sb.WriteFile("/data.txt", []byte("0123456789")); err != nil {
		t.Fatal(err)
	}

	fd, err := parent.State().Files.Open("/data.txt", os.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f, _ := parent.State().Files.Get(fd)
	if _, err := f.Seek(4, io.SeekStart); err != nil {
		t.Fatal(err)
	}

	child, handle, err := parent.Fork()
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Release()

	cf, ok := child.State().Files.Get(fd)
	if !ok {
		t.Fatalf("fd %d missing in child", fd)
	}
	if cf == f {
		t.Fatal("child shares the parent file object")
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(cf, buf); err != nil || string(buf) != "45" {
		t.Fatalf("child read %q, %v", buf, err)
	}
	if off, _ := f.Seek(0, io.SeekCurrent); off != 4 {
		t.Errorf("parent offset moved to %d", off)
	}
}

func TestEnv_ShouldExitIsIdempotent(t *testing.T) {
	rt := newTestRuntime(t, nil)
	e := newTestEnv(t, rt.Runtime)

	for i := 0; i < 2; i++ {
		if code, ok := e.ShouldExit(); ok {
			t.Fatalf("ShouldExit before termination = %d", code)
		}
	}

	e.Process().Terminate(42)
	for i := 0; i < 3; i++ {
		if code, ok := e.ShouldExit(); !ok || code != 42 {
			t.Fatalf("ShouldExit = %d, %v; want 42", code, ok)
		}
	}
}

func TestEnv_CleanupMainThread(t *testing.T) {
	rt := newTestRuntime(t, nil)
	e := newTestEnv(t, rt.Runtime)
	sb, _ := e.State().Root.Sandbox()
	_ = sb.WriteFile("/f", []byte("x"))
	if _, err := e.State().Files.Open("/f", os.O_RDONLY, 0); err != nil {
		t.Fatal(err)
	}

	e.Cleanup(5)
	e.Cleanup(9)

	if code, ok := e.Process().TryJoin(); !ok || code != 5 {
		t.Errorf("process exit = %d, %v; want 5", code, ok)
	}
	if _, err := e.State().Files.Open("/f", os.O_RDONLY, 0); err == nil {
		t.Error("file table still open after cleanup")
	}
	if len(e.OwnedHandles()) != 0 || rt.ControlPlane().ActiveTasks() != 0 {
		t.Error("cleanup did not release owned handles")
	}
	if _, ok := rt.ControlPlane().Process(e.PID()); ok {
		t.Error("process still registered")
	}
}

func TestEnv_CleanupWorkerThread(t *testing.T) {
	rt := newTestRuntime(t, nil)
	main := newTestEnv(t, rt.Runtime)

	worker, err := New(Init{Runtime: rt.Runtime, Process: main.Process(), State: main.State()})
	if err != nil {
		t.Fatal(err)
	}
	if worker.Thread().IsMain() || worker.PID() != main.PID() {
		t.Fatal("worker is not a secondary thread of the process")
	}

	worker.Cleanup(3)
	if code, ok := worker.Thread().TryJoin(); !ok || code != 3 {
		t.Errorf("worker exit = %d, %v", code, ok)
	}
	if _, ok := main.Process().TryJoin(); ok {
		t.Error("worker cleanup terminated the process")
	}
	if main.ActiveThreads() != 1 {
		t.Errorf("ActiveThreads = %d, want 1", main.ActiveThreads())
	}
}

func TestEnv_HandleTransfer(t *testing.T) {
	rt := newTestRuntime(t, nil)
	parent := newTestEnv(t, rt.Runtime)
	_, h, err := parent.Fork()
	if err != nil {
		t.Fatal(err)
	}

	parent.AdoptHandle(h)
	if len(parent.OwnedHandles()) != 2 {
		t.Fatalf("owned = %d after adopt", len(parent.OwnedHandles()))
	}
	got, ok := parent.TakeHandle(h.Thread().TID())
	if !ok || got != h {
		t.Fatal("TakeHandle did not return the adopted handle")
	}
	if len(parent.OwnedHandles()) != 1 {
		t.Error("taken handle still owned")
	}
	got.Release()
}

func TestNew_TaskLimit(t *testing.T) {
	rt, err := NewRuntime(RuntimeConfig{
		Engine:       &fakeEngine{},
		Tasks:        &fakeTasks{},
		ControlPlane: task.NewControlPlane(task.ControlPlaneConfig{MaxTasks: 1}),
		PackageCache: cache.NewPackageCache(t.TempDir(), wasix.MonotonicClock()),
	})
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(Init{Runtime: rt})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(Init{Runtime: rt}); err == nil {
		t.Fatal("second environment exceeded the task limit")
	}
	if _, _, err := e.Fork(); err == nil {
		t.Fatal("fork exceeded the task limit")
	}
	if rt.ControlPlane().ActiveProcesses() != 1 {
		t.Errorf("failed allocations leaked processes: %d", rt.ControlPlane().ActiveProcesses())
	}
}

func TestState_CloneForForkWithHostRoot(t *testing.T) {
	s := &State{Args: []string{"a"}, Root: vfs.HostRoot(t.TempDir())}
	c, err := s.CloneForFork()
	if err != nil {
		t.Fatal(err)
	}
	if c.Files != nil {
		t.Error("clone invented a file table")
	}
	if _, ok := c.Root.Sandbox(); ok {
		t.Error("host root became a sandbox")
	}
}
