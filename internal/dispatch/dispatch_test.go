package dispatch

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/memory"
)

type dispEnv struct {
	b   backend.Backend
	mem *memory.Manager
	svc *SvcMemory
	sys *SyscallState
	d   *Dispatcher
}

func newDispEnv(t *testing.T, policy Policy) *dispEnv {
	t.Helper()
	b, err := backend.NewInterp()
	if err != nil {
		t.Fatalf("NewInterp: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	mem := memory.NewManager(b, memory.Config{})
	svc, err := NewSvcMemory(mem, 0x10000)
	if err != nil {
		t.Fatalf("NewSvcMemory: %v", err)
	}
	sys := NewSyscallState(mem, 1)
	d := NewDispatcher(svc, sys, policy)
	b.RegisterTrapHandler(d.HandleTrap)
	return &dispEnv{b: b, mem: mem, svc: svc, sys: sys, d: d}
}

// syscall drives one emulated syscall through the trap path without
// executing guest code: arguments in X0.., number in X8.
func (e *dispEnv) syscall(t *testing.T, num uint64, args ...uint64) (uint64, backend.TrapAction) {
	t.Helper()
	if err := e.b.SetRegister(backend.RegX(8), num); err != nil {
		t.Fatalf("set x8: %v", err)
	}
	for i, a := range args {
		if err := e.b.SetRegister(backend.RegX(i), a); err != nil {
			t.Fatalf("set x%d: %v", i, err)
		}
	}
	act := e.d.HandleTrap(e.b, backend.TrapInfo{Number: 0})
	v, _ := e.b.GetRegister(backend.RegX(0))
	return v, act
}

// scratch maps a writable page for guest-visible buffers.
func (e *dispEnv) scratch(t *testing.T) uint64 {
	t.Helper()
	r, err := e.mem.Map(0, 0x1000, backend.ProtRead|backend.ProtWrite, "scratch")
	if err != nil {
		t.Fatalf("map scratch: %v", err)
	}
	return r.Base
}

func TestSyscallEndToEnd(t *testing.T) {
	e := newDispEnv(t, PolicyBestEffort)
	code, err := e.mem.Map(0, 0x1000, backend.ProtRead|backend.ProtExec, "code")
	if err != nil {
		t.Fatalf("map code: %v", err)
	}
	// movz x8, #172 (getpid); svc #0
	prog := []uint32{0xd2800000 | 172<<5 | 8, 0xd4000001}
	buf := make([]byte, len(prog)*4)
	for i, w := range prog {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	if err := e.b.WriteMemory(code.Base, buf); err != nil {
		t.Fatalf("write code: %v", err)
	}

	out := e.b.Run(code.Base, backend.StopCondition{Address: code.Base + uint64(len(buf))})
	if out.Kind != backend.OutcomeStopped {
		t.Fatalf("outcome = %+v", out)
	}
	if pid, _ := e.b.GetRegister(backend.RegX(0)); pid != 1000 {
		t.Errorf("getpid = %d, want 1000", pid)
	}
}

func TestStubCallReturnsToCaller(t *testing.T) {
	e := newDispEnv(t, PolicyBestEffort)
	addr, err := e.svc.Register("host_fn", func(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
		return ret(b, 42)
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !e.svc.Contains(addr) {
		t.Fatalf("stub 0x%x outside stub region", addr)
	}

	// Call the stub directly: LR aimed at an unmapped sentinel the run
	// stops on, the way host-to-guest calls work.
	const sentinel = 0xfffe_0000
	e.b.SetRegister(backend.RegX(30), sentinel)
	out := e.b.Run(addr, backend.StopCondition{Address: sentinel})
	if out.Kind != backend.OutcomeStopped {
		t.Fatalf("outcome = %+v", out)
	}
	if v, _ := e.b.GetRegister(backend.RegX(0)); v != 42 {
		t.Errorf("stub returned %d, want 42", v)
	}
}

func TestUnknownSvcNumberPolicy(t *testing.T) {
	e := newDispEnv(t, PolicyBestEffort)
	e.b.SetRegister(backend.RegX(0), 999)
	if act := e.d.HandleTrap(e.b, backend.TrapInfo{Number: 77}); act != backend.TrapResume {
		t.Errorf("best-effort action = %v, want resume", act)
	}
	if v, _ := e.b.GetRegister(backend.RegX(0)); v != 0 {
		t.Errorf("best-effort default result = %d, want 0", v)
	}

	e.d.SetPolicy(PolicyStrict)
	if act := e.d.HandleTrap(e.b, backend.TrapInfo{Number: 77}); act != backend.TrapFault {
		t.Errorf("strict action = %v, want fault", act)
	}
}

func TestUnknownSyscallPolicy(t *testing.T) {
	e := newDispEnv(t, PolicyBestEffort)
	v, act := e.syscall(t, 499, 123)
	if act != backend.TrapResume || v != 0 {
		t.Errorf("best-effort: got (%d, %v), want (0, resume)", v, act)
	}

	e.d.SetPolicy(PolicyStrict)
	_, act = e.syscall(t, 499)
	if act != backend.TrapFault {
		t.Errorf("strict action = %v, want fault", act)
	}
}

func TestSyscallOverride(t *testing.T) {
	e := newDispEnv(t, PolicyBestEffort)
	e.d.RegisterSyscallHandler(sysGetpid, func(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
		return ret(b, 4242)
	})
	if v, _ := e.syscall(t, sysGetpid); v != 4242 {
		t.Errorf("overridden getpid = %d, want 4242", v)
	}
}

func TestIdentitySyscalls(t *testing.T) {
	e := newDispEnv(t, PolicyBestEffort)
	if v, _ := e.syscall(t, sysGetpid); v != 1000 {
		t.Errorf("getpid = %d", v)
	}
	if v, _ := e.syscall(t, sysGettid); v != 1000 {
		t.Errorf("gettid = %d", v)
	}
	if v, _ := e.syscall(t, sysGetuid); v != 10023 {
		t.Errorf("getuid = %d", v)
	}
}

func TestExitGroup(t *testing.T) {
	e := newDispEnv(t, PolicyBestEffort)
	_, act := e.syscall(t, sysExitGroup, 7)
	if act != backend.TrapStop {
		t.Fatalf("action = %v, want stop", act)
	}
	if !e.sys.Exited() {
		t.Error("Exited() = false")
	}
	if e.sys.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", e.sys.ExitCode)
	}
}

func TestBrk(t *testing.T) {
	e := newDispEnv(t, PolicyBestEffort)
	base, act := e.syscall(t, sysBrk, 0)
	if act != backend.TrapResume || base == 0 {
		t.Fatalf("brk(0) = (0x%x, %v)", base, act)
	}
	moved, _ := e.syscall(t, sysBrk, base+0x1800)
	if moved != base+0x2000 {
		t.Errorf("brk grow = 0x%x, want page-aligned 0x%x", moved, base+0x2000)
	}
	// Out-of-range requests leave the break where it was.
	same, _ := e.syscall(t, sysBrk, base+0x2000_0000)
	if same != moved {
		t.Errorf("out-of-range brk = 0x%x, want 0x%x", same, moved)
	}
}

func TestMmapMunmap(t *testing.T) {
	e := newDispEnv(t, PolicyBestEffort)
	// mmap(NULL, 0x2000, PROT_READ|PROT_WRITE, MAP_ANON, -1, 0)
	addr, act := e.syscall(t, sysMmap, 0, 0x2000, 3, 0x22, ^uint64(0), 0)
	if act != backend.TrapResume || int64(addr) < 0 {
		t.Fatalf("mmap = (0x%x, %v)", addr, act)
	}
	r := e.mem.RegionAt(addr)
	if r == nil || r.Size != 0x2000 {
		t.Fatalf("no region for mmap result 0x%x", addr)
	}
	if err := e.mem.Write(addr, []byte{1, 2, 3}); err != nil {
		t.Errorf("mmap region not writable: %v", err)
	}

	if v, _ := e.syscall(t, sysMunmap, addr, 0x2000); int64(v) != 0 {
		t.Fatalf("munmap = %d", int64(v))
	}
	if e.mem.RegionAt(addr) != nil {
		t.Error("region survived munmap")
	}
}

func TestOpenatReadClose(t *testing.T) {
	e := newDispEnv(t, PolicyBestEffort)
	content := []byte("key=value\n")
	e.sys.RegisterFile("/data/app.cfg", content)

	buf := e.scratch(t)
	path := buf + 0x800
	if err := e.mem.Write(path, append([]byte("/data/app.cfg"), 0)); err != nil {
		t.Fatalf("write path: %v", err)
	}

	fd, _ := e.syscall(t, sysOpenat, ^uint64(99), path, 0)
	if int64(fd) < 0 {
		t.Fatalf("openat = %d", int64(fd))
	}
	n, _ := e.syscall(t, sysRead, fd, buf, 64)
	if n != uint64(len(content)) {
		t.Fatalf("read = %d, want %d", n, len(content))
	}
	got, err := e.mem.Read(buf, n)
	if err != nil {
		t.Fatalf("read buffer: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("read %q, want %q", got, content)
	}
	// EOF.
	if n, _ := e.syscall(t, sysRead, fd, buf, 64); n != 0 {
		t.Errorf("read at EOF = %d", n)
	}

	if v, _ := e.syscall(t, sysLseek, fd, 4, 0); v != 4 {
		t.Errorf("lseek = %d", v)
	}
	if n, _ := e.syscall(t, sysRead, fd, buf, 64); n != uint64(len(content)-4) {
		t.Errorf("read after seek = %d", n)
	}

	if v, _ := e.syscall(t, sysClose, fd); v != 0 {
		t.Errorf("close = %d", int64(v))
	}
	if v, _ := e.syscall(t, sysClose, fd); int64(v) != -errEBADF {
		t.Errorf("double close = %d, want -EBADF", int64(v))
	}
}

func TestOpenatMissingFile(t *testing.T) {
	e := newDispEnv(t, PolicyBestEffort)
	buf := e.scratch(t)
	e.mem.Write(buf, append([]byte("/nonexistent"), 0))
	v, _ := e.syscall(t, sysOpenat, ^uint64(99), buf, 0)
	if int64(v) != -errENOENT {
		t.Errorf("openat = %d, want -ENOENT", int64(v))
	}
}

func TestGetrandomDeterministic(t *testing.T) {
	read := func(seed uint64) []byte {
		e := newDispEnv(t, PolicyBestEffort)
		e.sys = NewSyscallState(e.mem, seed)
		e.d = NewDispatcher(e.svc, e.sys, PolicyBestEffort)
		buf := e.scratch(t)
		n, _ := e.syscall(t, sysGetrandom, buf, 32)
		if n != 32 {
			t.Fatalf("getrandom = %d", n)
		}
		out, err := e.mem.Read(buf, 32)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return out
	}
	a := read(7)
	b := read(7)
	c := read(8)
	if string(a) != string(b) {
		t.Error("same seed produced different bytes")
	}
	if string(a) == string(c) {
		t.Error("different seeds produced identical bytes")
	}
}

func TestClockAdvances(t *testing.T) {
	e := newDispEnv(t, PolicyBestEffort)
	buf := e.scratch(t)
	readNs := func() uint64 {
		if v, _ := e.syscall(t, sysClockGettime, 1, buf); int64(v) != 0 {
			t.Fatalf("clock_gettime = %d", int64(v))
		}
		raw, err := e.mem.Read(buf, 16)
		if err != nil {
			t.Fatalf("read timespec: %v", err)
		}
		return binary.LittleEndian.Uint64(raw)*1_000_000_000 + binary.LittleEndian.Uint64(raw[8:])
	}
	t1 := readNs()
	t2 := readNs()
	if t2 <= t1 {
		t.Errorf("clock went backwards: %d then %d", t1, t2)
	}

	// nanosleep advances logical time instead of blocking.
	ts := buf + 0x100
	var raw [16]byte
	binary.LittleEndian.PutUint64(raw[:], 2) // 2 seconds
	e.mem.Write(ts, raw[:])
	e.syscall(t, sysNanosleep, ts, 0)
	if t3 := readNs(); t3-t2 < 2_000_000_000 {
		t.Errorf("nanosleep advanced only %d ns", t3-t2)
	}
}

func TestProcMapsListsRegions(t *testing.T) {
	e := newDispEnv(t, PolicyBestEffort)
	buf := e.scratch(t)
	path := buf + 0x800
	e.mem.Write(path, append([]byte("/proc/self/maps"), 0))

	fd, _ := e.syscall(t, sysOpenat, ^uint64(99), path, 0)
	if int64(fd) < 0 {
		t.Fatalf("openat = %d", int64(fd))
	}
	n, _ := e.syscall(t, sysRead, fd, buf, 0x700)
	got, _ := e.mem.Read(buf, n)
	if len(got) == 0 {
		t.Fatal("empty maps")
	}
	if !strings.Contains(string(got), "svc stubs") || !strings.Contains(string(got), "scratch") {
		t.Errorf("maps missing known regions:\n%s", got)
	}
}

func TestCloneRecordsThread(t *testing.T) {
	e := newDispEnv(t, PolicyBestEffort)
	tid, _ := e.syscall(t, sysClone, 0, 0, 0, 0, 0x9000)
	if tid != 1001 {
		t.Errorf("clone tid = %d, want 1001", tid)
	}
	threads := e.sys.Threads()
	if len(threads) != 2 {
		t.Fatalf("%d threads, want 2", len(threads))
	}
	if threads[1].ChildTidAt != 0x9000 {
		t.Errorf("child tid slot = 0x%x", threads[1].ChildTidAt)
	}
}
