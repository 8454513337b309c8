// Package emu ties the engine, memory, linker, dispatcher, bridge and
// hook subsystems into the embedding API. One AndroidEmulator owns one
// guest: load a shared object, call its exports, inspect the results.
package emu

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/dispatch"
	"github.com/callng/rnidbg/internal/hook"
	"github.com/callng/rnidbg/internal/jni"
	"github.com/callng/rnidbg/internal/loader"
	"github.com/callng/rnidbg/internal/log"
	"github.com/callng/rnidbg/internal/memory"
	"github.com/callng/rnidbg/internal/trace"
)

// returnSentinel is the LR value planted for host-initiated calls. It
// lies below the arena and is never mapped; the run's stop condition
// matches it before any fetch is attempted.
const returnSentinel uint64 = 0xfffe_0000

// canaryOffset is where bionic keeps the stack-protector cookie
// relative to TPIDR_EL0.
const canaryOffset = 0x28

// ExecutionError reports a guest run that did not reach its return
// sentinel: a fault, a cancellation, or an unexpected trap.
type ExecutionError struct {
	Outcome backend.Outcome
}

func (e *ExecutionError) Error() string {
	o := e.Outcome
	switch o.Kind {
	case backend.OutcomeFaulted:
		return fmt.Sprintf("execution faulted at %s: %s %s (%s)",
			log.Hex(o.Fault.PC), o.Fault.Access, log.Hex(o.Fault.Addr), o.Fault.Reason)
	case backend.OutcomeCancelled:
		return fmt.Sprintf("execution cancelled at %s after %d instructions",
			log.Hex(o.PC), o.Instructions)
	case backend.OutcomeTrapped:
		return fmt.Sprintf("execution stopped by trap #%d at %s",
			o.Trap.Number, log.Hex(o.Trap.PC))
	}
	return fmt.Sprintf("execution ended at %s", log.Hex(o.PC))
}

// AndroidEmulator is the embedding entry point.
type AndroidEmulator struct {
	cfg Config

	b       backend.Backend
	mem     *memory.Manager
	stack   *memory.Stack
	tls     *memory.Region
	svc     *dispatch.SvcMemory
	sys     *dispatch.SyscallState
	disp    *dispatch.Dispatcher
	stubs   *dispatch.HostStubs
	bridge  *jni.Bridge
	hooks   *hook.Manager
	ld      *loader.Loader
	session *trace.Session

	closed bool
}

// New builds a ready emulator: backend, address space, stack with
// grow-on-fault, TLS block with the stack canary, SVC stub region,
// syscall state, JNI bridge and hook manager, all wired together.
func New(cfg Config) (*AndroidEmulator, error) {
	cfg.applyDefaults()
	policy, err := cfg.ParsedPolicy()
	if err != nil {
		return nil, err
	}

	log.Init(cfg.Debug)
	session := trace.NewSession()
	log.L.SetOnTrace(session.Record)

	b, err := backend.New()
	if err != nil {
		return nil, err
	}
	e := &AndroidEmulator{cfg: cfg, b: b, session: session}

	if err := e.setup(policy); err != nil {
		b.Close()
		return nil, err
	}
	return e, nil
}

func (e *AndroidEmulator) setup(policy dispatch.Policy) error {
	e.mem = memory.NewManager(e.b, memory.Config{})

	stack, err := e.mem.MapStack(e.cfg.StackSize, e.cfg.StackGuard, e.cfg.StackMax)
	if err != nil {
		return err
	}
	e.stack = stack

	tls, err := e.mem.Map(0, tlsRegionSize, backend.ProtRead|backend.ProtWrite, "tls")
	if err != nil {
		return err
	}
	e.tls = tls
	if err := e.seedTLS(); err != nil {
		return err
	}

	e.svc, err = dispatch.NewSvcMemory(e.mem, svcRegionSize)
	if err != nil {
		return err
	}
	e.sys = dispatch.NewSyscallState(e.mem, e.cfg.RandomSeed)
	e.disp = dispatch.NewDispatcher(e.svc, e.sys, policy)
	e.stubs, err = dispatch.NewHostStubs(e.mem, e.svc, e.disp, libcHeapSize)
	if err != nil {
		return err
	}
	e.bridge, err = jni.NewBridge(e.mem, e.svc, e.disp.Policy)
	if err != nil {
		return err
	}
	e.hooks = hook.NewManager(e.b)

	// Interrupt hooks observe the trap before the dispatcher services it.
	e.b.RegisterTrapHandler(func(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
		e.hooks.OnTrap(b, trap)
		return e.disp.HandleTrap(b, trap)
	})
	e.b.RegisterFaultHandler(func(f backend.FaultInfo) bool {
		if f.Access == backend.AccessFetch {
			return false
		}
		grown, err := e.stack.GrowOnFault(f.Addr)
		return err == nil && grown
	})

	e.ld = loader.New(loader.Config{
		Mem:         e.mem,
		ResolveHost: e.stubs.Resolve,
		OpenDep:     e.openDep,
		RunInit:     e.runInit,
		TLSBase:     tls.Base,
		TLSSize:     tls.Size,
	})

	if err := e.b.SetRegister(backend.RegSP, stack.Top()-16); err != nil {
		return err
	}
	return e.b.SetRegister(backend.RegTPIDR, tls.Base)
}

// seedTLS derives the stack canary from the configured seed and writes
// it where __stack_chk_guard loads from. The low byte stays zero so an
// overflowing string copy cannot reproduce the cookie.
func (e *AndroidEmulator) seedTLS() error {
	canary := e.cfg.RandomSeed
	canary ^= canary << 13
	canary ^= canary >> 7
	canary ^= canary << 17
	canary &^= 0xff
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], canary)
	return e.mem.Write(e.tls.Base+canaryOffset, buf[:])
}

func (e *AndroidEmulator) openDep(name string) ([]byte, error) {
	path, ok := e.cfg.Libraries[name]
	if !ok {
		return nil, fmt.Errorf("no library mapping for %s", name)
	}
	return os.ReadFile(path)
}

func (e *AndroidEmulator) runInit(m *loader.Module, addr uint64) error {
	log.L.Trace(addr, "module", "initializer", m.Name)
	_, err := e.call(addr, nil)
	return err
}

// LoadModule loads and links a shared object from the host filesystem,
// running its initializers on the backend.
func (e *AndroidEmulator) LoadModule(path string) (*loader.Module, error) {
	return e.ld.Load(path)
}

// LoadModuleBytes is LoadModule for in-memory images.
func (e *AndroidEmulator) LoadModuleBytes(name string, data []byte) (*loader.Module, error) {
	return e.ld.LoadBytes(name, data)
}

// CallExported calls a named export with up to eight integer/pointer
// arguments per AAPCS64 and returns X0.
func (e *AndroidEmulator) CallExported(m *loader.Module, symbol string, args ...uint64) (uint64, error) {
	sym, ok := m.FindSymbol(symbol)
	if !ok {
		return 0, fmt.Errorf("module %s: no symbol %q", m.Name, symbol)
	}
	if sym.Addr == 0 {
		return 0, fmt.Errorf("module %s: symbol %q is unresolved weak", m.Name, symbol)
	}
	return e.call(sym.Addr, args)
}

// CallWithin executes a guest function from inside a hook or bridge
// callback while a run is active: the interrupted context is saved,
// the nested call runs to completion, and the context is restored.
func (e *AndroidEmulator) CallWithin(addr uint64, args ...uint64) (uint64, error) {
	ctx, err := e.b.SaveContext()
	if err != nil {
		return 0, err
	}
	ret, callErr := e.call(addr, args)
	if err := e.b.RestoreContext(ctx); err != nil {
		return 0, err
	}
	return ret, callErr
}

// CallJNIOnLoad performs the JNI_OnLoad handshake: the bridge's JavaVM
// pointer in X0, null reserved argument, and a version check on the
// result.
func (e *AndroidEmulator) CallJNIOnLoad(m *loader.Module) error {
	version, err := e.CallExported(m, "JNI_OnLoad", e.bridge.VMPtr, 0)
	if err != nil {
		return err
	}
	if version != jni.JNIVersion16 {
		log.L.Warn("unexpected JNI_OnLoad version", log.Fn("JNI_OnLoad"), log.Ptr("version", version))
	}
	return nil
}

func (e *AndroidEmulator) call(addr uint64, args []uint64) (uint64, error) {
	if len(args) > 8 {
		return 0, fmt.Errorf("too many arguments: %d (AAPCS64 register limit is 8)", len(args))
	}
	for i, a := range args {
		if err := e.b.SetRegister(backend.RegX(i), a); err != nil {
			return 0, err
		}
	}
	if err := e.b.SetRegister(backend.RegX(30), returnSentinel); err != nil {
		return 0, err
	}
	sp, err := e.b.GetRegister(backend.RegSP)
	if err != nil {
		return 0, err
	}
	if err := e.b.SetRegister(backend.RegSP, sp&^uint64(15)); err != nil {
		return 0, err
	}

	out := e.b.Run(addr, backend.StopCondition{
		Address:         returnSentinel,
		MaxInstructions: e.cfg.MaxInstructions,
	})
	switch {
	case out.Kind == backend.OutcomeStopped:
		return e.b.GetRegister(backend.RegX(0))
	case out.Kind == backend.OutcomeTrapped && e.sys.Exited():
		// The guest called exit; surface its status, not a failure.
		return e.sys.ExitCode, nil
	}
	return 0, &ExecutionError{Outcome: out}
}

// RegisterSyscallHandler overrides one Linux syscall number.
func (e *AndroidEmulator) RegisterSyscallHandler(number uint64, h dispatch.Handler) {
	e.disp.RegisterSyscallHandler(number, h)
}

// RegisterBridgeMethod installs a host callback behind a Java method,
// invoked when the guest calls through the JNIEnv tables.
func (e *AndroidEmulator) RegisterBridgeMethod(class, name, sig string, static bool, fn jni.HostFunc) {
	e.bridge.RegisterMethod(class, name, sig, static, fn)
}

// AddHook registers an execution or memory hook.
func (e *AndroidEmulator) AddHook(kind hook.Kind, lo, hi uint64, cb hook.Callback) hook.ID {
	return e.hooks.Add(kind, lo, hi, cb)
}

func (e *AndroidEmulator) ReadMemory(addr, n uint64) ([]byte, error) { return e.mem.Read(addr, n) }

func (e *AndroidEmulator) WriteMemory(addr uint64, data []byte) error { return e.mem.Write(addr, data) }

func (e *AndroidEmulator) GetRegister(r backend.Reg) (uint64, error) { return e.b.GetRegister(r) }

func (e *AndroidEmulator) SetRegister(r backend.Reg, v uint64) error { return e.b.SetRegister(r, v) }

// Cancel stops the active run at the next instruction boundary.
func (e *AndroidEmulator) Cancel() { e.b.Cancel() }

// Accessors for embedders that need the subsystems directly.
func (e *AndroidEmulator) Backend() backend.Backend       { return e.b }
func (e *AndroidEmulator) Memory() *memory.Manager        { return e.mem }
func (e *AndroidEmulator) Loader() *loader.Loader         { return e.ld }
func (e *AndroidEmulator) Dispatcher() *dispatch.Dispatcher { return e.disp }
func (e *AndroidEmulator) Bridge() *jni.Bridge            { return e.bridge }
func (e *AndroidEmulator) Hooks() *hook.Manager           { return e.hooks }
func (e *AndroidEmulator) Trace() *trace.Session          { return e.session }
func (e *AndroidEmulator) Syscalls() *dispatch.SyscallState { return e.sys }

func (e *AndroidEmulator) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.b.Close()
}
