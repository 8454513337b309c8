// Package backend defines the CPU backend contract and the two
// interchangeable AArch64 execution engines that implement it: a Unicorn
// Engine adapter (JIT-translated, cgo) and a pure-Go interpreter.
//
// Both engines must be behaviorally indistinguishable at this boundary:
// same register semantics, same memory side effects, same trap conditions
// for the same guest program. Engine selection is a build-time choice (see
// select_unicorn.go and select_interp.go); both constructors stay exported
// so parity tests can diff final state across engines.
package backend

import (
	"errors"
	"fmt"
	"io"
)

// PageSize is the guest page granularity required for all mappings.
const PageSize = 0x1000

// MemProt is a guest memory permission bitmask.
type MemProt int

const (
	ProtNone  MemProt = 0
	ProtRead  MemProt = 1 << iota
	ProtWrite
	ProtExec

	ProtAll = ProtRead | ProtWrite | ProtExec
)

func (p MemProt) String() string {
	buf := []byte("---")
	if p&ProtRead != 0 {
		buf[0] = 'r'
	}
	if p&ProtWrite != 0 {
		buf[1] = 'w'
	}
	if p&ProtExec != 0 {
		buf[2] = 'x'
	}
	return string(buf)
}

// Access identifies the kind of memory access that caused an event.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessFetch
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessFetch:
		return "fetch"
	}
	return "unknown"
}

// TrapInfo describes a trap raised by guest code (SVC or BRK).
type TrapInfo struct {
	Number uint64 // immediate encoded in the trapping instruction
	PC     uint64 // address of the trapping instruction
}

// FaultInfo describes an unrecoverable guest-visible fault.
type FaultInfo struct {
	Addr   uint64 // faulting guest address
	PC     uint64 // program counter at the fault
	Access Access
	Reason string
}

func (f FaultInfo) String() string {
	return fmt.Sprintf("%s fault at 0x%x (pc=0x%x): %s", f.Access, f.Addr, f.PC, f.Reason)
}

// OutcomeKind enumerates the ways a Run call can end.
type OutcomeKind int

const (
	// OutcomeStopped means execution reached the stop address.
	OutcomeStopped OutcomeKind = iota
	// OutcomeTrapped means a trap was raised and no handler resumed it.
	OutcomeTrapped
	// OutcomeFaulted means an unrecoverable guest fault occurred.
	OutcomeFaulted
	// OutcomeCancelled means the run was cancelled externally or the
	// instruction budget was exhausted. The context is left resumable.
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeStopped:
		return "stopped"
	case OutcomeTrapped:
		return "trapped"
	case OutcomeFaulted:
		return "faulted"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome is the result of a synchronous Run call. Runtime faults travel
// here rather than as errors so callers can inspect details and decide
// whether to resume, patch and retry.
type Outcome struct {
	Kind         OutcomeKind
	Trap         TrapInfo  // valid when Kind == OutcomeTrapped
	Fault        FaultInfo // valid when Kind == OutcomeFaulted
	PC           uint64    // program counter when the run ended
	Instructions uint64    // instructions retired during the run
	Err          error     // BackendError on internal engine failure
}

// StopCondition bounds a Run call. Zero values mean "unbounded".
type StopCondition struct {
	Address         uint64 // stop when PC reaches this address
	MaxInstructions uint64 // cancel after this many instructions
}

// TrapAction tells the engine how to continue after a trap handler ran.
type TrapAction int

const (
	// TrapResume continues execution at the instruction after the trap.
	TrapResume TrapAction = iota
	// TrapStop ends the run with an OutcomeTrapped result.
	TrapStop
	// TrapFault ends the run with an OutcomeFaulted result; the handler
	// supplies fault details via SetPendingFault.
	TrapFault
)

// TrapHandler is invoked synchronously, on the Run caller's thread, when
// guest code raises a trap the engine cannot service itself.
type TrapHandler func(b Backend, trap TrapInfo) TrapAction

// FaultHandler is consulted before an invalid memory access becomes a
// fatal fault. Returning true means the handler resolved the fault (for
// example by mapping the missing page) and the access is retried once.
type FaultHandler func(f FaultInfo) bool

// CodeHook observes an instruction boundary. Register writes made by the
// hook (including PC) take effect before the instruction executes; writing
// a different PC skips the current instruction.
type CodeHook func(b Backend, addr uint64, size uint32)

// MemHook observes a data access to a hooked range before it is performed.
type MemHook func(b Backend, access Access, addr uint64, size int, value uint64)

// Context is a snapshot of the register file, sufficient to save and
// restore a thread of guest execution around a nested run.
type Context struct {
	X     [31]uint64
	SP    uint64
	PC    uint64
	NZCV  uint64
	TPIDR uint64
}

// Backend is the uniform contract both execution engines implement.
// Execution is synchronous: Run does not return until a stop condition, a
// trap requiring host intervention, an unrecoverable fault, or an explicit
// cancellation occurs.
type Backend interface {
	io.Closer

	// MapRegion, UnmapRegion and ProtectRegion manage engine-visible
	// pages. addr and size must be PageSize-aligned.
	MapRegion(addr, size uint64, prot MemProt) error
	UnmapRegion(addr, size uint64) error
	ProtectRegion(addr, size uint64, prot MemProt) error

	ReadMemory(addr, size uint64) ([]byte, error)
	WriteMemory(addr uint64, data []byte) error

	GetRegister(r Reg) (uint64, error)
	SetRegister(r Reg, v uint64) error

	// SaveContext and RestoreContext snapshot the register file for the
	// suspend/resume protocol around nested runs.
	SaveContext() (*Context, error)
	RestoreContext(*Context) error

	Run(start uint64, stop StopCondition) Outcome
	// Cancel requests the active Run to end with OutcomeCancelled at the
	// next instruction boundary. Safe to call from hook callbacks.
	Cancel()

	RegisterTrapHandler(h TrapHandler)
	RegisterFaultHandler(h FaultHandler)
	RegisterCodeHook(lo, hi uint64, fn CodeHook)
	RegisterMemoryHook(access Access, lo, hi uint64, fn MemHook)

	// SetPendingFault supplies fault details for a TrapFault action.
	SetPendingFault(f FaultInfo)

	// Name identifies the engine ("unicorn" or "interp") for diagnostics.
	Name() string
}

// Run may be re-entered from a trap handler to execute a nested call (the
// managed runtime calls back into guest code this way), up to maxRunDepth
// levels. Beyond that the nested Run fails with ErrRecursiveRun.
const maxRunDepth = 8

// ErrRecursiveRun is returned when Run nesting exceeds maxRunDepth,
// which almost always means guest and host are re-entering each other
// without making progress.
var ErrRecursiveRun = errors.New("backend: run nesting limit exceeded")

// BackendError reports an internal engine failure. Always fatal, never
// silently retried.
type BackendError struct {
	Engine string
	Op     string
	Err    error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Engine, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func backendErr(engine, op string, err error) *BackendError {
	return &BackendError{Engine: engine, Op: op, Err: err}
}

func backendErrf(engine, op, format string, args ...any) *BackendError {
	return &BackendError{Engine: engine, Op: op, Err: fmt.Errorf(format, args...)}
}

// AlignDown rounds addr down to the page boundary.
func AlignDown(addr uint64) uint64 { return addr &^ uint64(PageSize-1) }

// AlignUp rounds addr up to the page boundary.
func AlignUp(addr uint64) uint64 { return (addr + PageSize - 1) &^ uint64(PageSize-1) }
