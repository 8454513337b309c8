// Package dispatch routes guest traps to host code: Linux syscall
// emulation for `svc #0`, and registered host stubs for every other SVC
// number. The stub region follows the reserved-SVC-page design: host
// entry points are tiny `svc #N; ret` sequences in guest memory.
package dispatch

import (
	"fmt"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/log"
)

// Policy decides what an unimplemented trap does to the run.
type Policy int

const (
	// PolicyBestEffort logs the trap, writes a default return value of
	// zero, and continues. The default: most Android init code probes
	// syscalls it can live without.
	PolicyBestEffort Policy = iota
	// PolicyStrict aborts the run with a fault.
	PolicyStrict
)

func (p Policy) String() string {
	if p == PolicyStrict {
		return "strict"
	}
	return "best-effort"
}

// Handler services one trap. It reads arguments and writes results
// through the backend's registers and memory, then picks the action.
type Handler func(b backend.Backend, trap backend.TrapInfo) backend.TrapAction

// SyscallError describes a failed or rejected syscall emulation.
type SyscallError struct {
	Number uint64
	Name   string
	Err    error
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("syscall %s (%d): %v", e.Name, e.Number, e.Err)
}

func (e *SyscallError) Unwrap() error { return e.Err }

// Dispatcher owns the trap table for one emulator instance.
type Dispatcher struct {
	policy Policy
	svc    *SvcMemory
	sys    *SyscallState

	// overrides installed via RegisterSyscallHandler, keyed by the
	// Linux syscall number (X8), consulted before the built-ins
	overrides map[uint64]Handler
}

func NewDispatcher(svc *SvcMemory, sys *SyscallState, policy Policy) *Dispatcher {
	return &Dispatcher{
		policy:    policy,
		svc:       svc,
		sys:       sys,
		overrides: make(map[uint64]Handler),
	}
}

func (d *Dispatcher) Policy() Policy        { return d.policy }
func (d *Dispatcher) SetPolicy(p Policy)    { d.policy = p }
func (d *Dispatcher) Syscalls() *SyscallState { return d.sys }
func (d *Dispatcher) SvcMemory() *SvcMemory { return d.svc }

// RegisterSyscallHandler overrides the emulation of one Linux syscall
// number.
func (d *Dispatcher) RegisterSyscallHandler(number uint64, h Handler) {
	d.overrides[number] = h
}

// HandleTrap is installed as the backend's trap handler. SVC #0 is the
// Linux syscall convention (number in X8); any other SVC number selects
// a registered stub.
func (d *Dispatcher) HandleTrap(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	if trap.Number == 0 {
		return d.handleSyscall(b, trap)
	}
	if stub, ok := d.svc.Lookup(trap.Number); ok {
		return stub.Handler(b, trap)
	}
	return d.unhandled(b, trap.Number, fmt.Sprintf("svc #%d", trap.Number))
}

func (d *Dispatcher) handleSyscall(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	number, err := b.GetRegister(backend.RegX(8))
	if err != nil {
		return backend.TrapFault
	}
	if h, ok := d.overrides[number]; ok {
		return h(b, trap)
	}
	return d.sys.dispatch(d, b, trap, number)
}

// unhandled applies the configured policy to a trap nothing services.
func (d *Dispatcher) unhandled(b backend.Backend, number uint64, what string) backend.TrapAction {
	log.L.SyscallUnhandled(number, d.policy.String())
	if d.policy == PolicyStrict {
		return backend.TrapFault
	}
	// Default result, keep going.
	_ = b.SetRegister(backend.RegX(0), 0)
	return backend.TrapResume
}
