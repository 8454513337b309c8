//go:build !interp

package backend

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// ucEngine drives guest code through Unicorn Engine's JIT translator.
type ucEngine struct {
	mu uc.Unicorn

	trapHandler  TrapHandler
	faultHandler FaultHandler
	codeHooks    []ucCodeHook
	memHooks     []ucMemHook

	depth     int
	cancelled atomic.Bool

	budget   uint64
	retired  uint64
	stopAddr uint64

	pendingTrap  *TrapInfo
	pendingFault *FaultInfo
	trapStop     bool
}

type ucCodeHook struct {
	lo, hi uint64
	fn     CodeHook
}

type ucMemHook struct {
	access Access
	lo, hi uint64
	fn     MemHook
}

// ucRegMap maps contract registers to Unicorn register ids. X0-X28 are
// contiguous in the Unicorn enum; X29 and X30 are not.
func ucReg(r Reg) (int, error) {
	switch {
	case r >= RegX0 && r <= RegX28:
		return uc.ARM64_REG_X0 + int(r), nil
	case r == RegX29:
		return uc.ARM64_REG_X29, nil
	case r == RegX30:
		return uc.ARM64_REG_X30, nil
	case r == RegSP:
		return uc.ARM64_REG_SP, nil
	case r == RegPC:
		return uc.ARM64_REG_PC, nil
	case r == RegNZCV:
		return uc.ARM64_REG_NZCV, nil
	case r == RegTPIDR:
		return uc.ARM64_REG_TPIDR_EL0, nil
	}
	return 0, fmt.Errorf("unmapped register %v", r)
}

// NewUnicorn creates the Unicorn-backed engine.
func NewUnicorn() (Backend, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, backendErr("unicorn", "create", err)
	}

	e := &ucEngine{mu: mu}
	if err := e.installHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return e, nil
}

func (e *ucEngine) Name() string { return "unicorn" }

func (e *ucEngine) installHooks() error {
	// One global code hook handles cancellation, the instruction budget and
	// range-filtered user hooks; per-range unicorn hooks would need
	// reinstalling on every Add/Remove.
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.cancelled.Load() {
			e.mu.Stop()
			return
		}
		e.retired++
		if e.budget != 0 && e.retired > e.budget {
			e.cancelled.Store(true)
			e.mu.Stop()
			return
		}
		for _, h := range e.codeHooks {
			if addr >= h.lo && addr <= h.hi {
				h.fn(e, addr, size)
			}
		}
	}, 1, 0)
	if err != nil {
		return backendErr("unicorn", "hook code", err)
	}

	_, err = e.mu.HookAdd(uc.HOOK_MEM_READ|uc.HOOK_MEM_WRITE, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
		kind := AccessRead
		if access == uc.MEM_WRITE {
			kind = AccessWrite
		}
		for _, h := range e.memHooks {
			if h.access == kind && addr >= h.lo && addr <= h.hi {
				h.fn(e, kind, addr, size, uint64(value))
			}
		}
	}, 1, 0)
	if err != nil {
		return backendErr("unicorn", "hook mem", err)
	}

	invalid := uc.HOOK_MEM_READ_UNMAPPED | uc.HOOK_MEM_WRITE_UNMAPPED | uc.HOOK_MEM_FETCH_UNMAPPED |
		uc.HOOK_MEM_READ_PROT | uc.HOOK_MEM_WRITE_PROT | uc.HOOK_MEM_FETCH_PROT
	_, err = e.mu.HookAdd(invalid, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)
		kind := AccessRead
		reason := "unmapped"
		switch access {
		case uc.MEM_WRITE_UNMAPPED:
			kind = AccessWrite
		case uc.MEM_FETCH_UNMAPPED:
			kind = AccessFetch
		case uc.MEM_READ_PROT:
			reason = "protection violation"
		case uc.MEM_WRITE_PROT:
			kind, reason = AccessWrite, "protection violation"
		case uc.MEM_FETCH_PROT:
			kind, reason = AccessFetch, "protection violation"
		}
		fault := FaultInfo{Addr: addr, PC: pc, Access: kind, Reason: reason}
		if e.faultHandler != nil && e.faultHandler(fault) {
			// Handler resolved it (stack growth); Unicorn retries the access.
			return true
		}
		e.pendingFault = &fault
		return false
	}, 1, 0)
	if err != nil {
		return backendErr("unicorn", "hook invalid mem", err)
	}

	_, err = e.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		e.handleIntr()
	}, 1, 0)
	if err != nil {
		return backendErr("unicorn", "hook intr", err)
	}
	return nil
}

// handleIntr decodes the SVC immediate and runs the trap handler. Unicorn
// reports PC past the trapping instruction, so the immediate is read from
// pc-4.
func (e *ucEngine) handleIntr() {
	pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)
	insnAddr := pc - 4
	raw, err := e.mu.MemRead(insnAddr, 4)
	if err != nil {
		e.pendingFault = &FaultInfo{Addr: insnAddr, PC: insnAddr, Access: AccessFetch, Reason: "trap fetch failed"}
		e.mu.Stop()
		return
	}
	insn := binary.LittleEndian.Uint32(raw)
	trap := TrapInfo{Number: uint64((insn >> 5) & 0xffff), PC: insnAddr}

	if e.trapHandler == nil {
		e.pendingTrap = &trap
		e.trapStop = true
		e.mu.Stop()
		return
	}

	switch e.trapHandler(e, trap) {
	case TrapResume:
		// Unicorn continues at the (possibly handler-updated) PC.
	case TrapStop:
		e.pendingTrap = &trap
		e.trapStop = true
		e.mu.Stop()
	case TrapFault:
		if e.pendingFault == nil {
			e.pendingFault = &FaultInfo{Addr: insnAddr, PC: insnAddr, Access: AccessFetch, Reason: "trap fault"}
		}
		e.mu.Stop()
	}
}

func ucProt(p MemProt) int {
	prot := 0
	if p&ProtRead != 0 {
		prot |= uc.PROT_READ
	}
	if p&ProtWrite != 0 {
		prot |= uc.PROT_WRITE
	}
	if p&ProtExec != 0 {
		prot |= uc.PROT_EXEC
	}
	return prot
}

func (e *ucEngine) MapRegion(addr, size uint64, prot MemProt) error {
	if err := e.mu.MemMapProt(addr, size, ucProt(prot)); err != nil {
		return backendErr("unicorn", "map", err)
	}
	return nil
}

func (e *ucEngine) UnmapRegion(addr, size uint64) error {
	if err := e.mu.MemUnmap(addr, size); err != nil {
		return backendErr("unicorn", "unmap", err)
	}
	return nil
}

func (e *ucEngine) ProtectRegion(addr, size uint64, prot MemProt) error {
	if err := e.mu.MemProtect(addr, size, ucProt(prot)); err != nil {
		return backendErr("unicorn", "protect", err)
	}
	return nil
}

func (e *ucEngine) ReadMemory(addr, size uint64) ([]byte, error) {
	data, err := e.mu.MemRead(addr, size)
	if err != nil {
		return nil, backendErr("unicorn", "read", err)
	}
	return data, nil
}

func (e *ucEngine) WriteMemory(addr uint64, data []byte) error {
	if err := e.mu.MemWrite(addr, data); err != nil {
		return backendErr("unicorn", "write", err)
	}
	return nil
}

func (e *ucEngine) GetRegister(r Reg) (uint64, error) {
	id, err := ucReg(r)
	if err != nil {
		return 0, backendErr("unicorn", "reg read", err)
	}
	v, err := e.mu.RegRead(id)
	if err != nil {
		return 0, backendErr("unicorn", "reg read", err)
	}
	return v, nil
}

func (e *ucEngine) SetRegister(r Reg, v uint64) error {
	id, err := ucReg(r)
	if err != nil {
		return backendErr("unicorn", "reg write", err)
	}
	if err := e.mu.RegWrite(id, v); err != nil {
		return backendErr("unicorn", "reg write", err)
	}
	return nil
}

func (e *ucEngine) SaveContext() (*Context, error) {
	ctx := &Context{}
	for i := 0; i <= 30; i++ {
		v, err := e.GetRegister(RegX(i))
		if err != nil {
			return nil, err
		}
		ctx.X[i] = v
	}
	var err error
	if ctx.SP, err = e.GetRegister(RegSP); err != nil {
		return nil, err
	}
	if ctx.PC, err = e.GetRegister(RegPC); err != nil {
		return nil, err
	}
	if ctx.NZCV, err = e.GetRegister(RegNZCV); err != nil {
		return nil, err
	}
	if ctx.TPIDR, err = e.GetRegister(RegTPIDR); err != nil {
		return nil, err
	}
	return ctx, nil
}

func (e *ucEngine) RestoreContext(ctx *Context) error {
	for i := 0; i <= 30; i++ {
		if err := e.SetRegister(RegX(i), ctx.X[i]); err != nil {
			return err
		}
	}
	if err := e.SetRegister(RegSP, ctx.SP); err != nil {
		return err
	}
	if err := e.SetRegister(RegPC, ctx.PC); err != nil {
		return err
	}
	if err := e.SetRegister(RegNZCV, ctx.NZCV); err != nil {
		return err
	}
	return e.SetRegister(RegTPIDR, ctx.TPIDR)
}

func (e *ucEngine) Run(start uint64, stop StopCondition) Outcome {
	if e.depth >= maxRunDepth {
		return Outcome{
			Kind:  OutcomeFaulted,
			Fault: FaultInfo{PC: start, Reason: ErrRecursiveRun.Error()},
			Err:   backendErr("unicorn", "run", ErrRecursiveRun),
		}
	}
	e.depth++
	savedTrap, savedFault := e.pendingTrap, e.pendingFault
	savedStop, savedRetired := e.trapStop, e.retired
	savedBudget, savedStopAddr := e.budget, e.stopAddr
	defer func() {
		e.depth--
		e.pendingTrap, e.pendingFault = savedTrap, savedFault
		e.trapStop, e.retired = savedStop, savedRetired
		e.budget, e.stopAddr = savedBudget, savedStopAddr
	}()

	if e.depth == 1 {
		e.cancelled.Store(false)
	}
	e.pendingTrap = nil
	e.pendingFault = nil
	e.trapStop = false
	e.retired = 0
	e.budget = stop.MaxInstructions
	e.stopAddr = stop.Address

	err := e.mu.Start(start, stop.Address)
	pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)

	out := Outcome{PC: pc, Instructions: e.retired}
	switch {
	case e.pendingFault != nil:
		out.Kind = OutcomeFaulted
		out.Fault = *e.pendingFault
	case e.trapStop && e.pendingTrap != nil:
		out.Kind = OutcomeTrapped
		out.Trap = *e.pendingTrap
	case e.cancelled.Load():
		out.Kind = OutcomeCancelled
	case err != nil:
		// Unicorn reports unmapped access both via the invalid-memory hook
		// and as a Start error; anything else is an engine failure.
		if strings.Contains(err.Error(), "nmapped") || strings.Contains(err.Error(), "rotect") {
			out.Kind = OutcomeFaulted
			out.Fault = FaultInfo{Addr: pc, PC: pc, Access: AccessFetch, Reason: err.Error()}
		} else {
			out.Kind = OutcomeFaulted
			out.Err = backendErr("unicorn", "start", err)
			out.Fault = FaultInfo{PC: pc, Reason: err.Error()}
		}
	default:
		out.Kind = OutcomeStopped
	}
	return out
}

func (e *ucEngine) Cancel() {
	e.cancelled.Store(true)
	e.mu.Stop()
}

func (e *ucEngine) RegisterTrapHandler(h TrapHandler) { e.trapHandler = h }

func (e *ucEngine) RegisterFaultHandler(h FaultHandler) { e.faultHandler = h }

func (e *ucEngine) RegisterCodeHook(lo, hi uint64, fn CodeHook) {
	e.codeHooks = append(e.codeHooks, ucCodeHook{lo: lo, hi: hi, fn: fn})
}

func (e *ucEngine) RegisterMemoryHook(access Access, lo, hi uint64, fn MemHook) {
	e.memHooks = append(e.memHooks, ucMemHook{access: access, lo: lo, hi: hi, fn: fn})
}

func (e *ucEngine) SetPendingFault(f FaultInfo) { e.pendingFault = &f }

func (e *ucEngine) Close() error { return e.mu.Close() }
