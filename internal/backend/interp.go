package backend

import (
	"sync"
	"sync/atomic"
)

// interpEngine is the pure-Go AArch64 interpreter. It keeps its own paged
// guest memory and a flat register file, and executes a fetch/decode/execute
// loop with hook dispatch at every instruction boundary.
type interpEngine struct {
	pagesMu sync.RWMutex
	pages   map[uint64]*interpPage

	x     [31]uint64
	sp    uint64
	pc    uint64
	tpidr uint64
	// PSTATE condition flags
	fn, fz, fc, fv bool

	trapHandler  TrapHandler
	faultHandler FaultHandler
	codeHooks    []rangeCodeHook
	memHooks     []rangeMemHook

	depth     int
	cancelled atomic.Bool

	pendingFault *FaultInfo
	pendingTrap  *TrapInfo
	trapStop     bool
	retired      uint64
}

type interpPage struct {
	data [PageSize]byte
	prot MemProt
}

type rangeCodeHook struct {
	lo, hi uint64
	fn     CodeHook
}

type rangeMemHook struct {
	access Access
	lo, hi uint64
	fn     MemHook
}

// NewInterp creates the interpreter-backed engine.
func NewInterp() (Backend, error) {
	return &interpEngine{pages: make(map[uint64]*interpPage)}, nil
}

func (e *interpEngine) Name() string { return "interp" }

func (e *interpEngine) MapRegion(addr, size uint64, prot MemProt) error {
	if addr%PageSize != 0 || size%PageSize != 0 || size == 0 {
		return backendErrf("interp", "map", "unaligned mapping 0x%x+0x%x", addr, size)
	}
	e.pagesMu.Lock()
	defer e.pagesMu.Unlock()
	for p := addr; p < addr+size; p += PageSize {
		if _, ok := e.pages[p]; ok {
			return backendErrf("interp", "map", "page 0x%x already mapped", p)
		}
	}
	for p := addr; p < addr+size; p += PageSize {
		e.pages[p] = &interpPage{prot: prot}
	}
	return nil
}

func (e *interpEngine) UnmapRegion(addr, size uint64) error {
	if addr%PageSize != 0 || size%PageSize != 0 {
		return backendErrf("interp", "unmap", "unaligned range 0x%x+0x%x", addr, size)
	}
	e.pagesMu.Lock()
	defer e.pagesMu.Unlock()
	for p := addr; p < addr+size; p += PageSize {
		if _, ok := e.pages[p]; !ok {
			return backendErrf("interp", "unmap", "page 0x%x not mapped", p)
		}
		delete(e.pages, p)
	}
	return nil
}

func (e *interpEngine) ProtectRegion(addr, size uint64, prot MemProt) error {
	if addr%PageSize != 0 || size%PageSize != 0 {
		return backendErrf("interp", "protect", "unaligned range 0x%x+0x%x", addr, size)
	}
	e.pagesMu.Lock()
	defer e.pagesMu.Unlock()
	for p := addr; p < addr+size; p += PageSize {
		pg, ok := e.pages[p]
		if !ok {
			return backendErrf("interp", "protect", "page 0x%x not mapped", p)
		}
		pg.prot = prot
	}
	return nil
}

// access copies bytes between guest memory and buf, checking want
// permission on every touched page. Crossing page boundaries is allowed.
func (e *interpEngine) access(addr uint64, buf []byte, want MemProt, store bool) *FaultInfo {
	kind := AccessRead
	if store {
		kind = AccessWrite
	} else if want == ProtExec {
		kind = AccessFetch
	}
	off := uint64(0)
	retried := false
	for off < uint64(len(buf)) {
		pageBase := AlignDown(addr + off)
		e.pagesMu.RLock()
		pg, ok := e.pages[pageBase]
		e.pagesMu.RUnlock()
		if !ok || pg.prot&want == 0 {
			reason := "unmapped"
			if ok {
				reason = "protection violation"
			}
			f := &FaultInfo{Addr: addr + off, PC: e.pc, Access: kind, Reason: reason}
			// The fault handler may map missing pages (stack growth);
			// one retry per access keeps a lying handler from looping.
			if !retried && e.faultHandler != nil && e.faultHandler(*f) {
				retried = true
				continue
			}
			return f
		}
		pgOff := addr + off - pageBase
		n := uint64(copy(buf[off:], pg.data[pgOff:]))
		if store {
			n = uint64(copy(pg.data[pgOff:], buf[off:]))
		}
		off += n
	}
	return nil
}

// ReadMemory is the host-side view: it ignores guest permissions, matching
// Unicorn's mem_read semantics. Only mapping is required.
func (e *interpEngine) ReadMemory(addr, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	e.pagesMu.RLock()
	defer e.pagesMu.RUnlock()
	off := uint64(0)
	for off < size {
		pageBase := AlignDown(addr + off)
		pg, ok := e.pages[pageBase]
		if !ok {
			return nil, backendErrf("interp", "read", "unmapped address 0x%x", addr+off)
		}
		pgOff := addr + off - pageBase
		off += uint64(copy(buf[off:], pg.data[pgOff:]))
	}
	return buf, nil
}

func (e *interpEngine) WriteMemory(addr uint64, data []byte) error {
	e.pagesMu.RLock()
	defer e.pagesMu.RUnlock()
	off := uint64(0)
	for off < uint64(len(data)) {
		pageBase := AlignDown(addr + off)
		pg, ok := e.pages[pageBase]
		if !ok {
			return backendErrf("interp", "write", "unmapped address 0x%x", addr+off)
		}
		pgOff := addr + off - pageBase
		off += uint64(copy(pg.data[pgOff:], data[off:]))
	}
	return nil
}

func (e *interpEngine) GetRegister(r Reg) (uint64, error) {
	switch {
	case r >= RegX0 && r <= RegX30:
		return e.x[r], nil
	case r == RegSP:
		return e.sp, nil
	case r == RegPC:
		return e.pc, nil
	case r == RegNZCV:
		return e.nzcv(), nil
	case r == RegTPIDR:
		return e.tpidr, nil
	}
	return 0, backendErrf("interp", "reg read", "unmapped register %v", r)
}

func (e *interpEngine) SetRegister(r Reg, v uint64) error {
	switch {
	case r >= RegX0 && r <= RegX30:
		e.x[r] = v
	case r == RegSP:
		e.sp = v
	case r == RegPC:
		e.pc = v
	case r == RegNZCV:
		e.fn = v&(1<<31) != 0
		e.fz = v&(1<<30) != 0
		e.fc = v&(1<<29) != 0
		e.fv = v&(1<<28) != 0
	case r == RegTPIDR:
		e.tpidr = v
	default:
		return backendErrf("interp", "reg write", "unmapped register %v", r)
	}
	return nil
}

func (e *interpEngine) nzcv() uint64 {
	var v uint64
	if e.fn {
		v |= 1 << 31
	}
	if e.fz {
		v |= 1 << 30
	}
	if e.fc {
		v |= 1 << 29
	}
	if e.fv {
		v |= 1 << 28
	}
	return v
}

func (e *interpEngine) SaveContext() (*Context, error) {
	ctx := &Context{SP: e.sp, PC: e.pc, NZCV: e.nzcv(), TPIDR: e.tpidr}
	copy(ctx.X[:], e.x[:])
	return ctx, nil
}

func (e *interpEngine) RestoreContext(ctx *Context) error {
	copy(e.x[:], ctx.X[:])
	e.sp, e.pc, e.tpidr = ctx.SP, ctx.PC, ctx.TPIDR
	return e.SetRegister(RegNZCV, ctx.NZCV)
}

func (e *interpEngine) Run(start uint64, stop StopCondition) Outcome {
	if e.depth >= maxRunDepth {
		return Outcome{
			Kind:  OutcomeFaulted,
			Fault: FaultInfo{PC: start, Reason: ErrRecursiveRun.Error()},
			Err:   backendErr("interp", "run", ErrRecursiveRun),
		}
	}
	e.depth++
	savedFault, savedTrap := e.pendingFault, e.pendingTrap
	savedStop, savedRetired := e.trapStop, e.retired
	defer func() {
		e.depth--
		e.pendingFault, e.pendingTrap = savedFault, savedTrap
		e.trapStop, e.retired = savedStop, savedRetired
	}()

	if e.depth == 1 {
		e.cancelled.Store(false)
	}
	e.pendingFault = nil
	e.pendingTrap = nil
	e.trapStop = false
	e.retired = 0
	e.pc = start

	for {
		if e.cancelled.Load() {
			return e.finish(OutcomeCancelled)
		}
		if stop.MaxInstructions != 0 && e.retired >= stop.MaxInstructions {
			e.cancelled.Store(true)
			return e.finish(OutcomeCancelled)
		}
		if stop.Address != 0 && e.pc == stop.Address {
			return e.finish(OutcomeStopped)
		}

		insnAddr := e.pc
		for _, h := range e.codeHooks {
			if insnAddr >= h.lo && insnAddr <= h.hi {
				h.fn(e, insnAddr, 4)
			}
		}
		if e.cancelled.Load() {
			return e.finish(OutcomeCancelled)
		}
		if e.pc != insnAddr {
			// A hook redirected (or skipped) the current instruction.
			continue
		}

		var raw [4]byte
		if f := e.access(insnAddr, raw[:], ProtExec, false); f != nil {
			e.pendingFault = f
			return e.finish(OutcomeFaulted)
		}
		insn := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24

		err := e.exec(insn)
		e.retired++
		switch {
		case e.pendingFault != nil:
			return e.finish(OutcomeFaulted)
		case e.trapStop:
			return e.finish(OutcomeTrapped)
		case err != nil:
			out := e.finish(OutcomeFaulted)
			out.Err = err
			out.Fault = FaultInfo{Addr: insnAddr, PC: insnAddr, Access: AccessFetch, Reason: err.Error()}
			return out
		}
	}
}

func (e *interpEngine) finish(kind OutcomeKind) Outcome {
	out := Outcome{Kind: kind, PC: e.pc, Instructions: e.retired}
	if kind == OutcomeFaulted && e.pendingFault != nil {
		out.Fault = *e.pendingFault
	}
	if kind == OutcomeTrapped && e.pendingTrap != nil {
		out.Trap = *e.pendingTrap
	}
	return out
}

// handleTrap mirrors the Unicorn adapter: PC has already been advanced past
// the trapping instruction when the handler runs.
func (e *interpEngine) handleTrap(number, insnAddr uint64) {
	trap := TrapInfo{Number: number, PC: insnAddr}
	if e.trapHandler == nil {
		e.pendingTrap = &trap
		e.trapStop = true
		return
	}
	switch e.trapHandler(e, trap) {
	case TrapResume:
	case TrapStop:
		e.pendingTrap = &trap
		e.trapStop = true
	case TrapFault:
		if e.pendingFault == nil {
			e.pendingFault = &FaultInfo{Addr: insnAddr, PC: insnAddr, Access: AccessFetch, Reason: "trap fault"}
		}
	}
}

func (e *interpEngine) fireMemHooks(access Access, addr uint64, size int, value uint64) {
	for _, h := range e.memHooks {
		if h.access == access && addr >= h.lo && addr <= h.hi {
			h.fn(e, access, addr, size, value)
		}
	}
}

func (e *interpEngine) Cancel() { e.cancelled.Store(true) }

func (e *interpEngine) RegisterTrapHandler(h TrapHandler) { e.trapHandler = h }

func (e *interpEngine) RegisterFaultHandler(h FaultHandler) { e.faultHandler = h }

func (e *interpEngine) RegisterCodeHook(lo, hi uint64, fn CodeHook) {
	e.codeHooks = append(e.codeHooks, rangeCodeHook{lo: lo, hi: hi, fn: fn})
}

func (e *interpEngine) RegisterMemoryHook(access Access, lo, hi uint64, fn MemHook) {
	e.memHooks = append(e.memHooks, rangeMemHook{access: access, lo: lo, hi: hi, fn: fn})
}

func (e *interpEngine) SetPendingFault(f FaultInfo) { e.pendingFault = &f }

func (e *interpEngine) Close() error {
	e.pagesMu.Lock()
	e.pages = make(map[uint64]*interpPage)
	e.pagesMu.Unlock()
	return nil
}
