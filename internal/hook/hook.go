// Package hook lets embedders observe and steer guest execution:
// instruction, memory, and interrupt hooks with stable firing order.
package hook

import (
	"sync"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/log"
)

// Kind selects what a hook observes.
type Kind int

const (
	KindInstruction Kind = iota
	KindMemRead
	KindMemWrite
	KindInterrupt
)

func (k Kind) String() string {
	switch k {
	case KindInstruction:
		return "instruction"
	case KindMemRead:
		return "mem-read"
	case KindMemWrite:
		return "mem-write"
	case KindInterrupt:
		return "interrupt"
	}
	return "unknown"
}

// ID names one registered hook. IDs are monotonic, so they double as
// the registration-order tie-break.
type ID uint64

// Event is what a callback receives. Backend gives register and memory
// access; mutations are visible to the guest immediately.
type Event struct {
	ID      ID
	Kind    Kind
	PC      uint64
	Addr    uint64 // accessed address for memory hooks, PC otherwise
	Size    int
	Value   uint64 // written value for mem-write, SVC number for interrupt
	Backend backend.Backend

	skip *bool
}

// RequestSkip asks the engine to skip the current instruction. Only
// meaningful from an instruction hook.
func (e Event) RequestSkip() {
	if e.skip != nil {
		*e.skip = true
	}
}

// RequestStop cancels the run at the current instruction boundary.
func (e Event) RequestStop() { e.Backend.Cancel() }

// Callback runs at the instruction boundary it hooked.
type Callback func(Event)

type entry struct {
	id      ID
	kind    Kind
	lo, hi  uint64
	cb      Callback
	enabled bool
	oneShot bool
}

// Manager owns all hooks for one backend. It installs one backend-level
// hook per kind and fans out, so hook mutation never touches the engine.
type Manager struct {
	mu     sync.Mutex
	b      backend.Backend
	hooks  []*entry // registration order
	nextID ID
}

func NewManager(b backend.Backend) *Manager {
	m := &Manager{b: b, nextID: 1}
	b.RegisterCodeHook(0, ^uint64(0), m.onCode)
	b.RegisterMemoryHook(backend.AccessRead, 0, ^uint64(0), m.onMem(KindMemRead))
	b.RegisterMemoryHook(backend.AccessWrite, 0, ^uint64(0), m.onMem(KindMemWrite))
	return m
}

// Add registers a callback for kind over [lo, hi] and returns its ID.
// For KindInterrupt the range filters the SVC number.
func (m *Manager) Add(kind Kind, lo, hi uint64, cb Callback) ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.hooks = append(m.hooks, &entry{id: id, kind: kind, lo: lo, hi: hi, cb: cb, enabled: true})
	return id
}

func (m *Manager) Remove(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.hooks {
		if e.id == id {
			m.hooks = append(m.hooks[:i], m.hooks[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) Enable(id ID) bool  { return m.setEnabled(id, true) }
func (m *Manager) Disable(id ID) bool { return m.setEnabled(id, false) }

func (m *Manager) setEnabled(id ID, v bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.hooks {
		if e.id == id {
			e.enabled = v
			return true
		}
	}
	return false
}

// Step plants a one-shot instruction hook at the next sequential
// address after the current PC.
func (m *Manager) Step(cb Callback) (ID, error) {
	pc, err := m.b.GetRegister(backend.RegPC)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	next := pc + 4
	m.hooks = append(m.hooks, &entry{id: id, kind: KindInstruction, lo: next, hi: next, cb: cb, enabled: true, oneShot: true})
	return id, nil
}

// matching snapshots the hooks to fire so a callback may add or remove
// hooks without invalidating the pass.
func (m *Manager) matching(kind Kind, key uint64) []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entry
	for _, e := range m.hooks {
		if e.enabled && e.kind == kind && key >= e.lo && key <= e.hi {
			out = append(out, e)
		}
	}
	return out
}

func (m *Manager) onCode(b backend.Backend, addr uint64, size uint32) {
	fired := m.matching(KindInstruction, addr)
	if len(fired) == 0 {
		return
	}
	skip := false
	for _, e := range fired {
		log.L.HookFire(uint64(e.id), addr)
		e.cb(Event{ID: e.id, Kind: KindInstruction, PC: addr, Addr: addr, Size: int(size), Backend: b, skip: &skip})
		if e.oneShot {
			m.Remove(e.id)
		}
	}
	if skip {
		_ = b.SetRegister(backend.RegPC, addr+uint64(size))
	}
}

func (m *Manager) onMem(kind Kind) backend.MemHook {
	return func(b backend.Backend, access backend.Access, addr uint64, size int, value uint64) {
		pc, _ := b.GetRegister(backend.RegPC)
		for _, e := range m.matching(kind, addr) {
			log.L.HookFire(uint64(e.id), addr)
			e.cb(Event{ID: e.id, Kind: kind, PC: pc, Addr: addr, Size: size, Value: value, Backend: b})
			if e.oneShot {
				m.Remove(e.id)
			}
		}
	}
}

// OnTrap fires interrupt hooks for an SVC number. The dispatcher calls
// it before servicing the trap.
func (m *Manager) OnTrap(b backend.Backend, trap backend.TrapInfo) {
	for _, e := range m.matching(KindInterrupt, trap.Number) {
		log.L.HookFire(uint64(e.id), trap.PC)
		e.cb(Event{ID: e.id, Kind: KindInterrupt, PC: trap.PC, Addr: trap.PC, Value: trap.Number, Backend: b})
		if e.oneShot {
			m.Remove(e.id)
		}
	}
}
