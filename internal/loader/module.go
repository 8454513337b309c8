package loader

import (
	"fmt"

	"github.com/callng/rnidbg/internal/memory"
)

// State tracks how far a module has progressed through loading. Moving
// backwards or skipping a stage is a programming error in the loader
// itself and panics.
type State int

const (
	Unloaded State = iota
	HeaderValidated
	SegmentsMapped
	SymbolsResolved
	Relocated
	Initialized
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case HeaderValidated:
		return "header-validated"
	case SegmentsMapped:
		return "segments-mapped"
	case SymbolsResolved:
		return "symbols-resolved"
	case Relocated:
		return "relocated"
	case Initialized:
		return "initialized"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Symbol is a defined, exported symbol of a module.
type Symbol struct {
	Name string
	Addr uint64
	Weak bool
}

// Module is one loaded ELF image.
type Module struct {
	Name  string
	Base  uint64
	Size  uint64
	Entry uint64

	state   State
	refs    int
	loading bool // set while DT_NEEDED recursion may revisit us

	deps    []*Module
	exports map[string]Symbol
	regions []*memory.Region

	tlsOffset uint64 // offset from TPIDR_EL0, 0 when no PT_TLS
	tlsSize   uint64

	inits []uint64 // DT_INIT followed by DT_INIT_ARRAY entries
}

func (m *Module) State() State { return m.state }
func (m *Module) RefCount() int { return m.refs }

// End returns the exclusive end of the mapped image.
func (m *Module) End() uint64 { return m.Base + m.Size }

func (m *Module) advance(to State) {
	if to != m.state+1 {
		panic(fmt.Sprintf("loader: module %s: invalid transition %s -> %s", m.Name, m.state, to))
	}
	m.state = to
}

// FindSymbol looks up name in the module's own exports, then in its
// dependencies in declaration order. Returns false when nowhere defined.
func (m *Module) FindSymbol(name string) (Symbol, bool) {
	if s, ok := m.exports[name]; ok {
		return s, true
	}
	for _, d := range m.deps {
		if s, ok := d.FindSymbol(name); ok {
			return s, true
		}
	}
	return Symbol{}, false
}

// Exports returns the module's own exported symbols.
func (m *Module) Exports() []Symbol {
	out := make([]Symbol, 0, len(m.exports))
	for _, s := range m.exports {
		out = append(out, s)
	}
	return out
}

// Dependencies returns the modules loaded for DT_NEEDED entries, in
// declaration order.
func (m *Module) Dependencies() []*Module {
	out := make([]*Module, len(m.deps))
	copy(out, m.deps)
	return out
}
