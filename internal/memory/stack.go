package memory

import (
	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/log"
)

// Stack is a downward-growing mapping at the top of the arena. The range
// below the mapped pages, down to the growth limit, acts as a guard: a
// fault landing within guard distance of the mapped low end grows the
// stack instead of being reported, up to the configured maximum.
type Stack struct {
	mgr   *Manager
	top   uint64 // exclusive high end
	lo    uint64 // current mapped low end
	limit uint64 // lowest address growth may reach
	guard uint64
}

// MapStack maps an initial stack of size bytes with a guard window of
// guard bytes and a total growth budget of max bytes. All three are
// rounded up to page size.
func (m *Manager) MapStack(size, guard, max uint64) (*Stack, error) {
	size = AlignUp(size, uint64(backend.PageSize))
	guard = AlignUp(guard, uint64(backend.PageSize))
	max = AlignUp(max, uint64(backend.PageSize))
	if max < size {
		max = size
	}

	top := AlignDown(m.cfg.ArenaBase+m.cfg.ArenaSize, uint64(backend.PageSize))
	lo := top - size
	if _, err := m.Map(lo, size, backend.ProtRead|backend.ProtWrite, "stack"); err != nil {
		return nil, err
	}
	return &Stack{mgr: m, top: top, lo: lo, limit: top - max, guard: guard}, nil
}

// Top returns the exclusive high end of the stack. Initial SP is derived
// from it by the caller.
func (s *Stack) Top() uint64 { return s.top }

// MappedLow returns the current low end of the mapped stack pages.
func (s *Stack) MappedLow() uint64 { return s.lo }

// GrowOnFault handles a fault at addr. When addr falls in the guard
// window below the mapped pages and the growth budget allows, the stack
// is extended down to cover it and true is returned. Any other address
// is not a stack access and is left to the normal fault path.
func (s *Stack) GrowOnFault(addr uint64) (bool, error) {
	if addr >= s.lo || addr < s.limit {
		return false, nil
	}
	if s.lo-addr > s.guard {
		// Too far below the stack to be honest growth.
		return false, nil
	}
	newLo := AlignDown(addr, uint64(backend.PageSize))
	if newLo < s.limit {
		newLo = s.limit
	}
	if _, err := s.mgr.Map(newLo, s.lo-newLo, backend.ProtRead|backend.ProtWrite, "stack"); err != nil {
		return false, err
	}
	grown := s.lo - newLo
	s.lo = newLo
	log.L.Debug("stack grow", log.Addr(addr), log.Size(grown))
	return true, nil
}
