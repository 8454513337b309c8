package memory

import (
	"testing"

	"github.com/callng/rnidbg/internal/backend"
)

func TestMapStackLayout(t *testing.T) {
	m := newTestManager(t)
	s, err := m.MapStack(64*1024, 16*1024, 256*1024)
	if err != nil {
		t.Fatalf("MapStack: %v", err)
	}
	if s.Top()%backend.PageSize != 0 {
		t.Errorf("top %#x not page aligned", s.Top())
	}
	if s.Top()-s.MappedLow() != 64*1024 {
		t.Errorf("mapped size = %#x, want 64K", s.Top()-s.MappedLow())
	}
	// The initial pages are writable.
	if err := m.Write(s.Top()-16, make([]byte, 16)); err != nil {
		t.Errorf("write to stack: %v", err)
	}
}

func TestGrowOnFault(t *testing.T) {
	m := newTestManager(t)
	s, err := m.MapStack(64*1024, 32*1024, 256*1024)
	if err != nil {
		t.Fatalf("MapStack: %v", err)
	}

	target := s.MappedLow() - 8 // just below the mapped pages
	grown, err := s.GrowOnFault(target)
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	if !grown {
		t.Fatal("fault inside guard window did not grow the stack")
	}
	if s.MappedLow() > target {
		t.Errorf("mapped low %#x still above fault %#x", s.MappedLow(), target)
	}
	if err := m.Write(target, []byte{1}); err != nil {
		t.Errorf("write to grown page: %v", err)
	}
}

func TestGrowOnFaultOutsideGuard(t *testing.T) {
	m := newTestManager(t)
	s, err := m.MapStack(64*1024, 16*1024, 256*1024)
	if err != nil {
		t.Fatalf("MapStack: %v", err)
	}

	// Far below the guard window: not stack growth, a real fault.
	grown, err := s.GrowOnFault(s.MappedLow() - 128*1024)
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	if grown {
		t.Error("grew for an address outside the guard window")
	}

	// Above the mapped low end: already mapped, nothing to do.
	grown, err = s.GrowOnFault(s.MappedLow() + 8)
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	if grown {
		t.Error("grew for an already-mapped address")
	}
}

func TestGrowOnFaultBudget(t *testing.T) {
	m := newTestManager(t)
	s, err := m.MapStack(64*1024, 64*1024, 128*1024)
	if err != nil {
		t.Fatalf("MapStack: %v", err)
	}

	// Growth stops at the configured maximum: the limit is 128K below
	// the top, and the guard window tracks the moving low end.
	grown, err := s.GrowOnFault(s.Top() - 128*1024 - 8)
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	if grown {
		t.Error("grew past the maximum stack size")
	}
}
