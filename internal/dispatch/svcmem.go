package dispatch

import (
	"encoding/binary"
	"fmt"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/log"
	"github.com/callng/rnidbg/internal/memory"
)

// SvcMemory is a reserved executable region holding host stubs. Each
// registered stub is the two-instruction sequence
//
//	svc #N
//	ret
//
// at a unique address. Calling the address traps into the dispatcher
// with number N; on resume the ret returns to the guest caller. The
// loader binds unresolved imports to these addresses, and the bridge
// builds its function tables out of them.
type SvcMemory struct {
	mem    *memory.Manager
	region *memory.Region
	next   uint64

	// SVC number 0 is the Linux syscall convention, so stubs start at 1.
	nextNumber uint64
	byNumber   map[uint64]*Stub
	byAddr     map[uint64]*Stub
}

// Stub is one registered host entry point.
type Stub struct {
	Number  uint64
	Name    string
	Addr    uint64
	Handler Handler
}

const stubSize = 8 // svc + ret

func svcInsn(number uint64) uint32 { return 0xd4000001 | uint32(number)<<5 }

const retInsn = 0xd65f03c0

// NewSvcMemory maps size bytes of stub space.
func NewSvcMemory(mem *memory.Manager, size uint64) (*SvcMemory, error) {
	region, err := mem.Map(0, memory.AlignUp(size, uint64(backend.PageSize)),
		backend.ProtRead|backend.ProtExec, "svc stubs")
	if err != nil {
		return nil, err
	}
	return &SvcMemory{
		mem:        mem,
		region:     region,
		next:       region.Base,
		nextNumber: 1,
		byNumber:   make(map[uint64]*Stub),
		byAddr:     make(map[uint64]*Stub),
	}, nil
}

// Register allocates a stub for name and returns its guest address.
func (s *SvcMemory) Register(name string, h Handler) (uint64, error) {
	if s.next+stubSize > s.region.End() {
		return 0, fmt.Errorf("svc memory exhausted registering %q", name)
	}
	if s.nextNumber > 0xffff {
		return 0, fmt.Errorf("svc number space exhausted registering %q", name)
	}

	stub := &Stub{Number: s.nextNumber, Name: name, Addr: s.next, Handler: h}
	var code [stubSize]byte
	binary.LittleEndian.PutUint32(code[0:], svcInsn(stub.Number))
	binary.LittleEndian.PutUint32(code[4:], retInsn)
	// The region is R-X for the guest; stub installation writes through
	// the backend directly.
	if err := s.mem.Backend().WriteMemory(stub.Addr, code[:]); err != nil {
		return 0, err
	}

	s.next += stubSize
	s.nextNumber++
	s.byNumber[stub.Number] = stub
	s.byAddr[stub.Addr] = stub
	log.L.StubBind(name, stub.Addr)
	return stub.Addr, nil
}

// Lookup returns the stub registered under an SVC number.
func (s *SvcMemory) Lookup(number uint64) (*Stub, bool) {
	st, ok := s.byNumber[number]
	return st, ok
}

// StubAt returns the stub at a guest address, for trace labeling.
func (s *SvcMemory) StubAt(addr uint64) (*Stub, bool) {
	st, ok := s.byAddr[addr]
	return st, ok
}

// Contains reports whether addr falls inside the stub region.
func (s *SvcMemory) Contains(addr uint64) bool { return s.region.Contains(addr) }

// Stubs lists all registered stubs in allocation order.
func (s *SvcMemory) Stubs() []*Stub {
	out := make([]*Stub, 0, len(s.byNumber))
	for n := uint64(1); n < s.nextNumber; n++ {
		if st, ok := s.byNumber[n]; ok {
			out = append(out, st)
		}
	}
	return out
}
