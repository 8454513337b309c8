package dispatch

import (
	"fmt"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/log"
	"github.com/callng/rnidbg/internal/memory"
)

// HostStubs resolves dangling imports to host implementations. A small
// set of libc entry points that initialization code leans on (the
// allocator, the mem*/str* family, bionic odds and ends) is emulated
// for real; everything else binds to a generic stub whose behavior
// follows the dispatcher policy when it is actually called. Weak
// imports that nothing implements stay null, matching the linker.
type HostStubs struct {
	mem  *memory.Manager
	svc  *SvcMemory
	disp *Dispatcher

	heap     *memory.Region
	heapNext uint64
	allocs   map[uint64]uint64

	known  map[string]Handler
	byName map[string]uint64

	errnoSlot uint64
	dlerrMsg  uint64
}

const heapAlign = 16

// NewHostStubs maps heapSize bytes of host-managed heap and builds the
// known-symbol table.
func NewHostStubs(mem *memory.Manager, svc *SvcMemory, disp *Dispatcher, heapSize uint64) (*HostStubs, error) {
	heap, err := mem.Map(0, memory.AlignUp(heapSize, uint64(backend.PageSize)),
		backend.ProtRead|backend.ProtWrite, "libc heap")
	if err != nil {
		return nil, err
	}
	s := &HostStubs{
		mem:      mem,
		svc:      svc,
		disp:     disp,
		heap:     heap,
		heapNext: heap.Base,
		allocs:   make(map[uint64]uint64),
		byName:   make(map[string]uint64),
	}
	s.known = map[string]Handler{
		"malloc":              s.malloc,
		"calloc":              s.calloc,
		"realloc":             s.realloc,
		"free":                s.free,
		"memcpy":              s.memcpy,
		"memmove":             s.memcpy,
		"memset":              s.memset,
		"memcmp":              s.memcmp,
		"strlen":              s.strlen,
		"strcmp":              s.strcmp,
		"strncmp":             s.strncmp,
		"strcpy":              s.strcpy,
		"strdup":              s.strdup,
		"abort":               s.abort,
		"__stack_chk_fail":    s.stackChkFail,
		"__errno":             s.errno,
		"__cxa_atexit":        retZeroStub,
		"__cxa_finalize":      retZeroStub,
		"pthread_mutex_init":  retZeroStub,
		"pthread_mutex_lock":  retZeroStub,
		"pthread_mutex_unlock": retZeroStub,
		"pthread_mutex_destroy": retZeroStub,
		"pthread_cond_init":   retZeroStub,
		"pthread_cond_signal": retZeroStub,
		"pthread_cond_broadcast": retZeroStub,
		"pthread_key_create":  retZeroStub,
		"pthread_setspecific": retZeroStub,
		"pthread_getspecific": retZeroStub,
		"pthread_self":        s.pthreadSelf,
		"dlopen":              retZeroStub,
		"dlsym":               retZeroStub,
		"dlclose":             retZeroStub,
		"dlerror":             s.dlerror,
		"__android_log_print": s.androidLogPrint,
	}
	return s, nil
}

// Resolve is the loader's host-symbol fallback. Known names get their
// emulated handler, unknown strong imports get a late-failing stub, and
// unknown weak imports stay unresolved so the linker nulls them.
func (s *HostStubs) Resolve(name string, weak bool) (uint64, bool) {
	if addr, ok := s.byName[name]; ok {
		return addr, true
	}
	h, known := s.known[name]
	if !known {
		if weak {
			return 0, false
		}
		h = s.unresolved(name)
	}
	addr, err := s.svc.Register(name, h)
	if err != nil {
		return 0, false
	}
	s.byName[name] = addr
	return addr, true
}

// unresolved builds the stub behind a strong import nothing implements.
// Calling it is the failure, not binding it.
func (s *HostStubs) unresolved(name string) Handler {
	return func(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
		log.L.Trace(trap.PC, "libc", name, "unresolved import called")
		if s.disp.Policy() == PolicyStrict {
			b.SetPendingFault(backend.FaultInfo{
				Addr:   trap.PC,
				PC:     trap.PC,
				Access: backend.AccessFetch,
				Reason: fmt.Sprintf("unresolved import %s", name),
			})
			return backend.TrapFault
		}
		return ret(b, 0)
	}
}

func retZeroStub(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	return ret(b, 0)
}

// alloc carves n bytes from the bump heap. Freed blocks are not reused;
// guest init code allocates little enough that this never matters.
func (s *HostStubs) alloc(n uint64) uint64 {
	if n == 0 {
		n = 1
	}
	n = memory.AlignUp(n, uint64(heapAlign))
	if s.heapNext+n > s.heap.End() {
		return 0
	}
	addr := s.heapNext
	s.heapNext += n
	s.allocs[addr] = n
	return addr
}

func (s *HostStubs) malloc(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	size := arg(b, 0)
	addr := s.alloc(size)
	log.L.Trace(trap.PC, "libc", "malloc", fmt.Sprintf("size=%d -> %s", size, log.Hex(addr)))
	return ret(b, addr)
}

func (s *HostStubs) calloc(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	n, size := arg(b, 0), arg(b, 1)
	if n != 0 && size > ^uint64(0)/n {
		// bionic returns NULL when the product overflows.
		return ret(b, 0)
	}
	total := n * size
	addr := s.alloc(total)
	if addr != 0 {
		// Bump-allocated pages start zeroed but the block may follow a
		// freed one, so clear explicitly.
		_ = s.mem.Write(addr, make([]byte, memory.AlignUp(total, heapAlign)))
	}
	return ret(b, addr)
}

func (s *HostStubs) realloc(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	old, size := arg(b, 0), arg(b, 1)
	if old == 0 {
		return ret(b, s.alloc(size))
	}
	oldSize, ok := s.allocs[old]
	if !ok {
		return ret(b, 0)
	}
	if size <= oldSize {
		return ret(b, old)
	}
	addr := s.alloc(size)
	if addr != 0 {
		if data, err := s.mem.Read(old, oldSize); err == nil {
			_ = s.mem.Write(addr, data)
		}
		delete(s.allocs, old)
	}
	return ret(b, addr)
}

func (s *HostStubs) free(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	delete(s.allocs, arg(b, 0))
	return backend.TrapResume
}

func (s *HostStubs) memcpy(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	dst, src, n := arg(b, 0), arg(b, 1), arg(b, 2)
	if n != 0 {
		data, err := s.mem.Read(src, n)
		if err != nil {
			return bufFault(b, src, backend.AccessRead)
		}
		if err := s.mem.Write(dst, data); err != nil {
			return bufFault(b, dst, backend.AccessWrite)
		}
	}
	return ret(b, dst)
}

func (s *HostStubs) memset(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	dst, c, n := arg(b, 0), arg(b, 1), arg(b, 2)
	if n != 0 {
		fill := make([]byte, n)
		if byte(c) != 0 {
			for i := range fill {
				fill[i] = byte(c)
			}
		}
		if err := s.mem.Write(dst, fill); err != nil {
			return bufFault(b, dst, backend.AccessWrite)
		}
	}
	return ret(b, dst)
}

func (s *HostStubs) memcmp(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	p1, p2, n := arg(b, 0), arg(b, 1), arg(b, 2)
	d1, err := s.mem.Read(p1, n)
	if err != nil {
		return bufFault(b, p1, backend.AccessRead)
	}
	d2, err := s.mem.Read(p2, n)
	if err != nil {
		return bufFault(b, p2, backend.AccessRead)
	}
	for i := range d1 {
		if d1[i] != d2[i] {
			if d1[i] < d2[i] {
				return ret(b, sysErr(1))
			}
			return ret(b, 1)
		}
	}
	return ret(b, 0)
}

func (s *HostStubs) cstring(b backend.Backend, addr uint64) (string, bool) {
	var out []byte
	for len(out) < 1<<16 {
		chunk, err := b.ReadMemory(addr+uint64(len(out)), 64)
		if err != nil {
			return "", false
		}
		for _, c := range chunk {
			if c == 0 {
				return string(out), true
			}
			out = append(out, c)
		}
	}
	return string(out), true
}

func (s *HostStubs) strlen(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	p := arg(b, 0)
	str, ok := s.cstring(b, p)
	if !ok {
		return bufFault(b, p, backend.AccessRead)
	}
	return ret(b, uint64(len(str)))
}

func (s *HostStubs) strcmp(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	return s.strcmpN(b, ^uint64(0))
}

func (s *HostStubs) strncmp(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	return s.strcmpN(b, arg(b, 2))
}

func (s *HostStubs) strcmpN(b backend.Backend, n uint64) backend.TrapAction {
	p1, p2 := arg(b, 0), arg(b, 1)
	s1, ok := s.cstring(b, p1)
	if !ok {
		return bufFault(b, p1, backend.AccessRead)
	}
	s2, ok := s.cstring(b, p2)
	if !ok {
		return bufFault(b, p2, backend.AccessRead)
	}
	if n != ^uint64(0) {
		if uint64(len(s1)) > n {
			s1 = s1[:n]
		}
		if uint64(len(s2)) > n {
			s2 = s2[:n]
		}
	}
	switch {
	case s1 < s2:
		return ret(b, sysErr(1))
	case s1 > s2:
		return ret(b, 1)
	}
	return ret(b, 0)
}

func (s *HostStubs) strcpy(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	dst, src := arg(b, 0), arg(b, 1)
	str, ok := s.cstring(b, src)
	if !ok {
		return bufFault(b, src, backend.AccessRead)
	}
	if err := s.mem.Write(dst, append([]byte(str), 0)); err != nil {
		return bufFault(b, dst, backend.AccessWrite)
	}
	return ret(b, dst)
}

func (s *HostStubs) strdup(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	src := arg(b, 0)
	str, ok := s.cstring(b, src)
	if !ok {
		return bufFault(b, src, backend.AccessRead)
	}
	addr := s.alloc(uint64(len(str)) + 1)
	if addr != 0 {
		_ = s.mem.Write(addr, append([]byte(str), 0))
	}
	return ret(b, addr)
}

func (s *HostStubs) abort(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	b.SetPendingFault(backend.FaultInfo{
		Addr: trap.PC, PC: trap.PC, Access: backend.AccessFetch, Reason: "abort called",
	})
	return backend.TrapFault
}

func (s *HostStubs) stackChkFail(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	b.SetPendingFault(backend.FaultInfo{
		Addr: trap.PC, PC: trap.PC, Access: backend.AccessFetch, Reason: "stack canary check failed",
	})
	return backend.TrapFault
}

// errno returns a stable pointer to a four-byte errno slot, the bionic
// __errno contract. Handlers here report errors through return values,
// so the slot stays zero unless guest code writes it.
func (s *HostStubs) errno(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	if s.errnoSlot == 0 {
		s.errnoSlot = s.alloc(4)
	}
	return ret(b, s.errnoSlot)
}

func (s *HostStubs) pthreadSelf(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	return ret(b, uint64(s.disp.Syscalls().MainTID))
}

func (s *HostStubs) dlerror(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	if s.dlerrMsg == 0 {
		msg := []byte("dynamic loading is not available\x00")
		s.dlerrMsg = s.alloc(uint64(len(msg)))
		if s.dlerrMsg != 0 {
			_ = s.mem.Write(s.dlerrMsg, msg)
		}
	}
	return ret(b, s.dlerrMsg)
}

func (s *HostStubs) androidLogPrint(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	prio := arg(b, 0)
	tag, _ := s.cstring(b, arg(b, 1))
	msg, _ := s.cstring(b, arg(b, 2))
	// Format arguments are not expanded; the raw format string is still
	// the useful part of the log line.
	log.L.Trace(trap.PC, "libc", "__android_log_print",
		fmt.Sprintf("prio=%d tag=%q msg=%q", prio, tag, msg))
	return ret(b, 1)
}

// Heap reports the host heap region, for diagnostics.
func (s *HostStubs) Heap() *memory.Region { return s.heap }
