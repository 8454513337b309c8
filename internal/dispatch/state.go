package dispatch

import (
	"fmt"
	"strings"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/log"
	"github.com/callng/rnidbg/internal/memory"
)

// Clock is the logical time source. Nothing ever blocks on it: sleeps
// advance it by the requested amount and return, and every read moves
// it forward a little so spin loops observe progress. Runs are
// reproducible because time only moves when the guest asks about it.
type Clock struct {
	ns uint64
}

const clockTickNs = 100

func (c *Clock) Now() uint64 {
	c.ns += clockTickNs
	return c.ns
}

func (c *Clock) Advance(ns uint64) { c.ns += ns }

// rng is a xorshift64* stream seeded deterministically; it backs
// getrandom and /dev/urandom.
type rng struct{ s uint64 }

func newRng(seed uint64) *rng {
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15
	}
	return &rng{s: seed}
}

func (r *rng) next() uint64 {
	r.s ^= r.s >> 12
	r.s ^= r.s << 25
	r.s ^= r.s >> 27
	return r.s * 0x2545f4914f6cdd1d
}

func (r *rng) fill(p []byte) {
	for i := range p {
		if i%8 == 0 {
			v := r.next()
			for j := 0; j < 8 && i+j < len(p); j++ {
				p[i+j] = byte(v >> (8 * j))
			}
		}
	}
}

// openFile is one fd table entry.
type openFile struct {
	name    string
	content []byte // nil for stream-like files
	pos     int64
	stream  *rng             // non-nil: reads are random bytes
	sink    func(p []byte)   // non-nil: writes go here (stdout/stderr)
}

func (f *openFile) read(p []byte) int {
	if f.stream != nil {
		f.stream.fill(p)
		return len(p)
	}
	if f.pos >= int64(len(f.content)) {
		return 0
	}
	n := copy(p, f.content[f.pos:])
	f.pos += int64(n)
	return n
}

// ThreadInfo is a row in the emulated thread table. Threads the guest
// spawns are recorded but not scheduled; execution stays cooperative.
type ThreadInfo struct {
	TID        uint64
	Entry      uint64
	ChildTidAt uint64 // set_tid_address / CLONE_CHILD_SETTID slot
}

// SyscallState holds everything the syscall layer mutates: the fd
// table, the program break, named anonymous mappings, threads, and the
// deterministic identity the guest observes.
type SyscallState struct {
	mem   *memory.Manager
	Clock Clock
	rand  *rng

	fds    map[uint64]*openFile
	nextFD uint64

	vfs map[string]func() *openFile

	brkRegion *memory.Region
	brkEnd    uint64

	mmaps map[uint64]*memory.Region

	Pid     uint64
	MainTID uint64
	threads map[uint64]*ThreadInfo
	nextTID uint64

	exited   bool
	ExitCode uint64
}

func NewSyscallState(mem *memory.Manager, seed uint64) *SyscallState {
	s := &SyscallState{
		mem:     mem,
		rand:    newRng(seed),
		fds:     make(map[uint64]*openFile),
		nextFD:  3,
		vfs:     make(map[string]func() *openFile),
		mmaps:   make(map[uint64]*memory.Region),
		Pid:     1000,
		MainTID: 1000,
		threads: make(map[uint64]*ThreadInfo),
		nextTID: 1001,
	}
	s.threads[s.MainTID] = &ThreadInfo{TID: s.MainTID}

	stdSink := func(stream string) func([]byte) {
		return func(p []byte) {
			log.L.Info("guest "+stream, log.Fn(strings.TrimRight(string(p), "\n")))
		}
	}
	s.fds[0] = &openFile{name: "stdin"}
	s.fds[1] = &openFile{name: "stdout", sink: stdSink("stdout")}
	s.fds[2] = &openFile{name: "stderr", sink: stdSink("stderr")}

	s.vfs["/dev/urandom"] = func() *openFile {
		return &openFile{name: "/dev/urandom", stream: newRng(s.rand.next())}
	}
	s.vfs["/dev/random"] = s.vfs["/dev/urandom"]
	s.vfs["/proc/self/maps"] = func() *openFile {
		return &openFile{name: "/proc/self/maps", content: []byte(s.procMaps())}
	}
	s.vfs["/proc/cpuinfo"] = func() *openFile {
		return &openFile{name: "/proc/cpuinfo", content: []byte(procCpuinfo)}
	}
	return s
}

// RegisterFile exposes content at path for guest openat.
func (s *SyscallState) RegisterFile(path string, content []byte) {
	s.vfs[path] = func() *openFile {
		return &openFile{name: path, content: content}
	}
}

// Exited reports whether the guest called exit/exit_group.
func (s *SyscallState) Exited() bool { return s.exited }

// procMaps renders the region list in /proc/pid/maps format.
func (s *SyscallState) procMaps() string {
	var sb strings.Builder
	for _, r := range s.mem.Regions() {
		prot := [4]byte{'-', '-', '-', 'p'}
		if r.Prot&backend.ProtRead != 0 {
			prot[0] = 'r'
		}
		if r.Prot&backend.ProtWrite != 0 {
			prot[1] = 'w'
		}
		if r.Prot&backend.ProtExec != 0 {
			prot[2] = 'x'
		}
		fmt.Fprintf(&sb, "%08x-%08x %s %08x 00:00 0    %s\n",
			r.Base, r.End(), prot[:], uint64(0), r.Name)
	}
	return sb.String()
}

const procCpuinfo = `processor	: 0
BogoMIPS	: 38.40
Features	: fp asimd evtstrm aes pmull sha1 sha2 crc32
CPU implementer	: 0x41
CPU architecture: 8
CPU variant	: 0x0
CPU part	: 0xd05
CPU revision	: 0
`

func (s *SyscallState) openFD(f *openFile) uint64 {
	fd := s.nextFD
	s.nextFD++
	s.fds[fd] = f
	return fd
}

// newThread records a clone()d thread and returns its tid.
func (s *SyscallState) newThread(entry, childTidAt uint64) uint64 {
	tid := s.nextTID
	s.nextTID++
	s.threads[tid] = &ThreadInfo{TID: tid, Entry: entry, ChildTidAt: childTidAt}
	return tid
}

// Threads returns the thread table in tid order.
func (s *SyscallState) Threads() []*ThreadInfo {
	out := make([]*ThreadInfo, 0, len(s.threads))
	for tid := s.MainTID; tid < s.nextTID; tid++ {
		if t, ok := s.threads[tid]; ok {
			out = append(out, t)
		}
	}
	return out
}
