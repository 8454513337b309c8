// Package memory tracks the guest address space above a CPU backend:
// region bookkeeping, automatic placement, permission checks, and stack
// growth. The backend only knows pages; everything with a name or a
// policy lives here.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/constraints"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/log"
)

// MemoryError reports a rejected guest memory operation. Perm holds the
// permissions actually present at Addr, ProtNone when nothing is mapped.
type MemoryError struct {
	Addr   uint64
	Access backend.Access
	Perm   backend.MemProt
	Reason string
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("memory %s at 0x%x (perm %s): %s", e.Access, e.Addr, e.Perm, e.Reason)
}

func memErr(addr uint64, access backend.Access, perm backend.MemProt, format string, args ...any) *MemoryError {
	return &MemoryError{Addr: addr, Access: access, Perm: perm, Reason: fmt.Sprintf(format, args...)}
}

// AlignUp rounds v up to a multiple of align. align must be a power of two.
func AlignUp[T constraints.Unsigned](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a multiple of align.
func AlignDown[T constraints.Unsigned](v, align T) T {
	return v &^ (align - 1)
}

// Region is a contiguous mapped range. A Region handle stays valid until
// it is unmapped; using it afterwards returns a MemoryError.
type Region struct {
	Base uint64
	Size uint64
	Prot backend.MemProt
	Name string

	mgr *Manager
}

func (r *Region) End() uint64 { return r.Base + r.Size }

func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

func (r *Region) String() string {
	return fmt.Sprintf("%s [0x%x-0x%x %s]", r.Name, r.Base, r.End(), r.Prot)
}

// Config bounds the arena used for automatic placement.
type Config struct {
	ArenaBase uint64
	ArenaSize uint64
}

// DefaultConfig mirrors the address layout Android's linker leaves for
// anonymous mappings on 64-bit: a wide arena well above null and below
// the kernel split.
func DefaultConfig() Config {
	return Config{ArenaBase: 0x4000_0000, ArenaSize: 0x8000_0000}
}

// Manager owns region bookkeeping for one backend instance.
//
// Structural mutation (map, unmap, protect) takes mu and bumps the epoch,
// which invalidates outstanding Views. Read and Write only consult the
// region list briefly and then hit the backend without holding mu across
// the copy.
type Manager struct {
	mu      sync.Mutex
	b       backend.Backend
	cfg     Config
	regions []*Region // sorted by Base, non-overlapping
	epoch   uint64
}

func NewManager(b backend.Backend, cfg Config) *Manager {
	if cfg.ArenaSize == 0 {
		cfg = DefaultConfig()
	}
	return &Manager{b: b, cfg: cfg}
}

func (m *Manager) Backend() backend.Backend { return m.b }

// Map maps size bytes at addr with the given permissions. addr 0 means
// auto-place inside the arena. addr and size must be page-aligned.
func (m *Manager) Map(addr, size uint64, prot backend.MemProt, name string) (*Region, error) {
	if size == 0 || size%backend.PageSize != 0 || addr%backend.PageSize != 0 {
		return nil, memErr(addr, backend.AccessWrite, backend.ProtNone,
			"map %q: address and size must be page aligned (size 0x%x)", name, size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if addr == 0 {
		var ok bool
		addr, ok = m.findGapLocked(size)
		if !ok {
			return nil, memErr(0, backend.AccessWrite, backend.ProtNone,
				"map %q: no arena space for 0x%x bytes", name, size)
		}
	} else if c := m.overlapLocked(addr, size); c != nil {
		return nil, memErr(addr, backend.AccessWrite, c.Prot,
			"map %q: overlaps %s", name, c)
	}

	if err := m.b.MapRegion(addr, size, prot); err != nil {
		return nil, err
	}

	r := &Region{Base: addr, Size: size, Prot: prot, Name: name, mgr: m}
	m.insertLocked(r)
	m.epoch++
	log.L.Debug("map region", log.Fn(name), log.Addr(addr), log.Size(size),
		zap.String("prot", prot.String()))
	return r, nil
}

// Unmap releases a region. The handle is dead afterwards.
func (m *Manager) Unmap(r *Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.mgr != m {
		return memErr(r.Base, backend.AccessWrite, backend.ProtNone,
			"unmap %q: region already unmapped", r.Name)
	}
	if err := m.b.UnmapRegion(r.Base, r.Size); err != nil {
		return err
	}
	m.removeLocked(r)
	r.mgr = nil
	m.epoch++
	log.L.Debug("unmap region", log.Fn(r.Name), log.Addr(r.Base), log.Size(r.Size))
	return nil
}

// Protect changes a region's permissions.
func (m *Manager) Protect(r *Region, prot backend.MemProt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.mgr != m {
		return memErr(r.Base, backend.AccessWrite, backend.ProtNone,
			"protect %q: region already unmapped", r.Name)
	}
	if err := m.b.ProtectRegion(r.Base, r.Size, prot); err != nil {
		return err
	}
	r.Prot = prot
	m.epoch++
	return nil
}

// FindFree returns an arena address with size bytes of unmapped space.
// Nothing is reserved; the caller maps into the gap before any other
// placement happens.
func (m *Manager) FindFree(size uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr, ok := m.findGapLocked(AlignUp(size, uint64(backend.PageSize)))
	if !ok {
		return 0, memErr(0, backend.AccessWrite, backend.ProtNone,
			"no arena space for 0x%x bytes", size)
	}
	return addr, nil
}

// RegionAt returns the region containing addr, or nil.
func (m *Manager) RegionAt(addr uint64) *Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regionAtLocked(addr)
}

// Regions returns a snapshot of all regions in address order.
func (m *Manager) Regions() []*Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Region, len(m.regions))
	copy(out, m.regions)
	return out
}

// Read copies n bytes starting at addr. The whole range must be mapped
// readable.
func (m *Manager) Read(addr, n uint64) ([]byte, error) {
	if err := m.checkRange(addr, n, backend.AccessRead, backend.ProtRead); err != nil {
		return nil, err
	}
	return m.b.ReadMemory(addr, n)
}

// Write copies data into guest memory at addr. The whole range must be
// mapped writable; load-time patching maps writable first and tightens
// permissions afterwards.
func (m *Manager) Write(addr uint64, data []byte) error {
	if err := m.checkRange(addr, uint64(len(data)), backend.AccessWrite, backend.ProtWrite); err != nil {
		return err
	}
	return m.b.WriteMemory(addr, data)
}

func (m *Manager) checkRange(addr, n uint64, access backend.Access, want backend.MemProt) *MemoryError {
	if n == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	end := addr + n
	if end < addr {
		return memErr(addr, access, backend.ProtNone, "range wraps address space")
	}
	for cur := addr; cur < end; {
		r := m.regionAtLocked(cur)
		if r == nil {
			return memErr(cur, access, backend.ProtNone, "unmapped")
		}
		if r.Prot&want == 0 {
			return memErr(cur, access, r.Prot, "permission denied in %s", r)
		}
		cur = r.End()
	}
	return nil
}

// View is a host-side copy of a guest range handed out by
// TranslateForDirectAccess. Data may be read and mutated freely; Commit
// writes it back. Any structural change to the address space after the
// view was taken makes both re-reads and Commit fail.
type View struct {
	Addr  uint64
	Data  []byte
	epoch uint64
	mgr   *Manager
}

// TranslateForDirectAccess returns a host view of [addr, addr+n).
func (m *Manager) TranslateForDirectAccess(addr, n uint64) (*View, error) {
	if err := m.checkRange(addr, n, backend.AccessRead, backend.ProtRead); err != nil {
		return nil, err
	}
	data, err := m.b.ReadMemory(addr, n)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()
	return &View{Addr: addr, Data: data, epoch: epoch, mgr: m}, nil
}

// Valid reports whether the view still matches the current address space
// layout.
func (v *View) Valid() bool {
	v.mgr.mu.Lock()
	defer v.mgr.mu.Unlock()
	return v.epoch == v.mgr.epoch
}

// Commit writes the view's bytes back to guest memory. Fails with a
// MemoryError when the layout changed since the view was taken.
func (v *View) Commit() error {
	if !v.Valid() {
		return memErr(v.Addr, backend.AccessWrite, backend.ProtNone,
			"stale view: address space changed")
	}
	return v.mgr.Write(v.Addr, v.Data)
}

// --- internal bookkeeping (all require mu) ---

func (m *Manager) regionAtLocked(addr uint64) *Region {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].End() > addr
	})
	if i < len(m.regions) && m.regions[i].Contains(addr) {
		return m.regions[i]
	}
	return nil
}

func (m *Manager) overlapLocked(addr, size uint64) *Region {
	for _, r := range m.regions {
		if addr < r.End() && r.Base < addr+size {
			return r
		}
	}
	return nil
}

// findGapLocked scans the sorted region list for the first gap inside the
// arena large enough for size bytes.
func (m *Manager) findGapLocked(size uint64) (uint64, bool) {
	cur := m.cfg.ArenaBase
	hi := m.cfg.ArenaBase + m.cfg.ArenaSize
	for _, r := range m.regions {
		if r.End() <= cur {
			continue
		}
		if r.Base >= hi {
			break
		}
		if r.Base >= cur+size {
			return cur, true
		}
		cur = r.End()
	}
	if cur+size <= hi {
		return cur, true
	}
	return 0, false
}

func (m *Manager) insertLocked(r *Region) {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].Base > r.Base
	})
	m.regions = append(m.regions, nil)
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = r
}

func (m *Manager) removeLocked(r *Region) {
	for i, c := range m.regions {
		if c == r {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return
		}
	}
}
