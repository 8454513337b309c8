// Package loader maps ELF shared objects into guest memory and links
// them: segment mapping, DT_NEEDED recursion, symbol resolution,
// relocation, TLS setup, and initializer collection.
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/log"
	"github.com/callng/rnidbg/internal/memory"
)

// LoadError reports a failed load. No partial state survives one: every
// mapping made for the failing module is rolled back.
type LoadError struct {
	Module string
	Stage  string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s (%s): %v", e.Module, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func loadErr(module, stage, format string, args ...any) *LoadError {
	return &LoadError{Module: module, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// Config wires the loader to its collaborators.
type Config struct {
	Mem *memory.Manager

	// ResolveHost resolves symbols no loaded module defines, typically
	// to dispatcher SVC stubs. The weak flag lets the resolver decline
	// weak imports so they bind to null. May be nil.
	ResolveHost func(name string, weak bool) (uint64, bool)

	// OpenDep supplies the bytes of a DT_NEEDED dependency by soname.
	// A nil func or an error means the dependency is unavailable; its
	// symbols then fall through to ResolveHost.
	OpenDep func(name string) ([]byte, error)

	// RunInit executes one initializer on the backend. May be nil, in
	// which case initializers are collected but not run.
	RunInit func(m *Module, addr uint64) error

	// TLSBase is the guest TPIDR_EL0 value; per-module TLS blocks are
	// placed at increasing offsets above it. TLSSize bounds the area.
	TLSBase uint64
	TLSSize uint64
}

// Loader tracks loaded modules by soname.
type Loader struct {
	cfg     Config
	modules map[string]*Module
	order   []*Module

	// low offsets are reserved for the pthread area and stack canary
	nextTLS uint64
}

func New(cfg Config) *Loader {
	return &Loader{cfg: cfg, modules: make(map[string]*Module), nextTLS: 0x1000}
}

// Module returns an already-loaded module by name, or nil.
func (l *Loader) Module(name string) *Module { return l.modules[name] }

// Modules returns all loaded modules in load order.
func (l *Loader) Modules() []*Module {
	out := make([]*Module, len(l.order))
	copy(out, l.order)
	return out
}

// Load reads path and loads it under its base name.
func (l *Loader) Load(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, loadErr(filepath.Base(path), "read", "%v", err)
	}
	return l.LoadBytes(filepath.Base(path), data)
}

// LoadBytes loads an ELF image under the given name. Loading a name
// that is already loaded bumps its refcount and returns the existing
// module; nothing is mapped twice.
func (l *Loader) LoadBytes(name string, data []byte) (*Module, error) {
	if m, ok := l.modules[name]; ok {
		m.refs++
		return m, nil
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, loadErr(name, "header", "%v", err)
	}
	defer f.Close()

	if err := validateHeader(f); err != nil {
		return nil, &LoadError{Module: name, Stage: "header", Err: err}
	}

	m := &Module{Name: name, state: Unloaded, refs: 1, loading: true, exports: make(map[string]Symbol)}
	m.advance(HeaderValidated)

	// Visible during DT_NEEDED recursion so cycles resolve against the
	// partially loaded image instead of recursing forever.
	l.modules[name] = m

	if err := l.loadImage(m, f, data); err != nil {
		l.rollback(m)
		return nil, err
	}

	m.loading = false
	l.order = append(l.order, m)
	log.L.ModuleLoad(name, m.Base, m.Size)
	return m, nil
}

func validateHeader(f *elf.File) error {
	switch f.Machine {
	case elf.EM_AARCH64:
		if f.Class != elf.ELFCLASS64 {
			return fmt.Errorf("EM_AARCH64 with class %v", f.Class)
		}
	case elf.EM_ARM:
		if f.Class != elf.ELFCLASS32 {
			return fmt.Errorf("EM_ARM with class %v", f.Class)
		}
	default:
		return fmt.Errorf("unsupported machine %v (want EM_AARCH64 or EM_ARM)", f.Machine)
	}
	if f.Type != elf.ET_DYN && f.Type != elf.ET_EXEC {
		return fmt.Errorf("unsupported ELF type %v", f.Type)
	}
	return nil
}

func (l *Loader) loadImage(m *Module, f *elf.File, data []byte) error {
	if err := l.mapSegments(m, f, data); err != nil {
		return err
	}
	m.advance(SegmentsMapped)

	if err := l.loadDependencies(m, f); err != nil {
		return err
	}

	resolved, err := l.resolveSymbols(m, f)
	if err != nil {
		return err
	}
	m.advance(SymbolsResolved)

	if err := l.relocate(m, f, resolved); err != nil {
		return err
	}
	if err := l.setupTLS(m, f); err != nil {
		return err
	}
	if err := l.protectSegments(m, f); err != nil {
		return err
	}
	m.advance(Relocated)

	if err := l.runInitializers(m, f); err != nil {
		return err
	}
	m.advance(Initialized)
	return nil
}

// mapSegments places the image in the arena and maps every PT_LOAD
// writable, copies file bytes, and then tightens to the declared
// permissions. The memsz tail past filesz stays zero (BSS).
func (l *Loader) mapSegments(m *Module, f *elf.File, data []byte) error {
	pageSize := uint64(backend.PageSize)

	lo := ^uint64(0)
	hi := uint64(0)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Vaddr < lo {
			lo = p.Vaddr
		}
		if end := p.Vaddr + p.Memsz; end > hi {
			hi = end
		}
	}
	if hi == 0 {
		return loadErr(m.Name, "segments", "no PT_LOAD segments")
	}
	lo = memory.AlignDown(lo, pageSize)
	hi = memory.AlignUp(hi, pageSize)

	base, err := l.cfg.Mem.FindFree(hi - lo)
	if err != nil {
		return &LoadError{Module: m.Name, Stage: "segments", Err: err}
	}
	m.Base = base - lo
	m.Size = hi - lo
	if f.Entry != 0 {
		m.Entry = m.Base + f.Entry
	}

	prevEnd := uint64(0)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		aStart := memory.AlignDown(m.Base+p.Vaddr, pageSize)
		aEnd := memory.AlignUp(m.Base+p.Vaddr+p.Memsz, pageSize)
		if aStart < prevEnd {
			// Shares a page with the previous segment.
			aStart = prevEnd
		}
		var region *memory.Region
		if aEnd > aStart {
			region, err = l.cfg.Mem.Map(aStart, aEnd-aStart,
				backend.ProtRead|backend.ProtWrite,
				fmt.Sprintf("%s %s", m.Name, progProt(p.Flags)))
			if err != nil {
				return &LoadError{Module: m.Name, Stage: "segments", Err: err}
			}
			m.regions = append(m.regions, region)
			prevEnd = aEnd
		}

		if p.Filesz > 0 {
			if p.Off+p.Filesz > uint64(len(data)) {
				return loadErr(m.Name, "segments", "segment at 0x%x exceeds file size", p.Vaddr)
			}
			if err := l.cfg.Mem.Write(m.Base+p.Vaddr, data[p.Off:p.Off+p.Filesz]); err != nil {
				return &LoadError{Module: m.Name, Stage: "segments", Err: err}
			}
		}
	}
	return nil
}

// protectSegments applies the final segment permissions once relocation
// no longer needs text and GOT pages writable.
func (l *Loader) protectSegments(m *Module, f *elf.File) error {
	pageSize := uint64(backend.PageSize)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		aStart := memory.AlignDown(m.Base+p.Vaddr, pageSize)
		aEnd := memory.AlignUp(m.Base+p.Vaddr+p.Memsz, pageSize)
		for _, r := range m.regions {
			if r.Base >= aStart && r.Base < aEnd {
				if err := l.cfg.Mem.Protect(r, progMemProt(p.Flags)); err != nil {
					return &LoadError{Module: m.Name, Stage: "protect", Err: err}
				}
			}
		}
	}
	return nil
}

func progProt(fl elf.ProgFlag) string { return progMemProt(fl).String() }

func progMemProt(fl elf.ProgFlag) backend.MemProt {
	var p backend.MemProt
	if fl&elf.PF_R != 0 {
		p |= backend.ProtRead
	}
	if fl&elf.PF_W != 0 {
		p |= backend.ProtWrite
	}
	if fl&elf.PF_X != 0 {
		p |= backend.ProtExec
	}
	return p
}

func (l *Loader) loadDependencies(m *Module, f *elf.File) error {
	needed, err := f.ImportedLibraries()
	if err != nil || len(needed) == 0 {
		return nil
	}
	for _, soname := range needed {
		if dep, ok := l.modules[soname]; ok {
			dep.refs++
			m.deps = append(m.deps, dep)
			continue
		}
		if l.cfg.OpenDep == nil {
			log.L.Debug("dependency unavailable", log.Fn(soname))
			continue
		}
		data, err := l.cfg.OpenDep(soname)
		if err != nil {
			// Symbols from it fall through to the host resolver.
			log.L.Debug("dependency unavailable", log.Fn(soname))
			continue
		}
		dep, err := l.LoadBytes(soname, data)
		if err != nil {
			return err
		}
		m.deps = append(m.deps, dep)
	}
	return nil
}

// resolveSymbols builds the export table and resolves every undefined
// dynamic symbol: dependencies in declaration order first, then host
// stubs. Unresolved weak symbols bind to zero; unresolved strong ones
// are fatal. The returned map is keyed by ELF symbol index (index 0 is
// STN_UNDEF; debug/elf starts at 1).
func (l *Loader) resolveSymbols(m *Module, f *elf.File) (map[int]uint64, error) {
	dynSyms, err := f.DynamicSymbols()
	if err != nil {
		// Static images have nothing to resolve.
		return map[int]uint64{}, nil
	}

	resolved := make(map[int]uint64, len(dynSyms))
	for i, sym := range dynSyms {
		idx := i + 1
		if sym.Name == "" {
			continue
		}
		weak := elf.ST_BIND(sym.Info) == elf.STB_WEAK

		if sym.Section != elf.SHN_UNDEF {
			addr := m.Base + sym.Value
			resolved[idx] = addr
			m.exports[sym.Name] = Symbol{Name: sym.Name, Addr: addr, Weak: weak}
			continue
		}

		if addr, ok := l.resolveImport(m, sym.Name, weak); ok {
			resolved[idx] = addr
			continue
		}
		if weak {
			resolved[idx] = 0
			continue
		}
		return nil, loadErr(m.Name, "symbols", "undefined symbol %q", sym.Name)
	}
	return resolved, nil
}

func (l *Loader) resolveImport(m *Module, name string, weak bool) (uint64, bool) {
	for _, dep := range m.deps {
		if s, ok := dep.FindSymbol(name); ok {
			return s.Addr, true
		}
	}
	if l.cfg.ResolveHost != nil {
		if addr, ok := l.cfg.ResolveHost(name, weak); ok {
			return addr, true
		}
	}
	return 0, false
}

// setupTLS copies the PT_TLS template into the module's slot above
// TPIDR_EL0. The slot offset was fixed before relocation so TPREL
// relocations could use it.
func (l *Loader) setupTLS(m *Module, f *elf.File) error {
	if m.tlsSize == 0 {
		return nil
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_TLS || p.Filesz == 0 {
			continue
		}
		tmpl := make([]byte, p.Filesz)
		if _, err := io.ReadFull(p.Open(), tmpl); err != nil {
			return loadErr(m.Name, "tls", "read template: %v", err)
		}
		if err := l.cfg.Mem.Write(l.cfg.TLSBase+m.tlsOffset, tmpl); err != nil {
			return &LoadError{Module: m.Name, Stage: "tls", Err: err}
		}
	}
	return nil
}

// reserveTLS assigns the module's offset above TPIDR_EL0. Called from
// relocate before TPREL values are written.
func (l *Loader) reserveTLS(m *Module, f *elf.File) error {
	for _, p := range f.Progs {
		if p.Type != elf.PT_TLS {
			continue
		}
		size := memory.AlignUp(p.Memsz, uint64(16))
		if l.cfg.TLSSize != 0 && l.nextTLS+size > l.cfg.TLSSize {
			return loadErr(m.Name, "tls", "TLS area exhausted (need 0x%x)", size)
		}
		m.tlsOffset = l.nextTLS
		m.tlsSize = size
		l.nextTLS += size
	}
	return nil
}

// runInitializers collects DT_INIT and DT_INIT_ARRAY entries and runs
// them through the configured runner. Dependencies were initialized by
// their own loads, so dependency order holds.
func (l *Loader) runInitializers(m *Module, f *elf.File) error {
	if v, err := f.DynValue(elf.DT_INIT); err == nil && len(v) > 0 && v[0] != 0 {
		m.inits = append(m.inits, m.Base+v[0])
	}

	arrAddr, err1 := f.DynValue(elf.DT_INIT_ARRAY)
	arrSize, err2 := f.DynValue(elf.DT_INIT_ARRAYSZ)
	if err1 == nil && err2 == nil && len(arrAddr) > 0 && len(arrSize) > 0 {
		count := arrSize[0] / 8
		raw, err := l.cfg.Mem.Read(m.Base+arrAddr[0], count*8)
		if err != nil {
			return &LoadError{Module: m.Name, Stage: "init", Err: err}
		}
		for i := uint64(0); i < count; i++ {
			fn := le64(raw[i*8:])
			// Entries are relocated pointers; 0 and -1 are padding.
			if fn == 0 || fn == ^uint64(0) {
				continue
			}
			m.inits = append(m.inits, fn)
		}
	}

	if l.cfg.RunInit == nil {
		return nil
	}
	for _, fn := range m.inits {
		if err := l.cfg.RunInit(m, fn); err != nil {
			return &LoadError{Module: m.Name, Stage: "init", Err: err}
		}
	}
	return nil
}

// Unload drops one reference. At zero the module's mappings are
// released and its dependency references dropped in turn.
func (l *Loader) Unload(m *Module) error {
	if m.refs <= 0 {
		return loadErr(m.Name, "unload", "module not loaded")
	}
	m.refs--
	if m.refs > 0 {
		return nil
	}

	for _, r := range m.regions {
		if err := l.cfg.Mem.Unmap(r); err != nil {
			return err
		}
	}
	m.regions = nil
	m.state = Unloaded
	delete(l.modules, m.Name)
	for i, o := range l.order {
		if o == m {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	for _, dep := range m.deps {
		if err := l.Unload(dep); err != nil {
			return err
		}
	}
	m.deps = nil
	return nil
}

// rollback unwinds a failed load so no partial state remains.
func (l *Loader) rollback(m *Module) {
	for _, r := range m.regions {
		_ = l.cfg.Mem.Unmap(r)
	}
	m.regions = nil
	m.state = Unloaded
	delete(l.modules, m.Name)
	for _, dep := range m.deps {
		_ = l.Unload(dep)
	}
	m.deps = nil
}
