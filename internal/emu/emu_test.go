package emu

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/hook"
	"github.com/callng/rnidbg/internal/loader"
)

// Guest image layout. Offsets double as vaddrs; the text page carries a
// small library of hand-assembled A64 functions the tests call through
// the public API.
const (
	guestTextOff   = 0x200
	guestDynsymOff = 0x400
	guestDynstrOff = 0x500
	guestRelaOff   = 0x600
	guestDynOff    = 0x700
	guestDataOff   = 0x1000
	guestShstrOff  = 0x1600
	guestShOff     = 0x1800
	guestFileSize  = guestShOff + 8*64

	fnAdd     = guestTextOff        // add x0, x0, x1; ret
	fnAdd2    = guestTextOff + 0x10 // same body, distinct address
	fnSpin    = guestTextOff + 0x20 // b .
	fnCrash   = guestTextOff + 0x30 // loads from address zero
	fnProbe   = guestTextOff + 0x40 // issues syscall 499, then returns 1
	fnExit7   = guestTextOff + 0x50 // exit_group(7)
	fnOnLoad  = guestTextOff + 0x60 // JNI_OnLoad returning 0x10006
	fnGetWeak = guestTextOff + 0x70 // returns the weak import's address
	fnMalloc  = guestTextOff + 0x80 // tail-calls the bound malloc

	litWeakOff   = guestTextOff + 0xa0 // ABS64 slot for the weak import
	litMallocOff = guestTextOff + 0xa8 // ABS64 slot for malloc
)

// buildGuestImage assembles the shared object every test loads: defined
// exports for each scenario plus two imports, one weak ("maybe_missing",
// expected to bind null) and one strong ("malloc", bound to a host stub).
func buildGuestImage() []byte {
	buf := make([]byte, guestFileSize)
	p16 := func(off int, v uint16) { binary.LittleEndian.PutUint16(buf[off:], v) }
	p32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
	p64 := func(off int, v uint64) { binary.LittleEndian.PutUint64(buf[off:], v) }

	code := func(addr int, insns ...uint32) {
		for i, insn := range insns {
			p32(addr+i*4, insn)
		}
	}
	code(fnAdd, 0x8b010000, 0xd65f03c0) // add x0, x0, x1; ret
	code(fnAdd2, 0x8b010000, 0xd65f03c0)
	code(fnSpin, 0x14000000)              // b .
	code(fnCrash, 0xd2800001, 0xf9400020) // movz x1, #0; ldr x0, [x1]
	code(fnProbe,
		0xd2803e68, // movz x8, #499
		0xd4000001, // svc #0
		0xd2800020, // movz x0, #1
		0xd65f03c0) // ret
	code(fnExit7,
		0xd28000e0, // movz x0, #7
		0xd2800ba8, // movz x8, #93
		0xd4000001) // svc #0
	code(fnOnLoad,
		0xd28000c0, // movz x0, #6
		0xf2a00020, // movk x0, #1, lsl #16
		0xd65f03c0) // ret
	code(fnGetWeak,
		0x58000180, // ldr x0, litWeakOff
		0xd65f03c0) // ret
	code(fnMalloc,
		0xaa1e03e9, // mov x9, x30
		0x58000128, // ldr x8, litMallocOff
		0xd63f0100, // blr x8
		0xaa0903fe, // mov x30, x9
		0xd65f03c0) // ret

	strtab := []byte{0}
	addStr := func(s string) uint64 {
		off := uint64(len(strtab))
		strtab = append(strtab, s...)
		strtab = append(strtab, 0)
		return off
	}

	type sym struct {
		name  string
		value uint64
		weak  bool
	}
	syms := []sym{
		{name: "add", value: fnAdd},
		{name: "add2", value: fnAdd2},
		{name: "spin", value: fnSpin},
		{name: "crash", value: fnCrash},
		{name: "probe", value: fnProbe},
		{name: "exit7", value: fnExit7},
		{name: "JNI_OnLoad", value: fnOnLoad},
		{name: "get_weak", value: fnGetWeak},
		{name: "call_malloc", value: fnMalloc},
		{name: "maybe_missing", weak: true},
		{name: "malloc"},
	}
	for i, s := range syms {
		off := guestDynsymOff + (i+1)*24
		p32(off, uint32(addStr(s.name)))
		bind := byte(elf.STB_GLOBAL)
		if s.weak {
			bind = byte(elf.STB_WEAK)
		}
		buf[off+4] = bind<<4 | byte(elf.STT_FUNC)
		if s.value != 0 {
			p16(off+6, 5) // .text
		}
		p64(off+8, s.value)
		p64(off+16, 0x10)
	}

	type rela struct {
		off    uint64
		typ    uint32
		sym    int
		addend uint64
	}
	relas := []rela{
		{off: litWeakOff, typ: 257, sym: 10},   // R_AARCH64_ABS64 maybe_missing
		{off: litMallocOff, typ: 257, sym: 11}, // R_AARCH64_ABS64 malloc
	}
	for i, r := range relas {
		off := guestRelaOff + i*24
		p64(off, r.off)
		p64(off+8, uint64(r.sym)<<32|uint64(r.typ))
		p64(off+16, r.addend)
	}

	dyn := [][2]uint64{
		{uint64(elf.DT_STRTAB), guestDynstrOff},
		{uint64(elf.DT_SYMTAB), guestDynsymOff},
		{uint64(elf.DT_SYMENT), 24},
		{uint64(elf.DT_STRSZ), uint64(len(strtab))},
		{uint64(elf.DT_NULL), 0},
	}
	for i, d := range dyn {
		p64(guestDynOff+i*16, d[0])
		p64(guestDynOff+i*16+8, d[1])
	}
	dynSize := uint64(len(dyn) * 16)

	copy(buf[guestDynstrOff:], strtab)

	phdr := func(i int, typ elf.ProgType, flags elf.ProgFlag, off, filesz, memsz uint64) {
		p := 0x40 + i*56
		p32(p, uint32(typ))
		p32(p+4, uint32(flags))
		p64(p+8, off)
		p64(p+16, off)
		p64(p+24, off)
		p64(p+32, filesz)
		p64(p+40, memsz)
		p64(p+48, 0x1000)
	}
	phdr(0, elf.PT_LOAD, elf.PF_R|elf.PF_X, 0, 0x800, 0x800)
	phdr(1, elf.PT_LOAD, elf.PF_R|elf.PF_W, guestDataOff, 0x200, 0x200)
	phdr(2, elf.PT_DYNAMIC, elf.PF_R, guestDynOff, dynSize, dynSize)

	shstr := []byte{0}
	shName := func(s string) uint32 {
		off := uint32(len(shstr))
		shstr = append(shstr, s...)
		shstr = append(shstr, 0)
		return off
	}
	shdr := func(i int, name uint32, typ elf.SectionType, flags, addr, off, size uint64, link, info uint32, entsize uint64) {
		p := guestShOff + i*64
		p32(p, name)
		p32(p+4, uint32(typ))
		p64(p+8, flags)
		p64(p+16, addr)
		p64(p+24, off)
		p64(p+32, size)
		p32(p+40, link)
		p32(p+44, info)
		p64(p+48, 8)
		p64(p+56, entsize)
	}
	shdr(1, shName(".dynsym"), elf.SHT_DYNSYM, uint64(elf.SHF_ALLOC),
		guestDynsymOff, guestDynsymOff, uint64((1+len(syms))*24), 2, 1, 24)
	shdr(2, shName(".dynstr"), elf.SHT_STRTAB, uint64(elf.SHF_ALLOC),
		guestDynstrOff, guestDynstrOff, uint64(len(strtab)), 0, 0, 0)
	shdr(3, shName(".rela.dyn"), elf.SHT_RELA, uint64(elf.SHF_ALLOC),
		guestRelaOff, guestRelaOff, uint64(len(relas)*24), 1, 0, 24)
	shdr(4, shName(".dynamic"), elf.SHT_DYNAMIC, uint64(elf.SHF_ALLOC|elf.SHF_WRITE),
		guestDynOff, guestDynOff, dynSize, 2, 0, 16)
	shdr(5, shName(".text"), elf.SHT_PROGBITS, uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR),
		guestTextOff, guestTextOff, 0x100, 0, 0, 0)
	shdr(6, shName(".data"), elf.SHT_PROGBITS, uint64(elf.SHF_ALLOC|elf.SHF_WRITE),
		guestDataOff, guestDataOff, 0x200, 0, 0, 0)
	shdr(7, shName(".shstrtab"), elf.SHT_STRTAB, 0,
		0, guestShstrOff, uint64(len(shstr)), 0, 0, 0)
	copy(buf[guestShstrOff:], shstr)

	copy(buf, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	p16(16, uint16(elf.ET_DYN))
	p16(18, uint16(elf.EM_AARCH64))
	p32(20, 1)
	p64(32, 0x40)
	p64(40, guestShOff)
	p16(52, 64)
	p16(54, 56)
	p16(56, 3)
	p16(58, 64)
	p16(60, 8)
	p16(62, 7)
	return buf
}

// newEmu builds an emulator or skips when the configured engine is not
// available in this environment.
func newEmu(t *testing.T, cfg Config) *AndroidEmulator {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Skipf("engine unavailable: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func loadGuest(t *testing.T, e *AndroidEmulator) *loader.Module {
	t.Helper()
	m, err := e.LoadModuleBytes("libguest.so", buildGuestImage())
	if err != nil {
		t.Fatalf("LoadModuleBytes: %v", err)
	}
	return m
}

func TestCallExported(t *testing.T) {
	e := newEmu(t, Config{})
	m := loadGuest(t, e)

	got, err := e.CallExported(m, "add", 2, 3)
	if err != nil {
		t.Fatalf("CallExported: %v", err)
	}
	if got != 5 {
		t.Errorf("add(2, 3) = %d, want 5", got)
	}
}

func TestCallUnknownSymbol(t *testing.T) {
	e := newEmu(t, Config{})
	m := loadGuest(t, e)

	if _, err := e.CallExported(m, "no_such_fn"); err == nil {
		t.Error("call to a missing symbol succeeded")
	}
}

func TestWeakImportBindsNull(t *testing.T) {
	e := newEmu(t, Config{})
	m := loadGuest(t, e)

	got, err := e.CallExported(m, "get_weak")
	if err != nil {
		t.Fatalf("CallExported: %v", err)
	}
	if got != 0 {
		t.Errorf("unresolved weak import = 0x%x, want 0", got)
	}
}

func TestHostStubCall(t *testing.T) {
	e := newEmu(t, Config{})
	m := loadGuest(t, e)

	ptr, err := e.CallExported(m, "call_malloc", 64)
	if err != nil {
		t.Fatalf("CallExported: %v", err)
	}
	if ptr == 0 {
		t.Fatal("malloc returned null")
	}
	if ptr%16 != 0 {
		t.Errorf("malloc result 0x%x not 16-byte aligned", ptr)
	}
	// The allocation belongs to writable guest memory.
	if err := e.WriteMemory(ptr, make([]byte, 64)); err != nil {
		t.Errorf("allocation not writable: %v", err)
	}
}

func TestUnknownSyscallPolicy(t *testing.T) {
	t.Run("best-effort", func(t *testing.T) {
		e := newEmu(t, Config{})
		m := loadGuest(t, e)
		got, err := e.CallExported(m, "probe")
		if err != nil {
			t.Fatalf("CallExported: %v", err)
		}
		if got != 1 {
			t.Errorf("probe = %d, want 1", got)
		}
	})
	t.Run("strict", func(t *testing.T) {
		e := newEmu(t, Config{Policy: "strict"})
		m := loadGuest(t, e)
		_, err := e.CallExported(m, "probe")
		var ee *ExecutionError
		if !errors.As(err, &ee) {
			t.Fatalf("error = %v, want *ExecutionError", err)
		}
	})
}

func TestGuestExit(t *testing.T) {
	e := newEmu(t, Config{})
	m := loadGuest(t, e)

	code, err := e.CallExported(m, "exit7")
	if err != nil {
		t.Fatalf("CallExported: %v", err)
	}
	if code != 7 {
		t.Errorf("exit status = %d, want 7", code)
	}
	if !e.Syscalls().Exited() {
		t.Error("syscall state does not record the exit")
	}
}

func TestJNIOnLoad(t *testing.T) {
	e := newEmu(t, Config{})
	m := loadGuest(t, e)

	if err := e.CallJNIOnLoad(m); err != nil {
		t.Fatalf("CallJNIOnLoad: %v", err)
	}
}

func TestMaxInstructionsCancels(t *testing.T) {
	e := newEmu(t, Config{MaxInstructions: 1000})
	m := loadGuest(t, e)

	_, err := e.CallExported(m, "spin")
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v, want *ExecutionError", err)
	}
	if ee.Outcome.Kind != backend.OutcomeCancelled {
		t.Errorf("outcome = %v, want %v", ee.Outcome.Kind, backend.OutcomeCancelled)
	}
}

func TestFaultSurfaces(t *testing.T) {
	e := newEmu(t, Config{})
	m := loadGuest(t, e)

	_, err := e.CallExported(m, "crash")
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v, want *ExecutionError", err)
	}
	if ee.Outcome.Kind != backend.OutcomeFaulted {
		t.Fatalf("outcome = %v, want %v", ee.Outcome.Kind, backend.OutcomeFaulted)
	}
	if ee.Outcome.Fault.Addr != 0 {
		t.Errorf("fault address = 0x%x, want 0", ee.Outcome.Fault.Addr)
	}
}

func TestCallWithinHook(t *testing.T) {
	e := newEmu(t, Config{})
	m := loadGuest(t, e)

	var nested uint64
	var nestedErr error
	e.AddHook(hook.KindInstruction, m.Base+fnAdd2, m.Base+fnAdd2, func(ev hook.Event) {
		nested, nestedErr = e.CallWithin(m.Base+fnAdd, 10, 20)
	})

	got, err := e.CallExported(m, "add2", 1, 2)
	if err != nil {
		t.Fatalf("CallExported: %v", err)
	}
	if nestedErr != nil {
		t.Fatalf("CallWithin: %v", nestedErr)
	}
	if nested != 30 {
		t.Errorf("nested add(10, 20) = %d, want 30", nested)
	}
	if got != 3 {
		t.Errorf("add2(1, 2) = %d, want 3 after nested call", got)
	}
}

func TestStackCanary(t *testing.T) {
	e := newEmu(t, Config{})

	tpidr, err := e.GetRegister(backend.RegTPIDR)
	if err != nil {
		t.Fatalf("GetRegister: %v", err)
	}
	if tpidr == 0 {
		t.Fatal("TPIDR_EL0 not set")
	}
	raw, err := e.ReadMemory(tpidr+0x28, 8)
	if err != nil {
		t.Fatalf("read canary: %v", err)
	}
	canary := binary.LittleEndian.Uint64(raw)
	if canary == 0 {
		t.Error("canary is zero")
	}
	if canary&0xff != 0 {
		t.Errorf("canary 0x%x has a nonzero low byte", canary)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emu.yaml")
	data := []byte("policy: strict\nstack_size: 2097152\nmax_instructions: 5000\nlibraries:\n  libdep.so: /tmp/libdep.so\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Policy != "strict" {
		t.Errorf("policy = %q, want strict", cfg.Policy)
	}
	if cfg.StackSize != 2<<20 {
		t.Errorf("stack_size = %d, want %d", cfg.StackSize, 2<<20)
	}
	if cfg.MaxInstructions != 5000 {
		t.Errorf("max_instructions = %d, want 5000", cfg.MaxInstructions)
	}
	if cfg.Libraries["libdep.so"] != "/tmp/libdep.so" {
		t.Errorf("libraries = %v", cfg.Libraries)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing config file did not error")
	}
}

func TestParsedPolicy(t *testing.T) {
	for _, tc := range []struct {
		in string
		ok bool
	}{
		{"", true},
		{"best-effort", true},
		{"strict", true},
		{"lenient", false},
	} {
		cfg := Config{Policy: tc.in}
		_, err := cfg.ParsedPolicy()
		if (err == nil) != tc.ok {
			t.Errorf("ParsedPolicy(%q) error = %v", tc.in, err)
		}
	}
}
