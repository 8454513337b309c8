package encoding

import (
	"testing"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/memory"
)

func newCodecMem(t *testing.T) (*memory.Manager, uint64) {
	t.Helper()
	b, err := backend.NewInterp()
	if err != nil {
		t.Fatalf("NewInterp: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	mem := memory.NewManager(b, memory.Config{})
	r, err := mem.Map(0, 0x1000, backend.ProtRead|backend.ProtWrite, "codec")
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	return mem, r.Base
}

// timespec and stat-like shapes are what the syscall layer moves around.
type timespec struct {
	Sec  int64
	Nsec int64
}

// mixed has interior and trailing padding under AArch64 rules.
type mixed struct {
	A uint8
	B uint32 // 3 bytes of padding before
	C uint16
	D uint64 // 6 bytes of padding before
	E uint8  // 7 bytes of trailing padding
}

type nested struct {
	Hdr  mixed
	Vals [3]uint32
	Tail uint16
}

func TestSizeofLayouts(t *testing.T) {
	cases := []struct {
		name string
		v    any
		want uint64
	}{
		{"timespec", timespec{}, 16},
		{"mixed", mixed{}, 32},
		{"array", [6]uint32{}, 24},
		{"nested", nested{}, 48},
		{"scalar", uint64(0), 8},
	}
	for _, c := range cases {
		got, err := Sizeof(c.v)
		if err != nil {
			t.Errorf("Sizeof(%s): %v", c.name, err)
			continue
		}
		if got != c.want {
			t.Errorf("Sizeof(%s) = %d, want %d", c.name, got, c.want)
		}
	}
}

func TestSizeofRejectsPointers(t *testing.T) {
	if _, err := Sizeof(struct{ P *int }{}); err == nil {
		t.Error("Sizeof accepted a pointer field")
	}
	if _, err := Sizeof("string"); err == nil {
		t.Error("Sizeof accepted a string")
	}
}

func TestRoundTripStruct(t *testing.T) {
	mem, base := newCodecMem(t)
	in := mixed{A: 0x11, B: 0x22334455, C: 0x6677, D: 0x8899aabbccddeeff, E: 0x42}
	if err := Write(mem, base, &in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var out mixed
	if err := Read(mem, base, &out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out != in {
		t.Errorf("round trip: got %+v, want %+v", out, in)
	}
}

func TestFieldOffsets(t *testing.T) {
	mem, base := newCodecMem(t)
	in := mixed{B: 0xdeadbeef, D: 0x1122334455667788}
	if err := Write(mem, base, in); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// B must land at offset 4, D at offset 16 under natural alignment.
	raw, err := mem.Read(base, 32)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := uint32(raw[4]) | uint32(raw[5])<<8 | uint32(raw[6])<<16 | uint32(raw[7])<<24; got != 0xdeadbeef {
		t.Errorf("B at offset 4 = 0x%x", got)
	}
	if raw[16] != 0x88 || raw[23] != 0x11 {
		t.Errorf("D bytes at offset 16 = % x", raw[16:24])
	}
}

func TestNestedStructAndArray(t *testing.T) {
	mem, base := newCodecMem(t)
	in := nested{
		Hdr:  mixed{A: 1, B: 2, C: 3, D: 4, E: 5},
		Vals: [3]uint32{10, 20, 30},
		Tail: 0xbeef,
	}
	if err := Write(mem, base, &in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var out nested
	if err := Read(mem, base, &out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out != in {
		t.Errorf("round trip: got %+v, want %+v", out, in)
	}
}

func TestReadNeedsPointer(t *testing.T) {
	mem, base := newCodecMem(t)
	var v timespec
	if err := Read(mem, base, v); err == nil {
		t.Error("Read accepted a non-pointer")
	}
}

func TestReadUnmappedAddress(t *testing.T) {
	mem, _ := newCodecMem(t)
	var v timespec
	if err := Read(mem, 0x10, &v); err == nil {
		t.Error("Read from unmapped memory succeeded")
	}
}
