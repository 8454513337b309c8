package script

import (
	"testing"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/emu"
	"github.com/callng/rnidbg/internal/hook"
)

func newScriptEnv(t *testing.T) (*emu.AndroidEmulator, *Engine) {
	t.Helper()
	e, err := emu.New(emu.Config{})
	if err != nil {
		t.Skipf("engine unavailable: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	s, err := New(e)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, s
}

func TestRunAndRegisters(t *testing.T) {
	e, s := newScriptEnv(t)

	if err := s.Run("test.js", `setReg("x5", 0x1234)`); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := e.GetRegister(backend.RegX(5))
	if err != nil {
		t.Fatalf("GetRegister: %v", err)
	}
	if got != 0x1234 {
		t.Errorf("x5 = 0x%x, want 0x1234", got)
	}

	if err := s.Run("test.js", `setReg("x6", reg("x5") + 1)`); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, _ := e.GetRegister(backend.RegX(6)); got != 0x1235 {
		t.Errorf("x6 = 0x%x, want 0x1235", got)
	}
}

func TestScriptMemoryAccess(t *testing.T) {
	e, s := newScriptEnv(t)

	sp, err := e.GetRegister(backend.RegSP)
	if err != nil {
		t.Fatalf("GetRegister: %v", err)
	}
	if err := e.WriteMemory(sp, []byte{0xaa, 0xbb}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	if err := s.Run("test.js", `
		var b = readMemory(reg("sp"), 2);
		writeMemory(reg("sp") + 8, b);
	`); err != nil {
		t.Fatalf("Run: %v", err)
	}
	raw, err := e.ReadMemory(sp+8, 2)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if raw[0] != 0xaa || raw[1] != 0xbb {
		t.Errorf("copied bytes = % x, want aa bb", raw)
	}
}

func TestCallbackReceivesEvent(t *testing.T) {
	e, s := newScriptEnv(t)

	if err := s.Run("test.js", `
		var seen = null;
		function onHit(ev) { seen = ev.pc; setReg("x7", ev.addr); }
	`); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cb, err := s.Callback("onHit")
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}

	cb(hook.Event{Kind: hook.KindInstruction, PC: 0x5000, Addr: 0x5000, Size: 4, Backend: e.Backend()})
	if got, _ := e.GetRegister(backend.RegX(7)); got != 0x5000 {
		t.Errorf("x7 = 0x%x, want 0x5000", got)
	}
}

func TestCallbackMissingFunction(t *testing.T) {
	_, s := newScriptEnv(t)
	if _, err := s.Callback("undefinedFn"); err == nil {
		t.Error("Callback on a missing function succeeded")
	}
	if err := s.Run("test.js", `var notFn = 42;`); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := s.Callback("notFn"); err == nil {
		t.Error("Callback on a non-function succeeded")
	}
}

func TestSyntaxErrorSurfaces(t *testing.T) {
	_, s := newScriptEnv(t)
	if err := s.Run("bad.js", `function {`); err == nil {
		t.Error("syntax error not reported")
	}
}

func TestRegByName(t *testing.T) {
	cases := []struct {
		name string
		want backend.Reg
		ok   bool
	}{
		{"x0", backend.RegX(0), true},
		{"X12", backend.RegX(12), true},
		{"sp", backend.RegSP, true},
		{"pc", backend.RegPC, true},
		{"lr", backend.RegX(30), true},
		{"fp", backend.RegX(29), true},
		{"x31", 0, false},
		{"w0", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, err := regByName(tc.name)
		if (err == nil) != tc.ok {
			t.Errorf("regByName(%q) error = %v", tc.name, err)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("regByName(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}
