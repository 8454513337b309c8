package hook

import (
	"encoding/binary"
	"testing"

	"github.com/callng/rnidbg/internal/backend"
)

const hookCodeBase = 0x10000

// loadProgram maps an executable page and writes the instruction words,
// returning the stop address just past them.
func loadProgram(t *testing.T, b backend.Backend, words []uint32) uint64 {
	t.Helper()
	if err := b.MapRegion(hookCodeBase, 0x1000, backend.ProtRead|backend.ProtExec); err != nil {
		t.Fatalf("map code: %v", err)
	}
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	if err := b.WriteMemory(hookCodeBase, buf); err != nil {
		t.Fatalf("write code: %v", err)
	}
	return hookCodeBase + uint64(len(buf))
}

func movz(rd, imm uint32) uint32 { return 0xd2800000 | imm<<5 | rd }

func newHookEnv(t *testing.T) (backend.Backend, *Manager) {
	t.Helper()
	b, err := backend.NewInterp()
	if err != nil {
		t.Fatalf("NewInterp: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, NewManager(b)
}

func TestInstructionHookFiresInRange(t *testing.T) {
	b, m := newHookEnv(t)
	end := loadProgram(t, b, []uint32{movz(0, 1), movz(1, 2), movz(2, 3)})

	var pcs []uint64
	m.Add(KindInstruction, hookCodeBase+4, hookCodeBase+4, func(ev Event) {
		pcs = append(pcs, ev.PC)
	})

	out := b.Run(hookCodeBase, backend.StopCondition{Address: end})
	if out.Kind != backend.OutcomeStopped {
		t.Fatalf("outcome = %+v", out)
	}
	if len(pcs) != 1 || pcs[0] != hookCodeBase+4 {
		t.Errorf("hook fired at %v, want [0x%x]", pcs, uint64(hookCodeBase+4))
	}
}

func TestRegistrationOrder(t *testing.T) {
	b, m := newHookEnv(t)
	end := loadProgram(t, b, []uint32{movz(0, 1)})

	var order []ID
	record := func(ev Event) { order = append(order, ev.ID) }
	id1 := m.Add(KindInstruction, hookCodeBase, hookCodeBase, record)
	id2 := m.Add(KindInstruction, hookCodeBase, hookCodeBase, record)

	b.Run(hookCodeBase, backend.StopCondition{Address: end})
	if len(order) != 2 || order[0] != id1 || order[1] != id2 {
		t.Errorf("firing order %v, want [%d %d]", order, id1, id2)
	}
}

func TestRemoveAndDisable(t *testing.T) {
	b, m := newHookEnv(t)
	end := loadProgram(t, b, []uint32{movz(0, 1)})

	var fired int
	count := func(Event) { fired++ }
	removed := m.Add(KindInstruction, hookCodeBase, hookCodeBase, count)
	disabled := m.Add(KindInstruction, hookCodeBase, hookCodeBase, count)
	kept := m.Add(KindInstruction, hookCodeBase, hookCodeBase, count)

	if !m.Remove(removed) {
		t.Fatal("Remove returned false")
	}
	if m.Remove(removed) {
		t.Error("second Remove returned true")
	}
	if !m.Disable(disabled) {
		t.Fatal("Disable returned false")
	}

	b.Run(hookCodeBase, backend.StopCondition{Address: end})
	if fired != 1 {
		t.Errorf("fired %d times, want 1", fired)
	}

	// Re-enabling brings the hook back on the next run.
	m.Enable(disabled)
	fired = 0
	b.Run(hookCodeBase, backend.StopCondition{Address: end})
	if fired != 2 {
		t.Errorf("fired %d times after enable, want 2", fired)
	}
	_ = kept
}

func TestRequestSkip(t *testing.T) {
	b, m := newHookEnv(t)
	// x0 = 1; x0 = 2 (skipped); x1 = 3
	end := loadProgram(t, b, []uint32{movz(0, 1), movz(0, 2), movz(1, 3)})

	m.Add(KindInstruction, hookCodeBase+4, hookCodeBase+4, func(ev Event) {
		ev.RequestSkip()
	})
	out := b.Run(hookCodeBase, backend.StopCondition{Address: end})
	if out.Kind != backend.OutcomeStopped {
		t.Fatalf("outcome = %+v", out)
	}
	if x0, _ := b.GetRegister(backend.RegX(0)); x0 != 1 {
		t.Errorf("x0 = %d, skipped instruction executed", x0)
	}
	if x1, _ := b.GetRegister(backend.RegX(1)); x1 != 3 {
		t.Errorf("x1 = %d, want 3", x1)
	}
}

func TestRequestStop(t *testing.T) {
	b, m := newHookEnv(t)
	end := loadProgram(t, b, []uint32{movz(0, 1), movz(1, 2), movz(2, 3)})

	m.Add(KindInstruction, hookCodeBase+4, hookCodeBase+4, func(ev Event) {
		ev.RequestStop()
	})
	out := b.Run(hookCodeBase, backend.StopCondition{Address: end})
	if out.Kind != backend.OutcomeCancelled {
		t.Fatalf("outcome = %+v, want cancelled", out)
	}
	if x2, _ := b.GetRegister(backend.RegX(2)); x2 == 3 {
		t.Error("execution continued past the stop request")
	}
}

func TestMemoryHooks(t *testing.T) {
	b, m := newHookEnv(t)
	const dataBase = 0x20000
	if err := b.MapRegion(dataBase, 0x1000, backend.ProtRead|backend.ProtWrite); err != nil {
		t.Fatalf("map data: %v", err)
	}
	// x0 = dataBase; x1 = 5; str x1, [x0]; ldr x2, [x0]
	end := loadProgram(t, b, []uint32{
		0xd2a00000 | uint32(dataBase>>16)<<5, // movz x0, #2, lsl #16
		movz(1, 5),
		0xf9000001, // str x1, [x0]
		0xf9400002, // ldr x2, [x0]
	})

	var writes, reads []Event
	m.Add(KindMemWrite, dataBase, dataBase+0xfff, func(ev Event) { writes = append(writes, ev) })
	m.Add(KindMemRead, dataBase, dataBase+0xfff, func(ev Event) { reads = append(reads, ev) })

	out := b.Run(hookCodeBase, backend.StopCondition{Address: end})
	if out.Kind != backend.OutcomeStopped {
		t.Fatalf("outcome = %+v", out)
	}
	if len(writes) != 1 || writes[0].Addr != dataBase || writes[0].Value != 5 {
		t.Errorf("writes = %+v", writes)
	}
	if len(reads) != 1 || reads[0].Addr != dataBase {
		t.Errorf("reads = %+v", reads)
	}
}

func TestStepOneShot(t *testing.T) {
	b, m := newHookEnv(t)
	end := loadProgram(t, b, []uint32{movz(0, 1), movz(1, 2), movz(2, 3)})

	if err := b.SetRegister(backend.RegPC, hookCodeBase); err != nil {
		t.Fatalf("set pc: %v", err)
	}
	var fired []uint64
	if _, err := m.Step(func(ev Event) { fired = append(fired, ev.PC) }); err != nil {
		t.Fatalf("Step: %v", err)
	}

	// Two runs: the one-shot must fire only in the first.
	b.Run(hookCodeBase, backend.StopCondition{Address: end})
	b.Run(hookCodeBase, backend.StopCondition{Address: end})
	if len(fired) != 1 || fired[0] != hookCodeBase+4 {
		t.Errorf("step hook fired at %v, want [0x%x] once", fired, uint64(hookCodeBase+4))
	}
}

func TestInterruptHook(t *testing.T) {
	b, m := newHookEnv(t)
	// svc #3
	end := loadProgram(t, b, []uint32{0xd4000001 | 3<<5})
	b.RegisterTrapHandler(func(tb backend.Backend, trap backend.TrapInfo) backend.TrapAction {
		m.OnTrap(tb, trap)
		return backend.TrapResume
	})

	var seen []uint64
	m.Add(KindInterrupt, 3, 3, func(ev Event) { seen = append(seen, ev.Value) })
	m.Add(KindInterrupt, 4, 4, func(ev Event) { t.Error("filtered interrupt hook fired") })

	out := b.Run(hookCodeBase, backend.StopCondition{Address: end})
	if out.Kind != backend.OutcomeStopped {
		t.Fatalf("outcome = %+v", out)
	}
	if len(seen) != 1 || seen[0] != 3 {
		t.Errorf("interrupt hook saw %v, want [3]", seen)
	}
}
