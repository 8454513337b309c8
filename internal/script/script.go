// Package script embeds a JavaScript engine for hook callbacks, so the
// CLI can attach behavior to addresses without recompiling. Scripts see
// a small API: readMemory, writeMemory, reg, setReg, stop, log, hex.
package script

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/emu"
	"github.com/callng/rnidbg/internal/hook"
	"github.com/callng/rnidbg/internal/log"
)

// Engine runs user scripts against one emulator.
type Engine struct {
	vm *goja.Runtime
	e  *emu.AndroidEmulator
}

func New(e *emu.AndroidEmulator) (*Engine, error) {
	s := &Engine{vm: goja.New(), e: e}
	if err := s.bind(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Engine) bind() error {
	binds := map[string]any{
		"readMemory":  s.jsReadMemory,
		"writeMemory": s.jsWriteMemory,
		"reg":         s.jsReg,
		"setReg":      s.jsSetReg,
		"stop":        func() { s.e.Cancel() },
		"log":         s.jsLog,
		"hex":         func(v uint64) string { return log.Hex(v) },
	}
	for name, fn := range binds {
		if err := s.vm.Set(name, fn); err != nil {
			return fmt.Errorf("script bind %s: %w", name, err)
		}
	}
	return nil
}

// LoadFile evaluates a script file; top-level code runs immediately and
// may define functions for Callback to reference.
func (s *Engine) LoadFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}
	return s.Run(path, string(src))
}

// Run evaluates source under the given name for error positions.
func (s *Engine) Run(name, src string) error {
	if _, err := s.vm.RunScript(name, src); err != nil {
		return fmt.Errorf("script %s: %w", name, err)
	}
	return nil
}

// Callback wraps a script function as a hook callback. The function
// receives an event object with pc, addr, size, value and kind fields.
// Script errors stop the run rather than being silently dropped.
func (s *Engine) Callback(fnName string) (hook.Callback, error) {
	v := s.vm.Get(fnName)
	if v == nil {
		return nil, fmt.Errorf("script: no function %q", fnName)
	}
	var fn func(goja.Value) (goja.Value, error)
	if err := s.vm.ExportTo(v, &fn); err != nil {
		return nil, fmt.Errorf("script: %q is not callable: %w", fnName, err)
	}
	return func(ev hook.Event) {
		obj := s.vm.NewObject()
		_ = obj.Set("pc", ev.PC)
		_ = obj.Set("addr", ev.Addr)
		_ = obj.Set("size", ev.Size)
		_ = obj.Set("value", ev.Value)
		_ = obj.Set("kind", ev.Kind.String())
		if _, err := fn(obj); err != nil {
			log.L.Error("script hook failed", log.Fn(fnName), log.Addr(ev.PC))
			ev.RequestStop()
		}
	}, nil
}

func (s *Engine) jsReadMemory(addr, n uint64) ([]byte, error) {
	return s.e.ReadMemory(addr, n)
}

func (s *Engine) jsWriteMemory(addr uint64, data []byte) error {
	return s.e.WriteMemory(addr, data)
}

func (s *Engine) jsReg(name string) (uint64, error) {
	r, err := regByName(name)
	if err != nil {
		return 0, err
	}
	return s.e.GetRegister(r)
}

func (s *Engine) jsSetReg(name string, v uint64) error {
	r, err := regByName(name)
	if err != nil {
		return err
	}
	return s.e.SetRegister(r, v)
}

func (s *Engine) jsLog(msg string) {
	log.L.Info("script", zap.String("msg", msg))
}

func regByName(name string) (backend.Reg, error) {
	switch n := strings.ToLower(name); n {
	case "sp":
		return backend.RegSP, nil
	case "pc":
		return backend.RegPC, nil
	case "lr":
		return backend.RegX(30), nil
	case "fp":
		return backend.RegX(29), nil
	default:
		if strings.HasPrefix(n, "x") {
			if i, err := strconv.Atoi(n[1:]); err == nil && i >= 0 && i <= 30 {
				return backend.RegX(i), nil
			}
		}
	}
	return 0, fmt.Errorf("unknown register %q", name)
}
