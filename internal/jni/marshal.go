package jni

import (
	"fmt"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/dispatch"
	"github.com/callng/rnidbg/internal/log"
)

// parseSig reduces a JNI method descriptor to one tag per argument plus
// the return tag. Objects and arrays collapse to 'L'.
func parseSig(sig string) (args []byte, ret byte, err error) {
	if len(sig) < 3 || sig[0] != '(' {
		return nil, 0, fmt.Errorf("bad signature %q", sig)
	}
	i := 1
	for i < len(sig) && sig[i] != ')' {
		c := sig[i]
		switch c {
		case 'Z', 'B', 'C', 'S', 'I', 'J', 'F', 'D':
			args = append(args, c)
			i++
		case 'L':
			for i < len(sig) && sig[i] != ';' {
				i++
			}
			i++
			args = append(args, 'L')
		case '[':
			for i < len(sig) && sig[i] == '[' {
				i++
			}
			if i < len(sig) && sig[i] == 'L' {
				for i < len(sig) && sig[i] != ';' {
					i++
				}
			}
			i++
			args = append(args, 'L')
		default:
			return nil, 0, fmt.Errorf("bad signature %q at %d", sig, i)
		}
	}
	if i+1 >= len(sig) || sig[i] != ')' {
		return nil, 0, fmt.Errorf("bad signature %q: no return type", sig)
	}
	return args, sig[i+1], nil
}

// callMethod marshals a guest Call*Method into the registered host
// callback. Calling convention: X0 env, X1 receiver (or class), X2
// methodID, X3.. the Java arguments; only register arguments are
// supported, which covers JNI's five-or-fewer norm.
func (b *Bridge) callMethod(static bool) dispatch.Handler {
	return func(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
		mid := reg(eng, 2)
		m := b.methods[mid]
		if m == nil || m.Fn == nil {
			name := "unknown method"
			if m != nil {
				name = m.Class + "." + m.Name + m.Sig
			}
			log.L.Trace(trap.PC, "jni", "unbound call", name)
			if b.policy() == dispatch.PolicyStrict {
				return backend.TrapFault
			}
			return retVal(eng, 0)
		}

		tags, retTag, err := parseSig(m.Sig)
		if err != nil {
			log.L.Trace(trap.PC, "jni", "bad signature", m.Sig)
			return retVal(eng, 0)
		}
		if len(tags) > 5 {
			log.L.Trace(trap.PC, "jni", "too many arguments", m.Sig)
			if b.policy() == dispatch.PolicyStrict {
				return backend.TrapFault
			}
			return retVal(eng, 0)
		}

		var recv *Ref
		if !static {
			recv = b.ref(reg(eng, 1))
		}

		args := make([]any, len(tags))
		for i, tag := range tags {
			raw := reg(eng, 3+i)
			if tag != 'L' {
				args[i] = raw
				continue
			}
			r := b.ref(raw)
			if r != nil && r.Kind == KindString {
				args[i] = r.Str
			} else if r != nil {
				args[i] = r
			} // else nil stays nil
		}

		b.traceCall(trap.PC, "Call", m.Class+"."+m.Name+m.Sig)
		result, err := m.Fn(b, recv, args)
		if err != nil {
			log.L.Trace(trap.PC, "jni", "host callback error", err.Error())
			b.exception = true
			return retVal(eng, 0)
		}
		return retVal(eng, b.marshalResult(result, retTag))
	}
}

// marshalResult converts a host return value into the guest's X0.
func (b *Bridge) marshalResult(v any, retTag byte) uint64 {
	if retTag == 'V' || v == nil {
		return 0
	}
	switch r := v.(type) {
	case uint64:
		return r
	case int64:
		return uint64(r)
	case int:
		return uint64(r)
	case uint32:
		return uint64(r)
	case int32:
		return uint64(r)
	case bool:
		if r {
			return 1
		}
		return 0
	case string:
		return b.NewStringRef(r).Handle
	case []byte:
		return b.NewByteArrayRef(r).Handle
	case *Ref:
		return r.Handle
	}
	log.L.Trace(0, "jni", "unmarshalable result", fmt.Sprintf("%T", v))
	return 0
}
