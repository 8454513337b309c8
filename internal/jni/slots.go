package jni

import (
	"fmt"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/dispatch"
	"github.com/callng/rnidbg/internal/encoding"
)

func reg(eng backend.Backend, i int) uint64 {
	v, _ := eng.GetRegister(backend.RegX(i))
	return v
}

func retVal(eng backend.Backend, v uint64) backend.TrapAction {
	_ = eng.SetRegister(backend.RegX(0), v)
	return backend.TrapResume
}

func (b *Bridge) readCString(eng backend.Backend, addr uint64) (string, bool) {
	var out []byte
	for len(out) < 4096 {
		chunk, err := eng.ReadMemory(addr+uint64(len(out)), 64)
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

func (b *Bridge) fault(eng backend.Backend, addr uint64) backend.TrapAction {
	eng.SetPendingFault(backend.FaultInfo{Addr: addr, Access: backend.AccessRead, Reason: "jni argument"})
	return backend.TrapFault
}

// --- env slots ---

func (b *Bridge) getVersion(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	return retVal(eng, JNIVersion16)
}

func (b *Bridge) findClass(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	namePtr := reg(eng, 1)
	name, ok := b.readCString(eng, namePtr)
	if !ok {
		return b.fault(eng, namePtr)
	}
	r := b.ClassRef(name)
	b.traceCall(trap.PC, "FindClass", name)
	return retVal(eng, r.Handle)
}

func (b *Bridge) getObjectClass(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	obj := b.ref(reg(eng, 1))
	if obj == nil {
		return retVal(eng, 0)
	}
	return retVal(eng, b.ClassRef(obj.Class).Handle)
}

// getMethodID serves both the instance and static lookup slots.
func (b *Bridge) getMethodID(static bool) dispatch.Handler {
	return func(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
		cls := b.ref(reg(eng, 1))
		namePtr, sigPtr := reg(eng, 2), reg(eng, 3)
		name, ok := b.readCString(eng, namePtr)
		if !ok {
			return b.fault(eng, namePtr)
		}
		sig, ok := b.readCString(eng, sigPtr)
		if !ok {
			return b.fault(eng, sigPtr)
		}
		className := ""
		if cls != nil {
			className = cls.Class
		}
		id := b.methodID(className, name, sig, static)
		b.traceCall(trap.PC, "GetMethodID", className+"."+name+sig)
		return retVal(eng, id)
	}
}

func (b *Bridge) getFieldID(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	cls := b.ref(reg(eng, 1))
	namePtr := reg(eng, 2)
	name, ok := b.readCString(eng, namePtr)
	if !ok {
		return b.fault(eng, namePtr)
	}
	className := ""
	if cls != nil {
		className = cls.Class
	}
	key := className + "." + name
	id, ok := b.fields[key]
	if !ok {
		id = b.nextField
		b.nextField += 4
		b.fields[key] = id
	}
	return retVal(eng, id)
}

func (b *Bridge) newGlobalRef(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	src := b.ref(reg(eng, 1))
	if src == nil {
		return retVal(eng, 0)
	}
	dup := *src
	dup.Global = true
	return retVal(eng, b.newRef(&dup).Handle)
}

func (b *Bridge) deleteRef(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	handle := reg(eng, 1)
	// Interned classes survive deletion so a later FindClass stays
	// stable.
	if r := b.ref(handle); r != nil && r.Kind != KindClass {
		delete(b.refs, handle)
	}
	return retVal(eng, 0)
}

func (b *Bridge) newStringUTF(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	ptr := reg(eng, 1)
	s, ok := b.readCString(eng, ptr)
	if !ok {
		return b.fault(eng, ptr)
	}
	b.traceCall(trap.PC, "NewStringUTF", s)
	return retVal(eng, b.NewStringRef(s).Handle)
}

func (b *Bridge) getStringUTFLength(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	if r := b.ref(reg(eng, 1)); r != nil && r.Kind == KindString {
		return retVal(eng, uint64(len(r.Str)))
	}
	return retVal(eng, 0)
}

func (b *Bridge) getStringUTFChars(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	r := b.ref(reg(eng, 1))
	if r == nil || r.Kind != KindString {
		return retVal(eng, 0)
	}
	if addr, ok := b.utfAllocs[r.Handle]; ok {
		return retVal(eng, addr)
	}
	addr, err := b.allocCString(r.Str)
	if err != nil {
		return retVal(eng, 0)
	}
	b.utfAllocs[r.Handle] = addr
	// *isCopy = JNI_TRUE
	if isCopy := reg(eng, 2); isCopy != 0 {
		_ = eng.WriteMemory(isCopy, []byte{1})
	}
	return retVal(eng, addr)
}

func (b *Bridge) releaseStringUTFChars(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	if r := b.ref(reg(eng, 1)); r != nil {
		delete(b.utfAllocs, r.Handle)
	}
	return retVal(eng, 0)
}

func (b *Bridge) getArrayLength(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	if r := b.ref(reg(eng, 1)); r != nil && r.Kind == KindByteArray {
		return retVal(eng, uint64(len(r.Bytes)))
	}
	return retVal(eng, 0)
}

func (b *Bridge) newByteArray(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	n := reg(eng, 1)
	if n > 0x100_0000 {
		return retVal(eng, 0)
	}
	return retVal(eng, b.NewByteArrayRef(make([]byte, n)).Handle)
}

func (b *Bridge) getByteArrayElements(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	r := b.ref(reg(eng, 1))
	if r == nil || r.Kind != KindByteArray {
		return retVal(eng, 0)
	}
	addr, err := b.allocBytes(r.Bytes)
	if err != nil {
		return retVal(eng, 0)
	}
	if isCopy := reg(eng, 2); isCopy != 0 {
		_ = eng.WriteMemory(isCopy, []byte{1})
	}
	return retVal(eng, addr)
}

func (b *Bridge) getByteArrayRegion(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	r := b.ref(reg(eng, 1))
	start, n, buf := reg(eng, 2), reg(eng, 3), reg(eng, 4)
	if r == nil || r.Kind != KindByteArray || !regionInBounds(start, n, len(r.Bytes)) {
		b.exception = true
		return retVal(eng, 0)
	}
	if err := eng.WriteMemory(buf, r.Bytes[start:start+n]); err != nil {
		return b.fault(eng, buf)
	}
	return retVal(eng, 0)
}

func (b *Bridge) setByteArrayRegion(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	r := b.ref(reg(eng, 1))
	start, n, buf := reg(eng, 2), reg(eng, 3), reg(eng, 4)
	if r == nil || r.Kind != KindByteArray || !regionInBounds(start, n, len(r.Bytes)) {
		b.exception = true
		return retVal(eng, 0)
	}
	data, err := eng.ReadMemory(buf, n)
	if err != nil {
		return b.fault(eng, buf)
	}
	copy(r.Bytes[start:], data)
	return retVal(eng, 0)
}

// regionInBounds checks start and n separately so guest-supplied values
// near 2^64 cannot wrap the sum past the length check.
func regionInBounds(start, n uint64, size int) bool {
	return start <= uint64(size) && n <= uint64(size)-start
}

// nativeMethod mirrors the guest JNINativeMethod struct.
type nativeMethod struct {
	Name uint64
	Sig  uint64
	Fn   uint64
}

func (b *Bridge) registerNatives(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	cls := b.ref(reg(eng, 1))
	methodsPtr := reg(eng, 2)
	count := reg(eng, 3)
	if cls == nil || count > 4096 {
		return retVal(eng, JNIErr)
	}
	size, _ := encoding.Sizeof(nativeMethod{})
	for i := uint64(0); i < count; i++ {
		var nm nativeMethod
		if err := encoding.Read(b.mem, methodsPtr+i*size, &nm); err != nil {
			return b.fault(eng, methodsPtr)
		}
		name, ok1 := b.readCString(eng, nm.Name)
		sig, ok2 := b.readCString(eng, nm.Sig)
		if !ok1 || !ok2 {
			return b.fault(eng, nm.Name)
		}
		b.natives[methodKey(cls.Class, name, sig)] = nm.Fn
		b.traceCall(trap.PC, "RegisterNatives",
			fmt.Sprintf("%s.%s%s -> 0x%x", cls.Class, name, sig, nm.Fn))
	}
	return retVal(eng, JNIOk)
}

func (b *Bridge) getJavaVM(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	out := reg(eng, 1)
	var buf [8]byte
	putLE64(buf[:], b.VMPtr)
	if err := eng.WriteMemory(out, buf[:]); err != nil {
		return b.fault(eng, out)
	}
	return retVal(eng, JNIOk)
}

func (b *Bridge) exceptionCheck(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	if b.exception {
		return retVal(eng, 1)
	}
	return retVal(eng, 0)
}

func (b *Bridge) exceptionOccurred(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	// No throwable objects are modeled; pending state reads as null.
	return retVal(eng, 0)
}

func (b *Bridge) exceptionClear(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	b.exception = false
	return retVal(eng, 0)
}

// --- vm slots ---

func (b *Bridge) getEnv(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	out := reg(eng, 1)
	var buf [8]byte
	putLE64(buf[:], b.EnvPtr)
	if err := eng.WriteMemory(out, buf[:]); err != nil {
		return b.fault(eng, out)
	}
	return retVal(eng, JNIOk)
}

func (b *Bridge) attachCurrentThread(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	out := reg(eng, 1)
	if out != 0 {
		var buf [8]byte
		putLE64(buf[:], b.EnvPtr)
		if err := eng.WriteMemory(out, buf[:]); err != nil {
			return b.fault(eng, out)
		}
	}
	return retVal(eng, JNIOk)
}

func putLE64(p []byte, v uint64) {
	for i := 0; i < 8; i++ {
		p[i] = byte(v >> (8 * i))
	}
}
