package jni

import (
	"encoding/binary"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/dispatch"
	"github.com/callng/rnidbg/internal/log"
	"github.com/callng/rnidbg/internal/memory"
)

// JNIEnv function table indices, per the JNI specification layout.
const (
	slotGetVersion             = 4
	slotFindClass              = 6
	slotExceptionOccurred      = 15
	slotExceptionDescribe      = 16
	slotExceptionClear         = 17
	slotNewGlobalRef           = 21
	slotDeleteGlobalRef        = 22
	slotDeleteLocalRef         = 23
	slotGetObjectClass         = 31
	slotGetMethodID            = 33
	slotCallObjectMethod       = 34
	slotCallBooleanMethod      = 37
	slotCallIntMethod          = 49
	slotCallLongMethod         = 52
	slotCallVoidMethod         = 61
	slotGetFieldID             = 94
	slotGetStaticMethodID      = 113
	slotCallStaticObjectMethod = 114
	slotCallStaticBooleanMethod = 117
	slotCallStaticIntMethod    = 129
	slotCallStaticLongMethod   = 132
	slotCallStaticVoidMethod   = 141
	slotGetStaticFieldID       = 144
	slotNewStringUTF           = 167
	slotGetStringUTFLength     = 168
	slotGetStringUTFChars      = 169
	slotReleaseStringUTFChars  = 170
	slotGetArrayLength         = 171
	slotNewByteArray           = 176
	slotGetByteArrayElements   = 184
	slotReleaseByteArrayElems  = 192
	slotGetByteArrayRegion     = 200
	slotSetByteArrayRegion     = 208
	slotRegisterNatives        = 215
	slotGetJavaVM              = 219
	slotExceptionCheck         = 228
)

// JavaVM function table indices.
const (
	vmSlotDestroyJavaVM       = 3
	vmSlotAttachCurrentThread = 4
	vmSlotDetachCurrentThread = 5
	vmSlotGetEnv              = 6
)

// buildTables lays the guest structures out in one page:
//
//	envTable[233]  each slot an SVC stub address
//	envObj         -> envTable   (JNIEnv* points here)
//	vmTable[8]
//	vmObj          -> vmTable    (JavaVM* points here)
func (b *Bridge) buildTables() error {
	const tableBytes = (envSlotCount + 1 + vmSlotCount + 1) * 8
	region, err := b.mem.Map(0, memory.AlignUp(uint64(tableBytes), uint64(backend.PageSize)),
		backend.ProtRead, "jni tables")
	if err != nil {
		return err
	}

	envTable := region.Base
	envObj := envTable + envSlotCount*8
	vmTable := envObj + 8
	vmObj := vmTable + vmSlotCount*8
	b.EnvPtr = envObj
	b.VMPtr = vmObj

	fallback, err := b.svc.Register("JNIEnv->unimplemented", b.unimplementedSlot)
	if err != nil {
		return err
	}

	envSlots := map[int]struct {
		name string
		fn   dispatch.Handler
	}{
		slotGetVersion:             {"GetVersion", b.getVersion},
		slotFindClass:              {"FindClass", b.findClass},
		slotExceptionOccurred:      {"ExceptionOccurred", b.exceptionOccurred},
		slotExceptionDescribe:      {"ExceptionDescribe", retZero},
		slotExceptionClear:         {"ExceptionClear", b.exceptionClear},
		slotNewGlobalRef:           {"NewGlobalRef", b.newGlobalRef},
		slotDeleteGlobalRef:        {"DeleteGlobalRef", b.deleteRef},
		slotDeleteLocalRef:         {"DeleteLocalRef", b.deleteRef},
		slotGetObjectClass:         {"GetObjectClass", b.getObjectClass},
		slotGetMethodID:            {"GetMethodID", b.getMethodID(false)},
		slotGetStaticMethodID:      {"GetStaticMethodID", b.getMethodID(true)},
		slotGetFieldID:             {"GetFieldID", b.getFieldID},
		slotGetStaticFieldID:       {"GetStaticFieldID", b.getFieldID},
		slotCallObjectMethod:       {"CallObjectMethod", b.callMethod(false)},
		slotCallBooleanMethod:      {"CallBooleanMethod", b.callMethod(false)},
		slotCallIntMethod:          {"CallIntMethod", b.callMethod(false)},
		slotCallLongMethod:         {"CallLongMethod", b.callMethod(false)},
		slotCallVoidMethod:         {"CallVoidMethod", b.callMethod(false)},
		slotCallStaticObjectMethod: {"CallStaticObjectMethod", b.callMethod(true)},
		slotCallStaticBooleanMethod: {"CallStaticBooleanMethod", b.callMethod(true)},
		slotCallStaticIntMethod:    {"CallStaticIntMethod", b.callMethod(true)},
		slotCallStaticLongMethod:   {"CallStaticLongMethod", b.callMethod(true)},
		slotCallStaticVoidMethod:   {"CallStaticVoidMethod", b.callMethod(true)},
		slotNewStringUTF:           {"NewStringUTF", b.newStringUTF},
		slotGetStringUTFLength:     {"GetStringUTFLength", b.getStringUTFLength},
		slotGetStringUTFChars:      {"GetStringUTFChars", b.getStringUTFChars},
		slotReleaseStringUTFChars:  {"ReleaseStringUTFChars", b.releaseStringUTFChars},
		slotGetArrayLength:         {"GetArrayLength", b.getArrayLength},
		slotNewByteArray:           {"NewByteArray", b.newByteArray},
		slotGetByteArrayElements:   {"GetByteArrayElements", b.getByteArrayElements},
		slotReleaseByteArrayElems:  {"ReleaseByteArrayElements", retZero},
		slotGetByteArrayRegion:     {"GetByteArrayRegion", b.getByteArrayRegion},
		slotSetByteArrayRegion:     {"SetByteArrayRegion", b.setByteArrayRegion},
		slotRegisterNatives:        {"RegisterNatives", b.registerNatives},
		slotGetJavaVM:              {"GetJavaVM", b.getJavaVM},
		slotExceptionCheck:         {"ExceptionCheck", b.exceptionCheck},
	}

	table := make([]byte, envSlotCount*8)
	for i := 0; i < envSlotCount; i++ {
		addr := fallback
		if slot, ok := envSlots[i]; ok {
			addr, err = b.svc.Register("JNIEnv->"+slot.name, slot.fn)
			if err != nil {
				return err
			}
		}
		binary.LittleEndian.PutUint64(table[i*8:], addr)
	}
	if err := b.mem.Backend().WriteMemory(envTable, table); err != nil {
		return err
	}

	vmSlots := map[int]struct {
		name string
		fn   dispatch.Handler
	}{
		vmSlotDestroyJavaVM:       {"DestroyJavaVM", retZero},
		vmSlotAttachCurrentThread: {"AttachCurrentThread", b.attachCurrentThread},
		vmSlotDetachCurrentThread: {"DetachCurrentThread", retZero},
		vmSlotGetEnv:              {"GetEnv", b.getEnv},
	}
	vm := make([]byte, vmSlotCount*8)
	for i := 0; i < vmSlotCount; i++ {
		addr := fallback
		if slot, ok := vmSlots[i]; ok {
			addr, err = b.svc.Register("JavaVM->"+slot.name, slot.fn)
			if err != nil {
				return err
			}
		}
		binary.LittleEndian.PutUint64(vm[i*8:], addr)
	}
	if err := b.mem.Backend().WriteMemory(vmTable, vm); err != nil {
		return err
	}

	var ptr [8]byte
	binary.LittleEndian.PutUint64(ptr[:], envTable)
	if err := b.mem.Backend().WriteMemory(envObj, ptr[:]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(ptr[:], vmTable)
	return b.mem.Backend().WriteMemory(vmObj, ptr[:])
}

func retZero(b backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	_ = b.SetRegister(backend.RegX(0), 0)
	return backend.TrapResume
}

// unimplementedSlot applies the dispatcher policy to env-table slots
// nothing backs.
func (b *Bridge) unimplementedSlot(eng backend.Backend, trap backend.TrapInfo) backend.TrapAction {
	log.L.Trace(trap.PC, "jni", "unimplemented", "")
	if b.policy() == dispatch.PolicyStrict {
		return backend.TrapFault
	}
	_ = eng.SetRegister(backend.RegX(0), 0)
	return backend.TrapResume
}
