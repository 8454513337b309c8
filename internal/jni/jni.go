// Package jni exposes a guest-visible JNIEnv* and JavaVM* whose
// function tables are built out of dispatcher SVC stubs: every slot is
// a `svc #N; ret` pair, so a guest call into the table traps straight
// into the matching host handler. Objects the guest touches live in a
// host-side reference table keyed by deterministic handles.
package jni

import (
	"fmt"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/dispatch"
	"github.com/callng/rnidbg/internal/log"
	"github.com/callng/rnidbg/internal/memory"
)

const (
	JNIOk        = 0
	JNIErr       = ^uint64(0) // -1
	JNIVersion16 = 0x0001_0006

	envSlotCount = 233
	vmSlotCount  = 8
)

// RefKind discriminates what a handle points at.
type RefKind int

const (
	KindObject RefKind = iota
	KindClass
	KindString
	KindByteArray
)

func (k RefKind) String() string {
	switch k {
	case KindClass:
		return "class"
	case KindString:
		return "string"
	case KindByteArray:
		return "byte[]"
	}
	return "object"
}

// Ref is one entry in the reference table.
type Ref struct {
	Handle uint64
	Kind   RefKind
	Class  string // class name for KindClass, declaring class otherwise
	Str    string // KindString payload
	Bytes  []byte // KindByteArray payload
	Global bool
}

// HostFunc services a guest call to a registered bridge method. recv is
// nil for static methods. args follow the method signature: Go string
// for object arguments that are strings, *Ref for other objects,
// uint64 for primitives.
type HostFunc func(b *Bridge, recv *Ref, args []any) (any, error)

// Method is a registered bridge method with its guest-visible ID.
type Method struct {
	ID     uint64
	Class  string
	Name   string
	Sig    string
	Static bool
	Fn     HostFunc
}

func methodKey(class, name, sig string) string { return class + "." + name + sig }

// Bridge owns the guest JNI surface for one emulator.
type Bridge struct {
	mem *memory.Manager
	svc *dispatch.SvcMemory

	// policy mirrors the dispatcher's unimplemented-trap policy
	policy func() dispatch.Policy

	EnvPtr uint64 // guest JNIEnv*
	VMPtr  uint64 // guest JavaVM*

	heap     *memory.Region
	heapNext uint64

	refs       map[uint64]*Ref
	nextHandle uint64
	classes    map[string]*Ref

	methods  map[uint64]*Method
	byKey    map[string]*Method
	nextMeth uint64

	fields    map[string]uint64
	nextField uint64

	// guest pointers handed out by GetStringUTFChars, by string handle
	utfAllocs map[uint64]uint64

	// functions the guest registered via RegisterNatives
	natives map[string]uint64

	exception bool
}

// NewBridge allocates the guest-side tables and registers every
// implemented slot as an SVC stub.
func NewBridge(mem *memory.Manager, svc *dispatch.SvcMemory, policy func() dispatch.Policy) (*Bridge, error) {
	b := &Bridge{
		mem:        mem,
		svc:        svc,
		policy:     policy,
		refs:       make(map[uint64]*Ref),
		nextHandle: 0x2000,
		classes:    make(map[string]*Ref),
		methods:    make(map[uint64]*Method),
		byKey:      make(map[string]*Method),
		nextMeth:   0x7000,
		fields:     make(map[string]uint64),
		nextField:  0xf000,
		utfAllocs:  make(map[uint64]uint64),
		natives:    make(map[string]uint64),
	}

	heap, err := mem.Map(0, 0x10_0000, backend.ProtRead|backend.ProtWrite, "jni heap")
	if err != nil {
		return nil, err
	}
	b.heap = heap
	b.heapNext = heap.Base

	if err := b.buildTables(); err != nil {
		return nil, err
	}
	return b, nil
}

// alloc carves n bytes out of the bridge heap, 8-aligned.
func (b *Bridge) alloc(n uint64) (uint64, error) {
	n = (n + 7) &^ 7
	if b.heapNext+n > b.heap.End() {
		return 0, fmt.Errorf("jni heap exhausted (want 0x%x)", n)
	}
	addr := b.heapNext
	b.heapNext += n
	return addr, nil
}

func (b *Bridge) allocBytes(data []byte) (uint64, error) {
	addr, err := b.alloc(uint64(len(data)))
	if err != nil {
		return 0, err
	}
	return addr, b.mem.Write(addr, data)
}

func (b *Bridge) allocCString(s string) (uint64, error) {
	return b.allocBytes(append([]byte(s), 0))
}

// newRef inserts an object into the reference table.
func (b *Bridge) newRef(r *Ref) *Ref {
	r.Handle = b.nextHandle
	b.nextHandle += 4
	b.refs[r.Handle] = r
	return r
}

// ref resolves a guest handle; nil handles and unknown handles return nil.
func (b *Bridge) ref(handle uint64) *Ref { return b.refs[handle] }

// ClassRef interns a class by JVM internal name (slash-separated).
func (b *Bridge) ClassRef(name string) *Ref {
	if r, ok := b.classes[name]; ok {
		return r
	}
	r := b.newRef(&Ref{Kind: KindClass, Class: name})
	b.classes[name] = r
	return r
}

// NewStringRef interns a Java string.
func (b *Bridge) NewStringRef(s string) *Ref {
	return b.newRef(&Ref{Kind: KindString, Class: "java/lang/String", Str: s})
}

// NewByteArrayRef wraps data as a guest byte[].
func (b *Bridge) NewByteArrayRef(data []byte) *Ref {
	return b.newRef(&Ref{Kind: KindByteArray, Class: "[B", Bytes: data})
}

// RegisterMethod installs a host callback for a method the guest will
// look up and call through the env table. The signature uses JNI
// descriptor syntax, e.g. "(Ljava/lang/String;I)Ljava/lang/String;".
func (b *Bridge) RegisterMethod(class, name, sig string, static bool, fn HostFunc) *Method {
	m := &Method{ID: b.nextMeth, Class: class, Name: name, Sig: sig, Static: static, Fn: fn}
	b.nextMeth += 4
	b.methods[m.ID] = m
	b.byKey[methodKey(class, name, sig)] = m
	return m
}

// methodID returns the guest-visible ID for a looked-up method,
// creating an unbound one when no host callback is registered. Lookup
// must succeed even for unbound methods: returning 0 would turn a
// later, maybe-never-taken call path into an immediate crash.
func (b *Bridge) methodID(class, name, sig string, static bool) uint64 {
	key := methodKey(class, name, sig)
	if m, ok := b.byKey[key]; ok {
		return m.ID
	}
	m := &Method{ID: b.nextMeth, Class: class, Name: name, Sig: sig, Static: static}
	b.nextMeth += 4
	b.methods[m.ID] = m
	b.byKey[key] = m
	return m.ID
}

// Natives returns the guest function registered via RegisterNatives for
// class/name/sig, or 0. The embedder calls it through the emulator.
func (b *Bridge) Natives(class, name, sig string) uint64 {
	return b.natives[methodKey(class, name, sig)]
}

// ExceptionPending reports the guest-visible pending-exception flag.
func (b *Bridge) ExceptionPending() bool { return b.exception }

// Throw sets the pending-exception flag host-side.
func (b *Bridge) Throw() { b.exception = true }

func (b *Bridge) traceCall(pc uint64, name, detail string) {
	log.L.Trace(pc, "jni", name, detail)
}
