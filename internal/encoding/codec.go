// Package encoding copies fixed-layout structures between guest memory
// and Go values. Layout follows the AArch64 ABI: little-endian fields
// at naturally aligned offsets, struct size padded to the widest
// member. Field walking goes through reflect2 so repeated transfers of
// the same type skip the reflect.Value allocation path.
package encoding

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"unsafe"

	"github.com/modern-go/reflect2"

	"github.com/callng/rnidbg/internal/memory"
)

func align(off, a uint64) uint64 {
	if a == 0 {
		return off
	}
	return (off + a - 1) &^ (a - 1)
}

// Sizeof returns the guest-side size of v's type, padding included.
func Sizeof(v any) (uint64, error) {
	size, _, err := layout(reflect2.TypeOf(v))
	return size, err
}

// layout returns (size, alignment) of a type as the guest sees it.
func layout(typ reflect2.Type) (size, alignment uint64, err error) {
	switch typ.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Uint8:
		return 1, 1, nil
	case reflect.Int16, reflect.Uint16:
		return 2, 2, nil
	case reflect.Int32, reflect.Uint32, reflect.Float32:
		return 4, 4, nil
	case reflect.Int64, reflect.Uint64, reflect.Float64, reflect.Uintptr:
		return 8, 8, nil
	case reflect.Array:
		at := typ.(reflect2.ArrayType)
		es, ea, err := layout(at.Elem())
		if err != nil {
			return 0, 0, err
		}
		return es * uint64(at.Len()), ea, nil
	case reflect.Struct:
		st := typ.(reflect2.StructType)
		var off, maxAlign uint64
		for i := 0; i < st.NumField(); i++ {
			fs, fa, err := layout(st.Field(i).Type())
			if err != nil {
				return 0, 0, err
			}
			off = align(off, fa) + fs
			if fa > maxAlign {
				maxAlign = fa
			}
		}
		return align(off, maxAlign), maxAlign, nil
	default:
		return 0, 0, fmt.Errorf("encoding: unsupported kind %v", typ.Kind())
	}
}

// Read decodes the guest structure at addr into out, which must be a
// pointer to a fixed-layout value (integers, floats, arrays, structs).
func Read(m *memory.Manager, addr uint64, out any) error {
	typ := reflect2.TypeOf(out)
	pt, ok := typ.(reflect2.PtrType)
	if !ok {
		return fmt.Errorf("encoding: Read needs a pointer, got %v", typ)
	}
	elem := pt.Elem()
	size, _, err := layout(elem)
	if err != nil {
		return err
	}
	raw, err := m.Read(addr, size)
	if err != nil {
		return err
	}
	_, err = decode(elem, raw, reflect2.PtrOf(out))
	return err
}

// Write encodes in (a value or pointer to one) into guest memory at addr.
func Write(m *memory.Manager, addr uint64, in any) error {
	typ := reflect2.TypeOf(in)
	ptr := reflect2.PtrOf(in)
	if pt, ok := typ.(reflect2.PtrType); ok {
		typ = pt.Elem()
	}
	size, _, err := layout(typ)
	if err != nil {
		return err
	}
	raw := make([]byte, size)
	if _, err := encode(typ, raw, ptr); err != nil {
		return err
	}
	return m.Write(addr, raw)
}

// decode fills the Go value at ptr from raw, returning bytes consumed.
func decode(typ reflect2.Type, raw []byte, ptr unsafe.Pointer) (uint64, error) {
	switch typ.Kind() {
	case reflect.Bool:
		*(*bool)(ptr) = raw[0] != 0
		return 1, nil
	case reflect.Int8, reflect.Uint8:
		*(*uint8)(ptr) = raw[0]
		return 1, nil
	case reflect.Int16, reflect.Uint16:
		*(*uint16)(ptr) = binary.LittleEndian.Uint16(raw)
		return 2, nil
	case reflect.Int32, reflect.Uint32, reflect.Float32:
		*(*uint32)(ptr) = binary.LittleEndian.Uint32(raw)
		return 4, nil
	case reflect.Int64, reflect.Uint64, reflect.Float64, reflect.Uintptr:
		*(*uint64)(ptr) = binary.LittleEndian.Uint64(raw)
		return 8, nil
	case reflect.Array:
		at := typ.(reflect2.ArrayType)
		elem := at.Elem()
		es, _, err := layout(elem)
		if err != nil {
			return 0, err
		}
		var off uint64
		for i := 0; i < at.Len(); i++ {
			if _, err := decode(elem, raw[off:], unsafe.Add(ptr, uintptr(off))); err != nil {
				return 0, err
			}
			off += es
		}
		return off, nil
	case reflect.Struct:
		st := typ.(reflect2.StructType)
		var off uint64
		for i := 0; i < st.NumField(); i++ {
			f := st.Field(i)
			_, fa, err := layout(f.Type())
			if err != nil {
				return 0, err
			}
			off = align(off, fa)
			n, err := decode(f.Type(), raw[off:], unsafe.Add(ptr, f.Offset()))
			if err != nil {
				return 0, err
			}
			off += n
		}
		size, _, _ := layout(typ)
		return size, nil
	default:
		return 0, fmt.Errorf("encoding: unsupported kind %v", typ.Kind())
	}
}

// encode writes the Go value at ptr into raw, returning bytes produced.
func encode(typ reflect2.Type, raw []byte, ptr unsafe.Pointer) (uint64, error) {
	switch typ.Kind() {
	case reflect.Bool:
		raw[0] = 0
		if *(*bool)(ptr) {
			raw[0] = 1
		}
		return 1, nil
	case reflect.Int8, reflect.Uint8:
		raw[0] = *(*uint8)(ptr)
		return 1, nil
	case reflect.Int16, reflect.Uint16:
		binary.LittleEndian.PutUint16(raw, *(*uint16)(ptr))
		return 2, nil
	case reflect.Int32, reflect.Uint32, reflect.Float32:
		binary.LittleEndian.PutUint32(raw, *(*uint32)(ptr))
		return 4, nil
	case reflect.Int64, reflect.Uint64, reflect.Float64, reflect.Uintptr:
		binary.LittleEndian.PutUint64(raw, *(*uint64)(ptr))
		return 8, nil
	case reflect.Array:
		at := typ.(reflect2.ArrayType)
		elem := at.Elem()
		es, _, err := layout(elem)
		if err != nil {
			return 0, err
		}
		var off uint64
		for i := 0; i < at.Len(); i++ {
			if _, err := encode(elem, raw[off:], unsafe.Add(ptr, uintptr(off))); err != nil {
				return 0, err
			}
			off += es
		}
		return off, nil
	case reflect.Struct:
		st := typ.(reflect2.StructType)
		var off uint64
		for i := 0; i < st.NumField(); i++ {
			f := st.Field(i)
			_, fa, err := layout(f.Type())
			if err != nil {
				return 0, err
			}
			off = align(off, fa)
			n, err := encode(f.Type(), raw[off:], unsafe.Add(ptr, f.Offset()))
			if err != nil {
				return 0, err
			}
			off += n
		}
		size, _, _ := layout(typ)
		return size, nil
	default:
		return 0, fmt.Errorf("encoding: unsupported kind %v", typ.Kind())
	}
}
