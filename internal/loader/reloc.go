package loader

import (
	"debug/elf"
	"encoding/binary"
)

// AArch64 dynamic relocation types.
const (
	R_AARCH64_ABS64       = 257  // absolute 64-bit symbol reference
	R_AARCH64_GLOB_DAT    = 1025 // GOT entry for global data symbol
	R_AARCH64_JUMP_SLOT   = 1026 // PLT GOT entry for function call
	R_AARCH64_RELATIVE    = 1027 // position-independent data reference
	R_AARCH64_TLS_TPREL64 = 1030 // offset from thread pointer
)

// 32-bit ARM dynamic relocation types.
const (
	R_ARM_ABS32     = 2
	R_ARM_GLOB_DAT  = 21
	R_ARM_JUMP_SLOT = 22
	R_ARM_RELATIVE  = 23
)

func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

// relocate applies every dynamic relocation exactly once. TLS offsets
// are reserved first so TPREL values can be computed. An unknown
// relocation type is fatal: silently skipping one leaves a pointer
// aimed at the pre-link address.
func (l *Loader) relocate(m *Module, f *elf.File, resolved map[int]uint64) error {
	if err := l.reserveTLS(m, f); err != nil {
		return err
	}
	if f.Class == elf.ELFCLASS32 {
		return l.relocate32(m, f, resolved)
	}
	return l.relocate64(m, f, resolved)
}

func (l *Loader) relocate64(m *Module, f *elf.File, resolved map[int]uint64) error {
	var dynSyms []elf.Symbol
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		if sec.Name != ".rela.dyn" && sec.Name != ".rela.plt" {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return loadErr(m.Name, "relocate", "read %s: %v", sec.Name, err)
		}

		// Each RELA entry: r_offset (8), r_info (8), r_addend (8).
		for i := 0; i+24 <= len(data); i += 24 {
			rOffset := le64(data[i:])
			rInfo := le64(data[i+8:])
			rAddend := le64(data[i+16:])

			relType := uint32(rInfo)
			symIdx := int(rInfo >> 32)
			target := m.Base + rOffset

			var value uint64
			switch relType {
			case R_AARCH64_RELATIVE:
				value = m.Base + rAddend

			case R_AARCH64_GLOB_DAT, R_AARCH64_JUMP_SLOT:
				addr, ok := resolved[symIdx]
				if !ok {
					return loadErr(m.Name, "relocate", "%s: unresolvable symbol index %d", sec.Name, symIdx)
				}
				value = addr

			case R_AARCH64_ABS64:
				if symIdx == 0 {
					value = m.Base + rAddend
					break
				}
				addr, ok := resolved[symIdx]
				if !ok {
					return loadErr(m.Name, "relocate", "%s: unresolvable symbol index %d", sec.Name, symIdx)
				}
				if addr == 0 {
					// Unresolved weak: leave the slot null.
					value = 0
					break
				}
				value = addr + rAddend

			case R_AARCH64_TLS_TPREL64:
				value = m.tlsOffset + rAddend
				if symIdx != 0 {
					// TLS symbol values are offsets into the PT_TLS
					// template, not virtual addresses, so the resolved
					// map does not apply.
					if dynSyms == nil {
						if dynSyms, err = f.DynamicSymbols(); err != nil {
							return loadErr(m.Name, "relocate", "%s: read symbols: %v", sec.Name, err)
						}
					}
					if symIdx > len(dynSyms) {
						return loadErr(m.Name, "relocate", "%s: symbol index %d out of range", sec.Name, symIdx)
					}
					value += dynSyms[symIdx-1].Value
				}

			default:
				return loadErr(m.Name, "relocate", "%s: unsupported relocation type %d", sec.Name, relType)
			}

			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], value)
			if err := l.cfg.Mem.Write(target, buf[:]); err != nil {
				return &LoadError{Module: m.Name, Stage: "relocate", Err: err}
			}
		}
	}
	return nil
}

// relocate32 handles EM_ARM images at parse level. Entries are REL
// (implicit addend read from the target word).
func (l *Loader) relocate32(m *Module, f *elf.File, resolved map[int]uint64) error {
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_REL {
			continue
		}
		if sec.Name != ".rel.dyn" && sec.Name != ".rel.plt" {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return loadErr(m.Name, "relocate", "read %s: %v", sec.Name, err)
		}

		// Each REL entry: r_offset (4), r_info (4).
		for i := 0; i+8 <= len(data); i += 8 {
			rOffset := uint64(binary.LittleEndian.Uint32(data[i:]))
			rInfo := binary.LittleEndian.Uint32(data[i+4:])

			relType := rInfo & 0xff
			symIdx := int(rInfo >> 8)
			target := m.Base + rOffset

			existing, err := l.cfg.Mem.Read(target, 4)
			if err != nil {
				return &LoadError{Module: m.Name, Stage: "relocate", Err: err}
			}
			addend := uint64(binary.LittleEndian.Uint32(existing))

			var value uint64
			switch relType {
			case R_ARM_RELATIVE:
				value = m.Base + addend

			case R_ARM_GLOB_DAT, R_ARM_JUMP_SLOT:
				addr, ok := resolved[symIdx]
				if !ok {
					return loadErr(m.Name, "relocate", "%s: unresolvable symbol index %d", sec.Name, symIdx)
				}
				value = addr

			case R_ARM_ABS32:
				addr, ok := resolved[symIdx]
				if !ok {
					return loadErr(m.Name, "relocate", "%s: unresolvable symbol index %d", sec.Name, symIdx)
				}
				if addr != 0 {
					value = addr + addend
				}

			default:
				return loadErr(m.Name, "relocate", "%s: unsupported relocation type %d", sec.Name, relType)
			}

			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], uint32(value))
			if err := l.cfg.Mem.Write(target, buf[:]); err != nil {
				return &LoadError{Module: m.Name, Stage: "relocate", Err: err}
			}
		}
	}
	return nil
}
