package backend

import (
	"encoding/binary"
	"math/bits"

	"golang.org/x/arch/arm64/arm64asm"
)

// A64 instruction decode and execution for the interpreter engine. The
// covered subset is what compilers emit for integer code plus the system
// instructions the dispatcher and bridge rely on (SVC, BRK, TPIDR_EL0
// moves, barriers, hints). SIMD and floating point are not implemented;
// hitting them ends the run with a BackendError naming the instruction.

func ibits(insn, hi, lo uint32) uint32 {
	return (insn >> lo) & ((1 << (hi - lo + 1)) - 1)
}

func sext(v uint64, width uint) uint64 {
	shift := 64 - width
	return uint64(int64(v<<shift) >> shift)
}

// rget reads general register n. n==31 reads SP when sp is true, else XZR.
func (e *interpEngine) rget(n uint32, sp bool) uint64 {
	if n == 31 {
		if sp {
			return e.sp
		}
		return 0
	}
	return e.x[n]
}

// rset writes general register n. n==31 writes SP when sp is true, else
// the write is discarded (XZR).
func (e *interpEngine) rset(n uint32, sp bool, v uint64, sf bool) {
	if !sf {
		v = uint64(uint32(v))
	}
	if n == 31 {
		if sp {
			e.sp = v
		}
		return
	}
	e.x[n] = v
}

func (e *interpEngine) setFlags(n, z, c, v bool) {
	e.fn, e.fz, e.fc, e.fv = n, z, c, v
}

func addWithCarry(a, b uint64, carry, sf bool) (res uint64, n, z, c, v bool) {
	if sf {
		var cin uint64
		if carry {
			cin = 1
		}
		res = a + b + cin
		n = int64(res) < 0
		z = res == 0
		if carry {
			c = res <= a
		} else {
			c = res < a
		}
		v = (^(a^b)&(a^res))>>63 != 0
		return
	}
	a32, b32 := uint32(a), uint32(b)
	var cin uint32
	if carry {
		cin = 1
	}
	r32 := a32 + b32 + cin
	res = uint64(r32)
	n = int32(r32) < 0
	z = r32 == 0
	if carry {
		c = r32 <= a32
	} else {
		c = r32 < a32
	}
	v = (^(a32^b32)&(a32^r32))>>31 != 0
	return
}

func (e *interpEngine) cond(c uint32) bool {
	var r bool
	switch c >> 1 {
	case 0:
		r = e.fz
	case 1:
		r = e.fc
	case 2:
		r = e.fn
	case 3:
		r = e.fv
	case 4:
		r = e.fc && !e.fz
	case 5:
		r = e.fn == e.fv
	case 6:
		r = e.fn == e.fv && !e.fz
	case 7:
		return true
	}
	if c&1 == 1 {
		r = !r
	}
	return r
}

func shiftValue(v uint64, typ, amount uint32, sf bool) uint64 {
	size := uint32(64)
	if !sf {
		size = 32
		v = uint64(uint32(v))
	}
	amount %= size
	if amount == 0 {
		return v
	}
	switch typ {
	case 0: // LSL
		v <<= amount
	case 1: // LSR
		v >>= amount
	case 2: // ASR
		if sf {
			v = uint64(int64(v) >> amount)
		} else {
			v = uint64(uint32(int32(uint32(v)) >> amount))
		}
	case 3: // ROR
		if sf {
			v = bits.RotateLeft64(v, -int(amount))
		} else {
			v = uint64(bits.RotateLeft32(uint32(v), -int(amount)))
		}
	}
	if !sf {
		v = uint64(uint32(v))
	}
	return v
}

func extendValue(v uint64, option, shift uint32) uint64 {
	switch option {
	case 0: // UXTB
		v = uint64(uint8(v))
	case 1: // UXTH
		v = uint64(uint16(v))
	case 2: // UXTW
		v = uint64(uint32(v))
	case 3: // UXTX
	case 4: // SXTB
		v = uint64(int64(int8(v)))
	case 5: // SXTH
		v = uint64(int64(int16(v)))
	case 6: // SXTW
		v = uint64(int64(int32(v)))
	case 7: // SXTX
	}
	return v << shift
}

// decodeBitMasks implements the shared ARM pseudocode for logical-immediate
// and bitfield mask generation.
func decodeBitMasks(n, imms, immr uint32, immediate, sf bool) (wmask, tmask uint64, ok bool) {
	combined := (n << 6) | (^imms & 0x3f)
	if combined == 0 {
		return 0, 0, false
	}
	length := uint32(31 - bits.LeadingZeros32(combined))
	if length < 1 {
		return 0, 0, false
	}
	levels := uint32(1<<length) - 1
	if immediate && imms&levels == levels {
		return 0, 0, false
	}
	s := imms & levels
	r := immr & levels
	esize := uint32(1) << length

	ones := func(count uint32) uint64 {
		if count >= 64 {
			return ^uint64(0)
		}
		return (uint64(1) << count) - 1
	}
	replicate := func(elem uint64) uint64 {
		var out uint64
		for i := uint32(0); i < 64; i += esize {
			out |= elem << i
		}
		return out
	}

	welem := ones(s + 1)
	if r != 0 {
		emask := ones(esize)
		welem = ((welem >> r) | (welem << (esize - r))) & emask
	}
	wmask = replicate(welem)

	diff := (s - r) & levels
	telem := ones(diff + 1)
	tmask = replicate(telem)

	if !sf {
		wmask = uint64(uint32(wmask))
		tmask = uint64(uint32(tmask))
	}
	return wmask, tmask, true
}

// load reads width bytes, checking read permission and firing read hooks.
// Returns false with a recorded fault on failure.
func (e *interpEngine) load(addr uint64, width int) (uint64, bool) {
	e.fireMemHooks(AccessRead, addr, width, 0)
	var buf [8]byte
	if f := e.access(addr, buf[:width], ProtRead, false); f != nil {
		e.pendingFault = f
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}

func (e *interpEngine) store(addr uint64, width int, val uint64) bool {
	e.fireMemHooks(AccessWrite, addr, width, val)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	if f := e.access(addr, buf[:width], ProtWrite, true); f != nil {
		e.pendingFault = f
		return false
	}
	return true
}

func (e *interpEngine) unsupported(insn uint32, addr uint64) error {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], insn)
	if inst, err := arm64asm.Decode(raw[:]); err == nil {
		return backendErrf("interp", "exec", "unsupported instruction %v (0x%08x) at 0x%x", inst, insn, addr)
	}
	return backendErrf("interp", "exec", "undecodable instruction 0x%08x at 0x%x", insn, addr)
}

// exec executes one instruction. e.pc has not been advanced; exec is
// responsible for setting the next PC.
func (e *interpEngine) exec(insn uint32) error {
	cur := e.pc
	e.pc = cur + 4

	switch {
	case insn&0xFFFFFC1F == 0xD65F0000: // RET
		e.pc = e.rget(ibits(insn, 9, 5), false)

	case insn&0xFFFFFC1F == 0xD61F0000: // BR
		e.pc = e.rget(ibits(insn, 9, 5), false)

	case insn&0xFFFFFC1F == 0xD63F0000: // BLR
		e.x[30] = cur + 4
		e.pc = e.rget(ibits(insn, 9, 5), false)

	case insn&0xFFE0001F == 0xD4000001: // SVC
		e.handleTrap(uint64(ibits(insn, 20, 5)), cur)

	case insn&0xFFE0001F == 0xD4200000: // BRK
		e.handleTrap(uint64(ibits(insn, 20, 5)), cur)

	case insn&0xFFFFF01F == 0xD503201F: // HINT: NOP, YIELD, WFE, ...
	case insn&0xFFFFF000 == 0xD5033000: // DSB, DMB, ISB, CLREX

	case insn&0xFFFFFFE0 == 0xD53BD040: // MRS Xt, TPIDR_EL0
		e.rset(ibits(insn, 4, 0), false, e.tpidr, true)

	case insn&0xFFFFFFE0 == 0xD51BD040: // MSR TPIDR_EL0, Xt
		e.tpidr = e.rget(ibits(insn, 4, 0), false)

	case insn&0xFFFFFFE0 == 0xD53BE040: // MRS Xt, CNTVCT_EL0
		// Virtual counter reads the retired-instruction count so timing
		// loops observe deterministic forward progress.
		e.rset(ibits(insn, 4, 0), false, e.retired, true)

	case insn&0x7C000000 == 0x14000000: // B / BL
		off := sext(uint64(ibits(insn, 25, 0)), 26) << 2
		if insn>>31 == 1 {
			e.x[30] = cur + 4
		}
		e.pc = cur + off

	case insn&0xFF000010 == 0x54000000: // B.cond
		if e.cond(ibits(insn, 3, 0)) {
			e.pc = cur + sext(uint64(ibits(insn, 23, 5)), 19)<<2
		}

	case insn&0x7E000000 == 0x34000000: // CBZ / CBNZ
		sf := insn>>31 == 1
		v := e.rget(ibits(insn, 4, 0), false)
		if !sf {
			v = uint64(uint32(v))
		}
		zero := v == 0
		if zero != (ibits(insn, 24, 24) == 1) {
			e.pc = cur + sext(uint64(ibits(insn, 23, 5)), 19)<<2
		}

	case insn&0x7E000000 == 0x36000000: // TBZ / TBNZ
		bit := ibits(insn, 23, 19) | ibits(insn, 31, 31)<<5
		v := e.rget(ibits(insn, 4, 0), false)
		set := v&(1<<bit) != 0
		if set == (ibits(insn, 24, 24) == 1) {
			e.pc = cur + sext(uint64(ibits(insn, 18, 5)), 14)<<2
		}

	case insn&0x1F000000 == 0x10000000: // ADR / ADRP
		imm := sext(uint64(ibits(insn, 23, 5)<<2|ibits(insn, 30, 29)), 21)
		if insn>>31 == 1 { // ADRP
			e.rset(ibits(insn, 4, 0), false, (cur&^uint64(0xfff))+(imm<<12), true)
		} else {
			e.rset(ibits(insn, 4, 0), false, cur+imm, true)
		}

	case insn&0x1F000000 == 0x11000000: // ADD/SUB immediate
		sf := insn>>31 == 1
		op := ibits(insn, 30, 30) == 1 // sub
		setf := ibits(insn, 29, 29) == 1
		imm := uint64(ibits(insn, 21, 10))
		if ibits(insn, 22, 22) == 1 {
			imm <<= 12
		}
		a := e.rget(ibits(insn, 9, 5), true)
		b := imm
		carry := false
		if op {
			b = ^imm
			carry = true
		}
		res, n, z, c, v := addWithCarry(a, b, carry, sf)
		if setf {
			e.setFlags(n, z, c, v)
			e.rset(ibits(insn, 4, 0), false, res, sf)
		} else {
			e.rset(ibits(insn, 4, 0), true, res, sf)
		}

	case insn&0x1F800000 == 0x12000000: // logical immediate
		sf := insn>>31 == 1
		opc := ibits(insn, 30, 29)
		nBit := ibits(insn, 22, 22)
		if !sf && nBit == 1 {
			return e.unsupported(insn, cur)
		}
		wmask, _, ok := decodeBitMasks(nBit, ibits(insn, 15, 10), ibits(insn, 21, 16), true, sf)
		if !ok {
			return e.unsupported(insn, cur)
		}
		src := e.rget(ibits(insn, 9, 5), false)
		var res uint64
		switch opc {
		case 0: // AND
			res = src & wmask
			e.rset(ibits(insn, 4, 0), true, res, sf)
		case 1: // ORR
			res = src | wmask
			e.rset(ibits(insn, 4, 0), true, res, sf)
		case 2: // EOR
			res = src ^ wmask
			e.rset(ibits(insn, 4, 0), true, res, sf)
		case 3: // ANDS
			res = src & wmask
			if !sf {
				res = uint64(uint32(res))
			}
			neg := int64(res) < 0
			if !sf {
				neg = int32(uint32(res)) < 0
			}
			e.setFlags(neg, res == 0, false, false)
			e.rset(ibits(insn, 4, 0), false, res, sf)
		}

	case insn&0x1F800000 == 0x12800000: // MOVN / MOVZ / MOVK
		sf := insn>>31 == 1
		opc := ibits(insn, 30, 29)
		hw := ibits(insn, 22, 21)
		if !sf && hw > 1 {
			return e.unsupported(insn, cur)
		}
		shift := hw * 16
		imm := uint64(ibits(insn, 20, 5)) << shift
		rd := ibits(insn, 4, 0)
		switch opc {
		case 0: // MOVN
			e.rset(rd, false, ^imm, sf)
		case 2: // MOVZ
			e.rset(rd, false, imm, sf)
		case 3: // MOVK
			old := e.rget(rd, false)
			res := old&^(uint64(0xffff)<<shift) | imm
			e.rset(rd, false, res, sf)
		default:
			return e.unsupported(insn, cur)
		}

	case insn&0x1F800000 == 0x13000000: // SBFM / BFM / UBFM
		sf := insn>>31 == 1
		opc := ibits(insn, 30, 29)
		nBit := ibits(insn, 22, 22)
		immr := ibits(insn, 21, 16)
		imms := ibits(insn, 15, 10)
		if (sf && nBit != 1) || (!sf && nBit != 0) {
			return e.unsupported(insn, cur)
		}
		wmask, tmask, ok := decodeBitMasks(nBit, imms, immr, false, sf)
		if !ok {
			return e.unsupported(insn, cur)
		}
		size := uint32(64)
		if !sf {
			size = 32
		}
		src := e.rget(ibits(insn, 9, 5), false)
		if !sf {
			src = uint64(uint32(src))
		}
		rot := src
		if immr != 0 {
			rot = (src >> immr) | (src << (size - immr))
			if !sf {
				rot = uint64(uint32(rot))
			}
		}
		rd := ibits(insn, 4, 0)
		switch opc {
		case 0: // SBFM
			var top uint64
			if src&(1<<imms) != 0 {
				top = ^uint64(0)
			}
			e.rset(rd, false, (top&^tmask)|(rot&wmask&tmask), sf)
		case 1: // BFM
			dst := e.rget(rd, false)
			bot := (dst &^ wmask) | (rot & wmask)
			e.rset(rd, false, (dst&^tmask)|(bot&tmask), sf)
		case 2: // UBFM
			e.rset(rd, false, rot&wmask&tmask, sf)
		default:
			return e.unsupported(insn, cur)
		}

	case insn&0x1F800000 == 0x13800000: // EXTR
		sf := insn>>31 == 1
		imms := ibits(insn, 15, 10)
		size := uint32(64)
		if !sf {
			size = 32
			if imms > 31 {
				return e.unsupported(insn, cur)
			}
		}
		rm := e.rget(ibits(insn, 20, 16), false)
		rn := e.rget(ibits(insn, 9, 5), false)
		if !sf {
			rm, rn = uint64(uint32(rm)), uint64(uint32(rn))
		}
		res := rm
		if imms != 0 {
			res = (rm >> imms) | (rn << (size - imms))
		}
		e.rset(ibits(insn, 4, 0), false, res, sf)

	case insn&0x3B000000 == 0x18000000 && ibits(insn, 26, 26) == 0: // LDR literal
		opc := ibits(insn, 31, 30)
		addr := cur + sext(uint64(ibits(insn, 23, 5)), 19)<<2
		rt := ibits(insn, 4, 0)
		switch opc {
		case 0: // LDR Wt
			if v, ok := e.load(addr, 4); ok {
				e.rset(rt, false, v, false)
			}
		case 1: // LDR Xt
			if v, ok := e.load(addr, 8); ok {
				e.rset(rt, false, v, true)
			}
		case 2: // LDRSW
			if v, ok := e.load(addr, 4); ok {
				e.rset(rt, false, sext(v, 32), true)
			}
		case 3: // PRFM
		}

	case (insn>>27)&7 == 5 && ibits(insn, 26, 26) == 0 && ibits(insn, 29, 28)&1 == 0 && insn&0x3A000000 == 0x28000000: // LDP/STP
		return e.execLoadStorePair(insn, cur)

	case (insn>>27)&7 == 7 && ibits(insn, 26, 26) == 0: // load/store register
		return e.execLoadStoreReg(insn, cur)

	case insn&0x1F200000 == 0x0B000000: // ADD/SUB shifted register
		sf := insn>>31 == 1
		op := ibits(insn, 30, 30) == 1
		setf := ibits(insn, 29, 29) == 1
		shiftTyp := ibits(insn, 23, 22)
		if shiftTyp == 3 {
			return e.unsupported(insn, cur)
		}
		b := shiftValue(e.rget(ibits(insn, 20, 16), false), shiftTyp, ibits(insn, 15, 10), sf)
		a := e.rget(ibits(insn, 9, 5), false)
		carry := false
		if op {
			b = ^b
			if !sf {
				b = uint64(uint32(b))
			}
			carry = true
		}
		res, n, z, c, v := addWithCarry(a, b, carry, sf)
		if setf {
			e.setFlags(n, z, c, v)
		}
		e.rset(ibits(insn, 4, 0), false, res, sf)

	case insn&0x1F200000 == 0x0B200000: // ADD/SUB extended register
		sf := insn>>31 == 1
		op := ibits(insn, 30, 30) == 1
		setf := ibits(insn, 29, 29) == 1
		shift := ibits(insn, 12, 10)
		if shift > 4 {
			return e.unsupported(insn, cur)
		}
		b := extendValue(e.rget(ibits(insn, 20, 16), false), ibits(insn, 15, 13), shift)
		a := e.rget(ibits(insn, 9, 5), true)
		carry := false
		if op {
			b = ^b
			if !sf {
				b = uint64(uint32(b))
			}
			carry = true
		}
		res, n, z, c, v := addWithCarry(a, b, carry, sf)
		if setf {
			e.setFlags(n, z, c, v)
			e.rset(ibits(insn, 4, 0), false, res, sf)
		} else {
			e.rset(ibits(insn, 4, 0), true, res, sf)
		}

	case insn&0x1F000000 == 0x0A000000: // logical shifted register
		sf := insn>>31 == 1
		opc := ibits(insn, 30, 29)
		negate := ibits(insn, 21, 21) == 1
		b := shiftValue(e.rget(ibits(insn, 20, 16), false), ibits(insn, 23, 22), ibits(insn, 15, 10), sf)
		if negate {
			b = ^b
			if !sf {
				b = uint64(uint32(b))
			}
		}
		a := e.rget(ibits(insn, 9, 5), false)
		var res uint64
		switch opc {
		case 0:
			res = a & b
		case 1:
			res = a | b
		case 2:
			res = a ^ b
		case 3: // ANDS / BICS
			res = a & b
		}
		if !sf {
			res = uint64(uint32(res))
		}
		if opc == 3 {
			neg := int64(res) < 0
			if !sf {
				neg = int32(uint32(res)) < 0
			}
			e.setFlags(neg, res == 0, false, false)
		}
		e.rset(ibits(insn, 4, 0), false, res, sf)

	case insn&0x1FE00000 == 0x1A800000 && ibits(insn, 29, 29) == 0: // CSEL family
		sf := insn>>31 == 1
		op := ibits(insn, 30, 30)
		op2 := ibits(insn, 11, 10)
		rn := e.rget(ibits(insn, 9, 5), false)
		rm := e.rget(ibits(insn, 20, 16), false)
		var res uint64
		if e.cond(ibits(insn, 15, 12)) {
			res = rn
		} else {
			switch {
			case op == 0 && op2 == 0: // CSEL
				res = rm
			case op == 0 && op2 == 1: // CSINC
				res = rm + 1
			case op == 1 && op2 == 0: // CSINV
				res = ^rm
			case op == 1 && op2 == 1: // CSNEG
				res = -rm
			}
		}
		e.rset(ibits(insn, 4, 0), false, res, sf)

	case insn&0x1FE00000 == 0x1A400000 && ibits(insn, 29, 29) == 1: // CCMN / CCMP
		sf := insn>>31 == 1
		sub := ibits(insn, 30, 30) == 1
		if e.cond(ibits(insn, 15, 12)) {
			a := e.rget(ibits(insn, 9, 5), false)
			var b uint64
			if ibits(insn, 11, 11) == 1 {
				b = uint64(ibits(insn, 20, 16))
			} else {
				b = e.rget(ibits(insn, 20, 16), false)
			}
			carry := false
			if sub {
				b = ^b
				if !sf {
					b = uint64(uint32(b))
				}
				carry = true
			}
			_, n, z, c, v := addWithCarry(a, b, carry, sf)
			e.setFlags(n, z, c, v)
		} else {
			nzcv := ibits(insn, 3, 0)
			e.setFlags(nzcv&8 != 0, nzcv&4 != 0, nzcv&2 != 0, nzcv&1 != 0)
		}

	case insn&0x1FE00000 == 0x1AC00000: // data-processing 2-source
		sf := insn>>31 == 1
		opcode := ibits(insn, 15, 10)
		a := e.rget(ibits(insn, 9, 5), false)
		b := e.rget(ibits(insn, 20, 16), false)
		if !sf {
			a, b = uint64(uint32(a)), uint64(uint32(b))
		}
		var res uint64
		switch opcode {
		case 0x02: // UDIV
			if b != 0 {
				res = a / b
			}
		case 0x03: // SDIV
			if b != 0 {
				if sf {
					res = uint64(int64(a) / int64(b))
				} else {
					res = uint64(int32(a) / int32(b))
				}
			}
		case 0x08: // LSLV
			res = shiftValue(a, 0, uint32(b), sf)
		case 0x09: // LSRV
			res = shiftValue(a, 1, uint32(b), sf)
		case 0x0A: // ASRV
			res = shiftValue(a, 2, uint32(b), sf)
		case 0x0B: // RORV
			res = shiftValue(a, 3, uint32(b), sf)
		default:
			return e.unsupported(insn, cur)
		}
		e.rset(ibits(insn, 4, 0), false, res, sf)

	case insn&0x1F000000 == 0x1B000000: // data-processing 3-source
		sf := insn>>31 == 1
		op31 := ibits(insn, 23, 21)
		sub := ibits(insn, 15, 15) == 1
		rn := e.rget(ibits(insn, 9, 5), false)
		rm := e.rget(ibits(insn, 20, 16), false)
		ra := e.rget(ibits(insn, 14, 10), false)
		var res uint64
		switch op31 {
		case 0: // MADD / MSUB
			p := rn * rm
			if sub {
				res = ra - p
			} else {
				res = ra + p
			}
		case 1: // SMADDL / SMSUBL
			p := uint64(int64(int32(rn)) * int64(int32(rm)))
			if sub {
				res = ra - p
			} else {
				res = ra + p
			}
		case 2: // SMULH
			res = uint64(smulh(int64(rn), int64(rm)))
		case 5: // UMADDL / UMSUBL
			p := uint64(uint32(rn)) * uint64(uint32(rm))
			if sub {
				res = ra - p
			} else {
				res = ra + p
			}
		case 6: // UMULH
			res, _ = bits.Mul64(rn, rm)
		default:
			return e.unsupported(insn, cur)
		}
		e.rset(ibits(insn, 4, 0), false, res, sf)

	case insn&0x1FE00000 == 0x1A000000 && ibits(insn, 15, 10) == 0: // ADC / SBC
		sf := insn>>31 == 1
		sub := ibits(insn, 30, 30) == 1
		setf := ibits(insn, 29, 29) == 1
		a := e.rget(ibits(insn, 9, 5), false)
		b := e.rget(ibits(insn, 20, 16), false)
		if sub {
			b = ^b
			if !sf {
				b = uint64(uint32(b))
			}
		}
		res, n, z, c, v := addWithCarry(a, b, e.fc, sf)
		if setf {
			e.setFlags(n, z, c, v)
		}
		e.rset(ibits(insn, 4, 0), false, res, sf)

	default:
		return e.unsupported(insn, cur)
	}
	return nil
}

func smulh(a, b int64) int64 {
	hi, _ := bits.Mul64(uint64(a), uint64(b))
	res := int64(hi)
	if a < 0 {
		res -= b
	}
	if b < 0 {
		res -= a
	}
	return res
}

func (e *interpEngine) execLoadStorePair(insn uint32, cur uint64) error {
	opc := ibits(insn, 31, 30)
	load := ibits(insn, 22, 22) == 1
	mode := ibits(insn, 24, 23) // 00 no-alloc, 01 post, 10 offset, 11 pre
	rt := ibits(insn, 4, 0)
	rt2 := ibits(insn, 14, 10)
	rn := ibits(insn, 9, 5)

	var width int
	var signExtend, sf bool
	switch opc {
	case 0:
		width, sf = 4, false
	case 1:
		if !load {
			return e.unsupported(insn, cur)
		}
		width, signExtend, sf = 4, true, true // LDPSW
	case 2:
		width, sf = 8, true
	default:
		return e.unsupported(insn, cur)
	}

	off := sext(uint64(ibits(insn, 21, 15)), 7) * uint64(width)
	base := e.rget(rn, true)
	addr := base
	if mode != 1 { // not post-index
		addr += off
	}

	if load {
		v1, ok := e.load(addr, width)
		if !ok {
			return nil
		}
		v2, ok := e.load(addr+uint64(width), width)
		if !ok {
			return nil
		}
		if signExtend {
			v1, v2 = sext(v1, 32), sext(v2, 32)
		}
		e.rset(rt, false, v1, sf)
		e.rset(rt2, false, v2, sf)
	} else {
		if !e.store(addr, width, e.rget(rt, false)) {
			return nil
		}
		if !e.store(addr+uint64(width), width, e.rget(rt2, false)) {
			return nil
		}
	}

	if mode == 1 || mode == 3 { // post- or pre-index writeback
		e.rset(rn, true, base+off, true)
	}
	return nil
}

func (e *interpEngine) execLoadStoreReg(insn uint32, cur uint64) error {
	size := ibits(insn, 31, 30)
	opc := ibits(insn, 23, 22)
	rt := ibits(insn, 4, 0)
	rn := ibits(insn, 9, 5)
	width := 1 << size

	var addr uint64
	var writeback bool
	var wbAddr uint64
	base := e.rget(rn, true)

	switch {
	case ibits(insn, 25, 24) == 1: // unsigned offset
		addr = base + uint64(ibits(insn, 21, 10))<<size
	case ibits(insn, 25, 24) == 0 && ibits(insn, 21, 21) == 1 && ibits(insn, 11, 10) == 2: // register offset
		option := ibits(insn, 15, 13)
		if option&2 == 0 {
			return e.unsupported(insn, cur)
		}
		var amount uint32
		if ibits(insn, 12, 12) == 1 {
			amount = size
		}
		addr = base + extendValue(e.rget(ibits(insn, 20, 16), false), option, amount)
	case ibits(insn, 25, 24) == 0 && ibits(insn, 21, 21) == 0:
		imm9 := sext(uint64(ibits(insn, 20, 12)), 9)
		switch ibits(insn, 11, 10) {
		case 0: // LDUR/STUR (unscaled)
			addr = base + imm9
		case 1: // post-index
			addr = base
			writeback, wbAddr = true, base+imm9
		case 3: // pre-index
			addr = base + imm9
			writeback, wbAddr = true, addr
		default:
			return e.unsupported(insn, cur)
		}
	default:
		return e.unsupported(insn, cur)
	}

	switch opc {
	case 0: // store
		if !e.store(addr, width, e.rget(rt, false)) {
			return nil
		}
	case 1: // load, zero-extend
		v, ok := e.load(addr, width)
		if !ok {
			return nil
		}
		e.rset(rt, false, v, size == 3)
	case 2: // load, sign-extend to 64 (PRFM when size==3)
		if size == 3 {
			break // PRFM is a hint
		}
		v, ok := e.load(addr, width)
		if !ok {
			return nil
		}
		e.rset(rt, false, sext(v, uint(width*8)), true)
	case 3: // load, sign-extend to 32
		if size >= 2 {
			return e.unsupported(insn, cur)
		}
		v, ok := e.load(addr, width)
		if !ok {
			return nil
		}
		e.rset(rt, false, sext(v, uint(width*8)), false)
	}

	if writeback {
		e.rset(rn, true, wbAddr, true)
	}
	return nil
}
