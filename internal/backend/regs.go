package backend

import "fmt"

// Reg identifies an AArch64 register in the backend contract. The numeric
// values are engine-independent; each engine maps them to its own
// representation.
type Reg int

// General-purpose registers X0-X30 occupy 0-30 so RegX(n) arithmetic works.
const (
	RegX0 Reg = iota
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
	RegX8
	RegX9
	RegX10
	RegX11
	RegX12
	RegX13
	RegX14
	RegX15
	RegX16
	RegX17
	RegX18
	RegX19
	RegX20
	RegX21
	RegX22
	RegX23
	RegX24
	RegX25
	RegX26
	RegX27
	RegX28
	RegX29
	RegX30

	RegSP
	RegPC
	RegNZCV
	RegTPIDR // TPIDR_EL0, the thread pointer

	regCount
)

// RegLR is the link register, an alias for X30.
const RegLR = RegX30

// RegFP is the frame pointer, an alias for X29.
const RegFP = RegX29

// RegX returns the register id for general-purpose register Xn.
func RegX(n int) Reg {
	if n < 0 || n > 30 {
		panic(fmt.Sprintf("backend: no register X%d", n))
	}
	return Reg(n)
}

func (r Reg) String() string {
	switch {
	case r >= RegX0 && r <= RegX30:
		return fmt.Sprintf("x%d", int(r))
	case r == RegSP:
		return "sp"
	case r == RegPC:
		return "pc"
	case r == RegNZCV:
		return "nzcv"
	case r == RegTPIDR:
		return "tpidr_el0"
	}
	return fmt.Sprintf("reg(%d)", int(r))
}

func (r Reg) valid() bool { return r >= 0 && r < regCount }
