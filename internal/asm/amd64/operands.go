package amd64

import "fmt"

type operandSize uint8

const (
	size8  operandSize = 1
	size16 operandSize = 2
	size32 operandSize = 4
	size64 operandSize = 8
)

// GP identifies a general-purpose register.
type GP uint8

const (
	RAX GP = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

func (g GP) String() string {
	names := [...]string{
		"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	}
	if int(g) < len(names) {
		return names[g]
	}
	return fmt.Sprintf("gp%d", uint8(g))
}

// Xmm identifies an SSE register.
type Xmm uint8

const (
	XMM0 Xmm = iota
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
)

func (x Xmm) String() string {
	return fmt.Sprintf("xmm%d", uint8(x))
}

// Reg is a general-purpose register with an explicit operand size.
type Reg struct {
	id   GP
	size operandSize
}

// Reg64 constructs a 64-bit register operand.
func Reg64(id GP) Reg { return Reg{id: id, size: size64} }

// Reg32 constructs a 32-bit register operand.
func Reg32(id GP) Reg { return Reg{id: id, size: size32} }

// Reg16 constructs a 16-bit register operand.
func Reg16(id GP) Reg { return Reg{id: id, size: size16} }

// Reg8 constructs an 8-bit register operand.
func Reg8(id GP) Reg { return Reg{id: id, size: size8} }

// RegSized constructs a register operand from a width in bytes.
func RegSized(id GP, bytes int) (Reg, error) {
	switch bytes {
	case 1:
		return Reg8(id), nil
	case 2:
		return Reg16(id), nil
	case 4:
		return Reg32(id), nil
	case 8:
		return Reg64(id), nil
	default:
		return Reg{}, fmt.Errorf("amd64: unsupported register width %d", bytes)
	}
}

func (r Reg) ID() GP { return r.id }

// Memory describes an effective address used by memory operands.
type Memory struct {
	base     Reg
	index    Reg
	disp     int32
	scale    uint8
	hasBase  bool
	hasIndex bool
}

// Mem constructs a memory operand referencing [base].
func Mem(base Reg) Memory {
	return Memory{
		base:    base,
		scale:   1,
		hasBase: true,
	}
}

// MemIndex constructs a memory operand referencing [base + index*scale].
func MemIndex(base Reg, index Reg, scale uint8) Memory {
	if scale == 0 {
		scale = 1
	}
	return Memory{
		base:     base,
		index:    index,
		scale:    scale,
		hasBase:  true,
		hasIndex: true,
	}
}

// WithDisp returns a copy of the memory operand with the displacement set.
func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

func (m Memory) validate() error {
	if !m.hasBase {
		return fmt.Errorf("amd64: memory operand requires base register")
	}
	if m.base.size != size64 {
		return fmt.Errorf("amd64: base register must be 64-bit")
	}
	if m.hasIndex {
		if m.index.size != size64 {
			return fmt.Errorf("amd64: index register must be 64-bit")
		}
		switch m.scale {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("amd64: invalid index scale %d", m.scale)
		}
	}
	return nil
}

// Cond is an x86-64 condition code as used by Jcc and SETcc.
type Cond uint8

const (
	CondO  Cond = 0x0
	CondNO Cond = 0x1
	CondB  Cond = 0x2
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

// Negate flips the sense of the condition.
func (c Cond) Negate() Cond { return c ^ 1 }
