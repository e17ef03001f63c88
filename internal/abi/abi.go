// Package abi holds the immutable calling-convention descriptors for the
// supported x86-64 targets. A descriptor is pure data: the classifier,
// allocator and lowerer all consume the same one, so a target's rules
// live in exactly one place.
package abi

import "fmt"

// Reg names a physical register in ABI terms. Values 0-15 are the
// general-purpose registers in hardware encoding order, 16-31 are
// XMM0-XMM15. The ordinal mapping onto the assembler's register types is
// fixed and relied upon throughout the backend.
type Reg uint8

const (
	RAX Reg = iota
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

const (
	XMM0 Reg = 16 + iota
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

// NumRegs is the size of the flat register namespace.
const NumRegs = 32

var gpNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Reg) String() string {
	if r < 16 {
		return gpNames[r]
	}
	if r < 32 {
		return fmt.Sprintf("xmm%d", r-16)
	}
	return fmt.Sprintf("reg%d", uint8(r))
}

// IsXmm reports whether r is an SSE register.
func (r Reg) IsXmm() bool { return r >= XMM0 && r <= XMM15 }

// RegSet is a bitmask over the flat register namespace.
type RegSet uint32

func NewRegSet(regs ...Reg) RegSet {
	var s RegSet
	for _, r := range regs {
		s |= 1 << r
	}
	return s
}

func (s RegSet) Has(r Reg) bool   { return s&(1<<r) != 0 }
func (s RegSet) Add(r Reg) RegSet { return s | 1<<r }
func (s RegSet) Regs() []Reg {
	var out []Reg
	for r := Reg(0); r < NumRegs; r++ {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// Target selects a calling convention.
type Target string

const (
	TargetWin64  Target = "win64"
	TargetSysV64 Target = "sysv64"
)

// Descriptor is the full parameter set of one target ABI. All fields are
// read-only after Lookup; a Descriptor may be shared freely across
// concurrent function-lowering tasks.
type Descriptor struct {
	Target Target

	// IntArgRegs and FloatArgRegs are the argument registers in slot
	// order. Under Win64 the two lists share slot numbering; under SysV
	// they advance independently (see SharedSlots).
	IntArgRegs   []Reg
	FloatArgRegs []Reg

	// SharedSlots reports whether an argument consumes its slot in both
	// register files (Win64 style).
	SharedSlots bool

	IntReturnRegs   []Reg
	FloatReturnRegs []Reg

	CalleeSaved RegSet
	CallerSaved RegSet

	StackAlign    int64
	ShadowSpace   int64
	RedZone       int64
	StackSlotSize int64

	// VarargFloatMirror: varargs float arguments are duplicated into the
	// slot's integer register (Win64/MSVC behavior).
	VarargFloatMirror bool

	// VarargVectorCount: the caller sets AL to the number of vector
	// registers used before a varargs call (SysV behavior).
	VarargVectorCount bool
}

var win64 = Descriptor{
	Target:       TargetWin64,
	IntArgRegs:   []Reg{RCX, RDX, R8, R9},
	FloatArgRegs: []Reg{XMM0, XMM1, XMM2, XMM3},
	SharedSlots:  true,

	IntReturnRegs:   []Reg{RAX},
	FloatReturnRegs: []Reg{XMM0},

	CalleeSaved: NewRegSet(RBX, RBP, RDI, RSI, RSP, R12, R13, R14, R15,
		XMM6, XMM7, XMM8, XMM9, XMM10, XMM11, XMM12, XMM13, XMM14, XMM15),
	CallerSaved: NewRegSet(RAX, RCX, RDX, R8, R9, R10, R11,
		XMM0, XMM1, XMM2, XMM3, XMM4, XMM5),

	StackAlign:    16,
	ShadowSpace:   32,
	RedZone:       0,
	StackSlotSize: 8,

	VarargFloatMirror: true,
}

var sysv64 = Descriptor{
	Target:       TargetSysV64,
	IntArgRegs:   []Reg{RDI, RSI, RDX, RCX, R8, R9},
	FloatArgRegs: []Reg{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7},

	IntReturnRegs:   []Reg{RAX, RDX},
	FloatReturnRegs: []Reg{XMM0, XMM1},

	CalleeSaved: NewRegSet(RBX, RSP, RBP, R12, R13, R14, R15),
	CallerSaved: NewRegSet(RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11,
		XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7,
		XMM8, XMM9, XMM10, XMM11, XMM12, XMM13, XMM14, XMM15),

	StackAlign:    16,
	ShadowSpace:   0,
	RedZone:       128,
	StackSlotSize: 8,

	VarargVectorCount: true,
}

// Lookup returns the descriptor for target. An unknown target is a
// configuration error that aborts the whole compilation, not a
// per-function failure.
func Lookup(target Target) (*Descriptor, error) {
	switch target {
	case TargetWin64:
		return &win64, nil
	case TargetSysV64:
		return &sysv64, nil
	default:
		return nil, fmt.Errorf("abi: unsupported target %q", target)
	}
}

// IsCalleeSaved reports whether r must be preserved across calls under d.
func (d *Descriptor) IsCalleeSaved(r Reg) bool { return d.CalleeSaved.Has(r) }
