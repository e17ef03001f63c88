package amd64

import (
	"github.com/vireo-cc/vireo/internal/asm"
)

type fragmentFunc func(asm.Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error { return f(ctx) }

func encoded(enc func() ([]byte, error)) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := enc()
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func MovImmediate(dst Reg, value int64) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegImm(dst, value) })
}

func MovReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegReg(dst, src) })
}

func MovToMemory(mem Memory, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovMemReg(mem, src) })
}

func MovFromMemory(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegMem(dst, mem) })
}

// MovZX loads srcBytes from memory into dst with zero extension.
func MovZX(dst Reg, mem Memory, srcBytes int) asm.Fragment {
	return encoded(func() ([]byte, error) {
		return encodeMovExtRegMem(dst, mem, operandSize(srcBytes), false)
	})
}

// MovSX loads srcBytes from memory into dst with sign extension.
func MovSX(dst Reg, mem Memory, srcBytes int) asm.Fragment {
	return encoded(func() ([]byte, error) {
		return encodeMovExtRegMem(dst, mem, operandSize(srcBytes), true)
	})
}

// ExtendReg widens src into dst with the requested signedness.
func ExtendReg(dst, src Reg, signed bool) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovExtRegReg(dst, src, signed) })
}

func Lea(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeLea(dst, mem) })
}

func AddRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x01, dst, src) })
}

func SubRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x29, dst, src) })
}

func AndRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x21, dst, src) })
}

func OrRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x09, dst, src) })
}

func XorRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x31, dst, src) })
}

func CmpRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x39, dst, src) })
}

func AddRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluAdd, reg, value) })
}

func SubRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluSub, reg, value) })
}

func AndRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluAnd, reg, value) })
}

func OrRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluOr, reg, value) })
}

func XorRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluXor, reg, value) })
}

func CmpRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluCmp, reg, value) })
}

func TestRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeTestRegReg(dst, src) })
}

func ImulRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeImulRegReg(dst, src) })
}

// Idiv divides RDX:RAX by the operand; quotient in RAX, remainder in RDX.
func Idiv(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeUnaryRM(7, reg) })
}

func NegReg(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeUnaryRM(3, reg) })
}

func NotReg(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeUnaryRM(2, reg) })
}

func ShlRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegImm(reg, count, shiftShl) })
}

func ShrRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegImm(reg, count, shiftShr) })
}

func SarRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegImm(reg, count, shiftSar) })
}

func ShlRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, shiftShl) })
}

func ShrRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, shiftShr) })
}

func SarRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, shiftSar) })
}

// Setcc stores the condition into an 8-bit register.
func Setcc(cond Cond, reg GP) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSetcc(cond, Reg8(reg)) })
}

func Push(reg GP) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePush(reg) })
}

func Pop(reg GP) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePop(reg) })
}

// Cqo sign-extends RAX into RDX:RAX ahead of a 64-bit idiv.
func Cqo() asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCqo(), nil })
}

func Ret() asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeRet(), nil })
}

// RepMovsb copies RCX bytes from [RSI] to [RDI].
func RepMovsb() asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeRepMovsb(), nil })
}

func CallReg(target Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCallReg(target) })
}

// CallMem calls through a function pointer held in memory.
func CallMem(mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCallMem(mem) })
}

// Scalar SSE operations. The double-precision forms carry the F2 prefix,
// the single-precision forms F3.

func MovsdFromMemory(dst Xmm, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegMem(0xF2, 0x10, dst, mem) })
}

func MovsdToMemory(mem Memory, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegMem(0xF2, 0x11, src, mem) })
}

func MovssFromMemory(dst Xmm, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegMem(0xF3, 0x10, dst, mem) })
}

func MovssToMemory(mem Memory, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegMem(0xF3, 0x11, src, mem) })
}

func MovsdReg(dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegReg(0xF2, 0x10, dst, src) })
}

// MovqToXmm moves a GP register into an SSE register.
func MovqToXmm(dst Xmm, src GP) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovqXmmGP(dst, src, true) })
}

// MovqFromXmm moves an SSE register into a GP register.
func MovqFromXmm(dst GP, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovqXmmGP(src, dst, false) })
}

func Addsd(dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegReg(0xF2, 0x58, dst, src) })
}

func Subsd(dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegReg(0xF2, 0x5C, dst, src) })
}

func Mulsd(dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegReg(0xF2, 0x59, dst, src) })
}

func Divsd(dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegReg(0xF2, 0x5E, dst, src) })
}

func Ucomisd(dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) {
		dstInfo, err := xmmInfo(dst)
		if err != nil {
			return nil, err
		}
		srcInfo, err := xmmInfo(src)
		if err != nil {
			return nil, err
		}
		rex := rexState{r: dstInfo.high, b: srcInfo.high}
		out := []byte{0x66}
		if rexByte := rex.prefix(); rexByte != 0 {
			out = append(out, rexByte)
		}
		return append(out, 0x0F, 0x2E, 0xC0|dstInfo.code<<3|srcInfo.code), nil
	})
}

// Cvtsi2sd converts a 64-bit integer to double precision.
func Cvtsi2sd(dst Xmm, src GP) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCvtXmmGP(0xF2, 0x2A, dst, src, true) })
}

// Cvttsd2si converts a double to a 64-bit integer with truncation.
func Cvttsd2si(dst GP, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCvtXmmGP(0xF2, 0x2C, src, dst, false) })
}
