package amd64

import (
	"encoding/binary"
	"fmt"
	"math"
)

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

type registerCode struct {
	code     byte
	high     bool
	needsRex bool
}

func regInfo(g GP) (registerCode, error) {
	if g > R15 {
		return registerCode{}, fmt.Errorf("amd64: unsupported register %d", g)
	}
	info := registerCode{code: byte(g) & 7, high: g >= R8}
	// Encoding RSP/RBP/RSI/RDI as byte registers selects SPL/BPL/SIL/DIL
	// only when a REX prefix is present.
	switch g {
	case RSP, RBP, RSI, RDI:
		info.needsRex = true
	}
	if g >= R8 {
		info.needsRex = true
	}
	return info, nil
}

func xmmInfo(x Xmm) (registerCode, error) {
	if x > XMM15 {
		return registerCode{}, fmt.Errorf("amd64: unsupported sse register %d", x)
	}
	return registerCode{code: byte(x) & 7, high: x >= XMM8}, nil
}

func operandPrefix(size operandSize) (byte, bool) {
	if size == size16 {
		return 0x66, true
	}
	return 0x00, false
}

type memEncoding struct {
	modrm byte
	sib   []byte
	disp  []byte
	rex   rexState
}

func encodeMemoryOperand(mem Memory) (memEncoding, error) {
	if err := mem.validate(); err != nil {
		return memEncoding{}, err
	}

	baseInfo, err := regInfo(mem.base.id)
	if err != nil {
		return memEncoding{}, err
	}

	var indexInfo registerCode
	if mem.hasIndex {
		indexInfo, err = regInfo(mem.index.id)
		if err != nil {
			return memEncoding{}, err
		}
		if indexInfo.code == 4 && !indexInfo.high {
			return memEncoding{}, fmt.Errorf("amd64: rsp cannot be used as index register")
		}
	}

	enc := memEncoding{
		rex: rexState{
			b: baseInfo.high,
			x: mem.hasIndex && indexInfo.high,
		},
	}

	rm := baseInfo.code

	disp := mem.disp
	switch {
	case disp == 0 && rm != 5:
		enc.modrm = 0x00
	case disp >= math.MinInt8 && disp <= math.MaxInt8:
		enc.modrm = 0x40
		enc.disp = []byte{byte(disp)}
	default:
		enc.modrm = 0x80
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(disp))
		enc.disp = buf[:]
	}

	useSIB := mem.hasIndex || rm == 4
	if useSIB {
		rm = 4

		indexCode := byte(4)
		if mem.hasIndex {
			indexCode = indexInfo.code
		}

		baseCode := baseInfo.code
		if enc.modrm == 0x00 && baseCode == 5 {
			enc.modrm = 0x40
			enc.disp = []byte{0}
		}

		scaleBits := byte(0)
		switch mem.scale {
		case 1:
			scaleBits = 0
		case 2:
			scaleBits = 1
		case 4:
			scaleBits = 2
		case 8:
			scaleBits = 3
		default:
			return memEncoding{}, fmt.Errorf("amd64: invalid scale %d", mem.scale)
		}

		enc.sib = []byte{scaleBits<<6 | indexCode<<3 | baseCode}
	} else if enc.modrm == 0x00 && rm == 5 {
		// [rbp] / [r13] with zero displacement must use 8-bit displacement zero.
		enc.modrm = 0x40
		enc.disp = []byte{0}
	}

	enc.modrm |= rm
	return enc, nil
}

func appendMemTail(out []byte, enc memEncoding, regField byte, opcode ...byte) []byte {
	out = append(out, opcode...)
	out = append(out, enc.modrm|regField<<3)
	out = append(out, enc.sib...)
	out = append(out, enc.disp...)
	return out
}

func encodeMovRegImm(reg Reg, value int64) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}

	prefix, hasPrefix := operandPrefix(reg.size)
	rex := rexState{
		w:     reg.size == size64,
		b:     info.high,
		force: info.needsRex && reg.size == size8,
	}

	opcode := byte(0xB8 + info.code)
	var imm []byte

	switch reg.size {
	case size64:
		// mov r64, imm32 sign-extended is 3 bytes shorter when it fits.
		if value >= math.MinInt32 && value <= math.MaxInt32 {
			out := make([]byte, 0, 7)
			out = append(out, rex.prefix(), 0xC7, 0xC0|info.code)
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], uint32(int32(value)))
			return append(out, buf[:]...), nil
		}
		imm = make([]byte, 8)
		binary.LittleEndian.PutUint64(imm, uint64(value))
	case size32:
		imm = make([]byte, 4)
		binary.LittleEndian.PutUint32(imm, uint32(value))
	case size16:
		imm = make([]byte, 2)
		binary.LittleEndian.PutUint16(imm, uint16(value))
	case size8:
		opcode = 0xB0 + info.code
		imm = []byte{byte(value)}
	}

	out := make([]byte, 0, 2+len(imm))
	if hasPrefix {
		out = append(out, prefix)
	}
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	out = append(out, opcode)
	return append(out, imm...), nil
}

func encodeMovRegReg(dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("amd64: mismatched register widths: %d vs %d", dst.size, src.size)
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}

	prefix, hasPrefix := operandPrefix(dst.size)
	rex := rexState{
		w:     dst.size == size64,
		r:     srcInfo.high,
		b:     dstInfo.high,
		force: dst.size == size8 && (dstInfo.needsRex || srcInfo.needsRex),
	}

	opcode := byte(0x89)
	if dst.size == size8 {
		opcode = 0x88
	}

	out := make([]byte, 0, 4)
	if hasPrefix {
		out = append(out, prefix)
	}
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	return append(out, opcode, 0xC0|srcInfo.code<<3|dstInfo.code), nil
}

func encodeMovMemReg(mem Memory, src Reg) ([]byte, error) {
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}
	enc, err := encodeMemoryOperand(mem)
	if err != nil {
		return nil, err
	}

	prefix, hasPrefix := operandPrefix(src.size)
	rex := enc.rex
	rex.r = srcInfo.high
	rex.w = src.size == size64
	rex.force = rex.force || (src.size == size8 && srcInfo.needsRex)

	opcode := byte(0x89)
	if src.size == size8 {
		opcode = 0x88
	}

	out := make([]byte, 0, 8)
	if hasPrefix {
		out = append(out, prefix)
	}
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	return appendMemTail(out, enc, srcInfo.code, opcode), nil
}

func encodeMovRegMem(dst Reg, mem Memory) ([]byte, error) {
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	enc, err := encodeMemoryOperand(mem)
	if err != nil {
		return nil, err
	}

	prefix, hasPrefix := operandPrefix(dst.size)
	rex := enc.rex
	rex.r = dstInfo.high
	rex.w = dst.size == size64
	rex.force = rex.force || (dst.size == size8 && dstInfo.needsRex)

	opcode := byte(0x8B)
	if dst.size == size8 {
		opcode = 0x8A
	}

	out := make([]byte, 0, 8)
	if hasPrefix {
		out = append(out, prefix)
	}
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	return appendMemTail(out, enc, dstInfo.code, opcode), nil
}

// encodeMovExtRegMem covers movzx and movsx loads from memory, plus movsxd.
func encodeMovExtRegMem(dst Reg, mem Memory, srcSize operandSize, signed bool) ([]byte, error) {
	if dst.size != size32 && dst.size != size64 {
		return nil, fmt.Errorf("amd64: widening move requires 32- or 64-bit destination")
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	enc, err := encodeMemoryOperand(mem)
	if err != nil {
		return nil, err
	}

	rex := enc.rex
	rex.r = dstInfo.high
	rex.w = dst.size == size64

	var opcode []byte
	switch {
	case srcSize == size8 && !signed:
		opcode = []byte{0x0F, 0xB6}
	case srcSize == size16 && !signed:
		opcode = []byte{0x0F, 0xB7}
	case srcSize == size8 && signed:
		opcode = []byte{0x0F, 0xBE}
	case srcSize == size16 && signed:
		opcode = []byte{0x0F, 0xBF}
	case srcSize == size32 && signed:
		if dst.size != size64 {
			return nil, fmt.Errorf("amd64: movsxd requires 64-bit destination")
		}
		opcode = []byte{0x63}
	case srcSize == size32 && !signed:
		// A plain 32-bit load zero-extends.
		rex.w = false
		opcode = []byte{0x8B}
	default:
		return nil, fmt.Errorf("amd64: unsupported widening source width %d", srcSize)
	}

	out := make([]byte, 0, 10)
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	return appendMemTail(out, enc, dstInfo.code, opcode...), nil
}

// encodeMovExtRegReg covers register-to-register movzx/movsx/movsxd.
func encodeMovExtRegReg(dst Reg, src Reg, signed bool) ([]byte, error) {
	if dst.size != size32 && dst.size != size64 {
		return nil, fmt.Errorf("amd64: widening move requires 32- or 64-bit destination")
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}

	rex := rexState{
		w:     dst.size == size64,
		r:     dstInfo.high,
		b:     srcInfo.high,
		force: src.size == size8 && srcInfo.needsRex,
	}

	var opcode []byte
	switch {
	case src.size == size8 && !signed:
		opcode = []byte{0x0F, 0xB6}
	case src.size == size16 && !signed:
		opcode = []byte{0x0F, 0xB7}
	case src.size == size8 && signed:
		opcode = []byte{0x0F, 0xBE}
	case src.size == size16 && signed:
		opcode = []byte{0x0F, 0xBF}
	case src.size == size32 && signed:
		opcode = []byte{0x63}
	case src.size == size32 && !signed:
		rex.w = false
		return encodeMovRegReg(Reg32(dst.id), Reg32(src.id))
	default:
		return nil, fmt.Errorf("amd64: unsupported widening source width %d", src.size)
	}

	out := make([]byte, 0, 4)
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	out = append(out, opcode...)
	return append(out, 0xC0|dstInfo.code<<3|srcInfo.code), nil
}

func encodeLea(dst Reg, mem Memory) ([]byte, error) {
	if dst.size != size64 {
		return nil, fmt.Errorf("amd64: lea requires 64-bit destination")
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	enc, err := encodeMemoryOperand(mem)
	if err != nil {
		return nil, err
	}
	rex := enc.rex
	rex.r = dstInfo.high
	rex.w = true

	out := make([]byte, 0, 8)
	out = append(out, rex.prefix())
	return appendMemTail(out, enc, dstInfo.code, 0x8D), nil
}

// ALU /digit extensions for the 0x81/0x83 immediate forms.
const (
	aluAdd = 0
	aluOr  = 1
	aluAnd = 4
	aluSub = 5
	aluXor = 6
	aluCmp = 7
)

func encodeALURegImm(op byte, reg Reg, value int32) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}

	prefix, hasPrefix := operandPrefix(reg.size)
	rex := rexState{
		w:     reg.size == size64,
		b:     info.high,
		force: info.needsRex && reg.size == size8,
	}

	out := make([]byte, 0, 10)
	if hasPrefix {
		out = append(out, prefix)
	}

	opcode := byte(0x81)
	var imm []byte
	switch reg.size {
	case size8:
		opcode = 0x80
		imm = []byte{byte(value)}
	default:
		if value >= math.MinInt8 && value <= math.MaxInt8 {
			opcode = 0x83
			imm = []byte{byte(value)}
		} else {
			imm = make([]byte, 4)
			binary.LittleEndian.PutUint32(imm, uint32(value))
		}
	}

	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	out = append(out, opcode, 0xC0|op<<3|info.code)
	return append(out, imm...), nil
}

func encodeALURegReg(opcode byte, dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("amd64: mismatched register widths: %d vs %d", dst.size, src.size)
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}

	prefix, hasPrefix := operandPrefix(dst.size)
	rex := rexState{
		w:     dst.size == size64,
		r:     srcInfo.high,
		b:     dstInfo.high,
		force: dst.size == size8 && (dstInfo.needsRex || srcInfo.needsRex),
	}

	out := make([]byte, 0, 4)
	if hasPrefix {
		out = append(out, prefix)
	}
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	return append(out, opcode, 0xC0|srcInfo.code<<3|dstInfo.code), nil
}

func encodeTestRegReg(dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("amd64: mismatched register widths: %d vs %d", dst.size, src.size)
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}

	rex := rexState{
		w:     dst.size == size64,
		r:     srcInfo.high,
		b:     dstInfo.high,
		force: dst.size == size8 && (dstInfo.needsRex || srcInfo.needsRex),
	}
	opcode := byte(0x85)
	if dst.size == size8 {
		opcode = 0x84
	}

	out := make([]byte, 0, 4)
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	return append(out, opcode, 0xC0|srcInfo.code<<3|dstInfo.code), nil
}

func encodeImulRegReg(dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("amd64: mismatched register widths: %d vs %d", dst.size, src.size)
	}
	if dst.size != size32 && dst.size != size64 {
		return nil, fmt.Errorf("amd64: imul requires 32- or 64-bit operands")
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}

	rex := rexState{
		w: dst.size == size64,
		r: dstInfo.high,
		b: srcInfo.high,
	}

	out := make([]byte, 0, 5)
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	return append(out, 0x0F, 0xAF, 0xC0|dstInfo.code<<3|srcInfo.code), nil
}

// encodeUnaryRM covers the F7 /digit group (neg /3, not /2, idiv /7, div /6).
func encodeUnaryRM(digit byte, reg Reg) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	if reg.size != size32 && reg.size != size64 {
		return nil, fmt.Errorf("amd64: unary group requires 32- or 64-bit operand")
	}
	rex := rexState{
		w: reg.size == size64,
		b: info.high,
	}
	out := make([]byte, 0, 3)
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	return append(out, 0xF7, 0xC0|digit<<3|info.code), nil
}

// Shift /digit extensions for the C1 group.
const (
	shiftShl = 4
	shiftShr = 5
	shiftSar = 7
)

func encodeShiftRegImm(reg Reg, count uint8, digit byte) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	if reg.size != size32 && reg.size != size64 {
		return nil, fmt.Errorf("amd64: shift requires 32- or 64-bit operand")
	}
	rex := rexState{
		w: reg.size == size64,
		b: info.high,
	}
	out := make([]byte, 0, 4)
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	if count == 1 {
		return append(out, 0xD1, 0xC0|digit<<3|info.code), nil
	}
	return append(out, 0xC1, 0xC0|digit<<3|info.code, count), nil
}

func encodeShiftRegCL(reg Reg, digit byte) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	if reg.size != size32 && reg.size != size64 {
		return nil, fmt.Errorf("amd64: shift requires 32- or 64-bit operand")
	}
	rex := rexState{
		w: reg.size == size64,
		b: info.high,
	}
	out := make([]byte, 0, 3)
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	return append(out, 0xD3, 0xC0|digit<<3|info.code), nil
}

func encodeSetcc(cond Cond, reg Reg) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	rex := rexState{
		b:     info.high,
		force: info.needsRex,
	}
	out := make([]byte, 0, 4)
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	return append(out, 0x0F, 0x90+byte(cond), 0xC0|info.code), nil
}

func encodePush(reg GP) ([]byte, error) {
	info, err := regInfo(reg)
	if err != nil {
		return nil, err
	}
	if info.high {
		return []byte{0x41, 0x50 + info.code}, nil
	}
	return []byte{0x50 + info.code}, nil
}

func encodePop(reg GP) ([]byte, error) {
	info, err := regInfo(reg)
	if err != nil {
		return nil, err
	}
	if info.high {
		return []byte{0x41, 0x58 + info.code}, nil
	}
	return []byte{0x58 + info.code}, nil
}

func encodeCallReg(target Reg) ([]byte, error) {
	if target.size != size64 {
		return nil, fmt.Errorf("amd64: call target must be a 64-bit register")
	}
	info, err := regInfo(target.id)
	if err != nil {
		return nil, err
	}
	rex := rexState{b: info.high}
	out := make([]byte, 0, 3)
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	return append(out, 0xFF, 0xD0|info.code), nil
}

func encodeCallMem(mem Memory) ([]byte, error) {
	enc, err := encodeMemoryOperand(mem)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 8)
	if rexByte := enc.rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	return appendMemTail(out, enc, 2, 0xFF), nil
}

func encodeCqo() []byte {
	return []byte{0x48, 0x99}
}

func encodeCdq() []byte {
	return []byte{0x99}
}

func encodeRet() []byte {
	return []byte{0xC3}
}

func encodeRepMovsb() []byte {
	return []byte{0xF3, 0xA4}
}

// SSE scalar encodings. The mandatory prefix precedes any REX byte.

func encodeSSERegReg(prefix byte, opcode byte, dst, src Xmm) ([]byte, error) {
	dstInfo, err := xmmInfo(dst)
	if err != nil {
		return nil, err
	}
	srcInfo, err := xmmInfo(src)
	if err != nil {
		return nil, err
	}
	rex := rexState{r: dstInfo.high, b: srcInfo.high}
	out := make([]byte, 0, 5)
	out = append(out, prefix)
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	return append(out, 0x0F, opcode, 0xC0|dstInfo.code<<3|srcInfo.code), nil
}

func encodeSSERegMem(prefix byte, opcode byte, dst Xmm, mem Memory) ([]byte, error) {
	dstInfo, err := xmmInfo(dst)
	if err != nil {
		return nil, err
	}
	enc, err := encodeMemoryOperand(mem)
	if err != nil {
		return nil, err
	}
	rex := enc.rex
	rex.r = dstInfo.high
	out := make([]byte, 0, 9)
	out = append(out, prefix)
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	return appendMemTail(out, enc, dstInfo.code, 0x0F, opcode), nil
}

// encodeMovqXmmGP moves between an SSE register and a GP register (66 REX.W 0F 6E/7E).
func encodeMovqXmmGP(x Xmm, g GP, toXmm bool) ([]byte, error) {
	xInfo, err := xmmInfo(x)
	if err != nil {
		return nil, err
	}
	gInfo, err := regInfo(g)
	if err != nil {
		return nil, err
	}
	rex := rexState{w: true, r: xInfo.high, b: gInfo.high}
	opcode := byte(0x7E)
	if toXmm {
		opcode = 0x6E
	}
	return []byte{0x66, rex.prefix(), 0x0F, opcode, 0xC0 | xInfo.code<<3 | gInfo.code}, nil
}

// encodeCvt covers cvtsi2sd/cvtsi2ss (opcode 0x2A) and cvttsd2si/cvttss2si
// (opcode 0x2C) with a 64-bit GP operand.
func encodeCvtXmmGP(prefix byte, opcode byte, x Xmm, g GP, xmmIsDst bool) ([]byte, error) {
	xInfo, err := xmmInfo(x)
	if err != nil {
		return nil, err
	}
	gInfo, err := regInfo(g)
	if err != nil {
		return nil, err
	}
	var rex rexState
	var modrm byte
	if xmmIsDst {
		rex = rexState{w: true, r: xInfo.high, b: gInfo.high}
		modrm = 0xC0 | xInfo.code<<3 | gInfo.code
	} else {
		rex = rexState{w: true, r: gInfo.high, b: xInfo.high}
		modrm = 0xC0 | gInfo.code<<3 | xInfo.code
	}
	return []byte{prefix, rex.prefix(), 0x0F, opcode, modrm}, nil
}
