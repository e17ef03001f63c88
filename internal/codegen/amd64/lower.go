package amd64

import (
	"fmt"
	"math"

	"github.com/vireo-cc/vireo/internal/abi"
	"github.com/vireo-cc/vireo/internal/asm"
	x86 "github.com/vireo-cc/vireo/internal/asm/amd64"
	"github.com/vireo-cc/vireo/internal/backend/diag"
	"github.com/vireo-cc/vireo/internal/callconv"
	"github.com/vireo-cc/vireo/internal/cpp/types"
	"github.com/vireo-cc/vireo/internal/ir"
	"github.com/vireo-cc/vireo/internal/regalloc"
)

// Scratch registers stay out of the allocator pools so the lowerer can
// materialize spilled operands and break move cycles without displacing
// live values. RDX is additionally clobbered by division.
const (
	scratchGP  = x86.RAX
	scratchGP2 = x86.R11
	scratchX   = x86.Xmm(15)
	scratchX2  = x86.Xmm(14)
)

// scratchXmmRegs mirrors scratchX/scratchX2 in the flat register
// namespace. Win64 marks both callee-saved, so frames with float
// traffic must preserve them.
var scratchXmmRegs = abi.NewRegSet(abi.XMM14, abi.XMM15)

const epilogueLabel asm.Label = ".epilogue"

// Output is one fully lowered function.
type Output struct {
	Name   string
	Code   []byte
	Relocs []asm.SymbolReloc
	Frame  *Frame
	Unwind *Record
	Alloc  *regalloc.Result
	Sig    *callconv.Classification
}

type lowerer struct {
	fn    *ir.Function
	desc  *abi.Descriptor
	tc    *types.Context
	ra    *regalloc.Result
	frame *Frame
	ctx   *x86.Context

	ownCls    *callconv.Classification
	callCls   map[*ir.CallInfo]*callconv.Classification
	callTemps map[*ir.CallInfo]map[int]int // arg index -> slot index
}

// Lower turns one allocated function into machine code plus its frame
// and unwind descriptions.
func Lower(fn *ir.Function, desc *abi.Descriptor, tc *types.Context, opts regalloc.Options) (*Output, error) {
	ownCls, err := callconv.Classify(desc, tc, fn.Sig)
	if err != nil {
		return nil, diag.Function(fn.Name, err)
	}
	ra, err := regalloc.Allocate(fn, desc, tc, opts)
	if err != nil {
		return nil, diag.Function(fn.Name, err)
	}

	l := &lowerer{
		fn:        fn,
		desc:      desc,
		tc:        tc,
		ra:        ra,
		ownCls:    ownCls,
		callCls:   make(map[*ir.CallInfo]*callconv.Classification),
		callTemps: make(map[*ir.CallInfo]map[int]int),
	}

	outgoing, err := l.prepareCalls()
	if err != nil {
		return nil, err
	}

	frame, err := BuildFrame(fn, desc, tc, ra, outgoing, ownCls.HiddenRetPtr)
	if err != nil {
		return nil, err
	}
	l.frame = frame
	l.ctx = x86.NewContext()

	if err := l.emit(frame.Prologue()); err != nil {
		return nil, diag.Function(fn.Name, err)
	}
	if err := l.receiveParams(); err != nil {
		return nil, err
	}
	if err := l.emit(asm.MarkLabel(prologueEndLabel)); err != nil {
		return nil, diag.Function(fn.Name, err)
	}

	for b := range fn.Blocks {
		if err := l.emit(asm.MarkLabel(blockLabel(ir.BlockID(b)))); err != nil {
			return nil, diag.Function(fn.Name, err)
		}
		for i := range fn.Blocks[b].Instrs {
			if err := l.lowerInstr(&fn.Blocks[b].Instrs[i]); err != nil {
				return nil, diag.Function(fn.Name, err)
			}
		}
		if err := l.lowerTerminator(fn.Blocks[b].Term); err != nil {
			return nil, diag.Function(fn.Name, err)
		}
	}

	if err := l.emit(asm.MarkLabel(epilogueLabel), frame.Epilogue()); err != nil {
		return nil, diag.Function(fn.Name, err)
	}

	prog, err := l.ctx.Finalize()
	if err != nil {
		return nil, diag.Function(fn.Name, err)
	}
	unwind, err := BuildUnwind(fn, frame, prog)
	if err != nil {
		return nil, diag.Function(fn.Name, err)
	}
	return &Output{
		Name:   fn.Name,
		Code:   prog.Bytes(),
		Relocs: prog.Relocations(),
		Frame:  frame,
		Unwind: unwind,
		Alloc:  ra,
		Sig:    ownCls,
	}, nil
}

// prepareCalls classifies every call site, sizes the outgoing argument
// area and reserves frame temporaries for by-value aggregates that the
// target passes through a pointer.
func (l *lowerer) prepareCalls() (int64, error) {
	var outgoing int64
	for b := range l.fn.Blocks {
		for i := range l.fn.Blocks[b].Instrs {
			in := &l.fn.Blocks[b].Instrs[i]
			if in.Op != ir.OpCall {
				continue
			}
			cls, err := callconv.Classify(l.desc, l.tc, in.Call.Sig)
			if err != nil {
				return 0, diag.Function(l.fn.Name, err)
			}
			l.callCls[in.Call] = cls
			if need := cls.ShadowBytes + cls.StackBytes; need > outgoing {
				outgoing = need
			}
			for argIdx, loc := range cls.Args {
				if loc.Kind != callconv.LocIndirect {
					continue
				}
				layout, err := l.tc.Layout(in.Call.Sig.Params[argIdx])
				if err != nil {
					return 0, diag.Function(l.fn.Name, err)
				}
				align := layout.Align
				if align < 8 {
					align = 8
				}
				slot := l.ra.AddSlot(alignTo(layout.Size, 8), align)
				temps := l.callTemps[in.Call]
				if temps == nil {
					temps = make(map[int]int)
					l.callTemps[in.Call] = temps
				}
				temps[argIdx] = slot
			}
		}
	}
	return outgoing, nil
}

func (l *lowerer) emit(frags ...asm.Fragment) error {
	for _, f := range frags {
		if err := f.Emit(l.ctx); err != nil {
			return err
		}
	}
	return nil
}

// --- value access -----------------------------------------------------

func (l *lowerer) assignment(v ir.ValueID) regalloc.Assignment {
	return l.ra.Assignments[v]
}

func (l *lowerer) slotMemOf(v ir.ValueID) (x86.Memory, error) {
	a := l.assignment(v)
	if a.Slot < 0 {
		return x86.Memory{}, fmt.Errorf("amd64: value %d has no stack home", v)
	}
	return l.frame.SlotMem(a.Slot), nil
}

// readGP yields a general register holding v: the value's home when it
// has one, otherwise the value loaded into scratch.
func (l *lowerer) readGP(v ir.ValueID, scratch x86.GP) (x86.GP, error) {
	a := l.assignment(v)
	if a.InReg {
		return gpReg(a.Reg), nil
	}
	mem, err := l.slotMemOf(v)
	if err != nil {
		return 0, err
	}
	return scratch, l.emit(x86.MovFromMemory(x86.Reg64(scratch), mem))
}

// readGPInto forces v into dst regardless of its home.
func (l *lowerer) readGPInto(v ir.ValueID, dst x86.GP) error {
	a := l.assignment(v)
	if a.InReg {
		if gpReg(a.Reg) == dst {
			return nil
		}
		return l.emit(x86.MovReg(x86.Reg64(dst), x86.Reg64(gpReg(a.Reg))))
	}
	mem, err := l.slotMemOf(v)
	if err != nil {
		return err
	}
	return l.emit(x86.MovFromMemory(x86.Reg64(dst), mem))
}

func (l *lowerer) readXmm(v ir.ValueID, scratch x86.Xmm) (x86.Xmm, error) {
	a := l.assignment(v)
	if a.InReg {
		return xmmReg(a.Reg), nil
	}
	mem, err := l.slotMemOf(v)
	if err != nil {
		return 0, err
	}
	return scratch, l.emit(x86.MovsdFromMemory(scratch, mem))
}

// destGP picks the working register for a value being defined: its home
// when that is a register, scratch otherwise. finish writes the working
// register back when the home is a stack slot.
func (l *lowerer) destGP(v ir.ValueID) (reg x86.GP, finish func() error) {
	a := l.assignment(v)
	if a.InReg {
		return gpReg(a.Reg), func() error { return nil }
	}
	return scratchGP, func() error {
		mem, err := l.slotMemOf(v)
		if err != nil {
			return err
		}
		return l.emit(x86.MovToMemory(mem, x86.Reg64(scratchGP)))
	}
}

func (l *lowerer) destXmm(v ir.ValueID) (reg x86.Xmm, finish func() error) {
	a := l.assignment(v)
	if a.InReg {
		return xmmReg(a.Reg), func() error { return nil }
	}
	return scratchX, func() error {
		mem, err := l.slotMemOf(v)
		if err != nil {
			return err
		}
		return l.emit(x86.MovsdToMemory(mem, scratchX))
	}
}

func (l *lowerer) writeGP(v ir.ValueID, src x86.GP) error {
	a := l.assignment(v)
	if a.InReg {
		if gpReg(a.Reg) == src {
			return nil
		}
		return l.emit(x86.MovReg(x86.Reg64(gpReg(a.Reg)), x86.Reg64(src)))
	}
	mem, err := l.slotMemOf(v)
	if err != nil {
		return err
	}
	return l.emit(x86.MovToMemory(mem, x86.Reg64(src)))
}

func (l *lowerer) writeXmm(v ir.ValueID, src x86.Xmm) error {
	a := l.assignment(v)
	if a.InReg {
		if xmmReg(a.Reg) == src {
			return nil
		}
		return l.emit(x86.MovsdReg(xmmReg(a.Reg), src))
	}
	mem, err := l.slotMemOf(v)
	if err != nil {
		return err
	}
	return l.emit(x86.MovsdToMemory(mem, src))
}

// --- parameter intake -------------------------------------------------

// receiveParams moves incoming arguments from their ABI locations to the
// homes the allocator picked. Aggregate copies run before the scalar
// moves so their address sources are still intact.
func (l *lowerer) receiveParams() error {
	name := l.fn.Name

	if l.ownCls.HiddenRetPtr {
		hr := l.ownCls.HiddenRet
		dst := x86.Mem(x86.Reg64(x86.RBP)).WithDisp(int32(l.frame.HiddenRetOffset))
		if hr.Kind == callconv.LocReg {
			if err := l.emit(x86.MovToMemory(dst, x86.Reg64(gpReg(hr.Regs[0])))); err != nil {
				return diag.Function(name, err)
			}
		} else {
			src := x86.Mem(x86.Reg64(x86.RBP)).WithDisp(int32(l.frame.IncomingArgOffset(hr.StackOffset)))
			if err := l.emit(
				x86.MovFromMemory(x86.Reg64(scratchGP), src),
				x86.MovToMemory(dst, x86.Reg64(scratchGP)),
			); err != nil {
				return diag.Function(name, err)
			}
		}
	}

	// Register-pair aggregates: store both halves into the value's slot.
	for i, p := range l.fn.Params {
		loc := l.ownCls.Args[i]
		v := l.fn.Values[p]
		if v.Class != ir.ClassAggregate || (loc.Kind != callconv.LocReg && loc.Kind != callconv.LocRegPair) {
			continue
		}
		mem, err := l.slotMemOf(p)
		if err != nil {
			return diag.Function(name, err)
		}
		base := l.frame.SlotOffsets[l.assignment(p).Slot]
		for h := 0; h < loc.NumRegs; h++ {
			hm := mem.WithDisp(int32(base + int64(8*h)))
			var frag asm.Fragment
			if loc.Regs[h].IsXmm() {
				frag = x86.MovsdToMemory(hm, xmmReg(loc.Regs[h]))
			} else {
				frag = x86.MovToMemory(hm, x86.Reg64(gpReg(loc.Regs[h])))
			}
			if err := l.emit(frag); err != nil {
				return diag.Function(name, err)
			}
		}
	}

	// Stack- and pointer-passed aggregates: copy into the owned slot.
	for i, p := range l.fn.Params {
		loc := l.ownCls.Args[i]
		v := l.fn.Values[p]
		if v.Class != ir.ClassAggregate || (loc.Kind != callconv.LocStack && loc.Kind != callconv.LocIndirect) {
			continue
		}
		layout, err := l.tc.Layout(v.Type)
		if err != nil {
			return diag.Function(name, err)
		}
		a := l.assignment(p)
		dst := l.frame.SlotMem(a.Slot)

		var loadSrc asm.Fragment
		incoming := x86.Mem(x86.Reg64(x86.RBP)).WithDisp(int32(l.frame.IncomingArgOffset(loc.StackOffset)))
		if loc.Kind == callconv.LocStack {
			loadSrc = x86.Lea(x86.Reg64(x86.RSI), incoming)
		} else if loc.Kind == callconv.LocIndirect && loc.NumRegs > 0 {
			loadSrc = x86.MovReg(x86.Reg64(x86.RSI), x86.Reg64(gpReg(loc.Regs[0])))
		} else {
			loadSrc = x86.MovFromMemory(x86.Reg64(x86.RSI), incoming)
		}
		if err := l.emit(
			x86.Push(x86.RDI), x86.Push(x86.RSI), x86.Push(x86.RCX),
			x86.Lea(x86.Reg64(x86.RDI), dst),
			loadSrc,
			x86.MovImmediate(x86.Reg64(x86.RCX), layout.Size),
			x86.RepMovsb(),
			x86.Pop(x86.RCX), x86.Pop(x86.RSI), x86.Pop(x86.RDI),
		); err != nil {
			return diag.Function(name, err)
		}
	}

	// Scalar parameters: spilled homes first (stores do not disturb the
	// incoming registers), then a parallel shuffle into register homes.
	var moves []move
	for i, p := range l.fn.Params {
		loc := l.ownCls.Args[i]
		v := l.fn.Values[p]
		if v.Class == ir.ClassAggregate {
			continue
		}
		isFloat := v.Class == ir.ClassFloat
		var src moveSrc
		if loc.Kind == callconv.LocReg {
			src = regSrc(loc.Regs[0])
		} else {
			src = memSrc(x86.Mem(x86.Reg64(x86.RBP)).WithDisp(int32(l.frame.IncomingArgOffset(loc.StackOffset))))
		}
		a := l.assignment(p)
		if a.InReg {
			moves = append(moves, move{dst: a.Reg, src: src, float: isFloat})
			continue
		}
		mem, err := l.slotMemOf(p)
		if err != nil {
			return diag.Function(name, err)
		}
		if err := l.storeThroughScratch(src, mem, isFloat); err != nil {
			return diag.Function(name, err)
		}
	}
	if err := l.resolveMoves(moves); err != nil {
		return diag.Function(name, err)
	}
	return nil
}

func (l *lowerer) storeThroughScratch(src moveSrc, dst x86.Memory, isFloat bool) error {
	if isFloat {
		if err := l.emitMoveTo(scratchRegFor(true), src, true); err != nil {
			return err
		}
		return l.emit(x86.MovsdToMemory(dst, scratchX))
	}
	if err := l.emitMoveTo(scratchRegFor(false), src, false); err != nil {
		return err
	}
	return l.emit(x86.MovToMemory(dst, x86.Reg64(scratchGP)))
}

// --- instruction lowering ---------------------------------------------

func (l *lowerer) lowerInstr(in *ir.Instr) error {
	switch in.Op {
	case ir.OpNop:
		return nil
	case ir.OpConst:
		return l.lowerConst(in)
	case ir.OpFConst:
		return l.lowerFConst(in)
	case ir.OpCopy:
		return l.lowerCopy(in)
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpAnd, ir.OpOr, ir.OpXor:
		return l.lowerBinary(in)
	case ir.OpDiv, ir.OpRem:
		return l.lowerDivRem(in)
	case ir.OpShl, ir.OpShr:
		return l.lowerShift(in)
	case ir.OpNeg, ir.OpNot:
		return l.lowerUnary(in)
	case ir.OpCmp:
		return l.lowerCmp(in)
	case ir.OpExtend, ir.OpTrunc:
		return l.lowerResize(in)
	case ir.OpConvert:
		return l.lowerConvert(in)
	case ir.OpLoad:
		return l.lowerLoad(in)
	case ir.OpStore:
		return l.lowerStore(in)
	case ir.OpLocalAddr:
		dst, finish := l.destGP(in.Dst)
		if err := l.emit(x86.Lea(x86.Reg64(dst), l.frame.LocalMem(in.Local))); err != nil {
			return err
		}
		return finish()
	case ir.OpValueAddr:
		mem, err := l.slotMemOf(in.A)
		if err != nil {
			return err
		}
		dst, finish := l.destGP(in.Dst)
		if err := l.emit(x86.Lea(x86.Reg64(dst), mem)); err != nil {
			return err
		}
		return finish()
	case ir.OpCopyMem:
		return l.lowerCopyMem(in)
	case ir.OpCall:
		return l.lowerCall(in)
	default:
		return fmt.Errorf("amd64: unhandled opcode %s", in.Op)
	}
}

// normalizeImm folds a constant into the canonical 64-bit form for its
// width: sign-extended when signed, zero-extended otherwise.
func normalizeImm(imm int64, width uint8, signed bool) int64 {
	if width >= 8 {
		return imm
	}
	bits := uint(width) * 8
	if signed {
		return imm << (64 - bits) >> (64 - bits)
	}
	return imm & (1<<bits - 1)
}

func (l *lowerer) lowerConst(in *ir.Instr) error {
	v := l.fn.Values[in.Dst]
	imm := normalizeImm(in.Imm, v.Width, v.Signed)
	dst, finish := l.destGP(in.Dst)
	if err := l.emit(x86.MovImmediate(x86.Reg64(dst), imm)); err != nil {
		return err
	}
	return finish()
}

func (l *lowerer) lowerFConst(in *ir.Instr) error {
	bitsVal := int64(math.Float64bits(in.FImm))
	if err := l.emit(x86.MovImmediate(x86.Reg64(scratchGP), bitsVal)); err != nil {
		return err
	}
	a := l.assignment(in.Dst)
	if a.InReg {
		return l.emit(x86.MovqToXmm(xmmReg(a.Reg), scratchGP))
	}
	mem, err := l.slotMemOf(in.Dst)
	if err != nil {
		return err
	}
	return l.emit(x86.MovToMemory(mem, x86.Reg64(scratchGP)))
}

func (l *lowerer) lowerCopy(in *ir.Instr) error {
	if l.fn.Values[in.Dst].Class == ir.ClassFloat {
		src, err := l.readXmm(in.A, scratchX)
		if err != nil {
			return err
		}
		return l.writeXmm(in.Dst, src)
	}
	src, err := l.readGP(in.A, scratchGP)
	if err != nil {
		return err
	}
	return l.writeGP(in.Dst, src)
}

func (l *lowerer) lowerBinary(in *ir.Instr) error {
	if l.fn.Values[in.Dst].Class == ir.ClassFloat {
		return l.lowerFloatBinary(in)
	}
	dst, finish := l.destGP(in.Dst)
	if err := l.readGPInto(in.A, dst); err != nil {
		return err
	}
	src, err := l.readGP(in.B, scratchGP2)
	if err != nil {
		return err
	}
	var frag asm.Fragment
	d, s := x86.Reg64(dst), x86.Reg64(src)
	switch in.Op {
	case ir.OpAdd:
		frag = x86.AddRegReg(d, s)
	case ir.OpSub:
		frag = x86.SubRegReg(d, s)
	case ir.OpMul:
		frag = x86.ImulRegReg(d, s)
	case ir.OpAnd:
		frag = x86.AndRegReg(d, s)
	case ir.OpOr:
		frag = x86.OrRegReg(d, s)
	case ir.OpXor:
		frag = x86.XorRegReg(d, s)
	}
	if err := l.emit(frag); err != nil {
		return err
	}
	return finish()
}

func (l *lowerer) lowerFloatBinary(in *ir.Instr) error {
	dst, finish := l.destXmm(in.Dst)
	a, err := l.readXmm(in.A, scratchX)
	if err != nil {
		return err
	}
	if a != dst {
		if err := l.emit(x86.MovsdReg(dst, a)); err != nil {
			return err
		}
	}
	src, err := l.readXmm(in.B, scratchX2)
	if err != nil {
		return err
	}
	var frag asm.Fragment
	switch in.Op {
	case ir.OpAdd:
		frag = x86.Addsd(dst, src)
	case ir.OpSub:
		frag = x86.Subsd(dst, src)
	case ir.OpMul:
		frag = x86.Mulsd(dst, src)
	case ir.OpDiv:
		frag = x86.Divsd(dst, src)
	default:
		return fmt.Errorf("amd64: float %s not supported", in.Op)
	}
	if err := l.emit(frag); err != nil {
		return err
	}
	return finish()
}

// lowerDivRem uses the hardwired RDX:RAX pair. Both registers stay out
// of the allocator pools, so clobbering them is safe.
func (l *lowerer) lowerDivRem(in *ir.Instr) error {
	if l.fn.Values[in.Dst].Class == ir.ClassFloat {
		return l.lowerFloatBinary(in)
	}
	if err := l.readGPInto(in.A, x86.RAX); err != nil {
		return err
	}
	divisor, err := l.readGP(in.B, scratchGP2)
	if err != nil {
		return err
	}
	if err := l.emit(x86.Cqo(), x86.Idiv(x86.Reg64(divisor))); err != nil {
		return err
	}
	result := x86.RAX
	if in.Op == ir.OpRem {
		result = x86.RDX
	}
	return l.writeGP(in.Dst, result)
}

// lowerShift routes the count through CL, preserving whatever value RCX
// held. A destination homed in RCX works in RAX instead.
func (l *lowerer) lowerShift(in *ir.Instr) error {
	v := l.fn.Values[in.A]
	a := l.assignment(in.Dst)
	dstInRCX := a.InReg && gpReg(a.Reg) == x86.RCX

	work := scratchGP
	if a.InReg && !dstInRCX {
		work = gpReg(a.Reg)
	}
	if err := l.readGPInto(in.A, work); err != nil {
		return err
	}
	if err := l.emit(x86.MovReg(x86.Reg64(scratchGP2), x86.Reg64(x86.RCX))); err != nil {
		return err
	}
	if err := l.readGPInto(in.B, x86.RCX); err != nil {
		return err
	}
	var frag asm.Fragment
	switch {
	case in.Op == ir.OpShl:
		frag = x86.ShlRegCL(x86.Reg64(work))
	case v.Signed:
		frag = x86.SarRegCL(x86.Reg64(work))
	default:
		frag = x86.ShrRegCL(x86.Reg64(work))
	}
	if err := l.emit(frag); err != nil {
		return err
	}
	if !dstInRCX {
		if err := l.emit(x86.MovReg(x86.Reg64(x86.RCX), x86.Reg64(scratchGP2))); err != nil {
			return err
		}
	}
	return l.writeGP(in.Dst, work)
}

func (l *lowerer) lowerUnary(in *ir.Instr) error {
	v := l.fn.Values[in.Dst]
	if v.Class == ir.ClassFloat {
		if in.Op != ir.OpNeg {
			return fmt.Errorf("amd64: float %s not supported", in.Op)
		}
		// Flip the sign bit through the integer file; there is no
		// dedicated SSE negate.
		src, err := l.readXmm(in.A, scratchX)
		if err != nil {
			return err
		}
		if err := l.emit(
			x86.MovqFromXmm(scratchGP, src),
			x86.MovImmediate(x86.Reg64(scratchGP2), math.MinInt64),
			x86.XorRegReg(x86.Reg64(scratchGP), x86.Reg64(scratchGP2)),
		); err != nil {
			return err
		}
		dst, finish := l.destXmm(in.Dst)
		if err := l.emit(x86.MovqToXmm(dst, scratchGP)); err != nil {
			return err
		}
		return finish()
	}

	dst, finish := l.destGP(in.Dst)
	if err := l.readGPInto(in.A, dst); err != nil {
		return err
	}
	frag := x86.NegReg(x86.Reg64(dst))
	if in.Op == ir.OpNot {
		frag = x86.NotReg(x86.Reg64(dst))
	}
	if err := l.emit(frag); err != nil {
		return err
	}
	return finish()
}

// condCode maps a predicate onto an x86 condition, honoring operand
// signedness. Float comparisons use the unsigned codes, matching how
// ucomisd sets the flags.
func condCode(c ir.Cond, signed bool) x86.Cond {
	switch c {
	case ir.CondEq:
		return x86.CondE
	case ir.CondNe:
		return x86.CondNE
	case ir.CondLt:
		if signed {
			return x86.CondL
		}
		return x86.CondB
	case ir.CondLe:
		if signed {
			return x86.CondLE
		}
		return x86.CondBE
	case ir.CondGt:
		if signed {
			return x86.CondG
		}
		return x86.CondA
	case ir.CondGe:
		if signed {
			return x86.CondGE
		}
		return x86.CondAE
	}
	return x86.CondE
}

func (l *lowerer) lowerCmp(in *ir.Instr) error {
	va := l.fn.Values[in.A]
	var cond x86.Cond
	if va.Class == ir.ClassFloat {
		a, err := l.readXmm(in.A, scratchX)
		if err != nil {
			return err
		}
		b, err := l.readXmm(in.B, scratchX2)
		if err != nil {
			return err
		}
		if err := l.emit(x86.Ucomisd(a, b)); err != nil {
			return err
		}
		cond = condCode(in.Cond, false)
	} else {
		a, err := l.readGP(in.A, scratchGP)
		if err != nil {
			return err
		}
		b, err := l.readGP(in.B, scratchGP2)
		if err != nil {
			return err
		}
		if err := l.emit(x86.CmpRegReg(x86.Reg64(a), x86.Reg64(b))); err != nil {
			return err
		}
		cond = condCode(in.Cond, va.Signed)
	}

	dst, finish := l.destGP(in.Dst)
	if err := l.emit(
		x86.Setcc(cond, dst),
		x86.ExtendReg(x86.Reg64(dst), x86.Reg8(dst), false),
	); err != nil {
		return err
	}
	return finish()
}

// lowerResize renormalizes a value at a new width. Values are kept
// sign/zero-extended to 64 bits, so widening and narrowing are both an
// extension from the smaller width.
func (l *lowerer) lowerResize(in *ir.Instr) error {
	src := l.fn.Values[in.A]
	dstV := l.fn.Values[in.Dst]
	from := src.Width
	if in.Op == ir.OpTrunc || dstV.Width < from {
		from = dstV.Width
	}

	sr, err := l.readGP(in.A, scratchGP)
	if err != nil {
		return err
	}
	dst, finish := l.destGP(in.Dst)
	if from >= 8 {
		if sr != dst {
			if err := l.emit(x86.MovReg(x86.Reg64(dst), x86.Reg64(sr))); err != nil {
				return err
			}
		}
		return finish()
	}
	narrow, err := x86.RegSized(sr, int(from))
	if err != nil {
		return err
	}
	if err := l.emit(x86.ExtendReg(x86.Reg64(dst), narrow, dstV.Signed)); err != nil {
		return err
	}
	return finish()
}

func (l *lowerer) lowerConvert(in *ir.Instr) error {
	src := l.fn.Values[in.A]
	if src.Class == ir.ClassFloat {
		s, err := l.readXmm(in.A, scratchX)
		if err != nil {
			return err
		}
		dst, finish := l.destGP(in.Dst)
		if err := l.emit(x86.Cvttsd2si(dst, s)); err != nil {
			return err
		}
		return finish()
	}
	s, err := l.readGP(in.A, scratchGP)
	if err != nil {
		return err
	}
	dst, finish := l.destXmm(in.Dst)
	if err := l.emit(x86.Cvtsi2sd(dst, s)); err != nil {
		return err
	}
	return finish()
}

func (l *lowerer) lowerLoad(in *ir.Instr) error {
	addr, err := l.readGP(in.A, scratchGP)
	if err != nil {
		return err
	}
	mem := x86.Mem(x86.Reg64(addr))
	v := l.fn.Values[in.Dst]

	if v.Class == ir.ClassFloat {
		dst, finish := l.destXmm(in.Dst)
		frag := x86.MovsdFromMemory(dst, mem)
		if v.Width == 4 {
			frag = x86.MovssFromMemory(dst, mem)
		}
		if err := l.emit(frag); err != nil {
			return err
		}
		return finish()
	}

	dst, finish := l.destGP(in.Dst)
	var frag asm.Fragment
	switch {
	case v.Width >= 8:
		frag = x86.MovFromMemory(x86.Reg64(dst), mem)
	case v.Signed:
		frag = x86.MovSX(x86.Reg64(dst), mem, int(v.Width))
	default:
		frag = x86.MovZX(x86.Reg64(dst), mem, int(v.Width))
	}
	if err := l.emit(frag); err != nil {
		return err
	}
	return finish()
}

func (l *lowerer) lowerStore(in *ir.Instr) error {
	addr, err := l.readGP(in.A, scratchGP)
	if err != nil {
		return err
	}
	mem := x86.Mem(x86.Reg64(addr))
	v := l.fn.Values[in.B]

	if v.Class == ir.ClassFloat {
		src, err := l.readXmm(in.B, scratchX)
		if err != nil {
			return err
		}
		if v.Width == 4 {
			return l.emit(x86.MovssToMemory(mem, src))
		}
		return l.emit(x86.MovsdToMemory(mem, src))
	}

	src, err := l.readGP(in.B, scratchGP2)
	if err != nil {
		return err
	}
	sized, err := x86.RegSized(src, int(v.Width))
	if err != nil {
		return err
	}
	return l.emit(x86.MovToMemory(mem, sized))
}

// lowerCopyMem is a bulk copy through the string-move registers, with
// the potentially live ones parked on the stack for the duration.
func (l *lowerer) lowerCopyMem(in *ir.Instr) error {
	if err := l.readGPInto(in.A, scratchGP); err != nil {
		return err
	}
	if err := l.readGPInto(in.B, scratchGP2); err != nil {
		return err
	}
	return l.emit(
		x86.Push(x86.RDI), x86.Push(x86.RSI), x86.Push(x86.RCX),
		x86.MovReg(x86.Reg64(x86.RDI), x86.Reg64(scratchGP)),
		x86.MovReg(x86.Reg64(x86.RSI), x86.Reg64(scratchGP2)),
		x86.MovImmediate(x86.Reg64(x86.RCX), in.Size),
		x86.RepMovsb(),
		x86.Pop(x86.RCX), x86.Pop(x86.RSI), x86.Pop(x86.RDI),
	)
}

// --- terminators ------------------------------------------------------

func (l *lowerer) lowerTerminator(t ir.Terminator) error {
	switch t.Kind {
	case ir.TermJump:
		return l.emit(x86.Jump(blockLabel(t.Target)))
	case ir.TermBranch:
		cond, err := l.readGP(t.CondValue, scratchGP)
		if err != nil {
			return err
		}
		return l.emit(
			x86.TestRegReg(x86.Reg64(cond), x86.Reg64(cond)),
			x86.Jcc(x86.CondNE, blockLabel(t.Target)),
			x86.Jump(blockLabel(t.Else)),
		)
	case ir.TermRet:
		return l.lowerRet(t.Value)
	case ir.TermUnreachable:
		return nil
	default:
		return fmt.Errorf("amd64: unhandled terminator %d", t.Kind)
	}
}

func (l *lowerer) lowerRet(v ir.ValueID) error {
	ret := l.ownCls.Ret
	switch {
	case l.ownCls.HiddenRetPtr:
		if v != ir.NoValue {
			if err := l.copyToHiddenReturn(v); err != nil {
				return err
			}
		}
		hidden := x86.Mem(x86.Reg64(x86.RBP)).WithDisp(int32(l.frame.HiddenRetOffset))
		if err := l.emit(x86.MovFromMemory(x86.Reg64(x86.RAX), hidden)); err != nil {
			return err
		}

	case v == ir.NoValue || ret.Kind == callconv.LocNone:

	case l.fn.Values[v].Class == ir.ClassAggregate:
		// Small aggregate: its eightbytes ride the return registers.
		mem, err := l.slotMemOf(v)
		if err != nil {
			return err
		}
		base := l.frame.SlotOffsets[l.assignment(v).Slot]
		for h := 0; h < ret.NumRegs; h++ {
			hm := mem.WithDisp(int32(base + int64(8*h)))
			var frag asm.Fragment
			if ret.Regs[h].IsXmm() {
				frag = x86.MovsdFromMemory(xmmReg(ret.Regs[h]), hm)
			} else {
				frag = x86.MovFromMemory(x86.Reg64(gpReg(ret.Regs[h])), hm)
			}
			if err := l.emit(frag); err != nil {
				return err
			}
		}

	case l.fn.Values[v].Class == ir.ClassFloat:
		src, err := l.readXmm(v, scratchX)
		if err != nil {
			return err
		}
		target := xmmReg(ret.Regs[0])
		if src != target {
			if err := l.emit(x86.MovsdReg(target, src)); err != nil {
				return err
			}
		}

	default:
		if err := l.readGPInto(v, gpReg(ret.Regs[0])); err != nil {
			return err
		}
	}
	return l.emit(x86.Jump(epilogueLabel))
}

// copyToHiddenReturn writes the aggregate result through the pointer the
// caller supplied. RDI and RSI may be callee-saved on the current
// target, so they are parked around the copy.
func (l *lowerer) copyToHiddenReturn(v ir.ValueID) error {
	layout, err := l.tc.Layout(l.fn.Values[v].Type)
	if err != nil {
		return err
	}
	mem, err := l.slotMemOf(v)
	if err != nil {
		return err
	}
	hidden := x86.Mem(x86.Reg64(x86.RBP)).WithDisp(int32(l.frame.HiddenRetOffset))
	return l.emit(
		x86.Push(x86.RDI), x86.Push(x86.RSI), x86.Push(x86.RCX),
		x86.MovFromMemory(x86.Reg64(x86.RDI), hidden),
		x86.Lea(x86.Reg64(x86.RSI), mem),
		x86.MovImmediate(x86.Reg64(x86.RCX), layout.Size),
		x86.RepMovsb(),
		x86.Pop(x86.RCX), x86.Pop(x86.RSI), x86.Pop(x86.RDI),
	)
}
