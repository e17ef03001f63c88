package amd64

import (
	"fmt"

	"github.com/vireo-cc/vireo/internal/abi"
	"github.com/vireo-cc/vireo/internal/asm"
	x86 "github.com/vireo-cc/vireo/internal/asm/amd64"
	"github.com/vireo-cc/vireo/internal/callconv"
	"github.com/vireo-cc/vireo/internal/ir"
)

// --- parallel moves ---------------------------------------------------

type srcKind uint8

const (
	srcReg srcKind = iota
	srcMem
	srcLea
)

type moveSrc struct {
	kind srcKind
	reg  abi.Reg
	mem  x86.Memory
}

func regSrc(r abi.Reg) moveSrc    { return moveSrc{kind: srcReg, reg: r} }
func memSrc(m x86.Memory) moveSrc { return moveSrc{kind: srcMem, mem: m} }
func leaSrc(m x86.Memory) moveSrc { return moveSrc{kind: srcLea, mem: m} }

// move is one pending transfer into a register.
type move struct {
	dst   abi.Reg
	src   moveSrc
	float bool
}

func scratchRegFor(float bool) abi.Reg {
	if float {
		return abi.XMM15
	}
	return abi.RAX
}

func (l *lowerer) emitMoveTo(dst abi.Reg, src moveSrc, float bool) error {
	if float {
		d := xmmReg(dst)
		switch src.kind {
		case srcReg:
			if src.reg.IsXmm() {
				if xmmReg(src.reg) == d {
					return nil
				}
				return l.emit(x86.MovsdReg(d, xmmReg(src.reg)))
			}
			return l.emit(x86.MovqToXmm(d, gpReg(src.reg)))
		case srcMem:
			return l.emit(x86.MovsdFromMemory(d, src.mem))
		default:
			return fmt.Errorf("amd64: address source for vector register")
		}
	}
	d := gpReg(dst)
	switch src.kind {
	case srcReg:
		if src.reg.IsXmm() {
			return l.emit(x86.MovqFromXmm(d, xmmReg(src.reg)))
		}
		if gpReg(src.reg) == d {
			return nil
		}
		return l.emit(x86.MovReg(x86.Reg64(d), x86.Reg64(gpReg(src.reg))))
	case srcMem:
		return l.emit(x86.MovFromMemory(x86.Reg64(d), src.mem))
	default:
		return l.emit(x86.Lea(x86.Reg64(d), src.mem))
	}
}

// resolveMoves performs a set of register moves whose sources and
// destinations may overlap. Moves whose destination is not a pending
// source are safe to emit; a cycle is broken by routing one source
// through a scratch register.
func (l *lowerer) resolveMoves(moves []move) error {
	pending := append([]move(nil), moves...)
	for len(pending) > 0 {
		emitted := false
		for i, m := range pending {
			blocked := false
			for j, o := range pending {
				if j != i && o.src.kind == srcReg && o.src.reg == m.dst {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}
			if err := l.emitMoveTo(m.dst, m.src, m.float); err != nil {
				return err
			}
			pending = append(pending[:i], pending[i+1:]...)
			emitted = true
			break
		}
		if emitted {
			continue
		}

		// Every pending destination is also a pending source: break the
		// cycle by parking one source value.
		m := pending[0]
		if m.src.kind != srcReg {
			return fmt.Errorf("amd64: unresolvable move cycle")
		}
		sc := abi.R11
		scFloat := m.src.reg.IsXmm()
		if scFloat {
			sc = abi.XMM15
		}
		if err := l.emitMoveTo(sc, regSrc(m.src.reg), scFloat); err != nil {
			return err
		}
		old := m.src.reg
		for i := range pending {
			if pending[i].src.kind == srcReg && pending[i].src.reg == old {
				pending[i].src.reg = sc
			}
		}
	}
	return nil
}

// --- call lowering ----------------------------------------------------

// lowerCall marshals arguments per the call site's classification and
// emits the call. Order matters: stack arguments and aggregate
// temporaries first (they only need scratch registers), then the
// register shuffle, then target resolution, so nothing clobbers a source
// before it is consumed.
func (l *lowerer) lowerCall(in *ir.Instr) error {
	call := in.Call
	cls := l.callCls[call]
	temps := l.callTemps[call]
	if cls == nil {
		return fmt.Errorf("amd64: call site was not classified")
	}

	outArg := func(stackOffset, adjust int64) x86.Memory {
		return x86.Mem(x86.Reg64(x86.RSP)).WithDisp(int32(cls.ShadowBytes + stackOffset + adjust))
	}

	// Stack-passed arguments.
	for i, loc := range cls.Args {
		if loc.Kind != callconv.LocStack {
			continue
		}
		val := call.Args[i]
		v := l.fn.Values[val]
		switch v.Class {
		case ir.ClassAggregate:
			srcMemOp, err := l.slotMemOf(val)
			if err != nil {
				return err
			}
			// Three pushes shift RSP while the copy registers are
			// parked, so the outgoing address compensates.
			if err := l.emit(
				x86.Push(x86.RDI), x86.Push(x86.RSI), x86.Push(x86.RCX),
				x86.Lea(x86.Reg64(x86.RDI), outArg(loc.StackOffset, 24)),
				x86.Lea(x86.Reg64(x86.RSI), srcMemOp),
				x86.MovImmediate(x86.Reg64(x86.RCX), loc.Size),
				x86.RepMovsb(),
				x86.Pop(x86.RCX), x86.Pop(x86.RSI), x86.Pop(x86.RDI),
			); err != nil {
				return err
			}
		case ir.ClassFloat:
			src, err := l.readXmm(val, scratchX)
			if err != nil {
				return err
			}
			if err := l.emit(x86.MovsdToMemory(outArg(loc.StackOffset, 0), src)); err != nil {
				return err
			}
		default:
			src, err := l.readGP(val, scratchGP)
			if err != nil {
				return err
			}
			if err := l.emit(x86.MovToMemory(outArg(loc.StackOffset, 0), x86.Reg64(src))); err != nil {
				return err
			}
		}
	}

	// Fill the by-value temporaries for pointer-passed aggregates.
	for i, loc := range cls.Args {
		if loc.Kind != callconv.LocIndirect {
			continue
		}
		slot, ok := temps[i]
		if !ok {
			return fmt.Errorf("amd64: missing temporary for argument %d", i)
		}
		srcMemOp, err := l.slotMemOf(call.Args[i])
		if err != nil {
			return err
		}
		layout, err := l.tc.Layout(call.Sig.Params[i])
		if err != nil {
			return err
		}
		if err := l.emit(
			x86.Push(x86.RDI), x86.Push(x86.RSI), x86.Push(x86.RCX),
			x86.Lea(x86.Reg64(x86.RDI), l.frame.SlotMem(slot)),
			x86.Lea(x86.Reg64(x86.RSI), srcMemOp),
			x86.MovImmediate(x86.Reg64(x86.RCX), layout.Size),
			x86.RepMovsb(),
			x86.Pop(x86.RCX), x86.Pop(x86.RSI), x86.Pop(x86.RDI),
		); err != nil {
			return err
		}
		if loc.NumRegs == 0 {
			// The pointer itself overflowed to the stack.
			if err := l.emit(
				x86.Lea(x86.Reg64(scratchGP), l.frame.SlotMem(slot)),
				x86.MovToMemory(outArg(loc.StackOffset, 0), x86.Reg64(scratchGP)),
			); err != nil {
				return err
			}
		}
	}

	// Hidden return pointer for large aggregate results.
	var moves []move
	if cls.HiddenRetPtr {
		if in.Dst == ir.NoValue {
			return fmt.Errorf("amd64: aggregate-returning call has no destination")
		}
		dstSlot := l.assignment(in.Dst).Slot
		if dstSlot < 0 {
			return fmt.Errorf("amd64: call destination has no stack home")
		}
		if cls.HiddenRet.Kind == callconv.LocReg {
			moves = append(moves, move{dst: cls.HiddenRet.Regs[0], src: leaSrc(l.frame.SlotMem(dstSlot))})
		} else {
			if err := l.emit(
				x86.Lea(x86.Reg64(scratchGP), l.frame.SlotMem(dstSlot)),
				x86.MovToMemory(outArg(cls.HiddenRet.StackOffset, 0), x86.Reg64(scratchGP)),
			); err != nil {
				return err
			}
		}
	}

	// Register-passed arguments, shuffled in parallel.
	for i, loc := range cls.Args {
		val := call.Args[i]
		v := l.fn.Values[val]
		switch loc.Kind {
		case callconv.LocReg, callconv.LocRegPair:
			if v.Class == ir.ClassAggregate {
				slot := l.assignment(val).Slot
				if slot < 0 {
					return fmt.Errorf("amd64: aggregate argument %d has no stack home", i)
				}
				base := l.frame.SlotOffsets[slot]
				for h := 0; h < loc.NumRegs; h++ {
					mem := x86.Mem(x86.Reg64(x86.RBP)).WithDisp(int32(base + int64(8*h)))
					moves = append(moves, move{dst: loc.Regs[h], src: memSrc(mem), float: loc.Regs[h].IsXmm()})
				}
				continue
			}
			a := l.assignment(val)
			var src moveSrc
			if a.InReg {
				src = regSrc(a.Reg)
			} else {
				mem, err := l.slotMemOf(val)
				if err != nil {
					return err
				}
				src = memSrc(mem)
			}
			moves = append(moves, move{dst: loc.Regs[0], src: src, float: v.Class == ir.ClassFloat})

		case callconv.LocIndirect:
			if loc.NumRegs > 0 {
				moves = append(moves, move{dst: loc.Regs[0], src: leaSrc(l.frame.SlotMem(temps[i]))})
			}
		}
	}

	// Indirect and virtual calls resolve the target through RAX, which
	// no argument ever occupies.
	if call.Kind != ir.CallDirect {
		if call.Target == ir.NoValue {
			return fmt.Errorf("amd64: indirect call without target value")
		}
		a := l.assignment(call.Target)
		var src moveSrc
		if a.InReg {
			src = regSrc(a.Reg)
		} else {
			mem, err := l.slotMemOf(call.Target)
			if err != nil {
				return err
			}
			src = memSrc(mem)
		}
		moves = append(moves, move{dst: abi.RAX, src: src})
	}

	if err := l.resolveMoves(moves); err != nil {
		return err
	}

	// Variadic float arguments mirrored into the slot's integer
	// register.
	for _, loc := range cls.Args {
		if loc.HasMirror {
			if err := l.emit(x86.MovqFromXmm(gpReg(loc.MirrorReg), xmmReg(loc.Regs[0]))); err != nil {
				return err
			}
		}
	}

	// Resolve the callee before AL is set; both use the RAX file.
	var callFrag asm.Fragment
	switch call.Kind {
	case ir.CallDirect:
		callFrag = x86.CallSymbol(call.Symbol)
	case ir.CallVirtual:
		if err := l.emit(x86.MovFromMemory(x86.Reg64(scratchGP2), x86.Mem(x86.Reg64(x86.RAX)))); err != nil {
			return err
		}
		callFrag = x86.CallMem(x86.Mem(x86.Reg64(scratchGP2)).WithDisp(int32(call.Slot * 8)))
	case ir.CallIndirect:
		if err := l.emit(x86.MovReg(x86.Reg64(scratchGP2), x86.Reg64(x86.RAX))); err != nil {
			return err
		}
		callFrag = x86.CallReg(x86.Reg64(scratchGP2))
	default:
		return fmt.Errorf("amd64: unknown call kind %d", call.Kind)
	}

	if cls.SetVectorCount {
		if err := l.emit(x86.MovImmediate(x86.Reg32(x86.RAX), int64(cls.VectorCount))); err != nil {
			return err
		}
	}
	if err := l.emit(callFrag); err != nil {
		return err
	}

	return l.receiveResult(in, cls)
}

// receiveResult moves the callee's result from the return registers to
// the destination's home.
func (l *lowerer) receiveResult(in *ir.Instr, cls *callconv.Classification) error {
	if in.Dst == ir.NoValue || cls.Ret.Kind == callconv.LocNone {
		return nil
	}
	if cls.HiddenRetPtr {
		// The callee already wrote through the pointer.
		return nil
	}
	v := l.fn.Values[in.Dst]
	switch v.Class {
	case ir.ClassAggregate:
		slot := l.assignment(in.Dst).Slot
		if slot < 0 {
			return fmt.Errorf("amd64: call destination has no stack home")
		}
		base := l.frame.SlotOffsets[slot]
		for h := 0; h < cls.Ret.NumRegs; h++ {
			mem := x86.Mem(x86.Reg64(x86.RBP)).WithDisp(int32(base + int64(8*h)))
			var frag asm.Fragment
			if cls.Ret.Regs[h].IsXmm() {
				frag = x86.MovsdToMemory(mem, xmmReg(cls.Ret.Regs[h]))
			} else {
				frag = x86.MovToMemory(mem, x86.Reg64(gpReg(cls.Ret.Regs[h])))
			}
			if err := l.emit(frag); err != nil {
				return err
			}
		}
		return nil
	case ir.ClassFloat:
		return l.writeXmm(in.Dst, xmmReg(cls.Ret.Regs[0]))
	default:
		return l.writeGP(in.Dst, gpReg(cls.Ret.Regs[0]))
	}
}
