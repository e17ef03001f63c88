// Package callconv classifies function signatures and call sites against
// an ABI descriptor: where each argument travels, where the result comes
// back, and how much outgoing stack the call needs. Classification is a
// pure function of the descriptor and the signature, so the same inputs
// always produce the same placement.
package callconv

import (
	"fmt"

	"github.com/vireo-cc/vireo/internal/abi"
	"github.com/vireo-cc/vireo/internal/cpp/types"
	"github.com/vireo-cc/vireo/internal/ir"
)

// LocKind says how a value travels across the call boundary.
type LocKind uint8

const (
	// LocNone marks a void result.
	LocNone LocKind = iota
	// LocReg: the value rides in a single register.
	LocReg
	// LocRegPair: a small aggregate split across two registers.
	LocRegPair
	// LocStack: the value is materialized in the outgoing argument area.
	LocStack
	// LocIndirect: the caller passes a pointer to a temporary holding the
	// value. The pointer itself travels per Reg/StackOffset.
	LocIndirect
)

func (k LocKind) String() string {
	return [...]string{"none", "reg", "regpair", "stack", "indirect"}[k]
}

// Loc is the placement of one argument or of the result.
type Loc struct {
	Kind    LocKind
	Regs    [2]abi.Reg
	NumRegs int

	// StackOffset is relative to the stack pointer at the call
	// instruction, past any shadow space. Meaningful for LocStack and
	// for LocIndirect pointers that overflowed to the stack.
	StackOffset int64

	// Size is the byte count materialized on the stack for LocStack.
	Size int64

	// MirrorReg duplicates a float argument into the slot's integer
	// register for varargs calls under shared-slot ABIs.
	MirrorReg abi.Reg
	HasMirror bool
}

// Classification is the complete placement decision for one signature.
type Classification struct {
	Target abi.Target
	Args   []Loc
	Ret    Loc

	// HiddenRetPtr: the result does not fit in registers; the caller
	// passes a destination pointer as an implicit leading argument and
	// the callee returns that pointer in the first integer return
	// register.
	HiddenRetPtr bool
	HiddenRet    Loc

	// StackBytes is the outgoing argument area past the shadow space,
	// already rounded to the slot size but not to the stack alignment.
	StackBytes  int64
	ShadowBytes int64

	// VectorCount is the number of vector registers carrying arguments.
	// SetVectorCount asks the lowerer to load it into AL before the call.
	VectorCount    int
	SetVectorCount bool
}

type cursor struct {
	desc     *abi.Descriptor
	intNext  int
	fltNext  int
	stackOff int64
}

func (c *cursor) takeInt() (abi.Reg, bool) {
	if c.intNext < len(c.desc.IntArgRegs) {
		r := c.desc.IntArgRegs[c.intNext]
		c.intNext++
		if c.desc.SharedSlots {
			c.fltNext = c.intNext
		}
		return r, true
	}
	return 0, false
}

func (c *cursor) takeFloat() (abi.Reg, bool) {
	if c.fltNext < len(c.desc.FloatArgRegs) {
		r := c.desc.FloatArgRegs[c.fltNext]
		c.fltNext++
		if c.desc.SharedSlots {
			c.intNext = c.fltNext
		}
		return r, true
	}
	return 0, false
}

func (c *cursor) takeStack(size, align int64) int64 {
	slot := c.desc.StackSlotSize
	if align < slot {
		align = slot
	}
	c.stackOff = alignTo(c.stackOff, align)
	off := c.stackOff
	c.stackOff += alignTo(size, slot)
	return off
}

// Classify places every argument and the result of sig under desc.
// Signatures the target cannot express report a per-function error; the
// caller skips the function and compilation continues.
func Classify(desc *abi.Descriptor, tc *types.Context, sig ir.Signature) (*Classification, error) {
	out := &Classification{
		Target:      desc.Target,
		ShadowBytes: desc.ShadowSpace,
	}
	cur := cursor{desc: desc}

	if err := classifyResult(desc, tc, sig.Result, out, &cur); err != nil {
		return nil, err
	}

	for i, pt := range sig.Params {
		layout, err := tc.Layout(pt)
		if err != nil {
			return nil, fmt.Errorf("callconv: argument %d: %w", i, err)
		}
		variadicArg := sig.Variadic && i >= sig.FixedArgs
		loc, err := classifyArg(desc, layout, variadicArg, &cur)
		if err != nil {
			return nil, fmt.Errorf("callconv: argument %d: %w", i, err)
		}
		out.Args = append(out.Args, loc)
	}

	out.StackBytes = alignTo(cur.stackOff, desc.StackSlotSize)
	if desc.VarargVectorCount && sig.Variadic {
		out.SetVectorCount = true
	}
	out.VectorCount = cur.fltNext
	if desc.SharedSlots {
		out.VectorCount = countXmmArgs(out)
	}
	return out, nil
}

func countXmmArgs(c *Classification) int {
	n := 0
	for _, a := range c.Args {
		for i := 0; i < a.NumRegs; i++ {
			if a.Regs[i].IsXmm() {
				n++
			}
		}
	}
	return n
}

func classifyResult(desc *abi.Descriptor, tc *types.Context, result types.ID, out *Classification, cur *cursor) error {
	if result == types.Invalid {
		out.Ret = Loc{Kind: LocNone}
		return nil
	}
	layout, err := tc.Layout(result)
	if err != nil {
		return fmt.Errorf("callconv: result: %w", err)
	}
	if layout.Size == 0 {
		out.Ret = Loc{Kind: LocNone}
		return nil
	}

	switch layout.Class {
	case types.ClassInteger:
		out.Ret = singleReg(desc.IntReturnRegs[0])
		return nil
	case types.ClassSSE:
		out.Ret = singleReg(desc.FloatReturnRegs[0])
		return nil
	}

	// Aggregate result.
	if desc.Target == abi.TargetWin64 {
		if layout.FitsInReg {
			out.Ret = singleReg(desc.IntReturnRegs[0])
			return nil
		}
		return hiddenReturn(desc, out, cur)
	}

	// SysV: small aggregates ride the return registers per eightbyte.
	if len(layout.Eightbytes) > 0 && len(layout.Eightbytes) <= 2 {
		loc := Loc{Kind: LocReg}
		intNext, fltNext := 0, 0
		for _, eb := range layout.Eightbytes {
			var r abi.Reg
			switch eb {
			case types.EightbyteInteger:
				if intNext >= len(desc.IntReturnRegs) {
					return hiddenReturn(desc, out, cur)
				}
				r = desc.IntReturnRegs[intNext]
				intNext++
			case types.EightbyteSSE:
				if fltNext >= len(desc.FloatReturnRegs) {
					return hiddenReturn(desc, out, cur)
				}
				r = desc.FloatReturnRegs[fltNext]
				fltNext++
			}
			loc.Regs[loc.NumRegs] = r
			loc.NumRegs++
		}
		if loc.NumRegs == 2 {
			loc.Kind = LocRegPair
		}
		out.Ret = loc
		return nil
	}
	return hiddenReturn(desc, out, cur)
}

// hiddenReturn consumes the first integer argument slot for the result
// pointer. The callee echoes the pointer back in the integer return
// register.
func hiddenReturn(desc *abi.Descriptor, out *Classification, cur *cursor) error {
	out.HiddenRetPtr = true
	out.Ret = singleReg(desc.IntReturnRegs[0])
	if r, ok := cur.takeInt(); ok {
		out.HiddenRet = singleReg(r)
		return nil
	}
	out.HiddenRet = Loc{Kind: LocStack, StackOffset: cur.takeStack(8, 8), Size: 8}
	return nil
}

func classifyArg(desc *abi.Descriptor, layout types.Layout, variadic bool, cur *cursor) (Loc, error) {
	switch layout.Class {
	case types.ClassInteger:
		if r, ok := cur.takeInt(); ok {
			return singleReg(r), nil
		}
		return Loc{Kind: LocStack, StackOffset: cur.takeStack(layout.Size, layout.Align), Size: layout.Size}, nil

	case types.ClassSSE:
		if r, ok := cur.takeFloat(); ok {
			loc := singleReg(r)
			if variadic && desc.VarargFloatMirror {
				// The slot's integer register was consumed by takeFloat
				// under shared numbering; mirror into it.
				loc.MirrorReg = desc.IntArgRegs[cur.intNext-1]
				loc.HasMirror = true
			}
			return loc, nil
		}
		return Loc{Kind: LocStack, StackOffset: cur.takeStack(layout.Size, layout.Align), Size: layout.Size}, nil
	}

	// Aggregate argument.
	if desc.Target == abi.TargetWin64 {
		if layout.FitsInReg {
			if r, ok := cur.takeInt(); ok {
				return singleReg(r), nil
			}
			return Loc{Kind: LocStack, StackOffset: cur.takeStack(8, 8), Size: layout.Size}, nil
		}
		// Caller copies to a temporary and passes its address.
		if r, ok := cur.takeInt(); ok {
			loc := singleReg(r)
			loc.Kind = LocIndirect
			return loc, nil
		}
		return Loc{Kind: LocIndirect, StackOffset: cur.takeStack(8, 8), Size: 8}, nil
	}

	// SysV: small aggregates need registers for every eightbyte, or the
	// whole value goes to the stack.
	if n := len(layout.Eightbytes); n > 0 && n <= 2 {
		needInt, needFloat := 0, 0
		for _, eb := range layout.Eightbytes {
			if eb == types.EightbyteInteger {
				needInt++
			} else {
				needFloat++
			}
		}
		intLeft := len(desc.IntArgRegs) - cur.intNext
		fltLeft := len(desc.FloatArgRegs) - cur.fltNext
		if needInt <= intLeft && needFloat <= fltLeft {
			loc := Loc{Kind: LocReg}
			for _, eb := range layout.Eightbytes {
				var r abi.Reg
				if eb == types.EightbyteInteger {
					r, _ = cur.takeInt()
				} else {
					r, _ = cur.takeFloat()
				}
				loc.Regs[loc.NumRegs] = r
				loc.NumRegs++
			}
			if loc.NumRegs == 2 {
				loc.Kind = LocRegPair
			}
			return loc, nil
		}
	}
	// Memory class, or not enough registers: by value on the stack.
	return Loc{Kind: LocStack, StackOffset: cur.takeStack(layout.Size, layout.Align), Size: layout.Size}, nil
}

func singleReg(r abi.Reg) Loc {
	return Loc{Kind: LocReg, Regs: [2]abi.Reg{r}, NumRegs: 1}
}

func alignTo(v, boundary int64) int64 {
	mask := boundary - 1
	return (v + mask) &^ mask
}
