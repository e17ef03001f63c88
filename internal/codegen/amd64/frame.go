// Package amd64 lowers allocated functions to x86-64 machine code: frame
// construction, argument marshaling, instruction selection and the
// unwind metadata describing it all.
package amd64

import (
	"math"

	"github.com/vireo-cc/vireo/internal/abi"
	"github.com/vireo-cc/vireo/internal/asm"
	x86 "github.com/vireo-cc/vireo/internal/asm/amd64"
	"github.com/vireo-cc/vireo/internal/backend/diag"
	"github.com/vireo-cc/vireo/internal/cpp/types"
	"github.com/vireo-cc/vireo/internal/ir"
	"github.com/vireo-cc/vireo/internal/regalloc"
)

// Frame is the resolved stack layout of one function. All offsets are
// relative to RBP, which the prologue establishes as the frame base.
type Frame struct {
	Desc *abi.Descriptor

	// SavedGP lists callee-saved general registers in push order.
	SavedGP []abi.Reg
	// SavedXmm lists callee-saved vector registers stored into the
	// frame. Only the scalar halves are live in generated code, so the
	// saves are 8 bytes wide.
	SavedXmm   []abi.Reg
	XmmOffsets []int64

	SlotOffsets  []int64
	LocalOffsets []int64
	LocalSizes   []int64

	// HiddenRetOffset holds the incoming result pointer for functions
	// returning large aggregates.
	HiddenRetOffset int64
	HasHiddenRet    bool

	// AllocBytes is the immediate of the prologue's stack adjustment.
	// It covers locals, slots and the outgoing argument area, padded so
	// RSP stays 16-byte aligned at call instructions.
	AllocBytes    int64
	OutgoingBytes int64
	// FrameBytes is the total frame depth including return address and
	// saved registers.
	FrameBytes int64
}

// gp order used when pushing callee-saved registers; keeping it fixed
// makes the prologue deterministic regardless of allocation order.
var savedGPOrder = []abi.Reg{
	abi.RBX, abi.RSI, abi.RDI, abi.R12, abi.R13, abi.R14, abi.R15,
}

var savedXmmOrder = []abi.Reg{
	abi.XMM6, abi.XMM7, abi.XMM8, abi.XMM9, abi.XMM10, abi.XMM11,
	abi.XMM12, abi.XMM13, abi.XMM14, abi.XMM15,
}

// BuildFrame lays out the stack frame for fn: callee-saved spill area,
// local variables, allocator slots, the hidden-return pointer save and
// the outgoing argument area.
func BuildFrame(fn *ir.Function, desc *abi.Descriptor, tc *types.Context, ra *regalloc.Result, outgoing int64, hiddenRet bool) (*Frame, error) {
	f := &Frame{Desc: desc}

	for _, r := range savedGPOrder {
		if ra.UsedCalleeSaved.Has(r) && desc.CalleeSaved.Has(r) {
			f.SavedGP = append(f.SavedGP, r)
		}
	}
	// The allocator never hands out the scratch vector registers, but
	// any float traffic moves spilled and incoming values through them,
	// so targets that mark them callee-saved get them in the save set.
	floats := hasFloatValues(fn)
	for _, r := range savedXmmOrder {
		if !desc.CalleeSaved.Has(r) {
			continue
		}
		if ra.UsedCalleeSaved.Has(r) || (floats && scratchXmmRegs.Has(r)) {
			f.SavedXmm = append(f.SavedXmm, r)
		}
	}

	// Depth grows downward from RBP. The pushed GPs sit directly below
	// the saved frame pointer.
	depth := int64(len(f.SavedGP)) * 8

	take := func(size, align int64) int64 {
		if size < 1 {
			size = 1
		}
		if align < 1 {
			align = 1
		}
		depth = alignTo(depth+size, align)
		return -depth
	}

	for range f.SavedXmm {
		f.XmmOffsets = append(f.XmmOffsets, take(8, 8))
	}
	if hiddenRet {
		f.HasHiddenRet = true
		f.HiddenRetOffset = take(8, 8)
	}

	for _, l := range fn.Locals {
		layout, err := tc.Layout(l.Type)
		if err != nil {
			return nil, diag.Function(fn.Name, err)
		}
		f.LocalOffsets = append(f.LocalOffsets, take(layout.Size, layout.Align))
		f.LocalSizes = append(f.LocalSizes, layout.Size)
	}
	for _, s := range ra.Slots {
		f.SlotOffsets = append(f.SlotOffsets, take(s.Size, s.Align))
	}

	f.OutgoingBytes = alignTo(outgoing, 16)

	pushBytes := int64(len(f.SavedGP)) * 8
	alloc := depth - pushBytes + f.OutgoingBytes
	// After "push rbp" RSP is 16-byte aligned; each callee-saved push
	// shifts it by 8. Pad so call sites see an aligned stack.
	for (pushBytes+alloc)%16 != 0 {
		alloc += 8
	}
	f.AllocBytes = alloc
	f.FrameBytes = 16 + pushBytes + alloc

	if f.FrameBytes > math.MaxInt32 {
		return nil, diag.Limitf(fn.Name, "frame of %d bytes exceeds the addressable range", f.FrameBytes)
	}
	return f, nil
}

// SlotMem addresses allocator slot i.
func (f *Frame) SlotMem(i int) x86.Memory {
	return x86.Mem(x86.Reg64(x86.RBP)).WithDisp(int32(f.SlotOffsets[i]))
}

// LocalMem addresses local l.
func (f *Frame) LocalMem(l ir.LocalID) x86.Memory {
	return x86.Mem(x86.Reg64(x86.RBP)).WithDisp(int32(f.LocalOffsets[l]))
}

// IncomingArgOffset converts a stack-argument offset from the caller's
// outgoing area into this frame's RBP-relative addressing.
func (f *Frame) IncomingArgOffset(stackOffset int64) int64 {
	return 16 + f.Desc.ShadowSpace + stackOffset
}

// Prologue emits the frame establishment sequence.
func (f *Frame) Prologue() asm.Fragment {
	frags := asm.Group{
		x86.Push(x86.RBP),
		x86.MovReg(x86.Reg64(x86.RBP), x86.Reg64(x86.RSP)),
	}
	for _, r := range f.SavedGP {
		frags = append(frags, x86.Push(gpReg(r)))
	}
	if f.AllocBytes > 0 {
		frags = append(frags, x86.SubRegImm(x86.Reg64(x86.RSP), int32(f.AllocBytes)))
	}
	for i, r := range f.SavedXmm {
		mem := x86.Mem(x86.Reg64(x86.RBP)).WithDisp(int32(f.XmmOffsets[i]))
		frags = append(frags, x86.MovsdToMemory(mem, xmmReg(r)))
	}
	return frags
}

// Epilogue tears the frame down and returns.
func (f *Frame) Epilogue() asm.Fragment {
	var frags asm.Group
	for i, r := range f.SavedXmm {
		mem := x86.Mem(x86.Reg64(x86.RBP)).WithDisp(int32(f.XmmOffsets[i]))
		frags = append(frags, x86.MovsdFromMemory(xmmReg(r), mem))
	}
	if f.AllocBytes > 0 {
		frags = append(frags, x86.AddRegImm(x86.Reg64(x86.RSP), int32(f.AllocBytes)))
	}
	for i := len(f.SavedGP) - 1; i >= 0; i-- {
		frags = append(frags, x86.Pop(gpReg(f.SavedGP[i])))
	}
	frags = append(frags, x86.Pop(x86.RBP), x86.Ret())
	return frags
}

// hasFloatValues reports whether any value routes through the vector
// file.
func hasFloatValues(fn *ir.Function) bool {
	for _, v := range fn.Values {
		if v.Class == ir.ClassFloat {
			return true
		}
	}
	return false
}

// gpReg maps the flat register namespace onto the assembler's
// general-purpose identifiers. The enumerations share hardware encoding
// order, so the mapping is ordinal.
func gpReg(r abi.Reg) x86.GP { return x86.GP(r) }

func xmmReg(r abi.Reg) x86.Xmm { return x86.Xmm(r - abi.XMM0) }

func alignTo(v, boundary int64) int64 {
	mask := boundary - 1
	return (v + mask) &^ mask
}
