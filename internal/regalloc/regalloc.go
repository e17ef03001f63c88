// Package regalloc assigns physical registers to virtual values with a
// linear-scan pass over live intervals. Values the scan cannot keep in a
// register get a spill slot; aggregates always live in memory. The
// allocator decides placement only; the lowerer emits the actual spill
// loads and stores.
package regalloc

import (
	"fmt"
	"sort"

	"github.com/vireo-cc/vireo/internal/abi"
	"github.com/vireo-cc/vireo/internal/cpp/types"
	"github.com/vireo-cc/vireo/internal/ir"
)

// Options configures the allocatable register pools. The defaults come
// from DefaultOptions; tests shrink the pools to force spilling.
type Options struct {
	// IntPool and FloatPool list allocatable registers in preference
	// order. Registers the lowerer reserves as scratch must not appear.
	IntPool   []abi.Reg
	FloatPool []abi.Reg
}

// DefaultOptions builds the standard pools for desc. RSP and RBP are
// structural; RAX, RDX, R11 and XMM14/XMM15 are lowering scratch and
// stay out of the pools.
func DefaultOptions(desc *abi.Descriptor) Options {
	var opts Options
	reserved := abi.NewRegSet(abi.RSP, abi.RBP, abi.RAX, abi.RDX, abi.R11, abi.XMM14, abi.XMM15)

	// Callee-saved registers first so call-heavy functions settle into
	// registers that survive calls without shuffling.
	appendRegs := func(dst *[]abi.Reg, regs []abi.Reg, calleeSaved bool) {
		for _, r := range regs {
			if reserved.Has(r) {
				continue
			}
			if desc.CalleeSaved.Has(r) == calleeSaved {
				*dst = append(*dst, r)
			}
		}
	}
	allInt := []abi.Reg{
		abi.RBX, abi.R12, abi.R13, abi.R14, abi.R15, abi.RSI, abi.RDI,
		abi.RCX, abi.R8, abi.R9, abi.R10,
	}
	allFloat := []abi.Reg{
		abi.XMM6, abi.XMM7, abi.XMM8, abi.XMM9, abi.XMM10, abi.XMM11,
		abi.XMM12, abi.XMM13, abi.XMM0, abi.XMM1, abi.XMM2, abi.XMM3,
		abi.XMM4, abi.XMM5,
	}
	appendRegs(&opts.IntPool, allInt, true)
	appendRegs(&opts.IntPool, allInt, false)
	appendRegs(&opts.FloatPool, allFloat, true)
	appendRegs(&opts.FloatPool, allFloat, false)
	return opts
}

// Interval is the live range of one value in linear instruction
// numbering. Ranges are half-open in effect: a value used at a call and
// dead after does not cross it.
type Interval struct {
	Value       ir.ValueID
	Start, End  int
	CrossesCall bool
}

// Slot is a stack slot request. The frame builder assigns offsets.
type Slot struct {
	Size  int64
	Align int64
}

// Assignment is the final placement of one value.
type Assignment struct {
	Value ir.ValueID
	InReg bool
	Reg   abi.Reg
	// Slot indexes Result.Slots when the value lives in memory.
	Slot int
}

// Result carries placements, slot requests and the callee-saved
// registers the prologue must preserve.
type Result struct {
	Assignments     []Assignment
	Slots           []Slot
	Intervals       []Interval
	UsedCalleeSaved abi.RegSet
	NumSpills       int
}

// Assignment returns the placement of id.
func (r *Result) Assignment(id ir.ValueID) Assignment {
	return r.Assignments[id]
}

// Allocate runs liveness analysis and linear scan over fn. Integer and
// float values are allocated from independent pools in one pass.
func Allocate(fn *ir.Function, desc *abi.Descriptor, tc *types.Context, opts Options) (*Result, error) {
	if len(opts.IntPool) == 0 || len(opts.FloatPool) == 0 {
		return nil, fmt.Errorf("regalloc: %s: empty register pool", fn.Name)
	}

	live, err := liveness(fn)
	if err != nil {
		return nil, fmt.Errorf("regalloc: %s: %w", fn.Name, err)
	}

	res := &Result{
		Assignments: make([]Assignment, len(fn.Values)),
	}
	for i := range res.Assignments {
		res.Assignments[i] = Assignment{Value: ir.ValueID(i), Slot: -1}
	}

	// Aggregates never enter the scan: each gets a slot sized by its
	// layout.
	var scan []Interval
	for _, iv := range live.intervals {
		v := fn.Values[iv.Value]
		if v.Class == ir.ClassAggregate {
			layout, err := tc.Layout(v.Type)
			if err != nil {
				return nil, fmt.Errorf("regalloc: %s: value %d: %w", fn.Name, iv.Value, err)
			}
			// Rounded up so eightbyte-wide stores into the slot stay
			// inside it.
			size := (layout.Size + 7) &^ 7
			align := layout.Align
			if align < 8 {
				align = 8
			}
			res.Assignments[iv.Value].Slot = res.AddSlot(size, align)
			continue
		}
		scan = append(scan, iv)
	}
	res.Intervals = scan

	sort.SliceStable(scan, func(i, j int) bool {
		if scan[i].Start != scan[j].Start {
			return scan[i].Start < scan[j].Start
		}
		return scan[i].End < scan[j].End
	})

	intFile := newRegFile(opts.IntPool)
	fltFile := newRegFile(opts.FloatPool)

	for _, iv := range scan {
		file := intFile
		if fn.Values[iv.Value].Class == ir.ClassFloat {
			file = fltFile
		}
		file.expire(iv.Start, res)
		file.assign(iv, desc, res, fn)
	}
	return res, nil
}

// AddSlot appends a stack slot request and returns its index. The
// lowerer uses this for call-site temporaries.
func (r *Result) AddSlot(size, align int64) int {
	if size < 1 {
		size = 1
	}
	if align < 1 {
		align = 1
	}
	r.Slots = append(r.Slots, Slot{Size: size, Align: align})
	return len(r.Slots) - 1
}

func (r *Result) spillSlotFor(fn *ir.Function, id ir.ValueID) int {
	v := fn.Values[id]
	size := int64(v.Width)
	if size < 8 {
		size = 8
	}
	return r.AddSlot(size, 8)
}

// regFile is the scan state for one register class.
type regFile struct {
	free   []abi.Reg
	active []activeEntry // sorted by End ascending
}

type activeEntry struct {
	iv  Interval
	reg abi.Reg
}

func newRegFile(pool []abi.Reg) *regFile {
	f := &regFile{free: make([]abi.Reg, len(pool))}
	copy(f.free, pool)
	return f
}

func (f *regFile) expire(pos int, res *Result) {
	n := 0
	for _, e := range f.active {
		if e.iv.End >= pos {
			f.active[n] = e
			n++
		} else {
			f.free = append(f.free, e.reg)
		}
	}
	f.active = f.active[:n]
}

func (f *regFile) assign(iv Interval, desc *abi.Descriptor, res *Result, fn *ir.Function) {
	reg, ok := f.takeFree(iv, desc)
	if !ok {
		f.spillOne(iv, desc, res, fn)
		return
	}
	f.place(iv, reg, res, desc)
}

// takeFree picks a free register for iv. Call-crossing intervals only
// accept callee-saved registers; handing them a caller-saved register
// would force a save/restore pair at every call they span.
func (f *regFile) takeFree(iv Interval, desc *abi.Descriptor) (abi.Reg, bool) {
	for i, r := range f.free {
		if iv.CrossesCall && !desc.CalleeSaved.Has(r) {
			continue
		}
		f.free = append(f.free[:i], f.free[i+1:]...)
		return r, true
	}
	return 0, false
}

// spillOne implements the furthest-end heuristic: if the active interval
// ending last outlives iv (and its register is acceptable for iv), it
// loses its register to iv; otherwise iv itself spills.
func (f *regFile) spillOne(iv Interval, desc *abi.Descriptor, res *Result, fn *ir.Function) {
	victim := -1
	for i := len(f.active) - 1; i >= 0; i-- {
		e := f.active[i]
		if e.iv.End <= iv.End {
			break
		}
		if iv.CrossesCall && !desc.CalleeSaved.Has(e.reg) {
			// A caller-saved register cannot host a call-crossing value.
			continue
		}
		victim = i
		break
	}
	if victim < 0 {
		res.Assignments[iv.Value].Slot = res.spillSlotFor(fn, iv.Value)
		res.NumSpills++
		return
	}

	e := f.active[victim]
	res.Assignments[e.iv.Value] = Assignment{
		Value: e.iv.Value,
		Slot:  res.spillSlotFor(fn, e.iv.Value),
	}
	res.NumSpills++
	f.active = append(f.active[:victim], f.active[victim+1:]...)

	f.place(iv, e.reg, res, desc)
}

func (f *regFile) place(iv Interval, reg abi.Reg, res *Result, desc *abi.Descriptor) {
	res.Assignments[iv.Value] = Assignment{Value: iv.Value, InReg: true, Reg: reg, Slot: -1}
	if desc.CalleeSaved.Has(reg) {
		res.UsedCalleeSaved = res.UsedCalleeSaved.Add(reg)
	}
	f.insertActive(activeEntry{iv: iv, reg: reg})
}

func (f *regFile) insertActive(e activeEntry) {
	i := sort.Search(len(f.active), func(i int) bool {
		return f.active[i].iv.End > e.iv.End
	})
	f.active = append(f.active, activeEntry{})
	copy(f.active[i+1:], f.active[i:])
	f.active[i] = e
}
