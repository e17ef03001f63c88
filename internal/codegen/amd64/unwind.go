package amd64

import (
	"fmt"
	"sort"

	"github.com/vireo-cc/vireo/internal/abi"
	"github.com/vireo-cc/vireo/internal/asm"
	"github.com/vireo-cc/vireo/internal/ir"
)

// SavedXmmSlot records where a callee-saved vector register was stored.
type SavedXmmSlot struct {
	Reg    abi.Reg
	Offset int64
}

// CleanupAction is one unwind obligation: call Symbol with the address
// of the object at frame offset LocalOffset.
type CleanupAction struct {
	Symbol      string
	LocalOffset int64
}

// RegionRecord maps a code range to its handler and cleanup chain.
// Ranges are byte offsets into the function body. Parent indexes the
// enclosing region in Record.Regions, or -1; the unwinder runs Actions
// innermost-first and then continues with the parent chain.
type RegionRecord struct {
	Name  string
	Begin int
	End   int
	// Handler is the code offset control transfers to when an exception
	// is dispatched to this region, or -1 for a cleanup-only scope.
	Handler int
	Parent  int
	Actions []CleanupAction
}

// Record is the unwind description of one compiled function. It carries
// enough to rebuild either a Win64 scope table or SysV frame rows.
type Record struct {
	Function    string
	Target      abi.Target
	PrologueEnd int
	FrameAlloc  int64
	SavedGP     []abi.Reg
	SavedXmm    []SavedXmmSlot
	Regions     []RegionRecord
}

const prologueEndLabel asm.Label = ".prologue_end"

func blockLabel(b ir.BlockID) asm.Label {
	return asm.Label(fmt.Sprintf(".B%d", b))
}

// BuildUnwind derives the unwind record for fn from the finalized
// program: label positions fix the prologue end and turn region block
// sets into contiguous-enough PC ranges.
func BuildUnwind(fn *ir.Function, frame *Frame, prog asm.Program) (*Record, error) {
	rec := &Record{
		Function:   fn.Name,
		Target:     frame.Desc.Target,
		FrameAlloc: frame.AllocBytes,
		SavedGP:    frame.SavedGP,
	}
	for i, r := range frame.SavedXmm {
		rec.SavedXmm = append(rec.SavedXmm, SavedXmmSlot{Reg: r, Offset: frame.XmmOffsets[i]})
	}

	end, ok := prog.LabelOffset(prologueEndLabel)
	if !ok {
		return nil, fmt.Errorf("amd64: %s: prologue end label missing", fn.Name)
	}
	rec.PrologueEnd = end

	// Block start offsets in layout order; a block ends where the next
	// one begins.
	starts := make([]int, len(fn.Blocks))
	for b := range fn.Blocks {
		off, ok := prog.LabelOffset(blockLabel(ir.BlockID(b)))
		if !ok {
			return nil, fmt.Errorf("amd64: %s: block %d label missing", fn.Name, b)
		}
		starts[b] = off
	}
	blockEnd := func(b ir.BlockID) int {
		if int(b)+1 < len(starts) {
			return starts[b+1]
		}
		return prog.Len()
	}

	for _, region := range fn.Regions {
		rr := RegionRecord{
			Name:    region.Name,
			Parent:  region.Parent,
			Begin:   prog.Len(),
			Handler: -1,
		}
		if region.Handler != ir.NoBlock {
			if region.Handler < 0 || int(region.Handler) >= len(starts) {
				return nil, fmt.Errorf("amd64: %s: region %q names missing handler block %d", fn.Name, region.Name, region.Handler)
			}
			rr.Handler = starts[region.Handler]
		}
		for _, b := range region.Blocks {
			if int(b) >= len(starts) {
				return nil, fmt.Errorf("amd64: %s: region %q covers missing block %d", fn.Name, region.Name, b)
			}
			if starts[b] < rr.Begin {
				rr.Begin = starts[b]
			}
			if e := blockEnd(b); e > rr.End {
				rr.End = e
			}
		}
		for _, c := range region.Cleanups {
			if int(c.Local) >= len(frame.LocalOffsets) {
				return nil, fmt.Errorf("amd64: %s: region %q cleans up missing local %d", fn.Name, region.Name, c.Local)
			}
			rr.Actions = append(rr.Actions, CleanupAction{
				Symbol:      c.Symbol,
				LocalOffset: frame.LocalOffsets[c.Local],
			})
		}
		rec.Regions = append(rec.Regions, rr)
	}
	return rec, nil
}

// innermost finds the tightest region covering pc, or -1.
func (r *Record) innermost(pc int) int {
	inner := -1
	for i, region := range r.Regions {
		if pc < region.Begin || pc >= region.End {
			continue
		}
		if inner < 0 || region.Begin >= r.Regions[inner].Begin && region.End <= r.Regions[inner].End {
			inner = i
		}
	}
	return inner
}

// Chain returns the full cleanup sequence for a fault at code offset pc:
// the innermost covering region's actions followed by each ancestor's.
func (r *Record) Chain(pc int) []CleanupAction {
	var out []CleanupAction
	for i := r.innermost(pc); i >= 0; i = r.Regions[i].Parent {
		out = append(out, r.Regions[i].Actions...)
	}
	return out
}

// Handler returns the code offset control resumes at when an exception
// is raised at pc: the innermost covering region with a handler entry,
// walking outward through cleanup-only scopes. -1 means the exception
// leaves the function.
func (r *Record) Handler(pc int) int {
	for i := r.innermost(pc); i >= 0; i = r.Regions[i].Parent {
		if h := r.Regions[i].Handler; h >= 0 {
			return h
		}
	}
	return -1
}

// ScopeEntry is one row of a Win64 SEH scope table.
type ScopeEntry struct {
	Begin, End uint32
	// Target is the code offset control resumes at when the dispatcher
	// selects this scope. Zero marks a __finally-style scope that only
	// runs its cleanups.
	Target uint32
	// Cleanup indexes Record.Regions; the personality walks that
	// region's chain.
	Cleanup int32
}

// depth counts the ancestors of region i.
func (r *Record) depth(i int) int {
	d := 0
	for p := r.Regions[i].Parent; p >= 0; p = r.Regions[p].Parent {
		d++
	}
	return d
}

// ScopeTable renders the regions as a Win64 scope table, ordered by
// begin offset with inner scopes first at ties so the dispatcher's
// first covering match is the tightest one.
func (r *Record) ScopeTable() []ScopeEntry {
	order := make([]int, len(r.Regions))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := r.Regions[order[a]], r.Regions[order[b]]
		if ra.Begin != rb.Begin {
			return ra.Begin < rb.Begin
		}
		if ra.End != rb.End {
			return ra.End < rb.End
		}
		return r.depth(order[a]) > r.depth(order[b])
	})

	out := make([]ScopeEntry, 0, len(r.Regions))
	for _, i := range order {
		region := r.Regions[i]
		entry := ScopeEntry{
			Begin:   uint32(region.Begin),
			End:     uint32(region.End),
			Cleanup: int32(i),
		}
		if region.Handler >= 0 {
			entry.Target = uint32(region.Handler)
		}
		out = append(out, entry)
	}
	return out
}

// FrameRow is one CFI-style state change for SysV unwinding.
type FrameRow struct {
	Offset int
	Rule   string
}

// FrameRows renders the prologue as canonical frame rows: where the
// frame base lives and which registers were saved, keyed by the code
// offset at which each fact becomes true.
func (r *Record) FrameRows() []FrameRow {
	rows := []FrameRow{
		{Offset: 0, Rule: "cfa=rsp+8"},
		{Offset: 1, Rule: "cfa=rsp+16 rbp=[cfa-16]"},
	}
	// After "mov rbp, rsp" the frame base tracks RBP regardless of
	// later adjustments.
	rows = append(rows, FrameRow{Offset: 4, Rule: "cfa=rbp+16"})
	for i, reg := range r.SavedGP {
		rows = append(rows, FrameRow{
			Offset: r.PrologueEnd,
			Rule:   fmt.Sprintf("%s=[cfa-%d]", reg, 24+8*i),
		})
	}
	for _, s := range r.SavedXmm {
		rows = append(rows, FrameRow{
			Offset: r.PrologueEnd,
			Rule:   fmt.Sprintf("%s=[rbp%+d]", s.Reg, s.Offset),
		})
	}
	return rows
}
