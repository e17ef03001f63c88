package regalloc

import (
	"fmt"
	"math/bits"

	"github.com/vireo-cc/vireo/internal/ir"
)

// livenessInfo is the per-function result of the backward dataflow pass:
// one conservative interval per referenced value, in linear instruction
// numbering.
type livenessInfo struct {
	intervals []Interval
}

type bitset []uint64

func newBitset(n int) bitset { return make(bitset, (n+63)/64) }

func (b bitset) set(i ir.ValueID)      { b[i/64] |= 1 << (uint(i) % 64) }
func (b bitset) clear(i ir.ValueID)    { b[i/64] &^= 1 << (uint(i) % 64) }
func (b bitset) has(i ir.ValueID) bool { return b[i/64]&(1<<(uint(i)%64)) != 0 }

// or merges src into b and reports whether b changed.
func (b bitset) or(src bitset) bool {
	changed := false
	for i, w := range src {
		if b[i]|w != b[i] {
			b[i] |= w
			changed = true
		}
	}
	return changed
}

func (b bitset) clone() bitset {
	out := make(bitset, len(b))
	copy(out, b)
	return out
}

func (b bitset) each(f func(ir.ValueID)) {
	for i, w := range b {
		for w != 0 {
			off := bits.TrailingZeros64(w)
			f(ir.ValueID(i*64 + off))
			w &= w - 1
		}
	}
}

// liveness numbers instructions linearly (parameters at position 0,
// blocks in layout order) and builds one interval per value. An interval
// spans from the value's first definition to its last use, widened to
// whole blocks where the value is live across an edge.
func liveness(fn *ir.Function) (*livenessInfo, error) {
	if len(fn.Blocks) == 0 {
		return nil, fmt.Errorf("function has no blocks")
	}
	n := len(fn.Values)
	numBlocks := len(fn.Blocks)

	// Reject references outside the value arena before the bitsets index
	// with them.
	valid := func(v ir.ValueID) bool { return v >= 0 && int(v) < n }
	for _, p := range fn.Params {
		if !valid(p) {
			return nil, fmt.Errorf("parameter value %d out of range", p)
		}
	}
	for b := range fn.Blocks {
		for i, in := range fn.Blocks[b].Instrs {
			bad := ir.NoValue
			if in.Dst != ir.NoValue && !valid(in.Dst) {
				bad = in.Dst
			}
			forEachUse(in, func(v ir.ValueID) {
				if bad == ir.NoValue && !valid(v) {
					bad = v
				}
			})
			if bad != ir.NoValue {
				return nil, fmt.Errorf("block %d instr %d: value %d out of range", b, i, bad)
			}
		}
		bad := ir.NoValue
		forEachTermUse(fn.Blocks[b].Term, func(v ir.ValueID) {
			if bad == ir.NoValue && !valid(v) {
				bad = v
			}
		})
		if bad != ir.NoValue {
			return nil, fmt.Errorf("block %d: terminator value %d out of range", b, bad)
		}
	}

	// Linear numbering: params at 0, then each block's instructions plus
	// its terminator.
	blockStart := make([]int, numBlocks)
	blockEnd := make([]int, numBlocks)
	pos := 1
	for b := range fn.Blocks {
		blockStart[b] = pos
		pos += len(fn.Blocks[b].Instrs)
		blockEnd[b] = pos // terminator
		pos++
	}

	succs := func(b int) ([]ir.BlockID, error) {
		t := fn.Blocks[b].Term
		var out []ir.BlockID
		switch t.Kind {
		case ir.TermJump:
			out = []ir.BlockID{t.Target}
		case ir.TermBranch:
			out = []ir.BlockID{t.Target, t.Else}
		case ir.TermRet, ir.TermUnreachable:
		default:
			return nil, fmt.Errorf("block %d: unknown terminator %d", b, t.Kind)
		}
		for _, s := range out {
			if int(s) >= numBlocks || s < 0 {
				return nil, fmt.Errorf("block %d: jump to missing block %d", b, s)
			}
		}
		return out, nil
	}

	// Per-block upward-exposed uses and defs.
	useSet := make([]bitset, numBlocks)
	defSet := make([]bitset, numBlocks)
	for b := range fn.Blocks {
		use, def := newBitset(n), newBitset(n)
		visit := func(in ir.Instr) {
			forEachUse(in, func(v ir.ValueID) {
				if !def.has(v) {
					use.set(v)
				}
			})
			if in.Dst != ir.NoValue {
				def.set(in.Dst)
			}
		}
		for _, in := range fn.Blocks[b].Instrs {
			visit(in)
		}
		forEachTermUse(fn.Blocks[b].Term, func(v ir.ValueID) {
			if !def.has(v) {
				use.set(v)
			}
		})
		useSet[b], defSet[b] = use, def
	}

	liveIn := make([]bitset, numBlocks)
	liveOut := make([]bitset, numBlocks)
	for b := range fn.Blocks {
		liveIn[b] = newBitset(n)
		liveOut[b] = newBitset(n)
	}
	for changed := true; changed; {
		changed = false
		for b := numBlocks - 1; b >= 0; b-- {
			ss, err := succs(b)
			if err != nil {
				return nil, err
			}
			for _, s := range ss {
				if liveOut[b].or(liveIn[s]) {
					changed = true
				}
			}
			in := liveOut[b].clone()
			for i, w := range defSet[b] {
				in[i] &^= w
			}
			in.or(useSet[b])
			if liveIn[b].or(in) {
				changed = true
			}
		}
	}

	// A scalar live into the entry block is read on some path before any
	// instruction defines it. Parameters are defined on entry, and
	// aggregates are memory-backed declarations with no defining
	// instruction.
	params := newBitset(n)
	for _, p := range fn.Params {
		params.set(p)
	}
	var undef error
	liveIn[0].each(func(v ir.ValueID) {
		if undef == nil && !params.has(v) && fn.Values[v].Class != ir.ClassAggregate {
			undef = fmt.Errorf("value %d used before definition", v)
		}
	})
	if undef != nil {
		return nil, undef
	}

	starts := make([]int, n)
	ends := make([]int, n)
	seen := make([]bool, n)
	extend := func(v ir.ValueID, p int) {
		if !seen[v] {
			seen[v] = true
			starts[v], ends[v] = p, p
			return
		}
		if p < starts[v] {
			starts[v] = p
		}
		if p > ends[v] {
			ends[v] = p
		}
	}

	for _, p := range fn.Params {
		extend(p, 0)
	}
	var callPositions []int
	for b := range fn.Blocks {
		liveIn[b].each(func(v ir.ValueID) { extend(v, blockStart[b]) })
		liveOut[b].each(func(v ir.ValueID) { extend(v, blockEnd[b]) })
		p := blockStart[b]
		for _, in := range fn.Blocks[b].Instrs {
			forEachUse(in, func(v ir.ValueID) { extend(v, p) })
			if in.Dst != ir.NoValue {
				extend(in.Dst, p)
			}
			if in.Op == ir.OpCall {
				callPositions = append(callPositions, p)
			}
			p++
		}
		forEachTermUse(fn.Blocks[b].Term, func(v ir.ValueID) { extend(v, p) })
	}

	info := &livenessInfo{}
	for v := 0; v < n; v++ {
		if !seen[v] {
			continue
		}
		iv := Interval{Value: ir.ValueID(v), Start: starts[v], End: ends[v]}
		for _, c := range callPositions {
			if iv.Start < c && c < iv.End {
				iv.CrossesCall = true
				break
			}
		}
		info.intervals = append(info.intervals, iv)
	}
	return info, nil
}

func forEachUse(in ir.Instr, f func(ir.ValueID)) {
	if in.A != ir.NoValue {
		f(in.A)
	}
	if in.B != ir.NoValue {
		f(in.B)
	}
	if in.Call != nil {
		if in.Call.Target != ir.NoValue {
			f(in.Call.Target)
		}
		for _, a := range in.Call.Args {
			f(a)
		}
	}
}

func forEachTermUse(t ir.Terminator, f func(ir.ValueID)) {
	if t.Kind == ir.TermRet && t.Value != ir.NoValue {
		f(t.Value)
	}
	if t.Kind == ir.TermBranch && t.CondValue != ir.NoValue {
		f(t.CondValue)
	}
}
