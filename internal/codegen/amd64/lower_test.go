package amd64

import (
	"bytes"
	"testing"

	"github.com/vireo-cc/vireo/internal/abi"
	"github.com/vireo-cc/vireo/internal/cpp/types"
	"github.com/vireo-cc/vireo/internal/ir"
	"github.com/vireo-cc/vireo/internal/regalloc"
)

func mustDesc(t *testing.T, target abi.Target) *abi.Descriptor {
	t.Helper()
	desc, err := abi.Lookup(target)
	if err != nil {
		t.Fatalf("Lookup(%s) failed: %v", target, err)
	}
	return desc
}

func lower(t *testing.T, fn *ir.Function, tc *types.Context, target abi.Target) *Output {
	t.Helper()
	desc := mustDesc(t, target)
	out, err := Lower(fn, desc, tc, regalloc.DefaultOptions(desc))
	if err != nil {
		t.Fatalf("Lower(%s) failed: %v", fn.Name, err)
	}
	return out
}

func buildAdd(tc *types.Context) *ir.Function {
	i64 := tc.Int(8, true)
	b := ir.NewFunction("add", tc, ir.Signature{Params: []types.ID{i64, i64}, Result: i64})
	b.Ret(b.Add(b.Param(0), b.Param(1)))
	return b.Finish()
}

func buildMax(tc *types.Context) *ir.Function {
	i64 := tc.Int(8, true)
	b := ir.NewFunction("max", tc, ir.Signature{Params: []types.ID{i64, i64}, Result: i64})
	thenB := b.Block()
	elseB := b.Block()
	b.Branch(b.Cmp(ir.CondGt, b.Param(0), b.Param(1)), thenB, elseB)
	b.SetBlock(thenB)
	b.Ret(b.Param(0))
	b.SetBlock(elseB)
	b.Ret(b.Param(1))
	return b.Finish()
}

func TestLowerEmitsCode(t *testing.T) {
	for _, target := range []abi.Target{abi.TargetWin64, abi.TargetSysV64} {
		tc := types.NewContext()
		out := lower(t, buildAdd(tc), tc, target)

		if len(out.Code) == 0 {
			t.Fatalf("%s: no code emitted", target)
		}
		// push rbp; mov rbp, rsp
		if !bytes.HasPrefix(out.Code, []byte{0x55, 0x48, 0x89, 0xE5}) {
			t.Errorf("%s: prologue starts %x, want push rbp; mov rbp, rsp", target, out.Code[:4])
		}
		if out.Code[len(out.Code)-1] != 0xC3 {
			t.Errorf("%s: code ends %#x, want ret", target, out.Code[len(out.Code)-1])
		}
	}
}

func TestFrameAlignment(t *testing.T) {
	builders := map[string]func(tc *types.Context) *ir.Function{
		"add": buildAdd,
		"max": buildMax,
		"locals": func(tc *types.Context) *ir.Function {
			i64 := tc.Int(8, true)
			i32 := tc.Int(4, true)
			b := ir.NewFunction("locals", tc, ir.Signature{Result: i64})
			l1 := b.Local("x", i64)
			l2 := b.Local("y", i32)
			b.Store(b.LocalAddr(l1), b.Int64Const(1))
			b.Store(b.LocalAddr(l2), b.IntConst(2, 4, true))
			b.Ret(b.Load(b.LocalAddr(l1), ir.ClassInt, 8, true))
			return b.Finish()
		},
		"caller": func(tc *types.Context) *ir.Function {
			i64 := tc.Int(8, true)
			b := ir.NewFunction("caller", tc, ir.Signature{Params: []types.ID{i64}, Result: i64})
			r := b.Call(tc, ir.CallInfo{
				Kind:   ir.CallDirect,
				Symbol: "helper",
				Args:   []ir.ValueID{b.Param(0)},
				Sig:    ir.Signature{Params: []types.ID{i64}, Result: i64},
			})
			b.Ret(r)
			return b.Finish()
		},
	}

	for _, target := range []abi.Target{abi.TargetWin64, abi.TargetSysV64} {
		for name, build := range builders {
			tc := types.NewContext()
			out := lower(t, build(tc), tc, target)
			if out.Frame.FrameBytes%16 != 0 {
				t.Errorf("%s/%s: frame bytes=%d, want multiple of 16", target, name, out.Frame.FrameBytes)
			}
		}
	}
}

func TestLowerDeterministic(t *testing.T) {
	for _, target := range []abi.Target{abi.TargetWin64, abi.TargetSysV64} {
		tc := types.NewContext()
		fn := buildMax(tc)
		first := lower(t, fn, tc, target)
		for i := 0; i < 3; i++ {
			again := lower(t, fn, tc, target)
			if !bytes.Equal(first.Code, again.Code) {
				t.Fatalf("%s: code differs between identical lowering runs", target)
			}
		}
	}
}

func TestDirectCallReloc(t *testing.T) {
	tc := types.NewContext()
	i64 := tc.Int(8, true)
	b := ir.NewFunction("caller", tc, ir.Signature{Result: i64})
	r := b.Call(tc, ir.CallInfo{
		Kind:   ir.CallDirect,
		Symbol: "external_fn",
		Sig:    ir.Signature{Result: i64},
	})
	b.Ret(r)

	out := lower(t, b.Finish(), tc, abi.TargetSysV64)
	var found bool
	for _, rel := range out.Relocs {
		if rel.Symbol == "external_fn" {
			found = true
			if rel.Offset <= 0 || rel.Offset+4 > len(out.Code) {
				t.Errorf("reloc offset %d out of range", rel.Offset)
			}
		}
	}
	if !found {
		t.Fatal("no relocation recorded for the direct call target")
	}
}

func TestWin64OutgoingIncludesShadowSpace(t *testing.T) {
	tc := types.NewContext()
	i64 := tc.Int(8, true)
	b := ir.NewFunction("caller", tc, ir.Signature{Params: []types.ID{i64}, Result: types.Invalid})
	b.Call(tc, ir.CallInfo{
		Kind:   ir.CallDirect,
		Symbol: "helper",
		Args:   []ir.ValueID{b.Param(0)},
		Sig:    ir.Signature{Params: []types.ID{i64}, Result: types.Invalid},
	})
	b.Ret(ir.NoValue)

	out := lower(t, b.Finish(), tc, abi.TargetWin64)
	if out.Frame.OutgoingBytes < 32 {
		t.Errorf("outgoing bytes=%d, want at least the 32-byte shadow space", out.Frame.OutgoingBytes)
	}
}

func TestWin64SavesCalleeSavedXmm(t *testing.T) {
	tc := types.NewContext()
	f64 := tc.Float(8)
	b := ir.NewFunction("fsum", tc, ir.Signature{Params: []types.ID{f64, f64}, Result: f64})
	b.Ret(b.Add(b.Param(0), b.Param(1)))

	out := lower(t, b.Finish(), tc, abi.TargetWin64)
	// The float pool prefers XMM6+ on Win64, and those must be saved.
	if len(out.Frame.SavedXmm) == 0 {
		t.Fatal("no callee-saved xmm registers recorded")
	}
	for _, r := range out.Frame.SavedXmm {
		if !r.IsXmm() {
			t.Errorf("saved xmm list contains %s", r)
		}
	}
	if len(out.Unwind.SavedXmm) != len(out.Frame.SavedXmm) {
		t.Errorf("unwind records %d xmm saves, frame has %d",
			len(out.Unwind.SavedXmm), len(out.Frame.SavedXmm))
	}
}

func TestFloatSpillsSaveScratchXmm(t *testing.T) {
	build := func(tc *types.Context) *ir.Function {
		f64 := tc.Float(8)
		b := ir.NewFunction("fmix", tc, ir.Signature{Params: []types.ID{f64, f64}, Result: f64})
		s := b.Add(b.Param(0), b.Param(1))
		b.Ret(b.Mul(s, b.Param(0)))
		return b.Finish()
	}

	// A one-register float pool forces spilled floats through the
	// scratch vector registers.
	tc := types.NewContext()
	desc := mustDesc(t, abi.TargetWin64)
	opts := regalloc.DefaultOptions(desc)
	opts.FloatPool = []abi.Reg{abi.XMM6}
	out, err := Lower(build(tc), desc, tc, opts)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	if out.Alloc.NumSpills == 0 {
		t.Fatal("single-register float pool produced no spills")
	}
	saved := abi.NewRegSet(out.Frame.SavedXmm...)
	if !saved.Has(abi.XMM14) || !saved.Has(abi.XMM15) {
		t.Fatalf("win64 scratch xmm not preserved: saved=%v", out.Frame.SavedXmm)
	}

	// On SysV the scratch registers are volatile; nothing to save.
	tc = types.NewContext()
	desc = mustDesc(t, abi.TargetSysV64)
	opts = regalloc.DefaultOptions(desc)
	opts.FloatPool = []abi.Reg{abi.XMM6}
	out, err = Lower(build(tc), desc, tc, opts)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	saved = abi.NewRegSet(out.Frame.SavedXmm...)
	if saved.Has(abi.XMM14) || saved.Has(abi.XMM15) {
		t.Fatalf("sysv64 saved volatile scratch xmm: saved=%v", out.Frame.SavedXmm)
	}
}

func TestHiddenReturnFrameSlot(t *testing.T) {
	tc := types.NewContext()
	f64 := tc.Float(8)
	mat := tc.Array(f64, 9)

	for _, target := range []abi.Target{abi.TargetWin64, abi.TargetSysV64} {
		b := ir.NewFunction("big", tc, ir.Signature{Result: mat})
		v := b.Aggregate(mat)
		b.Store(b.ValueAddr(v), b.FloatConst(1.5))
		b.Ret(v)

		out := lower(t, b.Finish(), tc, target)
		if !out.Frame.HasHiddenRet {
			t.Errorf("%s: 72-byte result did not reserve a hidden-return slot", target)
		}
		if !out.Sig.HiddenRetPtr {
			t.Errorf("%s: classification lost the hidden-return pointer", target)
		}
	}
}

func TestUnwindRegionCoversBody(t *testing.T) {
	tc := types.NewContext()
	i64 := tc.Int(8, true)

	b := ir.NewFunction("guarded", tc, ir.Signature{Params: []types.ID{i64}, Result: i64})
	obj := b.Local("obj", i64)
	b.Store(b.LocalAddr(obj), b.Int64Const(7))
	body := b.Block()
	exit := b.Block()
	catch := b.Block()
	b.Jump(body)

	b.SetBlock(body)
	x := b.Add(b.Param(0), b.Load(b.LocalAddr(obj), ir.ClassInt, 8, true))
	b.Jump(exit)

	b.SetBlock(exit)
	b.Ret(x)

	// The catch block is only reachable through the dispatcher.
	b.SetBlock(catch)
	b.Ret(b.Int64Const(-1))

	b.Region("obj.live", -1, catch, []ir.BlockID{body},
		ir.Cleanup{Symbol: "obj_dtor", Local: obj})

	for _, target := range []abi.Target{abi.TargetWin64, abi.TargetSysV64} {
		out := lower(t, b.Finish(), tc, target)
		rec := out.Unwind

		if rec.PrologueEnd <= 0 {
			t.Fatalf("%s: prologue end=%d", target, rec.PrologueEnd)
		}
		if len(rec.Regions) != 1 {
			t.Fatalf("%s: regions=%d, want 1", target, len(rec.Regions))
		}
		region := rec.Regions[0]
		if region.Begin >= region.End {
			t.Fatalf("%s: empty region [%d,%d)", target, region.Begin, region.End)
		}
		if region.Begin < rec.PrologueEnd {
			t.Errorf("%s: region begins at %d inside the prologue", target, region.Begin)
		}

		// The handler entry resolves to a real code offset inside the
		// function body, and any covered throw point dispatches to it.
		if region.Handler <= 0 || region.Handler >= len(out.Code) {
			t.Fatalf("%s: handler entry=%d, want inside [1,%d)", target, region.Handler, len(out.Code))
		}
		if region.Handler < rec.PrologueEnd {
			t.Errorf("%s: handler entry %d inside the prologue", target, region.Handler)
		}
		for _, pc := range []int{region.Begin, (region.Begin + region.End) / 2, region.End - 1} {
			if got, want := rec.Handler(pc), region.Handler; got != want {
				t.Errorf("%s: pc=%d dispatches to %d, want %d", target, pc, got, want)
			}
		}
		if got := rec.Handler(rec.PrologueEnd - 1); got != -1 {
			t.Errorf("%s: prologue pc dispatches to %d, want none", target, got)
		}

		// A fault anywhere in the guarded range runs the cleanup exactly
		// once.
		for _, pc := range []int{region.Begin, (region.Begin + region.End) / 2, region.End - 1} {
			chain := rec.Chain(pc)
			count := 0
			for _, a := range chain {
				if a.Symbol == "obj_dtor" {
					count++
				}
			}
			if count != 1 {
				t.Errorf("%s: pc=%d runs obj_dtor %d times, want once", target, pc, count)
			}
		}
		// Outside the region nothing runs.
		if chain := rec.Chain(rec.PrologueEnd - 1); len(chain) != 0 {
			t.Errorf("%s: prologue pc has cleanup chain %v", target, chain)
		}

		// The cleanup resolves to the local's frame slot.
		if got, want := region.Actions[0].LocalOffset, out.Frame.LocalOffsets[obj]; got != want {
			t.Errorf("%s: cleanup offset=%d, want %d", target, got, want)
		}
	}
}

func TestUnwindNestedRegions(t *testing.T) {
	tc := types.NewContext()
	i64 := tc.Int(8, true)

	b := ir.NewFunction("nested", tc, ir.Signature{Result: i64})
	outerObj := b.Local("outer", i64)
	innerObj := b.Local("inner", i64)
	b.Store(b.LocalAddr(outerObj), b.Int64Const(1))
	mid := b.Block()
	deep := b.Block()
	exit := b.Block()
	catch := b.Block()
	b.Jump(mid)

	b.SetBlock(mid)
	b.Store(b.LocalAddr(innerObj), b.Int64Const(2))
	b.Jump(deep)

	b.SetBlock(deep)
	x := b.Load(b.LocalAddr(outerObj), ir.ClassInt, 8, true)
	b.Jump(exit)

	b.SetBlock(exit)
	b.Ret(x)

	b.SetBlock(catch)
	b.Ret(b.Int64Const(0))

	outer := b.Region("outer.live", -1, catch, []ir.BlockID{mid, deep},
		ir.Cleanup{Symbol: "outer_dtor", Local: outerObj})
	b.Region("inner.live", outer, ir.NoBlock, []ir.BlockID{deep},
		ir.Cleanup{Symbol: "inner_dtor", Local: innerObj})

	out := lower(t, b.Finish(), tc, abi.TargetSysV64)
	rec := out.Unwind
	if len(rec.Regions) != 2 {
		t.Fatalf("regions=%d, want 2", len(rec.Regions))
	}

	// Inside the inner region both destructors run, innermost first.
	innerRec := rec.Regions[1]
	chain := rec.Chain(innerRec.Begin)
	if len(chain) != 2 {
		t.Fatalf("chain=%v, want inner then outer", chain)
	}
	if chain[0].Symbol != "inner_dtor" || chain[1].Symbol != "outer_dtor" {
		t.Errorf("chain order=%s,%s, want inner_dtor,outer_dtor", chain[0].Symbol, chain[1].Symbol)
	}

	// In the outer region but outside the inner one, only the outer
	// destructor runs.
	outerRec := rec.Regions[0]
	if outerRec.Begin < innerRec.Begin {
		chain = rec.Chain(outerRec.Begin)
		if len(chain) != 1 || chain[0].Symbol != "outer_dtor" {
			t.Errorf("outer-only chain=%v, want just outer_dtor", chain)
		}
	}

	// The inner scope has no handler of its own, so a throw inside it
	// dispatches to the enclosing catch.
	if innerRec.Handler != -1 {
		t.Errorf("cleanup-only region has handler %d", innerRec.Handler)
	}
	if got, want := rec.Handler(innerRec.Begin), outerRec.Handler; got != want || got < 0 {
		t.Errorf("inner pc dispatches to %d, want outer handler %d", got, want)
	}
}

func TestScopeTableAndFrameRows(t *testing.T) {
	tc := types.NewContext()
	i64 := tc.Int(8, true)
	b := ir.NewFunction("rows", tc, ir.Signature{Params: []types.ID{i64}, Result: i64})
	obj := b.Local("obj", i64)
	body := b.Block()
	exit := b.Block()
	catch := b.Block()
	b.Store(b.LocalAddr(obj), b.Param(0))
	b.Jump(body)
	b.SetBlock(body)
	x := b.Load(b.LocalAddr(obj), ir.ClassInt, 8, true)
	b.Jump(exit)
	b.SetBlock(exit)
	b.Ret(x)
	b.SetBlock(catch)
	b.Ret(b.Param(0))
	b.Region("obj.live", -1, catch, []ir.BlockID{body},
		ir.Cleanup{Symbol: "obj_dtor", Local: obj})

	out := lower(t, b.Finish(), tc, abi.TargetWin64)

	table := out.Unwind.ScopeTable()
	if len(table) != 1 {
		t.Fatalf("scope table rows=%d, want 1", len(table))
	}
	if table[0].Begin >= table[0].End {
		t.Errorf("scope [%d,%d) is empty", table[0].Begin, table[0].End)
	}
	if got, want := table[0].Target, uint32(out.Unwind.Regions[0].Handler); got != want || got == 0 {
		t.Errorf("scope target=%d, want handler entry %d", got, want)
	}

	rows := out.Unwind.FrameRows()
	if len(rows) < 3 {
		t.Fatalf("frame rows=%d, want at least the cfa transitions", len(rows))
	}
	if rows[0].Rule != "cfa=rsp+8" || rows[0].Offset != 0 {
		t.Errorf("row 0=%+v, want cfa=rsp+8 at 0", rows[0])
	}
}

func TestScopeTableOrdersInnerFirst(t *testing.T) {
	tc := types.NewContext()
	i64 := tc.Int(8, true)

	b := ir.NewFunction("scopes", tc, ir.Signature{Params: []types.ID{i64}, Result: i64})
	early := b.Block()
	late := b.Block()
	b.Jump(early)
	b.SetBlock(early)
	x := b.Add(b.Param(0), b.Int64Const(1))
	b.Jump(late)
	b.SetBlock(late)
	b.Ret(x)

	// Declared back-to-front: the late scope first, then an outer/inner
	// pair sharing the early range.
	b.Region("late", -1, ir.NoBlock, []ir.BlockID{late})
	outer := b.Region("early.outer", -1, ir.NoBlock, []ir.BlockID{early})
	b.Region("early.inner", outer, ir.NoBlock, []ir.BlockID{early})

	out := lower(t, b.Finish(), tc, abi.TargetWin64)
	table := out.Unwind.ScopeTable()
	if len(table) != 3 {
		t.Fatalf("scope table rows=%d, want 3", len(table))
	}
	// Begin order wins, and the nested early pair ties on its range, so
	// the deeper scope comes first.
	if got, want := []int32{table[0].Cleanup, table[1].Cleanup, table[2].Cleanup}, []int32{2, 1, 0}; got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("scope order=%v, want %v (inner, outer, late)", got, want)
	}
}
