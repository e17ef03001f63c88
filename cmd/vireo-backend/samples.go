package main

import (
	"github.com/vireo-cc/vireo/internal/cpp/types"
	"github.com/vireo-cc/vireo/internal/ir"
)

// buildSamples constructs a handful of representative functions covering
// the interesting lowering paths: scalar arithmetic, control flow, float
// math, aggregate passing, virtual dispatch and varargs.
func buildSamples(tc *types.Context) *ir.Program {
	i64 := tc.Int(8, true)
	i32 := tc.Int(4, true)
	f64 := tc.Float(8)

	point := tc.Record("point", false,
		types.Field{Name: "x", Type: f64},
		types.Field{Name: "y", Type: f64},
	)
	big := tc.Record("matrix3", false,
		types.Field{Name: "m", Type: tc.Array(f64, 9)},
	)
	shape := tc.Record("shape", true,
		types.Field{Name: "tag", Type: i32},
	)
	shapePtr := tc.Pointer(shape)

	var funcs []*ir.Function

	// sum3: plain integer arithmetic through registers.
	{
		b := ir.NewFunction("sum3", tc, ir.Signature{
			Params: []types.ID{i64, i64, i64},
			Result: i64,
		})
		t := b.Add(b.Param(0), b.Param(1))
		b.Ret(b.Add(t, b.Param(2)))
		funcs = append(funcs, b.Finish())
	}

	// clamp: branches and comparisons.
	{
		b := ir.NewFunction("clamp", tc, ir.Signature{
			Params: []types.ID{i64, i64, i64},
			Result: i64,
		})
		lower, upper := b.Block(), b.Block()
		done := b.Block()
		isLow := b.Cmp(ir.CondLt, b.Param(0), b.Param(1))
		b.Branch(isLow, lower, upper)
		b.SetBlock(lower)
		b.Ret(b.Param(1))
		b.SetBlock(upper)
		isHigh := b.Cmp(ir.CondGt, b.Param(0), b.Param(2))
		b.Branch(isHigh, done, done)
		b.SetBlock(done)
		b.Ret(b.Param(0))
		funcs = append(funcs, b.Finish())
	}

	// norm2: float arithmetic over an aggregate parameter, with a local
	// copy carrying a cleanup obligation.
	{
		b := ir.NewFunction("norm2", tc, ir.Signature{
			Params: []types.ID{point},
			Result: f64,
		})
		p := b.Local("p", point)
		addr := b.LocalAddr(p)
		b.CopyMem(addr, b.ValueAddr(b.Param(0)), 16)
		x := b.Load(addr, ir.ClassFloat, 8, false)
		yAddr := b.Add(addr, b.Int64Const(8))
		y := b.Load(yAddr, ir.ClassFloat, 8, false)
		b.Ret(b.Add(b.Mul(x, x), b.Mul(y, y)))
		b.Region("p.live", -1, ir.NoBlock, []ir.BlockID{0}, ir.Cleanup{Symbol: "point_dtor", Local: p})
		funcs = append(funcs, b.Finish())
	}

	// scale: large aggregate in and out, forcing hidden-return lowering.
	{
		b := ir.NewFunction("scale", tc, ir.Signature{
			Params: []types.ID{big, f64},
			Result: big,
		})
		out := b.Call(tc, ir.CallInfo{
			Kind:   ir.CallDirect,
			Symbol: "matrix3_scale",
			Args:   []ir.ValueID{b.Param(0), b.Param(1)},
			Sig: ir.Signature{
				Params: []types.ID{big, f64},
				Result: big,
			},
		})
		b.Ret(out)
		funcs = append(funcs, b.Finish())
	}

	// area: virtual dispatch through a polymorphic object.
	{
		b := ir.NewFunction("area", tc, ir.Signature{
			Params: []types.ID{shapePtr},
			Result: f64,
		})
		r := b.Call(tc, ir.CallInfo{
			Kind:   ir.CallVirtual,
			Slot:   2,
			Target: b.Param(0),
			Args:   []ir.ValueID{b.Param(0)},
			Sig: ir.Signature{
				Params: []types.ID{shapePtr},
				Result: f64,
			},
		})
		b.Ret(r)
		funcs = append(funcs, b.Finish())
	}

	// log_value: variadic call with a float argument.
	{
		charPtr := tc.Pointer(tc.Int(1, true))
		b := ir.NewFunction("log_value", tc, ir.Signature{
			Params: []types.ID{charPtr, f64},
			Result: i32,
		})
		r := b.Call(tc, ir.CallInfo{
			Kind:   ir.CallDirect,
			Symbol: "printf",
			Args:   []ir.ValueID{b.Param(0), b.Param(1)},
			Sig: ir.Signature{
				Params:    []types.ID{charPtr, f64},
				Result:    i32,
				Variadic:  true,
				FixedArgs: 1,
			},
		})
		b.Ret(r)
		funcs = append(funcs, b.Finish())
	}

	return &ir.Program{Types: tc, Funcs: funcs}
}
