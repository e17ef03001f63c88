package callconv

import (
	"reflect"
	"testing"

	"github.com/vireo-cc/vireo/internal/abi"
	"github.com/vireo-cc/vireo/internal/cpp/types"
	"github.com/vireo-cc/vireo/internal/ir"
)

func mustDesc(t *testing.T, target abi.Target) *abi.Descriptor {
	t.Helper()
	desc, err := abi.Lookup(target)
	if err != nil {
		t.Fatalf("Lookup(%s) failed: %v", target, err)
	}
	return desc
}

func argRegs(c *Classification) []abi.Reg {
	var out []abi.Reg
	for _, a := range c.Args {
		for i := 0; i < a.NumRegs; i++ {
			out = append(out, a.Regs[i])
		}
	}
	return out
}

// int f(int, int, int, int, int, int): Win64 places four arguments in
// registers and two on the stack; SysV places all six in registers.
func TestSixIntArgs(t *testing.T) {
	tc := types.NewContext()
	i32 := tc.Int(4, true)
	sig := ir.Signature{
		Params: []types.ID{i32, i32, i32, i32, i32, i32},
		Result: i32,
	}

	win, err := Classify(mustDesc(t, abi.TargetWin64), tc, sig)
	if err != nil {
		t.Fatalf("Classify(win64) failed: %v", err)
	}
	wantWin := []abi.Reg{abi.RCX, abi.RDX, abi.R8, abi.R9}
	if got := argRegs(win); !reflect.DeepEqual(got, wantWin) {
		t.Errorf("win64 arg regs=%v, want %v", got, wantWin)
	}
	for i := 4; i < 6; i++ {
		if win.Args[i].Kind != LocStack {
			t.Errorf("win64 arg %d kind=%v, want stack", i, win.Args[i].Kind)
		}
	}
	if got, want := win.Args[4].StackOffset, int64(0); got != want {
		t.Errorf("win64 arg 4 stack offset=%d, want %d", got, want)
	}
	if got, want := win.Args[5].StackOffset, int64(8); got != want {
		t.Errorf("win64 arg 5 stack offset=%d, want %d", got, want)
	}
	if got, want := win.ShadowBytes, int64(32); got != want {
		t.Errorf("win64 shadow bytes=%d, want %d", got, want)
	}

	sysv, err := Classify(mustDesc(t, abi.TargetSysV64), tc, sig)
	if err != nil {
		t.Fatalf("Classify(sysv64) failed: %v", err)
	}
	wantSysv := []abi.Reg{abi.RDI, abi.RSI, abi.RDX, abi.RCX, abi.R8, abi.R9}
	if got := argRegs(sysv); !reflect.DeepEqual(got, wantSysv) {
		t.Errorf("sysv64 arg regs=%v, want %v", got, wantSysv)
	}
	if sysv.StackBytes != 0 {
		t.Errorf("sysv64 stack bytes=%d, want 0", sysv.StackBytes)
	}
	if sysv.Ret.Regs[0] != abi.RAX {
		t.Errorf("sysv64 int result reg=%v, want rax", sysv.Ret.Regs[0])
	}
}

// Win64 numbers the two register files together: an int after a float
// skips the float's slot.
func TestWin64SharedSlots(t *testing.T) {
	tc := types.NewContext()
	i64 := tc.Int(8, true)
	f64 := tc.Float(8)
	sig := ir.Signature{
		Params: []types.ID{i64, f64, i64, f64},
		Result: types.Invalid,
	}

	c, err := Classify(mustDesc(t, abi.TargetWin64), tc, sig)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	want := []abi.Reg{abi.RCX, abi.XMM1, abi.R8, abi.XMM3}
	if got := argRegs(c); !reflect.DeepEqual(got, want) {
		t.Errorf("arg regs=%v, want %v", got, want)
	}
}

// SysV advances the int and float cursors independently.
func TestSysVIndependentCursors(t *testing.T) {
	tc := types.NewContext()
	i64 := tc.Int(8, true)
	f64 := tc.Float(8)
	sig := ir.Signature{
		Params: []types.ID{i64, f64, i64, f64},
		Result: types.Invalid,
	}

	c, err := Classify(mustDesc(t, abi.TargetSysV64), tc, sig)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	want := []abi.Reg{abi.RDI, abi.XMM0, abi.RSI, abi.XMM1}
	if got := argRegs(c); !reflect.DeepEqual(got, want) {
		t.Errorf("arg regs=%v, want %v", got, want)
	}
}

// A 12-byte aggregate of three ints returns packed across RAX:RDX on
// SysV rather than through a hidden pointer.
func TestSysVSmallAggregateReturn(t *testing.T) {
	tc := types.NewContext()
	i32 := tc.Int(4, true)
	triple := tc.Record("triple", false,
		types.Field{Name: "x", Type: i32},
		types.Field{Name: "y", Type: i32},
		types.Field{Name: "z", Type: i32},
	)
	sig := ir.Signature{Result: triple}

	c, err := Classify(mustDesc(t, abi.TargetSysV64), tc, sig)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if c.HiddenRetPtr {
		t.Fatal("12-byte aggregate must not use a hidden return pointer on sysv64")
	}
	if c.Ret.Kind != LocRegPair || c.Ret.NumRegs != 2 {
		t.Fatalf("result kind=%v regs=%d, want register pair", c.Ret.Kind, c.Ret.NumRegs)
	}
	if c.Ret.Regs[0] != abi.RAX || c.Ret.Regs[1] != abi.RDX {
		t.Errorf("result regs=%v:%v, want rax:rdx", c.Ret.Regs[0], c.Ret.Regs[1])
	}
}

// A struct of two doubles returns in XMM0:XMM1 on SysV.
func TestSysVFloatPairReturn(t *testing.T) {
	tc := types.NewContext()
	f64 := tc.Float(8)
	point := tc.Record("point", false,
		types.Field{Name: "x", Type: f64},
		types.Field{Name: "y", Type: f64},
	)

	c, err := Classify(mustDesc(t, abi.TargetSysV64), tc, ir.Signature{Result: point})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if c.HiddenRetPtr {
		t.Fatal("16-byte float aggregate must not use a hidden return pointer")
	}
	if c.Ret.Regs[0] != abi.XMM0 || c.Ret.Regs[1] != abi.XMM1 {
		t.Errorf("result regs=%v:%v, want xmm0:xmm1", c.Ret.Regs[0], c.Ret.Regs[1])
	}
}

func TestHiddenReturnPointer(t *testing.T) {
	tc := types.NewContext()
	f64 := tc.Float(8)
	i64 := tc.Int(8, true)
	mat := tc.Array(f64, 9) // 72 bytes

	for _, target := range []abi.Target{abi.TargetWin64, abi.TargetSysV64} {
		sig := ir.Signature{Params: []types.ID{i64}, Result: mat}
		c, err := Classify(mustDesc(t, target), tc, sig)
		if err != nil {
			t.Fatalf("%s: Classify failed: %v", target, err)
		}
		if !c.HiddenRetPtr {
			t.Fatalf("%s: 72-byte result must use a hidden return pointer", target)
		}
		// The pointer consumes the first integer slot and shifts the
		// named argument over.
		desc := mustDesc(t, target)
		if got, want := c.HiddenRet.Regs[0], desc.IntArgRegs[0]; got != want {
			t.Errorf("%s: hidden pointer reg=%v, want %v", target, got, want)
		}
		if got, want := c.Args[0].Regs[0], desc.IntArgRegs[1]; got != want {
			t.Errorf("%s: first named arg reg=%v, want %v", target, got, want)
		}
		// The callee echoes the pointer in RAX.
		if c.Ret.Regs[0] != abi.RAX {
			t.Errorf("%s: result echo reg=%v, want rax", target, c.Ret.Regs[0])
		}
	}
}

// Win64 passes an aggregate of size 1, 2, 4 or 8 by value in an integer
// register; anything else goes through a caller-side temporary.
func TestWin64AggregateArgs(t *testing.T) {
	tc := types.NewContext()
	i32 := tc.Int(4, true)
	pair := tc.Record("pair", false,
		types.Field{Name: "a", Type: i32},
		types.Field{Name: "b", Type: i32},
	) // 8 bytes
	triple := tc.Record("triple", false,
		types.Field{Name: "a", Type: i32},
		types.Field{Name: "b", Type: i32},
		types.Field{Name: "c", Type: i32},
	) // 12 bytes

	sig := ir.Signature{Params: []types.ID{pair, triple}, Result: types.Invalid}
	c, err := Classify(mustDesc(t, abi.TargetWin64), tc, sig)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if c.Args[0].Kind != LocReg || c.Args[0].Regs[0] != abi.RCX {
		t.Errorf("8-byte aggregate: kind=%v reg=%v, want reg rcx", c.Args[0].Kind, c.Args[0].Regs[0])
	}
	if c.Args[1].Kind != LocIndirect || c.Args[1].Regs[0] != abi.RDX {
		t.Errorf("12-byte aggregate: kind=%v reg=%v, want indirect rdx", c.Args[1].Kind, c.Args[1].Regs[0])
	}
}

// SysV passes a 16-byte mixed aggregate in one integer and one float
// register; when registers run out the whole value goes to the stack.
func TestSysVAggregateArgs(t *testing.T) {
	tc := types.NewContext()
	i64 := tc.Int(8, true)
	f64 := tc.Float(8)
	mixed := tc.Record("mixed", false,
		types.Field{Name: "n", Type: i64},
		types.Field{Name: "x", Type: f64},
	)

	c, err := Classify(mustDesc(t, abi.TargetSysV64), tc,
		ir.Signature{Params: []types.ID{mixed}, Result: types.Invalid})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if c.Args[0].Kind != LocRegPair {
		t.Fatalf("kind=%v, want regpair", c.Args[0].Kind)
	}
	if c.Args[0].Regs[0] != abi.RDI || c.Args[0].Regs[1] != abi.XMM0 {
		t.Errorf("regs=%v:%v, want rdi:xmm0", c.Args[0].Regs[0], c.Args[0].Regs[1])
	}

	// Exhaust the integer registers: the next mixed aggregate cannot get
	// its integer eightbyte, so the whole value moves to the stack.
	sig := ir.Signature{
		Params: []types.ID{i64, i64, i64, i64, i64, i64, mixed},
		Result: types.Invalid,
	}
	c, err = Classify(mustDesc(t, abi.TargetSysV64), tc, sig)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if c.Args[6].Kind != LocStack {
		t.Errorf("kind=%v, want stack (all-or-nothing rule)", c.Args[6].Kind)
	}
	if got, want := c.Args[6].Size, int64(16); got != want {
		t.Errorf("stack size=%d, want %d", got, want)
	}
}

// Win64 varargs duplicate float arguments into the slot's integer
// register so the callee can spill everything through the int file.
func TestWin64VarargFloatMirror(t *testing.T) {
	tc := types.NewContext()
	ptr := tc.Pointer(tc.Int(1, true))
	f64 := tc.Float(8)
	sig := ir.Signature{
		Params:    []types.ID{ptr, f64},
		Result:    types.Invalid,
		Variadic:  true,
		FixedArgs: 1,
	}

	c, err := Classify(mustDesc(t, abi.TargetWin64), tc, sig)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if c.Args[1].Regs[0] != abi.XMM1 {
		t.Errorf("float arg reg=%v, want xmm1", c.Args[1].Regs[0])
	}
	if !c.Args[1].HasMirror || c.Args[1].MirrorReg != abi.RDX {
		t.Errorf("mirror=%v/%v, want rdx", c.Args[1].HasMirror, c.Args[1].MirrorReg)
	}
	if c.SetVectorCount {
		t.Error("win64 must not request an AL vector count")
	}

	// A named float argument of a variadic function is not mirrored.
	sig.FixedArgs = 2
	c, err = Classify(mustDesc(t, abi.TargetWin64), tc, sig)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if c.Args[1].HasMirror {
		t.Error("named float argument must not be mirrored")
	}
}

// SysV varargs calls report the number of vector registers used so the
// lowerer can load it into AL.
func TestSysVVectorCount(t *testing.T) {
	tc := types.NewContext()
	ptr := tc.Pointer(tc.Int(1, true))
	f64 := tc.Float(8)
	i64 := tc.Int(8, true)
	sig := ir.Signature{
		Params:    []types.ID{ptr, f64, i64, f64},
		Result:    types.Invalid,
		Variadic:  true,
		FixedArgs: 1,
	}

	c, err := Classify(mustDesc(t, abi.TargetSysV64), tc, sig)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if !c.SetVectorCount {
		t.Fatal("sysv64 varargs call must set the vector count")
	}
	if got, want := c.VectorCount, 2; got != want {
		t.Errorf("vector count=%d, want %d", got, want)
	}
}

func TestStackOverflowArgs(t *testing.T) {
	tc := types.NewContext()
	f64 := tc.Float(8)

	// Ten doubles on SysV: eight in XMM0-7, two on the stack.
	params := make([]types.ID, 10)
	for i := range params {
		params[i] = f64
	}
	c, err := Classify(mustDesc(t, abi.TargetSysV64), tc,
		ir.Signature{Params: params, Result: types.Invalid})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	for i := 0; i < 8; i++ {
		if c.Args[i].Kind != LocReg {
			t.Fatalf("arg %d kind=%v, want reg", i, c.Args[i].Kind)
		}
	}
	if c.Args[8].Kind != LocStack || c.Args[8].StackOffset != 0 {
		t.Errorf("arg 8: kind=%v offset=%d, want stack 0", c.Args[8].Kind, c.Args[8].StackOffset)
	}
	if c.Args[9].Kind != LocStack || c.Args[9].StackOffset != 8 {
		t.Errorf("arg 9: kind=%v offset=%d, want stack 8", c.Args[9].Kind, c.Args[9].StackOffset)
	}
	if got, want := c.StackBytes, int64(16); got != want {
		t.Errorf("stack bytes=%d, want %d", got, want)
	}
}

// Classification is a pure function of the descriptor and signature.
func TestClassifyDeterministic(t *testing.T) {
	tc := types.NewContext()
	i32 := tc.Int(4, true)
	f64 := tc.Float(8)
	triple := tc.Record("triple", false,
		types.Field{Name: "a", Type: i32},
		types.Field{Name: "b", Type: i32},
		types.Field{Name: "c", Type: i32},
	)
	sig := ir.Signature{
		Params: []types.ID{i32, f64, triple, i32, f64},
		Result: triple,
	}

	for _, target := range []abi.Target{abi.TargetWin64, abi.TargetSysV64} {
		desc := mustDesc(t, target)
		first, err := Classify(desc, tc, sig)
		if err != nil {
			t.Fatalf("%s: Classify failed: %v", target, err)
		}
		for i := 0; i < 10; i++ {
			again, err := Classify(desc, tc, sig)
			if err != nil {
				t.Fatalf("%s: Classify failed: %v", target, err)
			}
			if !reflect.DeepEqual(first, again) {
				t.Fatalf("%s: classification differs between runs", target)
			}
		}
	}
}
