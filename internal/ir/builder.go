package ir

import "github.com/vireo-cc/vireo/internal/cpp/types"

// Builder constructs a Function block by block. It is a convenience for
// frontends and tests; the backend consumes the finished Function only.
type Builder struct {
	fn  *Function
	cur BlockID
}

// NewFunction starts a function with the given signature. Parameters get
// one virtual value each, in order, readable via Param.
func NewFunction(name string, tc *types.Context, sig Signature) *Builder {
	fn := &Function{Name: name, Sig: sig}
	b := &Builder{fn: fn, cur: -1}
	for i, pt := range sig.Params {
		id := b.valueForType(tc, pt, "")
		if i < 26 {
			fn.Values[id].Name = string(rune('a' + i))
		}
		fn.Params = append(fn.Params, id)
	}
	b.cur = b.Block()
	return b
}

func (b *Builder) valueForType(tc *types.Context, t types.ID, name string) ValueID {
	v := Value{Name: name, Type: t}
	if layout, err := tc.Layout(t); err == nil {
		switch layout.Class {
		case types.ClassInteger:
			v.Class = ClassInt
			v.Width = uint8(layout.Size)
			if ty, err := tc.Get(t); err == nil {
				v.Signed = ty.Signed
			}
		case types.ClassSSE:
			v.Class = ClassFloat
			v.Width = uint8(layout.Size)
		case types.ClassMemory:
			v.Class = ClassAggregate
		}
	}
	return b.addValue(v)
}

func (b *Builder) addValue(v Value) ValueID {
	b.fn.Values = append(b.fn.Values, v)
	return ValueID(len(b.fn.Values) - 1)
}

// Param returns the virtual value of the i-th parameter.
func (b *Builder) Param(i int) ValueID { return b.fn.Params[i] }

// Block appends an empty block and returns its id without switching to it.
func (b *Builder) Block() BlockID {
	b.fn.Blocks = append(b.fn.Blocks, Block{})
	return BlockID(len(b.fn.Blocks) - 1)
}

// SetBlock makes id the block subsequent instructions append to.
func (b *Builder) SetBlock(id BlockID) { b.cur = id }

// Local declares a stack local of type t.
func (b *Builder) Local(name string, t types.ID) LocalID {
	b.fn.Locals = append(b.fn.Locals, Local{Name: name, Type: t})
	return LocalID(len(b.fn.Locals) - 1)
}

// Region opens a protected region over the given blocks. handler is the
// block an exception dispatched here lands in; NoBlock makes the region
// cleanup-only.
func (b *Builder) Region(name string, parent int, handler BlockID, blocks []BlockID, cleanups ...Cleanup) int {
	b.fn.Regions = append(b.fn.Regions, Region{
		Name: name, Handler: handler, Blocks: blocks, Cleanups: cleanups, Parent: parent,
	})
	return len(b.fn.Regions) - 1
}

func (b *Builder) emit(in Instr) ValueID {
	blk := &b.fn.Blocks[b.cur]
	blk.Instrs = append(blk.Instrs, in)
	return in.Dst
}

func (b *Builder) scalar(class Class, width uint8, signed bool) ValueID {
	return b.addValue(Value{Class: class, Width: width, Signed: signed})
}

// Int64Const materializes a signed 64-bit constant.
func (b *Builder) Int64Const(v int64) ValueID {
	dst := b.scalar(ClassInt, 8, true)
	return b.emit(Instr{Op: OpConst, Dst: dst, A: NoValue, B: NoValue, Imm: v})
}

// IntConst materializes an integer constant of the given width.
func (b *Builder) IntConst(v int64, width uint8, signed bool) ValueID {
	dst := b.scalar(ClassInt, width, signed)
	return b.emit(Instr{Op: OpConst, Dst: dst, A: NoValue, B: NoValue, Imm: v})
}

// FloatConst materializes a float64 constant.
func (b *Builder) FloatConst(v float64) ValueID {
	dst := b.scalar(ClassFloat, 8, false)
	return b.emit(Instr{Op: OpFConst, Dst: dst, A: NoValue, B: NoValue, FImm: v})
}

func (b *Builder) binary(op Op, x, y ValueID) ValueID {
	vx := b.fn.Values[x]
	dst := b.scalar(vx.Class, vx.Width, vx.Signed)
	return b.emit(Instr{Op: op, Dst: dst, A: x, B: y})
}

func (b *Builder) Add(x, y ValueID) ValueID { return b.binary(OpAdd, x, y) }
func (b *Builder) Sub(x, y ValueID) ValueID { return b.binary(OpSub, x, y) }
func (b *Builder) Mul(x, y ValueID) ValueID { return b.binary(OpMul, x, y) }
func (b *Builder) Div(x, y ValueID) ValueID { return b.binary(OpDiv, x, y) }
func (b *Builder) Rem(x, y ValueID) ValueID { return b.binary(OpRem, x, y) }
func (b *Builder) And(x, y ValueID) ValueID { return b.binary(OpAnd, x, y) }
func (b *Builder) Or(x, y ValueID) ValueID  { return b.binary(OpOr, x, y) }
func (b *Builder) Xor(x, y ValueID) ValueID { return b.binary(OpXor, x, y) }
func (b *Builder) Shl(x, y ValueID) ValueID { return b.binary(OpShl, x, y) }
func (b *Builder) Shr(x, y ValueID) ValueID { return b.binary(OpShr, x, y) }

func (b *Builder) Neg(x ValueID) ValueID {
	vx := b.fn.Values[x]
	dst := b.scalar(vx.Class, vx.Width, vx.Signed)
	return b.emit(Instr{Op: OpNeg, Dst: dst, A: x, B: NoValue})
}

func (b *Builder) Not(x ValueID) ValueID {
	vx := b.fn.Values[x]
	dst := b.scalar(vx.Class, vx.Width, vx.Signed)
	return b.emit(Instr{Op: OpNot, Dst: dst, A: x, B: NoValue})
}

// Cmp compares x and y and yields a one-byte boolean.
func (b *Builder) Cmp(cond Cond, x, y ValueID) ValueID {
	dst := b.scalar(ClassInt, 1, false)
	return b.emit(Instr{Op: OpCmp, Dst: dst, A: x, B: y, Cond: cond})
}

// Extend widens x to the given width, sign- or zero-extending per signed.
func (b *Builder) Extend(x ValueID, width uint8, signed bool) ValueID {
	dst := b.scalar(ClassInt, width, signed)
	return b.emit(Instr{Op: OpExtend, Dst: dst, A: x, B: NoValue})
}

// Trunc narrows x to the given width.
func (b *Builder) Trunc(x ValueID, width uint8) ValueID {
	vx := b.fn.Values[x]
	dst := b.scalar(ClassInt, width, vx.Signed)
	return b.emit(Instr{Op: OpTrunc, Dst: dst, A: x, B: NoValue})
}

// Convert moves x between the integer and float register files.
func (b *Builder) Convert(x ValueID, class Class, width uint8) ValueID {
	dst := b.scalar(class, width, class == ClassInt)
	return b.emit(Instr{Op: OpConvert, Dst: dst, A: x, B: NoValue})
}

// Copy yields a fresh value holding x.
func (b *Builder) Copy(x ValueID) ValueID {
	vx := b.fn.Values[x]
	dst := b.scalar(vx.Class, vx.Width, vx.Signed)
	return b.emit(Instr{Op: OpCopy, Dst: dst, A: x, B: NoValue})
}

// LocalAddr yields the address of a stack local.
func (b *Builder) LocalAddr(l LocalID) ValueID {
	dst := b.scalar(ClassInt, 8, false)
	return b.emit(Instr{Op: OpLocalAddr, Dst: dst, A: NoValue, B: NoValue, Local: l})
}

// ValueAddr yields the address of a memory-resident (aggregate) value.
func (b *Builder) ValueAddr(v ValueID) ValueID {
	dst := b.scalar(ClassInt, 8, false)
	return b.emit(Instr{Op: OpValueAddr, Dst: dst, A: v, B: NoValue})
}

// Load reads a scalar of the given width from the address in addr.
func (b *Builder) Load(addr ValueID, class Class, width uint8, signed bool) ValueID {
	dst := b.scalar(class, width, signed)
	return b.emit(Instr{Op: OpLoad, Dst: dst, A: addr, B: NoValue})
}

// Store writes the scalar v to the address in addr.
func (b *Builder) Store(addr, v ValueID) {
	b.emit(Instr{Op: OpStore, Dst: NoValue, A: addr, B: v})
}

// CopyMem copies size bytes from the address in src to the address in dst.
func (b *Builder) CopyMem(dst, src ValueID, size int64) {
	b.emit(Instr{Op: OpCopyMem, Dst: NoValue, A: dst, B: src, Size: size})
}

// Aggregate declares an aggregate-class value backed by a local of type t.
func (b *Builder) Aggregate(t types.ID) ValueID {
	return b.addValue(Value{Class: ClassAggregate, Type: t})
}

// Call emits a call described by info. When the callee returns a value,
// the result id is returned; void calls return NoValue.
func (b *Builder) Call(tc *types.Context, info CallInfo) ValueID {
	dst := NoValue
	if info.Sig.Result != types.Invalid {
		if layout, err := tc.Layout(info.Sig.Result); err == nil && layout.Size > 0 {
			dst = b.valueForType(tc, info.Sig.Result, "")
		}
	}
	b.emit(Instr{Op: OpCall, Dst: dst, A: NoValue, B: NoValue, Call: &info})
	return dst
}

// Ret terminates the current block with a return.
func (b *Builder) Ret(v ValueID) {
	b.fn.Blocks[b.cur].Term = Terminator{Kind: TermRet, Value: v, CondValue: NoValue}
}

// Jump terminates the current block with an unconditional jump.
func (b *Builder) Jump(target BlockID) {
	b.fn.Blocks[b.cur].Term = Terminator{Kind: TermJump, Value: NoValue, CondValue: NoValue, Target: target}
}

// Branch terminates the current block: to target when cond is non-zero,
// to els otherwise.
func (b *Builder) Branch(cond ValueID, target, els BlockID) {
	b.fn.Blocks[b.cur].Term = Terminator{Kind: TermBranch, Value: NoValue, CondValue: cond, Target: target, Else: els}
}

// Unreachable terminates the current block without successors.
func (b *Builder) Unreachable() {
	b.fn.Blocks[b.cur].Term = Terminator{Kind: TermUnreachable, Value: NoValue, CondValue: NoValue}
}

// Finish returns the built function.
func (b *Builder) Finish() *Function { return b.fn }
