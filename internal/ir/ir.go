// Package ir defines the backend's input form: functions made of basic
// blocks over an arena of virtual values. The frontend (or a test) builds
// this form; the backend never mutates it.
package ir

import (
	"fmt"

	"github.com/vireo-cc/vireo/internal/cpp/types"
)

// ValueID indexes a virtual value inside its function's arena.
type ValueID int32

// NoValue marks an absent operand or result.
const NoValue ValueID = -1

// Class places a value in a register file.
type Class uint8

const (
	ClassInt Class = iota
	ClassFloat
	ClassAggregate
)

func (c Class) String() string {
	switch c {
	case ClassInt:
		return "int"
	case ClassFloat:
		return "float"
	case ClassAggregate:
		return "aggregate"
	}
	return "?"
}

// Value is one virtual value. Scalars carry their width in bytes;
// aggregates carry a type reference and always live in memory.
type Value struct {
	Class  Class
	Width  uint8
	Signed bool
	Type   types.ID
	Name   string
}

// Op enumerates instruction opcodes. Arithmetic ops apply to both integer
// and float values; the operand class selects the instruction form.
type Op uint8

const (
	OpNop Op = iota
	OpConst
	OpFConst
	OpCopy
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpNeg
	OpNot
	OpCmp
	OpExtend
	OpTrunc
	OpConvert
	OpLoad
	OpStore
	OpLocalAddr
	OpValueAddr
	OpCopyMem
	OpCall
)

var opNames = [...]string{
	"nop", "const", "fconst", "copy", "add", "sub", "mul", "div", "rem",
	"and", "or", "xor", "shl", "shr", "neg", "not", "cmp", "extend",
	"trunc", "convert", "load", "store", "localaddr", "valueaddr",
	"copymem", "call",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op%d", uint8(op))
}

// Cond is a comparison predicate. Signedness comes from the compared
// values, not the predicate.
type Cond uint8

const (
	CondEq Cond = iota
	CondNe
	CondLt
	CondLe
	CondGt
	CondGe
)

func (c Cond) String() string {
	return [...]string{"eq", "ne", "lt", "le", "gt", "ge"}[c]
}

// LocalID indexes a named stack local.
type LocalID int32

// Local is an addressable stack object: a user variable, a spilled
// aggregate, or a temporary materialized by the frontend.
type Local struct {
	Name string
	Type types.ID
}

// CallKind distinguishes the call forms the lowerer emits.
type CallKind uint8

const (
	// CallDirect targets a symbol resolved at link time.
	CallDirect CallKind = iota
	// CallVirtual loads the target from the object's vtable.
	CallVirtual
	// CallIndirect calls through a function-pointer value.
	CallIndirect
)

// Signature describes a callable's parameter and result types.
type Signature struct {
	Params   []types.ID
	Result   types.ID
	Variadic bool
	// FixedArgs is the number of named parameters of a variadic callee.
	FixedArgs int
}

// CallInfo carries everything the classifier and lowerer need for one
// call site.
type CallInfo struct {
	Kind   CallKind
	Symbol string  // direct calls
	Slot   int     // virtual calls: vtable slot index
	Target ValueID // virtual: object pointer; indirect: function pointer
	Args   []ValueID
	Sig    Signature
}

// Instr is one non-terminator instruction. Fields beyond Op are used as
// the opcode requires; unused operand fields hold NoValue.
type Instr struct {
	Op    Op
	Dst   ValueID
	A, B  ValueID
	Imm   int64
	FImm  float64
	Cond  Cond
	Local LocalID
	Size  int64 // byte count for copymem
	Call  *CallInfo
}

// BlockID indexes a basic block.
type BlockID int32

// NoBlock marks an absent block reference.
const NoBlock BlockID = -1

// TermKind enumerates block terminators.
type TermKind uint8

const (
	TermRet TermKind = iota
	TermJump
	TermBranch
	TermUnreachable
)

// Terminator ends a block. Branch falls to Else when CondValue is zero.
type Terminator struct {
	Kind      TermKind
	Value     ValueID // return value, or NoValue
	CondValue ValueID
	Target    BlockID
	Else      BlockID
}

// Block is a basic block: straight-line instructions plus a terminator.
type Block struct {
	Instrs []Instr
	Term   Terminator
}

// Cleanup is one action run while unwinding out of a region, typically a
// destructor call on a local.
type Cleanup struct {
	Symbol string
	Local  LocalID
}

// Region is a protected range of blocks with cleanup obligations.
// Regions nest; Parent is the index of the enclosing region or -1.
type Region struct {
	Name   string
	Blocks []BlockID
	// Handler is the block an exception dispatched to this region
	// transfers control to, or NoBlock for a cleanup-only scope whose
	// actions run before unwinding continues outward.
	Handler  BlockID
	Cleanups []Cleanup
	Parent   int
}

// Function is one compilation task. The slices are arenas: IDs index
// directly into them.
type Function struct {
	Name    string
	Sig     Signature
	Params  []ValueID
	Values  []Value
	Locals  []Local
	Blocks  []Block
	Regions []Region
}

// Value returns the descriptor for id.
func (f *Function) Value(id ValueID) Value {
	return f.Values[id]
}

// NumValues returns the size of the value arena.
func (f *Function) NumValues() int { return len(f.Values) }

// Program is one compilation unit: a shared type table plus the functions
// to lower. Functions are independent; the backend processes them in
// parallel.
type Program struct {
	Types *types.Context
	Funcs []*Function
}
