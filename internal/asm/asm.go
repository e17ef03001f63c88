// Package asm provides architecture-neutral building blocks for emitting
// machine code: fragments that append encoded bytes to a context, labels
// resolved at finalize time, and the finished per-function Program handed
// to the object-file emitter.
package asm

import "fmt"

// Fragment is a unit of machine code. Emitting a fragment appends zero or
// more encoded instructions to the context.
type Fragment interface {
	Emit(ctx Context) error
}

// Group emits its fragments in order.
type Group []Fragment

var _ Fragment = Group{}

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Label names a position inside a function. Labels are function-local;
// cross-function references go through symbol relocations instead.
type Label string

// Context receives encoded bytes and resolves labels while a fragment
// tree is being emitted.
type Context interface {
	EmitBytes(code []byte)

	// Position reports the current offset from the function origin.
	Position() int

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type labelDef struct {
	label Label
}

// MarkLabel binds the label to the current emission position.
func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("asm: label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// SymbolReloc records a rel32 reference to an external symbol. The offset
// points at the 4-byte displacement field; the displacement is relative to
// the end of that field, matching x86-64 call/jmp encoding.
type SymbolReloc struct {
	Offset int
	Symbol string
}

// Program is the finished machine code of one function. Positions are
// relative to the function-local origin.
type Program struct {
	code   []byte
	relocs []SymbolReloc
	labels map[Label]int
}

func NewProgram(code []byte, relocs []SymbolReloc, labels map[Label]int) Program {
	lcopy := make(map[Label]int, len(labels))
	for k, v := range labels {
		lcopy[k] = v
	}
	return Program{
		code:   append([]byte(nil), code...),
		relocs: append([]SymbolReloc(nil), relocs...),
		labels: lcopy,
	}
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int {
	return len(p.code)
}

func (p Program) Relocations() []SymbolReloc {
	return append([]SymbolReloc(nil), p.relocs...)
}

// LabelOffset reports the function-local offset a label resolved to.
func (p Program) LabelOffset(label Label) (int, bool) {
	off, ok := p.labels[label]
	return off, ok
}

func (p Program) Clone() Program {
	return NewProgram(p.code, p.relocs, p.labels)
}
