package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vireo-cc/vireo/internal/asm"
)

// Context accumulates encoded instructions for one function and resolves
// label-relative jumps and calls when finalized.
type Context struct {
	text   []byte
	labels map[asm.Label]int
	jumps  []jumpPatch
	calls  []callPatch
	relocs []asm.SymbolReloc
}

type jumpPatch struct {
	label asm.Label
	pos   int
}

type callPatch struct {
	label asm.Label
	pos   int
}

func NewContext() *Context {
	return &Context{
		labels: make(map[asm.Label]int),
	}
}

func (c *Context) EmitBytes(code []byte) {
	c.text = append(c.text, code...)
}

func (c *Context) Position() int {
	return len(c.text)
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

type jump struct {
	label         asm.Label
	cond          Cond
	unconditional bool
}

// Jump emits an unconditional jump to a function-local label.
func Jump(label asm.Label) asm.Fragment {
	return &jump{label: label, unconditional: true}
}

// Jcc emits a conditional jump to a function-local label.
func Jcc(cond Cond, label asm.Label) asm.Fragment {
	return &jump{label: label, cond: cond}
}

func (j *jump) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("amd64: jump requires amd64 context")
	}
	if j.unconditional {
		ctx.text = append(ctx.text, 0xE9)
	} else {
		ctx.text = append(ctx.text, 0x0F, 0x80+byte(j.cond))
	}
	pos := len(ctx.text)
	ctx.text = append(ctx.text, 0, 0, 0, 0)
	ctx.jumps = append(ctx.jumps, jumpPatch{label: j.label, pos: pos})
	return nil
}

type callLabel struct {
	label asm.Label
}

// Call emits a rel32 call to a function-local label.
func Call(label asm.Label) asm.Fragment {
	return &callLabel{label: label}
}

func (c *callLabel) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("amd64: call requires amd64 context")
	}
	ctx.text = append(ctx.text, 0xE8)
	pos := len(ctx.text)
	ctx.text = append(ctx.text, 0, 0, 0, 0)
	ctx.calls = append(ctx.calls, callPatch{label: c.label, pos: pos})
	return nil
}

type callSymbol struct {
	symbol string
}

// CallSymbol emits a rel32 call to an external symbol. The displacement is
// left zero and recorded as a relocation for the object-file emitter.
func CallSymbol(symbol string) asm.Fragment {
	return &callSymbol{symbol: symbol}
}

func (c *callSymbol) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("amd64: call requires amd64 context")
	}
	if c.symbol == "" {
		return fmt.Errorf("amd64: call to empty symbol")
	}
	ctx.text = append(ctx.text, 0xE8)
	pos := len(ctx.text)
	ctx.text = append(ctx.text, 0, 0, 0, 0)
	ctx.relocs = append(ctx.relocs, asm.SymbolReloc{Offset: pos, Symbol: c.symbol})
	return nil
}

// EmitProgram emits the fragment tree and resolves all label references.
func EmitProgram(fragment asm.Fragment) (asm.Program, error) {
	ctx := NewContext()
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.Finalize()
}

func (c *Context) Finalize() (asm.Program, error) {
	patch := func(label asm.Label, pos int) error {
		target, ok := c.labels[label]
		if !ok {
			return fmt.Errorf("amd64: undefined label %q", label)
		}
		rel := target - (pos + 4)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return fmt.Errorf("amd64: branch to label %q out of range", label)
		}
		binary.LittleEndian.PutUint32(c.text[pos:pos+4], uint32(int32(rel)))
		return nil
	}
	for _, j := range c.jumps {
		if err := patch(j.label, j.pos); err != nil {
			return asm.Program{}, err
		}
	}
	for _, call := range c.calls {
		if err := patch(call.label, call.pos); err != nil {
			return asm.Program{}, err
		}
	}
	return asm.NewProgram(c.text, c.relocs, c.labels), nil
}
