// Package types resolves semantic C++ type descriptors into the machine
// properties the backend needs: size, alignment, register class, and the
// ABI-specific aggregate classification.
package types

import (
	"fmt"
	"sync"
)

// Kind discriminates type descriptors.
type Kind uint8

const (
	KindVoid Kind = iota
	KindBool
	KindInt
	KindFloat
	KindPointer
	KindRecord
	KindArray
)

// ID indexes a type inside a Context. IDs are only meaningful within the
// Context that issued them.
type ID int32

// Invalid marks a missing type reference.
const Invalid ID = -1

// Field is one member of a record type. Offsets are assigned by the
// resolver when the record is registered.
type Field struct {
	Name   string
	Type   ID
	Offset int64
}

// Type is a semantic type descriptor as handed over by the frontend.
type Type struct {
	Kind        Kind
	Name        string
	Size        int64
	Align       int64
	Signed      bool
	Fields      []Field
	Elem        ID
	Count       int64
	Polymorphic bool
}

// RegClass is the backend register class of a value of some type.
type RegClass uint8

const (
	ClassInteger RegClass = iota
	ClassSSE
	ClassMemory
)

func (c RegClass) String() string {
	switch c {
	case ClassInteger:
		return "integer"
	case ClassSSE:
		return "sse"
	case ClassMemory:
		return "memory"
	}
	return "?"
}

// EightbyteClass is the SysV classification of one 8-byte chunk of a small
// aggregate.
type EightbyteClass uint8

const (
	EightbyteNone EightbyteClass = iota
	EightbyteInteger
	EightbyteSSE
)

// Layout is the resolved machine layout of a type.
type Layout struct {
	Size  int64
	Align int64
	Class RegClass

	// Eightbytes carries the SysV per-chunk classification for aggregates
	// of at most 16 bytes. Empty for scalar types and memory-class
	// aggregates.
	Eightbytes []EightbyteClass

	// FitsInReg reports whether Win64 passes the aggregate by value in a
	// single register (size 1, 2, 4 or 8 bytes).
	FitsInReg bool
}

// Context owns the type table and the layout memoization cache for one
// compilation unit. Multiple function-lowering tasks may resolve layouts
// concurrently; registration must happen before lowering starts.
type Context struct {
	mu    sync.Mutex
	types []Type

	layouts sync.Map // ID -> Layout
}

func NewContext() *Context {
	return &Context{}
}

func (c *Context) register(t Type) ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, t)
	return ID(len(c.types) - 1)
}

// Void registers the void type.
func (c *Context) Void() ID {
	return c.register(Type{Kind: KindVoid})
}

// Bool registers the bool type.
func (c *Context) Bool() ID {
	return c.register(Type{Kind: KindBool, Size: 1, Align: 1})
}

// Int registers an integer type of the given byte size.
func (c *Context) Int(size int64, signed bool) ID {
	return c.register(Type{Kind: KindInt, Size: size, Align: size, Signed: signed})
}

// Float registers a floating-point type of the given byte size (4 or 8).
func (c *Context) Float(size int64) ID {
	return c.register(Type{Kind: KindFloat, Size: size, Align: size})
}

// Pointer registers a pointer type.
func (c *Context) Pointer(elem ID) ID {
	return c.register(Type{Kind: KindPointer, Size: 8, Align: 8, Elem: elem})
}

// Array registers an array type.
func (c *Context) Array(elem ID, count int64) ID {
	t := Type{Kind: KindArray, Elem: elem, Count: count}
	if el, err := c.Get(elem); err == nil {
		t.Size = el.Size * count
		t.Align = el.Align
	}
	return c.register(t)
}

// Record registers a record (struct/class) type, assigning field offsets
// and the record's size and alignment. Polymorphic records reserve the
// vtable pointer as their first word.
func (c *Context) Record(name string, polymorphic bool, fields ...Field) ID {
	var offset, align int64 = 0, 1
	if polymorphic {
		offset, align = 8, 8
	}
	out := make([]Field, len(fields))
	for i, f := range fields {
		ft, err := c.Get(f.Type)
		if err != nil {
			continue
		}
		fa := ft.Align
		if fa < 1 {
			fa = 1
		}
		offset = alignTo(offset, fa)
		out[i] = Field{Name: f.Name, Type: f.Type, Offset: offset}
		offset += ft.Size
		if fa > align {
			align = fa
		}
	}
	return c.register(Type{
		Kind:        KindRecord,
		Name:        name,
		Size:        alignTo(offset, align),
		Align:       align,
		Fields:      out,
		Polymorphic: polymorphic,
	})
}

// Get returns the descriptor for id.
func (c *Context) Get(id ID) (Type, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || int(id) >= len(c.types) {
		return Type{}, fmt.Errorf("types: unknown type id %d", id)
	}
	return c.types[id], nil
}

// Layout resolves the machine layout of id. Results are memoized for the
// lifetime of the Context with an insert-once-per-key discipline, so
// concurrent resolution is safe.
func (c *Context) Layout(id ID) (Layout, error) {
	if cached, ok := c.layouts.Load(id); ok {
		return cached.(Layout), nil
	}
	layout, err := c.computeLayout(id)
	if err != nil {
		return Layout{}, err
	}
	actual, _ := c.layouts.LoadOrStore(id, layout)
	return actual.(Layout), nil
}

func (c *Context) computeLayout(id ID) (Layout, error) {
	t, err := c.Get(id)
	if err != nil {
		return Layout{}, err
	}
	switch t.Kind {
	case KindVoid:
		return Layout{}, nil
	case KindBool, KindInt, KindPointer:
		if t.Size <= 0 || t.Size > 8 {
			return Layout{}, fmt.Errorf("types: malformed scalar descriptor %q (size %d)", t.Name, t.Size)
		}
		return Layout{Size: t.Size, Align: t.Align, Class: ClassInteger}, nil
	case KindFloat:
		if t.Size != 4 && t.Size != 8 {
			return Layout{}, fmt.Errorf("types: unsupported float width %d", t.Size)
		}
		return Layout{Size: t.Size, Align: t.Align, Class: ClassSSE}, nil
	case KindRecord, KindArray:
		return c.aggregateLayout(t)
	default:
		return Layout{}, fmt.Errorf("types: unknown kind %d", t.Kind)
	}
}

func (c *Context) aggregateLayout(t Type) (Layout, error) {
	if t.Size < 0 {
		return Layout{}, fmt.Errorf("types: malformed aggregate descriptor %q", t.Name)
	}
	layout := Layout{
		Size:      t.Size,
		Align:     t.Align,
		Class:     ClassMemory,
		FitsInReg: winFitsInReg(t.Size),
	}
	if t.Size > 16 {
		return layout, nil
	}

	chunks := make([]EightbyteClass, (t.Size+7)/8)
	if err := c.classifyEightbytes(t, 0, chunks); err != nil {
		return Layout{}, err
	}
	for i, cls := range chunks {
		if cls == EightbyteNone {
			chunks[i] = EightbyteSSE
		}
	}
	layout.Eightbytes = chunks
	return layout, nil
}

// classifyEightbytes implements the SysV merge rules for the subset of
// types the backend handles: INTEGER beats SSE within a chunk.
func (c *Context) classifyEightbytes(t Type, base int64, chunks []EightbyteClass) error {
	mark := func(offset, size int64, cls EightbyteClass) {
		for i := offset / 8; i <= (offset+size-1)/8 && int(i) < len(chunks); i++ {
			if cls == EightbyteInteger || chunks[i] == EightbyteNone {
				chunks[i] = cls
			}
		}
	}

	switch t.Kind {
	case KindBool, KindInt, KindPointer:
		mark(base, t.Size, EightbyteInteger)
		return nil
	case KindFloat:
		mark(base, t.Size, EightbyteSSE)
		return nil
	case KindRecord:
		if t.Polymorphic {
			mark(base, 8, EightbyteInteger)
		}
		for _, f := range t.Fields {
			ft, err := c.Get(f.Type)
			if err != nil {
				return err
			}
			if err := c.classifyEightbytes(ft, base+f.Offset, chunks); err != nil {
				return err
			}
		}
		return nil
	case KindArray:
		el, err := c.Get(t.Elem)
		if err != nil {
			return err
		}
		for i := int64(0); i < t.Count; i++ {
			if err := c.classifyEightbytes(el, base+i*el.Size, chunks); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("types: cannot classify kind %d", t.Kind)
	}
}

func winFitsInReg(size int64) bool {
	switch size {
	case 1, 2, 4, 8:
		return true
	}
	return false
}

func alignTo(value, boundary int64) int64 {
	if boundary <= 0 {
		return value
	}
	mask := boundary - 1
	return (value + mask) &^ mask
}
