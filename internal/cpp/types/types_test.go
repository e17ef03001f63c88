package types

import (
	"sync"
	"testing"
)

func TestScalarLayouts(t *testing.T) {
	tc := NewContext()

	tests := []struct {
		name  string
		id    ID
		size  int64
		align int64
		class RegClass
	}{
		{"bool", tc.Bool(), 1, 1, ClassInteger},
		{"int32", tc.Int(4, true), 4, 4, ClassInteger},
		{"uint64", tc.Int(8, false), 8, 8, ClassInteger},
		{"float", tc.Float(4), 4, 4, ClassSSE},
		{"double", tc.Float(8), 8, 8, ClassSSE},
		{"pointer", tc.Pointer(tc.Void()), 8, 8, ClassInteger},
	}

	for _, tt := range tests {
		layout, err := tc.Layout(tt.id)
		if err != nil {
			t.Fatalf("%s: Layout failed: %v", tt.name, err)
		}
		if layout.Size != tt.size || layout.Align != tt.align {
			t.Errorf("%s: size/align=%d/%d, want %d/%d", tt.name, layout.Size, layout.Align, tt.size, tt.align)
		}
		if layout.Class != tt.class {
			t.Errorf("%s: class=%v, want %v", tt.name, layout.Class, tt.class)
		}
	}
}

func TestRecordFieldOffsets(t *testing.T) {
	tc := NewContext()
	i8 := tc.Int(1, true)
	i32 := tc.Int(4, true)
	f64 := tc.Float(8)

	// struct { char a; int b; double c; } -> offsets 0, 4, 8; size 16.
	rec := tc.Record("mixed", false,
		Field{Name: "a", Type: i8},
		Field{Name: "b", Type: i32},
		Field{Name: "c", Type: f64},
	)

	desc, err := tc.Get(rec)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	wantOffsets := []int64{0, 4, 8}
	for i, f := range desc.Fields {
		if f.Offset != wantOffsets[i] {
			t.Errorf("field %s offset=%d, want %d", f.Name, f.Offset, wantOffsets[i])
		}
	}
	if desc.Size != 16 || desc.Align != 8 {
		t.Errorf("record size/align=%d/%d, want 16/8", desc.Size, desc.Align)
	}
}

func TestTailPadding(t *testing.T) {
	tc := NewContext()
	i32 := tc.Int(4, true)
	i8 := tc.Int(1, true)

	// struct { int a; char b; } pads out to 8 bytes.
	rec := tc.Record("padded", false,
		Field{Name: "a", Type: i32},
		Field{Name: "b", Type: i8},
	)
	desc, err := tc.Get(rec)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if desc.Size != 8 || desc.Align != 4 {
		t.Errorf("size/align=%d/%d, want 8/4", desc.Size, desc.Align)
	}
}

func TestPolymorphicRecordReservesVptr(t *testing.T) {
	tc := NewContext()
	f64 := tc.Float(8)

	shape := tc.Record("shape", true, Field{Name: "area", Type: f64})
	desc, err := tc.Get(shape)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if desc.Fields[0].Offset != 8 {
		t.Errorf("first field offset=%d, want 8 (after vptr)", desc.Fields[0].Offset)
	}
	if desc.Size != 16 || desc.Align != 8 {
		t.Errorf("size/align=%d/%d, want 16/8", desc.Size, desc.Align)
	}

	layout, err := tc.Layout(shape)
	if err != nil {
		t.Fatalf("Layout failed: %v", err)
	}
	// The vptr word classifies INTEGER, the double SSE.
	want := []EightbyteClass{EightbyteInteger, EightbyteSSE}
	if len(layout.Eightbytes) != len(want) {
		t.Fatalf("eightbytes=%v, want %v", layout.Eightbytes, want)
	}
	for i := range want {
		if layout.Eightbytes[i] != want[i] {
			t.Fatalf("eightbytes=%v, want %v", layout.Eightbytes, want)
		}
	}
}

func TestEightbyteClassification(t *testing.T) {
	tc := NewContext()
	i32 := tc.Int(4, true)
	f32 := tc.Float(4)
	f64 := tc.Float(8)

	tests := []struct {
		name string
		id   ID
		want []EightbyteClass
	}{
		{
			// struct { int; int; int; } -> one INTEGER chunk, one partial.
			name: "three_ints",
			id: tc.Record("three_ints", false,
				Field{Type: i32}, Field{Type: i32}, Field{Type: i32}),
			want: []EightbyteClass{EightbyteInteger, EightbyteInteger},
		},
		{
			// struct { double; double; } -> both SSE.
			name: "point",
			id: tc.Record("point", false,
				Field{Type: f64}, Field{Type: f64}),
			want: []EightbyteClass{EightbyteSSE, EightbyteSSE},
		},
		{
			// struct { float; int; } -> INTEGER wins the shared chunk.
			name: "float_int",
			id: tc.Record("float_int", false,
				Field{Type: f32}, Field{Type: i32}),
			want: []EightbyteClass{EightbyteInteger},
		},
		{
			// struct { float; float; } -> SSE.
			name: "vec2",
			id: tc.Record("vec2", false,
				Field{Type: f32}, Field{Type: f32}),
			want: []EightbyteClass{EightbyteSSE},
		},
		{
			// float[4] -> two SSE chunks.
			name: "float_array",
			id:   tc.Array(f32, 4),
			want: []EightbyteClass{EightbyteSSE, EightbyteSSE},
		},
	}

	for _, tt := range tests {
		layout, err := tc.Layout(tt.id)
		if err != nil {
			t.Fatalf("%s: Layout failed: %v", tt.name, err)
		}
		if len(layout.Eightbytes) != len(tt.want) {
			t.Errorf("%s: eightbytes=%v, want %v", tt.name, layout.Eightbytes, tt.want)
			continue
		}
		for i := range tt.want {
			if layout.Eightbytes[i] != tt.want[i] {
				t.Errorf("%s: eightbytes=%v, want %v", tt.name, layout.Eightbytes, tt.want)
				break
			}
		}
	}
}

func TestLargeAggregateIsMemoryClass(t *testing.T) {
	tc := NewContext()
	f64 := tc.Float(8)
	mat := tc.Array(f64, 9)

	layout, err := tc.Layout(mat)
	if err != nil {
		t.Fatalf("Layout failed: %v", err)
	}
	if layout.Size != 72 {
		t.Errorf("size=%d, want 72", layout.Size)
	}
	if layout.Class != ClassMemory {
		t.Errorf("class=%v, want %v", layout.Class, ClassMemory)
	}
	if layout.Eightbytes != nil {
		t.Errorf("eightbytes=%v, want none for >16-byte aggregate", layout.Eightbytes)
	}
	if layout.FitsInReg {
		t.Error("72-byte aggregate reported as fitting in a register")
	}
}

func TestWinFitsInReg(t *testing.T) {
	tc := NewContext()
	i32 := tc.Int(4, true)

	fits := tc.Record("pair16", false, Field{Type: i32}, Field{Type: i32})
	layout, err := tc.Layout(fits)
	if err != nil {
		t.Fatalf("Layout failed: %v", err)
	}
	if !layout.FitsInReg {
		t.Error("8-byte aggregate should fit in a single register")
	}

	odd := tc.Record("triple", false, Field{Type: i32}, Field{Type: i32}, Field{Type: i32})
	layout, err = tc.Layout(odd)
	if err != nil {
		t.Fatalf("Layout failed: %v", err)
	}
	if layout.FitsInReg {
		t.Error("12-byte aggregate should not fit in a single register")
	}
}

func TestMalformedScalarRejected(t *testing.T) {
	tc := NewContext()
	bad := tc.Int(0, true)
	if _, err := tc.Layout(bad); err == nil {
		t.Fatal("expected error for zero-sized integer")
	}
	if _, err := tc.Layout(ID(9999)); err == nil {
		t.Fatal("expected error for unknown type id")
	}
	huge := tc.Int(16, false)
	if _, err := tc.Layout(huge); err == nil {
		t.Fatal("expected error for 16-byte integer")
	}
}

func TestConcurrentLayoutResolution(t *testing.T) {
	tc := NewContext()
	f64 := tc.Float(8)
	rec := tc.Record("point", false, Field{Type: f64}, Field{Type: f64})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			layout, err := tc.Layout(rec)
			if err != nil {
				t.Errorf("Layout failed: %v", err)
				return
			}
			if layout.Size != 16 {
				t.Errorf("size=%d, want 16", layout.Size)
			}
		}()
	}
	wg.Wait()
}
