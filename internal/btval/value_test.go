package btval

import "testing"

func TestConstructorsRoundtrip(t *testing.T) {
	if v := Nil(); !v.IsNil() {
		t.Fatalf("want Nil() to report IsNil")
	}
	if b, ok := Bool(true).AsBool(); !ok || !b {
		t.Fatalf("want bool true, got %v ok=%v", b, ok)
	}
	if i, ok := Int64(7).AsInt64(); !ok || i != 7 {
		t.Fatalf("want int64 7, got %v ok=%v", i, ok)
	}
	if f, ok := Float64(1.5).AsFloat64(); !ok || f != 1.5 {
		t.Fatalf("want float64 1.5, got %v ok=%v", f, ok)
	}
	if s, ok := Text("hi").AsText(); !ok || s != "hi" {
		t.Fatalf("want text hi, got %v ok=%v", s, ok)
	}
	if j, ok := JobRef(99).AsJobRef(); !ok || j != 99 {
		t.Fatalf("want job_ref 99, got %v ok=%v", j, ok)
	}
}

func TestAccessorsReturnFalseForWrongKind(t *testing.T) {
	v := Int64(1)
	if _, ok := v.AsBool(); ok {
		t.Fatalf("want AsBool to fail on an int64 value")
	}
	if _, ok := v.AsText(); ok {
		t.Fatalf("want AsText to fail on an int64 value")
	}
}

func TestFloatVectorOfCopiesOnWriteAndRead(t *testing.T) {
	src := []float64{1, 2, 3}
	v := FloatVectorOf(src)
	src[0] = 999
	got, ok := v.AsFloatVector()
	if !ok {
		t.Fatalf("want a float_vector value")
	}
	if got[0] != 1 {
		t.Fatalf("want the stored vector to be unaffected by mutating the source slice, got %v", got)
	}
	got[1] = -1
	got2, _ := v.AsFloatVector()
	if got2[1] != 2 {
		t.Fatalf("want AsFloatVector to return a fresh copy each call, got %v", got2)
	}
}

func TestValidateRejectsNaN(t *testing.T) {
	nan := func() float64 { var z float64; return z / z }()
	if err := Float64(nan).Validate(); err == nil {
		t.Fatalf("want NaN scalar rejected")
	}
	if err := FloatVectorOf([]float64{1, nan}).Validate(); err == nil {
		t.Fatalf("want NaN vector element rejected")
	}
	if err := Float64(1.0).Validate(); err != nil {
		t.Fatalf("want a finite value accepted, got %v", err)
	}
}

func TestEqual(t *testing.T) {
	if !Equal(Int64(1), Int64(1)) {
		t.Fatalf("want equal int64 values to compare equal")
	}
	if Equal(Int64(1), Int64(2)) {
		t.Fatalf("want different int64 values to compare unequal")
	}
	if Equal(Int64(1), Text("1")) {
		t.Fatalf("want different kinds to compare unequal even with similar textual rendering")
	}
	if !Equal(FloatVectorOf([]float64{1, 2}), FloatVectorOf([]float64{1, 2})) {
		t.Fatalf("want equal float vectors to compare equal")
	}
	if Equal(FloatVectorOf([]float64{1, 2}), FloatVectorOf([]float64{1, 2, 3})) {
		t.Fatalf("want different-length float vectors to compare unequal")
	}
}

func TestKindString(t *testing.T) {
	if Int64(0).Kind().String() != "int64" {
		t.Fatalf("want kind string int64")
	}
	if Kind(255).String() != "unknown" {
		t.Fatalf("want an out-of-range kind to render as unknown")
	}
}
