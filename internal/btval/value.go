// Package btval defines the blackboard value tagged union (spec.md §3):
// Nil | Bool | Int64 | Float64 | Text | FloatVector | JobRef.
package btval

import (
	"fmt"
	"math"
)

// Kind tags a Value's active variant.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindText
	KindFloatVector
	KindJobRef
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindText:
		return "text"
	case KindFloatVector:
		return "float_vector"
	case KindJobRef:
		return "job_ref"
	default:
		return "unknown"
	}
}

// Value is a tagged-union blackboard value. The zero Value is KindNil.
// Values are copied by assignment; FloatVector is copied on write (spec.md
// §4.3) so callers never alias a stored vector.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	vec  []float64
	job  uint64
}

func Nil() Value                { return Value{kind: KindNil} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Int64(i int64) Value       { return Value{kind: KindInt64, i: i} }
func Float64(f float64) Value   { return Value{kind: KindFloat64, f: f} }
func Text(s string) Value       { return Value{kind: KindText, s: s} }
func JobRef(jobID uint64) Value { return Value{kind: KindJobRef, job: jobID} }

// FloatVectorOf copies v so the stored Value never aliases the caller's slice.
func FloatVectorOf(v []float64) Value {
	cp := make([]float64, len(v))
	copy(cp, v)
	return Value{kind: KindFloatVector, vec: cp}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNil() bool { return v.kind == KindNil }

func (v Value) AsBool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) AsInt64() (int64, bool)     { return v.i, v.kind == KindInt64 }
func (v Value) AsFloat64() (float64, bool) { return v.f, v.kind == KindFloat64 }
func (v Value) AsText() (string, bool)     { return v.s, v.kind == KindText }
func (v Value) AsJobRef() (uint64, bool)   { return v.job, v.kind == KindJobRef }

// AsFloatVector returns a copy of the stored vector so callers cannot
// mutate blackboard-owned memory through the returned slice.
func (v Value) AsFloatVector() ([]float64, bool) {
	if v.kind != KindFloatVector {
		return nil, false
	}
	cp := make([]float64, len(v.vec))
	copy(cp, v.vec)
	return cp, true
}

// Validate rejects NaN scalars and vector elements (spec.md §4.3: "NaN
// rejected").
func (v Value) Validate() error {
	switch v.kind {
	case KindFloat64:
		if math.IsNaN(v.f) {
			return fmt.Errorf("btval: float64 value is NaN")
		}
	case KindFloatVector:
		for i, x := range v.vec {
			if math.IsNaN(x) {
				return fmt.Errorf("btval: float_vector element %d is NaN", i)
			}
		}
	}
	return nil
}

// Equal reports whether two values are the same kind and content.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNil:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt64:
		return a.i == b.i
	case KindFloat64:
		return a.f == b.f
	case KindText:
		return a.s == b.s
	case KindJobRef:
		return a.job == b.job
	case KindFloatVector:
		if len(a.vec) != len(b.vec) {
			return false
		}
		for i := range a.vec {
			if a.vec[i] != b.vec[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt64:
		return fmt.Sprintf("%d", v.i)
	case KindFloat64:
		return fmt.Sprintf("%g", v.f)
	case KindText:
		return v.s
	case KindFloatVector:
		return fmt.Sprintf("%v", v.vec)
	case KindJobRef:
		return fmt.Sprintf("job#%d", v.job)
	default:
		return "<invalid>"
	}
}
