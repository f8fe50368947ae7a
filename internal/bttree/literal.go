package bttree

import "github.com/danshapiro/mbt/internal/btnode"

// litString/litInt64/litFloat64 extract a typed value out of a keyed-leaf
// argument map (spec.md §4.1 "keyed args"), returning ok=false if the key
// is absent or holds the wrong literal kind. PlanAction/VlaRequest/VlaWait
// leaves use these instead of repeating a type switch at every call site.
func litString(args map[string]btnode.Literal, key string) (string, bool) {
	lit, ok := args[key]
	if !ok {
		return "", false
	}
	switch lit.Kind {
	case btnode.LitText, btnode.LitSymbol:
		return lit.S, true
	default:
		return "", false
	}
}

func litInt64(args map[string]btnode.Literal, key string, def int64) int64 {
	lit, ok := args[key]
	if !ok || lit.Kind != btnode.LitInt {
		return def
	}
	return lit.I
}

func litFloat64(args map[string]btnode.Literal, key string, def float64) float64 {
	lit, ok := args[key]
	if !ok {
		return def
	}
	switch lit.Kind {
	case btnode.LitFloat:
		return lit.F
	case btnode.LitInt:
		return float64(lit.I)
	default:
		return def
	}
}
