package btcompile

import (
	"strconv"
	"strings"

	"github.com/danshapiro/mbt/internal/btnode"
)

// parseLiteral classifies a parsed atom/string into the grammar's literal
// set (spec.md §6: "literal := nil | bool | int | float | text | symbol").
func parseLiteral(e sexpr) btnode.Literal {
	if e.isString {
		return btnode.TextLit(e.atom)
	}
	switch e.atom {
	case "nil":
		return btnode.NilLit()
	case "true":
		return btnode.BoolLit(true)
	case "false":
		return btnode.BoolLit(false)
	}
	if i, err := strconv.ParseInt(e.atom, 10, 64); err == nil {
		return btnode.IntLit(i)
	}
	if looksFloat(e.atom) {
		if f, err := strconv.ParseFloat(e.atom, 64); err == nil {
			return btnode.FloatLit(f)
		}
	}
	return btnode.SymbolLit(e.atom)
}

func looksFloat(s string) bool {
	return strings.ContainsAny(s, ".eE") && s != "" && (s[0] == '-' || s[0] == '+' || (s[0] >= '0' && s[0] <= '9') || s[0] == '.')
}

// literalToAny converts a Literal to a plain Go value for JSON Schema
// validation (jsonschema/v5 validates against any/map[string]any, the same
// shape internal/agent/tool_registry.go validates tool-call arguments
// against).
func literalToAny(l btnode.Literal) any {
	switch l.Kind {
	case btnode.LitNil:
		return nil
	case btnode.LitBool:
		return l.B
	case btnode.LitInt:
		return l.I
	case btnode.LitFloat:
		return l.F
	case btnode.LitText, btnode.LitSymbol:
		return l.S
	default:
		return nil
	}
}
