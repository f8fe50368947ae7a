// Package btcompile turns a symbolic tree description (spec.md §6's
// s-expression grammar) or a binary MBT1 file into an immutable
// btnode.CompiledTree (spec.md §4.1). Validation errors are fatal
// compile_errors (spec.md §7) surfaced synchronously to the caller; they
// never occur at tick time.
package btcompile

import (
	"fmt"

	"github.com/danshapiro/mbt/internal/btnode"
)

// CompileError reports a malformed tree description (spec.md §7
// "compile_error — malformed tree description. Raised at compile time;
// never at tick time.").
type CompileError struct {
	Message string
}

func (e *CompileError) Error() string { return "compile_error: " + e.Message }

func compileErrf(format string, args ...any) error {
	return &CompileError{Message: fmt.Sprintf(format, args...)}
}

// Compile parses an s-expression tree description and produces a
// CompiledTree (spec.md §6 authoring format).
func Compile(src []byte) (*btnode.CompiledTree, error) {
	root, err := ParseOne(src)
	if err != nil {
		return nil, &CompileError{Message: err.Error()}
	}
	b := &builder{}
	rootID, err := b.build(root)
	if err != nil {
		return nil, err
	}
	tree := &btnode.CompiledTree{Nodes: b.nodes, RootID: rootID}
	if err := Validate(tree); err != nil {
		return nil, err
	}
	return tree, nil
}

type builder struct {
	nodes []btnode.Node
}

// emit appends a fully-built node and returns its dense id. Children must
// already have been built (and therefore already hold lower ids), matching
// spec.md §4.1: "The compiler emits nodes in post-order and stores child
// id arrays inline."
func (b *builder) emit(n btnode.Node) uint32 {
	id := uint32(len(b.nodes))
	n.ID = id
	b.nodes = append(b.nodes, n)
	return id
}

var compositeKinds = map[string]btnode.Kind{
	"seq":          btnode.KindSeq,
	"sel":          btnode.KindSel,
	"mem-seq":      btnode.KindMemSeq,
	"mem-sel":      btnode.KindMemSel,
	"async-seq":    btnode.KindAsyncSeq,
	"reactive-seq": btnode.KindReactiveSeq,
	"reactive-sel": btnode.KindReactiveSel,
}

var keyedLeafKinds = map[string]btnode.Kind{
	"plan-action": btnode.KindPlanAction,
	"vla-request": btnode.KindVlaRequest,
	"vla-wait":    btnode.KindVlaWait,
	"vla-cancel":  btnode.KindVlaCancel,
}

func (b *builder) build(e sexpr) (uint32, error) {
	if !e.isList {
		return 0, compileErrf("expected a node form, got bare atom %q at %d", e.atom, e.pos)
	}
	head, ok := e.head()
	if !ok {
		return 0, compileErrf("expected a node form starting with a node keyword at %d", e.pos)
	}
	rest := e.list[1:]

	if kind, ok := compositeKinds[head]; ok {
		if len(rest) < 1 {
			return 0, compileErrf("%s requires at least 1 child at %d", head, e.pos)
		}
		children := make([]uint32, 0, len(rest))
		for _, c := range rest {
			cid, err := b.build(c)
			if err != nil {
				return 0, err
			}
			children = append(children, cid)
		}
		return b.emit(btnode.Node{Kind: kind, Children: children}), nil
	}

	switch head {
	case "invert":
		if len(rest) != 1 {
			return 0, compileErrf("invert requires exactly 1 child at %d", e.pos)
		}
		cid, err := b.build(rest[0])
		if err != nil {
			return 0, err
		}
		return b.emit(btnode.Node{Kind: btnode.KindInvert, Children: []uint32{cid}}), nil

	case "repeat", "retry":
		if len(rest) != 2 {
			return 0, compileErrf("%s requires an int count and exactly 1 child at %d", head, e.pos)
		}
		n, err := parseNonNegativeIntForm(rest[0])
		if err != nil {
			return 0, compileErrf("%s: %v", head, err)
		}
		cid, err := b.build(rest[1])
		if err != nil {
			return 0, err
		}
		kind := btnode.KindRepeat
		if head == "retry" {
			kind = btnode.KindRetry
		}
		return b.emit(btnode.Node{Kind: kind, IntParam: n, Children: []uint32{cid}}), nil

	case "cond", "act":
		if len(rest) < 1 {
			return 0, compileErrf("%s requires a callback name at %d", head, e.pos)
		}
		name, err := parseLeafName(rest[0])
		if err != nil {
			return 0, compileErrf("%s: %v", head, err)
		}
		args, err := parsePositionalLiterals(rest[1:])
		if err != nil {
			return 0, compileErrf("%s %s: %v", head, name, err)
		}
		kind := btnode.KindCond
		if head == "act" {
			kind = btnode.KindAct
		}
		return b.emit(btnode.Node{Kind: kind, Name: name, Args: args}), nil

	case "succeed", "fail", "running":
		if len(rest) != 0 {
			return 0, compileErrf("%s takes no arguments at %d", head, e.pos)
		}
		kind := btnode.KindSucceed
		switch head {
		case "fail":
			kind = btnode.KindFail
		case "running":
			kind = btnode.KindRunning
		}
		return b.emit(btnode.Node{Kind: kind}), nil
	}

	if kind, ok := keyedLeafKinds[head]; ok {
		args, err := parseKeyVals(rest)
		if err != nil {
			return 0, compileErrf("%s: %v", head, err)
		}
		if err := validateKeyedArgs(kind, args); err != nil {
			return 0, err
		}
		return b.emit(btnode.Node{Kind: kind, KeyArgs: args}), nil
	}

	return 0, compileErrf("unknown node keyword %q at %d", head, e.pos)
}

func parseNonNegativeIntForm(e sexpr) (int64, error) {
	if e.isList || e.isString {
		return 0, fmt.Errorf("expected a non-negative integer literal")
	}
	lit := parseLiteral(e)
	if lit.Kind != btnode.LitInt {
		return 0, fmt.Errorf("expected a non-negative integer literal, got %s", lit.String())
	}
	if lit.I < 0 {
		return 0, fmt.Errorf("count must be non-negative, got %d", lit.I)
	}
	return lit.I, nil
}

func parseLeafName(e sexpr) (string, error) {
	if e.isList {
		return "", fmt.Errorf("leaf name must be a string or symbol, not a list")
	}
	if e.isString {
		return e.atom, nil
	}
	lit := parseLiteral(e)
	if lit.Kind != btnode.LitSymbol && lit.Kind != btnode.LitText {
		return "", fmt.Errorf("leaf name must be a string or symbol, got %s", lit.String())
	}
	return lit.S, nil
}

func parsePositionalLiterals(items []sexpr) ([]btnode.Literal, error) {
	out := make([]btnode.Literal, 0, len(items))
	for _, e := range items {
		if e.isList {
			return nil, fmt.Errorf("leaf args must be literals, not an embedded expression at %d", e.pos)
		}
		out = append(out, parseLiteral(e))
	}
	return out, nil
}

// parseKeyVals parses a flat `:key value :key value ...` sequence (spec.md
// §6 grammar: "key-val := :keyword value").
func parseKeyVals(items []sexpr) (map[string]btnode.Literal, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("keyed leaf requires at least one :key value pair")
	}
	if len(items)%2 != 0 {
		return nil, fmt.Errorf("keyed leaf arguments must come in :key value pairs")
	}
	out := make(map[string]btnode.Literal, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		keyExpr := items[i]
		if keyExpr.isList || keyExpr.isString || len(keyExpr.atom) < 2 || keyExpr.atom[0] != ':' {
			return nil, fmt.Errorf("expected :keyword at position %d, got %q", i, keyExpr.atom)
		}
		key := keyExpr.atom[1:]
		valExpr := items[i+1]
		if valExpr.isList {
			return nil, fmt.Errorf("keyed arg %q value must be a literal, not an embedded expression", key)
		}
		out[key] = parseLiteral(valExpr)
	}
	return out, nil
}
