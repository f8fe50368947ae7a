package btcompile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/danshapiro/mbt/internal/btnode"
)

// Binary tree format (spec.md §6), little-endian:
//
//	magic "MBT1" (4 bytes), u32 version=1, u8 endianness=1, 3 reserved bytes,
//	u32 node_count, u32 root_id, then per node:
//	  u8 kind, 3 reserved bytes, i64 int_param,
//	  u32 child_count, u32 child_id[child_count],
//	  u32 name_len, name_bytes,
//	  u32 arg_count, then args each as u8 kind + payload
//	    (0=nil, 1=bool u8, 2=i64, 3=f64, 4=text, 5=symbol)
//
// Keyed-leaf nodes (plan-action / vla-*) have no Name and encode their
// `:key value` pairs by flattening each pair into two consecutive arg
// entries — a text-kind arg holding the key, followed by the value arg —
// reusing the documented per-arg (kind byte + payload) framing rather than
// inventing a new on-disk shape for keys. Unknown node kinds reject the
// file (spec.md §6).

const (
	magic         = "MBT1"
	formatVersion = uint32(1)
	littleEndian  = uint8(1)
)

var kindToByte = map[btnode.Kind]uint8{
	btnode.KindSeq: 0, btnode.KindSel: 1, btnode.KindMemSeq: 2, btnode.KindMemSel: 3,
	btnode.KindAsyncSeq: 4, btnode.KindReactiveSeq: 5, btnode.KindReactiveSel: 6,
	btnode.KindInvert: 7, btnode.KindRepeat: 8, btnode.KindRetry: 9,
	btnode.KindCond: 10, btnode.KindAct: 11,
	btnode.KindPlanAction: 12, btnode.KindVlaRequest: 13, btnode.KindVlaWait: 14, btnode.KindVlaCancel: 15,
	btnode.KindSucceed: 16, btnode.KindFail: 17, btnode.KindRunning: 18,
}

var byteToKind = func() map[uint8]btnode.Kind {
	out := make(map[uint8]btnode.Kind, len(kindToByte))
	for k, v := range kindToByte {
		out[v] = k
	}
	return out
}()

const (
	argNil    uint8 = 0
	argBool   uint8 = 1
	argInt    uint8 = 2
	argFloat  uint8 = 3
	argText   uint8 = 4
	argSymbol uint8 = 5
)

// Encode serializes tree into the MBT1 binary format.
func Encode(tree *btnode.CompiledTree) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(magic)
	writeU32(&buf, formatVersion)
	buf.WriteByte(littleEndian)
	buf.Write([]byte{0, 0, 0}) // reserved
	writeU32(&buf, uint32(len(tree.Nodes)))
	writeU32(&buf, tree.RootID)

	for _, node := range tree.Nodes {
		kb, ok := kindToByte[node.Kind]
		if !ok {
			return nil, fmt.Errorf("btcompile: unknown node kind %v cannot be encoded", node.Kind)
		}
		buf.WriteByte(kb)
		buf.Write([]byte{0, 0, 0}) // reserved
		writeI64(&buf, node.IntParam)

		writeU32(&buf, uint32(len(node.Children)))
		for _, cid := range node.Children {
			writeU32(&buf, cid)
		}

		writeU32(&buf, uint32(len(node.Name)))
		buf.WriteString(node.Name)

		args := encodeArgs(node)
		writeU32(&buf, uint32(len(args)))
		for _, a := range args {
			buf.WriteByte(a.kind)
			writeArgPayload(&buf, a)
		}
	}
	return buf.Bytes(), nil
}

type encodedArg struct {
	kind uint8
	b    bool
	i    int64
	f    float64
	s    string
}

func encodeArgs(node btnode.Node) []encodedArg {
	if len(node.KeyArgs) > 0 {
		// Deterministic order: keys sorted, for reproducible encoding.
		keys := sortedKeys(node.KeyArgs)
		out := make([]encodedArg, 0, len(keys)*2)
		for _, k := range keys {
			out = append(out, encodedArg{kind: argText, s: k})
			out = append(out, literalToEncodedArg(node.KeyArgs[k]))
		}
		return out
	}
	out := make([]encodedArg, 0, len(node.Args))
	for _, a := range node.Args {
		out = append(out, literalToEncodedArg(a))
	}
	return out
}

func literalToEncodedArg(l btnode.Literal) encodedArg {
	switch l.Kind {
	case btnode.LitNil:
		return encodedArg{kind: argNil}
	case btnode.LitBool:
		return encodedArg{kind: argBool, b: l.B}
	case btnode.LitInt:
		return encodedArg{kind: argInt, i: l.I}
	case btnode.LitFloat:
		return encodedArg{kind: argFloat, f: l.F}
	case btnode.LitText:
		return encodedArg{kind: argText, s: l.S}
	case btnode.LitSymbol:
		return encodedArg{kind: argSymbol, s: l.S}
	default:
		return encodedArg{kind: argNil}
	}
}

func sortedKeys(m map[string]btnode.Literal) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// Simple insertion sort: avoids importing sort for a handful of keys
	// while keeping encode() deterministic.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func writeArgPayload(buf *bytes.Buffer, a encodedArg) {
	switch a.kind {
	case argNil:
	case argBool:
		if a.b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case argInt:
		writeI64(buf, a.i)
	case argFloat:
		writeF64(buf, a.f)
	case argText, argSymbol:
		writeU32(buf, uint32(len(a.s)))
		buf.WriteString(a.s)
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeF64(buf *bytes.Buffer, v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
}

// Decode parses the MBT1 binary format, rejecting unknown node kinds
// (spec.md §6). The resulting tree is run through Validate before being
// returned.
func Decode(data []byte) (*btnode.CompiledTree, error) {
	r := &byteReader{data: data}
	m, err := r.take(4)
	if err != nil || string(m) != magic {
		return nil, compileErrf("bad magic: expected %q", magic)
	}
	version, err := r.u32()
	if err != nil || version != formatVersion {
		return nil, compileErrf("unsupported format version %d", version)
	}
	endian, err := r.u8()
	if err != nil || endian != littleEndian {
		return nil, compileErrf("unsupported endianness byte %d", endian)
	}
	if _, err := r.take(3); err != nil {
		return nil, compileErrf("truncated header")
	}
	nodeCount, err := r.u32()
	if err != nil {
		return nil, compileErrf("truncated header: node_count")
	}
	rootID, err := r.u32()
	if err != nil {
		return nil, compileErrf("truncated header: root_id")
	}

	nodes := make([]btnode.Node, 0, nodeCount)
	for i := uint32(0); i < nodeCount; i++ {
		kb, err := r.u8()
		if err != nil {
			return nil, compileErrf("truncated node %d: kind", i)
		}
		kind, ok := byteToKind[kb]
		if !ok {
			return nil, compileErrf("node %d: unknown kind byte %d", i, kb)
		}
		if _, err := r.take(3); err != nil {
			return nil, compileErrf("truncated node %d: reserved", i)
		}
		intParam, err := r.i64()
		if err != nil {
			return nil, compileErrf("truncated node %d: int_param", i)
		}
		childCount, err := r.u32()
		if err != nil {
			return nil, compileErrf("truncated node %d: child_count", i)
		}
		children := make([]uint32, childCount)
		for c := uint32(0); c < childCount; c++ {
			cid, err := r.u32()
			if err != nil {
				return nil, compileErrf("truncated node %d: child_id[%d]", i, c)
			}
			children[c] = cid
		}
		nameLen, err := r.u32()
		if err != nil {
			return nil, compileErrf("truncated node %d: name_len", i)
		}
		nameBytes, err := r.take(int(nameLen))
		if err != nil {
			return nil, compileErrf("truncated node %d: name", i)
		}
		argCount, err := r.u32()
		if err != nil {
			return nil, compileErrf("truncated node %d: arg_count", i)
		}
		args := make([]btnode.Literal, 0, argCount)
		for a := uint32(0); a < argCount; a++ {
			lit, err := r.arg()
			if err != nil {
				return nil, compileErrf("truncated node %d: arg[%d]: %v", i, a, err)
			}
			args = append(args, lit)
		}

		n := btnode.Node{ID: i, Kind: kind, Children: children, IntParam: intParam, Name: string(nameBytes)}
		if isKeyedLeaf(kind) {
			kv, err := argsToKeyArgs(args)
			if err != nil {
				return nil, compileErrf("node %d: %v", i, err)
			}
			n.KeyArgs = kv
			if err := validateKeyedArgs(kind, kv); err != nil {
				return nil, err
			}
		} else {
			n.Args = args
		}
		nodes = append(nodes, n)
	}

	tree := &btnode.CompiledTree{Nodes: nodes, RootID: rootID}
	if err := Validate(tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func isKeyedLeaf(k btnode.Kind) bool {
	switch k {
	case btnode.KindPlanAction, btnode.KindVlaRequest, btnode.KindVlaWait, btnode.KindVlaCancel:
		return true
	default:
		return false
	}
}

func argsToKeyArgs(args []btnode.Literal) (map[string]btnode.Literal, error) {
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("keyed leaf arg list has odd length %d", len(args))
	}
	out := make(map[string]btnode.Literal, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		keyLit := args[i]
		if keyLit.Kind != btnode.LitText && keyLit.Kind != btnode.LitSymbol {
			return nil, fmt.Errorf("keyed leaf arg[%d] is not a key string", i)
		}
		out[keyLit.S] = args[i+1]
	}
	return out, nil
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("unexpected end of data")
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *byteReader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *byteReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *byteReader) i64() (int64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (r *byteReader) f64() (float64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

func (r *byteReader) arg() (btnode.Literal, error) {
	kb, err := r.u8()
	if err != nil {
		return btnode.Literal{}, err
	}
	switch kb {
	case argNil:
		return btnode.NilLit(), nil
	case argBool:
		b, err := r.u8()
		if err != nil {
			return btnode.Literal{}, err
		}
		return btnode.BoolLit(b != 0), nil
	case argInt:
		i, err := r.i64()
		if err != nil {
			return btnode.Literal{}, err
		}
		return btnode.IntLit(i), nil
	case argFloat:
		f, err := r.f64()
		if err != nil {
			return btnode.Literal{}, err
		}
		return btnode.FloatLit(f), nil
	case argText, argSymbol:
		strLen, err := r.u32()
		if err != nil {
			return btnode.Literal{}, err
		}
		s, err := r.take(int(strLen))
		if err != nil {
			return btnode.Literal{}, err
		}
		if kb == argText {
			return btnode.TextLit(string(s)), nil
		}
		return btnode.SymbolLit(string(s)), nil
	default:
		return btnode.Literal{}, fmt.Errorf("unknown arg kind byte %d", kb)
	}
}
