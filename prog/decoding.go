// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Deserialize parses the text form prog/encoding.go's Serialize produces
// back into a Prog, so that both corpus persistence and crash-program dumps
// round-trip through plain text. Grammar and field-direction resolution
// mirror prog/generation.go's genArg/genStruct/
// genUnion dispatch exactly, since a call's argument types are already
// known positionally from its Syscall and never need to be spelled out in
// the text itself.
//
// This always runs in the equivalent of Strict DeserializeMode: it rejects
// malformed input instead of repairing it. That is enough for this repo's
// own uses, corpus persistence and crash-program replay, since both only
// ever feed back text this package itself wrote. NonStrict's best-effort
// repair and the Unsafe variants' relaxed safety checks have no caller here
// and are not implemented.
func (target *Target) Deserialize(data []byte) (*Prog, error) {
	target.init()
	p := &Prog{Target: target}
	d := &decoder{target: target, vars: make(map[int]*ResultArg)}
	for _, raw := range bytes.Split(data, []byte("\n")) {
		line := bytes.TrimSpace(raw)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		call, err := d.call(line)
		if err != nil {
			return nil, fmt.Errorf("prog: %w", err)
		}
		p.Calls = append(p.Calls, call)
	}
	if len(p.Calls) == 0 {
		return nil, fmt.Errorf("prog: program has no calls")
	}
	p.debugValidate()
	return p, nil
}

type decoder struct {
	target *Target
	vars   map[int]*ResultArg
	data   []byte
	pos    int
}

func (d *decoder) call(line []byte) (*Call, error) {
	d.data, d.pos = line, 0
	retID, hasRet, err := d.tryRetPrefix()
	if err != nil {
		return nil, err
	}
	name := d.readIdent()
	if name == "" {
		return nil, fmt.Errorf("missing call name")
	}
	meta, ok := d.target.SyscallMap[name]
	if !ok {
		return nil, fmt.Errorf("unknown syscall %q", name)
	}
	call := &Call{Meta: meta}
	if err := d.expectByte('('); err != nil {
		return nil, err
	}
	fieldIdx := 0
	for first := true; !d.tryByte(')'); first = false {
		if !first {
			if err := d.expectByte(','); err != nil {
				return nil, err
			}
			d.skipSpace()
		}
		for fieldIdx < len(meta.Args) && IsPad(meta.Args[fieldIdx].Type) {
			f := meta.Args[fieldIdx]
			call.Args = append(call.Args, defaultArgFor(f.Type, f.Dir))
			fieldIdx++
		}
		if fieldIdx >= len(meta.Args) {
			return nil, fmt.Errorf("%v: too many arguments", name)
		}
		f := meta.Args[fieldIdx]
		fieldIdx++
		a, err := d.arg(f.Type, f.Dir)
		if err != nil {
			return nil, fmt.Errorf("%v: arg %v: %w", name, fieldIdx, err)
		}
		call.Args = append(call.Args, a)
	}
	for fieldIdx < len(meta.Args) {
		f := meta.Args[fieldIdx]
		call.Args = append(call.Args, defaultArgFor(f.Type, f.Dir))
		fieldIdx++
	}
	if rt, ok := meta.Ret.(*ResourceType); ok {
		ret := &ResultArg{ArgCommon: ArgCommon{rt, DirOut}}
		if hasRet {
			d.vars[retID] = ret
		}
		call.Ret = ret
	}
	d.skipSpace()
	if d.tryByte('(') {
		if err := d.props(call); err != nil {
			return nil, err
		}
	}
	return call, nil
}

func (d *decoder) props(c *Call) error {
	for {
		d.skipSpace()
		key := d.readIdent()
		switch key {
		case "fail_nth":
			if err := d.expectByte(':'); err != nil {
				return err
			}
			d.skipSpace()
			n, err := d.readInt()
			if err != nil {
				return err
			}
			c.Props.FailNth = int(n)
		case "rerun":
			if err := d.expectByte(':'); err != nil {
				return err
			}
			d.skipSpace()
			n, err := d.readInt()
			if err != nil {
				return err
			}
			c.Props.Rerun = int(n)
		case "async":
			c.Props.Async = true
		default:
			return fmt.Errorf("unknown call prop %q", key)
		}
		d.skipSpace()
		if d.tryByte(',') {
			continue
		}
		break
	}
	return d.expectByte(')')
}

// arg dispatches on typ exactly the way genArg does for generation,
// except values come from the text instead of from Rand.
func (d *decoder) arg(typ Type, dir Dir) (Arg, error) {
	switch t := typ.(type) {
	case *ResourceType:
		return d.resultArg(t, dir)
	case *BufferType:
		return d.dataArg(t, dir)
	case *StructType:
		return d.structArg(t, dir)
	case *ArrayType:
		return d.arrayArg(t, dir)
	case *UnionType:
		return d.unionArg(t, dir)
	case *PtrType:
		return d.pointerArg(t, dir)
	case *VmaType:
		return d.pointerArg(t, dir)
	default:
		return d.constArg(typ, dir)
	}
}

func (d *decoder) constArg(typ Type, dir Dir) (Arg, error) {
	val, err := d.readHex()
	if err != nil {
		return nil, err
	}
	return MakeConstArg(typ, dir, val), nil
}

func (d *decoder) resultArg(t *ResourceType, dir Dir) (Arg, error) {
	ownID, hasOwn := -1, false
	if d.tryConsume("<r") {
		id, err := d.readUint()
		if err != nil {
			return nil, err
		}
		if err := d.expectByte('='); err != nil {
			return nil, err
		}
		if err := d.expectByte('>'); err != nil {
			return nil, err
		}
		ownID, hasOwn = int(id), true
	}
	var arg *ResultArg
	switch {
	case d.peekByte('0'):
		val, err := d.readHex()
		if err != nil {
			return nil, err
		}
		arg = &ResultArg{ArgCommon: ArgCommon{t, dir}, Val: val}
	case d.peekByte('r'):
		d.pos++
		refID, err := d.readUint()
		if err != nil {
			return nil, err
		}
		own, ok := d.vars[int(refID)]
		if !ok {
			return nil, fmt.Errorf("reference to undefined r%v", refID)
		}
		arg = &ResultArg{ArgCommon: ArgCommon{t, dir}, Res: own}
		if d.tryByte('/') {
			n, err := d.readUint()
			if err != nil {
				return nil, err
			}
			arg.OpDiv = n
		}
		if d.tryByte('+') {
			n, err := d.readUint()
			if err != nil {
				return nil, err
			}
			arg.OpAdd = n
		}
		if own.uses == nil {
			own.uses = make(map[*ResultArg]bool)
		}
		own.uses[arg] = true
	default:
		return nil, fmt.Errorf("malformed result arg")
	}
	if hasOwn {
		d.vars[ownID] = arg
	}
	return arg, nil
}

func (d *decoder) pointerArg(typ Type, dir Dir) (Arg, error) {
	if !d.tryByte('&') {
		addr, err := d.readHex()
		if err != nil {
			return nil, err
		}
		return &PointerArg{ArgCommon: ArgCommon{typ, dir}, Address: addr}, nil
	}
	if err := d.expectByte('('); err != nil {
		return nil, err
	}
	abs, err := d.readHex()
	if err != nil {
		return nil, err
	}
	address := abs - encodingAddrBase
	var vmaSize uint64
	if d.tryByte('/') {
		vmaSize, err = d.readHex()
		if err != nil {
			return nil, err
		}
	}
	if err := d.expectByte(')'); err != nil {
		return nil, err
	}
	if _, isVma := typ.(*VmaType); isVma {
		return &PointerArg{ArgCommon: ArgCommon{typ, dir}, Address: address, VmaSize: vmaSize}, nil
	}
	pt := typ.(*PtrType)
	if !d.tryByte('=') {
		return &PointerArg{
			ArgCommon: ArgCommon{typ, dir}, Address: address,
			Res: defaultArgFor(pt.Elem, pt.ElemDir),
		}, nil
	}
	if d.target.isAnyPtr(typ) {
		if err := d.expect("ANY="); err != nil {
			return nil, err
		}
	}
	if d.tryConsume("nil") {
		return &PointerArg{ArgCommon: ArgCommon{typ, dir}, Address: address}, nil
	}
	inner, err := d.arg(pt.Elem, pt.ElemDir)
	if err != nil {
		return nil, err
	}
	return &PointerArg{ArgCommon: ArgCommon{typ, dir}, Address: address, Res: inner}, nil
}

func (d *decoder) structArg(t *StructType, dir Dir) (Arg, error) {
	if err := d.expectByte('{'); err != nil {
		return nil, err
	}
	inner := make([]Arg, 0, len(t.Fields))
	fieldIdx := 0
	for first := true; !d.tryByte('}'); first = false {
		if !first {
			if err := d.expectByte(','); err != nil {
				return nil, err
			}
			d.skipSpace()
		}
		for fieldIdx < len(t.Fields) && IsPad(t.Fields[fieldIdx].Type) {
			f := t.Fields[fieldIdx]
			inner = append(inner, defaultArgFor(f.Type, resolveDir(dir, f)))
			fieldIdx++
		}
		if fieldIdx >= len(t.Fields) {
			return nil, fmt.Errorf("%v: too many fields", t.TypeName)
		}
		f := t.Fields[fieldIdx]
		fieldIdx++
		a, err := d.arg(f.Type, resolveDir(dir, f))
		if err != nil {
			return nil, err
		}
		inner = append(inner, a)
	}
	for fieldIdx < len(t.Fields) {
		f := t.Fields[fieldIdx]
		inner = append(inner, defaultArgFor(f.Type, resolveDir(dir, f)))
		fieldIdx++
	}
	return MakeGroupArg(t, dir, inner), nil
}

func (d *decoder) arrayArg(t *ArrayType, dir Dir) (Arg, error) {
	if err := d.expectByte('['); err != nil {
		return nil, err
	}
	var inner []Arg
	for first := true; !d.tryByte(']'); first = false {
		if !first {
			if err := d.expectByte(','); err != nil {
				return nil, err
			}
			d.skipSpace()
		}
		a, err := d.arg(t.Elem, dir)
		if err != nil {
			return nil, err
		}
		inner = append(inner, a)
	}
	return MakeGroupArg(t, dir, inner), nil
}

func (d *decoder) unionArg(t *UnionType, dir Dir) (Arg, error) {
	if err := d.expectByte('@'); err != nil {
		return nil, err
	}
	name := d.readIdent()
	idx := -1
	for i, f := range t.Fields {
		if f.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("unknown union field %q", name)
	}
	f := t.Fields[idx]
	fdir := resolveDir(dir, f)
	if !d.tryByte('=') {
		return MakeUnionArg(t, dir, defaultArgFor(f.Type, fdir), idx), nil
	}
	opt, err := d.arg(f.Type, fdir)
	if err != nil {
		return nil, err
	}
	return MakeUnionArg(t, dir, opt, idx), nil
}

func (d *decoder) dataArg(t *BufferType, dir Dir) (Arg, error) {
	if dir == DirOut {
		if err := d.expect(`""`); err != nil {
			return nil, err
		}
		var size uint64
		if d.tryByte('/') {
			n, err := d.readUint()
			if err != nil {
				return nil, err
			}
			size = n
		}
		return MakeOutDataArg(t, dir, size), nil
	}
	var data []byte
	var err error
	switch {
	case d.peekByte('\''):
		data, err = d.readEscapedData()
	case d.peekByte('"'):
		data, err = d.readHexStringData()
	default:
		return nil, fmt.Errorf("malformed buffer literal")
	}
	if err != nil {
		return nil, err
	}
	if d.tryByte('/') {
		size, err := d.readUint()
		if err != nil {
			return nil, err
		}
		if size > uint64(len(data)) {
			data = append(data, make([]byte, size-uint64(len(data)))...)
		}
	}
	return MakeDataArg(t, dir, data), nil
}

func (d *decoder) readEscapedData() ([]byte, error) {
	if err := d.expectByte('\''); err != nil {
		return nil, err
	}
	var out []byte
	for {
		if d.pos >= len(d.data) {
			return nil, fmt.Errorf("unterminated buffer literal")
		}
		c := d.data[d.pos]
		if c == '\'' {
			d.pos++
			return out, nil
		}
		if c != '\\' {
			out = append(out, c)
			d.pos++
			continue
		}
		d.pos++
		if d.pos >= len(d.data) {
			return nil, fmt.Errorf("unterminated escape")
		}
		e := d.data[d.pos]
		d.pos++
		switch e {
		case 'a':
			out = append(out, '\a')
		case 'b':
			out = append(out, '\b')
		case 'f':
			out = append(out, '\f')
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case 'v':
			out = append(out, '\v')
		case '\'':
			out = append(out, '\'')
		case '"':
			out = append(out, '"')
		case '\\':
			out = append(out, '\\')
		case 'x':
			if d.pos+2 > len(d.data) {
				return nil, fmt.Errorf("truncated \\x escape")
			}
			b, err := hex.DecodeString(string(d.data[d.pos : d.pos+2]))
			if err != nil {
				return nil, err
			}
			d.pos += 2
			out = append(out, b[0])
		default:
			return nil, fmt.Errorf("unknown escape \\%c", e)
		}
	}
}

func (d *decoder) readHexStringData() ([]byte, error) {
	if err := d.expectByte('"'); err != nil {
		return nil, err
	}
	start := d.pos
	for d.pos < len(d.data) && d.data[d.pos] != '"' {
		d.pos++
	}
	if d.pos >= len(d.data) {
		return nil, fmt.Errorf("unterminated hex string")
	}
	raw := d.data[start:d.pos]
	d.pos++
	return hex.DecodeString(string(raw))
}

// defaultArgFor builds the zero value for typ, used to reinsert pad fields
// and trailing fields the serializer elided as default, mirroring genArg's
// dispatch in prog/generation.go but without any randomness.
func defaultArgFor(typ Type, dir Dir) Arg {
	switch t := typ.(type) {
	case *ResourceType:
		return &ResultArg{ArgCommon: ArgCommon{t, dir}}
	case *BufferType:
		if dir == DirOut {
			return MakeOutDataArg(t, dir, 0)
		}
		return MakeDataArg(t, dir, nil)
	case *PtrType:
		return MakePointerArg(t, dir, 0, nil)
	case *VmaType:
		return MakeVmaPointerArg(t, dir, 0, 0)
	case *StructType:
		inner := make([]Arg, len(t.Fields))
		for i, f := range t.Fields {
			inner[i] = defaultArgFor(f.Type, resolveDir(dir, f))
		}
		return MakeGroupArg(t, dir, inner)
	case *ArrayType:
		return MakeGroupArg(t, dir, nil)
	case *UnionType:
		f := t.Fields[0]
		return MakeUnionArg(t, dir, defaultArgFor(f.Type, resolveDir(dir, f)), 0)
	default:
		return MakeConstArg(typ, dir, 0)
	}
}

func resolveDir(parent Dir, f Field) Dir {
	if f.HasDir {
		return f.Dir
	}
	return parent
}

// --- low-level cursor helpers ---

func (d *decoder) skipSpace() {
	for d.pos < len(d.data) && d.data[d.pos] == ' ' {
		d.pos++
	}
}

func (d *decoder) peekByte(b byte) bool {
	return d.pos < len(d.data) && d.data[d.pos] == b
}

func (d *decoder) tryByte(b byte) bool {
	if d.peekByte(b) {
		d.pos++
		return true
	}
	return false
}

func (d *decoder) expectByte(b byte) error {
	if !d.tryByte(b) {
		got := byte(0)
		if d.pos < len(d.data) {
			got = d.data[d.pos]
		}
		return fmt.Errorf("expected %q, got %q", b, got)
	}
	return nil
}

func (d *decoder) tryConsume(s string) bool {
	if bytes.HasPrefix(d.data[d.pos:], []byte(s)) {
		d.pos += len(s)
		return true
	}
	return false
}

func (d *decoder) expect(s string) error {
	if !d.tryConsume(s) {
		return fmt.Errorf("expected %q", s)
	}
	return nil
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' || b == '.' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func (d *decoder) readIdent() string {
	start := d.pos
	for d.pos < len(d.data) && isIdentByte(d.data[d.pos]) {
		d.pos++
	}
	return string(d.data[start:d.pos])
}

func (d *decoder) readHex() (uint64, error) {
	if err := d.expect("0x"); err != nil {
		return 0, err
	}
	start := d.pos
	for d.pos < len(d.data) && isHexDigit(d.data[d.pos]) {
		d.pos++
	}
	if d.pos == start {
		return 0, fmt.Errorf("expected hex digits")
	}
	return strconv.ParseUint(string(d.data[start:d.pos]), 16, 64)
}

func (d *decoder) readUint() (uint64, error) {
	start := d.pos
	for d.pos < len(d.data) && d.data[d.pos] >= '0' && d.data[d.pos] <= '9' {
		d.pos++
	}
	if d.pos == start {
		return 0, fmt.Errorf("expected digits")
	}
	return strconv.ParseUint(string(d.data[start:d.pos]), 10, 64)
}

func (d *decoder) readInt() (int64, error) {
	neg := d.tryByte('-')
	n, err := d.readUint()
	if err != nil {
		return 0, err
	}
	if neg {
		return -int64(n), nil
	}
	return int64(n), nil
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// tryRetPrefix recognizes a leading "rN = " before the call name, backing
// off without consuming anything if the line doesn't start that way.
func (d *decoder) tryRetPrefix() (id int, ok bool, err error) {
	save := d.pos
	if !d.tryByte('r') {
		return 0, false, nil
	}
	n, err := d.readUint()
	if err != nil {
		d.pos = save
		return 0, false, nil
	}
	d.skipSpace()
	if !d.tryByte('=') {
		d.pos = save
		return 0, false, nil
	}
	d.skipSpace()
	return int(n), true, nil
}
