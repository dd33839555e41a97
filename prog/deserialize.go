// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Deserialize parses the text form Prog.Serialize produces back into a
// Prog. It is a typed recursive-descent reader driven by the same Type
// tree the generator walks: each argument is parsed
// according to its syscall's declared parameter type, mirroring genArg's
// dispatch in prog/generation.go rather than guessing from the text alone.
func Deserialize(target *Target, data []byte) (*Prog, error) {
	p := &Prog{Target: target}
	vars := make(map[int]*ResultArg)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		c, err := deserializeCall(target, line, vars)
		if err != nil {
			return nil, fmt.Errorf("prog: deserialize: %w", err)
		}
		p.Calls = append(p.Calls, c)
	}
	if len(p.Calls) == 0 {
		return nil, fmt.Errorf("prog: deserialize: empty program")
	}
	return p, nil
}

type deserializer struct {
	s   string
	pos int
}

func (d *deserializer) eof() bool      { return d.pos >= len(d.s) }
func (d *deserializer) peek() byte     { if d.eof() { return 0 }; return d.s[d.pos] }
func (d *deserializer) rest() string   { if d.eof() { return "" }; return d.s[d.pos:] }
func (d *deserializer) skipSpaces()    { for !d.eof() && d.s[d.pos] == ' ' { d.pos++ } }

func (d *deserializer) consumeByte(b byte) bool {
	if !d.eof() && d.s[d.pos] == b {
		d.pos++
		return true
	}
	return false
}

func (d *deserializer) expectByte(b byte) error {
	if !d.consumeByte(b) {
		return fmt.Errorf("expected %q at %q", string(b), d.rest())
	}
	return nil
}

func (d *deserializer) consumeStr(s string) bool {
	if strings.HasPrefix(d.s[d.pos:], s) {
		d.pos += len(s)
		return true
	}
	return false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStop(c byte) bool {
	switch c {
	case '(', ')', ',', '=', ' ', '{', '}', '[', ']', '@', '&':
		return true
	}
	return false
}

func (d *deserializer) readIdent() string {
	start := d.pos
	for !d.eof() && !isIdentStop(d.s[d.pos]) {
		d.pos++
	}
	return d.s[start:d.pos]
}

func (d *deserializer) readHex() (uint64, error) {
	if !d.consumeStr("0x") {
		return 0, fmt.Errorf("expected hex literal at %q", d.rest())
	}
	start := d.pos
	for !d.eof() && isHexDigit(d.s[d.pos]) {
		d.pos++
	}
	if d.pos == start {
		return 0, fmt.Errorf("empty hex literal")
	}
	return strconv.ParseUint(d.s[start:d.pos], 16, 64)
}

func (d *deserializer) readDec() (uint64, error) {
	start := d.pos
	for !d.eof() && isDigit(d.s[d.pos]) {
		d.pos++
	}
	if d.pos == start {
		return 0, fmt.Errorf("expected decimal number at %q", d.rest())
	}
	return strconv.ParseUint(d.s[start:d.pos], 10, 64)
}

// deserializeCall parses one "[rN = ]name(args...)[ (props)]" line.
func deserializeCall(target *Target, line string, vars map[int]*ResultArg) (*Call, error) {
	d := &deserializer{s: line}

	retVar := -1
	if d.peek() == 'r' {
		save := d.pos
		d.pos++
		if n, err := d.readDec(); err == nil {
			sp := d.pos
			for !d.eof() && d.s[d.pos] == ' ' {
				d.pos++
			}
			if d.consumeByte('=') {
				d.skipSpaces()
				retVar = int(n)
			} else {
				d.pos = save
			}
			_ = sp
		} else {
			d.pos = save
		}
	}

	name := d.readIdent()
	if name == "" {
		return nil, fmt.Errorf("missing call name in %q", line)
	}
	meta, ok := target.SyscallMap[name]
	if !ok {
		return nil, fmt.Errorf("unknown syscall %q", name)
	}
	if err := d.expectByte('('); err != nil {
		return nil, err
	}

	args := make([]Arg, len(meta.Args))
	first := true
	for i, f := range meta.Args {
		if IsPad(f.Type) {
			args[i] = MakeConstArg(f.Type, f.Dir, f.Type.(*ConstType).Val)
			continue
		}
		d.skipSpaces()
		if d.peek() == ')' {
			for j := i; j < len(meta.Args); j++ {
				if IsPad(meta.Args[j].Type) {
					args[j] = MakeConstArg(meta.Args[j].Type, meta.Args[j].Dir, meta.Args[j].Type.(*ConstType).Val)
					continue
				}
				args[j] = makeDefaultArg(meta.Args[j].Type, meta.Args[j].Dir)
			}
			break
		}
		if !first {
			if err := d.expectByte(','); err != nil {
				return nil, fmt.Errorf("call %v arg %v: %w", name, f.Name, err)
			}
			d.skipSpaces()
		}
		first = false
		a, err := parseArg(d, f.Type, f.Dir, vars)
		if err != nil {
			return nil, fmt.Errorf("call %v arg %v: %w", name, f.Name, err)
		}
		args[i] = a
	}
	d.skipSpaces()
	if err := d.expectByte(')'); err != nil {
		return nil, err
	}

	call := &Call{Meta: meta, Args: args}
	if err := parseCallProps(d, &call.Props); err != nil {
		return nil, err
	}
	if rt, ok := meta.Ret.(*ResourceType); ok {
		r := MakeResultArg(rt, DirOut, nil, 0)
		if retVar >= 0 {
			vars[retVar] = r
		}
		call.Ret = r
	}
	return call, nil
}

// parseCallProps reads the trailing "(key[: val], ...)" annotation the
// serializer emits for any non-zero CallProps field (prog/encoding.go's
// ForeachProp), or does nothing if no such annotation is present.
func parseCallProps(d *deserializer, props *CallProps) error {
	d.skipSpaces()
	if !d.consumeByte('(') {
		return nil
	}
	v := reflect.ValueOf(props).Elem()
	tp := v.Type()
	for {
		d.skipSpaces()
		name := d.readIdent()
		if name == "" {
			return fmt.Errorf("empty call prop name at %q", d.rest())
		}
		var val string
		hasVal := false
		if d.consumeByte(':') {
			d.skipSpaces()
			start := d.pos
			for !d.eof() && d.s[d.pos] != ',' && d.s[d.pos] != ')' {
				d.pos++
			}
			val = strings.TrimSpace(d.s[start:d.pos])
			hasVal = true
		}
		found := false
		for i := 0; i < tp.NumField(); i++ {
			key := tp.Field(i).Tag.Get("prop")
			if key == "" {
				key = tp.Field(i).Name
			}
			if key != name {
				continue
			}
			found = true
			fv := v.Field(i)
			switch fv.Kind() {
			case reflect.Int:
				if hasVal {
					n, err := strconv.Atoi(val)
					if err != nil {
						return err
					}
					fv.SetInt(int64(n))
				}
			case reflect.Bool:
				fv.SetBool(true)
			}
		}
		if !found {
			return fmt.Errorf("unknown call prop %q", name)
		}
		d.skipSpaces()
		if d.consumeByte(',') {
			continue
		}
		break
	}
	return d.expectByte(')')
}

// parseArg dispatches by Type kind, the deserializing counterpart to
// genArg's tagged-sum visitor.
func parseArg(d *deserializer, typ Type, dir Dir, vars map[int]*ResultArg) (Arg, error) {
	d.skipSpaces()
	switch t := typ.(type) {
	case *ConstType, *LenType, *CsumType, *ProcType, *FlagsType, *IntType:
		v, err := d.readHex()
		if err != nil {
			return nil, err
		}
		return MakeConstArg(typ, dir, v), nil
	case *ResourceType:
		return parseResultArg(d, t, dir, vars)
	case *BufferType:
		return parseData(d, t, dir)
	case *PtrType:
		return parsePtr(d, t, dir, vars)
	case *VmaType:
		return parseVma(d, t, dir)
	case *StructType:
		return parseStruct(d, t, dir, vars)
	case *UnionType:
		return parseUnion(d, t, dir, vars)
	case *ArrayType:
		return parseArray(d, t, dir, vars)
	default:
		return nil, fmt.Errorf("unknown type kind %T", typ)
	}
}

func parseResultArg(d *deserializer, t *ResourceType, dir Dir, vars map[int]*ResultArg) (Arg, error) {
	ownVar := -1
	if strings.HasPrefix(d.rest(), "<r") {
		save := d.pos
		d.pos += 2
		if n, err := d.readDec(); err == nil && d.consumeStr("=>") {
			ownVar = int(n)
		} else {
			d.pos = save
		}
	}

	var arg *ResultArg
	if d.peek() == 'r' && d.pos+1 < len(d.s) && isDigit(d.s[d.pos+1]) {
		d.pos++
		n, err := d.readDec()
		if err != nil {
			return nil, err
		}
		owner, ok := vars[int(n)]
		if !ok {
			return nil, fmt.Errorf("unknown result var r%d", n)
		}
		var opDiv, opAdd uint64
		if d.consumeByte('/') {
			if opDiv, err = d.readDec(); err != nil {
				return nil, err
			}
		}
		if d.consumeByte('+') {
			if opAdd, err = d.readDec(); err != nil {
				return nil, err
			}
		}
		arg = MakeResultArg(t, dir, owner, 0)
		arg.OpDiv, arg.OpAdd = opDiv, opAdd
	} else {
		v, err := d.readHex()
		if err != nil {
			return nil, err
		}
		arg = MakeResultArg(t, dir, nil, v)
	}
	if ownVar >= 0 {
		vars[ownVar] = arg
	}
	return arg, nil
}

func parseQuoted(d *deserializer) ([]byte, error) {
	if err := d.expectByte('\''); err != nil {
		return nil, err
	}
	var out []byte
	for {
		if d.eof() {
			return nil, fmt.Errorf("unterminated string literal")
		}
		c := d.s[d.pos]
		d.pos++
		if c == '\'' {
			break
		}
		if c != '\\' {
			out = append(out, c)
			continue
		}
		if d.eof() {
			return nil, fmt.Errorf("bad escape at end of string")
		}
		e := d.s[d.pos]
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
			if d.pos+2 > len(d.s) {
				return nil, fmt.Errorf("bad \\x escape")
			}
			v, err := strconv.ParseUint(d.s[d.pos:d.pos+2], 16, 8)
			if err != nil {
				return nil, err
			}
			d.pos += 2
			out = append(out, byte(v))
		default:
			return nil, fmt.Errorf("unknown escape \\%c", e)
		}
	}
	return out, nil
}

func parseHexString(d *deserializer) ([]byte, error) {
	if err := d.expectByte('"'); err != nil {
		return nil, err
	}
	start := d.pos
	for !d.eof() && d.s[d.pos] != '"' {
		d.pos++
	}
	if d.eof() {
		return nil, fmt.Errorf("unterminated hex string")
	}
	b, err := hex.DecodeString(d.s[start:d.pos])
	if err != nil {
		return nil, err
	}
	d.pos++ // closing quote
	return b, nil
}

func parseData(d *deserializer, t *BufferType, dir Dir) (Arg, error) {
	if dir == DirOut {
		if err := d.expectByte('"'); err != nil {
			return nil, err
		}
		if err := d.expectByte('"'); err != nil {
			return nil, err
		}
		if err := d.expectByte('/'); err != nil {
			return nil, err
		}
		n, err := d.readDec()
		if err != nil {
			return nil, err
		}
		return MakeOutDataArg(t, dir, n), nil
	}
	var data []byte
	var err error
	switch d.peek() {
	case '\'':
		data, err = parseQuoted(d)
	case '"':
		data, err = parseHexString(d)
	default:
		return nil, fmt.Errorf("expected data literal at %q", d.rest())
	}
	if err != nil {
		return nil, err
	}
	if d.consumeByte('/') {
		n, err := d.readDec()
		if err != nil {
			return nil, err
		}
		if uint64(len(data)) < n {
			data = append(data, make([]byte, n-uint64(len(data)))...)
		}
	}
	return MakeDataArg(t, dir, data), nil
}

func parsePtr(d *deserializer, t *PtrType, dir Dir, vars map[int]*ResultArg) (Arg, error) {
	if !d.consumeByte('&') {
		v, err := d.readHex()
		if err != nil {
			return nil, err
		}
		return MakePointerArg(t, dir, v, nil), nil
	}
	if err := d.expectByte('('); err != nil {
		return nil, err
	}
	addr, err := d.readHex()
	if err != nil {
		return nil, err
	}
	if d.consumeByte('/') {
		if _, err := d.readHex(); err != nil {
			return nil, err
		}
	}
	if err := d.expectByte(')'); err != nil {
		return nil, err
	}
	if !d.consumeByte('=') {
		return MakePointerArg(t, dir, addr, makeDefaultArg(t.Elem, t.ElemDir)), nil
	}
	if d.consumeStr("nil") {
		return MakePointerArg(t, dir, addr, nil), nil
	}
	inner, err := parseArg(d, t.Elem, t.ElemDir, vars)
	if err != nil {
		return nil, err
	}
	return MakePointerArg(t, dir, addr, inner), nil
}

func parseVma(d *deserializer, t *VmaType, dir Dir) (Arg, error) {
	if !d.consumeByte('&') {
		v, err := d.readHex()
		if err != nil {
			return nil, err
		}
		return MakeVmaPointerArg(t, dir, v, 0), nil
	}
	if err := d.expectByte('('); err != nil {
		return nil, err
	}
	addr, err := d.readHex()
	if err != nil {
		return nil, err
	}
	var size uint64
	if d.consumeByte('/') {
		if size, err = d.readHex(); err != nil {
			return nil, err
		}
	}
	if err := d.expectByte(')'); err != nil {
		return nil, err
	}
	if d.consumeByte('=') {
		if !d.consumeStr("nil") {
			return nil, fmt.Errorf("vma pointer expects =nil, got %q", d.rest())
		}
	}
	return MakeVmaPointerArg(t, dir, addr, size), nil
}

func parseStruct(d *deserializer, t *StructType, dir Dir, vars map[int]*ResultArg) (Arg, error) {
	if err := d.expectByte('{'); err != nil {
		return nil, err
	}
	inner := make([]Arg, len(t.Fields))
	first := true
	for i, f := range t.Fields {
		fd := dir
		if f.HasDir {
			fd = f.Dir
		}
		if IsPad(f.Type) {
			inner[i] = MakeConstArg(f.Type, fd, f.Type.(*ConstType).Val)
			continue
		}
		d.skipSpaces()
		if d.peek() == '}' {
			for j := i; j < len(t.Fields); j++ {
				jd := dir
				if t.Fields[j].HasDir {
					jd = t.Fields[j].Dir
				}
				if IsPad(t.Fields[j].Type) {
					inner[j] = MakeConstArg(t.Fields[j].Type, jd, t.Fields[j].Type.(*ConstType).Val)
					continue
				}
				inner[j] = makeDefaultArg(t.Fields[j].Type, jd)
			}
			break
		}
		if !first {
			if err := d.expectByte(','); err != nil {
				return nil, err
			}
			d.skipSpaces()
		}
		first = false
		a, err := parseArg(d, f.Type, fd, vars)
		if err != nil {
			return nil, err
		}
		inner[i] = a
	}
	d.skipSpaces()
	if err := d.expectByte('}'); err != nil {
		return nil, err
	}
	return MakeGroupArg(t, dir, inner), nil
}

func parseArray(d *deserializer, t *ArrayType, dir Dir, vars map[int]*ResultArg) (Arg, error) {
	if err := d.expectByte('['); err != nil {
		return nil, err
	}
	var inner []Arg
	first := true
	for {
		d.skipSpaces()
		if d.peek() == ']' {
			break
		}
		if !first {
			if err := d.expectByte(','); err != nil {
				return nil, err
			}
			d.skipSpaces()
		}
		first = false
		a, err := parseArg(d, t.Elem, dir, vars)
		if err != nil {
			return nil, err
		}
		inner = append(inner, a)
	}
	if err := d.expectByte(']'); err != nil {
		return nil, err
	}
	if t.Kind == ArrayRangeLen && t.RangeBegin == t.RangeEnd {
		for uint64(len(inner)) < t.RangeBegin {
			inner = append(inner, makeDefaultArg(t.Elem, dir))
		}
	}
	return MakeGroupArg(t, dir, inner), nil
}

func parseUnion(d *deserializer, t *UnionType, dir Dir, vars map[int]*ResultArg) (Arg, error) {
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
	fd := dir
	if f.HasDir {
		fd = f.Dir
	}
	if !d.consumeByte('=') {
		return MakeUnionArg(t, dir, makeDefaultArg(f.Type, fd), idx), nil
	}
	opt, err := parseArg(d, f.Type, fd, vars)
	if err != nil {
		return nil, err
	}
	return MakeUnionArg(t, dir, opt, idx), nil
}

// makeDefaultArg builds the zero-valued Arg of typ, the constructive
// counterpart to isDefault's predicate (prog/prog.go): used to fill a
// struct/array tail or pointer pointee the serializer elided because it was
// entirely default-valued.
func makeDefaultArg(t Type, dir Dir) Arg {
	switch v := t.(type) {
	case *ResourceType:
		return MakeResultArg(t, dir, nil, 0)
	case *BufferType:
		size := v.RangeBegin
		if dir == DirOut {
			return MakeOutDataArg(t, dir, size)
		}
		return MakeDataArg(t, dir, make([]byte, size))
	case *PtrType:
		return MakePointerArg(t, dir, 0, nil)
	case *VmaType:
		return MakeVmaPointerArg(t, dir, 0, 0)
	case *StructType:
		inner := make([]Arg, len(v.Fields))
		for i, f := range v.Fields {
			fd := dir
			if f.HasDir {
				fd = f.Dir
			}
			inner[i] = makeDefaultArg(f.Type, fd)
		}
		return MakeGroupArg(t, dir, inner)
	case *ArrayType:
		var n uint64
		if v.Kind == ArrayRangeLen {
			n = v.RangeBegin
		}
		inner := make([]Arg, n)
		for i := range inner {
			inner[i] = makeDefaultArg(v.Elem, dir)
		}
		return MakeGroupArg(t, dir, inner)
	case *UnionType:
		f := v.Fields[0]
		fd := dir
		if f.HasDir {
			fd = f.Dir
		}
		return MakeUnionArg(t, dir, makeDefaultArg(f.Type, fd), 0)
	default:
		return MakeConstArg(t, dir, 0)
	}
}
