// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import "fmt"

// debug gates the expensive consistency walk in debugValidate. It is off,
// and nothing in this tree turns it on; the tests call Validate directly.
var debug = false

func (p *Prog) debugValidate() {
	if !debug {
		return
	}
	if err := p.Validate(); err != nil {
		panic(err)
	}
}

// Validate walks every call and argument checking the structural invariants
// a well-formed program must hold: every Ref points at an Own introduced by
// an earlier call in the same program, and every Ref that points at an Own
// is recorded in that Own's reverse-edge set. Argument directions are not
// checked.
func (p *Prog) Validate() error {
	seenOwn := make(map[*ResultArg]bool)
	referenced := make(map[*ResultArg]map[*ResultArg]bool)
	for ci, c := range p.Call() {
		if c.Meta == nil {
			return fmt.Errorf("call %v: nil Meta", ci)
		}
		if len(c.Args) != len(c.Meta.Args) {
			return fmt.Errorf("call %v (%v): got %v args, want %v", ci, c.Meta.Name, len(c.Args), len(c.Meta.Args))
		}
		for _, a := range c.Args {
			if err := validateArg(a, seenOwn, referenced); err != nil {
				return fmt.Errorf("call %v (%v): %w", ci, c.Meta.Name, err)
			}
		}
		if c.Ret != nil {
			seenOwn[c.Ret] = true
		}
	}
	for own, refs := range referenced {
		for r := range refs {
			if !own.uses[r] {
				return fmt.Errorf("ref %p missing from owner's use set", r)
			}
		}
	}
	return nil
}

// Call returns the program's calls; a thin accessor kept so Validate reads
// like the rest of the package's walkers.
func (p *Prog) Call() []*Call { return p.Calls }

func validateArg(a Arg, seenOwn map[*ResultArg]bool, referenced map[*ResultArg]map[*ResultArg]bool) error {
	switch v := a.(type) {
	case *ResultArg:
		if v.Res != nil {
			if !seenOwn[v.Res] {
				return fmt.Errorf("ref points at an Own not yet introduced")
			}
			if referenced[v.Res] == nil {
				referenced[v.Res] = make(map[*ResultArg]bool)
			}
			referenced[v.Res][v] = true
		} else if v.Dir() != DirIn {
			seenOwn[v] = true
		}
	case *PointerArg:
		if v.Res != nil {
			if err := validateArg(v.Res, seenOwn, referenced); err != nil {
				return err
			}
		}
	case *GroupArg:
		for _, in := range v.Inner {
			if in == nil {
				continue
			}
			if err := validateArg(in, seenOwn, referenced); err != nil {
				return err
			}
		}
	case *UnionArg:
		if err := validateArg(v.Option, seenOwn, referenced); err != nil {
			return err
		}
	}
	return nil
}

// fixupLengths resolves every Len/Csum placeholder produced during
// generation against the call's actual argument tree. Run once per
// generated or mutated call, after every other argument is in place.
func fixupLengths(call *Call) {
	walkArgs(call.Args, func(a Arg) {
		switch t := a.Type().(type) {
		case *LenType:
			ca := a.(*ConstArg)
			target, ok := resolvePath(call, t.Path)
			if !ok {
				ca.Val = 0
				return
			}
			val := measureArg(target, t.Unit)
			if t.Offset {
				val = byteOffset(call, t.Path)
			}
			ca.Val = val
		case *CsumType:
			ca := a.(*ConstArg)
			ca.Val = computeCsum(call, t)
		}
	})
}

func walkArgs(args []Arg, f func(Arg)) {
	for _, a := range args {
		if a == nil {
			continue
		}
		f(a)
		switch v := a.(type) {
		case *PointerArg:
			if v.Res != nil {
				walkArgs([]Arg{v.Res}, f)
			}
		case *GroupArg:
			walkArgs(v.Inner, f)
		case *UnionArg:
			walkArgs([]Arg{v.Option}, f)
		}
	}
}

// resolvePath finds the argument named by a dotted path relative to call's
// top-level parameters, descending through pointers/structs/unions.
func resolvePath(call *Call, path []string) (Arg, bool) {
	if len(path) == 0 {
		return nil, false
	}
	var cur Arg
	for i, f := range call.Meta.Args {
		if f.Name == path[0] {
			cur = call.Args[i]
			break
		}
	}
	if cur == nil {
		return nil, false
	}
	for _, seg := range path[1:] {
		switch v := cur.(type) {
		case *PointerArg:
			cur = v.Res
		case *GroupArg:
			st, ok := v.Type().(*StructType)
			if !ok {
				return nil, false
			}
			found := false
			for i, f := range st.Fields {
				if f.Name == seg {
					cur = v.Inner[i]
					found = true
					break
				}
			}
			if !found {
				return nil, false
			}
		case *UnionArg:
			cur = v.Option
		default:
			return nil, false
		}
		if cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func byteOffset(call *Call, path []string) uint64 {
	if len(path) < 2 {
		return 0
	}
	parent, ok := resolvePath(call, path[:len(path)-1])
	if !ok {
		return 0
	}
	g, ok := parent.(*GroupArg)
	if !ok {
		return 0
	}
	st, ok := g.Type().(*StructType)
	if !ok {
		return 0
	}
	field := path[len(path)-1]
	var off uint64
	for i, f := range st.Fields {
		if f.Name == field {
			break
		}
		off += argByteSize(g.Inner[i])
	}
	return off
}

func measureArg(a Arg, unit LenUnit) uint64 {
	switch unit {
	case LenUnitBits:
		return argByteSize(a) * 8
	case LenUnitElems:
		if g, ok := a.(*GroupArg); ok {
			return uint64(len(g.Inner))
		}
		return argByteSize(a)
	default:
		return argByteSize(a)
	}
}

func argByteSize(a Arg) uint64 {
	switch v := a.(type) {
	case *GroupArg:
		var sz uint64
		for _, in := range v.Inner {
			sz += argByteSize(in)
		}
		return sz
	case *DataArg:
		return v.Size()
	case nil:
		return 0
	default:
		return a.Type().Size()
	}
}

// computeCsum folds the named buffer argument's bytes into a 16-bit
// ones-complement sum, the inet checksum family every CsumKind here reduces
// to once pseudo-header fields are flattened into the buffer itself.
func computeCsum(call *Call, t *CsumType) uint64 {
	buf, ok := resolvePath(call, []string{t.Buf})
	if !ok {
		return 0
	}
	data, ok := buf.(*DataArg)
	if !ok {
		return 0
	}
	var sum uint32
	b := data.Data()
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint64(^uint16(sum))
}
