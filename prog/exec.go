// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import (
	"encoding/binary"
	"errors"
)

// ErrExecBufferTooSmall is returned by SerializeForExec when the caller's
// buffer cannot hold the packed stream; the caller must treat this as a
// non-fatal skip of the program, not an executor failure.
var ErrExecBufferTooSmall = errors.New("exec: buffer too small for program")

const (
	execArgConst  uint64 = 0
	execArgResult uint64 = 1
	execArgData   uint64 = 2
	execArgCsum   uint64 = 3
	execArgGroup  uint64 = 4
	execArgUnion  uint64 = 5
)

const execNoCopyout = ^uint64(0)
const execInstrEOF = ^uint64(0)
const execReadableFlag = uint64(1) << 63

// execWriter packs values into a fixed caller-owned buffer, failing soft
// (returning false) the moment it would overrun rather than growing —
// SerializeForExec turns the first false into ErrExecBufferTooSmall.
type execWriter struct {
	buf  []byte
	pos  int
	le   bool
	base uint64 // target.DataOffset, added to every emitted virtual address
}

func (w *execWriter) word(v uint64) bool {
	if w.pos+8 > len(w.buf) {
		return false
	}
	if w.le {
		binary.LittleEndian.PutUint64(w.buf[w.pos:], v)
	} else {
		binary.BigEndian.PutUint64(w.buf[w.pos:], v)
	}
	w.pos += 8
	return true
}

func (w *execWriter) bytes(b []byte) bool {
	if w.pos+len(b) > len(w.buf) {
		return false
	}
	copy(w.buf[w.pos:], b)
	w.pos += len(b)
	return true
}

func (w *execWriter) padTo8() bool {
	pad := (8 - w.pos%8) % 8
	if pad == 0 {
		return true
	}
	if w.pos+pad > len(w.buf) {
		return false
	}
	w.pos += pad
	return true
}

// copyoutEntry is one pending (sequence id, virtual address, size) triple
// to emit as a trailing COPYOUT instruction once a call's direct arguments
// are written.
type copyoutEntry struct {
	seq  uint64
	addr uint64
	size uint64
}

// SerializeForExec packs p into the opaque, self-delimited stream the
// executor side of the wire protocol consumes. It returns the number of
// unused trailing bytes in buf, or ErrExecBufferTooSmall when buf cannot
// hold the whole stream.
func (p *Prog) SerializeForExec(buf []byte) (int, error) {
	w := &execWriter{buf: buf, le: p.Target.LittleEndian, base: p.Target.DataOffset}
	vars := make(map[*ResultArg]uint64)
	var seq uint64

	for _, c := range p.Calls {
		var copyouts []copyoutEntry
		if !writeCopyins(w, c, vars, &seq, &copyouts) {
			return len(buf) - w.pos, ErrExecBufferTooSmall
		}
		if !w.word(c.Meta.NR) {
			return len(buf) - w.pos, ErrExecBufferTooSmall
		}
		if c.Ret != nil && len(c.Ret.uses) != 0 {
			vars[c.Ret] = seq
			if !w.word(seq) {
				return len(buf) - w.pos, ErrExecBufferTooSmall
			}
			seq++
		} else {
			if !w.word(execNoCopyout) {
				return len(buf) - w.pos, ErrExecBufferTooSmall
			}
		}
		var direct []Arg
		for _, a := range c.Args {
			if !IsPad(a.Type()) {
				direct = append(direct, a)
			}
		}
		if !w.word(uint64(len(direct))) {
			return len(buf) - w.pos, ErrExecBufferTooSmall
		}
		for _, a := range direct {
			if !writeArg(w, a, vars) {
				return len(buf) - w.pos, ErrExecBufferTooSmall
			}
		}
		for _, co := range copyouts {
			if !w.word(co.seq) || !w.word(co.addr) || !w.word(co.size) {
				return len(buf) - w.pos, ErrExecBufferTooSmall
			}
		}
	}
	if !w.word(execInstrEOF) {
		return len(buf) - w.pos, ErrExecBufferTooSmall
	}
	return len(buf) - w.pos, nil
}

// writeCopyins flattens every pointer argument's pointee into a flat list
// of (address, arg) COPYIN instructions, and records every output-direction
// leaf reachable through a pointer as a pending copyoutEntry.
func writeCopyins(w *execWriter, c *Call, vars map[*ResultArg]uint64, seq *uint64, out *[]copyoutEntry) bool {
	ok := true
	var walk func(a Arg)
	walk = func(a Arg) {
		if !ok || a == nil {
			return
		}
		switch v := a.(type) {
		case *PointerArg:
			if v.Res != nil {
				if !w.word(v.Address + w.base) {
					ok = false
					return
				}
				if !writeArg(w, v.Res, vars) {
					ok = false
					return
				}
				collectCopyouts(v.Res, v.Address+w.base, seq, out, vars)
				walk(v.Res)
			}
		case *GroupArg:
			for _, in := range v.Inner {
				walk(in)
			}
		case *UnionArg:
			walk(v.Option)
		}
	}
	for _, a := range c.Args {
		walk(a)
	}
	return ok
}

// collectCopyouts registers addr (and any nested output-direction leaves
// within a) for retrieval once the call returns. An Own ResultArg found
// here (e.g. one of pipe2's two fd array elements, produced behind a
// pointer rather than as the call's Ret) gets the same treatment a Ret
// does: it needs a sequence id entered into vars before writeArg can
// resolve a later call's Ref to it, and a copyoutEntry so the executor
// actually reports the value back.
func collectCopyouts(a Arg, addr uint64, seq *uint64, out *[]copyoutEntry, vars map[*ResultArg]uint64) {
	if a == nil || a.Dir() == DirIn {
		return
	}
	switch v := a.(type) {
	case *DataArg:
		*out = append(*out, copyoutEntry{seq: *seq, addr: addr, size: v.Size()})
		*seq++
	case *GroupArg:
		off := addr
		for _, in := range v.Inner {
			collectCopyouts(in, off, seq, out, vars)
			off += argByteSize(in)
		}
	case *UnionArg:
		collectCopyouts(v.Option, addr, seq, out, vars)
	case *ConstArg:
		*out = append(*out, copyoutEntry{seq: *seq, addr: addr, size: v.Type().Size()})
		*seq++
	case *ResultArg:
		if v.Res == nil && len(v.uses) != 0 {
			vars[v] = *seq
			*out = append(*out, copyoutEntry{seq: *seq, addr: addr, size: v.Type().Size()})
			*seq++
		}
	}
}

func writeArg(w *execWriter, a Arg, vars map[*ResultArg]uint64) bool {
	switch v := a.(type) {
	case *ConstArg:
		if _, ok := v.Type().(*CsumType); ok {
			return w.word(execArgCsum) && w.word(packMeta(v.Type())) && w.word(v.Val)
		}
		return w.word(execArgConst) && w.word(packMeta(v.Type())) && w.word(v.Val)
	case *ResultArg:
		if v.Res != nil {
			srcSeq, ok := vars[v.Res]
			if !ok {
				return false
			}
			return w.word(execArgResult) && w.word(packMeta(v.Type())) &&
				w.word(srcSeq) && w.word(v.OpDiv) && w.word(v.OpAdd) && w.word(v.Val)
		}
		return w.word(execArgResult) && w.word(packMeta(v.Type())) &&
			w.word(execNoCopyout) && w.word(0) && w.word(0) && w.word(v.Val)
	case *DataArg:
		flag := uint64(0)
		if v.Dir() != DirOut {
			typ, _ := v.Type().(*BufferType)
			if typ != nil && isReadableDataType(typ) {
				flag = execReadableFlag
			}
		}
		size := v.Size()
		if !w.word(execArgData) || !w.word(size|flag) {
			return false
		}
		if v.Dir() != DirOut {
			if !w.bytes(v.Data()) || !w.padTo8() {
				return false
			}
		}
		return true
	case *PointerArg:
		return w.word(execArgConst) && w.word(packMeta(v.Type())) && w.word(v.Address+w.base)
	case *GroupArg:
		if !w.word(execArgGroup) || !w.word(uint64(len(v.Inner))) {
			return false
		}
		for _, in := range v.Inner {
			if in == nil {
				continue
			}
			if !writeArg(w, in, vars) {
				return false
			}
		}
		return true
	case *UnionArg:
		return w.word(execArgUnion) && w.word(uint64(v.Index)) && writeArg(w, v.Option, vars)
	}
	return false
}

// packMeta folds size, binary format, bitfield offset/length, and PID
// stride into the single 64-bit word the wire format calls "Meta64".
func packMeta(t Type) uint64 {
	size := t.Size()
	var format, bfOff, bfLen, stride uint64
	switch it := t.(type) {
	case *IntType:
		format, bfOff, bfLen = uint64(it.Format), it.BitfieldOff, it.BitfieldLen
	case *ConstType:
		format = uint64(it.Format)
	case *FlagsType:
		format = uint64(it.Format)
	case *LenType:
		format = uint64(it.Format)
	case *CsumType:
		format = uint64(it.Format)
	case *ProcType:
		stride = it.ValuesPerProc
	}
	return (size & 0xffff) | (format&0xf)<<16 | (bfOff&0xff)<<20 | (bfLen&0xff)<<28 | (stride&0xffff)<<36
}
