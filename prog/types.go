// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import "fmt"

// Dir is the parameter direction: whether the kernel reads the argument,
// writes it, or both.
type Dir int

const (
	DirIn Dir = iota
	DirOut
	DirInOut
)

func (d Dir) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	case DirInOut:
		return "inout"
	default:
		return "unknown"
	}
}

// BinaryFormat is the integer-family encoding descriptor: the wire shape an
// Int/Const/Flags/Len/Csum/Proc value is packed as.
type BinaryFormat int

const (
	FormatNative BinaryFormat = iota
	FormatBigEndian
	FormatStrDec
	FormatStrHex
	FormatStrOct
)

// Type is the common interface implemented by every syntactic argument kind.
// Concrete types form a closed tagged sum, dispatched on via a Go type
// switch at each call site rather than a trait-object hierarchy: the set of
// kinds is fixed and known up front, so a switch is simpler than a vtable.
type Type interface {
	String() string
	Name() string
	TypeID() int
	Size() uint64
	Alignment() uint64
	Optional() bool
	Varlen() bool
	DefaultDir() Dir
}

// TypeCommon carries the attributes every Type has: id, name, size,
// alignment, and the optional/varlen flags.
type TypeCommon struct {
	TypeName   string
	TypeSize   uint64
	TypeAlign  uint64
	ID         int
	IsOptional bool
	IsVarlen   bool
	ArgDir     Dir // the default/declared direction for this occurrence
}

func (t *TypeCommon) Name() string      { return t.TypeName }
func (t *TypeCommon) TypeID() int       { return t.ID }
func (t *TypeCommon) Size() uint64      { return t.TypeSize }
func (t *TypeCommon) Alignment() uint64 { return t.TypeAlign }
func (t *TypeCommon) Optional() bool    { return t.IsOptional }
func (t *TypeCommon) Varlen() bool      { return t.IsVarlen }
func (t *TypeCommon) DefaultDir() Dir   { return t.ArgDir }

// IntKind distinguishes the integer family's derived meaning: a plain
// integer versus a constant, flag set, length, checksum, or per-process
// value.
type IntKind int

const (
	IntPlain IntKind = iota
	IntConst
	IntFlags
	IntLen
	IntCsum
	IntProc
)

// IntTypeCommon is shared by every integer-family type: its binary encoding
// descriptor plus kind-specific payload.
type IntTypeCommon struct {
	TypeCommon
	Kind      IntKind
	Format    BinaryFormat
	BitfieldOff uint64
	BitfieldLen uint64
	BitfieldUnit uint64
	ArgRangeBegin uint64
	ArgRangeEnd   uint64
	Align         uint64 // value alignment within range, 0 = none
}

func (t *IntTypeCommon) String() string { return fmt.Sprintf("int:%v", t.TypeName) }

// IntType is a plain integer parameter drawing from a range or width.
type IntType struct{ IntTypeCommon }

// ConstType always yields its single literal value.
type ConstType struct {
	IntTypeCommon
	Val uint64
}

// FlagsType ORs together 1..k values drawn from Vals.
type FlagsType struct {
	IntTypeCommon
	Vals   []uint64
	Bitmask bool
}

// LenType's value is a placeholder filled in after the rest of the call's
// arguments are generated, by walking Path to the field it measures.
type LenType struct {
	IntTypeCommon
	Path []string // syscall.arg.field... path expression
	Unit LenUnit
	Offset bool // byte offset of a field, rather than its size
}

type LenUnit int

const (
	LenUnitBytes LenUnit = iota
	LenUnitBits
	LenUnitElems
)

// CsumType is resolved by the length fix-up pass like LenType, but computes
// a checksum over a byte range rather than a size.
type CsumType struct {
	IntTypeCommon
	Buf  string // name of the buffer argument the checksum covers
	Kind CsumKind
}

type CsumKind int

const (
	CsumInet CsumKind = iota
	CsumPseudo
)

// ProcType returns a per-instance stride; the executor layers a per-PID
// offset on top at execution time, so two concurrent instances of the same
// program don't collide on the same id/port/offset.
type ProcType struct {
	IntTypeCommon
	ValuesStart  uint64
	ValuesPerProc uint64
}

// ResourceKind is the ordered path identifying a resource's place in the
// sub/super-kind lattice, most general first (e.g. ["fd", "fd_sock",
// "fd_sock_tcp"]); a prefix of another kind's path is its super-kind.
type ResourceKind []string

func (k ResourceKind) String() string { return fmt.Sprintf("%v", []string(k)) }

// Name returns the leaf (most specific) kind name.
func (k ResourceKind) Name() string {
	if len(k) == 0 {
		return ""
	}
	return k[len(k)-1]
}

// ResourceType is a named resource kind value: an fd, a socket, or similar
// handle that one call produces and another consumes.
type ResourceType struct {
	TypeCommon
	Kind     ResourceKind
	Values   []uint64 // special literal values, e.g. well-known fds
	FormatIt BinaryFormat
}

func (t *ResourceType) String() string { return "resource:" + t.Kind.String() }

// BufferKind distinguishes blob/string/filename/text payloads.
type BufferKind int

const (
	BufferBlobRand BufferKind = iota
	BufferBlobRange
	BufferString
	BufferFilename
	BufferText
	BufferGlob
)

type TextKind int

const (
	TextX86Real TextKind = iota
	TextX86bit16
	TextX86bit32
	TextX86bit64
	TextArm64
)

// BufferType is a blob, or a string/filename with a value list and NUL
// policy, or text with a code-flavor tag.
type BufferType struct {
	TypeCommon
	Kind        BufferKind
	RangeBegin  uint64
	RangeEnd    uint64
	Values      []string // string/filename value list
	NoZ         bool     // type is "noz": no trailing NUL appended
	SubKind     string
	Text        TextKind
}

func (t *BufferType) String() string { return "buffer:" + t.TypeName }

// ArrayKind distinguishes fixed-length arrays from ranged ones.
type ArrayKind int

const (
	ArrayRandLen ArrayKind = iota
	ArrayRangeLen
)

// ArrayType is an element type plus an optional length range.
type ArrayType struct {
	TypeCommon
	Elem       Type
	Kind       ArrayKind
	RangeBegin uint64
	RangeEnd   uint64
}

func (t *ArrayType) String() string { return "array:" + t.Elem.String() }

// PtrType is a pointee type plus direction.
type PtrType struct {
	TypeCommon
	Elem    Type
	ElemDir Dir
}

func (t *PtrType) String() string { return "ptr:" + t.Elem.String() }

// VmaType describes a virtual memory area parameter: an address plus a
// page-count range, used by calls like mmap that take a region rather than
// a single value.
type VmaType struct {
	TypeCommon
	RangeBegin uint64 // page count range
	RangeEnd   uint64
}

func (t *VmaType) String() string { return "vma" }

// Field is one ordered struct/union member.
type Field struct {
	Name   string
	Type   Type
	Dir    Dir
	HasDir bool // per-field direction override present
}

// StructType is an ordered set of fields with per-field direction override
// and alignment attribute.
type StructType struct {
	TypeCommon
	Fields   []Field
	AlignAttr uint64
}

func (t *StructType) String() string { return "struct:" + t.TypeName }

// UnionType is an ordered set of options; a value picks exactly one.
type UnionType struct {
	TypeCommon
	Fields []Field
}

func (t *UnionType) String() string { return "union:" + t.TypeName }

// IsPad reports whether typ is a zero-value padding const; the serializer
// omits these from COPYIN since the executor already zero-fills argument
// memory, so writing them would be redundant.
func IsPad(typ Type) bool {
	ct, ok := typ.(*ConstType)
	return ok && ct.Val == 0 && ct.TypeName == "pad"
}
