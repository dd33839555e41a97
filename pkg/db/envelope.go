// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package db

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// Envelope is the on-disk wrapper around the corpus blob
// (pkg/corpus.Corpus.Persist's gob encoding): a format version plus the
// opaque payload, versioned but otherwise private. flatc is not available
// in this environment, so this accessor and its Start/Add/End builder pair
// are hand-written in the exact shape flatc emits for a two-field table —
// see DESIGN.md.
type Envelope struct {
	_tab flatbuffers.Table
}

func GetRootAsEnvelope(buf []byte, offset flatbuffers.UOffsetT) *Envelope {
	n := flatbuffers.GetUOffsetT(buf[offset:])
	x := &Envelope{}
	x.Init(buf, n+offset)
	return x
}

func (rcv *Envelope) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *Envelope) Table() flatbuffers.Table {
	return rcv._tab
}

func (rcv *Envelope) Version() uint32 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(4))
	if o != 0 {
		return rcv._tab.GetUint32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *Envelope) Blob(j int) byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(6))
	if o != 0 {
		a := rcv._tab.Vector(o)
		return rcv._tab.Bytes[a+flatbuffers.UOffsetT(j)]
	}
	return 0
}

func (rcv *Envelope) BlobLength() int {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(6))
	if o != 0 {
		return rcv._tab.VectorLen(o)
	}
	return 0
}

func (rcv *Envelope) BlobBytes() []byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(6))
	if o != 0 {
		return rcv._tab.ByteVector(o)
	}
	return nil
}

func EnvelopeStart(builder *flatbuffers.Builder) {
	builder.StartObject(2)
}

func EnvelopeAddVersion(builder *flatbuffers.Builder, version uint32) {
	builder.PrependUint32Slot(0, version, 0)
}

func EnvelopeAddBlob(builder *flatbuffers.Builder, blob flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(1, blob, 0)
}

func EnvelopeEnd(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	return builder.EndObject()
}
