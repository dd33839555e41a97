// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"kfuzz/prog"
	_ "kfuzz/sys"
)

func testTarget(t *testing.T) *prog.Target {
	target, err := prog.GetTarget("linux", "amd64")
	require.NoError(t, err)
	return target
}

// TestGenerateValidateSerializeRoundTrip exercises the full text pipeline
// (generate -> validate -> serialize -> deserialize -> reserialize) across
// every type kind the registered target knows about, for a range of seeds.
func TestGenerateValidateSerializeRoundTrip(t *testing.T) {
	target := testTarget(t)
	ct := target.DefaultChoiceTable()
	cfg := prog.DefaultGenConfig()

	for seed := int64(0); seed < 30; seed++ {
		r := prog.NewRand(seed)
		p := target.Generate(r, ct, cfg)
		require.NoError(t, p.Validate(), "seed %d", seed)
		require.NotEmpty(t, p.Calls, "seed %d", seed)

		text := p.Serialize()
		require.NotEmpty(t, text)

		parsed, err := prog.Deserialize(target, text)
		require.NoError(t, err, "seed %d:\n%s", seed, text)
		require.NoError(t, parsed.Validate(), "seed %d", seed)
		require.Equal(t, len(p.Calls), len(parsed.Calls), "seed %d", seed)

		reserialized := parsed.Serialize()
		require.Equal(t, string(text), string(reserialized), "seed %d", seed)
	}
}

// TestDeserializeRejectsEmptyProgram checks that a program with zero calls
// is treated as malformed input rather than a valid no-op program.
func TestDeserializeRejectsEmptyProgram(t *testing.T) {
	target := testTarget(t)
	_, err := prog.Deserialize(target, []byte("# just a comment\n\n"))
	require.Error(t, err)
}

// TestMutateKeepsProgramValid runs the mutator across a handful of seeds and
// checks every resulting program still satisfies the resource-closure and
// length invariants Validate enforces.
func TestMutateKeepsProgramValid(t *testing.T) {
	target := testTarget(t)
	ct := target.DefaultChoiceTable()
	genCfg := prog.DefaultGenConfig()
	mutCfg := prog.DefaultMutateConfig()

	var corpus []*prog.Prog
	for seed := int64(0); seed < 5; seed++ {
		r := prog.NewRand(seed)
		corpus = append(corpus, target.Generate(r, ct, genCfg))
	}

	for seed := int64(100); seed < 120; seed++ {
		r := prog.NewRand(seed)
		p := corpus[int(seed)%len(corpus)].Clone()
		p.Mutate(r, mutCfg, ct, corpus)
		require.NoError(t, p.Validate(), "seed %d", seed)
		require.LessOrEqual(t, len(p.Calls), mutCfg.MaxLen, "seed %d", seed)
	}
}

// TestClonePreservesCallsAndReturnsIndependentCopy checks that Clone is a
// deep-enough copy that mutating the clone leaves the original untouched.
func TestClonePreservesCallsAndReturnsIndependentCopy(t *testing.T) {
	target := testTarget(t)
	ct := target.DefaultChoiceTable()
	cfg := prog.DefaultGenConfig()
	r := prog.NewRand(7)
	p := target.Generate(r, ct, cfg)
	require.NoError(t, p.Validate())

	clone := p.Clone()
	require.Equal(t, len(p.Calls), len(clone.Calls))
	require.Equal(t, string(p.Serialize()), string(clone.Serialize()))

	mutCfg := prog.DefaultMutateConfig()
	clone.Mutate(prog.NewRand(8), mutCfg, ct, nil)
	require.NoError(t, p.Validate())
}

// TestSerializeForExecAddsDataOffset hand-builds a single open() call with a
// pointer argument and checks that the packed COPYIN address equals the
// pointer's virtual address plus target.DataOffset.
func TestSerializeForExecAddsDataOffset(t *testing.T) {
	target := testTarget(t)
	meta, ok := target.SyscallMap["open"]
	require.True(t, ok)

	const ptrAddr = uint64(0x2000)
	path := append([]byte("/tmp/kfuzz"), 0)
	fileArg := prog.MakeDataArg(meta.Args[0].Type.(*prog.PtrType).Elem, prog.DirIn, path)
	ptrArg := prog.MakePointerArg(meta.Args[0].Type, prog.DirIn, ptrAddr, fileArg)
	flagsArg := prog.MakeConstArg(meta.Args[1].Type, prog.DirIn, 0)
	modeArg := prog.MakeConstArg(meta.Args[2].Type, prog.DirIn, 0644)

	call := prog.MakeCall(meta, []prog.Arg{ptrArg, flagsArg, modeArg})
	p := &prog.Prog{Target: target, Calls: []*prog.Call{call}}
	require.NoError(t, p.Validate())

	buf := make([]byte, 4096)
	unused, err := p.SerializeForExec(buf)
	require.NoError(t, err)
	packed := buf[:len(buf)-unused]

	wantAddr := ptrAddr + target.DataOffset
	require.True(t, containsLEWord(packed, wantAddr), "packed exec stream does not contain address word %#x", wantAddr)
}

func containsLEWord(buf []byte, want uint64) bool {
	var w [8]byte
	binary.LittleEndian.PutUint64(w[:], want)
	return bytes.Contains(buf, w[:])
}
