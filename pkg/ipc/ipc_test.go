// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipc_test

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kfuzz/pkg/ipc"
	"kfuzz/prog"
	_ "kfuzz/sys"
)

// stubExecutor accepts exactly one connection, performs the HandshakeReq/
// Reply exchange, and then hands the request+response framing to fn — a
// minimal stand-in for the in-guest executor binary.
func stubExecutor(t *testing.T, fn func(nc net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()

		// HandshakeReq: magic | env_flags | pid, three u64 words.
		hdr := make([]byte, 24)
		if _, err := readFull(nc, hdr); err != nil {
			return
		}
		// HandshakeReply: magic(u32).
		var reply [4]byte
		binary.LittleEndian.PutUint32(reply[:], 0xbaaaaaba)
		if _, err := nc.Write(reply[:]); err != nil {
			return
		}
		fn(nc)
	}()
	return ln.Addr().String()
}

func readFull(nc net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := nc.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// readExecuteReq consumes ExecuteReq's ten u64 words plus the following
// prog_size bytes of program, returning those program bytes.
func readExecuteReq(t *testing.T, nc net.Conn) []byte {
	t.Helper()
	words := make([]byte, 8*10)
	_, err := readFull(nc, words)
	require.NoError(t, err)
	progSize := binary.LittleEndian.Uint64(words[8*9:])
	if progSize == 0 {
		return nil
	}
	data := make([]byte, progSize)
	_, err = readFull(nc, data)
	require.NoError(t, err)
	return data
}

func writeCallReply(t *testing.T, nc net.Conn, index, num uint32, errno, flags int32, branch, blocks []uint32) {
	t.Helper()
	buf := make([]byte, 0, 4+4+4+4+4+4+4+4*(len(branch)+len(blocks)))
	put32 := func(v uint32) { buf = append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24)) }
	put32(0xbaaaaaba)
	put32(index)
	put32(num)
	put32(uint32(errno))
	put32(uint32(flags))
	put32(uint32(len(branch)))
	put32(uint32(len(blocks)))
	put32(0) // comps_len
	for _, v := range branch {
		put32(v)
	}
	for _, v := range blocks {
		put32(v)
	}
	_, err := nc.Write(buf)
	require.NoError(t, err)
}

func writeExecuteReply(t *testing.T, nc net.Conn, status int32) {
	t.Helper()
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:], 0xbaaaaaba)
	binary.LittleEndian.PutUint32(buf[4:], 0xFFFFFFFE) // doneIndex sentinel
	binary.LittleEndian.PutUint32(buf[8:], uint32(status))
	_, err := nc.Write(buf)
	require.NoError(t, err)
}

func genProgram(t *testing.T) *prog.Prog {
	t.Helper()
	target, err := prog.GetTarget("linux", "amd64")
	require.NoError(t, err)
	ct := target.DefaultChoiceTable()
	p := target.Generate(prog.NewRand(1), ct, prog.DefaultGenConfig())
	require.NoError(t, p.Validate())
	return p
}

func TestHandshakeAndExecuteNormal(t *testing.T) {
	addr := stubExecutor(t, func(nc net.Conn) {
		readExecuteReq(t, nc)
		writeCallReply(t, nc, 0, 0, 0, 1, []uint32{10, 20}, []uint32{30})
		writeExecuteReply(t, nc, 0)
	})

	conn, err := ipc.Dial(addr, ipc.Config{})
	require.NoError(t, err)
	defer conn.Close()

	p := genProgram(t)
	data, ok := ipc.SerializeProgram(p, 1<<16)
	require.True(t, ok)

	res, err := conn.Execute(ipc.ExecuteReq{FaultCall: -1, FaultNth: -1, Prog: data})
	require.NoError(t, err)
	require.True(t, res.Done)
	require.EqualValues(t, 0, res.Status)
	require.Len(t, res.Calls, 1)
	require.Equal(t, []uint32{10, 20}, res.Calls[0].Branch)
	require.Equal(t, []uint32{30}, res.Calls[0].Blocks)
}

func TestExecuteDuplicateIndexIsProtocolError(t *testing.T) {
	addr := stubExecutor(t, func(nc net.Conn) {
		readExecuteReq(t, nc)
		writeCallReply(t, nc, 0, 0, 0, 0, nil, nil)
		writeCallReply(t, nc, 0, 0, 0, 0, nil, nil)
		writeExecuteReply(t, nc, 0)
	})

	conn, err := ipc.Dial(addr, ipc.Config{})
	require.NoError(t, err)
	defer conn.Close()

	p := genProgram(t)
	data, ok := ipc.SerializeProgram(p, 1<<16)
	require.True(t, ok)

	_, err = conn.Execute(ipc.ExecuteReq{FaultCall: -1, FaultNth: -1, Prog: data})
	require.ErrorIs(t, err, ipc.ErrDuplicateIdx)
}

func TestExecuteWatchdogTimeout(t *testing.T) {
	old := ipc.WatchdogTimeout
	ipc.WatchdogTimeout = 50 * time.Millisecond
	defer func() { ipc.WatchdogTimeout = old }()

	addr := stubExecutor(t, func(nc net.Conn) {
		readExecuteReq(t, nc)
		time.Sleep(time.Second)
	})

	conn, err := ipc.Dial(addr, ipc.Config{})
	require.NoError(t, err)
	defer conn.Close()

	p := genProgram(t)
	data, ok := ipc.SerializeProgram(p, 1<<16)
	require.True(t, ok)

	_, err = conn.Execute(ipc.ExecuteReq{FaultCall: -1, FaultNth: -1, Prog: data})
	require.ErrorIs(t, err, ipc.ErrWatchdog)
}

// The serializer must fail, not write a truncated-but-valid stream, when
// the caller's buffer is too small.
func TestSerializeProgramBufferTooSmall(t *testing.T) {
	p := genProgram(t)
	_, ok := ipc.SerializeProgram(p, 64)
	require.False(t, ok)
}
