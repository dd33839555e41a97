// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package ipc speaks the host/executor wire protocol: a handshake, then one
// ExecuteReq + serialized program per transaction, followed by a stream of
// CallReply records terminated by one ExecuteReply.
package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"kfuzz/pkg/log"
	"kfuzz/prog"
)

const (
	inMagic  uint64 = 0xba1129ba1129
	outMagic uint32 = 0xbaaaaaba
)

// EnvFlags is the executor environment bitset, set once at handshake and
// unchanged for the life of the Conn.
type EnvFlags uint64

const (
	FlagDebug EnvFlags = 1 << iota
	FlagSignal
	FlagSandboxSetuid
	FlagSandboxNamespace
	FlagSandboxAndroid
	FlagExtraCover
	FlagEnableTun
	FlagEnableNetdev
	FlagEnableNetReset
	FlagEnableCgroups
	FlagEnableCloseFDs
	FlagEnableDevlinkPCI
	FlagEnableVhciInjection
	FlagEnableWifi
)

// ExecFlags is the per-transaction execution bitset.
type ExecFlags uint64

const (
	FlagCollectCover ExecFlags = 1 << iota
	FlagDedupCover
	FlagInjectFault
	FlagCollectComps
	FlagThreaded
	FlagCollide
	FlagEnableCoverageFilter
)

// ExecutorInternalError is the reserved "executor internal error" exit
// status; the driver treats it as transient rather than a real crash.
const ExecutorInternalError = 67

// WatchdogTimeout is the hard host-side timer bounding one transaction,
// roughly 20s in production. A var, not a const, so tests can shrink it
// instead of waiting out the real timeout.
var WatchdogTimeout = 20 * time.Second

var (
	ErrWatchdog      = errors.New("ipc: executor transaction timed out")
	ErrBrokenPipe    = errors.New("ipc: broken pipe talking to executor")
	ErrBadMagic      = errors.New("ipc: bad magic in reply")
	ErrDuplicateIdx  = errors.New("ipc: duplicate call reply index")
)

// ExtraIndex marks an "extra" reply: coverage observed outside any specific
// call.
const ExtraIndex = ^uint32(0)

// doneIndex is the sentinel this implementation uses to tell a terminating
// ExecuteReply apart from an in-stream CallReply sharing the same
// magic+u32+u32 wire prefix; it is never a valid call or extra index.
const doneIndex = ExtraIndex - 1

// Config configures one Conn: timeouts and feature flags relevant to the
// wire protocol.
type Config struct {
	EnvFlags          EnvFlags
	ExecFlags         ExecFlags
	Pid               int
	CallTimeoutMs     uint64
	ProgramTimeoutMs  uint64
	SlowdownScale     uint64
	UseShmem          bool
}

// Conn is a live connection to one in-guest executor process.
type Conn struct {
	cfg Config
	nc  net.Conn
	r   *bufio.Reader
	w   *bufio.Writer
}

// Dial connects to the executor's stream socket and performs the
// HandshakeReq/Reply exchange.
func Dial(addr string, cfg Config) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial executor: %w", err)
	}
	c := &Conn{cfg: cfg, nc: nc, r: bufio.NewReader(nc), w: bufio.NewWriter(nc)}
	if err := c.handshake(); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake() error {
	if err := writeWords(c.w, inMagic, uint64(c.cfg.EnvFlags), uint64(c.cfg.Pid)); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	var magic uint32
	if err := binary.Read(c.r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("ipc: handshake reply: %w", err)
	}
	if magic != outMagic {
		return ErrBadMagic
	}
	return nil
}

func (c *Conn) Close() error { return c.nc.Close() }

// ExecuteReq describes one transaction request.
type ExecuteReq struct {
	FaultCall int64
	FaultNth  int64
	Prog      []byte // empty when using shared memory
}

// CallInfo is one decoded CallReply record.
type CallInfo struct {
	Index   uint32
	Num     uint32
	Errno   int32
	Flags   uint32
	Branch  []uint32
	Blocks  []uint32
	Comps   []byte
}

// Result is the outcome of one transaction.
type Result struct {
	Calls  []CallInfo
	Status int32
	Done   bool
}

// Execute runs one program transaction end to end, enforcing the watchdog
// timeout. On timeout it returns the partial Result gathered so far along
// with ErrWatchdog, which the driver classifies as Failed rather than
// Crash.
func (c *Conn) Execute(req ExecuteReq) (Result, error) {
	done := make(chan struct{})
	var res Result
	var err error
	go func() {
		defer close(done)
		res, err = c.executeSync(req)
	}()
	select {
	case <-done:
		return res, err
	case <-time.After(WatchdogTimeout):
		c.nc.Close()
		<-done
		return res, ErrWatchdog
	}
}

func (c *Conn) executeSync(req ExecuteReq) (Result, error) {
	progSize := uint64(len(req.Prog))
	err := writeWords(c.w, inMagic, uint64(c.cfg.EnvFlags), uint64(c.cfg.ExecFlags), uint64(c.cfg.Pid),
		uint64(req.FaultCall), uint64(req.FaultNth), c.cfg.CallTimeoutMs,
		c.cfg.ProgramTimeoutMs, c.cfg.SlowdownScale, progSize)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBrokenPipe, err)
	}
	if !c.cfg.UseShmem && progSize > 0 {
		if _, err := c.w.Write(req.Prog); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrBrokenPipe, err)
		}
	}
	if err := c.w.Flush(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBrokenPipe, err)
	}

	var res Result
	seen := make(map[uint32]bool)
	for {
		magic, err := readU32(c.r)
		if err != nil {
			return res, fmt.Errorf("%w: %v", ErrBrokenPipe, err)
		}
		if magic != outMagic {
			return res, ErrBadMagic
		}
		a, err := readU32(c.r)
		if err != nil {
			return res, err
		}
		b, err := readU32(c.r)
		if err != nil {
			return res, err
		}
		// ExecuteReply and CallReply share a magic+u32+u32 prefix; this
		// implementation's executor side marks the terminator with the
		// reserved doneIndex rather than overloading a real call index.
		if a == doneIndex {
			res.Status = int32(b)
			res.Done = true
			return res, nil
		}
		index := a
		num := b
		if seen[index] && index != ExtraIndex {
			return res, ErrDuplicateIdx
		}
		seen[index] = true
		var errno int32
		var flags, branchLen, blockLen, compsLen uint32
		if err := binary.Read(c.r, binary.LittleEndian, &errno); err != nil {
			return res, err
		}
		for _, p := range []*uint32{&flags, &branchLen, &blockLen, &compsLen} {
			v, err := readU32(c.r)
			if err != nil {
				return res, err
			}
			*p = v
		}
		ci := CallInfo{Index: index, Num: num, Errno: errno, Flags: flags}
		ci.Branch = make([]uint32, branchLen)
		for i := range ci.Branch {
			v, err := readU32(c.r)
			if err != nil {
				return res, err
			}
			ci.Branch[i] = v
		}
		ci.Blocks = make([]uint32, blockLen)
		for i := range ci.Blocks {
			v, err := readU32(c.r)
			if err != nil {
				return res, err
			}
			ci.Blocks[i] = v
		}
		if compsLen > 0 {
			ci.Comps = make([]byte, compsLen)
			if _, err := io.ReadFull(c.r, ci.Comps); err != nil {
				return res, err
			}
		}
		res.Calls = append(res.Calls, ci)
	}
}

func writeWords(w io.Writer, words ...uint64) error {
	buf := make([]byte, 8*len(words))
	for i, v := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	_, err := w.Write(buf)
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

// SerializeProgram is a thin wrapper around prog.Prog.SerializeForExec that
// logs and discards programs the caller's buffer cannot hold rather than
// treating an oversized program as fatal.
func SerializeProgram(p *prog.Prog, bufSize int) ([]byte, bool) {
	buf := make([]byte, bufSize)
	n, err := p.SerializeForExec(buf)
	if err != nil {
		log.Logf(1, "ipc: program too large to serialize (%v), skipping", err)
		return nil, false
	}
	return buf[:len(buf)-n], true
}

// KillOnSignal reports whether sig is one ipc treats as a clean executor
// shutdown rather than a crash. Nothing in this tree calls it; the driver's
// restart path does not inspect executor signals.
func KillOnSignal(sig unix.Signal) bool {
	return sig == unix.SIGTERM || sig == unix.SIGKILL
}
