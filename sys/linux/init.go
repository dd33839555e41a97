// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package linux wires Linux-specific target knowledge into a generic
// prog.Target: the syscall description loader stays OS-agnostic, so this
// package supplies the one Linux-specific piece it can't — the argument
// neutralization hook — for Linux/amd64.
package linux

import (
	"kfuzz/prog"
	"kfuzz/sys/targets"
)

// InitTarget attaches Linux/amd64 constants and the argument-neutralization
// hook to target. Called once by the loader after target.Syscalls/Types are
// populated, before the target is registered with prog.RegisterTarget.
func InitTarget(target *prog.Target) {
	if target.Consts == nil {
		target.Consts = make(map[string]uint64)
	}
	for name, val := range linuxAmd64Consts {
		target.Consts[name] = val
	}

	a := &arch{mapFixed: target.Consts["MAP_FIXED"]}
	target.Neutralize = a.neutralize

	switch target.Arch {
	case targets.AMD64:
		if len(target.SpecialPointers) == 0 {
			target.SpecialPointers = []uint64{
				0xffffffff81000000, // kernel text
				0xffffffffff600000, // VSYSCALL_ADDR
			}
		}
	}
}

// linuxAmd64Consts is the small slice of named constants the neutralization
// hook (and anything built on top of it) needs; the full constant table is
// the syscall-description loader's job, out of scope here.
// These are deliberately plain numeric literals, not golang.org/x/sys/unix
// constants: this table describes the *target* kernel's ABI, which must
// stay fixed regardless of the host GOOS this fuzzer is built on, whereas
// unix.MAP_ANONYMOUS and friends resolve to the build host's platform.
var linuxAmd64Consts = map[string]uint64{
	"MAP_FIXED":     0x10,
	"PROT_READ":     0x1,
	"PROT_WRITE":    0x2,
	"PROT_EXEC":     0x4,
	"MAP_ANONYMOUS": 0x20,
	"MAP_PRIVATE":   0x2,
}

type arch struct {
	mapFixed uint64
}

// neutralize rewrites a call's arguments away from patterns known to make
// execution non-deterministic or unsafe for the host, matching the
// teacher's per-CallName switch in its own arch.neutralize.
func (a *arch) neutralize(c *Call) error {
	switch c.Meta.CallName {
	case "mmap":
		if len(c.Args) > 3 {
			if flags, ok := c.Args[3].(*prog.ConstArg); ok {
				flags.Val |= a.mapFixed
			}
		}
	case "exit", "exit_group":
		if len(c.Args) > 0 {
			if code, ok := c.Args[0].(*prog.ConstArg); ok && code.Val%128 == 67 {
				// 67 is reserved by the wire protocol to mean "executor
				// internal error"; a program that happens to exit with it
				// would be misclassified as a transient executor fault.
				code.Val = 1
			}
		}
	case "sched_setattr":
		if len(c.Args) > 1 {
			neutralizeSchedAttr(c.Args[1])
		}
	}
	return nil
}

// Call is a local alias for prog.Call so the neutralize signatures below
// don't repeat the package-qualified name at every call site.
type Call = prog.Call

// neutralizeSchedAttr clears SCHED_FIFO/SCHED_RR from a sched_setattr
// argument: enabling either policy can produce false-positive stall-related
// crashes unrelated to the program under test.
func neutralizeSchedAttr(a prog.Arg) {
	switch attr := a.(type) {
	case *prog.PointerArg:
		if attr.Res == nil {
			attr.Address = 0
			return
		}
		groupArg, ok := attr.Res.(*prog.GroupArg)
		if !ok || len(groupArg.Inner) < 2 {
			return
		}
		policyField, ok := groupArg.Inner[1].(*prog.ConstArg)
		if !ok {
			return
		}
		const (
			schedFIFO = 0x1
			schedRR   = 0x2
		)
		if policyField.Val == schedFIFO || policyField.Val == schedRR {
			policyField.Val = 0
		}
	case *prog.ConstArg:
		attr.Val = 0
	}
}
