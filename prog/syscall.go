// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

// Syscall is the immutable descriptor for one system call: id, call-number,
// name, parameters, optional return type, attributes, and the precomputed
// input/output resource-kind sets the generator uses to pick producers and
// consumers without re-walking every parameter on each call.
type Syscall struct {
	ID       int
	NR       uint64 // kernel call number; ^uint64(0) for pseudo-syscalls
	Name     string
	CallName string // name without the "$variant" suffix
	Args     []Field
	Ret      Type

	Attrs SyscallAttrs

	// Precomputed once by Target construction, not per-generation.
	inputResources  map[string]bool // resource kind name -> consumed (DirIn)
	outputResources map[string]bool // resource kind name -> produced (DirOut/DirInOut/Ret)
}

// SyscallAttrs holds the per-syscall execution knobs: whether it's disabled,
// its timeouts, and whether its return value is meaningful.
type SyscallAttrs struct {
	Disabled      bool
	CallTimeoutMs uint64
	ProgTimeoutMs uint64
	IgnoreReturn  bool
	BreaksReturns bool
}

// InputResources returns the resource kinds this call consumes (DirIn,
// non-optional parameters).
func (s *Syscall) InputResources() map[string]bool { return s.inputResources }

// OutputResources returns the resource kinds this call produces (DirOut or
// DirInOut parameters, or its return value).
func (s *Syscall) OutputResources() map[string]bool { return s.outputResources }
