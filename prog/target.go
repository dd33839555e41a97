// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import (
	"fmt"
	"sort"
	"sync"
)

// Target is the immutable registry of syscalls, types, and resource kinds
// for one OS/arch. Constructed once by Target.init from loader-provided
// tables and never mutated afterward; safe for concurrent read access by
// every worker since nothing about it changes after initialization.
type Target struct {
	OS       string
	Arch     string
	Revision string

	PtrSize      uint64
	PageSize     uint64
	NumPages     uint64
	DataOffset   uint64
	LittleEndian bool

	SpecialPointers []uint64

	Syscalls []*Syscall
	Types    []Type

	// EnabledCalls is Syscalls filtered by !Attrs.Disabled at load time;
	// Syscalls above still contains the disabled entries so callers that
	// need the full table (e.g. lookups by name) don't lose them.
	EnabledCalls []*Syscall

	// Derived indices, computed once in initialize and read-only afterward.
	resourceKinds   map[string]*ResourceType // kind name -> canonical Type
	kindToTypeIDs   map[string][]int
	kindSuper       map[string][]string // sorted, this kind's super-kinds
	kindSub         map[string][]string // sorted, this kind's sub-kinds
	kindProducers   map[string][]int    // sorted syscall ids producing this kind
	kindConsumers   map[string][]int    // sorted syscall ids consuming this kind

	// InfluenceMatrix is the static call-to-call relation table. Indexed by
	// Syscall.ID, entries are RelationNone/RelationSome/RelationUnknown.
	InfluenceMatrix [][]Relation
	relationMu      sync.RWMutex

	SyscallMap map[string]*Syscall

	// Consts holds loader-provided named constants (e.g. MAP_FIXED,
	// PROT_READ) that OS-specific wiring such as sys/linux needs but that
	// have no other home in the Type/Syscall tables.
	Consts map[string]uint64

	// Neutralize is set by OS-specific init (e.g. sys/linux.InitTarget) to
	// rewrite a just-generated/mutated call's arguments away from patterns
	// known to make execution non-deterministic or unsafe for the host
	// (e.g. mmap without MAP_FIXED, a reserved exit code). nil means no
	// neutralization is needed for this target.
	Neutralize func(c *Call) error

	initOnce sync.Once
}

// GetConst looks up a named constant the loader attached to this target,
// panicking on a missing name: a missing syscall/type id is a loader bug,
// not a runtime condition.
func (target *Target) GetConst(name string) uint64 {
	v, ok := target.Consts[name]
	if !ok {
		panic(fmt.Sprintf("prog: unknown const %q for %v/%v", name, target.OS, target.Arch))
	}
	return v
}

var (
	targetsMu sync.Mutex
	targets   = make(map[string]*Target)
)

// RegisterTarget makes a loader-constructed Target available to GetTarget.
// Call once per OS/arch at process init, after the loader has fully
// populated the Target's Syscalls/Types tables.
func RegisterTarget(t *Target) {
	targetsMu.Lock()
	defer targetsMu.Unlock()
	targets[t.OS+"/"+t.Arch] = t
}

// GetTarget returns the registered Target for os/arch, initializing its
// derived indices on first use.
func GetTarget(os, arch string) (*Target, error) {
	targetsMu.Lock()
	t, ok := targets[os+"/"+arch]
	targetsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown target: %v/%v", os, arch)
	}
	t.init()
	return t, nil
}

// AllTargets returns every registered target, initialized.
func AllTargets() []*Target {
	targetsMu.Lock()
	defer targetsMu.Unlock()
	var res []*Target
	for _, t := range targets {
		t.init()
		res = append(res, t)
	}
	return res
}

func (target *Target) init() {
	target.initOnce.Do(target.initialize)
}

// initialize builds every derived index (sub/super-kind lattice, resource
// producers/consumers, the influence matrix) from the loader-provided
// Syscalls/Types tables. Runs exactly once per Target via initOnce.
func (target *Target) initialize() {
	target.SyscallMap = make(map[string]*Syscall, len(target.Syscalls))
	for _, c := range target.Syscalls {
		target.SyscallMap[c.Name] = c
		if !c.Attrs.Disabled {
			target.EnabledCalls = append(target.EnabledCalls, c)
		}
	}

	target.resourceKinds = make(map[string]*ResourceType)
	target.kindToTypeIDs = make(map[string][]int)
	for _, typ := range target.Types {
		if rt, ok := typ.(*ResourceType); ok {
			name := rt.Kind.Name()
			if _, ok := target.resourceKinds[name]; !ok {
				target.resourceKinds[name] = rt
			}
			target.kindToTypeIDs[name] = append(target.kindToTypeIDs[name], rt.TypeID())
		}
	}

	// (b) classify resources as input/output per syscall by walking every
	// parameter and return type.
	for _, c := range target.Syscalls {
		c.inputResources = make(map[string]bool)
		c.outputResources = make(map[string]bool)
		walk := func(f Field) {
			foreachResource(f.Type, f.Dir, func(kind string, dir Dir) {
				switch dir {
				case DirIn:
					c.inputResources[kind] = true
				case DirOut, DirInOut:
					c.outputResources[kind] = true
				}
			})
		}
		for _, a := range c.Args {
			walk(a)
		}
		if c.Ret != nil {
			foreachResource(c.Ret, DirOut, func(kind string, dir Dir) {
				c.outputResources[kind] = true
			})
		}
	}

	// (c) sub/super-kind lattice by prefix comparison over the ordered kind path.
	target.kindSuper = make(map[string][]string)
	target.kindSub = make(map[string][]string)
	for _, a := range target.resourceKinds {
		for _, b := range target.resourceKinds {
			if a == b {
				continue
			}
			if isPrefix(b.Kind, a.Kind) {
				// b is a super-kind (prefix) of a.
				target.kindSuper[a.Kind.Name()] = append(target.kindSuper[a.Kind.Name()], b.Kind.Name())
			}
			if isPrefix(a.Kind, b.Kind) {
				target.kindSub[a.Kind.Name()] = append(target.kindSub[a.Kind.Name()], b.Kind.Name())
			}
		}
		sort.Strings(target.kindSuper[a.Kind.Name()])
		sort.Strings(target.kindSub[a.Kind.Name()])
	}

	// (d) kind -> producing/consuming syscalls, with sub-kind producer
	// augmentation when a resource has no direct producer.
	target.kindProducers = make(map[string][]int)
	target.kindConsumers = make(map[string][]int)
	for _, c := range target.Syscalls {
		for kind := range c.outputResources {
			target.kindProducers[kind] = append(target.kindProducers[kind], c.ID)
		}
		for kind := range c.inputResources {
			target.kindConsumers[kind] = append(target.kindConsumers[kind], c.ID)
		}
	}
	for kind := range target.resourceKinds {
		if len(target.kindProducers[kind]) == 0 {
			seen := make(map[int]bool)
			var union []int
			for _, sub := range target.kindSub[kind] {
				for _, id := range target.kindProducers[sub] {
					if !seen[id] {
						seen[id] = true
						union = append(union, id)
					}
				}
			}
			target.kindProducers[kind] = union
		}
	}

	// (e) sort every list for deterministic iteration.
	for kind := range target.kindProducers {
		sort.Ints(target.kindProducers[kind])
	}
	for kind := range target.kindConsumers {
		sort.Ints(target.kindConsumers[kind])
	}

	target.InfluenceMatrix = target.AnalyzeStaticInfluence()
}

// isPrefix reports whether a is a (non-strict) prefix path of b: a is a
// super-kind of b when a's path is a prefix of b's path.
func isPrefix(a, b ResourceKind) bool {
	if len(a) > len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// foreachResource walks typ recursively, invoking f for every ResourceType
// value found, with dir resolved against any per-field direction override.
func foreachResource(typ Type, dir Dir, f func(kind string, dir Dir)) {
	switch t := typ.(type) {
	case *ResourceType:
		f(t.Kind.Name(), dir)
	case *PtrType:
		d := t.ElemDir
		foreachResource(t.Elem, d, f)
	case *ArrayType:
		foreachResource(t.Elem, dir, f)
	case *StructType:
		for _, fl := range t.Fields {
			d := dir
			if fl.HasDir {
				d = fl.Dir
			}
			foreachResource(fl.Type, d, f)
		}
	case *UnionType:
		for _, fl := range t.Fields {
			d := dir
			if fl.HasDir {
				d = fl.Dir
			}
			foreachResource(fl.Type, d, f)
		}
	}
}

// SubKinds returns the sorted sub-kinds of kind.
func (target *Target) SubKinds(kind string) []string { return target.kindSub[kind] }

// SuperKinds returns the sorted super-kinds of kind.
func (target *Target) SuperKinds(kind string) []string { return target.kindSuper[kind] }

// Producers returns the sorted ids of syscalls producing kind.
func (target *Target) Producers(kind string) []int { return target.kindProducers[kind] }

// Consumers returns the sorted ids of syscalls consuming kind.
func (target *Target) Consumers(kind string) []int { return target.kindConsumers[kind] }

// ResourceKinds returns the sorted list of every resource kind name.
func (target *Target) ResourceKinds() []string {
	var kinds []string
	for k := range target.resourceKinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
