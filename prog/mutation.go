// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import "sort"

// MutateConfig tunes the mutator's operator weights. Mirrors GenConfig's
// role for the generator: defaults match the literal weights this mutator
// was tuned against, exposed so a corpus-tuned manager can adjust them
// over a run.
type MutateConfig struct {
	Gen GenConfig

	InsertCallBias  float64 // append a freshly generated call
	RemoveCallBias  float64 // drop a call and rewire its resource users
	SpliceBias      float64 // splice in a run of calls from another program
	MutateArgBias   float64 // perturb one argument of an existing call
	SquashBias      float64 // replace a pointee subtree with a fresh one

	MaxLen int
}

func DefaultMutateConfig() MutateConfig {
	return MutateConfig{
		Gen:            DefaultGenConfig(),
		InsertCallBias: 0.25,
		RemoveCallBias: 0.15,
		SpliceBias:     0.15,
		MutateArgBias:  0.35,
		SquashBias:     0.10,
		MaxLen:         32,
	}
}

// Mutate applies one or a few mutation operators to p in place, mutating
// the receiver rather than allocating a fresh Prog per step.
func (p *Prog) Mutate(r *Rand, cfg MutateConfig, ct *ChoiceTable, corpus []*Prog) {
	p.Target.init()
	for iter, stop := 0, false; !stop; iter++ {
		switch pickMutationOp(r, cfg, len(p.Calls), len(corpus)) {
		case opInsertCall:
			insertCall(p, r, cfg, ct)
		case opRemoveCall:
			removeCall(p, r)
		case opSplice:
			splice(p, r, corpus)
		case opMutateArg:
			mutateArg(p, r, cfg)
		case opSquash:
			squashPointee(p, r, cfg)
		}
		stop = len(p.Calls) == 0 || !r.Bias(0.4) || iter >= 4
	}
	if len(p.Calls) > cfg.MaxLen {
		p.Calls = p.Calls[:cfg.MaxLen]
	}
	for _, c := range p.Calls {
		fixupLengths(c)
	}
	p.debugValidate()
}

type mutationOp int

const (
	opInsertCall mutationOp = iota
	opRemoveCall
	opSplice
	opMutateArg
	opSquash
)

func pickMutationOp(r *Rand, cfg MutateConfig, curLen, corpusLen int) mutationOp {
	total := cfg.InsertCallBias + cfg.RemoveCallBias + cfg.MutateArgBias + cfg.SquashBias
	if corpusLen > 0 {
		total += cfg.SpliceBias
	}
	x := r.Float64() * total
	if x -= cfg.InsertCallBias; x < 0 {
		return opInsertCall
	}
	if curLen > 0 {
		if x -= cfg.RemoveCallBias; x < 0 {
			return opRemoveCall
		}
	}
	if corpusLen > 0 {
		if x -= cfg.SpliceBias; x < 0 {
			return opSplice
		}
	}
	if curLen > 0 {
		if x -= cfg.MutateArgBias; x < 0 {
			return opMutateArg
		}
	}
	return opSquash
}

// insertCall appends one freshly generated call, consuming produced
// resources of the existing program where possible so the new call is more
// likely to land a useful consumer.
func insertCall(p *Prog, r *Rand, cfg MutateConfig, ct *ChoiceTable) {
	ctx := newGenCtx(p.Target, r, cfg.Gen)
	for _, c := range p.Calls {
		for _, a := range c.Args {
			ctx.recordProduced(a)
		}
		if c.Ret != nil {
			ctx.recordProduced(c.Ret)
		}
	}
	var meta *Syscall
	if r.Bias(cfg.Gen.ConsumerSelectBias) {
		meta = ctx.pickConsumer()
	}
	if meta == nil {
		meta = p.Target.EnabledCalls[r.Intn(len(p.Target.EnabledCalls))]
	}
	call := ctx.genCall(meta)
	p.Calls = append(p.Calls, call)
}

// removeCall drops one call, rewiring every Ref that pointed at one of its
// Owns to a different surviving Own of the same kind, or to Null when none
// remains.
func removeCall(p *Prog, r *Rand) {
	if len(p.Calls) == 0 {
		return
	}
	p.RemoveCallAt(r.Intn(len(p.Calls)))
}

// RemoveCallAt drops the call at idx in place, rewiring every Ref that
// pointed at one of its Owns to a surviving Own of the same kind, or to Null
// when none remains. It is the deterministic building block both the
// mutator's remove-call operator and minimization (prog/minimization.go)
// share, so the closure-rewiring logic lives in exactly one place.
func (p *Prog) RemoveCallAt(idx int) {
	removed := p.Calls[idx]
	owns := collectOwns(removed)
	for _, own := range owns {
		kind := own.Type().(*ResourceType).Kind.Name()
		replacement := findReplacementOwn(p, idx, kind)
		for ref := range own.uses {
			if replacement != nil {
				ref.Res = replacement
				if replacement.uses == nil {
					replacement.uses = make(map[*ResultArg]bool)
				}
				replacement.uses[ref] = true
			} else {
				ref.Res = nil
				ref.Val = 0
			}
		}
	}
	p.Calls = append(p.Calls[:idx], p.Calls[idx+1:]...)
}

func collectOwns(c *Call) []*ResultArg {
	var owns []*ResultArg
	walkArgs(c.Args, func(a Arg) {
		if ra, ok := a.(*ResultArg); ok && ra.Res == nil && len(ra.uses) != 0 {
			owns = append(owns, ra)
		}
	})
	if c.Ret != nil && len(c.Ret.uses) != 0 {
		owns = append(owns, c.Ret)
	}
	return owns
}

// findReplacementOwn returns some Own of kind introduced strictly before
// position idx in p, preferring one not already produced by the call being
// removed, or nil if none exists.
func findReplacementOwn(p *Prog, idx int, kind string) *ResultArg {
	var candidates []*ResultArg
	for i, c := range p.Calls {
		if i >= idx {
			break
		}
		walkArgs(c.Args, func(a Arg) {
			if ra, ok := a.(*ResultArg); ok && ra.Res == nil {
				if rt, ok := ra.Type().(*ResourceType); ok && rt.Kind.Name() == kind {
					candidates = append(candidates, ra)
				}
			}
		})
		if c.Ret != nil {
			if rt, ok := c.Ret.Type().(*ResourceType); ok && rt.Kind.Name() == kind {
				candidates = append(candidates, c.Ret)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

// splice appends a short run of calls from another corpus program onto the
// end. A donor call in [start, end) may reference an Own introduced by an
// earlier donor call outside the run, so the run alone isn't always
// self-contained: spliceClosure pulls in whatever antecedent calls those
// references need, transitively, so every Ref appended to p still resolves
// to an Own also appended to p.
func splice(p *Prog, r *Rand, corpus []*Prog) {
	if len(corpus) == 0 {
		return
	}
	donor := corpus[r.Intn(len(corpus))]
	if len(donor.Calls) == 0 {
		return
	}
	start := r.Intn(len(donor.Calls))
	end := start + 1 + r.Intn(min(3, len(donor.Calls)-start))
	clone := donor.Clone()
	for _, i := range spliceClosure(clone, start, end) {
		p.Calls = append(p.Calls, clone.Calls[i])
	}
}

// spliceClosure returns, in ascending order, every call index in [start,
// end) plus every antecedent call index that a Ref within that range (or
// within an antecedent call already pulled in) depends on. Copying exactly
// this set keeps every Own a copied Ref points at within the copied set.
func spliceClosure(clone *Prog, start, end int) []int {
	ownCall := make(map[*ResultArg]int)
	for i, c := range clone.Calls {
		walkArgs(c.Args, func(a Arg) {
			if ra, ok := a.(*ResultArg); ok && ra.Res == nil {
				ownCall[ra] = i
			}
		})
		if c.Ret != nil {
			ownCall[c.Ret] = i
		}
	}

	included := make(map[int]bool)
	var include func(i int)
	include = func(i int) {
		if included[i] {
			return
		}
		included[i] = true
		walkArgs(clone.Calls[i].Args, func(a Arg) {
			if ra, ok := a.(*ResultArg); ok && ra.Res != nil {
				if oi, ok := ownCall[ra.Res]; ok {
					include(oi)
				}
			}
		})
	}
	for i := start; i < end; i++ {
		include(i)
	}

	idxs := make([]int, 0, len(included))
	for i := range included {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	return idxs
}

// Clone deep-copies a program so mutation never aliases argument trees
// shared with a corpus entry.
func (p *Prog) Clone() *Prog {
	np := &Prog{Target: p.Target}
	own := make(map[*ResultArg]*ResultArg)
	for _, c := range p.Calls {
		nc := &Call{Meta: c.Meta, Props: c.Props}
		for _, a := range c.Args {
			nc.Args = append(nc.Args, cloneArg(a, own))
		}
		if c.Ret != nil {
			nc.Ret = cloneArg(c.Ret, own).(*ResultArg)
		}
		np.Calls = append(np.Calls, nc)
	}
	return np
}

func cloneArg(a Arg, own map[*ResultArg]*ResultArg) Arg {
	switch v := a.(type) {
	case *ConstArg:
		cp := *v
		return &cp
	case *PointerArg:
		cp := *v
		if v.Res != nil {
			cp.Res = cloneArg(v.Res, own)
		}
		return &cp
	case *DataArg:
		nd := MakeDataArg(v.Type(), v.Dir(), v.data)
		nd.size = v.size
		return nd
	case *GroupArg:
		inner := make([]Arg, len(v.Inner))
		for i, in := range v.Inner {
			if in != nil {
				inner[i] = cloneArg(in, own)
			}
		}
		return MakeGroupArg(v.Type(), v.Dir(), inner)
	case *UnionArg:
		return MakeUnionArg(v.Type(), v.Dir(), cloneArg(v.Option, own), v.Index)
	case *ResultArg:
		if v.Res == nil {
			nv := &ResultArg{ArgCommon: v.ArgCommon, Val: v.Val}
			own[v] = nv
			return nv
		}
		src := v.Res
		if own[src] == nil {
			own[src] = cloneArg(src, own).(*ResultArg)
		}
		return MakeResultArg(v.Type(), v.Dir(), own[src], v.Val)
	}
	panic("unknown arg kind in Clone")
}

// mutableArgs lists every scalar/buffer leaf reachable from call's argument
// trees, in mutable-argument priority order: buffers and integers first
// (the highest mutation yield), then resources, pointers and aggregates
// last.
func mutableArgs(c *Call) []Arg {
	var bufsInts, reses, rest []Arg
	walkArgs(c.Args, func(a Arg) {
		switch a.(type) {
		case *DataArg, *ConstArg:
			bufsInts = append(bufsInts, a)
		case *ResultArg:
			reses = append(reses, a)
		case *PointerArg:
			rest = append(rest, a)
		}
	})
	return append(append(bufsInts, reses...), rest...)
}

func mutateArg(p *Prog, r *Rand, cfg MutateConfig) {
	ci := r.Intn(len(p.Calls))
	c := p.Calls[ci]
	args := mutableArgs(c)
	if len(args) == 0 {
		return
	}
	a := args[r.Intn(len(args))]
	switch v := a.(type) {
	case *ConstArg:
		mutateInt(r, v)
	case *DataArg:
		mutateBuffer(r, v, cfg.Gen)
	case *ResultArg:
		mutateResult(p, r, ci, v)
	case *PointerArg:
		if v.Optional() == false {
			return
		}
		if v.Res == nil {
			v.Address = 0
		}
	}
}

func (a *PointerArg) Optional() bool { return a.ArgType.Optional() }

func mutateInt(r *Rand, a *ConstArg) {
	switch r.Intn(4) {
	case 0:
		a.Val = ^a.Val
	case 1:
		a.Val += uint64(1 + r.Intn(4))
	case 2:
		a.Val -= uint64(1 + r.Intn(4))
	default:
		a.Val ^= uint64(1) << uint(r.Intn(64))
	}
}

func mutateResult(p *Prog, r *Rand, callIdx int, a *ResultArg) {
	if a.Res == nil {
		return
	}
	kind := a.Type().(*ResourceType).Kind.Name()
	repl := findReplacementOwn(p, len(p.Calls), kind)
	_ = callIdx
	if repl != nil && repl != a.Res {
		delete(a.Res.uses, a)
		a.Res = repl
		if repl.uses == nil {
			repl.uses = make(map[*ResultArg]bool)
		}
		repl.uses[a] = true
	}
}

// squashPointee replaces a pointer's pointee subtree with a freshly
// generated value of the same type: it lets the mutator escape a local
// optimum the per-leaf operators cannot reach on their own.
func squashPointee(p *Prog, r *Rand, cfg MutateConfig) {
	var ptrs []*PointerArg
	for _, c := range p.Calls {
		walkArgs(c.Args, func(a Arg) {
			if pa, ok := a.(*PointerArg); ok && pa.Res != nil {
				ptrs = append(ptrs, pa)
			}
		})
	}
	if len(ptrs) == 0 {
		return
	}
	pa := ptrs[r.Intn(len(ptrs))]
	ctx := newGenCtx(p.Target, r, cfg.Gen)
	pt := pa.Type().(*PtrType)
	pa.Res = ctx.genArg(pt.Elem, pt.ElemDir)
}

// bufferMutationOps is the byte-level buffer mutation catalogue: byte
// flip/inc/dec/insert/delete/splice blocks, width-varying integer
// overwrites, and a handful of magic-value/interesting-constant overwrites,
// applied in combination by repeatedly sampling one at random.
type bufOp func(r *Rand, data []byte) []byte

var bufferMutationOps = []bufOp{
	bufFlipBit, bufFlipByte, bufIncByte, bufDecByte,
	bufInsertByte, bufDeleteByte, bufInsertRand, bufDeleteRange,
	bufOverwriteRand, bufDuplicateRange, bufShuffleRange,
	bufOverwriteU8, bufOverwriteU16LE, bufOverwriteU16BE,
	bufOverwriteU32LE, bufOverwriteU32BE, bufOverwriteU64LE, bufOverwriteU64BE,
	bufIncU16LE, bufIncU32LE, bufDecU16LE, bufDecU32LE,
	bufNegateI8, bufNegateI16, bufNegateI32,
	bufSwapBytes, bufTruncate, bufExtendZero,
}

func mutateBuffer(r *Rand, a *DataArg, cfg GenConfig) {
	data := append([]byte(nil), a.Data()...)
	if len(data) == 0 {
		data = []byte{0}
	}
	n := 1 + r.Intn(3)
	for i := 0; i < n; i++ {
		data = bufferMutationOps[r.Intn(len(bufferMutationOps))](r, data)
		if len(data) == 0 {
			data = []byte{0}
		}
	}
	a.SetData(data)
}

func bufFlipBit(r *Rand, d []byte) []byte {
	i := r.Intn(len(d))
	d[i] ^= 1 << uint(r.Intn(8))
	return d
}
func bufFlipByte(r *Rand, d []byte) []byte { d[r.Intn(len(d))] = ^d[r.Intn(len(d))]; return d }
func bufIncByte(r *Rand, d []byte) []byte  { i := r.Intn(len(d)); d[i]++; return d }
func bufDecByte(r *Rand, d []byte) []byte  { i := r.Intn(len(d)); d[i]--; return d }

func bufInsertByte(r *Rand, d []byte) []byte {
	i := r.Intn(len(d) + 1)
	v := byte(r.Intn(256))
	return append(d[:i:i], append([]byte{v}, d[i:]...)...)
}

func bufDeleteByte(r *Rand, d []byte) []byte {
	if len(d) <= 1 {
		return d
	}
	i := r.Intn(len(d))
	return append(d[:i], d[i+1:]...)
}

func bufInsertRand(r *Rand, d []byte) []byte {
	i := r.Intn(len(d) + 1)
	n := 1 + r.Intn(8)
	ins := make([]byte, n)
	for j := range ins {
		ins[j] = byte(r.Intn(256))
	}
	return append(d[:i:i], append(ins, d[i:]...)...)
}

func bufDeleteRange(r *Rand, d []byte) []byte {
	if len(d) <= 1 {
		return d
	}
	i := r.Intn(len(d))
	n := 1 + r.Intn(max(len(d)-i, 1))
	return append(d[:i], d[min(i+n, len(d)):]...)
}

func bufOverwriteRand(r *Rand, d []byte) []byte {
	i := r.Intn(len(d))
	d[i] = byte(r.Intn(256))
	return d
}

func bufDuplicateRange(r *Rand, d []byte) []byte {
	if len(d) == 0 {
		return d
	}
	i := r.Intn(len(d))
	n := 1 + r.Intn(max(len(d)-i, 1))
	chunk := append([]byte(nil), d[i:min(i+n, len(d))]...)
	return append(d, chunk...)
}

func bufShuffleRange(r *Rand, d []byte) []byte {
	if len(d) < 2 {
		return d
	}
	i, j := r.Intn(len(d)), r.Intn(len(d))
	d[i], d[j] = d[j], d[i]
	return d
}

func bufOverwriteU8(r *Rand, d []byte) []byte { d[r.Intn(len(d))] = byte(magicInts[r.Intn(len(magicInts))]); return d }

func overwriteLE(d []byte, width int, i int, v uint64) {
	for k := 0; k < width && i+k < len(d); k++ {
		d[i+k] = byte(v >> uint(8*k))
	}
}

func overwriteBE(d []byte, width int, i int, v uint64) {
	for k := 0; k < width && i+k < len(d); k++ {
		d[i+k] = byte(v >> uint(8*(width-1-k)))
	}
}

func bufOverwriteU16LE(r *Rand, d []byte) []byte {
	if len(d) < 2 {
		return d
	}
	overwriteLE(d, 2, r.Intn(len(d)-1), r.Uint64n(1<<16))
	return d
}
func bufOverwriteU16BE(r *Rand, d []byte) []byte {
	if len(d) < 2 {
		return d
	}
	overwriteBE(d, 2, r.Intn(len(d)-1), r.Uint64n(1<<16))
	return d
}
func bufOverwriteU32LE(r *Rand, d []byte) []byte {
	if len(d) < 4 {
		return d
	}
	overwriteLE(d, 4, r.Intn(len(d)-3), r.Uint64n(1<<32))
	return d
}
func bufOverwriteU32BE(r *Rand, d []byte) []byte {
	if len(d) < 4 {
		return d
	}
	overwriteBE(d, 4, r.Intn(len(d)-3), r.Uint64n(1<<32))
	return d
}
func bufOverwriteU64LE(r *Rand, d []byte) []byte {
	if len(d) < 8 {
		return d
	}
	overwriteLE(d, 8, r.Intn(len(d)-7), r.Uint64())
	return d
}
func bufOverwriteU64BE(r *Rand, d []byte) []byte {
	if len(d) < 8 {
		return d
	}
	overwriteBE(d, 8, r.Intn(len(d)-7), r.Uint64())
	return d
}

func bufIncU16LE(r *Rand, d []byte) []byte {
	if len(d) < 2 {
		return d
	}
	i := r.Intn(len(d) - 1)
	v := uint64(d[i]) | uint64(d[i+1])<<8
	overwriteLE(d, 2, i, v+1)
	return d
}
func bufIncU32LE(r *Rand, d []byte) []byte {
	if len(d) < 4 {
		return d
	}
	i := r.Intn(len(d) - 3)
	v := uint64(d[i]) | uint64(d[i+1])<<8 | uint64(d[i+2])<<16 | uint64(d[i+3])<<24
	overwriteLE(d, 4, i, v+1)
	return d
}
func bufDecU16LE(r *Rand, d []byte) []byte {
	if len(d) < 2 {
		return d
	}
	i := r.Intn(len(d) - 1)
	v := uint64(d[i]) | uint64(d[i+1])<<8
	overwriteLE(d, 2, i, v-1)
	return d
}
func bufDecU32LE(r *Rand, d []byte) []byte {
	if len(d) < 4 {
		return d
	}
	i := r.Intn(len(d) - 3)
	v := uint64(d[i]) | uint64(d[i+1])<<8 | uint64(d[i+2])<<16 | uint64(d[i+3])<<24
	overwriteLE(d, 4, i, v-1)
	return d
}

func bufNegateI8(r *Rand, d []byte) []byte  { i := r.Intn(len(d)); d[i] = byte(-int8(d[i])); return d }
func bufNegateI16(r *Rand, d []byte) []byte {
	if len(d) < 2 {
		return d
	}
	i := r.Intn(len(d) - 1)
	v := int16(uint16(d[i]) | uint16(d[i+1])<<8)
	overwriteLE(d, 2, i, uint64(uint16(-v)))
	return d
}
func bufNegateI32(r *Rand, d []byte) []byte {
	if len(d) < 4 {
		return d
	}
	i := r.Intn(len(d) - 3)
	v := int32(uint32(d[i]) | uint32(d[i+1])<<8 | uint32(d[i+2])<<16 | uint32(d[i+3])<<24)
	overwriteLE(d, 4, i, uint64(uint32(-v)))
	return d
}

func bufSwapBytes(r *Rand, d []byte) []byte {
	if len(d) < 2 {
		return d
	}
	i := r.Intn(len(d) - 1)
	d[i], d[i+1] = d[i+1], d[i]
	return d
}

func bufTruncate(r *Rand, d []byte) []byte {
	if len(d) <= 1 {
		return d
	}
	return d[:1+r.Intn(len(d)-1)]
}

func bufExtendZero(r *Rand, d []byte) []byte {
	n := 1 + r.Intn(8)
	return append(d, make([]byte, n)...)
}
