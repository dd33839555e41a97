// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

// ChoiceTable weights syscall selection during generation/mutation. A bare
// ChoiceTable (BuildChoiceTable with nil corpus) is uniform over enabled
// calls; corpus-derived tables additionally bias toward calls that co-occur
// in accepted programs.
type ChoiceTable struct {
	target *Target
	// run[call] is the list of calls historically seen near call in the
	// corpus, used to bias free-selection (mitthu-syzkaller/proc.go grounds
	// ct's presence in the generate/mutate call signature).
	run [][]int
}

// DefaultChoiceTable returns the uniform table over target.EnabledCalls.
func (target *Target) DefaultChoiceTable() *ChoiceTable {
	return &ChoiceTable{target: target}
}

// BuildChoiceTable derives a ChoiceTable from a corpus of accepted programs,
// recording which calls tend to appear together.
func (target *Target) BuildChoiceTable(corpus []*Prog) *ChoiceTable {
	ct := &ChoiceTable{target: target, run: make([][]int, len(target.Syscalls))}
	for _, p := range corpus {
		for i, c := range p.Calls {
			if i == 0 {
				continue
			}
			prev := p.Calls[i-1].Meta.ID
			ct.run[prev] = append(ct.run[prev], c.Meta.ID)
		}
	}
	return ct
}

func (ct *ChoiceTable) choose(r *Rand, prev int) int {
	target := ct.target
	if prev >= 0 && prev < len(ct.run) && len(ct.run[prev]) > 0 && r.Bias(0.5) {
		return ct.run[prev][r.Intn(len(ct.run[prev]))]
	}
	return target.EnabledCalls[r.Intn(len(target.EnabledCalls))].ID
}

// GenConfig holds the generation knobs exposed via configuration rather
// than hardcoded, so a deployment can retune program shape without a
// rebuild. DefaultGenConfig below gives the literal probabilities this
// generator was tuned against.
type GenConfig struct {
	MinLen, MaxLen         int
	MinRes, MaxRes         int
	SeedProducerBias       float64 // ≈0.85
	ConsumerSelectBias     float64 // ≈0.96
	StopLenFactor          float64 // 0.8 in "1 - 0.8*len/MAX_LEN"
	ReuseValueBias         float64 // 0.8
	ReuseOwnBias           float64 // 0.998
	ReuseExactKindBias     float64 // sub-probability among reuse choices
	ReuseAnyOwnBias        float64 // 0.9
	PathMaxDepth           int
	StrMinLen, StrMaxLen   int
}

func DefaultGenConfig() GenConfig {
	return GenConfig{
		MinLen: 4, MaxLen: 16,
		MinRes: 2, MaxRes: 6,
		SeedProducerBias:   0.85,
		ConsumerSelectBias: 0.96,
		StopLenFactor:      0.8,
		ReuseValueBias:     0.8,
		ReuseOwnBias:       0.998,
		ReuseAnyOwnBias:    0.9,
		PathMaxDepth:       4,
		StrMinLen:          0, StrMaxLen: 64,
	}
}

// genCtx carries everything one call to Generate threads through its
// recursive argument construction: the resources and strings produced so
// far (for reuse by later calls), the memory/vma allocators, and a
// recursion-depth map that bounds recursive type expansion.
type genCtx struct {
	target   *Target
	cfg      GenConfig
	r        *Rand
	mem      *MemAlloc
	vma      *VmaAlloc
	produced map[string][]*ResultArg // kind -> owned Values produced so far
	strings  map[string][][]byte     // type name -> strings produced so far
	recDepth map[int]int             // type id -> current recursion depth
	nextID   uint64
}

func newGenCtx(target *Target, r *Rand, cfg GenConfig) *genCtx {
	return &genCtx{
		target:   target,
		cfg:      cfg,
		r:        r,
		mem:      newMemAlloc(target.PageSize * target.NumPages),
		vma:      newVmaAlloc(target.PageSize, target.NumPages),
		produced: make(map[string][]*ResultArg),
		strings:  make(map[string][][]byte),
		recDepth: make(map[int]int),
	}
}

// Generate produces a syntactically valid Program of bounded length whose
// resource references close within the program: every Ref it emits points
// to an Own introduced earlier in the same program.
func (target *Target) Generate(r *Rand, ct *ChoiceTable, cfg GenConfig) *Prog {
	target.init()
	ctx := newGenCtx(target, r, cfg)
	p := &Prog{Target: target}
	distinctResources := 0
	prevCall := -1
	for {
		if !ctx.shouldContinue(len(p.Calls)) {
			break
		}
		var meta *Syscall
		seedProb := 1.0
		if distinctResources > 0 {
			// Probability of seeding a fresh producer decays as distinct
			// resources accumulate, so a program settles into consuming
			// what it already has rather than growing unbounded resource
			// variety; bounded by [MinRes, MaxRes).
			seedProb = 1.0 - float64(min(distinctResources, cfg.MaxRes-cfg.MinRes))/float64(cfg.MaxRes-cfg.MinRes+1)
		}
		seed := len(p.Calls) == 0 || r.Bias(seedProb)
		if seed {
			meta = ctx.pickProducer()
		} else if r.Bias(cfg.ConsumerSelectBias) && len(ctx.produced) > 0 {
			meta = ctx.pickConsumer()
		}
		if meta == nil {
			meta = target.Syscalls[ct.choose(r, prevCall)]
		}
		call := ctx.genCall(meta)
		p.Calls = append(p.Calls, call)
		prevCall = meta.ID
		distinctResources = len(ctx.produced)
	}
	p.debugValidate()
	return p
}

func (ctx *genCtx) shouldContinue(curLen int) bool {
	cfg := ctx.cfg
	if curLen < cfg.MinLen {
		return true
	}
	if curLen >= cfg.MaxLen {
		return false
	}
	prob := 1 - cfg.StopLenFactor*float64(curLen)/float64(cfg.MaxLen)
	return ctx.r.Bias(prob)
}

// pickProducer picks a resource kind uniformly, then one of its producing
// syscalls, preferring producers with an empty input-resource set: those
// can run standalone as the first call of a fresh resource chain without
// needing another resource to already exist.
func (ctx *genCtx) pickProducer() *Syscall {
	target := ctx.target
	kinds := target.ResourceKinds()
	if len(kinds) == 0 {
		return nil
	}
	kind := kinds[ctx.r.Intn(len(kinds))]
	producers := target.Producers(kind)
	if len(producers) == 0 {
		return nil
	}
	if ctx.r.Bias(ctx.cfg.SeedProducerBias) {
		var leaf []int
		for _, id := range producers {
			if len(target.Syscalls[id].inputResources) == 0 {
				leaf = append(leaf, id)
			}
		}
		if len(leaf) > 0 {
			return target.Syscalls[leaf[ctx.r.Intn(len(leaf))]]
		}
	}
	return target.Syscalls[producers[ctx.r.Intn(len(producers))]]
}

// pickConsumer picks a consumer of some already-produced resource.
func (ctx *genCtx) pickConsumer() *Syscall {
	var kinds []string
	for k, v := range ctx.produced {
		if len(v) > 0 {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		return nil
	}
	kind := kinds[ctx.r.Intn(len(kinds))]
	consumers := ctx.target.Consumers(kind)
	if len(consumers) == 0 {
		return nil
	}
	return ctx.target.Syscalls[consumers[ctx.r.Intn(len(consumers))]]
}

// genCall fills every parameter of meta recursively, runs the length
// fix-up pass so any LenType/CsumType placeholders resolve against the
// arguments that were just generated, and finally records any resources
// it produced for reuse by later calls.
func (ctx *genCtx) genCall(meta *Syscall) *Call {
	call := &Call{Meta: meta}
	for _, f := range meta.Args {
		call.Args = append(call.Args, ctx.genArg(f.Type, f.Dir))
	}
	if rt, ok := meta.Ret.(*ResourceType); ok {
		call.Ret = ctx.genResultArg(rt, DirOut).(*ResultArg)
	}
	fixupLengths(call)
	if ctx.target.Neutralize != nil {
		ctx.target.Neutralize(call)
	}
	for _, a := range call.Args {
		ctx.recordProduced(a)
	}
	if call.Ret != nil {
		ctx.recordProduced(call.Ret)
	}
	return call
}

func (ctx *genCtx) recordProduced(a Arg) {
	switch v := a.(type) {
	case *ResultArg:
		if v.Res == nil && (v.Dir() == DirOut || v.Dir() == DirInOut) {
			if rt, ok := v.Type().(*ResourceType); ok {
				kind := rt.Kind.Name()
				ctx.produced[kind] = append(ctx.produced[kind], v)
			}
		}
	case *GroupArg:
		for _, in := range v.Inner {
			ctx.recordProduced(in)
		}
	case *UnionArg:
		ctx.recordProduced(v.Option)
	case *PointerArg:
		if v.Res != nil {
			ctx.recordProduced(v.Res)
		}
	}
}

// genArg dispatches by Type kind: the tagged-sum visitor that drives every
// value construction during generation.
func (ctx *genCtx) genArg(typ Type, dir Dir) Arg {
	switch t := typ.(type) {
	case *ConstType:
		return MakeConstArg(t, dir, t.Val)
	case *LenType:
		return MakeConstArg(t, dir, 0) // resolved by fixupLengths
	case *CsumType:
		return MakeConstArg(t, dir, 0) // resolved by fixupLengths
	case *ProcType:
		return MakeConstArg(t, dir, t.ValuesPerProc)
	case *FlagsType:
		return ctx.genFlags(t, dir)
	case *IntType:
		return ctx.genInt(t, dir)
	case *ResourceType:
		return ctx.genResultArg(t, dir)
	case *BufferType:
		return ctx.genBuffer(t, dir)
	case *PtrType:
		return ctx.genPtr(t, dir)
	case *VmaType:
		return ctx.genVma(t, dir)
	case *StructType:
		return ctx.genStruct(t, dir)
	case *UnionType:
		return ctx.genUnion(t, dir)
	case *ArrayType:
		return ctx.genArray(t, dir)
	default:
		panic("unknown type kind in genArg")
	}
}

var magicInts = []uint64{0, 1, 0xffffffffffffffff}

func (ctx *genCtx) genInt(t *IntType, dir Dir) Arg {
	if ctx.r.Bias(0.05) {
		return MakeConstArg(t, dir, magicInts[ctx.r.Intn(len(magicInts))])
	}
	if t.ArgRangeEnd > t.ArgRangeBegin {
		span := t.ArgRangeEnd - t.ArgRangeBegin
		return MakeConstArg(t, dir, t.ArgRangeBegin+ctx.r.Uint64n(span+1))
	}
	return MakeConstArg(t, dir, ctx.r.Uint64())
}

func (ctx *genCtx) genFlags(t *FlagsType, dir Dir) Arg {
	if len(t.Vals) == 0 {
		return MakeConstArg(t, dir, ctx.r.Uint64())
	}
	if ctx.r.Bias(0.05) {
		return MakeConstArg(t, dir, ctx.r.Uint64())
	}
	var v uint64
	k := 1
	for ctx.r.Bias(0.5) && k < len(t.Vals) {
		k++
	}
	for i := 0; i < k; i++ {
		v |= t.Vals[ctx.r.Intn(len(t.Vals))]
	}
	return MakeConstArg(t, dir, v)
}

func (ctx *genCtx) genResultArg(t *ResourceType, dir Dir) Arg {
	kind := t.Kind.Name()
	if dir == DirOut || dir == DirInOut {
		return MakeResultArg(t, dir, nil, 0)
	}
	// DirIn: overwhelmingly reuse an already-produced Own of a compatible
	// kind rather than manufacture a fresh literal value or Null, since a
	// resource argument is almost always meant to reference something the
	// program already created.
	if ctx.r.Bias(ctx.cfg.ReuseOwnBias) {
		if own := ctx.pickOwn(kind); own != nil {
			return MakeResultArg(t, dir, own, 0)
		}
	}
	var lit uint64
	if len(t.Values) > 0 {
		lit = t.Values[ctx.r.Intn(len(t.Values))]
	}
	return MakeResultArg(t, dir, nil, lit)
}

// pickOwn implements the nested reuse preference: exact kind, else a
// sub/super-kind, else any produced Own.
func (ctx *genCtx) pickOwn(kind string) *ResultArg {
	if vals := ctx.produced[kind]; len(vals) > 0 {
		return vals[ctx.r.Intn(len(vals))]
	}
	related := append(append([]string{}, ctx.target.SubKinds(kind)...), ctx.target.SuperKinds(kind)...)
	for _, k := range related {
		if vals := ctx.produced[k]; len(vals) > 0 {
			return vals[ctx.r.Intn(len(vals))]
		}
	}
	if ctx.r.Bias(ctx.cfg.ReuseAnyOwnBias) {
		var all []*ResultArg
		for _, vals := range ctx.produced {
			all = append(all, vals...)
		}
		if len(all) > 0 {
			return all[ctx.r.Intn(len(all))]
		}
	}
	return nil
}

func (ctx *genCtx) genBuffer(t *BufferType, dir Dir) Arg {
	switch t.Kind {
	case BufferString, BufferFilename, BufferGlob:
		return ctx.genStringBuffer(t, dir)
	default:
		return ctx.genBlobBuffer(t, dir)
	}
}

func (ctx *genCtx) genBlobBuffer(t *BufferType, dir Dir) Arg {
	if dir == DirOut {
		size := t.RangeBegin
		if t.RangeEnd > t.RangeBegin {
			size = t.RangeBegin + ctx.r.Uint64n(t.RangeEnd-t.RangeBegin+1)
		}
		return MakeOutDataArg(t, dir, size)
	}
	size := int(t.RangeBegin)
	if t.RangeEnd > t.RangeBegin {
		size = int(t.RangeBegin + ctx.r.Uint64n(t.RangeEnd-t.RangeBegin+1))
	}
	if size == 0 {
		size = 4 + ctx.r.Intn(32)
	}
	data := make([]byte, size)
	ctx.r.Read(data)
	return MakeDataArg(t, dir, data)
}

var pathSegAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func (ctx *genCtx) genStringBuffer(t *BufferType, dir Dir) Arg {
	if dir == DirOut {
		return MakeOutDataArg(t, dir, uint64(ctx.cfg.StrMaxLen))
	}
	if len(t.Values) > 0 && ctx.r.Bias(ctx.cfg.ReuseValueBias) {
		return MakeDataArg(t, dir, []byte(t.Values[ctx.r.Intn(len(t.Values))]))
	}
	if existing := ctx.strings[t.TypeName]; len(existing) > 0 && ctx.r.Bias(ctx.cfg.ReuseValueBias) {
		return MakeDataArg(t, dir, existing[ctx.r.Intn(len(existing))])
	}
	var data []byte
	if t.Kind == BufferFilename {
		depth := 1 + ctx.r.Intn(ctx.cfg.PathMaxDepth)
		for i := 0; i < depth; i++ {
			seg := ctx.randSegment(4 + ctx.r.Intn(5))
			data = append(data, '/')
			data = append(data, seg...)
		}
	} else {
		n := ctx.cfg.StrMinLen + ctx.r.Intn(max(ctx.cfg.StrMaxLen-ctx.cfg.StrMinLen, 1)+1)
		data = []byte(ctx.randSegment(n))
	}
	for i := range data {
		if data[i] == 0 {
			data[i] = 'X'
		}
	}
	if !t.NoZ {
		data = append(data, 0)
	}
	ctx.strings[t.TypeName] = append(ctx.strings[t.TypeName], data)
	return MakeDataArg(t, dir, data)
}

func (ctx *genCtx) randSegment(n int) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = pathSegAlphabet[ctx.r.Intn(len(pathSegAlphabet))]
	}
	return string(buf)
}

const maxRecursionDepth = 3

func (ctx *genCtx) genPtr(t *PtrType, dir Dir) Arg {
	if isRecursive(t.Elem) && ctx.recDepth[t.Elem.TypeID()] >= maxRecursionDepth {
		return MakePointerArg(t, dir, 0, nil)
	}
	if t.Optional() && ctx.r.Bias(0.1) {
		return MakePointerArg(t, dir, 0, nil)
	}
	ctx.recDepth[t.Elem.TypeID()]++
	inner := ctx.genArg(t.Elem, t.ElemDir)
	ctx.recDepth[t.Elem.TypeID()]--
	size, align := typeSizeAlign(t.Elem)
	addr, ok := ctx.mem.Alloc(max(size, 8), align)
	if !ok {
		return MakePointerArg(t, dir, 0, nil)
	}
	return MakePointerArg(t, dir, addr, inner)
}

func typeSizeAlign(t Type) (uint64, uint64) {
	size := t.Size()
	if size == 0 {
		size = 8
	}
	align := t.Alignment()
	if align == 0 {
		align = 1
	}
	return size, align
}

func isRecursive(t Type) bool {
	switch t.(type) {
	case *StructType, *UnionType, *ArrayType, *PtrType:
		return true
	}
	return false
}

func (ctx *genCtx) genVma(t *VmaType, dir Dir) Arg {
	begin, end := t.RangeBegin, t.RangeEnd
	if end <= begin {
		begin, end = 1, 4
	}
	// Page counts skew small since most mmap-like calls only need a page or
	// two; occasionally allocate up to a quarter of the address space to
	// still exercise large-mapping paths.
	npages := ctx.r.biasedRange(begin, end)
	if ctx.r.Bias(0.05) {
		npages = 1 + ctx.r.Uint64n(max(ctx.target.NumPages/4, 1))
	}
	addr, ok := ctx.vma.Alloc(npages)
	if !ok {
		addr = 0
	}
	return MakeVmaPointerArg(t, dir, addr, npages*ctx.target.PageSize)
}

func (ctx *genCtx) genStruct(t *StructType, dir Dir) Arg {
	inner := make([]Arg, len(t.Fields))
	for i, f := range t.Fields {
		d := dir
		if f.HasDir {
			d = f.Dir
		}
		inner[i] = ctx.genArg(f.Type, d)
	}
	return MakeGroupArg(t, dir, inner)
}

func (ctx *genCtx) genUnion(t *UnionType, dir Dir) Arg {
	idx := ctx.r.Intn(len(t.Fields))
	f := t.Fields[idx]
	d := dir
	if f.HasDir {
		d = f.Dir
	}
	return MakeUnionArg(t, dir, ctx.genArg(f.Type, d), idx)
}

func (ctx *genCtx) genArray(t *ArrayType, dir Dir) Arg {
	n := int(t.RangeBegin)
	if t.RangeEnd > t.RangeBegin {
		n = int(t.RangeBegin + ctx.r.Uint64n(t.RangeEnd-t.RangeBegin+1))
	} else if t.RangeEnd == 0 {
		n = ctx.r.Intn(6)
	}
	inner := make([]Arg, n)
	for i := range inner {
		inner[i] = ctx.genArg(t.Elem, dir)
	}
	return MakeGroupArg(t, dir, inner)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max[T ~uint64 | ~int](a, b T) T {
	if a > b {
		return a
	}
	return b
}
