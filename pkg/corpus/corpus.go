// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus owns the set of accepted test programs and the moving
// averages used to score and prioritize them, following a package-level
// corpus slice/map pattern and af92f3ac's fuzzer.Corpus.Programs()/Save()
// usage shape.
package corpus

import (
	"bytes"
	"encoding/gob"
	"math"
	"sort"
	"sync"

	"kfuzz/prog"
)

// Input is one accepted program plus the bookkeeping scoring needs.
type Input struct {
	Prog  *prog.Prog
	Raw   []byte // text-serialized form, for persist/restore
	Score float64

	Favored    bool
	Mutated    bool
	NewOnEntry bool

	Len       int
	Depth     int
	Size      int
	Age       int
	ExecTimeNs int64
	ResCount  int
	NewCov    int
	SelfContained bool
	FoundRelation bool

	MutationCnt int
	GainCnt     int
	GainingRate float64
}

// averages is the moving-average table the scoring formula compares each
// Input against.
type averages struct {
	Score, Len, Depth, Size, Age, ExecTime, ResCount, NewCov, DistinctDegree float64
	n                                                                       float64
}

func (a *averages) update(in *Input, distinctDegree float64) {
	a.n++
	blend := func(cur, v float64) float64 { return cur + (v-cur)/a.n }
	a.Score = blend(a.Score, in.Score)
	a.Len = blend(a.Len, float64(in.Len))
	a.Depth = blend(a.Depth, float64(in.Depth))
	a.Size = blend(a.Size, float64(in.Size))
	a.Age = blend(a.Age, float64(in.Age))
	a.ExecTime = blend(a.ExecTime, float64(in.ExecTimeNs))
	a.ResCount = blend(a.ResCount, float64(in.ResCount))
	a.NewCov = blend(a.NewCov, float64(in.NewCov))
	a.DistinctDegree = blend(a.DistinctDegree, distinctDegree)
}

// Corpus is the concurrency-safe store of accepted Inputs.
type Corpus struct {
	mu       sync.RWMutex
	inputs   []*Input
	callCnt  map[string]int
	age      int
	avgs     averages
	capacity int
}

func New(capacity int) *Corpus {
	if capacity <= 0 {
		capacity = 100000
	}
	return &Corpus{callCnt: make(map[string]int), capacity: capacity}
}

// Append inserts input, bumps call_cnt for every syscall it contains, and
// lazily recomputes the moving averages.
func (c *Corpus) Append(in *Input) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.age++
	in.Age = c.age
	for _, call := range in.Prog.Calls {
		c.callCnt[call.Meta.Name]++
	}
	c.inputs = append(c.inputs, in)
	c.rescore(in)
}

func (c *Corpus) rescore(in *Input) {
	degree := distinctDegree(in, c.callCnt)
	in.Score = score(in, &c.avgs, degree)
	c.avgs.update(in, degree)
}

// distinctDegree approximates a "distinct-degree" bonus input: the fraction
// of an Input's syscalls that are rare in the corpus so far.
func distinctDegree(in *Input, callCnt map[string]int) float64 {
	if len(in.Prog.Calls) == 0 {
		return 0
	}
	var rare int
	for _, call := range in.Prog.Calls {
		if callCnt[call.Meta.Name] <= 2 {
			rare++
		}
	}
	return float64(rare) / float64(len(in.Prog.Calls))
}

// score sums the bonuses favored/relation/self-contained status, rarity,
// sustained gaining rate, and above/below-average shape each contribute.
func score(in *Input, avgs *averages, degree float64) float64 {
	var s float64
	switch {
	case in.Favored && !in.Mutated:
		s += 50
	case in.Favored && in.Mutated:
		s += 30
	case in.NewOnEntry:
		s += 10
	}
	if in.FoundRelation {
		s += 50
	}
	if in.SelfContained {
		s += 50
	}
	if degree > avgs.DistinctDegree {
		s += 20 + 10*math.Min(1, degree-avgs.DistinctDegree)
	}
	if in.MutationCnt >= 32 {
		s += in.GainingRate / 10
	}
	bonus := func(v, avg float64, higherIsBetter bool) float64 {
		if higherIsBetter && v > avg {
			return 10
		}
		if !higherIsBetter && v < avg && avg > 0 {
			return 10
		}
		return 0
	}
	s += bonus(float64(in.Len), avgs.Len, false)
	s += bonus(float64(in.Age), avgs.Age, false)
	s += bonus(float64(in.Depth), avgs.Depth, false)
	s += bonus(float64(in.Size), avgs.Size, false)
	s += bonus(float64(in.ExecTimeNs), avgs.ExecTime, false)
	s += bonus(float64(in.ResCount), avgs.ResCount, true)
	s += bonus(float64(in.NewCov), avgs.NewCov, true)
	if s < 0 {
		s = 0
	}
	if s > 250 {
		s = 250
	}
	return s
}

// UpdateGainingRate recomputes an Input's gaining_rate every 32 mutations
// since its last update.
func UpdateGainingRate(in *Input) {
	if in.MutationCnt > 0 && in.MutationCnt%32 == 0 {
		in.GainingRate = float64(in.GainCnt) / float64(in.MutationCnt) * 100
	}
}

// SelectOne performs a weighted reservoir sample by score, optionally
// restricted to favored Inputs.
func (c *Corpus) SelectOne(r Rand, favored bool) (*Input, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var chosen *Input
	var weightSum float64
	for _, in := range c.inputs {
		if favored && !in.Favored {
			continue
		}
		w := in.Score + 1
		weightSum += w
		if r.Float64()*weightSum < w {
			chosen = in
		}
	}
	return chosen, chosen != nil
}

type Rand interface {
	Float64() float64
}

// Cull rescans scores and drops Inputs below the cutoff quantile once the
// corpus exceeds its capacity.
func (c *Corpus) Cull(quantile float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inputs) <= c.capacity {
		return 0
	}
	sorted := append([]*Input(nil), c.inputs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score < sorted[j].Score })
	cut := int(float64(len(sorted)) * quantile)
	threshold := 0.0
	if cut > 0 && cut < len(sorted) {
		threshold = sorted[cut].Score
	}
	var kept []*Input
	for _, in := range c.inputs {
		if in.Score >= threshold || len(kept) < c.capacity/2 {
			kept = append(kept, in)
		}
	}
	dropped := len(c.inputs) - len(kept)
	c.inputs = kept
	return dropped
}

func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.inputs)
}

// Programs returns every accepted program, for mutation/splice sourcing.
func (c *Corpus) Programs() []*prog.Prog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*prog.Prog, len(c.inputs))
	for i, in := range c.inputs {
		out[i] = in.Prog
	}
	return out
}

// persistRecord is the gob-encoded snapshot unit; pkg/db additionally
// stores these keyed by program hash.
type persistRecord struct {
	Raw           []byte
	Score         float64
	Favored       bool
	Len, Depth, Size, Age, ResCount, NewCov int
	ExecTimeNs    int64
	MutationCnt, GainCnt int
	GainingRate   float64
}

// Persist snapshots the corpus to a byte blob.
func (c *Corpus) Persist() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	records := make([]persistRecord, len(c.inputs))
	for i, in := range c.inputs {
		records[i] = persistRecord{
			Raw: in.Raw, Score: in.Score, Favored: in.Favored,
			Len: in.Len, Depth: in.Depth, Size: in.Size, Age: in.Age,
			ResCount: in.ResCount, NewCov: in.NewCov, ExecTimeNs: in.ExecTimeNs,
			MutationCnt: in.MutationCnt, GainCnt: in.GainCnt, GainingRate: in.GainingRate,
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore loads a snapshot produced by Persist, deserializing each program
// with target.
func (c *Corpus) Restore(data []byte, target *prog.Target, deserialize func(*prog.Target, []byte) (*prog.Prog, error)) error {
	var records []persistRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&records); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range records {
		p, err := deserialize(target, rec.Raw)
		if err != nil {
			continue
		}
		in := &Input{
			Prog: p, Raw: rec.Raw, Score: rec.Score, Favored: rec.Favored,
			Len: rec.Len, Depth: rec.Depth, Size: rec.Size, Age: rec.Age,
			ResCount: rec.ResCount, NewCov: rec.NewCov, ExecTimeNs: rec.ExecTimeNs,
			MutationCnt: rec.MutationCnt, GainCnt: rec.GainCnt, GainingRate: rec.GainingRate,
		}
		for _, call := range p.Calls {
			c.callCnt[call.Meta.Name]++
		}
		c.inputs = append(c.inputs, in)
	}
	return nil
}
