// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

// Minimize shrinks p into an equivalent, smaller program by greedily
// removing calls one at a time, keeping only the removals a caller-supplied
// equivalence predicate accepts. callIndex0 names the call the caller cares
// about preserving (usually the crashing or coverage-gaining call); pass -1
// when no particular call matters and the whole program is fair game.
//
// pred is driven by actual re-execution in pkg/driver: it clones nothing
// itself, receives the candidate program plus the (possibly shifted) index
// of the call of interest, and reports whether the candidate is still
// equivalent to the original (still crashes, still reaches the same new
// coverage). Simplified to this package's single-worker driver loop (no
// job-queue priorities) and wired to this package's own Relation table
// instead of a standalone influence-matrix field.
func Minimize(p0 *Prog, callIndex0 int, pred func(p *Prog, callIndex int) bool) (*Prog, int) {
	if callIndex0 != -1 {
		if callIndex0 < 0 || callIndex0 >= len(p0.Calls) {
			panic("prog: bad call index")
		}
	}
	wrapped := func(p *Prog, callIndex int) bool {
		for _, c := range p.Calls {
			fixupLengths(c)
		}
		p.debugValidate()
		return pred(p, callIndex)
	}

	p0, callIndex0 = removeCallsGreedy(p0, callIndex0, wrapped)
	return p0, callIndex0
}

// removeCallsGreedy walks the program back to front, tentatively dropping
// each call and keeping the drop only when pred still accepts the result.
// When a drop is rejected and the dropped call was the immediate
// predecessor of callIndex0, the pair is a live candidate for the relation
// table: removing it destroyed whatever pred cares about, so the dropped
// call is marked as influencing the one right after it.
func removeCallsGreedy(p0 *Prog, callIndex0 int, pred func(*Prog, int) bool) (*Prog, int) {
	for i := len(p0.Calls) - 1; i >= 0; i-- {
		if i == callIndex0 || i >= len(p0.Calls) {
			continue
		}
		callIndex := callIndex0
		if i < callIndex {
			callIndex--
		}
		p := p0.Clone()
		removedMeta := p.Calls[i].Meta
		var nextMeta *Syscall
		if i+1 < len(p.Calls) {
			nextMeta = p.Calls[i+1].Meta
		}
		p.RemoveCallAt(i)
		if !pred(p, callIndex) {
			if nextMeta != nil {
				p0.Target.MarkInfluence(removedMeta.ID, nextMeta.ID)
			}
			continue
		}
		p0 = p
		callIndex0 = callIndex
	}
	return p0, callIndex0
}

// DetectRelation re-executes p with its final call removed and reports
// whether the removal destroyed coverage pred was relying on, marking the
// relation table accordingly. It is a thin, single-call specialization of
// Minimize/removeCallsGreedy for the
// driver's per-iteration relation pass, which only ever drops the last call
// rather than running a full minimization.
func DetectRelation(p *Prog, pred func(*Prog) bool) bool {
	if len(p.Calls) < 2 {
		return false
	}
	last := len(p.Calls) - 1
	removedMeta := p.Calls[last-1].Meta
	nextMeta := p.Calls[last].Meta
	clone := p.Clone()
	clone.RemoveCallAt(last - 1)
	if pred(clone) {
		return false
	}
	p.Target.MarkInfluence(removedMeta.ID, nextMeta.ID)
	return true
}
