// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package driver runs the single cooperative per-worker loop: obtain a
// program, execute it through the wire protocol, classify the result, and
// feed any new coverage back into the shared corpus.
// Grounded on mitthu-syzkaller/syz-fuzzer/proc.go's Proc.loop/execute/
// executeRaw/triageInput, adapted from that file's priority work-queue
// shape down to a single-loop state machine, and on
// af92f3ac_a-nogikh-syzkaller__pkg-fuzzer-job.go.go's job-interface idea of
// keeping the re-execute-and-compare predicate separate from the minimizer.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"kfuzz/pkg/corpus"
	"kfuzz/pkg/ipc"
	"kfuzz/pkg/log"
	"kfuzz/pkg/report"
	"kfuzz/pkg/signal"
	"kfuzz/pkg/stat"
	"kfuzz/prog"
	"kfuzz/vm"
)

// Verdict is the coarse outcome of one executed transaction.
type Verdict int

const (
	VerdictNormal Verdict = iota
	VerdictFailed
	VerdictCrash
	VerdictInternalError
)

func (v Verdict) String() string {
	switch v {
	case VerdictNormal:
		return "normal"
	case VerdictFailed:
		return "failed"
	case VerdictCrash:
		return "crash"
	case VerdictInternalError:
		return "internal-error"
	default:
		return "unknown"
	}
}

// Stats are the atomically-updated counters the scheduler's sampling task
// snapshots every sample_interval. The two histograms track the
// exec-time/program-length distributions the report-interval summary
// surfaces, updated by every worker on the hot path instead of retaining
// individual samples.
type Stats struct {
	Execs          uint64
	Candidates     uint64
	Normal         uint64
	Failed         uint64
	Crashed        uint64
	InternalErrors uint64

	ExecTime *stat.Histogram
	ProgLen  *stat.Histogram
}

// NewStats allocates a Stats value with its histograms ready to record
// into; the zero value's nil histograms would panic on first Add.
func NewStats() *Stats {
	return &Stats{
		ExecTime: stat.NewHistogram(32),
		ProgLen:  stat.NewHistogram(32),
	}
}

// CrashStore persists a reproduced crash as (title, program, raw console
// log) under the workdir's crash store, one directory per deduplicated
// crash; title is what a concrete store dedups on.
type CrashStore interface {
	Save(title string, p *prog.Prog, consoleLog []byte) error
}

// Deps is everything a Worker needs that is shared across every worker in
// the scheduler — the Target, Corpus, Feedback, and relation table — plus
// the handful of per-run knobs exposed to tune it.
type Deps struct {
	Target       *prog.Target
	Corpus       *corpus.Corpus
	Feedback     *signal.Feedback
	Reporter     *report.Reporter
	Crashes      CrashStore
	Stats        *Stats

	GenConfig    prog.GenConfig
	MutateConfig prog.MutateConfig
	ChoiceTable  func() *prog.ChoiceTable

	// Candidates is an optional pre-seeded work queue (e.g. restored
	// corpus entries awaiting re-triage); nil or closed is fine, obtainProgram
	// falls back to generate/mutate once it is empty.
	Candidates <-chan *prog.Prog

	ExecutorCmd  string
	ExecutorPort int
	IPCConfig    ipc.Config

	MaxRestartAttempts int // relaunch the executor up to this many times before rebooting the VM
	RunHistoryLen      int // how many recently executed programs to retain for crash attribution
	CalibrationRetries int
}

func (d *Deps) restartAttempts() int {
	if d.MaxRestartAttempts <= 0 {
		return 3
	}
	return d.MaxRestartAttempts
}

func (d *Deps) historyLen() int {
	if d.RunHistoryLen <= 0 {
		return 64
	}
	return d.RunHistoryLen
}

func (d *Deps) calibrationRetries() int {
	if d.CalibrationRetries <= 0 {
		return 1
	}
	return d.CalibrationRetries
}

const progBufSize = 1 << 20 // 1 MiB, generous for serialized call streams

// explorationSamplingIterations bounds the initial sampling phase — always
// explore for this many iterations — before the explore/mutate bandit
// starts weighting its choice by observed gain.
const explorationSamplingIterations = 128

// arm is one side of the explore-vs-mutate bandit: each iteration's mode is
// chosen with probability proportional to max(gain, 1).
type arm struct {
	iters uint64
	gains uint64
}

func (a *arm) weight() float64 {
	if a.iters == 0 {
		return 1
	}
	gain := float64(a.gains)
	if gain < 1 {
		return 1
	}
	return gain
}

func (a *arm) record(gained bool) {
	a.iters++
	if gained {
		a.gains++
	}
}

// Worker drives one VM slot's fuzzing loop across VM reboots: the same
// Worker value is reused as the vm.Runner every time vm.Pool.runInstance
// boots a fresh instance, so crash-repro state (reproPending) and the
// explore/mutate bandit persist across reboots.
type Worker struct {
	pid    int
	deps   *Deps
	ipcCfg ipc.Config
	rnd    *prog.Rand

	iter       uint64
	exploreArm arm
	mutateArm  arm

	history   []*prog.Prog
	reproProg  *prog.Prog
	reproLog   []byte
	reproTitle string
}

// NewWorker builds the Nth worker's driver state. pid seeds both the
// program RNG and the in-guest executor's handshake pid argument —
// deps.IPCConfig.Pid is overridden per worker since Deps is shared across
// every worker in the scheduler.
func NewWorker(pid int, deps *Deps) *Worker {
	cfg := deps.IPCConfig
	cfg.Pid = pid
	return &Worker{
		pid:    pid,
		deps:   deps,
		ipcCfg: cfg,
		rnd:    prog.NewRand(time.Now().UnixNano() + int64(pid)*1e12),
	}
}

// Run is a vm.Runner: it is invoked once per VM boot by vm.Pool.Loop, and
// returning from it causes the pool to reboot the VM and call Run again.
// Both "continue after a VM reboot" and "repeated failure, reboot the VM"
// reduce to simply returning here.
func (w *Worker) Run(ctx context.Context, inst *vm.Instance, upd vm.UpdateInfo) {
	addr, err := inst.Forward(w.deps.ExecutorPort)
	if err != nil {
		log.Logf(0, "driver #%d: forward executor port: %v", w.pid, err)
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	crashc := make(chan *report.Report, 1)
	go func() {
		_, rep, err := inst.Run(runCtx, w.deps.Reporter, w.deps.ExecutorCmd,
			vm.ExitTimeout|vm.ExitError)
		if err == nil && rep != nil {
			select {
			case crashc <- rep:
			default:
			}
		}
	}()

	conn, err := w.dialWithRetry(ctx, addr)
	if err != nil {
		log.Logf(0, "driver #%d: connect to executor: %v", w.pid, err)
		return
	}
	defer conn.Close()

	if w.reproProg != nil {
		w.settleRepro(ctx, conn, crashc)
	}

	for ctx.Err() == nil {
		select {
		case rep := <-crashc:
			w.onCrash(rep)
			return
		default:
		}

		p, mutated, favored := w.obtainProgram()
		start := time.Now()
		verdict, res := w.executeOnce(conn, p)
		execTime := time.Since(start)
		atomic.AddUint64(&w.deps.Stats.Execs, 1)
		w.recordDistributions(execTime, len(p.Calls))
		w.pushHistory(p)

		select {
		case rep := <-crashc:
			w.lastCrashed(p, rep)
			return
		default:
		}

		switch verdict {
		case VerdictNormal:
			atomic.AddUint64(&w.deps.Stats.Normal, 1)
			gained := w.handleNormal(conn, p, res, mutated, favored, execTime)
			w.recordGain(mutated, gained)
		case VerdictFailed:
			atomic.AddUint64(&w.deps.Stats.Failed, 1)
			gained := w.handleFailed(conn, p, res, mutated, favored, execTime)
			w.recordGain(mutated, gained)
		case VerdictInternalError:
			atomic.AddUint64(&w.deps.Stats.InternalErrors, 1)
			conn.Close()
			conn, err = w.dialWithRetry(ctx, addr)
			if err != nil {
				log.Logf(0, "driver #%d: executor restart exhausted, rebooting VM: %v", w.pid, err)
				return
			}
		}
	}
}

// dialWithRetry relaunches the connection to the in-guest executor up to
// MaxRestartAttempts times without touching the VM.
func (w *Worker) dialWithRetry(ctx context.Context, addr string) (*ipc.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < w.deps.restartAttempts(); attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, err := ipc.Dial(addr, w.ipcCfg)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Logf(1, "driver #%d: dial attempt %d failed: %v", w.pid, attempt, err)
		time.Sleep(time.Second)
	}
	return nil, fmt.Errorf("dial %v: %w", addr, lastErr)
}

func (w *Worker) executeOnce(conn *ipc.Conn, p *prog.Prog) (Verdict, ipc.Result) {
	data, ok := ipc.SerializeProgram(p, progBufSize)
	if !ok {
		return VerdictInternalError, ipc.Result{}
	}
	res, err := conn.Execute(ipc.ExecuteReq{FaultCall: -1, FaultNth: -1, Prog: data})
	return classify(res, err), res
}

func classify(res ipc.Result, err error) Verdict {
	switch {
	case errors.Is(err, ipc.ErrWatchdog):
		return VerdictFailed
	case err != nil:
		return VerdictInternalError
	case res.Status == ipc.ExecutorInternalError:
		return VerdictInternalError
	case res.Status != 0:
		return VerdictFailed
	default:
		return VerdictNormal
	}
}

// obtainProgram drains the candidate queue first, otherwise picks explore
// (generate) or mutate by the gain-weighted bandit once past the sampling
// phase.
func (w *Worker) obtainProgram() (p *prog.Prog, mutated, favored bool) {
	select {
	case cand, ok := <-w.deps.Candidates:
		if ok {
			atomic.AddUint64(&w.deps.Stats.Candidates, 1)
			return cand, false, false
		}
	default:
	}

	w.iter++
	ct := w.deps.ChoiceTable()
	progs := w.deps.Corpus.Programs()
	explore := w.iter <= explorationSamplingIterations || len(progs) == 0
	if !explore {
		we, wm := w.exploreArm.weight(), w.mutateArm.weight()
		explore = w.rnd.Float64()*(we+wm) < we
	}
	if explore {
		return w.deps.Target.Generate(w.rnd, ct, w.deps.GenConfig), false, false
	}

	in, ok := w.deps.Corpus.SelectOne(w.rnd, false)
	if !ok {
		return w.deps.Target.Generate(w.rnd, ct, w.deps.GenConfig), false, false
	}
	base := in.Prog.Clone()
	base.Mutate(w.rnd, w.deps.MutateConfig, ct, progs)
	return base, true, in.Favored
}

// recordDistributions feeds the report-interval histograms; nil-safe so
// callers (notably tests) that build a bare Stats{} don't need to know
// about NewStats.
func (w *Worker) recordDistributions(execTime time.Duration, progLen int) {
	if w.deps.Stats.ExecTime != nil {
		w.deps.Stats.ExecTime.Add(execTime.Seconds())
	}
	if w.deps.Stats.ProgLen != nil {
		w.deps.Stats.ProgLen.Add(float64(progLen))
	}
}

func (w *Worker) recordGain(mutated, gained bool) {
	if mutated {
		w.mutateArm.record(gained)
	} else {
		w.exploreArm.record(gained)
	}
}

// handleNormal processes a Normal verdict: for every call whose cumulative
// coverage grew, calibrate, minimize, detect relation, and append the
// resulting Input to the corpus.
func (w *Worker) handleNormal(conn *ipc.Conn, p *prog.Prog, res ipc.Result, mutated, favored bool, execTime time.Duration) bool {
	gained := false
	for _, ci := range res.Calls {
		if ci.Index == ipc.ExtraIndex || int(ci.Index) >= len(p.Calls) {
			continue
		}
		idx := int(ci.Index)
		diff := w.deps.Feedback.Diff(ci.Blocks, ci.Branch)
		if diff.Empty() {
			continue
		}
		sub := subProgram(p, idx)
		calibrated := w.calibrate(conn, sub, idx, diff)
		if calibrated.Empty() {
			continue
		}
		minimized, minIdx := prog.Minimize(sub, idx, func(cand *prog.Prog, callIdx int) bool {
			return w.stillCovers(conn, cand, callIdx, calibrated)
		})
		foundRelation := prog.DetectRelation(minimized, func(cand *prog.Prog) bool {
			return w.stillCovers(conn, cand, len(cand.Calls)-1, calibrated)
		})

		raw := minimized.Serialize()
		in := &corpus.Input{
			Prog:          minimized,
			Raw:           raw,
			Mutated:       mutated,
			Favored:       favored,
			NewOnEntry:    true,
			Len:           len(minimized.Calls),
			Depth:         minIdx + 1,
			Size:          len(raw),
			ResCount:      countResources(minimized),
			ExecTimeNs:    execTime.Nanoseconds(),
			NewCov:        calibrated.Len(),
			SelfContained: minIdx == len(minimized.Calls)-1,
			FoundRelation: foundRelation,
		}
		w.deps.Corpus.Append(in)
		w.deps.Feedback.Merge(calibrated)
		gained = true
	}
	return gained
}

// handleFailed processes a Failed verdict: identical to Normal but with
// the trailing calls that produced no coverage trimmed before scoring,
// since the failing call's own coverage (if any) is still worth keeping.
func (w *Worker) handleFailed(conn *ipc.Conn, p *prog.Prog, res ipc.Result, mutated, favored bool, execTime time.Duration) bool {
	trimmed := trimTrailingUncovered(p, res)
	if trimmed == nil {
		return false
	}
	return w.handleNormal(conn, trimmed, res, mutated, favored, execTime)
}

func trimTrailingUncovered(p *prog.Prog, res ipc.Result) *prog.Prog {
	last := -1
	for _, ci := range res.Calls {
		if ci.Index == ipc.ExtraIndex {
			continue
		}
		if len(ci.Blocks) > 0 || len(ci.Branch) > 0 {
			if int(ci.Index) > last {
				last = int(ci.Index)
			}
		}
	}
	if last < 0 {
		return nil
	}
	return subProgram(p, last)
}

// calibrate re-executes sub once with collide disabled and keeps only the
// new edges that reproduced, dropping the rest as flaky.
func (w *Worker) calibrate(conn *ipc.Conn, sub *prog.Prog, callIdx int, diff signal.DiffResult) signal.DiffResult {
	for attempt := 0; attempt < w.deps.calibrationRetries(); attempt++ {
		data, ok := ipc.SerializeProgram(sub, progBufSize)
		if !ok {
			return signal.DiffResult{}
		}
		res, err := conn.Execute(ipc.ExecuteReq{FaultCall: -1, FaultNth: -1, Prog: data})
		if err != nil || callIdx >= len(res.Calls) {
			continue
		}
		ci := res.Calls[callIdx]
		redo := w.deps.Feedback.Diff(ci.Blocks, ci.Branch)
		return intersectDiff(diff, redo)
	}
	return signal.DiffResult{}
}

// stillCovers re-executes cand and reports whether calibrated's edges are
// still all present at callIdx, the equivalence predicate both Minimize and
// DetectRelation are driven by.
func (w *Worker) stillCovers(conn *ipc.Conn, cand *prog.Prog, callIdx int, calibrated signal.DiffResult) bool {
	if callIdx < 0 || callIdx >= len(cand.Calls) {
		return false
	}
	data, ok := ipc.SerializeProgram(cand, progBufSize)
	if !ok {
		return false
	}
	res, err := conn.Execute(ipc.ExecuteReq{FaultCall: -1, FaultNth: -1, Prog: data})
	if err != nil || callIdx >= len(res.Calls) {
		return false
	}
	ci := res.Calls[callIdx]
	got := w.deps.Feedback.Diff(ci.Blocks, ci.Branch)
	return supersetOf(got, calibrated)
}

func intersectDiff(a, b signal.DiffResult) signal.DiffResult {
	return signal.DiffResult{
		NewBlocks:   intersectElems(a.NewBlocks, b.NewBlocks),
		NewBranches: intersectElems(a.NewBranches, b.NewBranches),
	}
}

func intersectElems(a, b []signal.Elem) []signal.Elem {
	set := make(map[signal.Elem]bool, len(b))
	for _, e := range b {
		set[e] = true
	}
	var out []signal.Elem
	for _, e := range a {
		if set[e] {
			out = append(out, e)
		}
	}
	return out
}

func supersetOf(got, want signal.DiffResult) bool {
	set := make(map[signal.Elem]bool, len(got.NewBlocks)+len(got.NewBranches))
	for _, e := range got.NewBlocks {
		set[e] = true
	}
	for _, e := range got.NewBranches {
		set[e] = true
	}
	for _, e := range want.NewBlocks {
		if !set[e] {
			return false
		}
	}
	for _, e := range want.NewBranches {
		if !set[e] {
			return false
		}
	}
	return true
}

func subProgram(p *prog.Prog, lastIdx int) *prog.Prog {
	clone := p.Clone()
	if lastIdx+1 < len(clone.Calls) {
		clone.Calls = clone.Calls[:lastIdx+1]
	}
	return clone
}

func countResources(p *prog.Prog) int {
	n := 0
	for _, c := range p.Calls {
		if c.Ret != nil {
			n++
		}
	}
	return n
}

func (w *Worker) pushHistory(p *prog.Prog) {
	w.history = append(w.history, p)
	if n := w.deps.historyLen(); len(w.history) > n {
		w.history = w.history[len(w.history)-n:]
	}
}

// History returns the last executed programs (oldest first), used by crash
// attribution to see what ran just before a crash.
func (w *Worker) History() []*prog.Prog {
	return append([]*prog.Prog(nil), w.history...)
}

// onCrash handles a crash observed with no program attributable by index
// (e.g. the monitor fired between iterations): the most recently executed
// program is the best guess.
func (w *Worker) onCrash(rep *report.Report) {
	var last *prog.Prog
	if n := len(w.history); n > 0 {
		last = w.history[n-1]
	}
	w.lastCrashed(last, rep)
}

// lastCrashed records p as the pending repro candidate for the next boot
// and returns: the caller (Run) must return immediately afterward so
// vm.Pool reboots the VM.
func (w *Worker) lastCrashed(p *prog.Prog, rep *report.Report) {
	atomic.AddUint64(&w.deps.Stats.Crashed, 1)
	if p == nil {
		return
	}
	w.reproProg = p.Clone()
	if rep != nil {
		w.reproLog = rep.Output
		w.reproTitle = rep.Title
	}
}

// settleRepro re-executes the program that crashed the previous VM boot; if
// the crash reproduces (the monitor fires again before the transaction
// returns), it is saved to the crash store, otherwise it is logged as
// flaky and discarded.
func (w *Worker) settleRepro(ctx context.Context, conn *ipc.Conn, crashc <-chan *report.Report) {
	p, logData, title := w.reproProg, w.reproLog, w.reproTitle
	w.reproProg, w.reproLog, w.reproTitle = nil, nil, ""

	data, ok := ipc.SerializeProgram(p, progBufSize)
	if ok {
		conn.Execute(ipc.ExecuteReq{FaultCall: -1, FaultNth: -1, Prog: data})
	}
	select {
	case rep := <-crashc:
		if rep != nil && len(rep.Output) > 0 {
			logData = rep.Output
		}
		if rep != nil && rep.Title != "" {
			title = rep.Title
		}
		if err := w.deps.Crashes.Save(title, p, logData); err != nil {
			log.Logf(0, "driver #%d: save crash: %v", w.pid, err)
		}
	case <-time.After(5 * time.Second):
		log.Logf(1, "driver #%d: crash did not reproduce, flaky", w.pid)
	case <-ctx.Done():
	}
}
