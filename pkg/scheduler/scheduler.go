// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package scheduler owns the shared fuzzing state and the N worker loops
// that drive it. Grounded on vm/vm_pool.go's Loop(ctx)/runInstance
// goroutine-per-VM pattern, kept as-is and handed driver.Worker.Run as its
// job instead of a bare vm.Runner closure, and on
// other_examples/dd825ed8_domenukk-syzkaller__syz-fuzzer-fuzzer.go.go's
// main() (flag parsing + a single sampling goroutine), collapsed here from
// syzkaller's two-process manager+fuzzer split into a single process: there
// is no RPC layer between a manager and worker processes to speak of.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"kfuzz/pkg/corpus"
	"kfuzz/pkg/driver"
	"kfuzz/pkg/log"
	"kfuzz/pkg/signal"
	"kfuzz/pkg/stat"
	"kfuzz/prog"
	"kfuzz/vm"
	"kfuzz/vm/vmimpl"
)

// gauges are the Prometheus-scrapeable counters the sample tick refreshes.
// Registered once at package scope rather than per-Scheduler: stat.New
// panics on a duplicate metric name, and a process runs exactly one
// Scheduler.
var gauges = struct {
	corpusSize, blocks, branches                      *stat.Val
	execs, candidates, normal, failed, crashed, ierrs *stat.Val
}{
	corpusSize: stat.New("corpus_size", "Number of accepted programs in the corpus", stat.Count),
	blocks:     stat.New("cover_blocks", "Distinct basic blocks observed", stat.Count),
	branches:   stat.New("cover_branches", "Distinct edges observed", stat.Count),
	execs:      stat.New("execs", "Total program executions", stat.Count),
	candidates: stat.New("candidates", "Executions drawn from the candidate queue", stat.Count),
	normal:     stat.New("normal", "Executions classified Normal", stat.Count),
	failed:     stat.New("failed", "Executions classified Failed", stat.Count),
	crashed:    stat.New("crashed", "Executions classified Crash", stat.Count),
	ierrs:      stat.New("internal_errors", "Executions classified InternalError", stat.Count),
}

// Config holds the scheduler's own timing knobs.
type Config struct {
	SampleInterval time.Duration
	ReportInterval time.Duration
	VMCount        int
}

func (c Config) sampleInterval() time.Duration {
	if c.SampleInterval <= 0 {
		return 10 * time.Second
	}
	return c.SampleInterval
}

func (c Config) reportInterval() time.Duration {
	if c.ReportInterval <= 0 {
		return time.Minute
	}
	return c.ReportInterval
}

// Persister snapshots the corpus (and, implicitly, the crash store already
// writes its own files as crashes are found) to the workdir between
// shutdown and process exit.
type Persister interface {
	Persist(c *corpus.Corpus) error
}

// Scheduler is the process-wide owner of the shared fuzzing state: the
// read-only Target, the Corpus and Feedback, the relation table (embedded
// in Target, guarded by its own mutex — see prog/relation.go), and the pool
// of VM-driving workers.
type Scheduler struct {
	target   *prog.Target
	corpus   *corpus.Corpus
	feedback *signal.Feedback
	pool     *vm.Pool
	deps     *driver.Deps
	cfg      Config
	persist  Persister
}

// New wires a Scheduler: it builds one driver.Worker per VM slot and hands
// vm.Create a single Runner that dispatches to the worker matching the
// booted instance's index, since each worker boots its own VM and spawns
// its own executor.
func New(env *vmimpl.Env, deps *driver.Deps, cfg Config, persist Persister) (*Scheduler, error) {
	workers := make([]*driver.Worker, cfg.VMCount)
	for i := range workers {
		workers[i] = driver.NewWorker(i, deps)
	}
	job := func(ctx context.Context, inst *vm.Instance, upd vm.UpdateInfo) {
		idx := inst.Index()
		if idx < 0 || idx >= len(workers) {
			log.Logf(0, "scheduler: instance index %d out of range (%d workers)", idx, len(workers))
			return
		}
		workers[idx].Run(ctx, inst, upd)
	}
	pool, err := vm.Create(env, job)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		target:   deps.Target,
		corpus:   deps.Corpus,
		feedback: deps.Feedback,
		pool:     pool,
		deps:     deps,
		cfg:      cfg,
		persist:  persist,
	}, nil
}

// Run drives the pool's worker loops and the sampling task until ctx is
// cancelled, then gives workers a grace period to finish their current
// iteration before persisting state and returning. Shutdown cancels by
// having workers check the broadcast channel between iterations; a
// 5-second grace period is enforced before forced process exit.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.pool.Loop(gctx)
		return nil
	})
	g.Go(func() error {
		s.sample(gctx)
		return nil
	})

	<-ctx.Done()
	log.Logf(0, "scheduler: shutdown requested, waiting up to 5s for workers")
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Logf(0, "scheduler: grace period expired, forcing exit")
	}

	if s.persist != nil {
		if err := s.persist.Persist(s.corpus); err != nil {
			log.Logf(0, "scheduler: persist corpus: %v", err)
		}
	}
	return nil
}

// sample wakes every sample_interval, snapshots counters, and emits a
// structured summary every report_interval.
func (s *Scheduler) sample(ctx context.Context) {
	sampleTicker := time.NewTicker(s.cfg.sampleInterval())
	defer sampleTicker.Stop()
	reportTicker := time.NewTicker(s.cfg.reportInterval())
	defer reportTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sampleTicker.C:
			s.refreshGauges()
		case <-reportTicker.C:
			s.report()
		}
	}
}

// refreshGauges copies the atomic driver.Stats counters and the
// corpus/feedback sizes into the package's Prometheus gauges, so a scrape
// between report_interval ticks still sees current values.
func (s *Scheduler) refreshGauges() {
	st := s.deps.Stats
	gauges.corpusSize.Set(s.corpus.Len())
	gauges.blocks.Set(s.feedback.Blocks.Len())
	gauges.branches.Set(s.feedback.Branches.Len())
	gauges.execs.Set(int(atomic.LoadUint64(&st.Execs)))
	gauges.candidates.Set(int(atomic.LoadUint64(&st.Candidates)))
	gauges.normal.Set(int(atomic.LoadUint64(&st.Normal)))
	gauges.failed.Set(int(atomic.LoadUint64(&st.Failed)))
	gauges.crashed.Set(int(atomic.LoadUint64(&st.Crashed)))
	gauges.ierrs.Set(int(atomic.LoadUint64(&st.InternalErrors)))
}

func (s *Scheduler) report() {
	s.refreshGauges()
	st := s.deps.Stats
	log.Logf(0, "corpus=%d blocks=%d branches=%d execs=%d candidates=%d normal=%d failed=%d crashed=%d internal_errors=%d exec_time_p50=%.4fs prog_len_p50=%.1f",
		s.corpus.Len(), s.feedback.Blocks.Len(), s.feedback.Branches.Len(),
		st.Execs, st.Candidates, st.Normal, st.Failed, st.Crashed, st.InternalErrors,
		histQuantile(st.ExecTime, 0.5), histQuantile(st.ProgLen, 0.5))
}

func histQuantile(h *stat.Histogram, q float64) float64 {
	if h == nil {
		return 0
	}
	return h.Quantile(q)
}
