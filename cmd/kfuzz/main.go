// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Command kfuzz is the scheduler entrypoint: it loads a manager config,
// restores any persisted corpus, wires the worker pool, and runs until
// interrupted. Grounded on
// other_examples/dd825ed8_domenukk-syzkaller__syz-fuzzer-fuzzer.go.go's
// main() (flag parsing, HandleInterrupts, Logf(0, ...) startup trace).
package main

import (
	"context"
	"flag"
	"time"

	"kfuzz/pkg/corpus"
	"kfuzz/pkg/db"
	"kfuzz/pkg/driver"
	"kfuzz/pkg/ipc"
	"kfuzz/pkg/log"
	"kfuzz/pkg/mgrconfig"
	"kfuzz/pkg/osutil"
	"kfuzz/pkg/report"
	"kfuzz/pkg/scheduler"
	signalpkg "kfuzz/pkg/signal"
	"kfuzz/prog"
	"kfuzz/vm/vmimpl"
)

var (
	flagConfig  = flag.String("config", "", "configuration file")
	flagVerbose = flag.Int("v", 0, "verbosity level")
)

func main() {
	flag.Parse()
	log.SetVerbose(*flagVerbose)

	if *flagConfig == "" {
		log.Fatalf("usage: kfuzz -config=mgr.cfg")
	}
	cfg, err := mgrconfig.LoadFile(*flagConfig)
	if err != nil {
		log.Fatalf("bad config: %v", err)
	}
	log.Logf(0, "kfuzz: loaded config for %v/%v, %v VMs", cfg.TargetOS, cfg.TargetArch, cfg.VMCount)

	target := cfg.Target
	corp := corpus.New(1 << 16)
	if blob, err := db.LoadCorpus(cfg.Workdir); err != nil {
		log.Logf(0, "kfuzz: load corpus: %v", err)
	} else if blob != nil {
		if err := corp.Restore(blob, target, prog.Deserialize); err != nil {
			log.Logf(0, "kfuzz: restore corpus: %v", err)
		} else {
			log.Logf(0, "kfuzz: restored %v corpus entries", corp.Len())
		}
	}

	reporter, err := report.NewReporter(cfg.Suppressions, cfg.Ignores)
	if err != nil {
		log.Fatalf("bad suppressions/ignores: %v", err)
	}
	crashes := db.NewCrashStore(cfg.Workdir, cfg.MaxCrashLogs)
	feedback := signalpkg.NewFeedback()

	genCfg := prog.DefaultGenConfig()
	genCfg.MinLen, genCfg.MaxLen = cfg.ProgMinLen, cfg.ProgMaxLen
	genCfg.PathMaxDepth = cfg.PathMaxDepth
	genCfg.StrMinLen, genCfg.StrMaxLen = cfg.StrMinLen, cfg.StrMaxLen

	mutCfg := prog.DefaultMutateConfig()
	mutCfg.Gen = genCfg
	mutCfg.MaxLen = cfg.ProgMaxLen

	deps := &driver.Deps{
		Target:       target,
		Corpus:       corp,
		Feedback:     feedback,
		Reporter:     reporter,
		Crashes:      crashes,
		Stats:        driver.NewStats(),
		GenConfig:    genCfg,
		MutateConfig: mutCfg,
		ChoiceTable: func() *prog.ChoiceTable {
			return target.BuildChoiceTable(corp.Programs())
		},
		ExecutorCmd:  cfg.ExecutorBin,
		ExecutorPort: 0,
		IPCConfig: ipc.Config{
			EnvFlags:         ipc.FlagSignal,
			ExecFlags:        ipc.FlagCollectCover | ipc.FlagDedupCover,
			CallTimeoutMs:    uint64(cfg.CallTimeoutMs),
			ProgramTimeoutMs: uint64(cfg.ProgramTimeoutMs),
			SlowdownScale:    1,
			UseShmem:         false,
		},
	}

	env := &vmimpl.Env{
		Name:     "kfuzz",
		OS:       cfg.TargetOS,
		Arch:     cfg.TargetVMArch,
		Workdir:  cfg.Workdir,
		Image:    cfg.Image,
		SSHKey:   cfg.SSHKey,
		SSHUser:  cfg.SSHUser,
		Timeouts: cfg.Timeouts,
		Config:   []byte(cfg.VM),
	}

	sched, err := scheduler.New(env, deps, scheduler.Config{
		SampleInterval: time.Duration(cfg.SampleIntervalSec) * time.Second,
		ReportInterval: time.Duration(cfg.ReportIntervalSec) * time.Second,
		VMCount:        cfg.VMCount,
	}, db.CorpusPersister{Workdir: cfg.Workdir})
	if err != nil {
		log.Fatalf("kfuzz: start scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	osutil.HandleInterrupts(cancel)

	log.Logf(0, "kfuzz: scheduler running")
	if err := sched.Run(ctx); err != nil {
		log.Fatalf("kfuzz: scheduler: %v", err)
	}
	log.Logf(0, "kfuzz: exiting")
}
