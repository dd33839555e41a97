// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mgrconfig

import (
	"fmt"
	"path/filepath"
	"strings"

	"kfuzz/pkg/config"
	"kfuzz/pkg/osutil"
	"kfuzz/prog"
	_ "kfuzz/sys" // most mgrconfig users want targets too
	"kfuzz/sys/targets"
)

// Derived config values that are handy to keep with the config, filled after reading user config.
type Derived struct {
	Target    *prog.Target
	SysTarget *targets.Target

	// Parsed Target:
	TargetOS     string
	TargetArch   string
	TargetVMArch string

	// Full paths to binaries we are going to use:
	ExecprogBin string
	ExecutorBin string

	Syscalls []int
	Timeouts targets.Timeouts

	// Special debugging/development mode specified by VM type "none".
	// In this mode syz-manager does not start any VMs, but instead a user is supposed
	// to start syz-executor process in a VM manually.
	VMLess bool
}

func LoadData(data []byte) (*Config, error) {
	cfg, err := LoadPartialData(data)
	if err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFile(filename string) (*Config, error) {
	cfg, err := LoadPartialFile(filename)
	if err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadPartialData(data []byte) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadData(data, cfg); err != nil {
		return nil, err
	}
	if err := SetTargets(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadPartialFile(filename string) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadFile(filename, cfg); err != nil {
		return nil, err
	}
	if err := SetTargets(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultValues() *Config {
	return &Config{
		SSHUser:           "root",
		MaxCrashLogs:      100,
		VMCount:           6,
		CallTimeoutMs:     1000,
		ProgramTimeoutMs:  5000,
		ProgMinLen:        4,
		ProgMaxLen:        16,
		StrMinLen:         0,
		StrMaxLen:         64,
		PathMaxDepth:      4,
		SPDelta:           0.4,
		SampleIntervalSec: 10,
		ReportIntervalSec: 60,
	}
}

type DescriptionsMode int

const (
	invalidDescriptions = iota
	ManualDescriptions
	AutoDescriptions
	AnyDescriptions
)

const manualDescriptions = "manual"

var (
	strToDescriptionsMode = map[string]DescriptionsMode{
		manualDescriptions: ManualDescriptions,
		"auto":             AutoDescriptions,
		"any":              AnyDescriptions,
	}
)

func SetTargets(cfg *Config) error {
	var err error
	cfg.TargetOS, cfg.TargetVMArch, cfg.TargetArch, err = splitTarget(cfg.RawTarget)
	if err != nil {
		return err
	}
	cfg.Target, err = prog.GetTarget(cfg.TargetOS, cfg.TargetArch)
	if err != nil {
		return err
	}
	cfg.SysTarget = targets.Get(cfg.TargetOS, cfg.TargetVMArch)
	if cfg.SysTarget == nil {
		return fmt.Errorf("unsupported OS/arch: %v/%v", cfg.TargetOS, cfg.TargetVMArch)
	}
	return nil
}

// Complete validates and fills in derived fields. Every numeric knob is
// range-checked here; any failure here is fatal at startup.
func Complete(cfg *Config) error {
	if err := checkNonEmpty(
		cfg.TargetOS, "target",
		cfg.TargetVMArch, "target",
		cfg.TargetArch, "target",
		cfg.Workdir, "workdir",
		cfg.Checkout, "kfuzz",
		cfg.Type, "type",
		cfg.SSHUser, "ssh_user",
	); err != nil {
		return err
	}
	cfg.Workdir = osutil.Abs(cfg.Workdir)

	if cfg.Image != "" {
		if !osutil.IsExist(cfg.Image) {
			return fmt.Errorf("bad config param image: can't find %v", cfg.Image)
		}
		cfg.Image = osutil.Abs(cfg.Image)
	}
	if err := cfg.completeBinaries(); err != nil {
		return err
	}
	if cfg.VMCount < 1 || cfg.VMCount > 1024 {
		return fmt.Errorf("bad config param vm_count: '%v', want [1, 1024]", cfg.VMCount)
	}
	if cfg.ProgMinLen < 1 || cfg.ProgMaxLen <= cfg.ProgMinLen || cfg.ProgMaxLen > 256 {
		return fmt.Errorf("bad config params prog_min_len/prog_max_len: [%v, %v)",
			cfg.ProgMinLen, cfg.ProgMaxLen)
	}
	if cfg.StrMinLen < 0 || cfg.StrMaxLen < cfg.StrMinLen || cfg.StrMaxLen > 1<<20 {
		return fmt.Errorf("bad config params str_min_len/str_max_len: [%v, %v]",
			cfg.StrMinLen, cfg.StrMaxLen)
	}
	if cfg.PathMaxDepth < 1 || cfg.PathMaxDepth > 64 {
		return fmt.Errorf("bad config param path_max_depth: '%v', want [1, 64]", cfg.PathMaxDepth)
	}
	if cfg.SPDelta < 0 || cfg.SPDelta > 1 {
		return fmt.Errorf("bad config param sp_delta: '%v', want [0, 1]", cfg.SPDelta)
	}
	if cfg.CallTimeoutMs < 1 || cfg.ProgramTimeoutMs < cfg.CallTimeoutMs {
		return fmt.Errorf("bad config params call_timeout_ms/program_timeout_ms: %v/%v",
			cfg.CallTimeoutMs, cfg.ProgramTimeoutMs)
	}
	if cfg.SampleIntervalSec < 1 || cfg.ReportIntervalSec < cfg.SampleIntervalSec {
		return fmt.Errorf("bad config params sample_interval_sec/report_interval_sec: %v/%v",
			cfg.SampleIntervalSec, cfg.ReportIntervalSec)
	}

	cfg.CompleteKernelDirs()

	cfg.Syscalls, _ = ParseEnabledSyscalls(cfg.Target)

	cfg.initTimeouts()
	cfg.VMLess = cfg.Type == "none"
	return nil
}

func (cfg *Config) initTimeouts() {
	cfg.Timeouts = cfg.SysTarget.Timeouts()
}

func checkNonEmpty(fields ...string) error {
	for i := 0; i < len(fields); i += 2 {
		if fields[i] == "" {
			return fmt.Errorf("config param %v is empty", fields[i+1])
		}
	}
	return nil
}

func (cfg *Config) CompleteKernelDirs() {
	cfg.KernelObj = osutil.Abs(cfg.KernelObj)
}

type KernelDirs struct {
	Src      string
	Obj      string
	BuildSrc string
}

func (cfg *Config) KernelDirs() *KernelDirs {
	return &KernelDirs{
		Src:      cfg.KernelObj,
		Obj:      cfg.KernelObj,
		BuildSrc: cfg.KernelObj,
	}
}

func (cfg *Config) completeBinaries() error {
	cfg.Checkout = osutil.Abs(cfg.Checkout)

	targetBin := func(name string) string {
		return filepath.Join(cfg.Checkout, "bin", name)
	}
	cfg.ExecutorBin = targetBin("syz-executor")

	return nil
}

func splitTarget(target string) (string, string, string, error) {
	if target == "" {
		return "", "", "", fmt.Errorf("target is empty")
	}
	targetParts := strings.Split(target, "/")
	if len(targetParts) != 2 && len(targetParts) != 3 {
		return "", "", "", fmt.Errorf("bad config param target")
	}
	os := targetParts[0]
	vmarch := targetParts[1]
	arch := targetParts[1]
	if len(targetParts) == 3 {
		arch = targetParts[2]
	}
	return os, vmarch, arch, nil
}

func ParseEnabledSyscalls(target *prog.Target) ([]int, error) {

	syscalls := make(map[int]bool)

	for _, call := range target.Syscalls {
		syscalls[call.ID] = true
	}

	if len(syscalls) == 0 {
		return nil, fmt.Errorf("all syscalls are disabled by disable_syscalls in config")
	}
	var arr []int
	for id := range syscalls {
		arr = append(arr, id)
	}
	return arr, nil
}
