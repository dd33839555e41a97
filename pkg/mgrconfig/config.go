// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mgrconfig

import (
	"encoding/json"
)

type Config struct {
	// Target OS/arch, e.g. "linux/arm64" or "linux/amd64/386" (amd64 OS with 386 test process).
	RawTarget string `json:"target"`

	// Location of a working directory for the syz-manager process. Outputs here include:
	// - <workdir>/crashes/*: crash output files
	// - <workdir>/instance-x: per VM instance temporary files
	Workdir string `json:"workdir"`
	// Directory with kernel object files (e.g. `vmlinux` for linux)
	// (used for report symbolization, coverage reports and in tree modules finding, optional).
	KernelObj string `json:"kernel_obj"`
	// Location of the disk image file.
	Image string `json:"image,omitempty"`

	// Location of the kfuzz checkout; the scheduler looks
	// for binaries in its bin subdir (the in-guest executor).
	Checkout string `json:"kfuzz"`

	// Number of parallel worker loops (= VM count).
	// Allowed values are 1-1024, recommended range is ~4-8, default value is 6.
	VMCount int `json:"vm_count"`

	// Number of occurrences per crash whose console log is written to the
	// crash's single crash.log, each overwriting the last (default: 100).
	MaxCrashLogs int `json:"max_crash_logs"`

	// Type of virtual machine to use; only "qemu" and "none" (VMLess) are
	// implemented.
	Type string `json:"type"`
	// VM-type-specific parameters.
	// Parameters for concrete types are in Config type in vm/TYPE/TYPE.go, e.g. vm/qemu/qemu.go.
	VM json.RawMessage `json:"vm"`

	SSHKey  string `json:"ssh_key,omitempty"`
	SSHUser string `json:"ssh_user,omitempty"`

	// Execution and generation tuning knobs.
	Suppressions      []string `json:"suppressions,omitempty"`
	Ignores           []string `json:"ignores,omitempty"`
	CallTimeoutMs     int      `json:"call_timeout_ms"`
	ProgramTimeoutMs  int      `json:"program_timeout_ms"`
	ProgMinLen        int      `json:"prog_min_len"`
	ProgMaxLen        int      `json:"prog_max_len"`
	StrMinLen         int      `json:"str_min_len"`
	StrMaxLen         int      `json:"str_max_len"`
	PathMaxDepth      int      `json:"path_max_depth"`
	SPDelta           float64  `json:"sp_delta"`
	SampleIntervalSec int      `json:"sample_interval_sec"`
	ReportIntervalSec int      `json:"report_interval_sec"`
	MemleakCheck      bool     `json:"memleak_check"`
	ConcurrencyStress bool     `json:"concurrency_stress"`
	ExecutorFeatures  []string `json:"executor_features,omitempty"`

	// Implementation details beyond this point. Filled after parsing.
	Derived `json:"-"`
}
