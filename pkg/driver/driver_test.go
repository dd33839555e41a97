// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package driver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"kfuzz/pkg/ipc"
	"kfuzz/pkg/signal"
	"kfuzz/prog"
	_ "kfuzz/sys"
)

func TestClassify(t *testing.T) {
	require.Equal(t, VerdictNormal, classify(ipc.Result{Status: 0}, nil))
	require.Equal(t, VerdictFailed, classify(ipc.Result{Status: 1}, nil))
	require.Equal(t, VerdictInternalError, classify(ipc.Result{Status: ipc.ExecutorInternalError}, nil))
	require.Equal(t, VerdictFailed, classify(ipc.Result{}, ipc.ErrWatchdog))
	require.Equal(t, VerdictInternalError, classify(ipc.Result{}, errors.New("broken pipe")))
}

func TestArmWeight(t *testing.T) {
	var a arm
	require.Equal(t, 1.0, a.weight()) // no data yet: treated as worth trying

	a.record(false)
	a.record(false)
	a.record(false)
	require.Equal(t, 1.0, a.weight()) // all-loss arm floors at 1, never starves

	var b arm
	for i := 0; i < 10; i++ {
		b.record(true)
	}
	require.Equal(t, 10.0, b.weight()) // ten gaining iterations weigh 10
}

func genProgram(t *testing.T, seed int64) *prog.Prog {
	t.Helper()
	target, err := prog.GetTarget("linux", "amd64")
	require.NoError(t, err)
	ct := target.DefaultChoiceTable()
	cfg := prog.DefaultGenConfig()
	cfg.MinLen, cfg.MaxLen = 4, 5
	p := target.Generate(prog.NewRand(seed), ct, cfg)
	require.NoError(t, p.Validate())
	return p
}

func TestSubProgramTruncates(t *testing.T) {
	p := genProgram(t, 1)
	require.GreaterOrEqual(t, len(p.Calls), 3)

	sub := subProgram(p, 1)
	require.Len(t, sub.Calls, 2)
	require.NoError(t, sub.Validate())
	// subProgram must clone, not alias, the original program's calls.
	require.NotSame(t, p.Calls[0], sub.Calls[0])
}

func TestTrimTrailingUncoveredDropsUncoveredTail(t *testing.T) {
	p := genProgram(t, 2)
	require.GreaterOrEqual(t, len(p.Calls), 3)

	res := ipc.Result{Calls: []ipc.CallInfo{
		{Index: 0, Blocks: []uint32{1}},
		{Index: 1},
		{Index: 2, Branch: []uint32{2}},
	}}
	trimmed := trimTrailingUncovered(p, res)
	require.NotNil(t, trimmed)
	require.Len(t, trimmed.Calls, 3)

	resNoCov := ipc.Result{Calls: []ipc.CallInfo{{Index: 0}, {Index: 1}}}
	require.Nil(t, trimTrailingUncovered(p, resNoCov))
}

func TestIntersectAndSupersetHelpers(t *testing.T) {
	a := signal.DiffResult{NewBlocks: []signal.Elem{1, 2, 3}, NewBranches: []signal.Elem{4}}
	b := signal.DiffResult{NewBlocks: []signal.Elem{2, 3, 9}, NewBranches: []signal.Elem{4, 5}}
	got := intersectDiff(a, b)
	require.ElementsMatch(t, []signal.Elem{2, 3}, got.NewBlocks)
	require.ElementsMatch(t, []signal.Elem{4}, got.NewBranches)

	require.True(t, supersetOf(b, got))
	require.False(t, supersetOf(got, b))
}

func TestCountResources(t *testing.T) {
	p := genProgram(t, 1)
	n := countResources(p)
	require.GreaterOrEqual(t, n, 0)
	require.LessOrEqual(t, n, len(p.Calls))
}

func TestNewWorkerOverridesPidPerWorker(t *testing.T) {
	deps := &Deps{IPCConfig: ipc.Config{Pid: 0}}
	w := NewWorker(7, deps)
	require.Equal(t, 7, w.ipcCfg.Pid)
	require.Equal(t, 0, deps.IPCConfig.Pid) // shared Deps value itself is untouched
}

func TestDepsDefaults(t *testing.T) {
	var d Deps
	require.Equal(t, 3, d.restartAttempts())
	require.Equal(t, 64, d.historyLen())
	require.Equal(t, 1, d.calibrationRetries())

	d.MaxRestartAttempts, d.RunHistoryLen, d.CalibrationRetries = 9, 128, 4
	require.Equal(t, 9, d.restartAttempts())
	require.Equal(t, 128, d.historyLen())
	require.Equal(t, 4, d.calibrationRetries())
}

func TestPushHistoryCapsAtConfiguredLength(t *testing.T) {
	w := &Worker{deps: &Deps{RunHistoryLen: 2}}
	p1, p2, p3 := genProgram(t, 1), genProgram(t, 2), genProgram(t, 3)
	w.pushHistory(p1)
	w.pushHistory(p2)
	w.pushHistory(p3)
	require.Equal(t, []*prog.Prog{p2, p3}, w.History())
}
