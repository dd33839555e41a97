// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package vm

import (
	"sync"

	"kfuzz/pkg/stat"
	"kfuzz/vm/qemu"
	"kfuzz/vm/vmimpl"
)

// Create builds a VM pool backed by QEMU, the only concrete VmHandle
// implementation here. job is the default Runner every spawned Instance
// executes once booted; callers normally set this to a function that hands
// the instance to a driver.Worker.
func Create(env *vmimpl.Env, job Runner) (*Pool, error) {
	impl, err := qemu.Ctor(env)
	if err != nil {
		return nil, err
	}
	count := impl.Count()
	pool := &Pool{
		qemuimpl:           impl,
		workdir:            env.Workdir,
		timeouts:           env.Timeouts,
		count:              count,
		statOutputReceived: stat.New("vm output", "Bytes of console output received from VMs", stat.Bytes),
		BootErrors:         make(chan error, count),
		defaultJob:         job,
		mu:                 new(sync.Mutex),
	}
	pool.instances = make([]*Instance, count)
	for i := range pool.instances {
		pool.instances[i] = &Instance{
			pool:  pool,
			index: i,
			job:   job,
		}
	}
	return pool, nil
}
