// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log provides a minimalistic logging used throughout kfuzz:
// a global verbosity-gated Logf and a Fatalf that terminates the process.
package log

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	verbosityLevel int32
	mu             sync.Mutex
	cachedPrefix   string
)

// SetVerbose sets the global verbosity threshold. Logf calls with a level
// above this threshold are dropped.
func SetVerbose(v int) {
	atomic.StoreInt32(&verbosityLevel, int32(v))
}

func Logf(v int, msg string, args ...interface{}) {
	if int32(v) > atomic.LoadInt32(&verbosityLevel) {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stderr, "%v %v\n", timestamp(), fmt.Sprintf(msg, args...))
}

func Fatalf(msg string, args ...interface{}) {
	mu.Lock()
	fmt.Fprintf(os.Stderr, "%v FATAL: %v\n", timestamp(), fmt.Sprintf(msg, args...))
	mu.Unlock()
	os.Exit(1)
}

func Errorf(msg string, args ...interface{}) {
	Logf(0, "ERROR: "+msg, args...)
}

func timestamp() string {
	return time.Now().Format("2006/01/02 15:04:05")
}

// CachedLogName returns a fixed per-process name stub usable in file names.
func CachedLogName() string {
	mu.Lock()
	defer mu.Unlock()
	if cachedPrefix == "" {
		cachedPrefix = fmt.Sprintf("kfuzz-%v", os.Getpid())
	}
	return cachedPrefix
}
