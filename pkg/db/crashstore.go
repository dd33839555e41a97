// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package db

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"

	"kfuzz/pkg/osutil"
	"kfuzz/prog"
)

// CrashStore implements pkg/driver.CrashStore, writing one directory per
// deduplicated crash title under {workdir}/crashes/{id}/.
// repro.c is not produced here: nothing in this repo generates a standalone
// C reproducer, so only prog.txt/repro.prog (the kfuzz program form) and
// crash.log are written.
type CrashStore struct {
	workdir string
	maxLogs int

	mu    sync.Mutex
	count map[string]int
}

// NewCrashStore wires the store to {workdir}/crashes. Each deduplicated id
// keeps one crash.log; maxLogs (mgrconfig.Config's max_crash_logs, default
// 100) caps how many occurrences overwrite it, after which the log of the
// latest capped occurrence stays. maxLogs <= 0 means no cap.
func NewCrashStore(workdir string, maxLogs int) *CrashStore {
	return &CrashStore{
		workdir: workdir,
		maxLogs: maxLogs,
		count:   make(map[string]int),
	}
}

// Save writes p's text form and, while under the log cap, the console log
// that accompanied this occurrence of the crash.
func (s *CrashStore) Save(title string, p *prog.Prog, consoleLog []byte) error {
	id := crashID(title)
	dir := filepath.Join(s.workdir, "crashes", id)
	if err := osutil.MkdirAll(dir); err != nil {
		return fmt.Errorf("pkg/db: mkdir %v: %w", dir, err)
	}

	s.mu.Lock()
	occurrence := s.count[id]
	s.count[id] = occurrence + 1
	s.mu.Unlock()

	progText := p.Serialize()
	if occurrence == 0 {
		if err := osutil.WriteFile(filepath.Join(dir, "prog.txt"), progText); err != nil {
			return err
		}
	}
	if err := osutil.WriteFile(filepath.Join(dir, "repro.prog"), progText); err != nil {
		return err
	}
	if s.maxLogs <= 0 || occurrence < s.maxLogs {
		if err := osutil.WriteFile(filepath.Join(dir, "crash.log"), consoleLog); err != nil {
			return err
		}
	}
	return nil
}

func crashID(title string) string {
	if title == "" {
		title = "unknown"
	}
	sum := sha1.Sum([]byte(title))
	return hex.EncodeToString(sum[:8])
}
