// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package report scans raw VM console output for kernel crash signatures
// and turns the matching region into a structured Report, demangling any
// C++ symbols that show up in the backtrace.
package report

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/ianlancetaylor/demangle"

	"kfuzz/pkg/report/crash"
)

// Report is the structured result of matching a crash pattern in VM output.
type Report struct {
	Title      string
	Output     []byte
	Suppressed bool
	Type       crash.Type
	StartPos   int
	EndPos     int
	Corrupted  bool
}

// Reporter holds the compiled crash/suppression patterns for one target OS.
type Reporter struct {
	crashPatterns      []*regexp.Regexp
	suppressPatterns   []*regexp.Regexp
	ignorePatterns     []*regexp.Regexp
}

// NewReporter builds a Reporter from the configured suppressions/ignores,
// seeded with a small built-in set of patterns every Linux kernel build
// exhibits.
func NewReporter(suppressions, ignores []string) (*Reporter, error) {
	r := &Reporter{}
	defaultCrashes := []string{
		`BUG: `,
		`WARNING: `,
		`INFO: (task .* blocked for|rcu_sched detected stalls)`,
		`Oops(?: - |:)`,
		`kernel BUG at`,
		`general protection fault`,
		`KASAN: `,
		`panic: `,
	}
	for _, p := range defaultCrashes {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		r.crashPatterns = append(r.crashPatterns, re)
	}
	for _, p := range suppressions {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		r.suppressPatterns = append(r.suppressPatterns, re)
	}
	for _, p := range ignores {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		r.ignorePatterns = append(r.ignorePatterns, re)
	}
	return r, nil
}

// ContainsCrash reports whether output contains any known crash signature
// that isn't also matched by an ignore pattern.
func (r *Reporter) ContainsCrash(output []byte) bool {
	for _, ig := range r.ignorePatterns {
		if ig.Match(output) {
			return false
		}
	}
	for _, re := range r.crashPatterns {
		if re.Match(output) {
			return true
		}
	}
	return false
}

// IsSuppressed reports whether output matches a configured suppression,
// meaning the crash is known-flaky/known-benign and should be dropped.
func IsSuppressed(r *Reporter, output []byte) bool {
	for _, re := range r.suppressPatterns {
		if re.Match(output) {
			return true
		}
	}
	return false
}

// ParseFrom scans output starting at pos for the first crash pattern match
// and returns a Report describing the matched region, or nil if nothing
// matched (the caller falls back to a default-titled Report).
func (r *Reporter) ParseFrom(output []byte, pos int) *Report {
	if pos < 0 || pos > len(output) {
		pos = 0
	}
	region := output[pos:]
	var best *regexp.Regexp
	bestIdx := -1
	for _, re := range r.crashPatterns {
		loc := re.FindIndex(region)
		if loc == nil {
			continue
		}
		if bestIdx == -1 || loc[0] < bestIdx {
			bestIdx = loc[0]
			best = re
		}
	}
	if best == nil {
		return nil
	}
	title := extractTitle(region[bestIdx:])
	return &Report{
		Title:      demangleTitle(title),
		Output:     output,
		Suppressed: IsSuppressed(r, output),
		Type:       crash.Bug,
		StartPos:   pos + bestIdx,
		EndPos:     len(output),
	}
}

// extractTitle returns the first line of a matched crash region as the
// report's human-readable title.
func extractTitle(region []byte) string {
	if i := bytes.IndexByte(region, '\n'); i >= 0 {
		region = region[:i]
	}
	return strings.TrimSpace(string(region))
}

var mangledSymbol = regexp.MustCompile(`_Z[A-Za-z0-9_]+`)

// demangleTitle replaces any Itanium-mangled C++ symbols embedded in a
// crash title (e.g. KCSAN/KASAN reports touching C++-compiled subsystems)
// with their demangled form, falling back to the original text on failure.
func demangleTitle(title string) string {
	return mangledSymbol.ReplaceAllStringFunc(title, func(sym string) string {
		out, err := demangle.ToString(sym, demangle.NoParams)
		if err != nil {
			return sym
		}
		return out
	})
}
