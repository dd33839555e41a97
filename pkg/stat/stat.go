// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stat tracks counters and distributions for the scheduler's
// sampling task: corpus size, coverage set sizes, exec counts, crash
// counts, and histograms of per-program exec time/length.
// Counters double as Prometheus metrics so a running scheduler can be
// scraped, and distributions use gohistogram for O(1)-memory approximate
// quantiles instead of retaining every sample.
package stat

import (
	"sync"
	"sync/atomic"

	"github.com/VividCortex/gohistogram"
	"github.com/prometheus/client_golang/prometheus"
)

type Unit int

const (
	Count Unit = iota
	Bytes
	Seconds
)

// Val is a monotonically-adjustable named counter, exported both to the
// in-process sampling task (via Value()) and to Prometheus scrape.
type Val struct {
	name  string
	desc  string
	unit  Unit
	v     int64
	gauge prometheus.Gauge
}

var (
	registry = prometheus.NewRegistry()
	allMu    sync.Mutex
	all      []*Val
)

// New registers a new counter. name must be unique across the process.
func New(name, desc string, unit Unit) *Val {
	v := &Val{name: name, desc: desc, unit: unit}
	v.gauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: sanitizeMetricName(name),
		Help: desc,
	})
	registry.MustRegister(v.gauge)
	allMu.Lock()
	all = append(all, v)
	allMu.Unlock()
	return v
}

func (v *Val) Add(delta int) {
	nv := atomic.AddInt64(&v.v, int64(delta))
	v.gauge.Set(float64(nv))
}

func (v *Val) Set(val int) {
	atomic.StoreInt64(&v.v, int64(val))
	v.gauge.Set(float64(val))
}

func (v *Val) Value() int {
	return int(atomic.LoadInt64(&v.v))
}

func (v *Val) Name() string { return v.name }

// Registry exposes the Prometheus registry backing every Val, for wiring
// into an HTTP /metrics handler.
func Registry() *prometheus.Registry { return registry }

// All returns every registered counter.
func All() []*Val {
	allMu.Lock()
	defer allMu.Unlock()
	return append([]*Val(nil), all...)
}

func sanitizeMetricName(name string) string {
	out := make([]byte, 0, len(name)+6)
	out = append(out, "kfuzz_"...)
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, byte(c))
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// AverageValue tracks a running mean of a numeric/duration series (e.g. VM
// boot time) without retaining samples.
type AverageValue[T ~int64] struct {
	mu    sync.Mutex
	sum   T
	count int64
}

func (a *AverageValue[T]) Save(v T) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sum += v
	a.count++
}

func (a *AverageValue[T]) Mean() T {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return 0
	}
	return a.sum / T(a.count)
}

// Histogram wraps gohistogram's numerical histogram for exec-time/program
// length distributions shown by the reporting task.
type Histogram struct {
	mu sync.Mutex
	h  *gohistogram.NumericHistogram
}

func NewHistogram(bins int) *Histogram {
	return &Histogram{h: gohistogram.NewHistogram(bins)}
}

func (h *Histogram) Add(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.h.Add(v)
}

func (h *Histogram) Quantile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.h.Quantile(q)
}

func (h *Histogram) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.h.String()
}
