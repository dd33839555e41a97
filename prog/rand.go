// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import "math/rand"

// Rand wraps math/rand with the small helpers the generator and mutator
// lean on throughout for their weighted-coin decisions. No attempt is made
// to reproduce any prior implementation's exact random stream bit-for-bit.
type Rand struct {
	*rand.Rand
}

func newRand(seed int64) *Rand {
	return &Rand{rand.New(rand.NewSource(seed))}
}

// NewRand is the exported constructor callers outside this package use to
// seed a per-worker generation/mutation stream (pkg/driver, one per pid).
func NewRand(seed int64) *Rand {
	return newRand(seed)
}

// Bias returns true with probability p.
func (r *Rand) Bias(p float64) bool {
	return r.Float64() < p
}

// NOutOf returns true with probability n/outOf.
func (r *Rand) NOutOf(n, outOf int) bool {
	return r.Intn(outOf) < n
}

// Intn is a convenience wrapper tolerating n<=0 (returns 0).
func (r *Rand) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return r.Rand.Intn(n)
}

// Uint64n returns a pseudo-random value in [0, n).
func (r *Rand) Uint64n(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return uint64(r.Int63()) % n
}

// biasedRange draws from [begin, end] with lower values more likely,
// matching the generator's "biased small, occasionally large" distributions.
func (r *Rand) biasedRange(begin, end uint64) uint64 {
	if end <= begin {
		return begin
	}
	span := end - begin
	// square the [0,1) draw to bias toward the low end.
	f := r.Float64()
	f = f * f
	return begin + uint64(f*float64(span))
}
