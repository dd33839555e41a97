// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kfuzz/pkg/corpus"
	"kfuzz/prog"
	_ "kfuzz/sys"
)

// fixedRand is a deterministic corpus.Rand for SelectOne tests: it replays
// a fixed sequence of draws and repeats the last one once exhausted.
type fixedRand struct {
	draws []float64
	i     int
}

func (r *fixedRand) Float64() float64 {
	v := r.draws[r.i]
	if r.i < len(r.draws)-1 {
		r.i++
	}
	return v
}

func genProgram(t *testing.T, seed int64) *prog.Prog {
	t.Helper()
	target, err := prog.GetTarget("linux", "amd64")
	require.NoError(t, err)
	ct := target.DefaultChoiceTable()
	cfg := prog.DefaultGenConfig()
	p := target.Generate(prog.NewRand(seed), ct, cfg)
	require.NoError(t, p.Validate())
	return p
}

func newInput(t *testing.T, seed int64) *corpus.Input {
	t.Helper()
	p := genProgram(t, seed)
	return &corpus.Input{
		Prog: p,
		Raw:  p.Serialize(),
		Len:  len(p.Calls),
	}
}

func TestAppendComputesBoundedScore(t *testing.T) {
	c := corpus.New(0)
	for i := int64(0); i < 10; i++ {
		in := newInput(t, i)
		c.Append(in)
		require.GreaterOrEqual(t, in.Score, 0.0)
		require.LessOrEqual(t, in.Score, 250.0)
	}
	require.Equal(t, 10, c.Len())
}

func TestAppendFavoredScoresHigherThanPlain(t *testing.T) {
	c := corpus.New(0)
	plain := newInput(t, 1)
	c.Append(plain)

	favored := newInput(t, 2)
	favored.Favored = true
	c.Append(favored)

	require.Greater(t, favored.Score, plain.Score)
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	target, err := prog.GetTarget("linux", "amd64")
	require.NoError(t, err)

	c := corpus.New(0)
	for i := int64(0); i < 5; i++ {
		c.Append(newInput(t, i))
	}

	blob, err := c.Persist()
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	restored := corpus.New(0)
	err = restored.Restore(blob, target, prog.Deserialize)
	require.NoError(t, err)
	require.Equal(t, c.Len(), restored.Len())

	for i, p := range restored.Programs() {
		require.NoError(t, p.Validate(), "restored program %d", i)
	}
}

func TestRestoreRejectsInvalidGobStream(t *testing.T) {
	target, err := prog.GetTarget("linux", "amd64")
	require.NoError(t, err)

	c := corpus.New(0)
	err = c.Restore([]byte("not a valid gob stream"), target, prog.Deserialize)
	require.Error(t, err)
}

func TestSelectOneIsNilOnEmptyCorpus(t *testing.T) {
	c := corpus.New(0)
	in, ok := c.SelectOne(&fixedRand{draws: []float64{0.5}}, false)
	require.False(t, ok)
	require.Nil(t, in)
}

func TestSelectOneRestrictsToFavored(t *testing.T) {
	c := corpus.New(0)
	plain := newInput(t, 1)
	c.Append(plain)
	favored := newInput(t, 2)
	favored.Favored = true
	c.Append(favored)

	in, ok := c.SelectOne(&fixedRand{draws: []float64{0.99, 0.99}}, true)
	require.True(t, ok)
	require.True(t, in.Favored)
}

func TestCullKeepsAtLeastHalfCapacityAndDropsLowestScores(t *testing.T) {
	c := corpus.New(10)
	for i := int64(0); i < 20; i++ {
		in := newInput(t, i)
		in.NewOnEntry = i%2 == 0 // vary score inputs across entries
		c.Append(in)
	}
	require.Equal(t, 20, c.Len())

	dropped := c.Cull(0.5)
	require.Greater(t, dropped, 0)
	require.GreaterOrEqual(t, c.Len(), 5) // capacity/2 floor
	require.Less(t, c.Len(), 20)
}

func TestCullIsNoopUnderCapacity(t *testing.T) {
	c := corpus.New(100)
	for i := int64(0); i < 5; i++ {
		c.Append(newInput(t, i))
	}
	require.Equal(t, 0, c.Cull(0.5))
	require.Equal(t, 5, c.Len())
}
