// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package signal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetDiffMerge(t *testing.T) {
	s := NewSet()
	require.Equal(t, 0, s.Len())

	diff := s.Diff([]Elem{1, 2, 3})
	require.ElementsMatch(t, []Elem{1, 2, 3}, diff)

	s.Merge(diff)
	require.Equal(t, 3, s.Len())
	require.True(t, s.Contains(2))
	require.False(t, s.Contains(4))

	// Re-diffing the same ids (plus one new) only surfaces the new one.
	diff2 := s.Diff([]Elem{1, 2, 3, 4})
	require.Equal(t, []Elem{4}, diff2)
}

func TestSetMergeEmptyIsNoop(t *testing.T) {
	s := NewSet()
	s.Merge(nil)
	require.Equal(t, 0, s.Len())
}

func TestFeedbackDiffIsMonotonic(t *testing.T) {
	f := NewFeedback()

	d1 := f.Diff([]Elem{10, 11}, []Elem{20})
	require.Equal(t, 2, len(d1.NewBlocks))
	require.Equal(t, 1, len(d1.NewBranches))
	require.False(t, d1.Empty())
	require.Equal(t, 3, d1.Len())

	f.Merge(d1)
	require.Equal(t, 2, f.Blocks.Len())
	require.Equal(t, 1, f.Branches.Len())

	// Observing exactly what was already merged contributes nothing new.
	d2 := f.Diff([]Elem{10, 11}, []Elem{20})
	require.True(t, d2.Empty())

	// A partially-overlapping observation only contributes the new ids.
	d3 := f.Diff([]Elem{11, 12}, []Elem{20, 21})
	require.Equal(t, []Elem{12}, d3.NewBlocks)
	require.Equal(t, []Elem{21}, d3.NewBranches)

	f.Merge(d3)
	require.Equal(t, 3, f.Blocks.Len())
	require.Equal(t, 2, f.Branches.Len())
}

func TestSnapshotReflectsMergedElements(t *testing.T) {
	s := NewSet()
	s.Merge([]Elem{5, 6, 7})
	require.ElementsMatch(t, []Elem{5, 6, 7}, s.Snapshot())
}
