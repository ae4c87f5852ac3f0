// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"testing"

	"github.com/grailbio/biggauss/matrix"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func newSystem(t *testing.T, rows [][]float64, b []float64) *matrix.System {
	t.Helper()
	sys, err := matrix.NewSystem(len(rows))
	assert.NoError(t, err)
	for i, row := range rows {
		copy(sys.A.Row(i), row)
	}
	copy(sys.B, b)
	return sys
}

func TestSelectPivotNoSwap(t *testing.T) {
	sys := newSystem(t, [][]float64{
		{4, 2, 8},
		{1, 1, 1},
		{3, 0, 1},
	}, []float64{2, 1, 0})
	swapped, err := SelectPivot(sys, 0)
	assert.NoError(t, err)
	expect.EQ(t, swapped, false)
	expect.EQ(t, sys.A.Row(0), []float64{1, 0.5, 2})
	expect.EQ(t, sys.B[0], 0.5)
	expect.EQ(t, sys.Perm, []int{0, 1, 2})
	// Other rows are untouched.
	expect.EQ(t, sys.A.Row(1), []float64{1, 1, 1})
}

func TestSelectPivotUnit(t *testing.T) {
	sys := newSystem(t, [][]float64{
		{1, 3},
		{2, 5},
	}, []float64{7, 1})
	swapped, err := SelectPivot(sys, 0)
	assert.NoError(t, err)
	expect.EQ(t, swapped, false)
	expect.EQ(t, sys.A.Row(0), []float64{1, 3})
	expect.EQ(t, sys.B[0], 7.0)
}

func TestSelectPivotSwap(t *testing.T) {
	sys := newSystem(t, [][]float64{
		{1, 2, 3},
		{0, 0, 5},
		{0, 4, 6},
	}, []float64{1, 2, 3})
	swapped, err := SelectPivot(sys, 1)
	assert.NoError(t, err)
	expect.EQ(t, swapped, true)
	expect.EQ(t, sys.A.Row(1), []float64{0, 1, 1.5})
	expect.EQ(t, sys.A.Row(2), []float64{0, 0, 5})
	expect.EQ(t, sys.B, []float64{1, 0.75, 2})
	expect.EQ(t, sys.Perm, []int{0, 2, 1})
}

func TestSelectPivotFirstUsableRow(t *testing.T) {
	sys := newSystem(t, [][]float64{
		{0, 1, 0},
		{2, 0, 0},
		{3, 0, 1},
	}, []float64{0, 4, 9})
	swapped, err := SelectPivot(sys, 0)
	assert.NoError(t, err)
	expect.EQ(t, swapped, true)
	expect.EQ(t, sys.Perm, []int{1, 0, 2})
	expect.EQ(t, sys.A.Row(0), []float64{1, 0, 0})
	expect.EQ(t, sys.B[0], 2.0)
}

func TestSelectPivotSingular(t *testing.T) {
	sys := newSystem(t, [][]float64{
		{1, 0, 2},
		{0, 0, 3},
		{0, 0, 4},
	}, []float64{1, 2, 3})
	_, err := SelectPivot(sys, 1)
	if !IsSingular(err) {
		t.Fatalf("got %v, want singular matrix error", err)
	}
	expect.EQ(t, sys.Perm, []int{0, 1, 2})
}

func TestReduce(t *testing.T) {
	pivot := []float64{0, 1, 2, 3}
	rows := []float64{
		9, 2, 1, 1,
		9, -1, 0, 5,
	}
	b := []float64{4, 6}
	flops := reduce(1, pivot, 10, rows, b)
	expect.EQ(t, rows, []float64{
		9, 0, -3, -5,
		9, 0, 2, 8,
	})
	expect.EQ(t, b, []float64{-16, 16})
	expect.EQ(t, flops, int64(2*3))
}

func TestReduceEmpty(t *testing.T) {
	expect.EQ(t, reduce(0, []float64{1, 2}, 1, nil, nil), int64(0))
}
