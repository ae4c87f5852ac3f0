// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

// A Partition assigns the rows below the pivot row of one elimination
// step to workers. Worker r receives Rows[r] consecutive rows,
// starting RowOffsets[r] rows after the pivot row. Elems and
// ElemOffsets describe the same assignment in matrix elements
// (n per row); Rows and RowOffsets double as the counts and offsets
// of the right-hand side.
//
// Partitions shrink by a row every step and are recomputed each
// time; they are never reused across steps.
type Partition struct {
	Rows, RowOffsets   []int
	Elems, ElemOffsets []int
}

// Plan computes the partition of step k of an n×n elimination over p
// workers. The n-k-1 rows below the pivot are dealt out in worker
// order, ceil((n-k-1)/p) rows at a time, so that lower ranks receive
// full shares, at most one worker receives a partial share, and the
// remaining workers receive nothing.
func Plan(k, n, p int) Partition {
	part := Partition{
		Rows:        make([]int, p),
		RowOffsets:  make([]int, p),
		Elems:       make([]int, p),
		ElemOffsets: make([]int, p),
	}
	left := n - k - 1
	if left <= 0 {
		return part
	}
	per := (left + p - 1) / p
	for r := 0; r < p; r++ {
		rows := per
		if left < per {
			rows = left
		}
		left -= rows
		part.Rows[r] = rows
		part.Elems[r] = rows * n
		if r > 0 {
			part.RowOffsets[r] = part.RowOffsets[r-1] + part.Rows[r-1]
			part.ElemOffsets[r] = part.ElemOffsets[r-1] + part.Elems[r-1]
		}
	}
	return part
}

// Remaining returns the total number of rows assigned by the
// partition.
func (p Partition) Remaining() int {
	var n int
	for _, rows := range p.Rows {
		n += rows
	}
	return n
}

// MaxRows returns the largest share of any worker.
func (p Partition) MaxRows() int {
	var max int
	for _, rows := range p.Rows {
		if rows > max {
			max = rows
		}
	}
	return max
}
