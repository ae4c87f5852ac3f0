// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/biggauss/collective"
	"github.com/grailbio/biggauss/matrix"
	"github.com/grailbio/biggauss/stats"
)

// Coordinator is the rank that owns the system between steps,
// selects pivots, and roots every collective operation.
const coordinator = 0

// Names of the counters reported in Result.Stats.
const (
	statSteps   = "steps"
	statSwaps   = "swaps"
	statRows    = "rows"
	statFlops   = "flops"
	statBcast   = "bcast"
	statScatter = "scatter"
	statGather  = "gather"
)

// Eliminate runs the elimination of an n×n system as participant
// comm.Rank() of comm. The coordinator passes the system; all other
// ranks pass nil and only ever see the rows they are dealt. Every
// participant runs the same sequence of collective calls: for each
// step that has rows below the pivot, a broadcast of the pivot row and
// its right-hand side, a scatter of the remaining rows, a local
// reduction, and a gather of the reduced rows back into sys.
//
// Receive buffers are sized once for the largest share, which occurs
// at the first step, and are overwritten every step.
func eliminate(ctx context.Context, comm collective.Comm, sys *matrix.System, n int, st *stats.Map, task *status.Task) error {
	var (
		rank    = comm.Rank()
		p       = comm.Size()
		root    = rank == coordinator
		max     = Plan(0, n, p).MaxRows()
		rowsBuf = make([]float64, max*n)
		bBuf    = make([]float64, max)
		pivot   = make([]float64, n)
		pivotB  = make([]float64, 1)

		rowsReduced = st.Int(statRows)
		flops       = st.Int(statFlops)
	)
	if root && (sys == nil || sys.N() != n) {
		return errors.E(errors.Invalid, fmt.Sprintf("exec.eliminate: coordinator requires a %d×%d system", n, n))
	}
	for k := 0; k < n; k++ {
		if root {
			swapped, err := SelectPivot(sys, k)
			if err != nil {
				return err
			}
			if swapped {
				st.Int(statSwaps).Add(1)
				log.Debug.Printf("step %d: swapped in row %d", k, sys.Perm[k])
			}
			st.Int(statSteps).Add(1)
			task.Printf("step %d/%d", k+1, n)
		}
		part := Plan(k, n, p)
		left := part.Remaining()
		if left == 0 {
			continue
		}

		var sendRows, sendB []float64
		if root {
			pivot = sys.A.Row(k)
			pivotB[0] = sys.B[k]
			sendRows, sendB = sys.A.Rows(k+1, n), sys.B[k+1:]
		}
		if err := comm.Bcast(ctx, pivot, coordinator); err != nil {
			return err
		}
		if err := comm.Bcast(ctx, pivotB, coordinator); err != nil {
			return err
		}

		recvRows := rowsBuf[:part.Elems[rank]]
		recvB := bBuf[:part.Rows[rank]]
		if err := comm.Scatterv(ctx, sendRows, part.Elems, part.ElemOffsets, recvRows, coordinator); err != nil {
			return err
		}
		if err := comm.Scatterv(ctx, sendB, part.Rows, part.RowOffsets, recvB, coordinator); err != nil {
			return err
		}

		flops.Add(reduce(k, pivot, pivotB[0], recvRows, recvB))
		rowsReduced.Add(int64(len(recvB)))

		if err := comm.Gatherv(ctx, recvRows, sendRows, part.Elems, part.ElemOffsets, coordinator); err != nil {
			return err
		}
		if err := comm.Gatherv(ctx, recvB, sendB, part.Rows, part.RowOffsets, coordinator); err != nil {
			return err
		}
		if root {
			countTraffic(st, n, left)
		}
	}
	return nil
}

// CountTraffic records the logical volume, in elements, moved by one
// step with left rows below the pivot.
func countTraffic(st *stats.Map, n, left int) {
	st.Int(statBcast).Add(int64(n + 1))
	st.Int(statScatter).Add(int64(left * (n + 1)))
	st.Int(statGather).Add(int64(left * (n + 1)))
}
