// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import "github.com/grailbio/base/must"

// Reduce eliminates column k from a worker's share of step k. Rows
// holds len(b) consecutive matrix rows of length len(pivot) and b the
// matching right-hand side entries; both are updated in place using
// the normalized pivot row and its right-hand side pivotB. Entries in
// column k are set to exactly zero. Reduce returns the number of
// floating point multiply-subtract operations performed.
//
// Reduce reads only the pivot and writes only its own share, so
// shares of the same step may be reduced concurrently.
func reduce(k int, pivot []float64, pivotB float64, rows, b []float64) (flops int64) {
	n := len(pivot)
	must.True(len(rows) == len(b)*n, "exec.reduce: share of ", len(rows), " elements does not hold ", len(b), " rows of ", n)
	for j := range b {
		row := rows[j*n : (j+1)*n]
		f := row[k]
		row[k] = 0
		for c := k + 1; c < n; c++ {
			row[c] -= f * pivot[c]
		}
		b[j] -= f * pivotB
	}
	return int64(len(b) * (n - k))
}
