// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import "github.com/grailbio/biggauss/matrix"

// SelectPivot prepares row k of sys as the pivot row of step k. If
// A[k][k] is zero, the first row below it with a non-zero entry in
// column k is swapped into place. The pivot row is then divided
// through so that the pivot is exactly 1. SelectPivot reports whether
// a swap was performed; it returns a singular matrix error if column
// k has no usable pivot.
//
// SelectPivot must only be called by the coordinator, between
// steps.
func SelectPivot(sys *matrix.System, k int) (swapped bool, err error) {
	n := sys.N()
	if sys.A.At(k, k) == 0 {
		i := k + 1
		for ; i < n && sys.A.At(i, k) == 0; i++ {
		}
		if i == n {
			return false, singular(k)
		}
		sys.SwapRows(i, k)
		swapped = true
	}
	if v := sys.A.At(k, k); v != 1 {
		sys.ScaleRow(k, k, v)
	}
	return swapped, nil
}
