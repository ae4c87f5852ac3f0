// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package matrix

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"
)

// BackSubstitute solves the eliminated system sys, which must be upper
// triangular with a unit diagonal, and returns the solution vector.
// A system that is not in that form is reported as an Integrity
// error: it indicates a failed or skipped elimination, not a bad
// configuration.
// Unknowns are resolved from the last row upward; each depends on all
// of the ones below it, so the computation is sequential.
func BackSubstitute(sys *System) ([]float64, error) {
	n := sys.N()
	for i := 0; i < n; i++ {
		if d := sys.A.At(i, i); d != 1 {
			return nil, errors.E(errors.Integrity,
				fmt.Sprintf("matrix.BackSubstitute: diagonal entry %d is %v; system is not eliminated", i, d))
		}
	}
	v := make([]float64, n)
	v[n-1] = sys.B[n-1]
	for i := n - 2; i >= 0; i-- {
		row := sys.A.Row(i)
		x := sys.B[i]
		for j := n - 1; j > i; j-- {
			x -= row[j] * v[j]
		}
		v[i] = x
	}
	return v, nil
}

// Residual returns the max-norm of a·x - b.
func Residual(a *Dense, x, b []float64) float64 {
	var r mat.VecDense
	r.MulVec(a.Mat(), mat.NewVecDense(len(x), x))
	r.SubVec(&r, mat.NewVecDense(len(b), b))
	return mat.Norm(&r, math.Inf(1))
}
