// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package matrix implements the dense linear system state operated on
// by biggauss: a square row-major matrix, its right-hand side, and the
// row permutation produced by pivoting.
package matrix

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"
)

// Dense is a square matrix of float64 values backed by a gonum
// dense matrix. Its storage is a single contiguous row-major buffer
// with a stride equal to the dimension, so that consecutive rows can
// be handed out as one slice. All indexing goes through Dense's
// accessors so that layout and bounds are checked in one place.
type Dense struct {
	n int
	m *mat.Dense
}

// New returns a zeroed n×n matrix. New returns an Invalid error if
// n is not positive.
func New(n int) (*Dense, error) {
	if n <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("matrix: size %d is not positive", n))
	}
	return &Dense{n: n, m: mat.NewDense(n, n, nil)}, nil
}

// N returns the matrix dimension.
func (d *Dense) N() int { return d.n }

// Mat returns the underlying gonum matrix. It shares storage with d.
func (d *Dense) Mat() *mat.Dense { return d.m }

// At returns the element at row i, column j.
func (d *Dense) At(i, j int) float64 {
	d.check(i, j)
	return d.m.At(i, j)
}

// Set sets the element at row i, column j to v.
func (d *Dense) Set(i, j int, v float64) {
	d.check(i, j)
	d.m.Set(i, j, v)
}

// Row returns row i as a view into the matrix's storage. Writes to
// the returned slice modify the matrix.
func (d *Dense) Row(i int) []float64 {
	if i < 0 || i >= d.n {
		panic(fmt.Sprintf("matrix.Row: row %d out of range for %d×%d matrix", i, d.n, d.n))
	}
	row := d.m.RawRowView(i)
	return row[:d.n:d.n]
}

// Rows returns rows i through j-1 as a single contiguous view into
// the matrix's storage. An empty range (i == j) is permitted for any
// i in [0, n].
func (d *Dense) Rows(i, j int) []float64 {
	if i < 0 || j > d.n || i > j {
		panic(fmt.Sprintf("matrix.Rows: invalid row range [%d, %d) for %d×%d matrix", i, j, d.n, d.n))
	}
	data := d.m.RawMatrix().Data
	return data[i*d.n : j*d.n : j*d.n]
}

// Clone returns a deep copy of the matrix.
func (d *Dense) Clone() *Dense {
	return &Dense{n: d.n, m: mat.DenseCopyOf(d.m)}
}

func (d *Dense) check(i, j int) {
	if i < 0 || i >= d.n || j < 0 || j >= d.n {
		panic(fmt.Sprintf("matrix: index (%d, %d) out of range for %d×%d matrix", i, j, d.n, d.n))
	}
}
