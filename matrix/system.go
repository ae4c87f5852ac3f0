// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package matrix

import (
	"fmt"
	"io"
)

// A System is the linear system A·x = B together with the row
// permutation applied to it by pivoting. Perm[i] is the original
// index of the row that currently occupies row i. The permutation is
// bookkeeping only: elimination and back-substitution do not
// consult it.
//
// A System is owned by a single goroutine; its methods are not safe
// for concurrent use.
type System struct {
	A    *Dense
	B    []float64
	Perm []int
}

// NewSystem returns a zero system of dimension n with the identity
// permutation.
func NewSystem(n int) (*System, error) {
	a, err := New(n)
	if err != nil {
		return nil, err
	}
	sys := &System{
		A:    a,
		B:    make([]float64, n),
		Perm: make([]int, n),
	}
	for i := range sys.Perm {
		sys.Perm[i] = i
	}
	return sys, nil
}

// Init returns the reference system of dimension n:
//
//	A[i][j] = 2*(min(i, j)+1)
//	B[i]    = i
//
// Its solution is -0.5 and 0.5 for the first and last unknowns and 0
// for the others, which allows runs to be verified without external
// data.
func Init(n int) (*System, error) {
	sys, err := NewSystem(n)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		row := sys.A.Row(i)
		for j := range row {
			if j < i {
				row[j] = float64(2 * (j + 1))
			} else {
				row[j] = float64(2 * (i + 1))
			}
		}
		sys.B[i] = float64(i)
	}
	return sys, nil
}

// N returns the dimension of the system.
func (s *System) N() int { return s.A.N() }

// SwapRows exchanges rows i and j of A together with the corresponding
// entries of B and Perm.
func (s *System) SwapRows(i, j int) {
	if i == j {
		return
	}
	ri, rj := s.A.Row(i), s.A.Row(j)
	for c := range ri {
		ri[c], rj[c] = rj[c], ri[c]
	}
	s.B[i], s.B[j] = s.B[j], s.B[i]
	s.Perm[i], s.Perm[j] = s.Perm[j], s.Perm[i]
}

// ScaleRow divides the entries of row k at and after column col, and
// B[k], by v.
func (s *System) ScaleRow(k, col int, v float64) {
	row := s.A.Row(k)
	for c := col; c < len(row); c++ {
		row[c] /= v
	}
	s.B[k] /= v
}

// Clone returns a deep copy of the system.
func (s *System) Clone() *System {
	c := &System{
		A:    s.A.Clone(),
		B:    make([]float64, len(s.B)),
		Perm: make([]int, len(s.Perm)),
	}
	copy(c.B, s.B)
	copy(c.Perm, s.Perm)
	return c
}

// Format writes the matrix, the right-hand side and the permutation
// to w in a human readable form.
func (s *System) Format(w io.Writer) error {
	n := s.N()
	if _, err := fmt.Fprintln(w, "matrix:"); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		for _, v := range s.A.Row(i) {
			if _, err := fmt.Fprintf(w, "%6.5f ", v); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	if err := FormatVector(w, "rhs", s.B); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "perm:\n%v\n", s.Perm)
	return err
}

// FormatVector writes a named vector to w in the format used by
// System.Format.
func FormatVector(w io.Writer, name string, v []float64) error {
	if _, err := fmt.Fprintf(w, "%s:\n", name); err != nil {
		return err
	}
	for _, x := range v {
		if _, err := fmt.Fprintf(w, "%6.5f ", x); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}
