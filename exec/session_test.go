// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"math"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/status"
	"github.com/grailbio/biggauss/collective"
	"github.com/grailbio/biggauss/matrix"
	"github.com/grailbio/biggauss/stats"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

const tolerance = 1e-9

// referenceSolution returns the solution of matrix.Init(n).
func referenceSolution(n int) []float64 {
	x := make([]float64, n)
	if n > 1 {
		x[0], x[n-1] = -0.5, 0.5
	}
	return x
}

func checkEliminated(t *testing.T, sys *matrix.System) {
	t.Helper()
	n := sys.N()
	for i := 0; i < n; i++ {
		if got, want := sys.A.At(i, i), 1.0; got != want {
			t.Fatalf("A[%d][%d]: got %v, want %v", i, i, got, want)
		}
		for j := 0; j < i; j++ {
			if got, want := sys.A.At(i, j), 0.0; got != want {
				t.Fatalf("A[%d][%d]: got %v, want %v", i, j, got, want)
			}
		}
	}
}

func randomSystem(fz *fuzz.Fuzzer, n int) *matrix.System {
	sys, err := matrix.NewSystem(n)
	if err != nil {
		panic(err)
	}
	for i := 0; i < n; i++ {
		for j, row := 0, sys.A.Row(i); j < n; j++ {
			fz.Fuzz(&row[j])
		}
		fz.Fuzz(&sys.B[i])
	}
	return sys
}

// Dominate makes sys diagonally dominant. Pivots are not chosen by
// magnitude, so random systems are kept well conditioned this way.
func dominate(sys *matrix.System) {
	n := sys.N()
	for i := 0; i < n; i++ {
		sys.A.Set(i, i, sys.A.At(i, i)+float64(n))
	}
}

func TestEliminateReference(t *testing.T) {
	ctx := context.Background()
	for _, p := range []int{1, 2, 3, 4, 8} {
		sess := Start(Local, Parallelism(p))
		for _, n := range []int{1, 2, 3, 4, 7, 16, 33} {
			sys, err := matrix.Init(n)
			assert.NoError(t, err)
			x, res, err := sess.Solve(ctx, sys)
			if err != nil {
				t.Fatalf("n=%d p=%d: %v", n, p, err)
			}
			checkEliminated(t, sys)
			want := referenceSolution(n)
			for i := range x {
				if math.Abs(x[i]-want[i]) > tolerance {
					t.Errorf("n=%d p=%d: x[%d]: got %v, want %v", n, p, i, x[i], want[i])
				}
			}
			expect.EQ(t, res.Stats["steps"], int64(n))
			expect.EQ(t, res.Stats["rows"], int64(n*(n-1)/2))
			expect.EQ(t, res.Swaps, 0)
		}
		sess.Shutdown()
	}
}

func TestEliminateSmall(t *testing.T) {
	ctx := context.Background()
	var solutions [][]float64
	for _, p := range []int{1, 2, 4} {
		sess := Start(Local, Parallelism(p))
		sys, err := matrix.Init(4)
		assert.NoError(t, err)
		x, _, err := sess.Solve(ctx, sys)
		assert.NoError(t, err)
		for i, want := range []float64{-0.5, 0, 0, 0.5} {
			if math.Abs(x[i]-want) > tolerance {
				t.Errorf("p=%d: x[%d]: got %v, want %v", p, i, x[i], want)
			}
		}
		solutions = append(solutions, x)
		sess.Shutdown()
	}
	for i := 1; i < len(solutions); i++ {
		expect.EQ(t, solutions[i], solutions[0])
	}
}

// The result must not depend on how rows are dealt out: every row
// sees the same sequence of operations regardless of the worker that
// reduces it.
func TestEliminateIndependentOfParallelism(t *testing.T) {
	const n = 29
	ctx := context.Background()
	orig := randomSystem(fuzz.NewWithSeed(4242), n)
	dominate(orig)
	var first *matrix.System
	for p := 1; p <= 7; p++ {
		sys := orig.Clone()
		sess := Start(Local, Parallelism(p))
		_, err := sess.Eliminate(ctx, sys)
		sess.Shutdown()
		assert.NoError(t, err)
		checkEliminated(t, sys)
		if first == nil {
			first = sys
			continue
		}
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if got, want := sys.A.At(i, j), first.A.At(i, j); math.Float64bits(got) != math.Float64bits(want) {
					t.Fatalf("p=%d: A[%d][%d]: got %v, want %v", p, i, j, got, want)
				}
			}
			if got, want := sys.B[i], first.B[i]; math.Float64bits(got) != math.Float64bits(want) {
				t.Fatalf("p=%d: B[%d]: got %v, want %v", p, i, got, want)
			}
		}
	}
}

func TestEliminateRandom(t *testing.T) {
	ctx := context.Background()
	fz := fuzz.NewWithSeed(777)
	sess := Start(Local, Parallelism(3))
	defer sess.Shutdown()
	for _, n := range []int{2, 5, 12, 40} {
		orig := randomSystem(fz, n)
		dominate(orig)
		sys := orig.Clone()
		x, _, err := sess.Solve(ctx, sys)
		assert.NoError(t, err)
		if r := matrix.Residual(orig.A, x, orig.B); r > 1e-6 {
			t.Errorf("n=%d: residual %v", n, r)
		}
	}
}

func TestEliminatePivoting(t *testing.T) {
	ctx := context.Background()
	orig := newSystem(t, [][]float64{
		{0, 2, 1, 1},
		{0, 1, 3, 2},
		{4, 1, 0, 1},
		{1, 1, 1, 0},
	}, []float64{4, 6, 6, 3})
	for _, p := range []int{1, 2, 3, 4, 5} {
		sys := orig.Clone()
		sess := Start(Local, Parallelism(p))
		x, res, err := sess.Solve(ctx, sys)
		sess.Shutdown()
		assert.NoError(t, err)
		checkEliminated(t, sys)
		if res.Swaps < 1 {
			t.Errorf("p=%d: expected at least one swap, got %d", p, res.Swaps)
		}
		if r := matrix.Residual(orig.A, x, orig.B); r > tolerance {
			t.Errorf("p=%d: residual %v", p, r)
		}
		for i := range x {
			if math.Abs(x[i]-1) > tolerance {
				t.Errorf("p=%d: x[%d]: got %v, want 1", p, i, x[i])
			}
		}
		// Every original row is accounted for exactly once.
		seen := make(map[int]bool)
		for _, i := range sys.Perm {
			seen[i] = true
		}
		expect.EQ(t, len(seen), 4)
	}
}

func TestEliminateSingular(t *testing.T) {
	ctx := context.Background()
	for _, p := range []int{1, 2, 3} {
		sys, err := matrix.Init(5)
		assert.NoError(t, err)
		for i := 0; i < 5; i++ {
			sys.A.Set(i, 2, 0)
		}
		sess := Start(Local, Parallelism(p))
		x, res, err := sess.Solve(ctx, sys)
		sess.Shutdown()
		if !IsSingular(err) {
			t.Fatalf("p=%d: got %v, want singular matrix error", p, err)
		}
		if x != nil || res != nil {
			t.Errorf("p=%d: got a result for a singular matrix", p)
		}
	}
}

func TestEliminateInvalidConfig(t *testing.T) {
	sess := Start(Local)
	defer sess.Shutdown()
	_, err := sess.Eliminate(context.Background(), nil)
	if !IsInvalidConfig(err) {
		t.Errorf("got %v, want invalid configuration error", err)
	}
	for _, c := range []struct{ n, p int }{{0, 1}, {-3, 1}, {4, 0}, {4, -1}} {
		if err := CheckConfig(c.n, c.p); !IsInvalidConfig(err) {
			t.Errorf("CheckConfig(%d, %d): got %v, want invalid configuration error", c.n, c.p, err)
		}
	}
	assert.NoError(t, CheckConfig(1, 1))

	for _, p := range []int{0, -2} {
		sess := Start(Local, Parallelism(p))
		sys, err := matrix.Init(3)
		assert.NoError(t, err)
		if _, err := sess.Eliminate(context.Background(), sys); !IsInvalidConfig(err) {
			t.Errorf("p=%d: got %v, want invalid configuration error", p, err)
		}
		sess.Shutdown()
	}

	// A coordinator handed a system of the wrong size.
	comms, err := collective.NewLocal(1)
	assert.NoError(t, err)
	sys, err := matrix.Init(2)
	assert.NoError(t, err)
	err = eliminate(context.Background(), comms[0], sys, 3, stats.NewMap(), nil)
	if !IsInvalidConfig(err) {
		t.Errorf("got %v, want invalid configuration error", err)
	}
}

func TestEliminateCommFailure(t *testing.T) {
	comms, err := collective.NewLocal(2)
	assert.NoError(t, err)
	sys, err := matrix.Init(3)
	assert.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task := new(status.Status).Group("test").Start()
	// Rank 1 never participates.
	err = eliminate(ctx, comms[coordinator], sys, 3, stats.NewMap(), task)
	if !IsCommFailure(err) {
		t.Errorf("got %v, want collective failure", err)
	}
	if IsSingular(err) || IsInvalidConfig(err) {
		t.Errorf("misclassified error %v", err)
	}
}

func TestEliminateStats(t *testing.T) {
	const n = 10
	sess := Start(Local, Parallelism(3))
	defer sess.Shutdown()
	sys, err := matrix.Init(n)
	assert.NoError(t, err)
	res, err := sess.Eliminate(context.Background(), sys)
	assert.NoError(t, err)
	var flops, traffic int64
	for k := 0; k < n; k++ {
		left := int64(n - k - 1)
		flops += left * int64(n-k)
		if left > 0 {
			traffic += left * (n + 1)
		}
	}
	expect.EQ(t, res.Stats["flops"], flops)
	expect.EQ(t, res.Stats["scatter"], traffic)
	expect.EQ(t, res.Stats["gather"], traffic)
	expect.EQ(t, res.Stats["bcast"], int64((n-1)*(n+1)))
	if res.Elapsed <= 0 {
		t.Errorf("elapsed %v", res.Elapsed)
	}
	expect.EQ(t, fmt.Sprint(sess.Parallelism()), "3")
}
