// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"math"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/status"
	"github.com/grailbio/biggauss/collective"
	"github.com/grailbio/biggauss/matrix"
	"github.com/grailbio/biggauss/stats"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func bigmachineTestSession(p int) *Session {
	return Start(Bigmachine(testsystem.New()), Parallelism(p))
}

func TestBigmachineExecutor(t *testing.T) {
	sess := bigmachineTestSession(3)
	defer sess.Shutdown()
	ctx := context.Background()
	for _, n := range []int{1, 2, 4, 9} {
		sys, err := matrix.Init(n)
		assert.NoError(t, err)
		x, res, err := sess.Solve(ctx, sys)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		checkEliminated(t, sys)
		want := referenceSolution(n)
		for i := range x {
			if math.Abs(x[i]-want[i]) > tolerance {
				t.Errorf("n=%d: x[%d]: got %v, want %v", n, i, x[i], want[i])
			}
		}
		expect.EQ(t, res.Stats["steps"], int64(n))
		expect.EQ(t, res.Stats["rows"], int64(n*(n-1)/2))
	}
}

// The bigmachine executor must produce bit-for-bit the same system,
// and the same counters, as the in-process executor.
func TestBigmachineMatchesLocal(t *testing.T) {
	const n = 17
	ctx := context.Background()
	orig := randomSystem(fuzz.NewWithSeed(99), n)
	dominate(orig)
	// Force a swap in the first step.
	for j, row := 0, orig.A.Row(0); j < n; j++ {
		row[j] = 0
	}
	orig.A.Set(0, n-1, 3)

	local := Start(Local, Parallelism(4))
	defer local.Shutdown()
	want := orig.Clone()
	wantRes, err := local.Eliminate(ctx, want)
	assert.NoError(t, err)

	remote := bigmachineTestSession(4)
	defer remote.Shutdown()
	got := orig.Clone()
	gotRes, err := remote.Eliminate(ctx, got)
	assert.NoError(t, err)

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if g, w := got.A.At(i, j), want.A.At(i, j); math.Float64bits(g) != math.Float64bits(w) {
				t.Fatalf("A[%d][%d]: got %v, want %v", i, j, g, w)
			}
		}
		if g, w := got.B[i], want.B[i]; math.Float64bits(g) != math.Float64bits(w) {
			t.Fatalf("B[%d]: got %v, want %v", i, g, w)
		}
	}
	expect.EQ(t, got.Perm, want.Perm)
	expect.EQ(t, gotRes.Swaps, wantRes.Swaps)
	if gotRes.Swaps < 1 {
		t.Errorf("expected a swap, got %d", gotRes.Swaps)
	}
	expect.EQ(t, gotRes.Stats, wantRes.Stats)

	// Worker counters are reset after every run.
	again := orig.Clone()
	againRes, err := remote.Eliminate(ctx, again)
	assert.NoError(t, err)
	expect.EQ(t, againRes.Stats, wantRes.Stats)
}

func TestBigmachineSingular(t *testing.T) {
	sess := bigmachineTestSession(2)
	defer sess.Shutdown()
	sys, err := matrix.Init(6)
	assert.NoError(t, err)
	for i := 0; i < 6; i++ {
		sys.A.Set(i, 4, 0)
	}
	_, err = sess.Eliminate(context.Background(), sys)
	if !IsSingular(err) {
		t.Errorf("got %v, want singular matrix error", err)
	}
}

// A machine lost between runs fails the next run with a collective
// failure rather than hanging it.
func TestBigmachineCommFailure(t *testing.T) {
	system := testsystem.New()
	sess := Start(Bigmachine(system), Parallelism(3))
	defer sess.Shutdown()
	ctx := context.Background()
	sys, err := matrix.Init(5)
	assert.NoError(t, err)
	_, err = sess.Eliminate(ctx, sys)
	assert.NoError(t, err)

	if !system.Kill(system.Index(0)) {
		t.Fatal("no machine to kill")
	}
	sys, err = matrix.Init(5)
	assert.NoError(t, err)
	_, err = sess.Eliminate(ctx, sys)
	if !IsCommFailure(err) {
		t.Errorf("got %v, want collective failure", err)
	}
	if IsSingular(err) || IsInvalidConfig(err) {
		t.Errorf("misclassified error %v", err)
	}
}

// WorkerTransport reaches in-process workers through their service
// methods, copying data as the wire would.
type workerTransport struct {
	run     uint64
	workers []*worker
}

func (t workerTransport) Send(ctx context.Context, rank int, m collective.Message) error {
	m.Data = append([]float64(nil), m.Data...)
	return t.workers[rank-1].Deliver(ctx, deliverRequest{Run: t.run, Msg: m}, nil)
}

func (t workerTransport) Receive(ctx context.Context, rank, seq int, op string) (collective.Message, error) {
	var m collective.Message
	err := t.workers[rank-1].Collect(ctx, collectRequest{Run: t.run, Seq: seq, Op: op}, &m)
	m.Data = append([]float64(nil), m.Data...)
	return m, err
}

func startWorkers(t *testing.T, run uint64, p, n int) []*worker {
	t.Helper()
	workers := make([]*worker, p-1)
	for i := range workers {
		workers[i] = new(worker)
		assert.NoError(t, workers[i].Init(nil))
		assert.NoError(t, workers[i].Start(context.Background(), startRequest{Run: run, Rank: i + 1, Size: p, N: n}, nil))
	}
	return workers
}

func TestWorkerRun(t *testing.T) {
	const (
		n   = 9
		p   = 3
		run = 7
	)
	ctx := context.Background()
	orig := randomSystem(fuzz.NewWithSeed(5), n)
	dominate(orig)

	local := Start(Local, Parallelism(p))
	defer local.Shutdown()
	want := orig.Clone()
	wantRes, err := local.Eliminate(ctx, want)
	assert.NoError(t, err)

	workers := startWorkers(t, run, p, n)
	comm, err := collective.NewRoot(p, workerTransport{run, workers})
	assert.NoError(t, err)
	got := orig.Clone()
	st := stats.NewMap()
	task := new(status.Status).Group("test").Start()
	assert.NoError(t, eliminate(ctx, comm, got, n, st, task))
	for _, w := range workers {
		var vals stats.Values
		assert.NoError(t, w.Finish(ctx, finishRequest{Run: run}, &vals))
		st.Merge(vals)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if g, w := got.A.At(i, j), want.A.At(i, j); math.Float64bits(g) != math.Float64bits(w) {
				t.Fatalf("A[%d][%d]: got %v, want %v", i, j, g, w)
			}
		}
	}
	expect.EQ(t, got.B, want.B)
	expect.EQ(t, st.Snapshot(), wantRes.Stats)

	// Finished runs are forgotten.
	var vals stats.Values
	if err := workers[0].Finish(ctx, finishRequest{Run: run}, &vals); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist error", err)
	}
}

func TestWorkerAbort(t *testing.T) {
	ctx := context.Background()
	workers := startWorkers(t, 1, 2, 4)
	w := workers[0]
	err := w.Start(ctx, startRequest{Run: 1, Rank: 1, Size: 2, N: 4}, nil)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid error", err)
	}
	err = w.Start(ctx, startRequest{Run: 2, Rank: 1, Size: 2, N: 0}, nil)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid error", err)
	}
	err = w.Deliver(ctx, deliverRequest{Run: 3}, nil)
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist error", err)
	}

	// The coordinator never shows up; the run is reaped by aborting it.
	var vals stats.Values
	assert.NoError(t, w.Finish(ctx, finishRequest{Run: 1, Abort: true}, &vals))
	expect.EQ(t, vals["flops"], int64(0))
}
