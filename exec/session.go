// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/biggauss/matrix"
	"github.com/grailbio/biggauss/stats"
	"github.com/grailbio/bigmachine"
)

// An Executor carries out elimination runs for a session.
type Executor interface {
	// Name returns a short description of the executor.
	Name() string

	// Start starts the executor for the provided session. The
	// returned function is called when the session shuts down.
	Start(*Session) (shutdown func())

	// Eliminate reduces sys in place to upper triangular form with a
	// unit diagonal, using the session's parallelism. Counters are
	// recorded in st and progress is reported to task.
	Eliminate(ctx context.Context, sys *matrix.System, st *stats.Map, task *status.Task) error

	// HandleDebug adds executor-specific debug handlers to the
	// provided mux.
	HandleDebug(handler *http.ServeMux)
}

// Session represents a biggauss compute session: an executor and a
// fixed group of P workers that is reused by every run started from
// the session.
//
// Executors that launch additional processes (such as the bigmachine
// executor) run copies of the binary in which Start does not return;
// sessions should therefore be started early in main, before other
// work is done.
type Session struct {
	index    int32
	shutdown func()
	p        int
	pSet     bool
	executor Executor
	status   *status.Status
	group    *status.Group
	eventer  eventlog.Eventer
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the in-process executor: each
// worker is a goroutine, and workers communicate through an
// in-process collective group.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. If any params are provided,
// they are applied to each machine allocated by the executor.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Parallelism configures the session with the provided number of
// workers, including the coordinator. A session configured with a
// non-positive parallelism starts, but every run fails with an
// invalid configuration error.
func Parallelism(p int) Option {
	return func(s *Session) {
		s.p, s.pSet = p, true
	}
}

// Status configures the session with a status object to which run
// statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Eventer configures the session with an Eventer that will be used to
// log session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// nextSessionIndex is the index of the next session that will be
// started by Start.
var nextSessionIndex int32

// Start creates and starts a new session, configuring it according to
// the provided options. If no executor is configured, the session uses
// the in-process executor with a single worker.
func Start(options ...Option) *Session {
	s := &Session{
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
		eventer: eventlog.Nop{},
	}
	for _, opt := range options {
		opt(s)
	}
	if !s.pSet {
		s.p = 1
	}
	if s.executor == nil {
		s.executor = newLocalExecutor()
	}
	if s.status == nil {
		s.status = new(status.Status)
	}
	s.group = s.status.Groupf("biggauss-%02d", s.index)
	s.shutdown = s.executor.Start(s)
	s.eventer.Event("biggauss:sessionStart",
		"executorType", s.executor.Name(),
		"parallelism", s.p)
	return s
}

// A Result describes a completed elimination run.
type Result struct {
	// Elapsed is the wall-clock duration of the elimination.
	Elapsed time.Duration
	// Swaps is the number of row swaps performed by pivoting.
	Swaps int
	// Stats holds the run's counters: steps, swaps, rows reduced,
	// flops, and the elements moved by broadcasts, scatters and
	// gathers.
	Stats stats.Values
}

// Eliminate reduces sys in place to upper triangular form with a unit
// diagonal. Sys must not be accessed by other goroutines until
// Eliminate returns. The returned errors are terminal: a singular
// matrix (see IsSingular), a failed collective operation (see
// IsCommFailure), or an invalid configuration (see IsInvalidConfig).
// Sys is left in an undefined state after a failed run.
func (s *Session) Eliminate(ctx context.Context, sys *matrix.System) (*Result, error) {
	if sys == nil || sys.A == nil {
		return nil, CheckConfig(0, s.p)
	}
	n := sys.N()
	if err := CheckConfig(n, s.p); err != nil {
		return nil, err
	}
	task := s.group.Start(fmt.Sprintf("eliminate %dx%d p=%d", n, n, s.p))
	defer task.Done()
	st := stats.NewMap()
	start := time.Now()
	err := s.executor.Eliminate(ctx, sys, st, task)
	elapsed := time.Since(start)
	if err != nil {
		task.Printf("failed: %v", err)
		log.Error.Printf("exec.Eliminate: %v", err)
		return nil, err
	}
	vals := st.Snapshot()
	task.Printf("done in %s: %s", elapsed, vals)
	s.eventer.Event("biggauss:eliminate",
		"size", n,
		"parallelism", s.p,
		"elapsedSeconds", elapsed.Seconds(),
		"swaps", vals[statSwaps])
	return &Result{
		Elapsed: elapsed,
		Swaps:   int(vals[statSwaps]),
		Stats:   vals,
	}, nil
}

// Solve eliminates sys and computes its solution by
// back-substitution.
func (s *Session) Solve(ctx context.Context, sys *matrix.System) ([]float64, *Result, error) {
	res, err := s.Eliminate(ctx, sys)
	if err != nil {
		return nil, nil, err
	}
	x, err := matrix.BackSubstitute(sys)
	if err != nil {
		return nil, nil, err
	}
	return x, res, nil
}

// Parallelism returns the number of workers used by the session.
func (s *Session) Parallelism() int {
	return s.p
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// HandleDebug registers the executor's debug handlers with handler.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	s.executor.HandleDebug(handler)
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
}
