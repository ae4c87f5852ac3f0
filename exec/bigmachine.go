// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/biggauss/collective"
	"github.com/grailbio/biggauss/matrix"
	"github.com/grailbio/biggauss/stats"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

// BigmachineStatusGroup is the name of the status group under which
// the bigmachine executor reports machine status.
const BigmachineStatusGroup = "bigmachine"

func init() {
	gob.Register(&worker{})
}

// BigmachineExecutor is an executor that runs the coordinator in the
// driver process and every other worker on its own bigmachine
// machine. Rank r > 0 is served by machine r-1.
//
// Both sides run the same elimination as the local executor. The
// coordinator's collective operations are carried to the workers by
// Worker.Deliver calls (broadcast and scatter) and Worker.Collect
// calls (gather); each worker runs its side of the group in a
// goroutine started by Worker.Start and reaped by Worker.Finish.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess   *Session
	b      *bigmachine.B
	status *status.Group

	machinesOnce sync.Once
	machines     []*bigmachine.Machine
	machinesErr  error

	nextRun uint64
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (b *bigmachineExecutor) Name() string {
	return "bigmachine:" + b.system.Name()
}

// Start starts the bigmachine. Machines are allocated when the first
// run requires them.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	b.status = sess.Status().Group(BigmachineStatusGroup)
	return b.b.Shutdown
}

// InitMachines starts n machines running the worker service and waits
// for all of them to become ready. Worker membership is fixed for the
// lifetime of the session, so a machine that fails to start fails the
// session's runs.
func (b *bigmachineExecutor) initMachines(ctx context.Context, n int) error {
	b.machinesOnce.Do(func() {
		log.Printf("starting %d bigmachines for p=%d", n, b.sess.p)
		params := append([]bigmachine.Param{bigmachine.Services{"Worker": &worker{}}}, b.params...)
		machines, err := b.b.Start(ctx, n, params...)
		if err != nil {
			b.machinesErr = err
			return
		}
		g, _ := errgroup.WithContext(ctx)
		for i := range machines {
			m := machines[i]
			task := b.status.Start()
			task.Print("waiting for machine to boot")
			g.Go(func() error {
				<-m.Wait(bigmachine.Running)
				if err := m.Err(); err != nil {
					log.Error.Printf("machine %s failed to start: %v", m.Addr, err)
					task.Printf("failed to start: %v", err)
					task.Done()
					return err
				}
				task.Title(m.Addr)
				task.Print("running")
				log.Printf("machine %v is ready", m.Addr)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			b.machinesErr = err
			return
		}
		b.machines = machines
	})
	return b.machinesErr
}

func (b *bigmachineExecutor) Eliminate(ctx context.Context, sys *matrix.System, st *stats.Map, task *status.Task) error {
	var (
		n = sys.N()
		p = b.sess.p
	)
	if p > 1 {
		task.Print("waiting for machines")
		if err := b.initMachines(ctx, p-1); err != nil {
			return collective.Failure("start", err)
		}
	}
	var (
		run      = atomic.AddUint64(&b.nextRun, 1)
		machines = b.machines
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := range machines {
		m, req := machines[i], startRequest{Run: run, Rank: i + 1, Size: p, N: n}
		g.Go(func() error {
			if err := m.Call(gctx, "Worker.Start", req, nil); err != nil {
				return errors.E(fmt.Sprintf("start run %d on %s", run, m.Addr), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.finish(run, true, nil)
		return collective.Failure("start", err)
	}
	comm, err := collective.NewRoot(p, machineTransport{run, machines})
	if err != nil {
		b.finish(run, true, nil)
		return err
	}
	err = eliminate(ctx, comm, sys, n, st, task)
	if ferr := b.finish(run, err != nil, st); err == nil {
		err = ferr
	}
	return err
}

// Finish reaps the workers of a run and merges their counters into
// st. When abort is set the workers are aborted first, errors are
// only logged, and st is left untouched. Finish does not use the
// run's context, so that workers are reaped even when it is done.
func (b *bigmachineExecutor) finish(run uint64, abort bool, st *stats.Map) error {
	var (
		ctx    = context.Background()
		values = make([]stats.Values, len(b.machines))
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := range b.machines {
		i, m := i, b.machines[i]
		g.Go(func() error {
			err := m.Call(ctx, "Worker.Finish", finishRequest{Run: run, Abort: abort}, &values[i])
			if err != nil && abort {
				log.Debug.Printf("finish aborted run %d on %s: %v", run, m.Addr, err)
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return collective.Failure("finish", err)
	}
	if abort {
		return nil
	}
	for _, v := range values {
		st.Merge(v)
	}
	return nil
}

// MachineTransport carries the collective operations of one run to
// the machines' workers.
type machineTransport struct {
	run      uint64
	machines []*bigmachine.Machine
}

func (t machineTransport) Send(ctx context.Context, rank int, msg collective.Message) error {
	return t.machines[rank-1].Call(ctx, "Worker.Deliver", deliverRequest{Run: t.run, Msg: msg}, nil)
}

func (t machineTransport) Receive(ctx context.Context, rank, seq int, op string) (collective.Message, error) {
	var msg collective.Message
	err := t.machines[rank-1].Call(ctx, "Worker.Collect", collectRequest{Run: t.run, Seq: seq, Op: op}, &msg)
	return msg, err
}

func (b *bigmachineExecutor) HandleDebug(handler *http.ServeMux) {
	b.b.HandleDebug(handler)
}

// Worker is the bigmachine service that runs the non-coordinator
// ranks of an elimination.
type worker struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	mu   sync.Mutex
	runs map[uint64]*workerRun
}

// A workerRun is one rank's side of a run.
type workerRun struct {
	peer  *collective.Peer
	stats *stats.Map
	// Err is set before done is closed.
	done chan struct{}
	err  error
}

func (w *worker) Init(b *bigmachine.B) error {
	w.runs = make(map[uint64]*workerRun)
	return nil
}

// StartRequest assigns a worker its rank in a run.
type startRequest struct {
	Run        uint64
	Rank, Size int
	// N is the dimension of the system.
	N int
}

type deliverRequest struct {
	Run uint64
	Msg collective.Message
}

type collectRequest struct {
	Run uint64
	Seq int
	Op  string
}

type finishRequest struct {
	Run   uint64
	Abort bool
}

// Start begins the worker's side of a run. The elimination proceeds
// as the coordinator delivers and collects data, and outlives the
// call.
func (w *worker) Start(ctx context.Context, req startRequest, _ *struct{}) error {
	if req.N <= 0 {
		return errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("worker.Start: run %d: size %d is not positive", req.Run, req.N))
	}
	peer, err := collective.NewPeer(req.Rank, req.Size)
	if err != nil {
		return err
	}
	r := &workerRun{peer: peer, stats: stats.NewMap(), done: make(chan struct{})}
	w.mu.Lock()
	if _, ok := w.runs[req.Run]; ok {
		w.mu.Unlock()
		return errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("worker.Start: run %d already started", req.Run))
	}
	w.runs[req.Run] = r
	w.mu.Unlock()
	go func() {
		defer close(r.done)
		defer func() {
			if e := recover(); e != nil {
				stack := debug.Stack()
				r.err = errors.E(fmt.Errorf("panic in worker %d of run %d: %v\n%s", req.Rank, req.Run, e, string(stack)), errors.Fatal)
				peer.Abort(r.err)
			}
		}()
		r.err = eliminate(context.Background(), peer, nil, req.N, r.stats, nil)
		if r.err != nil {
			log.Error.Printf("run %d: worker %d: %v", req.Run, req.Rank, r.err)
			peer.Abort(r.err)
		}
	}()
	return nil
}

func (w *worker) run(id uint64) (*workerRun, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.runs[id]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("run %d", id))
	}
	return r, nil
}

// Deliver hands the coordinator's message to the run's worker.
func (w *worker) Deliver(ctx context.Context, req deliverRequest, _ *struct{}) error {
	r, err := w.run(req.Run)
	if err != nil {
		return err
	}
	return r.peer.Deliver(ctx, req.Msg)
}

// Collect returns the run's worker's contribution to a gather.
func (w *worker) Collect(ctx context.Context, req collectRequest, reply *collective.Message) error {
	r, err := w.run(req.Run)
	if err != nil {
		return err
	}
	*reply, err = r.peer.Collect(ctx, req.Seq, req.Op)
	return err
}

// Finish waits for the run's worker to complete, aborting it first
// if requested, and returns the counters it accumulated.
func (w *worker) Finish(ctx context.Context, req finishRequest, reply *stats.Values) error {
	r, err := w.run(req.Run)
	if err != nil {
		return err
	}
	if req.Abort {
		r.peer.Abort(errors.E(errors.Canceled, fmt.Sprintf("run %d aborted by the coordinator", req.Run)))
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.mu.Lock()
	delete(w.runs, req.Run)
	w.mu.Unlock()
	if r.err != nil && !req.Abort {
		return r.err
	}
	*reply = r.stats.Snapshot()
	return nil
}
