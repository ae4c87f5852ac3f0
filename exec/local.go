// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/status"
	"github.com/grailbio/biggauss/collective"
	"github.com/grailbio/biggauss/matrix"
	"github.com/grailbio/biggauss/stats"
	"golang.org/x/sync/errgroup"
)

// LocalExecutor is an executor that runs each worker of an
// elimination in its own goroutine. The goroutines live for the
// whole run and exchange rows through an in-process collective
// group.
type localExecutor struct {
	sess *Session
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{}
}

func (*localExecutor) Name() string { return "local" }

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	return func() {}
}

func (l *localExecutor) Eliminate(ctx context.Context, sys *matrix.System, st *stats.Map, task *status.Task) error {
	comms, err := collective.NewLocal(l.sess.p)
	if err != nil {
		return err
	}
	n := sys.N()
	// A worker that fails cancels ctx, which in turn aborts the
	// collective group so that no other worker stays blocked.
	g, ctx := errgroup.WithContext(ctx)
	for _, comm := range comms {
		comm := comm
		var own *matrix.System
		if comm.Rank() == coordinator {
			own = sys
		}
		g.Go(func() (err error) {
			defer func() {
				if e := recover(); e != nil {
					stack := debug.Stack()
					err = fmt.Errorf("panic in worker %d: %v\n%s", comm.Rank(), e, string(stack))
					err = errors.E(err, errors.Fatal)
				}
			}()
			return eliminate(ctx, comm, own, n, st, task)
		})
	}
	return g.Wait()
}

func (*localExecutor) HandleDebug(*http.ServeMux) {}
