// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"sync"

	"github.com/grailbio/biggauss/ctxsync"
)

// A barrier is a reusable, context-aware synchronization point for a
// fixed number of participants. Once aborted, a barrier stays
// broken: current and future waiters return the abort error.
type barrier struct {
	mu    sync.Mutex
	cond  *ctxsync.Cond
	n     int
	count int
	// Gen is incremented each time all participants arrive.
	gen uint64
	err error
}

func newBarrier(n int) *barrier {
	b := &barrier{n: n}
	b.cond = ctxsync.NewCond(&b.mu)
	return b
}

// Wait blocks until all n participants have called Wait, the barrier
// is aborted, or ctx is done. A context error aborts the barrier for
// all participants.
func (b *barrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	gen := b.gen
	b.count++
	if b.count == b.n {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		return nil
	}
	for gen == b.gen && b.err == nil {
		if err := b.cond.Wait(ctx); err != nil {
			if gen != b.gen {
				// Released concurrently with the cancellation.
				return nil
			}
			b.abortLocked(err)
			return err
		}
	}
	if gen != b.gen {
		return nil
	}
	return b.err
}

// Abort breaks the barrier with the provided error, releasing all
// current waiters. Only the first abort takes effect.
func (b *barrier) abort(err error) {
	b.mu.Lock()
	b.abortLocked(err)
	b.mu.Unlock()
}

func (b *barrier) abortLocked(err error) {
	if b.err != nil {
		return
	}
	b.err = err
	b.cond.Broadcast()
}
