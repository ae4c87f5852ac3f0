// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// An op identifies a collective call so that participants can detect
// mismatched calls.
type op struct {
	name string
	root int
}

// Group is the shared state of an in-process communication group.
// Each operation is bracketed by two barrier waits: participants
// publish their arguments before the first, copy data between the
// two, and the second keeps the root from reusing its buffers while
// peers are still reading them.
//
// Every published argument lives in a per-rank slot that only its
// own rank writes. Slots are read only after the first barrier, and
// root slots only once all participants agree on the operation.
type group struct {
	size int
	bar  *barrier

	ops    []op
	bufs   [][]float64
	counts [][]int
	displs [][]int
}

// NewLocal returns an in-process group of p participants. Comms[r] is
// the handle for rank r; each must be used by exactly one goroutine.
func NewLocal(p int) ([]Comm, error) {
	if p < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("collective.NewLocal: group size %d is not positive", p))
	}
	g := &group{
		size:   p,
		bar:    newBarrier(p),
		ops:    make([]op, p),
		bufs:   make([][]float64, p),
		counts: make([][]int, p),
		displs: make([][]int, p),
	}
	comms := make([]Comm, p)
	for r := range comms {
		comms[r] = &localComm{group: g, rank: r}
	}
	return comms, nil
}

type localComm struct {
	*group
	rank int
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.size }

// Fail aborts the group with a failure of operation name and
// returns it.
func (c *localComm) fail(name, format string, args ...interface{}) error {
	err := failuref(name, "rank %d: %s", c.rank, fmt.Sprintf(format, args...))
	c.bar.abort(err)
	return err
}

// Enter validates the call, publishes the participant's arguments in
// its own slots and waits for all participants to arrive. Enter then
// verifies that every participant made the same call.
func (c *localComm) enter(ctx context.Context, name string, root int, buf []float64, counts, displs []int) error {
	if root < 0 || root >= c.size {
		return c.fail(name, "root %d out of range for group of size %d", root, c.size)
	}
	c.ops[c.rank] = op{name, root}
	c.bufs[c.rank] = buf
	c.counts[c.rank] = counts
	c.displs[c.rank] = displs
	if err := c.bar.Wait(ctx); err != nil {
		return Failure(name, err)
	}
	for r, o := range c.ops {
		if o != c.ops[c.rank] {
			return c.fail(name, "participant %d called %s(root=%d)", r, o.name, o.root)
		}
	}
	return nil
}

func (c *localComm) leave(ctx context.Context, name string) error {
	if err := c.bar.Wait(ctx); err != nil {
		return Failure(name, err)
	}
	return nil
}

func (c *localComm) Bcast(ctx context.Context, buf []float64, root int) error {
	const name = "bcast"
	if err := c.enter(ctx, name, root, buf, nil, nil); err != nil {
		return err
	}
	if c.rank != root {
		src := c.bufs[root]
		if len(src) != len(buf) {
			return c.fail(name, "buffer length %d, root sent %d", len(buf), len(src))
		}
		copy(buf, src)
	}
	return c.leave(ctx, name)
}

func (c *localComm) Scatterv(ctx context.Context, send []float64, counts, displs []int, recv []float64, root int) error {
	const name = "scatterv"
	if c.rank == root {
		if err := checkLayout(name, c.size, counts, displs, len(send)); err != nil {
			c.bar.abort(err)
			return err
		}
	}
	if err := c.enter(ctx, name, root, send, counts, displs); err != nil {
		return err
	}
	var (
		data = c.bufs[root]
		n    = c.counts[root][c.rank]
		off  = c.displs[root][c.rank]
	)
	if len(recv) != n {
		return c.fail(name, "receive buffer length %d, root sent %d", len(recv), n)
	}
	copy(recv, data[off:off+n])
	return c.leave(ctx, name)
}

func (c *localComm) Gatherv(ctx context.Context, send []float64, recv []float64, counts, displs []int, root int) error {
	const name = "gatherv"
	if c.rank == root {
		if err := checkLayout(name, c.size, counts, displs, len(recv)); err != nil {
			c.bar.abort(err)
			return err
		}
	}
	if err := c.enter(ctx, name, root, send, nil, nil); err != nil {
		return err
	}
	if c.rank == root {
		for r, slot := range c.bufs {
			if len(slot) != counts[r] {
				return c.fail(name, "participant %d sent %d elements, expected %d", r, len(slot), counts[r])
			}
			copy(recv[displs[r]:displs[r]+counts[r]], slot)
		}
	}
	return c.leave(ctx, name)
}
