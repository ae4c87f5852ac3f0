// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"golang.org/x/sync/errgroup"
)

// A Message carries one participant's data for one collective
// operation of a distributed group. Seq numbers the group's
// operations from 1.
type Message struct {
	Seq  int
	Op   string
	Data []float64
}

// Transport moves messages between the root of a distributed group
// and its peers. Implementations must not retain m.Data after Send
// returns, and must return Data that the caller owns from Receive.
type Transport interface {
	// Send delivers m to the peer with the provided rank.
	Send(ctx context.Context, rank int, m Message) error
	// Receive retrieves the contribution of the peer with the
	// provided rank to operation seq.
	Receive(ctx context.Context, rank, seq int, op string) (Message, error)
}

// NewRoot returns the rank 0 handle of a distributed group of the
// provided size whose peers are reached through t. Rank 0 roots every
// operation of a distributed group. A failed operation breaks the
// handle: subsequent operations return the same failure.
func NewRoot(size int, t Transport) (Comm, error) {
	if size < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("collective.NewRoot: group size %d is not positive", size))
	}
	return &rootComm{size: size, t: t}, nil
}

type rootComm struct {
	size int
	t    Transport
	seq  int
	err  error
}

func (c *rootComm) Rank() int { return 0 }
func (c *rootComm) Size() int { return c.size }

func (c *rootComm) begin(name string, root int) error {
	if c.err != nil {
		return c.err
	}
	if root != 0 {
		c.err = failuref(name, "root %d: distributed groups are rooted at rank 0", root)
		return c.err
	}
	c.seq++
	return nil
}

func (c *rootComm) fail(err error) error {
	c.err = err
	return err
}

// Each calls fn concurrently for every peer.
func (c *rootComm) each(ctx context.Context, name string, fn func(ctx context.Context, rank int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for r := 1; r < c.size; r++ {
		r := r
		g.Go(func() error { return fn(ctx, r) })
	}
	if err := g.Wait(); err != nil {
		return c.fail(Failure(name, err))
	}
	return nil
}

func (c *rootComm) Bcast(ctx context.Context, buf []float64, root int) error {
	const name = "bcast"
	if err := c.begin(name, root); err != nil {
		return err
	}
	m := Message{Seq: c.seq, Op: name, Data: buf}
	return c.each(ctx, name, func(ctx context.Context, r int) error {
		return c.t.Send(ctx, r, m)
	})
}

func (c *rootComm) Scatterv(ctx context.Context, send []float64, counts, displs []int, recv []float64, root int) error {
	const name = "scatterv"
	if err := c.begin(name, root); err != nil {
		return err
	}
	if err := checkLayout(name, c.size, counts, displs, len(send)); err != nil {
		return c.fail(err)
	}
	if len(recv) != counts[0] {
		return c.fail(failuref(name, "rank 0: receive buffer length %d, expected %d", len(recv), counts[0]))
	}
	copy(recv, send[displs[0]:displs[0]+counts[0]])
	seq := c.seq
	return c.each(ctx, name, func(ctx context.Context, r int) error {
		return c.t.Send(ctx, r, Message{Seq: seq, Op: name, Data: send[displs[r] : displs[r]+counts[r]]})
	})
}

func (c *rootComm) Gatherv(ctx context.Context, send []float64, recv []float64, counts, displs []int, root int) error {
	const name = "gatherv"
	if err := c.begin(name, root); err != nil {
		return err
	}
	if err := checkLayout(name, c.size, counts, displs, len(recv)); err != nil {
		return c.fail(err)
	}
	if len(send) != counts[0] {
		return c.fail(failuref(name, "rank 0: sent %d elements, expected %d", len(send), counts[0]))
	}
	copy(recv[displs[0]:displs[0]+counts[0]], send)
	seq := c.seq
	return c.each(ctx, name, func(ctx context.Context, r int) error {
		m, err := c.t.Receive(ctx, r, seq, name)
		if err != nil {
			return err
		}
		if len(m.Data) != counts[r] {
			return failuref(name, "participant %d sent %d elements, expected %d", r, len(m.Data), counts[r])
		}
		copy(recv[displs[r]:displs[r]+counts[r]], m.Data)
		return nil
	})
}

// A Peer is the handle of a non-root participant of a distributed
// group. The participant runs collective operations on the Peer as on
// any Comm; the transport serving the root calls Deliver and Collect
// to hand the Peer the root's messages and to take back its
// contributions.
type Peer struct {
	rank, size int
	seq        int

	reqc chan request

	once sync.Once
	done chan struct{}
	// Err is set before done is closed.
	err error
}

// A request is a message delivered by the root or, when reply is
// non-nil, a demand for the peer's contribution to m.Seq.
type request struct {
	m     Message
	reply chan Message
}

// NewPeer returns the handle of participant rank of a distributed
// group of the provided size. Rank must be in [1, size).
func NewPeer(rank, size int) (*Peer, error) {
	if rank < 1 || rank >= size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("collective.NewPeer: rank %d out of range for group of size %d", rank, size))
	}
	return &Peer{
		rank: rank,
		size: size,
		reqc: make(chan request),
		done: make(chan struct{}),
	}, nil
}

func (p *Peer) Rank() int { return p.rank }
func (p *Peer) Size() int { return p.size }

// Abort breaks the peer: pending and future operations, deliveries
// and collections return a failure wrapping err. Only the first
// abort takes effect.
func (p *Peer) Abort(err error) {
	p.once.Do(func() {
		p.err = Failure("abort", err)
		close(p.done)
	})
}

// Deliver hands m to the operation the peer is running or will run
// next. Deliver blocks until the peer accepts the message.
func (p *Peer) Deliver(ctx context.Context, m Message) error {
	return p.post(ctx, request{m: m})
}

// Collect returns the peer's contribution to operation seq. Collect
// blocks until the peer reaches the operation.
func (p *Peer) Collect(ctx context.Context, seq int, op string) (Message, error) {
	req := request{m: Message{Seq: seq, Op: op}, reply: make(chan Message, 1)}
	if err := p.post(ctx, req); err != nil {
		return Message{}, err
	}
	select {
	case m := <-req.reply:
		return m, nil
	case <-p.done:
		return Message{}, p.err
	case <-ctx.Done():
		return Message{}, Failure("collect", ctx.Err())
	}
}

func (p *Peer) post(ctx context.Context, req request) error {
	select {
	case p.reqc <- req:
		return nil
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return Failure(req.m.Op, ctx.Err())
	}
}

// Next starts operation name: it waits for the root's request for it
// and verifies that the root is running the same operation.
func (p *Peer) next(ctx context.Context, name string, root int) (request, error) {
	select {
	case <-p.done:
		return request{}, p.err
	default:
	}
	p.seq++
	if root != 0 {
		return request{}, p.fail(name, "root %d: distributed groups are rooted at rank 0", root)
	}
	select {
	case req := <-p.reqc:
		if req.m.Seq != p.seq || req.m.Op != name {
			return request{}, p.fail(name, "root called %s #%d, expected %s #%d", req.m.Op, req.m.Seq, name, p.seq)
		}
		return req, nil
	case <-p.done:
		return request{}, p.err
	case <-ctx.Done():
		p.Abort(ctx.Err())
		return request{}, p.err
	}
}

func (p *Peer) fail(name, format string, args ...interface{}) error {
	err := failuref(name, "rank %d: %s", p.rank, fmt.Sprintf(format, args...))
	p.Abort(err)
	return err
}

func (p *Peer) Bcast(ctx context.Context, buf []float64, root int) error {
	const name = "bcast"
	req, err := p.next(ctx, name, root)
	if err != nil {
		return err
	}
	if len(req.m.Data) != len(buf) {
		return p.fail(name, "buffer length %d, root sent %d", len(buf), len(req.m.Data))
	}
	copy(buf, req.m.Data)
	return nil
}

func (p *Peer) Scatterv(ctx context.Context, send []float64, counts, displs []int, recv []float64, root int) error {
	const name = "scatterv"
	req, err := p.next(ctx, name, root)
	if err != nil {
		return err
	}
	if len(req.m.Data) != len(recv) {
		return p.fail(name, "receive buffer length %d, root sent %d", len(recv), len(req.m.Data))
	}
	copy(recv, req.m.Data)
	return nil
}

func (p *Peer) Gatherv(ctx context.Context, send []float64, recv []float64, counts, displs []int, root int) error {
	const name = "gatherv"
	req, err := p.next(ctx, name, root)
	if err != nil {
		return err
	}
	if req.reply == nil {
		return p.fail(name, "root delivered data to a gather")
	}
	// The contribution outlives the call: the caller may reuse send
	// as soon as Gatherv returns.
	req.reply <- Message{Seq: p.seq, Op: name, Data: append([]float64(nil), send...)}
	return nil
}
