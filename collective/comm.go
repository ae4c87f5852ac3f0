// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package collective provides the collective communication operations
// used by the elimination workers: broadcast, variable-size scatter and
// variable-size gather. Participants of a group are identified by
// their rank in [0, Size()).
package collective

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// Comm is a participant's handle on a communication group. Every
// operation is collective: it blocks until all participants of the
// group have called the same operation with the same root, and a
// participant may not begin its next operation before the previous
// one has returned.
//
// Counts and displacements are given in elements and are read only at
// the root; other participants may pass nil.
type Comm interface {
	// Rank returns the participant's rank.
	Rank() int
	// Size returns the number of participants in the group.
	Size() int

	// Bcast copies the root's buf into buf on every other
	// participant. All participants must pass buffers of the same
	// length.
	Bcast(ctx context.Context, buf []float64, root int) error

	// Scatterv sends send[displs[r]:displs[r]+counts[r]] from the
	// root to participant r, which receives it in recv. len(recv)
	// must equal counts[r].
	Scatterv(ctx context.Context, send []float64, counts, displs []int, recv []float64, root int) error

	// Gatherv collects each participant r's send slice into
	// recv[displs[r]:displs[r]+counts[r]] at the root. len(send) must
	// equal counts[r].
	Gatherv(ctx context.Context, send []float64, recv []float64, counts, displs []int, root int) error
}

// IsFailure tells whether err is a collective communication failure.
// Failures are fatal: the state of the group's buffers is undefined
// after one occurs.
func IsFailure(err error) bool {
	return err != nil && errors.Is(errors.Unavailable, err)
}

// Failure wraps err as a collective communication failure of
// operation op. Errors that already are failures are returned as-is.
func Failure(op string, err error) error {
	if IsFailure(err) {
		return err
	}
	return errors.E(errors.Unavailable, errors.Fatal, fmt.Sprintf("collective %s", op), err)
}

func failuref(op, format string, args ...interface{}) error {
	return errors.E(errors.Unavailable, errors.Fatal, fmt.Sprintf("collective %s: %s", op, fmt.Sprintf(format, args...)))
}

// checkLayout verifies that counts and displs describe size
// non-negative slices that lie within a buffer of length n.
func checkLayout(op string, size int, counts, displs []int, n int) error {
	if len(counts) != size || len(displs) != size {
		return failuref(op, "got %d counts and %d displacements for %d participants", len(counts), len(displs), size)
	}
	for r := range counts {
		if counts[r] < 0 || displs[r] < 0 || displs[r]+counts[r] > n {
			return failuref(op, "slice [%d, %d) of participant %d out of range for buffer of length %d",
				displs[r], displs[r]+counts[r], r, n)
		}
	}
	return nil
}
