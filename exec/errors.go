// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/biggauss/collective"
)

// Errors returned by an elimination run are terminal: the algorithm
// cannot resume from a partially eliminated matrix, so none of them
// are retried.

// singular returns the error reported when column k has no usable
// pivot.
func singular(k int) error {
	return errors.E(errors.Precondition, errors.Fatal,
		fmt.Sprintf("singular matrix: no non-zero pivot in column %d", k))
}

// IsSingular tells whether err reports a singular matrix.
func IsSingular(err error) bool {
	return err != nil && errors.Is(errors.Precondition, err)
}

// IsCommFailure tells whether err reports a failed collective
// operation.
func IsCommFailure(err error) bool {
	return collective.IsFailure(err)
}

// IsInvalidConfig tells whether err reports an invalid run
// configuration.
func IsInvalidConfig(err error) bool {
	return err != nil && errors.Is(errors.Invalid, err)
}

// CheckConfig validates a run over an n×n system with p workers.
func CheckConfig(n, p int) error {
	switch {
	case n <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("matrix size %d is not positive", n))
	case p <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("worker count %d is not positive", p))
	}
	return nil
}
