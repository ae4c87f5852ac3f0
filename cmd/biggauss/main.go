// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command biggauss solves a generated n×n linear system by Gaussian
// elimination with partial pivoting, distributing the row reductions
// of every step across a fixed group of workers. It prints the
// elimination time in seconds.
//
// With -verify, biggauss also solves the eliminated system by
// back-substitution and prints, for each row, the original
// right-hand side value next to the corresponding solution entry.
// With -print, it prints the eliminated system.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/biggauss/exec"
	"github.com/grailbio/biggauss/gausscmd"
	"github.com/grailbio/biggauss/gaussflags"
	"github.com/grailbio/biggauss/matrix"
)

var stdout io.Writer = os.Stdout

func main() {
	gausscmd.Main(run)
}

func run(sess *exec.Session, fl gaussflags.Flags, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments %v", args)
	}
	ctx := context.Background()
	sys, err := matrix.Init(fl.Size)
	if err != nil {
		return err
	}
	var orig *matrix.System
	if fl.Verify {
		orig = sys.Clone()
	}
	log.Printf("eliminating a %d×%d system with %d workers on %s", fl.Size, fl.Size, sess.Parallelism(), fl.System.String())
	res, err := sess.Eliminate(ctx, sys)
	if err != nil {
		return err
	}
	log.Debug.Printf("elimination stats: %s", res.Stats)

	w := bufio.NewWriter(stdout)
	fmt.Fprintf(w, "%f\n", res.Elapsed.Seconds())
	if fl.Verify {
		x, err := matrix.BackSubstitute(sys)
		if err != nil {
			return err
		}
		for i := range x {
			fmt.Fprintf(w, "%6.5f %5.5f\n", orig.B[i], x[i])
		}
		log.Printf("residual: %g", matrix.Residual(orig.A, x, orig.B))
	}
	if fl.Print {
		if err := sys.Format(w); err != nil {
			return err
		}
	}
	return w.Flush()
}
