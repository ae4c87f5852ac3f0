// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package gausscmd provides utilities for implementing biggauss
// command line tools. The main entry point, gausscmd.Main, configures
// an elimination session according to a common set of flags, and then
// invokes the user's driver code.
//
// A gausscmd tool follows this form:
//
//	func main() {
//		gausscmd.Main(func(sess *exec.Session, fl gaussflags.Flags, args []string) error {
//			sys, err := matrix.Init(fl.Size)
//			if err != nil {
//				return err
//			}
//			_, err = sess.Eliminate(context.Background(), sys)
//			return err
//		})
//	}
package gausscmd

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the local diagnostic web server.
	"os"
	"sort"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/biggauss/exec"
	"github.com/grailbio/biggauss/gaussflags"
)

// Main is a convenient entry point for a gausscmd. Main does not return;
// it should be called after other initialization is performed. Main
// parses (global) flags, validates them, and starts a session
// accordingly. Main then invokes the provided func with the session,
// the parsed flags and the unparsed arguments.
//
// Main starts a diagnostic web server (default address :3333), using
// http.DefaultServeMux, which includes pprof handlers as well as
// bigmachine's aggregated pprof handlers.
//
// Main terminates the program after the user func returns. If it
// returns with an error, it is reported and the process exits with
// code 1, otherwise it exits successfully. Invalid flags are reported
// the same way, before any session is started.
func Main(main func(sess *exec.Session, fl gaussflags.Flags, args []string) error) {
	var fl gaussflags.Flags
	gaussflags.RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	sess, err := Init(fl)
	if err != nil {
		log.Fatal(err)
	}
	if err := main(sess, fl, flag.Args()); err != nil {
		sess.Shutdown()
		log.Fatal(err)
	}
	sess.Shutdown()
	os.Exit(0)
}

// Init starts a session according to the supplied flags.
func Init(bf gaussflags.Flags) (*exec.Session, error) {
	if bf.SystemHelp {
		providers, profiles := gaussflags.ProvidersAndProfiles()
		sort.Strings(providers)
		wr := bf.Output()
		str := []string{}
		fmt.Fprintf(wr, "%s\n\n", gaussflags.SystemHelpLong)
		fmt.Fprintf(wr, "The available providers are: %v\n",
			strings.Join(providers, ", "))
		for k, v := range profiles {
			str = append(str, fmt.Sprintf("%v is shorthand for: %v\n", k, v))
		}
		sort.Strings(str)
		for _, s := range str {
			wr.Write([]byte(s))
		}
		os.Exit(0)
	}
	options, err := bf.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(options...)
	DisplayStatus(bf, sess)
	return sess, nil
}

// DisplayStatus arranges for the elimination status to be displayed
// on the console and/or a web page depending on the flags specified
// on the command line. The web page is hosted /debug/status and
// http.DefaultServeMux.
func DisplayStatus(bf gaussflags.Flags, sess *exec.Session) {
	if bf.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if len(bf.HTTPAddress.Address) > 0 {
		sess.HandleDebug(http.DefaultServeMux)
		http.Handle("/debug/status", status.Handler(sess.Status()))
		go func() {
			log.Printf("HTTP Status at: %v\n", bf.HTTPAddress)
			err := http.ListenAndServe(bf.HTTPAddress.Address, nil)
			if err != nil {
				log.Error.Printf("Failed to start HTTP at: %v: %v\n", bf.HTTPAddress, err)
			}
		}()
	}
}
