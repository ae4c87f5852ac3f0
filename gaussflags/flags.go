// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package gaussflags provides flag support for use by biggauss command
// line applications.
package gaussflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/biggauss/exec"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
	profiles  = map[string]string{}   // protected by mu
)

// Provider supplies the machines that run the workers of an
// elimination. Providers are configured by system options of the
// form key=val.
type Provider interface {
	// Name returns the provider's name as displayed by SystemFlag.
	Name() string
	// Set applies one system option.
	Set(option string) error
	// ExecOption returns the exec.Option that runs workers on this
	// provider as currently configured.
	ExecOption() exec.Option
	// MaxWorkers returns the largest worker group the provider can
	// run, including the coordinator, or 0 if it is unbounded.
	MaxWorkers() int
}

// RegisterSystemProvider makes provider available to -system under
// name. It panics if name is already registered.
func RegisterSystemProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("gaussflags: system %s is already registered", name)
	}
	providers[name] = provider
}

// RegisterSystemProfile registers name as shorthand for a system and
// its options. After
//
//	gaussflags.RegisterSystemProfile("wide", "ec2:instance=c5.18xlarge,ondemand=true")
//
// the flag -system=wide:dataspace=50 selects
//
//	ec2:instance=c5.18xlarge,ondemand=true,dataspace=50
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("gaussflags: profile %s is already used as a system name", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("gaussflags: profile %s is already registered", name)
	}
	profiles[name] = profile
}

// ProvidersAndProfiles returns the registered system names and a copy
// of the registered profiles.
func ProvidersAndProfiles() ([]string, map[string]string) {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(providers))
	for k := range providers {
		names = append(names, k)
	}
	prf := make(map[string]string, len(profiles))
	for k, v := range profiles {
		prf[k] = v
	}
	return names, prf
}

func noOptions(system, option string) error {
	return errors.E(errors.Invalid, fmt.Sprintf("gaussflags: system %s takes no options, got %q", system, option))
}

// Internal runs every worker as a goroutine of the driver process.
type Internal struct{}

func (*Internal) Name() string            { return "internal" }
func (*Internal) Set(option string) error { return noOptions("internal", option) }
func (*Internal) ExecOption() exec.Option { return exec.Local }
func (*Internal) MaxWorkers() int         { return runtime.NumCPU() }

// Local runs the coordinator in the driver process and every other
// worker in a process of its own on the same machine.
type Local struct{}

func (*Local) Name() string            { return "local" }
func (*Local) Set(option string) error { return noOptions("local", option) }
func (*Local) ExecOption() exec.Option { return exec.Bigmachine(bigmachine.Local) }
func (*Local) MaxWorkers() int         { return runtime.NumCPU() }

// EC2 runs the coordinator in the driver process and every other
// worker on an EC2 instance of its own. The zero value uses
// ec2system's defaults.
type EC2 struct {
	// Instance is the EC2 instance type.
	Instance string
	// Dataspace and Rootsize are the sizes in GiB of the data and
	// root volumes; zero keeps the default.
	Dataspace, Rootsize uint
	// OnDemand selects on-demand rather than spot instances.
	OnDemand bool
	// Profile is the IAM instance profile.
	Profile string
}

func (*EC2) Name() string { return "EC2" }

// Set applies one of the options instance=<type>,
// dataspace=<GiB>, rootsize=<GiB>, ondemand[=<bool>] or
// profile=<arn>.
func (ec2 *EC2) Set(option string) error {
	key, val := option, ""
	if i := strings.IndexByte(option, '='); i >= 0 {
		key, val = option[:i], option[i+1:]
	}
	invalid := func(format string, args ...interface{}) error {
		return errors.E(errors.Invalid, fmt.Sprintf("gaussflags: ec2 option %q: ", option)+fmt.Sprintf(format, args...))
	}
	switch key {
	case "instance", "profile":
		if val == "" {
			return invalid("missing value")
		}
		if key == "instance" {
			ec2.Instance = val
		} else {
			ec2.Profile = val
		}
	case "dataspace", "rootsize":
		size, err := strconv.ParseUint(val, 10, 0)
		if err != nil {
			return invalid("size %q is not a number of GiB", val)
		}
		if key == "dataspace" {
			ec2.Dataspace = uint(size)
		} else {
			ec2.Rootsize = uint(size)
		}
	case "ondemand":
		if val == "" {
			ec2.OnDemand = true
			break
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return invalid("%q is not a boolean", val)
		}
		ec2.OnDemand = b
	default:
		return invalid("unknown option %s", key)
	}
	return nil
}

// MaxWorkers reports that EC2 does not bound the worker group.
func (*EC2) MaxWorkers() int { return 0 }

func (ec2 *EC2) ExecOption() exec.Option {
	return exec.Bigmachine(ec2.system())
}

func (ec2 *EC2) system() *ec2system.System {
	sys := &ec2system.System{
		InstanceType:    ec2.Instance,
		Dataspace:       ec2.Dataspace,
		Diskspace:       ec2.Rootsize,
		OnDemand:        ec2.OnDemand,
		InstanceProfile: ec2.Profile,
		Username:        "unknown",
	}
	if u, err := user.Current(); err == nil {
		sys.Username = u.Username
	} else {
		log.Error.Printf("gaussflags: ec2: current user: %v", err)
	}
	return sys
}

func init() {
	RegisterSystemProvider("local", &Local{})
	RegisterSystemProvider("internal", &Internal{})
	RegisterSystemProvider("ec2", &EC2{})
}

// SystemHelpShort returns the usage line of the -system flag.
func SystemHelpShort(prefix string) string {
	return fmt.Sprintf("system that runs the workers: internal, local, ec2[:key=val,...] or a profile; see -%ssystem-help", prefix)
}

// SystemHelpLong documents the values accepted by -system.
const SystemHelpLong = `The -system flag selects where the workers of an elimination run:

	<system>[:<option>,...]

internal
	Every worker is a goroutine of the biggauss process. This is the
	default. At most one worker per CPU.
local
	The coordinator runs in the biggauss process; every other worker
	runs in a process of its own on this machine. At most one worker
	per CPU.
ec2
	The coordinator runs in the biggauss process; every other worker
	runs on an EC2 instance of its own. Options:
	instance=<type>    EC2 instance type, e.g. c5.2xlarge
	dataspace=<GiB>    size of the data volume
	rootsize=<GiB>     size of the root volume
	ondemand[=<bool>]  use on-demand rather than spot instances
	profile=<arn>      IAM instance profile

Applications may register profiles, names that stand for a system and
its options. Options given after a profile name are appended to the
profile's.
`

// SystemFlag is a flag.Value that selects and configures a Provider.
type SystemFlag struct {
	Provider Provider
	// Options holds the options applied to Provider, profile
	// options first.
	Options []string
	// Specified is set when the flag was given on the command line.
	Specified bool
}

func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return sys.Provider.Name() + ":" + strings.Join(sys.Options, ",")
}

// Set selects the system or profile named by v and applies its
// options.
func (sys *SystemFlag) Set(v string) error {
	split := func(s string) (string, []string) {
		parts := strings.SplitN(s, ":", 2)
		if len(parts) == 1 {
			return parts[0], nil
		}
		return parts[0], strings.Split(parts[1], ",")
	}
	name, options := split(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = split(profile)
		options = append(profileOptions, options...)
	}
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("gaussflags: unknown system or profile %q", name))
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Provider, sys.Options, sys.Specified = provider, options, true
	return nil
}

func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// Flags holds the values of the biggauss command line flags.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	// Workers is the number of workers P, including the coordinator.
	Workers int
	// Size is the dimension n of the generated system.
	Size int
	// Verify requests back-substitution, and that the solution be
	// printed next to the original right-hand side.
	Verify bool
	// Print requests that the eliminated system be printed.
	Print bool
	fs    *flag.FlagSet
}

// Output returns the writer for usage and -system-help output: the
// flag set's output if registered, or standard error.
func (bf *Flags) Output() io.Writer {
	if bf.fs == nil {
		return os.Stderr
	}
	if wr := bf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// RegisterFlags registers the biggauss flags, each name prefixed by
// prefix, in fs with the default values.
func RegisterFlags(fs *flag.FlagSet, bf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, bf, prefix, Defaults{
		System:        "internal",
		HTTPAddress:   ":3333",
		ConsoleStatus: false,
		Workers:       1,
		Size:          128,
	})
}

// Validate checks the flag values for consistency. The returned
// errors are invalid configuration errors (see exec.IsInvalidConfig).
func (bf *Flags) Validate() error {
	if bf.System.Provider == nil {
		return errors.E(errors.Invalid, "gaussflags: no system specified")
	}
	if err := exec.CheckConfig(bf.Size, bf.Workers); err != nil {
		return err
	}
	if max := bf.System.Provider.MaxWorkers(); max > 0 && bf.Workers > max {
		return errors.E(errors.Invalid,
			fmt.Sprintf("gaussflags: %d workers requested, system %s supports at most %d", bf.Workers, bf.System.Provider.Name(), max))
	}
	return nil
}

// ExecOptions validates the flag values and returns a slice of
// exec.Options that represent the actions specified by those flags.
func (bf *Flags) ExecOptions() ([]exec.Option, error) {
	if err := bf.Validate(); err != nil {
		return nil, err
	}
	var gaussStatus status.Status
	// Machines are listed above runs.
	_ = gaussStatus.Group(exec.BigmachineStatusGroup)
	_ = gaussStatus.Groups()

	options := []exec.Option{exec.Status(&gaussStatus)}
	options = append(options, bf.System.Provider.ExecOption())
	options = append(options, exec.Parallelism(bf.Workers))
	return options, nil
}

// Defaults holds the default flag values used by
// RegisterFlagsWithDefaults.
type Defaults struct {
	System        string
	HTTPAddress   string
	ConsoleStatus bool
	Workers       int
	Size          int
}

// RegisterFlagsWithDefaults registers the biggauss flags, each name
// prefixed by prefix, in fs with the provided defaults.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, bf *Flags, prefix string, defaults Defaults) {
	fs.Var(&bf.System, prefix+"system", SystemHelpShort(prefix))
	bf.System.Set(defaults.System)
	bf.System.Specified = false
	fs.Var(&bf.HTTPAddress, prefix+"http", "address of http status server")
	bf.HTTPAddress.Set(defaults.HTTPAddress)
	bf.HTTPAddress.Specified = false
	fs.BoolVar(&bf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.IntVar(&bf.Workers, prefix+"workers", defaults.Workers, "number of workers, including the coordinator")
	fs.IntVar(&bf.Size, prefix+"size", defaults.Size, "dimension of the generated system")
	fs.BoolVar(&bf.Verify, prefix+"verify", false, "solve the eliminated system and print the original right-hand side next to the solution")
	fs.BoolVar(&bf.Print, prefix+"print", false, "print the system after elimination")
	fs.BoolVar(&bf.SystemHelp, prefix+"system-help", false, "provide help on system providers and profiles")
	bf.fs = fs
}
