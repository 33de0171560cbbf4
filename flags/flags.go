// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flags defines command-line flags to make them consistent between binaries.
// Not all flags make sense for all binaries.
package flags // import "dstl.io/flags"

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"dstl.io/log"
)

// We define the flags in two steps so clients don't have to write *flags.Flag.
// It also makes the documentation easier to read.

var (
	// Config names the changelog configuration file to use.
	Config = defaultConfig

	// ConfigOpts is a comma-separated list of key=value settings that
	// override those of the configuration file.
	ConfigOpts = ""

	// Duration is how long a command runs. Zero means until interrupted.
	Duration time.Duration

	// HTTPAddr is the network address on which to serve debugging
	// handlers and metrics.
	HTTPAddr = "localhost:8080"

	// Log sets the level of logging (implements flag.Value).
	Log logFlag

	// LogFile names the log on Google Cloud Logging; leave empty to
	// disable it.
	LogFile = ""

	// Project names the Google Cloud project that LogFile belongs to.
	Project = ""

	// Writers is the number of changelog writers to run.
	Writers = 4

	// ChangeSize is the size of each appended change.
	ChangeSize = dataSize(1024)
)

// flags is a map of flag registration functions keyed by flag name,
// used by Parse to register specific (or all) flags.
var flags = map[string]func(){
	"config": func() {
		flag.StringVar(&Config, "config", Config, "configuration `file` name")
	},
	"config_opts": func() {
		flag.StringVar(&ConfigOpts, "config_opts", ConfigOpts, "comma-separated `key=value` configuration overrides")
	},
	"duration": func() {
		flag.DurationVar(&Duration, "duration", Duration, "how long to run; zero means until interrupted")
	},
	"http": func() {
		flag.StringVar(&HTTPAddr, "http", HTTPAddr, "`address` for debugging and metrics handlers")
	},
	"log": func() {
		Log.Set("info")
		flag.Var(&Log, "log", "`level` of logging: debug, info, error, disabled")
	},
	"log_file": func() {
		flag.StringVar(&LogFile, "log_file", LogFile, "name of the log on Google Cloud Logging (empty to disable)")
	},
	"project": func() {
		flag.StringVar(&Project, "project", Project, "Google Cloud `project` for -log_file")
	},
	"writers": func() {
		flag.IntVar(&Writers, "writers", Writers, "`number` of changelog writers")
	},
	"change_size": func() {
		flag.Var(&ChangeSize, "change_size", "`size` of each appended change, such as 1KiB")
	},
}

// Parse registers the command-line flags for the given default flags list, plus
// any extra flag names, and calls flag.Parse. Passing no flag names in either
// list registers all flags. Passing an unknown name triggers a panic.
func Parse(defaultList []string, extras ...string) {
	Register(append(append([]string{}, defaultList...), extras...)...)
	flag.Parse()
}

// Register registers the command-line flags for the given flag names.
// Unlike Parse, it may be called multiple times.
// Passing zero names install all flags.
// Passing an unknown name triggers a panic.
func Register(names ...string) {
	if len(names) == 0 {
		for _, fn := range flags {
			fn()
		}
		return
	}
	for _, n := range names {
		fn, ok := flags[n]
		if !ok {
			panic(fmt.Sprintf("unknown flag %q", n))
		}
		fn()
	}
}

// Default is the set of flags every command registers.
var Default = []string{"config", "config_opts", "log"}

type logFlag string

// String implements flag.Value.
func (f logFlag) String() string {
	return string(f)
}

// Set implements flag.Value.
func (f *logFlag) Set(level string) error {
	err := log.SetLevel(strings.TrimSpace(level))
	if err != nil {
		return err
	}
	*f = logFlag(log.GetLevel())
	return nil
}

// Get implements flag.Getter.
func (logFlag) Get() interface{} {
	return log.GetLevel()
}

// dataSize is a byte count that accepts units, as in "64KiB".
type dataSize int64

// String implements flag.Value.
func (d dataSize) String() string {
	return humanize.IBytes(uint64(d))
}

// Set implements flag.Value.
func (d *dataSize) Set(s string) error {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return err
	}
	if n == 0 || n > 1<<30 {
		return fmt.Errorf("size %s out of range", s)
	}
	*d = dataSize(n)
	return nil
}

// Get implements flag.Getter.
func (d dataSize) Get() interface{} {
	return int64(d)
}
