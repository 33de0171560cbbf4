// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config creates a changelog configuration from various sources.
package config // import "dstl.io/config"

import (
	"flag"
	"fmt"
	"io"
	"os"
	osuser "os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	yaml "gopkg.in/yaml.v2"

	"dstl.io/errors"
)

// Config holds the settings of a changelog storage and its writers.
type Config struct {
	// Storage names the storage backend, as registered with
	// cloud/storage.Register.
	Storage string
	// StorageOpts is passed to the backend as "key=value,..." options.
	StorageOpts string
	// Prefix is prepended to the name of every uploaded blob.
	Prefix string
	// Compression enables zstd compression of uploaded blobs.
	Compression bool
	// MaxBlobSize bounds the encoded size of one blob. Zero means no bound.
	MaxBlobSize int64

	// PreUploadThreshold is the number of unsent bytes at which a
	// writer uploads without waiting for a persist.
	PreUploadThreshold int64

	// PersistDelay is how long the scheduler waits for more change
	// sets before uploading a batch.
	PersistDelay time.Duration
	// PersistSizeThreshold uploads a batch early once it holds this
	// many bytes.
	PersistSizeThreshold int64
	// InFlightLimit bounds the bytes being uploaded at once.
	InFlightLimit int64
	// UploadWorkers is the number of concurrent uploads.
	UploadWorkers int

	// CacheSize is the number of blobs kept in memory by the reader.
	CacheSize int

	// LogLevel is passed to log.SetLevel.
	LogLevel string

	flags map[string]map[string]string
}

// Known keys. All others are treated as errors.
const (
	storage              = "storage"
	storageopts          = "storageopts"
	prefix               = "prefix"
	compression          = "compression"
	maxblobsize          = "maxblobsize"
	preuploadthreshold   = "preuploadthreshold"
	persistdelay         = "persistdelay"
	persistsizethreshold = "persistsizethreshold"
	inflightlimit        = "inflightlimit"
	uploadworkers        = "uploadworkers"
	cachesize            = "cachesize"
	loglevel             = "loglevel"
)

func defaults() map[string]string {
	return map[string]string{
		storage:              "Disk",
		storageopts:          "",
		prefix:               "changelog/",
		compression:          "false",
		maxblobsize:          "0",
		preuploadthreshold:   "5MiB",
		persistdelay:         "10ms",
		persistsizethreshold: "10MiB",
		inflightlimit:        "100MiB",
		uploadworkers:        "5",
		cachesize:            "16",
		loglevel:             "info",
	}
}

// Default returns a config with all fields set to their defaults.
func Default() *Config {
	cfg := &Config{}
	if err := cfg.apply(defaults()); err != nil {
		panic(err)
	}
	return cfg
}

// FromFile initializes a config using the given file. If the file cannot
// be opened but the name can be found in $HOME/dstl, that file is used.
func FromFile(name string) (*Config, error) {
	const op errors.Op = "config.FromFile"
	f, err := os.Open(name)
	if err != nil && !filepath.IsAbs(name) && os.IsNotExist(err) {
		// It's a local name, so, try adding $HOME/dstl
		home, errHome := Homedir()
		if errHome == nil {
			f, err = os.Open(filepath.Join(home, "dstl", name))
		}
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(op, errors.NotExist, err)
		}
		return nil, errors.E(op, errors.IO, err)
	}
	defer f.Close()
	return InitConfig(f)
}

// InitConfig returns a config generated from YAML read from r and from
// environment variables. A nil r yields the defaults, still subject to
// the environment.
//
// The YAML is a map from key to value, where key is one of storage,
// storageopts, prefix, compression, maxblobsize, preuploadthreshold,
// persistdelay, persistsizethreshold, inflightlimit, uploadworkers,
// cachesize or loglevel. Sizes accept units, as in "5MiB" or "10 MB".
// Durations are written as for time.ParseDuration.
// A cmdflags key may hold per-command flag values; see SetFlagValues.
//
// Environment variables named "dstlkey", where "key" is a recognized
// configuration key, override values in the YAML.
func InitConfig(r io.Reader) (*Config, error) {
	const op errors.Op = "config.InitConfig"
	vals := defaults()
	cmdFlagVals := make(map[string]map[string]string)

	if r != nil {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.E(op, errors.IO, err)
		}
		if err := valsFromYAML(vals, cmdFlagVals, data); err != nil {
			return nil, errors.E(op, err)
		}
	}
	for k := range vals {
		if v, ok := os.LookupEnv("dstl" + k); ok {
			vals[k] = v
		}
	}

	cfg := &Config{}
	if err := cfg.apply(vals); err != nil {
		return nil, errors.E(op, err)
	}
	if len(cmdFlagVals) != 0 {
		cfg.flags = cmdFlagVals
	}
	return cfg, nil
}

// Set sets the value of the named key.
func (cfg *Config) Set(key, value string) error {
	const op errors.Op = "config.Set"
	if _, ok := defaults()[key]; !ok {
		return errors.E(op, errors.Invalid, errors.Errorf("unrecognized key %q", key))
	}
	if err := cfg.apply(map[string]string{key: value}); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Override applies a comma-separated list of key=value settings, as given
// on the command line.
func (cfg *Config) Override(opts string) error {
	const op errors.Op = "config.Override"
	if opts == "" {
		return nil
	}
	for _, o := range strings.Split(opts, ",") {
		k, v, ok := strings.Cut(o, "=")
		if !ok {
			return errors.E(op, errors.Invalid, errors.Errorf("override %q is not key=value", o))
		}
		if err := cfg.Set(strings.TrimSpace(k), strings.TrimSpace(v)); err != nil {
			return err
		}
	}
	return nil
}

// Flags returns the command flags configured for cmd.
func (cfg *Config) Flags(cmd string) map[string]string {
	return cfg.flags[cmd]
}

// apply parses vals into cfg. Keys are applied in order so errors are
// reported deterministically.
func (cfg *Config) apply(vals map[string]string) error {
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := vals[k]
		var err error
		switch k {
		case storage:
			cfg.Storage = v
		case storageopts:
			cfg.StorageOpts = v
		case prefix:
			cfg.Prefix = v
		case loglevel:
			cfg.LogLevel = v
		case compression:
			cfg.Compression, err = strconv.ParseBool(v)
		case maxblobsize:
			cfg.MaxBlobSize, err = parseSize(v)
		case preuploadthreshold:
			cfg.PreUploadThreshold, err = parseSize(v)
		case persistsizethreshold:
			cfg.PersistSizeThreshold, err = parseSize(v)
		case inflightlimit:
			cfg.InFlightLimit, err = parseSize(v)
		case persistdelay:
			cfg.PersistDelay, err = time.ParseDuration(v)
			if err == nil && cfg.PersistDelay < 0 {
				err = errors.Str("negative duration")
			}
		case uploadworkers:
			cfg.UploadWorkers, err = parseCount(v)
		case cachesize:
			cfg.CacheSize, err = parseCount(v)
		}
		if err != nil {
			return errors.E(errors.Invalid, errors.Errorf("%s: bad value %q: %v", k, v, err))
		}
	}
	return nil
}

func parseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, errors.Str("size too large")
	}
	return int64(n), nil
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, errors.Str("must be positive")
	}
	return n, nil
}

// valsFromYAML parses YAML from the given map and puts the values
// into the provided map. Unrecognized keys generate an error.
func valsFromYAML(vals map[string]string, cmdFlagVals map[string]map[string]string, data []byte) error {
	newVals := map[string]interface{}{}
	if err := yaml.Unmarshal(data, newVals); err != nil {
		return errors.E(errors.Invalid, errors.Errorf("parsing YAML file: %v", err))
	}
	for k, v := range newVals {
		if k == "cmdflags" {
			if err := asFlags(v, cmdFlagVals); err != nil {
				return err
			}
			continue
		}
		if _, ok := vals[k]; !ok {
			return errors.E(errors.Invalid, errors.Errorf("unrecognized key %q", k))
		}
		s, err := asString(v)
		if err != nil {
			return errors.E(errors.Invalid, errors.Errorf("%q: %v", k, err))
		}
		vals[k] = s
	}
	return nil
}

// asString tries to convert a value back into its original string. This will not
// always be possible but should be for all our expected use cases.
func asString(v interface{}) (string, error) {
	switch vc := v.(type) {
	case int, int32, int64, uint, uint32, uint64, float32, float64, bool:
		return fmt.Sprintf("%v", vc), nil
	case string:
		return vc, nil
	}
	return "", errors.E(errors.Invalid, errors.Errorf("unrecognized value %T", v))
}

func asFlags(v interface{}, m map[string]map[string]string) error {
	cmds, ok := v.(map[interface{}]interface{})
	if !ok {
		return errors.E(errors.Invalid, errors.Errorf("unrecognized cmdflags %v", v))
	}
	for k, v := range cmds {
		cmd, err := asString(k)
		if err != nil {
			return errors.E(errors.Invalid, errors.Errorf("bad command %q %v", v, err))
		}
		flags, ok := v.(map[interface{}]interface{})
		if !ok {
			return errors.E(errors.Invalid, errors.Errorf("cmd %q has bad value: %v", cmd, v))
		}
		fm := make(map[string]string)
		for k, v := range flags {
			flag, err := asString(k)
			if err != nil {
				return errors.E(errors.Invalid, errors.Errorf("cmd %q has bad flag: %s", cmd, err))
			}
			val, err := asString(v)
			if err != nil {
				return errors.E(errors.Invalid, errors.Errorf("cmd %q flag %q has bad value: %s", cmd, flag, err))
			}
			fm[flag] = val
		}
		m[cmd] = fm
	}
	return nil
}

// SetFlagValues updates any flag that is still at its default value. It will
// apply all the flags possible and return the last error seen.
func SetFlagValues(cfg *Config, cmd string) error {
	const op errors.Op = "config.SetFlagValues"
	flags := cfg.Flags(cmd)
	if flags == nil {
		return nil
	}
	var lasterr error
	for k, v := range flags {
		f := flag.Lookup(k)
		if f == nil {
			lasterr = errors.E(op, errors.Invalid, errors.Errorf("unknown flag %q", k))
			continue
		}
		if f.Value.String() != f.DefValue {
			continue
		}
		if err := flag.Set(k, v); err != nil {
			lasterr = errors.E(op, err)
			continue
		}
	}
	return lasterr
}

// Homedir returns the home directory of the OS' logged-in user.
func Homedir() (string, error) {
	u, err := osuser.Current()
	// user.Current may return an error, but we should only handle it if it
	// returns a nil user. This is because os/user is wonky without cgo,
	// but it should work well enough for our purposes.
	if u == nil {
		e := errors.Str("lookup of current user failed")
		if err != nil {
			e = errors.Errorf("%v: %v", e, err)
		}
		return "", e
	}
	h := u.HomeDir
	if h == "" {
		return "", errors.E(errors.NotExist, errors.Str("user home directory not found"))
	}
	fi, err := os.Stat(h)
	if err != nil {
		return "", errors.E(errors.IO, err)
	}
	if !fi.IsDir() {
		return "", errors.E(errors.Invalid, errors.Errorf("%s is not a directory", h))
	}
	return h, nil
}
