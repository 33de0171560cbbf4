// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dstlbench drives a changelog storage with a number of writers,
// each appending changes and running checkpoints against it until
// interrupted or until -duration elapses. Upload and deletion metrics are
// served in Prometheus format on /metrics and as expvars on /debug/vars.
package main // import "dstl.io/cmd/dstlbench"

import (
	"context"
	"expvar"
	"flag"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"dstl.io/changelog"
	cloudlog "dstl.io/cloud/log"
	"dstl.io/config"
	"dstl.io/errors"
	"dstl.io/flags"
	"dstl.io/log"
	"dstl.io/metric"
	"dstl.io/shutdown"

	// Storage implementations.
	_ "dstl.io/cloud/storage/amazons3"
	_ "dstl.io/cloud/storage/disk"
	_ "dstl.io/cloud/storage/gcs"
	_ "dstl.io/cloud/storage/pebblestore"
)

const cmdName = "dstlbench"

func main() {
	flags.Parse(flags.Default, "http", "duration", "writers", "change_size", "log_file", "project")

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	if flags.LogFile != "" {
		if err := cloudlog.Connect(flags.Project, flags.LogFile); err != nil {
			log.Fatalf("%s: connecting to cloud logging: %v", cmdName, err)
		}
	}

	metrics := metric.NewCollector()
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics, collectors.NewGoCollector())
	appended := metric.NewRateCounter(60, time.Second, clock.WallClock)
	expvar.Publish("dstl_append_bytes_per_second", appended)
	checkpoints := expvar.NewInt("dstl_checkpoints")

	s, err := changelog.New(cfg, metrics)
	if err != nil {
		log.Fatal(err)
	}
	shutdown.Handle("changelog storage", func() {
		appended.Stop()
		if err := s.Close(); err != nil {
			log.Error.Printf("%s: %v", cmdName, err)
		}
	})

	srv := &http.Server{
		Addr:              flags.HTTPAddr,
		Handler:           router(reg),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error.Printf("%s: http: %v", cmdName, err)
		}
	}()
	shutdown.Handle("http server", func() { srv.Close() })
	log.Info.Printf("%s: serving metrics on http://%s/metrics", cmdName, flags.HTTPAddr)

	ctx := shutdown.Context()
	if flags.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.Duration)
		defer cancel()
	}

	var g errgroup.Group
	for i := 0; i < flags.Writers; i++ {
		b := newBench(s, i, int(flags.ChangeSize), appended, checkpoints)
		g.Go(func() error { return b.run(ctx) })
	}
	code := 0
	if err := g.Wait(); err != nil {
		log.Error.Printf("%s: %v", cmdName, err)
		code = 1
	}
	log.Info.Printf("%s: %d checkpoints completed", cmdName, checkpoints.Value())
	shutdown.Now(code)
}

// loadConfig reads the configuration file named by -config, falling back
// to the defaults when it does not exist, and applies -config_opts and
// any flag values the file sets for this command.
func loadConfig() (*config.Config, error) {
	const op errors.Op = "dstlbench.loadConfig"
	cfg, err := config.FromFile(flags.Config)
	if errors.Is(errors.NotExist, err) {
		log.Info.Printf("%s: no config file %s; using defaults", cmdName, flags.Config)
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, errors.E(op, err)
	}
	if err := cfg.Override(flags.ConfigOpts); err != nil {
		return nil, errors.E(op, err)
	}
	if err := config.SetFlagValues(cfg, cmdName); err != nil {
		return nil, errors.E(op, err)
	}
	// -log wins over the configured level.
	logSet := false
	flag.Visit(func(f *flag.Flag) { logSet = logSet || f.Name == "log" })
	if !logSet {
		if err := log.SetLevel(cfg.LogLevel); err != nil {
			return nil, errors.E(op, errors.Invalid, err)
		}
	}
	return cfg, nil
}

func router(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Handle("/debug/vars", expvar.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return r
}
