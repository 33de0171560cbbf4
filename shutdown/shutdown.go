// Copyright 2017 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package shutdown runs named handlers, last registered first, when the
// process is asked to stop. Long-running loops watch Context, which is
// canceled before the first handler runs, so that writers stop producing
// work while the storage they write to is closed underneath them.
package shutdown // import "dstl.io/shutdown"

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"dstl.io/log"
)

// GracePeriod is the time all handlers together have to complete before
// the process exits regardless.
const GracePeriod = 1 * time.Minute

type handler struct {
	name string
	fn   func()
}

var state struct {
	mu       sync.Mutex
	handlers []handler
	once     sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

// Handle registers fn to run on shutdown under the given name, which is
// used only in logs. Handle may be called concurrently.
func Handle(name string, fn func()) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.handlers = append(state.handlers, handler{name, fn})
}

// Context returns a context canceled when shutdown begins.
func Context() context.Context {
	return state.ctx
}

// Now cancels the shutdown context, runs the registered handlers in
// last-in-first-out order and exits with the given status code. Only the
// first call has any effect; others block until the process exits.
// The process exits within GracePeriod even if a handler stalls.
func Now(code int) {
	state.once.Do(func() {
		log.Debug.Printf("shutdown: status code %d", code)

		go func() {
			killSleep(GracePeriod)
			// The log may already be flushed.
			fmt.Fprintf(os.Stderr, "shutdown: %v elapsed since shutdown requested; exiting forcefully\n", GracePeriod)
			os.Exit(1)
		}()

		state.cancel()
		state.mu.Lock() // Never unlocked; late Handle calls block.
		for i := len(state.handlers) - 1; i >= 0; i-- {
			h := state.handlers[i]
			start := time.Now()
			h.fn()
			log.Debug.Printf("shutdown: %s done in %v", h.name, time.Since(start))
		}
		exit(code)
	})
	select {}
}

// Testing hooks.
var (
	killSleep = time.Sleep
	exit      = os.Exit
)

func init() {
	state.ctx, state.cancel = context.WithCancel(context.Background())

	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGTERM, os.Interrupt)
	go func() {
		sig := <-c
		log.Error.Printf("shutdown: process received signal %v", sig)
		go Now(1)
		sig = <-c
		fmt.Fprintf(os.Stderr, "shutdown: second signal %v; exiting now\n", sig)
		os.Exit(2)
	}()

	// Flushing the log is the last thing we do.
	Handle("log", log.Flush)
}
