// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mailbox provides the serialized execution context in which
// changelog writers run. All writer operations and all deliveries of
// upload completions are funneled through one Mailbox, so a writer never
// sees two of them concurrently.
package mailbox // import "dstl.io/mailbox"

import (
	"context"
	"sync"

	"dstl.io/dstl"
	"dstl.io/errors"
	"dstl.io/log"
)

// Direct is an Executor that runs functions immediately on the calling
// goroutine. It is suitable when the caller already serializes all
// access, for example in tests driven by a single goroutine.
var Direct dstl.Executor = direct{}

type direct struct{}

func (direct) Execute(f func()) { f() }

// Mailbox is a FIFO queue of functions executed one at a time by Run.
type Mailbox struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	// wake has capacity 1 and is signaled whenever queue becomes
	// non-empty or the mailbox is closed.
	wake chan struct{}
}

var _ dstl.Executor = (*Mailbox)(nil)

// New returns an empty mailbox. The caller must arrange for Run to be
// called, typically in its own goroutine.
func New() *Mailbox {
	return &Mailbox{wake: make(chan struct{}, 1)}
}

// Execute queues f for execution by Run. It never blocks.
// Functions queued after Close are dropped.
func (m *Mailbox) Execute(f func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		log.Debug.Printf("mailbox.Execute: mailbox closed, dropping task")
		return
	}
	m.queue = append(m.queue, f)
	m.mu.Unlock()
	m.signal()
}

func (m *Mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Call runs f in the mailbox and waits for it to return.
// It must not be called from within the mailbox itself.
func (m *Mailbox) Call(ctx context.Context, f func() error) error {
	const op errors.Op = "mailbox.Call"
	result := make(chan error, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.E(op, errors.Closed)
	}
	m.queue = append(m.queue, func() { result <- f() })
	m.mu.Unlock()
	m.signal()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return errors.E(op, ctx.Err())
	}
}

// Len returns the number of queued functions.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Run executes queued functions in order until ctx is done or the
// mailbox is closed. After Close, Run executes everything queued before
// the close and returns nil.
func (m *Mailbox) Run(ctx context.Context) error {
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		closed := m.closed
		m.mu.Unlock()

		for _, f := range batch {
			f()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return nil
		}
		select {
		case <-m.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the mailbox from accepting further functions.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}
