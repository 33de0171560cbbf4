// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scheduler implements upload schedulers: the component between
// changelog writers and the uploader that decides when and in what
// batches change sets are written to storage.
package scheduler // import "dstl.io/scheduler"

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"dstl.io/dstl"
	"dstl.io/errors"
	"dstl.io/log"
	"dstl.io/metric"
)

// Defaults for Options fields left zero.
const (
	DefaultWorkers = 4
)

// Options configures a batching scheduler.
type Options struct {
	// Delay is how long a submitted set may wait for others to join its
	// batch. Zero uploads every set as soon as a worker is free.
	Delay time.Duration

	// SizeThreshold cuts a batch early once its sets hold this many
	// payload bytes. Zero disables the size trigger.
	SizeThreshold int64

	// MaxInFlightBytes bounds the payload bytes being uploaded at once.
	// A batch larger than the bound is uploaded alone. Zero means no
	// bound.
	MaxInFlightBytes int64

	// Workers is the number of concurrent uploads. Zero means DefaultWorkers.
	Workers int

	// Clock times the Delay. Nil means the wall clock.
	Clock clock.Clock

	// Metrics may be nil.
	Metrics *metric.Collector
}

// Batching is a dstl.Scheduler that groups the change sets submitted
// within a time window, across all writers, into a single upload.
//
// A scheduler goroutine owns the queue; worker goroutines run uploads.
type Batching struct {
	uploader dstl.Uploader
	opts     Options

	// submit carries new tasks to the scheduler.
	submit chan *dstl.UploadTask

	// flush carries flush requests to the scheduler. Each channel is
	// closed once every earlier task has been handed to a worker.
	flush chan chan struct{}

	// ready carries batches to workers.
	ready chan []*dstl.UploadTask

	// Closing die signals the scheduler and workers to exit.
	die chan struct{}

	// done is closed when the scheduler goroutine has exited.
	done chan struct{}

	inFlight *semaphore.Weighted

	// acquireCtx is canceled by Close so that batches waiting for
	// in-flight capacity give up.
	acquireCtx context.Context
	cancel     context.CancelFunc

	workers errgroup.Group

	mu     sync.Mutex
	closed bool
}

var _ dstl.Scheduler = (*Batching)(nil)

// NewBatching starts a batching scheduler uploading with u.
func NewBatching(u dstl.Uploader, opts Options) *Batching {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Batching{
		uploader:   u,
		opts:       opts,
		submit:     make(chan *dstl.UploadTask, opts.Workers),
		flush:      make(chan chan struct{}),
		ready:      make(chan []*dstl.UploadTask),
		die:        make(chan struct{}),
		done:       make(chan struct{}),
		acquireCtx: ctx,
		cancel:     cancel,
	}
	if opts.MaxInFlightBytes > 0 {
		b.inFlight = semaphore.NewWeighted(opts.MaxInFlightBytes)
	}

	go b.scheduler()
	for i := 0; i < opts.Workers; i++ {
		b.workers.Go(b.worker)
	}
	return b
}

// Submit implements dstl.Scheduler.
func (b *Batching) Submit(cs *dstl.ChangeSet) *dstl.Future[dstl.UploadResult] {
	const op errors.Op = "scheduler.Submit"
	task, f := dstl.NewUploadTask(cs)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		task.Fail(errors.E(op, cs.Writer, errors.Closed))
		return f
	}
	b.submit <- task
	return f
}

// Flush hands every set submitted so far to the workers without waiting
// for the delay to expire. It returns once they have been handed off,
// not once they are uploaded.
func (b *Batching) Flush() {
	ack := make(chan struct{})
	select {
	case b.flush <- ack:
	case <-b.done:
		return
	}
	select {
	case <-ack:
	case <-b.done:
	}
}

// Close implements dstl.Scheduler. Sets that have not started uploading
// fail with a Closed error; uploads in progress run to completion.
func (b *Batching) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.die)
	b.cancel()
	<-b.done
	return b.workers.Wait()
}

func size(batch []*dstl.UploadTask) int64 {
	var n int64
	for _, t := range batch {
		n += t.Set.Size()
	}
	return n
}

// scheduler owns the queue of tasks not yet handed to a worker.
func (b *Batching) scheduler() {
	const op errors.Op = "scheduler.scheduler"
	defer close(b.done)

	var (
		queue   []*dstl.UploadTask // tasks of the batch being collected
		queued  int64              // payload bytes in queue
		batches [][]*dstl.UploadTask
		acks    []chan struct{}
		timer   <-chan time.Time
	)
	cut := func() {
		timer = nil
		if len(queue) == 0 {
			return
		}
		batches = append(batches, queue)
		queue, queued = nil, 0
	}
	ackAll := func() {
		for _, ack := range acks {
			close(ack)
		}
		acks = nil
	}
	enqueue := func(t *dstl.UploadTask) {
		queue = append(queue, t)
		queued += t.Set.Size()
		switch {
		case b.opts.Delay <= 0:
			cut()
		case b.opts.SizeThreshold > 0 && queued >= b.opts.SizeThreshold:
			log.Debug.Printf("%s: batch reached %s", op, humanize.IBytes(uint64(queued)))
			cut()
		case timer == nil:
			timer = b.opts.Clock.After(b.opts.Delay)
		}
	}

	for {
		var ready chan []*dstl.UploadTask
		var next []*dstl.UploadTask
		if len(batches) > 0 {
			ready = b.ready
			next = batches[0]
		}
		b.opts.Metrics.Queued(len(queue) + countTasks(batches))

		select {
		case t := <-b.submit:
			enqueue(t)
		case <-timer:
			cut()
		case ack := <-b.flush:
			// Sets submitted before Flush may still be buffered.
			drain(b.submit, enqueue)
			cut()
			acks = append(acks, ack)
		case ready <- next:
			batches = batches[1:]
		case <-b.die:
			// Fail submissions that raced with Close too.
			drain(b.submit, func(t *dstl.UploadTask) { queue = append(queue, t) })
			cut()
			for _, batch := range batches {
				failAll(batch, errors.E(op, errors.Closed))
			}
			ackAll()
			b.opts.Metrics.Queued(0)
			return
		}
		if len(batches) == 0 {
			ackAll()
		}
	}
}

// drain passes the tasks buffered in c to f without blocking.
func drain(c <-chan *dstl.UploadTask, f func(*dstl.UploadTask)) {
	for {
		select {
		case t := <-c:
			f(t)
		default:
			return
		}
	}
}

func countTasks(batches [][]*dstl.UploadTask) int {
	n := 0
	for _, b := range batches {
		n += len(b)
	}
	return n
}

func failAll(batch []*dstl.UploadTask, err error) {
	for _, t := range batch {
		t.Fail(errors.E(t.Set.Writer, err))
	}
}

// worker uploads batches handed over by the scheduler.
func (b *Batching) worker() error {
	for {
		select {
		case batch := <-b.ready:
			b.upload(batch)
		case <-b.die:
			return nil
		}
	}
}

func (b *Batching) upload(batch []*dstl.UploadTask) {
	const op errors.Op = "scheduler.upload"
	n := size(batch)
	if b.inFlight != nil {
		w := n
		if w > b.opts.MaxInFlightBytes {
			w = b.opts.MaxInFlightBytes
		}
		if err := b.inFlight.Acquire(b.acquireCtx, w); err != nil {
			failAll(batch, errors.E(op, errors.Closed, err))
			return
		}
		defer b.inFlight.Release(w)
	}
	b.opts.Metrics.InFlight(n)
	defer b.opts.Metrics.InFlight(-n)

	log.Debug.Printf("%s: uploading %d change sets, %s", op, len(batch), humanize.IBytes(uint64(n)))
	b.uploader.Upload(context.Background(), batch)
}
