// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package schedulertest provides a scheduler that holds submitted change
// sets until the test asks for them to be uploaded.
package schedulertest // import "dstl.io/scheduler/schedulertest"

import (
	"context"
	"sync"

	"dstl.io/dstl"
	"dstl.io/errors"
)

// Batching is a dstl.Scheduler whose batches are cut by hand.
type Batching struct {
	uploader dstl.Uploader

	mu      sync.Mutex
	pending []*dstl.UploadTask
	closed  bool
}

var _ dstl.Scheduler = (*Batching)(nil)

// New returns a Batching scheduler that uploads with u.
func New(u dstl.Uploader) *Batching {
	return &Batching{uploader: u}
}

// Submit implements dstl.Scheduler.
func (b *Batching) Submit(cs *dstl.ChangeSet) *dstl.Future[dstl.UploadResult] {
	const op errors.Op = "schedulertest.Submit"
	task, f := dstl.NewUploadTask(cs)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		task.Fail(errors.E(op, cs.Writer, errors.Closed))
		return f
	}
	b.pending = append(b.pending, task)
	return f
}

// Len returns the number of sets waiting for ScheduleAll.
func (b *Batching) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// ScheduleAll uploads every waiting set in one call to the uploader, on
// the calling goroutine.
func (b *Batching) ScheduleAll() {
	b.mu.Lock()
	tasks := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(tasks) == 0 {
		return
	}
	b.uploader.Upload(context.Background(), tasks)
}

// Close implements dstl.Scheduler. Waiting sets fail with a Closed error.
func (b *Batching) Close() error {
	const op errors.Op = "schedulertest.Close"
	b.mu.Lock()
	tasks := b.pending
	b.pending = nil
	b.closed = true
	b.mu.Unlock()
	for _, t := range tasks {
		t.Fail(errors.E(op, t.Set.Writer, errors.Closed))
	}
	return nil
}
