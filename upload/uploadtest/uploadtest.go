// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package uploadtest provides an Uploader that records the change sets
// it is given and resolves them only when the test says so.
package uploadtest // import "dstl.io/upload/uploadtest"

import (
	"context"
	"fmt"
	"sync"

	"dstl.io/dstl"
)

// Mode controls how Upload resolves its tasks.
type Mode int

// Modes.
const (
	Manual   Mode = iota // Tasks wait for CompleteAll or FailAll.
	Complete             // Tasks are completed during Upload.
	Fail                 // Tasks are failed during Upload.
)

type record struct {
	task  *dstl.UploadTask
	call  int
	index int
}

// Uploader is a dstl.Uploader for tests. It is safe for concurrent use.
type Uploader struct {
	reg dstl.Registry

	mu      sync.Mutex
	mode    Mode
	failErr error
	calls   int
	records []record
}

var _ dstl.Uploader = (*Uploader)(nil)

// New returns a Manual uploader. When it completes a task it registers
// the set's consumer with reg, like a real uploader; reg may be nil.
func New(reg dstl.Registry) *Uploader {
	return &Uploader{reg: reg}
}

// SetMode sets how future calls to Upload behave. The error is used in
// Fail mode.
func (u *Uploader) SetMode(m Mode, err error) {
	u.mu.Lock()
	u.mode, u.failErr = m, err
	u.mu.Unlock()
}

// Upload implements dstl.Uploader. Each call is one blob, whose handle
// is "handle-<call number>"; tasks are at offsets 0, 1, 2...
func (u *Uploader) Upload(ctx context.Context, tasks []*dstl.UploadTask) {
	u.mu.Lock()
	call := u.calls
	u.calls++
	var recs []record
	for i, t := range tasks {
		recs = append(recs, record{task: t, call: call, index: i})
	}
	u.records = append(u.records, recs...)
	mode, failErr := u.mode, u.failErr
	u.mu.Unlock()

	switch mode {
	case Complete:
		u.complete(recs)
	case Fail:
		u.fail(recs, failErr)
	}
}

// Handle returns the handle used for the n'th call to Upload.
func Handle(n int) dstl.Handle {
	return dstl.Handle(fmt.Sprintf("handle-%d", n))
}

func (u *Uploader) complete(recs []record) {
	if u.reg != nil {
		for _, r := range recs {
			if !r.task.Done() {
				u.reg.Register(Handle(r.call), r.task.Set.Consumer())
			}
		}
	}
	for _, r := range recs {
		cs := r.task.Set
		r.task.Complete(dstl.UploadResult{
			Handle: Handle(r.call),
			Offset: int64(r.index),
			Size:   cs.Size(),
			From:   cs.From,
			To:     cs.To,
		})
	}
}

func (u *Uploader) fail(recs []record, err error) {
	for _, r := range recs {
		r.task.Fail(err)
	}
}

func (u *Uploader) pending() []record {
	u.mu.Lock()
	defer u.mu.Unlock()
	var recs []record
	for _, r := range u.records {
		if !r.task.Done() {
			recs = append(recs, r)
		}
	}
	return recs
}

// CompleteAll completes every unresolved task.
func (u *Uploader) CompleteAll() {
	u.complete(u.pending())
}

// FailAll fails every unresolved task with err.
func (u *Uploader) FailAll(err error) {
	u.fail(u.pending(), err)
}

// FailCall fails the unresolved tasks of the n'th call to Upload with err.
func (u *Uploader) FailCall(n int, err error) {
	var recs []record
	for _, r := range u.pending() {
		if r.call == n {
			recs = append(recs, r)
		}
	}
	u.fail(recs, err)
}

// Calls returns the number of calls to Upload.
func (u *Uploader) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// Sets returns every change set received, in order.
func (u *Uploader) Sets() []*dstl.ChangeSet {
	u.mu.Lock()
	defer u.mu.Unlock()
	sets := make([]*dstl.ChangeSet, len(u.records))
	for i, r := range u.records {
		sets[i] = r.task.Set
	}
	return sets
}

// Pending returns the number of unresolved tasks.
func (u *Uploader) Pending() int {
	return len(u.pending())
}

// Reset forgets all recorded sets. Unresolved tasks stay unresolved.
func (u *Uploader) Reset() {
	u.mu.Lock()
	u.records = nil
	u.mu.Unlock()
}
