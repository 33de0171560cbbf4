// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"sync"

	"dstl.io/dstl"
	"dstl.io/errors"
)

type direct struct {
	uploader dstl.Uploader

	mu     sync.Mutex
	closed bool
}

// Direct returns a scheduler that uploads each change set on its own,
// inline during Submit.
func Direct(u dstl.Uploader) dstl.Scheduler {
	return &direct{uploader: u}
}

func (d *direct) Submit(cs *dstl.ChangeSet) *dstl.Future[dstl.UploadResult] {
	const op errors.Op = "scheduler.Direct.Submit"
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return dstl.Failed[dstl.UploadResult](errors.E(op, cs.Writer, errors.Closed))
	}
	task, f := dstl.NewUploadTask(cs)
	d.uploader.Upload(context.Background(), []*dstl.UploadTask{task})
	return f
}

func (d *direct) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
