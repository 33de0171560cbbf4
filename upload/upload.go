// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package upload writes batches of change sets to storage, multiplexing
// the sets of one batch into as few blobs as the size limit allows.
package upload // import "dstl.io/upload"

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"dstl.io/cloud/storage"
	"dstl.io/dstl"
	"dstl.io/errors"
	"dstl.io/format"
	"dstl.io/log"
	"dstl.io/metric"
)

// DefaultPrefix is prepended to the names of uploaded blobs.
const DefaultPrefix = "changelog/"

// Options configures an Uploader.
type Options struct {
	// Prefix is prepended to every blob name. Empty means DefaultPrefix.
	Prefix string

	// Compress enables zstd compression of segments.
	Compress bool

	// MaxBlobSize bounds the encoded size of one blob. A change set that
	// cannot fit in a blob of its own fails. Zero means no limit.
	MaxBlobSize int64

	// Metrics, if not nil, records every blob write.
	Metrics *metric.Collector
}

// Uploader is a dstl.Uploader backed by a storage.Storage.
type Uploader struct {
	store storage.Storage
	reg   dstl.Registry
	opts  Options
}

var _ dstl.Uploader = (*Uploader)(nil)

// New returns an Uploader that writes blobs to store and registers each
// uploaded set's consumer with reg before completing its task.
func New(store storage.Storage, reg dstl.Registry, opts Options) *Uploader {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	return &Uploader{store: store, reg: reg, opts: opts}
}

// blob is one blob under construction and the tasks it holds.
type blob struct {
	enc     *format.Encoder
	tasks   []*dstl.UploadTask
	offsets []int64
}

// Upload implements dstl.Uploader. Every task is resolved on return.
// A set that cannot be encoded fails alone; a blob that cannot be
// written fails the sets it holds and no others.
func (u *Uploader) Upload(ctx context.Context, tasks []*dstl.UploadTask) {
	const op errors.Op = "upload.Upload"
	if err := ctx.Err(); err != nil {
		for _, t := range tasks {
			t.Fail(errors.E(op, t.Set.Writer, errors.IO, err))
		}
		return
	}

	var flags format.Flags
	if u.opts.Compress {
		flags |= format.Compressed
	}
	cur := &blob{enc: format.NewEncoder(flags)}
	for _, t := range tasks {
		mark := cur.enc.Len()
		off, err := cur.enc.Append(t.Set)
		if err != nil {
			t.Fail(errors.E(op, t.Set.Writer, err))
			continue
		}
		if limit := u.opts.MaxBlobSize; limit > 0 && int64(cur.enc.Len()) > limit {
			cur.enc.Truncate(mark)
			solo := format.NewEncoder(flags)
			soloOff, err := solo.Append(t.Set)
			if err != nil {
				t.Fail(errors.E(op, t.Set.Writer, err))
				continue
			}
			if int64(solo.Len()) > limit {
				t.Fail(tooLarge(op, t.Set, limit))
				continue
			}
			// The set fits on its own: close the current blob.
			u.put(cur)
			cur = &blob{enc: solo}
			off = soloOff
		}
		cur.tasks = append(cur.tasks, t)
		cur.offsets = append(cur.offsets, off)
	}
	u.put(cur)
}

func tooLarge(op errors.Op, cs *dstl.ChangeSet, limit int64) error {
	return errors.E(op, cs.Writer, errors.Invalid, errors.Errorf(
		"change set %s of %s exceeds maximum blob size %s",
		cs.ID, humanize.IBytes(uint64(cs.Size())), humanize.IBytes(uint64(limit))))
}

// put writes b to storage and resolves its tasks.
func (u *Uploader) put(b *blob) {
	const op errors.Op = "upload.put"
	if len(b.tasks) == 0 {
		return
	}
	h := dstl.Handle(u.opts.Prefix + uuid.NewString())
	data := b.enc.Bytes()
	start := time.Now()
	err := u.store.Put(string(h), data)
	u.opts.Metrics.Upload(len(b.tasks), int64(len(data)), time.Since(start), err)
	if err != nil {
		log.Error.Printf("%s: %d change sets in %s: %v", op, len(b.tasks), h, err)
		for _, t := range b.tasks {
			t.Fail(errors.E(op, t.Set.Writer, h, errors.IO, err))
		}
		return
	}
	log.Debug.Printf("%s: wrote %s with %d change sets, %s", op, h, len(b.tasks), humanize.IBytes(uint64(len(data))))

	// All consumers are registered before any task completes.
	for _, t := range b.tasks {
		u.reg.Register(h, t.Set.Consumer())
	}
	for i, t := range b.tasks {
		t.Complete(dstl.UploadResult{
			Handle: h,
			Offset: b.offsets[i],
			Size:   t.Set.Size(),
			From:   t.Set.From,
			To:     t.Set.To,
		})
	}
}
