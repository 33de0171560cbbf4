// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/rand"
	"expvar"
	"time"

	"github.com/dustin/go-humanize"

	"dstl.io/changelog"
	"dstl.io/dstl"
	"dstl.io/errors"
	"dstl.io/log"
	"dstl.io/mailbox"
	"dstl.io/metric"
	"dstl.io/writer"
)

// changesPerCheckpoint is the number of changes appended between checkpoints.
const changesPerCheckpoint = 100

// bench runs one writer in its own mailbox, the way a stream task would.
type bench struct {
	partition   dstl.PartitionID
	store       *changelog.Storage
	m           *mailbox.Mailbox
	w           *writer.Writer
	data        []byte
	appended    *metric.RateCounter
	checkpoints *expvar.Int
	cp          dstl.CheckpointID
}

func newBench(s *changelog.Storage, i, changeSize int, appended *metric.RateCounter, checkpoints *expvar.Int) *bench {
	p := dstl.PartitionID(i)
	m := mailbox.New()
	data := make([]byte, changeSize)
	rand.Read(data)
	return &bench{
		partition:   p,
		store:       s,
		m:           m,
		w:           s.NewWriter(dstl.PartitionRange{Start: p, End: p}, m),
		data:        data,
		appended:    appended,
		checkpoints: checkpoints,
	}
}

// run performs checkpoints until ctx is done, then closes the writer.
func (b *bench) run(ctx context.Context) error {
	const op errors.Op = "dstlbench.run"
	done := make(chan error, 1)
	go func() { done <- b.m.Run(context.Background()) }()
	defer func() {
		b.m.Close()
		<-done
	}()

	for ctx.Err() == nil {
		if err := b.checkpoint(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return errors.E(op, b.w.ID(), err)
		}
	}
	return b.m.Call(context.Background(), b.w.Close)
}

// checkpoint appends a batch of changes, persists everything not yet
// truncated, confirms the result and truncates behind it.
func (b *bench) checkpoint(ctx context.Context) error {
	start := time.Now()
	var from dstl.SequenceNumber
	var f *dstl.Future[*dstl.SnapshotResult]
	err := b.m.Call(ctx, func() error {
		from = b.w.LowestSequenceNumber()
		for i := 0; i < changesPerCheckpoint; i++ {
			if err := b.w.Append(b.partition, b.data); err != nil {
				return err
			}
		}
		var err error
		f, err = b.w.Persist(from)
		return err
	})
	if err != nil {
		return err
	}
	b.appended.Add(int64(changesPerCheckpoint * len(b.data)))

	snap, err := f.Get(ctx)
	if err != nil {
		return err
	}
	defer snap.Release()
	b.cp++
	cp := b.cp
	err = b.m.Call(ctx, func() error {
		if err := b.w.Confirm(from, snap.To, cp); err != nil {
			return err
		}
		return b.w.Truncate(snap.To)
	})
	if err != nil {
		return err
	}
	b.checkpoints.Add(1)
	log.Debug.Printf("dstlbench: writer %s checkpoint %d: %s in %d blobs in %v",
		b.w.ID(), cp, humanize.IBytes(uint64(snap.Size)), len(snap.Handles), time.Since(start))
	return nil
}
