// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package writer implements the changelog writer: the append-only log of
// one partition's state changes, which decides what to hand to the upload
// scheduler and assembles snapshot results from the uploads.
//
// A Writer is not safe for concurrent use. All calls, and the delivery of
// upload completions, must be serialized through the Executor given to
// New, normally a mailbox.Mailbox.
package writer // import "dstl.io/writer"

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"dstl.io/dstl"
	"dstl.io/errors"
	"dstl.io/log"
	"dstl.io/mailbox"
	"dstl.io/metric"
	"dstl.io/registry"
)

// Options configures a Writer.
type Options struct {
	// ID identifies the writer. If empty a random one is chosen.
	ID dstl.WriterID

	// Partitions is the range of partitions the writer accepts changes for.
	Partitions dstl.PartitionRange

	// Scheduler uploads change sets. Required.
	Scheduler dstl.Scheduler

	// Registry tracks references to uploaded handles. Nil means registry.NoOp.
	Registry dstl.Registry

	// Mailbox is the executor that serializes the writer. Upload
	// completions are delivered through it. Nil means mailbox.Direct.
	Mailbox dstl.Executor

	// PreUploadThreshold is the number of unsent payload bytes at which
	// Append submits them without waiting for Persist. Zero or less
	// disables pre-upload.
	PreUploadThreshold int64

	// Metrics may be nil.
	Metrics *metric.Collector
}

type uploadState int

const (
	pending uploadState = iota
	completed
	failed
)

// uploadID indexes Writer.arena.
type uploadID int

// upload is the writer's record of one submitted change set.
type upload struct {
	inUse bool
	set   *dstl.ChangeSet
	state uploadState

	result dstl.UploadResult // valid once completed
	err    error             // valid once failed

	// listed is set while the upload is in the active list.
	listed bool

	confirmed bool

	// detached marks a pending upload that left the active list. Its
	// change set reference is released when the result arrives.
	detached bool

	// waiters counts unresolved snapshots that include the upload.
	waiters int
}

// snapshot is an unresolved Persist.
type snapshot struct {
	n        int
	consumer dstl.Consumer
	from, to dstl.SequenceNumber
	uploads  []uploadID // ordered by sequence number

	// handles are those the consumer has been registered on.
	handles map[dstl.Handle]bool
	promise *dstl.Promise[*dstl.SnapshotResult]
}

type confirmation struct {
	from, to   dstl.SequenceNumber
	checkpoint dstl.CheckpointID
}

// Writer is a changelog writer for one range of partitions.
type Writer struct {
	id         dstl.WriterID
	partitions dstl.PartitionRange
	scheduler  dstl.Scheduler
	registry   dstl.Registry
	mailbox    dstl.Executor
	threshold  int64
	metrics    *metric.Collector

	initial dstl.SequenceNumber
	next    dstl.SequenceNumber

	// lowest is the truncation horizon. changes holds [lowest, next).
	lowest  dstl.SequenceNumber
	changes []dstl.Change

	// Nothing at or above tail has been submitted. unsent is the number
	// of payload bytes in [tail, next).
	tail   dstl.SequenceNumber
	unsent int64

	arena []upload
	free  []uploadID

	// active lists uploads covering parts of [lowest, next), ordered and
	// non-overlapping. Failed uploads stay listed so that persisting
	// their range fails until it is truncated or reset.
	active []uploadID

	confirmations []confirmation
	snapshots     map[int]*snapshot
	snapshotSeq   int

	closed bool
}

// New returns a new open Writer.
func New(opts Options) *Writer {
	if opts.ID == "" {
		opts.ID = dstl.WriterID(uuid.NewString())
	}
	if opts.Registry == nil {
		opts.Registry = registry.NoOp
	}
	if opts.Mailbox == nil {
		opts.Mailbox = mailbox.Direct
	}
	return &Writer{
		id:         opts.ID,
		partitions: opts.Partitions,
		scheduler:  opts.Scheduler,
		registry:   opts.Registry,
		mailbox:    opts.Mailbox,
		threshold:  opts.PreUploadThreshold,
		metrics:    opts.Metrics,
		initial:    dstl.InitialSequenceNumber,
		next:       dstl.InitialSequenceNumber,
		lowest:     dstl.InitialSequenceNumber,
		tail:       dstl.InitialSequenceNumber,
		snapshots:  make(map[int]*snapshot),
	}
}

// ID returns the writer's identifier.
func (w *Writer) ID() dstl.WriterID {
	return w.id
}

// InitialSequenceNumber returns the sequence number of the writer's first change.
func (w *Writer) InitialSequenceNumber() dstl.SequenceNumber {
	return w.initial
}

// NextSequenceNumber returns the sequence number the next appended change
// will receive.
func (w *Writer) NextSequenceNumber() dstl.SequenceNumber {
	return w.next
}

// LowestSequenceNumber returns the truncation horizon: the lowest sequence
// number that may still be persisted.
func (w *Writer) LowestSequenceNumber() dstl.SequenceNumber {
	return w.lowest
}

// Append adds a change for partition p. The data must not be modified
// afterwards. If the unsent changes reach the pre-upload threshold they
// are submitted for upload.
func (w *Writer) Append(p dstl.PartitionID, data []byte) error {
	const op errors.Op = "writer.Append"
	if w.closed {
		return errors.E(op, w.id, errors.Closed)
	}
	if !w.partitions.Contains(p) {
		return errors.E(op, w.id, errors.Invalid, errors.Errorf("partition %d outside %v", p, w.partitions))
	}
	w.changes = append(w.changes, dstl.Change{Partition: p, Data: data})
	w.next = w.next.Next()
	w.unsent += int64(len(data))
	w.metrics.Append(len(data))

	if w.threshold > 0 && w.unsent >= w.threshold {
		log.Debug.Printf("%s: %s: pre-uploading %v (%d bytes)", op, w.id, dstl.Range{From: w.tail, To: w.next}, w.unsent)
		w.metrics.PreUpload()
		w.submit(w.tail, w.next)
	}
	return nil
}

// Persist uploads the changes in [from, NextSequenceNumber) that are not
// already uploaded or being uploaded, and returns a future for the
// snapshot covering the whole range. It fails at once if from is below
// the truncation horizon or if part of the range already failed to upload.
func (w *Writer) Persist(from dstl.SequenceNumber) (*dstl.Future[*dstl.SnapshotResult], error) {
	const op errors.Op = "writer.Persist"
	if w.closed {
		return nil, errors.E(op, w.id, errors.Closed)
	}
	if from < w.lowest {
		err := errors.E(op, w.id, errors.Ordering, errors.Errorf("%v is below truncation horizon %v", from, w.lowest))
		w.metrics.Persist(err)
		return nil, err
	}
	if from > w.next {
		err := errors.E(op, w.id, errors.Ordering, errors.Errorf("%v is beyond next %v", from, w.next))
		w.metrics.Persist(err)
		return nil, err
	}

	// Plan before submitting: submit inserts into the active list.
	var (
		ids  []uploadID
		gaps []dstl.Range
		at   = from
	)
	for _, id := range w.active {
		u := &w.arena[id]
		if u.set.To <= from {
			continue
		}
		if u.state == failed {
			err := errors.E(op, w.id, errors.IO, u.err)
			w.metrics.Persist(err)
			return nil, err
		}
		if u.set.From > at {
			gaps = append(gaps, dstl.Range{From: at, To: u.set.From})
		}
		ids = append(ids, id)
		at = u.set.To
	}
	if at < w.next {
		gaps = append(gaps, dstl.Range{From: at, To: w.next})
	}
	for _, g := range gaps {
		ids = append(ids, w.submit(g.From, g.To))
	}
	sort.Slice(ids, func(i, j int) bool {
		return w.arena[ids[i]].set.From < w.arena[ids[j]].set.From
	})

	w.snapshotSeq++
	s := &snapshot{
		n:        w.snapshotSeq,
		consumer: dstl.Consumer(fmt.Sprintf("snapshot/%s/%d", w.id, w.snapshotSeq)),
		from:     from,
		to:       w.next,
		uploads:  ids,
		handles:  make(map[dstl.Handle]bool),
		promise:  dstl.NewPromise[*dstl.SnapshotResult](),
	}
	w.snapshots[s.n] = s
	for _, id := range ids {
		u := &w.arena[id]
		u.waiters++
		if u.state == completed {
			w.hold(s, u.result.Handle)
		}
	}
	f := s.promise.Future()
	w.tryResolve(s)
	return f, nil
}

// Confirm records that checkpoint cp durably covers [from, to).
// Uploads in a confirmed range are never reset.
func (w *Writer) Confirm(from, to dstl.SequenceNumber, cp dstl.CheckpointID) error {
	const op errors.Op = "writer.Confirm"
	if w.closed {
		return errors.E(op, w.id, errors.Closed)
	}
	if from > to {
		return errors.E(op, w.id, errors.Invalid, errors.Errorf("bad range [%d, %d)", from, to))
	}
	if to > w.next {
		return errors.E(op, w.id, errors.Ordering, errors.Errorf("%v is beyond next %v", to, w.next))
	}
	r := dstl.Range{From: from, To: to}
	w.confirmations = append(w.confirmations, confirmation{from: from, to: to, checkpoint: cp})
	for _, id := range w.active {
		u := &w.arena[id]
		if r.Overlaps(u.set.Range()) {
			u.confirmed = true
		}
	}
	log.Debug.Printf("%s: %s: checkpoint %d confirmed %v", op, w.id, cp, r)
	return nil
}

// Reset forgets the unconfirmed uploads overlapping [from, to), so that a
// later Persist uploads their changes again. It is called when checkpoint
// cp is aborted. A reset upload that is still running is left to finish;
// its result is then ignored.
func (w *Writer) Reset(from, to dstl.SequenceNumber, cp dstl.CheckpointID) error {
	const op errors.Op = "writer.Reset"
	if w.closed {
		return errors.E(op, w.id, errors.Closed)
	}
	if from > to {
		return errors.E(op, w.id, errors.Invalid, errors.Errorf("bad range [%d, %d)", from, to))
	}
	r := dstl.Range{From: from, To: to}
	keep := w.active[:0]
	for _, id := range w.active {
		u := &w.arena[id]
		switch {
		case !r.Overlaps(u.set.Range()):
			keep = append(keep, id)
		case u.confirmed:
			log.Debug.Printf("%s: %s: checkpoint %d: not resetting confirmed %v", op, w.id, cp, u.set.Range())
			keep = append(keep, id)
		default:
			w.detach(id)
		}
	}
	w.active = keep
	return nil
}

// Truncate discards the changes below upTo and releases the uploads that
// hold only such changes. Snapshots already returned keep their own
// references. Truncating to below the current horizon has no effect.
func (w *Writer) Truncate(upTo dstl.SequenceNumber) error {
	const op errors.Op = "writer.Truncate"
	if w.closed {
		return errors.E(op, w.id, errors.Closed)
	}
	if upTo > w.next {
		return errors.E(op, w.id, errors.Ordering, errors.Errorf("%v is beyond next %v", upTo, w.next))
	}
	if upTo <= w.lowest {
		return nil
	}
	n := int(upTo - w.lowest)
	for i := 0; i < n; i++ {
		w.changes[i] = dstl.Change{}
	}
	w.changes = w.changes[n:]
	w.lowest = upTo

	keep := w.active[:0]
	for _, id := range w.active {
		if w.arena[id].set.To <= upTo {
			w.detach(id)
			continue
		}
		keep = append(keep, id)
	}
	w.active = keep

	confirmed := w.confirmations[:0]
	for _, c := range w.confirmations {
		if c.to > upTo {
			confirmed = append(confirmed, c)
		}
	}
	w.confirmations = confirmed

	if upTo > w.tail {
		w.tail = upTo
		w.unsent = w.bytes(upTo, w.next)
	}
	return nil
}

// TruncateAndClose truncates to upTo and closes the writer. The writer is
// closed even if the truncation fails.
func (w *Writer) TruncateAndClose(upTo dstl.SequenceNumber) error {
	err := w.Truncate(upTo)
	w.close()
	return err
}

// Close closes the writer. Further calls fail with a Closed error.
// Uploads in progress run to completion and the snapshots waiting for
// them still resolve.
func (w *Writer) Close() error {
	w.close()
	return nil
}

func (w *Writer) close() {
	if w.closed {
		return
	}
	w.closed = true
	for _, id := range w.active {
		w.detach(id)
	}
	w.active = nil
	w.changes = nil
	w.unsent = 0
	log.Debug.Printf("writer.Close: %s: closed at %v with %d snapshots pending", w.id, w.next, len(w.snapshots))
}

// submit hands the changes in [from, to) to the scheduler.
func (w *Writer) submit(from, to dstl.SequenceNumber) uploadID {
	lo, hi := int(from-w.lowest), int(to-w.lowest)
	set := &dstl.ChangeSet{
		ID:         uuid.NewString(),
		Writer:     w.id,
		Partitions: w.partitions,
		From:       from,
		To:         to,
		Changes:    append([]dstl.Change(nil), w.changes[lo:hi]...),
	}

	id := w.alloc()
	w.arena[id] = upload{inUse: true, set: set, state: pending, listed: true}
	i := sort.Search(len(w.active), func(i int) bool {
		return w.arena[w.active[i]].set.From >= from
	})
	w.active = append(w.active, 0)
	copy(w.active[i+1:], w.active[i:])
	w.active[i] = id

	if to > w.tail {
		w.tail = to
		w.unsent = w.bytes(to, w.next)
	}

	f := w.scheduler.Submit(set)
	f.OnComplete(func(r dstl.UploadResult, err error) {
		w.mailbox.Execute(func() { w.complete(id, r, err) })
	})
	return id
}

// complete records the result of an upload and resolves the snapshots
// that were waiting for it.
func (w *Writer) complete(id uploadID, r dstl.UploadResult, err error) {
	const op errors.Op = "writer.complete"
	u := &w.arena[id]
	set := u.set
	if err != nil {
		u.state, u.err = failed, err
		log.Error.Printf("%s: %s: upload of %v failed: %v", op, w.id, set.Range(), err)
	} else {
		u.state, u.result = completed, r
	}
	detached := u.detached

	var waiting []*snapshot
	for _, s := range w.snapshots {
		for _, sid := range s.uploads {
			if sid == id {
				waiting = append(waiting, s)
				break
			}
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].n < waiting[j].n })
	for _, s := range waiting {
		if err == nil {
			w.hold(s, r.Handle)
		}
		w.tryResolve(s)
	}

	// Snapshots hold the handle by now, so dropping the set's own
	// reference cannot discard a blob they need.
	if detached && err == nil {
		w.registry.Release(r.Handle, set.Consumer())
	}
	w.retire(id)
}

// hold registers s's consumer on h once.
func (w *Writer) hold(s *snapshot, h dstl.Handle) {
	if s.handles[h] {
		return
	}
	s.handles[h] = true
	w.registry.Register(h, s.consumer)
}

// tryResolve resolves s if all its uploads have finished, or if any failed.
func (w *Writer) tryResolve(s *snapshot) {
	const op errors.Op = "writer.Persist"
	var failure error
	for _, id := range s.uploads {
		u := &w.arena[id]
		if u.state == failed {
			failure = u.err
			break
		}
		if u.state == pending {
			return
		}
	}

	var result *dstl.SnapshotResult
	if failure == nil {
		res := dstl.SnapshotResult{
			Writer:     w.id,
			Partitions: w.partitions,
			From:       s.from,
			To:         s.to,
		}
		for _, id := range s.uploads {
			u := &w.arena[id]
			res.Handles = append(res.Handles, dstl.HandleAndOffset{
				Handle: u.result.Handle,
				Offset: u.result.Offset,
				From:   u.set.From,
				To:     u.set.To,
			})
			res.Size += u.result.Size
		}
		result = dstl.NewSnapshotResult(res, w.releaser(s))
	} else {
		w.releaser(s)()
	}

	delete(w.snapshots, s.n)
	for _, id := range s.uploads {
		w.arena[id].waiters--
		w.retire(id)
	}

	if failure != nil {
		err := errors.E(op, w.id, errors.IO, failure)
		w.metrics.Persist(err)
		s.promise.Fail(err)
		return
	}
	w.metrics.Persist(nil)
	s.promise.Complete(result)
}

// releaser returns a function that drops s's references. It may be
// called from any goroutine.
func (w *Writer) releaser(s *snapshot) func() {
	handles := make([]dstl.Handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	reg, c := w.registry, s.consumer
	return func() {
		for _, h := range handles {
			reg.Release(h, c)
		}
	}
}

// detach takes an upload off the active list, releasing its reference
// now or, if it is still running, once it completes. The caller removes
// id from w.active.
func (w *Writer) detach(id uploadID) {
	u := &w.arena[id]
	u.listed = false
	switch u.state {
	case completed:
		w.registry.Release(u.result.Handle, u.set.Consumer())
	case pending:
		u.detached = true
	}
	w.retire(id)
}

func (w *Writer) alloc() uploadID {
	if n := len(w.free); n > 0 {
		id := w.free[n-1]
		w.free = w.free[:n-1]
		return id
	}
	w.arena = append(w.arena, upload{})
	return uploadID(len(w.arena) - 1)
}

// retire frees an arena slot nobody refers to any more.
func (w *Writer) retire(id uploadID) {
	u := &w.arena[id]
	if !u.inUse || u.listed || u.state == pending || u.waiters > 0 {
		return
	}
	w.arena[id] = upload{}
	w.free = append(w.free, id)
}

// bytes returns the payload size of the changes in [from, to).
func (w *Writer) bytes(from, to dstl.SequenceNumber) int64 {
	var n int64
	for _, c := range w.changes[int(from-w.lowest):int(to-w.lowest)] {
		n += int64(len(c.Data))
	}
	return n
}
