// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dstl contains the global interface and type definitions
// shared by the changelog writer, the upload scheduler and the
// discard registry.
package dstl // import "dstl.io/dstl"

import (
	"context"
	"fmt"
	"sync"
)

// A SequenceNumber is a position in one writer's append stream.
// Each appended change receives the writer's next sequence number.
// Sequence numbers are never reused.
type SequenceNumber int64

// InitialSequenceNumber is the sequence number of the first change
// appended to a new writer.
const InitialSequenceNumber SequenceNumber = 0

// Next returns the successor of s.
func (s SequenceNumber) Next() SequenceNumber {
	return s + 1
}

// Compare returns -1, 0 or +1 depending on whether s is less than,
// equal to, or greater than t.
func (s SequenceNumber) Compare(t SequenceNumber) int {
	switch {
	case s < t:
		return -1
	case s > t:
		return 1
	}
	return 0
}

func (s SequenceNumber) String() string {
	return fmt.Sprintf("sqn(%d)", int64(s))
}

// A Range is the half-open sequence number interval [From, To).
type Range struct {
	From, To SequenceNumber
}

// Empty reports whether r covers no sequence numbers.
func (r Range) Empty() bool {
	return r.To <= r.From
}

// Contains reports whether s lies within r.
func (r Range) Contains(s SequenceNumber) bool {
	return r.From <= s && s < r.To
}

// Overlaps reports whether r and o share at least one sequence number.
func (r Range) Overlaps(o Range) bool {
	return r.From < o.To && o.From < r.To
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", int64(r.From), int64(r.To))
}

// A PartitionID identifies one key group of keyed state.
type PartitionID int32

// A PartitionRange is the inclusive range of partitions owned by a writer.
type PartitionRange struct {
	Start, End PartitionID
}

// Contains reports whether p is within the range.
func (r PartitionRange) Contains(p PartitionID) bool {
	return r.Start <= p && p <= r.End
}

func (r PartitionRange) String() string {
	return fmt.Sprintf("partitions[%d-%d]", r.Start, r.End)
}

// A WriterID identifies one changelog writer. It is unique
// across all writers sharing a storage and scheduler.
type WriterID string

// A CheckpointID identifies one checkpoint of the surrounding job.
type CheckpointID int64

// A Change is one opaque state delta destined for a partition.
// Its sequence number is implied by its position within a ChangeSet.
type Change struct {
	Partition PartitionID
	Data      []byte
}

// A ChangeSet is the unit of upload: the changes of one writer covering
// the contiguous sequence range [From, To), in order.
type ChangeSet struct {
	// ID is unique per submission. Resubmitting the same range after a
	// reset yields a different ID.
	ID string

	Writer     WriterID
	Partitions PartitionRange
	From, To   SequenceNumber
	Changes    []Change
}

// Range returns the sequence range covered by the set.
func (cs *ChangeSet) Range() Range {
	return Range{From: cs.From, To: cs.To}
}

// Size returns the total number of payload bytes in the set.
func (cs *ChangeSet) Size() int64 {
	var n int64
	for _, c := range cs.Changes {
		n += int64(len(c.Data))
	}
	return n
}

// Consumer returns the registry consumer held by the upload of this set.
func (cs *ChangeSet) Consumer() Consumer {
	return Consumer("changeset/" + cs.ID)
}

// A Handle names one durable blob in the storage backend. A blob may
// hold change sets of several writers.
type Handle string

// An UploadResult records where an uploaded ChangeSet lives.
type UploadResult struct {
	Handle Handle
	// Offset is the byte offset of the set's segment within the blob.
	Offset int64
	// Size is the number of payload bytes in the set.
	Size     int64
	From, To SequenceNumber
}

// A HandleAndOffset addresses one change set within a blob together with
// the sequence range stored there.
type HandleAndOffset struct {
	Handle   Handle
	Offset   int64
	From, To SequenceNumber
}

// A SnapshotResult is the durable artifact of a successful persist.
// Its handles are ordered by sequence number and together cover [From, To).
// A handle may also contain changes below From; readers filter by range.
type SnapshotResult struct {
	Writer     WriterID
	Partitions PartitionRange
	From, To   SequenceNumber
	Handles    []HandleAndOffset
	// Size is the number of payload bytes referenced by Handles.
	Size int64

	release *releaser
}

type releaser struct {
	once sync.Once
	f    func()
}

// NewSnapshotResult returns a SnapshotResult whose Release method calls
// release at most once.
func NewSnapshotResult(s SnapshotResult, release func()) *SnapshotResult {
	if release != nil {
		s.release = &releaser{f: release}
	}
	return &s
}

// Release tells the discard registry that the holder of this snapshot no
// longer needs its handles. It is typically called when the checkpoint
// that owns the snapshot is subsumed or discarded. It is safe to call
// from several goroutines; only the first call has an effect.
func (s *SnapshotResult) Release() {
	if s.release != nil {
		s.release.once.Do(s.release.f)
	}
}

// A Consumer names a holder of registry references: a change set upload,
// a snapshot, or a local recovery copy.
type Consumer string

// Registry reference-counts durable handles and deletes the backing
// storage of a handle once no consumer holds it.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Register records that consumer holds handle.
	// Registering the same pair twice has no further effect.
	Register(h Handle, c Consumer)

	// Release drops consumer's hold on handle. When no consumer
	// remains, the handle's storage is deleted.
	Release(h Handle, c Consumer)
}

// Scheduler accepts change sets and uploads them asynchronously,
// possibly batching several sets into one blob.
type Scheduler interface {
	// Submit queues cs for upload and returns immediately. The returned
	// future resolves with the set's location or with an I/O error.
	Submit(cs *ChangeSet) *Future[UploadResult]

	// Close stops the scheduler. Futures of sets not yet uploaded
	// resolve with an error.
	Close() error
}

// Uploader writes change sets to durable storage.
type Uploader interface {
	// Upload stores the sets of tasks, completing or failing each task.
	// It may combine all tasks into a single blob. A task may be left
	// incomplete on return only by test implementations that complete
	// it later.
	Upload(ctx context.Context, tasks []*UploadTask)
}

// An Executor runs functions on a single serialized thread of control.
type Executor interface {
	// Execute arranges for f to run. It must not block on f.
	Execute(f func())
}

// An UploadTask pairs a ChangeSet with the promise of its upload result.
type UploadTask struct {
	Set     *ChangeSet
	promise *Promise[UploadResult]
}

// NewUploadTask returns a task for cs and the future it will resolve.
func NewUploadTask(cs *ChangeSet) (*UploadTask, *Future[UploadResult]) {
	p := NewPromise[UploadResult]()
	return &UploadTask{Set: cs, promise: p}, p.Future()
}

// Complete resolves the task with its upload location.
// Later calls to Complete or Fail have no effect.
func (t *UploadTask) Complete(r UploadResult) {
	t.promise.Complete(r)
}

// Fail resolves the task with err.
// Later calls to Complete or Fail have no effect.
func (t *UploadTask) Fail(err error) {
	t.promise.Fail(err)
}

// Done reports whether the task has been resolved.
func (t *UploadTask) Done() bool {
	select {
	case <-t.promise.Future().Done():
		return true
	default:
		return false
	}
}

// Future returns the future resolved by the task.
func (t *UploadTask) Future() *Future[UploadResult] {
	return t.promise.Future()
}
