// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package reader reads change sets back from uploaded blobs.
package reader // import "dstl.io/reader"

import (
	"dstl.io/cache"
	"dstl.io/dstl"
	"dstl.io/errors"
	"dstl.io/format"
)

// Downloader fetches blobs. Every storage.Storage is a Downloader.
type Downloader interface {
	Download(ref string) ([]byte, error)
}

// Entry is one change together with its sequence number.
type Entry struct {
	Sequence dstl.SequenceNumber
	Change   dstl.Change
}

// Reader decodes change sets from blobs, caching recently read blobs.
// It is safe for concurrent use.
type Reader struct {
	store Downloader
	blobs *cache.LRU[dstl.Handle, []byte]
}

// New returns a Reader that keeps up to cacheSize blobs in memory.
func New(store Downloader, cacheSize int) *Reader {
	if cacheSize < 1 {
		cacheSize = 1
	}
	return &Reader{
		store: store,
		blobs: cache.NewLRU[dstl.Handle, []byte](cacheSize),
	}
}

func (r *Reader) blob(h dstl.Handle) ([]byte, error) {
	if b, ok := r.blobs.Get(h); ok {
		return b, nil
	}
	b, err := r.store.Download(string(h))
	if err != nil {
		return nil, err
	}
	r.blobs.Add(h, b)
	return b, nil
}

// ReadSet returns the change set stored at h.
func (r *Reader) ReadSet(h dstl.HandleAndOffset) (*dstl.ChangeSet, error) {
	const op errors.Op = "reader.ReadSet"
	b, err := r.blob(h.Handle)
	if err != nil {
		return nil, errors.E(op, h.Handle, err)
	}
	cs, err := format.ReadSegment(b, h.Offset)
	if err != nil {
		return nil, errors.E(op, h.Handle, err)
	}
	if cs.From != h.From || cs.To != h.To {
		return nil, errors.E(op, h.Handle, errors.Invalid, errors.Errorf("segment at %d holds %v, want %v",
			h.Offset, cs.Range(), dstl.Range{From: h.From, To: h.To}))
	}
	return cs, nil
}

// ReadSnapshot returns the changes of s in sequence order. Changes of the
// referenced sets that lie outside [s.From, s.To) are skipped.
func (r *Reader) ReadSnapshot(s *dstl.SnapshotResult) ([]Entry, error) {
	const op errors.Op = "reader.ReadSnapshot"
	var entries []Entry
	next := s.From
	for _, h := range s.Handles {
		cs, err := r.ReadSet(h)
		if err != nil {
			return nil, errors.E(op, s.Writer, err)
		}
		if cs.Writer != s.Writer {
			return nil, errors.E(op, s.Writer, h.Handle, errors.Invalid, errors.Errorf("segment belongs to writer %s", cs.Writer))
		}
		for i, c := range cs.Changes {
			sqn := cs.From + dstl.SequenceNumber(i)
			if sqn < next || sqn >= s.To {
				continue
			}
			if sqn != next {
				return nil, errors.E(op, s.Writer, errors.Invalid, errors.Errorf("missing changes from %v", next))
			}
			entries = append(entries, Entry{Sequence: sqn, Change: c})
			next = sqn.Next()
		}
	}
	if next != s.To {
		return nil, errors.E(op, s.Writer, errors.Invalid, errors.Errorf("missing changes from %v", next))
	}
	return entries, nil
}
