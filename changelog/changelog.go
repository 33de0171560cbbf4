// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package changelog assembles a changelog storage from its configuration:
// a storage backend, the discard registry, the uploader and the upload
// scheduler shared by every writer created from it.
package changelog // import "dstl.io/changelog"

import (
	"context"
	"sync"

	"dstl.io/cloud/storage"
	"dstl.io/config"
	"dstl.io/dstl"
	"dstl.io/errors"
	"dstl.io/log"
	"dstl.io/mailbox"
	"dstl.io/metric"
	"dstl.io/reader"
	"dstl.io/registry"
	"dstl.io/scheduler"
	"dstl.io/upload"
	"dstl.io/writer"
)

// Storage is a changelog storage. Writers created by one Storage share its
// scheduler, so their change sets may be uploaded in the same blobs.
type Storage struct {
	cfg     *config.Config
	store   storage.Storage
	metrics *metric.Collector

	// deletes runs the registry's blob deletions.
	deletes *mailbox.Mailbox
	done    chan struct{}

	registry  *registry.Registry
	scheduler *scheduler.Batching
	reader    *reader.Reader

	mu     sync.Mutex
	closed bool
}

// New dials the storage backend named by cfg and returns a Storage
// using it. The metrics may be nil.
func New(cfg *config.Config, metrics *metric.Collector) (*Storage, error) {
	const op errors.Op = "changelog.New"
	store, err := storage.Dial(cfg.Storage, storage.WithOptions(cfg.StorageOpts))
	if err != nil {
		return nil, errors.E(op, err)
	}
	return NewWithStore(cfg, store, metrics), nil
}

// NewWithStore returns a Storage that keeps its blobs in store.
// The Storage closes store when it is closed.
func NewWithStore(cfg *config.Config, store storage.Storage, metrics *metric.Collector) *Storage {
	s := &Storage{
		cfg:     cfg,
		store:   store,
		metrics: metrics,
		deletes: mailbox.New(),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		s.deletes.Run(context.Background())
	}()

	s.registry = registry.New(store, s.deletes, metrics)
	u := upload.New(store, s.registry, upload.Options{
		Prefix:      cfg.Prefix,
		Compress:    cfg.Compression,
		MaxBlobSize: cfg.MaxBlobSize,
		Metrics:     metrics,
	})
	s.scheduler = scheduler.NewBatching(u, scheduler.Options{
		Delay:            cfg.PersistDelay,
		SizeThreshold:    cfg.PersistSizeThreshold,
		MaxInFlightBytes: cfg.InFlightLimit,
		Workers:          cfg.UploadWorkers,
		Metrics:          metrics,
	})
	s.reader = reader.New(store, cfg.CacheSize)
	log.Info.Printf("changelog: storage %s ready, prefix %q", cfg.Storage, cfg.Prefix)
	return s
}

// NewWriter returns a writer for the given partitions. The writer's calls
// and its upload completions are serialized by mbox.
func (s *Storage) NewWriter(partitions dstl.PartitionRange, mbox dstl.Executor) *writer.Writer {
	return writer.New(writer.Options{
		Partitions:         partitions,
		Scheduler:          s.scheduler,
		Registry:           s.registry,
		Mailbox:            mbox,
		PreUploadThreshold: s.cfg.PreUploadThreshold,
		Metrics:            s.metrics,
	})
}

// Reader returns a reader for the storage's blobs.
func (s *Storage) Reader() *reader.Reader {
	return s.reader
}

// Registry returns the discard registry shared by the storage's writers.
func (s *Storage) Registry() *registry.Registry {
	return s.registry
}

// Flush starts uploading every change set submitted so far.
func (s *Storage) Flush() {
	s.scheduler.Flush()
}

// Close stops the scheduler, waits for running uploads and deletions,
// and closes the backend. Change sets not yet uploading fail with a
// Closed error. Blobs still referenced are left in storage.
func (s *Storage) Close() error {
	const op errors.Op = "changelog.Close"
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var firstErr error
	if err := s.scheduler.Close(); err != nil {
		firstErr = errors.E(op, err)
	}
	// The deletion mailbox must keep running until the registry has
	// finished its deletions.
	s.registry.Close()
	s.deletes.Close()
	<-s.done
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = errors.E(op, errors.IO, err)
	}
	return firstErr
}
