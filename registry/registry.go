// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry implements the discard registry: it reference-counts
// durable changelog handles by consumer and deletes a handle's blob from
// storage once no consumer holds it.
package registry // import "dstl.io/registry"

import (
	"sync"

	"dstl.io/cache"
	"dstl.io/dstl"
	"dstl.io/errors"
	"dstl.io/log"
	"dstl.io/metric"
)

// Deleter removes blobs from storage. Every storage.Storage is a Deleter.
type Deleter interface {
	Delete(ref string) error
}

// Number of recently discarded handles remembered to detect late registrations.
const discardedMemory = 10000

// Registry is the reference-counting discard registry.
// It is safe for concurrent use.
type Registry struct {
	store   Deleter
	exec    dstl.Executor
	metrics *metric.Collector

	mu        sync.Mutex
	refs      map[dstl.Handle]map[dstl.Consumer]bool
	discarded *cache.LRU[dstl.Handle, bool]
	closed    bool
	pending   sync.WaitGroup
}

var _ dstl.Registry = (*Registry)(nil)

// New returns a registry that deletes blobs from store. Deletions are
// handed to exec so that Release never blocks on storage. A nil exec
// deletes on a new goroutine per blob. The metrics may be nil.
func New(store Deleter, exec dstl.Executor, metrics *metric.Collector) *Registry {
	return &Registry{
		store:     store,
		exec:      exec,
		metrics:   metrics,
		refs:      make(map[dstl.Handle]map[dstl.Consumer]bool),
		discarded: cache.NewLRU[dstl.Handle, bool](discardedMemory),
	}
}

// Register records that consumer c holds handle h.
// Registering a handle that was already discarded is an error in the
// caller; it is logged and ignored, since the blob is gone.
func (r *Registry) Register(h dstl.Handle, c dstl.Consumer) {
	const op errors.Op = "registry.Register"
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, gone := r.discarded.Get(h); gone {
		log.Error.Printf("%s: %v", op, errors.E(op, h, errors.NotExist, errors.Errorf("consumer %s registered after discard", c)))
		return
	}
	cs, ok := r.refs[h]
	if !ok {
		cs = make(map[dstl.Consumer]bool)
		r.refs[h] = cs
		r.metrics.LiveHandles(1)
	}
	cs[c] = true
}

// Release drops consumer c's hold on handle h. When the last consumer is
// released the blob is deleted. Releasing a consumer that does not hold h
// is logged and otherwise ignored.
func (r *Registry) Release(h dstl.Handle, c dstl.Consumer) {
	const op errors.Op = "registry.Release"
	r.mu.Lock()
	cs, ok := r.refs[h]
	if !ok || !cs[c] {
		r.mu.Unlock()
		log.Debug.Printf("%s: handle %s not held by %s", op, h, c)
		return
	}
	delete(cs, c)
	if len(cs) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.refs, h)
	r.discarded.Add(h, true)
	r.metrics.LiveHandles(-1)
	if r.closed {
		r.mu.Unlock()
		log.Debug.Printf("%s: registry closed, not deleting %s", op, h)
		return
	}
	r.pending.Add(1)
	r.mu.Unlock()

	del := func() {
		defer r.pending.Done()
		r.delete(h)
	}
	if r.exec == nil {
		go del()
		return
	}
	r.exec.Execute(del)
}

func (r *Registry) delete(h dstl.Handle) {
	const op errors.Op = "registry.delete"
	err := r.store.Delete(string(h))
	if errors.Is(errors.NotExist, err) {
		// Already gone, which is what we want.
		err = nil
	}
	r.metrics.Deletion(err)
	if err != nil {
		log.Error.Printf("%s: %v", op, errors.E(op, h, err))
		return
	}
	log.Debug.Printf("%s: deleted %s", op, h)
}

// Refs returns the number of consumers holding h.
func (r *Registry) Refs(h dstl.Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs[h])
}

// Handles returns the number of handles with at least one consumer.
func (r *Registry) Handles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

// Close stops the registry from deleting further blobs and waits for
// deletions already started. Handles that are still referenced are left
// in storage.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.pending.Wait()
	return nil
}

// NoOp is a registry that ignores all calls. It is used where discarding
// blobs is managed elsewhere.
var NoOp dstl.Registry = noOp{}

type noOp struct{}

func (noOp) Register(dstl.Handle, dstl.Consumer) {}
func (noOp) Release(dstl.Handle, dstl.Consumer)  {}
