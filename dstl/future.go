// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dstl

import (
	"context"
	"sync"
)

// A Future is the read side of a single-assignment result.
type Future[T any] struct {
	done chan struct{}

	mu        sync.Mutex
	val       T
	err       error
	callbacks []func(T, error)
}

// A Promise is the write side of a Future.
type Promise[T any] struct {
	f *Future[T]
}

// NewPromise returns an unresolved promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{f: &Future[T]{done: make(chan struct{})}}
}

// Completed returns a future already resolved with v.
func Completed[T any](v T) *Future[T] {
	p := NewPromise[T]()
	p.Complete(v)
	return p.Future()
}

// Failed returns a future already resolved with err.
func Failed[T any](err error) *Future[T] {
	p := NewPromise[T]()
	p.Fail(err)
	return p.Future()
}

// Future returns the future resolved by p.
func (p *Promise[T]) Future() *Future[T] {
	return p.f
}

// Complete resolves the future with v. It reports whether this call
// resolved the future.
func (p *Promise[T]) Complete(v T) bool {
	var zero error
	return p.f.resolve(v, zero)
}

// Fail resolves the future with err. It reports whether this call
// resolved the future.
func (p *Promise[T]) Fail(err error) bool {
	var zero T
	return p.f.resolve(zero, err)
}

func (f *Future[T]) resolve(v T, err error) bool {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return false
	default:
	}
	f.val, f.err = v, err
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	// Callbacks run outside the lock, on the resolving goroutine.
	for _, cb := range cbs {
		cb(v, err)
	}
	return true
}

// Done returns a channel that is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the resolved value and error. It must only be called
// after Done is closed.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

// Get waits for the future to resolve or for ctx to be done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete arranges for cb to be called with the result. If the future
// is already resolved cb runs immediately on the calling goroutine;
// otherwise it runs on the goroutine that resolves the future.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		v, err := f.val, f.err
		f.mu.Unlock()
		cb(v, err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}
