// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package storagetest

import (
	"sort"
	"sync"

	"dstl.io/cloud/storage"
	"dstl.io/errors"
)

// Mem is a storage.Storage that stores data in memory. Failures may be
// injected for Put and Delete. It is safe for concurrent use.
type Mem struct {
	mu      sync.RWMutex
	m       map[string][]byte
	putErr  error
	delErr  error
	puts    int
	deleted []string
}

var (
	_ storage.Storage = (*Mem)(nil)
	_ storage.Lister  = (*Mem)(nil)
)

// Memory returns a storage.Storage implementation that stores data in memory.
func Memory() *Mem {
	return &Mem{
		m: make(map[string][]byte),
	}
}

// Download implements storage.Storage.
func (m *Mem) Download(ref string) ([]byte, error) {
	const op errors.Op = "cloud/storage/storagetest.Download"
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.m[ref]
	if !ok {
		return nil, errors.E(op, errors.NotExist, errors.Str(ref))
	}
	return append([]byte{}, b...), nil
}

// Put implements storage.Storage.
func (m *Mem) Put(ref string, b []byte) error {
	const op errors.Op = "cloud/storage/storagetest.Put"
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.putErr != nil {
		return errors.E(op, errors.IO, m.putErr)
	}
	m.puts++
	m.m[ref] = append([]byte{}, b...)
	return nil
}

// Delete implements storage.Storage.
func (m *Mem) Delete(ref string) error {
	const op errors.Op = "cloud/storage/storagetest.Delete"
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.delErr != nil {
		return errors.E(op, errors.IO, m.delErr)
	}
	_, ok := m.m[ref]
	if !ok {
		return errors.E(op, errors.NotExist, errors.Str(ref))
	}
	delete(m.m, ref)
	m.deleted = append(m.deleted, ref)
	return nil
}

// Close implements storage.Storage.
func (m *Mem) Close() error {
	return nil
}

// List implements storage.Lister. It returns all refs in one page.
func (m *Mem) List(token string) ([]storage.ListItem, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	refs := make([]storage.ListItem, 0, len(m.m))
	for ref, b := range m.m {
		refs = append(refs, storage.ListItem{Ref: ref, Size: int64(len(b))})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Ref < refs[j].Ref })
	return refs, "", nil
}

// FailPuts makes every subsequent Put fail with err, or succeed again
// if err is nil.
func (m *Mem) FailPuts(err error) {
	m.mu.Lock()
	m.putErr = err
	m.mu.Unlock()
}

// FailDeletes makes every subsequent Delete fail with err, or succeed
// again if err is nil.
func (m *Mem) FailDeletes(err error) {
	m.mu.Lock()
	m.delErr = err
	m.mu.Unlock()
}

// Has reports whether ref is stored.
func (m *Mem) Has(ref string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.m[ref]
	return ok
}

// Len returns the number of stored blobs.
func (m *Mem) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// Puts returns the number of successful Put calls.
func (m *Mem) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Deleted returns the refs removed by Delete, in order.
func (m *Mem) Deleted() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.deleted...)
}
