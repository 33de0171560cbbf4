// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pebblestore implements a storage backend that keeps changelog
// blobs as values in a local Pebble database.
package pebblestore // import "dstl.io/cloud/storage/pebblestore"

import (
	stderrors "errors"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"dstl.io/cloud/storage"
	"dstl.io/errors"
)

// Keys used for storing dial options.
const (
	dataDir = "dataDir"
	sync    = "sync" // "true" to fsync the WAL on every Put and Delete.
)

// Blob keys are the ref with this prefix, leaving room for metadata keys.
const (
	keyPrefix = "blob/"
	keyLimit  = "blob0" // '0' sorts right after '/'.
)

var maxRefsPerCall = 1000 // A variable so that it may be overridden by tests.

type pebbleImpl struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

// New opens or creates the Pebble database named by the "dataDir" option,
// which must be an absolute path.
func New(opts *storage.Opts) (storage.Storage, error) {
	const op errors.Op = "cloud/storage/pebblestore.New"

	dir, ok := opts.Opts[dataDir]
	if !ok {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("%q option is required", dataDir))
	}
	if !filepath.IsAbs(dir) {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("%s %q is not absolute", dataDir, dir))
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	wo := pebble.NoSync
	if opts.Opts[sync] == "true" {
		wo = pebble.Sync
	}
	return &pebbleImpl{db: db, writeOpts: wo}, nil
}

func init() {
	storage.Register("Pebble", New)
}

var (
	_ storage.Storage = (*pebbleImpl)(nil)
	_ storage.Lister  = (*pebbleImpl)(nil)
)

func key(ref string) []byte {
	return []byte(keyPrefix + ref)
}

// Download implements storage.Storage.
func (p *pebbleImpl) Download(ref string) ([]byte, error) {
	const op errors.Op = "cloud/storage/pebblestore.Download"
	val, closer, err := p.db.Get(key(ref))
	if stderrors.Is(err, pebble.ErrNotFound) {
		return nil, errors.E(op, errors.NotExist, errors.Str(ref))
	} else if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Put implements storage.Storage.
func (p *pebbleImpl) Put(ref string, contents []byte) error {
	const op errors.Op = "cloud/storage/pebblestore.Put"
	if err := p.db.Set(key(ref), contents, p.writeOpts); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// Delete implements storage.Storage.
func (p *pebbleImpl) Delete(ref string) error {
	const op errors.Op = "cloud/storage/pebblestore.Delete"
	k := key(ref)
	_, closer, err := p.db.Get(k)
	if stderrors.Is(err, pebble.ErrNotFound) {
		return errors.E(op, errors.NotExist, errors.Str(ref))
	} else if err != nil {
		return errors.E(op, errors.IO, err)
	}
	closer.Close()
	if err := p.db.Delete(k, p.writeOpts); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// List implements storage.Lister. The token is the first ref of the next page.
func (p *pebbleImpl) List(token string) (refs []storage.ListItem, next string, err error) {
	const op errors.Op = "cloud/storage/pebblestore.List"
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyLimit),
	})
	if err != nil {
		return nil, "", errors.E(op, errors.IO, err)
	}
	defer iter.Close()

	for iter.SeekGE(key(token)); iter.Valid(); iter.Next() {
		ref := string(iter.Key()[len(keyPrefix):])
		if len(refs) >= maxRefsPerCall {
			next = ref
			break
		}
		refs = append(refs, storage.ListItem{Ref: ref, Size: int64(len(iter.Value()))})
	}
	if err := iter.Error(); err != nil {
		return nil, "", errors.E(op, errors.IO, err)
	}
	return refs, next, nil
}

// Close implements storage.Storage.
func (p *pebbleImpl) Close() error {
	const op errors.Op = "cloud/storage/pebblestore.Close"
	if err := p.db.Close(); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}
