// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package storage implements a low-level interface for storing changelog
// blobs in stable storage such as a local disk or a cloud bucket.
package storage // import "dstl.io/cloud/storage"

import (
	"strings"
	"sync"

	"dstl.io/errors"
)

// Storage is a low-level storage interface for services to store their data
// permanently. Storage implementations must be safe for concurrent use.
type Storage interface {
	// Download retrieves the bytes associated with a ref.
	// It returns an error of kind NotExist if ref is not stored.
	Download(ref string) ([]byte, error)

	// Put stores the contents given as ref on the storage backend.
	Put(ref string, contents []byte) error

	// Delete permanently removes all storage space associated
	// with a ref.
	Delete(ref string) error

	// Close releases all resources held by the backend.
	Close() error
}

// Lister is implemented by Storage backends that can enumerate their
// contents.
type Lister interface {
	// List returns a list of refs contained by the storage backend.
	// The token argument may be empty for the first call, or a token
	// returned by a previous call. A non-empty next token indicates
	// there are more refs to be listed.
	List(token string) (refs []ListItem, next string, err error)
}

// ListItem describes one stored blob.
type ListItem struct {
	Ref  string
	Size int64
}

// Opts holds configuration options for the storage backend.
// It is meant to be used by implementations of Storage.
type Opts struct {
	Opts map[string]string // key-value pair
}

// DialOpts is a daisy-chaining mechanism for setting options to a backend during Dial.
type DialOpts func(*Opts) error

var (
	mu           sync.Mutex
	registration = make(map[string]func(*Opts) (Storage, error))
)

// Register registers a new Storage under a name. It is typically used in init functions.
func Register(name string, fn func(*Opts) (Storage, error)) error {
	const op errors.Op = "cloud/storage.Register"
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registration[name]; exists {
		return errors.E(op, errors.Exist, errors.Errorf("storage backend %q", name))
	}
	registration[name] = fn
	return nil
}

// WithOptions parses a string in the format "key1=value1,key2=value2,..." where keys and values
// are specific to each storage backend. Neither key nor value may contain the characters "," or "=".
// Use WithKeyValue repeatedly if these characters need to be used.
func WithOptions(options string) DialOpts {
	const op errors.Op = "cloud/storage.WithOptions"
	return func(o *Opts) error {
		if options == "" {
			return nil
		}
		pairs := strings.Split(options, ",")
		for _, p := range pairs {
			kv := strings.Split(p, "=")
			if len(kv) != 2 {
				return errors.E(op, errors.Invalid, errors.Errorf("error parsing option %s", kv))
			}
			o.Opts[kv[0]] = kv[1]
		}
		return nil
	}
}

// WithKeyValue sets a key-value pair as option. If called multiple times with the same key, the last one wins.
func WithKeyValue(key, value string) DialOpts {
	return func(o *Opts) error {
		o.Opts[key] = value
		return nil
	}
}

// Dial dials the named storage backend using the dial options opts.
func Dial(name string, opts ...DialOpts) (Storage, error) {
	const op errors.Op = "cloud/storage.Dial"
	mu.Lock()
	fn, found := registration[name]
	mu.Unlock()
	if !found {
		return nil, errors.E(op, errors.NotExist, errors.Errorf("storage backend type %q not registered", name))
	}
	dOpts := &Opts{
		Opts: make(map[string]string),
	}
	for _, o := range opts {
		if o != nil {
			if err := o(dOpts); err != nil {
				return nil, err
			}
		}
	}
	return fn(dOpts)
}
