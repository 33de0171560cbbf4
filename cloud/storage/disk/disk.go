// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package disk provides a storage.Storage that stores changelog blobs on
// local disk.
package disk // import "dstl.io/cloud/storage/disk"

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"dstl.io/cloud/storage"
	"dstl.io/cloud/storage/disk/internal/local"
	"dstl.io/errors"
	"dstl.io/log"
)

// Dial options.
const (
	// basePath is the absolute directory holding all blobs. Required.
	basePath = "basePath"

	// fsync, when "true" (the default), flushes each blob to stable
	// storage before Put returns.
	fsync = "fsync"
)

const tmpPrefix = ".tmp-"

// New initializes and returns a disk-backed storage.Storage with the given
// options.
func New(opts *storage.Opts) (storage.Storage, error) {
	const op errors.Op = "cloud/storage/disk.New"

	base, ok := opts.Opts[basePath]
	if !ok {
		return nil, errors.E(op, errors.Invalid, "the basePath option must be specified")
	}
	if !filepath.IsAbs(base) {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("basePath %q is not absolute", base))
	}
	sync := true
	if v, ok := opts.Opts[fsync]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("bad fsync value %q", v))
		}
		sync = b
	}
	if err := os.MkdirAll(base, 0700); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return &storageImpl{base: base, sync: sync}, nil
}

func init() {
	storage.Register("Disk", New)
}

type storageImpl struct {
	base string
	sync bool
}

var (
	_ storage.Storage = (*storageImpl)(nil)
	_ storage.Lister  = (*storageImpl)(nil)
)

// Download implements storage.Storage.
func (s *storageImpl) Download(ref string) ([]byte, error) {
	const op errors.Op = "cloud/storage/disk.Download"
	b, err := os.ReadFile(local.Path(s.base, ref))
	switch {
	case errors.Is(errors.NotExist, osErr(err)):
		return nil, errors.E(op, errors.NotExist, errors.Str(ref))
	case err != nil:
		return nil, errors.E(op, errors.IO, err)
	}
	return b, nil
}

// Put implements storage.Storage. The blob is written to a temporary file
// in its final directory and renamed into place, so a reader sees either
// the whole blob or none of it.
func (s *storageImpl) Put(ref string, contents []byte) error {
	const op errors.Op = "cloud/storage/disk.Put"
	p := local.Path(s.base, ref)
	var err error
	// A concurrent Delete may remove the directory once it is empty.
	for tries := 0; tries < 3; tries++ {
		if err = os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			break
		}
		if err = s.writeFile(p, contents); !os.IsNotExist(err) {
			break
		}
	}
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

func (s *storageImpl) writeFile(p string, contents []byte) (err error) {
	f, err := os.CreateTemp(filepath.Dir(p), tmpPrefix)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()
	if _, err = f.Write(contents); err != nil {
		return err
	}
	if s.sync {
		if err = f.Sync(); err != nil {
			return err
		}
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), p)
}

// Delete implements storage.Storage. Emptied directories are removed up
// to, but not including, the base path.
func (s *storageImpl) Delete(ref string) error {
	const op errors.Op = "cloud/storage/disk.Delete"
	p := local.Path(s.base, ref)
	err := os.Remove(p)
	switch {
	case errors.Is(errors.NotExist, osErr(err)):
		return errors.E(op, errors.NotExist, errors.Str(ref))
	case err != nil:
		return errors.E(op, errors.IO, err)
	}
	for dir := filepath.Dir(p); dir != s.base && strings.HasPrefix(dir, s.base); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			// Not empty, or in use by a concurrent Put.
			break
		}
	}
	return nil
}

// Close implements storage.Storage.
func (s *storageImpl) Close() error {
	return nil
}

var maxRefsPerCall = 1000 // A variable so that it may be overridden by tests.

// List implements storage.Lister. The page token is the relative path of
// the first entry not yet returned.
func (s *storageImpl) List(token string) (refs []storage.ListItem, next string, err error) {
	const op errors.Op = "cloud/storage/disk.List"
	err = filepath.WalkDir(s.base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, s.base), string(filepath.Separator))
		if rel == "" || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		if len(refs) >= maxRefsPerCall {
			if next == "" {
				next = rel
			}
			return filepath.SkipDir
		}
		if rel < token {
			if d.IsDir() && !strings.HasPrefix(token, rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ref, err := local.Ref(rel)
		if err != nil {
			log.Error.Printf("%s: skipping %s: %v", op, path, err)
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		refs = append(refs, storage.ListItem{Ref: ref, Size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, "", errors.E(op, errors.IO, err)
	}
	return refs, next, nil
}

// osErr classifies an os error so callers can test it by kind.
func osErr(err error) error {
	if os.IsNotExist(err) {
		return errors.E(errors.NotExist, err)
	}
	return err
}
