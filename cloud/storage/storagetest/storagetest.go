// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package storagetest implements an in-memory storage backend and a
// conformance test shared by the implementations of storage.Storage.
package storagetest // import "dstl.io/cloud/storage/storagetest"

import (
	"bytes"
	"fmt"
	"testing"

	"dstl.io/cloud/storage"
	"dstl.io/errors"
)

// Exercise runs a basic put, download, list and delete cycle against s.
// The backend must be empty on entry and is empty on return.
func Exercise(t *testing.T, s storage.Storage) {
	t.Helper()

	const ref = "changelog/0c8e9a0e-0f1b-4d3c-9a55-ffffffffffff"
	data := []byte("segment data")

	if _, err := s.Download(ref); !errors.Is(errors.NotExist, err) {
		t.Fatalf("Download of missing ref: got %v, want NotExist", err)
	}
	if err := s.Put(ref, data); err != nil {
		t.Fatal(err)
	}
	got, err := s.Download(ref)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Download = %q, want %q", got, data)
	}

	// Overwrite is allowed.
	data = []byte("other segment data")
	if err := s.Put(ref, data); err != nil {
		t.Fatal(err)
	}
	got, err = s.Download(ref)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Download after overwrite = %q, want %q", got, data)
	}

	if ls, ok := s.(storage.Lister); ok {
		for i := 0; i < 3; i++ {
			if err := s.Put(fmt.Sprintf("extra-%d", i), data); err != nil {
				t.Fatal(err)
			}
		}
		n := 0
		next := ""
		for {
			var refs []storage.ListItem
			refs, next, err = ls.List(next)
			if err != nil {
				t.Fatal(err)
			}
			for _, r := range refs {
				if r.Size != int64(len(data)) {
					t.Errorf("ref %q has size %d, want %d", r.Ref, r.Size, len(data))
				}
			}
			n += len(refs)
			if next == "" {
				break
			}
		}
		if n != 4 {
			t.Errorf("List returned %d refs, want 4", n)
		}
		for i := 0; i < 3; i++ {
			if err := s.Delete(fmt.Sprintf("extra-%d", i)); err != nil {
				t.Fatal(err)
			}
		}
	}

	if err := s.Delete(ref); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Download(ref); !errors.Is(errors.NotExist, err) {
		t.Fatalf("Download after Delete: got %v, want NotExist", err)
	}
	if err := s.Delete(ref); !errors.Is(errors.NotExist, err) {
		t.Fatalf("second Delete: got %v, want NotExist", err)
	}
}
