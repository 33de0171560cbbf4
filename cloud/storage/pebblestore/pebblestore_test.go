// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pebblestore

import (
	"fmt"
	"testing"

	"dstl.io/cloud/storage"
	"dstl.io/cloud/storage/storagetest"
)

func newStore(t *testing.T) storage.Storage {
	t.Helper()
	s, err := storage.Dial("Pebble", storage.WithKeyValue("dataDir", t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExercise(t *testing.T) {
	storagetest.Exercise(t, newStore(t))
}

func TestListPages(t *testing.T) {
	s := newStore(t)
	old := maxRefsPerCall
	defer func() { maxRefsPerCall = old }()
	maxRefsPerCall = 3

	for i := 0; i < 10; i++ {
		if err := s.Put(fmt.Sprintf("changelog/%02d", i), []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	var all []string
	next := ""
	for pages := 0; ; pages++ {
		if pages > 4 {
			t.Fatal("too many pages")
		}
		refs, n, err := s.(storage.Lister).List(next)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range refs {
			all = append(all, r.Ref)
		}
		if n == "" {
			break
		}
		next = n
	}
	if len(all) != 10 {
		t.Fatalf("listed %d refs, want 10: %q", len(all), all)
	}
	for i, r := range all {
		if want := fmt.Sprintf("changelog/%02d", i); r != want {
			t.Errorf("ref %d = %q, want %q", i, r, want)
		}
	}
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.Dial("Pebble", storage.WithKeyValue("dataDir", dir), storage.WithKeyValue("sync", "true"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put("changelog/a", []byte("durable")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	s, err = storage.Dial("Pebble", storage.WithKeyValue("dataDir", dir))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Download("changelog/a")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "durable" {
		t.Errorf("got %q, want durable", got)
	}
}
