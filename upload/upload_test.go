// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package upload

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"dstl.io/cloud/storage/storagetest"
	"dstl.io/dstl"
	"dstl.io/errors"
	"dstl.io/format"
	"dstl.io/mailbox"
	"dstl.io/registry"
)

func changeSet(id string, from dstl.SequenceNumber, data ...string) *dstl.ChangeSet {
	cs := &dstl.ChangeSet{
		ID:     id,
		Writer: "w",
		From:   from,
		To:     from + dstl.SequenceNumber(len(data)),
	}
	for _, d := range data {
		cs.Changes = append(cs.Changes, dstl.Change{Data: []byte(d)})
	}
	return cs
}

func uploadAll(u *Uploader, sets ...*dstl.ChangeSet) []*dstl.Future[dstl.UploadResult] {
	var tasks []*dstl.UploadTask
	var futures []*dstl.Future[dstl.UploadResult]
	for _, cs := range sets {
		t, f := dstl.NewUploadTask(cs)
		tasks = append(tasks, t)
		futures = append(futures, f)
	}
	u.Upload(context.Background(), tasks)
	return futures
}

func result(t *testing.T, f *dstl.Future[dstl.UploadResult]) (dstl.UploadResult, error) {
	t.Helper()
	select {
	case <-f.Done():
	default:
		t.Fatal("future not resolved after Upload")
	}
	return f.Result()
}

func TestMultiplex(t *testing.T) {
	store := storagetest.Memory()
	reg := registry.New(store, mailbox.Direct, nil)
	u := New(store, reg, Options{Compress: true})

	sets := []*dstl.ChangeSet{
		changeSet("a", 0, "one", "two"),
		changeSet("b", 5, "three"),
	}
	futures := uploadAll(u, sets...)

	var handle dstl.Handle
	for i, f := range futures {
		res, err := result(t, f)
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			handle = res.Handle
		} else if res.Handle != handle {
			t.Errorf("sets went to different blobs %s and %s", handle, res.Handle)
		}
		if res.From != sets[i].From || res.To != sets[i].To || res.Size != sets[i].Size() {
			t.Errorf("result %d = %+v", i, res)
		}
		if got := reg.Refs(res.Handle); got != 2 {
			t.Errorf("Refs = %d, want 2", got)
		}
		blob, err := store.Download(string(res.Handle))
		if err != nil {
			t.Fatal(err)
		}
		cs, err := format.ReadSegment(blob, res.Offset)
		if err != nil {
			t.Fatal(err)
		}
		if cs.ID != sets[i].ID || !bytes.Equal(cs.Changes[0].Data, sets[i].Changes[0].Data) {
			t.Errorf("segment %d holds %s", i, cs.ID)
		}
	}
	if !strings.HasPrefix(string(handle), DefaultPrefix) {
		t.Errorf("handle %q lacks prefix %q", handle, DefaultPrefix)
	}
	if store.Puts() != 1 {
		t.Errorf("Puts = %d, want 1", store.Puts())
	}
}

func TestPutFailure(t *testing.T) {
	store := storagetest.Memory()
	store.FailPuts(errors.Str("bucket unavailable"))
	reg := registry.New(store, mailbox.Direct, nil)
	u := New(store, reg, Options{})
	for _, f := range uploadAll(u, changeSet("a", 0, "x"), changeSet("b", 1, "y")) {
		if _, err := result(t, f); !errors.Is(errors.IO, err) {
			t.Errorf("got %v, want IO error", err)
		}
	}
	if reg.Handles() != 0 {
		t.Errorf("failed upload registered %d handles", reg.Handles())
	}
}

func TestBadSetFailsAlone(t *testing.T) {
	store := storagetest.Memory()
	u := New(store, registry.NoOp, Options{})
	bad := changeSet("bad", 0, "x")
	bad.To = 9
	futures := uploadAll(u, changeSet("a", 0, "x"), bad, changeSet("c", 1, "z"))
	if _, err := result(t, futures[1]); !errors.Is(errors.Invalid, err) {
		t.Errorf("bad set: got %v, want Invalid", err)
	}
	for _, i := range []int{0, 2} {
		if _, err := result(t, futures[i]); err != nil {
			t.Errorf("set %d: %v", i, err)
		}
	}
}

func TestMaxBlobSize(t *testing.T) {
	store := storagetest.Memory()
	u := New(store, registry.NoOp, Options{MaxBlobSize: 64})
	big := strings.Repeat("x", 100)
	futures := uploadAll(u,
		changeSet("a", 0, strings.Repeat("a", 30)),
		changeSet("b", 1, strings.Repeat("b", 30)),
		changeSet("huge", 2, big),
		changeSet("c", 3, "c"),
	)
	var handles []dstl.Handle
	for i, f := range futures {
		res, err := result(t, f)
		if i == 2 {
			if !errors.Is(errors.Invalid, err) {
				t.Errorf("oversized set: got %v, want Invalid", err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
		handles = append(handles, res.Handle)
	}
	if handles[0] == handles[1] {
		t.Error("sets exceeding the blob size share a blob")
	}
	if handles[1] != handles[2] {
		t.Error("small set after an oversized one did not share the open blob")
	}
	if store.Puts() != 2 {
		t.Errorf("Puts = %d, want 2", store.Puts())
	}
}

func TestSplitSetReadable(t *testing.T) {
	store := storagetest.Memory()
	u := New(store, registry.NoOp, Options{MaxBlobSize: 64})
	sets := []*dstl.ChangeSet{
		changeSet("a", 0, strings.Repeat("a", 30)),
		changeSet("b", 1, strings.Repeat("b", 30)),
	}
	var first dstl.UploadResult
	for i, f := range uploadAll(u, sets...) {
		res, err := result(t, f)
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = res
		} else if res.Handle == first.Handle || res.Offset != first.Offset {
			// Each set is the first segment of its own blob.
			t.Errorf("set %d at %s+%d, first at %s+%d", i, res.Handle, res.Offset, first.Handle, first.Offset)
		}
		blob, err := store.Download(string(res.Handle))
		if err != nil {
			t.Fatal(err)
		}
		cs, err := format.ReadSegment(blob, res.Offset)
		if err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
		if cs.ID != sets[i].ID {
			t.Errorf("set %d: segment holds %s", i, cs.ID)
		}
	}
}

func TestCanceled(t *testing.T) {
	u := New(storagetest.Memory(), registry.NoOp, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task, f := dstl.NewUploadTask(changeSet("a", 0, "x"))
	u.Upload(ctx, []*dstl.UploadTask{task})
	if _, err := result(t, f); !errors.Is(errors.IO, err) {
		t.Errorf("got %v, want IO", err)
	}
}
