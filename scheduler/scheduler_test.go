// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"

	"dstl.io/dstl"
	"dstl.io/errors"
	"dstl.io/metric"
	"dstl.io/scheduler/schedulertest"
	"dstl.io/upload/uploadtest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const delay = 10 * time.Millisecond

func changeSet(id string, size int) *dstl.ChangeSet {
	return &dstl.ChangeSet{
		ID:      id,
		Writer:  "w",
		From:    0,
		To:      1,
		Changes: []dstl.Change{{Data: []byte(strings.Repeat("x", size))}},
	}
}

func wait(t *testing.T, f *dstl.Future[dstl.UploadResult]) (dstl.UploadResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := f.Get(ctx)
	if err == context.DeadlineExceeded {
		t.Fatal("timed out waiting for upload")
	}
	return r, err
}

func resolved(f *dstl.Future[dstl.UploadResult]) bool {
	select {
	case <-f.Done():
		return true
	default:
		return false
	}
}

func TestDirect(t *testing.T) {
	u := uploadtest.New(nil)
	u.SetMode(uploadtest.Complete, nil)
	s := Direct(u)
	f := s.Submit(changeSet("a", 3))
	if !resolved(f) {
		t.Fatal("Direct did not upload during Submit")
	}
	if r, err := f.Result(); err != nil || r.Handle != uploadtest.Handle(0) {
		t.Errorf("got %v, %v; want %v", r.Handle, err, uploadtest.Handle(0))
	}
	s.Close()
	if _, err := s.Submit(changeSet("b", 3)).Result(); !errors.Is(errors.Closed, err) {
		t.Errorf("Submit after Close: got %v, want Closed", err)
	}
	if u.Calls() != 1 {
		t.Errorf("Calls = %d, want 1", u.Calls())
	}
}

func TestBatchByDelay(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	u := uploadtest.New(nil)
	u.SetMode(uploadtest.Complete, nil)
	s := NewBatching(u, Options{Delay: delay, Clock: clk})
	defer s.Close()

	var futures []*dstl.Future[dstl.UploadResult]
	for _, id := range []string{"a", "b", "c"} {
		futures = append(futures, s.Submit(changeSet(id, 4)))
	}
	// The scheduler starts one timer for the batch.
	if err := clk.WaitAdvance(delay, 5*time.Second, 1); err != nil {
		t.Fatal(err)
	}
	for _, f := range futures {
		r, err := wait(t, f)
		if err != nil {
			t.Fatal(err)
		}
		if r.Handle != uploadtest.Handle(0) {
			t.Errorf("handle = %q, want %q", r.Handle, uploadtest.Handle(0))
		}
	}
	if u.Calls() != 1 {
		t.Errorf("Calls = %d, want 1", u.Calls())
	}
}

func TestSizeThreshold(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	u := uploadtest.New(nil)
	u.SetMode(uploadtest.Complete, nil)
	s := NewBatching(u, Options{Delay: time.Hour, SizeThreshold: 10, Clock: clk})

	a := s.Submit(changeSet("a", 6))
	b := s.Submit(changeSet("b", 6)) // 12 bytes: the batch is cut.
	for _, f := range []*dstl.Future[dstl.UploadResult]{a, b} {
		if _, err := wait(t, f); err != nil {
			t.Fatal(err)
		}
	}
	c := s.Submit(changeSet("c", 6))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, c); !errors.Is(errors.Closed, err) {
		t.Errorf("queued set after Close: got %v, want Closed", err)
	}
	if u.Calls() != 1 {
		t.Errorf("Calls = %d, want 1", u.Calls())
	}
}

func TestZeroDelay(t *testing.T) {
	u := uploadtest.New(nil)
	u.SetMode(uploadtest.Complete, nil)
	metrics := metric.NewCollector()
	s := NewBatching(u, Options{Workers: 2, Metrics: metrics})
	defer s.Close()

	var futures []*dstl.Future[dstl.UploadResult]
	for i := 0; i < 20; i++ {
		futures = append(futures, s.Submit(changeSet(string(rune('a'+i)), 1)))
	}
	for _, f := range futures {
		if _, err := wait(t, f); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFlush(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	u := uploadtest.New(nil)
	u.SetMode(uploadtest.Complete, nil)
	s := NewBatching(u, Options{Delay: time.Hour, Clock: clk})
	defer s.Close()

	a := s.Submit(changeSet("a", 1))
	b := s.Submit(changeSet("b", 1))
	s.Flush()
	for _, f := range []*dstl.Future[dstl.UploadResult]{a, b} {
		if _, err := wait(t, f); err != nil {
			t.Fatal(err)
		}
	}
	if u.Calls() != 1 {
		t.Errorf("Calls = %d, want 1", u.Calls())
	}
	// Flushing an empty queue returns at once.
	s.Flush()
}

func TestUploadFailure(t *testing.T) {
	u := uploadtest.New(nil)
	boom := errors.E(errors.Op("put"), errors.IO, errors.Str("boom"))
	u.SetMode(uploadtest.Fail, boom)
	s := NewBatching(u, Options{})
	defer s.Close()

	if _, err := wait(t, s.Submit(changeSet("a", 1))); err != boom {
		t.Errorf("got %v, want %v", err, boom)
	}
}

func TestCloseLeavesInFlight(t *testing.T) {
	u := uploadtest.New(nil) // Manual: uploads stay unresolved.
	s := NewBatching(u, Options{})
	f := s.Submit(changeSet("a", 1))
	for deadline := time.Now().Add(5 * time.Second); u.Calls() == 0; {
		if time.Now().After(deadline) {
			t.Fatal("upload never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(changeSet("b", 1)).Result(); !errors.Is(errors.Closed, err) {
		t.Errorf("Submit after Close: got %v, want Closed", err)
	}
	if resolved(f) {
		t.Fatal("in-flight upload resolved by Close")
	}
	u.CompleteAll()
	if _, err := wait(t, f); err != nil {
		t.Fatal(err)
	}
	// Closing twice is harmless.
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

// gate is an uploader whose uploads block until released.
type gate struct {
	started chan *dstl.ChangeSet
	release chan struct{}
}

func (g *gate) Upload(ctx context.Context, tasks []*dstl.UploadTask) {
	for _, t := range tasks {
		g.started <- t.Set
	}
	<-g.release
	for _, t := range tasks {
		t.Complete(dstl.UploadResult{Handle: dstl.Handle(t.Set.ID)})
	}
}

func TestMaxInFlight(t *testing.T) {
	g := &gate{
		started: make(chan *dstl.ChangeSet, 10),
		release: make(chan struct{}),
	}
	s := NewBatching(g, Options{Workers: 2, MaxInFlightBytes: 10})
	defer s.Close()

	a := s.Submit(changeSet("a", 10))
	b := s.Submit(changeSet("b", 25)) // Larger than the limit; uploads alone.

	<-g.started
	select {
	case cs := <-g.started:
		t.Fatalf("%s started while another upload held all capacity", cs.ID)
	case <-time.After(50 * time.Millisecond):
	}
	g.release <- struct{}{}
	<-g.started
	g.release <- struct{}{}
	for _, f := range []*dstl.Future[dstl.UploadResult]{a, b} {
		if _, err := wait(t, f); err != nil {
			t.Fatal(err)
		}
	}
}

func TestConcurrentSubmit(t *testing.T) {
	u := uploadtest.New(nil)
	u.SetMode(uploadtest.Complete, nil)
	s := NewBatching(u, Options{Delay: time.Millisecond, SizeThreshold: 50})
	defer s.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				f := s.Submit(changeSet(string(rune('a'+w))+string(rune('a'+i)), 3))
				if _, err := wait(t, f); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	if got := len(u.Sets()); got != 200 {
		t.Errorf("uploaded %d sets, want 200", got)
	}
}

func TestManualBatching(t *testing.T) {
	u := uploadtest.New(nil)
	u.SetMode(uploadtest.Complete, nil)
	s := schedulertest.New(u)
	a := s.Submit(changeSet("a", 1))
	b := s.Submit(changeSet("b", 1))
	if resolved(a) || s.Len() != 2 {
		t.Fatal("sets uploaded before ScheduleAll")
	}
	s.ScheduleAll()
	if !resolved(a) || !resolved(b) || u.Calls() != 1 {
		t.Fatalf("ScheduleAll made %d calls", u.Calls())
	}
	c := s.Submit(changeSet("c", 1))
	s.Close()
	if _, err := c.Result(); !errors.Is(errors.Closed, err) {
		t.Errorf("got %v, want Closed", err)
	}
}
