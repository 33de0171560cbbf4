// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache_test

import (
	"testing"

	"dstl.io/cache"
)

func TestLRU(t *testing.T) {
	c := cache.NewLRU[string, string](2)

	expectMiss := func(k string) {
		t.Helper()
		if v, ok := c.Get(k); ok {
			t.Fatalf("expected cache miss on key %q but hit value %v", k, v)
		}
	}
	expectHit := func(k, ev string) {
		t.Helper()
		v, ok := c.Get(k)
		if !ok {
			t.Fatalf("expected cache(%q)=%v; but missed", k, ev)
		}
		if v != ev {
			t.Fatalf("expected cache(%q)=%v; but got %v", k, ev, v)
		}
	}

	expectMiss("1")
	c.Add("1", "one")
	expectHit("1", "one")

	c.Add("2", "two")
	expectHit("1", "one")
	expectHit("2", "two")

	c.Add("3", "three")
	expectHit("3", "three")
	expectHit("2", "two")
	expectMiss("1")
}

func TestPeek(t *testing.T) {
	c := cache.NewLRU[string, int](2)

	if _, _, ok := c.PeekOldest(); ok {
		t.Error("PeekOldest on empty cache reported an entry")
	}

	c.Add("k1", 1)
	c.Add("k2", 2)
	if k, v, _ := c.PeekOldest(); k != "k1" || v != 1 {
		t.Errorf("LRU = %q, %d; want k1, 1", k, v)
	}
	if k, v, _ := c.PeekNewest(); k != "k2" || v != 2 {
		t.Errorf("MRU = %q, %d; want k2, 2", k, v)
	}

	c.Get("k1")
	if k, _, _ := c.PeekOldest(); k != "k2" {
		t.Errorf("LRU = %q; want k2", k)
	}

	c.Add("k3", 3)
	if k, _, _ := c.PeekOldest(); k != "k1" {
		t.Errorf("LRU = %q; want k1", k)
	}
	if k, _, _ := c.PeekNewest(); k != "k3" {
		t.Errorf("MRU = %q; want k3", k)
	}
}

func TestRemove(t *testing.T) {
	c := cache.NewLRU[string, string](10)
	c.Add("1", "one")
	c.Add("2", "two")
	if v, ok := c.Remove("2"); !ok || v != "two" {
		t.Errorf("Remove(2) = %q, %v; want two, true", v, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
	if _, ok := c.Remove("99"); ok {
		t.Error("Remove of missing key reported success")
	}
	if k, v, ok := c.RemoveOldest(); k != "1" || v != "one" || !ok {
		t.Fatalf("oldest = %q, %q; want 1, one", k, v)
	}
	if _, _, ok := c.RemoveOldest(); ok {
		t.Fatal("RemoveOldest on empty cache reported an entry")
	}
}

func TestEviction(t *testing.T) {
	c := cache.NewLRU[string, int](1)
	var evicted []string
	c.OnEviction(func(k string, _ int) { evicted = append(evicted, k) })

	c.Add("1", 1)
	c.Add("2", 2)
	c.Add("3", 3)
	c.RemoveOldest()
	c.Add("4", 4)
	c.Remove("4")

	if len(evicted) != 2 || evicted[0] != "1" || evicted[1] != "2" {
		t.Errorf("evicted %q, want [1 2]", evicted)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}
