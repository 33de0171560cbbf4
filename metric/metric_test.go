// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"dstl.io/errors"
)

func TestCollector(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}

	c.Upload(3, 100, time.Millisecond, nil)
	c.Upload(1, 50, time.Millisecond, errors.E(errors.IO))
	c.InFlight(10)
	c.InFlight(-4)
	c.Deletion(nil)
	c.LiveHandles(2)
	c.Persist(nil)
	c.PreUpload()
	c.Append(7)

	if got := testutil.ToFloat64(c.uploadedBytes); got != 100 {
		t.Errorf("uploaded bytes = %g, want 100", got)
	}
	if got := testutil.ToFloat64(c.uploads.WithLabelValues("failure")); got != 1 {
		t.Errorf("failed uploads = %g, want 1", got)
	}
	if got := testutil.ToFloat64(c.inFlightBytes); got != 6 {
		t.Errorf("in flight = %g, want 6", got)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Errorf("GatherAndCount = %d, %v", n, err)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.Upload(1, 1, time.Second, nil)
	c.InFlight(1)
	c.Queued(1)
	c.Deletion(nil)
	c.LiveHandles(1)
	c.Persist(nil)
	c.PreUpload()
	c.Append(1)
}
