// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package metric

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
)

// RateCounter is a counter that tracks how many values have been added per
// unit of time, averaged over a certain period. RateCounter is an expvar and
// thus can be used to count time-based events such as bytes per second.
type RateCounter struct {
	samples []int64 // running counts; must be used atomically.
	b       int32   // current bucket; must be used atomically.
	clock   clock.Clock
	d       time.Duration
	stop    chan struct{}
	done    chan struct{}
}

// NewRateCounter creates a new counter that reports how many values have been
// added per unit of time, averaged over a rolling window with a given number of
// samples. For example, to measure unit per second averaged over the last sixty
// one-second samples: NewRateCounter(60, time.Second, clock.WallClock).
// The caller must call Stop when done with the counter.
func NewRateCounter(numSamples int, sampleDuration time.Duration, clk clock.Clock) *RateCounter {
	if numSamples <= 0 {
		panic(fmt.Sprintf("numSamples=%d, must be >0", numSamples))
	}
	r := &RateCounter{
		samples: make([]int64, numSamples),
		d:       sampleDuration,
		clock:   clk,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// onReady is called when the rate counter's loop has advanced. Used in testing.
var onReady = func() {}

// Add adds val to the counter.
func (r *RateCounter) Add(val int64) {
	bucket := atomic.LoadInt32(&r.b)
	atomic.AddInt64(&r.samples[bucket%int32(len(r.samples))], val)
}

// Rate returns the rate that values are Added to the counter, per unit of time,
// averaged over the number of buckets.
func (r *RateCounter) Rate() float64 {
	var sum float64
	for i := 0; i < len(r.samples); i++ {
		sum += float64(atomic.LoadInt64(&r.samples[i]))
	}
	return sum / float64(len(r.samples))
}

// String implements expvar.Var.
func (r *RateCounter) String() string {
	return fmt.Sprintf(`"%g/s"`, r.Rate()/r.d.Seconds())
}

// Stop terminates the counter's goroutine.
func (r *RateCounter) Stop() {
	close(r.stop)
	<-r.done
}

func (r *RateCounter) loop() {
	defer close(r.done)
	for {
		// After each tick, move to the next bucket and zero it.
		select {
		case <-r.clock.After(r.d):
		case <-r.stop:
			return
		}
		bucket := atomic.AddInt32(&r.b, 1)
		atomic.StoreInt64(&r.samples[bucket%int32(len(r.samples))], 0)
		onReady()
	}
}
