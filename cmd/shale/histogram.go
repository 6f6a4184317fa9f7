// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/olekukonko/tablewriter"
)

const (
	minLatency = 10 * time.Microsecond
	maxLatency = 10 * time.Second
)

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)
}

type namedHistogram struct {
	name string
	mu   struct {
		sync.Mutex
		hist *hdrhistogram.Histogram
	}
}

// Record clamps the latency to the histogram's range; the histogram rejects
// out-of-range values with an error, and a clamped tail sample is better
// than a failed record.
func (w *namedHistogram) Record(elapsed time.Duration) {
	if elapsed < minLatency {
		elapsed = minLatency
	} else if elapsed > maxLatency {
		elapsed = maxLatency
	}
	w.mu.Lock()
	err := w.mu.hist.RecordValue(elapsed.Nanoseconds())
	w.mu.Unlock()
	if err != nil {
		panic(fmt.Sprintf("%s: recording value: %s", w.name, err))
	}
}

type histogramRegistry struct {
	mu struct {
		sync.Mutex
		registered []*namedHistogram
	}
}

func newHistogramRegistry() *histogramRegistry {
	return &histogramRegistry{}
}

func (r *histogramRegistry) Register(name string) *namedHistogram {
	w := &namedHistogram{name: name}
	w.mu.hist = newHistogram()

	r.mu.Lock()
	r.mu.registered = append(r.mu.registered, w)
	r.mu.Unlock()
	return w
}

// Report renders one row per histogram: throughput over the elapsed wall
// time and the latency quantiles.
func (r *histogramRegistry) Report(w io.Writer, elapsed time.Duration) {
	r.mu.Lock()
	registered := append([]*namedHistogram(nil), r.mu.registered...)
	r.mu.Unlock()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"op", "count", "ops/sec", "p50(ms)", "p95(ms)", "p99(ms)", "max(ms)"})
	for _, nh := range registered {
		nh.mu.Lock()
		h := nh.mu.hist
		count := h.TotalCount()
		row := []string{
			nh.name,
			fmt.Sprintf("%d", count),
			fmt.Sprintf("%.1f", float64(count)/elapsed.Seconds()),
			fmt.Sprintf("%.2f", float64(h.ValueAtQuantile(50))/1e6),
			fmt.Sprintf("%.2f", float64(h.ValueAtQuantile(95))/1e6),
			fmt.Sprintf("%.2f", float64(h.ValueAtQuantile(99))/1e6),
			fmt.Sprintf("%.2f", float64(h.Max())/1e6),
		}
		nh.mu.Unlock()
		table.Append(row)
	}
	table.Render()
}
