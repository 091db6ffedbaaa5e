// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package statistics aggregates migration session durations per namespace,
// feeding the periodic ticker line and the HTTP status surface.
package statistics

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// windowSize bounds the per-namespace sample set. Old samples are
// overwritten ring-buffer style once the window is full.
const windowSize = 256

// MigrationStats collects completed session durations.
type MigrationStats struct {
	mu         sync.RWMutex
	namespaces map[string]*window
}

type window struct {
	samples []float64
	count   uint64
}

// NewMigrationStats creates an empty collector.
func NewMigrationStats() *MigrationStats {
	return &MigrationStats{namespaces: make(map[string]*window)}
}

// SessionDone records one completed migration session. It satisfies the
// migration engine's observer contract.
func (m *MigrationStats) SessionDone(namespace string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.namespaces[namespace]
	if w == nil {
		w = &window{samples: make([]float64, windowSize)}
		m.namespaces[namespace] = w
	}
	w.samples[w.count%windowSize] = elapsed.Seconds()
	w.count++
}

// Summary holds the aggregate view of one namespace's recent sessions.
type Summary struct {
	Count  uint64
	Mean   time.Duration
	Median time.Duration
	P99    time.Duration
}

// Summarize returns the aggregates for one namespace. Zero summary when
// nothing has completed yet.
func (m *MigrationStats) Summarize(namespace string) Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w := m.namespaces[namespace]
	if w == nil || w.count == 0 {
		return Summary{}
	}
	samples := w.samples
	if w.count < windowSize {
		samples = w.samples[:w.count]
	}
	mean, _ := stats.Mean(samples)
	median, _ := stats.Median(samples)
	p99, _ := stats.Percentile(samples, 99)
	return Summary{
		Count:  w.count,
		Mean:   secondsToDuration(mean),
		Median: secondsToDuration(median),
		P99:    secondsToDuration(p99),
	}
}

// Reset drops the samples of one namespace, typically on recluster.
func (m *MigrationStats) Reset(namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, namespace)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
