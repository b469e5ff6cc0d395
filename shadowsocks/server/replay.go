/*
 * Copyright (c) 2024, aioshadowsocks Authors.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const REPLAY_HISTORY_SIZE = 1000000

// ReplayHistory provides a lookup for recently observed AEAD salts.
// Each inbound TCP connection and UDP packet begins with a random
// salt; a salt seen twice within the history period indicates a
// replayed recording of previous traffic, which is dropped before any
// data is relayed.
//
// History is maintained for twice the configured TTL using two
// rotating bloom filters. Bloom filters use fixed space overhead, and
// less space overhead than storing salts explicitly under anticipated
// loads. False positive lookups are possible, but false negative
// lookups are not, so a replayed salt never passes as unseen.
type ReplayHistory struct {
	checkedCount  int64
	detectedCount int64

	mutex         sync.Mutex
	filters       [2]*bloom.BloomFilter
	currentFilter int
	switchPeriod  time.Duration
	switchTime    time.Time
}

// NewReplayHistory creates a ReplayHistory retaining salts for at
// least the specified TTL. Returns nil when replay detection is
// disabled, and a nil *ReplayHistory is safe to use.
func NewReplayHistory(config *Config) *ReplayHistory {

	if config.DisableReplayDetection {
		return nil
	}

	return &ReplayHistory{
		filters: [2]*bloom.BloomFilter{
			bloom.NewWithEstimates(REPLAY_HISTORY_SIZE, 0.001),
			bloom.NewWithEstimates(REPLAY_HISTORY_SIZE, 0.001),
		},
		currentFilter: 0,
		switchPeriod:  config.replayHistoryTTL,
		switchTime:    time.Now(),
	}
}

// CheckSalt tests whether the salt has been observed within the
// history period and records it. Returns false when the salt is a
// replay.
func (h *ReplayHistory) CheckSalt(salt []byte) bool {

	if h == nil {
		return true
	}

	atomic.AddInt64(&h.checkedCount, 1)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.switchFilters()

	if h.filters[0].Test(salt) || h.filters[1].Test(salt) {
		atomic.AddInt64(&h.detectedCount, 1)
		return false
	}

	h.filters[h.currentFilter].Add(salt)
	return true
}

func (h *ReplayHistory) switchFilters() {

	// Assumes caller holds h.mutex lock.

	now := time.Now()
	if h.switchTime.Before(now.Add(-h.switchPeriod)) {
		h.currentFilter = (h.currentFilter + 1) % 2
		h.filters[h.currentFilter].ClearAll()
		h.switchTime = now
	}
}

// GetMetrics returns a snapshot of replay detection counters and
// resets them to zero.
func (h *ReplayHistory) GetMetrics() LogFields {
	if h == nil {
		return LogFields{}
	}
	return LogFields{
		"replay_checked_count":  atomic.SwapInt64(&h.checkedCount, 0),
		"replay_detected_count": atomic.SwapInt64(&h.detectedCount, 0),
	}
}
