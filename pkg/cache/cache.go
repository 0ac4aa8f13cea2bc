/*
 * Copyright 2025 Clearlake Systems, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package cache holds the last-known-good snapshot for one account and
// serves it to readers regardless of poll state.
package cache

import (
	"sync"
	"time"

	"github.com/clearlake/fleetsync/pkg/models"
)

// Stats describes the freshness of the cached snapshot.
type Stats struct {
	LastSuccess time.Time
	Age         time.Duration
	Failures    int
}

// SnapshotCache stores at most one current snapshot. Readers always see the
// last committed snapshot; a poll in progress never blocks Get.
type SnapshotCache struct {
	mu          sync.RWMutex
	current     *models.Snapshot
	lastSuccess time.Time
	failures    int
}

func New() *SnapshotCache {
	return &SnapshotCache{}
}

// Commit atomically replaces the current snapshot, resets the failure count
// and advances the last-success timestamp. The timestamp never moves
// backwards even if commits race with a clock adjustment.
func (c *SnapshotCache) Commit(s *models.Snapshot, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = s
	c.failures = 0

	if now.After(c.lastSuccess) {
		c.lastSuccess = now
	}
}

// Get returns the current snapshot (possibly stale) and its freshness.
// The snapshot may be nil before the first successful poll.
func (c *SnapshotCache) Get() (*models.Snapshot, Stats) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		LastSuccess: c.lastSuccess,
		Failures:    c.failures,
	}

	if !c.lastSuccess.IsZero() {
		stats.Age = time.Since(c.lastSuccess)
	}

	return c.current, stats
}

// RecordFailure increments the consecutive-failure count without touching
// the snapshot, so consumers keep serving last-known-good data. Returns the
// new count.
func (c *SnapshotCache) RecordFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++

	return c.failures
}

// Patch applies an in-place mutation to a clone of the current snapshot and
// swaps the clone in. Used by the action dispatcher for optimistic updates;
// freshness bookkeeping is untouched. No-op before the first commit.
func (c *SnapshotCache) Patch(fn func(*models.Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return
	}

	clone := c.current.Clone()
	fn(clone)
	c.current = clone
}
