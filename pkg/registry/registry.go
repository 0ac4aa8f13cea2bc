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

// Package registry provides the built-in device registry used when
// fleetsync runs standalone. Host platforms embedding the sync service
// supply their own reconcile.Registry implementation instead.
package registry

import (
	"context"
	"sync"

	"github.com/clearlake/fleetsync/pkg/logger"
	"github.com/clearlake/fleetsync/pkg/models"
)

// InMemory is a concurrency-safe in-process registry. Protection marks are
// managed by the embedding application (for standalone runs, via Protect).
type InMemory struct {
	mu        sync.RWMutex
	devices   map[string]models.NetworkDevice
	protected map[string]bool
	alarms    map[string]bool
	logger    logger.Logger
}

func NewInMemory(log logger.Logger) *InMemory {
	return &InMemory{
		devices:   make(map[string]models.NetworkDevice),
		protected: make(map[string]bool),
		alarms:    make(map[string]bool),
		logger:    log,
	}
}

// Upsert creates or updates a device entry. Identity never changes across
// updates; only mutable fields are rewritten.
func (r *InMemory) Upsert(_ context.Context, device *models.NetworkDevice) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices[device.ID] = *device

	return nil
}

// Remove deletes a device entry unless it is protected. Removing an absent
// entry succeeds: the end state is the same.
func (r *InMemory) Remove(_ context.Context, deviceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.protected[deviceID] {
		return false, nil
	}

	delete(r.devices, deviceID)

	return true, nil
}

// IsProtected reports whether the entry is referenced elsewhere.
func (r *InMemory) IsProtected(_ context.Context, deviceID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.protected[deviceID], nil
}

// RemoveAlarm drops a mirrored alarm entry, if any.
func (r *InMemory) RemoveAlarm(_ context.Context, alarmID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.alarms, alarmID)

	return nil
}

// TrackAlarm mirrors an alarm entity.
func (r *InMemory) TrackAlarm(alarmID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.alarms[alarmID] = true
}

// Protect marks or clears the referenced-elsewhere flag for a device.
func (r *InMemory) Protect(deviceID string, protected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if protected {
		r.protected[deviceID] = true
	} else {
		delete(r.protected, deviceID)
	}
}

// Device returns the stored entry, if present.
func (r *InMemory) Device(deviceID string) (models.NetworkDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.devices[deviceID]

	return device, ok
}

// Len reports the number of device entries.
func (r *InMemory) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.devices)
}
