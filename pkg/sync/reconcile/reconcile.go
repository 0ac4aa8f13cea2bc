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

// Package reconcile diffs portal snapshots against the host platform's
// device registry.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/clearlake/fleetsync/pkg/logger"
	"github.com/clearlake/fleetsync/pkg/models"
)

// Registry is the host platform's device registry boundary. Implementations
// own true entity lifecycle; fleetsync only requests changes.
type Registry interface {
	// Upsert creates or updates a device entry, parented under its box.
	Upsert(ctx context.Context, device *models.NetworkDevice) error

	// Remove deletes a device entry. Returns false when the entry is
	// protected (still referenced by automations, scenes or scripts) and
	// was therefore kept.
	Remove(ctx context.Context, deviceID string) (bool, error)

	// IsProtected reports whether the entry is referenced elsewhere.
	IsProtected(ctx context.Context, deviceID string) (bool, error)
}

// AlarmRegistry is implemented by registries that also mirror alarms as
// entities. Optional; detected by type assertion.
type AlarmRegistry interface {
	RemoveAlarm(ctx context.Context, alarmID string) error
}

// Delta is the outcome of one reconciliation pass.
type Delta struct {
	CreatedDevices []string `json:"created_devices,omitempty"`
	UpdatedDevices []string `json:"updated_devices,omitempty"`
	RemovedDevices []string `json:"removed_devices,omitempty"`

	// StaleProtected lists devices past the stale threshold whose removal
	// was skipped because the registry reports them protected. They are
	// re-evaluated every cycle.
	StaleProtected []string `json:"stale_protected,omitempty"`

	RemovedAlarms []string `json:"removed_alarms,omitempty"`
}

// Empty reports whether the pass changed nothing and flagged nothing.
func (d *Delta) Empty() bool {
	return len(d.CreatedDevices) == 0 &&
		len(d.UpdatedDevices) == 0 &&
		len(d.RemovedDevices) == 0 &&
		len(d.StaleProtected) == 0 &&
		len(d.RemovedAlarms) == 0
}

// Input is one reconciliation request.
type Input struct {
	// Previous is the snapshot the last pass ran against; nil on the first
	// pass after startup.
	Previous *models.Snapshot

	// Current is the snapshot just committed.
	Current *models.Snapshot

	// LastSeen maps every known device id (including ones loaded from the
	// persistent store) to the last time a poll listed it.
	LastSeen map[string]time.Time

	// StaleThreshold is how long a device may stay absent before removal.
	StaleThreshold time.Duration

	Now time.Time
}

// Reconciler applies snapshot diffs to a registry.
type Reconciler struct {
	registry Registry
	logger   logger.Logger
}

func New(registry Registry, log logger.Logger) *Reconciler {
	return &Reconciler{registry: registry, logger: log}
}

// Reconcile pushes the current snapshot into the registry and removes
// entries that have gone stale. Idempotent: a second pass over the same
// input produces no further registry changes. A failure on one entry never
// aborts processing of the others; errors are joined and returned after the
// full pass.
func (r *Reconciler) Reconcile(ctx context.Context, in Input) (*Delta, error) {
	delta := &Delta{}

	var errs []error

	previousIDs := make(map[string]bool)

	if in.Previous != nil {
		for i := range in.Previous.Devices {
			previousIDs[in.Previous.Devices[i].ID] = true
		}
	}

	currentIDs := make(map[string]bool, len(in.Current.Devices))

	for i := range in.Current.Devices {
		device := &in.Current.Devices[i]
		currentIDs[device.ID] = true

		if err := r.registry.Upsert(ctx, device); err != nil {
			errs = append(errs, fmt.Errorf("upsert %s: %w", device.ID, err))
			continue
		}

		if previousIDs[device.ID] {
			delta.UpdatedDevices = append(delta.UpdatedDevices, device.ID)
		} else {
			delta.CreatedDevices = append(delta.CreatedDevices, device.ID)
		}
	}

	r.removeStaleDevices(ctx, in, currentIDs, delta, &errs)
	r.removeResolvedAlarms(ctx, in, delta, &errs)

	sort.Strings(delta.CreatedDevices)
	sort.Strings(delta.UpdatedDevices)
	sort.Strings(delta.RemovedDevices)
	sort.Strings(delta.StaleProtected)
	sort.Strings(delta.RemovedAlarms)

	return delta, errors.Join(errs...)
}

// removeStaleDevices requests removal for devices absent longer than the
// threshold, measured from last-seen. Protected devices are skipped and
// flagged; boxes are never touched by this logic.
func (r *Reconciler) removeStaleDevices(
	ctx context.Context,
	in Input,
	currentIDs map[string]bool,
	delta *Delta,
	errs *[]error,
) {
	for deviceID, lastSeen := range in.LastSeen {
		if currentIDs[deviceID] {
			continue
		}

		if in.Now.Sub(lastSeen) < in.StaleThreshold {
			continue
		}

		protected, err := r.registry.IsProtected(ctx, deviceID)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("protection check %s: %w", deviceID, err))
			continue
		}

		if protected {
			delta.StaleProtected = append(delta.StaleProtected, deviceID)

			r.logger.Debug().
				Str("device_id", deviceID).
				Time("last_seen", lastSeen).
				Msg("Stale device is protected, skipping removal")

			continue
		}

		removed, err := r.registry.Remove(ctx, deviceID)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("remove %s: %w", deviceID, err))
			continue
		}

		if !removed {
			// Protection raced in between the check and the removal.
			delta.StaleProtected = append(delta.StaleProtected, deviceID)
			continue
		}

		delta.RemovedDevices = append(delta.RemovedDevices, deviceID)

		r.logger.Info().
			Str("device_id", deviceID).
			Time("last_seen", lastSeen).
			Dur("threshold", in.StaleThreshold).
			Msg("Removed stale device")
	}
}

// removeResolvedAlarms drops alarms absent from the current snapshot right
// away: a disappeared alert was resolved or dismissed portal-side, so the
// stale grace period does not apply.
func (r *Reconciler) removeResolvedAlarms(ctx context.Context, in Input, delta *Delta, errs *[]error) {
	if in.Previous == nil {
		return
	}

	alarmSink, ok := r.registry.(AlarmRegistry)

	currentAlarms := make(map[string]bool, len(in.Current.Alarms))
	for i := range in.Current.Alarms {
		currentAlarms[in.Current.Alarms[i].ID] = true
	}

	for i := range in.Previous.Alarms {
		alarmID := in.Previous.Alarms[i].ID
		if currentAlarms[alarmID] {
			continue
		}

		if ok {
			if err := alarmSink.RemoveAlarm(ctx, alarmID); err != nil {
				*errs = append(*errs, fmt.Errorf("remove alarm %s: %w", alarmID, err))
				continue
			}
		}

		delta.RemovedAlarms = append(delta.RemovedAlarms, alarmID)
	}
}
