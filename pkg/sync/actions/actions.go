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

// Package actions performs user-initiated mutations against the portal and
// applies optimistic updates to the cached snapshot.
package actions

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/clearlake/fleetsync/pkg/cache"
	"github.com/clearlake/fleetsync/pkg/models"
	"github.com/clearlake/fleetsync/pkg/msp"
)

// PortalMutator is the mutation subset of the portal client.
type PortalMutator interface {
	DeleteAlarm(ctx context.Context, alarmID string) error
	SetRuleState(ctx context.Context, ruleID string, active bool) error
	RenameDevice(ctx context.Context, deviceID, name string) error
}

// RefreshFunc triggers an out-of-cycle poll and reconciliation pass.
type RefreshFunc func(ctx context.Context) error

// Dispatcher writes through the portal, then patches the cached snapshot so
// presentation reflects the change before the next poll. Dispatcher errors
// propagate to the caller; they represent explicit user intent and are
// never swallowed.
type Dispatcher struct {
	portal  PortalMutator
	cache   *cache.SnapshotCache
	refresh RefreshFunc
	logger  zerolog.Logger
}

func NewDispatcher(portal PortalMutator, c *cache.SnapshotCache, refresh RefreshFunc, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		portal:  portal,
		cache:   c,
		refresh: refresh,
		logger:  log,
	}
}

// DeleteAlarm deletes the alarm on the portal and drops it from the cache.
// A portal 404 means the alarm is already gone, which is success from the
// caller's perspective.
func (d *Dispatcher) DeleteAlarm(ctx context.Context, alarmID string) error {
	err := d.portal.DeleteAlarm(ctx, alarmID)
	if err != nil && !errors.Is(err, msp.ErrNotFound) {
		return err
	}

	d.cache.Patch(func(s *models.Snapshot) {
		kept := s.Alarms[:0]

		for _, alarm := range s.Alarms {
			if alarm.ID != alarmID {
				kept = append(kept, alarm)
			}
		}

		s.Alarms = kept
	})

	d.triggerRefresh(ctx)

	return nil
}

// RenameDevice renames the device on the portal, then updates the cached
// display name. A failed remote call leaves the cache untouched; no partial
// rename is ever cached.
func (d *Dispatcher) RenameDevice(ctx context.Context, deviceID, name string) error {
	if err := d.portal.RenameDevice(ctx, deviceID, name); err != nil {
		return err
	}

	d.cache.Patch(func(s *models.Snapshot) {
		for i := range s.Devices {
			if s.Devices[i].ID == deviceID {
				s.Devices[i].Name = name
				return
			}
		}
	})

	d.triggerRefresh(ctx)

	return nil
}

// SetRuleState pauses or resumes the rule on the portal and optimistically
// flips the cached flag. The next poll is the source of truth and
// overwrites the optimistic value.
func (d *Dispatcher) SetRuleState(ctx context.Context, ruleID string, active bool) error {
	if err := d.portal.SetRuleState(ctx, ruleID, active); err != nil {
		return err
	}

	d.cache.Patch(func(s *models.Snapshot) {
		for i := range s.Rules {
			if s.Rules[i].ID == ruleID {
				s.Rules[i].Active = active
				return
			}
		}
	})

	d.triggerRefresh(ctx)

	return nil
}

// triggerRefresh kicks an out-of-cycle poll without blocking the caller.
// The refresh outlives the caller's context; failures surface on the
// runner's own health, not here.
func (d *Dispatcher) triggerRefresh(ctx context.Context) {
	go func() {
		if err := d.refresh(context.WithoutCancel(ctx)); err != nil {
			d.logger.Debug().Err(err).Msg("Post-action refresh failed")
		}
	}()
}
