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

package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/clearlake/fleetsync/pkg/models"
	"github.com/clearlake/fleetsync/pkg/sync/reconcile"
)

// fakePortal is a scriptable PortalClient. Per-kind errors apply to every
// box; results are keyed by box id.
type fakePortal struct {
	mu gosync.Mutex

	boxes    []models.Box
	boxesErr error

	devices    map[string][]models.NetworkDevice
	devicesErr error

	alarms    map[string][]models.Alarm
	alarmsErr error

	rules    map[string][]models.Rule
	rulesErr error

	flows    map[string][]models.Flow
	flowsErr error

	boxesCalls   int
	devicesCalls int
	deviceBoxes  []string

	// boxesGate, when non-nil, blocks GetBoxes until closed.
	boxesGate chan struct{}
}

func newFakePortal(boxes ...models.Box) *fakePortal {
	return &fakePortal{
		boxes:   boxes,
		devices: make(map[string][]models.NetworkDevice),
		alarms:  make(map[string][]models.Alarm),
		rules:   make(map[string][]models.Rule),
		flows:   make(map[string][]models.Flow),
	}
}

func (f *fakePortal) CheckCredentials(context.Context) error { return nil }

func (f *fakePortal) GetBoxes(context.Context) ([]models.Box, error) {
	f.mu.Lock()
	f.boxesCalls++
	gate := f.boxesGate
	boxes := append([]models.Box(nil), f.boxes...)
	err := f.boxesErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	if err != nil {
		return nil, err
	}

	return boxes, nil
}

func (f *fakePortal) GetDevices(_ context.Context, boxID string) ([]models.NetworkDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.devicesCalls++
	f.deviceBoxes = append(f.deviceBoxes, boxID)

	if f.devicesErr != nil {
		return nil, f.devicesErr
	}

	return append([]models.NetworkDevice(nil), f.devices[boxID]...), nil
}

func (f *fakePortal) GetAlarms(_ context.Context, boxID string) ([]models.Alarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.alarmsErr != nil {
		return nil, f.alarmsErr
	}

	return append([]models.Alarm(nil), f.alarms[boxID]...), nil
}

func (f *fakePortal) GetRules(_ context.Context, boxID string) ([]models.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.rulesErr != nil {
		return nil, f.rulesErr
	}

	return append([]models.Rule(nil), f.rules[boxID]...), nil
}

func (f *fakePortal) GetFlows(_ context.Context, boxID string, _ int) ([]models.Flow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.flowsErr != nil {
		return nil, f.flowsErr
	}

	return append([]models.Flow(nil), f.flows[boxID]...), nil
}

func (f *fakePortal) DeleteAlarm(context.Context, string) error        { return nil }
func (f *fakePortal) SetRuleState(context.Context, string, bool) error { return nil }

func (f *fakePortal) RenameDevice(_ context.Context, deviceID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for boxID := range f.devices {
		for i := range f.devices[boxID] {
			if f.devices[boxID][i].ID == deviceID {
				f.devices[boxID][i].Name = name
			}
		}
	}

	return nil
}

func (f *fakePortal) boxesCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.boxesCalls
}

// fakeClock is a settable clock with a hand-driven ticker.
type fakeClock struct {
	mu   gosync.Mutex
	now  time.Time
	tick chan time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now, tick: make(chan time.Time, 1)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func (c *fakeClock) Ticker(time.Duration) Ticker { return &fakeTicker{ch: c.tick} }

type fakeTicker struct {
	ch chan time.Time
}

func (t *fakeTicker) Chan() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()                  {}

// fakeSeenStore records persistence calls in memory.
type fakeSeenStore struct {
	mu gosync.Mutex

	loaded      map[string]time.Time
	recorded    []map[string]time.Time
	forgotten   []string
	recordCalls int
}

func newFakeSeenStore() *fakeSeenStore {
	return &fakeSeenStore{loaded: make(map[string]time.Time)}
}

func (f *fakeSeenStore) Load(_ context.Context, _ string, _ time.Duration) (map[string]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]time.Time, len(f.loaded))
	for id, ts := range f.loaded {
		out[id] = ts
	}

	return out, nil
}

func (f *fakeSeenStore) Record(_ context.Context, _ string, seen map[string]time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	copied := make(map[string]time.Time, len(seen))
	for id, ts := range seen {
		copied[id] = ts
	}

	f.recorded = append(f.recorded, copied)
	f.recordCalls++

	return nil
}

func (f *fakeSeenStore) Forget(_ context.Context, _, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.forgotten = append(f.forgotten, deviceID)

	return nil
}

func (f *fakeSeenStore) recordCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.recordCalls
}

// fakeSink captures published deltas.
type fakeSink struct {
	mu     gosync.Mutex
	deltas []*reconcile.Delta
}

func (f *fakeSink) PublishDelta(_ context.Context, _ string, delta *reconcile.Delta) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deltas = append(f.deltas, delta)

	return nil
}
