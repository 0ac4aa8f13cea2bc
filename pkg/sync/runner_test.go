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
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearlake/fleetsync/pkg/logger"
	"github.com/clearlake/fleetsync/pkg/models"
	"github.com/clearlake/fleetsync/pkg/msp"
	"github.com/clearlake/fleetsync/pkg/registry"
	"github.com/clearlake/fleetsync/pkg/sync/reconcile"
)

func testAccount(features models.FeatureFlags) models.AccountConfig {
	account := models.AccountConfig{
		ID:        "acct-1",
		Subdomain: "acme",
		Token:     "secret",
		Features:  features,
	}
	account.Normalize()

	return account
}

type runnerFixture struct {
	runner   *AccountRunner
	portal   *fakePortal
	clock    *fakeClock
	registry *registry.InMemory
	seen     *fakeSeenStore
	sink     *fakeSink
}

func newRunnerFixture(account models.AccountConfig, portal *fakePortal) *runnerFixture {
	reg := registry.NewInMemory(logger.NewTestLogger())
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	seen := newFakeSeenStore()
	sink := &fakeSink{}

	runner := newAccountRunner(
		account,
		portal,
		reconcile.New(reg, logger.NewTestLogger()),
		seen,
		sink,
		nil,
		clock,
		zerolog.Nop(),
	)

	return &runnerFixture{
		runner:   runner,
		portal:   portal,
		clock:    clock,
		registry: reg,
		seen:     seen,
		sink:     sink,
	}
}

func TestPollCommitsSnapshotAndUpsertsRegistry(t *testing.T) {
	portal := newFakePortal(models.Box{ID: "box-1", Name: "garage"})
	portal.devices["box-1"] = []models.NetworkDevice{
		{ID: "a", Name: "laptop", BoxID: "box-1"},
		{ID: "b", Name: "phone", BoxID: "box-1"},
	}
	portal.alarms["box-1"] = []models.Alarm{{ID: "alarm-1", BoxID: "box-1"}}

	fx := newRunnerFixture(testAccount(models.FeatureFlags{Alarms: true}), portal)

	require.NoError(t, fx.runner.poll(context.Background()))

	snapshot, stats := fx.runner.Snapshot()
	require.NotNil(t, snapshot)
	assert.Len(t, snapshot.Devices, 2)
	assert.Len(t, snapshot.Alarms, 1)
	assert.Empty(t, snapshot.Stale)
	assert.Equal(t, fx.clock.Now(), stats.LastSuccess)
	assert.Zero(t, stats.Failures)

	assert.Equal(t, 2, fx.registry.Len())

	_, ok := fx.registry.Device("a")
	assert.True(t, ok)
}

func TestPollPartialFailureCarriesForwardFailedKind(t *testing.T) {
	portal := newFakePortal(models.Box{ID: "box-1"})
	portal.devices["box-1"] = []models.NetworkDevice{{ID: "a", BoxID: "box-1"}}
	portal.alarms["box-1"] = []models.Alarm{{ID: "alarm-1", BoxID: "box-1"}}

	fx := newRunnerFixture(testAccount(models.FeatureFlags{Alarms: true}), portal)

	require.NoError(t, fx.runner.poll(context.Background()))

	// Second cycle: alarms endpoint down, devices grew.
	portal.mu.Lock()
	portal.alarmsErr = fmt.Errorf("%w: alarms down", msp.ErrNetwork)
	portal.devices["box-1"] = []models.NetworkDevice{
		{ID: "a", BoxID: "box-1"},
		{ID: "b", BoxID: "box-1"},
	}
	portal.mu.Unlock()

	require.NoError(t, fx.runner.poll(context.Background()))

	snapshot, stats := fx.runner.Snapshot()
	require.NotNil(t, snapshot)

	// Fresh devices committed, previous alarms carried, kind flagged stale.
	assert.Len(t, snapshot.Devices, 2)
	require.Len(t, snapshot.Alarms, 1)
	assert.Equal(t, "alarm-1", snapshot.Alarms[0].ID)
	assert.True(t, snapshot.Stale[models.KindAlarms])
	assert.False(t, snapshot.Stale[models.KindDevices])
	assert.Zero(t, stats.Failures)

	health := fx.runner.Health()
	assert.Equal(t, []models.ResourceKind{models.KindAlarms}, health.StaleKinds)
}

func TestPollAllFetchesFailedKeepsPreviousSnapshot(t *testing.T) {
	portal := newFakePortal(models.Box{ID: "box-1"})
	portal.devices["box-1"] = []models.NetworkDevice{{ID: "a", BoxID: "box-1"}}

	fx := newRunnerFixture(testAccount(models.FeatureFlags{}), portal)

	require.NoError(t, fx.runner.poll(context.Background()))

	first, firstStats := fx.runner.Snapshot()
	require.NotNil(t, first)

	portal.mu.Lock()
	portal.devicesErr = fmt.Errorf("%w: unreachable", msp.ErrNetwork)
	portal.mu.Unlock()

	require.Error(t, fx.runner.poll(context.Background()))

	snapshot, stats := fx.runner.Snapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, first.TakenAt, snapshot.TakenAt)
	assert.Equal(t, firstStats.LastSuccess, stats.LastSuccess)
	assert.Equal(t, 1, stats.Failures)
}

func TestPollAuthFailureLatchesUntilReconfigured(t *testing.T) {
	portal := newFakePortal()
	portal.boxesErr = fmt.Errorf("%w: status 401", msp.ErrAuth)

	fx := newRunnerFixture(testAccount(models.FeatureFlags{}), portal)

	require.ErrorIs(t, fx.runner.poll(context.Background()), msp.ErrAuth)
	assert.True(t, fx.runner.NeedsReauth())

	// Latched: the next poll short-circuits without touching the portal.
	err := fx.runner.poll(context.Background())
	require.ErrorIs(t, err, errNeedsReauth)
	assert.Equal(t, 1, portal.boxesCallCount())
}

func TestPollAuthFailureOnSubFetchLatches(t *testing.T) {
	portal := newFakePortal(models.Box{ID: "box-1"})
	portal.devicesErr = fmt.Errorf("%w: token revoked", msp.ErrAuth)

	fx := newRunnerFixture(testAccount(models.FeatureFlags{}), portal)

	require.ErrorIs(t, fx.runner.poll(context.Background()), msp.ErrAuth)
	assert.True(t, fx.runner.NeedsReauth())
}

func TestPollRetriesMalformedFetchBoundedly(t *testing.T) {
	portal := newFakePortal(models.Box{ID: "box-1"})
	portal.devicesErr = fmt.Errorf("%w: HTML response", msp.ErrMalformed)

	fx := newRunnerFixture(testAccount(models.FeatureFlags{}), portal)

	require.Error(t, fx.runner.poll(context.Background()))

	portal.mu.Lock()
	calls := portal.devicesCalls
	portal.mu.Unlock()

	assert.Equal(t, maxMalformedRetries+1, calls)
	assert.False(t, fx.runner.NeedsReauth())
}

func TestPollRespectsBoxFilter(t *testing.T) {
	portal := newFakePortal(models.Box{ID: "box-1"}, models.Box{ID: "box-2"})
	portal.devices["box-1"] = []models.NetworkDevice{{ID: "a", BoxID: "box-1"}}
	portal.devices["box-2"] = []models.NetworkDevice{{ID: "z", BoxID: "box-2"}}

	account := testAccount(models.FeatureFlags{})
	account.Boxes = []string{"box-1"}

	fx := newRunnerFixture(account, portal)

	require.NoError(t, fx.runner.poll(context.Background()))

	portal.mu.Lock()
	queried := append([]string(nil), portal.deviceBoxes...)
	portal.mu.Unlock()

	assert.Equal(t, []string{"box-1"}, queried)

	snapshot, _ := fx.runner.Snapshot()
	require.Len(t, snapshot.Devices, 1)
	assert.Equal(t, "a", snapshot.Devices[0].ID)
	assert.Len(t, snapshot.Boxes, 1)
}

func TestPollSingleFlightAttachesConcurrentCallers(t *testing.T) {
	portal := newFakePortal(models.Box{ID: "box-1"})
	portal.devices["box-1"] = []models.NetworkDevice{{ID: "a", BoxID: "box-1"}}

	gate := make(chan struct{})
	portal.boxesGate = gate

	fx := newRunnerFixture(testAccount(models.FeatureFlags{}), portal)

	errs := make(chan error, 2)

	go func() { errs <- fx.runner.poll(context.Background()) }()

	// Wait until the first poll holds the in-flight slot.
	require.Eventually(t, func() bool {
		return portal.boxesCallCount() == 1
	}, time.Second, 5*time.Millisecond)

	go func() { errs <- fx.runner.poll(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	close(gate)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("poll did not finish")
		}
	}

	assert.Equal(t, 1, portal.boxesCallCount())
}

func TestPollRemovesStaleDeviceAfterThreshold(t *testing.T) {
	portal := newFakePortal(models.Box{ID: "box-1"})
	portal.devices["box-1"] = []models.NetworkDevice{
		{ID: "a", BoxID: "box-1"},
		{ID: "b", BoxID: "box-1"},
	}

	fx := newRunnerFixture(testAccount(models.FeatureFlags{}), portal)

	require.NoError(t, fx.runner.poll(context.Background()))
	assert.Equal(t, 2, fx.registry.Len())

	// Device b disappears and stays gone past the stale threshold.
	portal.mu.Lock()
	portal.devices["box-1"] = []models.NetworkDevice{{ID: "a", BoxID: "box-1"}}
	portal.mu.Unlock()

	fx.clock.Advance(40 * 24 * time.Hour)

	require.NoError(t, fx.runner.poll(context.Background()))

	assert.Equal(t, 1, fx.registry.Len())

	_, ok := fx.registry.Device("b")
	assert.False(t, ok)

	fx.seen.mu.Lock()
	forgotten := append([]string(nil), fx.seen.forgotten...)
	fx.seen.mu.Unlock()

	assert.Contains(t, forgotten, "b")
}

func TestPollProtectedStaleDeviceIsKeptAndReported(t *testing.T) {
	portal := newFakePortal(models.Box{ID: "box-1"})
	portal.devices["box-1"] = []models.NetworkDevice{
		{ID: "a", BoxID: "box-1"},
		{ID: "b", BoxID: "box-1"},
	}

	fx := newRunnerFixture(testAccount(models.FeatureFlags{}), portal)

	require.NoError(t, fx.runner.poll(context.Background()))

	fx.registry.Protect("b", true)

	portal.mu.Lock()
	portal.devices["box-1"] = []models.NetworkDevice{{ID: "a", BoxID: "box-1"}}
	portal.mu.Unlock()

	fx.clock.Advance(40 * 24 * time.Hour)

	require.NoError(t, fx.runner.poll(context.Background()))

	_, ok := fx.registry.Device("b")
	assert.True(t, ok)

	health := fx.runner.Health()
	assert.Equal(t, []string{"b"}, health.StaleProtected)

	// Once unprotected, the next cycle removes it.
	fx.registry.Protect("b", false)

	require.NoError(t, fx.runner.poll(context.Background()))

	_, ok = fx.registry.Device("b")
	assert.False(t, ok)
}

func TestPollPersistsLastSeenOnAbsenceTransitionOnly(t *testing.T) {
	portal := newFakePortal(models.Box{ID: "box-1"})
	portal.devices["box-1"] = []models.NetworkDevice{
		{ID: "a", BoxID: "box-1"},
		{ID: "b", BoxID: "box-1"},
	}

	fx := newRunnerFixture(testAccount(models.FeatureFlags{}), portal)

	require.NoError(t, fx.runner.poll(context.Background()))
	assert.Zero(t, fx.seen.recordCallCount())

	// b goes absent: one write carrying both timestamps.
	portal.mu.Lock()
	portal.devices["box-1"] = []models.NetworkDevice{{ID: "a", BoxID: "box-1"}}
	portal.mu.Unlock()

	require.NoError(t, fx.runner.poll(context.Background()))
	require.Equal(t, 1, fx.seen.recordCallCount())

	fx.seen.mu.Lock()
	persisted := fx.seen.recorded[0]
	fx.seen.mu.Unlock()

	assert.Contains(t, persisted, "a")
	assert.Contains(t, persisted, "b")

	// Still absent, but not newly absent: no further writes.
	require.NoError(t, fx.runner.poll(context.Background()))
	assert.Equal(t, 1, fx.seen.recordCallCount())
}

func TestPollCarriedForwardDevicesAreNotRestamped(t *testing.T) {
	portal := newFakePortal(models.Box{ID: "box-1"})
	portal.devices["box-1"] = []models.NetworkDevice{{ID: "a", BoxID: "box-1"}}

	fx := newRunnerFixture(testAccount(models.FeatureFlags{}), portal)

	require.NoError(t, fx.runner.poll(context.Background()))

	stamped := fx.clock.Now()

	// Device fetch fails; a is carried forward but its sighting is not
	// refreshed.
	portal.mu.Lock()
	portal.devicesErr = fmt.Errorf("%w: unreachable", msp.ErrNetwork)
	portal.mu.Unlock()

	fx.clock.Advance(time.Hour)

	// Alarms still succeed so the cycle commits.
	fx.runner.account.Features.Alarms = true

	require.NoError(t, fx.runner.poll(context.Background()))

	snapshot, _ := fx.runner.Snapshot()
	require.Len(t, snapshot.Devices, 1)
	assert.True(t, snapshot.Stale[models.KindDevices])

	fx.runner.mu.Lock()
	lastSeen := fx.runner.lastSeen["a"]
	fx.runner.mu.Unlock()

	assert.Equal(t, stamped, lastSeen)
}

func TestPollPublishesDeltaToSink(t *testing.T) {
	portal := newFakePortal(models.Box{ID: "box-1"})
	portal.devices["box-1"] = []models.NetworkDevice{{ID: "a", BoxID: "box-1"}}

	fx := newRunnerFixture(testAccount(models.FeatureFlags{}), portal)

	require.NoError(t, fx.runner.poll(context.Background()))

	fx.sink.mu.Lock()
	defer fx.sink.mu.Unlock()

	require.Len(t, fx.sink.deltas, 1)
	assert.Equal(t, []string{"a"}, fx.sink.deltas[0].CreatedDevices)
}

func TestHealthTotalsGatedByBandwidthFeature(t *testing.T) {
	portal := newFakePortal(models.Box{ID: "box-1"})
	portal.devices["box-1"] = []models.NetworkDevice{
		{ID: "a", BoxID: "box-1", Upload: 100, Download: 200},
		{ID: "b", BoxID: "box-1", Upload: 50, Download: 25},
	}

	fx := newRunnerFixture(testAccount(models.FeatureFlags{}), portal)

	require.NoError(t, fx.runner.poll(context.Background()))
	assert.Nil(t, fx.runner.Health().Totals)

	fx2 := newRunnerFixture(testAccount(models.FeatureFlags{Bandwidth: true}), portal)

	require.NoError(t, fx2.runner.poll(context.Background()))

	totals := fx2.runner.Health().Totals
	require.NotNil(t, totals)
	assert.Equal(t, int64(150), totals.Upload)
	assert.Equal(t, int64(225), totals.Download)
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	portal := newFakePortal(models.Box{ID: "box-1"})
	portal.devices["box-1"] = []models.NetworkDevice{{ID: "a", BoxID: "box-1"}}

	gate := make(chan struct{})
	portal.boxesGate = gate

	fx := newRunnerFixture(testAccount(models.FeatureFlags{}), portal)

	fx.runner.start(context.Background())

	require.Eventually(t, func() bool {
		return portal.boxesCallCount() == 1
	}, time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()

	fx.runner.stop()

	snapshot, _ := fx.runner.Snapshot()
	assert.Nil(t, snapshot)
}
