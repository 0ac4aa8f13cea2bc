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
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clearlake/fleetsync/pkg/cache"
	"github.com/clearlake/fleetsync/pkg/metrics"
	"github.com/clearlake/fleetsync/pkg/models"
	"github.com/clearlake/fleetsync/pkg/msp"
	"github.com/clearlake/fleetsync/pkg/sync/reconcile"
)

// maxMalformedRetries bounds in-cycle retries of a fetch whose body matched
// neither known shape before the kind degrades for this cycle.
const maxMalformedRetries = 2

// seenPruneFactor: persisted last-seen entries older than this multiple of
// the stale threshold are dropped on load.
const seenPruneFactor = 2

var errNeedsReauth = errors.New("account needs reauthentication")

// AccountRunner drives the poll cycle for one account. All polling work for
// the account is serialized; at most one poll is in flight at a time.
type AccountRunner struct {
	account    models.AccountConfig
	client     PortalClient
	cache      *cache.SnapshotCache
	reconciler *reconcile.Reconciler
	seen       SeenStore
	sink       EventSink
	metrics    *metrics.Metrics
	clock      Clock
	logger     zerolog.Logger

	mu             gosync.Mutex
	inflight       chan struct{}
	lastPollErr    error
	lastSeen       map[string]time.Time
	lastSnapshot   *models.Snapshot
	needsReauth    bool
	staleProtected []string
	resetCh        chan struct{}
	cancel         context.CancelFunc
	done           chan struct{}
}

func newAccountRunner(
	account models.AccountConfig,
	client PortalClient,
	reconciler *reconcile.Reconciler,
	seen SeenStore,
	sink EventSink,
	m *metrics.Metrics,
	clock Clock,
	log zerolog.Logger,
) *AccountRunner {
	return &AccountRunner{
		account:    account,
		client:     client,
		cache:      cache.New(),
		reconciler: reconciler,
		seen:       seen,
		sink:       sink,
		metrics:    m,
		clock:      clock,
		logger:     log.With().Str("account", account.ID).Logger(),
		lastSeen:   make(map[string]time.Time),
		resetCh:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// start loads persisted state and launches the poll loop.
func (r *AccountRunner) start(ctx context.Context) {
	if r.seen != nil {
		maxAge := seenPruneFactor * r.account.StaleThreshold()

		seen, err := r.seen.Load(ctx, r.account.ID, maxAge)
		if err != nil {
			r.logger.Warn().Err(err).Msg("Could not load persisted last-seen timestamps")
		} else {
			r.lastSeen = seen
			r.logger.Debug().Int("count", len(seen)).Msg("Loaded persisted last-seen timestamps")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go r.run(runCtx)
}

// stop cancels the runner. An in-flight poll finishes but its result is
// discarded rather than committed.
func (r *AccountRunner) stop() {
	if r.cancel != nil {
		r.cancel()
	}

	<-r.done
}

func (r *AccountRunner) run(ctx context.Context) {
	defer close(r.done)

	interval := time.Duration(r.account.PollInterval)

	// First poll immediately so consumers are not empty for a full interval.
	if err := r.poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn().Err(err).Msg("Initial poll failed")
	}

	ticker := r.clock.Ticker(interval)
	defer func() { ticker.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := r.poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn().Err(err).Msg("Scheduled poll failed")
			}
		case <-r.resetCh:
			// An out-of-cycle refresh ran; restart the interval from now.
			ticker.Stop()
			ticker = r.clock.Ticker(interval)
		}
	}
}

// RefreshNow performs one poll immediately and resets the schedule. If a
// poll is already in flight the call attaches to it instead of starting a
// duplicate.
func (r *AccountRunner) RefreshNow(ctx context.Context) error {
	err := r.poll(ctx)

	select {
	case r.resetCh <- struct{}{}:
	default:
	}

	return err
}

// poll is the single-flight wrapper around one cycle: a caller arriving
// while a poll is running waits for that poll's outcome.
func (r *AccountRunner) poll(ctx context.Context) error {
	r.mu.Lock()

	if r.inflight != nil {
		wait := r.inflight
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}

		r.mu.Lock()
		err := r.lastPollErr
		r.mu.Unlock()

		return err
	}

	done := make(chan struct{})
	r.inflight = done
	r.mu.Unlock()

	err := r.doPoll(ctx)

	r.mu.Lock()
	r.lastPollErr = err
	r.inflight = nil
	close(done)
	r.mu.Unlock()

	return err
}

// cycleData accumulates the concurrent per-box fetch results of one cycle.
type cycleData struct {
	mu      gosync.Mutex
	devices []models.NetworkDevice
	alarms  []models.Alarm
	rules   []models.Rule
	flows   []models.Flow
	failed  map[models.ResourceKind]map[string]bool // kind -> failed box ids
	authErr error
}

func (d *cycleData) fail(kind models.ResourceKind, boxID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if errors.Is(err, msp.ErrAuth) && d.authErr == nil {
		d.authErr = err
	}

	if d.failed[kind] == nil {
		d.failed[kind] = make(map[string]bool)
	}

	d.failed[kind][boxID] = true
}

// doPoll runs one full cycle: fetch, assemble, commit, reconcile.
func (r *AccountRunner) doPoll(ctx context.Context) error {
	r.mu.Lock()
	if r.needsReauth {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", errNeedsReauth, r.account.ID)
	}

	previous := r.lastSnapshot
	r.mu.Unlock()

	now := r.clock.Now()

	boxes, err := r.client.GetBoxes(ctx)
	if err != nil {
		return r.pollFailed(err)
	}

	monitored := make([]models.Box, 0, len(boxes))

	for _, box := range boxes {
		if r.account.MonitorsBox(box.ID) {
			monitored = append(monitored, box)
		}
	}

	data := r.fetchAll(ctx, monitored)

	if data.authErr != nil {
		return r.pollFailed(data.authErr)
	}

	snapshot, freshKinds := r.assemble(now, monitored, data, previous)
	if freshKinds == 0 {
		// Every sub-fetch failed; committing would only re-stamp carried
		// data, so keep the previous snapshot and count the failure.
		return r.pollFailed(fmt.Errorf("%w: all resource fetches failed", msp.ErrNetwork))
	}

	r.updateLastSeen(ctx, previous, snapshot, data, now)

	// Cancelled accounts discard the result instead of committing.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	r.cache.Commit(snapshot, now)
	r.observeCommit(snapshot)

	r.reconcileSnapshot(ctx, previous, snapshot, now)

	r.mu.Lock()
	r.lastSnapshot = snapshot
	r.mu.Unlock()

	return nil
}

// fetchAll fans out per-box, per-kind fetches. A failing kind on one box
// never aborts the others.
func (r *AccountRunner) fetchAll(ctx context.Context, boxes []models.Box) *cycleData {
	data := &cycleData{failed: make(map[models.ResourceKind]map[string]bool)}

	var wg gosync.WaitGroup

	for _, box := range boxes {
		boxID := box.ID

		wg.Add(1)

		go func() {
			defer wg.Done()

			devices, err := fetchWithRetry(func() ([]models.NetworkDevice, error) {
				return r.client.GetDevices(ctx, boxID)
			})
			if err != nil {
				data.fail(models.KindDevices, boxID, err)
				return
			}

			data.mu.Lock()
			data.devices = append(data.devices, devices...)
			data.mu.Unlock()
		}()

		if r.account.Features.Alarms {
			wg.Add(1)

			go func() {
				defer wg.Done()

				alarms, err := fetchWithRetry(func() ([]models.Alarm, error) {
					return r.client.GetAlarms(ctx, boxID)
				})
				if err != nil {
					data.fail(models.KindAlarms, boxID, err)
					return
				}

				data.mu.Lock()
				data.alarms = append(data.alarms, alarms...)
				data.mu.Unlock()
			}()
		}

		if r.account.Features.Rules {
			wg.Add(1)

			go func() {
				defer wg.Done()

				rules, err := fetchWithRetry(func() ([]models.Rule, error) {
					return r.client.GetRules(ctx, boxID)
				})
				if err != nil {
					data.fail(models.KindRules, boxID, err)
					return
				}

				data.mu.Lock()
				data.rules = append(data.rules, rules...)
				data.mu.Unlock()
			}()
		}

		if r.account.Features.Flows {
			wg.Add(1)

			go func() {
				defer wg.Done()

				flows, err := fetchWithRetry(func() ([]models.Flow, error) {
					return r.client.GetFlows(ctx, boxID, r.account.FlowLimit)
				})
				if err != nil {
					data.fail(models.KindFlows, boxID, err)
					return
				}

				data.mu.Lock()
				data.flows = append(data.flows, flows...)
				data.mu.Unlock()
			}()
		}
	}

	wg.Wait()

	return data
}

// assemble builds the candidate snapshot, carrying forward previous values
// for any (kind, box) whose fetch failed so one failing sub-request does
// not flicker cached state to empty. Returns the snapshot and the number of
// enabled kinds that produced fresh data.
func (r *AccountRunner) assemble(
	now time.Time,
	boxes []models.Box,
	data *cycleData,
	previous *models.Snapshot,
) (*models.Snapshot, int) {
	snapshot := &models.Snapshot{
		TakenAt: now,
		Boxes:   boxes,
		Devices: data.devices,
		Alarms:  data.alarms,
		Rules:   data.rules,
		Flows:   data.flows,
		Stale:   make(map[models.ResourceKind]bool),
	}

	enabled := []models.ResourceKind{models.KindDevices}

	if r.account.Features.Alarms {
		enabled = append(enabled, models.KindAlarms)
	}

	if r.account.Features.Rules {
		enabled = append(enabled, models.KindRules)
	}

	if r.account.Features.Flows {
		enabled = append(enabled, models.KindFlows)
	}

	fresh := 0

	for _, kind := range enabled {
		failedBoxes := data.failed[kind]
		if len(failedBoxes) == 0 {
			fresh++
			continue
		}

		snapshot.Stale[kind] = true

		r.markKindStale(kind)

		if len(failedBoxes) < len(boxes) {
			fresh++
		}

		if previous == nil {
			continue
		}

		switch kind {
		case models.KindDevices:
			for _, d := range previous.Devices {
				if failedBoxes[d.BoxID] {
					snapshot.Devices = append(snapshot.Devices, d)
				}
			}
		case models.KindAlarms:
			for _, a := range previous.Alarms {
				if failedBoxes[a.BoxID] {
					snapshot.Alarms = append(snapshot.Alarms, a)
				}
			}
		case models.KindRules:
			for _, rule := range previous.Rules {
				if failedBoxes[rule.BoxID] {
					snapshot.Rules = append(snapshot.Rules, rule)
				}
			}
		case models.KindFlows:
			for _, f := range previous.Flows {
				if failedBoxes[f.BoxID] {
					snapshot.Flows = append(snapshot.Flows, f)
				}
			}
		case models.KindBoxes:
			// Boxes are fetched up front; never carried here.
		}
	}

	for i := range snapshot.Devices {
		snapshot.Totals.Upload += snapshot.Devices[i].Upload
		snapshot.Totals.Download += snapshot.Devices[i].Download
	}

	return snapshot, fresh
}

// updateLastSeen stamps every freshly sighted device and persists on
// present-to-absent transitions only, keeping write volume minimal.
// Carried-forward devices are not re-stamped: staleness is measured from
// actual sightings.
func (r *AccountRunner) updateLastSeen(ctx context.Context, previous, snapshot *models.Snapshot, data *cycleData, now time.Time) {
	failedDevices := data.failed[models.KindDevices]

	r.mu.Lock()

	current := make(map[string]bool, len(snapshot.Devices))

	for i := range snapshot.Devices {
		device := &snapshot.Devices[i]
		current[device.ID] = true

		if !failedDevices[device.BoxID] {
			r.lastSeen[device.ID] = now
		}
	}

	newlyAbsent := 0

	if previous != nil {
		for i := range previous.Devices {
			if !current[previous.Devices[i].ID] {
				newlyAbsent++
			}
		}
	}

	var persist map[string]time.Time

	if newlyAbsent > 0 && r.seen != nil {
		persist = make(map[string]time.Time, len(r.lastSeen))
		for id, ts := range r.lastSeen {
			persist[id] = ts
		}
	}

	r.mu.Unlock()

	if persist != nil {
		if err := r.seen.Record(ctx, r.account.ID, persist); err != nil {
			r.logger.Warn().Err(err).Msg("Could not persist last-seen timestamps")
		}
	}
}

// reconcileSnapshot runs the registry reconciliation synchronously after a
// commit. Registry errors are downgraded to log entries; they never fail
// the poll cycle.
func (r *AccountRunner) reconcileSnapshot(ctx context.Context, previous, current *models.Snapshot, now time.Time) {
	r.mu.Lock()
	lastSeen := make(map[string]time.Time, len(r.lastSeen))

	for id, ts := range r.lastSeen {
		lastSeen[id] = ts
	}
	r.mu.Unlock()

	delta, err := r.reconciler.Reconcile(ctx, reconcile.Input{
		Previous:       previous,
		Current:        current,
		LastSeen:       lastSeen,
		StaleThreshold: r.account.StaleThreshold(),
		Now:            now,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("Reconciliation finished with errors")
	}

	r.mu.Lock()

	for _, id := range delta.RemovedDevices {
		delete(r.lastSeen, id)
	}

	r.staleProtected = delta.StaleProtected
	r.mu.Unlock()

	for _, id := range delta.RemovedDevices {
		if r.seen != nil {
			if err := r.seen.Forget(ctx, r.account.ID, id); err != nil {
				r.logger.Warn().Err(err).Str("device_id", id).Msg("Could not forget removed device")
			}
		}
	}

	r.observeDelta(delta)

	if r.sink != nil {
		if err := r.sink.PublishDelta(ctx, r.account.ID, delta); err != nil {
			r.logger.Warn().Err(err).Msg("Could not publish delta event")
		}
	}
}

// pollFailed classifies a cycle failure. Auth failures latch the account
// until it is reconfigured; everything else keeps the previous snapshot and
// retries on the next scheduled tick with unchanged interval.
func (r *AccountRunner) pollFailed(err error) error {
	if errors.Is(err, msp.ErrAuth) {
		r.mu.Lock()
		r.needsReauth = true
		r.mu.Unlock()

		if r.metrics != nil {
			r.metrics.PollFailures.WithLabelValues(r.account.ID, metrics.ClassAuth).Inc()
			r.metrics.PollsTotal.WithLabelValues(r.account.ID, metrics.ResultFailure).Inc()
		}

		r.logger.Error().Err(err).Msg("Authentication failed, polling stopped until reconfigured")

		return err
	}

	failures := r.cache.RecordFailure()

	if r.metrics != nil {
		class := metrics.ClassNetwork
		if errors.Is(err, msp.ErrMalformed) {
			class = metrics.ClassMalformed
		}

		r.metrics.PollFailures.WithLabelValues(r.account.ID, class).Inc()
		r.metrics.PollsTotal.WithLabelValues(r.account.ID, metrics.ResultFailure).Inc()

		if _, stats := r.cache.Get(); !stats.LastSuccess.IsZero() {
			r.metrics.SnapshotAge.WithLabelValues(r.account.ID).Set(stats.Age.Seconds())
		}
	}

	r.logger.Warn().
		Err(err).
		Int("consecutive_failures", failures).
		Msg("Poll failed, serving last-known-good snapshot")

	return err
}

func (r *AccountRunner) markKindStale(kind models.ResourceKind) {
	if r.metrics != nil {
		r.metrics.KindStale.WithLabelValues(r.account.ID, string(kind)).Set(1)
	}
}

func (r *AccountRunner) observeCommit(snapshot *models.Snapshot) {
	if r.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if len(snapshot.Stale) > 0 {
		result = metrics.ResultPartial
	}

	r.metrics.PollsTotal.WithLabelValues(r.account.ID, result).Inc()
	r.metrics.SnapshotAge.WithLabelValues(r.account.ID).Set(0)

	for _, kind := range []models.ResourceKind{models.KindDevices, models.KindAlarms, models.KindRules, models.KindFlows} {
		if !snapshot.Stale[kind] {
			r.metrics.KindStale.WithLabelValues(r.account.ID, string(kind)).Set(0)
		}
	}
}

func (r *AccountRunner) observeDelta(delta *reconcile.Delta) {
	if r.metrics == nil {
		return
	}

	r.metrics.DevicesCreated.WithLabelValues(r.account.ID).Add(float64(len(delta.CreatedDevices)))
	r.metrics.DevicesUpdated.WithLabelValues(r.account.ID).Add(float64(len(delta.UpdatedDevices)))
	r.metrics.DevicesRemoved.WithLabelValues(r.account.ID).Add(float64(len(delta.RemovedDevices)))
	r.metrics.AlarmsRemoved.WithLabelValues(r.account.ID).Add(float64(len(delta.RemovedAlarms)))
	r.metrics.ProtectedStale.WithLabelValues(r.account.ID).Set(float64(len(delta.StaleProtected)))
}

// Snapshot returns the current cached snapshot and its freshness.
func (r *AccountRunner) Snapshot() (*models.Snapshot, cache.Stats) {
	return r.cache.Get()
}

// NeedsReauth reports whether polling is latched on an auth failure.
func (r *AccountRunner) NeedsReauth() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.needsReauth
}

// fetchWithRetry retries malformed-body failures a bounded number of times
// inside the cycle. Other failures return immediately.
func fetchWithRetry[T any](fn func() ([]T, error)) ([]T, error) {
	var (
		out []T
		err error
	)

	for attempt := 0; attempt <= maxMalformedRetries; attempt++ {
		out, err = fn()
		if err == nil || !errors.Is(err, msp.ErrMalformed) {
			return out, err
		}
	}

	return out, err
}
