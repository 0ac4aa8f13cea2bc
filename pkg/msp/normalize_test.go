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

package msp

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractListShapes(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantLen int
		wantErr bool
	}{
		{name: "bare list", body: `[{"id":"a"},{"id":"b"}]`, wantLen: 2},
		{name: "results envelope", body: `{"results":[{"id":"a"}]}`, wantLen: 1},
		{name: "data envelope", body: `{"data":[]}`, wantLen: 0},
		{name: "results wins over data", body: `{"results":[{"id":"a"}],"data":[{"id":"b"},{"id":"c"}]}`, wantLen: 1},
		{name: "unknown envelope", body: `{"items":[{"id":"a"}]}`, wantErr: true},
		{name: "envelope value not a list", body: `{"results":{"id":"a"}}`, wantErr: true},
		{name: "scalar", body: `42`, wantErr: true},
		{name: "empty body", body: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := extractList([]byte(tt.body))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}

			require.NoError(t, err)
			assert.Len(t, records, tt.wantLen)
		})
	}
}

func TestNormalizeDevicesIDFallbacks(t *testing.T) {
	body := `[
		{"id": "dev-1", "mac": "AA:AA", "ip": "10.0.0.1"},
		{"mac": "BB:BB", "ip": "10.0.0.2"},
		{"ip": "10.0.0.3"},
		{"name": "no identity at all"}
	]`

	devices, err := normalizeDevices([]byte(body), "box-1")
	require.NoError(t, err)
	require.Len(t, devices, 3)

	assert.Equal(t, "dev-1", devices[0].ID)
	assert.Equal(t, "BB:BB", devices[1].ID)
	assert.Equal(t, "10.0.0.3", devices[2].ID)
}

func TestNormalizeDevicesOnlineHeuristic(t *testing.T) {
	recent := time.Now().Add(-5 * time.Minute).UnixMilli()
	old := time.Now().Add(-2 * time.Hour).UnixMilli()

	body := fmt.Sprintf(`[
		{"id": "explicit-off", "online": false, "lastActiveTimestamp": %d},
		{"id": "recent", "lastActiveTimestamp": %d},
		{"id": "idle", "lastActiveTimestamp": %d},
		{"id": "never-seen"}
	]`, recent, recent, old)

	devices, err := normalizeDevices([]byte(body), "box-1")
	require.NoError(t, err)
	require.Len(t, devices, 4)

	byID := map[string]bool{}
	for _, d := range devices {
		byID[d.ID] = d.Online
	}

	// An explicit flag always wins over the activity heuristic.
	assert.False(t, byID["explicit-off"])
	assert.True(t, byID["recent"])
	assert.False(t, byID["idle"])
	assert.False(t, byID["never-seen"])
}

func TestNormalizeDevicesBoxIDFallsBackToQueriedBox(t *testing.T) {
	body := `[
		{"id": "a", "gid": "box-embedded"},
		{"id": "b"}
	]`

	devices, err := normalizeDevices([]byte(body), "box-query")
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "box-embedded", devices[0].BoxID)
	assert.Equal(t, "box-query", devices[1].BoxID)
}

func TestNormalizeBoxesSyntheticID(t *testing.T) {
	body := `[
		{"gid": "g-1", "name": "garage"},
		{"name": "attic"},
		{}
	]`

	boxes, err := normalizeBoxes([]byte(body))
	require.NoError(t, err)
	require.Len(t, boxes, 2)

	assert.Equal(t, "g-1", boxes[0].ID)
	assert.Equal(t, "box_attic", boxes[1].ID)
}

func TestNormalizeAlarmsNumericAID(t *testing.T) {
	body := `{"results": [
		{"aid": 42, "ts": 1700000000.5, "severity": "high", "message": "port scan"},
		{"id": "alarm-x", "ts": 1700000001}
	]}`

	alarms, err := normalizeAlarms([]byte(body), "box-1")
	require.NoError(t, err)
	require.Len(t, alarms, 2)

	assert.Equal(t, "alarm_42", alarms[0].ID)
	assert.Equal(t, time.UnixMilli(1700000000500), alarms[0].CreatedAt)
	assert.Equal(t, "alarm-x", alarms[1].ID)
}

func TestNormalizeRulesStatusMapping(t *testing.T) {
	body := `[
		{"id": "r1", "action": "block", "target": {"value": "1.2.3.4"}, "status": "active"},
		{"id": "r2", "action": "block", "status": "paused"},
		{"id": "r3", "action": "allow"}
	]`

	rules, err := normalizeRules([]byte(body), "box-1")
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.True(t, rules[0].Active)
	assert.Equal(t, "1.2.3.4", rules[0].Target)
	assert.False(t, rules[1].Active)

	// Missing status means the rule is in force.
	assert.True(t, rules[2].Active)
}

func TestNormalizeFlowsGeneratesUniqueKeys(t *testing.T) {
	body := `[
		{"ts": 1700000000, "upload": 1, "download": 2},
		{"ts": 1700000000, "upload": 1, "download": 2}
	]`

	flows, err := normalizeFlows([]byte(body), "box-1")
	require.NoError(t, err)
	require.Len(t, flows, 2)

	assert.NotEmpty(t, flows[0].ID)
	assert.NotEmpty(t, flows[1].ID)
	assert.NotEqual(t, flows[0].ID, flows[1].ID)
}
