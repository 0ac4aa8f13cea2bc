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
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clearlake/fleetsync/pkg/models"
)

// Devices with no explicit online flag are considered online when last
// active within this window.
const onlineWindow = 15 * time.Minute

// extractList accepts either a bare JSON array or an envelope object
// carrying the array under "results" or "data", and returns the records.
// Shape is detected structurally, never by endpoint.
func extractList(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	if trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		return list, nil
	}

	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: neither list nor envelope", ErrMalformed)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	for _, key := range []string{"results", "data"} {
		raw, ok := envelope[key]
		if !ok {
			continue
		}

		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: envelope %q is not a list", ErrMalformed, key)
		}

		return list, nil
	}

	return nil, fmt.Errorf("%w: envelope carries no known list field", ErrMalformed)
}

func normalizeBoxes(body []byte) ([]models.Box, error) {
	records, err := extractList(body)
	if err != nil {
		return nil, err
	}

	boxes := make([]models.Box, 0, len(records))

	for _, rec := range records {
		var raw rawBox
		if err := json.Unmarshal(rec, &raw); err != nil {
			return nil, fmt.Errorf("%w: box record: %w", ErrMalformed, err)
		}

		id := firstNonEmpty(raw.ID, raw.GID, raw.UUID)
		if id == "" && raw.Name != "" {
			id = "box_" + raw.Name
		}

		if id == "" {
			continue
		}

		boxes = append(boxes, models.Box{
			ID:      id,
			Name:    raw.Name,
			Model:   raw.Model,
			Version: raw.Version,
			Online:  raw.Online,
		})
	}

	return boxes, nil
}

func normalizeDevices(body []byte, boxID string) ([]models.NetworkDevice, error) {
	records, err := extractList(body)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	devices := make([]models.NetworkDevice, 0, len(records))

	for _, rec := range records {
		var raw rawDevice
		if err := json.Unmarshal(rec, &raw); err != nil {
			return nil, fmt.Errorf("%w: device record: %w", ErrMalformed, err)
		}

		id := firstNonEmpty(raw.ID, raw.MAC, raw.IP)
		if id == "" {
			continue
		}

		lastSeen := msEpoch(raw.LastActiveTimestamp)

		online := false
		if raw.Online != nil {
			online = *raw.Online
		} else if !lastSeen.IsZero() {
			online = now.Sub(lastSeen) < onlineWindow
		}

		devices = append(devices, models.NetworkDevice{
			ID:       id,
			Name:     raw.Name,
			IP:       raw.IP,
			MAC:      raw.MAC,
			Vendor:   raw.MacVendor,
			BoxID:    firstNonEmpty(raw.GID, raw.BoxID, boxID),
			LastSeen: lastSeen,
			Online:   online,
			Upload:   raw.TotalUpload,
			Download: raw.TotalDownload,
		})
	}

	return devices, nil
}

func normalizeAlarms(body []byte, boxID string) ([]models.Alarm, error) {
	records, err := extractList(body)
	if err != nil {
		return nil, err
	}

	alarms := make([]models.Alarm, 0, len(records))

	for _, rec := range records {
		var raw rawAlarm
		if err := json.Unmarshal(rec, &raw); err != nil {
			return nil, fmt.Errorf("%w: alarm record: %w", ErrMalformed, err)
		}

		id := raw.ID
		if id == "" && raw.AID != "" {
			id = "alarm_" + raw.AID.String()
		}

		if id == "" {
			continue
		}

		alarms = append(alarms, models.Alarm{
			ID:        id,
			Severity:  raw.Severity,
			Message:   raw.Message,
			BoxID:     firstNonEmpty(raw.GID, boxID),
			CreatedAt: secEpoch(raw.TS),
			Resolved:  raw.Resolved,
		})
	}

	return alarms, nil
}

func normalizeRules(body []byte, boxID string) ([]models.Rule, error) {
	records, err := extractList(body)
	if err != nil {
		return nil, err
	}

	rules := make([]models.Rule, 0, len(records))

	for _, rec := range records {
		var raw rawRule
		if err := json.Unmarshal(rec, &raw); err != nil {
			return nil, fmt.Errorf("%w: rule record: %w", ErrMalformed, err)
		}

		if raw.ID == "" {
			continue
		}

		rules = append(rules, models.Rule{
			ID:     raw.ID,
			Action: raw.Action,
			Target: raw.Target.Value,
			BoxID:  firstNonEmpty(raw.GID, boxID),
			Active: raw.Status != "paused",
		})
	}

	return rules, nil
}

func normalizeFlows(body []byte, boxID string) ([]models.Flow, error) {
	records, err := extractList(body)
	if err != nil {
		return nil, err
	}

	flows := make([]models.Flow, 0, len(records))

	for _, rec := range records {
		var raw rawFlow
		if err := json.Unmarshal(rec, &raw); err != nil {
			return nil, fmt.Errorf("%w: flow record: %w", ErrMalformed, err)
		}

		id := raw.ID
		if id == "" {
			// Flows have no cross-poll identity; the key only needs to be
			// unique within one snapshot.
			id = uuid.NewString()
		}

		flows = append(flows, models.Flow{
			ID:          id,
			BoxID:       firstNonEmpty(raw.GID, boxID),
			DeviceID:    raw.Device.ID,
			Source:      raw.Source.IP,
			Destination: raw.Destination.IP,
			Upload:      raw.Upload,
			Download:    raw.Download,
			Timestamp:   secEpoch(raw.TS),
		})
	}

	return flows, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

// msEpoch converts a millisecond epoch to a time, zero when unset.
func msEpoch(ms float64) time.Time {
	if ms == 0 {
		return time.Time{}
	}

	return time.UnixMilli(int64(ms))
}

// secEpoch converts a (possibly fractional) second epoch to a time.
func secEpoch(sec float64) time.Time {
	if sec == 0 {
		return time.Time{}
	}

	return time.UnixMilli(int64(sec * 1000))
}
