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

package models

import "time"

// ResourceKind identifies one fetchable collection on the portal API.
type ResourceKind string

const (
	KindBoxes   ResourceKind = "boxes"
	KindDevices ResourceKind = "devices"
	KindAlarms  ResourceKind = "alarms"
	KindRules   ResourceKind = "rules"
	KindFlows   ResourceKind = "flows"
)

// Box is one physical appliance under an account. Boxes are the monitoring
// anchor and are never removed automatically.
type Box struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Model   string `json:"model,omitempty"`
	Version string `json:"version,omitempty"`
	Online  bool   `json:"online"`
}

// NetworkDevice is one client device seen on a box's network.
type NetworkDevice struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	IP       string    `json:"ip,omitempty"`
	MAC      string    `json:"mac,omitempty"`
	Vendor   string    `json:"vendor,omitempty"`
	BoxID    string    `json:"box_id"`
	LastSeen time.Time `json:"last_seen"`
	Online   bool      `json:"online"`
	Upload   int64     `json:"upload,omitempty"`
	Download int64     `json:"download,omitempty"`
}

// Alarm is one security alert instance.
type Alarm struct {
	ID        string    `json:"id"`
	Severity  string    `json:"severity,omitempty"`
	Message   string    `json:"message,omitempty"`
	BoxID     string    `json:"box_id"`
	CreatedAt time.Time `json:"created_at"`
	Resolved  bool      `json:"resolved"`
}

// Rule is one firewall rule. Rule existence is authored on the portal; this
// system only mirrors and toggles its active state.
type Rule struct {
	ID     string `json:"id"`
	Action string `json:"action,omitempty"`
	Target string `json:"target,omitempty"`
	BoxID  string `json:"box_id"`
	Active bool   `json:"active"`
}

// Flow is one recent traffic record. Flows carry no identity across polls;
// each cycle replaces the previous window wholesale.
type Flow struct {
	ID          string    `json:"id"`
	BoxID       string    `json:"box_id"`
	DeviceID    string    `json:"device_id,omitempty"`
	Source      string    `json:"source,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Upload      int64     `json:"upload"`
	Download    int64     `json:"download"`
	Timestamp   time.Time `json:"timestamp"`
}

// TrafficTotals are account-level byte counters for the current window.
type TrafficTotals struct {
	Upload   int64 `json:"upload"`
	Download int64 `json:"download"`
}

// Snapshot is the atomic, point-in-time aggregate of one account's state.
// Stale marks resource kinds whose values were carried forward from the
// previous snapshot because their fetch failed this cycle.
type Snapshot struct {
	TakenAt time.Time             `json:"taken_at"`
	Boxes   []Box                 `json:"boxes"`
	Devices []NetworkDevice       `json:"devices"`
	Alarms  []Alarm               `json:"alarms"`
	Rules   []Rule                `json:"rules"`
	Flows   []Flow                `json:"flows"`
	Totals  TrafficTotals         `json:"totals"`
	Stale   map[ResourceKind]bool `json:"stale,omitempty"`
}

// Clone returns a deep copy so cache patches never alias committed state.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}

	out := &Snapshot{
		TakenAt: s.TakenAt,
		Boxes:   append([]Box(nil), s.Boxes...),
		Devices: append([]NetworkDevice(nil), s.Devices...),
		Alarms:  append([]Alarm(nil), s.Alarms...),
		Rules:   append([]Rule(nil), s.Rules...),
		Flows:   append([]Flow(nil), s.Flows...),
		Totals:  s.Totals,
	}

	if s.Stale != nil {
		out.Stale = make(map[ResourceKind]bool, len(s.Stale))
		for k, v := range s.Stale {
			out.Stale[k] = v
		}
	}

	return out
}

// Device returns the device with the given id, if present.
func (s *Snapshot) Device(id string) (*NetworkDevice, bool) {
	for i := range s.Devices {
		if s.Devices[i].ID == id {
			return &s.Devices[i], true
		}
	}

	return nil, false
}
