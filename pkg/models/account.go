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

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MinPollInterval is the floor applied to account poll intervals so a
	// misconfigured account cannot hammer the portal API.
	MinPollInterval = 30 * time.Second

	DefaultPollInterval = 5 * time.Minute
	DefaultStaleDays    = 30
	DefaultFlowLimit    = 100

	MinStaleDays = 1
	MaxStaleDays = 365
)

var (
	errMissingAccountID = errors.New("account id is required")
	errMissingToken     = errors.New("account token is required")
	errMissingSubdomain = errors.New("account subdomain is required")
)

// FeatureFlags selects which resource kinds an account polls. Boxes and
// devices are always fetched; the rest are opt-in.
type FeatureFlags struct {
	Tracker   bool `json:"tracker" yaml:"tracker"`
	Bandwidth bool `json:"bandwidth" yaml:"bandwidth"`
	Alarms    bool `json:"alarms" yaml:"alarms"`
	Rules     bool `json:"rules" yaml:"rules"`
	Flows     bool `json:"flows" yaml:"flows"`
}

// AccountConfig is one authenticated portal session scope.
type AccountConfig struct {
	ID        string `json:"id" yaml:"id"`
	Subdomain string `json:"subdomain" yaml:"subdomain"`
	Token     string `json:"token" yaml:"token"`

	// BaseURL overrides the URL derived from Subdomain; used in tests and
	// for self-hosted portals.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// Boxes restricts polling to the listed box ids. Empty means all boxes
	// visible to the account.
	Boxes []string `json:"boxes,omitempty" yaml:"boxes,omitempty"`

	PollInterval Duration     `json:"poll_interval" yaml:"poll_interval"`
	StaleDays    int          `json:"stale_days" yaml:"stale_days"`
	FlowLimit    int          `json:"flow_limit" yaml:"flow_limit"`
	Features     FeatureFlags `json:"features" yaml:"features"`
}

// Normalize clamps tunables into their allowed ranges.
func (a *AccountConfig) Normalize() {
	if time.Duration(a.PollInterval) == 0 {
		a.PollInterval = Duration(DefaultPollInterval)
	}

	if time.Duration(a.PollInterval) < MinPollInterval {
		a.PollInterval = Duration(MinPollInterval)
	}

	if a.StaleDays == 0 {
		a.StaleDays = DefaultStaleDays
	}

	if a.StaleDays < MinStaleDays {
		a.StaleDays = MinStaleDays
	}

	if a.StaleDays > MaxStaleDays {
		a.StaleDays = MaxStaleDays
	}

	if a.FlowLimit <= 0 {
		a.FlowLimit = DefaultFlowLimit
	}
}

func (a *AccountConfig) Validate() error {
	if a.ID == "" {
		return errMissingAccountID
	}

	if a.Token == "" {
		return fmt.Errorf("account %s: %w", a.ID, errMissingToken)
	}

	if a.Subdomain == "" && a.BaseURL == "" {
		return fmt.Errorf("account %s: %w", a.ID, errMissingSubdomain)
	}

	return nil
}

// StaleThreshold returns the stale-removal threshold as a duration.
func (a *AccountConfig) StaleThreshold() time.Duration {
	return time.Duration(a.StaleDays) * 24 * time.Hour
}

// MonitorsBox reports whether the account's box filter admits the given id.
func (a *AccountConfig) MonitorsBox(boxID string) bool {
	if len(a.Boxes) == 0 {
		return true
	}

	for _, id := range a.Boxes {
		if id == boxID {
			return true
		}
	}

	return false
}
