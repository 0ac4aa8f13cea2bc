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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/clearlake/fleetsync/pkg/logger"
	"github.com/clearlake/fleetsync/pkg/models"
)

const (
	defaultTimeout = 30 * time.Second

	// Outbound request budget against one portal. Poll cycles fan out per
	// box and per kind, so this is shared across the whole client.
	defaultRateLimit = rate.Limit(10)
	defaultRateBurst = 20

	baseURLFormat = "https://%s.boxfleet.net/v2"
)

// HTTPClient is the subset of http.Client the portal client needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client issues authenticated requests against one account's portal API.
// Safe for concurrent use.
type Client struct {
	httpClient HTTPClient
	baseURL    string
	token      string
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc HTTPClient) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds each request. Exceeding it classifies as ErrNetwork.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRateLimit overrides the outbound request budget.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(limit, burst) }
}

// NewClient builds a portal client for one account. The base URL is derived
// from the account subdomain unless the account overrides it.
func NewClient(account *models.AccountConfig, log logger.Logger, opts ...Option) *Client {
	baseURL := account.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf(baseURLFormat, account.Subdomain)
	}

	c := &Client{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      account.Token,
		timeout:    defaultTimeout,
		limiter:    rate.NewLimiter(defaultRateLimit, defaultRateBurst),
		logger:     log,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CheckCredentials verifies the token by probing the boxes endpoint, then
// the devices endpoint. Returns ErrAuth when the token is rejected.
func (c *Client) CheckCredentials(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodGet, "boxes", nil, nil)
	if err == nil {
		return nil
	}

	if _, devErr := c.request(ctx, http.MethodGet, "devices", nil, nil); devErr == nil {
		return nil
	}

	return err
}

// GetBoxes fetches all boxes visible to the account.
func (c *Client) GetBoxes(ctx context.Context) ([]models.Box, error) {
	body, err := c.request(ctx, http.MethodGet, "boxes", nil, nil)
	if err != nil {
		return nil, err
	}

	return normalizeBoxes(body)
}

// GetDevices fetches the client devices on one box's network.
func (c *Client) GetDevices(ctx context.Context, boxID string) ([]models.NetworkDevice, error) {
	q := url.Values{}
	q.Set("box", boxID)

	body, err := c.request(ctx, http.MethodGet, "devices", q, nil)
	if err != nil {
		return nil, err
	}

	return normalizeDevices(body, boxID)
}

// GetAlarms fetches the open alarms on one box.
func (c *Client) GetAlarms(ctx context.Context, boxID string) ([]models.Alarm, error) {
	q := url.Values{}
	q.Set("box", boxID)

	body, err := c.request(ctx, http.MethodGet, "alarms", q, nil)
	if err != nil {
		return nil, err
	}

	return normalizeAlarms(body, boxID)
}

// GetRules fetches the firewall rules on one box.
func (c *Client) GetRules(ctx context.Context, boxID string) ([]models.Rule, error) {
	q := url.Values{}
	q.Set("box", boxID)

	body, err := c.request(ctx, http.MethodGet, "rules", q, nil)
	if err != nil {
		return nil, err
	}

	return normalizeRules(body, boxID)
}

// GetFlows fetches the recent traffic window for one box, bounded by limit.
// The server's documented pagination key is "limit"; an earlier client sent
// "count", which the server silently ignored (unbounded responses).
func (c *Client) GetFlows(ctx context.Context, boxID string, limit int) ([]models.Flow, error) {
	q := url.Values{}
	q.Set("box", boxID)
	q.Set("limit", strconv.Itoa(limit))

	body, err := c.request(ctx, http.MethodGet, "flows", q, nil)
	if err != nil {
		return nil, err
	}

	return normalizeFlows(body, boxID)
}

// DeleteAlarm deletes one alarm on the portal. Returns ErrNotFound when the
// alarm is already gone.
func (c *Client) DeleteAlarm(ctx context.Context, alarmID string) error {
	_, err := c.request(ctx, http.MethodDelete, "alarms/"+url.PathEscape(alarmID), nil, nil)
	return err
}

// SetRuleState pauses or resumes one rule.
func (c *Client) SetRuleState(ctx context.Context, ruleID string, active bool) error {
	status := "paused"
	if active {
		status = "active"
	}

	payload := map[string]string{"status": status}

	_, err := c.request(ctx, http.MethodPatch, "rules/"+url.PathEscape(ruleID), nil, payload)

	return err
}

// RenameDevice sets the display name of one device.
func (c *Client) RenameDevice(ctx context.Context, deviceID, name string) error {
	payload := map[string]string{"name": name}

	_, err := c.request(ctx, http.MethodPatch, "devices/"+url.PathEscape(deviceID), nil, payload)

	return err
}

// request shapes one portal call and classifies its failure modes.
func (c *Client) request(
	ctx context.Context,
	method, endpoint string,
	query url.Values,
	payload interface{},
) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqURL := c.baseURL + "/" + endpoint
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, reqURL, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, endpoint)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %w: %d", ErrNetwork, errUnexpectedStatusCode, resp.StatusCode)
	}

	// Login pages and proxy error pages come back as HTML with status 200.
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/html") {
		return nil, fmt.Errorf("%w: HTML response from %s", ErrMalformed, endpoint)
	}

	return data, nil
}
