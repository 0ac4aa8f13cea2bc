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

// Package events publishes reconciliation deltas to NATS for downstream
// consumers (dashboards, audit pipelines).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nats-io/nats.go"

	"github.com/clearlake/fleetsync/pkg/logger"
	"github.com/clearlake/fleetsync/pkg/sync/reconcile"
)

const (
	subjectPrefix = "fleetsync.delta."

	// Identical deltas within this window are suppressed so a flapping
	// device does not flood the subject.
	dedupeWindow = 5 * time.Minute
	dedupeSize   = 1024
)

// Conn is the subset of nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher emits one JSON message per non-empty reconciliation delta on
// fleetsync.delta.<account>.
type Publisher struct {
	conn   Conn
	dedupe *expirable.LRU[string, struct{}]
	logger logger.Logger
}

// Connect dials NATS and returns a publisher on the connection.
func Connect(url string, log logger.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("fleetsync"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	return NewPublisher(conn, log), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, log logger.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		dedupe: expirable.NewLRU[string, struct{}](dedupeSize, nil, dedupeWindow),
		logger: log,
	}
}

type deltaEvent struct {
	Account string           `json:"account"`
	Time    time.Time        `json:"time"`
	Delta   *reconcile.Delta `json:"delta"`
}

// PublishDelta publishes one delta. Empty deltas and duplicates inside the
// suppression window are dropped silently.
func (p *Publisher) PublishDelta(_ context.Context, accountID string, delta *reconcile.Delta) error {
	if delta == nil || delta.Empty() {
		return nil
	}

	payload, err := json.Marshal(deltaEvent{
		Account: accountID,
		Time:    time.Now().UTC(),
		Delta:   delta,
	})
	if err != nil {
		return err
	}

	key := dedupeKey(accountID, delta)
	if _, seen := p.dedupe.Get(key); seen {
		p.logger.Debug().
			Str("account", accountID).
			Msg("Suppressed duplicate delta event")

		return nil
	}

	if err := p.conn.Publish(subjectPrefix+accountID, payload); err != nil {
		return fmt.Errorf("failed to publish delta for %s: %w", accountID, err)
	}

	p.dedupe.Add(key, struct{}{})

	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}

// dedupeKey hashes the delta content, excluding the event timestamp.
func dedupeKey(accountID string, delta *reconcile.Delta) string {
	h := fnv.New64a()
	data, _ := json.Marshal(delta)
	_, _ = h.Write(data)

	return fmt.Sprintf("%s:%x", accountID, h.Sum64())
}
