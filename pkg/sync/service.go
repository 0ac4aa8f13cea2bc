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

// Package sync coordinates polling of the appliance management portal and
// reconciliation of the results into the host device registry.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"

	"github.com/clearlake/fleetsync/pkg/cache"
	"github.com/clearlake/fleetsync/pkg/logger"
	"github.com/clearlake/fleetsync/pkg/metrics"
	"github.com/clearlake/fleetsync/pkg/models"
	"github.com/clearlake/fleetsync/pkg/sync/actions"
	"github.com/clearlake/fleetsync/pkg/sync/reconcile"
)

var errUnknownAccount = errors.New("unknown account")

// Deps are the collaborators the service is constructed with. Registry is
// required; SeenStore and EventSink are optional.
type Deps struct {
	Clients  ClientFactory
	Registry reconcile.Registry
	Seen     SeenStore
	Sink     EventSink
	Metrics  *metrics.Metrics
	Clock    Clock
	Logger   logger.Logger
}

// Service owns one AccountRunner per configured account. Each account is
// independently schedulable; one slow account never delays another's tick.
type Service struct {
	config  Config
	deps    Deps
	logger  logger.Logger
	baseCtx context.Context
	cancel  context.CancelFunc

	mu      gosync.Mutex
	runners map[string]*AccountRunner
	started bool
}

// New validates the config and constructs the service with its runners.
func New(config *Config, deps Deps) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if deps.Clock == nil {
		deps.Clock = realClock{}
	}

	if deps.Logger == nil {
		deps.Logger = logger.NewTestLogger()
	}

	s := &Service{
		config:  *config,
		deps:    deps,
		logger:  deps.Logger,
		runners: make(map[string]*AccountRunner),
	}

	for i := range s.config.Accounts {
		account := s.config.Accounts[i]
		s.runners[account.ID] = s.buildRunner(account)
	}

	return s, nil
}

func (s *Service) buildRunner(account models.AccountConfig) *AccountRunner {
	client := s.deps.Clients(&account)
	reconciler := reconcile.New(s.deps.Registry, s.logger)

	return newAccountRunner(
		account,
		client,
		reconciler,
		s.deps.Seen,
		s.deps.Sink,
		s.deps.Metrics,
		s.deps.Clock,
		s.logger.WithComponent("sync"),
	)
}

// Start launches every account runner. Non-blocking; Stop tears down.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.baseCtx, s.cancel = context.WithCancel(ctx)

	for id, runner := range s.runners {
		s.logger.Info().Str("account", id).Msg("Starting account runner")
		runner.start(s.baseCtx)
	}

	s.started = true

	return nil
}

// Stop cancels all runners and waits for them to drain.
func (s *Service) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.cancel()

	for id, runner := range s.runners {
		runner.stop()
		s.logger.Info().Str("account", id).Msg("Stopped account runner")
	}

	s.started = false

	return nil
}

// AddAccount registers and starts a runner for a new account.
func (s *Service) AddAccount(account models.AccountConfig) error {
	if err := account.Validate(); err != nil {
		return err
	}

	account.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runners[account.ID]; exists {
		return fmt.Errorf("%w: %s", errDuplicateAccount, account.ID)
	}

	runner := s.buildRunner(account)
	s.runners[account.ID] = runner

	if s.started {
		runner.start(s.baseCtx)
	}

	return nil
}

// RemoveAccount cancels the account's timer and tears its runner down. An
// in-flight poll finishes but its result is discarded.
func (s *Service) RemoveAccount(accountID string) error {
	s.mu.Lock()
	runner, ok := s.runners[accountID]
	delete(s.runners, accountID)
	started := s.started
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", errUnknownAccount, accountID)
	}

	if started {
		runner.stop()
	}

	return nil
}

// RefreshNow polls one account out of cycle, attaching to any in-flight
// poll instead of racing it.
func (s *Service) RefreshNow(ctx context.Context, accountID string) error {
	runner, err := s.runner(accountID)
	if err != nil {
		return err
	}

	return runner.RefreshNow(ctx)
}

// Snapshot returns the account's current cached snapshot and freshness.
func (s *Service) Snapshot(accountID string) (*models.Snapshot, cache.Stats, error) {
	runner, err := s.runner(accountID)
	if err != nil {
		return nil, cache.Stats{}, err
	}

	snapshot, stats := runner.Snapshot()

	return snapshot, stats, nil
}

// Health reports diagnostics for every account, sorted by id.
func (s *Service) Health() []Health {
	s.mu.Lock()
	runners := make([]*AccountRunner, 0, len(s.runners))

	for _, runner := range s.runners {
		runners = append(runners, runner)
	}
	s.mu.Unlock()

	health := make([]Health, 0, len(runners))
	for _, runner := range runners {
		health = append(health, runner.Health())
	}

	sort.Slice(health, func(i, j int) bool { return health[i].AccountID < health[j].AccountID })

	return health
}

// Dispatcher returns the action dispatcher for one account. Dispatcher
// calls write through the portal, patch the cache, and trigger an
// out-of-cycle refresh.
func (s *Service) Dispatcher(accountID string) (*actions.Dispatcher, error) {
	runner, err := s.runner(accountID)
	if err != nil {
		return nil, err
	}

	return actions.NewDispatcher(
		runner.client,
		runner.cache,
		func(ctx context.Context) error { return runner.RefreshNow(ctx) },
		s.logger.WithComponent("actions"),
	), nil
}

func (s *Service) runner(accountID string) (*AccountRunner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runner, ok := s.runners[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownAccount, accountID)
	}

	return runner, nil
}
