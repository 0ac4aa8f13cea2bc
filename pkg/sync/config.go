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
	"errors"
	"fmt"

	"github.com/clearlake/fleetsync/pkg/logger"
	"github.com/clearlake/fleetsync/pkg/models"
)

var (
	errMissingAccounts  = errors.New("at least one account must be defined")
	errDuplicateAccount = errors.New("duplicate account id")
)

// Config is the sync service configuration.
type Config struct {
	Accounts []models.AccountConfig `json:"accounts" yaml:"accounts"`

	// ListenAddr serves the status and metrics HTTP surface.
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// SeenDB is the path of the SQLite last-seen store. Empty disables
	// persistence (staleness then resets on restart).
	SeenDB string `json:"seen_db,omitempty" yaml:"seen_db,omitempty"`

	// NATSURL enables delta event publishing when set.
	NATSURL string `json:"nats_url,omitempty" yaml:"nats_url,omitempty"`

	Logging *logger.Config `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// Validate normalizes and checks every account.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return errMissingAccounts
	}

	if c.ListenAddr == "" {
		c.ListenAddr = ":8090"
	}

	ids := make(map[string]bool, len(c.Accounts))

	for i := range c.Accounts {
		account := &c.Accounts[i]

		if err := account.Validate(); err != nil {
			return err
		}

		if ids[account.ID] {
			return fmt.Errorf("%w: %s", errDuplicateAccount, account.ID)
		}

		ids[account.ID] = true

		account.Normalize()
	}

	return nil
}
