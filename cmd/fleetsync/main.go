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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/clearlake/fleetsync/pkg/config"
	"github.com/clearlake/fleetsync/pkg/events"
	"github.com/clearlake/fleetsync/pkg/logger"
	"github.com/clearlake/fleetsync/pkg/metrics"
	"github.com/clearlake/fleetsync/pkg/models"
	"github.com/clearlake/fleetsync/pkg/msp"
	"github.com/clearlake/fleetsync/pkg/registry"
	"github.com/clearlake/fleetsync/pkg/seenstore"
	"github.com/clearlake/fleetsync/pkg/status"
	"github.com/clearlake/fleetsync/pkg/sync"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "fleetsync",
		Short:         "Synchronize security-appliance portal state into a local device registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/fleetsync/fleetsync.json", "path to config file")

	root.AddCommand(
		serveCmd(&configPath),
		checkCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(ctx context.Context, path string) (*sync.Config, logger.Logger, error) {
	var cfg sync.Config

	bootLog := logger.NewTestLogger()

	if err := config.NewConfig(bootLog).LoadAndValidate(ctx, path, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := cfg.Logging
	if logCfg == nil {
		logCfg = logger.DefaultConfig()
	}

	log, err := logger.New(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &cfg, log, nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, log, err := loadConfig(ctx, *configPath)
			if err != nil {
				return err
			}

			promReg := prometheus.NewRegistry()

			deps := sync.Deps{
				Clients: func(account *models.AccountConfig) sync.PortalClient {
					return msp.NewClient(account, log)
				},
				Registry: registry.NewInMemory(log),
				Metrics:  metrics.New(promReg),
				Logger:   log,
			}

			if cfg.SeenDB != "" {
				store, err := seenstore.New(cfg.SeenDB)
				if err != nil {
					return err
				}
				defer store.Close()

				deps.Seen = store
			}

			if cfg.NATSURL != "" {
				publisher, err := events.Connect(cfg.NATSURL, log)
				if err != nil {
					return err
				}
				defer publisher.Close()

				deps.Sink = publisher
			}

			svc, err := sync.New(cfg, deps)
			if err != nil {
				return err
			}

			if err := svc.Start(ctx); err != nil {
				return err
			}

			statusSrv := status.NewServer(
				cfg.ListenAddr,
				svc,
				promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
				log,
			)

			errCh := make(chan error, 1)

			go func() {
				errCh <- statusSrv.Start(ctx)
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil {
					log.Error().Err(err).Msg("Status server failed")
				}
			}

			shutdownCtx := context.Background()

			if err := statusSrv.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Status server shutdown failed")
			}

			return svc.Stop(shutdownCtx)
		},
	}
}

func checkCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configured account credentials against the portal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, log, err := loadConfig(ctx, *configPath)
			if err != nil {
				return err
			}

			failed := 0

			for i := range cfg.Accounts {
				account := &cfg.Accounts[i]
				client := msp.NewClient(account, log)

				if err := client.CheckCredentials(ctx); err != nil {
					failed++

					fmt.Fprintf(cmd.ErrOrStderr(), "account %s: %v\n", account.ID, err)

					continue
				}

				fmt.Fprintf(cmd.OutOrStdout(), "account %s: ok\n", account.ID)
			}

			if failed > 0 {
				return fmt.Errorf("%d account(s) failed credential check", failed)
			}

			return nil
		},
	}
}
