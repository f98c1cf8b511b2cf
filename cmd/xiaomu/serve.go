// Xiaomu is a task queue service for phone-agent automation.
// Copyright (C) 2025 Xiaomu Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"xiaomu/internal/api"
	"xiaomu/internal/broker"
	"xiaomu/internal/config"
	"xiaomu/internal/finalize"
	"xiaomu/internal/intake"
	"xiaomu/internal/logging"
	"xiaomu/internal/metrics"
	"xiaomu/internal/notify"
	"xiaomu/internal/store"
	"xiaomu/internal/worker"
	"xiaomu/internal/workflow"
)

const (
	httpShutdownTimeout = 20 * time.Second
	poolDrainTimeout    = 30 * time.Second
	queueDepthInterval  = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue service",
	Long: `Serve starts the HTTP intake API and the worker pool in one process.
All configuration comes from AGLM_* and PHONE_AGENT_* environment
variables; every knob has a local-development default.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("db_driver", cfg.DBDriver).
		Str("db_password", logging.RedactSecret(cfg.DBPassword)).
		Str("redis_host", cfg.RedisHost).
		Int("redis_port", cfg.RedisPort).
		Int("redis_db", cfg.RedisDB).
		Str("queue_key", cfg.QueueKey).
		Str("key_prefix", cfg.KeyPrefix).
		Int("worker_count", cfg.WorkerCount).
		Dur("pop_timeout", cfg.PopTimeout).
		Dur("cmd_timeout", cfg.CmdTimeout).
		Str("project_root", cfg.ProjectRoot).
		Str("model_api_key", logging.RedactSecret(cfg.ModelAPIKey)).
		Msg("starting xiaomu")

	ctx := context.Background()

	st, err := store.Open(ctx, store.Config{
		Driver:   cfg.DBDriver,
		Path:     cfg.DBPath,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Name:     cfg.DBName,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	br := broker.New(broker.Config{
		Host: cfg.RedisHost,
		Port: cfg.RedisPort,
		DB:   cfg.RedisDB,
	})

	settings := workflow.Settings{
		PythonBin:      cfg.PythonBin,
		ProjectRoot:    cfg.ProjectRoot,
		BaseURL:        cfg.ModelBaseURL,
		Model:          cfg.ModelName,
		APIKey:         cfg.ModelAPIKey,
		DeviceID:       cfg.DeviceID,
		MessagesFile:   cfg.MessagesFile,
		DeployTimeout:  cfg.DeployTimeout,
		DefaultTimeout: cfg.CmdTimeout,
	}

	registry := workflow.NewRegistry(settings)
	runner := workflow.NewRunner(registry, logging.WithComponent(logger, "runner"))
	replier := notify.NewReplier(settings, logging.WithComponent(logger, "notify"))
	finalizer := finalize.New(br, st, replier, cfg.KeyPrefix, logging.WithComponent(logger, "finalize"))
	svc := intake.New(br, st, registry, cfg.QueueKey, cfg.KeyPrefix, logging.WithComponent(logger, "intake"))

	pool := worker.NewPool(br, st, runner, finalizer, worker.Config{
		Count:      cfg.WorkerCount,
		QueueKey:   cfg.QueueKey,
		KeyPrefix:  cfg.KeyPrefix,
		PopTimeout: cfg.PopTimeout,
	}, logging.WithComponent(logger, "worker"))
	pool.Start(ctx)

	mux := http.NewServeMux()
	apiHandler := api.New(svc, st, br, finalizer, cfg.KeyPrefix, logging.WithComponent(logger, "api"))
	apiHandler.Register(mux)
	mux.Handle("/metrics", metrics.Handler())

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	go pollQueueDepth(pollCtx, br, cfg.QueueKey, logging.WithComponent(logger, "metrics"))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		stopPool(pool, logger)
		return fmt.Errorf("http server: %w", err)
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	// Stop accepting requests first so no new tasks land mid-drain, then
	// let in-flight workers finish.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}

	cancelPoll()
	stopPool(pool, logger)

	logger.Info().Msg("server exited")
	return nil
}

func stopPool(pool *worker.Pool, logger zerolog.Logger) {
	drainCtx, cancel := context.WithTimeout(context.Background(), poolDrainTimeout)
	defer cancel()
	if err := pool.Stop(drainCtx); err != nil {
		logger.Error().Err(err).Msg("worker pool did not drain cleanly")
	}
}

// pollQueueDepth samples the broker list length on a fixed interval so the
// queue depth gauge stays fresh between enqueues.
func pollQueueDepth(ctx context.Context, br *broker.Client, queueKey string, logger zerolog.Logger) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			length, err := br.LLen(ctx, queueKey)
			if err != nil {
				logger.Debug().Err(err).Msg("queue depth sample failed")
				continue
			}
			metrics.SetQueueDepth(length)
		}
	}
}
