package worker

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

// Package worker implements the queue consumers: a fixed pool of
// goroutines that block-pop queued tasks, mark them running across the
// broker hash and the store, execute the workflow, and hand the outcome to
// the finalizer. A failed task is never re-queued.
import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"xiaomu/internal/metrics"
	"xiaomu/internal/workflow"
	"xiaomu/pkg/queue"
)

// Broker is the slice of the queue broker the pool needs.
type Broker interface {
	BRPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error)
	HSet(ctx context.Context, key string, fields map[string]string) (int64, error)
}

// Store is the slice of the durable store the pool needs.
type Store interface {
	UpdateTask(ctx context.Context, id string, status queue.TaskStatus, result, resumeHint, checkpoint string) error
	RecordEvent(ctx context.Context, ev queue.TaskEvent) error
}

// Runner executes one task to a terminal result.
type Runner interface {
	Run(ctx context.Context, p queue.QueuePayload) workflow.Result
}

// Finalizer seals a task's outcome.
type Finalizer interface {
	Finalize(ctx context.Context, p queue.QueuePayload, status queue.TaskStatus, result string, notify bool) error
}

// Config controls pool size and queue polling.
type Config struct {
	// Count is the number of worker goroutines.
	Count int

	// QueueKey is the broker list to consume; KeyPrefix names status hashes.
	QueueKey  string
	KeyPrefix string

	// PopTimeout bounds each blocking pop; ErrorSleep is the backoff after
	// a failed step.
	PopTimeout time.Duration
	ErrorSleep time.Duration
}

// Pool consumes queued tasks with a fixed set of workers.
type Pool struct {
	broker    Broker
	store     Store
	runner    Runner
	finalizer Finalizer
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewPool constructs a Pool, applying defaults for unset config values.
func NewPool(broker Broker, store Store, runner Runner, finalizer Finalizer, cfg Config, logger zerolog.Logger) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 2
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 10 * time.Second
	}
	if cfg.ErrorSleep <= 0 {
		cfg.ErrorSleep = 2 * time.Second
	}
	return &Pool{
		broker:    broker,
		store:     store,
		runner:    runner,
		finalizer: finalizer,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Start launches the worker goroutines (ids 1..Count) under a context
// derived from ctx. Starting a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true

	for i := 1; i <= p.cfg.Count; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.loop(runCtx, id)
		}(i)
	}
	p.logger.Info().
		Int("count", p.cfg.Count).
		Str("queue", p.cfg.QueueKey).
		Msg("worker pool started")
}

// Stop cancels the pop loops and waits for the workers to drain, bounded by
// ctx. An in-flight task runs to completion before its worker exits; idle
// workers return within PopTimeout.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	p.started = false
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info().Msg("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool drain: %w", ctx.Err())
	}
}

func (p *Pool) loop(ctx context.Context, id int) {
	logger := p.logger.With().Int("worker", id).Logger()
	logger.Info().Msg("worker started")
	defer logger.Info().Msg("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		raw, ok, err := p.broker.BRPop(ctx, p.cfg.QueueKey, p.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("queue pop failed")
			p.sleep(ctx)
			continue
		}
		if !ok || raw == "" {
			continue
		}

		var payload queue.QueuePayload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			// The message is already consumed; drop it rather than loop on it.
			logger.Error().
				Err(err).
				Str("raw", queue.TrimTail(raw, 256)).
				Msg("dropping malformed queue message")
			continue
		}

		// Cancel must only stop the pop loop: a popped task runs detached
		// so Stop drains in-flight work instead of killing it.
		if err := p.process(context.WithoutCancel(ctx), id, payload, logger); err != nil {
			logger.Error().Err(err).Str("task_id", payload.ID).Msg("task processing failed")
			p.sleep(ctx)
		}
	}
}

// process runs one task end to end: mark running everywhere, execute, and
// finalize with notification.
func (p *Pool) process(ctx context.Context, id int, payload queue.QueuePayload, logger zerolog.Logger) error {
	started := p.now()
	epoch := queue.EpochSeconds(started)

	fields := map[string]string{
		"status":     queue.TaskStatusRunning.String(),
		"started_at": queue.FormatEpoch(epoch),
		"worker":     strconv.Itoa(id),
	}
	if _, err := p.broker.HSet(ctx, queue.StatusKey(p.cfg.KeyPrefix, payload.ID), fields); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	ev := queue.TaskEvent{
		TaskID:    payload.ID,
		Phase:     queue.PhaseStart,
		Status:    queue.TaskStatusRunning,
		Input:     payload.Content,
		CreatedAt: epoch,
	}
	if err := p.store.RecordEvent(ctx, ev); err != nil {
		return fmt.Errorf("record start event: %w", err)
	}
	if err := p.store.UpdateTask(ctx, payload.ID, queue.TaskStatusRunning, "", "", ""); err != nil {
		return fmt.Errorf("mark row running: %w", err)
	}

	logger.Info().
		Str("task_id", payload.ID).
		Str("workflow", payload.Workflow).
		Str("user", payload.User).
		Msg("task started")

	res := p.runner.Run(ctx, payload)
	metrics.ObserveWorkflowDuration(payload.Workflow, p.now().Sub(started))

	if err := p.finalizer.Finalize(ctx, payload, res.Status, res.Output, true); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	logger.Info().
		Str("task_id", payload.ID).
		Str("status", res.Status.String()).
		Dur("duration", p.now().Sub(started)).
		Msg("task finished")
	return nil
}

// sleep waits out ErrorSleep unless ctx ends first.
func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.ErrorSleep):
	}
}
