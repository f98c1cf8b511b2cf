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

// Package intake admits tasks into the queue. Enqueue resolves the
// workflow, mints the task id, and fans the task out to the broker list,
// the live status hash, and the durable store. There is no rollback: a
// failure partway leaves earlier writes in place and surfaces the error.
package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"xiaomu/internal/intent"
	"xiaomu/internal/metrics"
	"xiaomu/internal/workflow"
	"xiaomu/pkg/queue"
)

// Broker is the slice of the queue broker intake needs.
type Broker interface {
	LPush(ctx context.Context, key, value string) (int64, error)
	HSet(ctx context.Context, key string, fields map[string]string) (int64, error)
}

// Store is the slice of the durable store intake needs.
type Store interface {
	PersistTask(ctx context.Context, t queue.Task) error
	RecordEvent(ctx context.Context, ev queue.TaskEvent) error
}

// Registry resolves explicit task types to workflows.
type Registry interface {
	Has(name string) bool
	RegisterScript(taskType string, scriptArgs []string) (workflow.Definition, error)
}

// Result is what intake reports back to the API layer.
type Result struct {
	TaskID      string
	QueueLength int64
	Intent      queue.Intent
}

// Service admits tasks.
type Service struct {
	broker    Broker
	store     Store
	registry  Registry
	queueKey  string
	keyPrefix string
	logger    zerolog.Logger
	now       func() time.Time
}

// New builds an intake Service. queueKey is the broker list, keyPrefix the
// status hash prefix.
func New(broker Broker, store Store, registry Registry, queueKey, keyPrefix string, logger zerolog.Logger) *Service {
	return &Service{
		broker:    broker,
		store:     store,
		registry:  registry,
		queueKey:  queueKey,
		keyPrefix: keyPrefix,
		logger:    logger,
		now:       time.Now,
	}
}

// Enqueue admits one task. An explicit taskType wins when the registry
// knows it (or can register it as a dynamic script); otherwise the intent
// classifier picks the workflow from content.
func (s *Service) Enqueue(ctx context.Context, user, content, taskType string, scriptArgs []string) (*Result, error) {
	in := s.resolve(content, taskType, scriptArgs)
	id := queue.NewTaskID()
	epoch := queue.EpochSeconds(s.now())

	if scriptArgs == nil {
		scriptArgs = []string{}
	}
	payload := queue.QueuePayload{
		ID:         id,
		User:       user,
		Content:    content,
		Intent:     in.Intent,
		Workflow:   in.Workflow,
		CreatedAt:  epoch,
		TaskType:   taskType,
		ScriptArgs: scriptArgs,
	}
	raw, err := queue.EncodeJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("enqueue: encode payload: %w", err)
	}

	length, err := s.broker.LPush(ctx, s.queueKey, raw)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: queue push: %w", id, err)
	}

	statusKey := queue.StatusKey(s.keyPrefix, id)
	fields := map[string]string{
		"status":     queue.TaskStatusPending.String(),
		"created_at": queue.FormatEpoch(epoch),
		"intent":     in.Intent,
		"workflow":   in.Workflow,
		"user":       user,
		"content":    content,
		"task_type":  taskType,
	}
	if _, err := s.broker.HSet(ctx, statusKey, fields); err != nil {
		return nil, fmt.Errorf("enqueue %s: status hash: %w", id, err)
	}

	task := queue.NewTask(id, user, in.Workflow, taskType, statusKey, raw, epoch)
	if err := s.store.PersistTask(ctx, task); err != nil {
		return nil, fmt.Errorf("enqueue %s: persist: %w", id, err)
	}
	ev := queue.TaskEvent{
		TaskID:    id,
		Phase:     queue.PhaseEnqueue,
		Status:    queue.TaskStatusPending,
		Input:     content,
		CreatedAt: epoch,
	}
	if err := s.store.RecordEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("enqueue %s: record event: %w", id, err)
	}

	metrics.IncTaskEnqueued(in.Workflow)
	metrics.SetQueueDepth(length)

	s.logger.Info().
		Str("task_id", id).
		Str("workflow", in.Workflow).
		Str("user", user).
		Int64("queue_length", length).
		Msg("task enqueued")

	return &Result{TaskID: id, QueueLength: length, Intent: in}, nil
}

// resolve picks the workflow for a request. Explicit task types are tried
// against the registry first, including on-demand script registration;
// anything else falls back to keyword intent detection.
func (s *Service) resolve(content, taskType string, scriptArgs []string) queue.Intent {
	if taskType == "" {
		return intent.Detect(content)
	}
	if s.registry.Has(taskType) {
		return queue.Intent{Intent: taskType, Workflow: taskType}
	}
	def, err := s.registry.RegisterScript(taskType, scriptArgs)
	if err == nil {
		return queue.Intent{Intent: taskType, Workflow: def.Name}
	}
	s.logger.Debug().
		Err(err).
		Str("task_type", taskType).
		Msg("no dynamic workflow, falling back to intent detection")
	return intent.Detect(content)
}
