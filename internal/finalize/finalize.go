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

// Package finalize records the terminal outcome of a task across the live
// broker hash and the durable store, then notifies the requesting user.
// The broker hash is written first so pollers see the terminal status even
// if the durable write fails.
package finalize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"xiaomu/internal/metrics"
	"xiaomu/pkg/queue"
)

// defaultResult replaces an empty result so users never receive a blank
// notification.
const defaultResult = "无详细结果"

// Broker is the slice of the queue broker the finalizer needs.
type Broker interface {
	HSet(ctx context.Context, key string, fields map[string]string) (int64, error)
	HGet(ctx context.Context, key, field string) (string, bool, error)
}

// Store is the slice of the durable store the finalizer needs.
type Store interface {
	UpdateTask(ctx context.Context, id string, status queue.TaskStatus, result, resumeHint, checkpoint string) error
	RecordEvent(ctx context.Context, ev queue.TaskEvent) error
}

// Notifier delivers a result message to a user.
type Notifier interface {
	Notify(ctx context.Context, user, message string) error
}

// Metadata is the live-hash view of a task's identifying fields. Missing
// or unreadable fields come back empty.
type Metadata struct {
	User     string
	Workflow string
	Intent   string
	TaskType string
	Content  string
}

// Finalizer seals task outcomes.
type Finalizer struct {
	broker    Broker
	store     Store
	notifier  Notifier
	keyPrefix string
	logger    zerolog.Logger
	now       func() time.Time
}

// New builds a Finalizer. keyPrefix is the broker hash key prefix.
func New(broker Broker, store Store, notifier Notifier, keyPrefix string, logger zerolog.Logger) *Finalizer {
	return &Finalizer{
		broker:    broker,
		store:     store,
		notifier:  notifier,
		keyPrefix: keyPrefix,
		logger:    logger,
		now:       time.Now,
	}
}

// Metadata reads the task's identifying fields from the live hash. Each
// field is best-effort: broker errors degrade to "".
func (f *Finalizer) Metadata(ctx context.Context, taskID string) Metadata {
	key := queue.StatusKey(f.keyPrefix, taskID)
	get := func(field string) string {
		v, ok, err := f.broker.HGet(ctx, key, field)
		if err != nil || !ok {
			return ""
		}
		return v
	}
	return Metadata{
		User:     get("user"),
		Workflow: get("workflow"),
		Intent:   get("intent"),
		TaskType: get("task_type"),
		Content:  get("content"),
	}
}

// Finalize writes the terminal status and result to the broker hash and
// the durable store, records a lifecycle event, and (optionally) notifies
// the user. An empty payload ID is a no-op. Notifier failures are logged
// and swallowed; broker and store failures propagate.
func (f *Finalizer) Finalize(ctx context.Context, p queue.QueuePayload, status queue.TaskStatus, result string, notify bool) error {
	if p.ID == "" {
		return nil
	}

	user, flow := p.User, p.Workflow
	if user == "" || flow == "" {
		meta := f.Metadata(ctx, p.ID)
		if user == "" {
			user = meta.User
		}
		if flow == "" {
			flow = meta.Workflow
		}
	}
	if flow == "" {
		flow = "unknown"
	}

	result = strings.TrimSpace(result)
	if result == "" {
		result = defaultResult
	}
	result = queue.TrimTail(result, queue.MaxResultChars)

	epoch := queue.EpochSeconds(f.now())
	fields := map[string]string{
		"status":       status.String(),
		"finished_at":  queue.FormatEpoch(epoch),
		"final_result": result,
		"workflow":     flow,
		"user":         user,
	}
	if _, err := f.broker.HSet(ctx, queue.StatusKey(f.keyPrefix, p.ID), fields); err != nil {
		return fmt.Errorf("finalize %s: broker update: %w", p.ID, err)
	}

	if err := f.store.UpdateTask(ctx, p.ID, status, result, "", ""); err != nil {
		return fmt.Errorf("finalize %s: store update: %w", p.ID, err)
	}
	ev := queue.TaskEvent{
		TaskID:    p.ID,
		Phase:     flow,
		Status:    status,
		Output:    result,
		CreatedAt: epoch,
	}
	if err := f.store.RecordEvent(ctx, ev); err != nil {
		return fmt.Errorf("finalize %s: record event: %w", p.ID, err)
	}

	metrics.IncTaskFinished(status.String())

	if notify && user != "" {
		msg := fmt.Sprintf("任务 %s (%s) %s。\n结果: %s", p.ID, flow, status, result)
		if err := f.notifier.Notify(ctx, user, msg); err != nil {
			f.logger.Warn().
				Err(err).
				Str("task_id", p.ID).
				Str("user", user).
				Msg("result notification failed")
		}
	}
	return nil
}
