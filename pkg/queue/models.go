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

// Package queue contains the shared data models and helpers used by the
// intake service, the worker pool, and the HTTP API. A task has two views:
// the durable SQL row (Task) and the live broker hash named by StatusKey;
// QueuePayload is the message that travels between them on the broker list.
package queue

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
// Workers only move a task forward: pending → running → success|failed.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
)

// Valid reports whether the status is one of the allowed states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSuccess, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// String returns the string value of the TaskStatus.
func (s TaskStatus) String() string { return string(s) }

// Event phases written by the service itself. Terminal events use the
// workflow name as their phase.
const (
	PhaseEnqueue = "enqueue"
	PhaseStart   = "start"
)

// MaxResultChars bounds result text stored in rows, broker hashes, and
// notification messages. Counted in runes, not bytes.
const MaxResultChars = 2000

// Task represents the durable row backing a queued task. Timestamps are
// fractional epoch seconds to stay comparable with broker hash fields.
type Task struct {
	ID             string     `json:"id" db:"id"`
	User           string     `json:"user" db:"user"`
	Type           string     `json:"type" db:"type"`
	Status         TaskStatus `json:"status" db:"status"`
	RedisKey       string     `json:"redis_key" db:"redis_key"`
	CreatedAt      float64    `json:"created_at" db:"created_at"`
	UpdatedAt      float64    `json:"updated_at" db:"updated_at"`
	LastCheckpoint string     `json:"last_checkpoint,omitempty" db:"last_checkpoint"`
	ResumeHint     string     `json:"resume_hint,omitempty" db:"resume_hint"`
	Retries        int        `json:"retries" db:"retries"`
	PayloadJSON    string     `json:"payload_json,omitempty" db:"payload_json"`
	ResultSummary  string     `json:"result_summary,omitempty" db:"result_summary"`
}

// NewTask constructs a pending Task row. The type column records the
// caller-supplied task type when present, else the resolved workflow name.
func NewTask(id, user, workflow, taskType, redisKey, payloadJSON string, now float64) Task {
	typ := taskType
	if typ == "" {
		typ = workflow
	}
	return Task{
		ID:          id,
		User:        user,
		Type:        typ,
		Status:      TaskStatusPending,
		RedisKey:    redisKey,
		CreatedAt:   now,
		UpdatedAt:   now,
		PayloadJSON: payloadJSON,
	}
}

// TaskEvent is an append-only audit record for a Task.
// Used for user-visible progress and debugging observability.
type TaskEvent struct {
	ID              int64      `json:"id" db:"id"`
	TaskID          string     `json:"task_id" db:"task_id"`
	Phase           string     `json:"phase" db:"phase"`
	Status          TaskStatus `json:"status" db:"status"`
	Input           string     `json:"input" db:"input"`
	Output          string     `json:"output" db:"output"`
	CheckpointToken string     `json:"checkpoint_token" db:"checkpoint_token"`
	CreatedAt       float64    `json:"created_at" db:"created_at"`
}

// QueuePayload is the JSON message pushed onto the broker list. ScriptArgs
// is never null on the wire (an absent value marshals as []), and TaskType
// is the empty string when the caller supplied none.
type QueuePayload struct {
	ID         string   `json:"id"`
	User       string   `json:"user"`
	Content    string   `json:"content"`
	Intent     string   `json:"intent"`
	Workflow   string   `json:"workflow"`
	CreatedAt  float64  `json:"created_at"`
	TaskType   string   `json:"task_type"`
	ScriptArgs []string `json:"script_args"`
}

// Intent pairs a classified intent label with the workflow serving it.
type Intent struct {
	Intent   string `json:"intent"`
	Workflow string `json:"workflow"`
}

// --------------- Helpers ---------------

// NewTaskID mints a task id: "AGLM-" plus the first eight hex digits of a
// random UUID, uppercased.
func NewTaskID() string {
	u := uuid.New()
	return "AGLM-" + strings.ToUpper(hex.EncodeToString(u[:4]))
}

// StatusKey names the broker hash carrying a task's live status.
func StatusKey(prefix, taskID string) string {
	return prefix + ":" + taskID
}

// TrimTail keeps at most max runes from the end of s. Workflow output is
// trimmed from the front because the tail carries the verdict.
func TrimTail(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[len(runes)-max:])
}

// EpochSeconds renders t as fractional epoch seconds. Whole seconds and the
// sub-second part are converted separately; nanoseconds since 1970 overflow
// a float64 mantissa and would round the fraction.
func EpochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

// FormatEpoch renders an epoch-seconds timestamp as a broker hash value.
func FormatEpoch(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// EncodeJSON marshals v without HTML escaping so multilingual content
// survives the wire byte-for-byte.
func EncodeJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
