package api

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

// Package api implements the HTTP surface of the task queue service.
//
// Endpoints implemented in this file:
//   - POST /enqueue (and its legacy alias POST /webhook)
//   - POST /finish
//   - GET  /health
//   - GET  /task/{id}
import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"xiaomu/internal/finalize"
	"xiaomu/internal/intake"
	"xiaomu/internal/metrics"
	"xiaomu/internal/store"
	"xiaomu/pkg/queue"
)

// Intake admits tasks into the queue.
type Intake interface {
	Enqueue(ctx context.Context, user, content, taskType string, scriptArgs []string) (*intake.Result, error)
}

// Store is the slice of the durable store the API reads.
type Store interface {
	LoadTask(ctx context.Context, id string) (*queue.Task, error)
	ListEvents(ctx context.Context, taskID string, limit int) ([]queue.TaskEvent, error)
}

// Broker reads live status hashes.
type Broker interface {
	HGet(ctx context.Context, key, field string) (string, bool, error)
}

// Finalizer applies caller-driven terminal updates.
type Finalizer interface {
	Metadata(ctx context.Context, taskID string) finalize.Metadata
	Finalize(ctx context.Context, p queue.QueuePayload, status queue.TaskStatus, result string, notify bool) error
}

// maxTaskEvents bounds the event list returned by GET /task/{id}.
const maxTaskEvents = 20

// API is the HTTP layer of the service.
type API struct {
	Intake    Intake
	Store     Store
	Broker    Broker
	Finalizer Finalizer
	KeyPrefix string

	Logger zerolog.Logger
}

// New constructs an API with its required dependencies.
func New(in Intake, st Store, br Broker, fin Finalizer, keyPrefix string, logger zerolog.Logger) *API {
	return &API{
		Intake:    in,
		Store:     st,
		Broker:    br,
		Finalizer: fin,
		KeyPrefix: keyPrefix,
		Logger:    logger,
	}
}

// Register attaches the API handlers to a mux under the expected routes.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/enqueue", a.instrument("/enqueue", a.enqueueHandler))
	mux.HandleFunc("/webhook", a.instrument("/webhook", a.enqueueHandler))
	mux.HandleFunc("/finish", a.instrument("/finish", a.finishHandler))
	mux.HandleFunc("/health", a.instrument("/health", a.healthHandler))
	mux.HandleFunc("/task/", a.instrument("/task/", a.taskHandler))
}

// --------------- Models ---------------

// EnqueueRequest is the payload for POST /enqueue and POST /webhook.
type EnqueueRequest struct {
	User       string   `json:"user"`
	Content    string   `json:"content"`
	TaskType   string   `json:"task_type"`
	ScriptArgs []string `json:"script_args"`
}

// EnqueueResponse is returned for POST /enqueue upon success.
type EnqueueResponse struct {
	Status      string       `json:"status"`
	TaskID      string       `json:"task_id"`
	QueueLength int64        `json:"queue_length"`
	Intent      queue.Intent `json:"intent"`
	TaskType    string       `json:"task_type"`
}

// FinishRequest is the payload for POST /finish. Notify defaults to true
// when absent.
type FinishRequest struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result string `json:"result"`
	User   string `json:"user"`
	Notify *bool  `json:"notify"`
}

// FinishResponse is returned for POST /finish upon success.
type FinishResponse struct {
	Status string `json:"status"`
	TaskID string `json:"task_id"`
}

// TaskSummary is the merged live-hash/row view of one task. The live hash
// wins field-wise for status and result; everything else comes from the
// durable row.
type TaskSummary struct {
	TaskID         string  `json:"task_id"`
	Status         string  `json:"status"`
	User           string  `json:"user"`
	Type           string  `json:"type"`
	Workflow       string  `json:"workflow"`
	Result         string  `json:"result"`
	CreatedAt      float64 `json:"created_at"`
	UpdatedAt      float64 `json:"updated_at"`
	ResumeHint     string  `json:"resume_hint"`
	LastCheckpoint string  `json:"last_checkpoint"`
}

// TaskEventDTO is a user-facing lifecycle event entry.
type TaskEventDTO struct {
	ID              int64   `json:"id"`
	Phase           string  `json:"phase"`
	Status          string  `json:"status"`
	Input           string  `json:"input"`
	Output          string  `json:"output"`
	CheckpointToken string  `json:"checkpoint_token"`
	CreatedAt       float64 `json:"created_at"`
}

// TaskResponse is returned for GET /task/{id}.
type TaskResponse struct {
	Task   TaskSummary    `json:"task"`
	Events []TaskEventDTO `json:"events"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// jsonError is the error envelope for API responses.
type jsonError struct {
	Status string `json:"status"`
	Msg    string `json:"msg"`
}

func errorEnvelope(msg string) jsonError {
	return jsonError{Status: "error", Msg: msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --------------- Instrumentation ---------------

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests per route pattern, not per raw path, to keep
// the label space bounded.
func (a *API) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.IncHTTPRequest(route, rec.status)
	}
}

// --------------- POST /enqueue, POST /webhook ---------------

func (a *API) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("request body could not be parsed as JSON"))
		return
	}
	if strings.TrimSpace(req.User) == "" {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("user is required"))
		return
	}

	res, err := a.Intake.Enqueue(ctx, req.User, req.Content, req.TaskType, req.ScriptArgs)
	if err != nil {
		a.Logger.Error().Err(err).Str("user", req.User).Msg("enqueue failed")
		writeJSON(w, http.StatusInternalServerError, errorEnvelope("failed to enqueue task"))
		return
	}

	taskType := req.TaskType
	if taskType == "" {
		taskType = res.Intent.Workflow
	}
	writeJSON(w, http.StatusOK, EnqueueResponse{
		Status:      "accepted",
		TaskID:      res.TaskID,
		QueueLength: res.QueueLength,
		Intent:      res.Intent,
		TaskType:    taskType,
	})
}

// --------------- POST /finish ---------------

func (a *API) finishHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	var req FinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("request body could not be parsed as JSON"))
		return
	}
	if strings.TrimSpace(req.TaskID) == "" {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("task_id is required"))
		return
	}
	status := queue.TaskStatus(req.Status)
	if !status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("invalid status: "+req.Status))
		return
	}
	notify := true
	if req.Notify != nil {
		notify = *req.Notify
	}

	meta := a.Finalizer.Metadata(ctx, req.TaskID)
	user := req.User
	if user == "" {
		user = meta.User
	}
	payload := queue.QueuePayload{
		ID:       req.TaskID,
		User:     user,
		Workflow: meta.Workflow,
		TaskType: meta.TaskType,
	}
	if err := a.Finalizer.Finalize(ctx, payload, status, req.Result, notify); err != nil {
		a.Logger.Error().Err(err).Str("task_id", req.TaskID).Msg("finish failed")
		writeJSON(w, http.StatusInternalServerError, errorEnvelope("failed to finalize task"))
		return
	}
	writeJSON(w, http.StatusOK, FinishResponse{Status: "ok", TaskID: req.TaskID})
}

// --------------- GET /health ---------------

func (a *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// --------------- GET /task/{id} ---------------

func (a *API) taskHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	// Path format: /task/{id} (no trailing segments)
	id := strings.TrimPrefix(r.URL.Path, "/task/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	row, err := a.Store.LoadTask(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		a.Logger.Error().Err(err).Str("task_id", id).Msg("task lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorEnvelope("failed to load task"))
		return
	}

	key := queue.StatusKey(a.KeyPrefix, id)
	liveStatus := a.hget(ctx, key, "status")
	liveResult := a.hget(ctx, key, "final_result")

	if row == nil && liveStatus == "" {
		writeJSON(w, http.StatusNotFound, errorEnvelope("task not found: "+id))
		return
	}

	summary := TaskSummary{TaskID: id}
	if row != nil {
		summary.Status = row.Status.String()
		summary.User = row.User
		summary.Type = row.Type
		summary.Workflow = row.Type
		summary.Result = row.ResultSummary
		summary.CreatedAt = row.CreatedAt
		summary.UpdatedAt = row.UpdatedAt
		summary.ResumeHint = row.ResumeHint
		summary.LastCheckpoint = row.LastCheckpoint
	}
	if liveStatus != "" {
		summary.Status = liveStatus
	}
	if liveResult != "" {
		summary.Result = liveResult
	}

	events, err := a.Store.ListEvents(ctx, id, maxTaskEvents)
	if err != nil {
		a.Logger.Error().Err(err).Str("task_id", id).Msg("event lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorEnvelope("failed to load task events"))
		return
	}
	writeJSON(w, http.StatusOK, TaskResponse{Task: summary, Events: toEventDTOs(events)})
}

// --------------- Helpers ---------------

// hget reads one live-hash field, degrading broker errors to "" so a dead
// broker still leaves the durable row readable.
func (a *API) hget(ctx context.Context, key, field string) string {
	v, ok, err := a.Broker.HGet(ctx, key, field)
	if err != nil || !ok {
		return ""
	}
	return v
}

func toEventDTOs(evts []queue.TaskEvent) []TaskEventDTO {
	out := make([]TaskEventDTO, 0, len(evts))
	for _, e := range evts {
		out = append(out, TaskEventDTO{
			ID:              e.ID,
			Phase:           e.Phase,
			Status:          e.Status.String(),
			Input:           e.Input,
			Output:          e.Output,
			CheckpointToken: e.CheckpointToken,
			CreatedAt:       e.CreatedAt,
		})
	}
	return out
}
