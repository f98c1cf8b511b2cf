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

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	tasksEnqueued    *prometheus.CounterVec
	tasksFinished    *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
	httpRequests     *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncTaskEnqueued counts a task accepted by intake, labeled by workflow.
func IncTaskEnqueued(workflow string) {
	label := sanitizeLabel(workflow, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if tasksEnqueued != nil {
		tasksEnqueued.WithLabelValues(label).Inc()
	}
}

// IncTaskFinished counts a finalized task, labeled by terminal status.
func IncTaskFinished(status string) {
	label := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if tasksFinished != nil {
		tasksFinished.WithLabelValues(label).Inc()
	}
}

// ObserveWorkflowDuration records how long a workflow subprocess ran.
func ObserveWorkflowDuration(workflow string, duration time.Duration) {
	label := sanitizeLabel(workflow, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if workflowDuration != nil {
		workflowDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

// SetQueueDepth records the broker list length as last observed.
func SetQueueDepth(n int64) {
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.Set(float64(n))
	}
}

// IncHTTPRequest counts a served HTTP request by route and status code.
func IncHTTPRequest(path string, code int) {
	label := sanitizeLabel(path, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if httpRequests != nil {
		httpRequests.WithLabelValues(label, strconv.Itoa(code)).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	enqueued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xiaomu",
		Subsystem: "queue",
		Name:      "tasks_enqueued_total",
		Help:      "Total tasks accepted by intake, grouped by resolved workflow.",
	}, []string{"workflow"})

	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xiaomu",
		Subsystem: "queue",
		Name:      "tasks_finished_total",
		Help:      "Total finalized tasks grouped by terminal status.",
	}, []string{"status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "xiaomu",
		Subsystem: "queue",
		Name:      "workflow_duration_seconds",
		Help:      "Duration of workflow subprocess execution by workflow.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"workflow"})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "xiaomu",
		Subsystem: "queue",
		Name:      "queue_depth",
		Help:      "Length of the broker task list as last observed.",
	})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xiaomu",
		Subsystem: "queue",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests served, grouped by route and status code.",
	}, []string{"path", "code"})

	registry.MustRegister(enqueued, finished, duration, depth, requests)

	reg = registry
	tasksEnqueued = enqueued
	tasksFinished = finished
	workflowDuration = duration
	queueDepth = depth
	httpRequests = requests
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' || r == '/' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
