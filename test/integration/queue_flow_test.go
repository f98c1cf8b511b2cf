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

package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"xiaomu/internal/api"
	"xiaomu/internal/broker"
	"xiaomu/internal/finalize"
	"xiaomu/internal/intake"
	"xiaomu/internal/notify"
	"xiaomu/internal/store"
	"xiaomu/internal/worker"
	"xiaomu/internal/workflow"
)

// miniRedis is a stateful list/hash server speaking just enough RESP for
// the broker client: SELECT, LPUSH, BRPOP, HSET, HGET, LLEN.
type miniRedis struct {
	ln net.Listener

	mu     sync.Mutex
	lists  map[string][]string
	hashes map[string]map[string]string
}

func startMiniRedis(t *testing.T) (*miniRedis, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	m := &miniRedis{
		ln:     ln,
		lists:  make(map[string][]string),
		hashes: make(map[string]map[string]string),
	}
	go m.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return m, ln.Addr().(*net.TCPAddr).Port
}

func (m *miniRedis) serve() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		go m.handle(conn)
	}
}

func (m *miniRedis) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		cmd, err := readCommand(r)
		if err != nil {
			return
		}
		if _, err := conn.Write([]byte(m.respond(cmd))); err != nil {
			return
		}
	}
}

func (m *miniRedis) respond(cmd []string) string {
	switch strings.ToUpper(cmd[0]) {
	case "SELECT":
		return "+OK\r\n"
	case "LPUSH":
		m.mu.Lock()
		m.lists[cmd[1]] = append([]string{cmd[2]}, m.lists[cmd[1]]...)
		length := len(m.lists[cmd[1]])
		m.mu.Unlock()
		return fmt.Sprintf(":%d\r\n", length)
	case "BRPOP":
		secs, _ := strconv.Atoi(cmd[2])
		deadline := time.Now().Add(time.Duration(secs) * time.Second)
		for {
			m.mu.Lock()
			if items := m.lists[cmd[1]]; len(items) > 0 {
				value := items[len(items)-1]
				m.lists[cmd[1]] = items[:len(items)-1]
				m.mu.Unlock()
				return fmt.Sprintf("*2\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n",
					len(cmd[1]), cmd[1], len(value), value)
			}
			m.mu.Unlock()
			if time.Now().After(deadline) {
				return "*-1\r\n"
			}
			time.Sleep(5 * time.Millisecond)
		}
	case "HSET":
		m.mu.Lock()
		hash := m.hashes[cmd[1]]
		if hash == nil {
			hash = make(map[string]string)
			m.hashes[cmd[1]] = hash
		}
		created := 0
		for i := 2; i+1 < len(cmd); i += 2 {
			if _, ok := hash[cmd[i]]; !ok {
				created++
			}
			hash[cmd[i]] = cmd[i+1]
		}
		m.mu.Unlock()
		return fmt.Sprintf(":%d\r\n", created)
	case "HGET":
		m.mu.Lock()
		value, ok := m.hashes[cmd[1]][cmd[2]]
		m.mu.Unlock()
		if !ok {
			return "$-1\r\n"
		}
		return fmt.Sprintf("$%d\r\n%s\r\n", len(value), value)
	case "LLEN":
		m.mu.Lock()
		length := len(m.lists[cmd[1]])
		m.mu.Unlock()
		return fmt.Sprintf(":%d\r\n", length)
	default:
		return "-ERR unknown command '" + cmd[0] + "'\r\n"
	}
}

// readCommand reads one RESP array-of-bulk-strings command.
func readCommand(r *bufio.Reader) ([]string, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if header[0] != '*' {
		return nil, fmt.Errorf("unexpected command header %q", header)
	}
	n, err := strconv.Atoi(strings.TrimRight(header[1:], "\r\n"))
	if err != nil {
		return nil, err
	}
	cmd := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if sizeLine[0] != '$' {
			return nil, fmt.Errorf("unexpected bulk header %q", sizeLine)
		}
		size, err := strconv.Atoi(strings.TrimRight(sizeLine[1:], "\r\n"))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		cmd = append(cmd, string(buf[:size]))
	}
	return cmd, nil
}

// testService wires the full stack against a throwaway sqlite file and a
// miniRedis. Workflow and reply subprocesses are scripted, not spawned.
type testService struct {
	Server *httptest.Server
	Store  *store.Store
	Broker *broker.Client
	Pool   *worker.Pool
	Redis  *miniRedis

	mu       sync.Mutex
	runs     [][]string
	replies  [][]string
	runsOut  string
	runsCode int
}

const (
	testQueueKey  = "aglm:task_queue"
	testKeyPrefix = "aglm:task"
)

func setupService(t *testing.T) *testService {
	t.Helper()

	redis, port := startMiniRedis(t)

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(ctx, store.Config{Driver: store.DriverSQLite, Path: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	br := broker.New(broker.Config{Host: "127.0.0.1", Port: port, DialTimeout: 2 * time.Second})

	ts := &testService{
		Store:    st,
		Broker:   br,
		Redis:    redis,
		runsOut:  "行程已生成",
		runsCode: 0,
	}

	logger := zerolog.Nop()
	settings := workflow.Settings{ProjectRoot: t.TempDir(), DefaultTimeout: 5 * time.Second}
	registry := workflow.NewRegistry(settings)

	runner := workflow.NewRunner(registry, logger)
	runner.SetExec(func(ctx context.Context, dir string, argv []string) ([]byte, []byte, int, error) {
		ts.mu.Lock()
		ts.runs = append(ts.runs, argv)
		out, code := ts.runsOut, ts.runsCode
		ts.mu.Unlock()
		return []byte(out), nil, code, nil
	})

	replier := notify.NewReplier(settings, logger)
	replier.SetExec(func(ctx context.Context, dir string, argv []string) (int, error) {
		ts.mu.Lock()
		ts.replies = append(ts.replies, argv)
		ts.mu.Unlock()
		return 0, nil
	})

	finalizer := finalize.New(br, st, replier, testKeyPrefix, logger)
	svc := intake.New(br, st, registry, testQueueKey, testKeyPrefix, logger)

	ts.Pool = worker.NewPool(br, st, runner, finalizer, worker.Config{
		Count:      1,
		QueueKey:   testQueueKey,
		KeyPrefix:  testKeyPrefix,
		PopTimeout: time.Second,
		ErrorSleep: 50 * time.Millisecond,
	}, logger)

	mux := http.NewServeMux()
	api.New(svc, st, br, finalizer, testKeyPrefix, logger).Register(mux)
	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Server.Close)

	return ts
}

func (ts *testService) startPool(t *testing.T) {
	t.Helper()
	ts.Pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ts.Pool.Stop(ctx); err != nil {
			t.Errorf("stop pool: %v", err)
		}
	})
}

func (ts *testService) sentReplies() [][]string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([][]string, len(ts.replies))
	copy(out, ts.replies)
	return out
}

func (ts *testService) postJSON(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(ts.Server.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}

func (ts *testService) getJSON(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.Server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}

// taskView mirrors the /task/{id} response shape.
type taskView struct {
	Task struct {
		TaskID   string `json:"task_id"`
		Status   string `json:"status"`
		User     string `json:"user"`
		Type     string `json:"type"`
		Workflow string `json:"workflow"`
		Result   string `json:"result"`
	} `json:"task"`
	Events []struct {
		Phase  string `json:"phase"`
		Status string `json:"status"`
		Input  string `json:"input"`
		Output string `json:"output"`
	} `json:"events"`
}

func (ts *testService) waitForStatus(t *testing.T, taskID, want string) taskView {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, data := ts.getJSON(t, "/task/"+taskID)
		if resp.StatusCode == http.StatusOK {
			var view taskView
			if err := json.Unmarshal(data, &view); err != nil {
				t.Fatalf("parse task response: %v", err)
			}
			if view.Task.Status == want {
				return view
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s never reached status %q; last response: %s", taskID, want, data)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestQueueFlowEndToEnd(t *testing.T) {
	ts := setupService(t)
	ts.startPool(t)

	resp, data := ts.postJSON(t, "/enqueue", map[string]any{
		"user":    "u-7",
		"content": "帮我规划一次三天的旅行",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enqueue status = %d, body %s", resp.StatusCode, data)
	}

	var enq struct {
		Status      string `json:"status"`
		TaskID      string `json:"task_id"`
		QueueLength int64  `json:"queue_length"`
		Intent      struct {
			Intent   string `json:"intent"`
			Workflow string `json:"workflow"`
		} `json:"intent"`
	}
	if err := json.Unmarshal(data, &enq); err != nil {
		t.Fatalf("parse enqueue response: %v", err)
	}
	if enq.Status != "accepted" || enq.TaskID == "" {
		t.Fatalf("unexpected enqueue response: %+v", enq)
	}
	if enq.Intent.Workflow != "travel_plan" {
		t.Errorf("intent workflow = %q, want travel_plan", enq.Intent.Workflow)
	}

	view := ts.waitForStatus(t, enq.TaskID, "success")
	if view.Task.Result != "行程已生成" {
		t.Errorf("result = %q, want 行程已生成", view.Task.Result)
	}
	if view.Task.User != "u-7" || view.Task.Type != "travel_plan" {
		t.Errorf("task identity = %+v", view.Task)
	}

	// Events arrive newest first: terminal, start, enqueue.
	if len(view.Events) != 3 {
		t.Fatalf("events = %d, want 3: %+v", len(view.Events), view.Events)
	}
	if view.Events[0].Phase != "travel_plan" || view.Events[0].Status != "success" {
		t.Errorf("terminal event = %+v", view.Events[0])
	}
	if view.Events[1].Phase != "start" || view.Events[1].Status != "running" {
		t.Errorf("start event = %+v", view.Events[1])
	}
	if view.Events[2].Phase != "enqueue" || view.Events[2].Status != "pending" {
		t.Errorf("enqueue event = %+v", view.Events[2])
	}
	if view.Events[2].Input != "帮我规划一次三天的旅行" {
		t.Errorf("enqueue input = %q", view.Events[2].Input)
	}

	// The reply helper was invoked once for the requesting user with the
	// sealed outcome.
	replies := ts.sentReplies()
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
	joined := strings.Join(replies[0], " ")
	if !strings.Contains(joined, "--user u-7") {
		t.Errorf("reply argv missing user: %v", replies[0])
	}
	wantMsg := "任务 " + enq.TaskID + " (travel_plan) success。\n结果: 行程已生成"
	if !strings.Contains(joined, wantMsg) {
		t.Errorf("reply argv missing message %q: %v", wantMsg, replies[0])
	}
}

func TestQueueFlowFailureSealsAndNotifies(t *testing.T) {
	ts := setupService(t)
	ts.mu.Lock()
	ts.runsOut = "应用启动失败"
	ts.runsCode = 3
	ts.mu.Unlock()
	ts.startPool(t)

	resp, data := ts.postJSON(t, "/enqueue", map[string]any{
		"user":    "u-11",
		"content": "检查一下模型部署",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enqueue status = %d, body %s", resp.StatusCode, data)
	}
	var enq struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(data, &enq); err != nil {
		t.Fatalf("parse enqueue response: %v", err)
	}

	view := ts.waitForStatus(t, enq.TaskID, "failed")
	if view.Task.Result != "应用启动失败" {
		t.Errorf("result = %q", view.Task.Result)
	}
	if len(ts.sentReplies()) != 1 {
		t.Errorf("failure should still notify the user")
	}
}

func TestFinishSealsExternallyExecutedTask(t *testing.T) {
	ts := setupService(t)
	// No pool: the task stays queued while an external executor works it.

	resp, data := ts.postJSON(t, "/enqueue", map[string]any{
		"user":    "u-9",
		"content": "帮我统计上周报表",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enqueue status = %d, body %s", resp.StatusCode, data)
	}
	var enq struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(data, &enq); err != nil {
		t.Fatalf("parse enqueue response: %v", err)
	}

	resp, data = ts.postJSON(t, "/finish", map[string]any{
		"task_id": enq.TaskID,
		"status":  "success",
		"result":  "统计完成",
		"notify":  false,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finish status = %d, body %s", resp.StatusCode, data)
	}

	resp, data = ts.getJSON(t, "/task/"+enq.TaskID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("task status = %d, body %s", resp.StatusCode, data)
	}
	var view taskView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("parse task response: %v", err)
	}
	if view.Task.Status != "success" || view.Task.Result != "统计完成" {
		t.Errorf("task = %+v", view.Task)
	}
	// Identity came from the live hash; the workflow recorded at enqueue
	// time names the finalize phase.
	if view.Task.User != "u-9" {
		t.Errorf("user = %q, want u-9", view.Task.User)
	}
	if len(view.Events) != 2 {
		t.Fatalf("events = %d, want 2: %+v", len(view.Events), view.Events)
	}
	if view.Events[0].Phase != "report_stub" || view.Events[0].Status != "success" {
		t.Errorf("terminal event = %+v", view.Events[0])
	}
	if len(ts.sentReplies()) != 0 {
		t.Errorf("notify=false must not invoke the reply helper")
	}
}

func TestTaskEndpointUnknownID(t *testing.T) {
	ts := setupService(t)

	resp, data := ts.getJSON(t, "/task/AGLM-DEADBEEF")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var envelope struct {
		Status string `json:"status"`
		Msg    string `json:"msg"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("parse error envelope: %v", err)
	}
	if envelope.Status != "error" || !strings.Contains(envelope.Msg, "AGLM-DEADBEEF") {
		t.Errorf("envelope = %+v", envelope)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupService(t)

	resp, data := ts.getJSON(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("parse health response: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("health = %+v", health)
	}
}
