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

package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"xiaomu/pkg/queue"
)

// scriptedExec returns an ExecFunc with a fixed outcome and records the
// last invocation.
type scriptedExec struct {
	stdout   string
	stderr   string
	exitCode int
	err      error

	gotDir  string
	gotArgv []string
}

func (s *scriptedExec) exec(_ context.Context, dir string, argv []string) ([]byte, []byte, int, error) {
	s.gotDir = dir
	s.gotArgv = argv
	return []byte(s.stdout), []byte(s.stderr), s.exitCode, s.err
}

func newTestRunner(settings Settings, fake *scriptedExec) *Runner {
	r := NewRunner(NewRegistry(settings), zerolog.Nop())
	r.SetExec(fake.exec)
	return r
}

func TestRunSuccessPrefersStdout(t *testing.T) {
	fake := &scriptedExec{stdout: "deployment ok\n", stderr: "warning noise"}
	r := newTestRunner(Settings{ProjectRoot: "/opt/xiaomu"}, fake)

	res := r.Run(context.Background(), queue.QueuePayload{ID: "AGLM-1", Workflow: NameEcho})
	if res.Status != queue.TaskStatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if res.Output != "deployment ok" {
		t.Errorf("output = %q", res.Output)
	}
	if fake.gotDir != "/opt/xiaomu" {
		t.Errorf("subprocess dir = %q, want the project root", fake.gotDir)
	}
	if len(fake.gotArgv) == 0 || fake.gotArgv[0] != "python3" {
		t.Errorf("argv = %q", fake.gotArgv)
	}
}

func TestRunNonzeroExitUsesStderr(t *testing.T) {
	fake := &scriptedExec{stderr: "Traceback: boom\n", exitCode: 2}
	r := newTestRunner(Settings{}, fake)

	res := r.Run(context.Background(), queue.QueuePayload{Workflow: NameEcho})
	if res.Status != queue.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Output != "Traceback: boom" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestRunSilentChildYieldsPlaceholder(t *testing.T) {
	fake := &scriptedExec{stdout: "  \n", stderr: "\t"}
	r := newTestRunner(Settings{}, fake)

	res := r.Run(context.Background(), queue.QueuePayload{Workflow: NameEcho})
	if res.Status != queue.TaskStatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if res.Output != "无输出" {
		t.Errorf("output = %q, want 无输出", res.Output)
	}
}

func TestRunTrimsLongOutput(t *testing.T) {
	fake := &scriptedExec{stdout: "x" + strings.Repeat("a", queue.MaxResultChars)}
	r := newTestRunner(Settings{}, fake)

	res := r.Run(context.Background(), queue.QueuePayload{Workflow: NameEcho})
	if got := len([]rune(res.Output)); got != queue.MaxResultChars {
		t.Fatalf("output length = %d, want %d", got, queue.MaxResultChars)
	}
	if res.Output != strings.Repeat("a", queue.MaxResultChars) {
		t.Error("trim must keep the tail, not the head")
	}
}

func TestRunTimeout(t *testing.T) {
	r := NewRunner(NewRegistry(Settings{DeployTimeout: 20 * time.Millisecond}), zerolog.Nop())
	r.SetExec(func(ctx context.Context, _ string, _ []string) ([]byte, []byte, int, error) {
		<-ctx.Done()
		return nil, nil, -1, ctx.Err()
	})

	res := r.Run(context.Background(), queue.QueuePayload{Workflow: NameDeploymentCheck})
	if res.Status != queue.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Output != "执行超时" {
		t.Errorf("output = %q, want 执行超时", res.Output)
	}
}

func TestRunLaunchError(t *testing.T) {
	fake := &scriptedExec{exitCode: -1, err: errors.New("fork failed")}
	r := newTestRunner(Settings{}, fake)

	res := r.Run(context.Background(), queue.QueuePayload{Workflow: NameEcho})
	if res.Status != queue.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Output != "执行异常: fork failed" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestRunUnknownWorkflowFallsBackToEcho(t *testing.T) {
	fake := &scriptedExec{stdout: "ok"}
	r := newTestRunner(Settings{}, fake)

	res := r.Run(context.Background(), queue.QueuePayload{Workflow: "no_such_flow", Content: "hi"})
	if res.Status != queue.TaskStatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	assertArgv(t, fake.gotArgv, []string{"python3", "-c", "print('Received intent=general: hi')"})
}

type failingBuilder struct{}

func (failingBuilder) BuildCommand(queue.QueuePayload) ([]string, error) {
	return nil, errors.New("no argv")
}

func (failingBuilder) sealed() {}

func TestRunBuildFailure(t *testing.T) {
	reg := NewRegistry(Settings{})
	reg.defs["broken"] = Definition{Name: "broken", Timeout: time.Second, Builder: failingBuilder{}}

	fake := &scriptedExec{stdout: "never reached"}
	r := NewRunner(reg, zerolog.Nop())
	r.SetExec(fake.exec)

	res := r.Run(context.Background(), queue.QueuePayload{Workflow: "broken"})
	if res.Status != queue.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Output != "构建命令失败: no argv" {
		t.Errorf("output = %q", res.Output)
	}
	if fake.gotArgv != nil {
		t.Error("exec must not run when the build fails")
	}
}

func TestDefaultExecRejectsEmptyArgv(t *testing.T) {
	_, _, code, err := defaultExec(context.Background(), "", nil)
	if err == nil {
		t.Fatal("expected an error for empty argv")
	}
	if code != -1 {
		t.Errorf("exit code = %d, want -1", code)
	}
}

func TestSetExecIgnoresNil(t *testing.T) {
	r := NewRunner(NewRegistry(Settings{}), zerolog.Nop())
	r.SetExec(nil)
	if r.exec == nil {
		t.Fatal("SetExec(nil) must keep the current executor")
	}
}
