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
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"xiaomu/pkg/queue"
)

// Result messages surfaced to users. Workflow scripts speak Chinese to the
// requesting user, so the service's own verdict strings do too.
const (
	msgBuildFailed = "构建命令失败"
	msgTimeout     = "执行超时"
	msgExecFailed  = "执行异常"
	msgNoOutput    = "无输出"
)

// ExecFunc executes argv with the given working directory and returns the
// separated output streams, the exit code, and any launch error. A nonzero
// exit is not a launch error.
type ExecFunc func(ctx context.Context, dir string, argv []string) (stdout, stderr []byte, exitCode int, err error)

// Result is the reduced outcome of one workflow execution.
type Result struct {
	Status queue.TaskStatus
	Output string
}

// Runner executes workflow definitions as child processes.
type Runner struct {
	registry *Registry
	root     string
	exec     ExecFunc
	logger   zerolog.Logger
}

// NewRunner builds a Runner over the registry. The subprocess working
// directory is the registry's project root.
func NewRunner(registry *Registry, logger zerolog.Logger) *Runner {
	return &Runner{
		registry: registry,
		root:     registry.settings.ProjectRoot,
		exec:     defaultExec,
		logger:   logger,
	}
}

// SetExec replaces the subprocess executor. Tests use this to script
// outcomes without spawning processes.
func (r *Runner) SetExec(fn ExecFunc) {
	if fn != nil {
		r.exec = fn
	}
}

// Run resolves the payload's workflow (falling back to echo), builds its
// argv, and executes it under the workflow's timeout. The returned status
// is always terminal.
func (r *Runner) Run(ctx context.Context, p queue.QueuePayload) Result {
	def, ok := r.registry.Lookup(p.Workflow)
	if !ok {
		def, _ = r.registry.Lookup(NameEcho)
	}

	argv, err := def.Builder.BuildCommand(p)
	if err != nil {
		return Result{Status: queue.TaskStatusFailed, Output: msgBuildFailed + ": " + err.Error()}
	}

	r.logger.Info().
		Str("workflow", def.Name).
		Str("task_id", p.ID).
		Strs("argv", argv).
		Dur("timeout", def.Timeout).
		Msg("running workflow")

	runCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	stdout, stderr, exitCode, err := r.exec(runCtx, r.root, argv)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Result{Status: queue.TaskStatusFailed, Output: msgTimeout}
	}
	if err != nil {
		return Result{Status: queue.TaskStatusFailed, Output: msgExecFailed + ": " + err.Error()}
	}

	output := strings.TrimSpace(string(stdout))
	if output == "" {
		output = strings.TrimSpace(string(stderr))
	}
	if output == "" {
		output = msgNoOutput
	}
	output = queue.TrimTail(output, queue.MaxResultChars)

	status := queue.TaskStatusSuccess
	if exitCode != 0 {
		status = queue.TaskStatusFailed
	}
	return Result{Status: status, Output: output}
}

// defaultExec runs argv via os/exec with separate capture buffers.
func defaultExec(ctx context.Context, dir string, argv []string) ([]byte, []byte, int, error) {
	if len(argv) == 0 {
		return nil, nil, -1, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			err = nil
		}
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}
