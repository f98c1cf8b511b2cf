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

// Package notify delivers task results back to the requesting user by
// spawning the reply helper script. Delivery is fire-and-forget: the
// helper's exit code is ignored, only launch failures surface to callers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"

	"xiaomu/internal/workflow"
)

const replyScript = "reply_msg.py"

// ExecFunc launches argv with the given working directory and waits for it.
// A nonzero exit is reported through exitCode, not err.
type ExecFunc func(ctx context.Context, dir string, argv []string) (exitCode int, err error)

// Replier sends user notifications through scripts/reply_msg.py.
type Replier struct {
	settings workflow.Settings
	exec     ExecFunc
	logger   zerolog.Logger
}

// NewReplier builds a Replier from the workflow settings. Model flags are
// passed through to the helper only when configured.
func NewReplier(settings workflow.Settings, logger zerolog.Logger) *Replier {
	return &Replier{
		settings: settings.Normalized(),
		exec:     defaultExec,
		logger:   logger,
	}
}

// SetExec replaces the subprocess executor. Tests use this to capture the
// helper invocation without spawning processes.
func (r *Replier) SetExec(fn ExecFunc) {
	if fn != nil {
		r.exec = fn
	}
}

// Notify delivers message to user. The helper runs without a deadline of
// its own; cancel ctx to abort. A nonzero helper exit is logged and
// swallowed so a broken reply channel never fails the task.
func (r *Replier) Notify(ctx context.Context, user, message string) error {
	argv := r.command(user, message)

	r.logger.Debug().
		Str("user", user).
		Strs("argv", argv).
		Msg("sending reply")

	code, err := r.exec(ctx, r.settings.ProjectRoot, argv)
	if err != nil {
		return fmt.Errorf("send reply to %s: %w", user, err)
	}
	if code != 0 {
		r.logger.Warn().
			Str("user", user).
			Int("exit_code", code).
			Msg("reply helper exited nonzero")
	}
	return nil
}

func (r *Replier) command(user, message string) []string {
	s := r.settings
	argv := []string{
		s.PythonBin,
		filepath.Join(s.ProjectRoot, "scripts", replyScript),
		"--user", user,
		"--message", message,
	}
	if s.BaseURL != "" {
		argv = append(argv, "--base-url", s.BaseURL)
	}
	if s.APIKey != "" {
		argv = append(argv, "--apikey", s.APIKey)
	}
	if s.Model != "" {
		argv = append(argv, "--model", s.Model)
	}
	return argv
}

func defaultExec(ctx context.Context, dir string, argv []string) (int, error) {
	if len(argv) == 0 {
		return -1, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}
