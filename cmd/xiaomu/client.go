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

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://127.0.0.1:8000"

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Submit a task to a running service",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		user, _ := cmd.Flags().GetString("user")
		content, _ := cmd.Flags().GetString("content")
		taskType, _ := cmd.Flags().GetString("task-type")
		scriptArgs, _ := cmd.Flags().GetStringArray("arg")

		return postJSON(cmd, server, "/enqueue", enqueueBody(user, content, taskType, scriptArgs))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status TASK-ID",
	Short: "Show a task's merged status and recent events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		return getJSON(cmd, server, taskPath(args[0]))
	},
}

var finishCmd = &cobra.Command{
	Use:   "finish TASK-ID",
	Short: "Seal a task's outcome on a running service",
	Long: `Finish marks a task terminal on behalf of an external executor.
The service fills user and workflow from the task's live metadata when
they are not given here.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		status, _ := cmd.Flags().GetString("status")
		result, _ := cmd.Flags().GetString("result")
		user, _ := cmd.Flags().GetString("user")
		noNotify, _ := cmd.Flags().GetBool("no-notify")

		return postJSON(cmd, server, "/finish", finishBody(args[0], status, result, user, noNotify))
	},
}

func init() {
	enqueueCmd.Flags().String("server", defaultServer, "Base URL of the running service")
	enqueueCmd.Flags().String("user", "", "Requesting user ID")
	enqueueCmd.Flags().String("content", "", "Natural-language task content")
	enqueueCmd.Flags().String("task-type", "", "Explicit workflow name (skips intent detection)")
	enqueueCmd.Flags().StringArray("arg", nil, "Extra script argument (repeatable)")
	_ = enqueueCmd.MarkFlagRequired("user")
	_ = enqueueCmd.MarkFlagRequired("content")

	statusCmd.Flags().String("server", defaultServer, "Base URL of the running service")

	finishCmd.Flags().String("server", defaultServer, "Base URL of the running service")
	finishCmd.Flags().String("status", "", "Terminal status: success or failed")
	finishCmd.Flags().String("result", "", "Final result text")
	finishCmd.Flags().String("user", "", "User to notify (defaults to the task's recorded user)")
	finishCmd.Flags().Bool("no-notify", false, "Skip the reply helper")
	_ = finishCmd.MarkFlagRequired("status")
}

// enqueueBody builds the /enqueue request. Optional fields are omitted when
// unset so the server applies its own resolution.
func enqueueBody(user, content, taskType string, scriptArgs []string) map[string]any {
	body := map[string]any{
		"user":    user,
		"content": content,
	}
	if taskType != "" {
		body["task_type"] = taskType
	}
	if len(scriptArgs) > 0 {
		body["script_args"] = scriptArgs
	}
	return body
}

// finishBody builds the /finish request. notify is only sent when the
// caller opts out; the server defaults it to true.
func finishBody(taskID, status, result, user string, noNotify bool) map[string]any {
	body := map[string]any{
		"task_id": taskID,
		"status":  status,
	}
	if result != "" {
		body["result"] = result
	}
	if user != "" {
		body["user"] = user
	}
	if noNotify {
		body["notify"] = false
	}
	return body
}

func taskPath(id string) string {
	return "/task/" + url.PathEscape(id)
}

func postJSON(cmd *cobra.Command, server, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
		strings.TrimRight(server, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(cmd, req)
}

func getJSON(cmd *cobra.Command, server, path string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
		strings.TrimRight(server, "/")+path, nil)
	if err != nil {
		return err
	}
	return doRequest(cmd, req)
}

// doRequest issues the request and prints the indented response body to
// stdout. Non-2xx responses become errors carrying the server's msg field.
func doRequest(cmd *cobra.Command, req *http.Request) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Msg != "" {
			return fmt.Errorf("server returned %s: %s", resp.Status, envelope.Msg)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		cmd.Println(string(data))
		return nil
	}
	cmd.Println(pretty.String())
	return nil
}
