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
	"fmt"
	"path/filepath"

	"xiaomu/pkg/queue"
)

// Defaults applied by deploymentCheckBuilder when the corresponding raw
// setting is empty.
const (
	defaultModelBaseURL = "http://localhost:8000/v1"
	defaultModelName    = "autoglm-phone-9b"
	defaultAPIKey       = "EMPTY"
)

// deploymentCheckBuilder runs the deployment health-check script against
// the configured model endpoint.
type deploymentCheckBuilder struct {
	settings Settings
}

func (b deploymentCheckBuilder) BuildCommand(_ queue.QueuePayload) ([]string, error) {
	s := b.settings
	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = defaultModelBaseURL
	}
	apiKey := s.APIKey
	if apiKey == "" {
		apiKey = defaultAPIKey
	}
	model := s.Model
	if model == "" {
		model = defaultModelName
	}
	messagesFile := s.MessagesFile
	if messagesFile == "" {
		messagesFile = filepath.Join(s.scriptsDir(), "sample_messages.json")
	}

	return []string{
		s.PythonBin,
		filepath.Join(s.scriptsDir(), "check_deployment_cn.py"),
		"--base-url", baseURL,
		"--apikey", apiKey,
		"--model", model,
		"--messages-file", messagesFile,
	}, nil
}

func (deploymentCheckBuilder) sealed() {}

// reportStubBuilder prints a placeholder line for data/report requests.
type reportStubBuilder struct {
	settings Settings
}

func (b reportStubBuilder) BuildCommand(p queue.QueuePayload) ([]string, error) {
	return []string{
		b.settings.PythonBin,
		"-c",
		fmt.Sprintf("print('Report placeholder for: %s')", p.Content),
	}, nil
}

func (reportStubBuilder) sealed() {}

// echoBuilder is the fallback workflow: it echoes the classified intent
// and the raw content back to the caller.
type echoBuilder struct {
	settings Settings
}

func (b echoBuilder) BuildCommand(p queue.QueuePayload) ([]string, error) {
	intent := p.Intent
	if intent == "" {
		intent = "general"
	}
	return []string{
		b.settings.PythonBin,
		"-c",
		fmt.Sprintf("print('Received intent=%s: %s')", intent, p.Content),
	}, nil
}

func (echoBuilder) sealed() {}

// travelPlanBuilder drives the travel-plan script. Payload script_args win
// over the --note fallback; model flags are appended only when configured.
type travelPlanBuilder struct {
	settings Settings
}

func (b travelPlanBuilder) BuildCommand(p queue.QueuePayload) ([]string, error) {
	s := b.settings
	cmd := []string{s.PythonBin, filepath.Join(s.workflowsDir(), "travel_plan.py")}

	if len(p.ScriptArgs) > 0 {
		cmd = append(cmd, p.ScriptArgs...)
	} else if p.Content != "" {
		cmd = append(cmd, "--note", p.Content)
	}

	if s.BaseURL != "" {
		cmd = append(cmd, "--base-url", s.BaseURL)
	}
	if s.APIKey != "" {
		cmd = append(cmd, "--apikey", s.APIKey)
	}
	if s.Model != "" {
		cmd = append(cmd, "--model", s.Model)
	}
	if s.DeviceID != "" {
		cmd = append(cmd, "--device-id", s.DeviceID)
	}
	return cmd, nil
}

func (travelPlanBuilder) sealed() {}

// scriptBuilder runs a dynamically registered workflow script. Argument
// precedence: payload script_args, then the args captured at registration,
// then the payload content as a single positional argument.
type scriptBuilder struct {
	settings    Settings
	scriptPath  string
	defaultArgs []string
}

func (b scriptBuilder) BuildCommand(p queue.QueuePayload) ([]string, error) {
	cmd := []string{b.settings.PythonBin, b.scriptPath}

	args := p.ScriptArgs
	if len(args) == 0 {
		args = b.defaultArgs
	}
	cmd = append(cmd, args...)

	if len(args) == 0 && p.Content != "" {
		cmd = append(cmd, p.Content)
	}
	return cmd, nil
}

func (scriptBuilder) sealed() {}
