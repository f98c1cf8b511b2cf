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

// Package workflow maps workflow names to runnable definitions: an argv
// builder plus a timeout. Four workflows are seeded at startup
// (deployment_check, report_stub, travel_plan, echo); additional ones are
// registered on demand when a matching script exists under
// {root}/workflows. The Runner executes a definition as a child process
// and reduces the outcome to a terminal status and bounded output text.
package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"xiaomu/pkg/queue"
)

// ErrNotRegistered indicates no workflow exists (or can be registered)
// under the requested name. Callers fall back to intent classification.
var ErrNotRegistered = errors.New("workflow not registered")

// Seeded workflow names.
const (
	NameDeploymentCheck = "deployment_check"
	NameReportStub      = "report_stub"
	NameTravelPlan      = "travel_plan"
	NameEcho            = "echo"
)

// Settings carries the process-wide inputs argv builders draw from. Model
// fields are raw environment values: builders that need a default apply
// their own, and builders that pass flags through skip empty values.
type Settings struct {
	// PythonBin is the interpreter for workflow and helper scripts.
	PythonBin string
	// ProjectRoot anchors the scripts/ and workflows/ directories.
	ProjectRoot string

	// BaseURL, Model, APIKey, DeviceID are handed to scripts that talk to
	// the phone-agent model service.
	BaseURL  string
	Model    string
	APIKey   string
	DeviceID string

	// MessagesFile overrides the deployment_check sample-messages file.
	MessagesFile string

	// DeployTimeout bounds deployment_check; DefaultTimeout bounds
	// dynamically registered scripts.
	DeployTimeout  time.Duration
	DefaultTimeout time.Duration
}

// Normalized fills the zero values that have universal defaults. Model
// fields stay raw; builders decide how to treat empty values.
func (s Settings) Normalized() Settings {
	if s.PythonBin == "" {
		s.PythonBin = "python3"
	}
	if s.ProjectRoot == "" {
		s.ProjectRoot = "."
	}
	if s.DefaultTimeout <= 0 {
		s.DefaultTimeout = 300 * time.Second
	}
	if s.DeployTimeout <= 0 {
		s.DeployTimeout = s.DefaultTimeout
	}
	return s
}

func (s Settings) scriptsDir() string   { return filepath.Join(s.ProjectRoot, "scripts") }
func (s Settings) workflowsDir() string { return filepath.Join(s.ProjectRoot, "workflows") }

// Builder turns a queue payload into the argv to execute. The interface is
// sealed: every implementation lives in this package, so the set of
// workflow kinds is closed apart from RegisterScript.
type Builder interface {
	BuildCommand(p queue.QueuePayload) ([]string, error)
	sealed()
}

// Definition is one runnable workflow.
type Definition struct {
	Name        string
	Description string
	Timeout     time.Duration
	Builder     Builder
}

// Registry holds the known workflow definitions. Reads vastly outnumber
// writes; dynamic registration takes the write lock.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	settings Settings
}

// NewRegistry seeds the four built-in workflows from settings.
func NewRegistry(settings Settings) *Registry {
	s := settings.Normalized()
	r := &Registry{
		defs:     make(map[string]Definition),
		settings: s,
	}
	r.defs[NameDeploymentCheck] = Definition{
		Name:        NameDeploymentCheck,
		Description: "Model health check via scripts/check_deployment_cn.py",
		Timeout:     s.DeployTimeout,
		Builder:     deploymentCheckBuilder{settings: s},
	}
	r.defs[NameReportStub] = Definition{
		Name:        NameReportStub,
		Description: "Placeholder workflow for data/report requests",
		Timeout:     120 * time.Second,
		Builder:     reportStubBuilder{settings: s},
	}
	r.defs[NameTravelPlan] = Definition{
		Name:        NameTravelPlan,
		Description: "Multi-city travel plan workflow using phone agent apps",
		Timeout:     1800 * time.Second,
		Builder:     travelPlanBuilder{settings: s},
	}
	r.defs[NameEcho] = Definition{
		Name:        NameEcho,
		Description: "Fallback workflow to echo user content",
		Timeout:     60 * time.Second,
		Builder:     echoBuilder{settings: s},
	}
	return r
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the registered workflow names, unordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}

// RegisterScript registers a dynamic workflow backed by
// {root}/workflows/{taskType}.py. Already-registered names return their
// cached definition. scriptArgs become the argv defaults used when a
// payload carries none. Missing scripts and names that could escape the
// workflows directory return ErrNotRegistered.
func (r *Registry) RegisterScript(taskType string, scriptArgs []string) (Definition, error) {
	if def, ok := r.Lookup(taskType); ok {
		return def, nil
	}
	if taskType == "" || strings.ContainsAny(taskType, `/\`) || strings.Contains(taskType, "..") {
		return Definition{}, fmt.Errorf("%w: invalid task type %q", ErrNotRegistered, taskType)
	}

	scriptPath := filepath.Join(r.settings.workflowsDir(), taskType+".py")
	info, err := os.Stat(scriptPath)
	if err != nil || info.IsDir() {
		return Definition{}, fmt.Errorf("%w: no script for %q", ErrNotRegistered, taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// A concurrent request may have won the race; keep the first.
	if def, ok := r.defs[taskType]; ok {
		return def, nil
	}
	def := Definition{
		Name:        taskType,
		Description: fmt.Sprintf("Dynamic script workflow for %s.py", taskType),
		Timeout:     r.settings.DefaultTimeout,
		Builder: scriptBuilder{
			settings:    r.settings,
			scriptPath:  scriptPath,
			defaultArgs: append([]string(nil), scriptArgs...),
		},
	}
	r.defs[taskType] = def
	return def, nil
}
