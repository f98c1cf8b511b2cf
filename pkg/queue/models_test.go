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

package queue

import (
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatus(t *testing.T) {
	for _, s := range []TaskStatus{TaskStatusPending, TaskStatusRunning, TaskStatusSuccess, TaskStatusFailed} {
		assert.True(t, s.Valid(), "status %q should be valid", s)
	}
	assert.False(t, TaskStatus("done").Valid())
	assert.False(t, TaskStatus("").Valid())

	assert.False(t, TaskStatusPending.IsTerminal())
	assert.False(t, TaskStatusRunning.IsTerminal())
	assert.True(t, TaskStatusSuccess.IsTerminal())
	assert.True(t, TaskStatusFailed.IsTerminal())
}

func TestNewTaskID(t *testing.T) {
	pattern := regexp.MustCompile(`^AGLM-[0-9A-F]{8}$`)
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		id := NewTaskID()
		require.Regexp(t, pattern, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestNewTaskTypeFallback(t *testing.T) {
	task := NewTask("AGLM-00000001", "u1", "echo", "", "aglm:task:AGLM-00000001", "{}", 100.5)
	assert.Equal(t, "echo", task.Type)
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Equal(t, 100.5, task.CreatedAt)
	assert.Equal(t, 100.5, task.UpdatedAt)

	task = NewTask("AGLM-00000002", "u1", "echo", "night_report", "aglm:task:AGLM-00000002", "{}", 100.5)
	assert.Equal(t, "night_report", task.Type)
}

func TestStatusKey(t *testing.T) {
	assert.Equal(t, "aglm:task:AGLM-AB12CD34", StatusKey("aglm:task", "AGLM-AB12CD34"))
}

func TestTrimTail(t *testing.T) {
	assert.Equal(t, "hello", TrimTail("hello", 2000))
	assert.Equal(t, "llo", TrimTail("hello", 3))
	assert.Equal(t, "", TrimTail("hello", 0))

	// Multibyte text must be cut on rune boundaries.
	long := strings.Repeat("执行", 1500) + "完成"
	got := TrimTail(long, MaxResultChars)
	require.Equal(t, MaxResultChars, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "完成"))
	assert.True(t, utf8.ValidString(got))
}

func TestEncodeJSONKeepsRawText(t *testing.T) {
	p := QueuePayload{
		ID:         "AGLM-AB12CD34",
		User:       "u1",
		Content:    "比价 <机票> & 酒店",
		Intent:     "travel_plan",
		Workflow:   "travel_plan",
		CreatedAt:  1700000000.25,
		ScriptArgs: []string{},
	}
	raw, err := EncodeJSON(p)
	require.NoError(t, err)

	assert.Contains(t, raw, "<机票> & 酒店", "HTML escaping must stay off")
	assert.NotContains(t, raw, `\u003c`)
	assert.Contains(t, raw, `"script_args":[]`)
	assert.Contains(t, raw, `"task_type":""`)

	var back QueuePayload
	require.NoError(t, json.Unmarshal([]byte(raw), &back))
	assert.Equal(t, p, back)
}

func TestQueuePayloadToleratesNullTaskType(t *testing.T) {
	raw := `{"id":"AGLM-00000003","user":"u1","content":"hi","intent":"general",` +
		`"workflow":"echo","created_at":1.5,"task_type":null,"script_args":["--a"]}`
	var p QueuePayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	assert.Equal(t, "", p.TaskType)
	assert.Equal(t, []string{"--a"}, p.ScriptArgs)
}

func TestEpochHelpers(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 250_000_000, time.UTC)
	f := EpochSeconds(ts)
	assert.Equal(t, 1740830400.25, f)
	assert.Equal(t, "1740830400.25", FormatEpoch(f))
	assert.Equal(t, "100", FormatEpoch(100))
}
