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

// Tests for the client subcommands' request construction: body shapes,
// path escaping, and the error-envelope mapping in doRequest.

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueBody(t *testing.T) {
	full := enqueueBody("u1", "帮我查下行程", "travel_plan", []string{"--city", "北京"})
	assert.Equal(t, "u1", full["user"])
	assert.Equal(t, "帮我查下行程", full["content"])
	assert.Equal(t, "travel_plan", full["task_type"])
	assert.Equal(t, []string{"--city", "北京"}, full["script_args"])

	minimal := enqueueBody("u1", "hello", "", nil)
	assert.Equal(t, "u1", minimal["user"])
	assert.NotContains(t, minimal, "task_type")
	assert.NotContains(t, minimal, "script_args")
}

func TestFinishBody(t *testing.T) {
	full := finishBody("AGLM-AB12CD34", "success", "统计完成", "u2", true)
	assert.Equal(t, "AGLM-AB12CD34", full["task_id"])
	assert.Equal(t, "success", full["status"])
	assert.Equal(t, "统计完成", full["result"])
	assert.Equal(t, "u2", full["user"])
	assert.Equal(t, false, full["notify"])

	minimal := finishBody("AGLM-AB12CD34", "failed", "", "", false)
	assert.NotContains(t, minimal, "result")
	assert.NotContains(t, minimal, "user")
	assert.NotContains(t, minimal, "notify")
}

func TestTaskPathEscapesID(t *testing.T) {
	assert.Equal(t, "/task/AGLM-AB12CD34", taskPath("AGLM-AB12CD34"))
	assert.Equal(t, "/task/a%2Fb", taskPath("a/b"))
}

func newTestCommand() (*cobra.Command, *bytes.Buffer) {
	out := new(bytes.Buffer)
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetContext(context.Background())
	return cmd, out
}

func TestPostJSONSendsRequestAndPrintsResponse(t *testing.T) {
	var gotMethod, gotPath, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"accepted","task_id":"AGLM-AB12CD34"}`))
	}))
	defer srv.Close()

	cmd, out := newTestCommand()
	// A trailing slash on --server must not double up in the request path.
	err := postJSON(cmd, srv.URL+"/", "/enqueue", enqueueBody("u1", "hello", "", nil))
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/enqueue", gotPath)
	assert.Equal(t, "application/json", gotContentType)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	assert.Equal(t, "u1", sent["user"])
	assert.Equal(t, "hello", sent["content"])

	assert.Contains(t, out.String(), `"task_id": "AGLM-AB12CD34"`)
}

func TestGetJSONMapsErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":"error","msg":"task not found: AGLM-DEADBEEF"}`))
	}))
	defer srv.Close()

	cmd, _ := newTestCommand()
	err := getJSON(cmd, srv.URL, taskPath("AGLM-DEADBEEF"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "task not found: AGLM-DEADBEEF")
}

func TestDoRequestErrorWithoutEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream broke"))
	}))
	defer srv.Close()

	cmd, _ := newTestCommand()
	err := getJSON(cmd, srv.URL, "/health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
