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

package intent

import (
	"testing"

	"xiaomu/pkg/queue"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    queue.Intent
	}{
		{
			name:    "deployment keyword in Chinese",
			content: "帮我检查一下部署状态",
			want:    queue.Intent{Intent: "deployment_check", Workflow: "deployment_check"},
		},
		{
			name:    "deployment keyword in English, mixed case",
			content: "run a HEALTH check please",
			want:    queue.Intent{Intent: "deployment_check", Workflow: "deployment_check"},
		},
		{
			name:    "report keyword",
			content: "导出上周的流量报表",
			want:    queue.Intent{Intent: "report_query", Workflow: "report_stub"},
		},
		{
			name:    "travel keyword",
			content: "查下去上海的机票",
			// 查 alone must not trip the report rule (its keyword is
			// 查询); 机票 matches travel.
			want: queue.Intent{Intent: "travel_plan", Workflow: "travel_plan"},
		},
		{
			name:    "travel digits",
			content: "12306 上买高铁票",
			want:    queue.Intent{Intent: "travel_plan", Workflow: "travel_plan"},
		},
		{
			name:    "earlier rule wins on overlap",
			content: "查询酒店数据",
			want:    queue.Intent{Intent: "report_query", Workflow: "report_stub"},
		},
		{
			name:    "no match falls back to echo",
			content: "你好",
			want:    queue.Intent{Intent: "general", Workflow: "echo"},
		},
		{
			name:    "empty content falls back to echo",
			content: "",
			want:    queue.Intent{Intent: "general", Workflow: "echo"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Detect(tt.content)
			if got != tt.want {
				t.Errorf("Detect(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}

func TestRuleOrderIsStable(t *testing.T) {
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}
	if rules[0].Workflow != "deployment_check" || rules[1].Workflow != "report_stub" || rules[2].Workflow != "travel_plan" {
		t.Errorf("rule order changed: %+v", rules)
	}
}
