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

// Package intent maps free-text requests to workflows with an ordered
// keyword table. Earlier rules win over later ones, and within a rule the
// keywords are tried in order; matching is a case-insensitive substring
// test, which is deliberate: requests are short chat messages, not
// documents, and the table is tuned for that.
package intent

import (
	"strings"

	"xiaomu/pkg/queue"
)

// Rule maps a keyword list to an intent label and the workflow serving it.
type Rule struct {
	Intent   string
	Workflow string
	Keywords []string
}

// rules is ordered: the first matching rule wins.
var rules = []Rule{
	{
		Intent:   "deployment_check",
		Workflow: "deployment_check",
		Keywords: []string{"部署", "上线", "发布", "deployment", "health", "健康", "接口", "模型"},
	},
	{
		Intent:   "report_query",
		Workflow: "report_stub",
		Keywords: []string{"查询", "报表", "统计", "数据", "report", "流量"},
	},
	{
		Intent:   "travel_plan",
		Workflow: "travel_plan",
		Keywords: []string{"旅游", "旅行", "行程", "攻略", "机票", "航班", "高铁", "火车", "12306", "携程", "美团", "住宿", "酒店", "比价"},
	},
}

// Default is returned when no rule matches.
var Default = queue.Intent{Intent: "general", Workflow: "echo"}

// Detect classifies content against the rule table.
func Detect(content string) queue.Intent {
	normalized := strings.ToLower(content)
	for _, rule := range rules {
		for _, keyword := range rule.Keywords {
			if strings.Contains(normalized, strings.ToLower(keyword)) {
				return queue.Intent{Intent: rule.Intent, Workflow: rule.Workflow}
			}
		}
	}
	return Default
}
