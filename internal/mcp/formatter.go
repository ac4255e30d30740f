// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// maxTableRows caps tabular rendering; longer lists are truncated
	// with a remainder note.
	maxTableRows = 10

	// maxCellWidth caps individual table cells.
	maxCellWidth = 50
)

// FormatResult renders a tool result as text an LLM can read back.
// Error-shaped results get an Error prefix, MCP content arrays flatten to
// their text, paginated {data,total} shapes and plain lists render as
// numbered items or tables, and flat maps render as key: value lines.
func FormatResult(result map[string]any) string {
	if result == nil {
		return "(no result)"
	}

	if isErrorResult(result) {
		message, _ := result["message"].(string)
		if message == "" {
			message = "tool execution failed"
		}
		return "Error: " + message
	}

	if _, ok := result["content"]; ok {
		if text := extractText(result); text != "tool execution failed" {
			return text
		}
	}

	if data, ok := result["data"].([]any); ok {
		out := formatList(data)
		if total, ok := numeric(result["total"]); ok && int(total) > len(data) {
			out += fmt.Sprintf("\n(showing %d of %d)", len(data), int(total))
		}
		return out
	}

	return formatMap(result)
}

// Summarize produces a one-line description of a result for logs and
// transcripts.
func Summarize(result map[string]any) string {
	if result == nil {
		return "no result"
	}
	if isErrorResult(result) {
		message, _ := result["message"].(string)
		return "failed: " + message
	}
	if data, ok := result["data"].([]any); ok {
		return fmt.Sprintf("%d items", len(data))
	}
	return fmt.Sprintf("%d fields", len(result))
}

// formatList renders a list of items. Uniform maps become a text table;
// anything else becomes numbered items.
func formatList(items []any) string {
	if len(items) == 0 {
		return "(empty list)"
	}

	if rows, ok := uniformMaps(items); ok {
		return formatTable(rows)
	}

	var b strings.Builder
	for i, item := range items {
		if i >= maxTableRows {
			fmt.Fprintf(&b, "... and %d more\n", len(items)-maxTableRows)
			break
		}
		fmt.Fprintf(&b, "%d. %v\n", i+1, item)
	}
	return strings.TrimRight(b.String(), "\n")
}

// uniformMaps reports whether every item is a map, returning them typed.
func uniformMaps(items []any) ([]map[string]any, bool) {
	rows := make([]map[string]any, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		rows = append(rows, m)
	}
	return rows, true
}

// formatTable renders rows of maps as a pipe-separated text table using
// the first row's keys as columns.
func formatTable(rows []map[string]any) string {
	if len(rows) == 0 {
		return "(empty list)"
	}

	columns := make([]string, 0, len(rows[0]))
	for key := range rows[0] {
		columns = append(columns, key)
	}
	sort.Strings(columns)

	var b strings.Builder
	b.WriteString(strings.Join(columns, " | "))
	b.WriteString("\n")

	for i, row := range rows {
		if i >= maxTableRows {
			fmt.Fprintf(&b, "... and %d more rows", len(rows)-maxTableRows)
			return b.String()
		}
		cells := make([]string, 0, len(columns))
		for _, col := range columns {
			cells = append(cells, clip(fmt.Sprintf("%v", row[col])))
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatMap renders a flat map as key: value lines in key order.
func formatMap(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&b, "%s: %s\n", key, clip(fmt.Sprintf("%v", m[key])))
	}
	return strings.TrimRight(b.String(), "\n")
}

func clip(s string) string {
	if len(s) <= maxCellWidth {
		return s
	}
	return s[:maxCellWidth-3] + "..."
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
