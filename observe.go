package substrate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Observation limits. Each rule bounds how much of a tool result is fed
// back into the conversation.
const (
	obsBashLimit    = 1000
	obsReadLimit    = 4000
	obsBrowserLimit = 2000
	obsErrorLimit   = 200
	obsValueLimit   = 2000
	obsTotalLimit   = 8000
	obsGrepMatches  = 20
	obsListItems    = 40
)

// Observation condenses a tool result into the text injected back into the
// conversation as a tool-role message.
func Observation(name string, args json.RawMessage, res ToolResult) string {
	if res.Status == StatusDenied {
		reason := res.Error
		if reason == "" {
			reason = "not approved"
		}
		return fmt.Sprintf("status=denied: %s", truncate(reason, obsErrorLimit))
	}
	if res.Status == StatusError {
		return "Error: " + truncate(res.Error, obsErrorLimit)
	}

	switch name {
	case "bash":
		return bashObservation(res)
	case "text_editor":
		return editorObservation(args, res)
	case "browser":
		return browserObservation(args, res)
	case "computer":
		return computerObservation(args, res)
	}
	return genericObservation(res)
}

func bashObservation(res ToolResult) string {
	exit := 0
	if v, ok := res.Data["exit_code"].(int); ok {
		exit = v
	} else if v, ok := res.Data["exit_code"].(float64); ok {
		exit = int(v)
	}
	return fmt.Sprintf("Output:\n%s\nExit code: %d", truncate(res.Content, obsBashLimit), exit)
}

func editorObservation(args json.RawMessage, res ToolResult) string {
	var parsed struct {
		Action string `json:"action"`
		Path   string `json:"path"`
	}
	_ = json.Unmarshal(args, &parsed)
	switch parsed.Action {
	case "read":
		total := dataInt(res.Data, "total_lines")
		return fmt.Sprintf("%s (%d lines)\n%s", parsed.Path, total, truncate(res.Content, obsReadLimit))
	case "grep":
		return grepObservation(res)
	case "list":
		return listObservation(res, "entries")
	}
	return genericObservation(res)
}

func grepObservation(res ToolResult) string {
	matches := dataStrings(res.Data, "matches")
	total := dataInt(res.Data, "total")
	if total == 0 {
		total = len(matches)
	}
	shown := matches
	if len(shown) > obsGrepMatches {
		shown = shown[:obsGrepMatches]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d matches\n", total)
	for _, m := range shown {
		b.WriteString(m)
		b.WriteByte('\n')
	}
	if total > len(shown) {
		fmt.Fprintf(&b, "... +%d more", total-len(shown))
	}
	return strings.TrimRight(b.String(), "\n")
}

func browserObservation(args json.RawMessage, res ToolResult) string {
	var parsed struct {
		Action string `json:"action"`
	}
	_ = json.Unmarshal(args, &parsed)
	switch parsed.Action {
	case "read":
		title, _ := res.Data["title"].(string)
		url, _ := res.Data["url"].(string)
		return fmt.Sprintf("%s\n%s\n%s", title, url, truncate(res.Content, obsBrowserLimit))
	case "elements", "tabs":
		return listObservation(res, parsed.Action)
	}
	return genericObservation(res)
}

func computerObservation(args json.RawMessage, res ToolResult) string {
	var parsed struct {
		Action string `json:"action"`
	}
	_ = json.Unmarshal(args, &parsed)
	switch parsed.Action {
	case "list_windows", "get_elements":
		return listObservation(res, "items")
	}
	return genericObservation(res)
}

// listObservation renders a bounded list result: count prefix, first items
// with key attributes, tail-truncated.
func listObservation(res ToolResult, noun string) string {
	items := dataStrings(res.Data, "items")
	total := dataInt(res.Data, "total")
	if total == 0 {
		total = len(items)
	}
	shown := items
	if len(shown) > obsListItems {
		shown = shown[:obsListItems]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s\n", total, noun)
	for _, it := range shown {
		b.WriteString(truncate(it, 200))
		b.WriteByte('\n')
	}
	if total > len(shown) {
		fmt.Fprintf(&b, "... +%d more", total-len(shown))
	}
	return strings.TrimRight(b.String(), "\n")
}

// genericObservation iterates the result's top-level fields, truncating
// each value and capping total size.
func genericObservation(res ToolResult) string {
	if len(res.Data) == 0 {
		return truncate(res.Content, obsTotalLimit)
	}
	keys := make([]string, 0, len(res.Data))
	for k := range res.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if res.Content != "" {
		b.WriteString(truncate(res.Content, obsValueLimit))
		b.WriteByte('\n')
	}
	for _, k := range keys {
		if b.Len() > obsTotalLimit {
			b.WriteString("[...output truncated]")
			break
		}
		fmt.Fprintf(&b, "%s: %s\n", k, truncate(stringify(res.Data[k]), obsValueLimit))
	}
	return strings.TrimRight(b.String(), "\n")
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}

func dataInt(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func dataStrings(data map[string]any, key string) []string {
	switch v := data[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, stringify(e))
		}
		return out
	}
	return nil
}
