package matcher

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fencePattern  = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
	bulletPattern = regexp.MustCompile(`^(?:[-*•·]+|\d+[.)]|\(\d+\)|[a-z][.)])\s+`)
)

// Parse splits a model answer into raw entries. A JSON array of strings is
// preferred; anything else is split on newlines, commas and semicolons.
func Parse(answer string) []string {
	answer = stripFence(answer)
	if items, ok := parseJSONArray(answer); ok {
		return items
	}
	var out []string
	for _, line := range SplitList(answer) {
		for _, part := range strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ';' }) {
			if p := cleanItem(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// SplitList splits free text into one item per line, dropping bullets,
// numbering and surrounding quotes. A single line with semicolons is split on them.
func SplitList(text string) []string {
	text = stripFence(text)
	if items, ok := parseJSONArray(text); ok {
		return items
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var nonEmpty []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			nonEmpty = append(nonEmpty, l)
		}
	}
	if len(nonEmpty) == 1 && strings.Contains(nonEmpty[0], ";") {
		nonEmpty = strings.Split(nonEmpty[0], ";")
	}
	var out []string
	for _, l := range nonEmpty {
		if item := cleanItem(l); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func cleanItem(s string) string {
	s = strings.TrimSpace(s)
	s = bulletPattern.ReplaceAllString(s, "")
	s = strings.Trim(s, "\"'`“”‘’*_ \t")
	s = strings.TrimRight(s, ".")
	return strings.TrimSpace(s)
}

func stripFence(s string) string {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}

func parseJSONArray(s string) ([]string, bool) {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return nil, false
	}
	var raw []any
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch tv := v.(type) {
		case string:
			if item := cleanItem(tv); item != "" {
				out = append(out, item)
			}
		case map[string]any:
			// [{"name": "..."}]
			for _, k := range []string{"name", "Name", "id", "title"} {
				if str, ok := tv[k].(string); ok && strings.TrimSpace(str) != "" {
					out = append(out, strings.TrimSpace(str))
					break
				}
			}
		}
	}
	return out, true
}
