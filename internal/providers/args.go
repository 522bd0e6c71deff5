package providers

import (
	"encoding/json"
	"strings"
)

// ParseToolArguments decodes a raw tool-argument string from an LLM.
// Models routinely emit JSON that is not RFC-compliant, so the order is:
// lenient repair first, strict parse second, empty object last.
func ParseToolArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}

	if args, ok := tryParse(repairJSON(raw)); ok {
		return args
	}
	if args, ok := tryParse(raw); ok {
		return args
	}
	return map[string]any{}
}

func tryParse(s string) (map[string]any, bool) {
	var args map[string]any
	if err := json.Unmarshal([]byte(s), &args); err != nil {
		return nil, false
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, true
}

// repairJSON applies the common fixes for almost-JSON tool arguments:
// fenced code markers, surrounding prose, trailing commas, and unbalanced
// braces from truncated output.
func repairJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	// Trim to the outermost object when prose surrounds it.
	if start := strings.Index(s, "{"); start > 0 {
		s = s[start:]
	}
	if end := strings.LastIndex(s, "}"); end >= 0 && end < len(s)-1 {
		s = s[:end+1]
	}

	s = removeTrailingCommas(s)

	// Close braces/brackets left open by truncation.
	depth, brackets := 0, 0
	inStr, escaped := false, false
	for _, r := range s {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inStr {
				escaped = true
			}
		case '"':
			inStr = !inStr
		case '{':
			if !inStr {
				depth++
			}
		case '}':
			if !inStr {
				depth--
			}
		case '[':
			if !inStr {
				brackets++
			}
		case ']':
			if !inStr {
				brackets--
			}
		}
	}
	if inStr {
		s += `"`
	}
	for ; brackets > 0; brackets-- {
		s += "]"
	}
	for ; depth > 0; depth-- {
		s += "}"
	}
	return s
}

func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inStr, escaped := false, false
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if escaped {
			escaped = false
			b.WriteRune(r)
			continue
		}
		if r == '\\' && inStr {
			escaped = true
			b.WriteRune(r)
			continue
		}
		if r == '"' {
			inStr = !inStr
			b.WriteRune(r)
			continue
		}
		if r == ',' && !inStr {
			// Drop the comma when the next non-space rune closes a scope.
			j := i + 1
			for j < len(runes) && (runes[j] == ' ' || runes[j] == '\n' || runes[j] == '\t' || runes[j] == '\r') {
				j++
			}
			if j < len(runes) && (runes[j] == '}' || runes[j] == ']') {
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
