package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseResponse parses the agent's JSON document. Invalid JSON is sanitized
// (raw control characters inside string literals escaped) and re-parsed.
// If parsing still fails, a fallback response is returned along with an
// error the loop uses to synthesize a corrective user turn.
func ParseResponse(text string) (*Response, error) {
	candidate := extractJSONObject(text)

	var resp Response
	if err := json.Unmarshal([]byte(candidate), &resp); err == nil {
		return &resp, nil
	}

	sanitized := sanitizeJSON(candidate)
	if err := json.Unmarshal([]byte(sanitized), &resp); err != nil {
		return fallbackResponse(err), fmt.Errorf("parse agent response: %w", err)
	}
	return &resp, nil
}

// fallbackResponse keeps the loop alive after an unparseable turn.
func fallbackResponse(err error) *Response {
	return &Response{
		Reasoning:    fmt.Sprintf("previous response was not valid JSON: %v", err),
		Commands:     nil,
		TaskComplete: false,
	}
}

// sanitizeJSON escapes raw control characters that appear inside string
// literals. Models sometimes emit literal newlines or tabs in file content
// strings, which encoding/json rejects.
func sanitizeJSON(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))

	inString := false
	escaped := false
	for _, r := range s {
		if escaped {
			sb.WriteRune(r)
			escaped = false
			continue
		}
		switch {
		case inString && r == '\\':
			sb.WriteRune(r)
			escaped = true
		case r == '"':
			inString = !inString
			sb.WriteRune(r)
		case inString && r < 0x20:
			switch r {
			case '\n':
				sb.WriteString(`\n`)
			case '\r':
				sb.WriteString(`\r`)
			case '\t':
				sb.WriteString(`\t`)
			default:
				fmt.Fprintf(&sb, `\u%04x`, r)
			}
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// extractJSONObject strips markdown fences and surrounding prose, returning
// the outermost {...} span.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

// ClassifyPath assigns a file type from a written path. Route detection is a
// plain substring match, mirroring the project layout where all HTTP routes
// live under server/api.
func ClassifyPath(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "/api/"):
		return FileTypeRoute
	case strings.Contains(lower, "middleware"):
		return FileTypeMiddleware
	case strings.Contains(lower, "model"):
		return FileTypeModel
	case strings.Contains(lower, "util"):
		return FileTypeUtility
	case strings.Contains(lower, "config"):
		return FileTypeConfig
	default:
		return FileTypeOther
	}
}
