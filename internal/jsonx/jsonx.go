// Package jsonx holds helpers for coaxing JSON out of model responses
// that may wrap it in markdown fences or surrounding prose.
package jsonx

import (
	"encoding/json"
	"strings"
)

// Clean attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func Clean(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// Decode cleans the text and unmarshals it into v. It never panics;
// malformed input returns false rather than an error so callers can treat
// a bad model response as a recoverable condition.
func Decode(text string, v any) bool {
	cleaned := Clean(text)
	if cleaned == "" {
		return false
	}
	return json.Unmarshal([]byte(cleaned), v) == nil
}
