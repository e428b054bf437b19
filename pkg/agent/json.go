package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ignatij/meetflow/pkg/models"
)

// extractJSON strips code fences and chatter around the first JSON object
// in a model reply.
func extractJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return trimmed
	}
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimLeft(trimmed, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
		trimmed = strings.TrimSpace(trimmed)
	}
	if strings.HasSuffix(trimmed, "```") {
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	if obj, ok := extractJSONObject(trimmed); ok {
		return obj
	}
	return trimmed
}

// extractJSONObject returns the first balanced {...} in text, skipping
// braces inside string literals.
func extractJSONObject(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escape := false
	for i, r := range text {
		if start == -1 {
			if r == '{' {
				start, depth = i, 1
			}
			continue
		}
		if inString {
			switch {
			case escape:
				escape = false
			case r == '\\':
				escape = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(text[start : i+1]), true
			}
		}
	}
	return "", false
}

// outputError marks a reply that arrived but could not be used.
type outputError struct {
	msg   string
	cause error
}

func (e *outputError) Error() string { return e.msg }
func (e *outputError) Unwrap() error { return e.cause }

func newOutputError(cause error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return &outputError{msg: msg, cause: cause}
}

// decodeOutput parses the JSON object in raw into out and validates it.
// Anything after the object and mismatched field types are errors.
func decodeOutput(raw string, out models.AgentOutput) error {
	body := extractJSON(raw)
	if body == "" {
		return newOutputError(nil, "empty reply")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	if err := dec.Decode(out); err != nil {
		return newOutputError(err, "malformed output")
	}
	if dec.More() {
		return newOutputError(nil, "malformed output: trailing data after object")
	}
	if err := out.Validate(); err != nil {
		return newOutputError(err, "invalid output")
	}
	return nil
}
