package llm

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoJSON is returned when no well-formed JSON object or array is present.
var ErrNoJSON = errors.New("no JSON value found in model output")

// StripCodeFences removes a Markdown code fence around the payload, if any.
// Only the first fenced block is kept; text outside it is dropped.
func StripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	open := strings.Index(text, "```")
	if open < 0 {
		return text
	}
	body := text[open+3:]
	// Drop the info string ("json", "JSON", ...) up to the end of the line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		if info := strings.TrimSpace(body[:nl]); !strings.ContainsAny(info, "{[") {
			body = body[nl+1:]
		}
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// ExtractJSON locates the first top-level JSON object or array in text,
// tolerating fences and leading/trailing prose.
func ExtractJSON(text string) (string, error) {
	text = StripCodeFences(text)
	if gjson.Valid(text) && (strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[")) {
		return text, nil
	}

	for start := 0; start < len(text); start++ {
		c := text[start]
		if c != '{' && c != '[' {
			continue
		}
		end := matchClose(text, start)
		if end < 0 {
			continue
		}
		candidate := text[start : end+1]
		if gjson.Valid(candidate) {
			return candidate, nil
		}
	}
	return "", ErrNoJSON
}

// matchClose returns the index of the bracket closing text[start], honouring
// JSON string literals and escapes, or -1 when unbalanced.
func matchClose(text string, start int) int {
	var stack []byte
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}
