package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the outermost JSON object out of a model reply. Models
// wrap structured replies in markdown fences or surround them with prose no
// matter how the prompt pleads, so this strips a ```json fence when present
// and then walks the first balanced object, string-aware.
func ExtractJSON(reply string) (json.RawMessage, error) {
	s := stripFence(reply)

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, fmt.Errorf("llm: reply carries no JSON object")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if !json.Valid([]byte(candidate)) {
					return nil, fmt.Errorf("llm: reply object is not valid JSON")
				}
				return json.RawMessage(candidate), nil
			}
		}
	}
	return nil, fmt.Errorf("llm: reply JSON object never closes")
}

// stripFence returns the body of the first fenced code block, or the whole
// reply when no fence exists. The fenced block wins over surrounding prose
// because that is where models put the answer.
func stripFence(reply string) string {
	s := strings.TrimSpace(reply)
	open := strings.Index(s, "```")
	if open < 0 {
		return s
	}
	body := s[open+3:]
	// Drop the info string ("json", "JSON", empty) unless the fence opens
	// straight into the object on the same line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsRune(body[:nl], '{') {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
