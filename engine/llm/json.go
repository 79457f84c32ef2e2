package llm

import (
	"encoding/json"
	"strings"
)

// ParseJSONObject decodes the span from the first '{' to the last '}' of raw.
// Model replies often wrap JSON in prose or code fences; a reply that still
// fails to decode yields the zero T and false.
func ParseJSONObject[T any](raw string) (T, bool) {
	var zero T
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start == -1 || end <= start {
		return zero, false
	}
	var v T
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return zero, false
	}
	return v, true
}
