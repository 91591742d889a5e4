package chat

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Facts is the persistent user-memory mapping. Facts merge rather than
// replace: a later extraction overwrites a key but never clears the rest.
type Facts map[string]string

// Merge copies other into f and reports whether anything changed.
func (f Facts) Merge(other Facts) bool {
	changed := false
	for k, v := range other {
		if f[k] != v {
			f[k] = v
			changed = true
		}
	}
	return changed
}

func (f Facts) Clone() Facts {
	out := make(Facts, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Summary renders the facts in deterministic order for prompt injection.
func (f Facts) Summary() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, f[k]))
	}
	return strings.Join(parts, "; ")
}

// EncodeFacts serializes facts for the persistent store.
func EncodeFacts(f Facts) (string, error) {
	if f == nil {
		f = Facts{}
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode facts: %w", err)
	}
	return string(raw), nil
}

// DecodeFacts restores facts from their stored form.
func DecodeFacts(raw string) (Facts, error) {
	if raw == "" {
		return Facts{}, nil
	}
	var f Facts
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("decode facts: %w", err)
	}
	if f == nil {
		f = Facts{}
	}
	return f, nil
}

// The phrase is matched case-insensitively but the captured name must be
// capitalized, so "my name is alex" stays unmatched while "I'm Alex" hits.
var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?i:my name is) ([A-Z][a-zA-Z]*)`),
	regexp.MustCompile(`\b(?i:i'?m) ([A-Z][a-zA-Z]*)`),
}

// ExtractName applies the best-effort name heuristics to raw user input.
func ExtractName(text string) (string, bool) {
	for _, pattern := range namePatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			return m[1], true
		}
	}
	return "", false
}
