package enforce

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Options steers coercion of a decoded object toward the expected shape.
type Options struct {
	// Aliases maps commonly seen variant field names to their canonical name.
	Aliases map[string]string
	// Defaults fills canonical fields that are absent after alias remapping.
	Defaults map[string]interface{}
	// NumberFields are canonical fields coerced from string to float64 when
	// the string parses cleanly.
	NumberFields []string
	// Required lists canonical fields that must be present after defaults.
	Required []string
}

// ParseError reports that no tier could recover a JSON object from the text.
type ParseError struct {
	Reason  string
	Snippet string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("structured output: %s (input %q)", e.Reason, e.Snippet)
}

func newParseError(reason, input string) *ParseError {
	snippet := input
	if len(snippet) > 120 {
		snippet = snippet[:120] + "..."
	}
	return &ParseError{Reason: reason, Snippet: snippet}
}

// Object recovers a JSON object from model output. Tier one parses the text
// directly; tier two extracts the largest balanced JSON region from
// surrounding prose; the decoded object then goes through Coerce. All tiers
// are pure functions of their input.
func Object(raw string, opts Options) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, newParseError("empty output", raw)
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj != nil {
		return Coerce(obj, opts)
	}

	region := ExtractJSON(trimmed)
	if region == "" {
		return nil, newParseError("no JSON object found", raw)
	}
	if err := json.Unmarshal([]byte(region), &obj); err != nil || obj == nil {
		return nil, newParseError("extracted region does not decode to an object", raw)
	}
	return Coerce(obj, opts)
}

// ExtractJSON returns the largest balanced {...} or [...] region in the text,
// tracking string literals and escapes so braces inside strings do not count.
// Returns "" when no balanced region exists.
func ExtractJSON(text string) string {
	best := ""
	for i := 0; i < len(text); i++ {
		open := text[i]
		if open != '{' && open != '[' {
			continue
		}
		if region := balancedFrom(text, i); len(region) > len(best) {
			best = region
		}
	}
	return best
}

func balancedFrom(text string, start int) string {
	depth := 0
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
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// Coerce remaps alias fields onto their canonical names, fills defaults and
// verifies required fields. Canonical fields already present win over their
// aliases. The input map is not mutated.
func Coerce(obj map[string]interface{}, opts Options) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		if canonical, ok := opts.Aliases[k]; ok {
			k = canonical
		}
		if _, exists := out[k]; exists {
			continue
		}
		out[k] = v
	}
	// canonical names in the source always take precedence
	for k, v := range obj {
		if _, isAlias := opts.Aliases[k]; !isAlias {
			out[k] = v
		}
	}
	for k, v := range opts.Defaults {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	for _, k := range opts.NumberFields {
		if s, ok := out[k].(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				out[k] = f
			}
		}
	}
	for _, k := range opts.Required {
		if _, ok := out[k]; !ok {
			return nil, newParseError(fmt.Sprintf("missing required field %q", k), "")
		}
	}
	return out, nil
}
