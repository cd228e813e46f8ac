package oracle

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/daimoniac/bountyline/internal/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ```json\n{...}\n``` and variants without newlines or language tag
	codeFenceRegex = regexp.MustCompile("(?s)`{3}(?:json|JSON|javascript|js)?\\s*\\n?(.*?)\\n?`{3}")

	trailingCommaRegex     = regexp.MustCompile(`,(\s*[}\]])`)
	singleLineCommentRegex = regexp.MustCompile(`(?m)^\s*//.*$`)
	multiLineCommentRegex  = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// Object is a decoded JSON object read through defensive accessors
type Object map[string]any

// ExtractObject finds the first JSON object in text. It tolerates fence
// markers, surrounding commentary, trailing commas and comments. Failure is
// reported as a ParseError carrying a snippet of the raw text.
func ExtractObject(text string) (Object, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.NewParseError(text, errors.New("empty response"))
	}

	bases := []string{trimmed}
	if m := codeFenceRegex.FindStringSubmatch(trimmed); m != nil {
		bases = append(bases, strings.TrimSpace(m[1]))
	}

	var attempts []string
	for _, b := range bases {
		cleaned := cleanup(b)
		attempts = append(attempts, b, cleaned)
		attempts = append(attempts, balancedObjects(cleaned)...)
	}

	var lastErr error
	for _, c := range attempts {
		obj, err := decodeObject(c)
		if err == nil {
			return obj, nil
		}
		lastErr = err
	}
	return nil, errors.NewParseError(text, lastErr)
}

func decodeObject(s string) (Object, error) {
	if !strings.HasPrefix(s, "{") {
		return nil, errors.New("not a JSON object")
	}
	var obj Object
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("null object")
	}
	return obj, nil
}

func cleanup(s string) string {
	s = multiLineCommentRegex.ReplaceAllString(s, "")
	s = singleLineCommentRegex.ReplaceAllString(s, "")
	s = trailingCommaRegex.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

// balancedObjects returns every {...} span with balanced braces, in order of
// their opening brace, ignoring braces inside string literals. Commentary
// may carry its own braces ahead of the real object.
func balancedObjects(s string) []string {
	var spans []string
	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
		if end := balancedEnd(s, start); end > 0 {
			spans = append(spans, s[start:end])
		}
	}
	return spans
}

// balancedEnd returns the index just past the brace closing s[start], or -1
func balancedEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// Has reports whether key is present and not null
func (o Object) Has(key string) bool {
	v, ok := o[key]
	return ok && v != nil
}

// Bool reads a boolean, accepting "true"/"false"/"yes"/"no" strings.
// Missing or unreadable values yield def.
func (o Object) Bool(key string, def bool) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes":
			return true
		case "false", "no":
			return false
		}
	}
	return def
}

// Float reads a number or numeric string
func (o Object) Float(key string) (float64, bool) {
	var f float64
	switch v := o[key].(type) {
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Confidence reads a float clamped to [0,1]
func (o Object) Confidence(key string) (float64, bool) {
	f, ok := o.Float(key)
	if !ok {
		return 0, false
	}
	return math.Min(math.Max(f, 0), 1), true
}

// Int reads a whole number, truncating fractions
func (o Object) Int(key string) (int, bool) {
	f, ok := o.Float(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// String reads a string, returning def when absent or not a string
func (o Object) String(key, def string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return def
}

// Strings reads an array of strings, skipping non-string elements. A bare
// string is treated as a one-element list.
func (o Object) Strings(key string) []string {
	switch v := o[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// StringMap reads an object of string values
func (o Object) StringMap(key string) map[string]string {
	v, ok := o[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(v))
	for k, item := range v {
		if s, ok := item.(string); ok {
			out[k] = s
		}
	}
	return out
}
