// Package redaction sanitizes secrets before they reach the audit log.
package redaction

import (
	"regexp"
	"strings"
)

// Placeholder replaces redacted values.
const Placeholder = "[REDACTED]"

// defaultPatterns covers the secret shapes most likely to flow through
// capability inputs: bearer tokens, AWS access keys, and generic api-key
// style assignments.
var defaultPatterns = []string{
	`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`,
	`AKIA[0-9A-Z]{16}`,
	`(?i)(api[_-]?key|secret|token|password)\s*[:=]\s*\S+`,
}

// sensitiveKeys are JSON field names whose values are always redacted.
var sensitiveKeys = map[string]bool{
	"password": true,
	"secret":   true,
	"token":    true,
	"api_key":  true,
	"text":     false, // redacted only for type_text inputs, see RedactFields
}

// Redactor sanitizes strings and shallow JSON maps. All fields are read-only
// after construction, making it safe for concurrent use.
type Redactor struct {
	patterns []*regexp.Regexp
}

// New builds a Redactor with the default pattern set plus any extras.
func New(extra ...string) (*Redactor, error) {
	r := &Redactor{patterns: make([]*regexp.Regexp, 0, len(defaultPatterns)+len(extra))}
	for _, p := range append(append([]string{}, defaultPatterns...), extra...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Redact replaces every secret-shaped substring with the placeholder.
func (r *Redactor) Redact(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, Placeholder)
	}
	return s
}

// RedactFields returns a sanitized copy of a decoded JSON object: values of
// sensitive field names are replaced wholesale by the placeholder, other
// string values pass through Redact, and non-string values are copied
// unchanged. The input map is not modified. extraFields
// lists additional field names to blank for this call (the executor passes
// "text" for type_text inputs).
func (r *Redactor) RedactFields(input map[string]any, extraFields ...string) map[string]any {
	if input == nil {
		return nil
	}
	extra := make(map[string]bool, len(extraFields))
	for _, f := range extraFields {
		extra[f] = true
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		lower := strings.ToLower(key)
		if sensitiveKeys[lower] || extra[lower] {
			out[key] = Placeholder
			continue
		}
		if s, ok := value.(string); ok {
			out[key] = r.Redact(s)
			continue
		}
		out[key] = value
	}
	return out
}
