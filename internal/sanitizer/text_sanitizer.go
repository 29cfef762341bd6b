// Package sanitizer cleans user-supplied free text before it is stored.
package sanitizer

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxWhoAmILength caps the self-description, counted in characters after
// sanitizing.
const MaxWhoAmILength = 2000

// TextSanitizer strips all markup from free text
type TextSanitizer interface {
	// Sanitize removes every HTML element and escapes what remains
	Sanitize(text string) string
}

// StrictSanitizer implements TextSanitizer with bluemonday's strict policy
type StrictSanitizer struct {
	policy *bluemonday.Policy
}

// NewStrictSanitizer creates a sanitizer that allows no HTML at all
func NewStrictSanitizer() *StrictSanitizer {
	return &StrictSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize removes script and style blocks with their content, drops all
// other tags and HTML-escapes the rest. Surrounding whitespace is trimmed.
func (s *StrictSanitizer) Sanitize(text string) string {
	if text == "" {
		return ""
	}
	return strings.TrimSpace(s.policy.Sanitize(text))
}

// Optional sanitizes text and returns nil when nothing is left. The result
// is truncated to limit characters.
func (s *StrictSanitizer) Optional(text string, limit int) *string {
	clean := s.Sanitize(text)
	if clean == "" {
		return nil
	}
	if limit > 0 && utf8.RuneCountInString(clean) > limit {
		clean = string([]rune(clean)[:limit])
	}
	return &clean
}
