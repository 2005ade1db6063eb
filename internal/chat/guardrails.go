// Package chat orchestrates grounded question answering over retrieved
// passages: input guardrails, prompt rendering, and model invocation with
// fallbacks.
package chat

import (
	"regexp"
	"strings"
)

// DefaultMaxInputChars bounds raw user input before any model call.
const DefaultMaxInputChars = 6000

// injectionPhrases are rejected outright. Matching is case-insensitive
// against the whole input.
var injectionPhrases = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard your instructions",
	"you are now",
	"system prompt",
	"reveal your prompt",
}

var (
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
	phonePattern = regexp.MustCompile(`\b(?:\+?1[ .-]?)?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`)
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
)

const redactedToken = "[REDACTED]"

// GuardrailResult reports the outcome of input screening.
type GuardrailResult struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	RedactedText string `json:"redacted_text,omitempty"`
	Redactions   int    `json:"redactions,omitempty"`
}

// Guardrails screens user input before it reaches retrieval or a model.
type Guardrails struct {
	maxInputChars int
}

// NewGuardrails creates a guardrail screen. A non-positive limit uses the
// default.
func NewGuardrails(maxInputChars int) *Guardrails {
	if maxInputChars <= 0 {
		maxInputChars = DefaultMaxInputChars
	}
	return &Guardrails{maxInputChars: maxInputChars}
}

// Inspect validates and sanitizes one user input. Oversized or empty input
// and injection phrases are rejected; PII is redacted in place.
func (g *Guardrails) Inspect(input string) GuardrailResult {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return GuardrailResult{Allowed: false, Reason: "empty input"}
	}
	if len(trimmed) > g.maxInputChars {
		return GuardrailResult{Allowed: false, Reason: "input exceeds maximum length"}
	}

	lowered := strings.ToLower(trimmed)
	for _, phrase := range injectionPhrases {
		if strings.Contains(lowered, phrase) {
			return GuardrailResult{Allowed: false, Reason: "input resembles a prompt injection attempt"}
		}
	}

	redacted, count := RedactPII(trimmed)
	return GuardrailResult{Allowed: true, RedactedText: redacted, Redactions: count}
}

// RedactPII replaces SSN, card, phone, and email patterns with a redaction
// token and returns the count of replacements. Card matching runs before
// phone so long digit runs are not split into partial phone matches.
func RedactPII(text string) (string, int) {
	count := 0
	replace := func(pattern *regexp.Regexp, s string) string {
		return pattern.ReplaceAllStringFunc(s, func(string) string {
			count++
			return redactedToken
		})
	}

	text = replace(ssnPattern, text)
	text = replace(cardPattern, text)
	text = replace(phonePattern, text)
	text = replace(emailPattern, text)
	return text, count
}

// SanitizeOutput strips redaction-worthy PII that a model may have echoed
// back from context.
func SanitizeOutput(text string) string {
	out, _ := RedactPII(text)
	return out
}
