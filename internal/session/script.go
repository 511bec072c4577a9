package session

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

const defaultMaxScriptLength = 1000

// Patterns that indicate attempts to smuggle executable or templated content
// into the narration script. Matching input is rejected outright rather than
// stripped, so the user can rephrase.
var scriptDenylist = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)data\s*:[^,]*;base64`),
	regexp.MustCompile(`(?i)on(?:load|error|click|mouseover)\s*=`),
	regexp.MustCompile(`\{\{.*\}\}`),
	regexp.MustCompile(`\$\{.*\}`),
	regexp.MustCompile("(?s)`.*`"),
}

// ScriptPolicy normalizes and screens user-provided narration text.
type ScriptPolicy struct {
	sanitizer *bluemonday.Policy
	maxLength int
}

// NewScriptPolicy builds the policy applied to every script before it is
// accepted into a draft. maxLength <= 0 falls back to the default.
func NewScriptPolicy(maxLength int) *ScriptPolicy {
	if maxLength <= 0 {
		maxLength = defaultMaxScriptLength
	}
	return &ScriptPolicy{
		sanitizer: bluemonday.StrictPolicy(),
		maxLength: maxLength,
	}
}

// Clean strips markup and control characters from raw and screens the result
// against the injection denylist. Input is NFC-normalised first so combining
// sequences cannot dodge the patterns. The cleaned script is returned on
// success.
func (p *ScriptPolicy) Clean(raw string) (string, error) {
	raw = norm.NFC.String(raw)
	for _, pattern := range scriptDenylist {
		if pattern.MatchString(raw) {
			return "", ErrScriptRejected
		}
	}

	cleaned := p.sanitizer.Sanitize(raw)
	cleaned = stripControlRunes(cleaned)
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" && strings.TrimSpace(raw) != "" {
		// Everything was markup. Treat as a screening failure, not a skip.
		return "", ErrScriptRejected
	}
	if utf8.RuneCountInString(cleaned) > p.maxLength {
		return "", ErrScriptTooLong
	}
	return cleaned, nil
}

func stripControlRunes(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
