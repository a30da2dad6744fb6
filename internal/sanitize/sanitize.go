// Package sanitize cleans user-typed commands before they are sent to the
// backend.
package sanitize

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxInputLength is the rune limit applied to every command.
const MaxInputLength = 5000

// maxPasses bounds the strip loop; nested payloads such as
// "&lt;<b>b</b>script&gt;" need more than one pass.
const maxPasses = 8

var (
	jsScheme    = regexp.MustCompile(`(?i)javascript:`)
	eventAttr   = regexp.MustCompile(`(?i)on\w+\s*=`)
	dataHTMLURI = regexp.MustCompile(`(?i)data:\s*text/html`)
)

// Sanitizer strips markup and script vectors from free text.
// It is safe for concurrent use.
type Sanitizer struct {
	policy *bluemonday.Policy
	maxLen int
}

// New returns a Sanitizer that caps input at maxLen runes. maxLen <= 0
// selects MaxInputLength.
func New(maxLen int) *Sanitizer {
	if maxLen <= 0 {
		maxLen = MaxInputLength
	}
	return &Sanitizer{policy: bluemonday.StrictPolicy(), maxLen: maxLen}
}

var defaultSanitizer = New(MaxInputLength)

// Input sanitizes raw with the default limits.
func Input(raw string) string {
	return defaultSanitizer.Sanitize(raw)
}

// Sanitize trims raw, truncates it to the rune limit, removes every HTML
// tag and the javascript:, on<event>= and data:text/html patterns, then trims
// again. The result may be empty.
func (s *Sanitizer) Sanitize(raw string) string {
	text := truncateRunes(strings.TrimSpace(raw), s.maxLen)

	for i := 0; i < maxPasses; i++ {
		next := html.UnescapeString(s.policy.Sanitize(text))
		next = jsScheme.ReplaceAllString(next, "")
		next = eventAttr.ReplaceAllString(next, "")
		next = dataHTMLURI.ReplaceAllString(next, "")
		if next == text {
			break
		}
		text = next
	}
	return strings.TrimSpace(text)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#039;",
)

// EscapeHTML escapes the five HTML-significant characters for safe rendering.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
