// Package sanitize strips markup from free-text user input (annotation
// notes, comment bodies) before it is cached and broadcast to a room. It
// reimplements a conservative allowlist-free stripper in the style of
// streamspace/api's HTML sanitization rather than importing bluemonday,
// since the spec's inputs are plain-text fields with no legitimate HTML use.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	scriptStylePattern = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// PlainText strips HTML tags (and any script/style content entirely) from
// s, collapses repeated whitespace, and trims the result. It is not a
// full HTML parser; it is a defense-in-depth strip for fields the wire
// protocol documents as plain text.
func PlainText(s string) string {
	s = scriptStylePattern.ReplaceAllString(s, "")
	s = tagPattern.ReplaceAllString(s, "")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
