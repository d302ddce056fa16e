package handler

import (
	"regexp"
	"strings"
)

var (
	botTokenRe = regexp.MustCompile(`bot\d+:[A-Za-z0-9_\-+/=]+`)
	apiKeyRe   = regexp.MustCompile(`sk-[A-Za-z0-9_-]{16,}`)
	thinkRe    = regexp.MustCompile(`(?s)<think>.*?</think>`)
)

// RedactPreview masks credential-shaped tokens before a prompt preview is
// logged.
func RedactPreview(s string) string {
	s = botTokenRe.ReplaceAllString(s, "bot<redacted>")
	s = apiKeyRe.ReplaceAllString(s, "sk-<redacted>")
	return s
}

// StripThink removes <think>…</think> reasoning blocks. An unterminated block
// (mid-stream) is cut from its opening tag.
func StripThink(s string) string {
	s = thinkRe.ReplaceAllString(s, "")
	if i := strings.Index(s, "<think>"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
