package telegram

import (
	"fmt"
	"regexp"
	"strings"
)

// Telegram accepts a small HTML subset in messages. MarkdownToTelegramHTML
// converts common Markdown to that subset and escapes everything else.
// The conversion is idempotent: running the output through again yields the
// same string, because the allowed tags and existing entities are preserved
// by the escaper and the consumed Markdown markers no longer match.

var (
	codeBlockRe  = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n?(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")
	boldRe       = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	italicRe     = regexp.MustCompile(`(^|[^\w*])\*([^*\n]+)\*`)
	underlineRe  = regexp.MustCompile(`(^|\s)__([^_\n]+)__`)
	strikeRe     = regexp.MustCompile(`~~([^~\n]+)~~`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)\s]+)\)`)
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

	allowedTagRe = regexp.MustCompile(`</?(?:b|i|u|s|code|pre|blockquote)>|<a href="[^"]*">|</a>`)
	entityRe     = regexp.MustCompile(`^&(?:amp|lt|gt|quot|#\d+|#x[0-9a-fA-F]+);`)
)

// MarkdownToTelegramHTML converts Markdown text into Telegram-flavored HTML.
func MarkdownToTelegramHTML(text string) string {
	// Pull code spans out first so their contents are neither escaped twice
	// nor treated as Markdown.
	type span struct {
		placeholder string
		html        string
	}
	var spans []span
	next := 0
	hold := func(html string) string {
		ph := fmt.Sprintf("\x00MOZI%d\x00", next)
		next++
		spans = append(spans, span{ph, html})
		return ph
	}

	text = codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := codeBlockRe.FindStringSubmatch(m)[1]
		return hold("<pre>" + escapeKeepingTags(strings.TrimRight(inner, "\n")) + "</pre>")
	})
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := inlineCodeRe.FindStringSubmatch(m)[1]
		return hold("<code>" + escapeKeepingTags(inner) + "</code>")
	})

	text = escapeKeepingTags(text)

	text = linkRe.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = boldRe.ReplaceAllString(text, "<b>$1</b>")
	text = italicRe.ReplaceAllString(text, "$1<i>$2</i>")
	text = underlineRe.ReplaceAllString(text, "$1<u>$2</u>")
	text = strikeRe.ReplaceAllString(text, "<s>$1</s>")
	text = headingRe.ReplaceAllString(text, "<b>$1</b>")

	for _, s := range spans {
		text = strings.Replace(text, s.placeholder, s.html, 1)
	}
	return text
}

// escapeKeepingTags HTML-escapes text while leaving the Telegram tag subset
// and already-formed entities alone, so escaping is idempotent.
func escapeKeepingTags(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		switch text[i] {
		case '<':
			if loc := allowedTagRe.FindStringIndex(text[i:]); loc != nil && loc[0] == 0 {
				b.WriteString(text[i : i+loc[1]])
				i += loc[1]
				continue
			}
			b.WriteString("&lt;")
			i++
		case '>':
			b.WriteString("&gt;")
			i++
		case '&':
			if entityRe.MatchString(text[i:]) {
				end := strings.IndexByte(text[i:], ';') + 1
				b.WriteString(text[i : i+end])
				i += end
				continue
			}
			b.WriteString("&amp;")
			i++
		default:
			b.WriteByte(text[i])
			i++
		}
	}
	return b.String()
}
