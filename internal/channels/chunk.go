package channels

import "unicode"

// ChunkText splits text into pieces of at most limit bytes, preferring to
// break at a newline, then at any whitespace, in the back half of the chunk.
// The whitespace character used as a break point is dropped; a hard cut keeps
// every byte.
func ChunkText(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := limit
		dropBreak := false
		window := text[:limit]
		if idx := lastBreak(window, '\n'); idx > limit/2 {
			cut = idx
			dropBreak = true
		} else if idx := lastWhitespace(window); idx > limit/2 {
			cut = idx
			dropBreak = true
		}
		chunks = append(chunks, text[:cut])
		if dropBreak {
			cut++
		}
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func lastBreak(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func lastWhitespace(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] < 0x80 && unicode.IsSpace(rune(s[i])) {
			return i
		}
	}
	return -1
}
