package channels

import (
	"strings"
	"testing"
)

func TestChunkText(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"empty", "", 10, nil},
		{"fits", "hello", 10, []string{"hello"}},
		{"zero limit passes through", "hello", 0, []string{"hello"}},
		{"prefers newline", "aaaa aaaa\nbbbb bbbb", 12, []string{"aaaa aaaa", "bbbb bbbb"}},
		{"falls back to space", "aaaa aaaa bbbb bbbb", 12, []string{"aaaa aaaa", "bbbb bbbb"}},
		{"hard cut without breaks", "aaaaaaaaaabbbbbbbbbb", 10, []string{"aaaaaaaaaa", "bbbbbbbbbb"}},
		{"break in front half ignored", "ab cdefghijklmnop", 10, []string{"ab cdefghi", "jklmnop"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ChunkText(tt.text, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("ChunkText() = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestChunkTextNeverExceedsLimit(t *testing.T) {
	text := strings.Repeat("word boundary test with several tokens\n", 50)
	for _, limit := range []int{16, 64, 500} {
		for i, chunk := range ChunkText(text, limit) {
			if len(chunk) > limit {
				t.Errorf("limit %d: chunk %d is %d bytes", limit, i, len(chunk))
			}
			if chunk == "" {
				t.Errorf("limit %d: empty chunk %d", limit, i)
			}
		}
	}
}
