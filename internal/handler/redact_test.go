package handler

import "testing"

func TestRedactPreview(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"telegram bot token",
			"send via bot123456:AAHdqwe-rty_uiop to chat",
			"send via bot<redacted> to chat",
		},
		{
			"api key",
			"use sk-abcdefghijklmnop1234 for auth",
			"use sk-<redacted> for auth",
		},
		{
			"short sk prefix untouched",
			"task sk-123 is open",
			"task sk-123 is open",
		},
		{
			"multiple secrets",
			"bot1:aaa and sk-0123456789abcdef0123",
			"bot<redacted> and sk-<redacted>",
		},
		{"clean text", "hello world", "hello world"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RedactPreview(tt.in); got != tt.want {
				t.Errorf("RedactPreview(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStripThink(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no block", "plain answer", "plain answer"},
		{"closed block", "<think>reasoning here</think>the answer", "the answer"},
		{"multiline block", "<think>line one\nline two</think>\nanswer", "answer"},
		{"two blocks", "<think>a</think>x<think>b</think>y", "xy"},
		{"unterminated block cut", "partial<think>still reasoni", "partial"},
		{"only a block", "<think>everything</think>", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripThink(tt.in); got != tt.want {
				t.Errorf("StripThink(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
