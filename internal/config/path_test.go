package config

import "testing"

func TestParsePath(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []pathSegment
		wantErr bool
	}{
		{
			"dotted keys",
			"models.anthropic.apiKey",
			[]pathSegment{{key: "models"}, {key: "anthropic"}, {key: "apiKey"}},
			false,
		},
		{
			"array index",
			"agents.list[2].model",
			[]pathSegment{{key: "agents"}, {key: "list"}, {index: 2, isIdx: true}, {key: "model"}},
			false,
		},
		{
			"bracketed string key",
			`channels["my.dotted.key"]`,
			[]pathSegment{{key: "channels"}, {key: "my.dotted.key"}},
			false,
		},
		{
			"escaped dot",
			`a\.b.c`,
			[]pathSegment{{key: "a.b"}, {key: "c"}},
			false,
		},
		{"empty", "", nil, true},
		{"whitespace only", "  ", nil, true},
		{"unterminated bracket", "a[3", nil, true},
		{"negative index", "a[-1]", nil, true},
		{"dangling escape", `a\`, nil, true},
		{"empty segment", "a..b", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePath(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parsePath(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parsePath(%q) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("segment %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}
