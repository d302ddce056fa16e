package config

import (
	"testing"
	"time"
)

func TestParseDurationString(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"500ms", 500 * time.Millisecond, false},
		{"15s", 15 * time.Second, false},
		{"2m", 2 * time.Minute, false},
		{"1h", time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"0s", 0, false},
		{" 30m ", 30 * time.Minute, false},
		{"10x", 0, true},
		{"1.5s", 0, true},
		{"10", 0, true},
		{"-5s", 0, true},
		{"", 0, true},
		{"ms", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDurationString(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationString(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("ParseDurationString(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
