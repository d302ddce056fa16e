package runtimectl

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeLog(t *testing.T, lines int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runtime.log")
	var b strings.Builder
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTailLog(t *testing.T) {
	path := writeLog(t, 100)

	got, err := TailLog(path, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"line 97", "line 98", "line 99"}
	if len(got) != len(want) {
		t.Fatalf("TailLog = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTailLogShortFile(t *testing.T) {
	path := writeLog(t, 2)
	got, err := TailLog(path, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("TailLog = %d lines, want 2", len(got))
	}
}

func TestTailLogDefaultsCount(t *testing.T) {
	path := writeLog(t, 200)
	got, err := TailLog(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 50 {
		t.Errorf("TailLog with n=0 = %d lines, want 50", len(got))
	}
}

func TestTailLogMissingFile(t *testing.T) {
	if _, err := TailLog(filepath.Join(t.TempDir(), "nope.log"), 10); err == nil {
		t.Fatal("missing log file tailed without error")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollowLogStreamsAppends(t *testing.T) {
	path := writeLog(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var buf syncBuffer
	done := make(chan error, 1)
	go func() { done <- FollowLog(ctx, path, &buf) }()

	// Give the follower time to seek to the end, then append.
	time.Sleep(100 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("appended\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), "appended") {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	<-done

	out := buf.String()
	if !strings.Contains(out, "appended") {
		t.Errorf("follow output missing appended line: %q", out)
	}
	if strings.Contains(out, "line 0") {
		t.Errorf("follow replayed pre-existing content: %q", out)
	}
}
