package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatcherRefreshesOnExternalEdit(t *testing.T) {
	s := testStore(t, `{ agents: { defaults: { model: "anthropic/claude" } } }`)
	before := s.Snapshot()

	changes := make(chan Snapshot, 4)
	w := NewWatcher(s, nil, func(snap Snapshot) { changes <- snap })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the directory watch time to attach before editing.
	time.Sleep(100 * time.Millisecond)
	edited := `{ agents: { defaults: { model: "openai/gpt-4o" } } }`
	if err := os.WriteFile(s.Path(), []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case snap := <-changes:
		if snap.RawHashHex() == before.RawHashHex() {
			t.Error("raw hash did not change after external edit")
		}
		if snap.Effective.Agents.Defaults.Model != "openai/gpt-4o" {
			t.Errorf("effective model = %q", snap.Effective.Agents.Defaults.Model)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher observed no change")
	}

	cancel()
	<-done
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	s := testStore(t, `{}`)

	changes := make(chan Snapshot, 4)
	w := NewWatcher(s, nil, func(snap Snapshot) { changes <- snap })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	sibling := s.Path() + ".note"
	if err := os.WriteFile(sibling, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changes:
		t.Fatal("watcher fired for an unrelated file")
	case <-time.After(600 * time.Millisecond):
	}
}
