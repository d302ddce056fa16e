package sessions

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/moziai/mozi/internal/providers"
)

func TestGetOrCreateIdempotent(t *testing.T) {
	m := NewManager(nil)

	a := m.GetOrCreate("agent:mozi:telegram:dm:1", Attrs{AgentID: "mozi"})
	b := m.GetOrCreate("agent:mozi:telegram:dm:1", Attrs{AgentID: "other"})
	if a != b {
		t.Fatal("second GetOrCreate returned a different instance")
	}
	if b.AgentID != "mozi" {
		t.Errorf("AgentID = %q, want %q (attrs must not overwrite)", b.AgentID, "mozi")
	}
	if a.Status != StatusIdle {
		t.Errorf("new session status = %q, want idle", a.Status)
	}
}

func TestGetOrCreateFillsMissingAttrs(t *testing.T) {
	m := NewManager(nil)
	m.GetOrCreate("k", Attrs{Metadata: map[string]string{"a": "1"}})
	s := m.GetOrCreate("k", Attrs{ParentKey: "agent:mozi:main", Metadata: map[string]string{"a": "2", "b": "3"}})

	if s.Metadata["a"] != "1" {
		t.Errorf("existing metadata overwritten: a = %q", s.Metadata["a"])
	}
	if s.Metadata["b"] != "3" {
		t.Errorf("missing metadata not filled: b = %q", s.Metadata["b"])
	}
	if s.Metadata[MetaParentKey] != "agent:mozi:main" {
		t.Errorf("parent key not seeded: %q", s.Metadata[MetaParentKey])
	}
}

func TestSetMetadataEmptyDeletes(t *testing.T) {
	m := NewManager(nil)
	m.GetOrCreate("k", Attrs{})
	m.SetMetadata("k", MetaModelOverride, "openai/gpt-4o")
	if got := m.GetMetadata("k", MetaModelOverride); got != "openai/gpt-4o" {
		t.Fatalf("GetMetadata = %q", got)
	}
	m.SetMetadata("k", MetaModelOverride, "")
	if got := m.GetMetadata("k", MetaModelOverride); got != "" {
		t.Errorf("metadata survived empty set: %q", got)
	}
}

func TestRotateClearsContextAndStamps(t *testing.T) {
	m := NewManager(nil)
	m.GetOrCreate("k", Attrs{})
	m.AppendMessage("k", providers.Message{Role: "user", Content: "hi"})
	m.AppendMessage("k", providers.Message{Role: "assistant", Content: "hello"})

	before := time.Now().Add(-time.Second)
	m.Rotate("k", "semantic")

	if h := m.History("k"); len(h) != 0 {
		t.Errorf("history after rotate has %d messages", len(h))
	}
	if got := m.GetMetadata("k", MetaLastRotationType); got != "semantic" {
		t.Errorf("rotation type = %q", got)
	}
	if at := m.LastRotationAt("k"); at.Before(before) {
		t.Errorf("rotation time %v predates rotation", at)
	}
}

func TestHistoryReturnsCopy(t *testing.T) {
	m := NewManager(nil)
	m.GetOrCreate("k", Attrs{})
	m.AppendMessage("k", providers.Message{Role: "user", Content: "hi"})

	h := m.History("k")
	h[0].Content = "mutated"
	if got := m.History("k")[0].Content; got != "hi" {
		t.Errorf("history aliased internal state: %q", got)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mozi.db")

	store, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(store)
	if err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.GetOrCreate("agent:mozi:telegram:dm:7", Attrs{AgentID: "mozi"})
	m.SetStatus("agent:mozi:telegram:dm:7", StatusRunning)
	m.SetMetadata("agent:mozi:telegram:dm:7", MetaThinkingLevel, "high")
	m.AppendMessage("agent:mozi:telegram:dm:7", providers.Message{Role: "user", Content: "ping"})
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store2, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()
	m2 := NewManager(store2)
	if err := m2.Load(); err != nil {
		t.Fatal(err)
	}

	s := m2.Get("agent:mozi:telegram:dm:7")
	if s == nil {
		t.Fatal("session not restored")
	}
	// A crash mid-turn must come back idle, never running.
	if s.Status != StatusIdle {
		t.Errorf("restored status = %q, want idle", s.Status)
	}
	if s.Metadata[MetaThinkingLevel] != "high" {
		t.Errorf("metadata lost: %q", s.Metadata[MetaThinkingLevel])
	}
	h := m2.History("agent:mozi:telegram:dm:7")
	if len(h) != 1 || h[0].Content != "ping" {
		t.Errorf("history not restored: %+v", h)
	}
}

func TestListFilter(t *testing.T) {
	m := NewManager(nil)
	m.GetOrCreate("agent:mozi:telegram:dm:1", Attrs{AgentID: "mozi"})
	m.GetOrCreate("agent:mozi:discord:dm:2", Attrs{AgentID: "mozi"})
	m.GetOrCreate("agent:other:telegram:dm:3", Attrs{AgentID: "other"})
	m.SetStatus("agent:mozi:telegram:dm:1", StatusRunning)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"by agent", Filter{AgentID: "mozi"}, 2},
		{"by channel", Filter{Channel: "telegram"}, 2},
		{"by status", Filter{Status: StatusRunning}, 1},
		{"agent and channel", Filter{AgentID: "mozi", Channel: "discord"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(m.List(tt.filter)); got != tt.want {
				t.Errorf("List(%+v) = %d sessions, want %d", tt.filter, got, tt.want)
			}
		})
	}
}
