package sessions

import (
	"testing"

	"github.com/moziai/mozi/internal/bus"
)

func TestNormalizeSegment(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase passthrough", "alice", "alice"},
		{"uppercase folds", "Alice", "alice"},
		{"spaces collapse", "two words", "two-words"},
		{"unicode collapses", "café", "caf"},
		{"leading dash strips", "-1001", "1001"},
		{"trailing dash strips", "x-", "x"},
		{"underscores kept", "a_b", "a_b"},
		{"empty", "", ""},
		{"only invalid runes", "???", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeSegment(tt.in); got != tt.want {
				t.Errorf("NormalizeSegment(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeSegmentIdempotent(t *testing.T) {
	inputs := []string{"Alice Smith", "-1001", "a__b--c", "MiXeD-Case_42"}
	for _, in := range inputs {
		once := NormalizeSegment(in)
		if twice := NormalizeSegment(once); twice != once {
			t.Errorf("re-normalizing %q changed %q to %q", in, once, twice)
		}
	}
}

func TestNormalizeSegmentTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	if got := NormalizeSegment(long); len(got) != 64 {
		t.Errorf("len = %d, want 64", len(got))
	}
}

func TestBuildSessionKey(t *testing.T) {
	tests := []struct {
		name string
		in   KeyInput
		want string
	}{
		{
			"dm per-channel-peer default",
			KeyInput{AgentID: "mozi", Channel: "telegram", PeerID: "1001", PeerKind: bus.PeerDM},
			"agent:mozi:telegram:dm:1001",
		},
		{
			"dm main scope",
			KeyInput{AgentID: "mozi", Channel: "telegram", PeerID: "1001", PeerKind: bus.PeerDM, DMScope: ScopeMain},
			"agent:mozi:main",
		},
		{
			"dm per-peer",
			KeyInput{AgentID: "mozi", Channel: "discord", PeerID: "42", PeerKind: bus.PeerDM, DMScope: ScopePerPeer},
			"agent:mozi:dm:42",
		},
		{
			"dm per-account-channel-peer",
			KeyInput{AgentID: "mozi", Channel: "discord", PeerID: "42", AccountID: "guild7", PeerKind: bus.PeerDM, DMScope: ScopePerAccountChanPeer},
			"agent:mozi:discord:guild7:dm:42",
		},
		{
			"telegram group with negative id",
			KeyInput{AgentID: "mozi", Channel: "telegram", PeerID: "-1001", PeerKind: bus.PeerGroup},
			"agent:mozi:telegram:group:1001",
		},
		{
			"thread suffix",
			KeyInput{AgentID: "mozi", Channel: "telegram", PeerID: "9", PeerKind: bus.PeerGroup, ThreadID: "77"},
			"agent:mozi:telegram:group:9:thread:77",
		},
		{
			"case variants collapse",
			KeyInput{AgentID: "MoZi", Channel: "Telegram", PeerID: "Alice", PeerKind: bus.PeerDM},
			"agent:mozi:telegram:dm:alice",
		},
		{
			"missing segments fall back",
			KeyInput{PeerKind: bus.PeerGroup},
			"agent:mozi:unknown:group:unknown",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildSessionKey(tt.in); got != tt.want {
				t.Errorf("BuildSessionKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseSessionKey(t *testing.T) {
	agent, rest := ParseSessionKey("agent:mozi:telegram:dm:1001")
	if agent != "mozi" || rest != "telegram:dm:1001" {
		t.Errorf("got (%q, %q)", agent, rest)
	}
	if a, r := ParseSessionKey("bogus"); a != "" || r != "" {
		t.Errorf("malformed key parsed to (%q, %q)", a, r)
	}
}

func TestChannelAndPeerFromKey(t *testing.T) {
	tests := []struct {
		key     string
		channel string
		peer    string
	}{
		{"agent:mozi:telegram:dm:1001", "telegram", "1001"},
		{"agent:mozi:discord:group:42", "discord", "42"},
		{"agent:mozi:main", "", ""},
		{"agent:mozi:dm:9", "", "9"},
	}
	for _, tt := range tests {
		if got := ChannelFromKey(tt.key); got != tt.channel {
			t.Errorf("ChannelFromKey(%q) = %q, want %q", tt.key, got, tt.channel)
		}
		if got := PeerFromKey(tt.key); got != tt.peer {
			t.Errorf("PeerFromKey(%q) = %q, want %q", tt.key, got, tt.peer)
		}
	}
}
