package handler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/channels"
	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/dispatch"
	"github.com/moziai/mozi/internal/providers"
	"github.com/moziai/mozi/internal/router"
	"github.com/moziai/mozi/internal/sessions"
)

// fakeAdapter records sends; fakeEditAdapter adds the edit capability on top.
type fakeAdapter struct {
	mu     sync.Mutex
	sent   []bus.OutboundMessage
	nextID int
}

func (a *fakeAdapter) ID() string                           { return "test" }
func (a *fakeAdapter) DisplayName() string                  { return "Test" }
func (a *fakeAdapter) Connect(ctx context.Context) error    { return nil }
func (a *fakeAdapter) Disconnect(ctx context.Context) error { return nil }
func (a *fakeAdapter) Status() bus.ChannelStatus            { return bus.StatusConnected }

func (a *fakeAdapter) Send(ctx context.Context, peerID string, msg bus.OutboundMessage) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	a.nextID++
	return fmt.Sprintf("msg-%d", a.nextID), nil
}

func (a *fakeAdapter) sentTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.sent))
	for i, m := range a.sent {
		out[i] = m.Text
	}
	return out
}

func (a *fakeAdapter) lastText() string {
	texts := a.sentTexts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

type edit struct {
	messageID string
	text      string
}

type fakeEditAdapter struct {
	*fakeAdapter
	mu    sync.Mutex
	edits []edit
}

func (a *fakeEditAdapter) EditMessage(ctx context.Context, messageID, peerID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, edit{messageID, text})
	return nil
}

func (a *fakeEditAdapter) lastEdit() (edit, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.edits) == 0 {
		return edit{}, false
	}
	return a.edits[len(a.edits)-1], true
}

type fixture struct {
	handler  *Handler
	adapter  *fakeAdapter
	editable *fakeEditAdapter
	sessions *sessions.Manager
	models   *providers.Registry
	cfg      *config.Config
}

type fixtureOpts struct {
	driver   providers.PromptDriver
	editable bool
	auth     AuthBroker
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.Default()
	cfg.Agents.List = map[string]config.AgentSpec{
		"main": {Main: true, Model: "test/model"},
	}

	msgBus := bus.NewMessageBus(16)
	rt := router.New(cfg, "main")
	mgr := sessions.NewManager(nil)
	kernel := dispatch.NewKernel(ctx, nil, dispatch.Options{})
	models := providers.NewRegistry()
	models.Register(providers.ModelSpec{Ref: "test/model", Provider: "test", ID: "model"})

	chanReg := channels.NewRegistry(nil, msgBus)
	f := &fixture{sessions: mgr, models: models, cfg: cfg}
	f.adapter = &fakeAdapter{}
	if opts.editable {
		f.editable = &fakeEditAdapter{fakeAdapter: f.adapter}
		chanReg.Register(f.editable)
	} else {
		chanReg.Register(f.adapter)
	}

	driver := opts.driver
	if driver == nil {
		driver = providers.DriverFunc(func(ctx context.Context, req providers.PromptRequest, onEvent func(providers.StreamEvent)) error {
			onEvent(providers.StreamEvent{Kind: providers.EventFinal, Text: "ok"})
			return nil
		})
	}

	f.handler = New(Options{
		Config:   func() *config.Config { return cfg },
		Router:   rt,
		Sessions: mgr,
		Kernel:   kernel,
		Models:   models,
		Driver:   driver,
		Channels: chanReg,
		Auth:     opts.auth,
	})
	return f
}

func inbound(text string) bus.InboundMessage {
	return bus.InboundMessage{
		ID:       "m1",
		Channel:  "test",
		PeerID:   "42",
		PeerKind: bus.PeerDM,
		SenderID: "u1",
		Text:     text,
	}
}

func TestPromptFinalOverStreamed(t *testing.T) {
	driver := providers.DriverFunc(func(ctx context.Context, req providers.PromptRequest, onEvent func(providers.StreamEvent)) error {
		onEvent(providers.StreamEvent{Kind: providers.EventTextDelta, Text: "Hel"})
		onEvent(providers.StreamEvent{Kind: providers.EventTextDelta, Text: "lo draft"})
		onEvent(providers.StreamEvent{Kind: providers.EventFinal, Text: "Hello there."})
		return nil
	})
	f := newFixture(t, fixtureOpts{driver: driver})

	f.handler.HandleInbound(context.Background(), inbound("hi"))

	if got := f.adapter.lastText(); got != "Hello there." {
		t.Errorf("reply = %q, want the final text over the streamed draft", got)
	}
	history := f.sessions.History("agent:main:test:dm:42")
	if len(history) != 2 || history[0].Role != "user" || history[1].Content != "Hello there." {
		t.Errorf("recorded exchange = %+v", history)
	}
}

func TestPromptStreamedOnlyWhenNoFinal(t *testing.T) {
	driver := providers.DriverFunc(func(ctx context.Context, req providers.PromptRequest, onEvent func(providers.StreamEvent)) error {
		onEvent(providers.StreamEvent{Kind: providers.EventTextDelta, Text: "partial "})
		onEvent(providers.StreamEvent{Kind: providers.EventTextDelta, Text: "answer"})
		return nil
	})
	f := newFixture(t, fixtureOpts{driver: driver})

	f.handler.HandleInbound(context.Background(), inbound("hi"))

	if got := f.adapter.lastText(); got != "partial answer" {
		t.Errorf("reply = %q, want the accumulated stream", got)
	}
}

func TestPromptStripsReasoningBlocks(t *testing.T) {
	driver := providers.DriverFunc(func(ctx context.Context, req providers.PromptRequest, onEvent func(providers.StreamEvent)) error {
		onEvent(providers.StreamEvent{Kind: providers.EventFinal, Text: "<think>internal chain</think>the answer"})
		return nil
	})
	f := newFixture(t, fixtureOpts{driver: driver})

	f.handler.HandleInbound(context.Background(), inbound("hi"))

	if got := f.adapter.lastText(); got != "the answer" {
		t.Errorf("reply = %q, reasoning block must be stripped", got)
	}
}

func TestAuthMissingRemediation(t *testing.T) {
	driver := providers.DriverFunc(func(ctx context.Context, req providers.PromptRequest, onEvent func(providers.StreamEvent)) error {
		return &providers.AuthMissingError{Key: "OPENAI_API_KEY"}
	})
	f := newFixture(t, fixtureOpts{driver: driver})

	f.handler.HandleInbound(context.Background(), inbound("hi"))

	want := "Missing authentication secret OPENAI_API_KEY. Use /setAuth set OPENAI_API_KEY=<value>"
	if got := f.adapter.lastText(); got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
}

func TestUnknownCommandIgnored(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.handler.HandleInbound(context.Background(), inbound("/definitelynotacommand"))
	if texts := f.adapter.sentTexts(); len(texts) != 0 {
		t.Errorf("unknown command produced replies: %v", texts)
	}
}

func TestSwitchTypoCorrection(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.handler.HandleInbound(context.Background(), inbound("/switch test/modell"))

	got := f.adapter.lastText()
	if !strings.Contains(got, "Switched to test/model") || !strings.Contains(got, "corrected from") {
		t.Errorf("reply = %q", got)
	}
	if override := f.sessions.GetMetadata("agent:main:test:dm:42", sessions.MetaModelOverride); override != "test/model" {
		t.Errorf("override = %q", override)
	}
}

func TestSwitchToDisabledModel(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.models.Register(providers.ModelSpec{
		Ref: "test/off", Provider: "test", ID: "off",
		Disabled: true, ConfigPath: "models.test.models[1]",
	})
	f.handler.HandleInbound(context.Background(), inbound("/switch test/off"))

	got := f.adapter.lastText()
	if !strings.Contains(got, "disabled") || !strings.Contains(got, "models.test.models[1]") {
		t.Errorf("reply = %q, want the disabled notice with the config path", got)
	}
	if override := f.sessions.GetMetadata("agent:main:test:dm:42", sessions.MetaModelOverride); override != "" {
		t.Errorf("disabled model stored as override: %q", override)
	}
}

func TestLocalizedNewSessionIntent(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	key := "agent:main:test:dm:42"
	f.sessions.GetOrCreate(key, sessions.Attrs{})
	f.sessions.AppendMessage(key, providers.Message{Role: "user", Content: "old"})

	f.handler.HandleInbound(context.Background(), inbound("新会话"))

	if h := f.sessions.History(key); len(h) != 0 {
		t.Errorf("history not cleared: %d messages", len(h))
	}
	if got := f.adapter.lastText(); !strings.Contains(got, "fresh session") {
		t.Errorf("reply = %q", got)
	}
}

func TestStopWithNothingRunning(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.handler.HandleInbound(context.Background(), inbound("/stop"))
	if got := f.adapter.lastText(); got != "Nothing is running." {
		t.Errorf("reply = %q", got)
	}
}

type fakeBroker struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeBroker() *fakeBroker { return &fakeBroker{values: map[string]string{}} }

func (b *fakeBroker) Set(name, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[strings.ToUpper(name)] = value
	return nil
}

func (b *fakeBroker) Unset(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, strings.ToUpper(name))
	return nil
}

func (b *fakeBroker) Check(name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.values[strings.ToUpper(name)]
	return ok, nil
}

func (b *fakeBroker) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for k := range b.values {
		names = append(names, k)
	}
	return names, nil
}

func TestSetAuthCommand(t *testing.T) {
	broker := newFakeBroker()
	f := newFixture(t, fixtureOpts{auth: broker})

	f.handler.HandleInbound(context.Background(), inbound("/setAuth set my_key=secret123"))
	if got := f.adapter.lastText(); got != "Stored MY_KEY." {
		t.Errorf("reply = %q", got)
	}
	if broker.values["MY_KEY"] != "secret123" {
		t.Errorf("broker values = %v", broker.values)
	}

	f.handler.HandleInbound(context.Background(), inbound("/checkAuth my_key"))
	if got := f.adapter.lastText(); !strings.Contains(got, "MY_KEY is set") {
		t.Errorf("reply = %q", got)
	}

	f.handler.HandleInbound(context.Background(), inbound("/setAuth set ="))
	if got := f.adapter.lastText(); got != "Usage: /setAuth set KEY=value" {
		t.Errorf("reply = %q", got)
	}
}

func TestAuthCommandsDisabledWithoutBroker(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.handler.HandleInbound(context.Background(), inbound("/listAuth"))
	if got := f.adapter.lastText(); got != "Auth management is disabled." {
		t.Errorf("reply = %q", got)
	}
}

func TestStreamedPreviewEditedToFinal(t *testing.T) {
	driver := providers.DriverFunc(func(ctx context.Context, req providers.PromptRequest, onEvent func(providers.StreamEvent)) error {
		onEvent(providers.StreamEvent{Kind: providers.EventTextDelta, Text: "drafting…"})
		onEvent(providers.StreamEvent{Kind: providers.EventFinal, Text: "final text"})
		return nil
	})
	f := newFixture(t, fixtureOpts{driver: driver, editable: true})

	f.handler.HandleInbound(context.Background(), inbound("hi"))

	// The first delta sends the preview message; the final rewrites it in
	// place rather than sending a second message.
	texts := f.adapter.sentTexts()
	if len(texts) != 1 || texts[0] != "drafting…" {
		t.Fatalf("sends = %v, want just the streamed preview", texts)
	}
	last, ok := f.editable.lastEdit()
	if !ok || last.text != "final text" {
		t.Errorf("last edit = (%+v, %v), want the final text", last, ok)
	}
}

func TestSendDirect(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	if err := f.handler.SendDirect(context.Background(), "agent:main:test:dm:42", "direct note"); err != nil {
		t.Fatal(err)
	}
	if got := f.adapter.lastText(); got != "direct note" {
		t.Errorf("SendDirect text = %q", got)
	}

	// Keys without a channel route cannot be delivered.
	if err := f.handler.SendDirect(context.Background(), "agent:main:main", "x"); err == nil {
		t.Error("SendDirect on a main-scoped key succeeded")
	}
}
