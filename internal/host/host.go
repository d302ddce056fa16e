// Package host composes the runtime: config store and watcher, message bus,
// channel adapters, router, session manager, dispatch kernel, message
// handler, heartbeat, and reminders. One Host is one running runtime.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moziai/mozi/internal/auth"
	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/channels"
	"github.com/moziai/mozi/internal/channels/discord"
	"github.com/moziai/mozi/internal/channels/localdesktop"
	"github.com/moziai/mozi/internal/channels/telegram"
	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/dispatch"
	"github.com/moziai/mozi/internal/handler"
	"github.com/moziai/mozi/internal/heartbeat"
	"github.com/moziai/mozi/internal/media"
	"github.com/moziai/mozi/internal/providers"
	"github.com/moziai/mozi/internal/reminders"
	"github.com/moziai/mozi/internal/router"
	"github.com/moziai/mozi/internal/runtimectl"
	"github.com/moziai/mozi/internal/sessions"
)

// ErrRestartRequested is returned by Run when /restart asked for a restart;
// the CLI loop re-runs the host.
var ErrRestartRequested = errors.New("restart requested")

// Options configure a Host. ConfigPath is required. Driver is the external
// PromptDriver; nil installs a driver that fails every turn, which keeps the
// command branch usable while no model client is wired.
type Options struct {
	ConfigPath string
	Log        *slog.Logger
	Driver     providers.PromptDriver
	Classifier handler.SemanticClassifier
	Memory     handler.MemoryFlusher
}

// Host owns every runtime component and their lifecycle.
type Host struct {
	log       *slog.Logger
	opts      Options
	configDir string

	cfgStore *config.Store
	cfgMu    sync.RWMutex
	cfg      *config.Config

	restartCh chan struct{}
}

// New builds a host from options. Nothing is started yet.
func New(opts Options) (*Host, error) {
	if opts.ConfigPath == "" {
		return nil, fmt.Errorf("host: config path required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	h := &Host{
		log:       log,
		opts:      opts,
		configDir: config.Dir(opts.ConfigPath),
		cfgStore:  config.NewStore(opts.ConfigPath, log),
		restartCh: make(chan struct{}, 1),
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("host: load config: %w", err)
	}
	h.cfg = cfg
	return h, nil
}

// Config returns the current effective config.
func (h *Host) Config() *config.Config {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg
}

func (h *Host) setConfig(cfg *config.Config) {
	h.cfgMu.Lock()
	h.cfg = cfg
	h.cfgMu.Unlock()
}

// RequestRestart asks Run to return ErrRestartRequested.
func (h *Host) RequestRestart() {
	select {
	case h.restartCh <- struct{}{}:
	default:
	}
}

// Run starts every component and blocks until ctx is cancelled or a restart
// is requested. Shutdown is graceful: channels disconnect, stores close, the
// PID file is removed.
func (h *Host) Run(ctx context.Context) error {
	cfg := h.Config()

	pidPath := config.PIDPath(h.configDir)
	if err := runtimectl.WritePID(pidPath); err != nil {
		return err
	}
	defer runtimectl.RemovePID(pidPath)

	shutdownTelemetry, err := initTelemetry(ctx, cfg.Runtime.Telemetry)
	if err != nil {
		h.log.Warn("host: telemetry init failed", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgBus := bus.NewMessageBus(cfg.Runtime.Queue.Size)

	sessionStore, err := sessions.OpenStore(config.DBPath(h.configDir))
	if err != nil {
		return err
	}
	defer sessionStore.Close()
	sessionMgr := sessions.NewManager(sessionStore)
	if err := sessionMgr.Load(); err != nil {
		return err
	}

	reminderStore, err := reminders.OpenStore(config.DBPath(h.configDir))
	if err != nil {
		return err
	}
	defer reminderStore.Close()

	rt := router.New(cfg, cfg.MainAgentID())

	kernel := dispatch.NewKernel(runCtx, h.log, dispatch.Options{
		TurnTimeout: time.Duration(cfg.Runtime.Queue.TurnTimeoutSec) * time.Second,
		IdleTTL:     time.Duration(cfg.Runtime.Queue.WorkerIdleSec) * time.Second,
	})

	modelRegistry := providers.NewRegistry()
	registerModels(modelRegistry, cfg)

	broker := auth.NewBroker(
		config.EnvPath(h.configDir),
		filepath.Join(config.DataDir(h.configDir), "machine.key"),
	)

	chanRegistry := channels.NewRegistry(h.log, msgBus)
	if err := h.buildAdapters(chanRegistry, msgBus, cfg); err != nil {
		return err
	}

	driver := h.opts.Driver
	if driver == nil {
		driver = providers.DriverFunc(func(ctx context.Context, req providers.PromptRequest, onEvent func(providers.StreamEvent)) error {
			return &providers.DriverError{
				ModelRef:  req.ModelRef,
				Retryable: false,
				Err:       errors.New("no prompt driver wired"),
			}
		})
	}

	remindersSched := reminders.NewScheduler(h.log, reminderStore, nil)

	hdl := handler.New(handler.Options{
		Log:           h.log,
		Config:        h.Config,
		Router:        rt,
		Sessions:      sessionMgr,
		Kernel:        kernel,
		Models:        modelRegistry,
		Driver:        driver,
		Channels:      chanRegistry,
		Transcriber:   buildTranscriber(cfg),
		Auth:          broker,
		Classifier:    h.opts.Classifier,
		Memory:        h.opts.Memory,
		Reminders:     reminderStore,
		RemindersPoke: remindersSched.Poke,
		Restart:       h.RequestRestart,
	})
	remindersSched.SetDelivery(hdl)

	hb := heartbeat.NewService(h.log, h.Config,
		func(agentID string) (heartbeat.LastRoute, bool) {
			route, ok := rt.LastRoute(agentID)
			if !ok {
				return heartbeat.LastRoute{}, false
			}
			return heartbeat.LastRoute{
				Channel:  sessions.ChannelFromKey(route.SessionKey),
				PeerID:   sessions.PeerFromKey(route.SessionKey),
				PeerKind: peerKindFromKey(route.SessionKey),
			}, true
		},
		hdl.DispatchTurn,
	)

	watcher := config.NewWatcher(h.cfgStore, h.log, func(snap config.Snapshot) {
		if snap.Effective == nil {
			h.log.Warn("host: ignoring unloadable config change", "errors", snap.LoadErrors)
			return
		}
		h.setConfig(snap.Effective)
		rt.UpdateConfig(snap.Effective)
		registerModels(modelRegistry, snap.Effective)
		h.log.Info("host: config reloaded", "rawHash", snap.RawHashHex())
	})

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
		}()
		h.log.Debug("host: started", "component", name)
	}

	start("watcher", func(ctx context.Context) { _ = watcher.Run(ctx) })
	start("outbound", chanRegistry.DispatchOutbound)
	start("handler", func(ctx context.Context) { hdl.Run(ctx, msgBus) })
	start("heartbeat", hb.Run)
	start("reminders", remindersSched.Run)

	chanRegistry.ConnectAll(runCtx)
	h.log.Info("host: runtime up", "config", h.cfgStore.Path())

	restart := false
	select {
	case <-ctx.Done():
	case <-h.restartCh:
		restart = true
		h.log.Info("host: restart requested")
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	chanRegistry.DisconnectAll(stopCtx)
	wg.Wait()

	if restart {
		return ErrRestartRequested
	}
	return nil
}

// buildAdapters registers the channel adapters enabled in config.
func (h *Host) buildAdapters(reg *channels.Registry, msgBus *bus.MessageBus, cfg *config.Config) error {
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus, h.log)
		if err != nil {
			return fmt.Errorf("host: telegram adapter: %w", err)
		}
		reg.Register(tg)
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(cfg.Channels.Discord, msgBus, h.log)
		if err != nil {
			return fmt.Errorf("host: discord adapter: %w", err)
		}
		reg.Register(dc)
	}
	if cfg.Channels.LocalDesktop.Enabled {
		ld := localdesktop.New(cfg.Channels.LocalDesktop, msgBus, h.log,
			buildTranscriber(cfg), buildSynthesizer(cfg))
		reg.Register(ld)
	}
	return nil
}

// registerModels (re)fills the model registry from the models section.
func registerModels(reg *providers.Registry, cfg *config.Config) {
	for providerName, provider := range cfg.Models {
		for i, decl := range provider.Models {
			reg.Register(providers.ModelSpec{
				Ref:           providerName + "/" + decl.ID,
				Provider:      providerName,
				ID:            decl.ID,
				Name:          decl.Name,
				Input:         decl.Input,
				Reasoning:     decl.Reasoning,
				ContextWindow: decl.ContextWindow,
				MaxTokens:     decl.MaxTokens,
				Disabled:      decl.Disabled,
				ConfigPath:    fmt.Sprintf("models.%s.models[%d]", providerName, i),
			})
		}
	}
}

// peerKindFromKey reconstructs the peer kind encoded in a session key.
func peerKindFromKey(key string) bus.PeerKind {
	switch {
	case strings.Contains(key, ":group:"):
		return bus.PeerGroup
	case strings.Contains(key, ":channel:"):
		return bus.PeerChannel
	default:
		return bus.PeerDM
	}
}

func buildTranscriber(cfg *config.Config) media.Transcriber {
	stt := cfg.Voice.STT
	if !stt.Enabled || stt.BaseURL == "" {
		return nil
	}
	return media.NewHTTPTranscriber(stt.BaseURL, stt.APIKey, stt.Model)
}

func buildSynthesizer(cfg *config.Config) media.Synthesizer {
	tts := cfg.Voice.TTS
	if !tts.Enabled || tts.BaseURL == "" {
		return nil
	}
	return media.NewHTTPSynthesizer(tts.BaseURL, tts.APIKey, tts.Voice)
}
