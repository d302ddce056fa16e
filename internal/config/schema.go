// Package config owns the runtime's single structured configuration
// document: typed schema, JSONC load with env overlays, and the
// snapshot/mutation store with hash-based optimistic concurrency.
package config

import (
	"os"
	"path/filepath"
)

// Config is the typed view of the effective document. All sections are
// optional in the file; zero values fall back to Default().
type Config struct {
	Meta     MetaConfig          `json:"meta,omitempty"`
	Paths    PathsConfig         `json:"paths,omitempty"`
	Models   map[string]Provider `json:"models,omitempty"`
	Channels ChannelsConfig      `json:"channels,omitempty"`
	Logging  LoggingConfig       `json:"logging,omitempty"`
	Agents   AgentsConfig        `json:"agents,omitempty"`
	Voice    VoiceConfig         `json:"voice,omitempty"`
	Runtime  RuntimeConfig       `json:"runtime,omitempty"`
	Memory   map[string]any      `json:"memory,omitempty"`
	Skills   map[string]any      `json:"skills,omitempty"`
	Ext      map[string]any      `json:"extensions,omitempty"`
}

type MetaConfig struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

type PathsConfig struct {
	Workspace string `json:"workspace,omitempty"`
	Data      string `json:"data,omitempty"`
	Logs      string `json:"logs,omitempty"`
}

// Provider is one model provider block under "models".
type Provider struct {
	BaseURL string      `json:"baseUrl,omitempty"`
	APIKey  string      `json:"apiKey,omitempty"`
	API     string      `json:"api,omitempty"`
	Models  []ModelDecl `json:"models,omitempty"`
}

// ModelDecl is one declared model under a provider.
type ModelDecl struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	API           string            `json:"api,omitempty"`
	Input         []string          `json:"input,omitempty"`
	Reasoning     bool              `json:"reasoning,omitempty"`
	ContextWindow int               `json:"contextWindow,omitempty"`
	MaxTokens     int               `json:"maxTokens,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Disabled      bool              `json:"disabled,omitempty"`
}

type ChannelsConfig struct {
	Routing      RoutingConfig      `json:"routing,omitempty"`
	DMScope      string             `json:"dmScope,omitempty"`
	Telegram     TelegramConfig     `json:"telegram,omitempty"`
	Discord      DiscordConfig      `json:"discord,omitempty"`
	LocalDesktop LocalDesktopConfig `json:"localDesktop,omitempty"`
}

// RoutingConfig is the generic fallback routing table applied by peer kind.
type RoutingConfig struct {
	DMAgentID    string `json:"dmAgentId,omitempty"`
	GroupAgentID string `json:"groupAgentId,omitempty"`
}

type TelegramConfig struct {
	Enabled      bool              `json:"enabled,omitempty"`
	BotToken     string            `json:"botToken,omitempty"`
	AgentID      string            `json:"agentId,omitempty"`
	DMScope      string            `json:"dmScope,omitempty"`
	Groups       map[string]string `json:"groups,omitempty"` // peerId → agentId
	AllowedChats []string          `json:"allowedChats,omitempty"`
	StreamMode   string            `json:"streamMode,omitempty"` // "none" | "edit"
}

type DiscordConfig struct {
	Enabled      bool     `json:"enabled,omitempty"`
	BotToken     string   `json:"botToken,omitempty"`
	AgentID      string   `json:"agentId,omitempty"`
	DMScope      string   `json:"dmScope,omitempty"`
	AllowedChats []string `json:"allowedChats,omitempty"`
}

type LocalDesktopConfig struct {
	Enabled        bool     `json:"enabled,omitempty"`
	Host           string   `json:"host,omitempty"`
	Port           int      `json:"port,omitempty"`
	AuthToken      string   `json:"authToken,omitempty"`
	AgentID        string   `json:"agentId,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
	RateLimitRPS   float64  `json:"rateLimitRps,omitempty"`
	RateLimitBurst int      `json:"rateLimitBurst,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level,omitempty"`
	File  string `json:"file,omitempty"`
}

type AgentsConfig struct {
	Defaults AgentSpec            `json:"defaults,omitempty"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentSpec is one agent entry (or the defaults block).
type AgentSpec struct {
	Main       bool             `json:"main,omitempty"`
	Name       string           `json:"name,omitempty"`
	Model      string           `json:"model,omitempty"`
	ImageModel string           `json:"imageModel,omitempty"`
	Fallbacks  []string         `json:"fallbacks,omitempty"`
	Workspace  string           `json:"workspace,omitempty"`
	Tools      []string         `json:"tools,omitempty"`
	Skills     []string         `json:"skills,omitempty"`
	Heartbeat  *HeartbeatConfig `json:"heartbeat,omitempty"`
	Lifecycle  *LifecycleConfig `json:"lifecycle,omitempty"`
	Thinking   string           `json:"thinking,omitempty"`
	Output     *OutputConfig    `json:"output,omitempty"`
	Context    *ContextConfig   `json:"contextPruning,omitempty"`
}

type HeartbeatConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Every   string `json:"every,omitempty"`  // duration string: <int><ms|s|m|h|d>
	Prompt  string `json:"prompt,omitempty"` // default heartbeat prompt when empty
}

type LifecycleConfig struct {
	Temporal *TemporalLifecycle `json:"temporal,omitempty"`
	Semantic *SemanticLifecycle `json:"semantic,omitempty"`
}

type TemporalLifecycle struct {
	Enabled      bool   `json:"enabled,omitempty"`
	ActiveWindow string `json:"activeWindow,omitempty"` // duration string
}

type SemanticLifecycle struct {
	Enabled         bool    `json:"enabled,omitempty"`
	Threshold       float64 `json:"threshold,omitempty"`
	DebounceSeconds int     `json:"debounceSeconds,omitempty"`
}

type OutputConfig struct {
	ReasoningVisibility string `json:"reasoningVisibility,omitempty"` // "on" | "off" | "stream"
}

type ContextConfig struct {
	OnOverflow float64 `json:"onOverflow,omitempty"` // usage ratio triggering a memory flush
}

type VoiceConfig struct {
	STT  STTConfig      `json:"stt,omitempty"`
	TTS  TTSConfig      `json:"tts,omitempty"`
	VAD  map[string]any `json:"vad,omitempty"`
	Wake map[string]any `json:"wake,omitempty"`
	UI   map[string]any `json:"ui,omitempty"`
}

type STTConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	Model   string `json:"model,omitempty"`
}

type TTSConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	Voice   string `json:"voice,omitempty"`
}

type RuntimeConfig struct {
	Queue     QueueConfig     `json:"queue,omitempty"`
	Auth      AuthConfig      `json:"auth,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

type QueueConfig struct {
	Size            int `json:"size,omitempty"`
	TurnTimeoutSec  int `json:"turnTimeoutSec,omitempty"`
	WorkerIdleSec   int `json:"workerIdleSec,omitempty"`
	MaxFallbackHops int `json:"maxFallbackHops,omitempty"`
}

type AuthConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" | "http"
	ServiceName string `json:"serviceName,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Default returns a Config with the runtime's baseline values.
func Default() *Config {
	return &Config{
		Channels: ChannelsConfig{
			DMScope: "per-channel-peer",
			LocalDesktop: LocalDesktopConfig{
				Host:           "127.0.0.1",
				Port:           3987,
				RateLimitRPS:   20,
				RateLimitBurst: 10,
			},
		},
		Agents: AgentsConfig{
			Defaults: AgentSpec{
				Workspace: "~/.mozi/workspace",
			},
		},
		Runtime: RuntimeConfig{
			Queue: QueueConfig{
				Size:           256,
				TurnTimeoutSec: 30,
				WorkerIdleSec:  120,
			},
			Telemetry: TelemetryConfig{
				ServiceName: "mozi-runtime",
				Protocol:    "grpc",
			},
		},
	}
}

// MainAgentID returns the id of the agent marked main, or "main" when none is.
func (c *Config) MainAgentID() string {
	for id, spec := range c.Agents.List {
		if spec.Main {
			return id
		}
	}
	return "main"
}

// ResolveAgent merges defaults with the named agent's overrides.
func (c *Config) ResolveAgent(agentID string) AgentSpec {
	d := c.Agents.Defaults
	spec, ok := c.Agents.List[agentID]
	if !ok {
		return d
	}
	if spec.Name != "" {
		d.Name = spec.Name
	}
	if spec.Model != "" {
		d.Model = spec.Model
	}
	if spec.ImageModel != "" {
		d.ImageModel = spec.ImageModel
	}
	if len(spec.Fallbacks) > 0 {
		d.Fallbacks = spec.Fallbacks
	}
	if spec.Workspace != "" {
		d.Workspace = spec.Workspace
	}
	if len(spec.Tools) > 0 {
		d.Tools = spec.Tools
	}
	if len(spec.Skills) > 0 {
		d.Skills = spec.Skills
	}
	if spec.Thinking != "" {
		d.Thinking = spec.Thinking
	}
	if spec.Output != nil {
		d.Output = spec.Output
	}
	if spec.Context != nil {
		d.Context = spec.Context
	}
	if spec.Lifecycle != nil {
		d.Lifecycle = spec.Lifecycle
	}
	d.Heartbeat = mergeHeartbeat(c.Agents.Defaults.Heartbeat, spec.Heartbeat)
	d.Main = spec.Main
	return d
}

// mergeHeartbeat overlays the agent's heartbeat settings onto the defaults.
func mergeHeartbeat(base, over *HeartbeatConfig) *HeartbeatConfig {
	if base == nil && over == nil {
		return nil
	}
	merged := HeartbeatConfig{}
	if base != nil {
		merged = *base
	}
	if over != nil {
		if over.Enabled != nil {
			merged.Enabled = over.Enabled
		}
		if over.Every != "" {
			merged.Every = over.Every
		}
		if over.Prompt != "" {
			merged.Prompt = over.Prompt
		}
	}
	return &merged
}

// AgentWorkspace returns the expanded workspace directory for an agent.
func (c *Config) AgentWorkspace(agentID string) string {
	spec := c.ResolveAgent(agentID)
	return ExpandHome(spec.Workspace)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return home
}
