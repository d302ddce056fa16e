package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "MOZI_CONFIG"

// Dir returns the config directory: the parent of the effective config file.
func Dir(configPath string) string {
	return filepath.Dir(ResolvePath(configPath))
}

// ResolvePath picks the effective config file path: explicit flag value, then
// MOZI_CONFIG, then the OS default ~/.mozi/config.jsonc.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return ExpandHome(flagValue)
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return ExpandHome(env)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.jsonc"
	}
	return filepath.Join(home, ".mozi", "config.jsonc")
}

// DataDir, LogDir, PIDPath, DBPath, EnvPath derive the persisted state layout
// from the config directory.
func DataDir(configDir string) string { return filepath.Join(configDir, "data") }
func LogDir(configDir string) string  { return filepath.Join(configDir, "logs") }
func PIDPath(configDir string) string {
	if env := os.Getenv("MOZI_PID_FILE"); env != "" {
		return ExpandHome(env)
	}
	return filepath.Join(DataDir(configDir), "mozi.pid")
}
func DBPath(configDir string) string  { return filepath.Join(DataDir(configDir), "mozi.db") }
func EnvPath(configDir string) string { return filepath.Join(configDir, ".env") }
func LogPath(configDir string) string { return filepath.Join(LogDir(configDir), "runtime.log") }

// Load parses the JSONC document at path into the typed Config, overlaying
// defaults, the sibling .env secret file, and process env vars. A missing
// file yields Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDotEnv(EnvPath(filepath.Dir(path)))
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Decode converts a generic parsed document into the typed Config over
// defaults. Used by the store after mutations.
func Decode(doc map[string]any) (*Config, error) {
	cfg := Default()
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode config document: %w", err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode config document: %w", err)
	}
	return cfg, nil
}

// applyDotEnv loads the secret file into the process env without overriding
// variables that are already set.
func applyDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

// applyEnvOverrides overlays env vars onto the config. Env takes precedence
// over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("MOZI_TELEGRAM_BOT_TOKEN", &c.Channels.Telegram.BotToken)
	envStr("MOZI_DISCORD_BOT_TOKEN", &c.Channels.Discord.BotToken)
	envStr("MOZI_LOCAL_AUTH_TOKEN", &c.Channels.LocalDesktop.AuthToken)
	envStr("MOZI_STT_API_KEY", &c.Voice.STT.APIKey)
	envStr("MOZI_TTS_API_KEY", &c.Voice.TTS.APIKey)

	// Credentials from env auto-enable the channel.
	if c.Channels.Telegram.BotToken != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.BotToken != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("MOZI_LOG_LEVEL", &c.Logging.Level)

	if v := os.Getenv("MOZI_LOCAL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Channels.LocalDesktop.Port = port
		}
	}

	envStr("MOZI_TELEMETRY_ENDPOINT", &c.Runtime.Telemetry.Endpoint)
	envStr("MOZI_TELEMETRY_PROTOCOL", &c.Runtime.Telemetry.Protocol)
	if v := os.Getenv("MOZI_TELEMETRY_ENABLED"); v != "" {
		c.Runtime.Telemetry.Enabled = v == "true" || v == "1"
	}
}
