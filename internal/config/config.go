package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config keeps runtime settings for the relay and the client commands.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Chat    ChatConfig    `yaml:"chat"`
	Server  ServerConfig  `yaml:"server"`
	Sync    SyncConfig    `yaml:"sync"`
	Local   LocalConfig   `yaml:"local"`
	// SessionFile is where the signed-in session is persisted between
	// invocations.
	SessionFile string `yaml:"session_file"`
	LogFile     string `yaml:"log_file"`
}

// GatewayConfig points at the hosted backend.
type GatewayConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	RedirectURL string `yaml:"redirect_url"`
}

// ChatConfig selects and authenticates the LLM provider.
type ChatConfig struct {
	Provider           string `yaml:"provider"`
	APIKey             string `yaml:"api_key"`
	Model              string `yaml:"model"`
	MaxContextConcepts int    `yaml:"max_context_concepts"`
	// RelayURL is the chat endpoint the assistant panel posts to.
	RelayURL string `yaml:"relay_url"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// SyncConfig holds the concept store timings. They are tuning knobs, not
// correctness constants.
type SyncConfig struct {
	NotifyDelay     time.Duration `yaml:"notify_delay"`
	MutationDelay   time.Duration `yaml:"mutation_delay"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// LocalConfig configures the SQLite stand-in backend.
type LocalConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// Dir is the per-user state directory (~/.mct).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mct"
	}
	return filepath.Join(home, ".mct")
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	dir := Dir()
	return Config{
		Chat: ChatConfig{
			Provider:           "groq",
			MaxContextConcepts: 10,
			RelayURL:           "http://localhost:8080/api/chat",
		},
		Server: ServerConfig{Addr: ":8080"},
		Sync: SyncConfig{
			NotifyDelay:   time.Second,
			MutationDelay: 500 * time.Millisecond,
		},
		Local: LocalConfig{
			DBPath: filepath.Join(dir, "mct.db"),
		},
		SessionFile: filepath.Join(dir, "session.json"),
		LogFile:     filepath.Join(dir, "mct.log"),
	}
}

// Load reads the YAML file at path (if it exists) over the defaults and
// then applies environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyChatDefaults()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := env("SUPABASE_URL"); v != "" {
		c.Gateway.URL = v
	}
	if v := env("SUPABASE_ANON_KEY"); v != "" {
		c.Gateway.APIKey = v
	}
	if v := env("MCT_REDIRECT_URL"); v != "" {
		c.Gateway.RedirectURL = v
	}
	if v := env("MCT_CHAT_PROVIDER"); v != "" {
		c.Chat.Provider = strings.ToLower(v)
	}
	if v := env("MCT_RELAY_URL"); v != "" {
		c.Chat.RelayURL = v
	}
	if v := env("MCT_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := env("MCT_LOCAL"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Local.Enabled = enabled
		}
	}
	if v := env(providerKeyEnv(c.Chat.Provider)); v != "" {
		c.Chat.APIKey = v
	}
}

func (c *Config) applyChatDefaults() {
	if c.Chat.Provider == "" {
		c.Chat.Provider = "groq"
	}
	if c.Chat.Model == "" {
		c.Chat.Model = DefaultModel(c.Chat.Provider)
	}
	if c.Chat.MaxContextConcepts <= 0 {
		c.Chat.MaxContextConcepts = 10
	}
}

// DefaultModel returns the model used by a provider when none is configured.
func DefaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-20250514"
	case "gemini":
		return "gemini-2.5-flash"
	default:
		return "llama-3.1-8b-instant"
	}
}

func providerKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	default:
		return "GROQ_API_KEY"
	}
}

// RequireGateway fails unless the hosted backend is fully configured. Local
// mode needs nothing.
func (c Config) RequireGateway() error {
	if c.Local.Enabled {
		return nil
	}
	if c.Gateway.URL == "" {
		return fmt.Errorf("SUPABASE_URL environment variable not set (or gateway.url in config)")
	}
	if c.Gateway.APIKey == "" {
		return fmt.Errorf("SUPABASE_ANON_KEY environment variable not set (or gateway.api_key in config)")
	}
	return nil
}

// RequireChat fails unless the selected provider has a credential.
func (c Config) RequireChat() error {
	switch c.Chat.Provider {
	case "groq", "anthropic", "gemini":
	default:
		return fmt.Errorf("unknown chat provider %q (want groq, anthropic or gemini)", c.Chat.Provider)
	}
	if c.Chat.APIKey == "" {
		return fmt.Errorf("%s environment variable not set (or chat.api_key in config)", providerKeyEnv(c.Chat.Provider))
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
