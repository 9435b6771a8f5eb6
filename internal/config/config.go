package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/zalando/go-keyring"
)

// KeychainService is the secret store service name for every ripewise secret.
const KeychainService = "ripewise"

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Providers ProvidersConfig
	Sync      SyncConfig
	Network   NetworkConfig
	Inbox     InboxConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port      int
	AgentPort int
	// BaseURL is where the device agent reaches the server.
	BaseURL  string
	APIToken string
	// RequestTimeout bounds the agent's calls to the server. Zero derives it
	// from the provider chain's worst case.
	RequestTimeout time.Duration
}

type StorageConfig struct {
	DataDir        string
	MaxUploadBytes int
}

type ProvidersConfig struct {
	File       string
	MaxRetries int
	Timeout    time.Duration

	Gemini     ProviderConfig
	OpenAI     ProviderConfig
	Anthropic  ProviderConfig
	OpenRouter ProviderConfig
	Ollama     ProviderConfig
}

// ProviderConfig configures one vision provider. APIKey is a secret and is
// only read from the environment or the keychain.
type ProviderConfig struct {
	Enabled  bool
	Priority int
	Model    string
	BaseURL  string
	APIKey   string
}

type SyncConfig struct {
	Interval       time.Duration
	ItemMaxRetries int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxItemAge     time.Duration
}

type NetworkConfig struct {
	ProbeURL      string
	ProbeInterval time.Duration
}

type InboxConfig struct {
	Dir   string
	Owner string
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:      4100,
			AgentPort: 4101,
			BaseURL:   "http://127.0.0.1:4100",
		},
		Storage: StorageConfig{
			DataDir:        defaultDataDir(),
			MaxUploadBytes: 10 << 20,
		},
		Providers: ProvidersConfig{
			MaxRetries: 2,
			Timeout:    10 * time.Second,
			Gemini:     ProviderConfig{Enabled: true, Priority: 1, Model: "gemini-2.0-flash"},
			OpenAI:     ProviderConfig{Enabled: true, Priority: 2, Model: "gpt-4o-mini"},
			Anthropic:  ProviderConfig{Enabled: true, Priority: 3, Model: "claude-3-5-haiku-latest"},
			OpenRouter: ProviderConfig{Enabled: true, Priority: 4, Model: "google/gemini-2.0-flash-001"},
			Ollama:     ProviderConfig{Enabled: false, Priority: 5, Model: "llava", BaseURL: "http://localhost:11434"},
		},
		Sync: SyncConfig{
			Interval:       30 * time.Second,
			ItemMaxRetries: 5,
			BackoffBase:    time.Second,
			BackoffCap:     60 * time.Second,
			MaxItemAge:     7 * 24 * time.Hour,
		},
		Network: NetworkConfig{
			ProbeInterval: 5 * time.Second,
		},
		Inbox: InboxConfig{
			Owner: "device",
		},
		RateLimit: RateLimitConfig{
			Requests: 60,
			Window:   time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.ripewise.app).
// Elsewhere it is a JSON file at $XDG_CONFIG_HOME/ripewise/config.json.
// Environment variables (RIPEWISE_*) override backend values on all
// platforms. Secrets come from the environment first and the OS keychain
// (service "ripewise") second.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if cfg.Network.ProbeURL == "" {
		cfg.Network.ProbeURL = cfg.Server.BaseURL + "/health"
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch {
	case cfg.Server.Port <= 0 || cfg.Server.Port > 65535:
		return fmt.Errorf("invalid config: server.port %d out of range", cfg.Server.Port)
	case cfg.Server.AgentPort <= 0 || cfg.Server.AgentPort > 65535:
		return fmt.Errorf("invalid config: server.agent_port %d out of range", cfg.Server.AgentPort)
	case cfg.Providers.MaxRetries < 1:
		return fmt.Errorf("invalid config: providers.max_retries must be at least 1")
	case cfg.Sync.ItemMaxRetries < 1:
		return fmt.Errorf("invalid config: sync.item_max_retries must be at least 1")
	case cfg.Sync.BackoffBase > cfg.Sync.BackoffCap:
		return fmt.Errorf("invalid config: sync.backoff_base exceeds sync.backoff_cap")
	case cfg.Server.RequestTimeout < 0:
		return fmt.Errorf("invalid config: server.request_timeout must not be negative")
	case cfg.RateLimit.Window <= 0:
		return fmt.Errorf("invalid config: ratelimit.window must be positive")
	}
	return nil
}

// Keychain reads and writes secrets in the OS credential store.
type Keychain struct{}

// NewKeychain returns the OS-backed keychain.
func NewKeychain() Keychain { return Keychain{} }

func (Keychain) Get(service, account string) (string, error) {
	return keyring.Get(service, account)
}

func (Keychain) Set(service, account, value string) error {
	return keyring.Set(service, account, value)
}

// tokenStore is a keychain that can also persist a generated token.
type tokenStore interface {
	keychain
	Set(service, account, value string) error
}

// GetAPIToken returns the bearer token shared by the server, the agent and
// the CLI. RIPEWISE_API_TOKEN wins; otherwise the keychain entry is used,
// generating and storing a new token on first use.
func GetAPIToken(kc tokenStore) (string, error) {
	if v := os.Getenv("RIPEWISE_API_TOKEN"); v != "" {
		return v, nil
	}
	tok, err := kc.Get(KeychainService, "api_token")
	if err == nil && tok != "" {
		return tok, nil
	}
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("reading API token from keychain: %w (set RIPEWISE_API_TOKEN instead)", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := kc.Set(KeychainService, "api_token", tok); err != nil {
		return "", fmt.Errorf("storing API token in keychain: %w (set RIPEWISE_API_TOKEN instead)", err)
	}
	return tok, nil
}
