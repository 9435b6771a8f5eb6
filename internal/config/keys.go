package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var coreSpecs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RIPEWISE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.agent_port", typ: kInt, env: "RIPEWISE_SERVER_AGENT_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.AgentPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.AgentPort },
	},
	{
		key: "server.base_url", typ: kString, env: "RIPEWISE_SERVER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.BaseURL },
	},
	{
		key: "server.api_token", typ: kString, env: "RIPEWISE_API_TOKEN",
		secret: true, account: "api_token",
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.request_timeout", typ: kDuration, env: "RIPEWISE_SERVER_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Server.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Server.RequestTimeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RIPEWISE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.max_upload_bytes", typ: kInt, env: "RIPEWISE_STORAGE_MAX_UPLOAD_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Storage.MaxUploadBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.MaxUploadBytes },
	},
	{
		key: "providers.file", typ: kString, env: "RIPEWISE_PROVIDERS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Providers.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.File },
	},
	{
		key: "providers.max_retries", typ: kInt, env: "RIPEWISE_PROVIDERS_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Providers.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Providers.MaxRetries },
	},
	{
		key: "providers.timeout", typ: kDuration, env: "RIPEWISE_PROVIDERS_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Providers.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Providers.Timeout },
	},
	{
		key: "sync.interval", typ: kDuration, env: "RIPEWISE_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "sync.item_max_retries", typ: kInt, env: "RIPEWISE_SYNC_ITEM_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Sync.ItemMaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.ItemMaxRetries },
	},
	{
		key: "sync.backoff_base", typ: kDuration, env: "RIPEWISE_SYNC_BACKOFF_BASE",
		apply:   func(cfg *Config, v any) { cfg.Sync.BackoffBase = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.BackoffBase },
	},
	{
		key: "sync.backoff_cap", typ: kDuration, env: "RIPEWISE_SYNC_BACKOFF_CAP",
		apply:   func(cfg *Config, v any) { cfg.Sync.BackoffCap = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.BackoffCap },
	},
	{
		key: "sync.max_item_age", typ: kDuration, env: "RIPEWISE_SYNC_MAX_ITEM_AGE",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxItemAge = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.MaxItemAge },
	},
	{
		key: "network.probe_url", typ: kString, env: "RIPEWISE_NETWORK_PROBE_URL",
		apply:   func(cfg *Config, v any) { cfg.Network.ProbeURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Network.ProbeURL },
	},
	{
		key: "network.probe_interval", typ: kDuration, env: "RIPEWISE_NETWORK_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Network.ProbeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Network.ProbeInterval },
	},
	{
		key: "inbox.dir", typ: kString, env: "RIPEWISE_INBOX_DIR",
		apply:   func(cfg *Config, v any) { cfg.Inbox.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Inbox.Dir },
	},
	{
		key: "inbox.owner", typ: kString, env: "RIPEWISE_INBOX_OWNER",
		apply:   func(cfg *Config, v any) { cfg.Inbox.Owner = v.(string) },
		extract: func(cfg Config) any { return cfg.Inbox.Owner },
	},
	{
		key: "ratelimit.requests", typ: kInt, env: "RIPEWISE_RATELIMIT_REQUESTS",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Requests = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.Requests },
	},
	{
		key: "ratelimit.window", typ: kDuration, env: "RIPEWISE_RATELIMIT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Window = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.RateLimit.Window },
	},
	{
		key: "log.level", typ: kString, env: "RIPEWISE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

var specs = buildSpecs()

func buildSpecs() []keySpec {
	out := append([]keySpec(nil), coreSpecs...)
	providers := []struct {
		name string
		sel  func(*Config) *ProviderConfig
	}{
		{"gemini", func(c *Config) *ProviderConfig { return &c.Providers.Gemini }},
		{"openai", func(c *Config) *ProviderConfig { return &c.Providers.OpenAI }},
		{"anthropic", func(c *Config) *ProviderConfig { return &c.Providers.Anthropic }},
		{"openrouter", func(c *Config) *ProviderConfig { return &c.Providers.OpenRouter }},
		{"ollama", func(c *Config) *ProviderConfig { return &c.Providers.Ollama }},
	}
	for _, p := range providers {
		out = append(out, providerSpecs(p.name, p.sel)...)
	}
	return out
}

// providerSpecs generates the per-provider keys. Ollama needs no API key.
func providerSpecs(name string, sel func(*Config) *ProviderConfig) []keySpec {
	get := func(cfg Config) *ProviderConfig { return sel(&cfg) }
	env := "RIPEWISE_PROVIDERS_" + strings.ToUpper(name) + "_"
	out := []keySpec{
		{
			key: "providers." + name + ".enabled", typ: kBool, env: env + "ENABLED",
			apply:   func(cfg *Config, v any) { sel(cfg).Enabled = v.(bool) },
			extract: func(cfg Config) any { return get(cfg).Enabled },
		},
		{
			key: "providers." + name + ".priority", typ: kInt, env: env + "PRIORITY",
			apply:   func(cfg *Config, v any) { sel(cfg).Priority = v.(int) },
			extract: func(cfg Config) any { return get(cfg).Priority },
		},
		{
			key: "providers." + name + ".model", typ: kString, env: env + "MODEL",
			apply:   func(cfg *Config, v any) { sel(cfg).Model = v.(string) },
			extract: func(cfg Config) any { return get(cfg).Model },
		},
		{
			key: "providers." + name + ".base_url", typ: kString, env: env + "BASE_URL",
			apply:   func(cfg *Config, v any) { sel(cfg).BaseURL = v.(string) },
			extract: func(cfg Config) any { return get(cfg).BaseURL },
		},
	}
	if name != "ollama" {
		out = append(out, keySpec{
			key: "providers." + name + "_api_key", typ: kString, env: "RIPEWISE_" + strings.ToUpper(name) + "_API_KEY",
			secret: true, account: name + "_api_key",
			apply:   func(cfg *Config, v any) { sel(cfg).APIKey = v.(string) },
			extract: func(cfg Config) any { return get(cfg).APIKey },
		})
	}
	return out
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secrets the environment left empty from the keychain.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(KeychainService, s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
