package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	appName        = "contextsync"
	secretsService = "contextsync"
	apiTokenKey    = "api_token"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Embedding EmbeddingConfig
	Polling   PollingConfig
	Reactor   ReactorConfig
	Retrieval RetrievalConfig
	Google    OAuthClientConfig
	HubSpot   HubSpotConfig
	API       APIConfig
}

type ServerConfig struct {
	Host string
	Port int
}

// Addr is the listen address of the control API.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// URL is the base URL clients use to reach the control API.
func (s ServerConfig) URL() string {
	host := s.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.Port)
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// EmbeddingConfig selects the embedding provider. Provider is "ollama",
// "openai" or "none"; an empty Model or BaseURL picks the provider's default.
type EmbeddingConfig struct {
	Provider    string
	Model       string
	BaseURL     string
	APIKey      string
	MinInterval time.Duration
	Cooldown    time.Duration
}

type PollingConfig struct {
	MailInterval     time.Duration
	CalendarInterval time.Duration
	CRMInterval      time.Duration
	MailLimit        int
	CRMLimit         int
}

type ReactorConfig struct {
	Interval  time.Duration
	BatchSize int
}

type RetrievalConfig struct {
	MaxContextTokens int
	DefaultUser      string
}

type OAuthClientConfig struct {
	ClientID     string
	ClientSecret string
}

type HubSpotConfig struct {
	OAuthClientConfig
	BaseURL string
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Embedding: EmbeddingConfig{
			Provider:    "ollama",
			MinInterval: time.Second,
			Cooldown:    60 * time.Second,
		},
		Polling: PollingConfig{
			MailInterval:     5 * time.Minute,
			CalendarInterval: 10 * time.Minute,
			CRMInterval:      15 * time.Minute,
			MailLimit:        100,
			CRMLimit:         100,
		},
		Reactor: ReactorConfig{
			Interval:  30 * time.Second,
			BatchSize: 10,
		},
		Retrieval: RetrievalConfig{
			MaxContextTokens: 4000,
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/contextsync/config.json, then applies CTXSYNC_*
// environment overrides. Secrets never come from the config file: they are
// read from the environment or the secrets file under the data directory.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), secretsFile{})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, ss secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, ss)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Embedding.Provider {
	case "ollama", "openai", "none":
	default:
		return fmt.Errorf("invalid embedding.provider %q: must be ollama, openai or none", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
		return fmt.Errorf("missing required config: OpenAI API key. Set it via environment variable CTXSYNC_OPENAI_API_KEY")
	}
	for name, d := range map[string]time.Duration{
		"polling.mail_interval":     c.Polling.MailInterval,
		"polling.calendar_interval": c.Polling.CalendarInterval,
		"polling.crm_interval":      c.Polling.CRMInterval,
		"reactor.interval":          c.Reactor.Interval,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s %s: must be positive", name, d)
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}

// EnsureAPIToken generates and persists an API token when none is
// configured. It returns the token in effect.
func EnsureAPIToken(cfg *Config) (string, error) {
	return ensureAPIToken(cfg, writeSecret)
}

func ensureAPIToken(cfg *Config, set func(service, account, value string) error) (string, error) {
	if cfg.API.Token != "" {
		return cfg.API.Token, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := set(secretsService, apiTokenKey, token); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	cfg.API.Token = token
	return token, nil
}
