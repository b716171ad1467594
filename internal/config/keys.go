package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

// keySpec binds one config key to its env var and Config field. Secret keys
// are never read from or written to the config file; account names their
// entry in the secrets file.
type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "CTXSYNC_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "CTXSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CTXSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "CTXSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "embedding.provider", typ: kString, env: "CTXSYNC_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.model", typ: kString, env: "CTXSYNC_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.base_url", typ: kString, env: "CTXSYNC_EMBEDDING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.min_interval", typ: kDuration, env: "CTXSYNC_EMBEDDING_MIN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.MinInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Embedding.MinInterval },
	},
	{
		key: "embedding.cooldown", typ: kDuration, env: "CTXSYNC_EMBEDDING_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Cooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Embedding.Cooldown },
	},
	{
		key: "embedding.openai_api_key", typ: kString, env: "CTXSYNC_OPENAI_API_KEY",
		secret: true, account: "openai_api_key",
		apply:   func(cfg *Config, v any) { cfg.Embedding.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.APIKey },
	},
	{
		key: "polling.mail_interval", typ: kDuration, env: "CTXSYNC_POLLING_MAIL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Polling.MailInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Polling.MailInterval },
	},
	{
		key: "polling.calendar_interval", typ: kDuration, env: "CTXSYNC_POLLING_CALENDAR_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Polling.CalendarInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Polling.CalendarInterval },
	},
	{
		key: "polling.crm_interval", typ: kDuration, env: "CTXSYNC_POLLING_CRM_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Polling.CRMInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Polling.CRMInterval },
	},
	{
		key: "polling.mail_limit", typ: kInt, env: "CTXSYNC_POLLING_MAIL_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Polling.MailLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Polling.MailLimit },
	},
	{
		key: "polling.crm_limit", typ: kInt, env: "CTXSYNC_POLLING_CRM_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Polling.CRMLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Polling.CRMLimit },
	},
	{
		key: "reactor.interval", typ: kDuration, env: "CTXSYNC_REACTOR_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Reactor.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Reactor.Interval },
	},
	{
		key: "reactor.batch_size", typ: kInt, env: "CTXSYNC_REACTOR_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Reactor.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Reactor.BatchSize },
	},
	{
		key: "retrieval.max_context_tokens", typ: kInt, env: "CTXSYNC_RETRIEVAL_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxContextTokens },
	},
	{
		key: "retrieval.default_user", typ: kString, env: "CTXSYNC_DEFAULT_USER",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.DefaultUser = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.DefaultUser },
	},
	{
		key: "google.client_id", typ: kString, env: "CTXSYNC_GOOGLE_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Google.ClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Google.ClientID },
	},
	{
		key: "google.client_secret", typ: kString, env: "CTXSYNC_GOOGLE_CLIENT_SECRET",
		secret: true, account: "google_client_secret",
		apply:   func(cfg *Config, v any) { cfg.Google.ClientSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Google.ClientSecret },
	},
	{
		key: "hubspot.client_id", typ: kString, env: "CTXSYNC_HUBSPOT_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.HubSpot.ClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.HubSpot.ClientID },
	},
	{
		key: "hubspot.client_secret", typ: kString, env: "CTXSYNC_HUBSPOT_CLIENT_SECRET",
		secret: true, account: "hubspot_client_secret",
		apply:   func(cfg *Config, v any) { cfg.HubSpot.ClientSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.HubSpot.ClientSecret },
	},
	{
		key: "hubspot.base_url", typ: kString, env: "CTXSYNC_HUBSPOT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.HubSpot.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.HubSpot.BaseURL },
	},
	{
		key: "api.token", typ: kString, env: "CTXSYNC_API_TOKEN",
		secret: true, account: apiTokenKey,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("invalid duration for %s: %w", s.key, err)
				}
				s.apply(cfg, d)
			}
		}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// applySecrets fills secrets the environment left empty from the secrets
// file.
func applySecrets(cfg *Config, ss secretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := ss.Get(secretsService, s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
