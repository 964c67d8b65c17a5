package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type BusyPolicy string

const (
	BusyQueue  BusyPolicy = "queue"
	BusyReject BusyPolicy = "reject"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Session       SessionConfig
	Source        SourceConfig
	Query         QueryConfig
	Prompt        PromptConfig
	AI            AIConfig
	Archive       ArchiveConfig
	History       HistoryConfig
	Presets       PresetsConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type SessionConfig struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
	BusyPolicy    BusyPolicy
	MaxSessions   int
	HistoryTurns  int
}

type SourceConfig struct {
	MaxUploadBytes  int64
	WorkDir         string
	InferenceSample int
}

type QueryConfig struct {
	MaxRows     int
	Timeout     time.Duration
	MinQuestion int
}

type PromptConfig struct {
	SampleRows     int
	MaxSchemaChars int
	TopK           int
}

type AIConfig struct {
	Provider     string
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	RetryBackoff time.Duration
}

type ArchiveConfig struct {
	Enabled          bool
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type HistoryConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type PresetsConfig struct {
	File string
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("SQLASSIST_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid SQLASSIST_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	var busyPolicy string
	appliers := []func() error{
		func() error { return applyString(lookup, "SQLASSIST_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "SQLASSIST_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "SQLASSIST_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "SQLASSIST_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "SQLASSIST_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },

		func() error { return applyDuration(lookup, "SQLASSIST_SESSION_IDLE_TTL", &cfg.Session.IdleTTL) },
		func() error { return applyDuration(lookup, "SQLASSIST_SESSION_SWEEP_INTERVAL", &cfg.Session.SweepInterval) },
		func() error { return applyString(lookup, "SQLASSIST_SESSION_BUSY_POLICY", &busyPolicy) },
		func() error { return applyInt(lookup, "SQLASSIST_SESSION_MAX", &cfg.Session.MaxSessions) },
		func() error { return applyInt(lookup, "SQLASSIST_SESSION_HISTORY_TURNS", &cfg.Session.HistoryTurns) },

		func() error { return applyInt64(lookup, "SQLASSIST_SOURCE_MAX_UPLOAD_BYTES", &cfg.Source.MaxUploadBytes) },
		func() error { return applyString(lookup, "SQLASSIST_SOURCE_WORK_DIR", &cfg.Source.WorkDir) },
		func() error { return applyInt(lookup, "SQLASSIST_SOURCE_INFERENCE_SAMPLE", &cfg.Source.InferenceSample) },

		func() error { return applyInt(lookup, "SQLASSIST_QUERY_MAX_ROWS", &cfg.Query.MaxRows) },
		func() error { return applyDuration(lookup, "SQLASSIST_QUERY_TIMEOUT", &cfg.Query.Timeout) },
		func() error { return applyInt(lookup, "SQLASSIST_QUERY_MIN_QUESTION", &cfg.Query.MinQuestion) },

		func() error { return applyInt(lookup, "SQLASSIST_PROMPT_SAMPLE_ROWS", &cfg.Prompt.SampleRows) },
		func() error { return applyInt(lookup, "SQLASSIST_PROMPT_MAX_SCHEMA_CHARS", &cfg.Prompt.MaxSchemaChars) },
		func() error { return applyInt(lookup, "SQLASSIST_PROMPT_TOP_K", &cfg.Prompt.TopK) },

		func() error { return applyString(lookup, "SQLASSIST_AI_PROVIDER", &cfg.AI.Provider) },
		func() error { return applyString(lookup, "SQLASSIST_AI_BASE_URL", &cfg.AI.BaseURL) },
		func() error { return applyString(lookup, "SQLASSIST_AI_API_KEY", &cfg.AI.APIKey) },
		func() error { return applyString(lookup, "SQLASSIST_AI_MODEL", &cfg.AI.Model) },
		func() error { return applyFloat(lookup, "SQLASSIST_AI_TEMPERATURE", &cfg.AI.Temperature) },
		func() error { return applyInt(lookup, "SQLASSIST_AI_MAX_TOKENS", &cfg.AI.MaxTokens) },
		func() error { return applyDuration(lookup, "SQLASSIST_AI_TIMEOUT", &cfg.AI.Timeout) },
		func() error { return applyDuration(lookup, "SQLASSIST_AI_RETRY_BACKOFF", &cfg.AI.RetryBackoff) },

		func() error { return applyBool(lookup, "SQLASSIST_ARCHIVE_ENABLED", &cfg.Archive.Enabled) },
		func() error { return applyString(lookup, "SQLASSIST_ARCHIVE_ENDPOINT", &cfg.Archive.Endpoint) },
		func() error { return applyString(lookup, "SQLASSIST_ARCHIVE_REGION", &cfg.Archive.Region) },
		func() error { return applyString(lookup, "SQLASSIST_ARCHIVE_BUCKET", &cfg.Archive.Bucket) },
		func() error { return applyString(lookup, "SQLASSIST_ARCHIVE_ACCESS_KEY", &cfg.Archive.AccessKeyID) },
		func() error { return applyString(lookup, "SQLASSIST_ARCHIVE_SECRET_KEY", &cfg.Archive.SecretAccessKey) },
		func() error { return applyBool(lookup, "SQLASSIST_ARCHIVE_USE_SSL", &cfg.Archive.UseSSL) },
		func() error { return applyString(lookup, "SQLASSIST_ARCHIVE_PREFIX", &cfg.Archive.Prefix) },
		func() error { return applyBool(lookup, "SQLASSIST_ARCHIVE_AUTO_CREATE_BUCKET", &cfg.Archive.AutoCreateBucket) },

		func() error { return applyString(lookup, "SQLASSIST_HISTORY_DSN", &cfg.History.DSN) },
		func() error { return applyInt(lookup, "SQLASSIST_HISTORY_MAX_OPEN_CONNS", &cfg.History.MaxOpenConns) },
		func() error { return applyInt(lookup, "SQLASSIST_HISTORY_MAX_IDLE_CONNS", &cfg.History.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "SQLASSIST_HISTORY_CONN_MAX_IDLE_TIME", &cfg.History.ConnMaxIdleTime)
		},
		func() error {
			return applyDuration(lookup, "SQLASSIST_HISTORY_CONN_MAX_LIFETIME", &cfg.History.ConnMaxLifetime)
		},

		func() error { return applyString(lookup, "SQLASSIST_PRESETS_FILE", &cfg.Presets.File) },

		func() error { return applyBool(lookup, "SQLASSIST_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "SQLASSIST_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyBool(lookup, "SQLASSIST_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "SQLASSIST_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	if busyPolicy != "" {
		cfg.Session.BusyPolicy = BusyPolicy(strings.ToLower(busyPolicy))
	}
	cfg.AI.Provider = strings.ToLower(cfg.AI.Provider)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	switch c.Session.BusyPolicy {
	case BusyQueue, BusyReject:
	default:
		return fmt.Errorf("invalid SQLASSIST_SESSION_BUSY_POLICY: %q", c.Session.BusyPolicy)
	}
	if c.Session.IdleTTL <= 0 {
		return fmt.Errorf("session idle ttl must be positive")
	}
	if c.Query.MaxRows <= 0 {
		return fmt.Errorf("query max rows must be positive")
	}
	if c.Query.Timeout <= 0 {
		return fmt.Errorf("query timeout must be positive")
	}
	switch c.AI.Provider {
	case "openai", "anthropic", "rules":
	default:
		return fmt.Errorf("invalid SQLASSIST_AI_PROVIDER: %q", c.AI.Provider)
	}
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		return fmt.Errorf("archive endpoint and bucket are required when archive is enabled")
	}
	return nil
}

// BackendConfigured reports whether the selected text-generation provider
// has the credentials it needs. The rules provider never needs any.
func (c Config) BackendConfigured() bool {
	if c.AI.Provider == "rules" {
		return true
	}
	return strings.TrimSpace(c.AI.APIKey) != ""
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "sqlassist-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Session: SessionConfig{
			IdleTTL:       15 * time.Minute,
			SweepInterval: time.Minute,
			BusyPolicy:    BusyQueue,
			MaxSessions:   256,
			HistoryTurns:  20,
		},
		Source: SourceConfig{
			MaxUploadBytes:  50 << 20,
			WorkDir:         "",
			InferenceSample: 50,
		},
		Query: QueryConfig{
			MaxRows:     1000,
			Timeout:     10 * time.Second,
			MinQuestion: 10,
		},
		Prompt: PromptConfig{
			SampleRows:     3,
			MaxSchemaChars: 12000,
			TopK:           5,
		},
		AI: AIConfig{
			Provider:     "rules",
			BaseURL:      "",
			Model:        "",
			Temperature:  0.1,
			MaxTokens:    1024,
			Timeout:      30 * time.Second,
			RetryBackoff: 500 * time.Millisecond,
		},
		Archive: ArchiveConfig{
			Enabled:          false,
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "sqlassist-uploads",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		History: HistoryConfig{
			DSN:             "",
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.AI.RetryBackoff = 10 * time.Millisecond
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.Archive.UseSSL = true
		cfg.Archive.AutoCreateBucket = false
		cfg.Session.BusyPolicy = BusyReject
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
