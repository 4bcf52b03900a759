// Package config loads and validates process settings from an optional YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/szaher/agentfront/internal/auth"
	"github.com/szaher/agentfront/internal/checkpoint"
	"github.com/szaher/agentfront/internal/identity"
	"github.com/szaher/agentfront/internal/telemetry"
)

// ErrMissingSetting is returned when a required setting is absent.
var ErrMissingSetting = errors.New("missing required setting")

// Memory backends.
const (
	BackendMemory   = "memory"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
)

// Settings is the complete process configuration.
type Settings struct {
	AWSRegion string `mapstructure:"aws_region"`
	MemoryID  string `mapstructure:"memory_id"`
	Model     string `mapstructure:"model"`

	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	NoAuth         bool          `mapstructure:"no_auth"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`

	Identity IdentitySettings `mapstructure:"identity"`
	Memory   MemorySettings   `mapstructure:"memory"`
	Engine   EngineSettings   `mapstructure:"engine"`
	Log      LogSettings      `mapstructure:"log"`
}

// IdentitySettings configures identity resolution.
type IdentitySettings struct {
	UserPolicy       string `mapstructure:"user_policy"`
	DefaultSessionID string `mapstructure:"default_session_id"`
}

// MemorySettings configures the checkpoint store.
type MemorySettings struct {
	Backend       string        `mapstructure:"backend"`
	S3Bucket      string        `mapstructure:"s3_bucket"`
	S3Prefix      string        `mapstructure:"s3_prefix"`
	PostgresDSN   string        `mapstructure:"postgres_dsn"`
	Codec         string        `mapstructure:"codec"`
	Compress      bool          `mapstructure:"compress"`
	MaxTurns      int           `mapstructure:"max_turns"`
	Retention     time.Duration `mapstructure:"retention"`
	PruneSchedule string        `mapstructure:"prune_schedule"`
}

// EngineSettings configures the reasoning engine.
type EngineSettings struct {
	SystemPrompt  string   `mapstructure:"system_prompt"`
	MaxTokens     int      `mapstructure:"max_tokens"`
	Temperature   *float64 `mapstructure:"temperature"`
	TokenBudget   int      `mapstructure:"token_budget"`
	HistoryWindow int      `mapstructure:"history_window"`
}

// LogSettings configures logging.
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Addr returns the listen address.
func (s *Settings) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// AuthEnabled reports whether inbound requests must carry the API key.
func (s *Settings) AuthEnabled() bool {
	return !s.NoAuth && s.APIKey != ""
}

// envBindings maps keys to the environment variables that may set them.
// Required keys keep the unprefixed names used by the managed runtime.
var envBindings = map[string][]string{
	"aws_region": {"AWS_REGION", "AWS_DEFAULT_REGION"},
	"memory_id":  {"MEMORY_ID"},
	"model":      {"MODEL"},
}

// optionalKeys are bound to AGENTFRONT_<KEY> with dots replaced by underscores.
var optionalKeys = []string{
	"port", "api_key", "no_auth", "trusted_proxies", "request_timeout", "max_concurrent",
	"identity.user_policy", "identity.default_session_id",
	"memory.backend", "memory.s3_bucket", "memory.s3_prefix", "memory.postgres_dsn",
	"memory.codec", "memory.compress", "memory.max_turns", "memory.retention", "memory.prune_schedule",
	"engine.system_prompt", "engine.max_tokens", "engine.temperature", "engine.token_budget",
	"engine.history_window",
	"log.level", "log.format",
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("port", 8080)
	v.SetDefault("request_timeout", "5m")
	v.SetDefault("max_concurrent", 64)
	v.SetDefault("identity.user_policy", string(identity.PolicyGeneratePerCall))
	v.SetDefault("identity.default_session_id", identity.DefaultSessionID)
	v.SetDefault("memory.backend", BackendMemory)
	v.SetDefault("memory.codec", "json")
	v.SetDefault("memory.prune_schedule", "@hourly")
	v.SetDefault("engine.max_tokens", 4096)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetEnvPrefix("AGENTFRONT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envBindings {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}
	for _, key := range optionalKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// Load reads settings from path (if non-empty) and the environment, then
// validates them. Environment variables override the file.
func Load(path string) (*Settings, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks required settings and value ranges.
func (s *Settings) Validate() error {
	var missing []string
	if s.AWSRegion == "" {
		missing = append(missing, "aws_region (AWS_REGION)")
	}
	if s.MemoryID == "" {
		missing = append(missing, "memory_id (MEMORY_ID)")
	}
	if s.Model == "" {
		missing = append(missing, "model (MODEL)")
	}
	switch s.Memory.Backend {
	case BackendMemory:
	case BackendS3:
		if s.Memory.S3Bucket == "" {
			missing = append(missing, "memory.s3_bucket")
		}
	case BackendPostgres:
		if s.Memory.PostgresDSN == "" {
			missing = append(missing, "memory.postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown memory.backend %q (expected %s, %s or %s)",
			s.Memory.Backend, BackendMemory, BackendS3, BackendPostgres)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSetting, strings.Join(missing, ", "))
	}

	var errs []error
	if s.Port <= 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", s.Port))
	}
	if s.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request_timeout must not be negative"))
	}
	if s.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent must not be negative"))
	}
	if _, err := auth.ParseProxies(s.TrustedProxies); err != nil {
		errs = append(errs, err)
	}
	if _, err := identity.ParsePolicy(s.Identity.UserPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := checkpoint.NewCodec(s.Memory.Codec, s.Memory.Compress); err != nil {
		errs = append(errs, err)
	}
	if s.Memory.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("memory.max_turns must not be negative"))
	}
	if s.Memory.Retention < 0 {
		errs = append(errs, fmt.Errorf("memory.retention must not be negative"))
	}
	if s.Engine.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_tokens must be positive"))
	}
	if _, err := telemetry.ParseLevel(s.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch s.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q (expected json or console)", s.Log.Format))
	}
	return errors.Join(errs...)
}
