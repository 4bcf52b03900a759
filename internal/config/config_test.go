package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load consults so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, envs := range envBindings {
		for _, e := range envs {
			t.Setenv(e, "")
		}
	}
	for _, key := range optionalKeys {
		t.Setenv(envName(key), "")
	}
}

func envName(key string) string {
	out := []rune("AGENTFRONT_")
	for _, r := range key {
		switch {
		case r == '.':
			out = append(out, '_')
		case r >= 'a' && r <= 'z':
			out = append(out, r-'a'+'A')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("MEMORY_ID", "mem-123")
	t.Setenv("MODEL", "bedrock:global.anthropic.claude-sonnet-4-5-20250929-v1:0")
}

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "agentfront.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	setRequired(t)

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", s.AWSRegion)
	assert.Equal(t, "mem-123", s.MemoryID)
	assert.Equal(t, 8080, s.Port)
	assert.Equal(t, ":8080", s.Addr())
	assert.Equal(t, 5*time.Minute, s.RequestTimeout)
	assert.Equal(t, 64, s.MaxConcurrent)
	assert.Equal(t, "generate-per-call", s.Identity.UserPolicy)
	assert.Equal(t, "DEFAULT", s.Identity.DefaultSessionID)
	assert.Equal(t, BackendMemory, s.Memory.Backend)
	assert.Equal(t, "json", s.Memory.Codec)
	assert.Equal(t, 4096, s.Engine.MaxTokens)
	assert.Nil(t, s.Engine.Temperature)
	assert.Equal(t, "info", s.Log.Level)
	assert.False(t, s.AuthEnabled())
	assert.Empty(t, s.TrustedProxies)
}

func TestLoadTrustedProxiesFromEnv(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("AGENTFRONT_TRUSTED_PROXIES", "10.0.0.0/8,192.168.1.1")

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.1"}, s.TrustedProxies)
}

func TestLoadFailsFastOnMissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		set     map[string]string
		missing string
	}{
		{"nothing set", nil, "aws_region"},
		{"no region", map[string]string{"MEMORY_ID": "m", "MODEL": "x"}, "aws_region"},
		{"no memory id", map[string]string{"AWS_REGION": "r", "MODEL": "x"}, "memory_id"},
		{"no model", map[string]string{"AWS_REGION": "r", "MEMORY_ID": "m"}, "model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.set {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.ErrorIs(t, err, ErrMissingSetting)
			assert.Contains(t, err.Error(), tt.missing)
		})
	}
}

func TestLoadRegionFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("AWS_DEFAULT_REGION", "eu-west-1")
	t.Setenv("MEMORY_ID", "m")
	t.Setenv("MODEL", "x")

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", s.AWSRegion)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("AGENTFRONT_MEMORY_MAX_TURNS", "40")

	path := writeFile(t, t.TempDir(), `
port: 9090
api_key: secret
trusted_proxies:
  - 10.0.0.0/8
request_timeout: 30s
identity:
  user_policy: derive-from-transport
memory:
  backend: s3
  s3_bucket: checkpoints
  s3_prefix: agents
  codec: cbor
  compress: true
  max_turns: 10
  retention: 720h
engine:
  system_prompt: You are helpful.
  temperature: 0.2
log:
  level: debug
  format: console
`)

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, s.Port)
	assert.True(t, s.AuthEnabled())
	assert.Equal(t, []string{"10.0.0.0/8"}, s.TrustedProxies)
	assert.Equal(t, 30*time.Second, s.RequestTimeout)
	assert.Equal(t, "derive-from-transport", s.Identity.UserPolicy)
	assert.Equal(t, BackendS3, s.Memory.Backend)
	assert.Equal(t, "checkpoints", s.Memory.S3Bucket)
	assert.Equal(t, "cbor", s.Memory.Codec)
	assert.True(t, s.Memory.Compress)
	assert.Equal(t, 40, s.Memory.MaxTurns, "environment overrides the file")
	assert.Equal(t, 720*time.Hour, s.Memory.Retention)
	assert.Equal(t, "You are helpful.", s.Engine.SystemPrompt)
	require.NotNil(t, s.Engine.Temperature)
	assert.InDelta(t, 0.2, *s.Engine.Temperature, 1e-9)
	assert.Equal(t, "console", s.Log.Format)
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Settings {
		return &Settings{
			AWSRegion: "r", MemoryID: "m", Model: "x",
			Port: 8080, MaxConcurrent: 1,
			Memory: MemorySettings{Backend: BackendMemory, Codec: "json"},
			Engine: EngineSettings{MaxTokens: 10},
			Log:    LogSettings{Level: "info", Format: "json"},
		}
	}

	tests := []struct {
		name     string
		mutate   func(*Settings)
		wantErr  string
		wantMiss bool
	}{
		{"valid", func(*Settings) {}, "", false},
		{"s3 without bucket", func(s *Settings) { s.Memory.Backend = BackendS3 }, "memory.s3_bucket", true},
		{"postgres without dsn", func(s *Settings) { s.Memory.Backend = BackendPostgres }, "memory.postgres_dsn", true},
		{"unknown backend", func(s *Settings) { s.Memory.Backend = "redis" }, "redis", false},
		{"bad port", func(s *Settings) { s.Port = 70000 }, "port", false},
		{"bad policy", func(s *Settings) { s.Identity.UserPolicy = "whatever" }, "whatever", false},
		{"bad codec", func(s *Settings) { s.Memory.Codec = "xml" }, "xml", false},
		{"bad level", func(s *Settings) { s.Log.Level = "loud" }, "loud", false},
		{"bad format", func(s *Settings) { s.Log.Format = "xml" }, "log.format", false},
		{"bad trusted proxy", func(s *Settings) { s.TrustedProxies = []string{"proxy.local"} }, "proxy.local", false},
		{"zero max tokens", func(s *Settings) { s.Engine.MaxTokens = 0 }, "max_tokens", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			if tt.wantMiss {
				assert.ErrorIs(t, err, ErrMissingSetting)
			}
		})
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "log:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var levels []string
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zerolog.Nop(), func(s *Settings) {
			mu.Lock()
			levels = append(levels, s.Log.Level)
			mu.Unlock()
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, l := range levels {
			if l == "debug" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
