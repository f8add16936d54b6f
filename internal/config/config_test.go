package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, BackendMemory, cfg.Broker.Type)
	require.False(t, cfg.Broker.StatusRelay)
	require.Equal(t, "url_tasks", cfg.Broker.ProcessingQueue)
	require.Equal(t, 100, cfg.Gateway.MaxURLs)
	require.False(t, cfg.Gateway.JoinInflight)
	require.Equal(t, 3, cfg.Processor.MaxRetries)
	require.Equal(t, 3, cfg.Evaluator.MaxRetries)
	require.InDelta(t, 7.0, cfg.Evaluator.Threshold, 1e-9)
	require.Equal(t, 2*time.Minute, cfg.Processor.AnalysisTimeout)
	require.Equal(t, "local", cfg.LLM.Provider)
	require.True(t, cfg.Fetch.RespectRobots)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
broker:
  type: Redis
  redis:
    url: redis://cache:6379/0
cache:
  type: redis
  redis_url: redis://cache:6379/1
  ttl: 1h
storage:
  backend: local
  dir: /tmp/content
gateway:
  allowed_domains: ["example.com", "example.org"]
  max_urls: 10
  join_inflight: true
processor:
  prefetch: 8
  max_retries: 5
  backoff_base: 250ms
evaluator:
  threshold: 8.5
rate_limit:
  host_rps:
    - host: Example.com
      rps: 0.5
logging:
  development: false
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, ":9090", cfg.Server.Addr())
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, BackendRedis, cfg.Broker.Type)
	require.True(t, cfg.Broker.StatusRelay, "non-memory brokers relay status events")
	require.Equal(t, time.Hour, cfg.Cache.TTL)
	require.Equal(t, BackendLocal, cfg.Storage.Backend)
	require.Equal(t, []string{"example.com", "example.org"}, cfg.Gateway.AllowedDomains)
	require.True(t, cfg.Gateway.JoinInflight)
	require.Equal(t, 8, cfg.Processor.Prefetch)
	require.Equal(t, 5, cfg.Processor.MaxRetries)
	require.Equal(t, 250*time.Millisecond, cfg.Processor.BackoffBase)
	require.InDelta(t, 8.5, cfg.Evaluator.Threshold, 1e-9)
	require.InDelta(t, 0.5, cfg.RateLimit.HostRPSMap()["example.com"], 1e-9)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ANALYZER_SERVER_PORT", "7070")
	t.Setenv("ANALYZER_EVALUATOR_THRESHOLD", "6.5")
	t.Setenv("ANALYZER_GATEWAY_JOIN_INFLIGHT", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.InDelta(t, 6.5, cfg.Evaluator.Threshold, 1e-9)
	require.True(t, cfg.Gateway.JoinInflight)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "unknown broker", mutate: func(c *Config) { c.Broker.Type = "kafka" }, want: "broker.type"},
		{
			name:   "pubsub without project",
			mutate: func(c *Config) { c.Broker.Type = BackendPubSub },
			want:   "broker.pubsub.project_id",
		},
		{name: "empty queue name", mutate: func(c *Config) { c.Broker.StatusQueue = "" }, want: "queue names"},
		{name: "unknown cache", mutate: func(c *Config) { c.Cache.Type = "disk" }, want: "cache.type"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = BackendGCS }, want: "storage.bucket"},
		{name: "zero max urls", mutate: func(c *Config) { c.Gateway.MaxURLs = 0 }, want: "gateway.max_urls"},
		{name: "negative retries", mutate: func(c *Config) { c.Evaluator.MaxRetries = -1 }, want: "max_retries"},
		{name: "threshold out of range", mutate: func(c *Config) { c.Evaluator.Threshold = 11 }, want: "evaluator.threshold"},
		{
			name: "headless missing max parallel",
			mutate: func(c *Config) {
				c.Fetch.Headless.Enabled = true
				c.Fetch.Headless.MaxParallel = 0
			},
			want: "fetch.headless.max_parallel",
		},
		{name: "openai without key", mutate: func(c *Config) { c.LLM.Provider = "openai" }, want: "llm.api_key"},
		{
			name: "redis claim idle shorter than processing",
			mutate: func(c *Config) {
				c.Broker.Type = BackendRedis
				c.Broker.Redis.URL = "redis://localhost:6379"
				c.Broker.Redis.ClaimIdle = c.Processor.FetchTimeout + c.Processor.AnalysisTimeout
			},
			want: "broker.redis.claim_idle",
		},
		{
			name: "redis claim idle shorter than scoring",
			mutate: func(c *Config) {
				c.Broker.Type = BackendRedis
				c.Broker.Redis.URL = "redis://localhost:6379"
				c.Broker.Redis.ClaimIdle = 10 * time.Minute
				c.Evaluator.ScoreTimeout = 11 * time.Minute
			},
			want: "broker.redis.claim_idle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
