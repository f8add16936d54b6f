// Package config loads and validates analyzer configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. ANALYZER_SERVER_PORT.
const EnvPrefix = "ANALYZER"

// Backend names shared by the broker, cache, and storage sections.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendPubSub = "pubsub"
	BackendGCS    = "gcs"
	BackendLocal  = "local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Evaluator EvaluatorConfig `mapstructure:"evaluator"`
	Hub       HubConfig       `mapstructure:"hub"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	LLM       LLMConfig       `mapstructure:"llm"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ContentTimeout  time.Duration `mapstructure:"content_timeout"`
	Heartbeat       time.Duration `mapstructure:"heartbeat"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address for Port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BrokerConfig selects the queue backend and queue names.
type BrokerConfig struct {
	Type            string `mapstructure:"type"`
	ProcessingQueue string `mapstructure:"processing_queue"`
	EvaluationQueue string `mapstructure:"evaluation_queue"`
	StatusQueue     string `mapstructure:"status_queue"`
	// StatusRelay routes worker status events through StatusQueue so the
	// API process can serve them. Forced on for multi-process deployments.
	StatusRelay bool         `mapstructure:"status_relay"`
	Redis       RedisBroker  `mapstructure:"redis"`
	PubSub      PubSubBroker `mapstructure:"pubsub"`
	// RedeliveryDelay applies to the in-memory broker only.
	RedeliveryDelay time.Duration `mapstructure:"redelivery_delay"`
}

// RedisBroker configures the Redis Streams broker.
type RedisBroker struct {
	URL             string        `mapstructure:"url"`
	Group           string        `mapstructure:"group"`
	Consumer        string        `mapstructure:"consumer"`
	Block           time.Duration `mapstructure:"block"`
	ClaimIdle       time.Duration `mapstructure:"claim_idle"`
	PromoteInterval time.Duration `mapstructure:"promote_interval"`
	MaxLen          int64         `mapstructure:"max_len"`
}

// PubSubBroker configures the Google Cloud Pub/Sub broker.
type PubSubBroker struct {
	ProjectID       string        `mapstructure:"project_id"`
	CreateResources bool          `mapstructure:"create_resources"`
	AckDeadline     time.Duration `mapstructure:"ack_deadline"`
	MinBackoff      time.Duration `mapstructure:"min_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
}

// CacheConfig selects the result cache.
type CacheConfig struct {
	Type     string        `mapstructure:"type"`
	TTL      time.Duration `mapstructure:"ttl"`
	Size     int           `mapstructure:"size"`
	RedisURL string        `mapstructure:"redis_url"`
}

// StorageConfig sets the blob backend for extracted content.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Dir     string `mapstructure:"dir"`
	Prefix  string `mapstructure:"prefix"`
}

// DatabaseConfig controls the request store. An empty DSN keeps requests in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	RequestsTable   string        `mapstructure:"requests_table"`
	EventsTable     string        `mapstructure:"events_table"`
	Migrate         bool          `mapstructure:"migrate"`
}

// GatewayConfig controls submission validation and dedup.
type GatewayConfig struct {
	AllowedDomains []string `mapstructure:"allowed_domains"`
	MaxURLs        int      `mapstructure:"max_urls"`
	JoinInflight   bool     `mapstructure:"join_inflight"`
}

// RetryConfig bounds redelivery of failed tasks.
type RetryConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// ProcessorConfig tunes the fetch/analyze workers.
type ProcessorConfig struct {
	Prefetch        int           `mapstructure:"prefetch"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	AnalysisTimeout time.Duration `mapstructure:"analysis_timeout"`
	RetryConfig     `mapstructure:",squash"`
}

// EvaluatorConfig tunes the scoring workers.
type EvaluatorConfig struct {
	Prefetch     int           `mapstructure:"prefetch"`
	Threshold    float64       `mapstructure:"threshold"`
	ScoreTimeout time.Duration `mapstructure:"score_timeout"`
	RetryConfig  `mapstructure:",squash"`
}

// HubConfig bounds the in-process status hub.
type HubConfig struct {
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	MaxSubscribers   int           `mapstructure:"max_subscribers"`
	Retention        time.Duration `mapstructure:"retention"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	RecorderBuffer   int           `mapstructure:"recorder_buffer"`
}

// FetchConfig configures static and headless fetching.
type FetchConfig struct {
	UserAgent     string         `mapstructure:"user_agent"`
	RespectRobots bool           `mapstructure:"respect_robots"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	MaxBodyBytes  int            `mapstructure:"max_body_bytes"`
	MaxTextChars  int            `mapstructure:"max_text_chars"`
	Headless      HeadlessConfig `mapstructure:"headless"`
	Detector      DetectorConfig `mapstructure:"detector"`
}

// HeadlessConfig configures the chromedp fallback.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
}

// DetectorConfig tunes when a static fetch is promoted to headless.
type DetectorConfig struct {
	Threshold int      `mapstructure:"threshold"`
	Selectors []string `mapstructure:"selectors"`
	Keywords  []string `mapstructure:"keywords"`
}

// LLMConfig selects the analyze/score provider.
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`
	Endpoint     string        `mapstructure:"endpoint"`
	Model        string        `mapstructure:"model"`
	APIKey       string        `mapstructure:"api_key"`
	Temperature  float64       `mapstructure:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ChunkSize    int           `mapstructure:"chunk_size"`
	ChunkOverlap int           `mapstructure:"chunk_overlap"`
	MaxChunks    int           `mapstructure:"max_chunks"`
}

// RateLimitConfig sets per-host fetch politeness.
type RateLimitConfig struct {
	DefaultRPS   float64       `mapstructure:"default_rps"`
	DefaultBurst int           `mapstructure:"default_burst"`
	HostRPS      []HostRate    `mapstructure:"host_rps"`
	MaxHosts     int           `mapstructure:"max_hosts"`
	IdleTTL      time.Duration `mapstructure:"idle_ttl"`
}

// HostRate overrides the default rate for one host. It is a list entry rather
// than a map key because Viper splits keys on dots.
type HostRate struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// HostRPSMap flattens HostRPS for the limiter.
func (r RateLimitConfig) HostRPSMap() map[string]float64 {
	if len(r.HostRPS) == 0 {
		return nil
	}
	out := make(map[string]float64, len(r.HostRPS))
	for _, h := range r.HostRPS {
		out[strings.ToLower(h.Host)] = h.RPS
	}
	return out
}

// MetricsConfig controls Prometheus exposure and tracing export.
type MetricsConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.content_timeout", 20*time.Second)
	v.SetDefault("server.heartbeat", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("broker.type", BackendMemory)
	v.SetDefault("broker.processing_queue", "url_tasks")
	v.SetDefault("broker.evaluation_queue", "evaluation_tasks")
	v.SetDefault("broker.status_queue", "status_updates")
	v.SetDefault("broker.status_relay", false)
	v.SetDefault("broker.redelivery_delay", 100*time.Millisecond)
	v.SetDefault("broker.redis.url", "redis://localhost:6379/0")
	v.SetDefault("broker.redis.group", "analyzer")
	v.SetDefault("broker.redis.block", 2*time.Second)
	v.SetDefault("broker.redis.claim_idle", 5*time.Minute)
	v.SetDefault("broker.redis.promote_interval", 500*time.Millisecond)
	v.SetDefault("broker.redis.max_len", 100000)
	v.SetDefault("broker.pubsub.create_resources", true)
	v.SetDefault("broker.pubsub.ack_deadline", 5*time.Minute)

	v.SetDefault("cache.type", BackendMemory)
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.size", 10000)
	v.SetDefault("cache.redis_url", "redis://localhost:6379/1")

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.dir", "data/content")
	v.SetDefault("storage.prefix", "content")

	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.requests_table", "analysis_requests")
	v.SetDefault("database.events_table", "status_events")
	v.SetDefault("database.migrate", true)

	v.SetDefault("gateway.allowed_domains", []string{})
	v.SetDefault("gateway.max_urls", 100)
	v.SetDefault("gateway.join_inflight", false)

	v.SetDefault("processor.prefetch", 4)
	v.SetDefault("processor.fetch_timeout", 30*time.Second)
	v.SetDefault("processor.analysis_timeout", 2*time.Minute)
	v.SetDefault("processor.max_retries", 3)
	v.SetDefault("processor.backoff_base", time.Second)
	v.SetDefault("processor.backoff_max", 30*time.Second)

	v.SetDefault("evaluator.prefetch", 4)
	v.SetDefault("evaluator.threshold", 7.0)
	v.SetDefault("evaluator.score_timeout", time.Minute)
	v.SetDefault("evaluator.max_retries", 3)
	v.SetDefault("evaluator.backoff_base", time.Second)
	v.SetDefault("evaluator.backoff_max", 30*time.Second)

	v.SetDefault("hub.subscriber_buffer", 16)
	v.SetDefault("hub.max_subscribers", 10000)
	v.SetDefault("hub.retention", 10*time.Minute)
	v.SetDefault("hub.sweep_interval", time.Minute)
	v.SetDefault("hub.recorder_buffer", 1024)

	v.SetDefault("fetch.user_agent", "realtime-url-analyzer/0.1")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.max_body_bytes", 5*1024*1024)
	v.SetDefault("fetch.max_text_chars", 50000)
	v.SetDefault("fetch.headless.enabled", false)
	v.SetDefault("fetch.headless.max_parallel", 1)
	v.SetDefault("fetch.headless.navigation_timeout", 25*time.Second)
	v.SetDefault("fetch.headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("fetch.detector.threshold", 60)
	v.SetDefault("fetch.detector.selectors", []string{"main", "article", "#content"})
	v.SetDefault("fetch.detector.keywords", []string{
		"__NEXT_DATA__",
		"data-reactroot",
		"ng-app",
		"window.__APOLLO_STATE__",
	})

	v.SetDefault("llm.provider", "local")
	v.SetDefault("llm.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 512)
	v.SetDefault("llm.timeout", time.Minute)
	v.SetDefault("llm.chunk_size", 4000)
	v.SetDefault("llm.chunk_overlap", 200)
	v.SetDefault("llm.max_chunks", 8)

	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("rate_limit.max_hosts", 1024)
	v.SetDefault("rate_limit.idle_ttl", 10*time.Minute)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.service_name", "realtime-url-analyzer")
	v.SetDefault("metrics.sample_ratio", 0.1)
}

func (c *Config) normalize() {
	c.Broker.Type = strings.ToLower(strings.TrimSpace(c.Broker.Type))
	c.Cache.Type = strings.ToLower(strings.TrimSpace(c.Cache.Type))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.Broker.Type != BackendMemory {
		c.Broker.StatusRelay = true
	}
}

// longestTaskTimeout is how long one delivery may legitimately stay in flight.
func (c Config) longestTaskTimeout() time.Duration {
	return max(c.Processor.FetchTimeout+c.Processor.AnalysisTimeout, c.Evaluator.ScoreTimeout)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	switch c.Broker.Type {
	case BackendMemory:
	case BackendRedis:
		if c.Broker.Redis.URL == "" {
			errs = append(errs, errors.New("broker.redis.url is required for the redis broker"))
		}
		// Entries idle for claim_idle move to another consumer.
		if longest := c.longestTaskTimeout(); c.Broker.Redis.ClaimIdle <= longest {
			errs = append(errs, fmt.Errorf("broker.redis.claim_idle (%s) must exceed the longest task timeout (%s)",
				c.Broker.Redis.ClaimIdle, longest))
		}
	case BackendPubSub:
		if c.Broker.PubSub.ProjectID == "" {
			errs = append(errs, errors.New("broker.pubsub.project_id is required for the pubsub broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.type %q is not one of memory, redis, pubsub", c.Broker.Type))
	}
	if c.Broker.ProcessingQueue == "" || c.Broker.EvaluationQueue == "" || c.Broker.StatusQueue == "" {
		errs = append(errs, errors.New("broker queue names must not be empty"))
	}
	switch c.Cache.Type {
	case BackendMemory:
		if c.Cache.Size <= 0 {
			errs = append(errs, errors.New("cache.size must be > 0"))
		}
	case BackendRedis:
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.type %q is not one of memory, redis", c.Cache.Type))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for local storage"))
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for gcs storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend))
	}
	if c.Gateway.MaxURLs <= 0 {
		errs = append(errs, errors.New("gateway.max_urls must be > 0"))
	}
	if c.Processor.Prefetch <= 0 || c.Evaluator.Prefetch <= 0 {
		errs = append(errs, errors.New("processor.prefetch and evaluator.prefetch must be > 0"))
	}
	if c.Processor.MaxRetries < 0 || c.Evaluator.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must be >= 0"))
	}
	if c.Evaluator.Threshold < 0 || c.Evaluator.Threshold > 10 {
		errs = append(errs, errors.New("evaluator.threshold must be within [0, 10]"))
	}
	if c.Hub.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("hub.subscriber_buffer must be > 0"))
	}
	if c.Fetch.Headless.Enabled && c.Fetch.Headless.MaxParallel <= 0 {
		errs = append(errs, errors.New("fetch.headless.max_parallel must be > 0 when headless is enabled"))
	}
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key must be set for the openai provider"))
	}
	if c.Metrics.SampleRatio < 0 || c.Metrics.SampleRatio > 1 {
		errs = append(errs, errors.New("metrics.sample_ratio must be within [0, 1]"))
	}
	return errors.Join(errs...)
}
