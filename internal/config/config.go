// Package config provides configuration management for the serving core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Inference InferenceConfig `toml:"inference"`
	Cache     CacheConfig     `toml:"cache"`
	Batcher   BatcherConfig   `toml:"batcher"`
	Retrieval RetrievalConfig `toml:"retrieval"`
	Guardrail GuardrailConfig `toml:"guardrail"`
	Snapshot  SnapshotConfig  `toml:"snapshot"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	HTTPPort       int           `toml:"http_port"`
	BindAddress    string        `toml:"bind_address"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	MaxRequestSize int64         `toml:"max_request_size"`
}

// TelemetryConfig contains logging and metrics settings.
type TelemetryConfig struct {
	ServiceName       string `toml:"service_name"`
	LogFormat         string `toml:"log_format"` // "json" or "pretty"
	LogLevel          string `toml:"log_level"`
	PrometheusEnabled bool   `toml:"prometheus_enabled"`
	PrometheusPort    int    `toml:"prometheus_port"`
}

// InferenceConfig selects and configures the single bound inference engine.
type InferenceConfig struct {
	Engine  string        `toml:"engine"` // "bedrock" or "ollama"
	Bedrock BedrockConfig `toml:"bedrock"`
	Ollama  OllamaConfig  `toml:"ollama"`

	// RequestTimeout bounds a single call into the engine.
	RequestTimeout time.Duration `toml:"request_timeout"`

	// Retry controls transient-failure retry around engine calls.
	RetryMaxAttempts int           `toml:"retry_max_attempts"`
	RetryBackoffBase time.Duration `toml:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `toml:"retry_backoff_max"`

	// CircuitBreakerThreshold is consecutive failures before the engine
	// is considered unavailable; CircuitBreakerCooldown is how long it
	// stays open before a half-open probe is allowed.
	CircuitBreakerThreshold int           `toml:"circuit_breaker_threshold"`
	CircuitBreakerCooldown  time.Duration `toml:"circuit_breaker_cooldown"`
}

// BedrockConfig contains AWS Bedrock settings.
type BedrockConfig struct {
	Region          string `toml:"region"`
	ModelID         string `toml:"model_id"`
	EmbeddingModel  string `toml:"embedding_model"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Profile         string `toml:"profile"`
}

// OllamaConfig contains local Ollama settings.
type OllamaConfig struct {
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	EmbeddingModel string `toml:"embedding_model"`
}

// CacheConfig configures the semantic cache (spec §4.1 / §6).
type CacheConfig struct {
	Enabled             bool    `toml:"enabled"`
	Dimension           int     `toml:"dimension"`
	MaxEntries          int     `toml:"max_entries"`
	SimilarityThreshold float32 `toml:"similarity_threshold"`
	HitProtectionSecs   int64   `toml:"hit_protection_seconds"` // the "H" eviction weight
}

// BatcherConfig configures the continuous batcher (spec §4.5 / §6).
type BatcherConfig struct {
	MaxBatchSize     int           `toml:"max_batch_size"`
	WindowDuration   time.Duration `toml:"window_duration"`
	RequestTimeout   time.Duration `toml:"request_timeout"`
	QueueCapacity    int           `toml:"queue_capacity"`
}

// RetrievalConfig configures the document retrieval store (spec §4.2 / §6).
type RetrievalConfig struct {
	Enabled   bool    `toml:"enabled"`
	TopK      int     `toml:"top_k"`
	Threshold float32 `toml:"threshold"`
	ChunkSize int     `toml:"chunk_size"`
}

// GuardrailConfig configures input/output screening (spec §4.4 / §6).
type GuardrailConfig struct {
	Enabled           bool    `toml:"enabled"`
	StrictMode        bool    `toml:"strict_mode"`
	MaskPII           bool    `toml:"mask_pii"`
	MaxOutputLength   int     `toml:"max_output_length"`
	ToxicityThreshold float64 `toml:"toxicity_threshold"`
}

// SnapshotConfig configures the optional persisted cache/retrieval snapshot.
type SnapshotConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	EncryptionKey string `toml:"encryption_key"` // base64, 16/24/32 bytes decoded
}

// Default returns a default configuration suitable for local/on-prem use.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       8080,
			BindAddress:    "0.0.0.0",
			ReadTimeout:    2 * time.Minute,
			WriteTimeout:   5 * time.Minute,
			MaxRequestSize: 10 * 1024 * 1024,
		},
		Telemetry: TelemetryConfig{
			ServiceName:       "modelgate",
			LogFormat:         "json",
			LogLevel:          "info",
			PrometheusEnabled: true,
			PrometheusPort:    9090,
		},
		Inference: InferenceConfig{
			Engine: "ollama",
			Ollama: OllamaConfig{
				BaseURL:        "http://localhost:11434",
				Model:          "llama3",
				EmbeddingModel: "nomic-embed-text",
			},
			Bedrock: BedrockConfig{
				Region:         "us-east-1",
				ModelID:        "anthropic.claude-3-5-sonnet-20241022-v2:0",
				EmbeddingModel: "amazon.titan-embed-text-v1",
			},
			RequestTimeout:          30 * time.Second,
			RetryMaxAttempts:        3,
			RetryBackoffBase:        200 * time.Millisecond,
			RetryBackoffMax:         5 * time.Second,
			CircuitBreakerThreshold: 5,
			CircuitBreakerCooldown:  60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:             true,
			Dimension:           768,
			MaxEntries:          10000,
			SimilarityThreshold: 0.95,
			HitProtectionSecs:   3600,
		},
		Batcher: BatcherConfig{
			MaxBatchSize:   4,
			WindowDuration: 100 * time.Millisecond,
			RequestTimeout: 30 * time.Second,
			QueueCapacity:  256,
		},
		Retrieval: RetrievalConfig{
			Enabled:   true,
			TopK:      2,
			Threshold: 0.3,
			ChunkSize: 512,
		},
		Guardrail: GuardrailConfig{
			Enabled:           true,
			StrictMode:        false,
			MaskPII:           true,
			MaxOutputLength:   4000,
			ToxicityThreshold: 0.7,
		},
	}
}

// Load loads configuration from a TOML file, falling back to defaults
// for any table not present, matching the teacher's layered-default style.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.substituteEnvVars()
	return cfg, nil
}

// LoadOrDefault loads config from file or returns defaults, logging a
// warning on failure rather than aborting startup.
func LoadOrDefault(path string) *Config {
	if path == "" {
		return Default()
	}
	cfg, err := Load(path)
	if err != nil {
		fmt.Printf("Warning: failed to load config from %s: %v\n", path, err)
		return Default()
	}
	return cfg
}

// substituteEnvVars expands ${VAR} patterns and applies MODELGATE_*
// direct environment overrides, matching the teacher's convention.
func (c *Config) substituteEnvVars() {
	c.Inference.Bedrock.AccessKeyID = expandEnv(c.Inference.Bedrock.AccessKeyID)
	c.Inference.Bedrock.SecretAccessKey = expandEnv(c.Inference.Bedrock.SecretAccessKey)
	c.Snapshot.DSN = expandEnv(c.Snapshot.DSN)
	c.Snapshot.EncryptionKey = expandEnv(c.Snapshot.EncryptionKey)

	if v := os.Getenv("MODELGATE_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("MODELGATE_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Telemetry.PrometheusPort = port
		}
	}
	if v := os.Getenv("MODELGATE_INFERENCE_ENGINE"); v != "" {
		c.Inference.Engine = v
	}
	if v := os.Getenv("MODELGATE_SNAPSHOT_DSN"); v != "" {
		c.Snapshot.DSN = v
	}
}

// expandEnv expands ${VAR} or $VAR patterns.
func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}
