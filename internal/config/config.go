// Package config loads the service configuration from YAML with environment
// overrides for the operational knobs.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Redis        RedisConfig        `yaml:"redis"`
	Storage      StorageConfig      `yaml:"storage"`
	Reload       ReloadConfig       `yaml:"reload"`
	Velocity     VelocityConfig     `yaml:"velocity"`
	LoadShedding LoadSheddingConfig `yaml:"load_shedding"`
	Debug        DebugConfig        `yaml:"debug"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	Publisher    PublisherConfig    `yaml:"publisher"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
	// RequestTimeoutMs is the end-to-end evaluation deadline.
	RequestTimeoutMs int `yaml:"request_timeout_ms"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type StorageConfig struct {
	EndpointURL string `yaml:"endpoint_url"`
	Region      string `yaml:"region"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	Bucket      string `yaml:"bucket"`
}

type ReloadConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// RequiredRulesetKeys is comma-separated in the env override.
	RequiredRulesetKeys []string `yaml:"required_ruleset_keys"`
}

type VelocityConfig struct {
	DefaultWindowSeconds int    `yaml:"default_window_seconds"`
	DefaultThreshold     int64  `yaml:"default_threshold"`
	TimeoutMs            int    `yaml:"timeout_ms"`
	KeyPrefix            string `yaml:"key_prefix"`
}

type LoadSheddingConfig struct {
	MaxConcurrent int64 `yaml:"max_concurrent"`
}

type DebugConfig struct {
	Enabled                 bool `yaml:"enabled"`
	SampleRate              int  `yaml:"sample_rate"`
	IncludeFieldValues      bool `yaml:"include_field_values"`
	MaxConditionEvaluations int  `yaml:"max_condition_evaluations"`
}

type OutboxConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Stream               string `yaml:"stream"`
	Group                string `yaml:"group"`
	Consumer             string `yaml:"consumer"`
	BatchSize            int64  `yaml:"batch_size"`
	BlockMs              int    `yaml:"block_ms"`
	ClaimIntervalSeconds int    `yaml:"claim_interval_seconds"`
	ClaimMinIdleSeconds  int    `yaml:"claim_min_idle_seconds"`
}

type PublisherConfig struct {
	// Kind selects the decision sink: "stream" (Redis) or "pubsub" (GCP).
	Kind            string `yaml:"kind"`
	DecisionStream  string `yaml:"decision_stream"`
	StreamMaxLen    int64  `yaml:"stream_max_len"`
	PubSubProjectID string `yaml:"pubsub_project_id"`
	PubSubTopicID   string `yaml:"pubsub_topic_id"`
	BufferSize      int    `yaml:"buffer_size"`
}

// LoadConfig reads the YAML file at path, fills defaults, and applies
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "prod"
	}
	if c.Server.RequestTimeoutMs <= 0 {
		c.Server.RequestTimeoutMs = 100
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Reload.PollIntervalSeconds <= 0 {
		c.Reload.PollIntervalSeconds = 30
	}
	if len(c.Reload.RequiredRulesetKeys) == 0 {
		c.Reload.RequiredRulesetKeys = []string{"CARD_MONITORING"}
	}
	if c.Velocity.DefaultWindowSeconds <= 0 {
		c.Velocity.DefaultWindowSeconds = 3600
	}
	if c.Velocity.DefaultThreshold <= 0 {
		c.Velocity.DefaultThreshold = 10
	}
	if c.Velocity.TimeoutMs <= 0 {
		c.Velocity.TimeoutMs = 50
	}
	if c.Velocity.KeyPrefix == "" {
		c.Velocity.KeyPrefix = c.Server.Env
	}
	if c.LoadShedding.MaxConcurrent == 0 {
		c.LoadShedding.MaxConcurrent = 256
	}
	if c.Debug.SampleRate <= 0 {
		c.Debug.SampleRate = 1
	}
	if c.Debug.MaxConditionEvaluations <= 0 {
		c.Debug.MaxConditionEvaluations = 100
	}
	if c.Outbox.Stream == "" {
		c.Outbox.Stream = "fraudmon:outbox"
	}
	if c.Outbox.Group == "" {
		c.Outbox.Group = "monitoring-workers"
	}
	if c.Outbox.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker-1"
		}
		c.Outbox.Consumer = host
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 16
	}
	if c.Outbox.BlockMs <= 0 {
		c.Outbox.BlockMs = 2000
	}
	if c.Outbox.ClaimIntervalSeconds <= 0 {
		c.Outbox.ClaimIntervalSeconds = 30
	}
	if c.Outbox.ClaimMinIdleSeconds <= 0 {
		c.Outbox.ClaimMinIdleSeconds = 60
	}
	if c.Publisher.Kind == "" {
		c.Publisher.Kind = "stream"
	}
	if c.Publisher.DecisionStream == "" {
		c.Publisher.DecisionStream = "fraudmon:decisions"
	}
	if c.Publisher.BufferSize <= 0 {
		c.Publisher.BufferSize = 1024
	}
	if c.Storage.Region == "" {
		c.Storage.Region = "us-east-1"
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "fraudmon-artifacts"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("STORAGE_ENDPOINT_URL"); v != "" {
		c.Storage.EndpointURL = v
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		c.Storage.Bucket = v
	}
	if v := os.Getenv("STORAGE_ACCESS_KEY"); v != "" {
		c.Storage.AccessKey = v
	}
	if v := os.Getenv("STORAGE_SECRET_KEY"); v != "" {
		c.Storage.SecretKey = v
	}
	if v, ok := envInt("POLL_INTERVAL_SECONDS"); ok {
		c.Reload.PollIntervalSeconds = v
	}
	if v := os.Getenv("REQUIRED_RULESET_KEYS"); v != "" {
		c.Reload.RequiredRulesetKeys = splitCSV(v)
	}
	if v, ok := envInt("MAX_CONCURRENT"); ok {
		c.LoadShedding.MaxConcurrent = int64(v)
	}
	if v, ok := envInt("VELOCITY_DEFAULT_WINDOW_SECONDS"); ok {
		c.Velocity.DefaultWindowSeconds = v
	}
	if v, ok := envInt("VELOCITY_DEFAULT_THRESHOLD"); ok {
		c.Velocity.DefaultThreshold = int64(v)
	}
	if v := os.Getenv("DEBUG_ENABLED"); v != "" {
		c.Debug.Enabled = v == "true" || v == "1"
	}
	if v, ok := envInt("DEBUG_SAMPLE_RATE"); ok {
		c.Debug.SampleRate = v
	}
	if v := os.Getenv("DEBUG_INCLUDE_FIELD_VALUES"); v != "" {
		c.Debug.IncludeFieldValues = v == "true" || v == "1"
	}
	if v, ok := envInt("DEBUG_MAX_CONDITION_EVALUATIONS"); ok {
		c.Debug.MaxConditionEvaluations = v
	}
}

// PollInterval returns the reload poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Reload.PollIntervalSeconds) * time.Second
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
