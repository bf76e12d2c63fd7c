// Package config holds the coordination layer's configuration, loaded from
// YAML with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete layer configuration.
type Configuration struct {
	KeyPrefix string        `yaml:"key_prefix"`
	Cache     CacheConfig   `yaml:"cache"`
	Breaker   BreakerConfig `yaml:"breaker"`
	Redis     RedisConfig   `yaml:"redis"`
	Stream    StreamConfig  `yaml:"stream"`
	Metrics   MetricsConfig `yaml:"metrics"`
	LogLevel  string        `yaml:"log_level"`
}

// CacheConfig represents the tiered cache settings.
type CacheConfig struct {
	L1MaxItems         int `yaml:"l1_max_items"`
	L1FreshnessSeconds int `yaml:"l1_freshness_seconds"`
	DefaultTTLSeconds  int `yaml:"default_ttl_seconds"`
}

// BreakerConfig represents the circuit breaker settings shared by all
// operation classes.
type BreakerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold"`
	OpenTimeoutSeconds int `yaml:"open_timeout_seconds"`
}

// RedisConfig represents the remote store connection settings. An empty Addr
// selects the in-memory store.
type RedisConfig struct {
	Addr                string `yaml:"addr"`
	Password            string `yaml:"password"`
	DB                  int    `yaml:"db"`
	PoolSize            int    `yaml:"pool_size"`
	DialTimeoutSeconds  int    `yaml:"dial_timeout_seconds"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
}

// StreamConfig represents stream bus settings.
type StreamConfig struct {
	// FromBeginning starts newly created consumer groups at the head of
	// the topic instead of the tail.
	FromBeginning bool `yaml:"from_beginning"`
}

// MetricsConfig represents the metrics endpoint settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		KeyPrefix: "pipecoord",
		Cache: CacheConfig{
			L1MaxItems:         1024,
			L1FreshnessSeconds: 5,
			DefaultTTLSeconds:  300,
		},
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			OpenTimeoutSeconds: 30,
		},
		Redis: RedisConfig{
			Addr:                "",
			DB:                  0,
			PoolSize:            10,
			DialTimeoutSeconds:  5,
			ReadTimeoutSeconds:  3,
			WriteTimeoutSeconds: 3,
		},
		Stream: StreamConfig{
			FromBeginning: false,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9190,
			Path:      "/metrics",
			Namespace: "pipecoord",
		},
		LogLevel: "INFO",
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies environment-variable overrides.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("PIPECOORD_KEY_PREFIX"); val != "" {
		c.KeyPrefix = val
	}
	if val := os.Getenv("PIPECOORD_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv("PIPECOORD_REDIS_ADDR"); val != "" {
		c.Redis.Addr = val
	}
	if val := os.Getenv("PIPECOORD_REDIS_PASSWORD"); val != "" {
		c.Redis.Password = val
	}
	if val := os.Getenv("PIPECOORD_REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			c.Redis.DB = db
		}
	}
	if val := os.Getenv("PIPECOORD_L1_MAX_ITEMS"); val != "" {
		if items, err := strconv.Atoi(val); err == nil {
			c.Cache.L1MaxItems = items
		}
	}
	if val := os.Getenv("PIPECOORD_L1_FRESHNESS_SECONDS"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			c.Cache.L1FreshnessSeconds = secs
		}
	}
	if val := os.Getenv("PIPECOORD_BREAKER_FAILURE_THRESHOLD"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Breaker.FailureThreshold = n
		}
	}
	if val := os.Getenv("PIPECOORD_BREAKER_OPEN_TIMEOUT_SECONDS"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			c.Breaker.OpenTimeoutSeconds = secs
		}
	}
	if val := os.Getenv("PIPECOORD_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PIPECOORD_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if c.KeyPrefix == "" {
		return fmt.Errorf("key_prefix must not be empty")
	}
	if strings.Contains(c.KeyPrefix, " ") {
		return fmt.Errorf("key_prefix must not contain spaces")
	}

	if c.Cache.L1MaxItems <= 0 {
		return fmt.Errorf("l1_max_items must be greater than 0")
	}
	if c.Cache.L1FreshnessSeconds <= 0 {
		return fmt.Errorf("l1_freshness_seconds must be greater than 0")
	}
	if c.Cache.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("default_ttl_seconds must be greater than 0")
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be greater than 0")
	}
	if c.Breaker.OpenTimeoutSeconds <= 0 {
		return fmt.Errorf("open_timeout_seconds must be greater than 0")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.EqualFold(c.LogLevel, level) {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}

// L1Freshness returns the freshness window as a duration.
func (c *CacheConfig) L1Freshness() time.Duration {
	return time.Duration(c.L1FreshnessSeconds) * time.Second
}

// DefaultTTL returns the default L2 TTL as a duration.
func (c *CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// OpenTimeout returns the breaker cool-down as a duration.
func (c *BreakerConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutSeconds) * time.Second
}
