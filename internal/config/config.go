// Package config loads hub configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MinDispatchInterval bounds how often the dispatcher may poll storage.
const MinDispatchInterval = 100 * time.Millisecond

// Config holds hub configuration from environment variables.
type Config struct {
	// Device listener
	ListenAddr       string
	BufferSize       int // max bytes per message line
	DispatchInterval time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration // 0 disables

	// Database
	DatabasePath string

	// Operator API, disabled when HTTPListenAddr is empty
	HTTPListenAddr    string
	OperatorTokenHash string // bcrypt hash
	TOTPSecret        string // optional, guards history clearing
	RateLimitRequests int
	RateLimitWindow   time.Duration
	TrustProxy        bool // honor X-Forwarded-For from a reverse proxy

	// Connection event retention
	EventRetention    time.Duration
	RetentionInterval time.Duration

	// MQTT mirror, disabled when MQTTBroker is empty
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string

	// InfluxDB mirror, disabled when InfluxURL is empty
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	LogLevel string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       getEnv("STM32HUB_LISTEN", "0.0.0.0:8080"),
		BufferSize:       parseInt("STM32HUB_BUFFER_SIZE", 4096),
		DispatchInterval: parseDuration("STM32HUB_DISPATCH_INTERVAL", time.Second),
		WriteTimeout:     parseDuration("STM32HUB_WRITE_TIMEOUT", 5*time.Second),
		IdleTimeout:      parseDuration("STM32HUB_IDLE_TIMEOUT", 0),
		DatabasePath:     getEnv("STM32HUB_DB_PATH", "stm32_data.db"),

		HTTPListenAddr:    os.Getenv("STM32HUB_HTTP_LISTEN"),
		OperatorTokenHash: os.Getenv("STM32HUB_OPERATOR_TOKEN_HASH"),
		TOTPSecret:        os.Getenv("STM32HUB_TOTP_SECRET"),
		RateLimitRequests: parseInt("STM32HUB_RATE_LIMIT", 5),
		RateLimitWindow:   parseDuration("STM32HUB_RATE_WINDOW", time.Minute),
		TrustProxy:        parseBool("STM32HUB_TRUST_PROXY", false),

		EventRetention:    parseDuration("STM32HUB_EVENT_RETENTION", 7*24*time.Hour),
		RetentionInterval: parseDuration("STM32HUB_RETENTION_INTERVAL", time.Hour),

		MQTTBroker:   os.Getenv("STM32HUB_MQTT_BROKER"),
		MQTTTopic:    getEnv("STM32HUB_MQTT_TOPIC", "stm32"),
		MQTTClientID: getEnv("STM32HUB_MQTT_CLIENT_ID", "stm32hub"),

		InfluxURL:    os.Getenv("STM32HUB_INFLUX_URL"),
		InfluxToken:  os.Getenv("STM32HUB_INFLUX_TOKEN"),
		InfluxOrg:    os.Getenv("STM32HUB_INFLUX_ORG"),
		InfluxBucket: os.Getenv("STM32HUB_INFLUX_BUCKET"),

		LogLevel: strings.ToLower(getEnv("STM32HUB_LOG_LEVEL", "info")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.ListenAddr == "" {
		errs = append(errs, "STM32HUB_LISTEN must not be empty")
	}
	if c.BufferSize < 16 {
		errs = append(errs, "STM32HUB_BUFFER_SIZE must be at least 16")
	}
	if c.DispatchInterval < MinDispatchInterval {
		errs = append(errs, fmt.Sprintf("STM32HUB_DISPATCH_INTERVAL must be at least %s", MinDispatchInterval))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, "STM32HUB_WRITE_TIMEOUT must be positive")
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, "STM32HUB_IDLE_TIMEOUT must not be negative")
	}
	if c.HTTPEnabled() && c.OperatorTokenHash == "" {
		errs = append(errs, "STM32HUB_OPERATOR_TOKEN_HASH is required when STM32HUB_HTTP_LISTEN is set")
	}
	if c.InfluxEnabled() && (c.InfluxOrg == "" || c.InfluxBucket == "") {
		errs = append(errs, "STM32HUB_INFLUX_ORG and STM32HUB_INFLUX_BUCKET are required when STM32HUB_INFLUX_URL is set")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "STM32HUB_LOG_LEVEL must be one of debug, info, warn, error")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// HTTPEnabled returns true if the operator API should be served.
func (c *Config) HTTPEnabled() bool {
	return c.HTTPListenAddr != ""
}

// HasTOTP returns true if TOTP is configured.
func (c *Config) HasTOTP() bool {
	return c.TOTPSecret != ""
}

// MQTTEnabled returns true if readings should be mirrored to MQTT.
func (c *Config) MQTTEnabled() bool {
	return c.MQTTBroker != ""
}

// InfluxEnabled returns true if readings should be mirrored to InfluxDB.
func (c *Config) InfluxEnabled() bool {
	return c.InfluxURL != ""
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
