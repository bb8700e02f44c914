package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.DatabasePath != "stm32_data.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.BufferSize != 4096 {
		t.Errorf("BufferSize = %d", cfg.BufferSize)
	}
	if cfg.DispatchInterval != time.Second {
		t.Errorf("DispatchInterval = %s", cfg.DispatchInterval)
	}
	if cfg.HTTPEnabled() || cfg.MQTTEnabled() || cfg.InfluxEnabled() || cfg.HasTOTP() {
		t.Error("optional surfaces should be disabled by default")
	}
	if cfg.TrustProxy {
		t.Error("TrustProxy should default to false")
	}
	if cfg.MQTTTopic != "stm32" {
		t.Errorf("MQTTTopic = %q", cfg.MQTTTopic)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STM32HUB_LISTEN", "127.0.0.1:9000")
	t.Setenv("STM32HUB_DISPATCH_INTERVAL", "250ms")
	t.Setenv("STM32HUB_BUFFER_SIZE", "8192")
	t.Setenv("STM32HUB_HTTP_LISTEN", ":8081")
	t.Setenv("STM32HUB_OPERATOR_TOKEN_HASH", "$2a$10$abcdefghijklmnopqrstuv")
	t.Setenv("STM32HUB_LOG_LEVEL", "DEBUG")
	t.Setenv("STM32HUB_TRUST_PROXY", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.DispatchInterval != 250*time.Millisecond {
		t.Errorf("DispatchInterval = %s", cfg.DispatchInterval)
	}
	if cfg.BufferSize != 8192 {
		t.Errorf("BufferSize = %d", cfg.BufferSize)
	}
	if !cfg.HTTPEnabled() {
		t.Error("HTTP should be enabled")
	}
	if !cfg.TrustProxy {
		t.Error("TrustProxy should be set")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("STM32HUB_DISPATCH_INTERVAL", "soon")
	t.Setenv("STM32HUB_BUFFER_SIZE", "big")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DispatchInterval != time.Second {
		t.Errorf("DispatchInterval = %s, want default", cfg.DispatchInterval)
	}
	if cfg.BufferSize != 4096 {
		t.Errorf("BufferSize = %d, want default", cfg.BufferSize)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "dispatch interval too short",
			env:  map[string]string{"STM32HUB_DISPATCH_INTERVAL": "10ms"},
			want: "STM32HUB_DISPATCH_INTERVAL",
		},
		{
			name: "http without token hash",
			env:  map[string]string{"STM32HUB_HTTP_LISTEN": ":8081"},
			want: "STM32HUB_OPERATOR_TOKEN_HASH",
		},
		{
			name: "influx without bucket",
			env:  map[string]string{"STM32HUB_INFLUX_URL": "http://localhost:8086", "STM32HUB_INFLUX_ORG": "lab"},
			want: "STM32HUB_INFLUX_BUCKET",
		},
		{
			name: "unknown log level",
			env:  map[string]string{"STM32HUB_LOG_LEVEL": "verbose"},
			want: "STM32HUB_LOG_LEVEL",
		},
		{
			name: "tiny buffer",
			env:  map[string]string{"STM32HUB_BUFFER_SIZE": "4"},
			want: "STM32HUB_BUFFER_SIZE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestValidate_JoinsAllProblems(t *testing.T) {
	cfg := &Config{
		ListenAddr:       "",
		BufferSize:       4096,
		DispatchInterval: time.Millisecond,
		WriteTimeout:     time.Second,
		LogLevel:         "info",
	}
	err := cfg.validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if got := strings.Count(err.Error(), ";"); got != 1 {
		t.Errorf("expected two joined problems, got %q", err)
	}
}
