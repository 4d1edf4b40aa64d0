/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the TTS service
type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Engine    EngineConfig
	Synthesis SynthesisConfig
	Voices    VoicesConfig
	Storage   StorageConfig
	Logging   LoggingConfig
	NATS      NATSConfig
	Metrics   MetricsConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host         string
	Port         int
	GRPCPort     int // 0 disables the gRPC health server
	ReadTimeout  time.Duration
	WriteTimeout time.Duration // 0 disables; streamed responses run up to Synthesis.Timeout
	MaxBodyBytes int64
	CORSOrigins  []string
}

// AuthConfig holds API key authentication settings
type AuthConfig struct {
	Enabled     bool
	APIKeys     []string
	NoAuthPaths []string
}

// EngineConfig locates the inference worker
type EngineConfig struct {
	URL            string
	Preload        bool
	ConnectTimeout time.Duration
}

// SynthesisConfig holds admission and assembly limits
type SynthesisConfig struct {
	MaxConcurrent      int
	QueuePolicy        string // "queue" or "reject"
	MaxQueue           int
	Timeout            time.Duration
	CleanupGrace       time.Duration
	ChunkBuffer        int
	MaxBufferedSeconds int
	MaxTextLength      int // 0 for unlimited
	DefaultFormat      string
}

// VoicesConfig holds custom voice storage settings
type VoicesConfig struct {
	Dir         string
	CacheWindow time.Duration
}

// StorageConfig holds the synthesis audit log settings
type StorageConfig struct {
	Enabled   bool
	DBPath    string
	Retention time.Duration // 0 keeps events forever
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// NATSConfig holds NATS messaging configuration
type NATSConfig struct {
	Enabled       bool
	URL           string
	SubjectPrefix string
	MaxReconnect  int
	ReconnectWait time.Duration
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled bool
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("LOQA_HOST", "0.0.0.0"),
			Port:         getEnvInt("LOQA_PORT", 9880),
			GRPCPort:     getEnvInt("LOQA_GRPC_PORT", 50051),
			ReadTimeout:  getEnvDuration("LOQA_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("LOQA_WRITE_TIMEOUT", 0),
			MaxBodyBytes: int64(getEnvInt("MAX_BODY_BYTES", 16<<20)),
			CORSOrigins:  getEnvList("CORS_ORIGINS", []string{"*"}),
		},
		Auth: AuthConfig{
			Enabled:     getEnvBool("API_AUTH_ENABLED", false),
			APIKeys:     getEnvList("API_KEYS", nil),
			NoAuthPaths: getEnvList("NO_AUTH_PATHS", []string{"/health", "/ready", "/metrics"}),
		},
		Engine: EngineConfig{
			URL:            getEnvString("ENGINE_URL", "http://localhost:50000"),
			Preload:        getEnvBool("ENGINE_PRELOAD", true),
			ConnectTimeout: getEnvDuration("ENGINE_CONNECT_TIMEOUT", 5*time.Second),
		},
		Synthesis: SynthesisConfig{
			MaxConcurrent:      getEnvInt("SYNTH_MAX_CONCURRENT", 1),
			QueuePolicy:        strings.ToLower(getEnvString("SYNTH_QUEUE_POLICY", "queue")),
			MaxQueue:           getEnvInt("SYNTH_MAX_QUEUE", 8),
			Timeout:            getEnvDuration("SYNTH_TIMEOUT", 120*time.Second),
			CleanupGrace:       getEnvDuration("SYNTH_CLEANUP_GRACE", 2*time.Second),
			ChunkBuffer:        getEnvInt("SYNTH_CHUNK_BUFFER", 2),
			MaxBufferedSeconds: getEnvInt("SYNTH_MAX_BUFFERED_SECONDS", 600),
			MaxTextLength:      getEnvInt("SYNTH_MAX_TEXT_LENGTH", 0),
			DefaultFormat:      strings.ToLower(getEnvString("SYNTH_STREAM_FORMAT", "wav")),
		},
		Voices: VoicesConfig{
			Dir:         getEnvString("VOICES_DIR", "./voices"),
			CacheWindow: getEnvDuration("VOICES_CACHE_WINDOW", 0),
		},
		Storage: StorageConfig{
			Enabled:   getEnvBool("STORAGE_ENABLED", true),
			DBPath:    getEnvString("DB_PATH", "./data/loqa-tts.db"),
			Retention: getEnvDuration("EVENTS_RETENTION", 7*24*time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
		},
		NATS: NATSConfig{
			Enabled:       getEnvBool("NATS_ENABLED", false),
			URL:           getEnvString("NATS_URL", "nats://localhost:4222"),
			SubjectPrefix: getEnvString("NATS_SUBJECT_PREFIX", "loqa.tts"),
			MaxReconnect:  getEnvInt("NATS_MAX_RECONNECT", 10),
			ReconnectWait: getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}

	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive: %d", c.Server.MaxBodyBytes)
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS must be provided when API auth is enabled")
	}

	if c.Engine.URL == "" {
		return fmt.Errorf("engine URL must be provided")
	}

	s := c.Synthesis
	if s.MaxConcurrent <= 0 {
		return fmt.Errorf("synthesis max concurrent must be positive: %d", s.MaxConcurrent)
	}
	if s.QueuePolicy != "queue" && s.QueuePolicy != "reject" {
		return fmt.Errorf("invalid synthesis queue policy %q (want queue or reject)", s.QueuePolicy)
	}
	if s.MaxQueue < 0 {
		return fmt.Errorf("synthesis max queue must not be negative: %d", s.MaxQueue)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("synthesis timeout must be positive: %s", s.Timeout)
	}
	if s.ChunkBuffer <= 0 {
		return fmt.Errorf("synthesis chunk buffer must be positive: %d", s.ChunkBuffer)
	}
	if s.MaxBufferedSeconds <= 0 {
		return fmt.Errorf("max buffered seconds must be positive: %d", s.MaxBufferedSeconds)
	}
	if s.DefaultFormat != "wav" && s.DefaultFormat != "pcm" {
		return fmt.Errorf("invalid stream format %q (want wav or pcm)", s.DefaultFormat)
	}

	if c.Voices.Dir == "" {
		return fmt.Errorf("voices directory must be provided")
	}

	if c.Storage.Enabled && c.Storage.DBPath == "" {
		return fmt.Errorf("DB path must be provided when storage is enabled")
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("NATS URL must be provided when NATS is enabled")
	}

	return nil
}

// Address returns the HTTP listen address
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty items
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
