// Package config defines the task queue engine's application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server   ServerConfig  `json:"server" yaml:"server"`
	Queue    QueueConfig   `json:"queue" yaml:"queue"`
	Agents   []AgentConfig `json:"agents" yaml:"agents"`
	DataDir  string        `json:"data_dir" yaml:"data_dir"`
	LogLevel string        `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the Control API's HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// QueueConfig carries the spec §6 configuration inputs. The daemon uses
// StoreEndpoint to pick the store backend, TimeoutPerTask to size the agent
// invoker's HTTP client timeout, and DebugMode to switch logging to debug
// level. MaxConcurrency, RetryCount and RetryDelay are loaded but not applied
// to queues: a new queue takes its settings from the create request, with
// queue.DefaultSettings filling any unset field.
type QueueConfig struct {
	StoreEndpoint  string `json:"store_endpoint" yaml:"store_endpoint"` // "" (memory), "sqlite://path", or a redis URL
	MaxConcurrency int    `json:"max_concurrency" yaml:"max_concurrency"`
	RetryCount     int    `json:"retry_count" yaml:"retry_count"`
	RetryDelay     int    `json:"retry_delay" yaml:"retry_delay"`           // milliseconds
	TimeoutPerTask int    `json:"timeout_per_task" yaml:"timeout_per_task"` // milliseconds
	DebugMode      bool   `json:"debug_mode" yaml:"debug_mode"`
}

// AgentConfig registers one worker agent's endpoint with the daemon.
type AgentConfig struct {
	ID       string `json:"id" yaml:"id"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns a config with the spec §3 scheduling defaults and an
// in-process memory store.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":9090"},
		Queue: QueueConfig{
			MaxConcurrency: 3,
			RetryCount:     3,
			RetryDelay:     2000,
			TimeoutPerTask: 300000,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file over DefaultConfig's baseline.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads an optional .env file and overlays namespaced
// TASKQUEUE_* environment variables onto cfg, mutating it in place.
// Grounded on minhyannv-task-go/internal/config/loader.go's LoadFromEnv:
// best-effort .env load, then one conditional os.Getenv per field.
func (c *Config) LoadFromEnv() {
	_ = godotenv.Load()

	if addr := os.Getenv("TASKQUEUE_SERVER_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if endpoint := os.Getenv("TASKQUEUE_STORE_ENDPOINT"); endpoint != "" {
		c.Queue.StoreEndpoint = endpoint
	}
	if v := os.Getenv("TASKQUEUE_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxConcurrency = n
		}
	}
	if v := os.Getenv("TASKQUEUE_RETRY_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.RetryCount = n
		}
	}
	if v := os.Getenv("TASKQUEUE_RETRY_DELAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.RetryDelay = n
		}
	}
	if v := os.Getenv("TASKQUEUE_TIMEOUT_PER_TASK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.TimeoutPerTask = n
		}
	}
	if v := os.Getenv("TASKQUEUE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Queue.DebugMode = b
		}
	}
	if v := os.Getenv("TASKQUEUE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TASKQUEUE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}
