package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	Server    ServerConfig              `json:"server"`
	Databases map[string]DatabaseConfig `json:"databases"`
	Redis     RedisConfig               `json:"redis"`
	Providers map[string]ProviderConfig `json:"providers"`
	Chat      ChatConfig                `json:"chat"`
}

type ServerConfig struct {
	Address string `json:"address"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// ChatConfig bounds the orchestrator loop and the turn dispatcher.
type ChatConfig struct {
	Provider           string `json:"provider"`
	MaxToolRounds      int    `json:"max_tool_rounds"`
	TurnTimeoutSeconds int    `json:"turn_timeout_seconds"`
	ToolTimeoutSeconds int    `json:"tool_timeout_seconds"`
	HistoryLimit       int    `json:"history_limit"`
	RateLimit          int    `json:"rate_limit"`
	RateWindowSeconds  int    `json:"rate_window_seconds"`
	MinWorkers         int    `json:"min_workers"`
	MaxWorkers         int    `json:"max_workers"`
	QueueSize          int    `json:"queue_size"`
	WorkerIdleSeconds  int    `json:"worker_idle_seconds"`
}

const (
	defaultMaxToolRounds = 5
	defaultTurnTimeout   = 60
	defaultToolTimeout   = 10
	defaultHistoryLimit  = 50
	defaultRateLimit     = 20
	defaultRateWindow    = 60
	defaultMinWorkers    = 2
	defaultMaxWorkers    = 16
	defaultQueueSize     = 64
	defaultWorkerIdle    = 30
)

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8090"
	}
	if c.Chat.Provider == "" {
		c.Chat.Provider = "openai"
	}
	if c.Chat.MaxToolRounds <= 0 {
		c.Chat.MaxToolRounds = defaultMaxToolRounds
	}
	if c.Chat.TurnTimeoutSeconds <= 0 {
		c.Chat.TurnTimeoutSeconds = defaultTurnTimeout
	}
	if c.Chat.ToolTimeoutSeconds <= 0 {
		c.Chat.ToolTimeoutSeconds = defaultToolTimeout
	}
	if c.Chat.HistoryLimit <= 0 {
		c.Chat.HistoryLimit = defaultHistoryLimit
	}
	if c.Chat.RateLimit <= 0 {
		c.Chat.RateLimit = defaultRateLimit
	}
	if c.Chat.RateWindowSeconds <= 0 {
		c.Chat.RateWindowSeconds = defaultRateWindow
	}
	if c.Chat.MinWorkers <= 0 {
		c.Chat.MinWorkers = defaultMinWorkers
	}
	if c.Chat.MaxWorkers <= 0 {
		c.Chat.MaxWorkers = defaultMaxWorkers
	}
	if c.Chat.MaxWorkers < c.Chat.MinWorkers {
		c.Chat.MaxWorkers = c.Chat.MinWorkers
	}
	if c.Chat.QueueSize <= 0 {
		c.Chat.QueueSize = defaultQueueSize
	}
	if c.Chat.WorkerIdleSeconds <= 0 {
		c.Chat.WorkerIdleSeconds = defaultWorkerIdle
	}
}

// TurnTimeout returns the per-turn wall-clock budget.
func (c *ChatConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSeconds) * time.Second
}

// ToolTimeout returns the per-tool-invocation budget.
func (c *ChatConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// RateWindow returns the chat rate limiter window.
func (c *ChatConfig) RateWindow() time.Duration {
	return time.Duration(c.RateWindowSeconds) * time.Second
}

// WorkerIdleTimeout returns how long a surplus worker may sit idle.
func (c *ChatConfig) WorkerIdleTimeout() time.Duration {
	return time.Duration(c.WorkerIdleSeconds) * time.Second
}
