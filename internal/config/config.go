package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Chat   ChatConfig   `yaml:"chat"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
}

type ChatConfig struct {
	// SearchTimeout bounds how long a session stays in Searching before
	// the engine gives up and reports that no stranger was found.
	SearchTimeout   time.Duration `yaml:"search_timeout"`
	MaxInterests    int           `yaml:"max_interests"`
	MaxPayloadBytes int64         `yaml:"max_payload_bytes"`
	SendBuffer      int           `yaml:"send_buffer"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 7069,
			Host: "0.0.0.0",
		},
		Chat: ChatConfig{
			SearchTimeout:   30 * time.Second,
			MaxInterests:    20,
			MaxPayloadBytes: 64 * 1024,
			SendBuffer:      64,
			WriteTimeout:    10 * time.Second,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Chat.SearchTimeout <= 0 {
		return fmt.Errorf("chat.search_timeout must be positive, got %s", c.Chat.SearchTimeout)
	}
	if c.Chat.SendBuffer <= 0 {
		return fmt.Errorf("chat.send_buffer must be positive, got %d", c.Chat.SendBuffer)
	}
	if c.Chat.MaxPayloadBytes <= 0 {
		return fmt.Errorf("chat.max_payload_bytes must be positive, got %d", c.Chat.MaxPayloadBytes)
	}
	return nil
}
