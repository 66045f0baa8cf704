package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries everything the server needs at startup. Values come from
// an optional YAML file pointed at by CORDON_CONFIG, overridden by
// environment variables, with built-in defaults underneath.
type Config struct {
	HTTPAddr string
	DataDir  string

	// DocumentDir is scanned for *.toml configuration documents at startup
	// and watched for changes afterwards.
	DocumentDir string

	// MasterKeyDir holds one file per master key version. MasterKeyID names
	// the version used to wrap new data encryption keys.
	MasterKeyDir string
	MasterKeyID  string

	SessionTTL time.Duration
	LogLevel   string
}

// fileConfig is the YAML shape of a config file. Durations are strings
// there and get parsed on load.
type fileConfig struct {
	HTTPAddr     string `yaml:"http_addr"`
	DataDir      string `yaml:"data_dir"`
	DocumentDir  string `yaml:"document_dir"`
	MasterKeyDir string `yaml:"master_key_dir"`
	MasterKeyID  string `yaml:"master_key_id"`
	SessionTTL   string `yaml:"session_ttl"`
	LogLevel     string `yaml:"log_level"`
}

func LoadConfig() (Config, error) {
	cfg := Config{
		HTTPAddr:     "0.0.0.0:8080",
		DataDir:      "data",
		DocumentDir:  "documents",
		MasterKeyDir: "keys",
		MasterKeyID:  "v1",
		SessionTTL:   time.Hour,
		LogLevel:     "info",
	}

	if path := os.Getenv("CORDON_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
		if fc.HTTPAddr != "" {
			cfg.HTTPAddr = fc.HTTPAddr
		}
		if fc.DataDir != "" {
			cfg.DataDir = fc.DataDir
		}
		if fc.DocumentDir != "" {
			cfg.DocumentDir = fc.DocumentDir
		}
		if fc.MasterKeyDir != "" {
			cfg.MasterKeyDir = fc.MasterKeyDir
		}
		if fc.MasterKeyID != "" {
			cfg.MasterKeyID = fc.MasterKeyID
		}
		if fc.SessionTTL != "" {
			ttl, err := time.ParseDuration(fc.SessionTTL)
			if err != nil {
				return Config{}, fmt.Errorf("parse session_ttl: %w", err)
			}
			cfg.SessionTTL = ttl
		}
		if fc.LogLevel != "" {
			cfg.LogLevel = fc.LogLevel
		}
	}

	if v := os.Getenv("CORDON_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("CORDON_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CORDON_DOCUMENT_DIR"); v != "" {
		cfg.DocumentDir = v
	}
	if v := os.Getenv("CORDON_MASTER_KEY_DIR"); v != "" {
		cfg.MasterKeyDir = v
	}
	if v := os.Getenv("CORDON_MASTER_KEY_ID"); v != "" {
		cfg.MasterKeyID = v
	}
	if v := os.Getenv("CORDON_SESSION_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CORDON_SESSION_TTL: %w", err)
		}
		cfg.SessionTTL = ttl
	}
	if v := os.Getenv("CORDON_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}
