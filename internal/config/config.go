// Package config loads gateway configuration from a YAML file with an
// environment-variable overlay.
package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig    `koanf:"server"`
	Storage  StorageConfig   `koanf:"storage"`
	Backends []BackendConfig `koanf:"backends"`
	Engine   EngineConfig    `koanf:"engine"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	// Driver selects the SQL driver: sqlite or postgres.
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
	Redis  RedisConfig `koanf:"redis"`
}

// RedisConfig enables the Redis-backed message history when Addr is set.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// BackendConfig configures one LLM backend host.
type BackendConfig struct {
	Host       string `koanf:"host"` // openai, azure, anthropic
	APIKey     string `koanf:"api_key"`
	BaseURL    string `koanf:"base_url"`
	APIVersion string `koanf:"api_version"` // Azure deployments require this
	ImageModel string `koanf:"image_model"`
}

// EngineConfig carries the orchestration defaults. History depth and
// recursion depth are deliberately independent limits.
type EngineConfig struct {
	HistoryLimit   int    `koanf:"history_limit"`
	RecursionLimit int    `koanf:"recursion_limit"`
	DefaultAuthor  string `koanf:"default_author"`
	RAGTokenBudget int    `koanf:"rag_token_budget"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml (when present) and applies MODELMUX_* environment
// overrides, then fills in defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = "config.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Environment variables override file config
	if err := k.Load(env.Provider("MODELMUX_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "MODELMUX_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("storage.driver") {
		k.Set("storage.driver", "sqlite")
	}
	if !k.Exists("storage.dsn") {
		k.Set("storage.dsn", "modelmux.db")
	}
	if !k.Exists("engine.history_limit") {
		k.Set("engine.history_limit", 5)
	}
	if !k.Exists("engine.recursion_limit") {
		k.Set("engine.recursion_limit", 20)
	}
	if !k.Exists("engine.default_author") {
		k.Set("engine.default_author", "user")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute ${VAR} references in backend API keys
	for i := range cfg.Backends {
		cfg.Backends[i].APIKey = substituteEnvVars(cfg.Backends[i].APIKey)
	}

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
