// Package config loads evo's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Engines understood by Engine.Default.
const (
	EngineStarlark = "starlark"
	EngineDocker   = "docker"
)

type Config struct {
	Model      ModelConfig      `yaml:"model"`
	Engine     EngineConfig     `yaml:"engine"`
	Store      StoreConfig      `yaml:"store"`
	Server     ServerConfig     `yaml:"server"`
	Workspaces WorkspacesConfig `yaml:"workspaces"`
	Scripts    ScriptsConfig    `yaml:"scripts"`
	Agent      AgentConfig      `yaml:"agent"`
	Log        LogConfig        `yaml:"log"`
}

type ModelConfig struct {
	Name   string `yaml:"name"`
	APIKey string `yaml:"api_key"`
}

type EngineConfig struct {
	// Default names the primary engine. Starlark is always available;
	// docker also enables python scripts.
	Default  string `yaml:"default"`
	MaxSteps uint64 `yaml:"max_steps"`
	Docker   struct {
		Enabled bool   `yaml:"enabled"`
		Image   string `yaml:"image"`
	} `yaml:"docker"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
	// Transcripts, when set, also receives one JSONL transcript per run.
	Transcripts string `yaml:"transcripts"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AuthSecret, when set, requires HS256 bearer tokens on the API.
	AuthSecret  string        `yaml:"auth_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type WorkspacesConfig struct {
	// Root holds one directory per run.
	Root string `yaml:"root"`
}

type ScriptsConfig struct {
	// Dir, when set, holds extra scripts consulted after the database.
	Dir string `yaml:"dir"`
}

type AgentConfig struct {
	MaxTurns       int `yaml:"max_turns"`
	WriterMaxTurns int `yaml:"writer_max_turns"`
	// ContextChars bounds the ephemeral transcript sent to the model.
	ContextChars int `yaml:"context_chars"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Journal bool   `yaml:"journal"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	c := Config{
		Model:      ModelConfig{Name: "gemini-2.5-flash"},
		Engine:     EngineConfig{Default: EngineStarlark, MaxSteps: 10_000_000},
		Store:      StoreConfig{Path: "evo.db"},
		Server:     ServerConfig{Addr: ":8080", TokenExpiry: 24 * time.Hour},
		Workspaces: WorkspacesConfig{Root: "workspaces"},
		Agent:      AgentConfig{MaxTurns: 100, WriterMaxTurns: 30, ContextChars: 400_000},
		Log:        LogConfig{Level: "info"},
	}
	c.Engine.Docker.Image = "python:3.12-slim"
	return c
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Model.APIKey, "GEMINI_API_KEY")
	set(&c.Model.Name, "EVO_MODEL")
	set(&c.Store.Path, "EVO_DB")
	set(&c.Engine.Default, "EVO_ENGINE")
	set(&c.Server.Addr, "EVO_ADDR")
	set(&c.Server.AuthSecret, "EVO_AUTH_SECRET")
	set(&c.Log.Level, "EVO_LOG_LEVEL")
	if v := getenv("EVO_MAX_TURNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EVO_MAX_TURNS: %w", err)
		}
		c.Agent.MaxTurns = n
	}
	if c.Engine.Default == EngineDocker {
		c.Engine.Docker.Enabled = true
	}
	return nil
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	switch c.Engine.Default {
	case EngineStarlark:
	case EngineDocker:
		if !c.Engine.Docker.Enabled {
			return fmt.Errorf("engine.default is docker but engine.docker.enabled is false")
		}
	default:
		return fmt.Errorf("unknown engine %q", c.Engine.Default)
	}
	if c.Server.AuthSecret != "" && len(c.Server.AuthSecret) < 16 {
		return fmt.Errorf("server.auth_secret must be at least 16 bytes")
	}
	if c.Agent.MaxTurns < 0 || c.Agent.WriterMaxTurns < 0 {
		return fmt.Errorf("turn limits must not be negative")
	}
	return nil
}
