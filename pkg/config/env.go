package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Env holds the settings read from SEISQ_* variables.
type Env struct {
	DB         string `env:"SEISQ_DB"`
	User       string `env:"SEISQ_USER"`
	ConfigPath string `env:"SEISQ_CONFIG"`
	Store      string `env:"SEISQ_STORE"`
	RedisURL   string `env:"SEISQ_REDIS_URL"`
	LogLevel   string `env:"SEISQ_LOG_LEVEL"`
	ListenerID string `env:"SEISQ_LISTENER_ID"`
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are ignored; variables already set are not overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return e, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// ApplyEnv overlays non-empty environment settings on c.
func (c *Config) ApplyEnv(e Env) {
	if e.DB != "" {
		c.Store.Path = e.DB
	}
	if e.Store != "" {
		c.Store.Driver = e.Store
	}
	if e.RedisURL != "" {
		c.Store.RedisURL = e.RedisURL
	}
	if e.LogLevel != "" {
		c.Log.Level = e.LogLevel
	}
	if e.ListenerID != "" {
		c.Listener.ID = e.ListenerID
	}
}

// Resolve loads .env, reads the environment, then reads the config file
// named by SEISQ_CONFIG, or DefaultConfigFile when that exists, and
// overlays the environment on it.
func Resolve() (Config, Env, error) {
	if err := LoadDotEnv(); err != nil {
		return Config{}, Env{}, err
	}
	e, err := ParseEnv()
	if err != nil {
		return Config{}, e, err
	}
	cfg := Default()
	if e.ConfigPath == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			e.ConfigPath = DefaultConfigFile
		}
	}
	if e.ConfigPath != "" {
		if cfg, err = Load(e.ConfigPath); err != nil {
			return cfg, e, err
		}
	}
	cfg.ApplyEnv(e)
	return cfg, e, nil
}
