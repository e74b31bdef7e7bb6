package store

import (
	"context"
	"fmt"
)

// Drivers accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Driver      string `yaml:"driver" json:"driver"`
	Path        string `yaml:"path" json:"path"`
	RedisURL    string `yaml:"redis_url" json:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix" json:"redis_prefix"`
}

// Open returns the backend named by opts.Driver. An empty driver means
// SQLite.
func Open(ctx context.Context, opts Options) (QueueStore, error) {
	switch opts.Driver {
	case "", DriverSQLite:
		if opts.Path == "" {
			return nil, fmt.Errorf("sqlite store: empty path")
		}
		s, err := New(opts.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverRedis:
		if opts.RedisURL == "" {
			return nil, fmt.Errorf("redis store: empty url")
		}
		r, err := NewRedis(ctx, opts.RedisURL, opts.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
}
