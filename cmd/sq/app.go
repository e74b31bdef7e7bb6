package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/daviddao/seisq/pkg/config"
	"github.com/daviddao/seisq/pkg/logging"
	"github.com/daviddao/seisq/pkg/rpc"
	"github.com/daviddao/seisq/pkg/schema"
	"github.com/daviddao/seisq/pkg/store"
)

// app holds shared state for all CLI subcommands.
type app struct {
	store     store.QueueStore
	cfg       config.Config
	validator *schema.Validator
	log       zerolog.Logger
	logCloser io.Closer
	userID    string // default user from SEISQ_USER
}

// newApp resolves configuration, opens the store and builds the logger.
// Creates the .seisq/ directory if using the default DB path. For listen the
// store may still be starting, so opening it is retried.
func newApp(cmd string) (*app, error) {
	cfg, env, err := config.Resolve()
	if err != nil {
		return nil, err
	}
	if cfg.Store.Driver != store.DriverRedis && cfg.Store.Path == config.DefaultDB {
		if err := os.MkdirAll(config.DefaultDir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", config.DefaultDir, err)
		}
	}
	log, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	open := func(ctx context.Context) (store.QueueStore, error) {
		return store.Open(ctx, cfg.Store)
	}
	var s store.QueueStore
	if cmd == "listen" {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		s, err = openWithRetry(ctx, open, cfg.Listener.StartupMaxElapsed.Std(), logging.Component(log, "listener"))
		stop()
	} else {
		s, err = open(context.Background())
	}
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("cannot open store: %w", err)
	}
	return &app{
		store:     s,
		cfg:       cfg,
		validator: schema.NewValidator(schema.DefaultRegistry(cfg.Limits)),
		log:       log,
		logCloser: closer,
		userID:    env.User,
	}, nil
}

// openWithRetry opens the store with exponential backoff until it answers
// or maxElapsed passes. Only ErrStoreUnavailable is retried; a bad driver
// or URL fails at once.
func openWithRetry(ctx context.Context, open func(context.Context) (store.QueueStore, error), maxElapsed time.Duration, log zerolog.Logger) (store.QueueStore, error) {
	if maxElapsed <= 0 {
		return open(ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, func() (store.QueueStore, error) {
		s, err := open(ctx)
		if err != nil && !errors.Is(err, store.ErrStoreUnavailable) {
			return nil, backoff.Permanent(err)
		}
		return s, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("store not reachable yet")
		}),
	)
}

// Close releases the store and the log file.
func (a *app) Close() {
	a.store.Close()
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}

// resolveUser returns the user ID from the flag (if non-empty), falling
// back to the SEISQ_USER environment variable.
func (a *app) resolveUser(flagVal string) (string, error) {
	if flagVal != "" {
		return flagVal, nil
	}
	if a.userID != "" {
		return a.userID, nil
	}
	return "", fmt.Errorf("no user ID: pass --user or set SEISQ_USER")
}

// requestFromArgs builds a request from either a JSON-RPC body in the
// first argument or a method followed by key=value pairs.
func requestFromArgs(args []string) (rpc.Request, error) {
	if len(args) == 0 {
		return rpc.Request{}, fmt.Errorf("missing method")
	}
	if strings.HasPrefix(strings.TrimSpace(args[0]), "{") {
		req, err := rpc.ParseRequest([]byte(strings.Join(args, " ")))
		if err != nil {
			return req, err
		}
		if req.ID == "" {
			req.ID = rpc.NewRequest(req.Method, nil).ID
		}
		return req, nil
	}
	params, err := parseParams(args[1:])
	if err != nil {
		return rpc.Request{}, err
	}
	return rpc.NewRequest(args[0], params), nil
}

// parseParams turns key=value pairs into a params object. Values that
// parse as booleans or numbers are typed; anything else stays a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad parameter %q: want key=value", p)
		}
		switch {
		case v == "true" || v == "false":
			params[k] = v == "true"
		default:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				params[k] = f
			} else {
				params[k] = v
			}
		}
	}
	return params, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// compactJSON renders v on one line for human output.
func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
