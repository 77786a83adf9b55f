package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"nexus-chat/go-e2ee/internal/channel"
	"nexus-chat/go-e2ee/internal/config"
	"nexus-chat/go-e2ee/internal/keystore"
	"nexus-chat/go-e2ee/internal/metrics"
	"nexus-chat/go-e2ee/internal/platform/privacylog"
	"nexus-chat/go-e2ee/internal/securestore"

	"github.com/prometheus/client_golang/prometheus"
)

// Runtime owns everything a process needs to run the channel manager.
type Runtime struct {
	Config   config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Store    *keystore.KeyStore
	Manager  *channel.Manager
}

type options struct {
	logOutput io.Writer
}

type Option func(*options)

// WithLogOutput sends logs to w instead of stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.logOutput = w
		}
	}
}

func DefaultLogger() *slog.Logger {
	return slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, nil)))
}

// NewLogger builds a sanitized logger from the logging config.
func NewLogger(w io.Writer, cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch cfg.Format {
	case config.FormatText:
		h = slog.NewTextHandler(w, handlerOpts)
	default:
		h = slog.NewJSONHandler(w, handlerOpts)
	}
	return slog.New(privacylog.WrapHandler(h)), nil
}

func New(cfg config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	logger, err := NewLogger(o.logOutput, cfg.Logging)
	if err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	mt, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	backend, err := openBackend(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	var storeOpts []keystore.Option
	if cfg.Passphrase != "" {
		sealer, err := securestore.NewSealer([]byte(cfg.Passphrase))
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("init sealer: %w", err)
		}
		storeOpts = append(storeOpts, keystore.WithSealer(sealer))
	} else {
		logger.Warn("no passphrase configured; key records are stored unsealed", "env", config.EnvPassphrase)
	}
	store := keystore.New(backend, storeOpts...)

	manager, err := channel.NewManager(store,
		channel.WithLogger(logger),
		channel.WithMetrics(mt),
		channel.WithKDF(cfg.Crypto.KDF),
		channel.WithPlaintextFallback(cfg.Channel.AllowPlaintextFallback),
		channel.WithWarnRate(cfg.Channel.WarnRatePerSecond, cfg.Channel.WarnBurst),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	logger.Debug("e2ee runtime ready",
		"backend", cfg.Storage.Backend,
		"kdf", string(cfg.Crypto.KDF),
		"sealed", cfg.Passphrase != "",
	)
	return &Runtime{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
		Metrics:  mt,
		Store:    store,
		Manager:  manager,
	}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.Store == nil {
		return nil
	}
	return r.Store.Close()
}

func openBackend(cfg config.StorageConfig, logger *slog.Logger) (keystore.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return keystore.NewMemoryBackend(), nil
	case config.BackendBadger:
		return keystore.OpenBadger(keystore.BadgerConfig{
			Dir:        cfg.DataDir,
			SyncWrites: cfg.SyncWrites,
			Logger:     logger,
		})
	default:
		return nil, errors.New("unknown storage backend " + cfg.Backend)
	}
}
