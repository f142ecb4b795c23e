package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/nfrund/chatsync/internal/app"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/logging"
	"github.com/nfrund/chatsync/internal/pubsub"
)

// loadConfig reads .env, the config file and the environment, then applies
// the command line overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.New()
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openClient builds and starts a client. The returned function stops it and
// flushes pending traces.
func openClient(ctx context.Context) (*app.Client, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(cfg.GetLogFormat(), cfg.GetLogLevel())

	tracing := pubsub.DefaultTracingConfig()
	tracing.Enabled = cfg.GetTracingEnabled()
	tracing.ZipkinURL = cfg.GetZipkinURL()
	tracing.ServiceVersion = version
	tracer, shutdownTracing, err := pubsub.SetupOTel(ctx, tracing)
	if err != nil {
		return nil, nil, fmt.Errorf("setup tracing: %w", err)
	}

	opts := []app.Option{app.WithLogger(logger)}
	if tracing.Enabled {
		opts = append(opts, app.WithTracer(tracer))
	}
	client, err := app.New(cfg, opts...)
	if err != nil {
		shutdownTracing()
		return nil, nil, err
	}
	if err := client.Start(ctx); err != nil {
		_ = client.Close()
		shutdownTracing()
		return nil, nil, err
	}

	return client, func() {
		if err := client.Close(); err != nil {
			logger.Warn("Client close failed", "error", err)
		}
		shutdownTracing()
	}, nil
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
