// Command fraiseclient runs a single streaming query against a Postgres
// backend and writes each decoded JSON value to stdout, one per line. It
// exists to exercise fraisewire end to end, not as a production tool.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	fraisewire "github.com/fraiseql/fraiseql-wire"
)

func main() {
	configPath := flag.String("config", "fraiseclient.yaml", "path to configuration file")
	queryOverride := flag.String("query", "", "override the query in the config file")
	flag.Parse()

	logger := slog.Default()

	cfg, err := Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *queryOverride != "" {
		cfg.Query = *queryOverride
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, cancelling stream", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fraiseclient failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	sslMode, err := parseSslMode(cfg.SslMode)
	if err != nil {
		return err
	}

	connCfg := fraisewire.NewConnectionConfig(cfg.Database, cfg.Username,
		fraisewire.WithPassword(cfg.Password),
		fraisewire.WithSslMode(sslMode),
		fraisewire.WithConnectTimeout(cfg.ConnectTimeout),
		fraisewire.WithApplicationName("fraiseclient"),
		fraisewire.WithLogger(logger),
	)

	var tlsCfg *fraisewire.TlsConfig
	if sslMode != fraisewire.SslDisable {
		tlsCfg, err = fraisewire.NewTlsConfig(
			fraisewire.WithHostnameVerification(sslMode == fraisewire.SslVerifyFull),
		)
		if err != nil {
			return fmt.Errorf("building TLS config: %w", err)
		}
	}

	conn, err := fraisewire.Connect(ctx, cfg.Host, cfg.Port, connCfg, tlsCfg, nil)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	opts := fraisewire.DefaultStreamingOptions()
	opts.ChunkSize = cfg.ChunkSize
	if cfg.MaxMemoryBytes > 0 {
		opts.MaxMemory = &cfg.MaxMemoryBytes
	}

	stream, err := conn.StreamQuery(ctx, cfg.Query, opts)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	count := 0
	for {
		value, ok, err := stream.Next(ctx)
		if err != nil {
			return fmt.Errorf("streaming row %d: %w", count, err)
		}
		if !ok {
			break
		}
		if err := encoder.Encode(value); err != nil {
			return fmt.Errorf("encoding row %d: %w", count, err)
		}
		count++
	}

	logger.Info("stream finished", "rows", count)
	return nil
}

func parseSslMode(s string) (fraisewire.SslMode, error) {
	switch s {
	case "", "disable":
		return fraisewire.SslDisable, nil
	case "require":
		return fraisewire.SslRequire, nil
	case "verify-ca":
		return fraisewire.SslVerifyCa, nil
	case "verify-full":
		return fraisewire.SslVerifyFull, nil
	default:
		return 0, fmt.Errorf("unsupported ssl_mode %q", s)
	}
}
