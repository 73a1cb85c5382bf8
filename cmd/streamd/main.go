// streamd is the payment-stream settlement daemon. It connects to a ledger
// JSON gateway as one processor party, drives the billing loop over the
// streams that party operates, records local settlement receipts, and
// optionally exports per-stream statements to object storage.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/paystream/pkg/archive"
	"github.com/Mindburn-Labs/paystream/pkg/billing"
	"github.com/Mindburn-Labs/paystream/pkg/config"
	"github.com/Mindburn-Labs/paystream/pkg/disclosure"
	"github.com/Mindburn-Labs/paystream/pkg/funding"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/ledger/jsonapi"
	"github.com/Mindburn-Labs/paystream/pkg/observability"
	"github.com/Mindburn-Labs/paystream/pkg/processor"
	"github.com/Mindburn-Labs/paystream/pkg/receipts"
	"github.com/Mindburn-Labs/paystream/pkg/throttle"

	_ "github.com/lib/pq"      // postgres receipt store
	_ "modernc.org/sqlite"     // sqlite receipt store, cgo-free
)

const version = "v1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the CLI. Split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runDaemon(nil, stderr)
	}
	switch args[1] {
	case "run":
		return runDaemon(args[2:], stderr)
	case "doctor":
		return runDoctor(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "streamd %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runDaemon(args[1:], stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "streamd %s - payment stream settlement daemon\n\n", version)
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  streamd <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  run      Run the settlement loop (default)")
	fmt.Fprintln(w, "  doctor   Check configuration and gateway reachability")
	fmt.Fprintln(w, "  version  Show version")
	fmt.Fprintln(w, "  help     Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "FLAGS:")
	fmt.Fprintln(w, "  -config  Path to the YAML configuration (default paystream.yaml)")
}

func runDaemon(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "paystream.yaml", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "streamd: %v\n", err)
		return 1
	}

	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := newObservability(ctx)
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	gateway, err := newGateway(cfg, logger)
	if err != nil {
		logger.Error("gateway init failed", "error", err)
		return 1
	}

	store, closeStore, err := openReceipts(ctx, cfg.Receipts)
	if err != nil {
		logger.Error("receipt store init failed", "error", err, "driver", cfg.Receipts.Driver)
		return 1
	}
	defer closeStore()

	network, bundle, err := cfg.FactoryBundle()
	if err != nil {
		logger.Error("factory disclosure missing", "error", err)
		return 1
	}

	party := ledger.Party(cfg.Gateway.Party)
	proc := processor.New(
		gateway,
		funding.NewResolver(gateway),
		disclosure.NewResolver(gateway, map[string]disclosure.Bundle{network: bundle}),
		processor.WithReceipts(store),
		processor.WithRetryPolicy(cfg.Billing.Retry),
		processor.WithObservability(obs),
		processor.WithLogger(logger),
	)

	runner := billing.NewRunner(proc, gateway, party,
		billing.WithInterval(time.Duration(cfg.Billing.IntervalMs)*time.Millisecond),
		billing.WithReadyBounds(
			time.Duration(cfg.Gateway.ReadyPollMs)*time.Millisecond,
			time.Duration(cfg.Gateway.ReadyTimeoutMs)*time.Millisecond,
		),
		billing.WithLogger(logger),
	)

	if cfg.Archive.Enabled {
		exporter, err := archive.NewFromConfig(ctx, cfg.Archive)
		if err != nil {
			logger.Error("archive init failed", "error", err)
			return 1
		}
		go exportLoop(ctx, exporter, runner, store, logger)
	}

	logger.Info("streamd starting",
		"version", version,
		"network", network,
		"party", party,
		"gateway", cfg.Gateway.BaseURL,
	)
	if err := runner.Run(ctx); err != nil {
		logger.Error("settlement loop failed", "error", err)
		return 1
	}
	return 0
}

// newObservability enables OTLP export only when an endpoint is configured in
// the environment; otherwise the provider stays inert and only slog remains.
func newObservability(ctx context.Context) (*observability.Provider, error) {
	cfg := observability.DefaultConfig()
	cfg.ServiceVersion = version
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		cfg.OTLPEndpoint = ep
		cfg.Environment = "production"
	} else {
		cfg.Enabled = false
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		cfg.Insecure = true
	}
	return observability.New(ctx, cfg)
}

func newGateway(cfg *config.Config, logger *slog.Logger) (*jsonapi.Client, error) {
	readAs := make([]ledger.Party, 0, len(cfg.Gateway.ReadAs))
	for _, p := range cfg.Gateway.ReadAs {
		readAs = append(readAs, ledger.Party(p))
	}

	var th throttle.Throttle = throttle.NoLimit{}
	switch cfg.Throttle.Mode {
	case "local":
		th = throttle.NewLocal(cfg.ThrottlePolicy())
	case "redis":
		th = throttle.NewRedis(cfg.Throttle.RedisAddr, cfg.Throttle.RedisPassword,
			cfg.Throttle.RedisDB, cfg.ThrottlePolicy())
	}

	return jsonapi.New(jsonapi.Config{
		BaseURL:           cfg.Gateway.BaseURL,
		Secret:            []byte(cfg.Gateway.JWTSecret),
		Party:             ledger.Party(cfg.Gateway.Party),
		ReadAs:            readAs,
		SubmitTimeout:     time.Duration(cfg.Gateway.SubmitTimeoutMs) * time.Millisecond,
		ReadyPollInterval: time.Duration(cfg.Gateway.ReadyPollMs) * time.Millisecond,
		ReadyTimeout:      time.Duration(cfg.Gateway.ReadyTimeoutMs) * time.Millisecond,
		MinVersion:        cfg.Gateway.MinVersion,
	}, jsonapi.WithThrottle(th), jsonapi.WithLogger(logger))
}

// openReceipts builds the configured receipt store and returns a close hook
// for the backing database, if any.
func openReceipts(ctx context.Context, cfg config.ReceiptsConfig) (receipts.Store, func(), error) {
	noop := func() {}
	switch cfg.Driver {
	case "", "memory":
		return receipts.NewMemory(), noop, nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite %q: %w", cfg.DSN, err)
		}
		store, err := receipts.NewSQLite(db)
		if err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return store, func() { _ = db.Close() }, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, noop, fmt.Errorf("ping postgres: %w", err)
		}
		return receipts.NewPostgres(db), func() { _ = db.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown receipts driver %q", cfg.Driver)
	}
}

// exportLoop publishes per-stream statements on a slow cadence. Export is
// content-addressed, so repeating a statement with no new rounds is a no-op.
func exportLoop(ctx context.Context, exporter *archive.Exporter, runner *billing.Runner, store receipts.Store, logger *slog.Logger) {
	const interval = time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		streamsDue, err := runner.Streams(ctx)
		if err != nil {
			logger.WarnContext(ctx, "statement export: listing failed", "error", err)
			continue
		}
		for _, s := range streamsDue {
			recs, err := store.ForStream(ctx, s.LineageID())
			if err != nil || len(recs) == 0 {
				continue
			}
			key, err := exporter.ExportStatement(ctx, s.LineageID(), recs)
			if err != nil {
				logger.WarnContext(ctx, "statement export failed",
					"stream", s.LineageID(), "error", err)
				continue
			}
			logger.DebugContext(ctx, "statement exported", "stream", s.LineageID(), "key", key)
		}
	}
}

func runDoctor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "paystream.yaml", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: FAIL (%v)\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "config: OK")

	if _, _, err := cfg.FactoryBundle(); err != nil {
		fmt.Fprintf(stderr, "factory disclosure: FAIL (%v)\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "factory disclosure: OK (network %s)\n", cfg.Network)

	gateway, err := newGateway(cfg, slog.Default())
	if err != nil {
		fmt.Fprintf(stderr, "gateway: FAIL (%v)\n", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gateway.Ready(ctx); err != nil {
		fmt.Fprintf(stderr, "gateway: FAIL (%v)\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "gateway: OK")
	return 0
}
