package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/history"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		output     = flag.String("output", "", "Parquet file to write, - for stdout")
		since      = flag.String("since", "", "Export records created at or after this RFC3339 time")
		until      = flag.String("until", "", "Export records created before this RFC3339 time")
		providerID = flag.String("provider", "", "Export records of this provider only")
		status     = flag.String("status", "", "Export records with this status only (pending, success, error)")
		limit      = flag.Int("limit", 0, "Maximum number of records, 0 for all")
		payloads   = flag.Bool("payloads", false, "Include request and response documents (contains personal data)")
		rowGroup   = flag.Int("row-group", 10000, "Rows per Parquet row group")
	)
	flag.Parse()

	if *output == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --output history.parquet --since 2024-03-01T00:00:00Z\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --output - --provider gigachat --status error\n", os.Args[0])
		os.Exit(1)
	}

	filter, err := buildFilter(*since, *until, *providerID, *status, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid filter: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: "console",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	// The logger writes to stdout, which carries the export
	if *output == "-" {
		log = logger.NewNop()
	}

	if cfg.Database.DSN == "" {
		fmt.Fprintln(os.Stderr, "History export needs database.dsn to be configured")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, filter, *output, history.ExportOptions{
		IncludePayloads: *payloads,
		RowGroupSize:    *rowGroup,
	}, log); err != nil {
		fmt.Fprintf(os.Stderr, "History export failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, filter history.Filter, output string, opts history.ExportOptions, log *logger.Logger) error {
	db, err := storage.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := history.NewSQLStore(ctx, db, log, false)
	if err != nil {
		return err
	}

	start := time.Now()
	records, err := store.List(ctx, filter)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	n, err := history.ExportParquet(w, records, opts)
	if err != nil {
		return err
	}

	log.Info("History exported",
		zap.Int("rows", n),
		zap.String("output", output),
		zap.Bool("payloads", opts.IncludePayloads),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func buildFilter(since, until, provider, status string, limit int) (history.Filter, error) {
	filter := history.Filter{
		Provider: provider,
		Status:   history.Status(status),
		Limit:    limit,
	}
	switch filter.Status {
	case "", history.StatusPending, history.StatusSuccess, history.StatusError:
	default:
		return filter, fmt.Errorf("unknown status %q", status)
	}

	var err error
	if since != "" {
		if filter.Since, err = time.Parse(time.RFC3339, since); err != nil {
			return filter, fmt.Errorf("--since: %w", err)
		}
	}
	if until != "" {
		if filter.Until, err = time.Parse(time.RFC3339, until); err != nil {
			return filter, fmt.Errorf("--until: %w", err)
		}
	}
	return filter, nil
}
