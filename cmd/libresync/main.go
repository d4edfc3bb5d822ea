// Command libresync is the one-shot companion to the server: it runs a
// single sync pass or exports recent readings to CSV or JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/avolkov/libresync/internal/config"
	"github.com/avolkov/libresync/internal/db"
	"github.com/avolkov/libresync/internal/export"
	"github.com/avolkov/libresync/internal/libre"
	"github.com/avolkov/libresync/internal/logging"
	"github.com/avolkov/libresync/internal/repository"
	"github.com/avolkov/libresync/internal/service"
)

const usage = `usage: libresync <command> [flags]

commands:
  sync          run a single fetch-and-store pass
  export-csv    fetch recent readings and write them as CSV
  export-json   fetch recent readings and write them as JSON
  watch         poll continuously and print averaged readings

flags for export-csv and export-json:
  -o file   output file (default: stdout)
  -n N      number of readings to export (default: LIBRE_NUM_READINGS)

flags for watch:
  -n N          samples to average per reading (default: 3)
  -i duration   delay between polls (default: 1m)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if path, ok := config.LoadDotEnv(); ok {
		fmt.Fprintf(os.Stderr, "loaded environment from %s\n", path)
	}

	cfg, _, err := config.Load()
	if err != nil {
		fatal(err)
	}
	logger, err := logging.NewLogger(cfg.Service.Name, cfg.Service.LogLevel)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "sync":
		err = runSync(ctx, cfg, logger)
	case "export-csv":
		err = runExport(ctx, cfg, logger, os.Args[2:], writeCSVExport)
	case "export-json":
		err = runExport(ctx, cfg, logger, os.Args[2:], writeJSONExport)
	case "watch":
		err = runWatch(ctx, cfg, logger, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "libresync: %v\n", err)
	if hint := hintFor(err); hint != "" {
		fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
	}
	os.Exit(1)
}

// hintFor translates well-known vendor failures into actionable advice.
func hintFor(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "bad credentials"):
		return "check LIBRE_USERNAME and LIBRE_PASSWORD"
	case strings.Contains(msg, "additional action required"):
		return "log in to the LibreLinkUp app and complete the pending step, then retry"
	case strings.Contains(msg, "follow any patients"):
		return "accept a sharing invitation in the LibreLinkUp app first"
	}
	return ""
}

func newClient(cfg *config.Config, logger *zap.Logger) *libre.Client {
	opts := []libre.Option{
		libre.WithClientVersion(cfg.Libre.ClientVersion),
		libre.WithLogger(logger),
	}
	switch {
	case cfg.Libre.ConnectionName != "":
		opts = append(opts, libre.WithSelector(libre.ByName(cfg.Libre.ConnectionName)))
	case cfg.Libre.ConnectionIndex >= 0:
		opts = append(opts, libre.WithSelector(libre.ByIndex(cfg.Libre.ConnectionIndex)))
	}
	return libre.NewClient(cfg.Libre.Username, cfg.Libre.Password, opts...)
}

func runSync(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if !cfg.HasCredentials() {
		return fmt.Errorf("LIBRE_USERNAME and LIBRE_PASSWORD are required for sync")
	}

	pool, err := db.Connect(ctx, logger, cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := repository.NewRepository(pool)
	syncer := service.NewSyncer(repo, func() service.Reader {
		return newClient(cfg, logger)
	}, nil, logger)

	res, err := syncer.Sync(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("sync %d: fetched %d readings, inserted %d new (%.2fs)\n",
		res.SyncID, res.Fetched, res.Inserted, res.Duration.Seconds())
	return nil
}

// runWatch polls the vendor on a fixed delay and prints an averaged reading
// every time enough distinct samples have been collected, until interrupted.
func runWatch(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	amount := fs.Int("n", 3, "samples to average per reading")
	interval := fs.Duration("i", time.Minute, "delay between polls")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *amount <= 0 {
		return fmt.Errorf("-n must be positive")
	}
	if *interval <= 0 {
		return fmt.Errorf("-i must be positive")
	}
	if !cfg.HasCredentials() {
		return fmt.Errorf("LIBRE_USERNAME and LIBRE_PASSWORD are required for watch")
	}

	poller := libre.NewPoller(newClient(cfg, logger), *amount, *interval,
		func(avg libre.Reading, samples, history []libre.Reading) {
			fmt.Printf("%s (averaged over %d samples)\n", avg, len(samples))
		}, logger)

	fmt.Fprintf(os.Stderr, "watching: averaging %d samples, polling every %s\n", *amount, *interval)
	poller.Run(ctx)
	return nil
}

type exportFunc func(w *os.File, readings []libre.Reading, max int) error

func writeCSVExport(w *os.File, readings []libre.Reading, max int) error {
	return export.WriteCSV(w, readings, max)
}

func writeJSONExport(w *os.File, readings []libre.Reading, max int) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(export.ToJSON(readings, max))
}

func runExport(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string, write exportFunc) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	output := fs.String("o", "", "output file (default: stdout)")
	amount := fs.Int("n", cfg.Libre.NumReadings, "number of readings to export")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *amount <= 0 {
		return fmt.Errorf("-n must be positive")
	}
	if !cfg.HasCredentials() {
		return fmt.Errorf("LIBRE_USERNAME and LIBRE_PASSWORD are required for export")
	}

	current, history, err := newClient(cfg, logger).Read(ctx)
	if err != nil {
		return err
	}
	readings := append(history, current)

	out := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if err := write(out, readings, *amount); err != nil {
		return err
	}
	if *output != "" {
		fmt.Printf("wrote %d readings to %s\n", min(len(readings), *amount), *output)
	}
	return nil
}
