// Command pagedb inspects and maintains an inventory store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
	"github.com/maruel/pagedb/internal/storage"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	flag "github.com/spf13/pflag"
)

const usage = `Usage: pagedb [flags] <command>

Commands:
  stats          print per table counters
  seed           create the missing tables
  dump <table>   print the rows of a table as JSON lines
  compact        rewrite every table file
  watch          keep the store open, reloading the log level on config change

Flags:
`

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "pagedb: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	dataDir := flag.String("data-dir", "./data", "Data directory")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	printSchema := flag.Bool("print-schema", false, "Print the JSON schema of the config file and exit")
	statsEvery := flag.Duration("stats-interval", time.Minute, "Period of the stats log line in watch mode")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *printSchema {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(storage.ConfigSchema())
	}
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:       ll,
		TimeFormat:  "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:     !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: dropZero,
	}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	cfg, err := storage.LoadConfig(*dataDir)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	l, err := storage.ParseLogLevel(level)
	if err != nil {
		return err
	}
	ll.Set(l)

	store, err := storage.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	err = run(ctx, store, cfg, ll, *logLevel != "", *statsEvery, args)
	if err2 := store.Close(context.WithoutCancel(ctx)); err2 != nil {
		err = errors.Join(err, fmt.Errorf("failed to close store: %w", err2))
	}
	return err
}

func run(ctx context.Context, store *storage.Store, cfg *storage.Config, ll *slog.LevelVar, pinnedLevel bool, statsEvery time.Duration, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "stats", "seed", "compact", "watch":
		if len(rest) != 0 {
			return fmt.Errorf("%s: unexpected arguments: %v", cmd, rest)
		}
	case "dump":
		if len(rest) != 1 {
			return errors.New("dump: expected one table name")
		}
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	switch cmd {
	case "stats":
		return printStats(store)
	case "seed":
		for _, name := range store.Tables() {
			fmt.Println(name)
		}
		return nil
	case "dump":
		return store.Dump(ctx, rest[0], os.Stdout)
	case "compact":
		if err := store.Compact(ctx); err != nil {
			return err
		}
		return printStats(store)
	default:
		return watch(ctx, store, cfg, ll, pinnedLevel, statsEvery)
	}
}

func printStats(store *storage.Store) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tFORMAT\tCOMPRESSION\tCACHE\tWRITE\tROWS\tBYTES\tCOMPACT%\tSEQ\tSEQ2")
	for _, st := range store.Stats() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%.1f\t%d\t%d\n",
			st.Name, st.Format, st.Compression, st.Caching, st.Write,
			st.RecordCount, st.DataLength, st.CompactPercent, st.Sequence, st.SecondarySequence)
	}
	return w.Flush()
}

// watch blocks until ctx is canceled. Config file changes update the log
// level unless it was set on the command line.
func watch(ctx context.Context, store *storage.Store, cfg *storage.Config, ll *slog.LevelVar, pinnedLevel bool, statsEvery time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	// Watch the directory: editors replace the file rather than write it.
	if err := w.Add(cfg.DataDir); err != nil {
		return err
	}
	path := storage.ConfigPath(cfg.DataDir)
	t := time.NewTicker(statsEvery)
	defer t.Stop()
	slog.InfoContext(ctx, "Watching", "config", path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			for _, st := range store.Stats() {
				slog.DebugContext(ctx, "Table", "name", st.Name, "rows", st.RecordCount, "bytes", st.DataLength, "dirty", st.Dirty, "cached", st.Cached)
			}
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) || !event.Has(fsnotify.Write|fsnotify.Create) || pinnedLevel {
				continue
			}
			next, err := storage.LoadConfig(cfg.DataDir)
			if err != nil {
				slog.WarnContext(ctx, "Ignoring invalid config", "err", err)
				continue
			}
			if l, err := storage.ParseLogLevel(next.LogLevel); err == nil && l != ll.Level() {
				ll.Set(l)
				slog.InfoContext(ctx, "Log level changed", "level", l.String())
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching config", "err", err)
		}
	}
}

// dropZero removes zero-valued attributes from log lines.
func dropZero(_ []string, a slog.Attr) slog.Attr {
	skip := false
	switch t := a.Value.Any().(type) {
	case string:
		skip = t == ""
	case bool:
		skip = !t
	case uint64:
		skip = t == 0
	case int64:
		skip = t == 0
	case float64:
		skip = t == 0
	case time.Time:
		skip = t.IsZero()
	case time.Duration:
		skip = t == 0
	case nil:
		skip = true
	}
	if skip {
		return slog.Attr{}
	}
	return a
}
