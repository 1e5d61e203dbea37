package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/c0deZ3R0/go-statesync/logging"
	"github.com/c0deZ3R0/go-statesync/server"
	"github.com/c0deZ3R0/go-statesync/storage/sqlite"
)

const StatesyncdVersion = "0.1.0"

func main() {
	usage := `State document service.

Serves one state document over HTTP with a websocket channel for
invalidation signals. The document and its edit history live in SQLite.

Caches are given as name=file pairs; the file is read on first request
and re-read for every cache on SIGHUP.

Usage:
    statesyncd serve [--db=<path>] [--addr=<addr>]
        [--schemas=<dir>] [--state-schema=<id>] [--definition=<def>]
        [--csrf-token=<token>] [--history=<n>] [--cache=<entry>]...
    statesyncd history [--db=<path>] [--since=<seq>] [--limit=<n>]
    statesyncd -h | --help
    statesyncd --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --db=<path>            SQLite database file [default: statesync.db].
    --addr=<addr>          Listen address [default: :8080].
    --schemas=<dir>        Directory of <id>.json schema files.
    --state-schema=<id>    Validate replacements against this schema.
    --definition=<def>     Definition inside the state schema.
    --csrf-token=<token>   Require this anti-forgery token on writes.
    --history=<n>          Snapshots kept for undo [default: 100].
    --cache=<entry>        Named cache as name=file.
    --since=<seq>          Only entries after this sequence [default: 0].
    --limit=<n>            At most this many entries, 0 for all [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], StatesyncdVersion)
	if err != nil {
		panic(err)
	}

	logging.Init(logging.GetConfigFromEnv())

	if serve_, _ := opts.Bool("serve"); serve_ {
		err = serve(opts)
	} else if history_, _ := opts.Bool("history"); history_ {
		err = history(opts)
	}
	if err != nil {
		logging.LogError(context.Background(), err, "statesyncd failed")
		os.Exit(1)
	}
}

func openStore(opts docopt.Opts, historyLimit int) (*sqlite.Store, error) {
	path, _ := opts.String("--db")
	cfg := sqlite.DefaultConfig(path)
	cfg.HistoryLimit = historyLimit
	cfg.Logger = logging.WithComponent("storage/sqlite").Logger
	return sqlite.New(cfg)
}

func serve(opts docopt.Opts) error {
	limit, err := opts.Int("--history")
	if err != nil {
		return fmt.Errorf("--history: %w", err)
	}
	store, err := openStore(opts, limit)
	if err != nil {
		return err
	}
	defer store.Close()

	var serverOpts []server.Option
	if dir, _ := opts.String("--schemas"); dir != "" {
		serverOpts = append(serverOpts, server.WithSchemaDir(dir))
	}
	if id, _ := opts.String("--state-schema"); id != "" {
		def, _ := opts.String("--definition")
		serverOpts = append(serverOpts, server.WithStateValidation(id, def))
	}
	if token, _ := opts.String("--csrf-token"); token != "" {
		serverOpts = append(serverOpts, server.WithCSRFToken(token))
	}
	serverOpts = append(serverOpts, server.WithMessageHandler(func(clientID string, data []byte) {
		ctx := logging.ContextWithClientID(context.Background(), clientID)
		logging.Default().WithContext(ctx).InfoContext(ctx, "client message", slog.Int("size", len(data)))
	}))

	srv, err := server.New(store, serverOpts...)
	if err != nil {
		return err
	}
	defer srv.Close()

	entries, _ := opts["--cache"].([]string)
	var caches []string
	for _, entry := range entries {
		name, file, ok := strings.Cut(entry, "=")
		if !ok || file == "" {
			return fmt.Errorf("--cache %q: want name=file", entry)
		}
		if err := srv.Caches().Register(name, fileLoader(file)); err != nil {
			return err
		}
		caches = append(caches, name)
	}

	addr, _ := opts.String("--addr")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				for _, name := range caches {
					err := logging.LogOperation(ctx, logging.Operation("cache_reload"), logging.Component("cache/"+name), func() error {
						return srv.Caches().Reload(ctx, name)
					})
					if err != nil {
						continue
					}
					logging.Info("cache reloaded", slog.String("cache", name))
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logging.Info("listening", slog.String("addr", addr), slog.Int("caches", len(caches)))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("shutting down")
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func fileLoader(path string) server.Loader {
	return func(context.Context) (any, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return v, nil
	}
}

func history(opts docopt.Opts) error {
	since, err := opts.Int("--since")
	if err != nil {
		return fmt.Errorf("--since: %w", err)
	}
	limit, err := opts.Int("--limit")
	if err != nil {
		return fmt.Errorf("--limit: %w", err)
	}
	store, err := openStore(opts, 0)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.History(context.Background(), int64(since), limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tID\tOP\tPATH\tCREATED\t")
	for _, e := range entries {
		marker := ""
		if e.Current {
			marker = "<- current"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.ID, e.Op, e.Path, e.CreatedAt.Format(time.RFC3339), marker)
	}
	return w.Flush()
}
