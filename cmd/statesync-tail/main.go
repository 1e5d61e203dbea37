package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/docopt/docopt-go"

	statesync "github.com/c0deZ3R0/go-statesync"
	"github.com/c0deZ3R0/go-statesync/document"
	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
	"github.com/c0deZ3R0/go-statesync/logging"
	"github.com/c0deZ3R0/go-statesync/transport/wschannel"
)

const TailVersion = "0.1.0"

func main() {
	usage := `Follow a state document.

Connects to a state document service, keeps the local snapshot in sync and
prints every rotation: the sequence number and the top-level members that
changed. With --json the whole document is printed instead.

Settings come from the config file when given, then from the
STATESYNC_BASE_URL, STATESYNC_WS_URL and STATESYNC_CSRF_TOKEN environment
variables, then from the flags.

Usage:
    statesync-tail [--config=<path>] [--base-url=<url>] [--schema=<id>]
        [--expect-version=<v>] [--cache=<name>]... [--json]
    statesync-tail -h | --help
    statesync-tail --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<path>        YAML or JSON config file.
    --base-url=<url>       Service root, e.g. http://localhost:8080.
    --schema=<id>          Schema id the state is validated against.
    --expect-version=<v>   Refuse to start unless the schema declares v.
    --cache=<name>         Also follow this named cache.
    --json                 Print the full document on every rotation.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], TailVersion)
	if err != nil {
		panic(err)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logging.Init(cfg.Logging)
	logger := logging.WithComponent("tail")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.LogError(ctx, err, "tail stopped")
		if syncErrors.HasCode(err, syncErrors.ErrCodeVersionMismatch) {
			// server speaks another protocol version
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func loadConfig(opts docopt.Opts) (statesync.Config, error) {
	cfg := statesync.DefaultConfig()
	if path, _ := opts.String("--config"); path != "" {
		loaded, err := statesync.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	} else {
		cfg.Logging = logging.GetConfigFromEnv()
		cfg.ApplyEnv()
	}
	if v, _ := opts.String("--base-url"); v != "" {
		cfg.BaseURL = v
		cfg.WSURL = ""
	}
	if v, _ := opts.String("--schema"); v != "" {
		cfg.SchemaID = v
	}
	if v, _ := opts.String("--expect-version"); v != "" {
		cfg.ExpectedVersion = v
	}
	if names, ok := opts["--cache"].([]string); ok {
		cfg.PreloadCaches = append(cfg.PreloadCaches, names...)
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg statesync.Config, opts docopt.Opts, logger *logging.Logger) error {
	asJSON, _ := opts.Bool("--json")

	session, err := statesync.NewSession(cfg,
		statesync.WithSessionLogger(logger.Logger),
		statesync.WithConnectivityListener(func(s wschannel.State) {
			logger.Info("connectivity", slog.String("state", s.String()))
		}),
		statesync.WithEngineOptions(statesync.WithErrorHandler(func(op syncErrors.Operation, err error) {
			logger.LogError(ctx, err, "background operation failed", slog.String("op", string(op)))
		})))
	if err != nil {
		return err
	}

	session.Engine.Subscribe(func(s statesync.Snapshot) {
		if asJSON {
			data, _ := json.MarshalIndent(s.Current, "", "  ")
			fmt.Printf("# seq %d\n%s\n", s.Seq, data)
			return
		}
		fmt.Printf("seq %d: %s\n", s.Seq, describe(s.Previous, s.Current))
	})
	for _, name := range cfg.PreloadCaches {
		session.Engine.SubscribeCache(name, func(u statesync.CacheUpdate) {
			fmt.Printf("cache %s updated\n", u.Name)
		})
	}

	return session.Run(ctx)
}

// describe lists the top-level members that differ between two snapshots.
func describe(prev, cur document.Document) string {
	var added, removed, changed []string
	for k, v := range cur {
		old, ok := prev[k]
		switch {
		case !ok:
			added = append(added, k)
		case !document.Equal(old, v):
			changed = append(changed, k)
		}
	}
	for k := range prev {
		if _, ok := cur[k]; !ok {
			removed = append(removed, k)
		}
	}
	if len(added)+len(removed)+len(changed) == 0 {
		return "no change"
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	return fmt.Sprintf("+%v -%v ~%v", added, removed, changed)
}
