package statesync

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/go-statesync/logging"
	"github.com/c0deZ3R0/go-statesync/schema"
	"github.com/c0deZ3R0/go-statesync/transport/httpstore"
	"github.com/c0deZ3R0/go-statesync/transport/wschannel"
)

// Session wires a complete client from a Config: the HTTP store, the schema
// validator, the engine and a reconnecting notification channel whose
// signals drive the engine.
type Session struct {
	Engine    *Engine
	Store     *httpstore.Client
	Validator *schema.Validator
	Channel   *wschannel.Reconnector

	cfg    Config
	logger *slog.Logger
}

// SessionOption customises NewSession.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	logger      *slog.Logger
	engineOpts  []Option
	storeOpts   []httpstore.Option
	channelOpts []wschannel.Option
	onState     func(wschannel.State)
}

// WithSessionLogger sets the logger shared by every component.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = logger }
}

// WithEngineOptions appends engine options.
func WithEngineOptions(opts ...Option) SessionOption {
	return func(o *sessionOptions) { o.engineOpts = append(o.engineOpts, opts...) }
}

// WithStoreOptions appends HTTP store options.
func WithStoreOptions(opts ...httpstore.Option) SessionOption {
	return func(o *sessionOptions) { o.storeOpts = append(o.storeOpts, opts...) }
}

// WithChannelOptions appends options for every notification channel.
func WithChannelOptions(opts ...wschannel.Option) SessionOption {
	return func(o *sessionOptions) { o.channelOpts = append(o.channelOpts, opts...) }
}

// WithConnectivityListener observes notification channel state changes.
func WithConnectivityListener(fn func(wschannel.State)) SessionOption {
	return func(o *sessionOptions) { o.onState = fn }
}

// NewSession builds a Session. cfg is validated first.
func NewSession(cfg Config, opts ...SessionOption) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o sessionOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewLogger(cfg.Logging).WithComponent("session").Logger
	}

	storeOpts := []httpstore.Option{
		httpstore.WithLogger(o.logger),
		httpstore.WithRequestTimeout(time.Duration(cfg.RequestTimeout)),
	}
	if cfg.CSRFToken != "" {
		storeOpts = append(storeOpts, httpstore.WithCSRFToken(cfg.CSRFToken))
	}
	if cfg.CSRFHeader != "" {
		storeOpts = append(storeOpts, httpstore.WithCSRFHeader(cfg.CSRFHeader))
	}
	store := httpstore.New(cfg.BaseURL, append(storeOpts, o.storeOpts...)...)

	validator := schema.NewValidator(store,
		schema.WithLogger(o.logger),
		schema.WithFetchTimeout(time.Duration(cfg.RequestTimeout)))

	engine, err := NewEngineBuilder().
		WithStore(store).
		WithValidator(validator, cfg.SchemaID).
		WithStateValidation(cfg.StateDefinition).
		WithExpectedVersion(cfg.ExpectedVersion).
		WithPendingTimeout(time.Duration(cfg.PendingTimeout)).
		WithPreloadCaches(cfg.PreloadCaches...).
		WithLogger(o.logger).
		WithOptions(o.engineOpts...).
		Build()
	if err != nil {
		return nil, err
	}

	backoff := wschannel.DefaultBackoff()
	if d := time.Duration(cfg.Reconnect.InitialDelay); d > 0 {
		backoff.InitialDelay = d
	}
	if d := time.Duration(cfg.Reconnect.MaxDelay); d > 0 {
		backoff.MaxDelay = d
	}
	if m := cfg.Reconnect.Multiplier; m > 0 {
		backoff.Multiplier = m
	}

	chOpts := []wschannel.Option{wschannel.WithLogger(o.logger)}
	if cfg.CSRFToken != "" {
		header := cfg.CSRFHeader
		if header == "" {
			header = httpstore.DefaultCSRFHeader
		}
		chOpts = append(chOpts, wschannel.WithHeader(http.Header{header: []string{cfg.CSRFToken}}))
	}
	channel := wschannel.NewReconnector(cfg.WSURL, engine.HandleSignal, o.onState,
		wschannel.WithBackoff(backoff),
		wschannel.WithMaxAttempts(cfg.Reconnect.MaxAttempts),
		wschannel.WithResyncCaches(cfg.PreloadCaches...),
		wschannel.WithChannelOptions(append(chOpts, o.channelOpts...)...),
		wschannel.WithReconnectLogger(o.logger),
	)

	return &Session{
		Engine:    engine,
		Store:     store,
		Validator: validator,
		Channel:   channel,
		cfg:       cfg,
		logger:    o.logger,
	}, nil
}

// Run starts the engine and then keeps the notification channel connected
// and pending edits expiring until ctx is done or a component fails. A
// version mismatch or schema fetch failure returns before the channel is
// opened.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Engine.Start(ctx); err != nil {
		s.Engine.Close()
		return err
	}
	s.logger.Info("session started",
		slog.String("base_url", s.cfg.BaseURL),
		slog.Uint64("seq", s.Engine.Snapshot().Seq))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Channel.Run(gctx)
	})
	if d := time.Duration(s.cfg.PendingTimeout); d > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(d / 2)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
					if n := s.Engine.ExpirePending(); n > 0 {
						s.logger.Debug("pending edits expired", slog.Int("count", n))
					}
				}
			}
		})
	}
	err := g.Wait()
	s.Engine.Close()
	return err
}

// Send writes an application message to the remote engine over the
// notification channel.
func (s *Session) Send(v any) error {
	return s.Channel.Send(v)
}
