package wschannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
	"github.com/c0deZ3R0/go-statesync/logging"
)

// ErrMaxAttempts is returned by Reconnector.Run after MaxAttempts
// consecutive failed connection attempts.
var ErrMaxAttempts = errors.New("wschannel: reconnect attempts exhausted")

// BackoffStrategy defines how to handle reconnection delays.
type BackoffStrategy interface {
	// NextDelay returns the delay before the given (zero-based) retry.
	NextDelay(attempt int) time.Duration
	// Reset is called after a successful connection.
	Reset()
}

// ExponentialBackoff grows the delay by Multiplier per attempt, capped at
// MaxDelay.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff returns the backoff used when none is configured.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := eb.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(eb.InitialDelay) * math.Pow(mult, float64(attempt))
	if eb.MaxDelay > 0 && d > float64(eb.MaxDelay) {
		return eb.MaxDelay
	}
	return time.Duration(d)
}

func (eb *ExponentialBackoff) Reset() {}

// ReconnectOption configures a Reconnector.
type ReconnectOption func(*Reconnector)

// WithBackoff sets the delay strategy between attempts.
func WithBackoff(b BackoffStrategy) ReconnectOption {
	return func(r *Reconnector) {
		r.backoff = b
	}
}

// WithMaxAttempts bounds consecutive failed attempts. Zero means unbounded.
func WithMaxAttempts(n int) ReconnectOption {
	return func(r *Reconnector) {
		r.maxAttempts = n
	}
}

// WithChannelOptions sets the options applied to every Channel built.
func WithChannelOptions(opts ...Option) ReconnectOption {
	return func(r *Reconnector) {
		r.channelOpts = append(r.channelOpts, opts...)
	}
}

// WithResyncCaches names caches that receive a synthetic invalidation after
// every reconnection, in addition to those seen on earlier connections.
func WithResyncCaches(names ...string) ReconnectOption {
	return func(r *Reconnector) {
		for _, n := range names {
			r.caches[n] = struct{}{}
		}
	}
}

// WithReconnectLogger sets the logger.
func WithReconnectLogger(logger *slog.Logger) ReconnectOption {
	return func(r *Reconnector) {
		r.logger = logger
	}
}

// Reconnector keeps a Channel open by building a new one whenever the
// current one disconnects. Signals missed while no channel was Ready are
// recovered by emitting a state invalidation, plus one per known cache,
// after every successful connection, the first one included.
type Reconnector struct {
	url         string
	channelOpts []Option
	backoff     BackoffStrategy
	maxAttempts int
	logger      *slog.Logger
	onSignal    func(Signal)
	onState     func(State)

	mu      sync.Mutex
	current *Channel
	backlog [][]byte
	caches  map[string]struct{}
	status  Status
}

// Status summarises the reconnector for connectivity indicators.
type Status struct {
	State             State
	Connections       int
	ReconnectAttempts int
	LastConnected     time.Time
	LastError         error
}

// NewReconnector creates a Reconnector. onSignal receives the signals of
// every channel plus the synthetic resync signals; onState, if non-nil,
// observes every channel's state changes.
func NewReconnector(url string, onSignal func(Signal), onState func(State), opts ...ReconnectOption) *Reconnector {
	r := &Reconnector{
		url:      url,
		backoff:  DefaultBackoff(),
		onSignal: onSignal,
		onState:  onState,
		caches:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.WithComponent(logging.Component(component)).Logger
	}
	return r
}

// Status returns a snapshot of the connection status.
func (r *Reconnector) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Send writes v on the current channel. Between connections the frame is
// held and handed to the next channel's Connecting queue.
func (r *Reconnector) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return syncErrors.E(syncErrors.Op("wschannel.Send"), syncErrors.Component(component), syncErrors.KindInvalid, err)
	}

	r.mu.Lock()
	ch := r.current
	if ch == nil {
		r.backlog = append(r.backlog, data)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	// SendRaw may disconnect, which calls back into stateChanged
	if err := ch.SendRaw(data); err != nil {
		r.mu.Lock()
		r.backlog = append(r.backlog, data)
		r.mu.Unlock()
	}
	return nil
}

// Run connects and reconnects until ctx is done or MaxAttempts consecutive
// attempts fail.
func (r *Reconnector) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ch := r.newChannel()
		err := ch.Connect(ctx)
		if err != nil {
			failures++
			r.recordFailure(failures, err)
			r.mu.Lock()
			r.backlog = append(ch.drain(), r.backlog...)
			r.current = nil
			r.mu.Unlock()

			if r.maxAttempts > 0 && failures >= r.maxAttempts {
				return fmt.Errorf("%w after %d attempts: %v", ErrMaxAttempts, failures, err)
			}
			delay := r.backoff.NextDelay(failures - 1)
			r.logger.Warn("connect failed; retrying",
				slog.Int("attempt", failures),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		failures = 0
		r.backoff.Reset()
		r.recordConnected()
		r.resync()

		select {
		case <-ctx.Done():
			ch.Close()
			return ctx.Err()
		case <-ch.Done():
			r.mu.Lock()
			r.current = nil
			r.status.LastError = ch.Err()
			r.mu.Unlock()
			r.logger.Info("connection lost; reconnecting")
			if !sleep(ctx, r.backoff.NextDelay(0)) {
				return ctx.Err()
			}
		}
	}
}

func (r *Reconnector) newChannel() *Channel {
	opts := append([]Option{WithLogger(r.logger)}, r.channelOpts...)
	opts = append(opts,
		WithSignalHandler(r.dispatch),
		OnStateChange(r.stateChanged),
	)
	ch := New(r.url, opts...)

	r.mu.Lock()
	for _, data := range r.backlog {
		_ = ch.SendRaw(data)
	}
	r.backlog = nil
	r.current = ch
	r.mu.Unlock()
	return ch
}

func (r *Reconnector) dispatch(sig Signal) {
	if sig.Kind == CacheSignal {
		r.mu.Lock()
		r.caches[sig.Cache] = struct{}{}
		r.mu.Unlock()
	}
	if r.onSignal != nil {
		r.onSignal(sig)
	}
}

func (r *Reconnector) stateChanged(s State) {
	r.mu.Lock()
	r.status.State = s
	r.mu.Unlock()
	if r.onState != nil {
		r.onState(s)
	}
}

// resync emits the signals a client may have missed before its channel
// became Ready.
func (r *Reconnector) resync() {
	r.mu.Lock()
	names := make([]string, 0, len(r.caches))
	for n := range r.caches {
		names = append(names, n)
	}
	r.mu.Unlock()
	sort.Strings(names)

	r.logger.Info("connected; resynchronizing",
		slog.Int("connection", r.Status().Connections),
		slog.Int("caches", len(names)))
	if r.onSignal == nil {
		return
	}
	r.onSignal(Signal{Kind: StateSignal})
	for _, n := range names {
		r.onSignal(Signal{Kind: CacheSignal, Cache: n})
	}
}

func (r *Reconnector) recordFailure(attempt int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.ReconnectAttempts = attempt
	r.status.LastError = err
	r.status.State = Disconnected
}

func (r *Reconnector) recordConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Connections++
	r.status.ReconnectAttempts = 0
	r.status.LastConnected = time.Now()
	r.status.LastError = nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
