// Package wschannel is the duplex notification channel between the engine
// and the remote service. Inbound frames are payload-free invalidation
// signals; outbound frames are application messages that are queued until
// the connection is ready and then written in program order.
//
// A Channel is single-use: once Disconnected it stays Disconnected. The
// Reconnector builds a fresh Channel for every connection attempt.
package wschannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
	"github.com/c0deZ3R0/go-statesync/logging"
)

const component = "transport/wschannel"

// DefaultCachePrefix marks a target as naming a cache, e.g. "cache:visassets".
const DefaultCachePrefix = "cache:"

// TargetState is the target of a full-document invalidation.
const TargetState = "state"

var (
	// ErrDisconnected is returned by Send once the channel is Disconnected.
	ErrDisconnected = errors.New("wschannel: disconnected")
	// ErrAlreadyStarted is returned by a second call to Connect.
	ErrAlreadyStarted = errors.New("wschannel: connect already called")
)

// State is the connection state of a Channel.
type State int32

const (
	Connecting State = iota
	Ready
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// SignalKind discriminates invalidation signals.
type SignalKind int

const (
	// StateSignal asks for a full-state re-pull.
	StateSignal SignalKind = iota
	// CacheSignal asks for a re-pull of the cache named in Signal.Cache.
	CacheSignal
)

// Signal is a decoded invalidation frame.
type Signal struct {
	Kind  SignalKind
	Cache string
}

func (s Signal) String() string {
	if s.Kind == CacheSignal {
		return "cache:" + s.Cache
	}
	return TargetState
}

// Announcement is the first frame a client sends after the handshake.
type Announcement struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

// AnnouncementType is the Type of an Announcement frame.
const AnnouncementType = "announce"

type frame struct {
	Target string `json:"target"`
}

// Channel is one websocket connection to the remote service.
type Channel struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	clientID     string
	cachePrefix  string
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger
	onSignal     func(Signal)
	onState      []func(State)

	// mu serializes state transitions, queueing and every data frame write,
	// which is what keeps outbound frames in program order.
	mu      sync.Mutex
	state   State
	started bool
	queue   [][]byte
	conn    *websocket.Conn
	err     error

	done chan struct{}
}

// New creates a Channel in the Connecting state. Nothing is dialed until
// Connect is called; frames sent before that are queued.
func New(url string, opts ...Option) *Channel {
	c := &Channel{
		url:          url,
		dialer:       websocket.DefaultDialer,
		clientID:     uuid.NewString(),
		cachePrefix:  DefaultCachePrefix,
		writeTimeout: 10 * time.Second,
		pingInterval: 30 * time.Second,
		state:        Connecting,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.WithComponent(logging.Component(component)).Logger
	}
	c.logger = c.logger.With(slog.String("client_id", c.clientID))
	return c
}

// ClientID returns the identifier sent in the announcement frame.
func (c *Channel) ClientID() string {
	return c.clientID
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the channel becomes Disconnected.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the channel disconnected, or nil.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connect dials, sends the announcement, flushes the queue and moves the
// channel to Ready. ctx bounds the handshake only. On failure the channel is
// Disconnected.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return ErrDisconnected
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	c.logger.Debug("dialing", slog.String("url", c.url))
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		err = syncErrors.E(syncErrors.Op("wschannel.Connect"), syncErrors.NewNetworkError(syncErrors.OpTransport, err))
		c.disconnect(err)
		return err
	}

	announce, err := json.Marshal(Announcement{Type: AnnouncementType, ClientID: c.clientID})
	if err != nil {
		conn.Close()
		c.disconnect(err)
		return err
	}

	c.mu.Lock()
	if c.state != Connecting {
		// closed while dialing
		c.mu.Unlock()
		conn.Close()
		return ErrDisconnected
	}
	c.conn = conn
	if err := c.writeLocked(announce); err != nil {
		c.mu.Unlock()
		c.disconnect(err)
		return err
	}
	for _, msg := range c.queue {
		if err := c.writeLocked(msg); err != nil {
			c.mu.Unlock()
			c.disconnect(err)
			return err
		}
	}
	flushed := len(c.queue)
	c.queue = nil
	c.state = Ready
	c.mu.Unlock()

	c.logger.Info("channel ready", slog.Int("flushed", flushed))
	c.notifyState(Ready)

	go c.readLoop()
	if c.pingInterval > 0 {
		go c.pingLoop()
	}
	return nil
}

// Send queues v while Connecting and writes it immediately while Ready.
// Either way frames leave in the order Send was called.
func (c *Channel) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return syncErrors.E(syncErrors.Op("wschannel.Send"), syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	return c.SendRaw(data)
}

// SendRaw is Send for an already encoded frame.
func (c *Channel) SendRaw(data []byte) error {
	c.mu.Lock()
	switch c.state {
	case Connecting:
		c.queue = append(c.queue, data)
		c.mu.Unlock()
		return nil
	case Ready:
		err := c.writeLocked(data)
		c.mu.Unlock()
		if err != nil {
			c.disconnect(err)
			return syncErrors.E(syncErrors.Op("wschannel.Send"), syncErrors.NewNetworkError(syncErrors.OpTransport, err))
		}
		return nil
	default:
		c.mu.Unlock()
		return ErrDisconnected
	}
}

// Pending returns the frames still waiting for the connection to be ready.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// drain hands back frames queued on a channel that never became ready.
func (c *Channel) drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue
	c.queue = nil
	return q
}

// Close disconnects the channel. It is safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.conn != nil && c.state == Ready {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	c.mu.Unlock()
	c.disconnect(nil)
	return nil
}

func (c *Channel) writeLocked(data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) disconnect(cause error) {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	c.err = cause
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	close(c.done)
	if cause != nil {
		c.logger.Warn("channel disconnected", slog.String("error", cause.Error()))
	} else {
		c.logger.Info("channel closed")
	}
	c.notifyState(Disconnected)
}

func (c *Channel) notifyState(s State) {
	for _, fn := range c.onState {
		fn(s)
	}
}

func (c *Channel) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.disconnect(nil)
			} else {
				c.disconnect(err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.dispatch(data)
	}
}

// dispatch decodes one inbound frame and forwards recognised signals.
// Unknown or absent targets are ignored.
func (c *Channel) dispatch(data []byte) {
	sig, ok := ParseSignal(data, c.cachePrefix)
	if !ok {
		c.logger.Debug("ignoring frame", slog.Int("size", len(data)))
		return
	}
	c.logger.Debug("invalidation", slog.String("target", sig.String()))
	if c.onSignal != nil {
		c.onSignal(sig)
	}
}

// ParseSignal decodes an inbound frame. ok is false for frames that carry no
// recognised target.
func ParseSignal(data []byte, cachePrefix string) (Signal, bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Signal{}, false
	}
	switch {
	case f.Target == TargetState:
		return Signal{Kind: StateSignal}, true
	case cachePrefix != "" && strings.HasPrefix(f.Target, cachePrefix) && len(f.Target) > len(cachePrefix):
		return Signal{Kind: CacheSignal, Cache: strings.TrimPrefix(f.Target, cachePrefix)}, true
	}
	return Signal{}, false
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.disconnect(err)
				return
			}
		}
	}
}
