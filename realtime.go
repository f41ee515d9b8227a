package itemsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// pushEnvelope is the server's push frame:
// {"event":"created|updated|deleted","payload":{"item":{...}}}.
type pushEnvelope struct {
	Event   EventKind `json:"event"`
	Payload struct {
		Item Item `json:"item"`
	} `json:"payload"`
}

func decodePushFrame(data []byte) (Event, error) {
	var env pushEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode push frame: %w", err)
	}
	switch env.Event {
	case EventCreated, EventUpdated, EventDeleted:
	default:
		return Event{}, fmt.Errorf("unknown push event %q", env.Event)
	}
	return Event{Kind: env.Event, Item: env.Payload.Item}, nil
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push feed.
type RealtimeConfig struct {
	// Path is appended to the ws(s):// form of the base URL. Defaults to "/".
	Path                 string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// Buffer is the capacity of the Events channel.
	Buffer int
	// ReadLimit caps the size of one push frame in bytes. Frames carry item
	// photos inline as data URLs.
	ReadLimit int64
}

// DefaultReadLimit is the push frame size limit when none is configured.
const DefaultReadLimit = 8 << 20

// DefaultRealtimeConfig enables reconnects with the default backoff.
func DefaultRealtimeConfig() RealtimeConfig {
	cfg := RealtimeConfig{AutoReconnect: true}
	cfg.defaults()
	return cfg
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector paces redial attempts: the wait doubles per failed attempt up
// to maxDelay, plus up to half of baseDelay of random jitter. Once a
// connection has been stable for stableAfter, the attempt count starts over.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	stableAfter time.Duration

	attempt int
	upSince time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
		stableAfter: time.Minute,
	}
}

// shouldReconnect treats a negative limit as unlimited.
func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.upSince = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.upSince.IsZero() && time.Since(r.upSince) >= r.stableAfter {
		r.attempt = 0
		r.upSince = time.Time{}
	}
	delay := r.baseDelay
	for i := 0; i < r.attempt && delay < r.maxDelay; i++ {
		delay *= 2
	}
	if half := int64(r.baseDelay / 2); half > 0 {
		delay += time.Duration(rand.Int63n(half))
	}
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	r.attempt++
	return delay
}

// ============================================================================
// PushFeed
// ============================================================================

// PushFeed dials the backend's WebSocket and turns frames into Events.
type PushFeed struct {
	url    string
	token  string
	config RealtimeConfig
	logger *slog.Logger
}

// NewPushFeed creates a feed for wsURL. A nil logger means slog.Default().
func NewPushFeed(wsURL string, cfg RealtimeConfig, logger *slog.Logger) *PushFeed {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &PushFeed{url: wsURL, config: cfg, logger: logger.With("component", "push")}
}

// Subscribe dials once synchronously so that an unreachable backend is
// reported to the caller, then keeps reading (and reconnecting if configured)
// in the background until the returned stream is closed or ctx is done.
func (f *PushFeed) Subscribe(ctx context.Context) (EventStream, error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, &NetworkError{Op: "subscribe", Err: err}
	}
	f.logger.Info("push feed connected", "url", f.url)

	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		events: make(chan Event, f.config.Buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go f.run(subCtx, s, conn)
	return s, nil
}

// dial opens one connection with the configured frame size limit.
func (f *PushFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, f.url, f.dialOptions())
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(f.config.ReadLimit)
	return conn, nil
}

func (f *PushFeed) dialOptions() *websocket.DialOptions {
	if f.token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+f.token)
	return &websocket.DialOptions{HTTPHeader: h}
}

func (f *PushFeed) run(ctx context.Context, s *Subscription, conn *websocket.Conn) {
	defer close(s.done)
	defer close(s.events)

	recon := newReconnector(&f.config)
	recon.markConnected()

	for {
		err := f.readLoop(ctx, s, conn)
		conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		if isNormalClosure(err) {
			f.logger.Info("push feed closed by server")
		} else {
			f.logger.Warn("push feed disconnected", "error", err)
		}
		if !f.config.AutoReconnect {
			return
		}

		conn = nil
		for conn == nil {
			if !recon.shouldReconnect() {
				f.logger.Error("push feed giving up", "attempts", recon.attempt)
				return
			}
			delay := recon.nextDelay()
			f.logger.Info("push feed reconnecting", "attempt", recon.attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			c, dialErr := f.dial(ctx)
			if dialErr != nil {
				f.logger.Warn("push feed dial failed", "error", dialErr)
				continue
			}
			conn = c
			recon.markConnected()
			f.logger.Info("push feed reconnected")
		}
	}
}

func (f *PushFeed) readLoop(ctx context.Context, s *Subscription, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		ev, err := decodePushFrame(data)
		if err != nil {
			f.logger.Warn("skipping push frame", "error", err)
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscription is the EventStream returned by PushFeed.
type Subscription struct {
	events    chan Event
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Events yields push events in arrival order. The channel is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close ends the subscription and waits for the reader to exit.
func (s *Subscription) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

// Done is closed once the subscription has fully stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

var _ EventStream = (*Subscription)(nil)

// isNormalClosure reports whether err is a clean close initiated by either side.
func isNormalClosure(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled)
}
