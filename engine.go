package itemsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// EngineConfig injects the dependencies of an Engine. Gateway and Storage are
// required.
type EngineConfig struct {
	Gateway Gateway
	Storage Storage
	Logger  *slog.Logger
	Metrics *Metrics
	// PageSize is used until a cursor has been persisted.
	PageSize int
	// Signals feeds the connectivity observer. When nil and Prober is set,
	// the prober's signals are used; when both are nil the state stays as
	// set by Observer().Set.
	Signals <-chan bool
	Prober  *Prober
	// InitialOnline is the state before the first signal. Defaults to true.
	InitialOnline *bool
	// DisablePush skips subscribing to the push feed in Start.
	DisablePush bool
}

// Engine is the process-scoped composition of cache, reconciler, outbox and
// connectivity observer. Build it once, Start it, and Close it on shutdown.
type Engine struct {
	cfg        EngineConfig
	logger     *slog.Logger
	metrics    *Metrics
	cache      *Cache
	reconciler *Reconciler
	outbox     *Outbox
	observer   *Observer
	emitter    *Emitter

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewEngine restores cached state and the pending queue from cfg.Storage.
// When the gateway is a *Client without a token, a persisted token is
// installed on it.
func NewEngine(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("itemsync: engine requires a gateway")
	}
	if cfg.Storage == nil {
		return nil, errors.New("itemsync: engine requires storage")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		metrics: cfg.Metrics,
		cache:   NewCache(cfg.Storage),
		emitter: NewEmitter(logger),
	}

	if client, ok := cfg.Gateway.(*Client); ok && client.Token() == "" {
		token, err := e.cache.LoadToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("load token: %w", err)
		}
		if token != "" {
			client.SetToken(token)
		}
	}

	reconciler, err := NewReconciler(ctx, cfg.Gateway, e.cache,
		WithReconcilerLogger(logger),
		WithReconcilerMetrics(cfg.Metrics),
		WithPageSize(cfg.PageSize),
	)
	if err != nil {
		return nil, err
	}

	initial := true
	if cfg.InitialOnline != nil {
		initial = *cfg.InitialOnline
	}
	observer := NewObserver(
		WithInitialState(initial),
		WithObserverLogger(logger),
		WithObserverMetrics(cfg.Metrics),
		WithObserverEmitter(e.emitter),
	)

	outbox, err := NewOutbox(ctx, cfg.Gateway, e.cache, reconciler,
		WithConnectivity(observer),
		WithOutboxLogger(logger),
		WithOutboxMetrics(cfg.Metrics),
		WithOutboxEmitter(e.emitter),
	)
	if err != nil {
		reconciler.Close()
		return nil, err
	}
	observer.replayer = outbox

	e.reconciler = reconciler
	e.observer = observer
	e.outbox = outbox
	return e, nil
}

func (e *Engine) Reconciler() *Reconciler { return e.reconciler }
func (e *Engine) Outbox() *Outbox         { return e.outbox }
func (e *Engine) Observer() *Observer     { return e.observer }
func (e *Engine) Cache() *Cache           { return e.cache }
func (e *Engine) Metrics() *Metrics       { return e.metrics }

// On registers a lifecycle hook (see the Hook* constants).
func (e *Engine) On(event string, handler HookFunc) {
	e.emitter.On(event, handler)
}

// Start launches the push consumer and the connectivity loop, and replays
// restored writes if the backend is considered online.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return errors.New("itemsync: engine already started")
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	e.cancel = cancel
	e.group = g

	if !e.cfg.DisablePush {
		g.Go(func() error {
			e.pushLoop(gctx)
			return nil
		})
	}

	signals := e.cfg.Signals
	if signals == nil && e.cfg.Prober != nil {
		signals = e.cfg.Prober.Signals(gctx)
	}
	if signals != nil {
		g.Go(func() error {
			e.observer.Run(gctx, signals)
			return nil
		})
	}

	if e.observer.Online() && e.outbox.Len() > 0 {
		g.Go(func() error {
			e.outbox.ReplayPending(gctx)
			return nil
		})
	}

	e.logger.Info("engine started", "push", !e.cfg.DisablePush, "signals", signals != nil,
		"pending", e.outbox.Len())
	return nil
}

// pushLoop keeps a subscription open until ctx is done. A failed subscribe
// or a feed that gave up is retried with backoff.
func (e *Engine) pushLoop(ctx context.Context) {
	cfg := DefaultRealtimeConfig()
	cfg.MaxReconnectAttempts = -1
	recon := newReconnector(&cfg)

	for {
		stream, err := e.cfg.Gateway.Subscribe(ctx)
		if err == nil {
			recon.markConnected()
			err = e.reconciler.Run(ctx, stream.Events())
			stream.Close()
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			e.logger.Warn("push stream ended")
		} else {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("push subscribe failed", "error", err)
		}

		delay := recon.nextDelay()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Save routes the item through the outbox.
func (e *Engine) Save(ctx context.Context, item Item) (SaveOutcome, error) {
	return e.outbox.Save(ctx, item)
}

// Delete removes the item server-side and then from the cache. Deletes are
// not queued. A not-found response still removes the cached entry and is
// returned to the caller.
func (e *Engine) Delete(ctx context.Context, id string) error {
	err := e.cfg.Gateway.Delete(ctx, id)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if applyErr := e.reconciler.ApplyEvent(ctx, Event{Kind: EventDeleted, Item: Item{ID: id}}); applyErr != nil {
		return applyErr
	}
	return err
}

// Visible returns the cached set with pending writes overlaid.
func (e *Engine) Visible() []VisibleItem {
	return e.reconciler.Visible(e.outbox.Pending())
}

// Login authenticates through the gateway (which must be a *Client) and
// persists the token.
func (e *Engine) Login(ctx context.Context, username, password string) (string, error) {
	client, ok := e.cfg.Gateway.(*Client)
	if !ok {
		return "", errors.New("itemsync: login requires an HTTP client gateway")
	}
	token, err := client.Login(ctx, username, password)
	if err != nil {
		return "", err
	}
	if err := e.cache.SaveToken(ctx, token); err != nil {
		return token, fmt.Errorf("persist token: %w", err)
	}
	return token, nil
}

// Close stops background work and discards in-flight page loads. It is safe
// to call more than once. Storage is left open for its owner to close.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel, group := e.cancel, e.group
	e.mu.Unlock()

	e.reconciler.Close()
	if cancel != nil {
		cancel()
		group.Wait()
	}
	e.emitter.removeAll()
	e.logger.Info("engine closed")
	return nil
}
