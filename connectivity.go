package itemsync

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Replayer drains queued writes. *Outbox implements it.
type Replayer interface {
	ReplayPending(ctx context.Context) ReplayReport
}

// ============================================================================
// Observer
// ============================================================================

// Observer owns the online/offline flag. Entering online triggers exactly one
// replay; entering offline only flips the flag. Repeating the current state is
// not a transition.
type Observer struct {
	replayer Replayer
	emitter  *Emitter
	logger   *slog.Logger
	metrics  *Metrics

	mu     sync.RWMutex
	online bool
}

type ObserverOption func(*Observer)

// WithReplayer sets what is replayed on entering online.
func WithReplayer(r Replayer) ObserverOption {
	return func(o *Observer) { o.replayer = r }
}

// WithInitialState sets the state before the first signal. Defaults to online.
func WithInitialState(online bool) ObserverOption {
	return func(o *Observer) { o.online = online }
}

func WithObserverLogger(logger *slog.Logger) ObserverOption {
	return func(o *Observer) { o.logger = logger }
}

func WithObserverMetrics(m *Metrics) ObserverOption {
	return func(o *Observer) { o.metrics = m }
}

func WithObserverEmitter(e *Emitter) ObserverOption {
	return func(o *Observer) { o.emitter = e }
}

func NewObserver(opts ...ObserverOption) *Observer {
	o := &Observer{online: true}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "connectivity")
	o.metrics.setOnline(o.online)
	return o
}

func (o *Observer) Online() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.online
}

// Set records a connectivity signal and reports whether it was a transition.
// On an offline to online transition it returns after the replay finished.
func (o *Observer) Set(ctx context.Context, online bool) bool {
	o.mu.Lock()
	if o.online == online {
		o.mu.Unlock()
		return false
	}
	o.online = online
	o.mu.Unlock()

	o.metrics.setOnline(online)
	if !online {
		o.logger.Info("connectivity lost")
		o.emitter.emit(HookOffline, nil)
		return true
	}

	o.logger.Info("connectivity restored")
	o.emitter.emit(HookOnline, nil)
	if o.replayer != nil {
		o.replayer.ReplayPending(ctx)
	}
	return true
}

// Run consumes signals until the channel is closed or ctx is done.
func (o *Observer) Run(ctx context.Context, signals <-chan bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online, ok := <-signals:
			if !ok {
				return nil
			}
			o.Set(ctx, online)
		}
	}
}

// ============================================================================
// Prober
// ============================================================================

const DefaultProbeInterval = 5 * time.Second

// Prober turns periodic requests against the list endpoint into connectivity
// signals. Any HTTP response counts as online; a transport error as offline.
type Prober struct {
	url        string
	interval   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

type ProberOption func(*Prober)

func WithProbeInterval(d time.Duration) ProberOption {
	return func(p *Prober) { p.interval = d }
}

func WithProbeHTTPClient(c *http.Client) ProberOption {
	return func(p *Prober) { p.httpClient = c }
}

func WithProberLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) { p.logger = logger }
}

func NewProber(baseURL string, opts ...ProberOption) *Prober {
	p := &Prober{
		url:        strings.TrimRight(baseURL, "/") + itemsPath + "?page=1&limit=1",
		interval:   DefaultProbeInterval,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "prober")
	return p
}

// Probe performs one check.
func (p *Prober) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "error", err)
		return false
	}
	resp.Body.Close()
	return true
}

// Signals probes immediately and then every interval. The channel is closed
// once ctx is done.
func (p *Prober) Signals(ctx context.Context) <-chan bool {
	out := make(chan bool)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			online := p.Probe(ctx)
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- online:
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
