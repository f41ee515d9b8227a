package itemsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Reconciler owns the cached item set and the pagination cursor. Every
// read-modify-write-persist of that state happens under one mutex; gateway
// calls happen outside it.
type Reconciler struct {
	gateway  Gateway
	cache    *Cache
	logger   *slog.Logger
	metrics  *Metrics
	pageSize int

	mu         sync.Mutex
	items      []Item
	pagination PaginationState
	closed     bool

	group      singleflight.Group
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

type ReconcilerOption func(*Reconciler)

func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = logger }
}

func WithReconcilerMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// WithPageSize sets the limit used when no cursor was persisted yet.
func WithPageSize(n int) ReconcilerOption {
	return func(r *Reconciler) { r.pageSize = n }
}

// NewReconciler restores the cached set and cursor from cache.
func NewReconciler(ctx context.Context, gateway Gateway, cache *Cache, opts ...ReconcilerOption) (*Reconciler, error) {
	r := &Reconciler{
		gateway:  gateway,
		cache:    cache,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "reconciler")

	items, err := cache.LoadItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cached items: %w", err)
	}
	pagination, err := cache.LoadPagination(ctx, r.pageSize)
	if err != nil {
		return nil, fmt.Errorf("load pagination: %w", err)
	}
	r.items = items
	r.pagination = pagination
	r.baseCtx, r.cancelBase = context.WithCancel(context.Background())

	r.logger.Debug("restored cache", "items", len(items), "page", pagination.CurrentPage,
		"total_pages", pagination.TotalPages)
	return r, nil
}

// ============================================================================
// Reads
// ============================================================================

// Items returns a copy of the cached set in display order.
func (r *Reconciler) Items() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Item, len(r.items))
	for i, it := range r.items {
		out[i] = it.clone()
	}
	return out
}

func (r *Reconciler) Pagination() PaginationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pagination
}

// Visible returns the cached set with pending writes overlaid. The cached set
// is left as is.
func (r *Reconciler) Visible(pending []PendingWrite) []VisibleItem {
	r.mu.Lock()
	items := r.items
	r.mu.Unlock()
	return overlayPending(items, pending)
}

// ============================================================================
// Page loads
// ============================================================================

// LoadPage fetches page and merges it into the cached set. On any failure the
// cached set and cursor are left unchanged. A result that arrives after ctx is
// done or the reconciler is closed is discarded.
func (r *Reconciler) LoadPage(ctx context.Context, page int) error {
	if page < 1 {
		return &ValidationError{Fields: []string{"page"}, Message: "page must be positive"}
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	limit := r.pagination.PageSize
	r.mu.Unlock()

	r.logger.Debug("loading page", "page", page, "limit", limit)

	key := fmt.Sprintf("%d/%d", page, limit)
	ch := r.group.DoChan(key, func() (any, error) {
		return r.gateway.FetchPage(r.baseCtx, page, limit)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		r.metrics.observePageLoad("discarded")
		return fmt.Errorf("%w: %w", ErrNotInterested, ctx.Err())
	}
	if ctx.Err() != nil {
		r.metrics.observePageLoad("discarded")
		return fmt.Errorf("%w: %w", ErrNotInterested, ctx.Err())
	}
	if res.Err != nil {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			r.metrics.observePageLoad("discarded")
			return ErrNotInterested
		}
		r.metrics.observePageLoad("error")
		r.logger.Warn("page load failed", "page", page, "error", res.Err)
		return res.Err
	}
	fetched := res.Val.(*Page)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.metrics.observePageLoad("discarded")
		return ErrNotInterested
	}

	items := mergePage(r.items, fetched.Items)
	pagination := PaginationState{
		CurrentPage: page,
		PageSize:    limit,
		TotalPages:  fetched.TotalPages,
	}.normalize()

	if err := r.commitLocked(ctx, items, pagination); err != nil {
		r.metrics.observePageLoad("error")
		return err
	}
	r.metrics.observePageLoad("ok")
	r.metrics.observeMerge(SourcePage)

	r.logger.Info("page loaded", "page", page, "fetched", len(fetched.Items),
		"cached", len(items), "total_pages", pagination.TotalPages)
	return nil
}

// NextPage loads the page after the current one.
func (r *Reconciler) NextPage(ctx context.Context) error {
	p := r.Pagination()
	if p.CurrentPage >= p.TotalPages {
		return ErrNoMorePages
	}
	return r.LoadPage(ctx, p.CurrentPage+1)
}

// PrevPage loads the page before the current one.
func (r *Reconciler) PrevPage(ctx context.Context) error {
	p := r.Pagination()
	if p.CurrentPage <= 1 {
		return ErrNoMorePages
	}
	return r.LoadPage(ctx, p.CurrentPage-1)
}

// Refresh reloads the current page.
func (r *Reconciler) Refresh(ctx context.Context) error {
	return r.LoadPage(ctx, r.Pagination().CurrentPage)
}

// ============================================================================
// Events
// ============================================================================

// ApplyEvent merges a single created/updated/deleted event. Applying the same
// created or updated event twice leaves the set as after the first.
func (r *Reconciler) ApplyEvent(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventCreated, EventUpdated, EventDeleted:
	default:
		return &ValidationError{Fields: []string{"kind"}, Message: fmt.Sprintf("unknown event kind %q", ev.Kind)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	items, changed := mergeEvent(r.items, ev)
	if !changed {
		r.logger.Debug("event changed nothing", "kind", ev.Kind, "id", ev.Item.ID)
		return nil
	}
	if err := r.commitLocked(ctx, items, r.pagination); err != nil {
		return err
	}
	r.metrics.observeMerge(SourceEvent)
	r.logger.Debug("event applied", "kind", ev.Kind, "id", ev.Item.ID, "cached", len(items))
	return nil
}

// Run applies events until the channel is closed or ctx is done. Merge errors
// are logged and do not stop the loop.
func (r *Reconciler) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.ApplyEvent(ctx, ev); err != nil {
				if errors.Is(err, ErrClosed) {
					return err
				}
				r.logger.Warn("failed to apply push event", "kind", ev.Kind, "id", ev.Item.ID, "error", err)
			}
		}
	}
}

// Close discards in-flight page loads. It is safe to call more than once.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.cancelBase()
	return nil
}

// commitLocked persists pagination and then items, mirroring each write into
// memory once it succeeds. Memory never differs from what a restart would load.
func (r *Reconciler) commitLocked(ctx context.Context, items []Item, p PaginationState) error {
	if p != r.pagination {
		if err := r.cache.SavePagination(ctx, p); err != nil {
			r.logger.Error("failed to persist pagination", "error", err)
			return fmt.Errorf("persist pagination: %w", err)
		}
		r.pagination = p
	}
	if err := r.cache.SaveItems(ctx, items); err != nil {
		r.logger.Error("failed to persist items", "error", err)
		return fmt.Errorf("persist items: %w", err)
	}
	r.items = items
	return nil
}
