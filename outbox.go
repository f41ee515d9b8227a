package itemsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Connectivity reports the last known reachability of the backend.
type Connectivity interface {
	Online() bool
}

// EventApplier merges a confirmed write into the cached set. *Reconciler
// implements it.
type EventApplier interface {
	ApplyEvent(ctx context.Context, ev Event) error
}

// Outbox routes writes to the gateway and queues the ones that cannot reach
// it. The queue is persisted after every change and survives restarts.
type Outbox struct {
	gateway Gateway
	cache   *Cache
	applier EventApplier
	conn    Connectivity
	emitter *Emitter
	logger  *slog.Logger
	metrics *Metrics
	newID   func() string
	now     func() time.Time

	mu        sync.Mutex
	pending   []PendingWrite
	replaying bool
	rerun     bool
}

type OutboxOption func(*Outbox)

// WithConnectivity makes Save queue without calling the gateway while offline.
func WithConnectivity(c Connectivity) OutboxOption {
	return func(o *Outbox) { o.conn = c }
}

func WithOutboxLogger(logger *slog.Logger) OutboxOption {
	return func(o *Outbox) { o.logger = logger }
}

func WithOutboxMetrics(m *Metrics) OutboxOption {
	return func(o *Outbox) { o.metrics = m }
}

func WithOutboxEmitter(e *Emitter) OutboxOption {
	return func(o *Outbox) { o.emitter = e }
}

// NewOutbox restores the pending queue from cache before returning.
func NewOutbox(ctx context.Context, gateway Gateway, cache *Cache, applier EventApplier, opts ...OutboxOption) (*Outbox, error) {
	o := &Outbox{
		gateway: gateway,
		cache:   cache,
		applier: applier,
		newID:   uuid.NewString,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "outbox")

	pending, err := cache.LoadPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pending writes: %w", err)
	}
	o.pending = pending
	o.metrics.setPending(len(pending))
	if len(pending) > 0 {
		o.logger.Info("restored pending writes", "count", len(pending))
	}
	return o, nil
}

// ============================================================================
// Save
// ============================================================================

// Save creates (no id) or updates the item. When the backend is offline or
// the call fails with a network or server error the write is queued and
// SavedLocally is returned without an error. Validation and not-found errors
// are returned with SaveFailed and never queued. If the server acknowledged
// the write but the cache could not be updated, Synced comes with the error.
func (o *Outbox) Save(ctx context.Context, item Item) (SaveOutcome, error) {
	if err := item.Validate(); err != nil {
		return SaveFailed, err
	}
	intent := intentFor(item)

	if o.conn != nil && !o.conn.Online() {
		o.logger.Debug("offline, queueing write", "intent", intent)
		return o.enqueue(ctx, intent, item, "offline")
	}

	confirmed, err := o.send(ctx, intent, item)
	if err != nil {
		if IsRetryable(err) {
			o.logger.Info("write failed, queueing", "intent", intent, "error", err)
			return o.enqueue(ctx, intent, item, err.Error())
		}
		return SaveFailed, err
	}

	if err := o.applier.ApplyEvent(ctx, confirmedEvent(intent, *confirmed)); err != nil {
		return Synced, fmt.Errorf("apply confirmed item: %w", err)
	}
	return Synced, nil
}

func (o *Outbox) send(ctx context.Context, intent Intent, item Item) (*Item, error) {
	if intent == IntentCreate {
		return o.gateway.Create(ctx, item)
	}
	return o.gateway.Update(ctx, item)
}

func confirmedEvent(intent Intent, item Item) Event {
	if intent == IntentCreate {
		return Event{Kind: EventCreated, Item: item}
	}
	return Event{Kind: EventUpdated, Item: item}
}

func (o *Outbox) enqueue(ctx context.Context, intent Intent, item Item, reason string) (SaveOutcome, error) {
	pw := PendingWrite{
		ID:        o.newID(),
		Intent:    intent,
		Item:      item.clone(),
		Unsynced:  true,
		CreatedAt: o.now().UTC(),
		LastError: reason,
	}

	o.mu.Lock()
	next := append(append(make([]PendingWrite, 0, len(o.pending)+1), o.pending...), pw)
	if err := o.cache.SavePending(ctx, next); err != nil {
		o.mu.Unlock()
		return SaveFailed, fmt.Errorf("persist pending write: %w", err)
	}
	o.pending = next
	n := len(next)
	o.mu.Unlock()

	o.metrics.setPending(n)
	o.logger.Info("write queued", "pending_id", pw.ID, "intent", intent, "queue_len", n)
	o.emitter.emit(HookWriteQueued, pw)
	return SavedLocally, nil
}

// ============================================================================
// Replay
// ============================================================================

// ReplayReport summarizes one ReplayPending pass.
type ReplayReport struct {
	Attempted int
	Synced    int
	Failed    int
	Rejected  int
	Remaining int
	// Skipped is set when another replay was already running.
	Skipped bool
}

// ReplayPending sends queued writes in FIFO order. A successful entry is
// removed from the persisted queue before the next one is tried; a failed
// entry stays queued and the pass continues. Entries rejected with not-found
// or validation errors are flagged and skipped until discarded.
//
// Only one replay runs at a time. A call made while a replay is running
// returns Skipped and makes the running replay take one more pass over the
// queue as it stands then, so writes queued meanwhile are not left behind.
func (o *Outbox) ReplayPending(ctx context.Context) ReplayReport {
	o.mu.Lock()
	if o.replaying {
		o.rerun = true
		o.mu.Unlock()
		return ReplayReport{Skipped: true}
	}
	o.replaying = true
	snapshot := append([]PendingWrite(nil), o.pending...)
	o.mu.Unlock()

	var report ReplayReport
	for {
		o.replayPass(ctx, snapshot, &report)

		o.mu.Lock()
		if !o.rerun || ctx.Err() != nil {
			o.rerun = false
			o.replaying = false
			o.mu.Unlock()
			break
		}
		o.rerun = false
		snapshot = append([]PendingWrite(nil), o.pending...)
		o.mu.Unlock()
		o.logger.Debug("replay requested during pass, running again", "queue_len", len(snapshot))
	}

	report.Remaining = o.Len()
	if report.Attempted > 0 {
		o.logger.Info("replay finished", "attempted", report.Attempted, "synced", report.Synced,
			"failed", report.Failed, "rejected", report.Rejected, "remaining", report.Remaining)
	}
	return report
}

func (o *Outbox) replayPass(ctx context.Context, snapshot []PendingWrite, report *ReplayReport) {
	for _, pw := range snapshot {
		if pw.Rejected {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		report.Attempted++

		confirmed, err := o.send(ctx, pw.Intent, pw.Item)
		if err != nil {
			rejected := IsNotFound(err) || IsValidation(err)
			if perr := o.markFailed(ctx, pw.ID, err, rejected); perr != nil {
				o.logger.Error("failed to persist replay failure", "pending_id", pw.ID, "error", perr)
			}
			if rejected {
				report.Rejected++
				o.metrics.observeReplay("rejected")
				o.logger.Warn("pending write rejected", "pending_id", pw.ID, "error", err)
				o.emitter.emit(HookWriteRejected, pw)
			} else {
				report.Failed++
				o.metrics.observeReplay("failed")
				o.logger.Info("pending write still failing", "pending_id", pw.ID, "error", err)
				o.emitter.emit(HookWriteFailed, pw)
			}
			continue
		}

		if err := o.remove(ctx, pw.ID); err != nil {
			o.logger.Error("failed to persist replay success", "pending_id", pw.ID, "error", err)
		}
		report.Synced++
		o.metrics.observeReplay("synced")
		o.logger.Info("pending write synced", "pending_id", pw.ID, "id", confirmed.ID)
		o.emitter.emit(HookWriteSynced, pw)

		if err := o.applier.ApplyEvent(ctx, confirmedEvent(pw.Intent, *confirmed)); err != nil {
			o.logger.Warn("failed to apply replayed item", "pending_id", pw.ID, "error", err)
		}
	}
}

// remove drops the entry from the queue. The in-memory queue follows even if
// persisting fails.
func (o *Outbox) remove(ctx context.Context, id string) error {
	o.mu.Lock()
	next := make([]PendingWrite, 0, len(o.pending))
	for _, pw := range o.pending {
		if pw.ID != id {
			next = append(next, pw)
		}
	}
	o.pending = next
	n := len(next)
	err := o.cache.SavePending(ctx, next)
	o.mu.Unlock()

	o.metrics.setPending(n)
	return err
}

func (o *Outbox) markFailed(ctx context.Context, id string, cause error, rejected bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := append([]PendingWrite(nil), o.pending...)
	for i := range next {
		if next[i].ID == id {
			next[i].Attempts++
			next[i].LastError = cause.Error()
			next[i].Rejected = rejected
		}
	}
	o.pending = next
	return o.cache.SavePending(ctx, next)
}

// ============================================================================
// Queue inspection
// ============================================================================

// Pending returns a copy of the queue in FIFO order.
func (o *Outbox) Pending() []PendingWrite {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PendingWrite, len(o.pending))
	for i, pw := range o.pending {
		pw.Item = pw.Item.clone()
		out[i] = pw
	}
	return out
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Discard drops a queued write without sending it.
func (o *Outbox) Discard(ctx context.Context, pendingID string) error {
	o.mu.Lock()
	var (
		found bool
		pw    PendingWrite
	)
	next := make([]PendingWrite, 0, len(o.pending))
	for _, p := range o.pending {
		if p.ID == pendingID {
			found, pw = true, p
			continue
		}
		next = append(next, p)
	}
	if !found {
		o.mu.Unlock()
		return &NotFoundError{ID: pendingID}
	}
	if err := o.cache.SavePending(ctx, next); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("persist pending writes: %w", err)
	}
	o.pending = next
	n := len(next)
	o.mu.Unlock()

	o.metrics.setPending(n)
	o.logger.Info("pending write discarded", "pending_id", pendingID)
	o.emitter.emit(HookWriteDiscarded, pw)
	return nil
}
