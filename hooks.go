package itemsync

import (
	"log/slog"
	"sync"
)

// Lifecycle events delivered to hooks.
const (
	HookWriteQueued    = "outbox.queued"
	HookWriteSynced    = "outbox.synced"
	HookWriteFailed    = "outbox.failed"
	HookWriteRejected  = "outbox.rejected"
	HookWriteDiscarded = "outbox.discarded"
	HookOnline         = "network.online"
	HookOffline        = "network.offline"
)

// HookFunc handles a lifecycle event. payload is a PendingWrite for outbox
// events and nil for network events.
type HookFunc func(event string, payload any)

// Emitter fans lifecycle events out to registered hooks. A nil *Emitter
// drops everything.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]HookFunc
	logger    *slog.Logger
}

func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		listeners: make(map[string][]HookFunc),
		logger:    logger.With("component", "hooks"),
	}
}

// On registers handler for event.
func (e *Emitter) On(event string, handler HookFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *Emitter) emit(event string, payload any) {
	if e == nil {
		return
	}
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("hook panicked", "event", event, "panic", r)
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *Emitter) removeAll() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]HookFunc)
}
