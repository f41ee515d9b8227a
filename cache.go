package itemsync

import (
	"context"
	"encoding/json"
	"fmt"
)

// Durable keys.
const (
	KeyItems         = "items"
	KeyPagination    = "pagination"
	KeyPendingWrites = "pendingWrites"
	KeyAuthToken     = "authToken"
)

// Cache is the typed view of a Storage. Each value is stored as one JSON
// document under its key.
type Cache struct {
	store Storage
}

// NewCache wraps store.
func NewCache(store Storage) *Cache {
	return &Cache{store: store}
}

// Storage returns the underlying slot.
func (c *Cache) Storage() Storage { return c.store }

func loadJSON[T any](ctx context.Context, s Storage, key string) (T, bool, error) {
	var v T
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, true, nil
}

func saveJSON(ctx context.Context, s Storage, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// LoadItems returns the cached item set. Entries with an id seen earlier in
// the slice are dropped so the set is unique even if storage was edited.
func (c *Cache) LoadItems(ctx context.Context) ([]Item, error) {
	items, ok, err := loadJSON[[]Item](ctx, c.store, KeyItems)
	if err != nil {
		return nil, err
	}
	if !ok || items == nil {
		return []Item{}, nil
	}
	return dedupeByID(items), nil
}

func (c *Cache) SaveItems(ctx context.Context, items []Item) error {
	if items == nil {
		items = []Item{}
	}
	return saveJSON(ctx, c.store, KeyItems, items)
}

// LoadPagination returns the stored cursor, or the defaults for pageSize when
// none was stored.
func (c *Cache) LoadPagination(ctx context.Context, pageSize int) (PaginationState, error) {
	p, ok, err := loadJSON[PaginationState](ctx, c.store, KeyPagination)
	if err != nil {
		return PaginationState{}, err
	}
	if !ok {
		return defaultPagination(pageSize), nil
	}
	return p.normalize(), nil
}

func (c *Cache) SavePagination(ctx context.Context, p PaginationState) error {
	return saveJSON(ctx, c.store, KeyPagination, p)
}

func (c *Cache) LoadPending(ctx context.Context) ([]PendingWrite, error) {
	pending, _, err := loadJSON[[]PendingWrite](ctx, c.store, KeyPendingWrites)
	if err != nil {
		return nil, err
	}
	return pending, nil
}

func (c *Cache) SavePending(ctx context.Context, pending []PendingWrite) error {
	if pending == nil {
		pending = []PendingWrite{}
	}
	return saveJSON(ctx, c.store, KeyPendingWrites, pending)
}

// LoadToken returns "" when no token was stored.
func (c *Cache) LoadToken(ctx context.Context) (string, error) {
	token, _, err := loadJSON[string](ctx, c.store, KeyAuthToken)
	return token, err
}

// SaveToken stores token, or removes the key when token is empty.
func (c *Cache) SaveToken(ctx context.Context, token string) error {
	if token == "" {
		return c.store.Delete(ctx, KeyAuthToken)
	}
	return saveJSON(ctx, c.store, KeyAuthToken, token)
}
