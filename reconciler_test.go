package itemsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T, gw Gateway, store Storage, opts ...ReconcilerOption) *Reconciler {
	t.Helper()
	opts = append([]ReconcilerOption{WithReconcilerLogger(discardLogger())}, opts...)
	r, err := NewReconciler(context.Background(), gw, NewCache(store), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func pageOf(prefix string, n, totalPages int) *Page {
	items := make([]Item, n)
	for i := range items {
		items[i] = testItem(fmt.Sprintf("%s-%d", prefix, i+1), prefix)
	}
	return &Page{Items: items, TotalPages: totalPages}
}

// failingStorage refuses writes to one key.
type failingStorage struct {
	*MemoryStorage
	mu      sync.Mutex
	failKey string
}

func (s *failingStorage) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	fail := key == s.failKey
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryStorage.Set(ctx, key, value)
}

func (s *failingStorage) failOn(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failKey = key
}

// ============================================================================
// LoadPage
// ============================================================================

func TestLoadPageTwoPages(t *testing.T) {
	fb := newFakeBackend(t)
	fb.seed(15)
	store := NewMemoryStorage()
	r := newTestReconciler(t, fb.client(), store, WithPageSize(10))
	ctx := context.Background()

	require.NoError(t, r.LoadPage(ctx, 1))
	assert.Len(t, r.Items(), 10)
	assert.Equal(t, PaginationState{CurrentPage: 1, PageSize: 10, TotalPages: 2}, r.Pagination())

	require.NoError(t, r.LoadPage(ctx, 2))
	items := r.Items()
	assert.Len(t, items, 15)
	assert.Equal(t, "srv-1", items[0].ID)
	assert.Equal(t, "srv-15", items[14].ID)
	assert.Equal(t, PaginationState{CurrentPage: 2, PageSize: 10, TotalPages: 2}, r.Pagination())

	assert.ErrorIs(t, r.NextPage(ctx), ErrNoMorePages)
	require.NoError(t, r.PrevPage(ctx))
	assert.Equal(t, 1, r.Pagination().CurrentPage)
	assert.ErrorIs(t, r.PrevPage(ctx), ErrNoMorePages)
	assert.Len(t, r.Items(), 15, "revisiting a page adds nothing")
}

func TestLoadPagePersistsAndRestores(t *testing.T) {
	gw := &stubGateway{fetch: func(ctx context.Context, page, limit int) (*Page, error) {
		return pageOf("p", 3, 4), nil
	}}
	store := NewMemoryStorage()
	r := newTestReconciler(t, gw, store)
	require.NoError(t, r.LoadPage(context.Background(), 2))
	require.NoError(t, r.Close())

	restarted := newTestReconciler(t, &stubGateway{}, store)
	assert.Equal(t, []string{"p-1", "p-2", "p-3"}, ids(restarted.Items()))
	assert.Equal(t, PaginationState{CurrentPage: 2, PageSize: DefaultPageSize, TotalPages: 4}, restarted.Pagination())
}

func TestLoadPageFailureLeavesStateUntouched(t *testing.T) {
	fail := false
	gw := &stubGateway{fetch: func(ctx context.Context, page, limit int) (*Page, error) {
		if fail {
			return nil, &NetworkError{Op: "fetch page", Err: errors.New("connection refused")}
		}
		return pageOf("p", 2, 3), nil
	}}
	store := NewMemoryStorage()
	r := newTestReconciler(t, gw, store)
	ctx := context.Background()
	require.NoError(t, r.LoadPage(ctx, 1))
	before, _, _ := store.Get(ctx, KeyItems)

	fail = true
	err := r.LoadPage(ctx, 2)
	assert.True(t, IsNetwork(err))
	assert.Equal(t, []string{"p-1", "p-2"}, ids(r.Items()))
	assert.Equal(t, 1, r.Pagination().CurrentPage)
	after, _, _ := store.Get(ctx, KeyItems)
	assert.Equal(t, before, after)
}

func TestLoadPagePartialPersistKeepsMemoryAndStorageAligned(t *testing.T) {
	ctx := context.Background()
	gw := &stubGateway{fetch: func(ctx context.Context, page, limit int) (*Page, error) {
		return pageOf("p", 3, 4), nil
	}}

	t.Run("items write fails", func(t *testing.T) {
		store := &failingStorage{MemoryStorage: NewMemoryStorage()}
		r := newTestReconciler(t, gw, store)
		store.failOn(KeyItems)

		err := r.LoadPage(ctx, 2)
		require.ErrorContains(t, err, "persist items")

		store.failOn("")
		restored := newTestReconciler(t, gw, store)
		assert.Equal(t, restored.Pagination(), r.Pagination())
		assert.Equal(t, 2, r.Pagination().CurrentPage)
		assert.Equal(t, restored.Items(), r.Items())
		assert.Empty(t, r.Items())
	})

	t.Run("pagination write fails", func(t *testing.T) {
		store := &failingStorage{MemoryStorage: NewMemoryStorage()}
		r := newTestReconciler(t, gw, store)
		before := r.Pagination()
		store.failOn(KeyPagination)

		err := r.LoadPage(ctx, 2)
		require.ErrorContains(t, err, "persist pagination")
		assert.Equal(t, before, r.Pagination())
		assert.Empty(t, r.Items())

		_, found, err := store.Get(ctx, KeyItems)
		require.NoError(t, err)
		assert.False(t, found, "items not written after pagination failed")
	})
}

func TestRunStopsOnWrappedClosed(t *testing.T) {
	r := newTestReconciler(t, &stubGateway{}, NewMemoryStorage())
	require.NoError(t, r.Close())

	events := make(chan Event, 1)
	events <- Event{Kind: EventCreated, Item: testItem("1", "one")}
	assert.ErrorIs(t, r.Run(context.Background(), events), ErrClosed)
}

func TestLoadPageRejectsBadPage(t *testing.T) {
	gw := &stubGateway{}
	r := newTestReconciler(t, gw, NewMemoryStorage())
	assert.True(t, IsValidation(r.LoadPage(context.Background(), 0)))
	assert.Empty(t, gw.Calls())
}

func TestLoadPageOutOfOrderCompletion(t *testing.T) {
	release := map[int]chan struct{}{1: make(chan struct{}), 2: make(chan struct{})}
	gw := &stubGateway{fetch: func(ctx context.Context, page, limit int) (*Page, error) {
		<-release[page]
		if page == 1 {
			return &Page{Items: []Item{testItem("a", "A"), testItem("b", "B")}, TotalPages: 2}, nil
		}
		return &Page{Items: []Item{testItem("c", "C"), testItem("b", "B")}, TotalPages: 2}, nil
	}}
	r := newTestReconciler(t, gw, NewMemoryStorage())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for _, page := range []int{1, 2} {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			errs[page] = r.LoadPage(ctx, page)
		}(page)
	}
	close(release[2])
	time.Sleep(20 * time.Millisecond)
	close(release[1])
	wg.Wait()

	require.NoError(t, errs[1])
	require.NoError(t, errs[2])
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids(r.Items()))
}

func TestLoadPageDiscardedAfterClose(t *testing.T) {
	entered := make(chan struct{})
	gw := &stubGateway{fetch: func(ctx context.Context, page, limit int) (*Page, error) {
		close(entered)
		<-ctx.Done()
		return pageOf("late", 2, 1), nil
	}}
	store := NewMemoryStorage()
	r := newTestReconciler(t, gw, store)

	done := make(chan error, 1)
	go func() { done <- r.LoadPage(context.Background(), 1) }()
	<-entered
	require.NoError(t, r.Close())

	err := <-done
	assert.ErrorIs(t, err, ErrNotInterested)
	assert.Empty(t, r.Items())
	_, ok, _ := store.Get(context.Background(), KeyItems)
	assert.False(t, ok, "nothing persisted")
	assert.ErrorIs(t, r.LoadPage(context.Background(), 1), ErrClosed)
}

func TestLoadPageDiscardedWhenCallerGoesAway(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	gw := &stubGateway{fetch: func(ctx context.Context, page, limit int) (*Page, error) {
		entered <- struct{}{}
		<-release
		return pageOf("late", 2, 1), nil
	}}
	r := newTestReconciler(t, gw, NewMemoryStorage())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.LoadPage(ctx, 1) }()
	<-entered
	cancel()

	err := <-done
	assert.ErrorIs(t, err, ErrNotInterested)
	assert.ErrorIs(t, err, context.Canceled)
	close(release)
	assert.Empty(t, r.Items())
}

// ============================================================================
// Events
// ============================================================================

func TestApplyEvent(t *testing.T) {
	store := NewMemoryStorage()
	r := newTestReconciler(t, &stubGateway{}, store)
	ctx := context.Background()

	ev := Event{Kind: EventCreated, Item: testItem("x", "X")}
	require.NoError(t, r.ApplyEvent(ctx, ev))
	require.NoError(t, r.ApplyEvent(ctx, ev))
	assert.Equal(t, []string{"x"}, ids(r.Items()))

	require.NoError(t, r.ApplyEvent(ctx, Event{Kind: EventDeleted, Item: Item{ID: "missing"}}))
	assert.Equal(t, []string{"x"}, ids(r.Items()))

	require.NoError(t, r.ApplyEvent(ctx, Event{Kind: EventUpdated, Item: testItem("x", "X2")}))
	assert.Equal(t, "X2", r.Items()[0].Name)

	persisted, err := NewCache(store).LoadItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, "X2", persisted[0].Name)

	assert.True(t, IsValidation(r.ApplyEvent(ctx, Event{Kind: "renamed", Item: testItem("x", "X")})))
}

func TestRunConsumesStream(t *testing.T) {
	r := newTestReconciler(t, &stubGateway{}, NewMemoryStorage())
	events := make(chan Event, 3)
	events <- Event{Kind: EventCreated, Item: testItem("1", "one")}
	events <- Event{Kind: EventCreated, Item: testItem("2", "two")}
	events <- Event{Kind: EventDeleted, Item: Item{ID: "1"}}
	close(events)

	require.NoError(t, r.Run(context.Background(), events))
	assert.Equal(t, []string{"2"}, ids(r.Items()))
}

func TestVisibleOverlaysPending(t *testing.T) {
	r := newTestReconciler(t, &stubGateway{}, NewMemoryStorage())
	ctx := context.Background()
	require.NoError(t, r.ApplyEvent(ctx, Event{Kind: EventCreated, Item: testItem("1", "one")}))

	visible := r.Visible([]PendingWrite{
		{ID: "p", Intent: IntentUpdate, Item: testItem("1", "one (edited)"), Unsynced: true},
	})
	require.Len(t, visible, 1)
	assert.Equal(t, "one (edited)", visible[0].Name)
	assert.True(t, visible[0].Unsynced)
	assert.Equal(t, "one", r.Items()[0].Name)
}
