package itemsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testItem(id, name string) Item {
	return Item{ID: id, Name: name, Quantity: 1}
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// ============================================================================
// Fake backend
// ============================================================================

var testTokenExpiry = time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

// fakeBackend is an in-memory items server speaking the REST and push
// protocol. Failures can be injected per operation.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	items    []Item
	seq      int
	failures map[string][]int
	conns    map[*websocket.Conn]struct{}
	lastAuth string
	requests map[string]int

	connCh chan struct{}
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		t:        t,
		failures: make(map[string][]int),
		conns:    make(map[*websocket.Conn]struct{}),
		requests: make(map[string]int),
		connCh:   make(chan struct{}, 16),
	}

	r := chi.NewRouter()
	r.Get("/api/item", fb.handleList)
	r.Post("/api/item", fb.handleCreate)
	r.Put("/api/item/{id}", fb.handleUpdate)
	r.Delete("/api/item/{id}", fb.handleDelete)
	r.Post("/api/auth/login", fb.handleLogin)
	r.Get("/ws", fb.handleWS)

	fb.srv = httptest.NewServer(r)
	t.Cleanup(fb.close)
	return fb
}

func (fb *fakeBackend) URL() string { return fb.srv.URL }

func (fb *fakeBackend) client(opts ...ClientOption) *Client {
	base := []ClientOption{
		WithBaseURL(fb.srv.URL),
		WithLogger(discardLogger()),
		WithRealtimeConfig(RealtimeConfig{
			Path:               "/ws",
			AutoReconnect:      true,
			ReconnectBaseDelay: 10 * time.Millisecond,
			ReconnectMaxDelay:  50 * time.Millisecond,
		}),
	}
	return NewClient(append(base, opts...)...)
}

// seed stores n items named item-01.. with ids srv-1...
func (fb *fakeBackend) seed(n int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for i := 0; i < n; i++ {
		fb.seq++
		fb.items = append(fb.items, Item{
			ID:       fmt.Sprintf("srv-%d", fb.seq),
			Name:     fmt.Sprintf("item-%02d", fb.seq),
			Quantity: fb.seq,
			Version:  1,
		})
	}
}

func (fb *fakeBackend) serverItems() []Item {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]Item(nil), fb.items...)
}

// failNext makes the next call of op ("list", "create", "update", "delete",
// "login") answer with status.
func (fb *fakeBackend) failNext(op string, status int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.failures[op] = append(fb.failures[op], status)
}

func (fb *fakeBackend) count(op string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.requests[op]
}

func (fb *fakeBackend) auth() string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.lastAuth
}

func (fb *fakeBackend) begin(w http.ResponseWriter, r *http.Request, op string) bool {
	fb.mu.Lock()
	fb.requests[op]++
	fb.lastAuth = r.Header.Get("Authorization")
	var status int
	if q := fb.failures[op]; len(q) > 0 {
		status, fb.failures[op] = q[0], q[1:]
	}
	fb.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, map[string]string{"message": "injected failure"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (fb *fakeBackend) handleList(w http.ResponseWriter, r *http.Request) {
	if !fb.begin(w, r, "list") {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 || limit < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad paging"})
		return
	}

	fb.mu.Lock()
	total := len(fb.items)
	start := (page - 1) * limit
	end := start + limit
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	items := append([]Item{}, fb.items[start:end]...)
	fb.mu.Unlock()

	totalPages := (total + limit - 1) / limit
	if totalPages < 1 {
		totalPages = 1
	}
	writeJSON(w, http.StatusOK, Page{Items: items, TotalPages: totalPages})
}

func (fb *fakeBackend) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !fb.begin(w, r, "create") {
		return
	}
	var item Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil || item.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "name is required"})
		return
	}
	fb.mu.Lock()
	fb.seq++
	item.ID = fmt.Sprintf("srv-%d", fb.seq)
	item.Version = 1
	fb.items = append(fb.items, item)
	fb.mu.Unlock()
	writeJSON(w, http.StatusCreated, item)
}

func (fb *fakeBackend) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !fb.begin(w, r, "update") {
		return
	}
	id := chi.URLParam(r, "id")
	var item Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad body"})
		return
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for i := range fb.items {
		if fb.items[i].ID == id {
			item.ID = id
			item.Version = fb.items[i].Version + 1
			fb.items[i] = item
			writeJSON(w, http.StatusOK, item)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
}

func (fb *fakeBackend) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !fb.begin(w, r, "delete") {
		return
	}
	id := chi.URLParam(r, "id")
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for i := range fb.items {
		if fb.items[i].ID == id {
			fb.items = append(fb.items[:i], fb.items[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
}

func (fb *fakeBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !fb.begin(w, r, "login") {
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "username and password are required"})
		return
	}
	if req.Username != "alice" || req.Password != "secret" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": signTestToken(fb.t, req.Username)})
}

func signTestToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(testTokenExpiry),
	}).SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// ============================================================================
// Push side
// ============================================================================

func (fb *fakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	fb.requests["ws"]++
	fb.lastAuth = r.Header.Get("Authorization")
	fb.mu.Unlock()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	fb.mu.Lock()
	fb.conns[c] = struct{}{}
	fb.mu.Unlock()
	select {
	case fb.connCh <- struct{}{}:
	default:
	}

	ctx := c.CloseRead(context.Background())
	<-ctx.Done()

	fb.mu.Lock()
	delete(fb.conns, c)
	fb.mu.Unlock()
	c.Close(websocket.StatusNormalClosure, "")
}

// waitConn blocks until a push client has connected.
func (fb *fakeBackend) waitConn(t *testing.T) {
	t.Helper()
	select {
	case <-fb.connCh:
	case <-time.After(3 * time.Second):
		t.Fatal("no push connection")
	}
}

func (fb *fakeBackend) snapshotConns() []*websocket.Conn {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(fb.conns))
	for c := range fb.conns {
		out = append(out, c)
	}
	return out
}

func (fb *fakeBackend) pushRaw(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, c := range fb.snapshotConns() {
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			fb.t.Logf("push write: %v", err)
		}
	}
}

func (fb *fakeBackend) push(kind EventKind, item Item) {
	var env pushEnvelope
	env.Event = kind
	env.Payload.Item = item
	data, err := json.Marshal(env)
	if err != nil {
		fb.t.Fatalf("marshal push: %v", err)
	}
	fb.pushRaw(data)
}

// dropConns closes every push connection with a non-normal status.
func (fb *fakeBackend) dropConns() {
	for _, c := range fb.snapshotConns() {
		c.Close(websocket.StatusGoingAway, "restarting")
	}
}

func (fb *fakeBackend) close() {
	for _, c := range fb.snapshotConns() {
		c.Close(websocket.StatusNormalClosure, "")
	}
	fb.srv.Close()
}

// ============================================================================
// Stub gateway
// ============================================================================

// stubGateway lets tests script each gateway call.
type stubGateway struct {
	mu        sync.Mutex
	calls     []string
	fetch     func(ctx context.Context, page, limit int) (*Page, error)
	create    func(ctx context.Context, item Item) (*Item, error)
	update    func(ctx context.Context, item Item) (*Item, error)
	del       func(ctx context.Context, id string) error
	subscribe func(ctx context.Context) (EventStream, error)
	seq       int
}

func (g *stubGateway) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *stubGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *stubGateway) FetchPage(ctx context.Context, page, limit int) (*Page, error) {
	g.record(fmt.Sprintf("fetch:%d", page))
	if g.fetch != nil {
		return g.fetch(ctx, page, limit)
	}
	return &Page{Items: []Item{}, TotalPages: 1}, nil
}

func (g *stubGateway) Create(ctx context.Context, item Item) (*Item, error) {
	g.record("create:" + item.Name)
	if g.create != nil {
		return g.create(ctx, item)
	}
	g.mu.Lock()
	g.seq++
	item.ID = fmt.Sprintf("new-%d", g.seq)
	g.mu.Unlock()
	return &item, nil
}

func (g *stubGateway) Update(ctx context.Context, item Item) (*Item, error) {
	g.record("update:" + item.ID)
	if g.update != nil {
		return g.update(ctx, item)
	}
	item.Version++
	return &item, nil
}

func (g *stubGateway) Delete(ctx context.Context, id string) error {
	g.record("delete:" + id)
	if g.del != nil {
		return g.del(ctx, id)
	}
	return nil
}

func (g *stubGateway) Subscribe(ctx context.Context) (EventStream, error) {
	if g.subscribe != nil {
		return g.subscribe(ctx)
	}
	return nil, &NetworkError{Op: "subscribe", Err: fmt.Errorf("no push in stub")}
}

// chanStream is an EventStream fed directly by the test.
type chanStream struct {
	ch   chan Event
	once sync.Once
	done chan struct{}
}

func newChanStream() *chanStream {
	return &chanStream{ch: make(chan Event, 16), done: make(chan struct{})}
}

func (s *chanStream) Events() <-chan Event { return s.ch }

func (s *chanStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
