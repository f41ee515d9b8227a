package itemsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Item
// ============================================================================

// Location is an optional geographic position attached to an item.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Item is the unit of synchronization. ID is empty until the server has
// persisted the item and is the only key used when merging.
type Item struct {
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Quantity    int       `json:"quantity"`
	Date        Date      `json:"date"`
	Closed      bool      `json:"closed"`
	Photo       *string   `json:"photo,omitempty"`
	Location    *Location `json:"location,omitempty"`
	// Version is maintained by the server and never compared by the client.
	Version int `json:"version,omitempty"`
}

// Validate reports the fields a server would reject the item for.
func (it Item) Validate() error {
	var fields []string
	if strings.TrimSpace(it.Name) == "" {
		fields = append(fields, "name")
	}
	if it.Quantity < 0 {
		fields = append(fields, "quantity")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields, Message: "missing or invalid fields"}
	}
	return nil
}

func (it Item) clone() Item {
	out := it
	if it.Photo != nil {
		p := *it.Photo
		out.Photo = &p
	}
	if it.Location != nil {
		l := *it.Location
		out.Location = &l
	}
	return out
}

// ============================================================================
// Date
// ============================================================================

// DateLayout is the single wire representation of Item.Date.
const DateLayout = "2006-01-02T15:04:05.000Z07:00"

var dateInputLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Date is a timestamp normalized to UTC with millisecond precision.
type Date struct {
	time.Time
}

// NewDate normalizes t.
func NewDate(t time.Time) Date {
	if t.IsZero() {
		return Date{}
	}
	return Date{Time: t.UTC().Truncate(time.Millisecond)}
}

// ParseDate accepts RFC 3339 (with or without fractional seconds) or a bare
// calendar date and returns the normalized value.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateInputLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return NewDate(t), nil
		}
	}
	return Date{}, fmt.Errorf("unrecognized date %q", s)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.UTC().Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ============================================================================
// Pages and events
// ============================================================================

// Page is one response of the paged list endpoint.
type Page struct {
	Items      []Item `json:"items"`
	TotalPages int    `json:"totalPages"`
}

// EventKind names a change pushed by the server or produced by a confirmed write.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Event is a single change to merge into the cached set.
type Event struct {
	Kind EventKind
	Item Item
}

// ============================================================================
// Pagination
// ============================================================================

const (
	DefaultPageSize = 10
	MaxPageSize     = 200
)

// PaginationState is the cursor over the server-side list.
type PaginationState struct {
	CurrentPage int `json:"currentPage"`
	PageSize    int `json:"pageSize"`
	TotalPages  int `json:"totalPages"`
}

func defaultPagination(pageSize int) PaginationState {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return PaginationState{CurrentPage: 1, PageSize: pageSize, TotalPages: 1}
}

// normalize restores 1 <= CurrentPage <= max(TotalPages, 1).
func (p PaginationState) normalize() PaginationState {
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.TotalPages < 1 {
		p.TotalPages = 1
	}
	if p.CurrentPage < 1 {
		p.CurrentPage = 1
	}
	if p.CurrentPage > p.TotalPages {
		p.CurrentPage = p.TotalPages
	}
	return p
}

// ============================================================================
// Pending writes
// ============================================================================

// Intent is the remote operation a pending write will replay as.
type Intent string

const (
	IntentCreate Intent = "create"
	IntentUpdate Intent = "update"
)

func intentFor(it Item) Intent {
	if it.ID == "" {
		return IntentCreate
	}
	return IntentUpdate
}

// PendingWrite is a create or update that has not been acknowledged by the server.
type PendingWrite struct {
	ID        string    `json:"id"`
	Intent    Intent    `json:"intent"`
	Item      Item      `json:"item"`
	Unsynced  bool      `json:"unsynced"`
	CreatedAt time.Time `json:"createdAt"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	Rejected  bool      `json:"rejected,omitempty"`
}

// VisibleItem is an entry of the rendered list: either a cached item or a
// pending write overlaid on top of it.
type VisibleItem struct {
	Item
	Unsynced  bool   `json:"unsynced"`
	PendingID string `json:"pendingId,omitempty"`
}

// SaveOutcome tells the caller where a saved item ended up.
type SaveOutcome int

const (
	// SaveFailed means the write was neither acknowledged nor queued.
	SaveFailed SaveOutcome = iota
	// Synced means the server acknowledged the write.
	Synced
	// SavedLocally means the write is queued and will be replayed.
	SavedLocally
)

func (o SaveOutcome) String() string {
	switch o {
	case SaveFailed:
		return "failed"
	case Synced:
		return "synced"
	case SavedLocally:
		return "saved locally, will sync"
	default:
		return fmt.Sprintf("SaveOutcome(%d)", int(o))
	}
}
