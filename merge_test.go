package itemsync

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergePage(t *testing.T) {
	current := []Item{testItem("a", "A"), testItem("b", "B")}
	fetched := []Item{testItem("c", "C"), {ID: "a", Name: "A2", Quantity: 7}, testItem("d", "D")}

	out := mergePage(current, fetched)

	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(out))
	assert.Equal(t, "A2", out[0].Name, "known id replaced in place")
	assert.Equal(t, "A", current[0].Name, "input untouched")
}

func TestMergePageSkipsDuplicatesWithinPage(t *testing.T) {
	out := mergePage(nil, []Item{testItem("a", "first"), testItem("a", "second"), {Name: "no id"}})
	assert.Equal(t, []string{"a"}, ids(out))
	assert.Equal(t, "second", out[0].Name)
}

func TestMergeEvent(t *testing.T) {
	base := []Item{testItem("a", "A"), testItem("b", "B")}

	t.Run("created prepends unknown id", func(t *testing.T) {
		out, changed := mergeEvent(base, Event{Kind: EventCreated, Item: testItem("c", "C")})
		assert.True(t, changed)
		assert.Equal(t, []string{"c", "a", "b"}, ids(out))
	})

	t.Run("updated replaces in place", func(t *testing.T) {
		out, changed := mergeEvent(base, Event{Kind: EventUpdated, Item: testItem("b", "B2")})
		assert.True(t, changed)
		assert.Equal(t, []string{"a", "b"}, ids(out))
		assert.Equal(t, "B2", out[1].Name)
	})

	t.Run("updated for unknown id prepends", func(t *testing.T) {
		out, _ := mergeEvent(base, Event{Kind: EventUpdated, Item: testItem("z", "Z")})
		assert.Equal(t, []string{"z", "a", "b"}, ids(out))
	})

	t.Run("deleted removes", func(t *testing.T) {
		out, changed := mergeEvent(base, Event{Kind: EventDeleted, Item: Item{ID: "a"}})
		assert.True(t, changed)
		assert.Equal(t, []string{"b"}, ids(out))
		assert.Equal(t, []string{"a", "b"}, ids(base))
	})

	t.Run("deleted absent id is a no-op", func(t *testing.T) {
		out, changed := mergeEvent(base, Event{Kind: EventDeleted, Item: Item{ID: "nope"}})
		assert.False(t, changed)
		assert.Equal(t, base, out)
	})

	t.Run("event without id is ignored", func(t *testing.T) {
		out, changed := mergeEvent(base, Event{Kind: EventCreated, Item: Item{Name: "x"}})
		assert.False(t, changed)
		assert.Equal(t, base, out)
	})
}

func TestMergeEventIdempotent(t *testing.T) {
	base := []Item{testItem("a", "A")}
	for _, kind := range []EventKind{EventCreated, EventUpdated} {
		ev := Event{Kind: kind, Item: testItem("b", "B")}
		once, _ := mergeEvent(base, ev)
		twice, changed := mergeEvent(once, ev)
		assert.False(t, changed, kind)
		assert.Equal(t, once, twice, kind)
	}
}

func TestMergeKeepsIDsUnique(t *testing.T) {
	var items []Item
	for round := 0; round < 5; round++ {
		page := make([]Item, 0, 4)
		for i := 0; i < 4; i++ {
			page = append(page, testItem(fmt.Sprintf("id-%d", (round+i)%6), "p"))
		}
		items = mergePage(items, page)
		items, _ = mergeEvent(items, Event{Kind: EventCreated, Item: testItem(fmt.Sprintf("id-%d", round), "e")})
		items, _ = mergeEvent(items, Event{Kind: EventUpdated, Item: testItem(fmt.Sprintf("id-%d", round+3), "u")})

		seen := map[string]bool{}
		for _, it := range items {
			assert.False(t, seen[it.ID], "duplicate id %s in round %d", it.ID, round)
			seen[it.ID] = true
		}
	}
}

func TestOverlayPending(t *testing.T) {
	items := []Item{testItem("a", "A"), testItem("b", "B")}
	pending := []PendingWrite{
		{ID: "p1", Intent: IntentCreate, Item: Item{Name: "first new"}, Unsynced: true},
		{ID: "p2", Intent: IntentUpdate, Item: testItem("b", "B edited"), Unsynced: true},
		{ID: "p3", Intent: IntentCreate, Item: Item{Name: "second new"}, Unsynced: true},
	}

	out := overlayPending(items, pending)

	names := make([]string, len(out))
	for i, v := range out {
		names[i] = v.Name
	}
	assert.Equal(t, []string{"second new", "first new", "A", "B edited"}, names)
	assert.True(t, out[0].Unsynced)
	assert.Equal(t, "p3", out[0].PendingID)
	assert.False(t, out[2].Unsynced)
	assert.Equal(t, "p2", out[3].PendingID)
	assert.Equal(t, "B", items[1].Name)
}
