package itemsync

// Merge rules over the cached item set. All functions are pure: they return a
// new slice and never modify their inputs. Items without an id cannot be
// keyed and are ignored.

func indexByID(items []Item) map[string]int {
	idx := make(map[string]int, len(items))
	for i, it := range items {
		idx[it.ID] = i
	}
	return idx
}

func dedupeByID(items []Item) []Item {
	seen := make(map[string]struct{}, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it.clone())
	}
	return out
}

// mergePage folds a fetched page into current: known ids are replaced in
// place, new ones are appended in page order.
func mergePage(current, fetched []Item) []Item {
	out := dedupeByID(current)
	idx := indexByID(out)
	for _, it := range fetched {
		if it.ID == "" {
			continue
		}
		if i, ok := idx[it.ID]; ok {
			out[i] = it.clone()
			continue
		}
		idx[it.ID] = len(out)
		out = append(out, it.clone())
	}
	return out
}

// mergeEvent applies one push or write-confirmation event. Created and
// updated items replace the entry with the same id or are prepended; deleted
// removes it, and deleting an unknown id changes nothing. changed reports
// whether the result differs from current.
func mergeEvent(current []Item, ev Event) (out []Item, changed bool) {
	out = dedupeByID(current)
	if ev.Item.ID == "" {
		return out, false
	}
	idx := indexByID(out)
	i, found := idx[ev.Item.ID]

	switch ev.Kind {
	case EventDeleted:
		if !found {
			return out, false
		}
		return append(out[:i:i], out[i+1:]...), true
	case EventCreated, EventUpdated:
		if found {
			changed = !itemsEqual(out[i], ev.Item)
			out[i] = ev.Item.clone()
			return out, changed
		}
		merged := make([]Item, 0, len(out)+1)
		merged = append(merged, ev.Item.clone())
		return append(merged, out...), true
	default:
		return out, false
	}
}

func itemsEqual(a, b Item) bool {
	if a.ID != b.ID || a.Name != b.Name || a.Description != b.Description ||
		a.Quantity != b.Quantity || !a.Date.Equal(b.Date.Time) || a.Closed != b.Closed ||
		a.Version != b.Version {
		return false
	}
	if (a.Photo == nil) != (b.Photo == nil) || (a.Photo != nil && *a.Photo != *b.Photo) {
		return false
	}
	if (a.Location == nil) != (b.Location == nil) || (a.Location != nil && *a.Location != *b.Location) {
		return false
	}
	return true
}

// overlayPending lays pending writes over the cached set. Updates shadow the
// cached entry with the same id; creates (and updates of ids not in the set)
// are prepended newest first. Rejected writes are shown too, so the caller
// can offer to discard them.
func overlayPending(items []Item, pending []PendingWrite) []VisibleItem {
	out := make([]VisibleItem, 0, len(items)+len(pending))
	idx := indexByID(items)
	shadow := make(map[int]PendingWrite)
	var front []VisibleItem
	for _, pw := range pending {
		if pw.Intent == IntentUpdate {
			if i, ok := idx[pw.Item.ID]; ok {
				shadow[i] = pw
				continue
			}
		}
		front = append(front, VisibleItem{Item: pw.Item.clone(), Unsynced: true, PendingID: pw.ID})
	}
	for i := len(front) - 1; i >= 0; i-- {
		out = append(out, front[i])
	}
	for i, it := range items {
		if pw, ok := shadow[i]; ok {
			out = append(out, VisibleItem{Item: pw.Item.clone(), Unsynced: true, PendingID: pw.ID})
			continue
		}
		out = append(out, VisibleItem{Item: it.clone()})
	}
	return out
}
