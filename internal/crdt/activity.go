package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/ksuid"
)

// Entry is one immutable record in a document's activity log. Entries
// are identified by a K-sortable id, so every replica orders the log
// the same way without coordination.
type Entry struct {
	ID     string          `json:"id"`
	Writer string          `json:"writer"`
	At     time.Time       `json:"at"`
	Kind   string          `json:"kind"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// newEntry builds an activity entry for a local append.
func newEntry(writer, kind string, data any) (Entry, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Entry{}, fmt.Errorf("failed to marshal activity data: %w", err)
		}
		raw = b
	}
	id := ksuid.New()
	return Entry{
		ID:     id.String(),
		Writer: writer,
		At:     id.Time().UTC(),
		Kind:   kind,
		Data:   raw,
	}, nil
}

// activityLog is a grow-only set of entries kept sorted by id. Merge
// is set union; entries are never mutated or removed.
type activityLog struct {
	entries []Entry
	seen    map[string]bool
}

func newActivityLog() activityLog {
	return activityLog{seen: make(map[string]bool)}
}

// append inserts an entry in id order and reports whether it was new.
func (l *activityLog) append(e Entry) bool {
	if l.seen[e.ID] {
		return false
	}
	l.seen[e.ID] = true

	pos := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].ID >= e.ID
	})
	l.entries = append(l.entries, Entry{})
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = e
	return true
}

// snapshot returns a copy of the log in id order.
func (l *activityLog) snapshot() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
