package crdt

import (
	"errors"
	"sort"
	"strings"
)

// ErrTextRange is returned when a text edit addresses an offset outside
// the current visible text.
var ErrTextRange = errors.New("text offset out of range")

// ItemID identifies one inserted text item for the life of the
// document. The zero ItemID is the document head sentinel.
//
// Item identifiers are position-stable: an item keeps its identity no
// matter how concurrent edits shift visible offsets around it, so
// remote deletes and inserts always land on the intended characters.
type ItemID struct {
	Time   uint64 `json:"t"`
	Writer string `json:"w"`
}

// IsZero reports whether the id is the head sentinel.
func (id ItemID) IsZero() bool {
	return id.Time == 0 && id.Writer == ""
}

// greaterID orders item identifiers by (time, writer). Among items
// inserted after the same origin, the greater id sorts first, which
// keeps runs typed by one writer contiguous and makes concurrent
// insertions at the same spot converge to the same interleaving.
func greaterID(a, b ItemID) bool {
	if a.Time != b.Time {
		return a.Time > b.Time
	}
	return a.Writer > b.Writer
}

// textItem is one element of the sequence: a single rune, the id of
// the item it was inserted after, and a tombstone flag. Deleted items
// are never removed; they keep later concurrent edits anchored.
type textItem struct {
	id      ItemID
	origin  ItemID
	value   rune
	deleted bool
}

// textSeq is the sequence CRDT backing collaborative text. Items live
// in an append-only arena and are addressed by integer index; the
// logical order is a causal-tree traversal where each item's children
// (items inserted directly after it) are visited newest-first. Flat
// tables throughout, no pointer-linked tree nodes.
type textSeq struct {
	arena    []textItem
	index    map[ItemID]int   // id -> arena index
	children map[ItemID][]int // origin id -> arena indices, newest first
	visible  int

	order []int // cached traversal of arena indices
	dirty bool

	// Out-of-order delivery buffers: inserts waiting for their origin,
	// and deletes that arrived before their target.
	orphans        map[ItemID][]textItem
	orphaned       map[ItemID]bool
	pendingDeletes map[ItemID]bool
}

func newTextSeq() textSeq {
	return textSeq{
		index:          make(map[ItemID]int),
		children:       make(map[ItemID][]int),
		orphans:        make(map[ItemID][]textItem),
		orphaned:       make(map[ItemID]bool),
		pendingDeletes: make(map[ItemID]bool),
	}
}

// insertLocal inserts s at the visible rune offset and returns the wire
// ops describing the new items. Each rune chains on the previous one so
// the whole run stays contiguous under concurrent merges.
func (t *textSeq) insertLocal(offset int, s string, clock *Clock) ([]TextInsert, error) {
	if offset < 0 || offset > t.visible {
		return nil, ErrTextRange
	}

	origin := ItemID{}
	if offset > 0 {
		idx, err := t.visibleIndex(offset - 1)
		if err != nil {
			return nil, err
		}
		origin = t.arena[idx].id
	}

	runes := []rune(s)
	ops := make([]TextInsert, 0, len(runes))
	for _, r := range runes {
		st := clock.Tick()
		item := textItem{
			id:     ItemID{Time: st.Time, Writer: st.Writer},
			origin: origin,
			value:  r,
		}
		t.integrate(item)
		ops = append(ops, TextInsert{ID: item.id, Origin: item.origin, Value: string(r)})
		origin = item.id
	}
	return ops, nil
}

// deleteLocal tombstones n visible runes starting at offset and returns
// the ids of the deleted items.
func (t *textSeq) deleteLocal(offset, n int) ([]ItemID, error) {
	if n < 0 || offset < 0 || offset+n > t.visible {
		return nil, ErrTextRange
	}
	if n == 0 {
		return nil, nil
	}

	// Resolve all targets before tombstoning: deleting shifts offsets.
	t.ensureOrder()
	ids := make([]ItemID, 0, n)
	seen := 0
	for _, idx := range t.order {
		if t.arena[idx].deleted {
			continue
		}
		if seen >= offset {
			ids = append(ids, t.arena[idx].id)
			if len(ids) == n {
				break
			}
		}
		seen++
	}

	for _, id := range ids {
		t.applyDelete(id)
	}
	return ids, nil
}

// applyInsert integrates a remote insert. Duplicates are no-ops;
// inserts whose origin has not arrived yet are buffered and integrated
// once it does. Reports whether the op changed (or will change) state.
func (t *textSeq) applyInsert(ins TextInsert) bool {
	if _, ok := t.index[ins.ID]; ok {
		return false
	}
	if t.orphaned[ins.ID] {
		return false
	}

	runes := []rune(ins.Value)
	if len(runes) == 0 {
		return false
	}
	item := textItem{id: ins.ID, origin: ins.Origin, value: runes[0]}

	if !item.origin.IsZero() {
		if _, ok := t.index[item.origin]; !ok {
			t.orphans[item.origin] = append(t.orphans[item.origin], item)
			t.orphaned[item.id] = true
			return true
		}
	}
	t.integrate(item)
	return true
}

// applyDelete tombstones the item with the given id. Deletes that
// arrive before their insert are remembered and applied on arrival.
func (t *textSeq) applyDelete(id ItemID) bool {
	idx, ok := t.index[id]
	if !ok {
		if t.pendingDeletes[id] {
			return false
		}
		t.pendingDeletes[id] = true
		return true
	}
	if t.arena[idx].deleted {
		return false
	}
	t.arena[idx].deleted = true
	t.visible--
	t.dirty = true
	return true
}

// integrate places an item into the arena and the child table, then
// drains any orphans that were waiting for it.
func (t *textSeq) integrate(item textItem) {
	idx := len(t.arena)
	t.arena = append(t.arena, item)
	t.index[item.id] = idx

	kids := t.children[item.origin]
	pos := sort.Search(len(kids), func(i int) bool {
		return greaterID(item.id, t.arena[kids[i]].id)
	})
	kids = append(kids, 0)
	copy(kids[pos+1:], kids[pos:])
	kids[pos] = idx
	t.children[item.origin] = kids

	if t.pendingDeletes[item.id] {
		delete(t.pendingDeletes, item.id)
		t.arena[idx].deleted = true
	} else {
		t.visible++
	}
	t.dirty = true

	if waiting := t.orphans[item.id]; len(waiting) > 0 {
		delete(t.orphans, item.id)
		for _, w := range waiting {
			delete(t.orphaned, w.id)
			t.integrate(w)
		}
	}
}

// ensureOrder rebuilds the cached traversal if edits invalidated it.
// Preorder walk of the causal tree: an item is followed by the items
// inserted directly after it, newest subtree first.
func (t *textSeq) ensureOrder() {
	if !t.dirty {
		return
	}
	t.order = t.order[:0]

	type frame struct {
		kids []int
		next int
	}
	stack := []frame{{kids: t.children[ItemID{}]}}
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		if f.next >= len(f.kids) {
			stack = stack[:len(stack)-1]
			continue
		}
		idx := f.kids[f.next]
		f.next++
		t.order = append(t.order, idx)
		if kids := t.children[t.arena[idx].id]; len(kids) > 0 {
			stack = append(stack, frame{kids: kids})
		}
	}
	t.dirty = false
}

// visibleIndex returns the arena index of the visible rune at offset.
func (t *textSeq) visibleIndex(offset int) (int, error) {
	t.ensureOrder()
	seen := 0
	for _, idx := range t.order {
		if t.arena[idx].deleted {
			continue
		}
		if seen == offset {
			return idx, nil
		}
		seen++
	}
	return 0, ErrTextRange
}

// string materializes the visible text.
func (t *textSeq) string() string {
	t.ensureOrder()
	var b strings.Builder
	b.Grow(t.visible)
	for _, idx := range t.order {
		if t.arena[idx].deleted {
			continue
		}
		b.WriteRune(t.arena[idx].value)
	}
	return b.String()
}

// stateOps encodes the full sequence as wire ops. Arena order is a
// valid causal order: an item is only integrated after its origin.
func (t *textSeq) stateOps() ([]TextInsert, []ItemID) {
	inserts := make([]TextInsert, 0, len(t.arena))
	var deletes []ItemID
	for _, it := range t.arena {
		inserts = append(inserts, TextInsert{ID: it.id, Origin: it.origin, Value: string(it.value)})
		if it.deleted {
			deletes = append(deletes, it.id)
		}
	}
	return inserts, deletes
}
