package crdt

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Change describes one applied batch of document changes: a committed
// local transaction or a merged remote delta. Observers receive exactly
// one Change per transaction boundary, however many fields it touched.
type Change struct {
	// Delta holds the changes that were applied.
	Delta Delta

	// Local is true when the change originated on this replica.
	Local bool
}

// Document is the replicated state for one collaborative session: a
// last-writer-wins property map, a sequence CRDT holding collaborative
// text, and an append-only activity log.
//
// Merging two replicas is commutative, associative, and idempotent:
// replicas that exchange the same set of deltas converge to identical
// state regardless of delivery order or duplication. Merge never
// returns an error; it is total over well-formed deltas.
//
// Methods are safe for concurrent use, but observers are invoked on
// the mutating goroutine: callers that need strict submission-order
// notifications should serialize their mutations, as the session event
// loop does.
type Document struct {
	clock *Clock

	mu    sync.Mutex
	props propertyMap
	text  textSeq
	log   activityLog

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int
}

// NewDocument creates an empty document owned by the given writer
// identity. The writer id is used for LWW tie-breaks and text item
// identifiers, so it must be unique among collaborating replicas.
func NewDocument(writer string) *Document {
	return &Document{
		clock:     NewClock(writer),
		props:     newPropertyMap(),
		text:      newTextSeq(),
		log:       newActivityLog(),
		observers: make(map[int]func(Change)),
	}
}

// Writer returns the writer identity this replica stamps with.
func (d *Document) Writer() string {
	return d.clock.Writer()
}

// Txn collects the changes of one transaction. All writes made through
// a Txn commit together and produce a single observer notification and
// a single delta. A Txn must not outlive the Update call that created
// it, and the callback must not call back into the Document.
type Txn struct {
	doc   *Document
	delta Delta
}

// Set writes a property as a stamped last-writer-wins register. The
// value is marshaled to JSON; json.RawMessage values pass through
// unchanged.
func (t *Txn) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal property %s: %w", key, err)
	}
	st := t.doc.clock.Tick()
	t.doc.props.set(key, raw, st)
	t.delta.Props = append(t.delta.Props, PropDelta{Key: key, Value: raw, Stamp: st})
	return nil
}

// InsertText inserts s at the given visible rune offset.
func (t *Txn) InsertText(offset int, s string) error {
	if s == "" {
		return nil
	}
	ops, err := t.doc.text.insertLocal(offset, s, t.doc.clock)
	if err != nil {
		return err
	}
	t.delta.Inserts = append(t.delta.Inserts, ops...)
	return nil
}

// TextLen returns the visible text length as of this point in the
// transaction, so edits can address the current end of text.
func (t *Txn) TextLen() int {
	return t.doc.text.visible
}

// DeleteText removes n visible runes starting at offset.
func (t *Txn) DeleteText(offset, n int) error {
	ids, err := t.doc.text.deleteLocal(offset, n)
	if err != nil {
		return err
	}
	t.delta.Deletes = append(t.delta.Deletes, ids...)
	return nil
}

// AppendActivity appends an immutable event record to the activity
// log. The data value is marshaled to JSON and may be nil.
func (t *Txn) AppendActivity(kind string, data any) error {
	e, err := newEntry(t.doc.clock.Writer(), kind, data)
	if err != nil {
		return err
	}
	t.doc.log.append(e)
	t.delta.Activity = append(t.delta.Activity, e)
	return nil
}

// Update runs fn inside a transaction and commits the changes it made,
// returning the delta to propagate to other replicas. Changes apply to
// the document as fn makes them; if fn returns an error, writes already
// performed remain applied and are included in the returned delta.
//
// One Update produces at most one observer notification, batched at
// the transaction boundary.
func (d *Document) Update(fn func(*Txn) error) (Delta, error) {
	d.mu.Lock()
	tx := &Txn{doc: d}
	err := fn(tx)
	delta := tx.delta
	d.mu.Unlock()

	if !delta.Empty() {
		d.notify(Change{Delta: delta, Local: true})
	}
	if err != nil {
		return delta, fmt.Errorf("failed to apply transaction: %w", err)
	}
	return delta, nil
}

// Merge integrates a remote delta and reports whether it changed the
// document. Duplicated and reordered deltas are safe: replayed changes
// are no-ops, and changes that depend on not-yet-seen items are held
// until those items arrive.
func (d *Document) Merge(delta Delta) bool {
	d.mu.Lock()
	changed := false
	for _, p := range delta.Props {
		if d.props.set(p.Key, p.Value, p.Stamp) {
			changed = true
		}
	}
	for _, ins := range delta.Inserts {
		if d.text.applyInsert(ins) {
			changed = true
		}
	}
	for _, id := range delta.Deletes {
		if d.text.applyDelete(id) {
			changed = true
		}
	}
	for _, e := range delta.Activity {
		if d.log.append(e) {
			changed = true
		}
	}
	d.clock.Observe(delta.maxTime())
	d.mu.Unlock()

	if changed {
		d.notify(Change{Delta: delta, Local: false})
	}
	return changed
}

// State encodes the entire document as one delta, for the initial
// exchange with a relay or a late-joining replica. Merging a full
// state uses the ordinary Merge path.
func (d *Document) State() Delta {
	d.mu.Lock()
	defer d.mu.Unlock()

	inserts, deletes := d.text.stateOps()
	return Delta{
		Props:    d.props.deltas(),
		Inserts:  inserts,
		Deletes:  deletes,
		Activity: d.log.snapshot(),
	}
}

// Observe registers fn to be called once per applied transaction or
// merged delta. The returned function unregisters it; unregistering
// twice is harmless.
func (d *Document) Observe(fn func(Change)) func() {
	d.obsMu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.obsMu.Lock()
			delete(d.observers, id)
			d.obsMu.Unlock()
		})
	}
}

// notify invokes observers outside the state lock so callbacks can
// read the document.
func (d *Document) notify(c Change) {
	d.obsMu.Lock()
	fns := make([]func(Change), 0, len(d.observers))
	for _, fn := range d.observers {
		fns = append(fns, fn)
	}
	d.obsMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Property returns the current value of one field.
func (d *Document) Property(key string) (json.RawMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.props.get(key)
}

// Properties returns a snapshot of all current field values.
func (d *Document) Properties() map[string]json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.props.snapshot()
}

// Text returns the current visible text.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.string()
}

// TextLen returns the visible text length in runes.
func (d *Document) TextLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.visible
}

// Activity returns a snapshot of the activity log in stable order.
func (d *Document) Activity() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.log.snapshot()
}
