package crdt

import "sync"

// Stamp identifies a single write: a Lamport time plus the identity of
// the writer that produced it. Stamps give every property write a total
// order (higher time wins, equal times are broken by writer identity)
// so concurrent writers converge deterministically.
type Stamp struct {
	Time   uint64 `json:"t"`
	Writer string `json:"w"`
}

// After reports whether s supersedes o under last-writer-wins ordering.
// Equal stamps (same time and writer, i.e. the same write replayed) do
// not supersede each other.
func (s Stamp) After(o Stamp) bool {
	if s.Time != o.Time {
		return s.Time > o.Time
	}
	return s.Writer > o.Writer
}

// IsZero reports whether the stamp is the zero value.
func (s Stamp) IsZero() bool {
	return s.Time == 0 && s.Writer == ""
}

// Clock is a Lamport clock scoped to a single writer. Local writes call
// Tick to obtain a fresh stamp; remote state is folded in with Observe
// so that subsequent local writes always supersede everything the
// replica has seen.
type Clock struct {
	writer string

	mu   sync.Mutex
	time uint64
}

// NewClock creates a clock for the given writer identity.
func NewClock(writer string) *Clock {
	return &Clock{writer: writer}
}

// Writer returns the writer identity this clock stamps with.
func (c *Clock) Writer() string {
	return c.writer
}

// Tick advances the clock and returns a stamp for a new local write.
func (c *Clock) Tick() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time++
	return Stamp{Time: c.time, Writer: c.writer}
}

// Observe folds a remotely-seen Lamport time into the clock. The next
// Tick is guaranteed to return a time strictly greater than remote.
func (c *Clock) Observe(remote uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.time {
		c.time = remote
	}
}

// Time returns the current Lamport time without advancing it.
func (c *Clock) Time() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time
}
