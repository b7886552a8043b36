package crdt

import "encoding/json"

// PropDelta is one stamped property write on the wire.
type PropDelta struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	Stamp Stamp           `json:"stamp"`
}

// TextInsert is one inserted text item on the wire: its id, the id of
// the item it follows, and the rune it carries.
type TextInsert struct {
	ID     ItemID `json:"id"`
	Origin ItemID `json:"origin"`
	Value  string `json:"value"`
}

// Delta is the causal encoding of document changes: everything one
// transaction did, or an entire document state for the initial sync. Merging a delta is idempotent, so deltas may be duplicated or
// resent without harm, and replicas may receive them in any order.
type Delta struct {
	Props    []PropDelta  `json:"props,omitempty"`
	Inserts  []TextInsert `json:"inserts,omitempty"`
	Deletes  []ItemID     `json:"deletes,omitempty"`
	Activity []Entry      `json:"activity,omitempty"`
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.Props) == 0 && len(d.Inserts) == 0 &&
		len(d.Deletes) == 0 && len(d.Activity) == 0
}

// maxTime returns the highest Lamport time contained in the delta, so
// a merging replica can advance its clock past everything it has seen.
func (d Delta) maxTime() uint64 {
	var max uint64
	for _, p := range d.Props {
		if p.Stamp.Time > max {
			max = p.Stamp.Time
		}
	}
	for _, ins := range d.Inserts {
		if ins.ID.Time > max {
			max = ins.ID.Time
		}
	}
	for _, id := range d.Deletes {
		if id.Time > max {
			max = id.Time
		}
	}
	return max
}
