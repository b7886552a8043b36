// Package crdt implements the replicated document state shared by
// collaborating clients: a last-writer-wins property map, a sequence
// CRDT for collaborative text, and an append-only activity log.
//
// # Convergence Model
//
// All three structures merge without coordination. Property writes are
// stamped with a Lamport time and writer identity; the higher stamp
// wins and equal times break ties on writer identity, so any two
// replicas resolve a conflicting field the same way. Text items carry
// position-stable identifiers arranged in a causal tree, so concurrent
// insertions at the same offset converge to one deterministic
// interleaving and runs typed by a single writer stay contiguous.
// Activity entries are a grow-only set ordered by K-sortable id.
//
// Because merges are idempotent, a delta may be duplicated, resent
// after a reconnect, or delivered out of order; replicas that have
// exchanged the same set of deltas hold identical state.
//
// # Transactions
//
// Mutations go through Document.Update, which batches every write made
// in the callback into one delta and one observer notification:
//
//	delta, err := doc.Update(func(tx *crdt.Txn) error {
//		if err := tx.Set("stage", "negotiation"); err != nil {
//			return err
//		}
//		return tx.InsertText(0, "Call notes: ")
//	})
//
// The returned delta is what gets sent to other replicas; applying it
// there via Document.Merge reproduces the transaction.
//
// # Storage Layout
//
// Text items live in an append-only arena addressed by integer index,
// with flat lookup tables for identifiers and child lists. Deleted
// items become tombstones rather than being removed, which keeps
// concurrent edits anchored to stable positions.
package crdt
