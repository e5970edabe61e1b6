// Package txn provides the transaction scaffolding that C1 (chunk
// allocator), C2 (raw log store), C5 (edit journal) and C7 (tx log store)
// are all defined in terms of: every mutating operation in spec.md is
// "TX-scoped", meaning it records an edit against the current Tx rather than
// mutating persistent state directly, and persistent state only changes when
// the Tx commits (§4.1, §4.2, §4.7).
//
// There is no cooperative scheduler in vaultfs's core (§5), and a Tx is not
// bound to a goroutine: no registry tracks it, and callers thread the *Tx
// explicitly (idiomatic Go has no goroutine-local storage), which is itself a
// faithful rendition of the
// "programming error to call outside a TX" rule in §4.2 — the compiler
// enforces it by requiring a *Tx argument everywhere the original required a
// CurrentTx lookup.
package txn

import (
	"fmt"
	"sort"
	"sync"

	"github.com/deploymenttheory/vaultfs/internal/vlog"
)

// Participant is a store that contributes edits to a Tx and applies them to
// its own persistent state when the Tx commits. Handlers fire in the order
// they were registered with the Tx (§5: "commit handlers run in order").
type Participant interface {
	// Precommit gives the store a chance to do last work before the edits
	// are durably recorded (e.g. C7's update_dirty_log_metas). An error here
	// aborts the Tx cleanly (§7).
	Precommit(tx *Tx) error
	// CommitApply applies this store's recorded edits to its in-memory
	// persistent state. Per §7, an error here is fatal: the in-memory state
	// would otherwise diverge from disk, so implementations should panic
	// rather than return partially-applied state.
	CommitApply(tx *Tx)
}

// Tx is a single transaction: a named ordered list of edits contributed by
// each participating store, committed or aborted as a unit.
type Tx struct {
	id           uint64
	mu           sync.Mutex
	participants []Participant
	edits        map[Participant][]any
	done         bool
}

var (
	idMu   sync.Mutex
	nextID uint64
)

// Begin starts a new, empty transaction.
func Begin() *Tx {
	idMu.Lock()
	nextID++
	id := nextID
	idMu.Unlock()
	return &Tx{id: id, edits: make(map[Participant][]any)}
}

// ID returns a stable identifier for log correlation.
func (tx *Tx) ID() uint64 { return tx.id }

// Record appends an edit for participant p, registering p as a participant
// of this Tx the first time it contributes.
func (tx *Tx) Record(p Participant, edit any) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if _, seen := tx.edits[p]; !seen {
		tx.participants = append(tx.participants, p)
	}
	tx.edits[p] = append(tx.edits[p], edit)
}

// Edits returns the edits recorded against participant p, in recording
// order.
func (tx *Tx) Edits(p Participant) []any {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]any(nil), tx.edits[p]...)
}

// Commit runs Precommit on every participant (in registration order), then
// CommitApply on every participant (same order), matching the deterministic
// commit-handler ordering of §5. A Precommit error aborts cleanly and is
// returned to the caller; once CommitApply handlers start running, they must
// not fail (§7).
//
// Precommit runs in waves rather than a single fixed pass: a participant's
// Precommit may itself record an edit against a participant touched for the
// first time this Tx (C7's update_dirty_log_metas flushing a dirty crypto
// log triggers fresh chunk allocations from inside the tx log store's own
// Precommit). Looping until a wave adds nothing new ensures every such
// latecomer still gets its Precommit called and, crucially, still ends up
// in the final participants list CommitApply iterates over — a previous
// single-pass implementation silently dropped late registrants' edits.
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return fmt.Errorf("txn: tx %d already finalized", tx.id)
	}
	tx.done = true
	tx.mu.Unlock()

	log := vlog.For("txn").WithField("tx_id", tx.id)

	done := make(map[Participant]bool)
	for {
		tx.mu.Lock()
		var wave []Participant
		for _, p := range tx.participants {
			if !done[p] {
				wave = append(wave, p)
			}
		}
		tx.mu.Unlock()
		if len(wave) == 0 {
			break
		}
		for _, p := range wave {
			if err := p.Precommit(tx); err != nil {
				log.WithError(err).Warn("precommit failed, aborting tx")
				return fmt.Errorf("txn: precommit: %w", err)
			}
			done[p] = true
		}
	}

	tx.mu.Lock()
	participants := append([]Participant(nil), tx.participants...)
	tx.mu.Unlock()
	for _, p := range participants {
		p.CommitApply(tx)
	}
	log.Debug("tx committed")
	return nil
}

// Abort discards every edit recorded against this Tx without touching
// persistent state.
func (tx *Tx) Abort() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.done = true
	tx.edits = nil
	tx.participants = nil
}

// SortedInodeNumbers returns ns sorted ascending, deduplicated — the
// building block for the ascending-inode-number lock order mandated by
// §4.4/§5 for multi-inode operations (rename/unlink/rmdir).
func SortedInodeNumbers(ns []uint64) []uint64 {
	out := append([]uint64(nil), ns...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	dedup := out[:0]
	var last uint64
	first := true
	for _, n := range out {
		if first || n != last {
			dedup = append(dedup, n)
			last = n
			first = false
		}
	}
	return dedup
}
