// Package rawlog implements the raw log store (C2): append-only logs
// composed of chunks owned from a chunk.Allocator, TX-scoped create/open/
// delete, single-writer enforcement, and a head/tail split so uncommitted
// appends don't disturb the committed log's bookkeeping until the owning Tx
// commits, even though the bytes themselves are written to their final
// device location as soon as Append is called.
//
// The tail/head split and chunk ownership idea is grounded on the
// other_examples append-only log managers (gastrolog's chunk-file-manager,
// dittofs's wal-mmap): a log is a list of owned chunks plus a tail length,
// and appends either fill the trailing free space of the last chunk or pull
// fresh chunks from the allocator.
//
// Simplification versus spec.md's byte-granular Append: this implementation
// requires append buffers to be a whole number of blocks (every caller in
// this codebase — the crypto log's node/data writes — already appends
// whole blocks), which keeps the tail bookkeeping a simple block count
// instead of a sub-block byte offset.
package rawlog

import (
	"sync"

	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/chunk"
	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
	"github.com/deploymenttheory/vaultfs/internal/vlog"
)

// Id is a monotonically increasing raw log identifier.
type Id uint64

// head is the persistent, committed state of a log (§3): an ordered list of
// owned chunks, all full except the last, which holds numBlocks blocks.
type head struct {
	chunks    []chunk.Id
	numBlocks uint32
}

func (h head) nblocks(blocksPerChunk uint32) uint64 {
	if len(h.chunks) == 0 {
		return 0
	}
	return uint64(len(h.chunks)-1)*uint64(blocksPerChunk) + uint64(h.numBlocks)
}

type editKind int

const (
	editCreate editKind = iota
	editDelete
	editAppend
)

type storeEdit struct {
	kind editKind
	id   Id
	tail *tailState // only set for editAppend
}

// tailState accumulates everything one appendable handle writes during its
// Tx: the chunks newly allocated this Tx, and the occupancy (in blocks) of
// whichever chunk is currently the logical tail — the previously-committed
// last chunk until it fills up, then each newly allocated chunk in turn.
type tailState struct {
	newChunks     []chunk.Id
	tailOccupancy uint32
}

// Store is the raw log store (C2): a set of named (by Id) append-only logs
// sharing one chunk allocator and one backing block set.
type Store struct {
	mu             sync.Mutex
	dev            block.Set
	alloc          *chunk.Allocator
	blocksPerChunk uint32
	nextID         Id
	heads          map[Id]head
	writeSet       map[Id]bool // logs with a live appendable handle
	deleted        map[Id]bool // lazy-delete table: ids removed from state
	edits          map[*txn.Tx][]*storeEdit
	appendEdit     map[appendKey]*storeEdit // never populated; repeated Append calls accumulate through the handle's tail state
}

type appendKey struct {
	tx *txn.Tx
	id Id
}

var _ txn.Participant = (*Store)(nil)

// New creates an empty raw log store over dev, allocating chunks from alloc.
func New(dev block.Set, alloc *chunk.Allocator) *Store {
	return &Store{
		dev:            dev,
		alloc:          alloc,
		blocksPerChunk: alloc.NblocksPerChunk(),
		heads:          make(map[Id]head),
		writeSet:       make(map[Id]bool),
		deleted:        make(map[Id]bool),
		edits:          make(map[*txn.Tx][]*storeEdit),
		appendEdit:     make(map[appendKey]*storeEdit),
	}
}

func (s *Store) push(tx *txn.Tx, e *storeEdit) {
	// Registers s as a participant of tx the first time it contributes (this
	// store tracks its own edits in s.edits keyed by *Tx rather than through
	// tx.Record's payload, so the registration-only call carries a nil edit
	// — mirroring the edit journal's own self-registration convention).
	tx.Record(s, nil)
	s.edits[tx] = append(s.edits[tx], e)
}

// CreateLog reserves a fresh Id and records a Create edit; the new log
// starts empty and appendable within this Tx (§4.2).
func (s *Store) CreateLog(tx *txn.Tx) *RawLog {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.writeSet[id] = true
	s.push(tx, &storeEdit{kind: editCreate, id: id})
	s.mu.Unlock()

	return &RawLog{store: s, id: id, tx: tx, appendable: true}
}

// OpenLog opens an existing log. canAppend requests a single-writer
// appendable handle; ENOENT is returned if the log was deleted (or never
// existed), and EPERM if another Tx already holds an appendable handle.
func (s *Store) OpenLog(tx *txn.Tx, id Id, canAppend bool) (*RawLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted[id] {
		return nil, vfserr.New("rawlog.open", vfserr.ENOENT)
	}
	if _, ok := s.heads[id]; !ok && !s.createdInTxLocked(tx, id) {
		return nil, vfserr.New("rawlog.open", vfserr.ENOENT)
	}
	if canAppend {
		if s.writeSet[id] {
			return nil, vfserr.New("rawlog.open", vfserr.EPERM)
		}
		s.writeSet[id] = true
	}
	return &RawLog{store: s, id: id, tx: tx, appendable: canAppend}, nil
}

func (s *Store) createdInTxLocked(tx *txn.Tx, id Id) bool {
	for _, e := range s.edits[tx] {
		if e.kind == editCreate && e.id == id {
			return true
		}
	}
	return false
}

// DeleteLog records a Delete edit. Per §4.2/§9 the log id is removed from
// state (and added to the lazy-delete table) at commit. The deleted log's
// chunks stay allocated: the store does not return them to the allocator.
func (s *Store) DeleteLog(tx *txn.Tx, id Id) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push(tx, &storeEdit{kind: editDelete, id: id})
}

// Precommit is a no-op: append data is already durably written to its final
// device blocks by RawLog.Append, so there's nothing left to flush before
// the journal commits the bookkeeping edits.
func (s *Store) Precommit(tx *txn.Tx) error { return nil }

// CommitApply applies every edit recorded against this store during tx to
// its persistent state (the head/writeSet/deleted tables), in recording
// order, then clears this Tx's bookkeeping.
func (s *Store) CommitApply(tx *txn.Tx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := vlog.For("rawlog").WithField("tx_id", tx.ID())
	for _, e := range s.edits[tx] {
		switch e.kind {
		case editCreate:
			s.heads[e.id] = head{}
		case editDelete:
			delete(s.heads, e.id)
			s.deleted[e.id] = true
			log.WithField("log_id", e.id).Debug("log deleted")
		case editAppend:
			h := s.heads[e.id]
			h.chunks = append(h.chunks, e.tail.newChunks...)
			h.numBlocks = e.tail.tailOccupancy
			s.heads[e.id] = h
		}
		if e.kind != editDelete {
			s.writeSet[e.id] = false
		}
	}
	delete(s.edits, tx)
	for k := range s.appendEdit {
		if k.tx == tx {
			delete(s.appendEdit, k)
		}
	}
}

// EditKind is the exported form of a store edit's kind, used by the tx log
// store's journal codec (C7) to serialize raw log store mutations into an
// edit group independent of the in-Tx bookkeeping (§4.5, §4.7).
type EditKind int

const (
	EditCreate EditKind = iota
	EditDelete
	EditAppend
)

// LogEdit is the exported, wire-friendly form of a single store edit.
type LogEdit struct {
	Kind          EditKind
	Id            Id
	NewChunks     []chunk.Id
	TailOccupancy uint32
}

// EditsFor converts tx's recorded edits against s into their exported wire
// form, in recording order — the input the journal codec serializes.
func (s *Store) EditsFor(tx *txn.Tx) []LogEdit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEdit, 0, len(s.edits[tx]))
	for _, e := range s.edits[tx] {
		le := LogEdit{Kind: EditKind(e.kind), Id: e.id}
		if e.tail != nil {
			le.NewChunks = append([]chunk.Id(nil), e.tail.newChunks...)
			le.TailOccupancy = e.tail.tailOccupancy
		}
		out = append(out, le)
	}
	return out
}

// ApplyEdit applies a single replayed edit directly to persistent state,
// bypassing the Tx machinery — used by the edit journal (C5) to replay a
// decoded EditGroup during recovery (§4.5 recovery step 3).
func (s *Store) ApplyEdit(e LogEdit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.Kind {
	case EditCreate:
		s.heads[e.Id] = head{}
		// Journal replay is the only path that bypasses CreateLog's
		// synchronous s.nextID++, so it must advance the counter itself —
		// otherwise a freshly recovered store would hand out an id already
		// used by a log the replay just recreated.
		if e.Id > s.nextID {
			s.nextID = e.Id
		}
	case EditDelete:
		delete(s.heads, e.Id)
		s.deleted[e.Id] = true
	case EditAppend:
		h := s.heads[e.Id]
		h.chunks = append(h.chunks, e.NewChunks...)
		h.numBlocks = e.TailOccupancy
		s.heads[e.Id] = h
	}
}

// HeadSnapshot is the exported, wire-friendly form of one log's committed
// head — the unit the tx log store's journal codec (C7) persists into a
// compaction snapshot (§3, §4.5 step 2).
type HeadSnapshot struct {
	Id        Id
	Chunks    []chunk.Id
	NumBlocks uint32
}

// Snapshot returns the store's full committed state (next id counter plus
// every log's head) for the journal codec's SnapshotState (§4.5).
func (s *Store) Snapshot() (nextID Id, heads []HeadSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HeadSnapshot, 0, len(s.heads))
	for id, h := range s.heads {
		out = append(out, HeadSnapshot{Id: id, Chunks: append([]chunk.Id(nil), h.chunks...), NumBlocks: h.numBlocks})
	}
	return s.nextID, out
}

// Restore replaces the store's committed state wholesale from a decoded
// snapshot (§4.5 recovery step 2: "restore the state").
func (s *Store) Restore(nextID Id, heads []HeadSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID = nextID
	s.heads = make(map[Id]head, len(heads))
	for _, h := range heads {
		s.heads[h.Id] = head{chunks: append([]chunk.Id(nil), h.Chunks...), numBlocks: h.NumBlocks}
	}
	s.deleted = make(map[Id]bool)
}

// Sync flushes the underlying block set (§4.7: "sync() — flushes raw log
// store and journal").
func (s *Store) Sync() error {
	return s.dev.Flush()
}

