// Package chunk implements the fixed-size chunk bitmap allocator (C1) over a
// block set. A chunk is a contiguous run of CHUNK_NBLOCKS blocks; allocation
// is first-fit over a free bitmap, and every mutation is recorded as a
// TX-scoped edit rather than applied directly (§4.1).
//
// The bitmap scan itself is grounded on the teacher's bitmap parsing shape in
// internal/parsers/space_manager/space_manager_reader.go and
// internal/parsers/encryption_rolling/bitmap_reader.go, generalized from
// read-only parsing of an APFS spaceman bitmap into a mutable first-fit
// allocator.
package chunk

import (
	"sync"

	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
	"github.com/deploymenttheory/vaultfs/internal/vlog"
)

// Id identifies a chunk by its index within the allocator's chunk space.
type Id uint64

// Edit is the TX-scoped mutation recorded against an Allocator: a set of
// chunks allocated and a set freed during the enclosing Tx (§4.1).
type Edit struct {
	Allocated []Id
	Freed     []Id
}

// Allocator is the chunk bitmap allocator of C1. NblocksPerChunk is fixed at
// construction; the bitmap itself is the allocator's persistent state and is
// only mutated by CommitApply, never directly by AllocBatch/DeallocBatch.
type Allocator struct {
	mu              sync.Mutex
	nblocksPerChunk uint32
	bitmap          []bool // true = allocated
}

var _ txn.Participant = (*Allocator)(nil)

// New creates an allocator over nchunks chunks, all initially free.
func New(nchunks uint64, nblocksPerChunk uint32) *Allocator {
	return &Allocator{
		nblocksPerChunk: nblocksPerChunk,
		bitmap:          make([]bool, nchunks),
	}
}

// NblocksPerChunk reports the fixed chunk size in blocks.
func (a *Allocator) NblocksPerChunk() uint32 { return a.nblocksPerChunk }

// Nchunks reports the total chunk count.
func (a *Allocator) Nchunks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(len(a.bitmap))
}

// pendingView computes the bitmap as it would appear with this Tx's
// already-recorded edits for `a` applied, so repeated AllocBatch calls within
// one Tx don't hand out the same chunk twice.
func (a *Allocator) pendingView(tx *txn.Tx) []bool {
	view := append([]bool(nil), a.bitmap...)
	for _, e := range tx.Edits(a) {
		edit := e.(Edit)
		for _, id := range edit.Allocated {
			view[id] = true
		}
		for _, id := range edit.Freed {
			view[id] = false
		}
	}
	return view
}

// AllocBatch requests n chunks via first-fit scanning of the free bitmap,
// possibly returning fewer than requested by concatenating multiple runs
// (§4.1). Returns nil if no chunks are available at all.
func (a *Allocator) AllocBatch(tx *txn.Tx, n int) []Id {
	a.mu.Lock()
	defer a.mu.Unlock()

	view := a.pendingView(tx)
	var got []Id
	for i := range view {
		if len(got) >= n {
			break
		}
		if !view[i] {
			got = append(got, Id(i))
			view[i] = true
		}
	}
	if len(got) == 0 {
		vlog.For("chunk").WithField("tx_id", tx.ID()).Warn("chunk allocation exhausted")
		return nil
	}
	tx.Record(a, Edit{Allocated: got})
	return got
}

// DeallocBatch records the given chunks as freed; the bitmap is only updated
// at commit.
func (a *Allocator) DeallocBatch(tx *txn.Tx, ids []Id) {
	if len(ids) == 0 {
		return
	}
	tx.Record(a, Edit{Freed: append([]Id(nil), ids...)})
}

// Precommit performs no extra work for the chunk allocator; its edits are
// pure in-memory bitmap flips with no external I/O of their own (the caller
// is responsible for persisting the bitmap block(s), typically as part of
// the owning store's superblock/metadata write).
func (a *Allocator) Precommit(tx *txn.Tx) error { return nil }

// CommitApply flips the bitmap bits for every edit recorded against this
// allocator during tx, in recording order.
func (a *Allocator) CommitApply(tx *txn.Tx) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range tx.Edits(a) {
		a.applyEditLocked(e.(Edit))
	}
}

// ApplyEdit applies a single allocator edit directly to persistent state,
// bypassing the Tx machinery — used by the edit journal (C5) to replay a
// decoded EditGroup during recovery (§4.5 recovery step 3).
func (a *Allocator) ApplyEdit(e Edit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applyEditLocked(e)
}

func (a *Allocator) applyEditLocked(e Edit) {
	for _, id := range e.Allocated {
		a.bitmap[id] = true
	}
	for _, id := range e.Freed {
		a.bitmap[id] = false
	}
}

// FreeCount reports the number of currently-free chunks (committed state
// only, not reflecting any in-flight Tx).
func (a *Allocator) FreeCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var free uint64
	for _, used := range a.bitmap {
		if !used {
			free++
		}
	}
	return free
}

// PackBitmap serializes the allocator's committed bitmap into the packed
// little-endian word format used on disk (§6: persistent state is "the
// bitmap").
func (a *Allocator) PackBitmap() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	words := make([]uint64, (len(a.bitmap)+63)/64)
	for i, used := range a.bitmap {
		if used {
			words[i/64] |= 1 << uint(i%64)
		}
	}
	return words
}

// LoadBitmap restores the allocator's committed bitmap from packed words
// (used by recover()).
func (a *Allocator) LoadBitmap(words []uint64, nchunks uint64) error {
	if uint64(len(words)) < (nchunks+63)/64 {
		return vfserr.New("chunk.load", vfserr.EINVAL)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bitmap = make([]bool, nchunks)
	for i := range a.bitmap {
		w, b := i/64, uint(i%64)
		a.bitmap[i] = words[w]&(1<<b) != 0
	}
	return nil
}

