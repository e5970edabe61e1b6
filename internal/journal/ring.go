// Package journal implements the edit journal (C5): a
// {chunk_alloc, raw_log_store, tx_log_store} state triple whose mutations
// are captured as an append-only, AEAD-encrypted, MAC-linked record stream
// (§4.5), with dual-snapshot compaction so the stream never grows without
// bound.
//
// Grounded on other_examples/mansub1029-go-pmem-transaction's undo-log
// record shape (a sequence of {op, payload} records replayed from a log
// region) for the Record/EditGroup replay model, and on
// ClusterCockpit-cc-backend's metricstore WAL checkpoint (two alternating
// snapshot files, version-counter comparison, replay-from-checkpoint) for
// the dual-CryptoBlob compaction scheme.
package journal

import (
	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
)

// BlockRing is a circular block-set buffer (§4.5): appends wrap around once
// the region fills, overwriting the oldest blocks — compaction (which trims
// the chain to one live block) is what keeps the ring from overtaking data
// still needed for recovery.
type BlockRing struct {
	dev   block.Set // the dedicated journal region
	write uint64    // next block offset to write
	count uint64    // number of blocks written since last Reset, capped at cap
}

// NewBlockRing wraps dev (already sized to the journal area) as a ring.
func NewBlockRing(dev block.Set) *BlockRing {
	return &BlockRing{dev: dev}
}

// Cap reports the ring's capacity in blocks.
func (r *BlockRing) Cap() uint64 { return r.dev.Nblocks() }

// NextPos reports the position the next Append will land at.
func (r *BlockRing) NextPos() uint64 { return r.write }

// Append writes one block-sized buf at the ring's current write position,
// advancing it (wrapping at Cap()), and returns the device-relative block
// offset written to.
func (r *BlockRing) Append(buf []byte) (uint64, error) {
	if uint64(len(buf)) != uint64(r.dev.BlockSize()) {
		return 0, vfserr.New("journal.ring", vfserr.EINVAL)
	}
	pos := r.write
	if err := r.dev.Write(block.Id(pos), buf); err != nil {
		return 0, vfserr.Wrap("journal.ring", vfserr.EIO, err)
	}
	r.write = (r.write + 1) % r.Cap()
	if r.count < r.Cap() {
		r.count++
	}
	return pos, nil
}

// Read reads the block at ring-relative offset pos.
func (r *BlockRing) Read(pos uint64, buf []byte) error {
	if pos >= r.Cap() {
		return vfserr.New("journal.ring", vfserr.EINVAL)
	}
	if err := r.dev.Read(block.Id(pos), buf); err != nil {
		return vfserr.Wrap("journal.ring", vfserr.EIO, err)
	}
	return nil
}

// Used reports how many blocks have been written since the last Reset.
func (r *BlockRing) Used() uint64 { return r.count }

// Reset marks the ring logically empty (used after compaction trims the
// chain to a single surviving block).
func (r *BlockRing) Reset(writePos uint64) {
	r.write = writePos
	r.count = 0
}
