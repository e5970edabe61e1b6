// Package block implements the BlockSet external collaborator described in
// spec §3/§6: a fixed-size-block device abstraction with read/write/flush,
// a block count, and the ability to carve out a contiguous sub-range as an
// independent BlockSet. Concrete backends (MemSet, FileSet) let the rest of
// vaultfs be tested without a real block device.
package block

import "github.com/deploymenttheory/vaultfs/internal/vfserr"

// Id identifies a block by its non-negative offset within a BlockSet.
type Id uint64

// Set is the external block device collaborator of spec §6. Implementations
// need not be safe for concurrent use unless documented otherwise; callers
// serialize access through the higher-level component locks (§5).
type Set interface {
	// Read fills buf (exactly BlockSize() bytes) from block bid.
	Read(bid Id, buf []byte) error
	// Write stores buf (exactly BlockSize() bytes) to block bid.
	Write(bid Id, buf []byte) error
	// Flush persists any buffered writes.
	Flush() error
	// Nblocks reports the number of blocks in the set.
	Nblocks() uint64
	// BlockSize reports the fixed block size in bytes.
	BlockSize() uint32
	// Subset returns a BlockSet over blocks [start, start+len), addressed
	// with block id 0 as the first block of the subset.
	Subset(start Id, length uint64) (Set, error)
}

func checkRange(s Set, bid Id, buf []byte) error {
	if uint32(len(buf)) != s.BlockSize() {
		return vfserr.New("block.io", vfserr.EINVAL)
	}
	if uint64(bid) >= s.Nblocks() {
		return vfserr.New("block.io", vfserr.EINVAL)
	}
	return nil
}
