package bidpath

import (
	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/chunk"
	"github.com/deploymenttheory/vaultfs/internal/config"
	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
)

// Ptrs is the on-disk pointer header embedded in an inode descriptor (§3):
// 12 direct block ids plus one single/double/triple indirect block id each.
// Zero means "unallocated".
type Ptrs struct {
	Direct     [config.DirectPtrCount]block.Id
	Indirect   block.Id
	DbIndirect block.Id
	TbIndirect block.Id
}

// Tree resolves and grows/shrinks one inode's block-pointer tree. It draws
// data and indirect blocks from a block-granularity chunk.Allocator (the
// allocator is constructed with NblocksPerChunk=1, so each "chunk" returned
// is exactly one device block; C3/C4 use an Allocator instance separate
// from the one C2/C7 use for their chunk-granularity growth, see
// DESIGN.md). Device block 0 is never used as a data or indirect block,
// since a zero pointer marks an unallocated slot.
type Tree struct {
	dev   block.Set
	alloc *chunk.Allocator
	cache *IndirectCache
	n     uint64

	Ptrs        Ptrs
	BlocksCount uint64
}

// NewTree wraps an inode's existing pointer header and block count.
func NewTree(dev block.Set, alloc *chunk.Allocator, cache *IndirectCache, ptrs Ptrs, blocksCount uint64) *Tree {
	return &Tree{dev: dev, alloc: alloc, cache: cache, n: cache.n, Ptrs: ptrs, BlocksCount: blocksCount}
}

// Resolve returns the device block id backing logical block lbid, or 0 if
// that slot is a hole (unallocated, to be treated as zero-filled per §4.4).
func (t *Tree) Resolve(lbid uint64) (block.Id, error) {
	p := Resolve(lbid, t.n)
	switch p.Kind {
	case Direct:
		return t.Ptrs.Direct[p.Idx], nil
	case Indirect:
		return t.indirectSlot(t.Ptrs.Indirect, p.Idx)
	case DbIndirect:
		mid, err := t.indirectSlot(t.Ptrs.DbIndirect, p.I)
		if err != nil || mid == 0 {
			return mid, err
		}
		return t.indirectSlot(mid, p.J)
	case TbIndirect:
		lvl1, err := t.indirectSlot(t.Ptrs.TbIndirect, p.I)
		if err != nil || lvl1 == 0 {
			return lvl1, err
		}
		lvl2, err := t.indirectSlot(lvl1, p.J)
		if err != nil || lvl2 == 0 {
			return lvl2, err
		}
		return t.indirectSlot(lvl2, p.K)
	}
	return 0, vfserr.New("bidpath.resolve", vfserr.EINVAL)
}

func (t *Tree) indirectSlot(indirectBid block.Id, idx uint32) (block.Id, error) {
	if indirectBid == 0 {
		return 0, nil
	}
	ptrs, err := t.cache.Load(indirectBid)
	if err != nil {
		return 0, err
	}
	return block.Id(ptrs[idx]), nil
}

// round describes one extension/truncation step: the logical range it
// covers and which pointer-tree slots need to change.
type round struct {
	lbidStart, lbidEnd uint64 // [start, end)
}

// nextRounds splits [start, end) into chunks that each stay within a single
// indirect-tier boundary, mirroring §4.3's extension-round algorithm.
func nextRounds(start, end, n uint64) []round {
	var rs []round
	for start < end {
		b := boundary(start, n)
		stop := end
		if b < stop {
			stop = b
		}
		rs = append(rs, round{lbidStart: start, lbidEnd: stop})
		start = stop
	}
	return rs
}

// Expand grows the tree to cover logical block count newBlocksCount,
// allocating data and indirect blocks from alloc as needed (§4.3). On
// allocation failure mid-round, everything this call allocated is rolled
// back via DeallocBatch (recorded in the same Tx, so it has no effect
// unless this Tx commits — matching "roll back all allocations made in this
// call").
func (t *Tree) Expand(tx *txn.Tx, newBlocksCount uint64) error {
	if newBlocksCount <= t.BlocksCount {
		return nil
	}
	if newBlocksCount > MaxBlocks(t.n) {
		return vfserr.New("bidpath.expand", vfserr.ENOSPC)
	}

	var allocatedThisCall []chunk.Id
	rollback := func() {
		if len(allocatedThisCall) > 0 {
			t.alloc.DeallocBatch(tx, allocatedThisCall)
		}
	}

	for _, r := range nextRounds(t.BlocksCount, newBlocksCount, t.n) {
		n := r.lbidEnd - r.lbidStart
		indirectNeeded := t.indirectBlocksNeededFor(r.lbidStart)

		want := int(n) + indirectNeeded
		// Block 0 is the "unallocated" marker in Ptrs and in indirect
		// slots, so it is never used as a data or indirect block: when the
		// allocator hands it out it stays allocated (in raw) but unused.
		raw := t.alloc.AllocBatch(tx, want)
		got := make([]chunk.Id, 0, want)
		for _, id := range raw {
			if id != 0 {
				got = append(got, id)
			}
		}
		if len(got) < want {
			// retry for the shortfall once; chunk.Allocator.AllocBatch
			// already returns everything free, so a retry here only helps
			// if block 0 was skipped above or another caller freed blocks
			// concurrently. If it still comes up short, fail and roll back.
			more := t.alloc.AllocBatch(tx, want-len(got))
			raw = append(raw, more...)
			got = append(got, more...)
		}
		if len(got) < want {
			if len(raw) > 0 {
				t.alloc.DeallocBatch(tx, raw)
			}
			rollback()
			return vfserr.New("bidpath.expand", vfserr.ENOSPC)
		}
		allocatedThisCall = append(allocatedThisCall, got...)

		indirectBids := got[:indirectNeeded]
		dataBids := got[indirectNeeded:]

		if err := t.installIndirects(r.lbidStart, indirectBids); err != nil {
			rollback()
			return err
		}
		if err := t.writeDataRange(r.lbidStart, dataBids); err != nil {
			rollback()
			return err
		}
		t.BlocksCount = r.lbidEnd
	}
	return nil
}

// indirectBlocksNeededFor reports how many new indirect blocks (0..3) must
// be created because their parent slot is currently zero, for the tier that
// logical block lbid falls in.
func (t *Tree) indirectBlocksNeededFor(lbid uint64) int {
	p := Resolve(lbid, t.n)
	switch p.Kind {
	case Direct:
		return 0
	case Indirect:
		if t.Ptrs.Indirect == 0 {
			return 1
		}
		return 0
	case DbIndirect:
		need := 0
		if t.Ptrs.DbIndirect == 0 {
			need++
		}
		if p.J == 0 {
			need++ // the mid-level block for index p.I is new
		}
		return need
	case TbIndirect:
		need := 0
		if t.Ptrs.TbIndirect == 0 {
			need++
		}
		if p.J == 0 && p.K == 0 {
			need++
		}
		if p.K == 0 {
			need++
		}
		return need
	}
	return 0
}

// installIndirects wires freshly allocated indirect blocks into the pointer
// tree for the tier containing lbidStart, in root-to-leaf order.
func (t *Tree) installIndirects(lbidStart uint64, indirectBids []chunk.Id) error {
	p := Resolve(lbidStart, t.n)
	next := 0
	take := func() block.Id {
		bid := block.Id(indirectBids[next])
		next++
		return bid
	}

	switch p.Kind {
	case Indirect:
		if t.Ptrs.Indirect == 0 {
			t.Ptrs.Indirect = take()
			t.cache.Store(t.Ptrs.Indirect, make([]uint64, t.n))
		}
	case DbIndirect:
		if t.Ptrs.DbIndirect == 0 {
			t.Ptrs.DbIndirect = take()
			t.cache.Store(t.Ptrs.DbIndirect, make([]uint64, t.n))
		}
		if p.J == 0 {
			mid := take()
			if err := t.cache.SetPtr(t.Ptrs.DbIndirect, p.I, uint64(mid)); err != nil {
				return err
			}
			t.cache.Store(mid, make([]uint64, t.n))
		}
	case TbIndirect:
		if t.Ptrs.TbIndirect == 0 {
			t.Ptrs.TbIndirect = take()
			t.cache.Store(t.Ptrs.TbIndirect, make([]uint64, t.n))
		}
		lvl1, err := t.indirectSlot(t.Ptrs.TbIndirect, p.I)
		if err != nil {
			return err
		}
		if lvl1 == 0 {
			lvl1 = take()
			if err := t.cache.SetPtr(t.Ptrs.TbIndirect, p.I, uint64(lvl1)); err != nil {
				return err
			}
			t.cache.Store(lvl1, make([]uint64, t.n))
		}
		if p.K == 0 {
			lvl2 := take()
			if err := t.cache.SetPtr(lvl1, p.J, uint64(lvl2)); err != nil {
				return err
			}
			t.cache.Store(lvl2, make([]uint64, t.n))
		}
	}
	return nil
}

// writeDataRange installs dataBids as the device blocks backing the
// contiguous logical range starting at lbidStart, writing each slot through
// the direct array or the appropriate indirect block.
func (t *Tree) writeDataRange(lbidStart uint64, dataBids []chunk.Id) error {
	for i, cid := range dataBids {
		lbid := lbidStart + uint64(i)
		bid := block.Id(cid)
		p := Resolve(lbid, t.n)
		switch p.Kind {
		case Direct:
			t.Ptrs.Direct[p.Idx] = bid
		case Indirect:
			if err := t.cache.SetPtr(t.Ptrs.Indirect, p.Idx, uint64(bid)); err != nil {
				return err
			}
		case DbIndirect:
			mid, err := t.indirectSlot(t.Ptrs.DbIndirect, p.I)
			if err != nil {
				return err
			}
			if err := t.cache.SetPtr(mid, p.J, uint64(bid)); err != nil {
				return err
			}
		case TbIndirect:
			lvl1, err := t.indirectSlot(t.Ptrs.TbIndirect, p.I)
			if err != nil {
				return err
			}
			lvl2, err := t.indirectSlot(lvl1, p.J)
			if err != nil {
				return err
			}
			if err := t.cache.SetPtr(lvl2, p.K, uint64(bid)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Shrink truncates the tree down to newBlocksCount logical blocks,
// freeing data blocks and any indirect block left empty by the truncation
// (§4.3).
func (t *Tree) Shrink(tx *txn.Tx, newBlocksCount uint64) error {
	if newBlocksCount >= t.BlocksCount {
		return nil
	}

	rounds := nextRounds(newBlocksCount, t.BlocksCount, t.n)
	for i := len(rounds) - 1; i >= 0; i-- {
		r := rounds[i]
		var freed []chunk.Id
		for lbid := r.lbidEnd; lbid > r.lbidStart; lbid-- {
			bid, err := t.Resolve(lbid - 1)
			if err != nil {
				return err
			}
			if bid != 0 {
				freed = append(freed, chunk.Id(bid))
			}
		}
		t.clearRange(r.lbidStart, r.lbidEnd)
		if r.lbidStart < r.lbidEnd {
			if emptied := t.emptyIndirectsAt(r.lbidStart); len(emptied) > 0 {
				freed = append(freed, emptied...)
			}
		}
		t.alloc.DeallocBatch(tx, freed)
		t.BlocksCount = r.lbidStart
	}
	return nil
}

func (t *Tree) clearRange(start, end uint64) {
	for lbid := start; lbid < end; lbid++ {
		p := Resolve(lbid, t.n)
		switch p.Kind {
		case Direct:
			t.Ptrs.Direct[p.Idx] = 0
		case Indirect:
			if t.Ptrs.Indirect != 0 {
				_ = t.cache.SetPtr(t.Ptrs.Indirect, p.Idx, 0)
			}
		case DbIndirect:
			if t.Ptrs.DbIndirect != 0 {
				if mid, _ := t.indirectSlot(t.Ptrs.DbIndirect, p.I); mid != 0 {
					_ = t.cache.SetPtr(mid, p.J, 0)
				}
			}
		case TbIndirect:
			if t.Ptrs.TbIndirect != 0 {
				if lvl1, _ := t.indirectSlot(t.Ptrs.TbIndirect, p.I); lvl1 != 0 {
					if lvl2, _ := t.indirectSlot(lvl1, p.J); lvl2 != 0 {
						_ = t.cache.SetPtr(lvl2, p.K, 0)
					}
				}
			}
		}
	}
}

// emptyIndirectsAt frees the tier-root indirect block(s) covering lbidStart
// if every slot in them is now zero, bubbling the check up through the
// levels the tier touches (§3: "when shrinking causes a slot to become the
// last occupant and it is freed, the indirect block itself is freed").
func (t *Tree) emptyIndirectsAt(lbidStart uint64) []chunk.Id {
	p := Resolve(lbidStart, t.n)
	var freed []chunk.Id

	allZero := func(bid block.Id) bool {
		if bid == 0 {
			return false
		}
		ptrs, err := t.cache.Load(bid)
		if err != nil {
			return false
		}
		for _, v := range ptrs {
			if v != 0 {
				return false
			}
		}
		return true
	}

	switch p.Kind {
	case Indirect:
		if allZero(t.Ptrs.Indirect) {
			freed = append(freed, chunk.Id(t.Ptrs.Indirect))
			t.Ptrs.Indirect = 0
		}
	case DbIndirect:
		if mid, _ := t.indirectSlot(t.Ptrs.DbIndirect, p.I); mid != 0 && allZero(mid) {
			freed = append(freed, chunk.Id(mid))
			_ = t.cache.SetPtr(t.Ptrs.DbIndirect, p.I, 0)
			if allZero(t.Ptrs.DbIndirect) {
				freed = append(freed, chunk.Id(t.Ptrs.DbIndirect))
				t.Ptrs.DbIndirect = 0
			}
		}
	case TbIndirect:
		lvl1, _ := t.indirectSlot(t.Ptrs.TbIndirect, p.I)
		if lvl1 != 0 {
			if lvl2, _ := t.indirectSlot(lvl1, p.J); lvl2 != 0 && allZero(lvl2) {
				freed = append(freed, chunk.Id(lvl2))
				_ = t.cache.SetPtr(lvl1, p.J, 0)
				if allZero(lvl1) {
					freed = append(freed, chunk.Id(lvl1))
					_ = t.cache.SetPtr(t.Ptrs.TbIndirect, p.I, 0)
					if allZero(t.Ptrs.TbIndirect) {
						freed = append(freed, chunk.Id(t.Ptrs.TbIndirect))
						t.Ptrs.TbIndirect = 0
					}
				}
			}
		}
	}
	return freed
}
