package bidpath

import (
	"testing"

	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/chunk"
	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/stretchr/testify/require"
)

// n = 64/8 = 8: small enough to exercise every tier without huge fixtures.
const testBlockSize = 64

func newTestTree(nblocks uint64) (*Tree, block.Set) {
	dev := block.NewMemSet(testBlockSize, nblocks)
	alloc := chunk.New(nblocks, 1) // block-granularity allocator, per DESIGN.md
	cache := NewIndirectCache(dev, testBlockSize/8, 64)
	return NewTree(dev, alloc, cache, Ptrs{}, 0), dev
}

func TestResolveTiers(t *testing.T) {
	n := uint64(8)
	require.Equal(t, Path{Kind: Direct, Idx: 0}, Resolve(0, n))
	require.Equal(t, Path{Kind: Direct, Idx: 11}, Resolve(11, n))
	require.Equal(t, Path{Kind: Indirect, Idx: 0}, Resolve(12, n))
	require.Equal(t, Path{Kind: Indirect, Idx: 7}, Resolve(19, n))
	require.Equal(t, Path{Kind: DbIndirect, I: 0, J: 0}, Resolve(20, n))
	require.Equal(t, Path{Kind: DbIndirect, I: 1, J: 0}, Resolve(28, n))
	require.Equal(t, Path{Kind: TbIndirect, I: 0, J: 0, K: 0}, Resolve(84, n))
}

func TestExpandWithinDirect(t *testing.T) {
	tr, _ := newTestTree(64)
	tx := txn.Begin()
	require.NoError(t, tr.Expand(tx, 5))
	require.NoError(t, tx.Commit())
	require.Equal(t, uint64(5), tr.BlocksCount)
	for i := 0; i < 5; i++ {
		require.NotZero(t, tr.Ptrs.Direct[i])
	}
	require.Zero(t, tr.Ptrs.Indirect)
}

func TestExpandIntoIndirectAllocatesIndirectBlock(t *testing.T) {
	tr, _ := newTestTree(64)
	tx := txn.Begin()
	require.NoError(t, tr.Expand(tx, 14)) // 12 direct + 2 indirect slots
	require.NoError(t, tx.Commit())

	require.Equal(t, uint64(14), tr.BlocksCount)
	require.NotZero(t, tr.Ptrs.Indirect)
	bid, err := tr.Resolve(12)
	require.NoError(t, err)
	require.NotZero(t, bid)
	bid2, err := tr.Resolve(13)
	require.NoError(t, err)
	require.NotZero(t, bid2)
	require.NotEqual(t, bid, bid2)
}

func TestExpandIntoDoubleIndirect(t *testing.T) {
	tr, _ := newTestTree(128)
	tx := txn.Begin()
	require.NoError(t, tr.Expand(tx, 22)) // past 12+8=20 boundary, into db-indirect
	require.NoError(t, tx.Commit())

	require.NotZero(t, tr.Ptrs.DbIndirect)
	bid, err := tr.Resolve(20)
	require.NoError(t, err)
	require.NotZero(t, bid)
}

func TestShrinkFreesEmptyIndirectBlock(t *testing.T) {
	tr, _ := newTestTree(64)
	tx := txn.Begin()
	require.NoError(t, tr.Expand(tx, 14))
	require.NoError(t, tx.Commit())
	require.NotZero(t, tr.Ptrs.Indirect)

	tx2 := txn.Begin()
	require.NoError(t, tr.Shrink(tx2, 12))
	require.NoError(t, tx2.Commit())

	require.Equal(t, uint64(12), tr.BlocksCount)
	require.Zero(t, tr.Ptrs.Indirect, "indirect block must be freed once empty")
}

func TestShrinkPartialIndirectKeepsBlock(t *testing.T) {
	tr, _ := newTestTree(64)
	tx := txn.Begin()
	require.NoError(t, tr.Expand(tx, 16))
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	require.NoError(t, tr.Shrink(tx2, 14))
	require.NoError(t, tx2.Commit())

	require.Equal(t, uint64(14), tr.BlocksCount)
	require.NotZero(t, tr.Ptrs.Indirect, "indirect block still has live slots")
}

func TestExpandRollsBackOnAllocationFailure(t *testing.T) {
	tr, _ := newTestTree(10) // only 10 blocks total, not enough for 14 logical blocks + indirect
	tx := txn.Begin()
	err := tr.Expand(tx, 14)
	require.Error(t, err)
	require.NoError(t, tx.Commit())
	require.Equal(t, uint64(0), tr.alloc.Nchunks()-tr.alloc.FreeCount(), "rolled-back allocations must not be committed")
}

func TestRangeReaderCoalescesContiguousRuns(t *testing.T) {
	tr, _ := newTestTree(64)
	tx := txn.Begin()
	require.NoError(t, tr.Expand(tx, 6))
	require.NoError(t, tx.Commit())

	rr := tr.NewRangeReader(0, 6)
	run, ok, err := rr.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(6), run.Length)
	require.False(t, run.Hole)

	_, ok, err = rr.Next()
	require.NoError(t, err)
	require.False(t, ok)
}
