package chunk

import (
	"testing"

	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/stretchr/testify/require"
)

func TestAllocBatchFirstFit(t *testing.T) {
	a := New(8, 16)

	tx := txn.Begin()
	got := a.AllocBatch(tx, 3)
	require.Len(t, got, 3)
	require.Equal(t, []Id{0, 1, 2}, got)
	require.NoError(t, tx.Commit())

	require.Equal(t, uint64(5), a.FreeCount())
}

func TestAllocBatchUndersupply(t *testing.T) {
	a := New(2, 16)

	tx := txn.Begin()
	got := a.AllocBatch(tx, 5)
	require.Len(t, got, 2, "allocator should return fewer than requested when exhausted")
	require.NoError(t, tx.Commit())
	require.Equal(t, uint64(0), a.FreeCount())
}

func TestAllocBatchExhausted(t *testing.T) {
	a := New(1, 16)
	tx := txn.Begin()
	a.AllocBatch(tx, 1)
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	got := a.AllocBatch(tx2, 1)
	require.Nil(t, got)
}

func TestDeallocBatchFreesOnCommit(t *testing.T) {
	a := New(4, 16)
	tx := txn.Begin()
	got := a.AllocBatch(tx, 4)
	require.NoError(t, tx.Commit())
	require.Equal(t, uint64(0), a.FreeCount())

	tx2 := txn.Begin()
	a.DeallocBatch(tx2, got[:2])
	require.Equal(t, uint64(0), a.FreeCount(), "edits must not apply before commit")
	require.NoError(t, tx2.Commit())
	require.Equal(t, uint64(2), a.FreeCount())
}

func TestAbortDiscardsEdits(t *testing.T) {
	a := New(4, 16)
	tx := txn.Begin()
	a.AllocBatch(tx, 2)
	tx.Abort()
	require.Equal(t, uint64(4), a.FreeCount())
}

func TestPackAndLoadBitmapRoundTrip(t *testing.T) {
	a := New(130, 16)
	tx := txn.Begin()
	a.AllocBatch(tx, 70)
	require.NoError(t, tx.Commit())

	words := a.PackBitmap()
	b := New(130, 16)
	require.NoError(t, b.LoadBitmap(words, 130))
	require.Equal(t, a.FreeCount(), b.FreeCount())
}
