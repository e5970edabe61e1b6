package rawlog

import (
	"bytes"
	"testing"

	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/chunk"
	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
	"github.com/stretchr/testify/require"
)

const blockSize = 512

func newTestStore(nchunks uint64, blocksPerChunk uint32) (*Store, block.Set) {
	dev := block.NewMemSet(blockSize, nchunks*uint64(blocksPerChunk))
	alloc := chunk.New(nchunks, blocksPerChunk)
	return New(dev, alloc), dev
}

func fill(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

// Scenario from spec §8.1: create_log; append 4 blocks of 2s; commit; reopen
// and verify nblocks and content.
func TestCreateAppendCommitReopen(t *testing.T) {
	store, _ := newTestStore(8, 4)

	tx := txn.Begin()
	log := store.CreateLog(tx)
	_, err := log.Append(fill(4*blockSize, 2))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	reopened, err := store.OpenLog(tx2, log.Id(), false)
	require.NoError(t, err)
	require.Equal(t, uint64(4), reopened.Nblocks())

	buf := make([]byte, 4*blockSize)
	require.NoError(t, reopened.Read(0, 4, buf))
	require.True(t, bytes.Equal(buf, fill(4*blockSize, 2)))
	require.NoError(t, tx2.Commit())
}

func TestAppendAcrossChunkBoundary(t *testing.T) {
	store, _ := newTestStore(4, 4) // 4 blocks/chunk

	tx := txn.Begin()
	log := store.CreateLog(tx)
	_, err := log.Append(fill(3*blockSize, 1))
	require.NoError(t, err)
	_, err = log.Append(fill(5*blockSize, 2)) // crosses into a 2nd chunk
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	r, err := store.OpenLog(tx2, log.Id(), false)
	require.NoError(t, err)
	require.Equal(t, uint64(8), r.Nblocks())

	buf := make([]byte, blockSize)
	require.NoError(t, r.Read(2, 1, buf))
	require.True(t, bytes.Equal(buf, fill(blockSize, 1)))
	require.NoError(t, r.Read(3, 1, buf))
	require.True(t, bytes.Equal(buf, fill(blockSize, 2)))
	require.NoError(t, r.Read(7, 1, buf))
	require.True(t, bytes.Equal(buf, fill(blockSize, 2)))
}

func TestSingleWriterEnforced(t *testing.T) {
	store, _ := newTestStore(4, 4)
	tx := txn.Begin()
	log := store.CreateLog(tx)
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	_, err := store.OpenLog(tx2, log.Id(), true)
	require.NoError(t, err)

	tx3 := txn.Begin()
	_, err = store.OpenLog(tx3, log.Id(), true)
	require.Error(t, err)
	require.True(t, vfserr.Is(err, vfserr.EPERM))
}

func TestDeleteLogThenOpenFails(t *testing.T) {
	store, _ := newTestStore(4, 4)
	tx := txn.Begin()
	log := store.CreateLog(tx)
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	store.DeleteLog(tx2, log.Id())
	require.NoError(t, tx2.Commit())

	tx3 := txn.Begin()
	_, err := store.OpenLog(tx3, log.Id(), false)
	require.Error(t, err)
	require.True(t, vfserr.Is(err, vfserr.ENOENT))
}

func TestReadBeyondLengthRejected(t *testing.T) {
	store, _ := newTestStore(4, 4)
	tx := txn.Begin()
	log := store.CreateLog(tx)
	_, err := log.Append(fill(2*blockSize, 9))
	require.NoError(t, err)

	buf := make([]byte, blockSize)
	err = log.Read(2, 1, buf)
	require.Error(t, err)
	require.True(t, vfserr.Is(err, vfserr.EINVAL))
}

func TestAllocationFailureReturnsOutOfMemory(t *testing.T) {
	store, _ := newTestStore(1, 4) // only 1 chunk total
	tx := txn.Begin()
	log := store.CreateLog(tx)
	_, err := log.Append(fill(4*blockSize, 1)) // fills the only chunk
	require.NoError(t, err)

	_, err = log.Append(fill(blockSize, 1)) // needs a 2nd chunk; none left
	require.Error(t, err)
	require.True(t, vfserr.Is(err, vfserr.ENOMEM))
}
