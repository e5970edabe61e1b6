package txlog

import (
	"bytes"
	"testing"

	"github.com/deploymenttheory/vaultfs/internal/aead"
	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/chunk"
	"github.com/deploymenttheory/vaultfs/internal/cryptolog"
	"github.com/deploymenttheory/vaultfs/internal/rawlog"
	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 512

func newTestStore(nchunks uint64, blocksPerChunk uint32) *Store {
	dev := block.NewMemSet(testBlockSize, nchunks*uint64(blocksPerChunk))
	alloc := chunk.New(nchunks, blocksPerChunk)
	raw := rawlog.New(dev, alloc)
	cache := cryptolog.NewLRUNodeCache(DefaultNodeCacheSize)
	return New(raw, aead.AESGCM{}, cache, testBlockSize, 8)
}

func fill(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

// Scenario grounded in spec §8: create_log in a bucket, append, commit,
// reopen in a later Tx, and confirm the data and bucket membership both
// survived.
func TestCreateAppendCommitReopen(t *testing.T) {
	store := newTestStore(64, 4)

	tx := txn.Begin()
	log := store.CreateLog(tx, "bucket-a")
	_, err := log.Append(fill(2*testBlockSize, 7))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	reopened, err := store.OpenLog(tx2, log.Id(), false)
	require.NoError(t, err)
	require.Equal(t, "bucket-a", reopened.Bucket())
	require.Equal(t, uint64(2), reopened.Nblocks())

	buf := make([]byte, 2*testBlockSize)
	require.NoError(t, reopened.Read(0, 2, buf))
	require.True(t, bytes.Equal(buf, fill(2*testBlockSize, 7)))
	require.NoError(t, tx2.Commit())

	require.Equal(t, []Id{log.Id()}, store.ListLogsIn("bucket-a"))
}

func TestOpenLogInPicksHighestId(t *testing.T) {
	store := newTestStore(64, 4)

	tx := txn.Begin()
	first := store.CreateLog(tx, "b")
	_, err := first.Append(fill(testBlockSize, 1))
	require.NoError(t, err)
	second := store.CreateLog(tx, "b")
	_, err = second.Append(fill(testBlockSize, 2))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	tl, err := store.OpenLogIn(tx2, "b", false)
	require.NoError(t, err)
	require.Equal(t, second.Id(), tl.Id())
	require.NoError(t, tx2.Commit())
}

func TestMoveLogReassignsBucket(t *testing.T) {
	store := newTestStore(64, 4)

	tx := txn.Begin()
	log := store.CreateLog(tx, "from")
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	store.MoveLog(tx2, log.Id(), "from", "to")
	require.NoError(t, tx2.Commit())

	require.Empty(t, store.ListLogsIn("from"))
	require.Equal(t, []Id{log.Id()}, store.ListLogsIn("to"))
}

func TestDeleteLogRemovesFromBucketAndCache(t *testing.T) {
	store := newTestStore(64, 4)

	tx := txn.Begin()
	log := store.CreateLog(tx, "b")
	_, err := log.Append(fill(testBlockSize, 9))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	store.DeleteLog(tx2, log.Id())
	require.NoError(t, tx2.Commit())

	require.Empty(t, store.ListLogsIn("b"))
	tx3 := txn.Begin()
	_, err = store.OpenLog(tx3, log.Id(), false)
	require.Error(t, err)
	tx3.Abort()
}

// Concurrent-Tx visibility: a log created and committed in one Tx must be
// visible to list_logs_in from a second, independently begun Tx, but not
// before the first Tx commits (§4.7, §8).
func TestListLogsInNotVisibleBeforeCommit(t *testing.T) {
	store := newTestStore(64, 4)

	tx := txn.Begin()
	store.CreateLog(tx, "pending")
	require.Empty(t, store.ListLogsIn("pending"))
	require.NoError(t, tx.Commit())
	require.Len(t, store.ListLogsIn("pending"), 1)
}

// Precommit must flush every log opened during the Tx and collect its
// fresh root meta so CommitApply can install it, even across several
// distinct logs flushed concurrently.
func TestPrecommitFlushesAllOpenLogs(t *testing.T) {
	store := newTestStore(64, 4)

	tx := txn.Begin()
	a := store.CreateLog(tx, "b")
	b := store.CreateLog(tx, "b")
	_, err := a.Append(fill(testBlockSize, 1))
	require.NoError(t, err)
	_, err = b.Append(fill(testBlockSize, 2))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	ra, err := store.OpenLog(tx2, a.Id(), false)
	require.NoError(t, err)
	rb, err := store.OpenLog(tx2, b.Id(), false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ra.Nblocks())
	require.Equal(t, uint64(1), rb.Nblocks())
	require.NoError(t, tx2.Commit())
}

// A log's entries survive reopening across transactions using the entry
// cache path (the committed root meta is unchanged between opens), not
// just the cold MHT-walk path.
func TestReopenReusesCachedEntries(t *testing.T) {
	store := newTestStore(64, 4)

	tx := txn.Begin()
	log := store.CreateLog(tx, "b")
	_, err := log.Append(fill(3*testBlockSize, 5))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	for i := 0; i < 3; i++ {
		tx := txn.Begin()
		tl, err := store.OpenLog(tx, log.Id(), false)
		require.NoError(t, err)
		buf := make([]byte, 3*testBlockSize)
		require.NoError(t, tl.Read(0, 3, buf))
		require.True(t, bytes.Equal(buf, fill(3*testBlockSize, 5)))
		require.NoError(t, tx.Commit())
	}
}
