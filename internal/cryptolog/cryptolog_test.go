package cryptolog

import (
	"testing"

	"github.com/deploymenttheory/vaultfs/internal/aead"
	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/chunk"
	"github.com/deploymenttheory/vaultfs/internal/rawlog"
	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 512
const testNbranches = 8 // N, chosen small but large enough for the §8 worked example

func filledBlock(v byte) []byte {
	b := make([]byte, testBlockSize)
	for i := range b {
		b[i] = v
	}
	return b
}

func newTestCryptoLog(t *testing.T) (*CryptoLog, aead.Key) {
	t.Helper()
	dev := block.NewMemSet(testBlockSize, 4096)
	alloc := chunk.New(256, 4)
	store := rawlog.New(dev, alloc)

	tx := txn.Begin()
	raw := store.CreateLog(tx)
	cl, key := New(raw, aead.AESGCM{}, NewLRUNodeCache(32), testBlockSize, testNbranches)
	require.NoError(t, tx.Commit())
	return cl, key
}

func TestAppendReadRoundTrip(t *testing.T) {
	cl, _ := newTestCryptoLog(t)

	pos, err := cl.Append(filledBlock(7))
	require.NoError(t, err)
	require.Equal(t, uint64(0), pos)
	require.NoError(t, cl.Flush())

	buf := make([]byte, testBlockSize)
	require.NoError(t, cl.Read(0, 1, buf))
	require.Equal(t, filledBlock(7), buf)
}

// TestWorkedExampleHeightAndCounts follows spec §8's crypto log scenario:
// append N-1 blocks filled with i in [0, N-1), flush, append two blocks
// filled with 5, flush. The resulting root must have num_data_nodes = N+1,
// height = 2, num_valid_entries = 2, and random reads must land on the
// correct original blocks.
func TestWorkedExampleHeightAndCounts(t *testing.T) {
	cl, key := newTestCryptoLog(t)
	n := testNbranches

	for i := 0; i < n-1; i++ {
		_, err := cl.Append(filledBlock(byte(i)))
		require.NoError(t, err)
	}
	require.NoError(t, cl.Flush())

	root := cl.RootMeta()
	require.NotNil(t, root)
	require.EqualValues(t, 1, root.Height, "fewer than N data nodes fit in a single leaf")
	require.EqualValues(t, n-1, root.NumDataNodes)

	_, err := cl.Append(filledBlock(5))
	require.NoError(t, err)
	_, err = cl.Append(filledBlock(5))
	require.NoError(t, err)
	require.NoError(t, cl.Flush())

	root = cl.RootMeta()
	require.NotNil(t, root)
	require.EqualValues(t, n+1, root.NumDataNodes)
	require.EqualValues(t, 2, root.Height)
	h, _, err := cl.readNode(root.Pos, root.Mac, root.Iv, key)
	require.NoError(t, err)
	require.EqualValues(t, 2, h.NumValidEntries)

	buf := make([]byte, testBlockSize)
	require.NoError(t, cl.Read(5, 1, buf))
	require.Equal(t, filledBlock(5), buf, "position 5 holds the original i=5 fill block")

	buf2 := make([]byte, 2*testBlockSize)
	require.NoError(t, cl.Read(uint64(n-1), 2, buf2))
	require.Equal(t, filledBlock(5), buf2[:testBlockSize])
	require.Equal(t, filledBlock(5), buf2[testBlockSize:])
}

func TestReadServesUnflushedAppendBuffer(t *testing.T) {
	cl, _ := newTestCryptoLog(t)

	_, err := cl.Append(filledBlock(9))
	require.NoError(t, err)
	// No Flush() yet: block 0 is still sitting in the plaintext node queue.

	buf := make([]byte, testBlockSize)
	require.NoError(t, cl.Read(0, 1, buf))
	require.Equal(t, filledBlock(9), buf)
}

func TestOpenReconstructsEntriesFromDisk(t *testing.T) {
	dev := block.NewMemSet(testBlockSize, 4096)
	alloc := chunk.New(256, 4)
	store := rawlog.New(dev, alloc)

	tx := txn.Begin()
	raw := store.CreateLog(tx)
	cl, key := New(raw, aead.AESGCM{}, NewLRUNodeCache(32), testBlockSize, testNbranches)
	for i := 0; i < testNbranches+3; i++ {
		_, err := cl.Append(filledBlock(byte(i % 251)))
		require.NoError(t, err)
	}
	require.NoError(t, cl.Flush())
	meta := cl.RootMeta()
	logID := raw.Id()
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	raw2, err := store.OpenLog(tx2, logID, false)
	require.NoError(t, err)
	cl2, err := Open(raw2, aead.AESGCM{}, key, meta, NewLRUNodeCache(32), testBlockSize, testNbranches)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())

	require.Equal(t, uint64(testNbranches+3), cl2.Nblocks())
	buf := make([]byte, testBlockSize)
	require.NoError(t, cl2.Read(10, 1, buf))
	require.Equal(t, filledBlock(byte(10%251)), buf)
}

func TestFlushIsNoOpWithoutNewAppends(t *testing.T) {
	cl, _ := newTestCryptoLog(t)
	_, err := cl.Append(filledBlock(1))
	require.NoError(t, err)
	require.NoError(t, cl.Flush())
	root1 := cl.RootMeta()

	require.NoError(t, cl.Flush())
	root2 := cl.RootMeta()
	require.Equal(t, root1, root2, "flushing with nothing new appended must not rebuild the tree")
}
