package txlog

import (
	"bytes"
	"testing"

	"github.com/deploymenttheory/vaultfs/internal/aead"
	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/config"
	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/stretchr/testify/require"
)

func testParams() config.Params {
	return config.Params{
		BlockSize:         testBlockSize,
		ChunkNblocks:      4,
		MhtNbranches:      8,
		JournalAreaBlocks: 32,
		CompactPolicy:     "never",
	}
}

func TestFormatThenCommitThenRecover(t *testing.T) {
	dev := block.NewMemSet(testBlockSize, 2048)
	var rootKey aead.Key
	rootKey[0] = 0x42

	kern, err := Format(dev, rootKey, testParams())
	require.NoError(t, err)

	tx := txn.Begin()
	log := kern.TxLogs.CreateLog(tx, "bucket")
	_, err = log.Append(fill(2*testBlockSize, 3))
	require.NoError(t, err)
	require.NoError(t, kern.Commit(tx))

	recovered, err := Recover(dev, rootKey)
	require.NoError(t, err)
	require.Equal(t, []Id{log.Id()}, recovered.TxLogs.ListLogsIn("bucket"))

	tx2 := txn.Begin()
	reopened, err := recovered.TxLogs.OpenLog(tx2, log.Id(), false)
	require.NoError(t, err)
	buf := make([]byte, 2*testBlockSize)
	require.NoError(t, reopened.Read(0, 2, buf))
	require.True(t, bytes.Equal(buf, fill(2*testBlockSize, 3)))
	tx2.Abort()
}
