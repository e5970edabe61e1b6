package inode

import (
	"testing"

	"github.com/deploymenttheory/vaultfs/internal/bidpath"
	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/chunk"
	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 64

func newTestFS(nblocks uint64) *FS {
	dev := block.NewMemSet(testBlockSize, nblocks)
	blockAlloc := chunk.New(nblocks, 1)
	inoAlloc := chunk.New(1024, 1)
	n := uint64(testBlockSize / 8)
	indirect := bidpath.NewIndirectCache(dev, n, 32)
	return NewFS(dev, blockAlloc, inoAlloc, indirect, n)
}

func TestCreateLookupFile(t *testing.T) {
	fs := newTestFS(256)
	tx := txn.Begin()
	root, err := fs.CreateRoot(tx, 0o755)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	child, err := root.Create(tx2, "hello.txt", RegularFile, 0o644)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())

	ino, typ, err := root.Lookup("hello.txt")
	require.NoError(t, err)
	require.Equal(t, child.Ino(), ino)
	require.Equal(t, RegularFile, typ)

	_, _, err = root.Lookup("missing")
	require.Error(t, err)
	require.True(t, vfserr.Is(err, vfserr.ENOENT))
}

func TestWriteReadBuffered(t *testing.T) {
	fs := newTestFS(256)
	tx := txn.Begin()
	root, err := fs.CreateRoot(tx, 0o755)
	require.NoError(t, err)
	child, err := root.Create(tx, "f", RegularFile, 0o644)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	data := []byte("hello, vaultfs")
	n, err := child.WriteBuffered(tx2, 0, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, tx2.Commit())

	buf := make([]byte, len(data))
	n, err = child.ReadBuffered(0, buf)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)
}

func TestResizeGrowAndShrink(t *testing.T) {
	fs := newTestFS(256)
	tx := txn.Begin()
	root, _ := fs.CreateRoot(tx, 0o755)
	child, err := root.Create(tx, "f", RegularFile, 0o644)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	require.NoError(t, child.Resize(tx2, 200))
	require.NoError(t, tx2.Commit())
	require.Equal(t, uint64(200), child.Descriptor().Size)

	tx3 := txn.Begin()
	require.NoError(t, child.Resize(tx3, 10))
	require.NoError(t, tx3.Commit())
	require.Equal(t, uint64(10), child.Descriptor().Size)
}

func TestUnlinkDropsHardLinksAndFreesOnSync(t *testing.T) {
	fs := newTestFS(256)
	tx := txn.Begin()
	root, _ := fs.CreateRoot(tx, 0o755)
	child, err := root.Create(tx, "f", RegularFile, 0o644)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.NoError(t, root.Unlink("f"))
	require.Equal(t, uint32(0), child.Descriptor().HardLinks)

	tx2 := txn.Begin()
	require.NoError(t, child.SyncMetadata(tx2))
	require.NoError(t, tx2.Commit())

	_, ok := fs.GetInode(child.Ino())
	require.False(t, ok, "inode must be removed from the dentry table once freed")
}

func TestRmdirRequiresEmpty(t *testing.T) {
	fs := newTestFS(256)
	tx := txn.Begin()
	root, _ := fs.CreateRoot(tx, 0o755)
	sub, err := root.Create(tx, "sub", Directory, 0o755)
	require.NoError(t, err)
	_, err = sub.Create(tx, "nested", RegularFile, 0o644)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	err = root.Rmdir("sub")
	require.Error(t, err)
	require.True(t, vfserr.Is(err, vfserr.ENOTEMPTY))

	require.NoError(t, sub.Unlink("nested"))
	require.NoError(t, root.Rmdir("sub"))
	require.Equal(t, uint32(0), sub.Descriptor().HardLinks)
}

func TestRenameSameDirectory(t *testing.T) {
	fs := newTestFS(256)
	tx := txn.Begin()
	root, _ := fs.CreateRoot(tx, 0o755)
	_, err := root.Create(tx, "a", RegularFile, 0o644)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.NoError(t, Rename(root, root, "a", "b"))
	_, _, err = root.Lookup("a")
	require.Error(t, err)
	ino, _, err := root.Lookup("b")
	require.NoError(t, err)
	require.NotZero(t, ino)
}

func TestRenameCrossDirectoryDirToNonDirFails(t *testing.T) {
	fs := newTestFS(256)
	tx := txn.Begin()
	root, _ := fs.CreateRoot(tx, 0o755)
	dirA, err := root.Create(tx, "a", Directory, 0o755)
	require.NoError(t, err)
	dirB, err := root.Create(tx, "b", Directory, 0o755)
	require.NoError(t, err)
	_, err = dirA.Create(tx, "child", Directory, 0o755)
	require.NoError(t, err)
	_, err = dirB.Create(tx, "child", RegularFile, 0o644)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	err = Rename(dirA, dirB, "child", "child")
	require.Error(t, err)
	require.True(t, vfserr.Is(err, vfserr.ENOTDIR))
}

func TestFastSymlink(t *testing.T) {
	fs := newTestFS(256)
	tx := txn.Begin()
	root, _ := fs.CreateRoot(tx, 0o755)
	link, err := root.Create(tx, "lnk", Symlink, 0o777)
	require.NoError(t, err)
	require.NoError(t, link.SetSymlinkTarget(tx, "target"))
	require.NoError(t, tx.Commit())

	target, err := link.SymlinkTarget()
	require.NoError(t, err)
	require.Equal(t, "target", target)
	require.Zero(t, link.Descriptor().BlocksCount)
}

func TestDirectReadSeesBufferedWrite(t *testing.T) {
	fs := newTestFS(256)
	tx := txn.Begin()
	root, _ := fs.CreateRoot(tx, 0o755)
	child, err := root.Create(tx, "f", RegularFile, 0o644)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	five := make([]byte, testBlockSize)
	for i := range five {
		five[i] = 5
	}
	// Write into the second block via the buffered path, leaving the page
	// dirty in the cache and not yet written through to the device.
	n, err := child.WriteBuffered(tx2, testBlockSize, five)
	require.NoError(t, err)
	require.Equal(t, testBlockSize, n)
	require.NoError(t, tx2.Commit())

	direct := make([]byte, testBlockSize)
	n, err = child.ReadDirect(testBlockSize, direct)
	require.NoError(t, err)
	require.Equal(t, testBlockSize, n)
	require.Equal(t, five, direct, "direct read must flush the dirty cached page before reading the device")

	buffered := make([]byte, testBlockSize)
	n, err = child.ReadBuffered(testBlockSize, buffered)
	require.NoError(t, err)
	require.Equal(t, testBlockSize, n)
	require.Equal(t, five, buffered)
}

func TestDirectWriteVisibleToBufferedRead(t *testing.T) {
	fs := newTestFS(256)
	tx := txn.Begin()
	root, _ := fs.CreateRoot(tx, 0o755)
	child, err := root.Create(tx, "f", RegularFile, 0o644)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	// Prime the page cache for the second block with stale data, then
	// overwrite it via WriteDirect: the stale cached page must not survive.
	tx2 := txn.Begin()
	stale := make([]byte, testBlockSize)
	for i := range stale {
		stale[i] = 9
	}
	_, err = child.WriteBuffered(tx2, testBlockSize, stale)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())

	tx3 := txn.Begin()
	five := make([]byte, testBlockSize)
	for i := range five {
		five[i] = 5
	}
	n, err := child.WriteDirect(tx3, testBlockSize, five)
	require.NoError(t, err)
	require.Equal(t, testBlockSize, n)
	require.NoError(t, tx3.Commit())

	buffered := make([]byte, testBlockSize)
	_, err = child.ReadBuffered(testBlockSize, buffered)
	require.NoError(t, err)
	require.Equal(t, five, buffered)
}

func TestDirectIORequiresBlockAlignment(t *testing.T) {
	fs := newTestFS(256)
	tx := txn.Begin()
	root, _ := fs.CreateRoot(tx, 0o755)
	child, err := root.Create(tx, "f", RegularFile, 0o644)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	_, err = child.WriteDirect(tx2, 1, make([]byte, testBlockSize))
	require.Error(t, err)
	require.True(t, vfserr.Is(err, vfserr.EINVAL))
	require.NoError(t, tx2.Commit())

	_, err = child.ReadDirect(0, make([]byte, testBlockSize-1))
	require.Error(t, err)
	require.True(t, vfserr.Is(err, vfserr.EINVAL))
}

func TestPunchHoleZeroesRange(t *testing.T) {
	fs := newTestFS(256)
	tx := txn.Begin()
	root, _ := fs.CreateRoot(tx, 0o755)
	child, err := root.Create(tx, "f", RegularFile, 0o644)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := txn.Begin()
	_, err = child.WriteBuffered(tx2, 0, []byte("abcdefgh"))
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())

	tx3 := txn.Begin()
	require.NoError(t, child.Fallocate(tx3, PunchHoleKeepSize, 2, 3))
	require.NoError(t, tx3.Commit())

	buf := make([]byte, 8)
	_, err = child.ReadBuffered(0, buf)
	require.NoError(t, err)
	require.Equal(t, []byte("ab\x00\x00\x00fgh"), buf)
}
