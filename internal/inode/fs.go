package inode

import (
	"sort"
	"sync"

	"github.com/deploymenttheory/vaultfs/internal/bidpath"
	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/chunk"
	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
	"github.com/deploymenttheory/vaultfs/internal/vlog"
)

const RootIno Ino = 1

// FS is the inode engine (C4): the dentry table (`ino -> *Inode`, §5) plus
// the shared block/indirect-cache/inode-number allocators every inode's
// bidpath.Tree draws from.
type FS struct {
	mu         sync.Mutex
	dev        block.Set
	blockAlloc *chunk.Allocator // block-granularity data/indirect allocator (§4.3)
	inoAlloc   *chunk.Allocator // block-granularity inode-number allocator
	indirect   *bidpath.IndirectCache
	n          uint64 // pointer fan-out, BlockSize/BidSize
	inodes     map[Ino]*Inode
}

// NewFS wires a fresh inode engine over dev. inoAlloc's chunk count bounds
// the number of inodes the filesystem can ever hold.
func NewFS(dev block.Set, blockAlloc, inoAlloc *chunk.Allocator, indirect *bidpath.IndirectCache, n uint64) *FS {
	return &FS{
		dev:        dev,
		blockAlloc: blockAlloc,
		inoAlloc:   inoAlloc,
		indirect:   indirect,
		n:          n,
		inodes:     make(map[Ino]*Inode),
	}
}

// allocIno reserves a fresh inode number from the inode-number allocator.
// Inode number 0 is reserved, so callers skip it (the allocator itself is
// 0-based); the engine compensates by requesting from a table shifted by
// one (ino = allocator id + 1).
func (fs *FS) allocIno(tx *txn.Tx) (Ino, error) {
	got := fs.inoAlloc.AllocBatch(tx, 1)
	if len(got) == 0 {
		return 0, vfserr.New("inode.alloc", vfserr.ENOSPC)
	}
	return Ino(got[0]) + 1, nil
}

func (fs *FS) freeIno(tx *txn.Tx, ino Ino) {
	fs.inoAlloc.DeallocBatch(tx, []chunk.Id{chunk.Id(ino - 1)})
}

// newInode constructs and registers an in-memory Inode for a freshly
// allocated descriptor.
func (fs *FS) newInode(desc Descriptor) *Inode {
	tree := bidpath.NewTree(fs.dev, fs.blockAlloc, fs.indirect, desc.Ptrs, desc.BlocksCount)
	ino := &Inode{
		fs:    fs,
		desc:  desc,
		tree:  tree,
		pages: make(map[uint64][]byte),
		dirty: make(map[uint64]bool),
	}
	fs.mu.Lock()
	fs.inodes[desc.Ino] = ino
	fs.mu.Unlock()
	return ino
}

// GetInode returns the live in-memory Inode for ino, if resident in the
// dentry table (§5).
func (fs *FS) GetInode(ino Ino) (*Inode, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, ok := fs.inodes[ino]
	return in, ok
}

// removeInode drops ino from the dentry table once its last handle closes
// (§5: "removed on drop via the filesystem's remove_inode hook").
func (fs *FS) removeInode(ino Ino) {
	fs.mu.Lock()
	delete(fs.inodes, ino)
	fs.mu.Unlock()
}

// CreateRoot formats a fresh root directory inode (ino=1) with "." and ".."
// both pointing at itself. Must only be called once, against a fresh
// inode-number allocator (so the reservation below lands on RootIno).
func (fs *FS) CreateRoot(tx *txn.Tx, perm uint16) (*Inode, error) {
	ino, err := fs.allocIno(tx)
	if err != nil {
		return nil, err
	}
	if ino != RootIno {
		return nil, vfserr.New("inode.createroot", vfserr.EINVAL)
	}
	desc := Descriptor{Ino: RootIno, Type: Directory, Perm: perm, HardLinks: 2}
	root := fs.newInode(desc)
	root.entries = []dirEntry{
		{Ino: RootIno, Type: Directory, Name: "."},
		{Ino: RootIno, Type: Directory, Name: ".."},
	}
	vlog.For("inode").Debug("root directory formatted")
	return root, nil
}

// lockAscending acquires write locks on the given inodes in ascending
// inode-number order (§5: "write_lock_multiple_inodes"), returning an
// unlock function. Duplicate inode numbers are locked once.
func lockAscending(inodes ...*Inode) func() {
	uniq := make(map[Ino]*Inode, len(inodes))
	for _, in := range inodes {
		if in != nil {
			uniq[in.desc.Ino] = in
		}
	}
	nums := make([]Ino, 0, len(uniq))
	for n := range uniq {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	ordered := make([]*Inode, len(nums))
	for i, n := range nums {
		ordered[i] = uniq[n]
	}
	for _, in := range ordered {
		in.mu.Lock()
	}
	return func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			ordered[i].mu.Unlock()
		}
	}
}
