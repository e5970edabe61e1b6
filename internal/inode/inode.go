package inode

import (
	"sync"

	"github.com/deploymenttheory/vaultfs/internal/bidpath"
	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/config"
	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
)

// Inode is a live, in-memory handle over a Descriptor: its block-pointer
// tree, page cache, and directory entries when Type == Directory (§4.4).
type Inode struct {
	mu sync.RWMutex

	fs   *FS
	desc Descriptor
	tree *bidpath.Tree

	pages map[uint64][]byte
	dirty map[uint64]bool

	entries []dirEntry // only meaningful when desc.Type == Directory

	handles int
	isFreed bool
}

// Ino returns this inode's number.
func (in *Inode) Ino() Ino { return in.desc.Ino }

// Descriptor returns a copy of the current (possibly dirty) descriptor.
func (in *Inode) Descriptor() Descriptor {
	in.mu.RLock()
	defer in.mu.RUnlock()
	d := in.desc
	d.Ptrs = in.tree.Ptrs
	d.BlocksCount = in.tree.BlocksCount
	return d
}

// Open increments the open-handle refcount (§4.4: storage is only freed
// once hard_links=0 AND no handle remains).
func (in *Inode) Open() {
	in.mu.Lock()
	in.handles++
	in.mu.Unlock()
}

// Close drops a handle; if this was the last handle and the descriptor was
// already marked for deletion, the caller should subsequently invoke
// SyncMetadata to complete the free.
func (in *Inode) Close() {
	in.mu.Lock()
	if in.handles > 0 {
		in.handles--
	}
	in.mu.Unlock()
}

// ReadBuffered reads up to len(buf) bytes starting at offset, clipped to
// [0, size) (§4.4).
func (in *Inode) ReadBuffered(offset uint64, buf []byte) (int, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	size := in.desc.Size
	if offset >= size {
		return 0, nil
	}
	if uint64(len(buf)) > size-offset {
		buf = buf[:size-offset]
	}
	bs := uint64(in.fs.dev.BlockSize())
	n := 0
	for n < len(buf) {
		abs := offset + uint64(n)
		idx := abs / bs
		within := int(abs % bs)
		page, err := in.readPage(idx)
		if err != nil {
			return n, err
		}
		c := copy(buf[n:], page[within:])
		n += c
	}
	return n, nil
}

// WriteBuffered writes buf at offset into the page cache, first growing the
// block-pointer tree and desc.Size (via growLocked) when the write extends
// the file (§4.4).
func (in *Inode) WriteBuffered(tx *txn.Tx, offset uint64, buf []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	end := offset + uint64(len(buf))
	if end > in.desc.Size {
		if err := in.growLocked(tx, end); err != nil {
			return 0, err
		}
	}

	bs := uint64(in.fs.dev.BlockSize())
	n := 0
	for n < len(buf) {
		abs := offset + uint64(n)
		idx := abs / bs
		within := int(abs % bs)
		room := int(bs) - within
		chunkLen := len(buf) - n
		if chunkLen > room {
			chunkLen = room
		}
		if err := in.writePage(idx, within, buf[n:n+chunkLen]); err != nil {
			return n, err
		}
		n += chunkLen
	}
	return n, nil
}

// ReadDirect reads len(buf) bytes starting at offset straight from the
// device, bypassing the page cache (§4.4). offset and len(buf) must both
// be block-aligned, or this returns EINVAL. Any cached pages overlapping
// the range are evicted (flushing first if dirty) before the device
// read, so this observes whatever a prior WriteDirect or WriteBuffered
// left in place (§4.4: "discards overlapping page-cache ranges before
// issuing device I/O"). Reads are clipped to the blocks that hold
// [0, size); unlike ReadBuffered's byte-exact clip, the rest of the last
// such block past size is returned too.
func (in *Inode) ReadDirect(offset uint64, buf []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	bsz := in.fs.dev.BlockSize()
	bs := uint64(bsz)
	if offset%bs != 0 || uint64(len(buf))%bs != 0 {
		return 0, vfserr.New("inode.readdirect", vfserr.EINVAL)
	}
	if len(buf) == 0 {
		return 0, nil
	}

	startIdx := offset / bs
	totalBlocks := npages(in.desc.Size, bsz)
	if startIdx >= totalBlocks {
		return 0, nil
	}
	maxLen := (totalBlocks - startIdx) * bs
	if uint64(len(buf)) > maxLen {
		buf = buf[:maxLen]
	}
	numBlocks := uint64(len(buf)) / bs

	if err := in.evictRange(startIdx, startIdx+numBlocks); err != nil {
		return 0, err
	}

	rr := in.tree.NewRangeReader(startIdx, numBlocks)
	n := 0
	for {
		run, ok, err := rr.Next()
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		chunk := buf[n : n+int(run.Length*bs)]
		if run.Hole {
			for i := range chunk {
				chunk[i] = 0
			}
		} else {
			for i := uint64(0); i < run.Length; i++ {
				blk := chunk[i*bs : (i+1)*bs]
				if err := in.fs.dev.Read(run.DeviceStart+block.Id(i), blk); err != nil {
					return n, vfserr.Wrap("inode.readdirect", vfserr.EIO, err)
				}
			}
		}
		n += int(run.Length * bs)
	}
	return n, nil
}

// WriteDirect writes len(buf) bytes at offset straight to the device,
// bypassing the page cache (§4.4). offset and len(buf) must both be
// block-aligned, or this returns EINVAL. The block-pointer tree is
// expanded first when the write extends the file — Expand concretely
// allocates every new logical block, so the blocks resolved below are
// never holes — then any overlapping cached pages are evicted before the
// device write, giving a later buffered read the same bytes (§4.4).
func (in *Inode) WriteDirect(tx *txn.Tx, offset uint64, buf []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	bsz := in.fs.dev.BlockSize()
	bs := uint64(bsz)
	if offset%bs != 0 || uint64(len(buf))%bs != 0 {
		return 0, vfserr.New("inode.writedirect", vfserr.EINVAL)
	}
	if len(buf) == 0 {
		return 0, nil
	}

	end := offset + uint64(len(buf))
	if end > in.desc.Size {
		if err := in.growLocked(tx, end); err != nil {
			return 0, err
		}
	}

	startIdx := offset / bs
	numBlocks := uint64(len(buf)) / bs
	if err := in.evictRange(startIdx, startIdx+numBlocks); err != nil {
		return 0, err
	}

	for i := uint64(0); i < numBlocks; i++ {
		idx := startIdx + i
		bid, err := in.tree.Resolve(idx)
		if err != nil {
			return int(i * bs), err
		}
		if bid == 0 {
			return int(i * bs), vfserr.New("inode.writedirect", vfserr.EIO)
		}
		if err := in.fs.dev.Write(bid, buf[i*bs:(i+1)*bs]); err != nil {
			return int(i * bs), vfserr.Wrap("inode.writedirect", vfserr.EIO, err)
		}
	}
	return len(buf), nil
}

// growLocked expands both the block-pointer tree and desc.Size to cover
// newSize bytes (caller holds in.mu).
func (in *Inode) growLocked(tx *txn.Tx, newSize uint64) error {
	bs := in.fs.dev.BlockSize()
	newBlocks := npages(newSize, bs)
	if newBlocks > in.tree.BlocksCount {
		if err := in.tree.Expand(tx, newBlocks); err != nil {
			return err
		}
	}
	in.desc.Size = newSize
	return nil
}

// Resize grows or shrinks the inode to newSize bytes (§4.4). Growing
// expands the block-pointer tree and then sets desc.Size. Shrinking sets
// desc.Size first, flushes and drops the cached pages past the new end,
// then shrinks the tree.
func (in *Inode) Resize(tx *txn.Tx, newSize uint64) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	bs := in.fs.dev.BlockSize()
	if newSize >= in.desc.Size {
		return in.growLocked(tx, newSize)
	}

	newBlocks := npages(newSize, bs)
	oldBlocks := npages(in.desc.Size, bs)
	in.desc.Size = newSize
	if err := in.evictRange(newBlocks, oldBlocks); err != nil {
		return err
	}
	for idx := range in.pages {
		if idx >= newBlocks {
			delete(in.pages, idx)
			delete(in.dirty, idx)
		}
	}
	return in.tree.Shrink(tx, newBlocks)
}

// Fallocate implements the three modes of §4.4.
type FallocMode int

const (
	Allocate FallocMode = iota
	AllocateKeepSize
	PunchHoleKeepSize
)

func (in *Inode) Fallocate(tx *txn.Tx, mode FallocMode, offset, length uint64) error {
	switch mode {
	case Allocate:
		want := offset + length
		if want > in.Descriptor().Size {
			return in.Resize(tx, want)
		}
		return nil
	case AllocateKeepSize:
		return nil
	case PunchHoleKeepSize:
		in.mu.Lock()
		defer in.mu.Unlock()
		end := offset + length
		if end > in.desc.Size {
			end = in.desc.Size
		}
		if end <= offset {
			return nil
		}
		zeros := make([]byte, end-offset)
		bs := uint64(in.fs.dev.BlockSize())
		n := 0
		for n < len(zeros) {
			abs := offset + uint64(n)
			idx := abs / bs
			within := int(abs % bs)
			room := int(bs) - within
			chunkLen := len(zeros) - n
			if chunkLen > room {
				chunkLen = room
			}
			if err := in.writePage(idx, within, zeros[n:n+chunkLen]); err != nil {
				return err
			}
			n += chunkLen
		}
		return nil
	}
	return vfserr.New("inode.fallocate", vfserr.EINVAL)
}

// SetSymlinkTarget installs target as this inode's symlink content, inline
// in Ptrs when short enough ("fast symlink", §3), else materialized in the
// page cache like a regular file's data.
func (in *Inode) SetSymlinkTarget(tx *txn.Tx, target string) error {
	in.mu.Lock()
	if in.desc.Type != Symlink {
		in.mu.Unlock()
		return vfserr.New("inode.symlink", vfserr.EINVAL)
	}
	if len(target) <= config.MaxFastSymlinkLen {
		in.desc.FastSymlink = []byte(target)
		in.desc.Size = uint64(len(target))
		in.mu.Unlock()
		return nil
	}
	in.desc.FastSymlink = nil
	in.mu.Unlock()

	_, err := in.WriteBuffered(tx, 0, []byte(target))
	return err
}

// SymlinkTarget returns the stored target.
func (in *Inode) SymlinkTarget() (string, error) {
	in.mu.RLock()
	fast := in.desc.IsFastSymlink()
	size := in.desc.Size
	in.mu.RUnlock()
	if fast {
		return string(in.desc.FastSymlink), nil
	}
	buf := make([]byte, size)
	if _, err := in.ReadBuffered(0, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// SyncData flushes and evicts every cached page (§4.4).
func (in *Inode) SyncData() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	bs := in.fs.dev.BlockSize()
	return in.evictRange(0, npages(in.desc.Size, bs))
}

// SyncMetadata flushes and evicts the indirect-block cache and — if
// hard_links=0, no handle is open, and the inode is not already freed —
// frees the inode's storage and returns its number to the allocator
// (§4.4). The descriptor itself is not written to the device: this engine
// has no on-disk inode table. The check-and-set on isFreed prevents
// double-free under concurrent sync.
func (in *Inode) SyncMetadata(tx *txn.Tx) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.fs.indirect.FlushAndEvictAll(); err != nil {
		return err
	}

	if in.desc.HardLinks == 0 && in.handles == 0 && !in.isFreed {
		if err := in.tree.Shrink(tx, 0); err != nil {
			return err
		}
		in.fs.freeIno(tx, in.desc.Ino)
		in.isFreed = true
		in.fs.removeInode(in.desc.Ino)
	}
	return nil
}
