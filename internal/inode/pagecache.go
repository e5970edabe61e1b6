package inode

import (
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
)

// readPage returns logical block idx's bytes, satisfying holes
// (unallocated blocks) with zero fill and no device I/O (§4.4: "zero-filled
// reads for holes are satisfied without I/O").
func (in *Inode) readPage(idx uint64) ([]byte, error) {
	if buf, ok := in.pages[idx]; ok {
		return buf, nil
	}
	bs := int(in.fs.dev.BlockSize())
	bid, err := in.tree.Resolve(idx)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, bs)
	if bid != 0 {
		if err := in.fs.dev.Read(bid, buf); err != nil {
			return nil, vfserr.Wrap("inode.readpage", vfserr.EIO, err)
		}
	}
	in.pages[idx] = buf
	return buf, nil
}

// writePage loads page idx (if needed) and overwrites [off, off+len) within
// it, marking the page dirty.
func (in *Inode) writePage(idx uint64, off int, data []byte) error {
	buf, err := in.readPage(idx)
	if err != nil {
		return err
	}
	copy(buf[off:], data)
	in.pages[idx] = buf
	in.dirty[idx] = true
	return nil
}

// flushPage writes a dirty page through to its device block; the block must
// already be allocated (callers expand the tree before writing past EOF).
func (in *Inode) flushPage(idx uint64) error {
	if !in.dirty[idx] {
		return nil
	}
	bid, err := in.tree.Resolve(idx)
	if err != nil {
		return err
	}
	if bid == 0 {
		return vfserr.New("inode.flushpage", vfserr.EIO)
	}
	if err := in.fs.dev.Write(bid, in.pages[idx]); err != nil {
		return vfserr.Wrap("inode.flushpage", vfserr.EIO, err)
	}
	delete(in.dirty, idx)
	return nil
}

// evictRange drops cached pages in [startIdx, endIdx) from memory, flushing
// any that are dirty first.
func (in *Inode) evictRange(startIdx, endIdx uint64) error {
	for idx := startIdx; idx < endIdx; idx++ {
		if _, ok := in.pages[idx]; !ok {
			continue
		}
		if err := in.flushPage(idx); err != nil {
			return err
		}
		delete(in.pages, idx)
	}
	return nil
}

func npages(size uint64, blockSize uint32) uint64 {
	return (size + uint64(blockSize) - 1) / uint64(blockSize)
}
