package block

import (
	"sync"

	"github.com/deploymenttheory/vaultfs/internal/vfserr"
)

// MemSet is an in-memory BlockSet, used throughout the test suite in place
// of a real device.
type MemSet struct {
	mu        sync.RWMutex
	blockSize uint32
	blocks    [][]byte
}

// NewMemSet allocates a zero-filled in-memory block set of the given size.
func NewMemSet(blockSize uint32, nblocks uint64) *MemSet {
	blocks := make([][]byte, nblocks)
	for i := range blocks {
		blocks[i] = make([]byte, blockSize)
	}
	return &MemSet{blockSize: blockSize, blocks: blocks}
}

func (m *MemSet) Read(bid Id, buf []byte) error {
	if err := checkRange(m, bid, buf); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	copy(buf, m.blocks[bid])
	return nil
}

func (m *MemSet) Write(bid Id, buf []byte) error {
	if err := checkRange(m, bid, buf); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.blocks[bid], buf)
	return nil
}

func (m *MemSet) Flush() error { return nil }

func (m *MemSet) Nblocks() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.blocks))
}

func (m *MemSet) BlockSize() uint32 { return m.blockSize }

func (m *MemSet) Subset(start Id, length uint64) (Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if uint64(start)+length > uint64(len(m.blocks)) {
		return nil, vfserr.New("block.subset", vfserr.EINVAL)
	}
	return &memSubset{parent: m, offset: start, length: length}, nil
}

// memSubset is a bounds-translating view over a parent MemSet; it shares the
// parent's backing storage and lock so writes through the subset are visible
// through the parent and vice versa.
type memSubset struct {
	parent *MemSet
	offset Id
	length uint64
}

func (s *memSubset) Read(bid Id, buf []byte) error {
	if uint64(bid) >= s.length {
		return vfserr.New("block.io", vfserr.EINVAL)
	}
	return s.parent.Read(s.offset+bid, buf)
}

func (s *memSubset) Write(bid Id, buf []byte) error {
	if uint64(bid) >= s.length {
		return vfserr.New("block.io", vfserr.EINVAL)
	}
	return s.parent.Write(s.offset+bid, buf)
}

func (s *memSubset) Flush() error           { return s.parent.Flush() }
func (s *memSubset) Nblocks() uint64        { return s.length }
func (s *memSubset) BlockSize() uint32      { return s.parent.BlockSize() }
func (s *memSubset) Subset(start Id, length uint64) (Set, error) {
	if uint64(start)+length > s.length {
		return nil, vfserr.New("block.subset", vfserr.EINVAL)
	}
	return s.parent.Subset(s.offset+start, length)
}
