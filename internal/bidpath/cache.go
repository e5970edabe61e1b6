package bidpath

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/config"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
)

type entry struct {
	ptrs  []uint64
	dirty bool
}

// IndirectCache is the LRU of block-sized indirect-block buffers keyed by
// device block id described in §4.3. Entries evicted under memory pressure
// are flushed to dev first so a dirty indirect block is never silently
// dropped; Flush/Evict implement the explicit "flushed/evicted on
// sync_metadata" behavior.
type IndirectCache struct {
	mu  sync.Mutex
	dev block.Set
	n   uint64 // pointers per indirect block
	c   *lru.Cache[block.Id, *entry]
}

// NewIndirectCache creates a cache of at most size indirect blocks over dev,
// with fan-out n pointers per block.
func NewIndirectCache(dev block.Set, n uint64, size int) *IndirectCache {
	c := &IndirectCache{dev: dev, n: n}
	cache, _ := lru.NewWithEvict(size, func(bid block.Id, e *entry) {
		if e.dirty {
			_ = c.writeThrough(bid, e)
		}
	})
	c.c = cache
	return c
}

func (c *IndirectCache) decode(buf []byte) []uint64 {
	ptrs := make([]uint64, c.n)
	for i := range ptrs {
		off := i * config.BidSize
		var v uint64
		for b := 0; b < config.BidSize; b++ {
			v |= uint64(buf[off+b]) << (8 * b)
		}
		ptrs[i] = v
	}
	return ptrs
}

func (c *IndirectCache) encode(ptrs []uint64) []byte {
	buf := make([]byte, c.dev.BlockSize())
	for i, v := range ptrs {
		off := i * config.BidSize
		for b := 0; b < config.BidSize; b++ {
			buf[off+b] = byte(v >> (8 * b))
		}
	}
	return buf
}

// writeThrough persists a dirty entry to dev; caller must hold c.mu or have
// already removed the entry from the cache (eviction callback case).
func (c *IndirectCache) writeThrough(bid block.Id, e *entry) error {
	buf := c.encode(e.ptrs)
	if err := c.dev.Write(bid, buf); err != nil {
		return vfserr.Wrap("bidpath.cache", vfserr.EIO, err)
	}
	e.dirty = false
	return nil
}

// Load returns the n pointers stored in the indirect block at bid, reading
// through to dev on a cache miss. bid must be non-zero (allocated).
func (c *IndirectCache) Load(bid block.Id) ([]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.c.Get(bid); ok {
		return append([]uint64(nil), e.ptrs...), nil
	}
	buf := make([]byte, c.dev.BlockSize())
	if err := c.dev.Read(bid, buf); err != nil {
		return nil, vfserr.Wrap("bidpath.cache", vfserr.EIO, err)
	}
	ptrs := c.decode(buf)
	c.c.Add(bid, &entry{ptrs: ptrs})
	return append([]uint64(nil), ptrs...), nil
}

// Store installs ptrs as the content of the indirect block at bid, marking
// it dirty. Store itself does not write to dev; the block is persisted on
// the next Flush or when the LRU evicts it (§4.3: writes happen "via the
// cache").
func (c *IndirectCache) Store(bid block.Id, ptrs []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.c.Add(bid, &entry{ptrs: append([]uint64(nil), ptrs...), dirty: true})
}

// SetPtr loads the indirect block at bid, sets slot idx to value, and stores
// it back (dirty) in one step.
func (c *IndirectCache) SetPtr(bid block.Id, idx uint32, value uint64) error {
	ptrs, err := c.Load(bid)
	if err != nil {
		return err
	}
	ptrs[idx] = value
	c.Store(bid, ptrs)
	return nil
}

// Flush writes every dirty entry to dev without evicting it.
func (c *IndirectCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, bid := range c.c.Keys() {
		e, ok := c.c.Peek(bid)
		if !ok || !e.dirty {
			continue
		}
		if err := c.writeThrough(bid, e); err != nil {
			return err
		}
	}
	return nil
}

// FlushAndEvictAll flushes every dirty entry then purges the cache — the
// sync_metadata behavior described in §4.3.
func (c *IndirectCache) FlushAndEvictAll() error {
	if err := c.Flush(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.c.Purge()
	return nil
}
