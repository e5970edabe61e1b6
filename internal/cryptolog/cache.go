package cryptolog

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/deploymenttheory/vaultfs/internal/block"
)

// cachedNode is a type-tagged union standing in for the spec's
// Arc<dyn Any + Send + Sync> node cache value (§8 redesign-flag guidance:
// "should be implemented with a type-tagged enum variant per cached type if
// the target language lacks open-ended runtime reflection" — Go does not).
type cachedNode struct {
	isData  bool // true: Plain is a decrypted data block; false: an MHT node
	Header  nodeHeader
	Entries []Entry
	Plain   []byte
}

// NodeCache caches decoded+verified nodes by their device position,
// matching §4.6's NodeCache trait (get/put) so a multi-level search
// re-reads the same hot nodes from memory instead of the device.
type NodeCache interface {
	Get(pos block.Id) (cachedNode, bool)
	Put(pos block.Id, v cachedNode)
}

// lruNodeCache is the default NodeCache, backed by hashicorp/golang-lru/v2
// (the same dependency C3's IndirectCache uses for bounded recently-used
// caching).
type lruNodeCache struct {
	c *lru.Cache[block.Id, cachedNode]
}

// NewLRUNodeCache creates a NodeCache holding up to size recently used
// nodes.
func NewLRUNodeCache(size int) NodeCache {
	c, _ := lru.New[block.Id, cachedNode](size)
	return &lruNodeCache{c: c}
}

func (l *lruNodeCache) Get(pos block.Id) (cachedNode, bool) { return l.c.Get(pos) }
func (l *lruNodeCache) Put(pos block.Id, v cachedNode)      { l.c.Add(pos, v) }

// NoCache discards everything; useful for tests that want every read to
// force a device round trip.
type noCache struct{}

func NewNoCache() NodeCache                     { return noCache{} }
func (noCache) Get(block.Id) (cachedNode, bool) { return cachedNode{}, false }
func (noCache) Put(block.Id, cachedNode)        {}
