package cryptolog

import (
	"sync"

	"github.com/deploymenttheory/vaultfs/internal/aead"
	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/rawlog"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
)

// DefaultNodeQueueCap bounds the plaintext node queue (§4.6): once it holds
// that many blocks they are batch-encrypted and appended to the raw log —
// small enough to keep one batch-encrypt call bounded, large enough that a
// typical handful of sequential appends coalesces into one raw-log write.
// DefaultEntryQueueCap is recorded on every CryptoLog but enforces no
// threshold: encrypted entries accumulate until the next Flush rebuilds
// the tree.
const (
	DefaultNodeQueueCap  = 16
	DefaultEntryQueueCap = 64
)

// CryptoLog is the crypto log (C6): a random-access, append-only sequence
// of data blocks over a rawlog.RawLog, with per-block AEAD encryption and
// an MHT binding every data block back to root_key (§4.6). A CryptoLog is
// opened against one rawlog.RawLog handle, itself scoped to a single Tx
// (§4.2/§4.7's open_log is a per-Tx operation): the handle's lifetime does
// not outlive the Tx it was opened within.
type CryptoLog struct {
	mu        sync.Mutex
	raw       *rawlog.RawLog
	aeadImpl  aead.AEAD
	rootKey   aead.Key
	cache     NodeCache
	blockSize uint32
	nbranches int

	nodeQueue     [][]byte // plaintext data blocks appended, not yet encrypted
	nodeQueueCap  int
	entryQueueCap int

	entries    []Entry // every block ever appended and encrypted, in order
	builtCount int     // len(entries) as of the last successful tree build
	root       *RootMeta
}

// New creates an empty crypto log over a freshly created raw log, generating
// a fresh root_key for the caller to hold onto (§4.6: "new").
func New(raw *rawlog.RawLog, a aead.AEAD, cache NodeCache, blockSize uint32, nbranches int) (*CryptoLog, aead.Key) {
	key := randomKey()
	return &CryptoLog{
		raw:           raw,
		aeadImpl:      a,
		rootKey:       key,
		cache:         cache,
		blockSize:     blockSize,
		nbranches:     nbranches,
		nodeQueueCap:  DefaultNodeQueueCap,
		entryQueueCap: DefaultEntryQueueCap,
	}, key
}

// Open reopens an existing crypto log from its caller-held root_key and
// RootMeta (§4.6: "open"). meta is nil for a log that was created but never
// flushed (no data yet).
func Open(raw *rawlog.RawLog, a aead.AEAD, rootKey aead.Key, meta *RootMeta, cache NodeCache, blockSize uint32, nbranches int) (*CryptoLog, error) {
	cl := &CryptoLog{
		raw:           raw,
		aeadImpl:      a,
		rootKey:       rootKey,
		cache:         cache,
		blockSize:     blockSize,
		nbranches:     nbranches,
		nodeQueueCap:  DefaultNodeQueueCap,
		entryQueueCap: DefaultEntryQueueCap,
	}
	if meta == nil {
		return cl, nil
	}
	entries, err := cl.collectLeafEntries(meta.Pos, meta.Mac, meta.Iv, rootKey, meta.Height)
	if err != nil {
		return nil, err
	}
	cl.entries = entries
	cl.builtCount = len(entries)
	root := *meta
	cl.root = &root
	return cl, nil
}

// collectLeafEntries walks the entire existing tree rooted at (pos, mac,
// iv, key, height) and returns the ordered list of leaf-level (data-node)
// entries — the in-memory reconstruction this package's full-rebuild
// simplification needs on (re)open.
func (cl *CryptoLog) collectLeafEntries(pos block.Id, mac aead.Mac, iv aead.IV, key aead.Key, height uint8) ([]Entry, error) {
	_, entries, err := cl.readNode(pos, mac, iv, key)
	if err != nil {
		return nil, err
	}
	if height == 1 {
		return entries, nil
	}
	var out []Entry
	for _, e := range entries {
		child, err := cl.collectLeafEntries(e.Pos, e.Mac, aead.IV{}, e.Key, height-1)
		if err != nil {
			return nil, err
		}
		out = append(out, child...)
	}
	return out, nil
}

// OpenWithEntries reopens an existing crypto log like Open, but skips the
// MHT walk by accepting a pre-collected leaf-entry list the caller already
// knows to be valid for meta — the tx log store's cross-transaction log
// cache (C7, §4.7 "merge per-TX log caches into global caches") uses this
// to avoid re-walking a tree whose root hasn't changed since it was last
// read in an earlier, now-committed Tx. raw must be a fresh handle bound to
// the caller's current Tx; only entries/root are reused from the cache.
func OpenWithEntries(raw *rawlog.RawLog, a aead.AEAD, rootKey aead.Key, meta *RootMeta, entries []Entry, cache NodeCache, blockSize uint32, nbranches int) *CryptoLog {
	root := *meta
	return &CryptoLog{
		raw:           raw,
		aeadImpl:      a,
		rootKey:       rootKey,
		cache:         cache,
		blockSize:     blockSize,
		nbranches:     nbranches,
		nodeQueueCap:  DefaultNodeQueueCap,
		entryQueueCap: DefaultEntryQueueCap,
		entries:       append([]Entry(nil), entries...),
		builtCount:    len(entries),
		root:          &root,
	}
}

// Entries returns every leaf-level entry appended to this log so far, in
// order — the unit the cross-transaction log cache (C7) stores so a later
// Open can skip re-walking the MHT when the root hasn't changed.
func (cl *CryptoLog) Entries() []Entry {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return append([]Entry(nil), cl.entries...)
}

// RootKey returns the per-log key the caller must hold onto across
// sessions to reopen this log (§4.6).
func (cl *CryptoLog) RootKey() aead.Key { return cl.rootKey }

// RootMeta returns the current root anchor, or nil if nothing has been
// flushed yet.
func (cl *CryptoLog) RootMeta() *RootMeta {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.root == nil {
		return nil
	}
	m := *cl.root
	return &m
}

// Nblocks reports the total number of data blocks appended so far,
// including anything still buffered and not yet flushed into the tree.
func (cl *CryptoLog) Nblocks() uint64 {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return uint64(len(cl.entries) + len(cl.nodeQueue))
}

// Append appends buf (a whole number of blocks) as new data blocks,
// returning the logical position the first block lands at. Each block gets
// its own random 256-bit key; once the node queue overflows, queued blocks
// are batch-encrypted and appended to the raw log (§4.6 append buffering).
func (cl *CryptoLog) Append(buf []byte) (uint64, error) {
	if len(buf) == 0 || len(buf)%int(cl.blockSize) != 0 {
		return 0, vfserr.New("cryptolog.append", vfserr.EINVAL)
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	start := uint64(len(cl.entries) + len(cl.nodeQueue))
	nblocks := len(buf) / int(cl.blockSize)
	for i := 0; i < nblocks; i++ {
		blk := make([]byte, cl.blockSize)
		copy(blk, buf[i*int(cl.blockSize):(i+1)*int(cl.blockSize)])
		cl.nodeQueue = append(cl.nodeQueue, blk)
		if len(cl.nodeQueue) >= cl.nodeQueueCap {
			if err := cl.drainNodeQueueLocked(); err != nil {
				return 0, err
			}
		}
	}
	return start, nil
}

// drainNodeQueueLocked batch-encrypts every block in the node queue under a
// fresh per-block key (iv=0), appends the ciphertexts to the raw log in one
// call, and records their {pos, key, mac} as new leaf-level entries.
func (cl *CryptoLog) drainNodeQueueLocked() error {
	if len(cl.nodeQueue) == 0 {
		return nil
	}
	var concatCipher []byte
	keys := make([]aead.Key, len(cl.nodeQueue))
	macs := make([]aead.Mac, len(cl.nodeQueue))
	for i, plain := range cl.nodeQueue {
		key := randomKey()
		cipherOut := make([]byte, len(plain))
		mac, err := cl.aeadImpl.Encrypt(plain, key, aead.IV{}, nil, cipherOut)
		if err != nil {
			return err
		}
		keys[i] = key
		macs[i] = mac
		concatCipher = append(concatCipher, cipherOut...)
	}
	startPos, err := cl.raw.Append(concatCipher)
	if err != nil {
		return err
	}
	for i := range cl.nodeQueue {
		cl.entries = append(cl.entries, Entry{Pos: block.Id(startPos) + block.Id(i), Key: keys[i], Mac: macs[i]})
	}
	cl.nodeQueue = cl.nodeQueue[:0]
	return nil
}

// Flush drains any buffered plaintext and rebuilds the MHT over every entry
// appended so far (§4.6: "on explicit flush, a new MHT is built"). A no-op
// if nothing has changed since the last flush.
func (cl *CryptoLog) Flush() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err := cl.drainNodeQueueLocked(); err != nil {
		return err
	}
	if len(cl.entries) == cl.builtCount {
		return nil
	}
	return cl.buildTreeLocked()
}

// Read fills buf (exactly numBlocks*BlockSize bytes) with the data blocks
// at logical positions [pos, pos+numBlocks) (§4.6 search). Positions still
// sitting in the unflushed node queue are served directly from memory;
// positions encrypted but not yet folded into a built tree are decrypted
// straight from their entry; positions covered by the built tree descend
// the MHT.
func (cl *CryptoLog) Read(pos uint64, numBlocks uint64, buf []byte) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if uint64(len(buf)) != numBlocks*uint64(cl.blockSize) {
		return vfserr.New("cryptolog.read", vfserr.EINVAL)
	}
	total := uint64(len(cl.entries) + len(cl.nodeQueue))
	if pos+numBlocks > total {
		return vfserr.New("cryptolog.read", vfserr.EINVAL)
	}

	for i := uint64(0); i < numBlocks; i++ {
		p := pos + i
		var plain []byte
		var err error
		switch {
		case p < uint64(cl.builtCount):
			plain, err = cl.readAtBuiltPos(p)
		case p < uint64(len(cl.entries)):
			plain, err = cl.readDataEntry(cl.entries[p])
		default:
			plain = cl.nodeQueue[p-uint64(len(cl.entries))]
		}
		if err != nil {
			return err
		}
		copy(buf[i*uint64(cl.blockSize):(i+1)*uint64(cl.blockSize)], plain)
	}
	return nil
}
