package txlog

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/google/uuid"

	"github.com/deploymenttheory/vaultfs/internal/aead"
	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/chunk"
	"github.com/deploymenttheory/vaultfs/internal/config"
	"github.com/deploymenttheory/vaultfs/internal/cryptolog"
	"github.com/deploymenttheory/vaultfs/internal/journal"
	"github.com/deploymenttheory/vaultfs/internal/rawlog"
	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
)

// superblockMagic tags block 0 so Recover can fail fast against an
// unformatted or foreign device.
const superblockMagic = "VLTF"

// superMeta is the plaintext-framed, AEAD-encrypted payload of the
// superblock block: the format-time geometry every other region is carved
// out from (§6: persistent state is "the superblock {params}"). InstanceID
// is generated once at format time and never changes across recoveries; the
// format, recover and fsck commands print it.
type superMeta struct {
	InstanceID   uuid.UUID
	Params       config.Params
	NChunks      uint64
	BitmapBlocks uint32
}

// Kernel bundles every C1/C2/C5/C6/C7 component formatted or recovered
// together, plus the convenience Commit a caller uses to drive a Tx
// through all of them in the right order (§4.7: "[Superblock | RawLogStore
// | Journal]").
type Kernel struct {
	dev       block.Set
	aeadImpl  aead.AEAD
	rootKey   aead.Key
	Params    config.Params
	Chunks    *chunk.Allocator
	RawLogs   *rawlog.Store
	TxLogs    *Store
	Journal   *journal.Journal
	bitmapDev block.Set

	// InstanceID is the volume's format-time identity.
	InstanceID uuid.UUID
}

// Format lays out a fresh device: a one-block superblock, a bitmap region
// sized from an approximate chunk count, a journal region sized by
// params.JournalAreaBlocks, and the remaining blocks as the raw log
// store's region (§4.7). The nchunks/bitmap sizing is computed from the
// device size before the bitmap's own (small) footprint is subtracted —
// an approximation rather than an exact solution, since the bitmap's few
// blocks are negligible against typical chunk counts.
func Format(dev block.Set, rootKey aead.Key, params config.Params) (*Kernel, error) {
	a := aead.AESGCM{}
	blockSize := dev.BlockSize()
	total := dev.Nblocks()

	const headerBlocks = 1
	if total <= headerBlocks+uint64(params.JournalAreaBlocks) {
		return nil, vfserr.New("txlog.format", vfserr.ENOSPC)
	}
	approxRegion := total - headerBlocks - uint64(params.JournalAreaBlocks)
	nchunks := approxRegion / uint64(params.ChunkNblocks)
	bitmapBlocks := uint32((nchunks + 8*uint64(blockSize) - 1) / (8 * uint64(blockSize)))
	if bitmapBlocks == 0 {
		bitmapBlocks = 1
	}
	rawlogRegionBlocks := approxRegion - uint64(bitmapBlocks)
	nchunks = rawlogRegionBlocks / uint64(params.ChunkNblocks)

	bitmapDev, err := dev.Subset(headerBlocks, uint64(bitmapBlocks))
	if err != nil {
		return nil, err
	}
	journalDev, err := dev.Subset(headerBlocks+block.Id(bitmapBlocks), uint64(params.JournalAreaBlocks))
	if err != nil {
		return nil, err
	}
	rawlogDev, err := dev.Subset(headerBlocks+block.Id(bitmapBlocks)+block.Id(params.JournalAreaBlocks), rawlogRegionBlocks)
	if err != nil {
		return nil, err
	}

	meta := superMeta{InstanceID: uuid.New(), Params: params, NChunks: nchunks, BitmapBlocks: bitmapBlocks}
	if err := writeSuperblock(dev, a, rootKey, meta); err != nil {
		return nil, err
	}

	alloc := chunk.New(nchunks, params.ChunkNblocks)
	if err := writeBitmap(bitmapDev, alloc); err != nil {
		return nil, err
	}

	rawStore := rawlog.New(rawlogDev, alloc)
	cache := cryptolog.NewLRUNodeCache(DefaultNodeCacheSize)
	store := New(rawStore, a, cache, blockSize, int(params.MhtNbranches))

	j, err := newJournal(journalDev, a, rootKey, params, alloc, rawStore, store)
	if err != nil {
		return nil, err
	}
	// Seed snapshot slot 0 with the freshly formatted state, replaying from
	// ring position 0, so Recover works before the first compaction.
	state, err := NewCodec(alloc, rawStore, store).SnapshotState()
	if err != nil {
		return nil, err
	}
	if err := journal.NewCryptoBlob(journalDev, 0, a, rootKey).Write(0, 0, state); err != nil {
		return nil, err
	}

	return &Kernel{dev: dev, aeadImpl: a, rootKey: rootKey, Params: params, Chunks: alloc, RawLogs: rawStore, TxLogs: store, Journal: j, bitmapDev: bitmapDev, InstanceID: meta.InstanceID}, nil
}

// Recover reads the superblock, reconstructs every region's geometry, then
// restores state from the journal's newest valid snapshot and replays
// anything committed since (§4.5 recovery, §4.7 recover()).
func Recover(dev block.Set, rootKey aead.Key) (*Kernel, error) {
	a := aead.AESGCM{}
	meta, err := readSuperblock(dev, a, rootKey)
	if err != nil {
		return nil, err
	}

	const headerBlocks = 1
	bitmapDev, err := dev.Subset(headerBlocks, uint64(meta.BitmapBlocks))
	if err != nil {
		return nil, err
	}
	journalDev, err := dev.Subset(headerBlocks+block.Id(meta.BitmapBlocks), uint64(meta.Params.JournalAreaBlocks))
	if err != nil {
		return nil, err
	}
	rawlogRegionBlocks := dev.Nblocks() - headerBlocks - uint64(meta.BitmapBlocks) - uint64(meta.Params.JournalAreaBlocks)
	rawlogDev, err := dev.Subset(headerBlocks+block.Id(meta.BitmapBlocks)+block.Id(meta.Params.JournalAreaBlocks), rawlogRegionBlocks)
	if err != nil {
		return nil, err
	}

	alloc := chunk.New(meta.NChunks, meta.Params.ChunkNblocks)
	if err := loadBitmap(bitmapDev, alloc, meta.NChunks); err != nil {
		return nil, err
	}
	rawStore := rawlog.New(rawlogDev, alloc)
	cache := cryptolog.NewLRUNodeCache(DefaultNodeCacheSize)
	store := New(rawStore, a, cache, meta.Params.BlockSize, int(meta.Params.MhtNbranches))

	j, err := newJournal(journalDev, a, rootKey, meta.Params, alloc, rawStore, store)
	if err != nil {
		return nil, err
	}
	if err := j.Recover(); err != nil {
		return nil, err
	}

	return &Kernel{dev: dev, aeadImpl: a, rootKey: rootKey, Params: meta.Params, Chunks: alloc, RawLogs: rawStore, TxLogs: store, Journal: j, bitmapDev: bitmapDev, InstanceID: meta.InstanceID}, nil
}

func newJournal(journalDev block.Set, a aead.AEAD, rootKey aead.Key, params config.Params, alloc *chunk.Allocator, rawStore *rawlog.Store, store *Store) (*journal.Journal, error) {
	const blobBlocks = 2
	if journalDev.Nblocks() <= blobBlocks {
		return nil, vfserr.New("txlog.journal", vfserr.ENOSPC)
	}
	ringDev, err := journalDev.Subset(blobBlocks, journalDev.Nblocks()-blobBlocks)
	if err != nil {
		return nil, err
	}
	blobs := [2]*journal.CryptoBlob{
		journal.NewCryptoBlob(journalDev, 0, a, rootKey),
		journal.NewCryptoBlob(journalDev, 1, a, rootKey),
	}
	ring := journal.NewBlockRing(ringDev)
	chain := journal.NewCryptoChain(ring, a, rootKey)

	var policy journal.CompactPolicy
	if params.CompactPolicy == "never" {
		policy = journal.NeverCompactPolicy{}
	} else {
		policy = journal.NewDefaultCompactPolicy(uint32(ringDev.Nblocks()))
	}

	codec := NewCodec(alloc, rawStore, store)
	return journal.New(chain, policy, blobs, int(params.BlockSize), codec), nil
}

// Commit drives tx through the tx log store, then the journal, last — in
// that order — so the journal's own Precommit (which encodes the edit
// group) runs only after every other participant, including the tx log
// store's own dirty-log flush, has finished contributing to tx (§4.5: the
// journal codec must see every edit before it serializes the group).
// Afterward it syncs the bitmap, raw log store and journal to disk.
func (k *Kernel) Commit(tx *txn.Tx) error {
	tx.Record(k.TxLogs, nil)
	tx.Record(k.Journal, nil)
	if err := tx.Commit(); err != nil {
		return err
	}
	if err := writeBitmap(k.bitmapDev, k.Chunks); err != nil {
		return err
	}
	return k.Sync()
}

// Sync flushes every region's backing block set (§4.7: "sync()").
func (k *Kernel) Sync() error {
	if err := k.RawLogs.Sync(); err != nil {
		return err
	}
	if err := k.Journal.Sync(); err != nil {
		return err
	}
	return k.dev.Flush()
}

func writeSuperblock(dev block.Set, a aead.AEAD, rootKey aead.Key, meta superMeta) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return err
	}
	plain := buf.Bytes()
	bs := int(dev.BlockSize())
	if len(plain)+len(superblockMagic)+4+aead.MacSize > bs {
		return vfserr.New("txlog.format", vfserr.EINVAL)
	}
	cipherOut := make([]byte, len(plain))
	mac, err := a.Encrypt(plain, rootKey, aead.IV{}, nil, cipherOut)
	if err != nil {
		return err
	}

	out := make([]byte, bs)
	off := copy(out, []byte(superblockMagic))
	binary.LittleEndian.PutUint32(out[off:], uint32(len(cipherOut)))
	off += 4
	copy(out[off:], mac[:])
	off += aead.MacSize
	copy(out[off:], cipherOut)
	return dev.Write(0, out)
}

func readSuperblock(dev block.Set, a aead.AEAD, rootKey aead.Key) (superMeta, error) {
	buf := make([]byte, dev.BlockSize())
	if err := dev.Read(0, buf); err != nil {
		return superMeta{}, vfserr.Wrap("txlog.recover", vfserr.EIO, err)
	}
	off := len(superblockMagic)
	if !bytes.Equal(buf[:off], []byte(superblockMagic)) {
		return superMeta{}, vfserr.New("txlog.recover", vfserr.EINVAL)
	}
	n := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	var mac aead.Mac
	copy(mac[:], buf[off:off+aead.MacSize])
	off += aead.MacSize
	cipherText := buf[off : off+int(n)]

	plain := make([]byte, n)
	if err := a.Decrypt(cipherText, rootKey, aead.IV{}, nil, mac, plain); err != nil {
		return superMeta{}, vfserr.New("txlog.recover", vfserr.EIO)
	}
	var meta superMeta
	if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(&meta); err != nil {
		return superMeta{}, err
	}
	return meta, nil
}

// writeBitmap packs alloc's committed bitmap and writes it across dev's
// blocks, one uint64 word per 8 bytes, left unencrypted: allocation
// metadata alone reveals nothing about file contents, so this one region
// skips the superblock's AEAD framing.
func writeBitmap(dev block.Set, alloc *chunk.Allocator) error {
	words := alloc.PackBitmap()
	wordsPerBlock := int(dev.BlockSize()) / 8
	buf := make([]byte, dev.BlockSize())
	for b := uint64(0); b < dev.Nblocks(); b++ {
		for i := range buf {
			buf[i] = 0
		}
		start := int(b) * wordsPerBlock
		for i := 0; i < wordsPerBlock && start+i < len(words); i++ {
			binary.LittleEndian.PutUint64(buf[i*8:], words[start+i])
		}
		if err := dev.Write(block.Id(b), buf); err != nil {
			return err
		}
	}
	return nil
}

func loadBitmap(dev block.Set, alloc *chunk.Allocator, nchunks uint64) error {
	wordsPerBlock := int(dev.BlockSize()) / 8
	words := make([]uint64, dev.Nblocks()*uint64(wordsPerBlock))
	buf := make([]byte, dev.BlockSize())
	for b := uint64(0); b < dev.Nblocks(); b++ {
		if err := dev.Read(block.Id(b), buf); err != nil {
			return err
		}
		for i := 0; i < wordsPerBlock; i++ {
			words[int(b)*wordsPerBlock+i] = binary.LittleEndian.Uint64(buf[i*8:])
		}
	}
	return alloc.LoadBitmap(words, nchunks)
}
