package rawlog

import (
	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/chunk"
	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
)

// RawLog is a handle to one log within a Store, scoped to the Tx that
// opened or created it (§4.2: "calling outside a TX is a programming
// error" — enforced here by every RawLog carrying its owning *txn.Tx).
type RawLog struct {
	store      *Store
	id         Id
	tx         *txn.Tx
	appendable bool
	tail       *tailState // lazily created on first Append, nil otherwise
}

// Id returns this log's identifier.
func (l *RawLog) Id() Id { return l.id }

// committedHead returns the store's last-committed head for this log.
func (l *RawLog) committedHead() head {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	return l.store.heads[l.id]
}

// effectiveHead folds this handle's in-flight tail (if any) on top of the
// committed head, so reads within the same Tx observe just-appended data
// (§4.2: "reads across head then tail").
func (l *RawLog) effectiveHead() head {
	committed := l.committedHead()
	if l.tail == nil {
		return committed
	}
	return head{
		chunks:    append(append([]chunk.Id(nil), committed.chunks...), l.tail.newChunks...),
		numBlocks: l.tail.tailOccupancy,
	}
}

// Nblocks reports head blocks + tail blocks (§4.2).
func (l *RawLog) Nblocks() uint64 {
	return l.effectiveHead().nblocks(l.store.blocksPerChunk)
}

// Append writes buf (a whole number of blocks) to the tail, allocating
// additional chunks via the store's chunk.Allocator as needed, first
// filling any trailing free space in the current last chunk of the log
// (§4.2). Returns the starting block offset of the data just written.
// EPERM is returned if this handle isn't appendable.
func (l *RawLog) Append(buf []byte) (uint64, error) {
	if !l.appendable {
		return 0, vfserr.New("rawlog.append", vfserr.EPERM)
	}
	bs := l.store.dev.BlockSize()
	if len(buf) == 0 || len(buf)%int(bs) != 0 {
		return 0, vfserr.New("rawlog.append", vfserr.EINVAL)
	}
	nblocks := uint32(len(buf) / int(bs))
	startOffset := l.Nblocks()

	if l.tail == nil {
		committed := l.committedHead()
		l.tail = &tailState{tailOccupancy: committed.numBlocks}
		l.store.mu.Lock()
		l.store.push(l.tx, &storeEdit{kind: editAppend, id: l.id, tail: l.tail})
		l.store.mu.Unlock()
	}

	blocksPerChunk := l.store.blocksPerChunk
	committed := l.committedHead()
	haveTailChunk := len(committed.chunks)+len(l.tail.newChunks) > 0

	remaining := nblocks
	written := uint32(0)

	if haveTailChunk && l.tail.tailOccupancy < blocksPerChunk {
		var tailChunkID chunk.Id
		if len(l.tail.newChunks) > 0 {
			tailChunkID = l.tail.newChunks[len(l.tail.newChunks)-1]
		} else {
			tailChunkID = committed.chunks[len(committed.chunks)-1]
		}
		free := blocksPerChunk - l.tail.tailOccupancy
		n := min32(free, remaining)
		base := block.Id(tailChunkID) * block.Id(blocksPerChunk)
		for i := uint32(0); i < n; i++ {
			off := l.tail.tailOccupancy + i
			if err := l.store.dev.Write(base+block.Id(off), buf[written*bs:(written+1)*bs]); err != nil {
				return 0, vfserr.Wrap("rawlog.append", vfserr.EIO, err)
			}
			written++
		}
		l.tail.tailOccupancy += n
		remaining -= n
	}

	for remaining > 0 {
		need := int((remaining + blocksPerChunk - 1) / blocksPerChunk)
		got := l.store.alloc.AllocBatch(l.tx, need)
		if len(got) == 0 {
			return 0, vfserr.New("rawlog.append", vfserr.ENOMEM)
		}
		for _, cid := range got {
			l.tail.newChunks = append(l.tail.newChunks, cid)
			base := block.Id(cid) * block.Id(blocksPerChunk)
			n := min32(blocksPerChunk, remaining)
			for i := uint32(0); i < n; i++ {
				if err := l.store.dev.Write(base+block.Id(i), buf[written*bs:(written+1)*bs]); err != nil {
					return 0, vfserr.Wrap("rawlog.append", vfserr.EIO, err)
				}
				written++
			}
			l.tail.tailOccupancy = n
			remaining -= n
			if remaining == 0 {
				break
			}
		}
	}

	return startOffset, nil
}

// Read reads nblocks starting at logical block pos into buf (which must be
// exactly nblocks*BlockSize bytes). Short/out-of-range reads are rejected
// (§4.2: "the caller-provided range must lie within head_len + tail_len").
func (l *RawLog) Read(pos uint64, nblocks uint64, buf []byte) error {
	bs := l.store.dev.BlockSize()
	if uint64(len(buf)) != nblocks*uint64(bs) {
		return vfserr.New("rawlog.read", vfserr.EINVAL)
	}
	h := l.effectiveHead()
	if pos+nblocks > h.nblocks(l.store.blocksPerChunk) {
		return vfserr.New("rawlog.read", vfserr.EINVAL)
	}
	for i := uint64(0); i < nblocks; i++ {
		lbid := pos + i
		chunkIdx := lbid / uint64(l.store.blocksPerChunk)
		within := uint32(lbid % uint64(l.store.blocksPerChunk))
		cid := h.chunks[chunkIdx]
		base := block.Id(cid) * block.Id(l.store.blocksPerChunk)
		if err := l.store.dev.Read(base+block.Id(within), buf[i*uint64(bs):(i+1)*uint64(bs)]); err != nil {
			return vfserr.Wrap("rawlog.read", vfserr.EIO, err)
		}
	}
	return nil
}
