package txlog

import (
	"bytes"
	"encoding/gob"

	"github.com/deploymenttheory/vaultfs/internal/chunk"
	"github.com/deploymenttheory/vaultfs/internal/rawlog"
	"github.com/deploymenttheory/vaultfs/internal/txn"
)

// editGroup is the wire payload of a single committed Tx's edits across
// all three participants the journal guards (§3, §4.5: "{chunk_alloc,
// raw_log_store, tx_log_store}").
type editGroup struct {
	ChunkEdits []chunk.Edit
	RawEdits   []rawlog.LogEdit
	TxEdits    []WireEdit
}

// stateSnapshot is the wire payload SnapshotState/RestoreState serialize
// for compaction (§4.5 step 2).
type stateSnapshot struct {
	BitmapWords  []uint64
	NChunks      uint64
	RawNextID    rawlog.Id
	RawHeads     []rawlog.HeadSnapshot
	TxLogEntries []StateEntry
}

// Codec implements journal.Codec over this package's three participants —
// the tx log store's own Store, plus the chunk.Allocator and rawlog.Store
// it was built on top of (§4.5, §4.7). gob is this implementation's
// serialization choice: no example repo in the retrieval pack imports a
// structured-serialization library (protobuf/msgpack/etc.), so wire
// encoding for this one ambient concern stays on the standard library's
// own encoding/gob, consistent with the teacher's general "depend on
// stdlib where no pack repo shows an alternative" posture (see DESIGN.md).
type Codec struct {
	alloc    *chunk.Allocator
	rawStore *rawlog.Store
	store    *Store
}

// NewCodec builds the journal codec over the given participants.
func NewCodec(alloc *chunk.Allocator, rawStore *rawlog.Store, store *Store) *Codec {
	return &Codec{alloc: alloc, rawStore: rawStore, store: store}
}

func (c *Codec) EncodeGroup(tx *txn.Tx) ([]byte, error) {
	group := editGroup{
		TxEdits: c.store.EditsFor(tx),
	}
	for _, e := range tx.Edits(c.alloc) {
		group.ChunkEdits = append(group.ChunkEdits, e.(chunk.Edit))
	}
	group.RawEdits = c.rawStore.EditsFor(tx)

	if len(group.ChunkEdits) == 0 && len(group.RawEdits) == 0 && len(group.TxEdits) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(group); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) ApplyGroup(payload []byte) error {
	var group editGroup
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&group); err != nil {
		return err
	}
	for _, e := range group.ChunkEdits {
		c.alloc.ApplyEdit(e)
	}
	for _, e := range group.RawEdits {
		c.rawStore.ApplyEdit(e)
	}
	for _, e := range group.TxEdits {
		c.store.ApplyEdit(e)
	}
	return nil
}

func (c *Codec) SnapshotState() ([]byte, error) {
	nextID, heads := c.rawStore.Snapshot()
	snap := stateSnapshot{
		BitmapWords:  c.alloc.PackBitmap(),
		NChunks:      c.alloc.Nchunks(),
		RawNextID:    nextID,
		RawHeads:     heads,
		TxLogEntries: c.store.Snapshot(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) RestoreState(data []byte) error {
	var snap stateSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return err
	}
	if err := c.alloc.LoadBitmap(snap.BitmapWords, snap.NChunks); err != nil {
		return err
	}
	c.rawStore.Restore(snap.RawNextID, snap.RawHeads)
	c.store.Restore(snap.TxLogEntries)
	return nil
}
