package journal

import (
	"encoding/binary"

	"github.com/deploymenttheory/vaultfs/internal/vfserr"
)

// recordKind tags a serialized Record (§4.5).
type recordKind byte

const (
	recordVersion recordKind = iota
	recordEdit
)

// writeBuf accumulates serialized records up to one block (§4.5:
// "block-aligned, <= one block of serialized records").
type writeBuf struct {
	blockSize int
	data      []byte
}

func newWriteBuf(blockSize int) *writeBuf {
	return &writeBuf{blockSize: blockSize}
}

// encodeRecord frames kind+payload as [1 byte kind][4 byte len][payload].
func encodeRecord(kind recordKind, payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = byte(kind)
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[5:], payload)
	return out
}

// Add appends a record if it fits in the remaining block space; returns
// false if it does not (caller must flush first).
func (w *writeBuf) Add(kind recordKind, payload []byte) bool {
	rec := encodeRecord(kind, payload)
	if len(w.data)+len(rec) > w.blockSize {
		return false
	}
	w.data = append(w.data, rec...)
	return true
}

// Bytes returns the buffer padded to exactly one block.
func (w *writeBuf) Bytes() []byte {
	out := make([]byte, w.blockSize)
	copy(out, w.data)
	return out
}

func (w *writeBuf) Empty() bool { return len(w.data) == 0 }

func (w *writeBuf) Reset() { w.data = w.data[:0] }

// decodeRecords parses a padded block back into (kind, payload) pairs,
// stopping at the first header whose kind is neither record kind. The
// block's zero-filled tail decodes as empty Version records, which replay
// ignores.
func decodeRecords(block []byte) ([]struct {
	Kind    recordKind
	Payload []byte
}, error) {
	var out []struct {
		Kind    recordKind
		Payload []byte
	}
	off := 0
	for off+5 <= len(block) {
		kind := recordKind(block[off])
		if kind != recordVersion && kind != recordEdit {
			break
		}
		n := binary.LittleEndian.Uint32(block[off+1 : off+5])
		if off+5+int(n) > len(block) {
			return nil, vfserr.New("journal.writebuf", vfserr.EINVAL)
		}
		payload := block[off+5 : off+5+int(n)]
		out = append(out, struct {
			Kind    recordKind
			Payload []byte
		}{Kind: kind, Payload: payload})
		off += 5 + int(n)
	}
	return out, nil
}
