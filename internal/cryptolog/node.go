package cryptolog

import (
	"encoding/binary"

	"github.com/deploymenttheory/vaultfs/internal/aead"
	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
)

// encodeNode serializes a header plus up to n entries into one block-sized
// plaintext buffer (§4.6: "fixed-size (one block)").
func encodeNode(blockSize uint32, h nodeHeader, entries []Entry) []byte {
	buf := make([]byte, blockSize)
	buf[0] = h.Height
	binary.LittleEndian.PutUint32(buf[1:5], h.NumDataNodes)
	binary.LittleEndian.PutUint16(buf[5:7], h.NumValidEntries)

	off := nodeHeaderSize
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(e.Pos))
		copy(buf[off+8:off+8+aead.KeySize], e.Key[:])
		copy(buf[off+8+aead.KeySize:off+entrySize], e.Mac[:])
		off += entrySize
	}
	return buf
}

// decodeNode parses a node's plaintext back into its header and entries.
func decodeNode(plain []byte) (nodeHeader, []Entry, error) {
	if len(plain) < nodeHeaderSize {
		return nodeHeader{}, nil, vfserr.New("cryptolog.node", vfserr.EINVAL)
	}
	h := nodeHeader{
		Height:          plain[0],
		NumDataNodes:    binary.LittleEndian.Uint32(plain[1:5]),
		NumValidEntries: binary.LittleEndian.Uint16(plain[5:7]),
	}
	entries := make([]Entry, 0, h.NumValidEntries)
	off := nodeHeaderSize
	for i := uint16(0); i < h.NumValidEntries; i++ {
		if off+entrySize > len(plain) {
			return nodeHeader{}, nil, vfserr.New("cryptolog.node", vfserr.EINVAL)
		}
		var e Entry
		e.Pos = block.Id(binary.LittleEndian.Uint64(plain[off : off+8]))
		copy(e.Key[:], plain[off+8:off+8+aead.KeySize])
		copy(e.Mac[:], plain[off+8+aead.KeySize:off+entrySize])
		entries = append(entries, e)
		off += entrySize
	}
	return h, entries, nil
}

// MaxNbranches computes MHT_NBRANCHES = (BLOCK_SIZE - header) / entry_size
// for a given block size (§4.6) — the upper bound callers should respect
// when choosing the nbranches value passed to New/Open.
func MaxNbranches(blockSize uint32) int {
	return int((blockSize - nodeHeaderSize) / entrySize)
}
