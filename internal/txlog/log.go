package txlog

import (
	"github.com/deploymenttheory/vaultfs/internal/aead"
	"github.com/deploymenttheory/vaultfs/internal/cryptolog"
	"github.com/deploymenttheory/vaultfs/internal/txn"
)

// TxLog is a single open tx log handle: one bucket entry's crypto log,
// bound to the Tx it was created or opened within (§4.7).
type TxLog struct {
	store  *Store
	id     Id
	tx     *txn.Tx
	bucket string
	cl     *cryptolog.CryptoLog
}

// Id returns this log's identifier.
func (tl *TxLog) Id() Id { return tl.id }

// Bucket returns the bucket this log currently belongs to, as of the Tx it
// was opened within.
func (tl *TxLog) Bucket() string { return tl.bucket }

// Append appends buf (a whole number of blocks) to the underlying crypto
// log.
func (tl *TxLog) Append(buf []byte) (uint64, error) {
	return tl.cl.Append(buf)
}

// Read fills buf with numBlocks blocks starting at pos.
func (tl *TxLog) Read(pos, numBlocks uint64, buf []byte) error {
	return tl.cl.Read(pos, numBlocks, buf)
}

// Nblocks reports the number of data blocks appended to this log so far.
func (tl *TxLog) Nblocks() uint64 { return tl.cl.Nblocks() }

// RootKey returns the per-log AEAD key the caller must hold to reopen this
// log in a later session.
func (tl *TxLog) RootKey() aead.Key { return tl.cl.RootKey() }
