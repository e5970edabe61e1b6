package journal

import (
	"encoding/binary"

	"github.com/deploymenttheory/vaultfs/internal/aead"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
)

// CryptoChain is a chain of AEAD-encrypted, MAC-linked blocks over a
// BlockRing (§4.5): each block's AAD is the previous block's MAC, and each
// block stores its own MAC alongside its ciphertext so a cold-started
// recovery can re-walk the chain from the last reset point without needing
// any in-memory state (§6: "MAC-verifying each chain block on recovery").
type CryptoChain struct {
	ring    *BlockRing
	aead    aead.AEAD
	key     aead.Key
	prevMac aead.Mac
}

// block layout: [4 byte ciphertext len][16 byte mac][ciphertext]
const chainBlockHeader = 4 + aead.MacSize

// NewCryptoChain starts a chain over ring, keyed by key, with no prior MAC
// (used when formatting or immediately after a compaction trim).
func NewCryptoChain(ring *BlockRing, a aead.AEAD, key aead.Key) *CryptoChain {
	return &CryptoChain{ring: ring, aead: a, key: key}
}

// Append encrypts plain (the write buffer's padded contents, chainBlockHeader
// bytes shorter than a block) and appends it to the ring, chaining its AAD to the previous
// block's MAC. Returns the new block's position and MAC.
func (c *CryptoChain) Append(plain []byte) (uint64, aead.Mac, error) {
	bs := int(c.ring.dev.BlockSize())
	cipherOut := make([]byte, len(plain))
	iv := aead.IV{} // §6: iv=0 for non-root, MAC-linked chain blocks
	mac, err := c.aead.Encrypt(plain, c.key, iv, c.prevMac[:], cipherOut)
	if err != nil {
		return 0, aead.Mac{}, err
	}
	if chainBlockHeader+len(cipherOut) > bs {
		return 0, aead.Mac{}, vfserr.New("journal.chain", vfserr.EINVAL)
	}

	buf := make([]byte, bs)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(cipherOut)))
	copy(buf[4:4+aead.MacSize], mac[:])
	copy(buf[chainBlockHeader:], cipherOut)

	pos, err := c.ring.Append(buf)
	if err != nil {
		return 0, aead.Mac{}, err
	}
	c.prevMac = mac
	return pos, mac, nil
}

// VerifyNext decrypts the block at pos given the running prevMac (the
// chain's own AAD-link, reconstructed purely from the sequence of blocks
// already verified since the last reset), returning the decrypted payload
// and this block's MAC so the caller can feed it forward as the next
// block's expected prevMac.
func (c *CryptoChain) VerifyNext(pos uint64, prevMac aead.Mac) ([]byte, aead.Mac, error) {
	bs := int(c.ring.dev.BlockSize())
	buf := make([]byte, bs)
	if err := c.ring.Read(pos, buf); err != nil {
		return nil, aead.Mac{}, err
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	if chainBlockHeader+int(n) > bs {
		return nil, aead.Mac{}, vfserr.New("journal.chain", vfserr.EINVAL)
	}
	var mac aead.Mac
	copy(mac[:], buf[4:4+aead.MacSize])
	cipherText := buf[chainBlockHeader : chainBlockHeader+int(n)]

	plain := make([]byte, len(cipherText))
	if err := c.aead.Decrypt(cipherText, c.key, aead.IV{}, prevMac[:], mac, plain); err != nil {
		return nil, aead.Mac{}, vfserr.New("journal.chain", vfserr.EIO)
	}
	return plain, mac, nil
}

// Reset rewinds the chain's link state to start fresh after a compaction
// trim (§4.5 step 4: "trim the chain so that at most one valid block
// remains").
func (c *CryptoChain) Reset() {
	c.prevMac = aead.Mac{}
}

// Adopt sets the chain's live link to mac, the MAC of the last block a
// recovery pass verified — so that appends made after recovery chain off
// the real tail instead of off a zero MAC that no on-disk block carries.
func (c *CryptoChain) Adopt(mac aead.Mac) {
	c.prevMac = mac
}
