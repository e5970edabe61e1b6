package cryptolog

import (
	"github.com/deploymenttheory/vaultfs/internal/aead"
	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
)

// readNode loads and decrypts the MHT node at pos (checking the NodeCache
// first), verifying it against mac under key/iv.
func (cl *CryptoLog) readNode(pos block.Id, mac aead.Mac, iv aead.IV, key aead.Key) (nodeHeader, []Entry, error) {
	if v, ok := cl.cache.Get(pos); ok && !v.isData {
		return v.Header, v.Entries, nil
	}
	cipherText := make([]byte, cl.blockSize)
	if err := cl.raw.Read(uint64(pos), 1, cipherText); err != nil {
		return nodeHeader{}, nil, err
	}
	plain := make([]byte, cl.blockSize)
	if err := cl.aeadImpl.Decrypt(cipherText, key, iv, nil, mac, plain); err != nil {
		return nodeHeader{}, nil, vfserr.New("cryptolog.search", vfserr.EIO)
	}
	h, entries, err := decodeNode(plain)
	if err != nil {
		return nodeHeader{}, nil, err
	}
	cl.cache.Put(pos, cachedNode{isData: false, Header: h, Entries: entries})
	return h, entries, nil
}

// readDataEntry decrypts the data block e points to (checking the NodeCache
// first). Data nodes use iv=0 since their key is unique per node (§6).
func (cl *CryptoLog) readDataEntry(e Entry) ([]byte, error) {
	if v, ok := cl.cache.Get(e.Pos); ok && v.isData {
		return v.Plain, nil
	}
	cipherText := make([]byte, cl.blockSize)
	if err := cl.raw.Read(uint64(e.Pos), 1, cipherText); err != nil {
		return nil, err
	}
	plain := make([]byte, cl.blockSize)
	if err := cl.aeadImpl.Decrypt(cipherText, e.Key, aead.IV{}, nil, e.Mac, plain); err != nil {
		return nil, vfserr.New("cryptolog.search", vfserr.EIO)
	}
	cl.cache.Put(e.Pos, cachedNode{isData: true, Plain: plain})
	return plain, nil
}

// descend walks the MHT root-to-leaf to the data block at localPos within
// the subtree rooted at (pos, mac, iv, key, height) (§4.6 search step 2).
// Every non-leaf node except the last child at each level is guaranteed a
// full N-entry subtree by construction (buildTreeLocked packs entries in
// dense runs of N), so capacity_below = N^(height-1) is exact for indexing
// without needing to read any node besides the ones on the path itself.
func (cl *CryptoLog) descend(pos block.Id, mac aead.Mac, iv aead.IV, key aead.Key, height uint8, localPos uint64) ([]byte, error) {
	_, entries, err := cl.readNode(pos, mac, iv, key)
	if err != nil {
		return nil, err
	}
	if height == 1 {
		if localPos >= uint64(len(entries)) {
			return nil, vfserr.New("cryptolog.search", vfserr.EINVAL)
		}
		return cl.readDataEntry(entries[localPos])
	}

	capacityBelow := capacityOf(cl.nbranches, int(height)-1)
	idx := localPos / capacityBelow
	if idx >= uint64(len(entries)) {
		return nil, vfserr.New("cryptolog.search", vfserr.EINVAL)
	}
	child := entries[idx]
	return cl.descend(child.Pos, child.Mac, aead.IV{}, child.Key, height-1, localPos%capacityBelow)
}

// capacityOf returns n^h (the number of data blocks a full subtree of
// height h holds).
func capacityOf(n, h int) uint64 {
	c := uint64(1)
	for i := 0; i < h; i++ {
		c *= uint64(n)
	}
	return c
}

// readAtBuiltPos reads the one data block at logical position pos, which
// must already be part of the currently built tree (pos < cl.builtCount).
func (cl *CryptoLog) readAtBuiltPos(pos uint64) ([]byte, error) {
	if cl.root == nil {
		return nil, vfserr.New("cryptolog.search", vfserr.EINVAL)
	}
	return cl.descend(cl.root.Pos, cl.root.Mac, cl.root.Iv, cl.rootKey, cl.root.Height, pos)
}
