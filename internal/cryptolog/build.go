package cryptolog

import (
	"crypto/rand"

	"github.com/deploymenttheory/vaultfs/internal/aead"
	"github.com/deploymenttheory/vaultfs/internal/block"
)

type buildItem struct {
	entry     Entry
	dataNodes uint32
}

func groupItems(items []buildItem, n int) [][]buildItem {
	var groups [][]buildItem
	for i := 0; i < len(items); i += n {
		end := i + n
		if end > len(items) {
			end = len(items)
		}
		groups = append(groups, items[i:end])
	}
	return groups
}

func randomKey() aead.Key {
	var k aead.Key
	_, _ = rand.Read(k[:])
	return k
}

func randomIV() aead.IV {
	var iv aead.IV
	_, _ = rand.Read(iv[:])
	return iv
}

// buildTreeLocked rebuilds the entire MHT bottom-up over cl.entries (§4.6
// tree build algorithm, folded into a single full rebuild per the package
// doc's simplification note). Every non-root node in a level is
// batch-encrypted and appended to the raw log in one call, matching "Append
// new MHT nodes to the raw log in batch"; the root node is singled out and
// encrypted under root_key with a random IV (§4.6, §6).
func (cl *CryptoLog) buildTreeLocked() error {
	if len(cl.entries) == 0 {
		cl.root = nil
		cl.builtCount = 0
		return nil
	}

	items := make([]buildItem, len(cl.entries))
	for i, e := range cl.entries {
		items[i] = buildItem{entry: e, dataNodes: 1}
	}

	height := uint8(1)
	for {
		groups := groupItems(items, cl.nbranches)
		if len(groups) == 1 {
			g := groups[0]
			entries := make([]Entry, len(g))
			var total uint32
			for i, it := range g {
				entries[i] = it.entry
				total += it.dataNodes
			}
			h := nodeHeader{Height: height, NumDataNodes: total, NumValidEntries: uint16(len(g))}
			plain := encodeNode(cl.blockSize, h, entries)

			iv := randomIV()
			cipherOut := make([]byte, len(plain))
			mac, err := cl.aeadImpl.Encrypt(plain, cl.rootKey, iv, nil, cipherOut)
			if err != nil {
				return err
			}
			pos, err := cl.raw.Append(cipherOut)
			if err != nil {
				return err
			}
			cl.root = &RootMeta{Pos: block.Id(pos), Mac: mac, Iv: iv, Height: height, NumDataNodes: total}
			cl.builtCount = len(cl.entries)
			return nil
		}

		plains := make([][]byte, len(groups))
		keys := make([]aead.Key, len(groups))
		totals := make([]uint32, len(groups))
		for gi, g := range groups {
			entries := make([]Entry, len(g))
			var total uint32
			for i, it := range g {
				entries[i] = it.entry
				total += it.dataNodes
			}
			h := nodeHeader{Height: height, NumDataNodes: total, NumValidEntries: uint16(len(g))}
			plains[gi] = encodeNode(cl.blockSize, h, entries)
			keys[gi] = randomKey()
			totals[gi] = total
		}

		var concatCipher []byte
		macs := make([]aead.Mac, len(groups))
		for gi, plain := range plains {
			cipherOut := make([]byte, len(plain))
			mac, err := cl.aeadImpl.Encrypt(plain, keys[gi], aead.IV{}, nil, cipherOut)
			if err != nil {
				return err
			}
			macs[gi] = mac
			concatCipher = append(concatCipher, cipherOut...)
		}
		startPos, err := cl.raw.Append(concatCipher)
		if err != nil {
			return err
		}

		next := make([]buildItem, len(groups))
		for gi := range groups {
			next[gi] = buildItem{
				entry:     Entry{Pos: block.Id(startPos) + block.Id(gi), Key: keys[gi], Mac: macs[gi]},
				dataNodes: totals[gi],
			}
		}
		items = next
		height++
	}
}
