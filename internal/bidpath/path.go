// Package bidpath implements the block-pointer tree and indirect-block cache
// (C3): resolving a logical block index to a BidPath through an inode's
// direct/indirect/double-indirect/triple-indirect pointers (§3, §4.3), and
// the expand/shrink allocation rounds that grow or truncate that tree.
//
// The path-resolution arithmetic is grounded on the teacher's object map /
// B-tree index math in internal/parsers/object_maps (translating a key into
// a B-tree node/slot path); here the "key" is a logical block index and the
// "tree" has a fixed four-level shape instead of a balanced B-tree.
package bidpath

import "github.com/deploymenttheory/vaultfs/internal/config"

// Kind identifies which pointer tier a logical block falls under.
type Kind int

const (
	Direct Kind = iota
	Indirect
	DbIndirect
	TbIndirect
)

// Path is the resolved location of a logical block index within an inode's
// pointer tree (§4.3).
type Path struct {
	Kind Kind
	// Idx is the direct-array slot for Direct; for Indirect it's the slot
	// within the single indirect block. I/J/K are the per-level slots for
	// DbIndirect/TbIndirect.
	Idx, I, J, K uint32
}

// Resolve computes the BidPath of logical block lbid given fan-out n
// (blocks addressable per indirect block, = BlockSize/BidSize) and the fixed
// direct pointer count (§4.3).
func Resolve(lbid uint64, n uint64) Path {
	const direct = config.DirectPtrCount

	if lbid < direct {
		return Path{Kind: Direct, Idx: uint32(lbid)}
	}
	lbid -= direct
	if lbid < n {
		return Path{Kind: Indirect, Idx: uint32(lbid)}
	}
	lbid -= n
	if lbid < n*n {
		return Path{Kind: DbIndirect, I: uint32(lbid / n), J: uint32(lbid % n)}
	}
	lbid -= n * n
	return Path{
		Kind: TbIndirect,
		I:    uint32(lbid / (n * n)),
		J:    uint32((lbid / n) % n),
		K:    uint32(lbid % n),
	}
}

// MaxBlocks returns the total logical block capacity of a fully populated
// pointer tree for fan-out n (§3: "≤ 12 + N + N² + N³").
func MaxBlocks(n uint64) uint64 {
	return config.DirectPtrCount + n + n*n + n*n*n
}

// boundary returns the exclusive logical block index at which the current
// tier (the tier lbid falls in) ends, i.e. the next indirect-tier boundary
// referenced by §4.3's "cnt_to_next_indirect_boundary".
func boundary(lbid uint64, n uint64) uint64 {
	const direct = config.DirectPtrCount
	switch {
	case lbid < direct:
		return direct
	case lbid < direct+n:
		return direct + n
	case lbid < direct+n+n*n:
		// end of the double-indirect block containing lbid
		within := lbid - direct - n
		i := within / n
		return direct + n + (i+1)*n
	default:
		within := lbid - direct - n - n*n
		i := within / (n * n)
		j := (within / n) % n
		_ = j
		// end of the bottom-level indirect block containing lbid
		return direct + n + n*n + i*n*n + ((within/n)%n+1)*n
	}
}
