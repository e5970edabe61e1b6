package journal

// CompactPolicy decides when the journal should compact its state into a
// fresh snapshot (§4.5, §6).
type CompactPolicy interface {
	OnCommitEdits(groupSize int)
	OnAppendJournal(nBlocks uint32)
	ShouldCompact() bool
	DoneCompact(compactedBlocks uint32)
}

// NeverCompactPolicy never triggers compaction; used for testing (§4.5).
type NeverCompactPolicy struct{}

func (NeverCompactPolicy) OnCommitEdits(int)      {}
func (NeverCompactPolicy) OnAppendJournal(uint32) {}
func (NeverCompactPolicy) ShouldCompact() bool     { return false }
func (NeverCompactPolicy) DoneCompact(uint32)      {}

// DefaultCompactPolicy compacts once the journal region's used blocks reach
// its total capacity (§4.5).
type DefaultCompactPolicy struct {
	used, capacity uint32
}

// NewDefaultCompactPolicy creates a policy over a journal area of capacity
// blocks.
func NewDefaultCompactPolicy(capacity uint32) *DefaultCompactPolicy {
	return &DefaultCompactPolicy{capacity: capacity}
}

func (p *DefaultCompactPolicy) OnCommitEdits(int) {}

func (p *DefaultCompactPolicy) OnAppendJournal(n uint32) { p.used += n }

func (p *DefaultCompactPolicy) ShouldCompact() bool { return p.used >= p.capacity }

func (p *DefaultCompactPolicy) DoneCompact(compactedBlocks uint32) {
	if compactedBlocks > p.used {
		p.used = 0
	} else {
		p.used -= compactedBlocks
	}
}
