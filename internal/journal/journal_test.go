package journal

import (
	"encoding/binary"
	"testing"

	"github.com/deploymenttheory/vaultfs/internal/aead"
	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/stretchr/testify/require"
)

// counterCodec is a minimal Codec guarding a single in-memory counter:
// each committed edit adds a delta to the counter (the total advances when
// the journal encodes the group), and snapshots/replays carry the running
// total.
type counterCodec struct {
	total int64
}

type counterParticipant struct{}

var counterKey = counterParticipant{}

func (c *counterCodec) EncodeGroup(tx *txn.Tx) ([]byte, error) {
	edits := tx.Edits(counterKey)
	if len(edits) == 0 {
		return nil, nil
	}
	var sum int64
	for _, e := range edits {
		sum += e.(int64)
	}
	c.total += sum
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(sum))
	return payload, nil
}

func (c *counterCodec) SnapshotState() ([]byte, error) {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(c.total))
	return out, nil
}

func (c *counterCodec) RestoreState(data []byte) error {
	c.total = int64(binary.LittleEndian.Uint64(data))
	return nil
}

func (c *counterCodec) ApplyGroup(payload []byte) error {
	c.total += int64(binary.LittleEndian.Uint64(payload))
	return nil
}

func (counterParticipant) Precommit(tx *txn.Tx) error { return nil }
func (counterParticipant) CommitApply(tx *txn.Tx)     {}

const testBlockSize = 128

func newTestJournal(t *testing.T, codec *counterCodec, policy CompactPolicy) (*Journal, *BlockRing) {
	t.Helper()
	ringDev := block.NewMemSet(testBlockSize, 32)
	ring := NewBlockRing(ringDev)
	chain := NewCryptoChain(ring, aead.AESGCM{}, aead.Key{1, 2, 3})

	blobDev := block.NewMemSet(testBlockSize, 2)
	blobs := [2]*CryptoBlob{
		NewCryptoBlob(blobDev, block.Id(0), aead.AESGCM{}, aead.Key{4, 5, 6}),
		NewCryptoBlob(blobDev, block.Id(1), aead.AESGCM{}, aead.Key{4, 5, 6}),
	}

	j := New(chain, policy, blobs, testBlockSize, codec)
	return j, ring
}

func commitDelta(t *testing.T, j *Journal, delta int64) {
	t.Helper()
	tx := txn.Begin()
	tx.Record(counterKey, delta)
	// Register the journal itself as a participant so its Precommit/
	// CommitApply run as part of the same commit.
	tx.Record(j, nil)
	require.NoError(t, tx.Commit())
}

func TestCommitAppendsDurableRecord(t *testing.T) {
	codec := &counterCodec{}
	j, ring := newTestJournal(t, codec, NeverCompactPolicy{})

	commitDelta(t, j, 5)
	require.Equal(t, uint64(1), ring.Used())

	commitDelta(t, j, 7)
	require.Equal(t, uint64(2), ring.Used())
}

func TestNeverCompactPolicyNeverCompacts(t *testing.T) {
	codec := &counterCodec{}
	j, ring := newTestJournal(t, codec, NeverCompactPolicy{})

	for i := int64(0); i < 10; i++ {
		commitDelta(t, j, 1)
	}
	require.Equal(t, uint64(10), ring.Used(), "NeverCompactPolicy must not trigger compaction regardless of volume")
}

func TestDefaultCompactPolicyCompactsAtCapacity(t *testing.T) {
	codec := &counterCodec{}
	policy := NewDefaultCompactPolicy(3)
	j, ring := newTestJournal(t, codec, policy)

	commitDelta(t, j, 1)
	commitDelta(t, j, 2)
	require.Equal(t, uint64(2), ring.Used())

	// Third commit pushes used blocks to capacity, triggering compaction,
	// which appends its own Version record then resets the ring's used
	// counter back down.
	commitDelta(t, j, 3)
	require.Equal(t, uint64(0), ring.Used(), "compaction resets the ring's used-block counter back to its post-trim baseline")
	require.Equal(t, int64(6), codec.total, "snapshot must reflect every committed delta up to the point of compaction")
}

func TestRecoverAfterCompactionReplaysOnlyPostSnapshotEdits(t *testing.T) {
	codec := &counterCodec{}
	policy := NewDefaultCompactPolicy(100) // large capacity: no auto-compaction
	j, _ := newTestJournal(t, codec, policy)

	commitDelta(t, j, 10)
	commitDelta(t, j, 20)

	j.mu.Lock()
	require.NoError(t, j.compactLocked())
	j.mu.Unlock()
	require.Equal(t, int64(30), codec.total)

	commitDelta(t, j, 5)
	require.Equal(t, int64(35), codec.total)

	// Simulate a cold restart: a fresh in-memory codec and Journal bound to
	// the same underlying block sets, recovering purely from disk state.
	freshCodec := &counterCodec{}
	j2, _ := newTestJournal(t, freshCodec, policy)
	j2.chain.ring = j.chain.ring
	j2.blobs = j.blobs

	require.NoError(t, j2.Recover())
	require.Equal(t, int64(35), freshCodec.total, "recovery must restore the snapshot and replay edits committed after it")
}

func TestRecoverWithOneCorruptBlobFallsBackToTheOther(t *testing.T) {
	codec := &counterCodec{}
	policy := NewDefaultCompactPolicy(100)
	j, _ := newTestJournal(t, codec, policy)

	commitDelta(t, j, 42)
	j.mu.Lock()
	require.NoError(t, j.compactLocked())
	j.mu.Unlock()

	// blob[0] is never written to in this single-compaction scenario (the
	// first compaction fills the older slot, blob[1]), so it naturally fails
	// to decrypt since it is all zero bytes, while blob[1] holds the valid
	// snapshot.
	freshCodec := &counterCodec{}
	j2, _ := newTestJournal(t, freshCodec, policy)
	j2.chain.ring = j.chain.ring
	j2.blobs = j.blobs

	require.NoError(t, j2.Recover())
	require.Equal(t, int64(42), freshCodec.total)
}

func TestRecoverWithBothBlobsMissingReturnsENOENT(t *testing.T) {
	codec := &counterCodec{}
	j, _ := newTestJournal(t, codec, NeverCompactPolicy{})

	err := j.Recover()
	require.Error(t, err)
}
