package vmio

import (
	"testing"

	"github.com/deploymenttheory/vaultfs/internal/vfserr"
	"github.com/stretchr/testify/require"
)

func TestInfallibleReadWriteRoundTrip(t *testing.T) {
	mem := make([]byte, 16)
	w := NewWriter(Infallible, mem, 0, NoFaults{})
	n, err := w.Write([]byte("hello world!!!!!"))
	require.NoError(t, err)
	require.Equal(t, 16, n)

	r := NewReader(Infallible, mem, 0, NoFaults{})
	out := make([]byte, 16)
	n, err = r.Read(out)
	require.NoError(t, err)
	require.Equal(t, "hello world!!!!!", string(out[:n]))
}

// faultAt simulates a page fault at a fixed virtual address, the way the
// VMAR's remote-access path would report an absent or permission-denied
// page (§4.8).
type faultAt struct{ vaddr uint64 }

func (f faultAt) Faults(vaddr uint64) bool {
	return vaddr/PageSize == f.vaddr/PageSize
}

func TestFallibleReadStopsAtFault(t *testing.T) {
	mem := make([]byte, 2*PageSize)
	for i := range mem {
		mem[i] = 0xAB
	}
	// Fault injected at the start of the second page.
	r := NewReader(Fallible, mem, 0, faultAt{vaddr: PageSize})

	out := make([]byte, len(mem))
	n, err := r.Read(out)
	require.Error(t, err)
	require.True(t, vfserr.Is(err, vfserr.EFAULT))
	require.Equal(t, PageSize, n)
}

func TestFallibleFillStopsAtFault(t *testing.T) {
	mem := make([]byte, 2*PageSize)
	w := NewWriter(Fallible, mem, 0, faultAt{vaddr: PageSize})

	n, err := w.Fill(0x7F)
	require.Error(t, err)
	require.True(t, vfserr.Is(err, vfserr.EFAULT))
	require.Equal(t, PageSize, n)
	for i := 0; i < PageSize; i++ {
		require.Equal(t, byte(0x7F), mem[i])
	}
}

func TestAtomicUpdateSucceedsWhenUnchanged(t *testing.T) {
	var v uint32 = 5
	old, ok := AtomicUpdate(&v, func(old uint32) uint32 { return old + 1 })
	require.True(t, ok)
	require.Equal(t, uint32(5), old)
	require.Equal(t, uint32(6), AtomicLoad(&v))
}

func TestReadOnceWriteOnce(t *testing.T) {
	var v uint32
	WriteOnce(&v, 42)
	require.Equal(t, uint32(42), ReadOnce(&v))
}
