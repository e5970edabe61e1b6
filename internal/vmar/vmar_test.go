package vmar

import (
	"testing"

	"github.com/deploymenttheory/vaultfs/internal/vmio"
	"github.com/stretchr/testify/require"
)

const testLowest = Vaddr(0x1000 * PageSize)
const testMax = Vaddr(0x2000 * PageSize)

func newTestVmar() *Vmar { return New(testLowest, testMax) }

func TestNewMapFirstFitAndQuery(t *testing.T) {
	v := newTestVmar()
	m, err := v.NewMap(2*PageSize, PermRead|PermWrite, AllMayPerms).Build()
	require.NoError(t, err)
	require.Equal(t, testLowest, m.Range.Base)
	require.Equal(t, uint64(2*PageSize), m.Range.Size)

	found := v.Query(testLowest)
	require.NotNil(t, found)
	require.Equal(t, m.Range, found.Range)

	require.Nil(t, v.Query(testLowest-1))
	require.Nil(t, v.Query(testLowest+Vaddr(2*PageSize)))
}

func TestNewMapRejectsPermsOutsideMayPerms(t *testing.T) {
	v := newTestVmar()
	_, err := v.NewMap(PageSize, PermWrite, PermRead).Build()
	require.Error(t, err)
}

func TestNewMapAtExplicitOffsetConflict(t *testing.T) {
	v := newTestVmar()
	_, err := v.NewMap(PageSize, PermRead, AllMayPerms).At(testLowest, false).Build()
	require.NoError(t, err)

	_, err = v.NewMap(PageSize, PermRead, AllMayPerms).At(testLowest, false).Build()
	require.Error(t, err)

	_, err = v.NewMap(PageSize, PermRead, AllMayPerms).At(testLowest, true).Build()
	require.NoError(t, err)
}

func TestNewMapAdjacentMerge(t *testing.T) {
	v := newTestVmar()
	_, err := v.NewMap(PageSize, PermRead, AllMayPerms).At(testLowest, false).Build()
	require.NoError(t, err)
	_, err = v.NewMap(PageSize, PermRead, AllMayPerms).At(testLowest+PageSize, false).Build()
	require.NoError(t, err)

	all := v.mappings.All()
	require.Len(t, all, 1)
	require.Equal(t, uint64(2*PageSize), all[0].Range.Size)
}

func TestProtectSplitsMapping(t *testing.T) {
	v := newTestVmar()
	_, err := v.NewMap(4*PageSize, PermRead|PermWrite, AllMayPerms).At(testLowest, false).Build()
	require.NoError(t, err)

	err = v.Protect(Range{Base: testLowest + PageSize, Size: PageSize}, PermRead)
	require.NoError(t, err)

	all := v.mappings.All()
	require.Len(t, all, 3)
	require.Equal(t, PermRead|PermWrite, all[0].Perms)
	require.Equal(t, PermRead, all[1].Perms)
	require.Equal(t, PermRead|PermWrite, all[2].Perms)
}

func TestProtectRejectsBeyondMayPerms(t *testing.T) {
	v := newTestVmar()
	_, err := v.NewMap(PageSize, PermRead, PermRead).At(testLowest, false).Build()
	require.NoError(t, err)
	err = v.Protect(Range{Base: testLowest, Size: PageSize}, PermWrite)
	require.Error(t, err)
}

func TestRemoveMappingUpdatesRSS(t *testing.T) {
	v := newTestVmar()
	_, err := v.NewMap(2*PageSize, PermRead|PermWrite, AllMayPerms).At(testLowest, false).Build()
	require.NoError(t, err)

	var rss RssDelta
	rss.v = v
	require.NoError(t, v.HandlePageFault(testLowest, true, &rss))
	rss.Apply()
	anon, _ := v.RSS()
	require.Equal(t, int64(1), anon)

	require.NoError(t, v.RemoveMapping(Range{Base: testLowest, Size: PageSize}))
	anon, _ = v.RSS()
	require.Equal(t, int64(0), anon)
	require.Nil(t, v.Query(testLowest))
	require.NotNil(t, v.Query(testLowest+PageSize))
}

func TestResizeMappingGrowAndShrink(t *testing.T) {
	v := newTestVmar()
	_, err := v.NewMap(PageSize, PermRead|PermWrite, AllMayPerms).At(testLowest, false).Build()
	require.NoError(t, err)

	require.NoError(t, v.ResizeMapping(testLowest, PageSize, 3*PageSize, true))
	m := v.Query(testLowest)
	require.Equal(t, uint64(3*PageSize), m.Range.Size)

	require.NoError(t, v.ResizeMapping(testLowest, 3*PageSize, PageSize, true))
	m = v.Query(testLowest)
	require.Equal(t, uint64(PageSize), m.Range.Size)
}

func TestResizeMappingForbidsDeviceGrow(t *testing.T) {
	v := newTestVmar()
	_, err := v.NewMap(PageSize, PermRead, AllMayPerms).At(testLowest, false).Device(make([]byte, PageSize)).Build()
	require.NoError(t, err)
	err = v.ResizeMapping(testLowest, PageSize, 2*PageSize, true)
	require.Error(t, err)
}

func TestRemapMovesPages(t *testing.T) {
	v := newTestVmar()
	_, err := v.NewMap(PageSize, PermRead|PermWrite, AllMayPerms).At(testLowest, false).Build()
	require.NoError(t, err)

	var rss RssDelta
	rss.v = v
	require.NoError(t, v.HandlePageFault(testLowest, true, &rss))
	rss.Apply()

	dest := testLowest + Vaddr(0x10*PageSize)
	newRange, err := v.Remap(Range{Base: testLowest, Size: PageSize}, PageSize, &dest)
	require.NoError(t, err)
	require.Equal(t, dest, newRange.Base)
	require.Nil(t, v.Query(testLowest))
	require.NotNil(t, v.Query(dest))
}

func TestRemapSameMappingEnlargement(t *testing.T) {
	v := newTestVmar()
	_, err := v.NewMap(PageSize, PermRead|PermWrite, AllMayPerms).At(testLowest, false).Build()
	require.NoError(t, err)

	r, err := v.Remap(Range{Base: testLowest, Size: PageSize}, 3*PageSize, nil)
	require.NoError(t, err)
	require.Equal(t, testLowest, r.Base)
	require.Equal(t, uint64(3*PageSize), r.Size)
}

// TestForkCOWBreak is the testable property from §8: map 2 pages RW, fork,
// child reads all zero, parent writes a byte, child still reads 0, parent
// reads the written byte, and only the parent's RSS increments (COW break).
// The parent touches page 0 before the fork so that page is shared and the
// later parent write breaks COW rather than faulting in a fresh page.
func TestForkCOWBreak(t *testing.T) {
	parent := newTestVmar()
	_, err := parent.NewMap(2*PageSize, PermRead|PermWrite, AllMayPerms).At(testLowest, false).Build()
	require.NoError(t, err)
	_, err = parent.WriteRemote(testLowest, vmio.NewReader(vmio.Infallible, []byte{0}, 0, vmio.NoFaults{}), 1)
	require.NoError(t, err)

	child := New(testLowest, testMax)
	child.ForkFrom(parent)

	childBuf := make([]byte, 2*PageSize)
	n, err := child.ReadRemote(testLowest, vmio.NewWriter(vmio.Infallible, childBuf, 0, vmio.NoFaults{}), 2*PageSize)
	require.NoError(t, err)
	require.Equal(t, 2*PageSize, n)
	for _, b := range childBuf {
		require.Equal(t, byte(0), b)
	}
	parentBefore, _ := parent.RSS()
	childBefore, _ := child.RSS()

	parentIn := make([]byte, 1)
	parentIn[0] = 0x42
	n, err = parent.WriteRemote(testLowest, vmio.NewReader(vmio.Infallible, parentIn, 0, vmio.NoFaults{}), 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	childBuf2 := make([]byte, 2*PageSize)
	_, err = child.ReadRemote(testLowest, vmio.NewWriter(vmio.Infallible, childBuf2, 0, vmio.NoFaults{}), 2*PageSize)
	require.NoError(t, err)
	for _, b := range childBuf2 {
		require.Equal(t, byte(0), b)
	}

	parentBuf := make([]byte, 1)
	_, err = parent.ReadRemote(testLowest, vmio.NewWriter(vmio.Infallible, parentBuf, 0, vmio.NoFaults{}), 1)
	require.NoError(t, err)
	require.Equal(t, byte(0x42), parentBuf[0])

	parentAnon, _ := parent.RSS()
	childAnon, _ := child.RSS()
	require.Equal(t, parentBefore+1, parentAnon)
	require.Equal(t, childBefore, childAnon)
}

func TestReadRemoteOpaqueDeviceIsUnsupported(t *testing.T) {
	v := newTestVmar()
	_, err := v.NewMap(PageSize, PermRead, AllMayPerms).At(testLowest, false).Device(make([]byte, PageSize)).Build()
	require.NoError(t, err)

	out := make([]byte, PageSize)
	_, err = v.ReadRemote(testLowest, vmio.NewWriter(vmio.Infallible, out, 0, vmio.NoFaults{}), PageSize)
	require.Error(t, err)
}
