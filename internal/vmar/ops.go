package vmar

import (
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
)

// MapBuilder constructs a new mapping (§4.8: "new_map(size, perms).build()").
type MapBuilder struct {
	v         *Vmar
	size      uint64
	perms     Perm
	mayPerms  Perm
	offset    *Vaddr
	canOver   bool
	isShared  bool
	mem       MemKind
	vmoOffset uint64
	inode     *uint64
	device    []byte // pre-populated device page contents, one page at a time
}

// NewMap begins building a mapping of size bytes with the given perms,
// constrained to mayPerms.
func (v *Vmar) NewMap(size uint64, perms, mayPerms Perm) *MapBuilder {
	return &MapBuilder{v: v, size: size, perms: perms, mayPerms: mayPerms, mem: MemAnon}
}

// At requests an explicit base address; canOverwrite, if true, truncates
// any existing mappings it intersects instead of failing.
func (b *MapBuilder) At(base Vaddr, canOverwrite bool) *MapBuilder {
	b.offset = &base
	b.canOver = canOverwrite
	return b
}

// Shared marks the mapping as shared (COW does not apply across fork).
func (b *MapBuilder) Shared() *MapBuilder {
	b.isShared = true
	return b
}

// Vmo backs the mapping with a VMO at the given offset.
func (b *MapBuilder) Vmo(offset uint64) *MapBuilder {
	b.mem = MemVmo
	b.vmoOffset = offset
	return b
}

// Device backs the mapping with pre-populated device memory, pre-faulted
// in at build time (§4.8: "pre-populates device mappings when an IoMem is
// supplied").
func (b *MapBuilder) Device(contents []byte) *MapBuilder {
	b.mem = MemDevice
	b.device = contents
	return b
}

// Inode associates the mapping with a file's page cache (for MemVmo
// mappings backed by an inode rather than an anonymous VMO).
func (b *MapBuilder) Inode(ino uint64) *MapBuilder {
	b.inode = &ino
	return b
}

// Build validates and inserts the mapping, merging with an adjacent
// compatible mapping if one exists (§4.8: "inserts with adjacent-merge").
func (b *MapBuilder) Build() (*VmMapping, error) {
	if b.perms&^b.mayPerms != 0 || b.mayPerms&^AllMayPerms != 0 {
		return nil, vfserr.New("vmar.new_map", vfserr.EACCES)
	}
	npages := (b.size + PageSize - 1) / PageSize
	size := npages * PageSize

	b.v.mu.Lock()
	defer b.v.mu.Unlock()

	var base Vaddr
	if b.offset != nil {
		r := Range{Base: *b.offset, Size: size}
		if err := b.v.checkBounds(r); err != nil {
			return nil, err
		}
		existing := b.v.mappings.Find(r)
		if len(existing) > 0 && !b.canOver {
			return nil, vfserr.New("vmar.new_map", vfserr.EEXIST)
		}
		for _, m := range existing {
			b.v.unmapRangeLocked(m, r)
		}
		base = *b.offset
	} else {
		found, err := b.v.findFreeLocked(size)
		if err != nil {
			return nil, err
		}
		base = found
	}

	m := &VmMapping{
		Range:    Range{Base: base, Size: size},
		Perms:    b.perms,
		MayPerms: b.mayPerms,
		IsShared:  b.isShared,
		Mem:       b.mem,
		VmoOffset: b.vmoOffset,
		Inode:     b.inode,
		pages:    make(map[uint64]*frame),
		writable: make(map[uint64]bool),
	}
	if b.mem == MemDevice {
		for i := uint64(0); i*PageSize < size; i++ {
			data := make([]byte, PageSize)
			off := i * PageSize
			if off < uint64(len(b.device)) {
				n := copy(data, b.device[off:])
				_ = n
			}
			m.pages[i] = &frame{data: data}
			m.writable[i] = b.perms&PermWrite != 0
		}
	}

	b.v.insertWithMergeLocked(m)
	return m, nil
}

// findFreeLocked first-fits a region of size bytes within [lowest, max),
// aligned to PageSize (§4.8: "first-fit with alignment").
func (v *Vmar) findFreeLocked(size uint64) (Vaddr, error) {
	cursor := v.lowest
	for _, m := range v.mappings.All() {
		if uint64(m.Range.Base-cursor) >= size {
			return cursor, nil
		}
		if m.Range.End() > cursor {
			cursor = m.Range.End()
		}
	}
	if uint64(v.max-cursor) >= size {
		return cursor, nil
	}
	return 0, vfserr.New("vmar.new_map", vfserr.ENOMEM)
}

// insertWithMergeLocked inserts m, merging with an immediately adjacent,
// permission-compatible mapping of the same backing kind on either side.
func (v *Vmar) insertWithMergeLocked(m *VmMapping) {
	if prev := v.mappings.FindPrev(m.Range.Base - 1); prev != nil && prev.Range.End() == m.Range.Base && mergeable(prev, m) {
		v.mappings.Remove(prev.Range.Base)
		for k, f := range m.pages {
			prev.pages[k+uint64(m.Range.Size-prev.Range.Size)/PageSize] = f
		}
		prev.Range.Size += m.Range.Size
		m = prev
	}
	if next := v.mappings.FindNext(m.Range.Base); next != nil && next.Range.Base == m.Range.End() && mergeable(m, next) {
		v.mappings.Remove(next.Range.Base)
		base := m.Range.Size / PageSize
		for k, f := range next.pages {
			m.pages[base+k] = f
		}
		m.Range.Size += next.Range.Size
	}
	v.mappings.Insert(m)
}

func mergeable(a, b *VmMapping) bool {
	return a.Perms == b.Perms && a.MayPerms == b.MayPerms && a.IsShared == b.IsShared && a.Mem == b.Mem && a.Mem == MemAnon
}

// Protect changes permissions over r, splitting any intersecting mapping
// at r's boundaries and reinserting the pieces (§4.8: "protect").
func (v *Vmar) Protect(r Range, newPerms Perm) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkBounds(r); err != nil {
		return err
	}
	for _, m := range v.mappings.Find(r) {
		if newPerms&^m.MayPerms != 0 {
			return vfserr.New("vmar.protect", vfserr.EACCES)
		}
	}
	for _, m := range v.mappings.Find(r) {
		before, mid, after := v.splitLocked(m, r)
		if mid != nil {
			mid.Perms = newPerms
			for k := range mid.writable {
				mid.writable[k] = newPerms&PermWrite != 0
			}
		}
		v.mappings.Remove(m.Range.Base)
		if before != nil {
			v.mappings.Insert(before)
		}
		if mid != nil {
			v.mappings.Insert(mid)
		}
		if after != nil {
			v.mappings.Insert(after)
		}
	}
	return nil
}

// splitLocked splits m at r's boundaries, returning up to three pieces:
// the part of m before r, the part within r, and the part after r. Any
// piece entirely outside m is nil.
func (v *Vmar) splitLocked(m *VmMapping, r Range) (before, mid, after *VmMapping) {
	lo := r.Base
	if lo < m.Range.Base {
		lo = m.Range.Base
	}
	hi := r.End()
	if hi > m.Range.End() {
		hi = m.Range.End()
	}

	if lo > m.Range.Base {
		before = m.clone()
		before.Range = Range{Base: m.Range.Base, Size: uint64(lo - m.Range.Base)}
		before.pages, before.writable = slicePages(m, 0, uint64(lo-m.Range.Base)/PageSize)
	}
	mid = m.clone()
	mid.Range = Range{Base: lo, Size: uint64(hi - lo)}
	mid.pages, mid.writable = slicePages(m, uint64(lo-m.Range.Base)/PageSize, uint64(hi-m.Range.Base)/PageSize)

	if hi < m.Range.End() {
		after = m.clone()
		after.Range = Range{Base: hi, Size: uint64(m.Range.End() - hi)}
		after.pages, after.writable = slicePages(m, uint64(hi-m.Range.Base)/PageSize, m.Range.Size/PageSize)
	}
	return before, mid, after
}

func slicePages(m *VmMapping, fromPage, toPage uint64) (map[uint64]*frame, map[uint64]bool) {
	pages := make(map[uint64]*frame)
	writable := make(map[uint64]bool)
	for k, f := range m.pages {
		if k >= fromPage && k < toPage {
			pages[k-fromPage] = f
			writable[k-fromPage] = m.writable[k]
		}
	}
	return pages, writable
}

// RemoveMapping unmaps r, splitting and removing the intersecting pieces
// and updating RSS (§4.8: "remove_mapping").
func (v *Vmar) RemoveMapping(r Range) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkBounds(r); err != nil {
		return err
	}
	for _, m := range v.mappings.Find(r) {
		v.unmapRangeLocked(m, r)
	}
	return nil
}

// unmapRangeLocked removes the portion of m that falls within r, updating
// RSS for every page that was present, and reinserts whatever remains.
func (v *Vmar) unmapRangeLocked(m *VmMapping, r Range) {
	before, mid, after := v.splitLocked(m, r)
	v.mappings.Remove(m.Range.Base)
	if mid != nil {
		idx := v.rssIndex(mid)
		v.rss[idx] -= int64(len(mid.pages))
	}
	if before != nil {
		v.mappings.Insert(before)
	}
	if after != nil {
		v.mappings.Insert(after)
	}
}

// ResizeMapping grows or shrinks the mapping at addr from oldSize to
// newSize (§4.8: "resize_mapping"). single requires [addr, addr+oldSize)
// to lie within one existing mapping. Growing a device mapping is
// forbidden; growing otherwise only succeeds if the trailing region is
// free.
func (v *Vmar) ResizeMapping(addr Vaddr, oldSize, newSize uint64, single bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	m := v.mappings.FindOne(addr)
	if m == nil || m.Range.Base != addr {
		return vfserr.New("vmar.resize", vfserr.EINVAL)
	}
	if single && oldSize > m.Range.Size {
		return vfserr.New("vmar.resize", vfserr.EINVAL)
	}

	if newSize < oldSize {
		shrunk := Range{Base: addr + Vaddr(newSize), Size: oldSize - newSize}
		v.unmapRangeLocked(m, shrunk)
		return nil
	}
	if newSize == oldSize {
		return nil
	}
	if m.Mem == MemDevice {
		return vfserr.New("vmar.resize", vfserr.EOPNOTSUPP)
	}
	delta := newSize - oldSize
	tail := Range{Base: m.Range.End(), Size: delta}
	if err := v.checkBounds(Range{Base: addr, Size: m.Range.Size + delta}); err != nil {
		return err
	}
	if len(v.mappings.Find(tail)) > 0 {
		return vfserr.New("vmar.resize", vfserr.ENOMEM)
	}
	v.mappings.Remove(m.Range.Base)
	m.Range.Size += delta
	v.mappings.Insert(m)
	return nil
}

// Remap moves the mapping(s) covering old to a newly reserved region of
// newSize, preserving present pages and their permissions; if newAddr is
// non-nil, the destination is explicit (§4.8: "remap").
func (v *Vmar) Remap(old Range, newSize uint64, newAddr *Vaddr) (Range, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkBounds(old); err != nil {
		return Range{}, err
	}
	matches := v.mappings.Find(old)
	if len(matches) == 1 && matches[0].Range == old && newAddr == nil {
		// Same-mapping enlargement extends the VmMapping size by the delta
		// in place rather than moving it (§4.8).
		m := matches[0]
		if newSize > old.Size {
			delta := newSize - old.Size
			tail := Range{Base: m.Range.End(), Size: delta}
			if len(v.mappings.Find(tail)) == 0 {
				v.mappings.Remove(m.Range.Base)
				m.Range.Size = newSize
				v.mappings.Insert(m)
				return m.Range, nil
			}
		}
	}

	var dest Vaddr
	if newAddr != nil {
		dest = *newAddr
	} else {
		found, err := v.findFreeLocked(newSize)
		if err != nil {
			return Range{}, err
		}
		dest = found
	}
	destRange := Range{Base: dest, Size: newSize}
	if err := v.checkBounds(destRange); err != nil {
		return Range{}, err
	}
	if newAddr != nil && len(v.mappings.Find(destRange)) > 0 {
		return Range{}, vfserr.New("vmar.remap", vfserr.EEXIST)
	}

	merged := &VmMapping{Range: destRange, pages: make(map[uint64]*frame), writable: make(map[uint64]bool)}
	for _, m := range matches {
		pageOffset := uint64(m.Range.Base-old.Base) / PageSize
		merged.Perms, merged.MayPerms, merged.IsShared, merged.Mem, merged.Inode = m.Perms, m.MayPerms, m.IsShared, m.Mem, m.Inode
		for k, f := range m.pages {
			merged.pages[pageOffset+k] = f
			merged.writable[pageOffset+k] = m.writable[k]
		}
		v.mappings.Remove(m.Range.Base)
	}
	v.mappings.Insert(merged)
	return destRange, nil
}
