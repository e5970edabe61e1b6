package vmar

import (
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
	"github.com/deploymenttheory/vaultfs/internal/vmio"
)

// ForkFrom replaces v's mappings with copy-on-write clones of parent's:
// every present writable RAM page has its write bit cleared on the
// parent's side and its frame shared (not copied) with the child, whose
// own copy is also non-writable until a COW break; MMIO pages are
// re-mapped directly since device memory is not copy-on-write (§4.8:
// "fork_from"). v must be empty before this call.
func (v *Vmar) ForkFrom(parent *Vmar) {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, m := range parent.mappings.All() {
		child := m.clone()
		if m.Mem != MemDevice {
			for k := range m.pages {
				m.writable[k] = false
				child.writable[k] = false
			}
		}
		v.mappings.Insert(child)
		v.rss[v.rssIndex(child)] += int64(len(child.pages))
	}
	// Global TLB flush is simulated: the in-process frame store has no
	// cached translations to invalidate, so there is nothing further to do.
}

// HandlePageFault looks up the mapping containing vaddr and resolves the
// fault: a write to a present-but-read-only page under a mapping whose
// Perms include write is a COW break (private copy, write bit set);
// an absent page in an anonymous or VMO-backed mapping is populated
// on demand; anything else is a permission error (§4.8: "Page-fault
// handler").
func (v *Vmar) HandlePageFault(vaddr Vaddr, wantWrite bool, rss *RssDelta) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	m := v.mappings.FindOne(vaddr)
	if m == nil {
		return vfserr.New("vmar.page_fault", vfserr.EFAULT)
	}
	if wantWrite && m.Perms&PermWrite == 0 {
		return vfserr.New("vmar.page_fault", vfserr.EACCES)
	}
	idx := m.pageIndex(vaddr)

	if f, present := m.pages[idx]; present {
		if wantWrite && !m.writable[idx] {
			if m.Mem == MemDevice {
				return vfserr.New("vmar.page_fault", vfserr.EACCES)
			}
			// COW break: private copy, now writable.
			cp := make([]byte, len(f.data))
			copy(cp, f.data)
			m.pages[idx] = &frame{data: cp}
			m.writable[idx] = true
			if rss != nil {
				rss.Add(1)
			}
		}
		return nil
	}

	switch m.Mem {
	case MemDevice:
		return vfserr.New("vmar.page_fault", vfserr.EFAULT)
	default:
		m.pages[idx] = &frame{data: make([]byte, PageSize)}
		m.writable[idx] = m.Perms&PermWrite != 0
		if rss != nil {
			rss.Add(1)
		}
		return nil
	}
}

// pageFrame returns the frame backing vaddr within m, faulting it in
// (via HandlePageFault) first if absent or missing the flags wantWrite
// requires.
func (v *Vmar) pageFrame(vaddr Vaddr, wantWrite bool, rss *RssDelta) (*frame, error) {
	v.mu.RLock()
	m := v.mappings.FindOne(vaddr)
	v.mu.RUnlock()
	if m == nil {
		return nil, vfserr.New("vmar.remote", vfserr.EFAULT)
	}
	if m.Mem == MemDevice {
		return nil, vfserr.New("vmar.remote", vfserr.EOPNOTSUPP)
	}

	v.mu.RLock()
	idx := m.pageIndex(vaddr)
	f, present := m.pages[idx]
	writable := m.writable[idx]
	v.mu.RUnlock()

	if !present || (wantWrite && !writable) {
		if err := v.HandlePageFault(vaddr, wantWrite, rss); err != nil {
			return nil, err
		}
		// Re-query after the fault: concurrent mutation may have changed
		// the mapping (§4.8: "re-query after ... may require a retry").
		v.mu.RLock()
		m = v.mappings.FindOne(vaddr)
		if m == nil {
			v.mu.RUnlock()
			return nil, vfserr.New("vmar.remote", vfserr.EFAULT)
		}
		f = m.pages[m.pageIndex(vaddr)]
		v.mu.RUnlock()
	}
	return f, nil
}

// ReadRemote copies from the mapping(s) covering [vaddr, vaddr+n) into w,
// one page at a time, faulting in pages as needed (§4.8: "read_remote").
// It returns the number of bytes copied before the first error.
func (v *Vmar) ReadRemote(vaddr Vaddr, w *vmio.VmWriter, n int) (int, error) {
	var rss RssDelta
	rss.v = v
	done := 0
	for done < n {
		addr := vaddr + Vaddr(done)
		f, err := v.pageFrame(addr, false, &rss)
		if err != nil {
			rss.Apply()
			return done, err
		}
		off := int(addr) % PageSize
		chunk := PageSize - off
		if chunk > n-done {
			chunk = n - done
		}
		written, err := w.Write(f.data[off : off+chunk])
		done += written
		if err != nil || written < chunk {
			rss.Apply()
			return done, err
		}
	}
	rss.Apply()
	return done, nil
}

// WriteRemote copies from r into the mapping(s) covering [vaddr, vaddr+n),
// one page at a time, faulting in (and COW-breaking) pages as needed
// (§4.8: "write_remote").
func (v *Vmar) WriteRemote(vaddr Vaddr, r *vmio.VmReader, n int) (int, error) {
	var rss RssDelta
	rss.v = v
	done := 0
	for done < n {
		addr := vaddr + Vaddr(done)
		f, err := v.pageFrame(addr, true, &rss)
		if err != nil {
			rss.Apply()
			return done, err
		}
		off := int(addr) % PageSize
		chunk := PageSize - off
		if chunk > n-done {
			chunk = n - done
		}
		read, err := r.Read(f.data[off : off+chunk])
		done += read
		if err != nil || read < chunk {
			rss.Apply()
			return done, err
		}
	}
	rss.Apply()
	return done, nil
}
