// Package vmio implements the fallible memory I/O primitive (C9): reader/
// writer abstractions over a byte-addressable region, distinguishing
// Infallible access (kernel-valid pointers, always succeeds) from Fallible
// access (user-space addresses that may fault partway through a copy)
// (§4.9).
//
// Go has no architecture-provided `__memcpy_fallible`/`__memset_fallible`
// intrinsic and no page-fault trap to recover from mid-copy — the
// concept this package stands in for is instead modeled explicitly via the
// FaultSource collaborator the VMAR (C8) supplies: a Fallible VmReader/
// VmWriter consults it before copying each page-sized chunk, and a fault
// there is reported exactly the way §4.9 describes a real page fault being
// reported, as a byte count short of the requested length plus
// vfserr.EFAULT. This keeps the external contract (bytes copied before the
// first failure, translated to an ABI error) faithful to spec even though
// the underlying mechanism is a cooperating check rather than a CPU trap.
package vmio

import (
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
)

// Kind distinguishes the two VmReader/VmWriter flavors of §4.9.
type Kind int

const (
	// Infallible requires kernel-valid pointers; every operation succeeds.
	Infallible Kind = iota
	// Fallible wraps user-space addresses that may fault mid-copy.
	Fallible
)

// PageSize is the granularity FaultSource is consulted at for Fallible
// copies, matching the page-at-a-time retry loop §4.8's remote-access
// algorithm describes.
const PageSize = 4096

// FaultSource reports whether an access to vaddr would fault, the
// collaborator a Fallible VmReader/VmWriter consults once per page of a
// copy (§4.8: "for each page ... invoke handle_page_fault").
type FaultSource interface {
	// Faults reports whether accessing the page containing vaddr would
	// fault right now (e.g. absent mapping, missing required PageFlags).
	Faults(vaddr uint64) bool
}

// NoFaults is a FaultSource that never faults, used by Infallible readers/
// writers and by tests that don't need fault injection.
type NoFaults struct{}

func (NoFaults) Faults(uint64) bool { return false }

// VmReader reads from a backing byte region, page-fault-tolerant when Kind
// is Fallible (§4.9).
type VmReader struct {
	kind   Kind
	mem    []byte
	base   uint64 // the virtual address mem[0] corresponds to, for FaultSource checks
	faults FaultSource
	pos    int
}

// NewReader wraps mem (kernel-resident bytes standing in for the target
// address range) as a reader of the given kind; base is the virtual
// address mem[0] corresponds to, consulted against faults for Fallible
// reads. Infallible readers should pass NoFaults{}.
func NewReader(kind Kind, mem []byte, base uint64, faults FaultSource) *VmReader {
	return &VmReader{kind: kind, mem: mem, base: base, faults: faults}
}

// Remaining reports how many bytes are left to read.
func (r *VmReader) Remaining() int { return len(r.mem) - r.pos }

// Read copies up to len(out) bytes into out, starting from the reader's
// current cursor, advancing it. For a Fallible reader, it stops at the
// first page that faults, returning the bytes copied before it and
// vfserr.EFAULT (§4.9: "translate to (Error::PageFault, copied)"); an
// Infallible reader never faults.
func (r *VmReader) Read(out []byte) (int, error) {
	n := len(out)
	if n > r.Remaining() {
		n = r.Remaining()
	}
	copied := 0
	for copied < n {
		chunk := n - copied
		if r.kind == Fallible {
			vaddr := r.base + uint64(r.pos)
			pageRem := PageSize - int(vaddr%PageSize)
			if chunk > pageRem {
				chunk = pageRem
			}
			if r.faults.Faults(vaddr) {
				return copied, vfserr.New("vmio.read", vfserr.EFAULT)
			}
		}
		copy(out[copied:copied+chunk], r.mem[r.pos:r.pos+chunk])
		r.pos += chunk
		copied += chunk
	}
	return copied, nil
}

// Skip advances the cursor by n bytes without copying.
func (r *VmReader) Skip(n int) {
	r.pos += n
}

// VmWriter writes into a backing byte region, page-fault-tolerant when Kind
// is Fallible (§4.9).
type VmWriter struct {
	kind   Kind
	mem    []byte
	base   uint64
	faults FaultSource
	pos    int
}

// NewWriter wraps mem as a writer of the given kind; see NewReader for base
// and faults.
func NewWriter(kind Kind, mem []byte, base uint64, faults FaultSource) *VmWriter {
	return &VmWriter{kind: kind, mem: mem, base: base, faults: faults}
}

// Remaining reports how many bytes are left to write.
func (w *VmWriter) Remaining() int { return len(w.mem) - w.pos }

// Write copies up to len(in) bytes from in into the backing region,
// advancing the cursor, stopping at the first faulting page for a
// Fallible writer (§4.9).
func (w *VmWriter) Write(in []byte) (int, error) {
	n := len(in)
	if n > w.Remaining() {
		n = w.Remaining()
	}
	copied := 0
	for copied < n {
		chunk := n - copied
		if w.kind == Fallible {
			vaddr := w.base + uint64(w.pos)
			pageRem := PageSize - int(vaddr%PageSize)
			if chunk > pageRem {
				chunk = pageRem
			}
			if w.faults.Faults(vaddr) {
				return copied, vfserr.New("vmio.write", vfserr.EFAULT)
			}
		}
		copy(w.mem[w.pos:w.pos+chunk], in[copied:copied+chunk])
		w.pos += chunk
		copied += chunk
	}
	return copied, nil
}

// Fill writes v to every remaining byte, the VmWriter analog of
// `__memset_fallible` (§4.9), stopping at the first faulting page.
func (w *VmWriter) Fill(v byte) (int, error) {
	n := w.Remaining()
	copied := 0
	for copied < n {
		chunk := n - copied
		if w.kind == Fallible {
			vaddr := w.base + uint64(w.pos)
			pageRem := PageSize - int(vaddr%PageSize)
			if chunk > pageRem {
				chunk = pageRem
			}
			if w.faults.Faults(vaddr) {
				return copied, vfserr.New("vmio.fill", vfserr.EFAULT)
			}
		}
		for i := 0; i < chunk; i++ {
			w.mem[w.pos+i] = v
		}
		w.pos += chunk
		copied += chunk
	}
	return copied, nil
}
