package vmio

import "sync/atomic"

// ReadOnce performs a single, non-tearing word-sized read — the Go stand-in
// for §4.9's "volatile intrinsics whose behavior is defined even in the
// presence of external writers ... for reads of <= word size" (Go has no
// volatile keyword, but atomic.LoadUint32 gives the same non-tearing,
// non-reordered-with-other-atomics guarantee for the one word size this
// codebase needs it for).
func ReadOnce(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

// WriteOnce performs a single, non-tearing word-sized write, the write
// counterpart of ReadOnce.
func WriteOnce(addr *uint32, v uint32) {
	atomic.StoreUint32(addr, v)
}

// AtomicLoad exposes a relaxed-ordering atomic load for a u32 value (§4.9).
func AtomicLoad(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

// AtomicUpdate implements relaxed-ordering compare-and-swap as
// load+compute+cmpxchg (§4.9): it loads the current value, applies compute
// to produce the candidate new value, and attempts a single
// compare-and-swap against the value it loaded. It returns the value
// observed immediately before the attempt and whether the swap succeeded.
//
// This is a single attempt, not a retry loop: per §9's documented
// limitation, a caller that spins AtomicUpdate itself is subject to the
// ABA problem if the value can cycle back to what was last observed
// between the load and the cmpxchg — this implementation does not attempt
// to detect or prevent that, matching the spec's explicit "known
// limitation, not a bug to fix" framing.
func AtomicUpdate(addr *uint32, compute func(old uint32) uint32) (old uint32, succeeded bool) {
	old = atomic.LoadUint32(addr)
	next := compute(old)
	succeeded = atomic.CompareAndSwapUint32(addr, old, next)
	return old, succeeded
}
