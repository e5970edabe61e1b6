package bidpath

import "github.com/deploymenttheory/vaultfs/internal/block"

// Run is one maximal contiguous device block range backing a stretch of the
// requested logical range.
type Run struct {
	DeviceStart block.Id
	Length      uint64
	Hole        bool // true if this run is unallocated (zero-filled on read)
}

// RangeReader yields maximal contiguous device-block runs covering a
// logical range, used by bulk read/write to coalesce I/O (§4.3). Runs of
// holes are reported with Hole=true and DeviceStart=0.
type RangeReader struct {
	t          *Tree
	cur, end   uint64
}

// NewRangeReader holds no lock itself; callers serialize indirect-cache
// access externally for the duration of iteration, matching §5's "holds the
// indirect-block cache write lock for the duration of iteration".
func (t *Tree) NewRangeReader(startLbid, length uint64) *RangeReader {
	return &RangeReader{t: t, cur: startLbid, end: startLbid + length}
}

// Next returns the next run, or ok=false once the range is exhausted.
func (r *RangeReader) Next() (Run, bool, error) {
	if r.cur >= r.end {
		return Run{}, false, nil
	}
	first, err := r.t.Resolve(r.cur)
	if err != nil {
		return Run{}, false, err
	}
	hole := first == 0
	start := first
	length := uint64(1)
	next := r.cur + 1
	for next < r.end {
		bid, err := r.t.Resolve(next)
		if err != nil {
			return Run{}, false, err
		}
		if hole {
			if bid != 0 {
				break
			}
		} else {
			if bid == 0 || bid != start+block.Id(length) {
				break
			}
		}
		length++
		next++
	}
	r.cur = next
	return Run{DeviceStart: start, Length: length, Hole: hole}, true, nil
}
