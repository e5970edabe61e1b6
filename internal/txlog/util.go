package txlog

import (
	"sort"
)

func sortIds(ids []Id) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
