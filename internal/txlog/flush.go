package txlog

import (
	"golang.org/x/sync/errgroup"

	"github.com/deploymenttheory/vaultfs/internal/cryptolog"
)

// flushDirtyLogs flushes every open log in table concurrently
// (update_dirty_log_metas, §4.7) and reports each one's fresh root meta via
// report, which the caller serializes under its own lock — the only part
// of this operation that isn't safe to run from multiple goroutines at
// once.
func flushDirtyLogs(table map[Id]*TxLog, report func(id Id, root *cryptolog.RootMeta)) error {
	var g errgroup.Group
	for id, tl := range table {
		id, tl := id, tl
		g.Go(func() error {
			if err := tl.cl.Flush(); err != nil {
				return err
			}
			report(id, tl.cl.RootMeta())
			return nil
		})
	}
	return g.Wait()
}
