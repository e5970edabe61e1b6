// Package txlog implements the tx log store (C7): named buckets of crypto
// logs, composing the chunk allocator (C1), the raw log store (C2), and the
// crypto log (C6) under the shared transaction scaffolding (internal/txn)
// that the edit journal (C5) commits through (§4.7).
//
// Grounded on the teacher's container/object-catalog split
// (internal/parsers/container, apfs/pkg/container/btree.go's bucket-like
// object catalog) for the idea of a single top-level store that indexes
// many sub-objects by name into groups; the actual bucket/log_table state
// machine and its commit-time edit application follow the same
// storeEdit/push/CommitApply shape internal/rawlog already established
// for C2, generalized from "chunks owned by a log" to "logs owned by a
// bucket".
package txlog

import (
	"sync"

	"github.com/deploymenttheory/vaultfs/internal/aead"
	"github.com/deploymenttheory/vaultfs/internal/cryptolog"
	"github.com/deploymenttheory/vaultfs/internal/rawlog"
	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/deploymenttheory/vaultfs/internal/vfserr"
	"github.com/deploymenttheory/vaultfs/internal/vlog"
)

// DefaultNodeCacheSize bounds the shared MHT node cache every crypto log
// opened through this store reads through (§4.6, §4.7).
const DefaultNodeCacheSize = 256

// Id identifies a tx log; numerically identical to the rawlog.Id of the
// single raw log each TxLog wraps 1:1; kept as a distinct named type so
// txlog callers never accidentally pass a bare rawlog.Id across the
// layering boundary.
type Id uint64

type editKind int

const (
	editCreate editKind = iota
	editDelete
	editMove
)

// storeEdit is the TX-scoped mutation recorded against a Store (§4.7).
type storeEdit struct {
	kind       editKind
	id         Id
	bucket     string // editCreate: the log's initial bucket; editMove: the "to" bucket
	fromBucket string // editMove only
	key        aead.Key
}

// logState is the committed, persistent state of one log: the bucket it
// lives in, its per-log AEAD key, and its current root MHT anchor (§3:
// "Tx log entry — {bucket_name, key, root_mht}").
type logState struct {
	Bucket string
	Key    aead.Key
	Root   *cryptolog.RootMeta
}

// entrySnapshot is what the cross-transaction log cache keeps per id: the
// root anchor a set of collected leaf entries corresponds to, so a later
// Open can tell whether the cache is still valid for the log's current
// committed root (§4.7/§9: "merge per-TX log caches into the global
// caches").
type entrySnapshot struct {
	root    cryptolog.RootMeta
	entries []cryptolog.Entry
}

// Store is the tx log store (C7): named buckets of crypto logs sharing one
// raw log store and chunk allocator.
type Store struct {
	mu        sync.Mutex
	rawStore  *rawlog.Store
	aeadImpl  aead.AEAD
	cache     cryptolog.NodeCache
	blockSize uint32
	nbranches int

	logTable map[Id]*logState
	buckets  map[string]map[Id]bool

	edits       map[*txn.Tx][]*storeEdit
	openTables  map[*txn.Tx]map[Id]*TxLog
	rootUpdates map[*txn.Tx]map[Id]*cryptolog.RootMeta

	// globalCache is the merged result of every committed Tx's per-Tx log
	// cache: leaf entries for a log's last-known root, reusable by a later
	// Open as long as the committed root hasn't changed since.
	globalCache map[Id]entrySnapshot
}

var _ txn.Participant = (*Store)(nil)

// New creates an empty tx log store over rawStore, encrypting/verifying
// every crypto log with aeadImpl and caching MHT nodes via cache.
func New(rawStore *rawlog.Store, aeadImpl aead.AEAD, cache cryptolog.NodeCache, blockSize uint32, nbranches int) *Store {
	return &Store{
		rawStore:    rawStore,
		aeadImpl:    aeadImpl,
		cache:       cache,
		blockSize:   blockSize,
		nbranches:   nbranches,
		logTable:    make(map[Id]*logState),
		buckets:     make(map[string]map[Id]bool),
		edits:       make(map[*txn.Tx][]*storeEdit),
		openTables:  make(map[*txn.Tx]map[Id]*TxLog),
		rootUpdates: make(map[*txn.Tx]map[Id]*cryptolog.RootMeta),
		globalCache: make(map[Id]entrySnapshot),
	}
}

func (s *Store) push(tx *txn.Tx, e *storeEdit) {
	tx.Record(s, nil)
	s.edits[tx] = append(s.edits[tx], e)
}

func (s *Store) registerOpen(tx *txn.Tx, tl *TxLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openTables[tx] == nil {
		s.openTables[tx] = make(map[Id]*TxLog)
	}
	s.openTables[tx][tl.id] = tl
}

func (s *Store) createdInTxLocked(tx *txn.Tx, id Id) (*storeEdit, bool) {
	for _, e := range s.edits[tx] {
		if e.kind == editCreate && e.id == id {
			return e, true
		}
	}
	return nil, false
}

func (s *Store) pendingDeleteInTxLocked(tx *txn.Tx, id Id) bool {
	for _, e := range s.edits[tx] {
		if e.kind == editDelete && e.id == id {
			return true
		}
	}
	return false
}

// CreateLog allocates a fresh raw log, binds a fresh per-log AEAD key, and
// wraps it in a crypto log registered in bucket (§4.7: "allocates a raw
// log, binds a fresh AEAD key, wraps in a crypto log, registers in per-TX
// OpenLogTable").
func (s *Store) CreateLog(tx *txn.Tx, bucket string) *TxLog {
	rawLog := s.rawStore.CreateLog(tx)
	id := Id(rawLog.Id())
	cl, key := cryptolog.New(rawLog, s.aeadImpl, s.cache, s.blockSize, s.nbranches)

	s.mu.Lock()
	s.push(tx, &storeEdit{kind: editCreate, id: id, bucket: bucket, key: key})
	s.mu.Unlock()

	tl := &TxLog{store: s, id: id, tx: tx, bucket: bucket, cl: cl}
	s.registerOpen(tx, tl)
	vlog.For("txlog").WithField("log_id", id).WithField("bucket", bucket).Debug("log created")
	return tl
}

// OpenLog opens an existing log (committed, or created earlier in this
// same Tx). The slow path checks for a pending delete, then delegates
// single-writer/lazy-delete enforcement to the underlying raw log store
// before reconstructing the crypto log (§4.7).
func (s *Store) OpenLog(tx *txn.Tx, id Id, canAppend bool) (*TxLog, error) {
	s.mu.Lock()
	st, committed := s.logTable[id]
	createEdit, createdThisTx := s.createdInTxLocked(tx, id)
	pendingDelete := s.pendingDeleteInTxLocked(tx, id)
	cached, haveCached := s.globalCache[id]
	s.mu.Unlock()

	if pendingDelete {
		return nil, vfserr.New("txlog.open", vfserr.ENOENT)
	}
	if !committed && !createdThisTx {
		return nil, vfserr.New("txlog.open", vfserr.ENOENT)
	}

	rawLog, err := s.rawStore.OpenLog(tx, rawlog.Id(id), canAppend)
	if err != nil {
		return nil, err
	}

	var bucket string
	var key aead.Key
	var root *cryptolog.RootMeta
	if createdThisTx {
		bucket, key = createEdit.bucket, createEdit.key
		s.mu.Lock()
		root = s.rootUpdates[tx][id]
		s.mu.Unlock()
	} else {
		bucket, key, root = st.Bucket, st.Key, st.Root
	}

	var cl *cryptolog.CryptoLog
	if root != nil && haveCached && cached.root == *root {
		cl = cryptolog.OpenWithEntries(rawLog, s.aeadImpl, key, root, cached.entries, s.cache, s.blockSize, s.nbranches)
	} else {
		cl, err = cryptolog.Open(rawLog, s.aeadImpl, key, root, s.cache, s.blockSize, s.nbranches)
		if err != nil {
			return nil, err
		}
	}

	// Register this store as a Tx participant even when nothing has been
	// edited yet: a caller that only opens an existing log and appends to
	// it (no create/delete/move) still needs this store's Precommit to
	// flush the log and its CommitApply to install the fresh root meta.
	tx.Record(s, nil)
	tl := &TxLog{store: s, id: id, tx: tx, bucket: bucket, cl: cl}
	s.registerOpen(tx, tl)
	return tl, nil
}

// DeleteLog records a Delete edit against this log and fires the
// underlying raw log store's own delete on the same Tx (§4.7, §9
// LazyDelete). This implementation finalizes the log's removal from
// logTable/buckets in the same commit rather than deferring it to a
// separate implicit Tx once every handle drops — the same simplification
// internal/rawlog already makes for C2's lazy delete.
func (s *Store) DeleteLog(tx *txn.Tx, id Id) {
	s.mu.Lock()
	s.push(tx, &storeEdit{kind: editDelete, id: id})
	s.mu.Unlock()
	s.rawStore.DeleteLog(tx, rawlog.Id(id))
}

// MoveLog records a bucket-reassignment edit (§4.7: "move_log(id, from, to)
// — bucket reassignment edit").
func (s *Store) MoveLog(tx *txn.Tx, id Id, from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push(tx, &storeEdit{kind: editMove, id: id, bucket: to, fromBucket: from})
}

// ListLogsIn returns every committed log id in bucket, ascending.
func (s *Store) ListLogsIn(bucket string) []Id {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]Id, 0, len(s.buckets[bucket]))
	for id := range s.buckets[bucket] {
		ids = append(ids, id)
	}
	sortIds(ids)
	return ids
}

// OpenLogIn opens the highest-id committed log in bucket (§4.7:
// "open_log_in(bucket) (max id)").
func (s *Store) OpenLogIn(tx *txn.Tx, bucket string, canAppend bool) (*TxLog, error) {
	ids := s.ListLogsIn(bucket)
	if len(ids) == 0 {
		return nil, vfserr.New("txlog.open_in", vfserr.ENOENT)
	}
	return s.OpenLog(tx, ids[len(ids)-1], canAppend)
}

// Precommit flushes every dirty crypto log opened during tx in parallel
// (update_dirty_log_metas, §4.7), collecting each one's fresh RootMhtMeta
// for CommitApply (and the journal codec) to install.
func (s *Store) Precommit(tx *txn.Tx) error {
	s.mu.Lock()
	table := make(map[Id]*TxLog, len(s.openTables[tx]))
	for id, tl := range s.openTables[tx] {
		table[id] = tl
	}
	s.mu.Unlock()

	return flushDirtyLogs(table, func(id Id, root *cryptolog.RootMeta) {
		s.mu.Lock()
		if s.rootUpdates[tx] == nil {
			s.rootUpdates[tx] = make(map[Id]*cryptolog.RootMeta)
		}
		s.rootUpdates[tx][id] = root
		s.mu.Unlock()
	})
}

// CommitApply applies every edit recorded against this store during tx to
// its persistent state (logTable/buckets), installs any fresh root metas
// Precommit collected, and merges the Tx's opened crypto logs' leaf
// entries into the cross-transaction cache (§4.7).
func (s *Store) CommitApply(tx *txn.Tx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := vlog.For("txlog").WithField("tx_id", tx.ID())
	for _, e := range s.edits[tx] {
		switch e.kind {
		case editCreate:
			s.logTable[e.id] = &logState{Bucket: e.bucket, Key: e.key, Root: s.rootUpdates[tx][e.id]}
			s.addToBucketLocked(e.bucket, e.id)
		case editDelete:
			if st, ok := s.logTable[e.id]; ok {
				s.removeFromBucketLocked(st.Bucket, e.id)
				delete(s.logTable, e.id)
				delete(s.globalCache, e.id)
			}
			log.WithField("log_id", e.id).Debug("log deleted")
		case editMove:
			if st, ok := s.logTable[e.id]; ok {
				s.removeFromBucketLocked(e.fromBucket, e.id)
				st.Bucket = e.bucket
				s.addToBucketLocked(e.bucket, e.id)
			}
		}
	}
	for id, root := range s.rootUpdates[tx] {
		if st, ok := s.logTable[id]; ok && root != nil {
			r := *root
			st.Root = &r
		}
	}
	for id, tl := range s.openTables[tx] {
		if tl.cl.RootMeta() != nil {
			s.globalCache[id] = entrySnapshot{root: *tl.cl.RootMeta(), entries: tl.cl.Entries()}
		}
	}

	delete(s.edits, tx)
	delete(s.openTables, tx)
	delete(s.rootUpdates, tx)
}

func (s *Store) addToBucketLocked(bucket string, id Id) {
	if s.buckets[bucket] == nil {
		s.buckets[bucket] = make(map[Id]bool)
	}
	s.buckets[bucket][id] = true
}

func (s *Store) removeFromBucketLocked(bucket string, id Id) {
	delete(s.buckets[bucket], id)
}

// Sync flushes the raw log store's backing block set (§4.7: "sync() —
// flushes raw log store and journal"; the journal half is the caller's own
// journal.Journal.Sync, since this Store has no direct reference to it).
func (s *Store) Sync() error {
	return s.rawStore.Sync()
}

// WireEditKind is the exported form of a store edit's kind, used by the
// journal codec (§4.5, §4.7).
type WireEditKind int

const (
	WireCreate WireEditKind = iota
	WireDelete
	WireMove
)

// WireEdit is the exported, wire-friendly form of a single store edit plus
// whatever fresh root meta Precommit collected for it this Tx.
type WireEdit struct {
	Kind       WireEditKind
	Id         Id
	Bucket     string
	FromBucket string
	Key        aead.Key
	Root       *cryptolog.RootMeta
}

// EditsFor converts tx's recorded edits against s (merged with any root
// metas Precommit collected) into their exported wire form, in recording
// order — the input the journal codec serializes.
func (s *Store) EditsFor(tx *txn.Tx) []WireEdit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WireEdit, 0, len(s.edits[tx]))
	for _, e := range s.edits[tx] {
		we := WireEdit{Kind: WireEditKind(e.kind), Id: e.id, Bucket: e.bucket, FromBucket: e.fromBucket}
		if e.kind == editCreate {
			we.Key = e.key
			we.Root = s.rootUpdates[tx][e.id]
		}
		out = append(out, we)
	}
	return out
}

// ApplyEdit applies a single replayed edit directly to persistent state,
// bypassing the Tx machinery — used by the edit journal (C5) to replay a
// decoded EditGroup during recovery (§4.5 recovery step 3).
func (s *Store) ApplyEdit(e WireEdit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.Kind {
	case WireCreate:
		s.logTable[e.Id] = &logState{Bucket: e.Bucket, Key: e.Key, Root: e.Root}
		s.addToBucketLocked(e.Bucket, e.Id)
	case WireDelete:
		if st, ok := s.logTable[e.Id]; ok {
			s.removeFromBucketLocked(st.Bucket, e.Id)
			delete(s.logTable, e.Id)
			delete(s.globalCache, e.Id)
		}
	case WireMove:
		if st, ok := s.logTable[e.Id]; ok {
			s.removeFromBucketLocked(e.FromBucket, e.Id)
			st.Bucket = e.Bucket
			s.addToBucketLocked(e.Bucket, e.Id)
		}
	}
}

// StateEntry is the exported, wire-friendly form of one committed log's
// full state — the unit SnapshotState/RestoreState persist (§4.5 step 2).
type StateEntry struct {
	Id     Id
	Bucket string
	Key    aead.Key
	Root   *cryptolog.RootMeta
}

// Snapshot returns every committed log's full state, for the journal
// codec's SnapshotState.
func (s *Store) Snapshot() []StateEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StateEntry, 0, len(s.logTable))
	for id, st := range s.logTable {
		out = append(out, StateEntry{Id: id, Bucket: st.Bucket, Key: st.Key, Root: st.Root})
	}
	return out
}

// Restore replaces the store's committed state wholesale from a decoded
// snapshot (§4.5 recovery step 2).
func (s *Store) Restore(entries []StateEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logTable = make(map[Id]*logState, len(entries))
	s.buckets = make(map[string]map[Id]bool)
	s.globalCache = make(map[Id]entrySnapshot)
	for _, e := range entries {
		s.logTable[e.Id] = &logState{Bucket: e.Bucket, Key: e.Key, Root: e.Root}
		s.addToBucketLocked(e.Bucket, e.Id)
	}
}
