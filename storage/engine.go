// Package storage is the badger-backed KV engine: column layout, atomic
// transactions and the monotonic row-number allocator spec.md §6 requires
// (DELTA_TRIE/CHILDREN_MERKLES/BLOCKS/BLOCK_RECEIPTS/TX_ADDRESS).
package storage

import (
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"go.uber.org/atomic"

	"github.com/dagchain/corestore/common"
	"github.com/dagchain/corestore/telemetry"
)

// Column prefixes for the five columns named in spec.md §6. Badger has no
// native column families, so columns are key prefixes, mirroring the
// teacher's own MakeReaderPartition/MakeWriterPartition convention.
const (
	ColDeltaTrie       byte = 0x01
	ColChildrenMerkles byte = 0x02
	ColBlocks          byte = 0x03
	ColBlockReceipts   byte = 0x04
	ColTxAddress       byte = 0x05
)

// Sub-key suffixes within ColBlocks (spec.md §3: "header key = hash; body
// key = hash‖0x02; status key = hash‖0x01").
const (
	BlockSuffixStatus byte = 0x01
	BlockSuffixBody   byte = 0x02
)

// HeaderKey, StatusKey and BodyKey build the three BLOCKS sub-keys for a
// given block hash.
func HeaderKey(hash common.Hash) []byte { b := hash; return append([]byte(nil), b[:]...) }
func StatusKey(hash common.Hash) []byte { return common.Concat(hash, BlockSuffixStatus) }
func BodyKey(hash common.Hash) []byte   { return common.Concat(hash, BlockSuffixBody) }

var rowCounterMetaKey = []byte("meta/next-row-number")

// firstRowNumber is 1, not 0: row-number 0 is reserved as trienode's
// "no child" wire sentinel (see trienode.wireNode.Children). The counter
// is 32-bit, matching NodeRef's 32-bit committed db-key field (spec.md §3).
const firstRowNumber uint32 = 1

// Engine wraps one badger.DB: the shared delta-db handle spec.md §5 calls
// a process singleton, many-reader/single-writer-at-a-time on
// transactions.
type Engine struct {
	db      *badger.DB
	nextRow atomic.Uint32
	log     telemetry.Logger
}

// Open opens (creating if absent) a badger store at dir and recovers the
// row-number allocator's watermark.
func Open(dir string, log telemetry.Logger) (*Engine, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = &badgerLogAdapter{log: log}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, common.WrapStorageCorrupt(err, "storage: failed to open badger at %s", dir)
	}
	e := &Engine{db: db, log: log}
	if err := e.loadRowCounter(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) loadRowCounter() error {
	next := firstRowNumber
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(rowCounterMetaKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, err := common.Uint32BE(val)
			if err != nil {
				return err
			}
			next = v
			return nil
		})
	})
	if err != nil {
		return common.WrapStorageCorrupt(err, "storage: failed to load row-number counter")
	}
	e.nextRow.Store(next)
	return nil
}

// Close releases the underlying badger handle.
func (e *Engine) Close() error { return e.db.Close() }

// AllocateRowNumbers reserves n consecutive, strictly increasing
// row-numbers and returns the first one — spec.md §4.5/§5's "row numbers
// monotonically increase across commits; single-writer per delta-db
// instance". The caller must persist the new watermark (PersistRowCounter)
// inside the same atomic batch that writes the allocated rows. A reopened
// engine resumes from the persisted watermark, so after a crash before that
// batch commits the same row-numbers are handed out again; that is harmless
// because nothing was written under them.
func (e *Engine) AllocateRowNumbers(n int) uint32 {
	if n <= 0 {
		return e.nextRow.Load()
	}
	return e.nextRow.Add(uint32(n)) - uint32(n)
}

// PersistRowCounter writes the current allocator watermark into batch.
func (e *Engine) PersistRowCounter(batch common.KVWriter) {
	batch.Set(rowCounterMetaKey, common.PutUint32BE(e.nextRow.Load()))
}

// BatchedWriter implements common.BatchedUpdatable.
func (e *Engine) BatchedWriter() common.KVBatchedWriter { return e.NewBatch() }

// NewBatch opens a fresh read-write transaction. Every write committed
// through it becomes visible atomically, as spec.md §4.5's
// commit_dirty_recursively and §5's "atomic KV write makes the whole
// subtree visible at once" require.
func (e *Engine) NewBatch() *Batch {
	return &Batch{txn: e.db.NewTransaction(true), log: e.log}
}

// Snapshot opens a read-only, point-in-time view.
func (e *Engine) Snapshot() *Snapshot {
	return &Snapshot{txn: e.db.NewTransaction(false), log: e.log}
}

// Batch is one atomic read-write transaction scoped to the whole engine;
// Column partitions it to a single column's keyspace.
type Batch struct {
	txn *badger.Txn
	log telemetry.Logger
}

// Set writes key=value, or deletes key when value is nil, matching
// common.KVWriter's convention.
func (b *Batch) Set(key, value []byte) {
	var err error
	if value == nil {
		err = b.txn.Delete(key)
	} else {
		err = b.txn.Set(key, value)
	}
	if err != nil {
		telemetry.FatalStorage(b.log, err, map[string]interface{}{"key": key})
		panic(err)
	}
}

// Column scopes this batch's writes to a single column prefix.
func (b *Batch) Column(col byte) common.KVWriter {
	return common.MakeWriterPartition(b, []byte{col})
}

// Commit finalizes the transaction. A commit failure is fatal per
// spec.md §7 ("C7 treats low-level KV errors as fatal"): the caller's
// process should not continue with a half-applied trie commit.
func (b *Batch) Commit() error {
	if err := b.txn.Commit(); err != nil {
		telemetry.FatalStorage(b.log, err, nil)
		return common.WrapStorageCorrupt(err, "storage: batch commit failed")
	}
	return nil
}

// Discard abandons the transaction without applying any writes. Safe to
// call after Commit (no-op).
func (b *Batch) Discard() { b.txn.Discard() }

// Snapshot is a read-only view of the engine at a fixed point in time.
type Snapshot struct {
	txn *badger.Txn
	log telemetry.Logger
}

// Get returns the value for key, or nil if absent.
func (s *Snapshot) Get(key []byte) []byte {
	item, err := s.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		telemetry.FatalStorage(s.log, err, map[string]interface{}{"key": key})
		panic(err)
	}
	var val []byte
	if err := item.Value(func(v []byte) error {
		val = append([]byte(nil), v...)
		return nil
	}); err != nil {
		telemetry.FatalStorage(s.log, err, map[string]interface{}{"key": key})
		panic(err)
	}
	return val
}

// Has reports whether key is present.
func (s *Snapshot) Has(key []byte) bool {
	_, err := s.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false
	}
	if err != nil {
		telemetry.FatalStorage(s.log, err, map[string]interface{}{"key": key})
		panic(err)
	}
	return true
}

// Column scopes this snapshot's reads to a single column prefix.
func (s *Snapshot) Column(col byte) common.KVReader {
	return common.MakeReaderPartition(s, []byte{col})
}

// IteratePrefix walks every key/value pair whose key starts with prefix,
// in key order, stopping early if fn returns false.
func (s *Snapshot) IteratePrefix(prefix []byte, fn func(k, v []byte) bool) {
	it := s.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		var v []byte
		if err := item.Value(func(val []byte) error {
			v = append([]byte(nil), val...)
			return nil
		}); err != nil {
			telemetry.FatalStorage(s.log, err, map[string]interface{}{"key": k})
			panic(err)
		}
		if !fn(k, v) {
			return
		}
	}
}

// IterateColumn is IteratePrefix scoped to col, with the column prefix
// stripped from the keys fn observes.
func (s *Snapshot) IterateColumn(col byte, fn func(k, v []byte) bool) {
	prefix := []byte{col}
	s.IteratePrefix(prefix, func(k, v []byte) bool {
		return fn(k[len(prefix):], v)
	})
}

// Close discards the underlying read transaction.
func (s *Snapshot) Close() { s.txn.Discard() }

// badgerLogAdapter routes badger's internal logging through telemetry
// instead of badger's own stdout logger, so every log line in the process
// goes through one structured sink.
type badgerLogAdapter struct {
	log telemetry.Logger
}

func (a *badgerLogAdapter) Errorf(format string, args ...interface{}) {
	if a.log != nil {
		a.log.Errorw("badger", "msg", fmt.Sprintf(format, args...))
	}
}

func (a *badgerLogAdapter) Warningf(format string, args ...interface{}) {
	if a.log != nil {
		a.log.Warnw("badger", "msg", fmt.Sprintf(format, args...))
	}
}

func (a *badgerLogAdapter) Infof(format string, args ...interface{}) {
	if a.log != nil {
		a.log.Infow("badger", "msg", fmt.Sprintf(format, args...))
	}
}

func (a *badgerLogAdapter) Debugf(format string, args ...interface{}) {
	if a.log != nil {
		a.log.Debugw("badger", "msg", fmt.Sprintf(format, args...))
	}
}
