// Package cache implements C4: the Cache Manager. It tracks recency across
// several independent families of cached entries (the trie node cache plus
// the six block-data caches of package blockdata) and, when asked, picks
// victims in global LRU order for the caller to evict from its own
// containers (spec.md §4.4).
//
// The cache manager never measures memory itself — each family registers
// a size function and an eviction function once, at construction time,
// via RegisterFamily. CollectGarbage then picks victims in global LRU
// order regardless of family and dispatches each victim to its own
// family's evictor before removing it from the LRU index, so a GC pass
// triggered by one family's growth can still reclaim space from any
// other family and never desyncs a family's container from the LRU's
// view of it. This mirrors spec.md §4.4's "host-measured size" contract
// and spec.md §9's tagged-variant id dispatched through a single
// eviction callback.
package cache

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	deadlock "github.com/sasha-s/go-deadlock"
	"go.uber.org/atomic"

	"github.com/dagchain/corestore/telemetry"
)

// Family distinguishes the independent cache containers that share one
// Manager. The trie node cache and each of the six block-data caches
// (headers, bodies, compact blocks, receipts, tx-addresses, tx pubkeys)
// register their entries under their own Family so that GC can route each
// victim to its own family's Evictor without the families stepping on each
// other's IDs.
type Family uint8

const (
	FamilyTrieNode Family = iota
	FamilyHeaders
	FamilyBlocks
	FamilyCompactBlocks
	FamilyReceipts
	FamilyTxAddresses
	FamilyTxPubKeys
	numFamilies
)

func (f Family) String() string {
	switch f {
	case FamilyTrieNode:
		return "trie-node"
	case FamilyHeaders:
		return "headers"
	case FamilyBlocks:
		return "blocks"
	case FamilyCompactBlocks:
		return "compact-blocks"
	case FamilyReceipts:
		return "receipts"
	case FamilyTxAddresses:
		return "tx-addresses"
	case FamilyTxPubKeys:
		return "tx-pubkeys"
	default:
		return "unknown"
	}
}

// ID names one cache entry: a family plus an opaque family-scoped key (a
// node-ref db-key for FamilyTrieNode, the first 8 bytes of the block hash
// for the block caches).
type ID struct {
	Family Family
	Key    uint64
}

const numShards = 16

// shardIndex spreads IDs across shards by hash rather than by raw key bits.
// Row-numbers and db-keys are both assigned sequentially, so a plain
// modulo would pile consecutively-created entries into the same shard;
// hashing first keeps shard load roughly even under that access pattern.
func shardIndex(id ID) uint32 {
	var buf [9]byte
	buf[0] = byte(id.Family)
	binary.BigEndian.PutUint64(buf[1:], id.Key)
	return uint32(xxhash.Sum64(buf[:]) % numShards)
}

type entry struct {
	id       ID
	lastUsed uint64
}

type shard struct {
	mu      deadlock.Mutex
	entries map[ID]*entry
}

// Evictor is a family's own eviction logic: given a batch of victim IDs
// belonging to its family, it removes whichever of them are actually
// present in its container and returns the subset it removed. Manager
// only drops the returned subset from its LRU index — an id the evictor
// could not find (already gone, raced with another removal) and did not
// return stays in the index.
type Evictor func(victims []ID) (evicted []ID)

type familyReg struct {
	sizeFn func() uint64
	evict  Evictor
}

// Manager is a single cross-family LRU tracker. One Manager is shared by
// the trie node store and the block data manager, matching spec.md §4.4's
// "cache manager" being one component serving every cache family.
type Manager struct {
	shards [numShards]*shard
	clock  atomic.Uint64

	// gcMu is the single global lock spec.md §5 allows the cache manager
	// to hold — only during CollectGarbage, never during NoteUsed.
	gcMu deadlock.Mutex

	regMu    deadlock.Mutex
	registry [numFamilies]*familyReg

	highWatermark uint64
	lowWatermark  uint64

	log telemetry.Logger
}

// NewManager builds a Manager that only triggers eviction once the
// combined size reported by every registered family exceeds
// highWatermark, evicting down to at most lowWatermark.
func NewManager(lowWatermark, highWatermark uint64, log telemetry.Logger) *Manager {
	assertWatermarks(lowWatermark, highWatermark)
	m := &Manager{
		highWatermark: highWatermark,
		lowWatermark:  lowWatermark,
		log:           log,
	}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[ID]*entry)}
	}
	return m
}

// RegisterFamily wires family's size and eviction logic into the shared
// manager. Every family sharing a Manager must register exactly once,
// before the first CollectGarbage call; nodestore.New and blockdata.New
// each do this for the families they own (spec.md §4.4).
func (m *Manager) RegisterFamily(family Family, sizeFn func() uint64, evict Evictor) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	m.registry[family] = &familyReg{sizeFn: sizeFn, evict: evict}
}

func (m *Manager) totalSize() uint64 {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	var total uint64
	for _, r := range m.registry {
		if r != nil {
			total += r.sizeFn()
		}
	}
	return total
}

func assertWatermarks(low, high uint64) {
	if low > high {
		panic("cache: lowWatermark must not exceed highWatermark")
	}
}

// NoteUsed records id as most-recently-used. It is lock-free with respect
// to every other shard, so concurrent traversals touching different
// families or different keys never contend.
func (m *Manager) NoteUsed(id ID) {
	s := m.shards[shardIndex(id)]
	tick := m.clock.Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.lastUsed = tick
		return
	}
	s.entries[id] = &entry{id: id, lastUsed: tick}
}

// Forget removes id from LRU tracking without going through eviction, for
// callers that drop an entry on their own (e.g. a node freed outright
// rather than aged out).
func (m *Manager) Forget(id ID) {
	s := m.shards[shardIndex(id)]
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Rekey renames oldID to newID, preserving recency. commit_dirty_recursively
// uses this to keep a node's cache entry warm when it moves from a dirty
// slot to its final committed db-key (spec.md §4.3), instead of evicting
// and re-loading it.
func (m *Manager) Rekey(oldID, newID ID) {
	oldShard := m.shards[shardIndex(oldID)]
	oldShard.mu.Lock()
	e, ok := oldShard.entries[oldID]
	if ok {
		delete(oldShard.entries, oldID)
	}
	oldShard.mu.Unlock()
	if !ok {
		return
	}

	newShard := m.shards[shardIndex(newID)]
	newShard.mu.Lock()
	e.id = newID
	newShard.entries[newID] = e
	newShard.mu.Unlock()
}

// CollectGarbage is a no-op below the high watermark. Above it, it walks
// every shard, orders entries oldest-first regardless of family, and
// dispatches each fixed-size batch of victims to the registered Evictor of
// the family each victim actually belongs to — so a GC pass triggered by
// one family's growth still reclaims the globally-oldest entries, not
// just that family's own. Only the ids an Evictor actually reports back
// are dropped from the LRU index; a victim the family does not report
// stays indexed. Repeats batch by batch until the combined size is at or
// below the low watermark or there is nothing left to evict.
func (m *Manager) CollectGarbage() uint64 {
	sizeBefore := m.totalSize()
	if sizeBefore <= m.highWatermark {
		return sizeBefore
	}

	m.gcMu.Lock()
	defer m.gcMu.Unlock()

	all := m.snapshotOldestFirst()
	size := sizeBefore
	const batch = 256
	evicted := 0

	for i := 0; i < len(all) && size > m.lowWatermark; i += batch {
		end := i + batch
		if end > len(all) {
			end = len(all)
		}

		byFamily := make(map[Family][]ID, numFamilies)
		for _, e := range all[i:end] {
			byFamily[e.id.Family] = append(byFamily[e.id.Family], e.id)
		}

		var actuallyEvicted []ID
		m.regMu.Lock()
		for family, ids := range byFamily {
			r := m.registry[family]
			if r == nil {
				continue
			}
			actuallyEvicted = append(actuallyEvicted, r.evict(ids)...)
		}
		m.regMu.Unlock()

		m.removeMany(actuallyEvicted)
		evicted += len(actuallyEvicted)
		size = m.totalSize()
	}

	if m.log != nil && evicted > 0 {
		m.log.Infow("cache gc complete",
			"evicted", evicted,
			"size_before", humanize.Bytes(sizeBefore),
			"size_after", humanize.Bytes(size),
		)
	}
	return size
}

func (m *Manager) snapshotOldestFirst() []entry {
	var all []entry
	for _, s := range m.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			all = append(all, *e)
		}
		s.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].lastUsed < all[j].lastUsed })
	return all
}

func (m *Manager) removeMany(ids []ID) {
	for _, id := range ids {
		s := m.shards[shardIndex(id)]
		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
	}
}

// Len returns the total number of entries currently tracked, across every
// family. Intended for tests and diagnostics, not the hot path.
func (m *Manager) Len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}
