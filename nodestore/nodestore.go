// Package nodestore implements C3: the Node Memory Manager. It is a slab
// allocator for dirty (in-memory) trie nodes paired with a decoded-node
// cache for committed (on-disk) trie nodes, fronted by the shared cache
// manager (C4) so LRU order reflects true recency across both the trie
// node cache and the six block caches of package blockdata (spec.md §4.3).
package nodestore

import (
	"go.uber.org/atomic"
	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/dagchain/corestore/cache"
	"github.com/dagchain/corestore/common"
	"github.com/dagchain/corestore/noderef"
	"github.com/dagchain/corestore/ownedset"
	"github.com/dagchain/corestore/storage"
	"github.com/dagchain/corestore/telemetry"
	"github.com/dagchain/corestore/trienode"
)

type committedEntry struct {
	node *trienode.Node
	size uint64
}

// Store is the shared node memory manager: a slab of dirty nodes keyed by
// slot index, plus a decoded-node cache of committed nodes keyed by
// db-key, both backed by the process's one cache.Manager.
type Store struct {
	mu deadlock.RWMutex

	slots    map[uint32]*trienode.Node
	freeList []uint32
	nextSlot uint32
	maxSlots uint32 // 0 means unbounded

	committed      map[uint32]committedEntry
	committedBytes atomic.Uint64

	childMerkles *trienode.ChildrenMerkleMap

	engine   *storage.Engine
	cacheMgr *cache.Manager
	log      telemetry.Logger
}

// New builds a Store. maxSlots bounds the dirty-node slab (0 = unbounded);
// NewNode fails with ErrOutOfMemory once it is exhausted, per spec.md
// §4.3's "Fails with OutOfMemory only if the slab is exhausted".
func New(engine *storage.Engine, cacheMgr *cache.Manager, maxSlots uint32, log telemetry.Logger) *Store {
	s := &Store{
		slots:        make(map[uint32]*trienode.Node),
		maxSlots:     maxSlots,
		committed:    make(map[uint32]committedEntry),
		childMerkles: trienode.NewChildrenMerkleMap(),
		engine:       engine,
		cacheMgr:     cacheMgr,
		log:          log,
	}
	cacheMgr.RegisterFamily(cache.FamilyTrieNode, s.CacheSizeBytes, s.evictCommitted)
	return s
}

// VacantEntry is the reserved-but-uninitialized slot NewNode hands back;
// the caller must Insert exactly once before the ref is usable.
type VacantEntry struct {
	store *Store
	slot  uint32
}

// Insert materializes n into the reserved slot.
func (v *VacantEntry) Insert(n *trienode.Node) {
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	v.store.slots[v.slot] = n
}

func (s *Store) allocSlot() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.freeList); n > 0 {
		slot := s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		return slot, nil
	}
	if s.maxSlots > 0 && s.nextSlot >= s.maxSlots {
		return 0, common.ErrOutOfMemory
	}
	slot := s.nextSlot
	s.nextSlot++
	return slot, nil
}

// NewNode reserves a fresh dirty slot without initializing it. Pass
// hasOriginal=true and the shadowed node's db-key when this dirty node is
// a CoW clone of a previously committed node.
func (s *Store) NewNode(originalDBKey uint32, hasOriginal bool) (noderef.Ref, *VacantEntry, error) {
	slot, err := s.allocSlot()
	if err != nil {
		return noderef.Nil, nil, err
	}
	ref := noderef.PackDirty(slot, originalDBKey, hasOriginal)
	return ref, &VacantEntry{store: s, slot: slot}, nil
}

// FreeOwnedNode returns ref's slot to the free list and drops it from
// owner. Precondition: ref is dirty and owner.Contains(ref) — violating it
// is a fatal bug per spec.md §4.3, not a recoverable error.
func (s *Store) FreeOwnedNode(ref noderef.Ref, owner *ownedset.Set) {
	common.Assert(ref.IsDirty(), "nodestore: FreeOwnedNode on non-dirty ref %s", ref)
	common.Assert(owner.Contains(ref), "nodestore: FreeOwnedNode on ref not owned: %s", ref)

	slot, _ := ref.Slot()
	s.mu.Lock()
	delete(s.slots, slot)
	s.freeList = append(s.freeList, slot)
	s.mu.Unlock()

	owner.Remove(ref)
}

// DirtyNodeMut returns direct mutable access to a dirty node. Precondition:
// ref is dirty AND present in owner — violating it is a fatal bug
// (spec.md §4.3's dirty_node_as_mut_unchecked), asserted rather than
// returned as an error.
func (s *Store) DirtyNodeMut(ref noderef.Ref, owner *ownedset.Set) *trienode.Node {
	common.Assert(ref.IsDirty(), "nodestore: DirtyNodeMut on non-dirty ref %s", ref)
	common.Assert(owner.Contains(ref), "nodestore: DirtyNodeMut on ref not owned: %s", ref)

	slot, _ := ref.Slot()
	s.mu.RLock()
	n := s.slots[slot]
	s.mu.RUnlock()
	common.Assert(n != nil, "nodestore: dirty slot %d has no node", slot)
	return n
}

// Resolve returns the node addressed by ref, resolving dirty refs directly
// against the slab and committed refs through the cache manager (loading
// from the delta-db on miss). loadedFromDB reports whether this call hit
// the delta-db, matching spec.md §4.3's node_as_ref_with_cache_manager.
func (s *Store) Resolve(ref noderef.Ref) (node *trienode.Node, loadedFromDB bool, err error) {
	if ref.IsNil() {
		return nil, false, common.WrapStorageCorrupt(nil, "nodestore: cannot resolve a nil ref")
	}

	if slot, ok := ref.Slot(); ok {
		s.mu.RLock()
		n, present := s.slots[slot]
		s.mu.RUnlock()
		if !present {
			return nil, false, common.WrapStorageCorrupt(nil, "nodestore: dirty slot %d is not present", slot)
		}
		return n, false, nil
	}

	dbKey, ok := ref.DBKey()
	common.Assert(ok, "nodestore: ref is neither dirty nor committed: %s", ref)
	id := cache.ID{Family: cache.FamilyTrieNode, Key: uint64(dbKey)}

	s.mu.RLock()
	entry, hit := s.committed[dbKey]
	s.mu.RUnlock()
	if hit {
		s.cacheMgr.NoteUsed(id)
		return entry.node, false, nil
	}

	snap := s.engine.Snapshot()
	defer snap.Close()
	raw := snap.Column(storage.ColDeltaTrie).Get(common.PutUint32BE(dbKey))
	if raw == nil {
		return nil, false, common.WrapStorageCorrupt(nil, "nodestore: no node body for committed db-key %d", dbKey)
	}
	n, err := trienode.Decode(raw)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	s.committed[dbKey] = committedEntry{node: n, size: uint64(len(raw))}
	s.mu.Unlock()
	s.committedBytes.Add(uint64(len(raw)))
	s.cacheMgr.NoteUsed(id)
	return n, true, nil
}

// LoadChildrenMerkles returns the 16-entry child-merkle array for a
// committed parent, preferring the in-memory ChildrenMerkleMap entry and falling back to
// the CHILDREN_MERKLES column. Absence is not an error (ok=false).
func (s *Store) LoadChildrenMerkles(dbKey uint32) ([16]common.Hash, bool) {
	if arr, ok := s.childMerkles.Get(dbKey); ok {
		return arr, true
	}

	snap := s.engine.Snapshot()
	defer snap.Close()
	raw := snap.Column(storage.ColChildrenMerkles).Get(common.PutUint32BE(dbKey))
	if raw == nil {
		return [16]common.Hash{}, false
	}
	arr, err := trienode.DecodeChildrenMerkles(raw)
	if err != nil {
		telemetry.FatalStorage(s.log, err, map[string]interface{}{"db_key": dbKey})
		panic(err)
	}
	s.childMerkles.Put(dbKey, arr)
	return arr, true
}

// CacheChildrenMerkles records a freshly computed array for dbKey, so a
// later partial update only has to recompute the children that changed.
func (s *Store) CacheChildrenMerkles(dbKey uint32, arr [16]common.Hash) {
	s.childMerkles.Put(dbKey, arr)
}

// RegisterCommitted installs a just-committed node directly into the
// decoded-node cache, warming the cache instead of forcing a reload on
// first subsequent access (spec.md §4.5 commit_dirty_recursively, step
// "register the new db-key with the cache manager mapped to the old slot").
// Dirty slots are not noted with the cache manager themselves, so the Rekey
// from the old slot's id only carries recency over when an entry exists
// under that id; the new db-key is then noted as most recently used, so the
// committed node is tracked for eviction.
func (s *Store) RegisterCommitted(oldSlot uint32, dbKey uint32, n *trienode.Node, encodedSize int) {
	s.mu.Lock()
	s.committed[dbKey] = committedEntry{node: n, size: uint64(encodedSize)}
	s.mu.Unlock()
	s.committedBytes.Add(uint64(encodedSize))

	s.cacheMgr.Rekey(
		cache.ID{Family: cache.FamilyTrieNode, Key: uint64(oldSlot)},
		cache.ID{Family: cache.FamilyTrieNode, Key: uint64(dbKey)},
	)
	s.cacheMgr.NoteUsed(cache.ID{Family: cache.FamilyTrieNode, Key: uint64(dbKey)})
}

// CacheSizeBytes returns the host-measured size of the committed-node
// cache, the number CollectGarbage reports to the shared cache.Manager.
func (s *Store) CacheSizeBytes() uint64 { return s.committedBytes.Load() }

// CollectGarbage asks the shared cache manager to evict down to its low
// watermark across every registered family, which may include the six
// block caches of package blockdata when they share this Manager.
func (s *Store) CollectGarbage() uint64 {
	return s.cacheMgr.CollectGarbage()
}

// evictCommitted is FamilyTrieNode's registered cache.Evictor: it only
// ever receives ids the shared manager tagged FamilyTrieNode, so id.Key
// is always a committed-node db-key.
func (s *Store) evictCommitted(victims []cache.ID) []cache.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := make([]cache.ID, 0, len(victims))
	for _, id := range victims {
		dbKey := uint32(id.Key)
		if e, ok := s.committed[dbKey]; ok {
			s.committedBytes.Sub(e.size)
			delete(s.committed, dbKey)
			evicted = append(evicted, id)
		}
	}
	return evicted
}
