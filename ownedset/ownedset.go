// Package ownedset implements C2: the Owned-Node Set, the authoritative
// "may-mutate" predicate for a single write session (spec.md §4.2).
package ownedset

import (
	"sort"

	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/dagchain/corestore/noderef"
)

// dirtyEntry records whether a dirty slot shadows a previously committed
// node (and which one), mirroring NodeRef.OriginalDBKey.
type dirtyEntry struct {
	hasOriginal bool
	originalKey uint32
}

// Set is the disjoint union of dirty-slot entries and freshly committed
// db-keys that the current write session may mutate. It is held
// exclusively by the active writer; readers never consult it (spec.md
// §4.2), but it is still guarded by an RWMutex per the concurrency model
// in §5, since debug tooling (cache_size, GC) may inspect a live session.
type Set struct {
	mu        deadlock.RWMutex
	dirty     map[uint32]dirtyEntry
	committed map[uint32]struct{}
}

// New returns an empty owner set.
func New() *Set {
	return &Set{
		dirty:     make(map[uint32]dirtyEntry),
		committed: make(map[uint32]struct{}),
	}
}

// Insert adds ref to the set, returning true if it was not already present.
func (s *Set) Insert(ref noderef.Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot, ok := ref.Slot(); ok {
		if _, already := s.dirty[slot]; already {
			return false
		}
		orig, hasOrig := ref.OriginalDBKey()
		s.dirty[slot] = dirtyEntry{hasOriginal: hasOrig, originalKey: orig}
		return true
	}
	if key, ok := ref.DBKey(); ok {
		if _, already := s.committed[key]; already {
			return false
		}
		s.committed[key] = struct{}{}
		return true
	}
	return false
}

// Remove drops ref from the set, returning true if it was present.
func (s *Set) Remove(ref noderef.Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot, ok := ref.Slot(); ok {
		if _, present := s.dirty[slot]; !present {
			return false
		}
		delete(s.dirty, slot)
		return true
	}
	if key, ok := ref.DBKey(); ok {
		if _, present := s.committed[key]; !present {
			return false
		}
		delete(s.committed, key)
		return true
	}
	return false
}

// Contains reports whether ref is in the set.
func (s *Set) Contains(ref noderef.Ref) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if slot, ok := ref.Slot(); ok {
		_, present := s.dirty[slot]
		return present
	}
	if key, ok := ref.DBKey(); ok {
		_, present := s.committed[key]
		return present
	}
	return false
}

// Iter returns every ref currently owned, dirty entries first ordered by
// slot index, then committed entries ordered by db-key — stable order is
// required so that two runs over the same owner set commit deterministically.
func (s *Set) Iter() []noderef.Ref {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slots := make([]uint32, 0, len(s.dirty))
	for slot := range s.dirty {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	keys := make([]uint32, 0, len(s.committed))
	for key := range s.committed {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]noderef.Ref, 0, len(slots)+len(keys))
	for _, slot := range slots {
		e := s.dirty[slot]
		out = append(out, noderef.PackDirty(slot, e.originalKey, e.hasOriginal))
	}
	for _, key := range keys {
		out = append(out, noderef.PackCommitted(key))
	}
	return out
}

// Len returns the total number of owned refs (dirty + committed).
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty) + len(s.committed)
}
