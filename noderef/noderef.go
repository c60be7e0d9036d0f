// Package noderef implements C1: the compact NodeRef codec. A Ref packs
// "is this node on-disk-committed or in-memory-dirty" plus the key needed
// to locate it into a single 64-bit word (spec.md §3/§4.1).
//
// In-memory layout (this package's resolution of the two bit-layout
// descriptions in spec.md — see DESIGN.md "NodeRef bit layout"):
//
//	bit 63         committed flag: 1 = Committed, 0 = Dirty
//	bits 62..32    Committed: unused, always 0
//	               Dirty:     31-bit in-memory slot index
//	bits 31..0     Committed: persistent db-key
//	               Dirty:     original db-key, or NoOriginalKey if brand-new
//
// The all-zero word is reserved and denotes "no child" (Nil).
package noderef

import (
	"fmt"

	"github.com/dagchain/corestore/common"
)

// Ref is the packed 64-bit node reference.
type Ref uint64

const (
	committedFlag = uint64(1) << 63
	slotMask      = uint64(0x7FFFFFFF)
	keyMask       = uint64(0xFFFFFFFF)
)

// NoOriginalKey is the sentinel lower-32-bit value meaning "this dirty node
// shadows nothing — it is brand new".
const NoOriginalKey uint32 = 0xFFFFFFFF

// Nil is the reserved all-zero Ref: "no child".
const Nil Ref = 0

// PackCommitted builds a Ref for a node persisted under dbKey.
func PackCommitted(dbKey uint32) Ref {
	return Ref(committedFlag | uint64(dbKey))
}

// PackDirty builds a Ref for an in-memory node at the given slab slot,
// optionally shadowing a previously committed node at originalDBKey. Pass
// hasOriginal=false to mark the node as brand-new (no original key).
func PackDirty(slot uint32, originalDBKey uint32, hasOriginal bool) Ref {
	common.Assert(slot <= uint32(slotMask), "noderef: slot %d exceeds 31 bits", slot)
	lo := NoOriginalKey
	if hasOriginal {
		common.Assert(originalDBKey != NoOriginalKey, "noderef: original db-key collides with sentinel")
		lo = originalDBKey
	}
	return Ref((uint64(slot) << 32) | uint64(lo))
}

// IsNil reports whether r is the reserved "no child" value.
func (r Ref) IsNil() bool { return r == Nil }

// IsCommitted reports whether r addresses a persisted node.
func (r Ref) IsCommitted() bool { return r != Nil && r&committedFlag != 0 }

// IsDirty reports whether r addresses an in-memory, not-yet-committed node.
func (r Ref) IsDirty() bool { return r != Nil && r&committedFlag == 0 }

// DBKey returns the persistent db-key of a committed ref.
func (r Ref) DBKey() (uint32, bool) {
	if !r.IsCommitted() {
		return 0, false
	}
	return uint32(r & keyMask), true
}

// Slot returns the in-memory slab slot of a dirty ref.
func (r Ref) Slot() (uint32, bool) {
	if !r.IsDirty() {
		return 0, false
	}
	return uint32((uint64(r) >> 32) & slotMask), true
}

// OriginalDBKey returns the db-key of the committed node this dirty ref
// shadows, or ok=false if the node is brand-new (no prior committed form).
func (r Ref) OriginalDBKey() (key uint32, ok bool) {
	if !r.IsDirty() {
		return 0, false
	}
	lo := uint32(r & keyMask)
	if lo == NoOriginalKey {
		return 0, false
	}
	return lo, true
}

func (r Ref) String() string {
	if r.IsNil() {
		return "Ref(nil)"
	}
	if k, ok := r.DBKey(); ok {
		return fmt.Sprintf("Ref(committed:%d)", k)
	}
	slot, _ := r.Slot()
	if orig, ok := r.OriginalDBKey(); ok {
		return fmt.Sprintf("Ref(dirty:slot=%d,shadows=%d)", slot, orig)
	}
	return fmt.Sprintf("Ref(dirty:slot=%d,new)", slot)
}

// EncodeWire returns the 4-byte big-endian wire form of a committed ref,
// per spec.md §6: "a node-ref on the wire is the 4-byte big-endian
// committed db-key". Dirty refs cannot be transmitted.
func EncodeWire(r Ref) ([4]byte, error) {
	dbKey, ok := r.DBKey()
	if !ok {
		return [4]byte{}, common.WrapStorageCorrupt(nil, "cannot put a dirty noderef on the wire: %s", r)
	}
	var out [4]byte
	out[0] = byte(dbKey >> 24)
	out[1] = byte(dbKey >> 16)
	out[2] = byte(dbKey >> 8)
	out[3] = byte(dbKey)
	return out, nil
}

// DecodeWire reconstructs a committed Ref from its wire form. Any
// originally-dirty slot information from the sender is necessarily absent
// — the wire form never carried it — so the result is always Committed.
func DecodeWire(b []byte) (Ref, error) {
	if len(b) != 4 {
		return Nil, common.WrapStorageCorrupt(nil, "wire noderef must be 4 bytes, got %d", len(b))
	}
	dbKey := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return PackCommitted(dbKey), nil
}
