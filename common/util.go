package common

import (
	"bytes"
	"encoding/binary"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"
)

// Hash is the 32-byte content hash used throughout this module for merkle
// roots, block hashes, epoch hashes and transaction hashes. Reusing
// go-ethereum's comparable, hex-formatting value type avoids reinventing a
// fixed-size array wrapper the ecosystem already exports.
type Hash = ethcommon.Hash

// Address is the 20-byte account address type used by block entities
// (transaction recipients, recovered senders).
type Address = ethcommon.Address

// ZeroHash is the hash value denoting "no node" / "no child".
var ZeroHash = Hash{}

// Assert panics with a formatted message when cond is false. Used at
// precondition boundaries the spec calls out as fatal bugs rather than
// recoverable errors (e.g. dirty_node_as_mut_unchecked on a non-owned ref).
func Assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

// Concat concatenates byte-like arguments ([]byte, byte, string) into one
// slice. Used to build partitioned KV keys and compressed-path fragments.
func Concat(parts ...interface{}) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		switch v := p.(type) {
		case []byte:
			buf.Write(v)
		case byte:
			buf.WriteByte(v)
		case string:
			buf.WriteString(v)
		case Hash:
			buf.Write(v[:])
		default:
			Assert(false, "Concat: unsupported type %T", p)
		}
	}
	return buf.Bytes()
}

// PutUint64BE encodes v as 8-byte big-endian. Used for block-entity row
// keys (block heights, epoch counters) that are not constrained by
// NodeRef's bit layout.
func PutUint64BE(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// Uint64BE decodes an 8-byte big-endian value written by PutUint64BE.
func Uint64BE(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, WrapStorageCorrupt(nil, "fixed-width key must be 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// PutUint32BE encodes v as 4-byte big-endian. Used specifically for the
// trie row-number db-key (see Open Question in SPEC_FULL.md: fixed-width
// big-endian, not the decimal-ASCII convention of the original source) —
// 32 bits, not 64, because NodeRef's committed variant only has 32 bits
// of db-key (spec.md §3), so the row-number domain itself is 32-bit.
func PutUint32BE(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// Uint32BE decodes a 4-byte big-endian row-number.
func Uint32BE(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, WrapStorageCorrupt(nil, "row-number key must be 4 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// HashData returns the blake2b-256 hash of data. Node merkle hashes,
// transaction hashes and header hashes are all computed with this single
// function, matching the hash family the teacher's commitment models
// (trie_blake2b) use for node commitments.
func HashData(data []byte) Hash {
	return blake2b.Sum256(data)
}

// HashConcat hashes the concatenation of its arguments without an
// intermediate allocation beyond Concat itself.
func HashConcat(parts ...interface{}) Hash {
	return HashData(Concat(parts...))
}
