// Package rlpcodec defines the block-entity wire types C7 persists — Header,
// Body, Receipt/BlockReceiptsInfo, TransactionAddress (spec.md §3 "Block
// entities") — and their RLP encodings, the same way trienode does for the
// trie's own node body.
package rlpcodec

import (
	"math/big"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/dagchain/corestore/common"
)

// Header is hash-addressed and carries the fields spec.md §3 names:
// height, the two deferred roots, difficulty and the PoW nonce.
type Header struct {
	ParentHash           common.Hash
	Height               uint64
	DeferredReceiptsRoot common.Hash
	DeferredStateRoot    common.Hash
	Difficulty           *big.Int
	Timestamp            uint64
	PowNonce             uint64
}

// Hash returns the header's content hash, the key Block entities are
// addressed by throughout C7.
func (h *Header) Hash() (common.Hash, error) {
	enc, err := rlp.EncodeToBytes(h)
	if err != nil {
		return common.ZeroHash, common.WrapStorageCorrupt(err, "rlpcodec: header rlp encode failed")
	}
	return common.HashData(enc), nil
}

// EncodeHeader/DecodeHeader are the BLOCKS-column header sub-key codec.
func EncodeHeader(h *Header) ([]byte, error) {
	return rlp.EncodeToBytes(h)
}

func DecodeHeader(data []byte) (*Header, error) {
	var h Header
	if err := rlp.DecodeBytes(data, &h); err != nil {
		return nil, common.WrapStorageCorrupt(err, "rlpcodec: malformed header rlp")
	}
	return &h, nil
}

// Transaction is a minimal signed transaction: enough identity (sender
// nonce, recipient, value, payload) and signature to hash and to recover a
// sender address from, without any execution semantics (Non-goal: EVM
// execution is out of scope, per spec.md §1).
type Transaction struct {
	Nonce    uint64
	To       *common.Address `rlp:"nil"`
	Value    *big.Int
	GasLimit uint64
	GasPrice *big.Int
	Payload  []byte
	V, R, S  *big.Int
}

// Hash returns the transaction's content hash.
func (tx *Transaction) Hash() (common.Hash, error) {
	enc, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return common.ZeroHash, common.WrapStorageCorrupt(err, "rlpcodec: transaction rlp encode failed")
	}
	return common.HashData(enc), nil
}

// Body is the ordered transaction sequence for a header, persisted under
// BLOCKS with the body sub-key suffix (spec.md §3).
type Body struct {
	Transactions []*Transaction
}

func EncodeBody(b *Body) ([]byte, error) {
	return rlp.EncodeToBytes(b)
}

func DecodeBody(data []byte) (*Body, error) {
	var b Body
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return nil, common.WrapStorageCorrupt(err, "rlpcodec: malformed body rlp")
	}
	return &b, nil
}

// ReceiptOutcome is the abridged execution result spec.md §3 says governs
// both retention ("successful-outcome transactions") and indexing.
type ReceiptOutcome uint8

const (
	OutcomeSuccess ReceiptOutcome = iota
	OutcomeFailure
)

// Receipt carries one transaction's outcome and its own log-bloom filter;
// insert_block_results_to_kv OR-folds every receipt's Bloom into the
// block-level aggregate the same way go-ethereum/core/types.CreateBloom
// folds per-log blooms into a block bloom (spec.md §4.7) — only the
// container and fold operation are reused, not log/EVM semantics.
type Receipt struct {
	TxHash  common.Hash
	Outcome ReceiptOutcome
	GasUsed uint64
	Bloom   ethtypes.Bloom
}

type wireReceipt struct {
	TxHash  common.Hash
	Outcome uint8
	GasUsed uint64
	Bloom   []byte
}

func encodeReceipt(r *Receipt) wireReceipt {
	return wireReceipt{TxHash: r.TxHash, Outcome: uint8(r.Outcome), GasUsed: r.GasUsed, Bloom: r.Bloom.Bytes()}
}

func decodeReceipt(w wireReceipt) (*Receipt, error) {
	if len(w.Bloom) != ethtypes.BloomByteLength {
		return nil, common.WrapStorageCorrupt(nil, "rlpcodec: receipt bloom must be %d bytes, got %d", ethtypes.BloomByteLength, len(w.Bloom))
	}
	return &Receipt{
		TxHash:  w.TxHash,
		Outcome: ReceiptOutcome(w.Outcome),
		GasUsed: w.GasUsed,
		Bloom:   ethtypes.BytesToBloom(w.Bloom),
	}, nil
}

// AggregateBloom OR-folds every receipt's bloom into one block-level bloom.
func AggregateBloom(receipts []*Receipt) ethtypes.Bloom {
	var agg ethtypes.Bloom
	for _, r := range receipts {
		for i := range agg {
			agg[i] |= r.Bloom[i]
		}
	}
	return agg
}

// EpochReceipts is one (epoch, receipts, bloom) entry of a
// BlockReceiptsInfo — a block's results as executed under a specific
// pivot-chain epoch.
type EpochReceipts struct {
	Epoch    common.Hash
	Receipts []*Receipt
	Bloom    ethtypes.Bloom
}

// BlockReceiptsInfo is the small vector of per-epoch results spec.md §3
// describes ("a block may legitimately have receipts under multiple
// epoch-hashes"). RetainEpoch drops every entry but the given one.
type BlockReceiptsInfo struct {
	Entries []EpochReceipts
}

// ForEpoch returns the entry stored under epoch, if any.
func (b *BlockReceiptsInfo) ForEpoch(epoch common.Hash) (*EpochReceipts, bool) {
	for i := range b.Entries {
		if b.Entries[i].Epoch == epoch {
			return &b.Entries[i], true
		}
	}
	return nil, false
}

// Upsert installs or replaces the entry for e.Epoch.
func (b *BlockReceiptsInfo) Upsert(e EpochReceipts) {
	for i := range b.Entries {
		if b.Entries[i].Epoch == e.Epoch {
			b.Entries[i] = e
			return
		}
	}
	b.Entries = append(b.Entries, e)
}

// RetainEpoch drops every entry but epoch's, per spec.md §3's
// "retain_epoch(e) ... called after reward processing and drops all but
// one". Reports false if epoch was not present (nothing to retain).
func (b *BlockReceiptsInfo) RetainEpoch(epoch common.Hash) bool {
	e, ok := b.ForEpoch(epoch)
	if !ok {
		return false
	}
	kept := *e
	b.Entries = []EpochReceipts{kept}
	return true
}

type wireEpochReceipts struct {
	Epoch    common.Hash
	Receipts []wireReceipt
	Bloom    []byte
}

type wireBlockReceiptsInfo struct {
	Entries []wireEpochReceipts
}

func EncodeBlockReceiptsInfo(b *BlockReceiptsInfo) ([]byte, error) {
	w := wireBlockReceiptsInfo{Entries: make([]wireEpochReceipts, len(b.Entries))}
	for i, e := range b.Entries {
		wr := make([]wireReceipt, len(e.Receipts))
		for j, r := range e.Receipts {
			wr[j] = encodeReceipt(r)
		}
		w.Entries[i] = wireEpochReceipts{Epoch: e.Epoch, Receipts: wr, Bloom: e.Bloom.Bytes()}
	}
	return rlp.EncodeToBytes(&w)
}

func DecodeBlockReceiptsInfo(data []byte) (*BlockReceiptsInfo, error) {
	var w wireBlockReceiptsInfo
	if err := rlp.DecodeBytes(data, &w); err != nil {
		return nil, common.WrapStorageCorrupt(err, "rlpcodec: malformed block-receipts-info rlp")
	}
	out := &BlockReceiptsInfo{Entries: make([]EpochReceipts, len(w.Entries))}
	for i, we := range w.Entries {
		if len(we.Bloom) != ethtypes.BloomByteLength {
			return nil, common.WrapStorageCorrupt(nil, "rlpcodec: epoch-receipts bloom must be %d bytes, got %d", ethtypes.BloomByteLength, len(we.Bloom))
		}
		rs := make([]*Receipt, len(we.Receipts))
		for j, wr := range we.Receipts {
			r, err := decodeReceipt(wr)
			if err != nil {
				return nil, err
			}
			rs[j] = r
		}
		out.Entries[i] = EpochReceipts{Epoch: we.Epoch, Receipts: rs, Bloom: ethtypes.BytesToBloom(we.Bloom)}
	}
	return out, nil
}

// TransactionAddress is a (block_hash, index) pointer recorded only for
// successful transactions on the local pivot chain (spec.md §3).
type TransactionAddress struct {
	BlockHash common.Hash
	Index     uint32
}

func EncodeTransactionAddress(a *TransactionAddress) ([]byte, error) {
	return rlp.EncodeToBytes(a)
}

func DecodeTransactionAddress(data []byte) (*TransactionAddress, error) {
	var a TransactionAddress
	if err := rlp.DecodeBytes(data, &a); err != nil {
		return nil, common.WrapStorageCorrupt(err, "rlpcodec: malformed transaction-address rlp")
	}
	return &a, nil
}
