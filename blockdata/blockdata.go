// Package blockdata implements C7: the Block Data Manager. It owns the six
// in-memory caches for block entities (headers, full blocks, compact
// blocks, receipts, transaction addresses, transaction sender pubkeys),
// each backed by KV persistence and fronted by the shared cache.Manager
// (spec.md §4.7).
package blockdata

import (
	"encoding/binary"

	deadlock "github.com/sasha-s/go-deadlock"
	"go.uber.org/atomic"

	"github.com/dagchain/corestore/cache"
	"github.com/dagchain/corestore/common"
	"github.com/dagchain/corestore/rlpcodec"
	"github.com/dagchain/corestore/storage"
	"github.com/dagchain/corestore/telemetry"
)

// BlockStatus is the one-byte persisted lifecycle state of a block
// (spec.md §3's "Nodes are created ... a block is inserted with status
// Pending; it becomes Valid once its deferred state matches consensus;
// Invalid is terminal and quarantined").
type BlockStatus uint8

const (
	StatusPending BlockStatus = iota
	StatusValid
	StatusInvalid
	StatusPartialInvalid
)

func cacheKey(h common.Hash) uint64 {
	return binary.BigEndian.Uint64(h[:8])
}

type headerEntry struct {
	header *rlpcodec.Header
	size   uint64
}

type blockEntry struct {
	header *rlpcodec.Header
	body   *rlpcodec.Body
	size   uint64
}

type compactEntry struct {
	header   *rlpcodec.Header
	txHashes []common.Hash
	size     uint64
}

type receiptsEntry struct {
	info *rlpcodec.BlockReceiptsInfo
	size uint64
}

type txAddressEntry struct {
	addr *rlpcodec.TransactionAddress
	size uint64
}

type pubKeyEntry struct {
	pubKey []byte
	size   uint64
}

// Manager is the block data manager: six caches plus the in-memory
// invalid-block set, sharing one cache.Manager and one storage.Engine with
// the trie (nodestore.Store uses the same Manager for FamilyTrieNode).
type Manager struct {
	engine   *storage.Engine
	cacheMgr *cache.Manager
	log      telemetry.Logger

	// recordTxAddress mirrors the runtime option spec.md §4.7 names:
	// transaction-address indexing only runs when this is on AND
	// InsertTransactionAddress is told the block is on the local pivot
	// chain (InsertBlockResultsToKV always tells it so).
	recordTxAddress bool

	mu            deadlock.RWMutex
	headers       map[common.Hash]headerEntry
	blocks        map[common.Hash]blockEntry
	compactBlocks map[common.Hash]compactEntry
	receipts      map[common.Hash]receiptsEntry
	txAddresses   map[common.Hash]txAddressEntry
	txPubKeys     map[common.Hash]pubKeyEntry

	headerBytes  atomic.Uint64
	blockBytes   atomic.Uint64
	compactBytes atomic.Uint64
	receiptBytes atomic.Uint64
	txAddrBytes  atomic.Uint64
	pubKeyBytes  atomic.Uint64

	invalidMu deadlock.RWMutex
	invalid   map[common.Hash]struct{}
}

// New builds a Manager. recordTxAddress mirrors the host's
// record_tx_address runtime option.
func New(engine *storage.Engine, cacheMgr *cache.Manager, recordTxAddress bool, log telemetry.Logger) *Manager {
	m := &Manager{
		engine:          engine,
		cacheMgr:        cacheMgr,
		log:             log,
		recordTxAddress: recordTxAddress,
		headers:         make(map[common.Hash]headerEntry),
		blocks:          make(map[common.Hash]blockEntry),
		compactBlocks:   make(map[common.Hash]compactEntry),
		receipts:        make(map[common.Hash]receiptsEntry),
		txAddresses:     make(map[common.Hash]txAddressEntry),
		txPubKeys:       make(map[common.Hash]pubKeyEntry),
		invalid:         make(map[common.Hash]struct{}),
	}

	cacheMgr.RegisterFamily(cache.FamilyHeaders, func() uint64 { return m.headerBytes.Load() }, m.evictHeaders)
	cacheMgr.RegisterFamily(cache.FamilyBlocks, func() uint64 { return m.blockBytes.Load() }, m.evictBlocks)
	cacheMgr.RegisterFamily(cache.FamilyCompactBlocks, func() uint64 { return m.compactBytes.Load() }, m.evictCompactBlocks)
	cacheMgr.RegisterFamily(cache.FamilyReceipts, func() uint64 { return m.receiptBytes.Load() }, m.evictReceipts)
	cacheMgr.RegisterFamily(cache.FamilyTxAddresses, func() uint64 { return m.txAddrBytes.Load() }, m.evictTxAddresses)
	cacheMgr.RegisterFamily(cache.FamilyTxPubKeys, func() uint64 { return m.pubKeyBytes.Load() }, m.evictTxPubKeys)

	return m
}

// Block is the full block entity: a header plus its ordered transactions.
type Block struct {
	Header *rlpcodec.Header
	Body   *rlpcodec.Body
}

// BlockHeaderByHash resolves a header, consulting the cache before KV.
func (m *Manager) BlockHeaderByHash(hash common.Hash) (*rlpcodec.Header, error) {
	m.mu.RLock()
	e, hit := m.headers[hash]
	m.mu.RUnlock()
	if hit {
		m.cacheMgr.NoteUsed(cache.ID{Family: cache.FamilyHeaders, Key: cacheKey(hash)})
		return e.header, nil
	}

	snap := m.engine.Snapshot()
	defer snap.Close()
	raw := snap.Column(storage.ColBlocks).Get(storage.HeaderKey(hash))
	if raw == nil {
		return nil, common.ErrKeyNotFound
	}
	h, err := rlpcodec.DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	m.cacheHeader(hash, h, len(raw))
	return h, nil
}

func (m *Manager) cacheHeader(hash common.Hash, h *rlpcodec.Header, size int) {
	m.mu.Lock()
	m.headers[hash] = headerEntry{header: h, size: uint64(size)}
	m.mu.Unlock()
	m.headerBytes.Add(uint64(size))
	m.cacheMgr.NoteUsed(cache.ID{Family: cache.FamilyHeaders, Key: cacheKey(hash)})
}

// InsertBlockHeader installs header under hash, persisting to KV.
func (m *Manager) InsertBlockHeader(hash common.Hash, header *rlpcodec.Header) error {
	raw, err := rlpcodec.EncodeHeader(header)
	if err != nil {
		return err
	}
	b := m.engine.NewBatch()
	b.Column(storage.ColBlocks).Set(storage.HeaderKey(hash), raw)
	b.Column(storage.ColBlocks).Set(storage.StatusKey(hash), []byte{byte(StatusPending)})
	if err := b.Commit(); err != nil {
		return err
	}
	m.cacheHeader(hash, header, len(raw))
	return nil
}

// BlockByHash resolves the full block, consulting the cache first, then
// KV; updateCache controls whether a KV hit is installed into the cache
// (spec.md §4.7's "if found and the caller permits, install into the
// cache and note_used").
func (m *Manager) BlockByHash(hash common.Hash, updateCache bool) (*Block, error) {
	m.mu.RLock()
	e, hit := m.blocks[hash]
	m.mu.RUnlock()
	if hit {
		m.cacheMgr.NoteUsed(cache.ID{Family: cache.FamilyBlocks, Key: cacheKey(hash)})
		return &Block{Header: e.header, Body: e.body}, nil
	}

	snap := m.engine.Snapshot()
	defer snap.Close()
	rawHeader := snap.Column(storage.ColBlocks).Get(storage.HeaderKey(hash))
	if rawHeader == nil {
		return nil, common.ErrKeyNotFound
	}
	rawBody := snap.Column(storage.ColBlocks).Get(storage.BodyKey(hash))
	if rawBody == nil {
		return nil, common.ErrKeyNotFound
	}
	header, err := rlpcodec.DecodeHeader(rawHeader)
	if err != nil {
		return nil, err
	}
	body, err := rlpcodec.DecodeBody(rawBody)
	if err != nil {
		return nil, err
	}

	if updateCache {
		m.mu.Lock()
		m.blocks[hash] = blockEntry{header: header, body: body, size: uint64(len(rawHeader) + len(rawBody))}
		m.mu.Unlock()
		m.blockBytes.Add(uint64(len(rawHeader) + len(rawBody)))
		m.cacheMgr.NoteUsed(cache.ID{Family: cache.FamilyBlocks, Key: cacheKey(hash)})
	}
	return &Block{Header: header, Body: body}, nil
}

// InsertBlockToKV persists block under hash. When persistent is false the
// write only lands in the cache and is never written to KV; when true it
// is written through to KV as well.
func (m *Manager) InsertBlockToKV(hash common.Hash, block *Block, persistent bool) error {
	if persistent {
		rawHeader, err := rlpcodec.EncodeHeader(block.Header)
		if err != nil {
			return err
		}
		rawBody, err := rlpcodec.EncodeBody(block.Body)
		if err != nil {
			return err
		}
		b := m.engine.NewBatch()
		b.Column(storage.ColBlocks).Set(storage.HeaderKey(hash), rawHeader)
		b.Column(storage.ColBlocks).Set(storage.BodyKey(hash), rawBody)
		b.Column(storage.ColBlocks).Set(storage.StatusKey(hash), []byte{byte(StatusPending)})
		if err := b.Commit(); err != nil {
			return err
		}
		m.mu.Lock()
		m.blocks[hash] = blockEntry{header: block.Header, body: block.Body, size: uint64(len(rawHeader) + len(rawBody))}
		m.mu.Unlock()
		m.blockBytes.Add(uint64(len(rawHeader) + len(rawBody)))
	} else {
		m.mu.Lock()
		m.blocks[hash] = blockEntry{header: block.Header, body: block.Body}
		m.mu.Unlock()
	}
	m.cacheMgr.NoteUsed(cache.ID{Family: cache.FamilyBlocks, Key: cacheKey(hash)})

	txHashes := make([]common.Hash, 0, len(block.Body.Transactions))
	for _, tx := range block.Body.Transactions {
		h, err := tx.Hash()
		if err != nil {
			return err
		}
		txHashes = append(txHashes, h)
	}
	m.mu.Lock()
	m.compactBlocks[hash] = compactEntry{header: block.Header, txHashes: txHashes}
	m.mu.Unlock()
	m.cacheMgr.NoteUsed(cache.ID{Family: cache.FamilyCompactBlocks, Key: cacheKey(hash)})
	return nil
}

// BlockResultsByHashWithEpoch resolves the receipts recorded for hash
// under the assumed epoch. A KV hit stored under a different epoch yields
// ErrEpochMismatch, per spec.md §4.7 ("the caller must recompute under the
// new pivot").
func (m *Manager) BlockResultsByHashWithEpoch(hash common.Hash, epoch common.Hash, updateCache bool) (*rlpcodec.EpochReceipts, error) {
	m.mu.RLock()
	e, hit := m.receipts[hash]
	m.mu.RUnlock()
	if hit {
		m.cacheMgr.NoteUsed(cache.ID{Family: cache.FamilyReceipts, Key: cacheKey(hash)})
		er, ok := e.info.ForEpoch(epoch)
		if !ok {
			return nil, common.ErrEpochMismatch
		}
		return er, nil
	}

	snap := m.engine.Snapshot()
	defer snap.Close()
	raw := snap.Column(storage.ColBlockReceipts).Get(hash[:])
	if raw == nil {
		return nil, common.ErrKeyNotFound
	}
	info, err := rlpcodec.DecodeBlockReceiptsInfo(raw)
	if err != nil {
		return nil, err
	}
	if updateCache {
		m.mu.Lock()
		m.receipts[hash] = receiptsEntry{info: info, size: uint64(len(raw))}
		m.mu.Unlock()
		m.receiptBytes.Add(uint64(len(raw)))
		m.cacheMgr.NoteUsed(cache.ID{Family: cache.FamilyReceipts, Key: cacheKey(hash)})
	}
	er, ok := info.ForEpoch(epoch)
	if !ok {
		return nil, common.ErrEpochMismatch
	}
	return er, nil
}

// InsertBlockResultsToKV computes the aggregated bloom by OR-folding every
// receipt's log-bloom and persists (epoch, receipts, bloom) under
// BLOCK_RECEIPTS keyed by hash (spec.md §4.7). The manager's write lock is
// held across both the KV write and the cache update. When recordTxAddress
// is on, every successful receipt's transaction is indexed through
// InsertTransactionAddress with onPivotChain=true: this method takes no
// pivot-chain argument, so an epoch off the local pivot chain is indexed
// as well.
func (m *Manager) InsertBlockResultsToKV(hash common.Hash, epoch common.Hash, receipts []*rlpcodec.Receipt, persistent bool) error {
	bloom := rlpcodec.AggregateBloom(receipts)

	m.mu.Lock()
	e, existed := m.receipts[hash]
	info := e.info
	if !existed || info == nil {
		info = &rlpcodec.BlockReceiptsInfo{}
	}
	info.Upsert(rlpcodec.EpochReceipts{Epoch: epoch, Receipts: receipts, Bloom: bloom})

	var size uint64
	if persistent {
		raw, err := rlpcodec.EncodeBlockReceiptsInfo(info)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		b := m.engine.NewBatch()
		b.Column(storage.ColBlockReceipts).Set(hash[:], raw)
		if err := b.Commit(); err != nil {
			m.mu.Unlock()
			return err
		}
		size = uint64(len(raw))
	}

	if existed {
		m.receiptBytes.Sub(e.size)
	}
	m.receipts[hash] = receiptsEntry{info: info, size: size}
	m.mu.Unlock()
	m.receiptBytes.Add(size)
	m.cacheMgr.NoteUsed(cache.ID{Family: cache.FamilyReceipts, Key: cacheKey(hash)})

	if m.recordTxAddress {
		for i, r := range receipts {
			if r.Outcome != rlpcodec.OutcomeSuccess {
				continue
			}
			m.InsertTransactionAddress(r.TxHash, &rlpcodec.TransactionAddress{BlockHash: hash, Index: uint32(i)}, true /* onPivotChain */)
		}
	}
	return nil
}

// InsertTransactionAddress indexes txHash → addr, but only when both
// record_tx_address is enabled and onPivotChain holds (spec.md §4.7).
// Unlike the original source's update-only behaviour (documented bug,
// DESIGN.md Open Question decision 3), this inserts when absent rather
// than only updating an existing entry.
func (m *Manager) InsertTransactionAddress(txHash common.Hash, addr *rlpcodec.TransactionAddress, onPivotChain bool) {
	if !m.recordTxAddress || !onPivotChain {
		return
	}
	raw, err := rlpcodec.EncodeTransactionAddress(addr)
	if err != nil {
		telemetry.FatalStorage(m.log, err, map[string]interface{}{"tx_hash": txHash})
		panic(err)
	}
	b := m.engine.NewBatch()
	b.Column(storage.ColTxAddress).Set(txHash[:], raw)
	if err := b.Commit(); err != nil {
		return
	}

	m.mu.Lock()
	m.txAddresses[txHash] = txAddressEntry{addr: addr, size: uint64(len(raw))}
	m.mu.Unlock()
	m.txAddrBytes.Add(uint64(len(raw)))
	m.cacheMgr.NoteUsed(cache.ID{Family: cache.FamilyTxAddresses, Key: cacheKey(txHash)})
}

// TransactionAddressByHash resolves a previously indexed transaction
// address, consulting the cache before KV.
func (m *Manager) TransactionAddressByHash(txHash common.Hash) (*rlpcodec.TransactionAddress, error) {
	m.mu.RLock()
	e, hit := m.txAddresses[txHash]
	m.mu.RUnlock()
	if hit {
		m.cacheMgr.NoteUsed(cache.ID{Family: cache.FamilyTxAddresses, Key: cacheKey(txHash)})
		return e.addr, nil
	}

	snap := m.engine.Snapshot()
	defer snap.Close()
	raw := snap.Column(storage.ColTxAddress).Get(txHash[:])
	if raw == nil {
		return nil, common.ErrKeyNotFound
	}
	addr, err := rlpcodec.DecodeTransactionAddress(raw)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.txAddresses[txHash] = txAddressEntry{addr: addr, size: uint64(len(raw))}
	m.mu.Unlock()
	m.txAddrBytes.Add(uint64(len(raw)))
	m.cacheMgr.NoteUsed(cache.ID{Family: cache.FamilyTxAddresses, Key: cacheKey(txHash)})
	return addr, nil
}

// CacheSenderPubKey records a transaction's recovered sender public key,
// keeping signature-recovery results warm across repeated lookups
// (FamilyTxPubKeys).
func (m *Manager) CacheSenderPubKey(txHash common.Hash, pubKey []byte) {
	m.mu.Lock()
	m.txPubKeys[txHash] = pubKeyEntry{pubKey: pubKey, size: uint64(len(pubKey))}
	m.mu.Unlock()
	m.pubKeyBytes.Add(uint64(len(pubKey)))
	m.cacheMgr.NoteUsed(cache.ID{Family: cache.FamilyTxPubKeys, Key: cacheKey(txHash)})
}

// SenderPubKey returns a previously cached recovered sender public key.
func (m *Manager) SenderPubKey(txHash common.Hash) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.txPubKeys[txHash]
	if !ok {
		return nil, false
	}
	m.cacheMgr.NoteUsed(cache.ID{Family: cache.FamilyTxPubKeys, Key: cacheKey(txHash)})
	return e.pubKey, true
}

// ReceiptsRetainEpoch drops every epoch entry for hash but epoch, called
// after reward processing settles which pivot the block's receipts belong
// to permanently (spec.md §3).
func (m *Manager) ReceiptsRetainEpoch(hash common.Hash, epoch common.Hash) error {
	m.mu.Lock()
	e, ok := m.receipts[hash]
	m.mu.Unlock()
	if !ok {
		return common.ErrKeyNotFound
	}
	if !e.info.RetainEpoch(epoch) {
		return common.ErrEpochMismatch
	}

	raw, err := rlpcodec.EncodeBlockReceiptsInfo(e.info)
	if err != nil {
		return err
	}
	b := m.engine.NewBatch()
	b.Column(storage.ColBlockReceipts).Set(hash[:], raw)
	if err := b.Commit(); err != nil {
		return err
	}

	m.mu.Lock()
	m.receiptBytes.Sub(e.size)
	e.size = uint64(len(raw))
	m.receipts[hash] = e
	m.mu.Unlock()
	m.receiptBytes.Add(e.size)
	return nil
}

// InvalidateBlock marks hash terminally Invalid, in memory and in KV.
func (m *Manager) InvalidateBlock(hash common.Hash) error {
	b := m.engine.NewBatch()
	b.Column(storage.ColBlocks).Set(storage.StatusKey(hash), []byte{byte(StatusInvalid)})
	if err := b.Commit(); err != nil {
		return err
	}
	m.invalidMu.Lock()
	m.invalid[hash] = struct{}{}
	m.invalidMu.Unlock()
	return nil
}

// VerifiedInvalid reports whether hash is known-invalid, consulting memory
// first and then KV; a confirmed KV hit promotes the entry back into
// memory, per spec.md §4.7's "sole case allowed to upgrade a read-lock to
// write-lock on detecting a KV hit".
func (m *Manager) VerifiedInvalid(hash common.Hash) (bool, error) {
	m.invalidMu.RLock()
	_, hit := m.invalid[hash]
	m.invalidMu.RUnlock()
	if hit {
		return true, nil
	}

	snap := m.engine.Snapshot()
	defer snap.Close()
	raw := snap.Column(storage.ColBlocks).Get(storage.StatusKey(hash))
	if raw == nil {
		return false, nil
	}
	if BlockStatus(raw[0]) != StatusInvalid {
		return false, nil
	}

	m.invalidMu.Lock()
	m.invalid[hash] = struct{}{}
	m.invalidMu.Unlock()
	return true, nil
}

// CacheSize returns the total measured size across all six block caches.
func (m *Manager) CacheSize() uint64 {
	return m.headerBytes.Load() + m.blockBytes.Load() + m.compactBytes.Load() +
		m.receiptBytes.Load() + m.txAddrBytes.Load() + m.pubKeyBytes.Load()
}

// BlockCacheGC asks the shared cache manager to evict down to its low
// watermark across every registered family — the six block caches here
// plus nodestore.Store's trie-node cache when they share a Manager — in
// one pass, per spec.md §4.7's "locks all six caches plus the cache
// manager together".
func (m *Manager) BlockCacheGC() uint64 {
	return m.cacheMgr.CollectGarbage()
}

// Each evictXxx below is one family's registered cache.Evictor: it is
// only ever handed ids the shared manager already tagged with that
// family, so id.Key always decodes against that family's own map.

func (m *Manager) evictHeaders(victims []cache.ID) []cache.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := make([]cache.ID, 0, len(victims))
	for _, id := range victims {
		for hash, e := range m.headers {
			if cacheKey(hash) == id.Key {
				m.headerBytes.Sub(e.size)
				delete(m.headers, hash)
				evicted = append(evicted, id)
				break
			}
		}
	}
	return evicted
}

func (m *Manager) evictBlocks(victims []cache.ID) []cache.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := make([]cache.ID, 0, len(victims))
	for _, id := range victims {
		for hash, e := range m.blocks {
			if cacheKey(hash) == id.Key {
				m.blockBytes.Sub(e.size)
				delete(m.blocks, hash)
				evicted = append(evicted, id)
				break
			}
		}
	}
	return evicted
}

func (m *Manager) evictCompactBlocks(victims []cache.ID) []cache.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := make([]cache.ID, 0, len(victims))
	for _, id := range victims {
		for hash, e := range m.compactBlocks {
			if cacheKey(hash) == id.Key {
				m.compactBytes.Sub(e.size)
				delete(m.compactBlocks, hash)
				evicted = append(evicted, id)
				break
			}
		}
	}
	return evicted
}

func (m *Manager) evictReceipts(victims []cache.ID) []cache.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := make([]cache.ID, 0, len(victims))
	for _, id := range victims {
		for hash, e := range m.receipts {
			if cacheKey(hash) == id.Key {
				m.receiptBytes.Sub(e.size)
				delete(m.receipts, hash)
				evicted = append(evicted, id)
				break
			}
		}
	}
	return evicted
}

func (m *Manager) evictTxAddresses(victims []cache.ID) []cache.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := make([]cache.ID, 0, len(victims))
	for _, id := range victims {
		for hash, e := range m.txAddresses {
			if cacheKey(hash) == id.Key {
				m.txAddrBytes.Sub(e.size)
				delete(m.txAddresses, hash)
				evicted = append(evicted, id)
				break
			}
		}
	}
	return evicted
}

func (m *Manager) evictTxPubKeys(victims []cache.ID) []cache.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := make([]cache.ID, 0, len(victims))
	for _, id := range victims {
		for hash, e := range m.txPubKeys {
			if cacheKey(hash) == id.Key {
				m.pubKeyBytes.Sub(e.size)
				delete(m.txPubKeys, hash)
				evicted = append(evicted, id)
				break
			}
		}
	}
	return evicted
}
