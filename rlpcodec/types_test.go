package rlpcodec

import (
	"math/big"
	"testing"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/dagchain/corestore/common"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{
		ParentHash:           common.HashData([]byte("parent")),
		Height:               42,
		DeferredReceiptsRoot: common.HashData([]byte("receipts")),
		DeferredStateRoot:    common.HashData([]byte("state")),
		Difficulty:           big.NewInt(123456),
		Timestamp:            1000,
		PowNonce:             7,
	}
	enc, err := EncodeHeader(h)
	require.NoError(t, err)
	got, err := DecodeHeader(enc)
	require.NoError(t, err)
	require.Equal(t, h.Height, got.Height)
	require.Equal(t, h.ParentHash, got.ParentHash)
	require.Equal(t, 0, h.Difficulty.Cmp(got.Difficulty))
}

func TestBodyEncodeDecodeRoundTrip(t *testing.T) {
	to := common.Address{0x01}
	b := &Body{Transactions: []*Transaction{
		{Nonce: 1, To: &to, Value: big.NewInt(10), GasLimit: 21000, GasPrice: big.NewInt(1), Payload: []byte("x"), V: big.NewInt(27), R: big.NewInt(1), S: big.NewInt(2)},
		{Nonce: 2, To: nil, Value: big.NewInt(0), GasLimit: 50000, GasPrice: big.NewInt(2), Payload: []byte("deploy"), V: big.NewInt(28), R: big.NewInt(3), S: big.NewInt(4)},
	}}
	enc, err := EncodeBody(b)
	require.NoError(t, err)
	got, err := DecodeBody(enc)
	require.NoError(t, err)
	require.Len(t, got.Transactions, 2)
	require.Equal(t, to, *got.Transactions[0].To)
	require.Nil(t, got.Transactions[1].To)
}

func TestAggregateBloomOrFolds(t *testing.T) {
	var b1, b2 ethtypes.Bloom
	b1[0] = 0x0F
	b2[0] = 0xF0
	agg := AggregateBloom([]*Receipt{{Bloom: b1}, {Bloom: b2}})
	require.Equal(t, byte(0xFF), agg[0])
}

func TestBlockReceiptsInfoRetainEpoch(t *testing.T) {
	info := &BlockReceiptsInfo{}
	epochA := common.HashData([]byte("a"))
	epochB := common.HashData([]byte("b"))
	info.Upsert(EpochReceipts{Epoch: epochA, Receipts: []*Receipt{{Outcome: OutcomeSuccess}}})
	info.Upsert(EpochReceipts{Epoch: epochB, Receipts: []*Receipt{{Outcome: OutcomeFailure}}})
	require.Len(t, info.Entries, 2)

	ok := info.RetainEpoch(epochA)
	require.True(t, ok)
	require.Len(t, info.Entries, 1)
	require.Equal(t, epochA, info.Entries[0].Epoch)
}

func TestBlockReceiptsInfoEncodeDecodeRoundTrip(t *testing.T) {
	var bloom ethtypes.Bloom
	bloom[1] = 0xAB
	info := &BlockReceiptsInfo{Entries: []EpochReceipts{
		{Epoch: common.HashData([]byte("e1")), Receipts: []*Receipt{
			{TxHash: common.HashData([]byte("tx1")), Outcome: OutcomeSuccess, GasUsed: 21000, Bloom: bloom},
		}, Bloom: bloom},
	}}
	enc, err := EncodeBlockReceiptsInfo(info)
	require.NoError(t, err)
	got, err := DecodeBlockReceiptsInfo(enc)
	require.NoError(t, err)
	require.Len(t, got.Entries, 1)
	require.Equal(t, info.Entries[0].Epoch, got.Entries[0].Epoch)
	require.Equal(t, info.Entries[0].Receipts[0].TxHash, got.Entries[0].Receipts[0].TxHash)
	require.Equal(t, bloom, got.Entries[0].Bloom)
}

func TestTransactionAddressEncodeDecodeRoundTrip(t *testing.T) {
	a := &TransactionAddress{BlockHash: common.HashData([]byte("block")), Index: 3}
	enc, err := EncodeTransactionAddress(a)
	require.NoError(t, err)
	got, err := DecodeTransactionAddress(enc)
	require.NoError(t, err)
	require.Equal(t, a, got)
}
