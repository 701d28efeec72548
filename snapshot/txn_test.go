package snapshot

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"github.com/deffrian/silkworm/snaptype"
	"github.com/deffrian/silkworm/types"
)

func makeTxn(nonce uint64) *gethtypes.Transaction {
	return gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &common.Address{0xaa},
		Value:    big.NewInt(int64(nonce) * 1000),
		Gas:      21_000,
		GasPrice: big.NewInt(1_000_000_000),
	})
}

func encodeTxnWord(t *testing.T, tx *gethtypes.Transaction, sender common.Address) []byte {
	t.Helper()
	enc, err := tx.MarshalBinary()
	require.NoError(t, err)
	hash := tx.Hash()
	word := make([]byte, 0, 1+addressLenForTest+len(enc))
	word = append(word, hash[0])
	word = append(word, sender[:]...)
	word = append(word, enc...)
	return word
}

const addressLenForTest = 20

// buildTransactionSnapshot writes a transaction segment for tx-ids
// [baseTxnID, baseTxnID+count), each belonging to blockNumberFor(i), plus
// fresh tx-hash and tx-hash-to-block indices.
func buildTransactionSnapshot(t *testing.T, baseTxnID uint64, count int, blockNumberFor func(i int) uint64) (*TransactionSnapshot, []*gethtypes.Transaction, []common.Address) {
	t.Helper()
	dir := t.TempDir()
	path := snaptype.From(dir, snaptype.V1, baseTxnID, baseTxnID+uint64(count), snaptype.Transactions)

	var txns []*gethtypes.Transaction
	var senders []common.Address
	var words [][]byte
	var hashKeys [][]byte
	var offsets []uint64
	var blockNumbers []uint64
	offset := uint64(0)
	for i := 0; i < count; i++ {
		tx := makeTxn(baseTxnID + uint64(i))
		sender := common.BytesToAddress([]byte{byte(i + 1), 0x02, 0x03})
		txns = append(txns, tx)
		senders = append(senders, sender)
		word := encodeTxnWord(t, tx, sender)
		words = append(words, word)
		hash := tx.Hash()
		hashKeys = append(hashKeys, hash[:])
		offsets = append(offsets, offset)
		offset += uint64(segWordFrameLen(len(word)))
		blockNumbers = append(blockNumbers, blockNumberFor(i))
	}
	writeSegmentWords(t, path.Path(), words)
	buildHashIndex(t, path.IndexFile().Path(), baseTxnID, hashKeys, offsets)
	buildHashIndex(t, path.IndexFileForType(snaptype.Transactions2Block).Path(), baseTxnID, hashKeys, blockNumbers)

	ts := NewTransactionSnapshot(path, baseTxnID, baseTxnID+uint64(count))
	require.NoError(t, ts.ReopenSegment())
	require.NoError(t, ts.ReopenIndex())
	return ts, txns, senders
}

// TestTxnByIDAndHash implements spec.md S3: a tx-id lookup and the
// matching tx-hash lookup must agree on the same transaction.
func TestTxnByIDAndHash(t *testing.T) {
	ts, txns, senders := buildTransactionSnapshot(t, 1_000_000, 10, func(i int) uint64 { return 42 })
	defer ts.Close()

	byID, err := ts.TxnByID(1_000_005)
	require.NoError(t, err)
	require.NotNil(t, byID)
	require.Equal(t, txns[5].Hash(), byID.Hash())
	require.Equal(t, senders[5], byID.From)

	byHash, err := ts.TxnByHash(txns[5].Hash())
	require.NoError(t, err)
	require.NotNil(t, byHash)
	require.Equal(t, txns[5].Hash(), byHash.Hash())

	randomHash := common.HexToHash("0xfeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedface")
	none, err := ts.TxnByHash(randomHash)
	require.NoError(t, err)
	require.Nil(t, none)

	outOfRange, err := ts.TxnByID(999_999)
	require.NoError(t, err)
	require.Nil(t, outOfRange)

	pastEnd, err := ts.TxnByID(1_000_010)
	require.NoError(t, err)
	require.Nil(t, pastEnd)
}

func TestBlockNumberByTxnHash(t *testing.T) {
	ts, txns, _ := buildTransactionSnapshot(t, 2_000_000, 6, func(i int) uint64 { return 100 + uint64(i/2) })
	defer ts.Close()

	n, ok, err := ts.BlockNumberByTxnHash(txns[3].Hash())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(101), n)
}

// TestTxnRangeAndRlpRange implements spec.md S4: a bounded range scan
// decodes exactly count transactions, with senders populated only when
// requested, and the raw-RLP variant returns parseable payloads.
func TestTxnRangeAndRlpRange(t *testing.T) {
	ts, txns, senders := buildTransactionSnapshot(t, 3_000_000, 5, func(i int) uint64 { return 7 })
	defer ts.Close()

	withSenders, err := ts.TxnRange(3_000_000, 5, true)
	require.NoError(t, err)
	require.Len(t, withSenders, 5)
	for i, tx := range withSenders {
		require.Equal(t, txns[i].Hash(), tx.Hash())
		require.Equal(t, senders[i], tx.From)
	}

	withoutSenders, err := ts.TxnRange(3_000_000, 5, false)
	require.NoError(t, err)
	require.Len(t, withoutSenders, 5)
	for _, tx := range withoutSenders {
		require.Equal(t, common.Address{}, tx.From)
	}

	rlps, err := ts.TxnRlpRange(3_000_000, 5)
	require.NoError(t, err)
	require.Len(t, rlps, 5)
	for i, payload := range rlps {
		var decoded gethtypes.Transaction
		require.NoError(t, rlp.DecodeBytes(payload, &decoded))
		require.Equal(t, txns[i].Hash(), decoded.Hash())
	}
}

func TestForEachTxnMissingRecordIsCorrupt(t *testing.T) {
	ts, _, _ := buildTransactionSnapshot(t, 4_000_000, 3, func(i int) uint64 { return 1 })
	defer ts.Close()

	err := ts.ForEachTxn(4_000_000, 10, func(i int, sender, envelope []byte) bool { return true })
	require.Error(t, err)
	var ce *types.CorruptError
	require.ErrorAs(t, err, &ce)
}

func TestForEachTxnBelowBaseDataIDIsCorrupt(t *testing.T) {
	ts, _, _ := buildTransactionSnapshot(t, 5_000_000, 3, func(i int) uint64 { return 1 })
	defer ts.Close()

	err := ts.ForEachTxn(4_999_999, 1, func(i int, sender, envelope []byte) bool { return true })
	require.Error(t, err)
	var ce *types.CorruptError
	require.ErrorAs(t, err, &ce)
}
