package snapshot

import (
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"github.com/deffrian/silkworm/snaptype"
	"github.com/deffrian/silkworm/types"
)

func encodeBodyWord(t *testing.T, b *types.BodyForStorage) []byte {
	t.Helper()
	enc, err := rlp.EncodeToBytes(b)
	require.NoError(t, err)
	return enc
}

// buildBodySnapshot writes a body segment for blocks [from, to), each
// body i carrying BaseTxnID = baseTxnID(i) and TxnCount = txnCounts(i),
// plus a fresh block-number index when withIndex is true.
func buildBodySnapshot(t *testing.T, from, to uint64, txnCountFor func(number uint64) uint32, withIndex bool) (*BodySnapshot, map[uint64]uint64) {
	t.Helper()
	dir := t.TempDir()
	path := snaptype.From(dir, snaptype.V1, from, to, snaptype.Bodies)

	baseTxnIDs := make(map[uint64]uint64)
	var words [][]byte
	var keys [][]byte
	var offsets []uint64
	offset := uint64(0)
	nextTxnID := uint64(1_000_000)
	for n := from; n < to; n++ {
		count := txnCountFor(n)
		b := &types.BodyForStorage{BaseTxnID: nextTxnID, TxnCount: count}
		baseTxnIDs[n] = nextTxnID
		nextTxnID += uint64(count)
		word := encodeBodyWord(t, b)
		words = append(words, word)
		keys = append(keys, numberKey(n))
		offsets = append(offsets, offset)
		offset += uint64(segWordFrameLen(len(word)))
	}
	writeSegmentWords(t, path.Path(), words)

	bs := NewBodySnapshot(path, from, to)
	require.NoError(t, bs.ReopenSegment())
	if withIndex {
		buildHashIndex(t, path.IndexFile().Path(), from, keys, offsets)
		require.NoError(t, bs.ReopenIndex())
	}
	return bs, baseTxnIDs
}

func numberKey(n uint64) []byte {
	return []byte{byte(n >> 56), byte(n >> 48), byte(n >> 40), byte(n >> 32), byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

func TestBodySnapshotS2NoIndex(t *testing.T) {
	bs, _ := buildBodySnapshot(t, 0, 50, func(uint64) uint32 { return 2 }, false)
	defer bs.Close()

	got, err := bs.BodyByNumber(25)
	require.NoError(t, err)
	require.Nil(t, got)

	var numbers []uint64
	cont, err := bs.ForEachBody(func(number uint64, body *types.BodyForStorage) bool {
		numbers = append(numbers, number)
		return true
	})
	require.NoError(t, err)
	require.True(t, cont)
	require.Len(t, numbers, 50)
	for i, n := range numbers {
		require.Equal(t, uint64(i), n)
	}
}

func TestBodyByNumberWithIndex(t *testing.T) {
	bs, baseTxnIDs := buildBodySnapshot(t, 100, 105, func(uint64) uint32 { return 3 }, true)
	defer bs.Close()

	got, err := bs.BodyByNumber(102)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, baseTxnIDs[102], got.BaseTxnID)
	require.Equal(t, uint32(3), got.TxnCount)

	none, err := bs.BodyByNumber(105)
	require.NoError(t, err)
	require.Nil(t, none)
}

// TestComputeTxsAmountS5 implements spec.md S5: the aggregate total must
// equal the sum of TxnCount over every body in the range.
func TestComputeTxsAmountS5(t *testing.T) {
	counts := []uint32{2, 5, 0, 3, 7}
	i := 0
	bs, baseTxnIDs := buildBodySnapshot(t, 10, 15, func(uint64) uint32 {
		c := counts[i]
		i++
		return c
	}, false)
	defer bs.Close()

	firstTxID, total, err := bs.ComputeTxsAmount()
	require.NoError(t, err)
	require.Equal(t, baseTxnIDs[10], firstTxID)

	var want uint32
	for _, c := range counts {
		want += c
	}
	require.Equal(t, uint64(want), total)
}

func TestComputeTxsAmountEmptyRangeIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := snaptype.From(dir, snaptype.V1, 0, 0, snaptype.Bodies)
	writeSegmentWords(t, path.Path(), nil)

	bs := NewBodySnapshot(path, 0, 0)
	require.NoError(t, bs.ReopenSegment())
	defer bs.Close()

	_, _, err := bs.ComputeTxsAmount()
	require.Error(t, err)
	var ce *types.CorruptError
	require.ErrorAs(t, err, &ce)
}
