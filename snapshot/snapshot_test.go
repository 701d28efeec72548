package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deffrian/silkworm/snaptype"
)

func TestNewPanicsOnInvertedRange(t *testing.T) {
	path := snaptype.From(t.TempDir(), snaptype.V1, 500_000, 0, snaptype.Headers)
	require.Panics(t, func() { New(path, 500_000, 0) })
}

func TestNewAcceptsEmptyRange(t *testing.T) {
	path := snaptype.From(t.TempDir(), snaptype.V1, 0, 0, snaptype.Headers)
	require.NotPanics(t, func() { New(path, 0, 0) })
}

func TestCursorChainingMatchesSequentialScan(t *testing.T) {
	dir := t.TempDir()
	path := snaptype.From(dir, snaptype.V1, 0, 500_000, snaptype.Headers)
	words := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma"), []byte("delta")}
	writeSegmentWords(t, path.Path(), words)

	s := New(path, 0, 500_000)
	require.NoError(t, s.ReopenSegment())
	defer s.Close()

	var sequential [][]byte
	cont, err := s.ForEachItem(func(item WordItem) bool {
		sequential = append(sequential, append([]byte(nil), item.Value...))
		return true
	})
	require.NoError(t, err)
	require.True(t, cont)
	require.Equal(t, words, sequential)

	var chained [][]byte
	offset := uint64(0)
	for {
		item := s.NextItem(offset)
		if item == nil {
			break
		}
		chained = append(chained, append([]byte(nil), item.Value...))
		offset = item.Offset
	}
	require.Equal(t, sequential, chained)
}

func TestForEachItemStopsEarly(t *testing.T) {
	dir := t.TempDir()
	path := snaptype.From(dir, snaptype.V1, 0, 500_000, snaptype.Headers)
	writeSegmentWords(t, path.Path(), [][]byte{[]byte("a"), []byte("b"), []byte("c")})

	s := New(path, 0, 500_000)
	require.NoError(t, s.ReopenSegment())
	defer s.Close()

	var seen int
	cont, err := s.ForEachItem(func(item WordItem) bool {
		seen++
		return seen < 2
	})
	require.NoError(t, err)
	require.False(t, cont)
	require.Equal(t, 2, seen)
}

func TestReopenSegmentIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := snaptype.From(dir, snaptype.V1, 0, 500_000, snaptype.Headers)
	writeSegmentWords(t, path.Path(), [][]byte{[]byte("only")})

	s := New(path, 0, 500_000)
	require.NoError(t, s.ReopenSegment())
	require.NoError(t, s.ReopenSegment())
	require.True(t, s.IsOpen())
	s.Close()
	require.False(t, s.IsOpen())
}
