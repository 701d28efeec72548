package snaptype

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileNameRoundTrip(t *testing.T) {
	p := From("/data", V1, 0, 500_000, Headers)
	require.Equal(t, "v1-000000-000500-headers.seg", p.FileName())

	parsed, err := Parse(p.Path())
	require.NoError(t, err)
	require.Equal(t, V1, parsed.Version)
	require.Equal(t, uint64(0), parsed.From)
	require.Equal(t, uint64(500_000), parsed.To)
	require.Equal(t, Headers, parsed.Kind)
	require.Equal(t, ".seg", parsed.Ext)
}

func TestIndexFile(t *testing.T) {
	p := From("/data", V1, 500_000, 1_000_000, Transactions)
	idx := p.IndexFile()
	require.Equal(t, "v1-000500-001000-transactions.idx", idx.FileName())

	aux := p.IndexFileForType(Transactions2Block)
	require.Equal(t, "v1-000500-001000-transactions2block.idx", aux.FileName())
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"garbage.seg",
		"v1-000000-headers.seg",
		"v1-000000-000500-headers.txt",
		"v1-0000-000500-headers.seg",
		"v1-000000-000500-bogus.seg",
	}
	for _, c := range cases {
		_, err := Parse(c)
		require.Error(t, err, c)
	}
}

func TestSegmentAndIdxFileName(t *testing.T) {
	require.Equal(t, "v1-001000-001500-bodies.seg", SegmentFileName(V1, 1_000_000, 1_500_000, Bodies))
	require.Equal(t, "v1-001000-001500-bodies.idx", IdxFileName(V1, 1_000_000, 1_500_000, Bodies))
}
