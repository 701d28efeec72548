package snapshot

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/spaolacci/murmur3"
	"github.com/stretchr/testify/require"
)

// This file builds on-disk segment and index fixtures for the scenario
// tests below. Packing segments and building MPH indices are both out of
// scope for this library (spec.md §1 Non-goals), so these writers
// duplicate just enough of seg's and recsplit's wire-format knowledge to
// produce files those packages can read back — the same approach
// seg/decompressor_test.go and recsplit/index_test.go take for their own
// fixtures. The CHD solve mirrors recsplit's internal chdSlot exactly
// (recsplit/index.go) since it isn't exported across package boundaries.

const (
	segMagic         = "SSEG"
	segFormatVersion = 1
	segHeaderSize    = len(segMagic) + 1 + 8

	idxMagic            = "RSPL"
	idxFormatVersion    = 1
	idxFixedHeaderSize  = 4 + 1 + 8 + 8 + 1 + 8 + 4
	idxSalt             = uint32(0xC0FFEE)
)

func writeSegmentWords(t *testing.T, path string, words [][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString(segMagic)
	require.NoError(t, err)
	_, err = f.Write([]byte{segFormatVersion})
	require.NoError(t, err)

	var cntBuf [8]byte
	binary.BigEndian.PutUint64(cntBuf[:], uint64(len(words)))
	_, err = f.Write(cntBuf[:])
	require.NoError(t, err)

	var lenBuf [binary.MaxVarintLen64]byte
	for _, w := range words {
		n := binary.PutUvarint(lenBuf[:], uint64(len(w)))
		_, err = f.Write(lenBuf[:n])
		require.NoError(t, err)
		_, err = f.Write(w)
		require.NoError(t, err)
	}
}

func chdSlotForTest(fingerprint uint64, displacement uint16, keyCount uint64) uint64 {
	mixed := fingerprint ^ (uint64(displacement) * 0x9E3779B97F4A7C15)
	mixed ^= mixed >> 33
	mixed *= 0xff51afd7ed558ccd
	mixed ^= mixed >> 33
	return mixed % keyCount
}

func bytesPerRecForTest(maxOffset uint64) int {
	n := 0
	for v := maxOffset; v > 0; v >>= 8 {
		n++
	}
	if n == 0 {
		n = 1
	}
	return n
}

// chdMember is one key's bucket-assignment bookkeeping for buildHashIndex.
type chdMember struct {
	idx         int
	fingerprint uint64
}

// buildHashIndex writes a recsplit-compatible index mapping each keys[i]
// to offsets[i], with the given base data id. Unlike a general CHD solve
// (any collision-free permutation), this assigns ordinal i to keys[i]
// directly — i.e. idx.Lookup(keys[i]) == i — so that this package's
// direct-arithmetic lookups (HeaderByNumber, BodyByNumber, TxnByID, which
// compute the ordinal as domainKey-baseDataID without calling Lookup at
// all) read the same table row that a hash lookup of keys[i] would land
// on. This mirrors what a real packer's index-build step guarantees by
// construction (spec.md §4.4: "ordinal is dense and correct by
// construction"); a generic from-scratch CHD builder would need the far
// more complex rank/enumeration indirection layer called out in
// DESIGN.md's recsplit section. Bucket count is chosen large relative to
// key count so that, in practice, every bucket holds at most one member
// and the per-bucket displacement search (single target equation) always
// terminates quickly; a handful of salts are tried as a fallback.
func buildHashIndex(t *testing.T, path string, baseDataID uint64, keys [][]byte, offsets []uint64) {
	t.Helper()
	require.Equal(t, len(keys), len(offsets))
	keyCount := uint64(len(keys))

	bucketCount := keyCount
	if bucketCount == 0 {
		bucketCount = 1
	}

	var displacement []uint16
	var salt uint32
	if keyCount > 1 {
		bucketCount = keyCount*keyCount + 16
		found := false
		for attempt := uint32(0); attempt < 64 && !found; attempt++ {
			salt = idxSalt + attempt
			buckets := make(map[uint64][]chdMember, keyCount)
			for i, k := range keys {
				bh, fp := murmur3.Sum128WithSeed(k, salt)
				b := bh % bucketCount
				buckets[b] = append(buckets[b], chdMember{idx: i, fingerprint: fp})
			}

			d := make([]uint16, bucketCount)
			ok := true
			for b, members := range buckets {
				if len(members) > 2 {
					ok = false
					break
				}
				if !solveBucketTargets(d, b, members, keyCount) {
					ok = false
					break
				}
			}
			if ok {
				displacement = d
				found = true
			}
		}
		require.True(t, found, "could not build an order-preserving CHD index for %d keys", keyCount)
	} else {
		salt = idxSalt
		displacement = make([]uint16, bucketCount)
	}

	var maxOffset uint64
	for _, o := range offsets {
		if o > maxOffset {
			maxOffset = o
		}
	}
	bytesPerRec := bytesPerRecForTest(maxOffset)

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString(idxMagic)
	require.NoError(t, err)
	_, err = f.Write([]byte{idxFormatVersion})
	require.NoError(t, err)

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], baseDataID)
	_, err = f.Write(u64[:])
	require.NoError(t, err)
	binary.BigEndian.PutUint64(u64[:], keyCount)
	_, err = f.Write(u64[:])
	require.NoError(t, err)
	_, err = f.Write([]byte{byte(bytesPerRec)})
	require.NoError(t, err)
	binary.BigEndian.PutUint64(u64[:], bucketCount)
	_, err = f.Write(u64[:])
	require.NoError(t, err)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], salt)
	_, err = f.Write(u32[:])
	require.NoError(t, err)

	// Ordinal i is assigned directly to keys[i], so the offsets table is
	// just offsets, in order — no CHD-slot permutation needed.
	for _, off := range offsets {
		binary.BigEndian.PutUint64(u64[:], off)
		_, err = f.Write(u64[8-bytesPerRec:])
		require.NoError(t, err)
	}

	var u16 [2]byte
	for _, d := range displacement {
		binary.BigEndian.PutUint16(u16[:], d)
		_, err = f.Write(u16[:])
		require.NoError(t, err)
	}
}

// solveBucketTargets finds a displacement for bucket b such that every
// member maps (via chdSlotForTest) to its own preassigned target ordinal
// (its insertion index), and records it in d[b]. Returns false if no
// displacement in [0, 65535] satisfies every member simultaneously.
func solveBucketTargets(d []uint16, b uint64, members []chdMember, keyCount uint64) bool {
	var disp uint16
	for {
		ok := true
		for _, m := range members {
			if chdSlotForTest(m.fingerprint, disp, keyCount) != uint64(m.idx) {
				ok = false
				break
			}
		}
		if ok {
			d[b] = disp
			return true
		}
		disp++
		if disp == 0 {
			return false
		}
	}
}
