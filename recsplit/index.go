// Package recsplit loads a static minimal-perfect-hash (MPH) index: the
// on-disk structure that maps a fixed key set of N domain keys to ordinals
// in [0, N) and those ordinals to byte offsets inside a companion segment.
// See spec.md §4.2.
//
// The on-disk key->ordinal layout here is a simplified, from-scratch
// "hash, displace, and compress" (CHD) construction rather than the
// teacher's RecSplit bit-packed Golomb-Rice/Elias-Fano format: the helper
// internals that format depends on (bijMemo, computeGolombRice's full
// body, GolombRiceReader, eliasfano16.DoubleEliasFano) were not present in
// the retrieval pack, only index.go's header-parsing shell and Lookup's
// control flow were. The ordinal->offset table, BaseDataID placement, and
// the bucket/fingerprint hashing step (murmur3.Sum128WithSeed) are
// grounded directly on erigon-lib/recsplit/index.go and
// erigon-lib/state/appendable.go's statelessHasher. See DESIGN.md.
package recsplit

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/ledgerwatch/log/v3"
	"github.com/spaolacci/murmur3"
)

// FormatError reports a bad magic/version or truncated index file.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string { return fmt.Sprintf("recsplit: %s: %s", e.Path, e.Err) }
func (e *FormatError) Unwrap() error { return e.Err }

const (
	magic         = "RSPL"
	formatVersion = 1
	// fixed header: magic(4) + version(1) + baseDataID(8) + keyCount(8) +
	// bytesPerRec(1) + bucketCount(8) + salt(4)
	fixedHeaderSize = 4 + 1 + 8 + 8 + 1 + 8 + 4
)

// Index is a read-only, memory-mapped MPH index.
type Index struct {
	path        string
	f           *os.File
	m           mmap.MMap
	data        []byte
	offsets     []byte // keyCount*bytesPerRec bytes, ordinal -> offset
	displace    []byte // bucketCount*2 bytes, bucket -> CHD displacement
	baseDataID  uint64
	keyCount    uint64
	bytesPerRec int
	recMask     uint64
	bucketCount uint64
	salt        uint32
	modTime     time.Time
	size        int64
}

// Open memory-maps indexFilePath and parses its header. Fails with
// *os.PathError on missing file, *FormatError on bad magic/version.
func Open(indexFilePath string) (*Index, error) {
	f, err := os.Open(indexFilePath)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat.Size() < int64(fixedHeaderSize) {
		f.Close()
		return nil, &FormatError{Path: indexFilePath, Err: fmt.Errorf("file too short: %d bytes", stat.Size())}
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	data := []byte(m)
	if string(data[:len(magic)]) != magic {
		m.Unmap()
		f.Close()
		return nil, &FormatError{Path: indexFilePath, Err: fmt.Errorf("bad magic")}
	}
	pos := len(magic)
	version := data[pos]
	pos++
	if version != formatVersion {
		m.Unmap()
		f.Close()
		return nil, &FormatError{Path: indexFilePath, Err: fmt.Errorf("unsupported version %d", version)}
	}

	idx := &Index{path: indexFilePath, f: f, m: m, data: data, modTime: stat.ModTime(), size: stat.Size()}
	idx.baseDataID = binary.BigEndian.Uint64(data[pos:])
	pos += 8
	idx.keyCount = binary.BigEndian.Uint64(data[pos:])
	pos += 8
	idx.bytesPerRec = int(data[pos])
	pos++
	idx.recMask = (uint64(1) << (8 * idx.bytesPerRec)) - 1
	idx.bucketCount = binary.BigEndian.Uint64(data[pos:])
	pos += 8
	idx.salt = binary.BigEndian.Uint32(data[pos:])
	pos += 4

	offsetsLen := int(idx.keyCount) * idx.bytesPerRec
	if pos+offsetsLen > len(data) {
		m.Unmap()
		f.Close()
		return nil, &FormatError{Path: indexFilePath, Err: fmt.Errorf("truncated offsets table")}
	}
	idx.offsets = data[pos : pos+offsetsLen]
	pos += offsetsLen

	displaceLen := int(idx.bucketCount) * 2
	if pos+displaceLen > len(data) {
		m.Unmap()
		f.Close()
		return nil, &FormatError{Path: indexFilePath, Err: fmt.Errorf("truncated displacement table")}
	}
	idx.displace = data[pos : pos+displaceLen]

	return idx, nil
}

// Close unmaps the index. Idempotent.
func (idx *Index) Close() {
	if idx == nil || idx.f == nil {
		return
	}
	if err := idx.m.Unmap(); err != nil {
		log.Warn("[recsplit] unmap", "err", err, "file", idx.path)
	}
	if err := idx.f.Close(); err != nil {
		log.Warn("[recsplit] close", "err", err, "file", idx.path)
	}
	idx.f = nil
	idx.m = nil
}

func (idx *Index) ModTime() time.Time { return idx.modTime }
func (idx *Index) BaseDataID() uint64 { return idx.baseDataID }
func (idx *Index) KeyCount() uint64   { return idx.keyCount }
func (idx *Index) Empty() bool        { return idx.keyCount == 0 }
func (idx *Index) Path() string       { return idx.path }

// Lookup returns an ordinal in [0, keyCount) for any input key. It is
// meaningful only if key was a member of the set the index was built
// over — callers must confirm by decoding the record at OrdinalLookup(ord)
// and comparing its true key (spec.md invariant 4).
func (idx *Index) Lookup(key []byte) uint64 {
	if idx.keyCount == 0 {
		panic("recsplit: Lookup called on empty index; check Empty() first")
	}
	if idx.keyCount == 1 {
		return 0
	}
	bucketHash, fingerprint := murmur3.Sum128WithSeed(key, idx.salt)
	bucket := bucketHash % idx.bucketCount
	d := binary.BigEndian.Uint16(idx.displace[bucket*2:])
	return chdSlot(fingerprint, d, idx.keyCount)
}

// chdSlot computes the hash-and-displace slot for a fingerprint given its
// bucket's displacement value. Shared by Lookup and the test-only CHD
// builder, which must agree on the exact mixing function.
func chdSlot(fingerprint uint64, displacement uint16, keyCount uint64) uint64 {
	mixed := fingerprint ^ (uint64(displacement) * 0x9E3779B97F4A7C15)
	mixed ^= mixed >> 33
	mixed *= 0xff51afd7ed558ccd
	mixed ^= mixed >> 33
	return mixed % keyCount
}

// OrdinalLookup returns the offset of the i-th element. Out-of-range
// ordinals are a contract violation (spec.md §4.2).
func (idx *Index) OrdinalLookup(i uint64) uint64 {
	pos := int(i) * idx.bytesPerRec
	// Read up to 8 bytes big-endian from a possibly-narrower record; pad
	// on the left like the teacher's recMask-based truncation.
	var buf [8]byte
	copy(buf[8-idx.bytesPerRec:], idx.offsets[pos:pos+idx.bytesPerRec])
	return binary.BigEndian.Uint64(buf[:]) & idx.recMask
}

// bytesPerRecFor returns the minimum byte width needed to store maxOffset,
// used by the test-only builder to pick bytesPerRec the same way the
// teacher's RewriteWithOffsets does (common.BitLenToByteLen(bits.Len64(...))).
func bytesPerRecFor(maxOffset uint64) int {
	n := (bits.Len64(maxOffset) + 7) / 8
	if n == 0 {
		n = 1
	}
	return n
}
