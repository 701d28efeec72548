// Package seg presents a segment file as a lazy, resumable sequence of
// variable-length words. See spec.md §4.1.
//
// Grounded on the call sites of erigon's compress.Decompressor
// (turbo/snapshotsync/block_snapshots.go: NewDecompressor, MakeGetter,
// Getter.{HasNext,Next,Reset,Skip}, Count, EnableReadAhead/DisableReadAhead)
// and on silkworm::huffman::Decompressor's read_ahead/make_iterator contract
// (snapshot.cpp). The byte-level codec itself is hand-written: the
// teacher's own Huffman pattern/position-table implementation was not part
// of the retrieval pack (only its callers were), so this package frames
// words with a plain length-prefix rather than reproducing undocumented
// Huffman tables — see DESIGN.md.
package seg

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/edsrzf/mmap-go"
)

const (
	magic         = "SSEG"
	formatVersion = 1
	headerSize    = len(magic) + 1 + 8 // magic + version + wordCount
)

// FormatError reports a malformed segment header or a truncated word
// stream — spec.md §7's FormatError.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string { return fmt.Sprintf("seg: %s: %s", e.Path, e.Err) }
func (e *FormatError) Unwrap() error { return e.Err }

// Decompressor memory-maps a segment file and hands out word iterators
// (Getter) over it. The zero value is not usable; construct with Open.
type Decompressor struct {
	path     string
	f        *os.File
	m        mmap.MMap
	data     []byte // mapped file contents
	body     []byte // data[headerSize:], where words live
	wordCnt  uint64
	modTime  time.Time
	open     bool
}

// Open memory-maps path and parses its header. Fails with *os.PathError
// (spec.md's IoError) if the file is missing, or *FormatError if the header
// is malformed.
func Open(path string) (*Decompressor, error) {
	d := &Decompressor{path: path}
	if err := d.mapFile(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Decompressor) mapFile() error {
	f, err := os.Open(d.path)
	if err != nil {
		return err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if stat.Size() < int64(headerSize) {
		f.Close()
		return &FormatError{Path: d.path, Err: fmt.Errorf("file too short: %d bytes", stat.Size())}
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return err
	}
	data := []byte(m)
	if string(data[:len(magic)]) != magic {
		m.Unmap()
		f.Close()
		return &FormatError{Path: d.path, Err: fmt.Errorf("bad magic")}
	}
	if data[len(magic)] != formatVersion {
		m.Unmap()
		f.Close()
		return &FormatError{Path: d.path, Err: fmt.Errorf("unsupported version %d", data[len(magic)])}
	}

	d.f = f
	d.m = m
	d.data = data
	d.wordCnt = binary.BigEndian.Uint64(data[len(magic)+1:])
	d.body = data[headerSize:]
	d.modTime = stat.ModTime()
	d.open = true
	return nil
}

// Close unmaps the segment. Idempotent.
func (d *Decompressor) Close() {
	if !d.open {
		return
	}
	_ = d.m.Unmap()
	_ = d.f.Close()
	d.m = nil
	d.f = nil
	d.data = nil
	d.body = nil
	d.open = false
}

// IsOpen reports whether the segment is currently mapped.
func (d *Decompressor) IsOpen() bool { return d.open }

// ModTime returns the segment file's last-modified time, used by MphIndex
// freshness checks (spec.md invariant 2).
func (d *Decompressor) ModTime() time.Time { return d.modTime }

// Count returns the number of words in the segment.
func (d *Decompressor) Count() uint64 { return d.wordCnt }

// Path returns the segment's filesystem path.
func (d *Decompressor) Path() string { return d.path }

// EnableReadAhead is a best-effort hint that a sequential scan is starting.
// edsrzf/mmap-go exposes no portable madvise, so unlike the teacher's
// EnableReadAhead/DisableReadAhead pair (backed by real madvise syscalls)
// this is a no-op kept only so callers can use the same
// "defer d.EnableReadAhead().DisableReadAhead()" idiom.
func (d *Decompressor) EnableReadAhead() *Decompressor { return d }

// DisableReadAhead is the paired no-op hint for random-access mode.
func (d *Decompressor) DisableReadAhead() {}

// ReadAhead invokes fn once with a fresh Getter positioned at the first
// word; the Getter is only valid for the duration of fn. Returns whatever
// fn returns. This is the batch/sequential-scan path, kept distinct from
// MakeGetter so callers can apply different prefetch policies to each (see
// spec.md §4.1's rationale).
func (d *Decompressor) ReadAhead(fn func(*Getter) bool) bool {
	defer d.EnableReadAhead().DisableReadAhead()
	return fn(d.MakeGetter())
}

// MakeGetter returns an iterator positioned at the first word. Iterators
// are short-lived, non-owning cursors into the decompressor's mapping;
// callers needing concurrent random access each create their own.
func (d *Decompressor) MakeGetter() *Getter {
	return &Getter{d: d, pos: 0}
}

// Getter is a forward word iterator over a Decompressor's mapping.
type Getter struct {
	d   *Decompressor
	pos uint64 // offset into d.body of the next word, or len(d.body) at EOF
}

// Reset jumps to an arbitrary word-start byte offset (relative to the start
// of the segment's word stream, i.e. the same offsets Next returns).
func (g *Getter) Reset(offset uint64) { g.pos = offset }

// HasNext reports whether there is at least one more word to decode.
func (g *Getter) HasNext() bool { return g.pos < uint64(len(g.d.body)) }

// Next decodes the word at the current position, appends it to buf and
// returns the extended slice along with the byte offset of the subsequent
// word. Panics with a *FormatError if pos is not a valid word-start or the
// stream is truncated.
func (g *Getter) Next(buf []byte) ([]byte, uint64) {
	v, next, err := g.next()
	if err != nil {
		panic(err)
	}
	return append(buf, v...), next
}

// TryNext is the error-returning counterpart of Next, used by callers that
// must treat a malformed offset as a recoverable condition rather than a
// panic — namely snapshot.Snapshot.NextItem, which resumes from
// caller-supplied offsets that may not be genuine word starts.
func (g *Getter) TryNext(buf []byte) ([]byte, uint64, error) {
	v, next, err := g.next()
	if err != nil {
		return nil, g.pos, err
	}
	return append(buf, v...), next, nil
}

// next is the error-returning core of Next; Skip reuses it without paying
// for the copy.
func (g *Getter) next() ([]byte, uint64, error) {
	body := g.d.body
	if g.pos >= uint64(len(body)) {
		return nil, g.pos, &FormatError{Path: g.d.path, Err: fmt.Errorf("read past end of segment at offset %d", g.pos)}
	}
	wordLen, n := binary.Uvarint(body[g.pos:])
	if n <= 0 {
		return nil, g.pos, &FormatError{Path: g.d.path, Err: fmt.Errorf("invalid word-start offset %d", g.pos)}
	}
	start := g.pos + uint64(n)
	end := start + wordLen
	if end > uint64(len(body)) {
		return nil, g.pos, &FormatError{Path: g.d.path, Err: fmt.Errorf("truncated word at offset %d", g.pos)}
	}
	g.pos = end
	return body[start:end], end, nil
}

// Skip advances past the current word without materializing its bytes,
// returning the next offset and the skipped word's length. Mirrors
// compress.Getter.Skip, used by index builders that only need offsets.
func (g *Getter) Skip() (uint64, uint64) {
	v, next, err := g.next()
	if err != nil {
		panic(err)
	}
	return next, uint64(len(v))
}
