// Package snapshot implements the typed read-path layer over segment files
// and their companion MPH indices: the base Snapshot lifecycle (open,
// close, sequential scan, resumable one-shot read) plus the three domain
// specializations in header.go, body.go and txn.go. See spec.md §4.3-§4.6.
//
// Grounded line-for-line on silkworm::snapshot::Snapshot /
// HeaderSnapshot / BodySnapshot / TransactionSnapshot (snapshot.cpp, the
// "shown source fragment" spec.md §2 refers to), generalized into the
// (value, nil)/(nil, nil)-for-absent idiom used throughout
// turbo/snapshotsync/freezeblocks/block_reader.go.
package snapshot

import (
	"fmt"
	"os"
	"time"

	"github.com/ledgerwatch/log/v3"

	"github.com/deffrian/silkworm/recsplit"
	"github.com/deffrian/silkworm/seg"
	"github.com/deffrian/silkworm/snaptype"
)

// WordItem is one decoded record pulled from a segment's word stream,
// together with its position in the stream and the byte offset of the
// word that follows it (spec.md §3).
type WordItem struct {
	Value    []byte
	Offset   uint64 // byte offset of the *next* word
	Position uint64 // zero-based index of this word within the segment
}

// Snapshot owns a path, a block range and a Decompressor. Every typed
// snapshot (HeaderSnapshot, BodySnapshot, TransactionSnapshot) embeds one.
// It is inert until ReopenSegment maps the segment (spec.md §4.3).
type Snapshot struct {
	path     snaptype.Path
	from, to uint64
	d        *seg.Decompressor
}

// New constructs a Snapshot over the half-open range [from, to). Panics if
// to < from: a construction-time range violation is a caller bug, matching
// the original's ensure(...) abort semantics (spec.md §8 property 1,
// DESIGN.md Open Question resolution 3).
func New(path snaptype.Path, from, to uint64) *Snapshot {
	if to < from {
		panic(fmt.Sprintf("snapshot: to_block (%d) < from_block (%d) for %s", to, from, path.Path()))
	}
	return &Snapshot{path: path, from: from, to: to}
}

// Path returns the snapshot's canonical segment path.
func (s *Snapshot) Path() snaptype.Path { return s.path }

// From returns the inclusive lower bound of the covered range.
func (s *Snapshot) From() uint64 { return s.from }

// To returns the exclusive upper bound of the covered range.
func (s *Snapshot) To() uint64 { return s.to }

// IsOpen reports whether the segment is currently mapped.
func (s *Snapshot) IsOpen() bool { return s.d != nil && s.d.IsOpen() }

// Decompressor exposes the underlying word stream, for typed snapshots
// that need to reach it directly (index staleness checks against
// ModTime()).
func (s *Snapshot) Decompressor() *seg.Decompressor { return s.d }

// ReopenSegment closes any previously open segment, then opens the one at
// Path(). Idempotent: reopen is always close-then-open.
func (s *Snapshot) ReopenSegment() error {
	s.CloseSegment()
	d, err := seg.Open(s.path.Path())
	if err != nil {
		return err
	}
	s.d = d
	return nil
}

// CloseSegment unmaps the segment. Idempotent.
func (s *Snapshot) CloseSegment() {
	if s.d != nil {
		s.d.Close()
		s.d = nil
	}
}

// Close releases the segment. Typed snapshots override this to close
// their indices first.
func (s *Snapshot) Close() { s.CloseSegment() }

// ForEachItem sequentially scans every word via the Decompressor's batch
// read-ahead path, invoking fn(item) per word in segment order. Returns
// (false, nil) as soon as fn returns false; (true, nil) on exhaustion.
// A malformed segment stream surfaces here as an error rather than a
// panic: seg.Getter.Next panics on a truncated/misaligned word because a
// corrupt segment file is fatal to the whole scan, but a long-lived
// caller of this library should get that news as a normal error return
// rather than a crash (DESIGN.md Open Question resolution 3).
func (s *Snapshot) ForEachItem(fn func(WordItem) bool) (cont bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*seg.FormatError); ok {
				cont, err = false, fe
				return
			}
			panic(r)
		}
	}()
	var position uint64
	cont = s.d.ReadAhead(func(g *seg.Getter) bool {
		for g.HasNext() {
			v, offset := g.Next(nil)
			item := WordItem{Value: v, Offset: offset, Position: position}
			position++
			if !fn(item) {
				return false
			}
		}
		return true
	})
	return cont, nil
}

// NextItem creates a short-lived Getter, resets it to offset and decodes
// one word. Returns nil on has_next() == false or on a decode failure — a
// corrupt or out-of-range offset is treated as "not found" at this layer
// rather than propagated as an error, and the failure is only logged
// (spec.md §4.3). The returned WordItem's Offset is the *next* offset,
// enabling cursor chaining: repeatedly feeding it back reproduces the
// sequential scan order (spec.md §8 property 5).
func (s *Snapshot) NextItem(offset uint64) *WordItem {
	g := s.d.MakeGetter()
	g.Reset(offset)
	if !g.HasNext() {
		return nil
	}
	v, next, err := g.TryNext(nil)
	if err != nil {
		log.Warn("[snapshot] decode failure at offset, treating as not found", "path", s.path.Path(), "offset", offset, "err", err)
		return nil
	}
	return &WordItem{Value: v, Offset: next}
}

// openFreshIndex opens the index file at path and returns it if its mtime
// is not older than segMTime. A missing file or a stale index both yield
// (nil, nil): spec.md §4.7 treats either as "absent", leaving the owning
// typed snapshot in segment-only mode (sequential scans still work, keyed
// lookups return nil). Any other failure (bad magic, truncated header,
// permission error) propagates.
func openFreshIndex(path string, segMTime time.Time) (*recsplit.Index, error) {
	idx, err := recsplit.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if idx.ModTime().Before(segMTime) {
		log.Warn("[snapshot] stale index, treating as absent", "path", path, "indexMTime", idx.ModTime(), "segmentMTime", segMTime)
		idx.Close()
		return nil, nil
	}
	return idx, nil
}
