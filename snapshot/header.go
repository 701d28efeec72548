package snapshot

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/deffrian/silkworm/recsplit"
	"github.com/deffrian/silkworm/snaptype"
	"github.com/deffrian/silkworm/types"
)

// HeaderSnapshot decodes header words and answers lookups by hash and by
// block number (spec.md §4.4). Word layout: hash_first_byte(1) ||
// header_rlp.
type HeaderSnapshot struct {
	*Snapshot
	idx *recsplit.Index // block_hash -> ordinal, base_data_id = from_block
}

// NewHeaderSnapshot constructs an inert HeaderSnapshot over [from, to).
func NewHeaderSnapshot(path snaptype.Path, from, to uint64) *HeaderSnapshot {
	return &HeaderSnapshot{Snapshot: New(path, from, to)}
}

// HasIndex reports whether a fresh hash index is currently attached.
func (hs *HeaderSnapshot) HasIndex() bool { return hs.idx != nil }

// ReopenIndex closes any previously attached index, then attempts to
// attach the segment's natural companion hash index, discarding it if
// stale (spec.md §4.7).
func (hs *HeaderSnapshot) ReopenIndex() error {
	hs.CloseIndex()
	if !hs.IsOpen() {
		return fmt.Errorf("snapshot: HeaderSnapshot.ReopenIndex: segment not open: %s", hs.Path().Path())
	}
	idx, err := openFreshIndex(hs.Path().IndexFile().Path(), hs.Decompressor().ModTime())
	if err != nil {
		return err
	}
	hs.idx = idx
	return nil
}

// CloseIndex releases the hash index, if attached. Idempotent.
func (hs *HeaderSnapshot) CloseIndex() {
	if hs.idx != nil {
		hs.idx.Close()
		hs.idx = nil
	}
}

// Close releases the index, then the segment — index first, matching
// spec.md §3's lifecycle ("close() releases index then segment").
func (hs *HeaderSnapshot) Close() {
	hs.CloseIndex()
	hs.Snapshot.Close()
}

// NextHeader decodes one header at offset. Returns (nil, nil) when there
// is nothing at offset or the word fails to RLP-decode (treated as "not
// found", spec.md §7's DecodeError-to-None rule); returns a *CorruptError
// when the decoded header's number is below from_block — that's a
// structural mismatch between segment and range, not an absence.
func (hs *HeaderSnapshot) NextHeader(offset uint64) (*types.Header, error) {
	item := hs.NextItem(offset)
	if item == nil {
		return nil, nil
	}
	return hs.decodeHeader(item.Value, true)
}

func (hs *HeaderSnapshot) decodeHeader(word []byte, soft bool) (*types.Header, error) {
	h, err := types.DecodeHeaderWord(word)
	if err != nil {
		if soft {
			return nil, nil
		}
		return nil, &types.CorruptError{Reason: "header decode failed during sequential scan", Err: err}
	}
	if h.NumberU64() < hs.From() {
		return nil, &types.CorruptError{Reason: fmt.Sprintf("header number %d below snapshot base %d", h.NumberU64(), hs.From())}
	}
	return h, nil
}

// ForEachHeader sequentially decodes every header word in ascending
// block-number order, invoking walker(header) for each. Stops early when
// walker returns false. A decode failure or an out-of-range header number
// aborts the scan with an error — every word in the segment is assumed
// decodable, unlike a one-shot NextHeader at a caller-supplied offset.
func (hs *HeaderSnapshot) ForEachHeader(walker func(*types.Header) bool) (bool, error) {
	var scanErr error
	cont, err := hs.ForEachItem(func(item WordItem) bool {
		h, derr := hs.decodeHeader(item.Value, false)
		if derr != nil {
			scanErr = derr
			return false
		}
		return walker(h)
	})
	if err != nil {
		return false, err
	}
	if scanErr != nil {
		return false, scanErr
	}
	return cont, nil
}

// HeaderByHash looks up a header by its block hash. Returns (nil, nil)
// when no fresh index is attached or the hash isn't present: the MPH
// never rejects non-members, so a decoded-hash confirmation is mandatory
// before reporting a match (spec.md §8 property 4).
func (hs *HeaderSnapshot) HeaderByHash(hash common.Hash) (*types.Header, error) {
	if hs.idx == nil || hs.idx.Empty() {
		return nil, nil
	}
	ord := hs.idx.Lookup(hash[:])
	off := hs.idx.OrdinalLookup(ord)
	h, err := hs.NextHeader(off)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}
	if h.Hash() != hash {
		return nil, nil
	}
	return h, nil
}

// HeaderByNumber looks up a header by block number. Returns (nil, nil)
// when no index is attached or n falls outside [from_block, to_block).
// No post-decode confirmation is needed: the ordinal derived from n is
// dense and correct by construction, unlike a hash lookup.
func (hs *HeaderSnapshot) HeaderByNumber(n uint64) (*types.Header, error) {
	if hs.idx == nil || n < hs.From() || n >= hs.To() {
		return nil, nil
	}
	ord := n - hs.idx.BaseDataID()
	off := hs.idx.OrdinalLookup(ord)
	return hs.NextHeader(off)
}
