package snapshot

import (
	"fmt"

	"github.com/deffrian/silkworm/recsplit"
	"github.com/deffrian/silkworm/snaptype"
	"github.com/deffrian/silkworm/types"
)

// BodySnapshot decodes body-for-storage words and answers lookups by
// block number (spec.md §4.5). Word layout: body-for-storage RLP, no hash
// prefix.
type BodySnapshot struct {
	*Snapshot
	idx *recsplit.Index // block_number -> ordinal, base_data_id = from_block
}

// NewBodySnapshot constructs an inert BodySnapshot over [from, to).
func NewBodySnapshot(path snaptype.Path, from, to uint64) *BodySnapshot {
	return &BodySnapshot{Snapshot: New(path, from, to)}
}

// HasIndex reports whether a fresh block-number index is attached.
func (bs *BodySnapshot) HasIndex() bool { return bs.idx != nil }

// ReopenIndex closes any previously attached index, then attempts to
// attach the segment's natural companion index, discarding it if stale.
func (bs *BodySnapshot) ReopenIndex() error {
	bs.CloseIndex()
	if !bs.IsOpen() {
		return fmt.Errorf("snapshot: BodySnapshot.ReopenIndex: segment not open: %s", bs.Path().Path())
	}
	idx, err := openFreshIndex(bs.Path().IndexFile().Path(), bs.Decompressor().ModTime())
	if err != nil {
		return err
	}
	bs.idx = idx
	return nil
}

// CloseIndex releases the index, if attached. Idempotent.
func (bs *BodySnapshot) CloseIndex() {
	if bs.idx != nil {
		bs.idx.Close()
		bs.idx = nil
	}
}

// Close releases the index, then the segment.
func (bs *BodySnapshot) Close() {
	bs.CloseIndex()
	bs.Snapshot.Close()
}

// NextBody decodes one body at offset. Returns (nil, nil) on absence or
// decode failure; returns a *CorruptError when the decoded body's
// BaseTxnID falls below the attached index's base data id — spec.md
// §4.5's "wrong index paired with segment" check.
func (bs *BodySnapshot) NextBody(offset uint64) (*types.BodyForStorage, error) {
	item := bs.NextItem(offset)
	if item == nil {
		return nil, nil
	}
	b, err := types.DecodeBodyWord(item.Value)
	if err != nil {
		return nil, nil
	}
	if bs.idx != nil && b.BaseTxnID < bs.idx.BaseDataID() {
		return nil, &types.CorruptError{Reason: fmt.Sprintf("body base_txn_id %d below index base_data_id %d", b.BaseTxnID, bs.idx.BaseDataID())}
	}
	return b, nil
}

// ForEachBody sequentially decodes every body word, in ascending block
// order, invoking walker(number, body) with number = from_block +
// item.Position. A decode failure aborts the scan with a *CorruptError.
func (bs *BodySnapshot) ForEachBody(walker func(number uint64, body *types.BodyForStorage) bool) (bool, error) {
	var scanErr error
	cont, err := bs.ForEachItem(func(item WordItem) bool {
		b, derr := types.DecodeBodyWord(item.Value)
		if derr != nil {
			scanErr = &types.CorruptError{Reason: "body decode failed during sequential scan", Err: derr}
			return false
		}
		return walker(bs.From()+item.Position, b)
	})
	if err != nil {
		return false, err
	}
	if scanErr != nil {
		return false, scanErr
	}
	return cont, nil
}

// BodyByNumber looks up a body by block number. Returns (nil, nil) when
// no index is attached or n falls outside [from_block, to_block).
func (bs *BodySnapshot) BodyByNumber(n uint64) (*types.BodyForStorage, error) {
	if bs.idx == nil || n < bs.From() || n >= bs.To() {
		return nil, nil
	}
	ord := n - bs.idx.BaseDataID()
	off := bs.idx.OrdinalLookup(ord)
	return bs.NextBody(off)
}

// ComputeTxsAmount scans every body in the range, capturing the first
// body's BaseTxnID and the last body's (BaseTxnID, TxnCount), and returns
// (first_tx_id, total_tx_count) where total is derived as
// last_tx_id + last_txs_amount - first_tx_id (spec.md §4.5). Fails with
// *CorruptError if the scan produces no records (an empty range), or
// propagates whatever error the underlying scan hit.
func (bs *BodySnapshot) ComputeTxsAmount() (firstTxID, total uint64, err error) {
	var haveFirst, haveLast bool
	var lastTxID uint64
	var lastCount uint32
	_, err = bs.ForEachBody(func(number uint64, b *types.BodyForStorage) bool {
		if number == bs.From() {
			firstTxID = b.BaseTxnID
			haveFirst = true
		}
		if number == bs.To()-1 {
			lastTxID = b.BaseTxnID
			lastCount = b.TxnCount
			haveLast = true
		}
		return true
	})
	if err != nil {
		return 0, 0, err
	}
	if !haveFirst || !haveLast {
		return 0, 0, &types.CorruptError{Reason: "compute_txs_amount: scan produced no records"}
	}
	return firstTxID, lastTxID + uint64(lastCount) - firstTxID, nil
}
