package snapshot

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/deffrian/silkworm/recsplit"
	"github.com/deffrian/silkworm/snaptype"
	"github.com/deffrian/silkworm/types"
)

// TransactionSnapshot decodes transaction words and answers lookups by
// tx-hash and by tx-id, plus bounded range scans (spec.md §4.6). Word
// layout: tx_hash_first_byte(1) || sender_address(20) || tx_envelope_rlp.
type TransactionSnapshot struct {
	*Snapshot
	idxHash      *recsplit.Index // tx_hash -> ordinal, base_data_id = first_tx_id
	idxHashBlock *recsplit.Index // tx_hash -> block_number (auxiliary, optional)
}

// NewTransactionSnapshot constructs an inert TransactionSnapshot covering
// the tx-id range [from, to).
func NewTransactionSnapshot(path snaptype.Path, from, to uint64) *TransactionSnapshot {
	return &TransactionSnapshot{Snapshot: New(path, from, to)}
}

// HasIndex reports whether the primary tx-hash index is attached.
func (ts *TransactionSnapshot) HasIndex() bool { return ts.idxHash != nil }

// ReopenIndex closes any previously attached indices, then attempts to
// attach both the natural tx-hash index and the auxiliary
// tx-hash-to-block index, discarding either independently if stale or
// missing (spec.md §4.6, §4.7).
func (ts *TransactionSnapshot) ReopenIndex() error {
	ts.CloseIndex()
	if !ts.IsOpen() {
		return fmt.Errorf("snapshot: TransactionSnapshot.ReopenIndex: segment not open: %s", ts.Path().Path())
	}
	idxHash, err := openFreshIndex(ts.Path().IndexFile().Path(), ts.Decompressor().ModTime())
	if err != nil {
		return err
	}
	idxHashBlock, err := openFreshIndex(ts.Path().IndexFileForType(snaptype.Transactions2Block).Path(), ts.Decompressor().ModTime())
	if err != nil {
		return err
	}
	ts.idxHash = idxHash
	ts.idxHashBlock = idxHashBlock
	return nil
}

// CloseIndex releases both indices, if attached. Idempotent.
func (ts *TransactionSnapshot) CloseIndex() {
	if ts.idxHash != nil {
		ts.idxHash.Close()
		ts.idxHash = nil
	}
	if ts.idxHashBlock != nil {
		ts.idxHashBlock.Close()
		ts.idxHashBlock = nil
	}
}

// Close releases the indices, then the segment.
func (ts *TransactionSnapshot) Close() {
	ts.CloseIndex()
	ts.Snapshot.Close()
}

// NextTxn decodes one transaction at offset, always populating From from
// the word's embedded sender slot — matching the original decode_txn's
// unconditional sender-set, as opposed to the range-scan path below which
// only sets From when the caller asks (SPEC_FULL.md §12.3).
func (ts *TransactionSnapshot) NextTxn(offset uint64) (*types.Transaction, error) {
	item := ts.NextItem(offset)
	if item == nil {
		return nil, nil
	}
	tx, err := types.DecodeTxnWord(item.Value)
	if err != nil {
		return nil, nil
	}
	return tx, nil
}

// TxnByHash looks up a transaction by its hash. Returns (nil, nil) when no
// fresh index is attached or the hash isn't present: the decoded-hash
// confirmation is mandatory since the MPH never rejects non-members
// (spec.md §8 property 4).
func (ts *TransactionSnapshot) TxnByHash(hash common.Hash) (*types.Transaction, error) {
	if ts.idxHash == nil || ts.idxHash.Empty() {
		return nil, nil
	}
	ord := ts.idxHash.Lookup(hash[:])
	off := ts.idxHash.OrdinalLookup(ord)
	tx, err := ts.NextTxn(off)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, nil
	}
	if tx.Hash() != hash {
		return nil, nil
	}
	return tx, nil
}

// TxnByID looks up a transaction by its tx-id. Returns (nil, nil) when no
// index is attached or id falls outside the index's covered range.
func (ts *TransactionSnapshot) TxnByID(id uint64) (*types.Transaction, error) {
	if ts.idxHash == nil || id < ts.idxHash.BaseDataID() {
		return nil, nil
	}
	ord := id - ts.idxHash.BaseDataID()
	if ord >= ts.idxHash.KeyCount() {
		return nil, nil
	}
	off := ts.idxHash.OrdinalLookup(ord)
	return ts.NextTxn(off)
}

// BlockNumberByTxnHash answers "which block contains this transaction"
// using the auxiliary tx-hash-to-block index: its ordinal-to-offset table
// stores block numbers rather than byte offsets, reusing the same
// MphIndex layout for a different value domain (spec.md §4.6). The bool
// result is false when no fresh auxiliary index is attached; callers that
// need hash-membership confirmation should pair this with TxnByHash.
func (ts *TransactionSnapshot) BlockNumberByTxnHash(hash common.Hash) (uint64, bool, error) {
	if ts.idxHashBlock == nil || ts.idxHashBlock.Empty() {
		return 0, false, nil
	}
	ord := ts.idxHashBlock.Lookup(hash[:])
	return ts.idxHashBlock.OrdinalLookup(ord), true, nil
}

// ForEachTxn implements the bounded range scan of spec.md §4.6.1: starting
// at the offset for baseTxnID, it streams count records using each
// WordItem's next offset (not re-seeking through the index per record),
// splitting each word into its sender slice and RLP envelope and handing
// both to walker as byte views. Those views are valid only for the
// duration of the walker call — callers that need to retain the bytes
// must copy them.
//
// A missing record mid-scan or baseTxnID below the index's base data id
// is a *CorruptError: the index promised every one of these count records
// exists.
func (ts *TransactionSnapshot) ForEachTxn(baseTxnID uint64, count int, walker func(i int, sender, envelope []byte) bool) error {
	if ts.idxHash == nil || count == 0 {
		return nil
	}
	if baseTxnID < ts.idxHash.BaseDataID() {
		return &types.CorruptError{Reason: fmt.Sprintf("base_txn_id %d below index base_data_id %d", baseTxnID, ts.idxHash.BaseDataID())}
	}
	offset := ts.idxHash.OrdinalLookup(baseTxnID - ts.idxHash.BaseDataID())
	for i := 0; i < count; i++ {
		item := ts.NextItem(offset)
		if item == nil {
			return &types.CorruptError{Reason: fmt.Sprintf("txn range scan: missing record %d of %d (base_txn_id=%d)", i, count, baseTxnID)}
		}
		sender, envelope, err := types.SplitTxnWord(item.Value)
		if err != nil {
			return &types.CorruptError{Reason: "txn range scan: malformed word", Err: err}
		}
		if !walker(i, sender, envelope) {
			return nil
		}
		offset = item.Offset
	}
	return nil
}

// TxnRange decodes count transactions starting at baseTxnID into a slice
// of exactly count entries — the original's observed double-push per
// record (spec.md §9 Open Question) is not reproduced, per
// SPEC_FULL.md §12.4. From is populated from the sender slot only when
// readSenders is true.
func (ts *TransactionSnapshot) TxnRange(baseTxnID uint64, count int, readSenders bool) ([]*types.Transaction, error) {
	out := make([]*types.Transaction, 0, count)
	var decodeErr error
	err := ts.ForEachTxn(baseTxnID, count, func(i int, sender, envelope []byte) bool {
		tx, derr := types.DecodeTxnEnvelope(envelope, sender, readSenders)
		if derr != nil {
			decodeErr = &types.CorruptError{Reason: fmt.Sprintf("txn range: decode failed at index %d", i), Err: derr}
			return false
		}
		out = append(out, tx)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

// TxnRlpRange returns count raw payload byte strings starting at
// baseTxnID, with the envelope's type-byte prefix stripped where present
// (spec.md §4.6.1). Each entry is a fresh copy, safe to retain past the
// call.
func (ts *TransactionSnapshot) TxnRlpRange(baseTxnID uint64, count int) ([][]byte, error) {
	out := make([][]byte, 0, count)
	err := ts.ForEachTxn(baseTxnID, count, func(i int, sender, envelope []byte) bool {
		payload := types.EnvelopePayload(envelope)
		out = append(out, append([]byte(nil), payload...))
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
