package types

import (
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Transaction wraps go-ethereum's own transaction envelope decoder (it
// already handles both the legacy RLP-list form and the EIP-2718
// type-byte-prefixed form via Transaction.DecodeRLP/UnmarshalBinary) and
// adds the sender address recovered from the snapshot word's 20-byte
// slot, since snapshot words carry the sender directly rather than a
// signature to recover it from.
type Transaction struct {
	*gethtypes.Transaction
	From common.Address
}

const addressLength = 20

// txRlpDataOffset is the byte offset of the RLP envelope within a
// transaction snapshot word: 1 hash-checksum byte + 20 sender-address
// bytes (spec.md §4.6).
const txRlpDataOffset = 1 + addressLength

// SplitTxnWord splits a transaction snapshot word into its sender-address
// slice and its RLP envelope, without copying or decoding. Used by the
// range-scan walker, which hands byte views straight to callers (spec.md
// §4.6.1).
func SplitTxnWord(word []byte) (sender, envelope []byte, err error) {
	if len(word) < txRlpDataOffset {
		return nil, nil, &CorruptError{Reason: "transaction word shorter than hash+sender prefix"}
	}
	return word[1:txRlpDataOffset], word[txRlpDataOffset:], nil
}

// DecodeTxnWord decodes a full transaction snapshot word into a
// Transaction, always populating From from the embedded sender slot
// (spec.md §12.3 / SPEC_FULL.md: next_txn's decode path is unconditional,
// unlike the range-scan path which only sets From when the caller asks).
func DecodeTxnWord(word []byte) (*Transaction, error) {
	sender, envelope, err := SplitTxnWord(word)
	if err != nil {
		return nil, err
	}
	var gt gethtypes.Transaction
	if err := gt.UnmarshalBinary(envelope); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &Transaction{Transaction: &gt, From: common.BytesToAddress(sender)}, nil
}

// DecodeTxnEnvelope RLP-decodes a transaction envelope (hash/sender prefix
// already stripped) into a Transaction, optionally setting From.
func DecodeTxnEnvelope(envelope []byte, sender []byte, setFrom bool) (*Transaction, error) {
	var gt gethtypes.Transaction
	if err := gt.UnmarshalBinary(envelope); err != nil {
		return nil, &DecodeError{Err: err}
	}
	tx := &Transaction{Transaction: &gt}
	if setFrom {
		tx.From = common.BytesToAddress(sender)
	}
	return tx, nil
}

// IsLegacyEnvelope reports whether a transaction envelope is the
// untyped, pre-EIP-2718 RLP-list form (first byte >= 0xc0) as opposed to
// type-byte-prefixed (first byte <= 0x7f) — the same discriminator
// go-ethereum's own Transaction.UnmarshalBinary uses.
func IsLegacyEnvelope(envelope []byte) bool {
	return len(envelope) == 0 || envelope[0] >= 0xc0
}

// EnvelopePayload strips the one-byte type prefix from a typed envelope,
// returning the raw payload bytes; legacy envelopes are returned as-is.
// Used by the RLP-only range scan (spec.md §4.6: "raw payload bytes,
// skipping the envelope type prefix where present").
func EnvelopePayload(envelope []byte) []byte {
	if IsLegacyEnvelope(envelope) {
		return envelope
	}
	return envelope[1:]
}
