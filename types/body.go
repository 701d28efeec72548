package types

import "github.com/ethereum/go-ethereum/rlp"

// BodyForStorage is the RLP shape stored in a body snapshot word: no
// transactions (those live in the transaction snapshot), just the range
// cross-reference and the uncle headers. Grounded on
// db.detail.BlockBodyForStorage / erigon's core/types.BodyForStorage, with
// BaseTxId/TxAmount renamed to BaseTxnID/TxnCount to match spec.md's
// naming.
type BodyForStorage struct {
	BaseTxnID uint64
	TxnCount  uint32
	Uncles    []*Header
}

// DecodeBodyWord RLP-decodes a body snapshot word (no hash prefix, unlike
// header/transaction words — spec.md §4.5).
func DecodeBodyWord(word []byte) (*BodyForStorage, error) {
	var b BodyForStorage
	if err := rlp.DecodeBytes(word, &b); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &b, nil
}
