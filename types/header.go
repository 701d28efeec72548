// Package types holds the domain records the typed snapshot layer decodes:
// Header, BodyForStorage, and Transaction. See spec.md §3 and §4.4-§4.6.
package types

import (
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Header is a block header, RLP-decoded from a header snapshot word (after
// the leading hash-checksum byte is stripped). Field shape follows
// silkworm's BlockHeader / erigon's core/types.Header, renamed only where
// spec.md's naming register differs.
type Header struct {
	ParentHash  common.Hash
	UncleHash   common.Hash
	Coinbase    common.Address
	Root        common.Hash
	TxHash      common.Hash
	ReceiptHash common.Hash
	Bloom       [256]byte
	Difficulty  *big.Int
	Number      *big.Int
	GasLimit    uint64
	GasUsed     uint64
	Time        uint64
	Extra       []byte
	MixDigest   common.Hash
	Nonce       [8]byte
	BaseFee     *big.Int `rlp:"optional"`

	hash atomic.Value
}

// DecodeHeaderWord splits a header snapshot word into its checksum byte
// and the RLP-encoded header, then decodes the header. The checksum byte
// is discarded here (spec.md §4.4): comparing against the true hash is
// the caller's job.
func DecodeHeaderWord(word []byte) (*Header, error) {
	if len(word) == 0 {
		return nil, &CorruptError{Reason: "header word: hash first byte missing"}
	}
	var h Header
	if err := rlp.DecodeBytes(word[1:], &h); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &h, nil
}

// Hash returns the Keccak256 hash of the RLP-encoded header, memoized like
// erigon's own Header.Hash.
func (h *Header) Hash() common.Hash {
	if v := h.hash.Load(); v != nil {
		return v.(common.Hash)
	}
	enc, err := rlp.EncodeToBytes(h)
	if err != nil {
		return common.Hash{}
	}
	hash := crypto.Keccak256Hash(enc)
	h.hash.Store(hash)
	return hash
}

// NumberU64 returns the block number as a uint64, for range/ordinal math
// against from_block/to_block.
func (h *Header) NumberU64() uint64 {
	if h.Number == nil {
		return 0
	}
	return h.Number.Uint64()
}
