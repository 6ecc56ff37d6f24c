// Package checkpoint implements the total order over chain history that the
// rest of the core is built on: (blockTimestamp, chainId, blockNumber,
// transactionIndex, logIndex), encoded as a fixed-width, lex-sortable string.
package checkpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Latest is the sentinel that sorts strictly greater than every encoded
// checkpoint. It is stored literally (not NULL) in effectiveToCheckpoint
// columns so that ordinary string comparison keeps working across the
// current/historical boundary.
const Latest = "latest"

// field widths chosen so the encoded string never overflows: a unix-ms
// timestamp fits in 14 digits well past the year 5000, chain ids and tx/log
// indexes are given generous headroom, and block numbers get 20 digits
// (enough for a uint64). Fields are written back to back with no separator,
// so the total width is fixed at 1 (tag) + 14 + 10 + 20 + 9 + 10 = 64,
// comfortably above the spec's 58-character floor.
const (
	widthTimestamp = 14
	widthChainID   = 10
	widthBlockNum  = 20
	widthTxIndex   = 9
	widthLogIndex  = 10

	// encodedTag prefixes every real encoding. It is a digit so that it
	// sorts below the 'l' of "latest" in byte-lex order, guaranteeing the
	// sentinel never collides with, and always sorts after, an encoding.
	encodedTag = '0'
)

// EncodedLen is the exact length of every encode() output.
const EncodedLen = 1 + widthTimestamp + widthChainID + widthBlockNum + widthTxIndex + widthLogIndex

// Checkpoint is a totally-ordered position in chain history. Values are
// immutable; there is exactly one Checkpoint per event processed.
type Checkpoint struct {
	BlockTimestamp   uint64
	ChainID          uint64
	BlockNumber      uint64
	TransactionIndex uint64
	LogIndex         uint64
}

// Zero is the checkpoint that sorts before any real event.
func Zero() Checkpoint {
	return Checkpoint{}
}

// Tuple returns the ordered comparison tuple, mainly useful for logging and
// for the reference comparison used in property tests.
func (c Checkpoint) Tuple() [5]uint64 {
	return [5]uint64{c.BlockTimestamp, c.ChainID, c.BlockNumber, c.TransactionIndex, c.LogIndex}
}

// Compare returns -1, 0, or 1 the way the tuple order would, without going
// through the string encoding. Encode/Compare must always agree; this is
// exercised directly by the property tests.
func (c Checkpoint) Compare(o Checkpoint) int {
	at, bt := c.Tuple(), o.Tuple()
	for i := range at {
		if at[i] < bt[i] {
			return -1
		}
		if at[i] > bt[i] {
			return 1
		}
	}
	return 0
}

// Encode renders c as a fixed-width, lex-sortable string. It is a pure
// function: the same Checkpoint always encodes to the same string, in any
// process.
func Encode(c Checkpoint) string {
	var b strings.Builder
	b.Grow(EncodedLen)
	b.WriteByte(encodedTag)
	writePadded(&b, c.BlockTimestamp, widthTimestamp)
	writePadded(&b, c.ChainID, widthChainID)
	writePadded(&b, c.BlockNumber, widthBlockNum)
	writePadded(&b, c.TransactionIndex, widthTxIndex)
	writePadded(&b, c.LogIndex, widthLogIndex)
	return b.String()
}

func writePadded(b *strings.Builder, v uint64, width int) {
	s := strconv.FormatUint(v, 10)
	for i := len(s); i < width; i++ {
		b.WriteByte('0')
	}
	b.WriteString(s)
}

// Decode is the inverse of Encode. Decoding the Latest sentinel is an error;
// callers must check for it separately (IsLatest).
func Decode(s string) (Checkpoint, error) {
	if s == Latest {
		return Checkpoint{}, fmt.Errorf("checkpoint: %q is the latest sentinel, not a decodable value", s)
	}
	if len(s) != EncodedLen {
		return Checkpoint{}, fmt.Errorf("checkpoint: encoded value has length %d, want %d", len(s), EncodedLen)
	}
	if s[0] != encodedTag {
		return Checkpoint{}, fmt.Errorf("checkpoint: unexpected tag byte %q", s[0])
	}
	pos := 1
	ts, err := readField(s, &pos, widthTimestamp)
	if err != nil {
		return Checkpoint{}, err
	}
	chainID, err := readField(s, &pos, widthChainID)
	if err != nil {
		return Checkpoint{}, err
	}
	blockNum, err := readField(s, &pos, widthBlockNum)
	if err != nil {
		return Checkpoint{}, err
	}
	txIndex, err := readField(s, &pos, widthTxIndex)
	if err != nil {
		return Checkpoint{}, err
	}
	logIndex, err := readField(s, &pos, widthLogIndex)
	if err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{
		BlockTimestamp:   ts,
		ChainID:          chainID,
		BlockNumber:      blockNum,
		TransactionIndex: txIndex,
		LogIndex:         logIndex,
	}, nil
}

func readField(s string, pos *int, width int) (uint64, error) {
	end := *pos + width
	field := s[*pos:end]
	*pos = end
	v, err := strconv.ParseUint(field, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: invalid field %q: %w", field, err)
	}
	return v, nil
}

// IsLatest reports whether an encoded effectiveToCheckpoint value is the
// "latest" sentinel.
func IsLatest(s string) bool {
	return s == Latest
}

// Compare compares two encoded checkpoint strings, treating Latest as +Inf.
// Ordinary byte-lex comparison of the two strings already gives the right
// answer for two non-sentinel values or two sentinels; this helper exists so
// callers don't have to special-case the sentinel themselves.
func Compare(a, b string) int {
	aLatest, bLatest := a == Latest, b == Latest
	switch {
	case aLatest && bLatest:
		return 0
	case aLatest:
		return 1
	case bLatest:
		return -1
	default:
		return strings.Compare(a, b)
	}
}
