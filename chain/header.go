package chain

import (
	"encoding/hex"
	"fmt"
)

// Hash identifies a block.
type Hash [32]byte

var ZeroHash Hash

func (h Hash) IsZero() bool { return h == ZeroHash }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("hash length %d, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

// Header is a finalized block header as this service consumes it: the chain
// guarantees it will never be reverted, so all fields are immutable.
type Header struct {
	Number     uint64
	Hash       Hash
	ParentHash Hash
	Tick       uint64
	Author     string
}
