package datamap

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/vault/shamir"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/waynenilsen/self-encryption/digest"
)

// shareVersion is the version of the Share envelope.
const shareVersion = 2

// checksumSize is the length of the checksum appended to the secret before
// splitting.
const checksumSize = 8

var (
	ErrNotEnoughShares = errors.New("not enough shares to reconstruct the data map")
	ErrShareMismatch   = errors.New("shares do not belong to the same data map")
)

// Share is one piece of a data map split with Shamir's Secret Sharing. Any
// Threshold shares out of Parts reconstruct the map; fewer reveal nothing
// about it beyond its encoded length. The checksum that detects a bad
// combination is split along with the map, and SplitID is random per Split.
type Share struct {
	Version   uint8  `msgpack:"v"`
	Threshold uint8  `msgpack:"t"`
	Parts     uint8  `msgpack:"n"`
	SplitID   []byte `msgpack:"i"`
	Data      []byte `msgpack:"d"`
}

// Split encodes d and splits it into parts shares, threshold of which are
// required to reconstruct it. Each share is returned msgpack-encoded.
func Split(d *DataMap, parts, threshold int) ([][]byte, error) {
	encoded, err := d.MarshalBinary()
	if err != nil {
		return nil, err
	}
	sum := digest.Sum(encoded)
	secret := append(encoded, sum[:checksumSize]...)

	pieces, err := shamir.Split(secret, parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split data map: %w", err)
	}

	id := uuid.New()
	shares := make([][]byte, len(pieces))
	for i, piece := range pieces {
		b, err := msgpack.Marshal(&Share{
			Version:   shareVersion,
			Threshold: uint8(threshold),
			Parts:     uint8(parts),
			SplitID:   id[:],
			Data:      piece,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode share %d: %w", i, err)
		}
		shares[i] = b
	}
	return shares, nil
}

// Combine reconstructs a data map from msgpack-encoded shares produced by
// Split.
func Combine(encoded [][]byte) (*DataMap, error) {
	if len(encoded) == 0 {
		return nil, ErrNotEnoughShares
	}

	var first Share
	pieces := make([][]byte, len(encoded))
	for i, b := range encoded {
		var s Share
		if err := msgpack.Unmarshal(b, &s); err != nil {
			return nil, fmt.Errorf("failed to decode share %d: %w", i, err)
		}
		if s.Version != shareVersion {
			return nil, fmt.Errorf("share %d: unsupported version %d", i, s.Version)
		}
		if i == 0 {
			first = s
		} else if s.Threshold != first.Threshold || !bytes.Equal(s.SplitID, first.SplitID) {
			return nil, ErrShareMismatch
		}
		pieces[i] = s.Data
	}
	if len(pieces) < int(first.Threshold) {
		return nil, ErrNotEnoughShares
	}

	secret, err := shamir.Combine(pieces)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	if len(secret) < checksumSize {
		return nil, ErrShareMismatch
	}
	body, checksum := secret[:len(secret)-checksumSize], secret[len(secret)-checksumSize:]
	sum := digest.Sum(body)
	if !bytes.Equal(sum[:checksumSize], checksum) {
		return nil, ErrShareMismatch
	}

	d := &DataMap{}
	if err := d.UnmarshalBinary(body); err != nil {
		return nil, err
	}
	return d, nil
}
