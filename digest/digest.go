// Package digest is the hash primitive used to name chunks and to derive
// their keys.
package digest

import (
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// Size is the width of a Digest in bytes.
const Size = blake2b.Size

var ErrInvalidLength = errors.New("digest must be 64 bytes long")

// Digest is a BLAKE2b-512 hash.
type Digest [Size]byte

// Zero is the all-zero digest.
var Zero Digest

// Sum hashes data.
func Sum(data []byte) Digest {
	return blake2b.Sum512(data)
}

// SumConcat hashes the concatenation of parts without copying them into one
// buffer first.
func SumConcat(parts ...[]byte) Digest {
	h, err := blake2b.New512(nil)
	if err != nil {
		// Only returned for oversized keys.
		panic(err)
	}
	for _, p := range parts {
		h.Write(p)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// FromBytes copies b into a Digest.
func FromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != Size {
		return d, ErrInvalidLength
	}
	copy(d[:], b)
	return d, nil
}

// Parse decodes a hex encoded digest.
func Parse(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, err
	}
	return FromBytes(b)
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 8 bytes in hex, for log output.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:8])
}

func (d Digest) IsZero() bool {
	return d == Zero
}
