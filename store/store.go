// Package store defines the content-addressed chunk store the encryptor
// writes ciphertext to, and a few implementations of it.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/waynenilsen/self-encryption/digest"
)

var (
	// ErrNotFound is returned by Get when no chunk has the requested name.
	ErrNotFound = errors.New("chunk not found")
	// ErrConflict is returned by stores that detect a second Put of different
	// bytes under an existing name.
	ErrConflict = errors.New("conflicting chunk content")
)

// ChunkStore maps chunk names to chunk bytes. Names are the hash of the bytes,
// so Put is idempotent. Implementations must be safe for concurrent use.
type ChunkStore interface {
	Put(ctx context.Context, name digest.Digest, data []byte) error
	Get(ctx context.Context, name digest.Digest) ([]byte, error)
}

// IOError is a store failure other than a missing chunk.
type IOError struct {
	Op   string
	Name digest.Digest
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Name.Short(), e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
