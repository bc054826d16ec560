// Package erasure spreads every chunk over several backing stores with
// Reed-Solomon coding, so chunks survive the loss of some of the backends.
package erasure

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	rs "github.com/klauspost/reedsolomon"
	"golang.org/x/sync/errgroup"

	"github.com/waynenilsen/self-encryption/digest"
	"github.com/waynenilsen/self-encryption/store"
)

// shardHeaderSize is the size of the header in front of every shard: the
// length of the original chunk, and a truncated hash of the shard body.
const shardHeaderSize = 8 + 16

var (
	ErrBackendCountMismatch = errors.New("backend count does not match shard count")
	ErrNotEnoughShards      = errors.New("not enough shards to reconstruct the chunk")
)

// Store is a ChunkStore that keeps shard i of every chunk in backend i.
type Store struct {
	backends     []store.ChunkStore
	dataShards   int
	parityShards int
	enc          rs.Encoder
}

// Assert that Store satisfies the ChunkStore interface.
var _ store.ChunkStore = &Store{}

// New creates a Store over dataShards+parityShards backends. Any parityShards
// backends may lose a chunk's shard without losing the chunk.
func New(backends []store.ChunkStore, dataShards, parityShards int) (*Store, error) {
	if len(backends) != dataShards+parityShards {
		return nil, ErrBackendCountMismatch
	}
	enc, err := rs.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}
	return &Store{
		backends:     backends,
		dataShards:   dataShards,
		parityShards: parityShards,
		enc:          enc,
	}, nil
}

// shardName is the name under which shard i of chunk name is stored.
func shardName(name digest.Digest, i int) digest.Digest {
	return digest.SumConcat(name[:], []byte{byte(i)})
}

func (s *Store) Put(ctx context.Context, name digest.Digest, data []byte) error {
	// Split uses spare capacity of its input, so give it its own copy.
	shards, err := s.enc.Split(append([]byte(nil), data...))
	if err != nil {
		return &store.IOError{Op: "put", Name: name, Err: err}
	}
	if err := s.enc.Encode(shards); err != nil {
		return &store.IOError{Op: "put", Name: name, Err: err}
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		i, shard := i, shard
		g.Go(func() error {
			sum := digest.Sum(shard)
			buf := make([]byte, shardHeaderSize, shardHeaderSize+len(shard))
			binary.LittleEndian.PutUint64(buf, uint64(len(data)))
			copy(buf[8:], sum[:16])
			buf = append(buf, shard...)
			if err := s.backends[i].Put(ctx, shardName(name, i), buf); err != nil {
				return fmt.Errorf("failed to write shard %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &store.IOError{Op: "put", Name: name, Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name digest.Digest) ([]byte, error) {
	total := s.dataShards + s.parityShards
	shards := make([][]byte, total)
	sizes := make([]uint64, total)
	errs := make([]error, total)

	// Read every shard. Missing and damaged shards are left nil for the
	// decoder to rebuild.
	var g errgroup.Group
	for i := range s.backends {
		i := i
		g.Go(func() error {
			b, err := s.backends[i].Get(ctx, shardName(name, i))
			if err != nil {
				errs[i] = err
				return nil
			}
			if len(b) < shardHeaderSize {
				errs[i] = fmt.Errorf("shard %d is truncated", i)
				return nil
			}
			body := b[shardHeaderSize:]
			sum := digest.Sum(body)
			if !bytes.Equal(sum[:16], b[8:shardHeaderSize]) {
				errs[i] = fmt.Errorf("shard %d is corrupted", i)
				return nil
			}
			sizes[i] = binary.LittleEndian.Uint64(b)
			shards[i] = body
			return nil
		})
	}
	g.Wait()

	available, notFound := 0, 0
	var size uint64
	for i, shard := range shards {
		if shard != nil {
			available++
			size = sizes[i]
		} else if errors.Is(errs[i], store.ErrNotFound) {
			notFound++
		}
	}
	if notFound == total {
		return nil, store.ErrNotFound
	}
	if available < s.dataShards {
		return nil, &store.IOError{Op: "get", Name: name,
			Err: fmt.Errorf("%w: %d of %d available: %v", ErrNotEnoughShards, available, s.dataShards, errors.Join(errs...))}
	}

	if available < total {
		if err := s.enc.ReconstructData(shards); err != nil {
			return nil, &store.IOError{Op: "get", Name: name, Err: fmt.Errorf("reconstruct failed: %w", err)}
		}
	}

	var buf bytes.Buffer
	buf.Grow(int(size))
	if err := s.enc.Join(&buf, shards, int(size)); err != nil {
		return nil, &store.IOError{Op: "get", Name: name, Err: fmt.Errorf("join failed: %w", err)}
	}
	return buf.Bytes(), nil
}
