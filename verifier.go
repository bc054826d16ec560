package selfencryption

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/waynenilsen/self-encryption/datamap"
	"github.com/waynenilsen/self-encryption/digest"
	"github.com/waynenilsen/self-encryption/encryption"
	"github.com/waynenilsen/self-encryption/store"
)

type VerificationResult struct {
	// TotalChunks is the number of chunks in the data map. It is zero for
	// inline maps.
	TotalChunks int
	// AllGood specifies whether every chunk is available and decrypts to its
	// recorded content.
	AllGood bool
	// ByChunk contains a breakdown of issues per chunk.
	ByChunk []ChunkVerificationResult
}

type ChunkVerificationResult struct {
	// Name is the store name of the chunk.
	Name digest.Digest
	// IsAvailable specifies whether the store returned the chunk at all.
	IsAvailable bool
	// IsIntact specifies whether the stored bytes hash to the chunk name.
	IsIntact bool
	// IsDecryptable specifies whether the chunk decrypts to the recorded size
	// and pre-encryption hash.
	IsDecryptable bool
	// Err is the first problem found, if any.
	Err error
}

// Verify fetches and decrypts every chunk of dm and reports any issues. An
// error is returned only if dm is invalid or ctx is cancelled; problems with
// individual chunks are reported in the result.
func Verify(ctx context.Context, s store.ChunkStore, dm *datamap.DataMap) (*VerificationResult, error) {
	if err := dm.Validate(); err != nil {
		return nil, err
	}
	result := &VerificationResult{
		TotalChunks: len(dm.Chunks),
		AllGood:     true,
		ByChunk:     make([]ChunkVerificationResult, len(dm.Chunks)),
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range dm.Chunks {
		i := i
		g.Go(func() error {
			result.ByChunk[i] = verifyChunk(ctx, s, dm, i)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, res := range result.ByChunk {
		if !res.IsDecryptable {
			result.AllGood = false
		}
	}
	return result, nil
}

func verifyChunk(ctx context.Context, s store.ChunkStore, dm *datamap.DataMap, i int) ChunkVerificationResult {
	chunks := dm.Chunks
	c := chunks[i]
	res := ChunkVerificationResult{Name: c.PostHash}

	ciphertext, err := s.Get(ctx, c.PostHash)
	if err != nil {
		res.Err = err
		return res
	}
	res.IsAvailable = true

	if got := digest.Sum(ciphertext); got != c.PostHash {
		res.Err = &IntegrityError{Name: c.PostHash, Expected: c.PostHash, Got: got, What: "ciphertext"}
		return res
	}
	res.IsIntact = true

	prev, next := encryption.Neighbours(i, len(chunks))
	plaintext, err := codecOf(dm).Decrypt(ciphertext, chunks[prev].PreHash, chunks[next].PreHash, int(c.SourceSize))
	if err != nil {
		res.Err = err
		return res
	}
	if got := digest.Sum(plaintext); got != c.PreHash || len(plaintext) != int(c.SourceSize) {
		res.Err = &IntegrityError{Name: c.PostHash, Expected: c.PreHash, Got: got, What: "plaintext"}
		return res
	}
	res.IsDecryptable = true
	return res
}
