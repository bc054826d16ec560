package selfencryption

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/waynenilsen/self-encryption/datamap"
	"github.com/waynenilsen/self-encryption/digest"
	"github.com/waynenilsen/self-encryption/encryption"
	"github.com/waynenilsen/self-encryption/store"
)

var tracer = otel.Tracer("github.com/waynenilsen/self-encryption")

// SelfEncryptor presents a stream as a randomly addressable byte range while
// keeping at most a window of it in memory, and turns it into chunks and a
// DataMap on Close.
//
// A SelfEncryptor is not safe for concurrent use.
type SelfEncryptor struct {
	id    string
	store store.ChunkStore
	opts  Options
	log   *logrus.Entry

	// size is the current length of the stream.
	size   uint64
	closed bool

	// base is the data map the content was opened from, or the one produced by
	// Close. Bytes under base.Len() that are neither resident nor spilled come
	// from it.
	base        *datamap.DataMap
	baseOffsets []uint64
	baseCache   cachedChunk

	window
}

// cachedChunk holds the last decrypted chunk of the base data map.
type cachedChunk struct {
	index int
	data  []byte
}

// New creates an encryptor for a new, empty stream.
func New(s store.ChunkStore, opts *Options) (*SelfEncryptor, error) {
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	secret := make([]byte, digest.Size)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate spill secret: %w", err)
	}

	id := uuid.NewString()
	e := &SelfEncryptor{
		id:        id,
		store:     s,
		opts:      o,
		log:       o.Logger.WithField("encryptor", id),
		baseCache: cachedChunk{index: -1},
		window:    newWindow(uint64(o.Sizing.Max), digest.Sum(secret)),
	}
	return e, nil
}

// Open creates an encryptor over the stream described by dm. Content is
// fetched from s and decrypted as it is accessed. The stream can be modified;
// Close then produces a new data map.
func Open(s store.ChunkStore, dm *datamap.DataMap, opts *Options) (*SelfEncryptor, error) {
	if err := dm.Validate(); err != nil {
		return nil, err
	}
	e, err := New(s, opts)
	if err != nil {
		return nil, err
	}
	e.setBase(dm)
	e.size = dm.Len()
	e.log.WithFields(logrus.Fields{
		"size":   dm.Len(),
		"chunks": len(dm.Chunks),
	}).Debug("opened data map")
	return e, nil
}

func (e *SelfEncryptor) setBase(dm *datamap.DataMap) {
	e.base = dm
	e.baseOffsets = nil
	if dm.Kind == datamap.KindChunked {
		e.baseOffsets = dm.Offsets()
	}
	e.baseCache = cachedChunk{index: -1}
}

// ID identifies the encryptor in log output.
func (e *SelfEncryptor) ID() string {
	return e.id
}

// Len returns the current size of the stream.
func (e *SelfEncryptor) Len() uint64 {
	return e.size
}

// Closed reports whether Close has succeeded.
func (e *SelfEncryptor) Closed() bool {
	return e.closed
}

// Write copies data into the stream at position, growing the stream if
// needed. Gaps left by writing past the end read back as zeros.
func (e *SelfEncryptor) Write(ctx context.Context, data []byte, position uint64) error {
	if e.closed {
		return ErrClosed
	}

	end := position + uint64(len(data))
	if end < position {
		return ErrOutOfRange
	}
	if len(data) > 0 {
		if err := e.prepareWindow(ctx, position, uint64(len(data))); err != nil {
			return err
		}
		e.copyIn(data, position)
	}
	if end > e.size {
		e.size = end
	}
	return nil
}

// Read returns length bytes of the stream starting at position. Reading is
// allowed both before and after Close.
func (e *SelfEncryptor) Read(ctx context.Context, position uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, ErrOutOfRange
	}
	end := position + uint64(length)
	if end < position || end > e.size {
		return nil, fmt.Errorf("%w: reading [%d, %d) of %d bytes", ErrOutOfRange, position, end, e.size)
	}
	if length == 0 {
		return []byte{}, nil
	}

	if err := e.prepareWindow(ctx, position, uint64(length)); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	e.copyOut(out, position)
	return out, nil
}

// fetchChunk gets a chunk from the store and checks that it hashes to its
// name.
func fetchChunk(ctx context.Context, s store.ChunkStore, name digest.Digest) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "selfencryption.fetch")
	defer span.End()

	data, err := s.Get(ctx, name)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to fetch chunk %s: %w", name.Short(), err)
	}
	if got := digest.Sum(data); got != name {
		err := &IntegrityError{Name: name, Expected: name, Got: got, What: "ciphertext"}
		span.RecordError(err)
		return nil, err
	}
	return data, nil
}

func codecOf(dm *datamap.DataMap) encryption.Codec {
	if dm.Compressed {
		return encryption.CodecZstd
	}
	return encryption.CodecNone
}

// decryptChunk fetches and decrypts chunk i of dm, and checks the plaintext
// against the recorded hash and size.
func decryptChunk(ctx context.Context, s store.ChunkStore, dm *datamap.DataMap, i int) ([]byte, error) {
	chunks := dm.Chunks
	c := chunks[i]
	ciphertext, err := fetchChunk(ctx, s, c.PostHash)
	if err != nil {
		return nil, err
	}

	prev, next := encryption.Neighbours(i, len(chunks))
	plaintext, err := codecOf(dm).Decrypt(ciphertext, chunks[prev].PreHash, chunks[next].PreHash, int(c.SourceSize))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt chunk %d: %w", i, err)
	}
	if got := digest.Sum(plaintext); got != c.PreHash || len(plaintext) != int(c.SourceSize) {
		return nil, &IntegrityError{Name: c.PostHash, Expected: c.PreHash, Got: got, What: "plaintext"}
	}
	return plaintext, nil
}
