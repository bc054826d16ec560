// Package encryption derives per-chunk keys from the content of neighbouring
// chunks and applies the chunk transform.
//
// The derivation is a format constant. Changing it or the cipher makes
// existing data maps undecryptable and breaks deduplication against
// previously stored chunks:
//
//	seed = BLAKE2b-512(pre[i-1] || pre[i+1])   (indices modulo the chunk count)
//	key  = seed[0:32]                         (AES-256)
//	iv   = seed[32:48]                        (CTR initial counter block)
//	ct   = AES-CTR(key, iv, plaintext)
//
// With CodecZstd, plaintext is replaced by its zstd frame. That makes stored
// objects smaller than their plaintext for compressible content, so the object
// size reveals how compressible a chunk is. It is off unless the data map
// records it.
package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/waynenilsen/self-encryption/aes"
	"github.com/waynenilsen/self-encryption/digest"
)

var ErrCorruptChunk = errors.New("corrupt chunk")

// Codec selects what is encrypted: the plaintext itself or its zstd frame.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecZstd Codec = 1
)

// maxDecoderWindow bounds the window a zstd frame can ask the decoder for.
const maxDecoderWindow = 64 << 20

// EncodeAll compresses each chunk on a single goroutine at a fixed level, so
// identical plaintext always compresses to identical bytes. Concurrency only
// sets how many chunks can be compressed at once.
var encoder = mustEncoder(
	zstd.WithEncoderConcurrency(runtime.GOMAXPROCS(0)),
	zstd.WithEncoderLevel(zstd.SpeedDefault),
)

// Decoders stream synchronously so output can be cut at the expected size.
var decoders = sync.Pool{
	New: func() any {
		return mustDecoder(
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxWindow(maxDecoderWindow),
		)
	},
}

func mustEncoder(opts ...zstd.EOption) *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		panic(fmt.Sprintf("encryption: failed to create zstd encoder: %v", err))
	}
	return enc
}

func mustDecoder(opts ...zstd.DOption) *zstd.Decoder {
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		panic(fmt.Sprintf("encryption: failed to create zstd decoder: %v", err))
	}
	return dec
}

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Keys is the key material of one chunk.
type Keys struct {
	Key [aes.KeySize]byte
	IV  [aes.IVSize]byte
}

// DeriveKeys returns the key material for a chunk whose ring neighbours have
// the pre-encryption hashes prev and next.
func DeriveKeys(prev, next digest.Digest) Keys {
	seed := digest.SumConcat(prev[:], next[:])

	var k Keys
	copy(k.Key[:], seed[:aes.KeySize])
	copy(k.IV[:], seed[aes.KeySize:aes.KeySize+aes.IVSize])
	return k
}

// Neighbours returns the indices of the previous and next chunk of chunk i
// in a ring of n chunks.
func Neighbours(i, n int) (prev, next int) {
	return (i + n - 1) % n, (i + 1) % n
}

// Encrypt encrypts a chunk's plaintext. The ciphertext has the length of the
// plaintext.
func Encrypt(plaintext []byte, prev, next digest.Digest) ([]byte, error) {
	return CodecNone.Encrypt(plaintext, prev, next)
}

// Decrypt reverses Encrypt. size is the expected plaintext length.
func Decrypt(ciphertext []byte, prev, next digest.Digest, size int) ([]byte, error) {
	return CodecNone.Decrypt(ciphertext, prev, next, size)
}

// Encrypt applies the codec to plaintext and encrypts the result.
func (c Codec) Encrypt(plaintext []byte, prev, next digest.Digest) ([]byte, error) {
	data := plaintext
	switch c {
	case CodecNone:
	case CodecZstd:
		data = encoder.EncodeAll(plaintext, make([]byte, 0, len(plaintext)/2))
	default:
		return nil, fmt.Errorf("unknown codec %s", c)
	}

	k := DeriveKeys(prev, next)
	ciphertext, err := aes.Encrypt(k.Key[:], k.IV[:], data)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt chunk: %w", err)
	}
	return ciphertext, nil
}

// Decrypt reverses Encrypt. Output longer than size is rejected, and never
// produced in full.
func (c Codec) Decrypt(ciphertext []byte, prev, next digest.Digest, size int) ([]byte, error) {
	if c == CodecNone && len(ciphertext) != size {
		return nil, fmt.Errorf("%w: %d bytes of ciphertext for %d bytes of plaintext",
			ErrCorruptChunk, len(ciphertext), size)
	}

	k := DeriveKeys(prev, next)
	data, err := aes.Decrypt(k.Key[:], k.IV[:], ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt chunk: %w", err)
	}

	switch c {
	case CodecNone:
		return data, nil
	case CodecZstd:
		return decompress(data, size)
	default:
		return nil, fmt.Errorf("unknown codec %s", c)
	}
}

func decompress(data []byte, size int) ([]byte, error) {
	var h zstd.Header
	if err := h.Decode(data); err == nil && h.HasFCS && h.FrameContentSize > uint64(size) {
		return nil, fmt.Errorf("%w: frame holds %d bytes, expected %d",
			ErrCorruptChunk, h.FrameContentSize, size)
	}

	dec := decoders.Get().(*zstd.Decoder)
	defer func() {
		_ = dec.Reset(nil)
		decoders.Put(dec)
	}()
	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, err)
	}

	out := bytes.NewBuffer(make([]byte, 0, size))
	n, err := io.Copy(out, io.LimitReader(dec, int64(size)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, err)
	}
	if n != int64(size) {
		return nil, fmt.Errorf("%w: decompressed size does not match %d", ErrCorruptChunk, size)
	}
	return out.Bytes(), nil
}
