// Package datamap describes how to reconstruct a self-encrypted stream: either
// the content itself, for tiny inputs, or the ordered list of its chunks.
package datamap

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/waynenilsen/self-encryption/digest"
)

// Kind is the wire tag of a DataMap.
type Kind uint8

const (
	KindInline  Kind = 0
	KindChunked Kind = 1
)

// tagChunkedZstd is the wire tag of a chunked map whose chunks were
// compressed before encryption. It decodes to KindChunked with Compressed set.
const tagChunkedZstd = 2

// ChunkDetailsSize is the encoded size of one ChunkDetails.
const ChunkDetailsSize = digest.Size + digest.Size + 4

var _ encoding.BinaryMarshaler = (*DataMap)(nil)
var _ encoding.BinaryUnmarshaler = (*DataMap)(nil)

var (
	ErrInvalidDataMap = errors.New("invalid data map")
	ErrUnknownKind    = errors.New("unknown data map kind")
)

// ChunkDetails describes a single stored chunk.
type ChunkDetails struct {
	// PreHash is the hash of the chunk plaintext. The neighbours' PreHash values
	// are the key material of a chunk.
	PreHash digest.Digest
	// PostHash is the hash of the chunk ciphertext, and its name in the store.
	PostHash digest.Digest
	// SourceSize is the plaintext length of the chunk.
	SourceSize uint32
}

// DataMap is the reconstruction recipe of a stream.
type DataMap struct {
	Kind Kind
	// Content holds the stream itself when Kind is KindInline.
	Content []byte
	// Chunks lists the chunks in stream order when Kind is KindChunked.
	Chunks []ChunkDetails
	// TotalSize is the length of the stream.
	TotalSize uint64
	// Compressed is set when chunks were zstd-compressed before encryption.
	Compressed bool
}

// NewInline returns a DataMap that carries content verbatim.
func NewInline(content []byte) *DataMap {
	return &DataMap{
		Kind:      KindInline,
		Content:   content,
		TotalSize: uint64(len(content)),
	}
}

// NewChunked returns a DataMap over chunks. The total size is the sum of the
// chunk sizes.
func NewChunked(chunks []ChunkDetails) *DataMap {
	var total uint64
	for _, c := range chunks {
		total += uint64(c.SourceSize)
	}
	return &DataMap{
		Kind:      KindChunked,
		Chunks:    chunks,
		TotalSize: total,
	}
}

// Len returns the size of the described stream.
func (d *DataMap) Len() uint64 {
	return d.TotalSize
}

// PreHashes returns the plaintext hash of every chunk, in order.
func (d *DataMap) PreHashes() []digest.Digest {
	pre := make([]digest.Digest, len(d.Chunks))
	for i, c := range d.Chunks {
		pre[i] = c.PreHash
	}
	return pre
}

// Offsets returns the stream offset of every chunk, followed by the total
// size.
func (d *DataMap) Offsets() []uint64 {
	offsets := make([]uint64, len(d.Chunks)+1)
	for i, c := range d.Chunks {
		offsets[i+1] = offsets[i] + uint64(c.SourceSize)
	}
	return offsets
}

// Validate checks the internal consistency of the map.
func (d *DataMap) Validate() error {
	switch d.Kind {
	case KindInline:
		if d.Compressed {
			return fmt.Errorf("%w: inline content cannot be compressed", ErrInvalidDataMap)
		}
		if uint64(len(d.Content)) != d.TotalSize {
			return fmt.Errorf("%w: inline content is %d bytes, size is %d",
				ErrInvalidDataMap, len(d.Content), d.TotalSize)
		}
	case KindChunked:
		if len(d.Chunks) == 0 {
			return fmt.Errorf("%w: no chunks", ErrInvalidDataMap)
		}
		var sum uint64
		for i, c := range d.Chunks {
			if c.SourceSize == 0 {
				return fmt.Errorf("%w: chunk %d is empty", ErrInvalidDataMap, i)
			}
			sum += uint64(c.SourceSize)
		}
		if sum != d.TotalSize {
			return fmt.Errorf("%w: chunks add up to %d bytes, size is %d",
				ErrInvalidDataMap, sum, d.TotalSize)
		}
	default:
		return ErrUnknownKind
	}
	return nil
}

// MarshalBinary implements the encoding.BinaryMarshaler interface.
func (d *DataMap) MarshalBinary() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	if d.Kind == KindInline {
		buf := make([]byte, 1, 1+binary.MaxVarintLen64+len(d.Content))
		buf[0] = byte(KindInline)
		buf = binary.AppendUvarint(buf, uint64(len(d.Content)))
		return append(buf, d.Content...), nil
	}

	buf := make([]byte, 1, 1+binary.MaxVarintLen64+8+len(d.Chunks)*ChunkDetailsSize)
	buf[0] = byte(KindChunked)
	if d.Compressed {
		buf[0] = tagChunkedZstd
	}
	buf = binary.AppendUvarint(buf, uint64(len(d.Chunks)))
	buf = binary.LittleEndian.AppendUint64(buf, d.TotalSize)
	for _, c := range d.Chunks {
		buf = append(buf, c.PreHash[:]...)
		buf = append(buf, c.PostHash[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, c.SourceSize)
	}
	return buf, nil
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface.
func (d *DataMap) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("%w: empty input", ErrInvalidDataMap)
	}

	kind := Kind(data[0])
	data = data[1:]

	length, n := binary.Uvarint(data)
	if n <= 0 {
		return fmt.Errorf("%w: bad length prefix", ErrInvalidDataMap)
	}
	data = data[n:]

	var out DataMap
	switch kind {
	case KindInline:
		if uint64(len(data)) != length {
			return fmt.Errorf("%w: expected %d bytes of content, got %d",
				ErrInvalidDataMap, length, len(data))
		}
		out = DataMap{
			Kind:      KindInline,
			Content:   append([]byte(nil), data...),
			TotalSize: length,
		}
	case KindChunked, tagChunkedZstd:
		if len(data) < 8 || length > uint64(len(data)-8)/ChunkDetailsSize ||
			uint64(len(data)-8) != length*ChunkDetailsSize {
			return fmt.Errorf("%w: truncated chunk list", ErrInvalidDataMap)
		}
		out = DataMap{
			Kind:       KindChunked,
			TotalSize:  binary.LittleEndian.Uint64(data[:8]),
			Chunks:     make([]ChunkDetails, length),
			Compressed: kind == tagChunkedZstd,
		}
		data = data[8:]
		for i := range out.Chunks {
			c := &out.Chunks[i]
			copy(c.PreHash[:], data[:digest.Size])
			copy(c.PostHash[:], data[digest.Size:2*digest.Size])
			c.SourceSize = binary.LittleEndian.Uint32(data[2*digest.Size:])
			data = data[ChunkDetailsSize:]
		}
	default:
		return ErrUnknownKind
	}

	if err := out.Validate(); err != nil {
		return err
	}
	*d = out
	return nil
}
