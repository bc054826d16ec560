package selfencryption

import (
	"context"
	"errors"
	"io"

	"github.com/waynenilsen/self-encryption/datamap"
	"github.com/waynenilsen/self-encryption/store"
)

var errNegativeOffset = errors.New("negative offset")

// Reader gives sequential and random read access to the stream of an
// encryptor. Like the encryptor, it is not safe for concurrent use, and
// ReadAt moves the encryptor's window.
type Reader struct {
	ctx    context.Context
	enc    *SelfEncryptor
	offset int64
}

// Assert that Reader implements the io interfaces.
var (
	_ io.ReadSeeker = &Reader{}
	_ io.ReaderAt   = &Reader{}
)

// NewReader returns a Reader over e. ctx is used for every store access.
func NewReader(ctx context.Context, e *SelfEncryptor) *Reader {
	return &Reader{ctx: ctx, enc: e}
}

// NewReadSeeker opens dm and returns a Reader over its content.
func NewReadSeeker(ctx context.Context, s store.ChunkStore, dm *datamap.DataMap, opts *Options) (*Reader, error) {
	e, err := Open(s, dm, opts)
	if err != nil {
		return nil, err
	}
	return NewReader(ctx, e), nil
}

// Len returns the size of the stream.
func (r *Reader) Len() int64 {
	return int64(r.enc.Len())
}

// Read reads at most one page.
func (r *Reader) Read(p []byte) (int, error) {
	size := r.Len()
	if r.offset >= size {
		return 0, io.EOF
	}
	n := min(int64(len(p)), size-r.offset, int64(r.enc.pageSize))
	data, err := r.enc.Read(r.ctx, uint64(r.offset), int(n))
	if err != nil {
		return 0, err
	}
	copy(p, data)
	r.offset += n
	return int(n), nil
}

func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}
	total := 0
	for total < len(p) {
		size := r.Len()
		if off >= size {
			return total, io.EOF
		}
		n := min(int64(len(p)-total), size-off, int64(r.enc.pageSize))
		data, err := r.enc.Read(r.ctx, uint64(off), int(n))
		if err != nil {
			return total, err
		}
		copy(p[total:], data)
		total += int(n)
		off += n
	}
	return total, nil
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.offset + offset
	case io.SeekEnd:
		abs = r.Len() + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if abs < 0 {
		return 0, errNegativeOffset
	}
	r.offset = abs
	return abs, nil
}
