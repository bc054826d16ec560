package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	selfencryption "github.com/waynenilsen/self-encryption"
	"github.com/waynenilsen/self-encryption/datamap"
	"github.com/waynenilsen/self-encryption/store"
)

// writeBufferSize is the size of the writes made into the encryptor.
const writeBufferSize = 1024 * 1024

// EncryptStream writes everything from r into a new encryptor and closes it.
func EncryptStream(ctx context.Context, s store.ChunkStore, r io.Reader, opts *selfencryption.Options) (*datamap.DataMap, error) {
	e, err := selfencryption.New(s, opts)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, writeBufferSize)
	var pos uint64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if werr := e.Write(ctx, buf[:n], pos); werr != nil {
				return nil, werr
			}
			pos += uint64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
	}
	return e.Close(ctx)
}

// DecryptStream writes the content described by dm to w.
func DecryptStream(ctx context.Context, s store.ChunkStore, dm *datamap.DataMap, w io.Writer, opts *selfencryption.Options) (int64, error) {
	r, err := selfencryption.NewReadSeeker(ctx, s, dm, opts)
	if err != nil {
		return 0, err
	}
	return io.Copy(w, r)
}

// ReadDataMap reads a data map file.
func ReadDataMap(path string) (*datamap.DataMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read data map: %w", err)
	}
	dm := &datamap.DataMap{}
	if err := dm.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to decode data map %s: %w", path, err)
	}
	return dm, nil
}

// WriteDataMap writes a data map file.
func WriteDataMap(path string, dm *datamap.DataMap) error {
	data, err := dm.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write data map: %w", err)
	}
	return nil
}
