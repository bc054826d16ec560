package selfencryption

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/waynenilsen/self-encryption/datamap"
	"github.com/waynenilsen/self-encryption/digest"
	"github.com/waynenilsen/self-encryption/encryption"
	"github.com/waynenilsen/self-encryption/util"
)

// Close splits the stream into its final chunks, encrypts and stores them,
// and returns the data map. Streams shorter than 3*Sizing.Min are returned
// inline and nothing is stored.
//
// If Close fails, no data map is returned and the encryptor stays open, so
// Close can be retried. After a successful Close, the stream can still be
// read but not written.
func (e *SelfEncryptor) Close(ctx context.Context) (*datamap.DataMap, error) {
	if e.closed {
		return nil, ErrAlreadyClosed
	}

	ctx, span := tracer.Start(ctx, "selfencryption.Close", trace.WithAttributes(
		attribute.String("encryptor", e.id),
		attribute.Int64("size", int64(e.size)),
	))
	defer span.End()

	dm, err := e.finalize(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.WithError(err).Warn("failed to close encryptor")
		return nil, err
	}

	e.closed = true
	e.setBase(dm)
	e.reset()

	e.log.WithFields(logrus.Fields{
		"size":   util.FormatSize(int64(dm.Len())),
		"chunks": len(dm.Chunks),
		"inline": dm.Kind == datamap.KindInline,
	}).Info("closed encryptor")
	return dm, nil
}

func (e *SelfEncryptor) finalize(ctx context.Context) (*datamap.DataMap, error) {
	// A failed Close may have left a page in scratch that was written since.
	e.scratch = cachedChunk{index: -1}

	layout := e.opts.Sizing.Layout(e.size)
	n := layout.NumChunks()
	if n == 0 {
		content, err := e.materialize(ctx, 0, e.size)
		if err != nil {
			return nil, err
		}
		return datamap.NewInline(content), nil
	}

	// Every key depends on two other chunks, so all pre-hashes are needed
	// before anything is encrypted.
	pre := make([]digest.Digest, n)
	for i := range pre {
		plaintext, err := e.materialize(ctx, layout.Offset(i), uint64(layout.Size(i)))
		if err != nil {
			return nil, err
		}
		pre[i] = digest.Sum(plaintext)
	}

	codec := encryption.CodecNone
	if e.opts.Compress {
		codec = encryption.CodecZstd
	}

	chunks := make([]datamap.ChunkDetails, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		plaintext, err := e.materialize(gctx, layout.Offset(i), uint64(layout.Size(i)))
		if err != nil {
			_ = g.Wait()
			return nil, err
		}

		i := i
		g.Go(func() error {
			prev, next := encryption.Neighbours(i, n)
			ciphertext, err := codec.Encrypt(plaintext, pre[prev], pre[next])
			if err != nil {
				return fmt.Errorf("failed to encrypt chunk %d: %w", i, err)
			}
			name := digest.Sum(ciphertext)
			if err := e.store.Put(gctx, name, ciphertext); err != nil {
				return fmt.Errorf("failed to store chunk %d: %w", i, err)
			}
			chunks[i] = datamap.ChunkDetails{
				PreHash:    pre[i],
				PostHash:   name,
				SourceSize: uint32(len(plaintext)),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dm := datamap.NewChunked(chunks)
	dm.Compressed = e.opts.Compress
	return dm, nil
}
