package store_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"github.com/waynenilsen/self-encryption/digest"
	"github.com/waynenilsen/self-encryption/store"
)

func TestMemory(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := store.NewMemory()
	data := []byte("ciphertext")
	name := digest.Sum(data)

	_, err := s.Get(ctx, name)
	assert.ErrorIs(err, store.ErrNotFound)

	assert.NoError(s.Put(ctx, name, data))
	// Idempotent
	assert.NoError(s.Put(ctx, name, data))
	assert.Equal(1, s.Len())
	assert.Equal(2, s.Puts())

	got, err := s.Get(ctx, name)
	assert.NoError(err)
	assert.Equal(data, got)

	// The store keeps its own copy.
	got[0] = 'X'
	got, err = s.Get(ctx, name)
	assert.NoError(err)
	assert.Equal(data, got)

	err = s.Put(ctx, name, []byte("something else"))
	assert.ErrorIs(err, store.ErrConflict)
	var ioErr *store.IOError
	assert.ErrorAs(err, &ioErr)
	assert.Equal("put", ioErr.Op)

	assert.Equal([]digest.Digest{name}, s.Names())
	s.Delete(name)
	assert.Equal(0, s.Len())
}

func TestWithLogging(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	s := store.WithLogging(store.NewMemory(), logger, "mem")
	data := bytes.Repeat([]byte{1}, 2048)
	name := digest.Sum(data)

	assert.NoError(s.Put(ctx, name, data))
	got, err := s.Get(ctx, name)
	assert.NoError(err)
	assert.Equal(data, got)

	_, err = s.Get(ctx, digest.Sum([]byte("missing")))
	assert.ErrorIs(err, store.ErrNotFound)

	entries := hook.AllEntries()
	assert.Len(entries, 3)
	assert.Equal("put", entries[0].Message)
	assert.Equal("mem", entries[0].Data["store"])
	assert.Equal("2.0 KiB", entries[0].Data["size"])
	assert.Equal("get", entries[1].Message)
	assert.Equal(logrus.WarnLevel, entries[2].Level)
}
