package selfencryption_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	selfencryption "github.com/waynenilsen/self-encryption"
	"github.com/waynenilsen/self-encryption/datamap"
	"github.com/waynenilsen/self-encryption/store"
)

func TestVerify(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := store.NewMemory()

	e, err := selfencryption.New(s, smallOptions(0))
	require.NoError(t, err)
	writeAll(t, e, randomBytes(t, 400), 400)
	dm, err := e.Close(ctx)
	require.NoError(t, err)

	result, err := selfencryption.Verify(ctx, s, dm)
	require.NoError(t, err)
	assert.True(result.AllGood)
	assert.Equal(len(dm.Chunks), result.TotalChunks)
	for _, res := range result.ByChunk {
		assert.True(res.IsAvailable)
		assert.True(res.IsIntact)
		assert.True(res.IsDecryptable)
		assert.NoError(res.Err)
	}

	s.Delete(dm.Chunks[0].PostHash)
	s.Corrupt(dm.Chunks[2].PostHash, []byte("garbage"))

	result, err = selfencryption.Verify(ctx, s, dm)
	require.NoError(t, err)
	assert.False(result.AllGood)

	assert.False(result.ByChunk[0].IsAvailable)
	assert.ErrorIs(result.ByChunk[0].Err, store.ErrNotFound)

	assert.True(result.ByChunk[1].IsDecryptable)

	assert.True(result.ByChunk[2].IsAvailable)
	assert.False(result.ByChunk[2].IsIntact)
	var integrityErr *selfencryption.IntegrityError
	assert.ErrorAs(result.ByChunk[2].Err, &integrityErr)
}

func TestVerifyInline(t *testing.T) {
	assert := assert.New(t)

	result, err := selfencryption.Verify(context.Background(), store.NewMemory(), datamap.NewInline([]byte("tiny")))
	require.NoError(t, err)
	assert.True(result.AllGood)
	assert.Zero(result.TotalChunks)

	_, err = selfencryption.Verify(context.Background(), store.NewMemory(), &datamap.DataMap{Kind: datamap.KindChunked})
	assert.ErrorIs(err, datamap.ErrInvalidDataMap)
}
