package selfencryption_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	selfencryption "github.com/waynenilsen/self-encryption"
	"github.com/waynenilsen/self-encryption/store"
)

func TestReader(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := store.NewMemory()
	opts := smallOptions(2)

	data := randomBytes(t, 2000)
	e, err := selfencryption.New(s, opts)
	require.NoError(t, err)
	writeAll(t, e, data, 2000)
	dm, err := e.Close(ctx)
	require.NoError(t, err)

	r, err := selfencryption.NewReadSeeker(ctx, s, dm, opts)
	require.NoError(t, err)
	assert.Equal(int64(2000), r.Len())

	got, err := io.ReadAll(r)
	assert.NoError(err)
	assert.Equal(data, got)

	pos, err := r.Seek(-100, io.SeekEnd)
	assert.NoError(err)
	assert.Equal(int64(1900), pos)
	got, err = io.ReadAll(r)
	assert.NoError(err)
	assert.Equal(data[1900:], got)

	pos, err = r.Seek(10, io.SeekStart)
	assert.NoError(err)
	pos, err = r.Seek(5, io.SeekCurrent)
	assert.NoError(err)
	assert.Equal(int64(15), pos)
	buf := make([]byte, 5)
	_, err = io.ReadFull(r, buf)
	assert.NoError(err)
	assert.Equal(data[15:20], buf)

	_, err = r.Seek(-1, io.SeekStart)
	assert.Error(err)

	buf = make([]byte, 300)
	n, err := r.ReadAt(buf, 1000)
	assert.NoError(err)
	assert.Equal(300, n)
	assert.Equal(data[1000:1300], buf)

	n, err = r.ReadAt(buf, 1800)
	assert.ErrorIs(err, io.EOF)
	assert.Equal(200, n)
	assert.Equal(data[1800:], buf[:200])

	// Reading works on an open encryptor too.
	e, err = selfencryption.New(s, opts)
	require.NoError(t, err)
	require.NoError(t, e.Write(ctx, []byte("not closed"), 0))
	got, err = io.ReadAll(selfencryption.NewReader(ctx, e))
	assert.NoError(err)
	assert.Equal("not closed", string(got))
}
