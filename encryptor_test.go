package selfencryption_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	selfencryption "github.com/waynenilsen/self-encryption"
	"github.com/waynenilsen/self-encryption/datamap"
	"github.com/waynenilsen/self-encryption/digest"
	"github.com/waynenilsen/self-encryption/store"
)

func randomBytes(t *testing.T, n int) []byte {
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func smallOptions(windowPages int) *selfencryption.Options {
	return &selfencryption.Options{
		Sizing:      small,
		WindowPages: windowPages,
		Logger:      quietLogger(),
	}
}

// writeAll writes data sequentially in pieces of step bytes.
func writeAll(t *testing.T, e *selfencryption.SelfEncryptor, data []byte, step int) {
	ctx := context.Background()
	for pos := 0; pos < len(data); pos += step {
		end := min(pos+step, len(data))
		require.NoError(t, e.Write(ctx, data[pos:end], uint64(pos)))
	}
}

func readBack(t *testing.T, s store.ChunkStore, dm *datamap.DataMap, opts *selfencryption.Options) []byte {
	e, err := selfencryption.Open(s, dm, opts)
	require.NoError(t, err)
	data, err := e.Read(context.Background(), 0, int(dm.Len()))
	require.NoError(t, err)
	return data
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()

	for _, size := range []int{0, 1, 47, 48, 50, 191, 192, 200, 255, 256, 272, 1000, 4099} {
		for _, windowPages := range []int{0, 1, 3} {
			assert := assert.New(t)
			s := store.NewMemory()
			opts := smallOptions(windowPages)
			data := randomBytes(t, size)

			e, err := selfencryption.New(s, opts)
			require.NoError(t, err)
			writeAll(t, e, data, 37)
			assert.Equal(uint64(size), e.Len())

			dm, err := e.Close(ctx)
			require.NoError(t, err)
			assert.True(e.Closed())
			assert.Equal(uint64(size), dm.Len())
			assert.NoError(dm.Validate())
			if size < 3*int(small.Min) {
				assert.Equal(datamap.KindInline, dm.Kind)
				assert.Equal(data, dm.Content)
				assert.Zero(s.Len())
			} else {
				assert.Equal(datamap.KindChunked, dm.Kind)
				assert.Len(dm.Chunks, small.NumChunks(uint64(size)))
				for i, c := range dm.Chunks {
					assert.Equal(small.ChunkSize(uint64(size), i), c.SourceSize)
				}
			}

			assert.Equal(data, readBack(t, s, dm, opts), "size %d window %d", size, windowPages)
		}
	}
}

func TestDefaultSizing(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := store.NewMemory()
	opts := &selfencryption.Options{Logger: quietLogger()}

	data := randomBytes(t, 3*selfencryption.MaxChunkSize+500)
	e, err := selfencryption.New(s, opts)
	require.NoError(t, err)
	writeAll(t, e, data, 100000)

	dm, err := e.Close(ctx)
	require.NoError(t, err)
	require.Len(t, dm.Chunks, 4)
	assert.Equal(uint32(selfencryption.MaxChunkSize-selfencryption.MinChunkSize), dm.Chunks[2].SourceSize)
	assert.Equal(uint32(selfencryption.MinChunkSize+500), dm.Chunks[3].SourceSize)
	assert.Equal(4, s.Len())
	assert.Equal(data, readBack(t, s, dm, opts))

	// Below three minimum chunks, the content stays in the map.
	e, err = selfencryption.New(s, opts)
	require.NoError(t, err)
	writeAll(t, e, data[:3*selfencryption.MinChunkSize-1], 1000)
	dm, err = e.Close(ctx)
	require.NoError(t, err)
	assert.Equal(datamap.KindInline, dm.Kind)
	assert.Equal(4, s.Len())
}

func TestRandomAccess(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := store.NewMemory()
	opts := smallOptions(2)

	base := randomBytes(t, 10000)
	head := randomBytes(t, 100)
	middle := randomBytes(t, 100)

	e, err := selfencryption.New(s, opts)
	require.NoError(t, err)
	writeAll(t, e, base, 1000)
	require.NoError(t, e.Write(ctx, head, 0))
	require.NoError(t, e.Write(ctx, middle, 5000))

	expected := append([]byte(nil), base...)
	copy(expected, head)
	copy(expected[5000:], middle)

	got, err := e.Read(ctx, 90, 20)
	require.NoError(t, err)
	assert.Equal(expected[90:110], got)

	got, err = e.Read(ctx, 4990, 120)
	require.NoError(t, err)
	assert.Equal(expected[4990:5110], got)

	dm, err := e.Close(ctx)
	require.NoError(t, err)
	assert.Equal(expected, readBack(t, s, dm, opts))

	// Reads after Close go through the new data map.
	got, err = e.Read(ctx, 0, 10000)
	require.NoError(t, err)
	assert.Equal(expected, got)
}

func TestSparseWrites(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := store.NewMemory()
	opts := smallOptions(2)

	head := randomBytes(t, 100)
	middle := randomBytes(t, 100)

	e, err := selfencryption.New(s, opts)
	require.NoError(t, err)
	require.NoError(t, e.Write(ctx, head, 0))
	require.NoError(t, e.Write(ctx, middle, 5000))
	require.NoError(t, e.Write(ctx, nil, 10000))
	assert.Equal(uint64(10000), e.Len())

	got, err := e.Read(ctx, 90, 20)
	require.NoError(t, err)
	assert.Equal(append(append([]byte(nil), head[90:]...), make([]byte, 10)...), got)

	expected := make([]byte, 10000)
	copy(expected, head)
	copy(expected[5000:], middle)

	got, err = e.Read(ctx, 4990, 120)
	require.NoError(t, err)
	assert.Equal(expected[4990:5110], got)

	dm, err := e.Close(ctx)
	require.NoError(t, err)
	assert.Equal(expected, readBack(t, s, dm, opts))
}

func TestWritePastEnd(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := store.NewMemory()

	e, err := selfencryption.New(s, smallOptions(1))
	require.NoError(t, err)
	require.NoError(t, e.Write(ctx, []byte("tail"), 500))
	assert.Equal(uint64(504), e.Len())

	got, err := e.Read(ctx, 0, 504)
	require.NoError(t, err)
	assert.Equal(make([]byte, 500), got[:500])
	assert.Equal([]byte("tail"), got[500:])

	// An empty write still extends the stream.
	require.NoError(t, e.Write(ctx, nil, 600))
	assert.Equal(uint64(600), e.Len())

	dm, err := e.Close(ctx)
	require.NoError(t, err)
	got = readBack(t, s, dm, nil)
	assert.Len(got, 600)
	assert.Equal([]byte("tail"), got[500:504])
	assert.Equal(make([]byte, 96), got[504:])
}

func TestSpill(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := store.NewMemory()
	opts := smallOptions(1)

	data := randomBytes(t, 1000)
	e, err := selfencryption.New(s, opts)
	require.NoError(t, err)
	writeAll(t, e, data, 10)

	// Pages pushed out of the window are in the store before Close.
	assert.NotZero(s.Len())

	patch := randomBytes(t, 30)
	require.NoError(t, e.Write(ctx, patch, 50))
	copy(data[50:], patch)

	got, err := e.Read(ctx, 0, 1000)
	require.NoError(t, err)
	assert.Equal(data, got)

	dm, err := e.Close(ctx)
	require.NoError(t, err)
	assert.Equal(data, readBack(t, s, dm, opts))
}

func TestDeterminism(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := store.NewMemory()
	data := randomBytes(t, 1500)

	e, err := selfencryption.New(s, smallOptions(0))
	require.NoError(t, err)
	writeAll(t, e, data, 1500)
	first, err := e.Close(ctx)
	require.NoError(t, err)
	chunks := s.Len()

	// Different write order, window and concurrency, same store.
	opts := smallOptions(2)
	opts.Concurrency = 1
	e, err = selfencryption.New(s, opts)
	require.NoError(t, err)
	for pos := 1400; pos >= 0; pos -= 100 {
		require.NoError(t, e.Write(ctx, data[pos:pos+100], uint64(pos)))
	}
	second, err := e.Close(ctx)
	require.NoError(t, err)

	assert.Equal(first, second)
	// Only provisional spills of the second run were added.
	for _, c := range second.Chunks {
		_, err := s.Get(ctx, c.PostHash)
		assert.NoError(err)
	}
	assert.GreaterOrEqual(s.Len(), chunks)
}

func TestClosed(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := store.NewMemory()

	e, err := selfencryption.New(s, smallOptions(0))
	require.NoError(t, err)
	writeAll(t, e, randomBytes(t, 300), 300)
	_, err = e.Close(ctx)
	require.NoError(t, err)
	puts := s.Puts()

	assert.ErrorIs(e.Write(ctx, []byte("x"), 0), selfencryption.ErrClosed)
	_, err = e.Close(ctx)
	assert.ErrorIs(err, selfencryption.ErrAlreadyClosed)
	assert.Equal(puts, s.Puts())
}

func TestOutOfRange(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	e, err := selfencryption.New(store.NewMemory(), smallOptions(0))
	require.NoError(t, err)
	require.NoError(t, e.Write(ctx, []byte("hello"), 0))

	_, err = e.Read(ctx, 0, 6)
	assert.ErrorIs(err, selfencryption.ErrOutOfRange)
	_, err = e.Read(ctx, 5, 1)
	assert.ErrorIs(err, selfencryption.ErrOutOfRange)
	_, err = e.Read(ctx, 0, -1)
	assert.ErrorIs(err, selfencryption.ErrOutOfRange)

	got, err := e.Read(ctx, 5, 0)
	assert.NoError(err)
	assert.Empty(got)

	assert.ErrorIs(e.Write(ctx, []byte("x"), ^uint64(0)), selfencryption.ErrOutOfRange)
}

func TestModify(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := store.NewMemory()
	opts := smallOptions(2)

	data := randomBytes(t, 700)
	e, err := selfencryption.New(s, opts)
	require.NoError(t, err)
	writeAll(t, e, data, 700)
	original, err := e.Close(ctx)
	require.NoError(t, err)

	e, err = selfencryption.Open(s, original, opts)
	require.NoError(t, err)
	assert.Equal(uint64(700), e.Len())
	patch := []byte("patched")
	require.NoError(t, e.Write(ctx, patch, 300))
	require.NoError(t, e.Write(ctx, patch, 700))
	modified, err := e.Close(ctx)
	require.NoError(t, err)

	expected := append(append([]byte(nil), data...), patch...)
	copy(expected[300:], patch)
	assert.NotEqual(original, modified)
	assert.Equal(expected, readBack(t, s, modified, opts))
	assert.Equal(data, readBack(t, s, original, opts))

	// Inline maps can grow into chunked ones.
	e, err = selfencryption.Open(s, datamap.NewInline([]byte("short")), opts)
	require.NoError(t, err)
	require.NoError(t, e.Write(ctx, data[:100], 5))
	grown, err := e.Close(ctx)
	require.NoError(t, err)
	assert.Equal(datamap.KindChunked, grown.Kind)
	assert.Equal(append([]byte("short"), data[:100]...), readBack(t, s, grown, opts))
}

func TestIntegrity(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := store.NewMemory()
	opts := smallOptions(1)

	e, err := selfencryption.New(s, opts)
	require.NoError(t, err)
	writeAll(t, e, randomBytes(t, 300), 300)
	dm, err := e.Close(ctx)
	require.NoError(t, err)

	s.Corrupt(dm.Chunks[1].PostHash, []byte("garbage"))
	e, err = selfencryption.Open(s, dm, opts)
	require.NoError(t, err)
	_, err = e.Read(ctx, 0, 10)
	assert.NoError(err)
	_, err = e.Read(ctx, 100, 10)
	var integrityErr *selfencryption.IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(dm.Chunks[1].PostHash, integrityErr.Name)
	assert.Equal("ciphertext", integrityErr.What)

	s.Delete(dm.Chunks[2].PostHash)
	_, err = e.Read(ctx, 130, 10)
	assert.ErrorIs(err, store.ErrNotFound)

	// A map with the wrong pre-hash does not decrypt its neighbours.
	tampered := *dm
	tampered.Chunks = append([]datamap.ChunkDetails(nil), dm.Chunks...)
	tampered.Chunks[1].PreHash = digest.Sum([]byte("wrong"))
	e, err = selfencryption.Open(s, &tampered, opts)
	require.NoError(t, err)
	_, err = e.Read(ctx, 0, 10)
	assert.Error(err)
}

type flakyStore struct {
	store.ChunkStore
	fail bool

	// failGet fails the Get after the next getsBeforeFailure ones, once.
	failGet           bool
	getsBeforeFailure int
}

func (f *flakyStore) Get(ctx context.Context, name digest.Digest) ([]byte, error) {
	if f.failGet {
		if f.getsBeforeFailure == 0 {
			f.failGet = false
			return nil, &store.IOError{Op: "get", Name: name, Err: errors.New("connection reset")}
		}
		f.getsBeforeFailure--
	}
	return f.ChunkStore.Get(ctx, name)
}

func (f *flakyStore) Put(ctx context.Context, name digest.Digest, data []byte) error {
	if f.fail {
		return &store.IOError{Op: "put", Name: name, Err: errors.New("disk full")}
	}
	return f.ChunkStore.Put(ctx, name, data)
}

func TestCloseRetry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := &flakyStore{ChunkStore: store.NewMemory()}
	opts := smallOptions(0)

	data := randomBytes(t, 500)
	e, err := selfencryption.New(s, opts)
	require.NoError(t, err)
	writeAll(t, e, data, 500)

	s.fail = true
	dm, err := e.Close(ctx)
	assert.Nil(dm)
	var ioErr *store.IOError
	assert.ErrorAs(err, &ioErr)
	assert.False(e.Closed())

	s.fail = false
	dm, err = e.Close(ctx)
	require.NoError(t, err)
	assert.Equal(data, readBack(t, s, dm, opts))
}

func TestCloseRetryAfterWrite(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := &flakyStore{ChunkStore: store.NewMemory()}
	opts := smallOptions(1)

	data := randomBytes(t, 1000)
	e, err := selfencryption.New(s, opts)
	require.NoError(t, err)
	writeAll(t, e, data, 64)

	// The first page is read back from its spill, the second one fails.
	s.failGet, s.getsBeforeFailure = true, 1
	_, err = e.Close(ctx)
	var ioErr *store.IOError
	assert.ErrorAs(err, &ioErr)
	assert.False(e.Closed())

	patch := randomBytes(t, 20)
	require.NoError(t, e.Write(ctx, patch, 10))
	tail := randomBytes(t, 20)
	require.NoError(t, e.Write(ctx, tail, 980))

	expected := append([]byte(nil), data...)
	copy(expected[10:], patch)
	copy(expected[980:], tail)

	dm, err := e.Close(ctx)
	require.NoError(t, err)
	assert.Equal(expected, readBack(t, s, dm, opts))
}

func TestCompress(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("0123456789abcdef"), 2500)
	opts := &selfencryption.Options{
		Sizing: selfencryption.Sizing{Min: 1024, Max: 4096},
		Logger: quietLogger(),
	}

	// Chunks are stored at their plaintext length by default.
	s := store.NewMemory()
	e, err := selfencryption.New(s, opts)
	require.NoError(t, err)
	writeAll(t, e, data, 1000)
	dm, err := e.Close(ctx)
	require.NoError(t, err)
	assert.False(dm.Compressed)
	for _, c := range dm.Chunks {
		b, err := s.Get(ctx, c.PostHash)
		require.NoError(t, err)
		assert.Len(b, int(c.SourceSize))
	}

	compressed := store.NewMemory()
	copts := *opts
	copts.Compress = true
	e, err = selfencryption.New(compressed, &copts)
	require.NoError(t, err)
	writeAll(t, e, data, 1000)
	cdm, err := e.Close(ctx)
	require.NoError(t, err)
	assert.True(cdm.Compressed)
	assert.Len(cdm.Chunks, len(dm.Chunks))
	for _, c := range cdm.Chunks {
		b, err := compressed.Get(ctx, c.PostHash)
		require.NoError(t, err)
		assert.Less(len(b), int(c.SourceSize))
	}
	assert.Equal(data, readBack(t, compressed, cdm, opts))

	// The flag travels with the map.
	b, err := cdm.MarshalBinary()
	require.NoError(t, err)
	decoded := &datamap.DataMap{}
	require.NoError(t, decoded.UnmarshalBinary(b))
	assert.Equal(data, readBack(t, compressed, decoded, opts))

	res, err := selfencryption.Verify(ctx, compressed, decoded)
	require.NoError(t, err)
	assert.True(res.AllGood)
}

func TestCloseCancelled(t *testing.T) {
	assert := assert.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, err := selfencryption.New(store.NewMemory(), smallOptions(0))
	require.NoError(t, err)
	writeAll(t, e, randomBytes(t, 500), 500)

	_, err = e.Close(ctx)
	assert.ErrorIs(err, context.Canceled)
	assert.False(e.Closed())
}
