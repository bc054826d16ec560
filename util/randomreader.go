package util

import (
	"io"
	"math/rand"
)

// RandomReader is an io.Reader of Size pseudo-random bytes. Readers with the
// same Seed return the same bytes, which makes repeated runs deduplicate.
// Not for security purposes.
type RandomReader struct {
	Size int64
	Seed int64

	rng *rand.Rand
}

// Assert that RandomReader implements the io.Reader interface.
var _ io.Reader = &RandomReader{}

func (r *RandomReader) Read(p []byte) (int, error) {
	if r.Size <= 0 {
		return 0, io.EOF
	}
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(r.Seed))
	}
	n := len(p)
	if r.Size < int64(n) {
		n = int(r.Size)
	}
	r.Size -= int64(n)
	return r.rng.Read(p[:n])
}
