// Package selfencryption implements convergent, content-addressed
// self-encryption. A stream is split into chunks whose boundaries depend only
// on its length; each chunk is encrypted with a key derived from
// the plaintext hashes of its two neighbours, and stored under the hash of its
// ciphertext. The resulting DataMap is all that is needed, together with the
// chunk store, to get the stream back.
//
// Identical content always produces identical chunks, so a shared store
// deduplicates across unrelated streams, while the store itself never sees
// plaintext or a key.
package selfencryption

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/waynenilsen/self-encryption/digest"
)

const (
	// MinChunkSize is the smallest chunk size.
	MinChunkSize = 1024
	// MaxChunkSize is the largest chunk size.
	MaxChunkSize = 1024 * 1024
	// DefaultWindowPages is the default number of resident pages.
	DefaultWindowPages = 16
)

var (
	ErrClosed        = errors.New("encryptor is closed")
	ErrAlreadyClosed = errors.New("encryptor is already closed")
	ErrOutOfRange    = errors.New("range is beyond the end of the data")
	ErrInvalidSizing = errors.New("invalid chunk sizing")
)

// IntegrityError reports content that does not hash to what the data map or
// the chunk name promises. It means the store is corrupted or has been
// tampered with, and is never recovered from.
type IntegrityError struct {
	// Name is the store name that was requested.
	Name digest.Digest
	// Expected and Got are the hashes that were compared.
	Expected digest.Digest
	Got      digest.Digest
	// What was checked: the ciphertext or the decrypted plaintext.
	What string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for chunk %s: %s hashes to %s, expected %s",
		e.Name.Short(), e.What, e.Got.Short(), e.Expected.Short())
}

// Options configures a SelfEncryptor.
type Options struct {
	// Sizing sets the chunk size bounds. The zero value means DefaultSizing.
	Sizing Sizing
	// WindowPages bounds the number of pages of Sizing.Max bytes kept in
	// memory. Pages pushed out of the window are encrypted and written to the
	// store. Zero keeps everything in memory until Close.
	WindowPages int
	// Concurrency is the number of chunks encrypted and stored in parallel by
	// Close. Zero means GOMAXPROCS.
	Concurrency int
	// Compress zstd-compresses chunks before encryption and records it in the
	// data map. Stored chunks then shrink with compressible content, which
	// tells the store how compressible each chunk is.
	Compress bool
	// Logger receives debug and info output. Nil means the logrus standard
	// logger.
	Logger *logrus.Logger
}

// DefaultOptions returns the options used when nil is passed to New or Open.
func DefaultOptions() *Options {
	return &Options{
		Sizing:      DefaultSizing,
		WindowPages: DefaultWindowPages,
	}
}

// withDefaults fills in zero values.
func (o *Options) withDefaults() (Options, error) {
	if o == nil {
		o = DefaultOptions()
	}
	opts := *o
	if opts.Sizing == (Sizing{}) {
		opts.Sizing = DefaultSizing
	}
	if err := opts.Sizing.Validate(); err != nil {
		return opts, err
	}
	if opts.WindowPages < 0 {
		return opts, fmt.Errorf("window pages must not be negative, got %d", opts.WindowPages)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.GOMAXPROCS(0)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return opts, nil
}
