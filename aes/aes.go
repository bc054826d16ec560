// Package aes is the symmetric cipher primitive: AES in counter mode, which
// is length preserving and deterministic for a given key and IV.
package aes

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

const (
	// KeySize is the key length used by the chunk cipher (AES-256).
	KeySize = 32
	// IVSize is the length of the initial counter block.
	IVSize = aes.BlockSize
)

var (
	ErrInvalidKeyLength = errors.New("Key must be 16, 24, or 32 bytes long")
	ErrInvalidIVLength  = errors.New("IV must be 16 bytes long")
)

func newStream(key, iv []byte) (cipher.Stream, error) {
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, ErrInvalidKeyLength
	}
	if len(iv) != IVSize {
		return nil, ErrInvalidIVLength
	}

	// Create a new block cipher
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

// Encrypt returns the ciphertext of plaintext. The output has the same length
// as the input.
func Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	stream, err := newStream(key, iv)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)
	return ciphertext, nil
}

// Decrypt is the inverse of Encrypt.
func Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	// CTR is symmetric.
	return Encrypt(key, iv, ciphertext)
}
