package store

import (
	"bytes"
	"context"
	"sync"

	"github.com/waynenilsen/self-encryption/digest"
)

// Memory is a ChunkStore held in a map.
type Memory struct {
	mu     sync.RWMutex
	chunks map[digest.Digest][]byte
	puts   int
}

// Assert that Memory satisfies the ChunkStore interface.
var _ ChunkStore = &Memory{}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{chunks: make(map[digest.Digest][]byte)}
}

// Put stores a copy of data. Putting different bytes under an existing name
// fails with ErrConflict.
func (m *Memory) Put(_ context.Context, name digest.Digest, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.puts++
	if existing, ok := m.chunks[name]; ok {
		if !bytes.Equal(existing, data) {
			return &IOError{Op: "put", Name: name, Err: ErrConflict}
		}
		return nil
	}
	m.chunks[name] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the chunk stored under name.
func (m *Memory) Get(_ context.Context, name digest.Digest) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.chunks[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete removes a chunk.
func (m *Memory) Delete(name digest.Digest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, name)
}

// Len returns the number of distinct chunks held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// Puts returns how many times Put has been called.
func (m *Memory) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Names returns the names of all stored chunks, in no particular order.
func (m *Memory) Names() []digest.Digest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]digest.Digest, 0, len(m.chunks))
	for name := range m.chunks {
		names = append(names, name)
	}
	return names
}

// Corrupt overwrites a stored chunk without checking its name.
func (m *Memory) Corrupt(name digest.Digest, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[name] = append([]byte(nil), data...)
}
