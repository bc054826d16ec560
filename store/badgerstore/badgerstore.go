// Package badgerstore is a ChunkStore persisted in a Badger database.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/waynenilsen/self-encryption/digest"
	"github.com/waynenilsen/self-encryption/store"
)

// keyPrefix namespaces chunk keys in the database.
var keyPrefix = []byte("chunk:")

var ErrMissingPath = errors.New("badger store needs a path unless it is in-memory")

type Config struct {
	// Path is the database directory.
	Path string
	// InMemory keeps the database in memory only. Path is ignored.
	InMemory bool
	// SyncWrites makes every write durable before Put returns.
	SyncWrites bool
	Logger     *logrus.Logger
}

// Store is a Badger backed ChunkStore.
type Store struct {
	config  Config
	db      *badger.DB
	log     *logrus.Entry
	reads   uint64
	writes  uint64
	skipped uint64
}

// Assert that Store satisfies the ChunkStore interface.
var _ store.ChunkStore = &Store{}

// Open opens or creates the database described by config.
func Open(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.Path == "" && !config.InMemory {
		return nil, ErrMissingPath
	}

	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil).WithSyncWrites(config.SyncWrites)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	log := config.Logger.WithField("store", "badger")
	log.WithFields(logrus.Fields{
		"path":     config.Path,
		"inMemory": config.InMemory,
	}).Debug("opened chunk database")

	return &Store{config: config, db: db, log: log}, nil
}

func chunkKey(name digest.Digest) []byte {
	return append(append(make([]byte, 0, len(keyPrefix)+digest.Size), keyPrefix...), name[:]...)
}

// Put stores data under name unless a chunk with that name already exists.
func (s *Store) Put(_ context.Context, name digest.Digest, data []byte) error {
	key := chunkKey(name)
	update := func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			atomic.AddUint64(&s.skipped, 1)
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		atomic.AddUint64(&s.writes, 1)
		return txn.Set(key, data)
	}

	// Identical chunks may be put concurrently. The loser of the race sees the
	// winner's key on retry.
	err := s.db.Update(update)
	if errors.Is(err, badger.ErrConflict) {
		err = s.db.Update(update)
	}
	if err != nil {
		return &store.IOError{Op: "put", Name: name, Err: err}
	}
	return nil
}

// Get returns the chunk stored under name.
func (s *Store) Get(_ context.Context, name digest.Digest) ([]byte, error) {
	atomic.AddUint64(&s.reads, 1)

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(name))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &store.IOError{Op: "get", Name: name, Err: err}
	}
	return data, nil
}

// Stats returns the number of reads, writes and writes skipped because the
// chunk already existed.
func (s *Store) Stats() (reads, writes, skipped uint64) {
	return atomic.LoadUint64(&s.reads), atomic.LoadUint64(&s.writes), atomic.LoadUint64(&s.skipped)
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	reads, writes, skipped := s.Stats()
	s.log.WithFields(logrus.Fields{
		"reads":   reads,
		"writes":  writes,
		"skipped": skipped,
	}).Debug("closing chunk database")
	return s.db.Close()
}
