package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/waynenilsen/self-encryption/digest"
	"github.com/waynenilsen/self-encryption/util"
)

// loggingStore wraps a ChunkStore and logs every operation.
type loggingStore struct {
	store ChunkStore
	log   *logrus.Entry
}

// WithLogging returns a ChunkStore that logs each Put and Get of s at debug
// level, and failures at warn level.
func WithLogging(s ChunkStore, logger *logrus.Logger, prefix string) ChunkStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &loggingStore{store: s, log: logger.WithField("store", prefix)}
}

func (l *loggingStore) Put(ctx context.Context, name digest.Digest, data []byte) error {
	start := time.Now()
	err := l.store.Put(ctx, name, data)
	entry := l.log.WithFields(logrus.Fields{
		"chunk":    name.Short(),
		"size":     util.FormatSize(int64(len(data))),
		"duration": time.Since(start),
	})
	if err != nil {
		entry.WithError(err).Warn("put failed")
		return err
	}
	entry.Debug("put")
	return nil
}

func (l *loggingStore) Get(ctx context.Context, name digest.Digest) ([]byte, error) {
	start := time.Now()
	data, err := l.store.Get(ctx, name)
	entry := l.log.WithFields(logrus.Fields{
		"chunk":    name.Short(),
		"duration": time.Since(start),
	})
	if err != nil {
		entry.WithError(err).Warn("get failed")
		return nil, err
	}
	entry.WithField("size", util.FormatSize(int64(len(data)))).Debug("get")
	return data, nil
}
