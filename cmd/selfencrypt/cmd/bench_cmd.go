package cmd

import (
	"context"
	"flag"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	selfencryption "github.com/waynenilsen/self-encryption"
	"github.com/waynenilsen/self-encryption/store"
	"github.com/waynenilsen/self-encryption/util"
)

var (
	BenchCmd     = flag.NewFlagSet("bench", flag.ExitOnError)
	bThreads     = BenchCmd.Int("threads", 1, "number of threads")
	bInputSize   = BenchCmd.Int("input-size", 10*1024*1024, "size of input file")
	bWindowPages = BenchCmd.Int("window-pages", selfencryption.DefaultWindowPages, "number of resident pages, 0 for unbounded")
	bConcurrency = BenchCmd.Int("concurrency", 0, "chunks encrypted in parallel on close, 0 for GOMAXPROCS")
	bCompress    = BenchCmd.Bool("compress", false, "zstd-compress chunks before encryption")
)

// BenchResult is the outcome of one benchmark run.
type BenchResult struct {
	Encrypt time.Duration
	Decrypt time.Duration
	// Chunks is the number of objects in the store after the run.
	Chunks int
}

// RunBench encrypts and decrypts size pseudo-random bytes through a fresh
// in-memory store.
func RunBench(ctx context.Context, size int64, seed int64, opts *selfencryption.Options) (*BenchResult, error) {
	s := store.NewMemory()
	input := &util.RandomReader{Size: size, Seed: seed}

	start := time.Now()
	dm, err := EncryptStream(ctx, s, input, opts)
	if err != nil {
		return nil, err
	}
	result := &BenchResult{Encrypt: time.Since(start)}

	start = time.Now()
	n, err := DecryptStream(ctx, s, dm, io.Discard, opts)
	if err != nil {
		return nil, err
	}
	if n != size {
		return nil, io.ErrUnexpectedEOF
	}
	result.Decrypt = time.Since(start)
	result.Chunks = s.Len()
	return result, nil
}

func RunBenchCmd(ctx context.Context) int {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	opts := &selfencryption.Options{
		WindowPages: *bWindowPages,
		Concurrency: *bConcurrency,
		Compress:    *bCompress,
		Logger:      logger,
	}
	logrus.Printf("Running benchmark with %s of input, %d threads and %d window pages",
		util.FormatSize(int64(*bInputSize)), *bThreads, *bWindowPages)

	var results []*BenchResult
	var lock sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < *bThreads; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			result, err := RunBench(ctx, int64(*bInputSize), seed, opts)
			if err != nil {
				logrus.Errorf("Error running benchmark: %v", err)
				return
			}
			lock.Lock()
			results = append(results, result)
			lock.Unlock()
		}(int64(i))
	}
	wg.Wait()

	if len(results) == 0 {
		return 1
	}
	var encrypt, decrypt time.Duration
	for _, result := range results {
		encrypt += result.Encrypt
		decrypt += result.Decrypt
	}
	encrypt /= time.Duration(len(results))
	decrypt /= time.Duration(len(results))

	speed := func(d time.Duration) string {
		return util.FormatSize(int64(float64(*bInputSize)/d.Seconds())) + "/s"
	}
	logrus.Printf("Encrypt: %v (%s), decrypt: %v (%s), %d objects stored",
		encrypt, speed(encrypt), decrypt, speed(decrypt), results[0].Chunks)
	return 0
}
