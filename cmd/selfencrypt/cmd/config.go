package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	selfencryption "github.com/waynenilsen/self-encryption"
	"github.com/waynenilsen/self-encryption/internal/tracing"
	"github.com/waynenilsen/self-encryption/store"
	"github.com/waynenilsen/self-encryption/store/badgerstore"
	"github.com/waynenilsen/self-encryption/store/erasure"
	"github.com/waynenilsen/self-encryption/store/s3store"
)

var ErrUnknownBackend = errors.New("unknown store backend")

// Config is the configuration file of the command line tool.
type Config struct {
	Store       StoreConfig    `yaml:"store"`
	MinChunk    uint32         `yaml:"min_chunk_size"`
	MaxChunk    uint32         `yaml:"max_chunk_size"`
	WindowPages int            `yaml:"window_pages"`
	Concurrency int            `yaml:"concurrency"`
	Compress    bool           `yaml:"compress"`
	LogLevel    string         `yaml:"log_level"`
	Tracing     tracing.Config `yaml:"tracing"`
}

type StoreConfig struct {
	// Backend is one of badger, s3 or erasure.
	Backend string `yaml:"backend"`

	Badger struct {
		Path       string `yaml:"path"`
		SyncWrites bool   `yaml:"sync_writes"`
	} `yaml:"badger"`

	S3 struct {
		Bucket string `yaml:"bucket"`
		Prefix string `yaml:"prefix"`
		Region string `yaml:"region"`
	} `yaml:"s3"`

	// Erasure spreads every chunk over one Badger database per path.
	Erasure struct {
		Paths        []string `yaml:"paths"`
		ParityShards int      `yaml:"parity_shards"`
	} `yaml:"erasure"`

	// Verbose logs every store operation.
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig stores chunks in a Badger database in the working directory.
func DefaultConfig() *Config {
	c := &Config{
		MinChunk:    selfencryption.MinChunkSize,
		MaxChunk:    selfencryption.MaxChunkSize,
		WindowPages: selfencryption.DefaultWindowPages,
		LogLevel:    "info",
		Tracing:     tracing.DefaultConfig(),
	}
	c.Store.Backend = "badger"
	c.Store.Badger.Path = "chunks"
	c.Store.S3.Prefix = s3store.DefaultConfig.Prefix
	c.Store.Erasure.ParityShards = 1
	return c
}

// LoadConfig reads the configuration file at path, if any, on top of the
// defaults. Environment variables, optionally from a .env file, override both.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if v := os.Getenv("SELFENCRYPT_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("SELFENCRYPT_BADGER_PATH"); v != "" {
		c.Store.Badger.Path = v
	}
	if v := os.Getenv("SELFENCRYPT_S3_BUCKET"); v != "" {
		c.Store.S3.Bucket = v
	}
	if v := os.Getenv("SELFENCRYPT_S3_PREFIX"); v != "" {
		c.Store.S3.Prefix = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" && c.Store.S3.Region == "" {
		c.Store.S3.Region = v
	}
	if v := os.Getenv("SELFENCRYPT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return c, nil
}

// Options returns the encryptor options described by the configuration.
func (c *Config) Options(logger *logrus.Logger) *selfencryption.Options {
	return &selfencryption.Options{
		Sizing:      selfencryption.Sizing{Min: c.MinChunk, Max: c.MaxChunk},
		WindowPages: c.WindowPages,
		Concurrency: c.Concurrency,
		Compress:    c.Compress,
		Logger:      logger,
	}
}

// Logger returns a logger at the configured level.
func (c *Config) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(os.Stderr)
	return logger, nil
}

// OpenStore opens the configured backend. The returned function releases it.
func OpenStore(ctx context.Context, c StoreConfig, logger *logrus.Logger) (store.ChunkStore, func() error, error) {
	var (
		s       store.ChunkStore
		release = func() error { return nil }
	)

	switch c.Backend {
	case "badger":
		db, err := badgerstore.Open(badgerstore.Config{
			Path:       c.Badger.Path,
			SyncWrites: c.Badger.SyncWrites,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		s, release = db, db.Close

	case "s3":
		var opts []func(*awsconfig.LoadOptions) error
		if c.S3.Region != "" {
			opts = append(opts, awsconfig.WithRegion(c.S3.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		s3s, err := s3store.NewFromConfig(ctx, cfg, s3store.Config{
			Bucket:       c.S3.Bucket,
			Prefix:       c.S3.Prefix,
			SkipExisting: true,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.WithField("bucket", c.S3.Bucket).Debug("using S3 store")
		s = s3s

	case "erasure":
		paths := c.Erasure.Paths
		if len(paths) <= c.Erasure.ParityShards {
			return nil, nil, fmt.Errorf("erasure store needs more paths than parity shards, got %d paths", len(paths))
		}
		backends := make([]store.ChunkStore, len(paths))
		dbs := make([]*badgerstore.Store, 0, len(paths))
		closeAll := func() error {
			var errs []error
			for _, db := range dbs {
				errs = append(errs, db.Close())
			}
			return errors.Join(errs...)
		}
		for i, path := range paths {
			db, err := badgerstore.Open(badgerstore.Config{
				Path:   filepath.Clean(path),
				Logger: logger,
			})
			if err != nil {
				_ = closeAll()
				return nil, nil, err
			}
			dbs = append(dbs, db)
			backends[i] = db
		}
		es, err := erasure.New(backends, len(paths)-c.Erasure.ParityShards, c.Erasure.ParityShards)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		s, release = es, closeAll

	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}

	if c.Verbose {
		s = store.WithLogging(s, logger, c.Backend)
	}
	return s, release, nil
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	config *string
	trace  *bool
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		config: fs.String("config", "", "path to a YAML configuration file"),
		trace:  fs.Bool("trace", false, "print OpenTelemetry spans to stderr"),
	}
}

// env is everything a subcommand needs to run.
type env struct {
	config *Config
	logger *logrus.Logger
	store  store.ChunkStore
	close  func() error
}

// setup loads the configuration, opens the store and starts tracing.
func (f commonFlags) setup(ctx context.Context) (*env, error) {
	config, err := LoadConfig(*f.config)
	if err != nil {
		return nil, err
	}
	logger, err := config.Logger()
	if err != nil {
		return nil, err
	}

	if *f.trace {
		config.Tracing.Enabled = true
		config.Tracing.Output = os.Stderr
	}
	provider, err := tracing.Setup(ctx, config.Tracing, logger)
	if err != nil {
		return nil, err
	}

	s, closeStore, err := OpenStore(ctx, config.Store, logger)
	if err != nil {
		return nil, err
	}
	return &env{
		config: config,
		logger: logger,
		store:  s,
		close: func() error {
			return errors.Join(closeStore(), provider.Shutdown(context.Background()))
		},
	}, nil
}
