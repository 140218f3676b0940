package store

import (
	"context"
	"encoding/binary"
	"flag"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.etcd.io/bbolt"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/elastic/devfiler/pkg/model"
	"github.com/elastic/devfiler/pkg/objstore"
)

const boltDBFileName = "devfiler.boltdb"

// Keyspace is a logically separate partition of the store.
type Keyspace int

const (
	Executables Keyspace = iota
	Traces
	Pending
	Symbols
	Events
	Generations
	numKeyspaces
)

var keyspaceNames = [numKeyspaces][]byte{
	Executables: []byte("executables"),
	Traces:      []byte("traces"),
	Pending:     []byte("pending_frames"),
	Symbols:     []byte("symbols"),
	Events:      []byte("trace_events"),
	Generations: []byte("generations"),
}

func (k Keyspace) String() string { return string(keyspaceNames[k]) }

var (
	ErrNotFound        = errors.New("not found")
	ErrNoBytes         = errors.New("executable bytes not available")
	ErrStaleGeneration = errors.New("executable was invalidated")
)

type Config struct {
	Path string `yaml:"path"`
	// TraceCacheSize is the number of decoded traces kept in memory.
	TraceCacheSize int64 `yaml:"trace_cache_size"`
	// NoSync disables fsync after commits. Tests only.
	NoSync bool `yaml:"-"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Path, "storage.path", "./data", "Directory holding the database and, for the filesystem backend, executable bytes.")
	f.Int64Var(&cfg.TraceCacheSize, "storage.trace-cache-size", 1<<16, "Number of decoded traces to keep in memory.")
}

func (cfg *Config) Validate() error {
	if cfg.Path == "" {
		return errors.New("storage path is required")
	}
	if cfg.TraceCacheSize <= 0 {
		return errors.New("trace cache size must be positive")
	}
	return nil
}

// Store is the durable, content addressed persistence of executables,
// traces, symbols and trace events. Every operation is a single bbolt
// transaction, so records of one keyspace are never affected by a failed
// write to another. The store does not retry.
type Store struct {
	logger  log.Logger
	config  Config
	path    string
	db      *bbolt.DB
	bucket  objstore.Bucket
	metrics *metrics

	uploads singleflight.Group
	traces  *ristretto.Cache[string, []model.Frame]

	seq     [numKeyspaces]atomic.Uint64
	pending chan struct{}

	ulidMu sync.Mutex
	ulids  *ulidSource
}

// Open opens or creates the database in cfg.Path.
func Open(cfg Config, bucket objstore.Bucket, logger log.Logger, reg prometheus.Registerer) (s *Store, err error) {
	s = &Store{
		logger:  log.With(logger, "component", "store"),
		config:  cfg,
		bucket:  bucket,
		metrics: newMetrics(reg),
		pending: make(chan struct{}, 1),
		ulids:   newULIDSource(),
	}
	defer func() {
		if err != nil {
			// If the initialization fails, initialized components
			// should be de-initialized gracefully.
			s.shutdown()
		}
	}()

	if err = os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, errors.Wrap(err, "db dir")
	}
	s.path = filepath.Join(cfg.Path, boltDBFileName)
	opts := *bbolt.DefaultOptions
	opts.Timeout = time.Second
	opts.NoSync = cfg.NoSync
	if s.db, err = bbolt.Open(s.path, 0o644, &opts); err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if err = s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range keyspaceNames {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	s.traces, err = ristretto.NewCache(&ristretto.Config[string, []model.Frame]{
		NumCounters:        cfg.TraceCacheSize * 10,
		MaxCost:            cfg.TraceCacheSize,
		BufferItems:        64,
		IgnoreInternalCost: true,
		// Keys are trace ids, which are already uniformly distributed.
		KeyToHash: func(key string) (uint64, uint64) {
			return binary.LittleEndian.Uint64([]byte(key[:8])), binary.LittleEndian.Uint64([]byte(key[8:]))
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "trace cache")
	}
	level.Info(s.logger).Log("msg", "opened store", "path", s.path)
	return s, nil
}

func (s *Store) shutdown() error {
	var errs multierror.Error
	if s.traces != nil {
		s.traces.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			level.Error(s.logger).Log("msg", "failed to close database", "err", err)
			errs.Errors = append(errs.Errors, err)
		}
	}
	if s.bucket != nil {
		if err := s.bucket.Close(); err != nil {
			level.Error(s.logger).Log("msg", "failed to close blob bucket", "err", err)
			errs.Errors = append(errs.Errors, err)
		}
	}
	return errs.ErrorOrNil()
}

// Close closes the database and the blob bucket.
func (s *Store) Close() error { return s.shutdown() }

// Pending is signalled whenever frames are added to the unresolved set.
func (s *Store) Pending() <-chan struct{} { return s.pending }

// NotifyPending wakes consumers of Pending, e.g. after bytes were installed
// for an executable with queued frames.
func (s *Store) NotifyPending() { s.notifyPending() }

func (s *Store) notifyPending() {
	select {
	case s.pending <- struct{}{}:
	default:
	}
}

func (s *Store) bumpSeq(ks Keyspace) { s.seq[ks].Inc() }

// Seq returns the write sequence number of a keyspace. It changes whenever
// the keyspace was written, which lets readers detect changes cheaply.
func (s *Store) Seq(ks Keyspace) uint64 { return s.seq[ks].Load() }

// LastSeq combines the sequence numbers of all keyspaces.
func (s *Store) LastSeq() uint64 {
	var sum uint64
	for i := range s.seq {
		sum += s.seq[i].Load()
	}
	return sum
}

func (s *Store) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *Store) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func bucket(tx *bbolt.Tx, ks Keyspace) *bbolt.Bucket { return tx.Bucket(keyspaceNames[ks]) }

// KeyspaceStats describes the size of one keyspace.
type KeyspaceStats struct {
	Name string `json:"name"`
	Keys int    `json:"keys"`
	Seq  uint64 `json:"seq"`
}

// Stats describes the database.
type Stats struct {
	Keyspaces []KeyspaceStats `json:"keyspaces"`
	SizeBytes int64           `json:"size_bytes"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		st.SizeBytes = tx.Size()
		for ks := Keyspace(0); ks < numKeyspaces; ks++ {
			st.Keyspaces = append(st.Keyspaces, KeyspaceStats{
				Name: ks.String(),
				Keys: bucket(tx, ks).Stats().KeyN,
				Seq:  s.Seq(ks),
			})
		}
		return nil
	})
	return st, err
}
