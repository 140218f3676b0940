package settings

import (
	"bytes"
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/thanos-io/objstore"
	"go.uber.org/atomic"
)

var ErrOldSetting = errors.New("newer update already written")

const settingsFilename = "settings.json"

// Snapshot is the set of runtime settings changeable through the query API.
type Snapshot struct {
	// FetchEnabled allows outbound requests to the symbol index.
	FetchEnabled bool `json:"fetch_enabled" yaml:"fetch_enabled"`
	// ModifiedAt is the client supplied update time in milliseconds. Updates
	// older than the stored value are rejected.
	ModifiedAt int64 `json:"modified_at" yaml:"modified_at"`
}

// Settings serves lock free reads of the current snapshot and persists
// updates to the bucket.
type Settings struct {
	rw           sync.Mutex
	current      atomic.Pointer[Snapshot]
	bucket       objstore.Bucket
	fetchAllowed bool
}

type Option func(*Settings)

// WithFetchAllowed caps FetchEnabled. When false, neither a stored snapshot
// nor an update turns fetching on.
func WithFetchAllowed(allowed bool) Option {
	return func(s *Settings) { s.fetchAllowed = allowed }
}

// NewBucketStore creates settings backed by bucket, starting from defaults
// until Load finds a stored snapshot.
func NewBucketStore(bucket objstore.Bucket, defaults Snapshot, opts ...Option) *Settings {
	s := &Settings{bucket: bucket, fetchAllowed: true}
	for _, o := range opts {
		o(s)
	}
	s.current.Store(s.effective(defaults))
	return s
}

// NewMemoryStore creates settings with an in-memory bucket.
func NewMemoryStore(defaults Snapshot, opts ...Option) *Settings {
	return NewBucketStore(objstore.NewInMemBucket(), defaults, opts...)
}

func (s *Settings) effective(snap Snapshot) *Snapshot {
	snap.FetchEnabled = snap.FetchEnabled && s.fetchAllowed
	return &snap
}

func (s *Settings) Get() Snapshot { return *s.current.Load() }

func (s *Settings) FetchEnabled() bool { return s.current.Load().FetchEnabled }

// Set replaces the snapshot and flushes it. The stored snapshot keeps the
// requested values; the returned one is what is in effect.
func (s *Settings) Set(ctx context.Context, snap Snapshot) (Snapshot, error) {
	s.rw.Lock()
	defer s.rw.Unlock()

	if old := s.current.Load(); old.ModifiedAt > snap.ModifiedAt {
		return *old, errors.Wrapf(ErrOldSetting, "modified at %d, stored %d", snap.ModifiedAt, old.ModifiedAt)
	}
	if err := s.unsafeFlush(ctx, &snap); err != nil {
		return snap, err
	}
	cur := s.effective(snap)
	s.current.Store(cur)
	return *cur, nil
}

// Load reads the stored snapshot, if any. It replaces the defaults within
// the WithFetchAllowed cap.
func (s *Settings) Load(ctx context.Context) error {
	s.rw.Lock()
	defer s.rw.Unlock()

	reader, err := s.bucket.Get(ctx, settingsFilename)
	if err != nil {
		if s.bucket.IsObjNotFoundErr(err) {
			return nil
		}
		return err
	}
	defer reader.Close()

	var snap Snapshot
	if err := jsoniter.NewDecoder(reader).Decode(&snap); err != nil {
		return errors.Wrap(err, "decoding settings")
	}
	s.current.Store(s.effective(snap))
	return nil
}

// unsafeFlush writes snap to the bucket. The write mutex must be held.
func (s *Settings) unsafeFlush(ctx context.Context, snap *Snapshot) error {
	data, err := jsoniter.Marshal(snap)
	if err != nil {
		return err
	}
	return s.bucket.Upload(ctx, settingsFilename, bytes.NewReader(data))
}
