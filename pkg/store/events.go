package store

import (
	"context"
	"crypto/rand"
	"io"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/elastic/devfiler/pkg/model"
)

type ulidSource struct {
	entropy io.Reader
}

func newULIDSource() *ulidSource {
	return &ulidSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func eventTime(t time.Time) uint64 {
	if t.Before(time.Unix(0, 0)) {
		return 0
	}
	return ulid.Timestamp(t)
}

// Event keys are ULIDs of the event timestamp, so the keyspace is ordered by
// time and events with equal timestamps do not collide.
func (s *Store) eventKey(t time.Time) (ulid.ULID, error) {
	s.ulidMu.Lock()
	defer s.ulidMu.Unlock()
	return ulid.New(eventTime(t), s.ulids.entropy)
}

// PutEvents stores trace events.
func (s *Store) PutEvents(ctx context.Context, events []model.TraceEvent) error {
	if len(events) == 0 {
		return nil
	}
	keys, err := s.eventKeys(events)
	if err != nil {
		return err
	}
	err = s.update(ctx, func(tx *bbolt.Tx) error {
		return putEvents(tx, keys, events)
	})
	if err != nil {
		return err
	}
	s.eventsWritten(len(events))
	return nil
}

func (s *Store) eventKeys(events []model.TraceEvent) ([]ulid.ULID, error) {
	keys := make([]ulid.ULID, len(events))
	for i := range events {
		k, err := s.eventKey(events[i].Timestamp)
		if err != nil {
			return nil, errors.Wrap(err, "event key")
		}
		keys[i] = k
	}
	return keys, nil
}

func putEvents(tx *bbolt.Tx, keys []ulid.ULID, events []model.TraceEvent) error {
	b := bucket(tx, Events)
	for i := range events {
		if err := b.Put(keys[i][:], encodeEvent(&events[i])); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) eventsWritten(n int) {
	s.bumpSeq(Events)
	s.metrics.events.Add(float64(n))
}

// scanEvents calls fn for every event of the given kind in [start, end).
func (s *Store) scanEvents(ctx context.Context, start, end time.Time, kind model.SampleKind, fn func(model.TraceEvent)) error {
	var from ulid.ULID
	if err := from.SetTime(eventTime(start)); err != nil {
		return errors.Wrap(err, "range start")
	}
	endMs := eventTime(end)
	return s.view(ctx, func(tx *bbolt.Tx) error {
		c := bucket(tx, Events).Cursor()
		n := 0
		for k, v := c.Seek(from[:]); k != nil; k, v = c.Next() {
			var id ulid.ULID
			copy(id[:], k)
			if id.Time() > endMs {
				break
			}
			// Cancellation is checked periodically, long ranges are
			// expensive.
			if n++; n%4096 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			ev, err := decodeEvent(v)
			if err != nil {
				return err
			}
			if ev.Timestamp.Before(start) || !ev.Timestamp.Before(end) || !ev.Kind.Matches(kind) {
				continue
			}
			fn(ev)
		}
		return nil
	})
}

// TraceCount is the number of samples of a trace within a time range.
type TraceCount struct {
	Trace model.TraceID `json:"trace"`
	Count uint64        `json:"count"`
}

// SampleTraces merges the events of [start, end) by trace, ordered by count
// descending.
func (s *Store) SampleTraces(ctx context.Context, start, end time.Time, kind model.SampleKind) ([]TraceCount, error) {
	counts := map[model.TraceID]uint64{}
	err := s.scanEvents(ctx, start, end, kind, func(ev model.TraceEvent) {
		counts[ev.Trace] += uint64(ev.Count)
	})
	if err != nil {
		return nil, err
	}
	out := make([]TraceCount, 0, len(counts))
	for id, c := range counts {
		out = append(out, TraceCount{Trace: id, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return string(out[i].Trace[:]) < string(out[j].Trace[:])
	})
	return out, nil
}

// TimeBucket is the number of samples in a time bucket.
type TimeBucket struct {
	Start time.Time `json:"start"`
	Count uint64    `json:"count"`
}

// EventCountBuckets splits [start, end) in n equal buckets and counts the
// samples in each.
func (s *Store) EventCountBuckets(ctx context.Context, start, end time.Time, n int, kind model.SampleKind) ([]TimeBucket, error) {
	if n <= 0 || !end.After(start) {
		return nil, errors.New("invalid bucket range")
	}
	width := end.Sub(start) / time.Duration(n)
	if width <= 0 {
		width = 1
	}
	buckets := make([]TimeBucket, n)
	for i := range buckets {
		buckets[i].Start = start.Add(time.Duration(i) * width)
	}
	err := s.scanEvents(ctx, start, end, kind, func(ev model.TraceEvent) {
		i := int(ev.Timestamp.Sub(start) / width)
		if i >= n {
			i = n - 1
		}
		buckets[i].Count += uint64(ev.Count)
	})
	return buckets, err
}

// FlushEvents drops all trace events. Traces and symbols are kept.
func (s *Store) FlushEvents(ctx context.Context) error {
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		name := keyspaceNames[Events]
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
		_, err := tx.CreateBucket(name)
		return err
	})
	if err == nil {
		s.bumpSeq(Events)
	}
	return err
}
