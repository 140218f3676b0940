package store

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/elastic/devfiler/pkg/model"
)

// PutTrace stores a trace, or adds count to the aggregate sample count of
// the identical trace stored before. The increment and the insert happen in
// one transaction, so concurrent writers of the same trace never create two
// records nor lose an increment.
//
// Executables referenced by native frames are declared, and native frames
// without a symbol are added to the unresolved set.
func (s *Store) PutTrace(ctx context.Context, frames []model.Frame, count uint64) (model.TraceID, error) {
	var w traceWrite
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		var err error
		w, err = s.putTrace(tx, frames, count)
		return err
	})
	if err != nil {
		return w.id, err
	}
	s.tracesWritten(w)
	return w.id, nil
}

// traceWrite records what putTrace changed. It is applied to the in-memory
// state only once the transaction committed.
type traceWrite struct {
	id       model.TraceID
	frames   []model.Frame
	inserted bool
	queued   bool
	declared bool
}

func (s *Store) putTrace(tx *bbolt.Tx, frames []model.Frame, count uint64) (traceWrite, error) {
	if count == 0 {
		count = 1
	}
	w := traceWrite{id: model.TraceIDFromFrames(frames), frames: frames}
	traces := bucket(tx, Traces)
	if v := traces.Get(w.id[:]); v != nil {
		if len(v) < traceCountSize {
			return w, errors.Wrapf(ErrCorrupted, "trace %s", w.id)
		}
		// Frames are immutable, only the counter changes.
		updated := make([]byte, len(v))
		copy(updated, v)
		binary.BigEndian.PutUint64(updated, binary.BigEndian.Uint64(v)+count)
		if err := traces.Put(w.id[:], updated); err != nil {
			return w, err
		}
		// Frames of an executable removed since the trace was first seen
		// lost their pending entries and need to be queued again.
		var err error
		w.queued, w.declared, err = s.indexFrames(tx, frames)
		return w, err
	}
	w.inserted = true
	if err := traces.Put(w.id[:], encodeTrace(count, frames)); err != nil {
		return w, err
	}
	var err error
	w.queued, w.declared, err = s.indexFrames(tx, frames)
	return w, err
}

func (s *Store) tracesWritten(ws ...traceWrite) {
	var queued, declared bool
	for _, w := range ws {
		if w.inserted {
			s.metrics.traceInserts.Inc()
			s.traces.Set(string(w.id[:]), w.frames, 1)
		} else {
			s.metrics.traceMerges.Inc()
		}
		queued = queued || w.queued
		declared = declared || w.declared
	}
	if len(ws) > 0 {
		s.bumpSeq(Traces)
	}
	if declared {
		s.bumpSeq(Executables)
	}
	if queued {
		s.bumpSeq(Pending)
		s.notifyPending()
	}
}

// indexFrames declares the executables of native frames and queues the
// frames that have neither a symbol nor a pending entry.
func (s *Store) indexFrames(tx *bbolt.Tx, frames []model.Frame) (queued, declared bool, err error) {
	var (
		executables = bucket(tx, Executables)
		symbols     = bucket(tx, Symbols)
		pending     = bucket(tx, Pending)
	)
	for _, f := range frames {
		if !f.Kind.IsNative() {
			continue
		}
		if executables.Get(f.Executable[:]) == nil {
			e, _, err := getOrNewExecutable(tx, f.Executable)
			if err != nil {
				return false, false, err
			}
			if err = executables.Put(f.Executable[:], encodeExecutable(e)); err != nil {
				return false, false, err
			}
			declared = true
		}
		key := frameKey(f.Executable, f.Address)
		if symbols.Get(key) != nil || pending.Get(key) != nil {
			continue
		}
		if err = pending.Put(key, nil); err != nil {
			return false, false, err
		}
		queued = true
	}
	return queued, declared, nil
}

// TraceFrames returns the frames of a stored trace.
func (s *Store) TraceFrames(ctx context.Context, id model.TraceID) ([]model.Frame, uint64, error) {
	var (
		frames []model.Frame
		count  uint64
	)
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		var err error
		frames, count, err = s.traceFrames(tx, id)
		return err
	})
	return frames, count, err
}

func (s *Store) traceFrames(tx *bbolt.Tx, id model.TraceID) ([]model.Frame, uint64, error) {
	v := bucket(tx, Traces).Get(id[:])
	if v == nil {
		return nil, 0, errors.Wrapf(ErrNotFound, "trace %s", id)
	}
	if len(v) < traceCountSize {
		return nil, 0, errors.Wrapf(ErrCorrupted, "trace %s", id)
	}
	count := binary.BigEndian.Uint64(v)
	if frames, ok := s.traces.Get(string(id[:])); ok {
		return frames, count, nil
	}
	frames, err := model.DecodeFrames(v[traceCountSize:])
	if err != nil {
		return nil, 0, errors.Wrapf(err, "trace %s", id)
	}
	s.traces.Set(string(id[:]), frames, 1)
	return frames, count, nil
}

// ResolvedFrame is a frame joined with whatever is known about its symbol.
type ResolvedFrame struct {
	Frame      model.Frame      `json:"frame"`
	Resolution model.Resolution `json:"resolution"`
	Symbol     *model.Symbol    `json:"symbol,omitempty"`
	// Name is the function name to display, or a placeholder.
	Name string `json:"name"`
}

// ResolvedTrace is a trace resolved as far as currently possible.
type ResolvedTrace struct {
	ID     model.TraceID   `json:"id"`
	Count  uint64          `json:"count"`
	Frames []ResolvedFrame `json:"frames"`
}

// QueryTrace joins the frames of a trace with the available symbols. Every
// frame of the trace is present in the result; frames without a symbol say
// whether they are still queued or cannot be resolved for now.
func (s *Store) QueryTrace(ctx context.Context, id model.TraceID) (*ResolvedTrace, error) {
	var out *ResolvedTrace
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		frames, count, err := s.traceFrames(tx, id)
		if err != nil {
			return err
		}
		out = &ResolvedTrace{ID: id, Count: count, Frames: make([]ResolvedFrame, 0, len(frames))}
		statuses := map[model.ExecutableID]model.Status{}
		for _, f := range frames {
			rf, err := resolveFrame(tx, f, statuses)
			if err != nil {
				return err
			}
			out.Frames = append(out.Frames, rf)
		}
		return nil
	})
	return out, err
}

func resolveFrame(tx *bbolt.Tx, f model.Frame, statuses map[model.ExecutableID]model.Status) (ResolvedFrame, error) {
	rf := ResolvedFrame{Frame: f, Resolution: model.ResolutionUnresolved}
	if f.Kind.IsAbort() || f.Kind.IsError() {
		rf.Name = model.DisplayName(f, nil)
		return rf, nil
	}
	key := frameKey(f.Executable, f.Address)
	if v := bucket(tx, Symbols).Get(key); v != nil {
		r, err := decodeSymbol(v)
		if err != nil {
			return rf, errors.Wrapf(err, "symbol %s+%#x", f.Executable, f.Address)
		}
		if r.Resolved {
			rf.Resolution = model.ResolutionResolved
			rf.Symbol = &r.Symbol
		}
		rf.Name = model.DisplayName(f, rf.Symbol)
		return rf, nil
	}
	rf.Name = model.DisplayName(f, nil)
	if !f.Kind.IsNative() {
		return rf, nil
	}
	status, ok := statuses[f.Executable]
	if !ok {
		status = model.StatusUnknown
		if v := bucket(tx, Executables).Get(f.Executable[:]); v != nil {
			e, err := decodeExecutable(f.Executable, v)
			if err != nil {
				return rf, err
			}
			status = e.Status
		}
		statuses[f.Executable] = status
	}
	switch status {
	case model.StatusBytesAvailable, model.StatusResolving, model.StatusResolved:
		if bucket(tx, Pending).Get(key) != nil {
			rf.Resolution = model.ResolutionPending
		}
	}
	return rf, nil
}

// GetUnresolvedFrames returns up to limit native frames that have no symbol
// yet, grouped by executable. It runs in a read transaction and never
// blocks writers.
func (s *Store) GetUnresolvedFrames(ctx context.Context, limit int) ([]model.FrameRef, error) {
	return s.unresolvedFrames(ctx, nil, limit)
}

// UnresolvedFramesFor is GetUnresolvedFrames restricted to one executable.
func (s *Store) UnresolvedFramesFor(ctx context.Context, id model.ExecutableID, limit int) ([]model.FrameRef, error) {
	return s.unresolvedFrames(ctx, id[:], limit)
}

func (s *Store) unresolvedFrames(ctx context.Context, prefix []byte, limit int) ([]model.FrameRef, error) {
	var refs []model.FrameRef
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		it := NewCursorIter(prefix, bucket(tx, Pending).Cursor())
		defer it.Close()
		for it.Next() {
			if limit > 0 && len(refs) >= limit {
				break
			}
			ref, err := parseFrameKey(it.At().Key)
			if err != nil {
				return err
			}
			refs = append(refs, ref)
		}
		return it.Err()
	})
	return refs, err
}

// PendingExecutables returns the executables that have unresolved frames.
func (s *Store) PendingExecutables(ctx context.Context) ([]model.ExecutableID, error) {
	var ids []model.ExecutableID
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		c := bucket(tx, Pending).Cursor()
		for k, _ := c.First(); k != nil; {
			ref, err := parseFrameKey(k)
			if err != nil {
				return err
			}
			ids = append(ids, ref.Executable)
			// Skip the remaining frames of this executable.
			next := frameKey(ref.Executable, ^uint64(0))
			if k, _ = c.Seek(next); k != nil && string(k) == string(next) {
				k, _ = c.Next()
			}
		}
		return nil
	})
	return ids, err
}
