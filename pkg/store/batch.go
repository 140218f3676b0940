package store

import (
	"context"

	"go.etcd.io/bbolt"

	"github.com/elastic/devfiler/pkg/model"
)

// BatchTrace is a trace of a batch and the number of samples it adds.
type BatchTrace struct {
	Frames []model.Frame
	Count  uint64
}

// Batch is the content of one ingested batch.
type Batch struct {
	// Symbols are the agent-provided symbols of interpreted frames.
	Symbols map[model.FrameRef]model.Symbol
	Traces  []BatchTrace
	Events  []model.TraceEvent
}

// PutBatch stores a batch in a single transaction: either every trace count
// and event of the batch is committed or none is. The context is checked
// again right before the commit, so a batch whose request is cancelled
// while it is written leaves the store unchanged.
func (s *Store) PutBatch(ctx context.Context, b *Batch) ([]model.TraceID, error) {
	keys, err := s.eventKeys(b.Events)
	if err != nil {
		return nil, err
	}
	writes := make([]traceWrite, 0, len(b.Traces))
	err = s.update(ctx, func(tx *bbolt.Tx) error {
		if err := putFrameSymbols(tx, b.Symbols); err != nil {
			return err
		}
		for _, t := range b.Traces {
			w, err := s.putTrace(tx, t.Frames, t.Count)
			if err != nil {
				return err
			}
			writes = append(writes, w)
		}
		if err := putEvents(tx, keys, b.Events); err != nil {
			return err
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	if len(b.Symbols) > 0 {
		s.bumpSeq(Symbols)
	}
	s.tracesWritten(writes...)
	if len(b.Events) > 0 {
		s.eventsWritten(len(b.Events))
	}
	ids := make([]model.TraceID, len(writes))
	for i, w := range writes {
		ids[i] = w.id
	}
	return ids, nil
}
