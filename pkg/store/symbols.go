package store

import (
	"context"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/elastic/devfiler/pkg/model"
)

// GetSymbol returns the stored result for a frame, or nil.
func (s *Store) GetSymbol(ctx context.Context, ref model.FrameRef) (*model.SymbolResult, error) {
	var out *model.SymbolResult
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		v := bucket(tx, Symbols).Get(frameKey(ref.Executable, ref.Address))
		if v == nil {
			return nil
		}
		r, err := decodeSymbol(v)
		if err != nil {
			return errors.Wrapf(err, "symbol %s+%#x", ref.Executable, ref.Address)
		}
		out = &r
		return nil
	})
	return out, err
}

// PutSymbol stores the symbol of a frame. Writing a symbol that is already
// stored is a no-op. The write is discarded with ErrStaleGeneration if the
// executable was invalidated after the caller read generation gen.
func (s *Store) PutSymbol(ctx context.Context, exe model.ExecutableID, addr uint64, sym model.Symbol, gen uint64) error {
	return s.PutSymbols(ctx, exe, gen, map[uint64]model.SymbolResult{
		addr: {Symbol: sym, Resolved: true},
	})
}

// PutSymbols stores the results of one resolution pass for an executable in
// a single transaction and removes the frames from the unresolved set.
func (s *Store) PutSymbols(ctx context.Context, exe model.ExecutableID, gen uint64, results map[uint64]model.SymbolResult) error {
	var written int
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		if cur := generation(tx, exe); cur != gen {
			return errors.Wrapf(ErrStaleGeneration, "executable %s generation %d, current %d", exe, gen, cur)
		}
		symbols := bucket(tx, Symbols)
		pending := bucket(tx, Pending)
		for addr, r := range results {
			key := frameKey(exe, addr)
			if err := pending.Delete(key); err != nil {
				return err
			}
			v := encodeSymbol(r)
			if old := symbols.Get(key); old != nil && string(old) == string(v) {
				continue
			}
			if err := symbols.Put(key, v); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if errors.Is(err, ErrStaleGeneration) {
		s.metrics.staleDiscarded.Add(float64(len(results)))
	}
	if err != nil {
		return err
	}
	s.bumpSeq(Pending)
	if written > 0 {
		s.bumpSeq(Symbols)
		s.metrics.symbolWrites.Add(float64(written))
	}
	return nil
}

// PutFrameSymbols stores symbols sent by the agent for interpreted frames.
// These are not tied to an executable generation.
func (s *Store) PutFrameSymbols(ctx context.Context, symbols map[model.FrameRef]model.Symbol) error {
	if len(symbols) == 0 {
		return nil
	}
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		return putFrameSymbols(tx, symbols)
	})
	if err == nil {
		s.bumpSeq(Symbols)
	}
	return err
}

func putFrameSymbols(tx *bbolt.Tx, symbols map[model.FrameRef]model.Symbol) error {
	b := bucket(tx, Symbols)
	for ref, sym := range symbols {
		key := frameKey(ref.Executable, ref.Address)
		if b.Get(key) != nil {
			continue
		}
		if err := b.Put(key, encodeSymbol(model.SymbolResult{Symbol: sym, Resolved: true})); err != nil {
			return err
		}
	}
	return nil
}
