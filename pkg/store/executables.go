package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/elastic/devfiler/pkg/model"
	"github.com/elastic/devfiler/pkg/objstore"
)

// PutExecutable stores executable bytes under their content hash. Storing
// the same bytes again, concurrently or not, returns the same id without
// writing anything.
func (s *Store) PutExecutable(ctx context.Context, data []byte, fileName string) (model.ExecutableID, error) {
	id := model.ExecutableIDFromBytes(data)
	_, err, _ := s.uploads.Do(id.String(), func() (interface{}, error) {
		return nil, s.putExecutable(ctx, id, data, fileName)
	})
	return id, err
}

func (s *Store) putExecutable(ctx context.Context, id model.ExecutableID, data []byte, fileName string) error {
	exe, err := s.GetExecutable(ctx, id)
	switch {
	case err == nil && exe.HasBytes():
		return nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}

	name := model.BlobName(id)
	exists, err := s.bucket.Exists(ctx, name)
	if err != nil {
		return errors.Wrap(err, "check blob")
	}
	if !exists {
		if err = s.bucket.Upload(ctx, name, bytes.NewReader(data)); err != nil {
			return errors.Wrap(err, "upload blob")
		}
		s.metrics.blobWrites.Inc()
		level.Debug(s.logger).Log("msg", "stored executable bytes", "id", id, "size", len(data))
	}

	_, err = s.UpdateExecutable(ctx, id, func(e *model.Executable, created bool) error {
		if e.HasBytes() {
			return nil
		}
		e.Blob = name
		e.Size = int64(len(data))
		if e.FileName == "" {
			e.FileName = fileName
		}
		// Executables that were waiting for bytes can now be resolved. A
		// running fetch completes the transition itself.
		switch e.Status {
		case model.StatusUnknown, model.StatusDebugInfoMissing:
			e.Status = model.StatusBytesAvailable
		}
		return nil
	})
	return err
}

// PutBlob stores bytes under an object name, e.g. debug info fetched for an
// executable. The executable record is updated by the caller.
func (s *Store) PutBlob(ctx context.Context, name string, data []byte) error {
	if err := s.bucket.Upload(ctx, name, bytes.NewReader(data)); err != nil {
		return errors.Wrap(err, "upload blob")
	}
	s.metrics.blobWrites.Inc()
	return nil
}

// DeclareExecutable records an executable referenced by the agent. It
// returns true if the executable was not known before.
func (s *Store) DeclareExecutable(ctx context.Context, id model.ExecutableID, fileName string) (created bool, err error) {
	_, err = s.UpdateExecutable(ctx, id, func(e *model.Executable, isNew bool) error {
		created = isNew
		if e.FileName == "" {
			e.FileName = fileName
		}
		return nil
	})
	return created, err
}

// ErrSkipUpdate aborts an UpdateExecutable without error.
var ErrSkipUpdate = errors.New("skip update")

// UpdateExecutable applies fn to the executable record in a single write
// transaction, creating an Unknown record if there is none. Returning
// ErrSkipUpdate from fn leaves the record untouched.
func (s *Store) UpdateExecutable(ctx context.Context, id model.ExecutableID, fn func(e *model.Executable, created bool) error) (*model.Executable, error) {
	var out *model.Executable
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := bucket(tx, Executables)
		e, created, err := getOrNewExecutable(tx, id)
		if err != nil {
			return err
		}
		before := encodeExecutable(e)
		if err = fn(e, created); err != nil {
			if errors.Is(err, ErrSkipUpdate) {
				out = e
				return nil
			}
			return err
		}
		after := encodeExecutable(e)
		out = e
		if !created && bytes.Equal(before, after) {
			return nil
		}
		e.UpdatedAt = time.Now().UTC()
		s.bumpSeq(Executables)
		return b.Put(id[:], encodeExecutable(e))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func getOrNewExecutable(tx *bbolt.Tx, id model.ExecutableID) (*model.Executable, bool, error) {
	gen := generation(tx, id)
	if v := bucket(tx, Executables).Get(id[:]); v != nil {
		e, err := decodeExecutable(id, v)
		if err != nil {
			return nil, false, err
		}
		e.Generation = gen
		return e, false, nil
	}
	return &model.Executable{ID: id, Status: model.StatusUnknown, Generation: gen}, true, nil
}

func generation(tx *bbolt.Tx, id model.ExecutableID) uint64 {
	if v := bucket(tx, Generations).Get(id[:]); len(v) == 8 {
		return binary.BigEndian.Uint64(v)
	}
	return 0
}

func (s *Store) GetExecutable(ctx context.Context, id model.ExecutableID) (*model.Executable, error) {
	var e *model.Executable
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		v := bucket(tx, Executables).Get(id[:])
		if v == nil {
			return errors.Wrapf(ErrNotFound, "executable %s", id)
		}
		var err error
		if e, err = decodeExecutable(id, v); err != nil {
			return err
		}
		e.Generation = generation(tx, id)
		return nil
	})
	return e, err
}

// ListExecutables returns all executables ordered by id.
func (s *Store) ListExecutables(ctx context.Context) ([]*model.Executable, error) {
	var list []*model.Executable
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return bucket(tx, Executables).ForEach(func(k, v []byte) error {
			var id model.ExecutableID
			copy(id[:], k)
			e, err := decodeExecutable(id, v)
			if err != nil {
				return err
			}
			e.Generation = generation(tx, id)
			list = append(list, e)
			return nil
		})
	})
	return list, err
}

// ExecutableReader opens the stored bytes for random access.
func (s *Store) ExecutableReader(ctx context.Context, id model.ExecutableID) (objstore.ReaderAtCloser, error) {
	e, err := s.GetExecutable(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.HasBytes() {
		return nil, errors.Wrapf(ErrNoBytes, "executable %s", id)
	}
	return s.bucket.ReaderAt(ctx, e.Blob)
}

// ExecutableBytes streams the stored bytes.
func (s *Store) ExecutableBytes(ctx context.Context, id model.ExecutableID) (io.ReadCloser, *model.Executable, error) {
	e, err := s.GetExecutable(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !e.HasBytes() {
		return nil, nil, errors.Wrapf(ErrNoBytes, "executable %s", id)
	}
	rc, err := s.bucket.Get(ctx, e.Blob)
	if err != nil {
		return nil, nil, err
	}
	return rc, e, nil
}

// RemoveExecutable invalidates an executable: its record, bytes and symbols
// are dropped and its generation advances, so that results still being
// computed for it are discarded when written. Stored traces still reference
// its frames, so every frame that had a symbol is queued again and is
// resolved once bytes for the executable are provided anew.
func (s *Store) RemoveExecutable(ctx context.Context, id model.ExecutableID) error {
	var blob string
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		v := bucket(tx, Executables).Get(id[:])
		if v == nil {
			return errors.Wrapf(ErrNotFound, "executable %s", id)
		}
		e, err := decodeExecutable(id, v)
		if err != nil {
			return err
		}
		blob = e.Blob
		if err = bucket(tx, Executables).Delete(id[:]); err != nil {
			return err
		}
		if err = requeuePrefix(bucket(tx, Symbols), bucket(tx, Pending), id[:]); err != nil {
			return err
		}
		gen := binary.BigEndian.AppendUint64(nil, generation(tx, id)+1)
		return bucket(tx, Generations).Put(id[:], gen)
	})
	if err != nil {
		return err
	}
	s.bumpSeq(Executables)
	s.bumpSeq(Symbols)
	s.bumpSeq(Pending)
	if blob != "" {
		if err = s.bucket.Delete(ctx, blob); err != nil && !s.bucket.IsObjNotFoundErr(err) {
			return errors.Wrap(err, "delete blob")
		}
	}
	level.Info(s.logger).Log("msg", "removed executable", "id", id)
	return nil
}

// requeuePrefix moves the symbol keys with the given prefix to the pending
// keyspace.
func requeuePrefix(symbols, pending *bbolt.Bucket, prefix []byte) error {
	c := symbols.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
		if err := pending.Put(bytes.Clone(k), nil); err != nil {
			return err
		}
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}
