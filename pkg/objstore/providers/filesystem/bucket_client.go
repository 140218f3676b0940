package filesystem

import (
	"context"
	"path/filepath"

	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
	"golang.org/x/exp/mmap"

	devfilerobjstore "github.com/elastic/devfiler/pkg/objstore"
)

// Bucket is a filesystem bucket whose random access reads are served from
// memory mapped files.
type Bucket struct {
	objstore.Bucket
	rootDir string
}

// NewBucket returns a new filesystem.Bucket.
func NewBucket(rootDir string, middlewares ...func(objstore.Bucket) (objstore.Bucket, error)) (*Bucket, error) {
	var (
		b   objstore.Bucket
		err error
	)
	b, err = filesystem.NewBucket(rootDir)
	if err != nil {
		return nil, err
	}
	for _, wrap := range middlewares {
		b, err = wrap(b)
		if err != nil {
			return nil, err
		}
	}
	return &Bucket{Bucket: b, rootDir: rootDir}, nil
}

func (b *Bucket) ReaderAt(_ context.Context, name string) (devfilerobjstore.ReaderAtCloser, error) {
	r, err := mmap.Open(filepath.Join(b.rootDir, filepath.FromSlash(name)))
	if err != nil {
		return nil, err
	}
	return &MappedReaderAt{ReaderAt: r}, nil
}

// MappedReaderAt reads a memory mapped object. Pages are only loaded on
// access, so large executables do not have to fit in memory.
type MappedReaderAt struct {
	*mmap.ReaderAt
}

func (r *MappedReaderAt) Size() int64 { return int64(r.Len()) }
