package objstore

import (
	"context"
	"io"

	"github.com/thanos-io/objstore"
)

// ReaderAtCloser gives random access to a stored object.
type ReaderAtCloser interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// Bucket is an object store that can serve random access reads.
type Bucket interface {
	objstore.Bucket
	ReaderAt(ctx context.Context, name string) (ReaderAtCloser, error)
}

// NewBucket adds random access reads on top of any thanos bucket. Buckets
// that already support them are returned as is.
func NewBucket(bkt objstore.Bucket) Bucket {
	if bucket, ok := bkt.(Bucket); ok {
		return bucket
	}
	return &ReaderAtBucket{
		Bucket: bkt,
	}
}

// ReaderAtBucket serves random access reads with ranged gets.
type ReaderAtBucket struct {
	objstore.Bucket
}

func (b *ReaderAtBucket) ReaderAt(ctx context.Context, name string) (ReaderAtCloser, error) {
	attrs, err := b.Bucket.Attributes(ctx, name)
	if err != nil {
		return nil, err
	}
	return &ReaderAt{
		GetRangeReader: b.Bucket,
		name:           name,
		ctx:            ctx,
		size:           attrs.Size,
	}, nil
}

type GetRangeReader interface {
	GetRange(ctx context.Context, name string, off, length int64) (io.ReadCloser, error)
}

type ReaderAt struct {
	GetRangeReader
	name string
	ctx  context.Context
	size int64
}

func (b *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= b.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if rem := b.size - off; want > rem {
		want = rem
	}
	rc, err := b.GetRangeReader.GetRange(b.ctx, b.name, off, want)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	n, err := io.ReadFull(rc, p[:want])
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	if err == nil && int64(n) < int64(len(p)) {
		err = io.EOF
	}
	return n, err
}

func (b *ReaderAt) Size() int64 { return b.size }

func (b *ReaderAt) Close() error {
	return nil
}
