package client

import (
	"github.com/pkg/errors"
	"github.com/thanos-io/objstore"
	objstoretracing "github.com/thanos-io/objstore/tracing/opentracing"

	devfilerobj "github.com/elastic/devfiler/pkg/objstore"
	"github.com/elastic/devfiler/pkg/objstore/providers/filesystem"
)

// NewBucket creates a new bucket client based on the configured backend.
func NewBucket(cfg Config) (devfilerobj.Bucket, error) {
	switch cfg.Backend {
	case Filesystem:
		if cfg.Directory == "" {
			return nil, errors.New("missing directory for filesystem bucket")
		}
		// The filesystem bucket serves ReaderAt itself from mmapped files.
		return filesystem.NewBucket(cfg.Directory, withTraces)
	case Memory:
		b, _ := withTraces(objstore.NewInMemBucket())
		return devfilerobj.NewBucket(b), nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedStorageBackend, "%q", cfg.Backend)
	}
}

func withTraces(b objstore.Bucket) (objstore.Bucket, error) {
	return objstoretracing.WrapWithTraces(b), nil
}
