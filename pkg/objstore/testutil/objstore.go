package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elastic/devfiler/pkg/objstore"
	"github.com/elastic/devfiler/pkg/objstore/client"
)

// NewFilesystemBucket returns a bucket rooted in a test temp directory.
func NewFilesystemBucket(t testing.TB) (objstore.Bucket, string) {
	dir := t.TempDir()
	bkt, err := client.NewBucket(client.Config{Backend: client.Filesystem, Directory: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bkt.Close() })
	return bkt, dir
}
