package client

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestNewBucket(t *testing.T) {
	for _, tc := range []struct {
		name   string
		config string
		err    bool
	}{
		{name: "filesystem", config: "backend: filesystem\ndirectory: " + t.TempDir()},
		{name: "memory", config: "backend: memory"},
		{name: "filesystem without directory", config: "backend: filesystem", err: true},
		{name: "unknown", config: "backend: s3", err: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			require.NoError(t, yaml.Unmarshal([]byte(tc.config), &cfg))

			bkt, err := NewBucket(cfg)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer bkt.Close()

			ctx := context.Background()
			payload := []byte("0123456789abcdef")
			require.NoError(t, bkt.Upload(ctx, "executables/a", bytes.NewReader(payload)))

			r, err := bkt.ReaderAt(ctx, "executables/a")
			require.NoError(t, err)
			defer r.Close()
			require.Equal(t, int64(len(payload)), r.Size())

			buf := make([]byte, 4)
			n, err := r.ReadAt(buf, 10)
			require.NoError(t, err)
			require.Equal(t, 4, n)
			require.Equal(t, []byte("abcd"), buf)

			n, err = r.ReadAt(buf, 14)
			require.Equal(t, io.EOF, err)
			require.Equal(t, 2, n)
		})
	}
}
