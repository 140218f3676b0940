package connectapi

import (
	"io"

	"connectrpc.com/connect"
	"github.com/klauspost/compress/gzip"
)

const compressionGzip = "gzip"

func newGzipDecompressor() connect.Decompressor { return &gzip.Reader{} }

func newGzipCompressor() connect.Compressor {
	w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
	return w
}

func WithGzipHandler() connect.HandlerOption {
	return connect.WithCompression(compressionGzip, newGzipDecompressor, newGzipCompressor)
}

func WithGzipClient() connect.ClientOption {
	return connect.WithClientOptions(
		connect.WithAcceptCompression(compressionGzip, newGzipDecompressor, newGzipCompressor),
		connect.WithSendCompression(compressionGzip),
	)
}
