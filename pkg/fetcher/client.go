package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"github.com/elastic/devfiler/pkg/model"
)

// Client retrieves debug info for an executable from a symbol index.
type Client interface {
	Fetch(ctx context.Context, id model.ExecutableID) ([]byte, error)
}

// HTTPClient fetches from an index laid out as
// {endpoint}/{id[0:2]}/{id[2:4]}/{id}/debuginfo.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	backoff  backoff.Config
	maxSize  int64
	logger   log.Logger
	metrics  *metrics

	// Used to deduplicate concurrent requests for the same executable.
	group singleflight.Group
}

func NewHTTPClient(logger log.Logger, cfg Config, m *metrics) *HTTPClient {
	return &HTTPClient{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		client:   newHTTPClient(cfg.Timeout),
		backoff: backoff.Config{
			MinBackoff: time.Second,
			MaxBackoff: 10 * time.Second,
			MaxRetries: 3,
		},
		maxSize: cfg.MaxSize,
		logger:  logger,
		metrics: m,
	}
}

func (c *HTTPClient) URL(id model.ExecutableID) string {
	h := id.String()
	return fmt.Sprintf("%s/%s/%s/%s/debuginfo", c.endpoint, h[0:2], h[2:4], h)
}

func (c *HTTPClient) Fetch(ctx context.Context, id model.ExecutableID) ([]byte, error) {
	start := time.Now()
	v, err, _ := c.group.Do(id.String(), func() (interface{}, error) {
		return c.fetchWithRetries(ctx, id)
	})
	c.metrics.requestDuration.WithLabelValues(categorizeError(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	data := v.([]byte)
	c.metrics.fileSize.Observe(float64(len(data)))
	return data, nil
}

func (c *HTTPClient) fetchWithRetries(ctx context.Context, id model.ExecutableID) ([]byte, error) {
	url := c.URL(id)
	b := backoff.New(ctx, c.backoff)
	var lastErr error
	for b.Ongoing() {
		data, err := c.doRequest(ctx, url)
		if err == nil {
			return data, nil
		}
		if code, ok := isHTTPStatusError(err); ok && code == http.StatusNotFound {
			return nil, notFoundError{id: id.String()}
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
		b.Wait()
	}
	if lastErr == nil {
		lastErr = b.Err()
	}
	return nil, fmt.Errorf("failed to fetch debuginfo after %d retries: %w", b.NumRetries(), lastErr)
}

func (c *HTTPClient) doRequest(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "devfiler")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1000))
		return nil, httpStatusError{statusCode: resp.StatusCode, body: string(body)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > c.maxSize {
		return nil, tooLargeError{limit: c.maxSize}
	}
	return decompress(data, c.maxSize)
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// decompress unpacks gzip or zstd payloads and returns anything else as is.
func decompress(data []byte, limit int64) ([]byte, error) {
	var r io.Reader
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case bytes.HasPrefix(data, zstdMagic):
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return data, nil
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress debuginfo: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, tooLargeError{limit: limit}
	}
	return out, nil
}
