// Package ingest receives profiling batches from agents over a bidirectional
// connect stream and writes them to the store.
package ingest

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/elastic/devfiler/pkg/api"
	"github.com/elastic/devfiler/pkg/model"
	"github.com/elastic/devfiler/pkg/registry"
	"github.com/elastic/devfiler/pkg/store"
	"github.com/elastic/devfiler/pkg/util"
)

type Config struct {
	MaxMessageSize int `yaml:"max_message_size" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.MaxMessageSize, "ingest.max-message-size", 256<<20, "Maximum size in bytes of a single batch, including uploaded executables.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxMessageSize <= 0 {
		return fmt.Errorf("invalid ingest.max-message-size value, must be positive")
	}
	return nil
}

type Ingester struct {
	cfg      Config
	logger   log.Logger
	store    *store.Store
	registry *registry.Registry
	metrics  *metrics
	now      func() time.Time

	requests  requestLog
	processed atomic.Uint64
	rejected  atomic.Uint64
}

func New(cfg Config, logger log.Logger, s *store.Store, r *registry.Registry, reg prometheus.Registerer) (*Ingester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ingester{
		cfg:      cfg,
		logger:   log.With(logger, "component", "ingest"),
		store:    s,
		registry: r,
		metrics:  newMetrics(reg),
		now:      time.Now,
	}, nil
}

// Handler returns the path and handler of the ingestion service.
func (i *Ingester) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithReadMaxBytes(i.cfg.MaxMessageSize)}, opts...)
	return "/" + api.IngestServiceName + "/", connect.NewBidiStreamHandler(api.IngestProcedure, i.Ingest, opts...)
}

// Ingest serves one agent stream. Batches are processed in order and each is
// answered with a BatchResult. Rejected batches do not end the stream.
func (i *Ingester) Ingest(ctx context.Context, stream *connect.BidiStream[api.Batch, api.BatchResult]) error {
	streamID := uuid.NewString()
	logger := log.With(i.logger, "stream", streamID, "peer", stream.Peer().Addr)
	ctx = util.InjectLogger(ctx, logger)
	level.Debug(logger).Log("msg", "stream opened")
	i.metrics.activeStreams.Inc()
	defer i.metrics.activeStreams.Dec()

	for seq := uint64(1); ; seq++ {
		b, err := stream.Receive()
		if errors.Is(err, io.EOF) {
			level.Debug(logger).Log("msg", "stream closed", "batches", seq-1)
			return nil
		}
		if err != nil {
			return err
		}
		res := i.handle(ctx, logger, streamID, seq, b)
		if err := ctx.Err(); err != nil {
			return connect.NewError(connect.CodeCanceled, err)
		}
		if err := stream.Send(res); err != nil {
			return err
		}
	}
}

func (i *Ingester) handle(ctx context.Context, logger log.Logger, streamID string, seq uint64, b *api.Batch) *api.BatchResult {
	sp, ctx := opentracing.StartSpanFromContext(ctx, "ingest.Batch")
	sp.SetTag("stream", streamID)
	sp.SetTag("samples", len(b.Samples))
	defer sp.Finish()

	start := time.Now()
	traces, err := i.ProcessBatch(ctx, b)
	i.metrics.batchDuration.Observe(time.Since(start).Seconds())

	res := &api.BatchResult{Seq: seq, Accepted: err == nil, Traces: traces}
	entry := api.RequestLogEntry{
		Time:      i.now().UnixMilli(),
		Stream:    streamID,
		Seq:       seq,
		Locations: len(b.Locations),
		Samples:   len(b.Samples),
	}
	switch {
	case err == nil:
		i.processed.Inc()
		i.metrics.batches.WithLabelValues(statusAccepted).Inc()
	case model.IsValidationError(err):
		i.rejected.Inc()
		i.metrics.batches.WithLabelValues(statusErrorInvalid).Inc()
		level.Warn(logger).Log("msg", "rejected batch", "seq", seq, "err", err)
		res.Error = err.Error()
	default:
		i.rejected.Inc()
		i.metrics.batches.WithLabelValues(statusErrorInternal).Inc()
		level.Error(logger).Log("msg", "failed to store batch", "seq", seq, "err", err)
		sp.SetTag("error", true)
		res.Error = err.Error()
	}
	entry.Error = res.Error
	i.requests.add(entry)
	return res
}

// ProcessBatch validates a batch and stores its content. A batch that fails
// validation, or whose context is cancelled before it is committed, leaves
// its traces and events unstored. Executable declarations are idempotent and
// are kept. It returns the number of samples stored.
func (i *Ingester) ProcessBatch(ctx context.Context, b *api.Batch) (int, error) {
	d, err := decodeBatch(b, i.now())
	if err != nil {
		return 0, err
	}
	for _, e := range d.executables {
		if err := i.declare(ctx, e); err != nil {
			return 0, errors.Wrapf(err, "executable %s", e.id)
		}
	}
	batch := &store.Batch{Symbols: d.symbols, Traces: make([]store.BatchTrace, 0, len(d.traces))}
	for _, t := range d.traces {
		batch.Traces = append(batch.Traces, store.BatchTrace{Frames: t.frames, Count: t.count})
		batch.Events = append(batch.Events, t.events...)
	}
	err = i.retry(ctx, func() error {
		_, err := i.store.PutBatch(ctx, batch)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "store batch")
	}
	i.metrics.samples.Add(float64(len(d.traces)))
	i.metrics.events.Add(float64(len(batch.Events)))
	return len(d.traces), nil
}

func (i *Ingester) declare(ctx context.Context, e executableDecl) error {
	if len(e.data) == 0 {
		return i.retry(ctx, func() error {
			_, err := i.store.DeclareExecutable(ctx, e.id, e.fileName)
			return err
		})
	}
	logger := util.LoggerWithContext(ctx, i.logger)
	i.metrics.uploadedBytes.Add(float64(len(e.data)))
	level.Debug(logger).Log("msg", "executable uploaded", "id", e.id, "file_name", e.fileName, "size", humanize.IBytes(uint64(len(e.data))))
	if model.ExecutableIDFromBytes(e.data) == e.id {
		return i.retry(ctx, func() error {
			_, err := i.registry.Upload(ctx, e.data, e.fileName)
			return err
		})
	}
	// Debug info for an executable the agent identifies by build id.
	err := i.retry(ctx, func() error {
		_, err := i.registry.Attach(ctx, e.id, e.data, e.fileName)
		return err
	})
	if errors.Is(err, registry.ErrInvalidTransition) {
		level.Debug(logger).Log("msg", "ignoring debug info upload", "id", e.id, "err", err)
		return nil
	}
	return err
}

func (i *Ingester) retry(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, util.DefaultRetryConfig, transient, fn)
}

func transient(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, registry.ErrInvalidTransition) &&
		!errors.Is(err, registry.ErrBusy) &&
		!model.IsValidationError(err)
}

// RequestLog returns summaries of the most recent batches, newest first.
func (i *Ingester) RequestLog() []api.RequestLogEntry {
	return i.requests.snapshot()
}

// Batches returns the number of processed and rejected batches.
func (i *Ingester) Batches() (processed, rejected uint64) {
	return i.processed.Load(), i.rejected.Load()
}
