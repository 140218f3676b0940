package resolver

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/elastic/devfiler/pkg/model"
	"github.com/elastic/devfiler/pkg/registry"
	"github.com/elastic/devfiler/pkg/store"
	"github.com/elastic/devfiler/pkg/symbolizer"
	"github.com/elastic/devfiler/pkg/util"
)

type Config struct {
	Workers      int           `yaml:"workers"`
	BatchSize    int           `yaml:"batch_size" category:"advanced"`
	PollInterval time.Duration `yaml:"poll_interval" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.Workers, "resolver.workers", 4, "Number of executables symbolized concurrently.")
	f.IntVar(&cfg.BatchSize, "resolver.batch-size", 4096, "Maximum number of frames resolved in one pass over an executable.")
	f.DurationVar(&cfg.PollInterval, "resolver.poll-interval", time.Second, "How often to look for unresolved frames when no ingestion signal arrives.")
}

func (cfg *Config) Validate() error {
	if cfg.Workers < 1 {
		return fmt.Errorf("invalid resolver.workers value, must be positive")
	}
	if cfg.BatchSize < 1 {
		return fmt.Errorf("invalid resolver.batch-size value, must be positive")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("invalid resolver.poll-interval value, must be positive")
	}
	return nil
}

// FetchPolicy tells whether missing executables may be fetched remotely.
type FetchPolicy interface {
	FetchEnabled() bool
}

// Resolver drains the unresolved frame set in the background. Each
// executable is handled by at most one worker at a time.
type Resolver struct {
	services.Service

	cfg        Config
	logger     log.Logger
	store      *store.Store
	registry   *registry.Registry
	symbolizer *symbolizer.Symbolizer
	fetch      FetchPolicy
	metrics    *metrics
}

func New(
	cfg Config,
	logger log.Logger,
	s *store.Store,
	r *registry.Registry,
	sym *symbolizer.Symbolizer,
	fetch FetchPolicy,
	reg prometheus.Registerer,
) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	res := &Resolver{
		cfg:        cfg,
		logger:     log.With(logger, "component", "resolver"),
		store:      s,
		registry:   r,
		symbolizer: sym,
		fetch:      fetch,
		metrics:    newMetrics(reg),
	}
	r.OnRemoval(sym.Cache().Invalidate)
	res.Service = services.NewBasicService(res.starting, res.running, nil)
	return res, nil
}

func (r *Resolver) starting(ctx context.Context) error {
	return r.registry.Recover(ctx)
}

func (r *Resolver) running(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			level.Error(r.logger).Log("msg", "resolution round failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.store.Pending():
		case <-ticker.C:
		}
	}
}

// RunOnce handles every executable with unresolved frames once.
func (r *Resolver) RunOnce(ctx context.Context) error {
	ids, err := r.store.PendingExecutables(ctx)
	if err != nil {
		return err
	}
	r.metrics.pendingExecutables.Set(float64(len(ids)))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, id := range ids {
		g.Go(func() error {
			err := util.RecoverPanic(func() error { return r.ResolveExecutable(ctx, id) })()
			if err != nil && ctx.Err() == nil {
				level.Warn(r.logger).Log("msg", "failed to resolve executable", "executable", id, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ResolveExecutable advances one executable. Executables with bytes are
// symbolized; executables without bytes are marked DebugInfoMissing unless
// the fetcher may still find them.
func (r *Resolver) ResolveExecutable(ctx context.Context, id model.ExecutableID) error {
	if !r.registry.Acquire(id, registry.TaskResolve) {
		return nil
	}
	defer r.registry.Release(id)

	exe, err := r.registry.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch exe.Status {
	case model.StatusBytesAvailable:
		if _, err := r.registry.Transition(ctx, id, model.StatusBytesAvailable, model.StatusResolving, nil); err != nil {
			return err
		}
		return r.resolvePending(ctx, exe, true)
	case model.StatusResolved:
		return r.resolvePending(ctx, exe, false)
	case model.StatusUnknown:
		if r.fetch != nil && r.fetch.FetchEnabled() {
			return nil
		}
		_, err := r.registry.Transition(ctx, id, model.StatusUnknown, model.StatusDebugInfoMissing, nil)
		return err
	}
	return nil
}

func (r *Resolver) resolvePending(ctx context.Context, exe *model.Executable, initial bool) (err error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Resolver.resolvePending")
	defer span.Finish()
	span.SetTag("executable", exe.ID.String())

	id := exe.ID
	start := time.Now()
	outcome := outcomeResolved
	defer func() {
		r.metrics.passes.WithLabelValues(outcome).Inc()
		r.metrics.passDuration.Observe(time.Since(start).Seconds())
	}()

	var frames int
	for {
		refs, err := r.store.UnresolvedFramesFor(ctx, id, r.cfg.BatchSize)
		if err != nil {
			return r.abort(ctx, id, initial, err)
		}
		if len(refs) == 0 {
			break
		}
		addrs := make([]uint64, 0, len(refs))
		for _, ref := range refs {
			addrs = append(addrs, ref.Address)
		}
		err = util.Retry(ctx, util.DefaultRetryConfig, transient, func() error {
			_, err := r.symbolizer.Resolve(ctx, id, addrs)
			return err
		})
		switch {
		case errors.Is(err, symbolizer.ErrDebugInfoMissing):
			outcome = outcomeDebugInfoMissing
			level.Info(r.logger).Log("msg", "no usable debug info", "executable", id, "file_name", exe.FileName, "err", err)
			if initial {
				_, err = r.registry.Transition(ctx, id, model.StatusResolving, model.StatusDebugInfoMissing, nil)
				return err
			}
			return r.markUnresolved(ctx, exe, addrs)
		case errors.Is(err, store.ErrStaleGeneration):
			outcome = outcomeStale
			level.Debug(r.logger).Log("msg", "executable removed during resolution", "executable", id)
			return nil
		case err != nil:
			outcome = outcomeFailed
			return r.abort(ctx, id, initial, err)
		}
		frames += len(refs)
		if len(refs) < r.cfg.BatchSize {
			break
		}
	}
	r.metrics.frames.Add(float64(frames))
	if initial {
		if _, err := r.registry.Transition(ctx, id, model.StatusResolving, model.StatusResolved, nil); err != nil {
			return err
		}
	}
	level.Debug(r.logger).Log("msg", "resolved frames", "executable", id, "frames", frames, "duration", time.Since(start))
	return nil
}

// markUnresolved takes frames of an already resolved executable out of the
// unresolved set when its bytes can no longer be read.
func (r *Resolver) markUnresolved(ctx context.Context, exe *model.Executable, addrs []uint64) error {
	results := make(map[uint64]model.SymbolResult, len(addrs))
	for _, a := range addrs {
		results[a] = model.SymbolResult{}
	}
	return r.symbolizer.Cache().Put(ctx, exe.ID, exe.Generation, results)
}

// abort hands the executable back for a later pass.
func (r *Resolver) abort(ctx context.Context, id model.ExecutableID, initial bool, cause error) error {
	if initial {
		// The pass context may be done already.
		ctx = context.WithoutCancel(ctx)
		if _, err := r.registry.Transition(ctx, id, model.StatusResolving, model.StatusBytesAvailable, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
			level.Error(r.logger).Log("msg", "failed to release executable", "executable", id, "err", err)
		}
	}
	return cause
}

func transient(err error) bool {
	return !errors.Is(err, symbolizer.ErrDebugInfoMissing) &&
		!errors.Is(err, store.ErrStaleGeneration) &&
		!errors.Is(err, store.ErrNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
