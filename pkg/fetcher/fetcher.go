package fetcher

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/elastic/devfiler/pkg/model"
	"github.com/elastic/devfiler/pkg/registry"
	"github.com/elastic/devfiler/pkg/util"
)

type Config struct {
	Enabled      bool          `yaml:"enabled"`
	Endpoint     string        `yaml:"endpoint"`
	Concurrency  int           `yaml:"concurrency" category:"advanced"`
	PollInterval time.Duration `yaml:"poll_interval" category:"advanced"`
	RetryBase    time.Duration `yaml:"retry_base" category:"advanced"`
	RetryMax     time.Duration `yaml:"retry_max" category:"advanced"`
	Timeout      time.Duration `yaml:"timeout" category:"advanced"`
	MaxSize      int64         `yaml:"max_size" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, "fetcher.enabled", true, "Fetch debug info of executables without symbols from the symbol index. When true, the settings API can switch fetching off and on at runtime.")
	f.StringVar(&cfg.Endpoint, "fetcher.endpoint", "https://symbols.elastic.co", "Base URL of the symbol index.")
	f.IntVar(&cfg.Concurrency, "fetcher.concurrency", 16, "Maximum number of concurrent fetches.")
	f.DurationVar(&cfg.PollInterval, "fetcher.poll-interval", time.Second, "How often to look for executables to fetch.")
	f.DurationVar(&cfg.RetryBase, "fetcher.retry-base", 30*time.Second, "Delay before the second fetch attempt of an executable. Doubles with every failed attempt.")
	f.DurationVar(&cfg.RetryMax, "fetcher.retry-max", time.Hour, "Maximum delay between fetch attempts of an executable.")
	f.DurationVar(&cfg.Timeout, "fetcher.timeout", 2*time.Minute, "Timeout of one fetch attempt.")
	f.Int64Var(&cfg.MaxSize, "fetcher.max-size", 4<<30, "Maximum size of fetched debug info in bytes.")
}

func (cfg *Config) Validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("fetcher.endpoint must be set")
	}
	if cfg.Concurrency < 1 {
		return fmt.Errorf("invalid fetcher.concurrency value, must be positive")
	}
	if cfg.PollInterval <= 0 || cfg.RetryBase <= 0 || cfg.RetryMax < cfg.RetryBase {
		return fmt.Errorf("invalid fetcher intervals: poll %s, retry base %s, retry max %s", cfg.PollInterval, cfg.RetryBase, cfg.RetryMax)
	}
	if cfg.MaxSize <= 0 {
		return fmt.Errorf("invalid fetcher.max-size value, must be positive")
	}
	return nil
}

// NextAttempt returns the earliest time of the next fetch after the given
// number of failed attempts.
func (cfg *Config) NextAttempt(now time.Time, attempts uint32) time.Time {
	delay := cfg.RetryBase
	for i := uint32(1); i < attempts && delay < cfg.RetryMax; i++ {
		delay *= 2
	}
	return now.Add(min(delay, cfg.RetryMax))
}

func newHTTPClient(timeout time.Duration) *http.Client {
	c := util.InstrumentedHTTPClient(timeout)
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 3 {
			return fmt.Errorf("stopped after 3 redirects")
		}
		return nil
	}
	return c
}

// FetchPolicy tells whether outbound requests are allowed right now.
type FetchPolicy interface {
	FetchEnabled() bool
}

// Fetcher retrieves missing debug info for executables that could not be
// symbolized locally. Each fetch runs as its own task; at most
// Concurrency run at once.
type Fetcher struct {
	services.Service

	cfg      Config
	logger   log.Logger
	registry *registry.Registry
	client   Client
	policy   FetchPolicy
	metrics  *metrics
	now      func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup
}

func New(cfg Config, logger log.Logger, r *registry.Registry, client Client, policy FetchPolicy, reg prometheus.Registerer) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := newMetrics(reg)
	logger = log.With(logger, "component", "fetcher")
	if client == nil {
		client = NewHTTPClient(logger, cfg, m)
	}
	f := &Fetcher{
		cfg:      cfg,
		logger:   logger,
		registry: r,
		client:   client,
		policy:   policy,
		metrics:  m,
		now:      time.Now,
		sem:      make(chan struct{}, cfg.Concurrency),
	}
	f.Service = services.NewTimerService(cfg.PollInterval, nil, f.iteration, f.stopping)
	return f, nil
}

func (f *Fetcher) iteration(ctx context.Context) error {
	if err := f.RunOnce(ctx); err != nil && ctx.Err() == nil {
		level.Warn(f.logger).Log("msg", "failed to schedule fetches", "err", err)
	}
	return nil
}

func (f *Fetcher) stopping(_ error) error {
	f.wg.Wait()
	return nil
}

// Wait blocks until all started fetches are done.
func (f *Fetcher) Wait() { f.wg.Wait() }

// RunOnce starts fetches for eligible executables, as many as free slots
// allow. It does not wait for them.
func (f *Fetcher) RunOnce(ctx context.Context) error {
	if f.policy != nil && !f.policy.FetchEnabled() {
		return nil
	}
	list, err := f.registry.List(ctx)
	if err != nil {
		return err
	}
	now := f.now()
	for _, exe := range list {
		if !f.eligible(exe, now) {
			continue
		}
		select {
		case f.sem <- struct{}{}:
		default:
			return nil
		}
		if !f.registry.Acquire(exe.ID, registry.TaskFetch) {
			<-f.sem
			continue
		}
		f.wg.Add(1)
		f.metrics.inflight.Inc()
		go func(exe *model.Executable) {
			defer func() {
				f.registry.Release(exe.ID)
				f.metrics.inflight.Dec()
				<-f.sem
				f.wg.Done()
			}()
			err := util.RecoverPanic(func() error { return f.fetch(ctx, exe) })()
			if err != nil && ctx.Err() == nil {
				level.Error(f.logger).Log("msg", "failed to record fetch result", "executable", exe.ID, "err", err)
			}
		}(exe)
	}
	return nil
}

func (f *Fetcher) eligible(exe *model.Executable, now time.Time) bool {
	switch exe.Status {
	case model.StatusUnknown:
		return true
	case model.StatusDebugInfoMissing:
		return !now.Before(exe.NextFetch)
	}
	return false
}

func (f *Fetcher) fetch(ctx context.Context, exe *model.Executable) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Fetcher.fetch")
	defer span.Finish()
	span.SetTag("executable", exe.ID.String())

	if _, err := f.registry.Transition(ctx, exe.ID, exe.Status, model.StatusFetching, nil); err != nil {
		// Changed under us, e.g. by an upload.
		level.Debug(f.logger).Log("msg", "skipping fetch", "executable", exe.ID, "err", err)
		return nil
	}
	level.Info(f.logger).Log("msg", "fetching debug info", "executable", exe.ID, "file_name", exe.FileName, "attempt", exe.FetchAttempts+1)

	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	data, err := f.client.Fetch(attemptCtx, exe.ID)
	cancel()

	// The outcome is recorded even if the service is stopping, so the
	// executable is not left in Fetching.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		updated, terr := f.registry.FetchFailed(ctx, exe.ID, func(attempts uint32) time.Time {
			return f.cfg.NextAttempt(f.now(), attempts)
		})
		if terr != nil {
			return terr
		}
		lvl := level.Warn(f.logger)
		if isNotFound(err) {
			lvl = level.Info(f.logger)
		}
		lvl.Log("msg", "debug info not fetched", "executable", exe.ID, "attempts", updated.FetchAttempts, "next_attempt", updated.NextFetch, "err", err)
		return nil
	}
	if _, err := f.registry.InstallFetched(ctx, exe.ID, data); err != nil {
		return err
	}
	level.Info(f.logger).Log("msg", "installed fetched debug info", "executable", exe.ID, "size", len(data))
	return nil
}
