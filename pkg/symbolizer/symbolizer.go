package symbolizer

import (
	"context"
	"debug/elf"
	"flag"
	"fmt"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/elastic/devfiler/pkg/model"
	"github.com/elastic/devfiler/pkg/store"
)

type Config struct {
	CacheSize int `yaml:"cache_size"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.CacheSize, "symbolizer.cache-size", 100000, "Number of frame symbols kept in memory.")
}

func (cfg *Config) Validate() error {
	if cfg.CacheSize < 1 {
		return fmt.Errorf("invalid symbolizer.cache-size value, must be positive")
	}
	return nil
}

// Symbolizer translates executable addresses into function, file and line
// using the executable's DWARF data, falling back to its ELF symbol table.
type Symbolizer struct {
	logger  log.Logger
	store   *store.Store
	cache   *Cache
	metrics *metrics
}

func New(logger log.Logger, cfg Config, s *store.Store, reg prometheus.Registerer) (*Symbolizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := newMetrics(reg)
	cache, err := NewCache(cfg.CacheSize, s, m)
	if err != nil {
		return nil, err
	}
	return &Symbolizer{
		logger:  logger,
		store:   s,
		cache:   cache,
		metrics: m,
	}, nil
}

func (s *Symbolizer) Cache() *Cache { return s.cache }

// Resolve returns a result for every address. Addresses already in the
// cache are answered without opening the executable; the rest are resolved
// from its stored bytes in a single pass. All results are persisted
// against the generation read at the start of the call, which takes the
// frames out of the unresolved set.
//
// Addresses outside every known function come back with Resolved unset.
// ErrDebugInfoMissing is returned when the executable cannot be symbolized
// at all, store.ErrStaleGeneration when it was removed meanwhile.
func (s *Symbolizer) Resolve(ctx context.Context, id model.ExecutableID, addrs []uint64) (map[uint64]model.SymbolResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Symbolizer.Resolve")
	defer span.Finish()
	span.SetTag("executable", id.String())
	span.SetTag("addresses", len(addrs))

	exe, err := s.store.GetExecutable(ctx, id)
	if err != nil {
		return nil, err
	}
	results := make(map[uint64]model.SymbolResult, len(addrs))
	var missing []uint64
	for _, a := range addrs {
		if _, ok := results[a]; ok {
			continue
		}
		r, ok, err := s.cache.Get(ctx, model.FrameRef{Executable: id, Address: a})
		if err != nil {
			return nil, err
		}
		if ok {
			results[a] = r
			continue
		}
		missing = append(missing, a)
	}
	if len(missing) == 0 {
		// Persisting again only clears the frames from the unresolved set.
		return results, s.cache.Put(ctx, id, exe.Generation, results)
	}

	start := time.Now()
	resolved, err := s.resolveFromBytes(ctx, id, missing)
	status := statusSuccess
	switch {
	case errors.Is(err, ErrDebugInfoMissing):
		status = statusErrorDebugMissing
	case err != nil:
		status = statusErrorRead
	}
	s.metrics.resolution.WithLabelValues(status).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	for a, r := range resolved {
		results[a] = r
	}
	if err := s.cache.Put(ctx, id, exe.Generation, results); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Symbolizer) resolveFromBytes(ctx context.Context, id model.ExecutableID, addrs []uint64) (map[uint64]model.SymbolResult, error) {
	r, err := s.store.ExecutableReader(ctx, id)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	s.metrics.parses.Inc()
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, corrupt(err)
	}
	defer f.Close()
	di, err := loadDebugInfo(f)
	if err != nil {
		return nil, err
	}

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	out := make(map[uint64]model.SymbolResult, len(addrs))
	if di.dwarf != nil {
		if err := newDWARFResolver(di.dwarf).resolve(ctx, addrs, out); err != nil {
			return nil, err
		}
	}
	var fromSymtab, unresolved int
	for _, a := range addrs {
		if _, ok := out[a]; ok {
			continue
		}
		if name, ok := di.symtab.lookup(a); ok {
			out[a] = model.SymbolResult{Symbol: model.Symbol{Function: name}, Resolved: true}
			fromSymtab++
			continue
		}
		out[a] = model.SymbolResult{}
		unresolved++
	}
	s.metrics.frames.WithLabelValues("dwarf").Add(float64(len(addrs) - fromSymtab - unresolved))
	s.metrics.frames.WithLabelValues("symtab").Add(float64(fromSymtab))
	s.metrics.frames.WithLabelValues("unresolved").Add(float64(unresolved))
	level.Debug(s.logger).Log(
		"msg", "resolved executable addresses",
		"executable", id,
		"addresses", len(addrs),
		"symtab", fromSymtab,
		"unresolved", unresolved,
		"dwarf", di.dwarf != nil,
	)
	return out, nil
}
