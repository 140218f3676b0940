package devfiler

import (
	"net/http"
	"os"
	"reflect"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	objstoretracing "github.com/thanos-io/objstore/tracing/opentracing"

	connectapi "github.com/elastic/devfiler/pkg/api/connect"
	"github.com/elastic/devfiler/pkg/fetcher"
	"github.com/elastic/devfiler/pkg/ingest"
	objstoreclient "github.com/elastic/devfiler/pkg/objstore/client"
	"github.com/elastic/devfiler/pkg/query"
	"github.com/elastic/devfiler/pkg/registry"
	"github.com/elastic/devfiler/pkg/resolver"
	"github.com/elastic/devfiler/pkg/settings"
	"github.com/elastic/devfiler/pkg/store"
	"github.com/elastic/devfiler/pkg/symbolizer"
	"github.com/elastic/devfiler/pkg/util"
)

// The various modules that make up devfiler.
const (
	All          string = "all"
	ServerModule string = "server"
	Storage      string = "storage"
	Settings     string = "settings"
	Store        string = "store"
	Registry     string = "registry"
	Symbolizer   string = "symbolizer"
	Resolver     string = "resolver"
	Fetcher      string = "fetcher"
	Ingest       string = "ingest"
	Query        string = "query"
)

func (d *Devfiler) initStorage() (services.Service, error) {
	cfg := d.Cfg.Blobs
	if cfg.Backend == objstoreclient.Filesystem {
		cfg.Directory = d.Cfg.blobsDirectory()
		if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
			return nil, errors.Wrap(err, "blobs dir")
		}
	}
	if cfg.Backend == objstoreclient.Memory {
		level.Warn(d.logger).Log("msg", "using in-memory blob storage, executables and settings will be lost after shutdown")
	}
	b, err := objstoreclient.NewBucket(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialise bucket")
	}
	d.bucket = b
	return nil, nil
}

func (d *Devfiler) initSettings() (services.Service, error) {
	d.settings = settings.NewBucketStore(d.bucket,
		settings.Snapshot{FetchEnabled: d.Cfg.Fetcher.Enabled},
		settings.WithFetchAllowed(d.Cfg.Fetcher.Enabled))
	return services.NewIdleService(d.settings.Load, nil), nil
}

func (d *Devfiler) initStore() (services.Service, error) {
	s, err := store.Open(d.Cfg.Storage, d.bucket, d.logger, d.reg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open store")
	}
	d.store = s
	return services.NewIdleService(nil, func(error) error { return s.Close() }), nil
}

func (d *Devfiler) initRegistry() (services.Service, error) {
	d.registry = registry.New(d.store, d.logger, d.reg)
	return nil, nil
}

func (d *Devfiler) initSymbolizer() (services.Service, error) {
	s, err := symbolizer.New(d.logger, d.Cfg.Symbolizer, d.store, d.reg)
	if err != nil {
		return nil, err
	}
	d.symbolizer = s
	return nil, nil
}

func (d *Devfiler) initResolver() (services.Service, error) {
	return resolver.New(d.Cfg.Resolver, d.logger, d.store, d.registry, d.symbolizer, d.settings, d.reg)
}

func (d *Devfiler) initFetcher() (services.Service, error) {
	return fetcher.New(d.Cfg.Fetcher, d.logger, d.registry, nil, d.settings, d.reg)
}

func (d *Devfiler) initIngest() (services.Service, error) {
	i, err := ingest.New(d.Cfg.Ingest, d.logger, d.store, d.registry, d.reg)
	if err != nil {
		return nil, err
	}
	d.ingester = i
	path, handler := i.Handler(connectapi.DefaultHandlerOptions()...)
	d.router.PathPrefix(path).Handler(handler)
	return nil, nil
}

func (d *Devfiler) initQuery() (services.Service, error) {
	var stats query.IngestStats
	if d.ingester != nil {
		stats = d.ingester
	}
	q := query.New(d.logger, d.store, d.registry, stats, d.settings)
	q.Register(d.router, connectapi.DefaultHandlerOptions()...)
	return nil, nil
}

func (d *Devfiler) initServer() (services.Service, error) {
	if err := d.reg.Register(version.NewCollector("devfiler")); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
	}
	s, err := NewServer(d.Cfg.Server, d.logger, d.reg)
	if err != nil {
		return nil, err
	}
	d.Server = s
	d.router = s.HTTP

	gatherer := prometheus.DefaultGatherer
	if g, ok := d.reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	s.HTTP.Path("/metrics").Handler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.HTTP.Path("/config").Handler(d.configHandler())
	s.HTTP.Use(tracedObjstore)

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range d.serviceMap {
			// Server should not wait for itself.
			if m != ServerModule {
				svs = append(svs, s)
			}
		}
		return svs
	}
	return NewServerService(s, servicesToWaitFor, d.logger), nil
}

// tracedObjstore makes bucket operations of a request part of its trace.
func tracedObjstore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := objstoretracing.ContextWithTracer(r.Context(), opentracing.GlobalTracer())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// configHandler serves the running configuration. mode=defaults serves the
// defaults, mode=diff only the values that differ from them.
func (d *Devfiler) configHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("mode") {
		case "defaults":
			util.WriteYAMLResponse(w, newDefaultConfig())
		case "diff":
			actual, err := util.YAMLMarshalUnmarshal(d.Cfg)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			defaults, err := util.YAMLMarshalUnmarshal(newDefaultConfig())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			util.WriteYAMLResponse(w, diffConfig(defaults, actual))
		default:
			util.WriteYAMLResponse(w, d.Cfg)
		}
	})
}

// diffConfig returns the entries of actual that differ from defaults.
func diffConfig(defaults, actual map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range actual {
		dv, ok := defaults[k]
		if !ok {
			out[k] = v
			continue
		}
		vm, vIsMap := v.(map[string]any)
		dm, dIsMap := dv.(map[string]any)
		if vIsMap && dIsMap {
			if sub := diffConfig(dm, vm); len(sub) > 0 {
				out[k] = sub
			}
			continue
		}
		if !reflect.DeepEqual(v, dv) {
			out[k] = v
		}
	}
	return out
}
