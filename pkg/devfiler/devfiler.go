// Package devfiler wires the components into a single process.
package devfiler

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/elastic/devfiler/pkg/fetcher"
	"github.com/elastic/devfiler/pkg/ingest"
	"github.com/elastic/devfiler/pkg/objstore"
	objstoreclient "github.com/elastic/devfiler/pkg/objstore/client"
	"github.com/elastic/devfiler/pkg/registry"
	"github.com/elastic/devfiler/pkg/resolver"
	"github.com/elastic/devfiler/pkg/settings"
	"github.com/elastic/devfiler/pkg/store"
	"github.com/elastic/devfiler/pkg/symbolizer"
	"github.com/elastic/devfiler/pkg/util"
)

type Config struct {
	Target     flagext.StringSliceCSV `yaml:"target,omitempty"`
	LogLevel   string                 `yaml:"log_level"`
	Server     ServerConfig           `yaml:"server"`
	Storage    store.Config           `yaml:"storage"`
	Blobs      objstoreclient.Config  `yaml:"blobs"`
	Symbolizer symbolizer.Config      `yaml:"symbolizer"`
	Resolver   resolver.Config        `yaml:"resolver"`
	Fetcher    fetcher.Config         `yaml:"fetcher"`
	Ingest     ingest.Config          `yaml:"ingest"`

	ConfigFile string `yaml:"-"`
}

func newDefaultConfig() *Config {
	defaultConfig := &Config{}
	defaultFS := flag.NewFlagSet("", flag.PanicOnError)
	defaultConfig.RegisterFlags(defaultFS)
	return defaultConfig
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	// Set the default module list to 'all'
	c.Target = []string{All}
	f.StringVar(&c.ConfigFile, "config.file", "", "yaml file to load")
	f.Var(&c.Target, "target", "Comma-separated list of devfiler modules to load. "+
		"The alias 'all' runs ingestion, symbolization and the query interface in one process.")
	f.StringVar(&c.LogLevel, "log.level", "info", fmt.Sprintf("Only log messages with the given severity or above. Valid levels: %v", util.LogLevels))

	c.Server.RegisterFlags(f)
	c.Storage.RegisterFlags(f)
	c.Blobs.RegisterFlags(f)
	c.Symbolizer.RegisterFlags(f)
	c.Resolver.RegisterFlags(f)
	c.Fetcher.RegisterFlags(f)
	c.Ingest.RegisterFlags(f)
}

func (c *Config) Validate() error {
	if len(c.Target) == 0 {
		return errors.New("no modules specified")
	}
	for _, v := range []interface{ Validate() error }{
		&c.Server, &c.Storage, &c.Blobs, &c.Symbolizer, &c.Resolver, &c.Fetcher, &c.Ingest,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// blobsDirectory is where the filesystem backend keeps executable bytes.
func (c *Config) blobsDirectory() string {
	if c.Blobs.Directory != "" {
		return c.Blobs.Directory
	}
	return filepath.Join(c.Storage.Path, "blobs")
}

type Devfiler struct {
	Cfg    Config
	logger log.Logger
	reg    prometheus.Registerer

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
	deps          map[string][]string

	SignalHandler *signals.Handler
	Server        *Server
	router        *mux.Router

	bucket     objstore.Bucket
	settings   *settings.Settings
	store      *store.Store
	registry   *registry.Registry
	symbolizer *symbolizer.Symbolizer
	ingester   *ingest.Ingester
}

// New validates the configuration and prepares the modules. Nothing is
// opened before Run.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Devfiler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Devfiler{
		Cfg:    cfg,
		logger: logger,
		reg:    reg,
	}
	if err := d.setupModuleManager(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Devfiler) setupModuleManager() error {
	mm := modules.NewManager(d.logger)

	mm.RegisterModule(Storage, d.initStorage, modules.UserInvisibleModule)
	mm.RegisterModule(Settings, d.initSettings, modules.UserInvisibleModule)
	mm.RegisterModule(ServerModule, d.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Store, d.initStore)
	mm.RegisterModule(Registry, d.initRegistry, modules.UserInvisibleModule)
	mm.RegisterModule(Symbolizer, d.initSymbolizer, modules.UserInvisibleModule)
	mm.RegisterModule(Resolver, d.initResolver)
	mm.RegisterModule(Fetcher, d.initFetcher)
	mm.RegisterModule(Ingest, d.initIngest)
	mm.RegisterModule(Query, d.initQuery)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		All:        {Ingest, Query, Resolver, Fetcher},
		Store:      {Storage},
		Settings:   {Storage},
		Registry:   {Store},
		Symbolizer: {Store},
		Resolver:   {Registry, Symbolizer, Settings},
		Fetcher:    {Registry, Settings},
		Ingest:     {ServerModule, Registry},
		Query:      {ServerModule, Registry, Settings, Ingest},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	d.deps = deps
	d.ModuleManager = mm
	return nil
}

// Run starts the modules and blocks until a signal arrives or a module
// fails.
func (d *Devfiler) Run() error {
	sm, err := d.start()
	if err != nil {
		return err
	}

	// Setup signal handler. If signal arrives, we stop the manager, which stops all the services.
	d.SignalHandler = signals.NewHandler(d.logger)
	go func() {
		d.SignalHandler.Loop()
		sm.StopAsync()
	}()

	err = sm.StartAsync(context.Background())
	if err == nil {
		// Wait until service manager stops. It can stop in two ways:
		// 1) Signal is received and manager is stopped.
		// 2) Any service fails.
		err = sm.AwaitStopped(context.Background())
	}

	// If there is no error yet (= service manager started and then stopped without problems),
	// but any service failed, report that failure as an error to caller.
	if err == nil {
		if failed := sm.ServicesByState()[services.Failed]; len(failed) > 0 {
			for _, f := range failed {
				if f.FailureCase() != modules.ErrStopProcess {
					// Details were reported via failure listener before
					err = errors.New("failed services")
					break
				}
			}
		}
	}
	return err
}

// start initializes the module services and returns their manager, not yet
// started.
func (d *Devfiler) start() (*services.Manager, error) {
	serviceMap, err := d.ModuleManager.InitModuleServices(d.Cfg.Target...)
	if err != nil {
		return nil, err
	}

	d.serviceMap = serviceMap
	var servs []services.Service
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return nil, err
	}
	if d.router != nil {
		d.router.Path("/ready").Methods("GET").Handler(d.readyHandler(sm))
		RegisterHealthServer(d.router, func(context.Context) bool { return sm.IsHealthy() })
	}

	healthy := func() { level.Info(d.logger).Log("msg", "devfiler started", "address", d.Cfg.Server.HTTPListenAddress) }

	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		// let's find out which module failed
		for m, s := range serviceMap {
			if s == service {
				if service.FailureCase() == modules.ErrStopProcess {
					level.Info(d.logger).Log("msg", "received stop signal via return error", "module", m, "error", service.FailureCase())
				} else {
					level.Error(d.logger).Log("msg", "module failed", "module", m, "error", service.FailureCase())
				}
				return
			}
		}

		level.Error(d.logger).Log("msg", "module failed", "module", "unknown", "error", service.FailureCase())
	}

	sm.AddListener(services.NewManagerListener(healthy, d.stopped, serviceFailed))
	return sm, nil
}

func (d *Devfiler) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			byState := sm.ServicesByState()
			for st, ls := range byState {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}

		http.Error(w, "ready", http.StatusOK)
	}
}

func (d *Devfiler) stopped() {
	level.Info(d.logger).Log("msg", "devfiler stopped")
}

// NewLogger creates the process logger and installs it as util.Logger.
func NewLogger(lvl string) (log.Logger, error) {
	logger, err := util.NewLogger(os.Stderr, lvl)
	if err != nil {
		return nil, err
	}
	util.Logger = logger
	return logger, nil
}
