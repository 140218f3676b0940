package devfiler

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/opentracing-contrib/go-stdlib/nethttp"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/elastic/devfiler/pkg/util"
)

type ServerConfig struct {
	HTTPListenAddress       string        `yaml:"http_listen_address"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout" category:"advanced"`
}

func (cfg *ServerConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.HTTPListenAddress, "server.http-listen-address", ":11000", "Address the ingestion and query endpoints listen on.")
	f.DurationVar(&cfg.GracefulShutdownTimeout, "server.graceful-shutdown-timeout", 30*time.Second, "Timeout for graceful shutdowns.")
}

func (cfg *ServerConfig) Validate() error {
	if cfg.HTTPListenAddress == "" {
		return fmt.Errorf("invalid server.http-listen-address value, must not be empty")
	}
	return nil
}

// Server serves every endpoint over one listener. Plain HTTP/1 and
// cleartext HTTP/2 are accepted, the latter for streaming agents.
type Server struct {
	cfg        ServerConfig
	logger     log.Logger
	listener   net.Listener
	HTTP       *mux.Router
	HTTPServer *http.Server
}

func NewServer(cfg ServerConfig, logger log.Logger, reg prometheus.Registerer) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.HTTPListenAddress)
	if err != nil {
		return nil, err
	}
	duration := util.RegisterOrGet(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "devfiler_request_duration_seconds",
		Help:    "Time (in seconds) spent serving HTTP requests.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method", "code"}))

	router := mux.NewRouter()
	var handler http.Handler = router
	handler = promhttp.InstrumentHandlerDuration(duration, handler)
	handler = nethttp.Middleware(opentracing.GlobalTracer(), handler)
	handler = util.RecoveryHTTPMiddleware(handler)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		listener: listener,
		HTTP:     router,
		HTTPServer: &http.Server{
			Handler:           h2c.NewHandler(handler, &http2.Server{}),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	level.Info(logger).Log("msg", "server listening on addresses", "http", listener.Addr())
	return s, nil
}

// Addr is the address the server listens on.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

func (s *Server) Run() error {
	err := s.HTTPServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for open requests up to
// the graceful shutdown timeout.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownTimeout)
	defer cancel()
	if err := s.HTTPServer.Shutdown(ctx); err != nil {
		level.Warn(s.logger).Log("msg", "graceful shutdown timed out", "err", err)
		_ = s.HTTPServer.Close()
	}
}

// NewServerService constructs service from Server component.
// servicesToWaitFor is called when server is stopping, and should return all
// services that need to terminate before server actually stops.
// Early return from Run function is considered to be an error.
func NewServerService(serv *Server, servicesToWaitFor func() []services.Service, log log.Logger) services.Service {
	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- serv.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return fmt.Errorf("server stopped unexpectedly: %w", err)
			}
			return nil
		}
	}

	stoppingFn := func(_ error) error {
		// wait until all modules are done, and then shutdown server.
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		// shutdown HTTP server (this also unblocks Run)
		serv.Shutdown()

		// if not closed yet, wait until server stops.
		<-serverDone
		level.Info(log).Log("msg", "server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn)
}
