package util

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/opentracing-contrib/go-stdlib/nethttp"
	"github.com/opentracing/opentracing-go"
	"golang.org/x/net/http2"
	"gopkg.in/yaml.v3"
)

// H2CTransport speaks HTTP/2 without TLS. The ingest stream is a
// bidirectional stream and needs HTTP/2 end to end.
var H2CTransport http.RoundTripper = &http2.Transport{
	AllowHTTP:        true,
	ReadIdleTimeout:  30 * time.Second,
	WriteByteTimeout: 30 * time.Second,
	PingTimeout:      90 * time.Second,
	DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	},
}

type RoundTripperFunc func(req *http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// H2CClient returns a client for the devfiler RPC endpoints.
func H2CClient() *http.Client {
	return &http.Client{Transport: WrapWithInstrumentedHTTPTransport(H2CTransport)}
}

// InstrumentedHTTPClient returns a HTTP client with tracing instrumented
// default transport, used for outbound requests to external services.
func InstrumentedHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: WrapWithInstrumentedHTTPTransport(http.DefaultTransport),
	}
}

// WrapWithInstrumentedHTTPTransport wraps the given RoundTripper with an tracing instrumented one.
func WrapWithInstrumentedHTTPTransport(next http.RoundTripper) http.RoundTripper {
	next = &nethttp.Transport{RoundTripper: next}
	return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req, tr := nethttp.TraceRequest(opentracing.GlobalTracer(), req)
		defer tr.Finish()
		return next.RoundTrip(req)
	})
}

// WriteYAMLResponse writes some YAML as a HTTP response.
func WriteYAMLResponse(w http.ResponseWriter, v interface{}) {
	// There is no standardised content-type for YAML, text/plain ensures the
	// YAML is displayed in the browser instead of offered as a download.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	data, err := yaml.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
