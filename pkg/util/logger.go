package util

import (
	"context"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Logger is a nop global logger. It is replaced by the process logger on
// startup; libraries take their logger as an argument instead.
var Logger = log.NewNopLogger()

// LogLevels lists the accepted values of the -log.level flag.
var LogLevels = []string{"debug", "info", "warn", "error"}

// NewLogger returns a logfmt logger writing to w that drops records below
// the given level. Records carry ts and caller fields.
func NewLogger(w io.Writer, lvl string) (log.Logger, error) {
	opt, err := levelFilter(lvl)
	if err != nil {
		return nil, err
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, opt)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return logger, nil
}

func levelFilter(l string) (level.Option, error) {
	switch l {
	case "debug":
		return level.AllowDebug(), nil
	case "info":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	}
	return nil, errors.Errorf("unknown log level %q", l)
}

type loggerKey struct{}

// InjectLogger attaches a logger to the context, e.g. one carrying the
// ingest stream id.
func InjectLogger(ctx context.Context, l log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// LoggerWithContext returns the logger attached to ctx, or l.
func LoggerWithContext(ctx context.Context, l log.Logger) log.Logger {
	if v, ok := ctx.Value(loggerKey{}).(log.Logger); ok {
		return v
	}
	return l
}
