package util

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteYAMLResponse(t *testing.T) {
	w := httptest.NewRecorder()

	WriteYAMLResponse(w, map[string]int{"workers": 4})

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "workers: 4\n", w.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestRetry(t *testing.T) {
	cfg := backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRetries: 3}
	errTransient := errors.New("transient")

	calls := 0
	err := Retry(context.Background(), cfg, nil, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(context.Background(), cfg, nil, func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)

	calls = 0
	errPermanent := errors.New("permanent")
	err = Retry(context.Background(), cfg, func(err error) bool { return err != errPermanent }, func() error {
		calls++
		return errPermanent
	})
	assert.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 1, calls)
}

func TestYAMLMarshalUnmarshal(t *testing.T) {
	type nested struct {
		Workers int `yaml:"workers"`
	}
	out, err := YAMLMarshalUnmarshal(struct {
		Resolver nested `yaml:"resolver"`
	}{Resolver: nested{Workers: 4}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"resolver": map[string]any{"workers": 4}}, out)
}
