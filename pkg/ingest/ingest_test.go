package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	thanosobjstore "github.com/thanos-io/objstore"
	"go.uber.org/goleak"

	"github.com/elastic/devfiler/pkg/api"
	connectapi "github.com/elastic/devfiler/pkg/api/connect"
	"github.com/elastic/devfiler/pkg/model"
	"github.com/elastic/devfiler/pkg/objstore"
	"github.com/elastic/devfiler/pkg/registry"
	"github.com/elastic/devfiler/pkg/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreAnyFunction("net/http.(*http2ClientConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

var (
	exeA = model.ExecutableID{0xa}
	now  = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

type testEnv struct {
	store    *store.Store
	ingester *Ingester
	reg      *prometheus.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	reg := prometheus.NewRegistry()
	s, err := store.Open(
		store.Config{Path: t.TempDir(), TraceCacheSize: 1024, NoSync: true},
		objstore.NewBucket(thanosobjstore.NewInMemBucket()),
		log.NewNopLogger(), reg,
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	i, err := New(Config{MaxMessageSize: 1 << 20}, log.NewNopLogger(), s, registry.New(s, log.NewNopLogger(), reg), reg)
	require.NoError(t, err)
	i.now = func() time.Time { return now }
	return &testEnv{store: s, ingester: i, reg: reg}
}

func (e *testEnv) keys(t *testing.T, ks store.Keyspace) int {
	st, err := e.store.Stats(context.Background())
	require.NoError(t, err)
	return st.Keyspaces[ks].Keys
}

func validBatch() *api.Batch {
	return &api.Batch{
		Locations: []api.Location{
			{Kind: "native", Executable: exeA.String(), Address: 0x1000},
			{Kind: "native", Executable: exeA.String(), Address: 0x2000},
			{Kind: "cpython", Address: 12, FunctionName: "handler", FileName: "app.py", Line: 12},
		},
		Executables: []api.ExecutableInfo{{ID: exeA.String(), FileName: "libfoo.so"}},
		Samples: []api.Sample{{
			LocationIndices: []int32{2, 0, 1},
			Timestamps:      []uint64{uint64(now.UnixNano()), uint64(now.Add(time.Second).UnixNano())},
			Count:           3,
			Comm:            "python3",
			PID:             42,
			SampleType:      "samples",
			SampleUnit:      "count",
		}},
	}
}

func TestProcessBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	n, err := env.ingester.ProcessBatch(ctx, validBatch())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exe, err := env.store.GetExecutable(ctx, exeA)
	require.NoError(t, err)
	assert.Equal(t, "libfoo.so", exe.FileName)
	assert.Equal(t, model.StatusUnknown, exe.Status)

	traces, err := env.store.SampleTraces(ctx, now.Add(-time.Minute), now.Add(time.Minute), model.SampleKindOnCPU)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, uint64(6), traces[0].Count)

	rt, err := env.store.QueryTrace(ctx, traces[0].Trace)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), rt.Count)
	require.Len(t, rt.Frames, 3)
	assert.Equal(t, model.ResolutionResolved, rt.Frames[0].Resolution)
	assert.Equal(t, "handler", rt.Frames[0].Name)
	assert.Equal(t, uint32(12), rt.Frames[0].Symbol.Line)
	assert.Equal(t, model.ResolutionUnresolved, rt.Frames[1].Resolution)
	assert.Equal(t, model.UnsymbolizedName(0x1000), rt.Frames[1].Name)

	unresolved, err := env.store.UnresolvedFramesFor(ctx, exeA, 10)
	require.NoError(t, err)
	assert.Len(t, unresolved, 2)
	assert.Equal(t, 2, env.keys(t, store.Events))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.ingester.metrics.samples))
}

func TestProcessBatchDedup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for range 3 {
		_, err := env.ingester.ProcessBatch(ctx, validBatch())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, env.keys(t, store.Traces))
	assert.Equal(t, 1, env.keys(t, store.Executables))

	traces, err := env.store.SampleTraces(ctx, now.Add(-time.Minute), now.Add(time.Minute), model.SampleKindMixed)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, uint64(18), traces[0].Count)
}

func TestProcessBatchRejectsInvalid(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(b *api.Batch)
		err    string
	}{
		{
			name:   "index out of bounds",
			mutate: func(b *api.Batch) { b.Samples[0].LocationIndices[1] = 3 },
			err:    "location_table: index is out of bounds",
		},
		{
			name:   "negative index",
			mutate: func(b *api.Batch) { b.Samples[0].LocationIndices[0] = -1 },
			err:    "location_table: index is out of bounds",
		},
		{
			name:   "unsupported frame kind",
			mutate: func(b *api.Batch) { b.Locations[2].Kind = "cobol" },
			err:    "unsupported frame kind: cobol",
		},
		{
			name:   "malformed file id",
			mutate: func(b *api.Batch) { b.Locations[0].Executable = "xyz" },
			err:    "failed to parse file ID",
		},
		{
			name:   "malformed executable declaration",
			mutate: func(b *api.Batch) { b.Executables[0].ID = "not-an-id" },
			err:    "failed to parse file ID",
		},
		{
			name:   "native frame without executable",
			mutate: func(b *api.Batch) { b.Locations[1].Executable = "" },
			err:    "native frame without executable",
		},
		{
			name:   "sample without locations",
			mutate: func(b *api.Batch) { b.Samples[0].LocationIndices = nil },
			err:    "sample has no locations",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			b := validBatch()
			tc.mutate(b)

			_, err := env.ingester.ProcessBatch(context.Background(), b)
			require.Error(t, err)
			assert.True(t, model.IsValidationError(err))
			assert.Contains(t, err.Error(), tc.err)

			for _, ks := range []store.Keyspace{store.Traces, store.Executables, store.Symbols, store.Events, store.Pending} {
				assert.Zero(t, env.keys(t, ks), ks.String())
			}
		})
	}
}

func TestProcessBatchSpecialFrames(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	b := &api.Batch{
		Locations: []api.Location{
			{Kind: "error:native", Address: 7},
			{Kind: "abort-marker"},
			{Kind: "kernel", Executable: exeA.String(), Address: 0xffff0000},
		},
		Samples: []api.Sample{{LocationIndices: []int32{2, 0, 1}}},
	}
	_, err := env.ingester.ProcessBatch(ctx, b)
	require.NoError(t, err)

	traces, err := env.store.SampleTraces(ctx, now.Add(-time.Minute), now.Add(time.Minute), model.SampleKindMixed)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, uint64(1), traces[0].Count)

	rt, err := env.store.QueryTrace(ctx, traces[0].Trace)
	require.NoError(t, err)
	require.Len(t, rt.Frames, 3)
	for _, f := range rt.Frames {
		assert.Equal(t, model.ResolutionUnresolved, f.Resolution)
	}
	assert.Equal(t, "<abort>", rt.Frames[2].Name)
	assert.True(t, rt.Frames[2].Frame.Executable.IsZero())
	// Only native frames are queued for symbolization.
	assert.Zero(t, env.keys(t, store.Pending))
}

func TestProcessBatchUploads(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	data := []byte("\x7fELF not really an executable")
	id := model.ExecutableIDFromBytes(data)
	debug := []byte("debug info for a stripped binary")
	stripped := model.ExecutableID{0xbe, 0xef}

	_, err := env.ingester.ProcessBatch(ctx, &api.Batch{
		Executables: []api.ExecutableInfo{
			{ID: id.String(), FileName: "app", Bytes: data},
			{ID: stripped.String(), FileName: "stripped", Bytes: debug},
		},
	})
	require.NoError(t, err)

	for _, c := range []struct {
		id   model.ExecutableID
		size int
	}{{id, len(data)}, {stripped, len(debug)}} {
		exe, err := env.store.GetExecutable(ctx, c.id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusBytesAvailable, exe.Status)
		assert.Equal(t, int64(c.size), exe.Size)
	}
	assert.Equal(t, float64(len(data)+len(debug)), testutil.ToFloat64(env.ingester.metrics.uploadedBytes))

	// Uploading again is accepted and changes nothing.
	_, err = env.ingester.ProcessBatch(ctx, &api.Batch{
		Executables: []api.ExecutableInfo{{ID: id.String(), Bytes: data}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, env.keys(t, store.Executables))
}

func TestSampleWithoutTimestamps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	b := validBatch()
	b.Samples[0].Timestamps = nil
	b.Samples[0].Count = 0
	b.Samples[0].SampleType = "events"
	b.Samples[0].SampleUnit = "nanoseconds"
	_, err := env.ingester.ProcessBatch(ctx, b)
	require.NoError(t, err)

	traces, err := env.store.SampleTraces(ctx, now, now.Add(time.Millisecond), model.SampleKindOffCPU)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, uint64(1), traces[0].Count)
}

func TestSyntheticExecutableID(t *testing.T) {
	a := syntheticExecutableID(&api.Location{FunctionName: "f", FileName: "a.py", Line: 1})
	b := syntheticExecutableID(&api.Location{FunctionName: "f", FileName: "a.py", Line: 2})
	assert.Equal(t, a, syntheticExecutableID(&api.Location{FunctionName: "f", FileName: "a.py", Line: 1}))
	assert.NotEqual(t, a, b)
	assert.False(t, a.IsZero())
}

func TestRequestLog(t *testing.T) {
	var l requestLog
	assert.Empty(t, l.snapshot())
	for i := 1; i <= 150; i++ {
		l.add(api.RequestLogEntry{Seq: uint64(i)})
	}
	entries := l.snapshot()
	require.Len(t, entries, requestLogSize)
	assert.Equal(t, uint64(150), entries[0].Seq)
	assert.Equal(t, uint64(51), entries[len(entries)-1].Seq)
}

func TestIngestStream(t *testing.T) {
	env := newTestEnv(t)

	path, handler := env.ingester.Handler(connectapi.DefaultHandlerOptions()...)
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := httptest.NewUnstartedServer(mux)
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)

	client := connect.NewClient[api.Batch, api.BatchResult](srv.Client(), srv.URL+api.IngestProcedure, connectapi.DefaultClientOptions()...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream := client.CallBidiStream(ctx)

	invalid := validBatch()
	invalid.Samples[0].LocationIndices[0] = 99
	batches := []*api.Batch{invalid, validBatch()}
	for _, b := range batches {
		require.NoError(t, stream.Send(b))
	}
	require.NoError(t, stream.CloseRequest())

	var results []*api.BatchResult
	for range batches {
		res, err := stream.Receive()
		require.NoError(t, err)
		results = append(results, res)
	}
	require.NoError(t, stream.CloseResponse())

	assert.Equal(t, uint64(1), results[0].Seq)
	assert.False(t, results[0].Accepted)
	assert.Contains(t, results[0].Error, "location_table: index is out of bounds")
	assert.Equal(t, uint64(2), results[1].Seq)
	assert.True(t, results[1].Accepted)
	assert.Equal(t, 1, results[1].Traces)

	processed, rejected := env.ingester.Batches()
	assert.Equal(t, uint64(1), processed)
	assert.Equal(t, uint64(1), rejected)

	entries := env.ingester.RequestLog()
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[0].Seq)
	assert.Empty(t, entries[0].Error)
	assert.Equal(t, 3, entries[0].Locations)
	assert.NotEmpty(t, entries[1].Error)
	assert.Equal(t, entries[0].Stream, entries[1].Stream)
	assert.Equal(t, now.UnixMilli(), entries[0].Time)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.ingester.metrics.batches.WithLabelValues(statusAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.ingester.metrics.batches.WithLabelValues(statusErrorInvalid)))
	assert.Equal(t, 1, env.keys(t, store.Traces))
}

// cancelAfter reports cancellation once Err has been called n times, which
// cancels a batch at every point of its processing in turn.
type cancelAfter struct {
	context.Context
	n int
}

func (c *cancelAfter) Err() error {
	if c.n <= 0 {
		return context.Canceled
	}
	c.n--
	return nil
}

func TestProcessBatchCancelled(t *testing.T) {
	var failed, stored int
	for n := 0; n < 64; n++ {
		env := newTestEnv(t)
		b := validBatch()
		b.Samples = append(b.Samples, api.Sample{LocationIndices: []int32{0}, Count: 1})

		got, err := env.ingester.ProcessBatch(&cancelAfter{Context: context.Background(), n: n}, b)
		if err != nil {
			failed++
			require.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, 0, got)
			assert.Equal(t, 0, env.keys(t, store.Traces), "cancelled after %d checks", n)
			assert.Equal(t, 0, env.keys(t, store.Events), "cancelled after %d checks", n)
			assert.Equal(t, 0, env.keys(t, store.Symbols), "cancelled after %d checks", n)
			continue
		}
		stored++
		assert.Equal(t, 2, got)
		assert.Equal(t, 2, env.keys(t, store.Traces))
		assert.Equal(t, 3, env.keys(t, store.Events))
	}
	assert.NotZero(t, failed)
	assert.NotZero(t, stored)
}

func TestDisconnectDiscardsBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := env.ingester.handle(ctx, log.NewNopLogger(), "stream", 1, validBatch())
	assert.False(t, res.Accepted)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 0, env.keys(t, store.Traces))
	assert.Equal(t, 0, env.keys(t, store.Events))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.ingester.metrics.batches.WithLabelValues(statusErrorInternal)))

	// The agent sends the batch again on its next connection and it counts
	// once.
	res = env.ingester.handle(context.Background(), log.NewNopLogger(), "stream", 1, validBatch())
	require.True(t, res.Accepted, res.Error)
	traces, err := env.store.SampleTraces(context.Background(), now.Add(-time.Minute), now.Add(time.Minute), model.SampleKindMixed)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, uint64(6), traces[0].Count)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, (&Config{}).Validate())
	assert.NoError(t, (&Config{MaxMessageSize: 1}).Validate())
}

func TestValidationMessage(t *testing.T) {
	b := validBatch()
	b.Samples[0].LocationIndices[0] = 99
	_, err := decodeBatch(b, now)
	require.Error(t, err)
	assert.EqualError(t, err, "sample 0: index 99: location_table: index is out of bounds")
}
