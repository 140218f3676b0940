package query

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	thanosobjstore "github.com/thanos-io/objstore"

	"github.com/elastic/devfiler/pkg/api"
	connectapi "github.com/elastic/devfiler/pkg/api/connect"
	"github.com/elastic/devfiler/pkg/model"
	"github.com/elastic/devfiler/pkg/objstore"
	"github.com/elastic/devfiler/pkg/registry"
	"github.com/elastic/devfiler/pkg/settings"
	"github.com/elastic/devfiler/pkg/store"
)

var (
	exeA = model.ExecutableID{0xa}
	t0   = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

type fakeIngest struct{}

func (fakeIngest) RequestLog() []api.RequestLogEntry {
	return []api.RequestLogEntry{{Seq: 2, Stream: "s"}, {Seq: 1, Stream: "s", Error: "bad"}}
}

func (fakeIngest) Batches() (uint64, uint64) { return 1, 1 }

type testEnv struct {
	store    *store.Store
	registry *registry.Registry
	querier  *Querier
	srv      *httptest.Server
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
	r := registry.New(s, log.NewNopLogger(), reg)
	q := New(log.NewNopLogger(), s, r, fakeIngest{}, settings.NewMemoryStore(settings.Snapshot{FetchEnabled: true}))
	q.now = func() time.Time { return t0 }

	router := mux.NewRouter()
	q.Register(router, connectapi.DefaultHandlerOptions()...)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testEnv{store: s, registry: r, querier: q, srv: srv}
}

func call[Req, Res any](t *testing.T, env *testEnv, procedure string, req *Req) (*Res, error) {
	client := connect.NewClient[Req, Res](env.srv.Client(), env.srv.URL+procedure, connectapi.DefaultClientOptions()...)
	res, err := client.CallUnary(context.Background(), connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func native(addr uint64) model.Frame {
	return model.Frame{Executable: exeA, Address: addr, Kind: model.RegularFrameKind(model.InterpNative)}
}

// addTrace stores a trace with count samples at ts.
func (e *testEnv) addTrace(t *testing.T, ts time.Time, count uint32, frames ...model.Frame) model.TraceID {
	ctx := context.Background()
	id, err := e.store.PutTrace(ctx, frames, uint64(count))
	require.NoError(t, err)
	require.NoError(t, e.store.PutEvents(ctx, []model.TraceEvent{{
		Timestamp: ts, Trace: id, Count: count, Kind: model.SampleKindOnCPU,
	}}))
	return id
}

func (e *testEnv) resolve(t *testing.T, results map[uint64]model.SymbolResult) {
	ctx := context.Background()
	exe, err := e.store.GetExecutable(ctx, exeA)
	require.NoError(t, err)
	require.NoError(t, e.store.PutSymbols(ctx, exeA, exe.Generation, results))
}

func testTimeRange(kind string) api.TimeRange {
	return api.TimeRange{Start: t0.Add(-time.Minute).UnixMilli(), End: t0.Add(time.Minute).UnixMilli(), Kind: kind}
}

func TestGetTrace(t *testing.T) {
	env := newTestEnv(t)
	id := env.addTrace(t, t0, 2, native(0x10), native(0x20), model.Frame{Kind: model.FrameKindAbort})
	env.resolve(t, map[uint64]model.SymbolResult{
		0x10: {Symbol: model.Symbol{Function: "leaf", File: "leaf.c", Line: 3}, Resolved: true},
	})

	res, err := call[api.GetTraceRequest, api.GetTraceResponse](t, env, api.GetTraceProcedure, &api.GetTraceRequest{ID: id.String()})
	require.NoError(t, err)
	assert.Equal(t, id.String(), res.ID)
	assert.Equal(t, uint64(2), res.Count)
	require.Len(t, res.Frames, 3)

	assert.Equal(t, "leaf", res.Frames[0].Name)
	assert.Equal(t, model.ResolutionResolved, res.Frames[0].Resolution)
	assert.Equal(t, "native", res.Frames[0].Kind)
	assert.Equal(t, exeA.String(), res.Frames[0].Executable)
	require.NotNil(t, res.Frames[0].Symbol)
	assert.Equal(t, "leaf.c", res.Frames[0].Symbol.File)

	assert.Equal(t, model.UnsymbolizedName(0x20), res.Frames[1].Name)
	assert.Equal(t, "<abort>", res.Frames[2].Name)
	assert.Empty(t, res.Frames[2].Executable)
}

func TestGetTraceErrors(t *testing.T) {
	env := newTestEnv(t)

	_, err := call[api.GetTraceRequest, api.GetTraceResponse](t, env, api.GetTraceProcedure, &api.GetTraceRequest{})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = call[api.GetTraceRequest, api.GetTraceResponse](t, env, api.GetTraceProcedure, &api.GetTraceRequest{ID: "zz"})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = call[api.GetTraceRequest, api.GetTraceResponse](t, env, api.GetTraceProcedure, &api.GetTraceRequest{ID: model.TraceID{1}.String()})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestSampleTracesAndBuckets(t *testing.T) {
	env := newTestEnv(t)
	a := env.addTrace(t, t0, 3, native(0x10))
	b := env.addTrace(t, t0.Add(30*time.Second), 5, native(0x20))
	env.addTrace(t, t0.Add(time.Hour), 7, native(0x30))

	res, err := call[api.SampleTracesRequest, api.SampleTracesResponse](t, env, api.SampleTracesProcedure,
		&api.SampleTracesRequest{TimeRange: testTimeRange("")})
	require.NoError(t, err)
	assert.Equal(t, []api.TraceCount{{ID: b.String(), Count: 5}, {ID: a.String(), Count: 3}}, res.Traces)

	res, err = call[api.SampleTracesRequest, api.SampleTracesResponse](t, env, api.SampleTracesProcedure,
		&api.SampleTracesRequest{TimeRange: testTimeRange("off_cpu")})
	require.NoError(t, err)
	assert.Empty(t, res.Traces)

	buckets, err := call[api.EventCountBucketsRequest, api.EventCountBucketsResponse](t, env, api.EventCountBucketsProcedure,
		&api.EventCountBucketsRequest{TimeRange: testTimeRange(""), Buckets: 4})
	require.NoError(t, err)
	require.Len(t, buckets.Buckets, 4)
	counts := make([]uint64, 0, 4)
	for _, b := range buckets.Buckets {
		counts = append(counts, b.Count)
	}
	assert.Equal(t, []uint64{0, 0, 3, 5}, counts)

	_, err = call[api.EventCountBucketsRequest, api.EventCountBucketsResponse](t, env, api.EventCountBucketsProcedure,
		&api.EventCountBucketsRequest{TimeRange: testTimeRange("")})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = call[api.SampleTracesRequest, api.SampleTracesResponse](t, env, api.SampleTracesProcedure,
		&api.SampleTracesRequest{TimeRange: api.TimeRange{Start: 10, End: 10}})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = call[api.FlushEventsRequest, api.Empty](t, env, api.FlushEventsProcedure, &api.FlushEventsRequest{})
	require.NoError(t, err)
	res, err = call[api.SampleTracesRequest, api.SampleTracesResponse](t, env, api.SampleTracesProcedure,
		&api.SampleTracesRequest{TimeRange: testTimeRange("")})
	require.NoError(t, err)
	assert.Empty(t, res.Traces)
}

func TestTopFunctions(t *testing.T) {
	env := newTestEnv(t)
	// main -> work -> (inlined helper) -> leaf, and a recursive main -> main.
	env.addTrace(t, t0, 4, native(0x10), native(0x20), native(0x30))
	env.addTrace(t, t0, 1, native(0x30), native(0x30))
	env.addTrace(t, t0, 2, native(0x40))
	env.resolve(t, map[uint64]model.SymbolResult{
		0x10: {Symbol: model.Symbol{Function: "leaf"}, Resolved: true},
		0x20: {Symbol: model.Symbol{Function: "work", Inlined: []model.Symbol{{Function: "helper"}}}, Resolved: true},
		0x30: {Symbol: model.Symbol{Function: "main"}, Resolved: true},
	})

	res, err := env.querier.TopFunctions(context.Background(), &api.TopFunctionsRequest{TimeRange: testTimeRange("")})
	require.NoError(t, err)
	expected := []api.FunctionCount{
		{Name: "leaf", Self: 4, Total: 4},
		{Name: model.UnsymbolizedName(0x40), Self: 2, Total: 2},
		{Name: "main", Self: 1, Total: 5},
		{Name: "helper", Self: 0, Total: 4},
		{Name: "work", Self: 0, Total: 4},
	}
	if diff := cmp.Diff(expected, res.Functions); diff != "" {
		t.Errorf("unexpected functions (-want +got):\n%s", diff)
	}

	res, err = env.querier.TopFunctions(context.Background(), &api.TopFunctionsRequest{TimeRange: testTimeRange(""), Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res.Functions, 2)
}

func TestListExecutables(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addTrace(t, t0, 1, native(0x10))
	uploaded, err := env.registry.Upload(ctx, []byte("executable"), "app")
	require.NoError(t, err)

	all, err := call[api.ListExecutablesRequest, api.ListExecutablesResponse](t, env, api.ListExecutablesProcedure, &api.ListExecutablesRequest{})
	require.NoError(t, err)
	assert.Len(t, all.Executables, 2)

	available, err := call[api.ListExecutablesRequest, api.ListExecutablesResponse](t, env, api.ListExecutablesProcedure,
		&api.ListExecutablesRequest{Status: model.StatusBytesAvailable.String()})
	require.NoError(t, err)
	require.Len(t, available.Executables, 1)
	assert.Equal(t, uploaded.ID, available.Executables[0].ID)

	_, err = call[api.ListExecutablesRequest, api.ListExecutablesResponse](t, env, api.ListExecutablesProcedure, &api.ListExecutablesRequest{Status: "bogus"})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	exe, err := call[api.GetExecutableRequest, model.Executable](t, env, api.GetExecutableProcedure, &api.GetExecutableRequest{ID: exeA.String()})
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnknown, exe.Status)

	_, err = call[api.GetExecutableRequest, model.Executable](t, env, api.GetExecutableProcedure, &api.GetExecutableRequest{ID: model.ExecutableID{0xf}.String()})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestStatsAndRequestLog(t *testing.T) {
	env := newTestEnv(t)
	env.addTrace(t, t0, 1, native(0x10))

	stats, err := call[api.StatsRequest, api.StatsResponse](t, env, api.StatsProcedure, &api.StatsRequest{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.ProcessedBatches)
	assert.Equal(t, uint64(1), stats.RejectedBatches)
	require.NotNil(t, stats.Store)
	assert.Equal(t, 1, stats.Store.Keyspaces[store.Traces].Keys)

	requests, err := call[api.RequestLogRequest, api.RequestLogResponse](t, env, api.RequestLogProcedure, &api.RequestLogRequest{})
	require.NoError(t, err)
	require.Len(t, requests.Entries, 2)
	assert.Equal(t, "bad", requests.Entries[1].Error)
}

func TestSettings(t *testing.T) {
	env := newTestEnv(t)

	got, err := call[api.GetSettingsRequest, api.Settings](t, env, api.GetSettingsProcedure, &api.GetSettingsRequest{})
	require.NoError(t, err)
	assert.True(t, got.FetchEnabled)

	set, err := call[api.Settings, api.Settings](t, env, api.SetSettingsProcedure, &api.Settings{FetchEnabled: false})
	require.NoError(t, err)
	assert.Equal(t, t0.UnixMilli(), set.ModifiedAt)
	assert.False(t, env.querier.settings.FetchEnabled())

	_, err = call[api.Settings, api.Settings](t, env, api.SetSettingsProcedure, &api.Settings{FetchEnabled: true, ModifiedAt: 1})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
	assert.False(t, env.querier.settings.FetchEnabled())
}

func TestExecutableEndpoints(t *testing.T) {
	env := newTestEnv(t)
	data := []byte("\x7fELF some executable")
	id := model.ExecutableIDFromBytes(data)

	do := func(method, path string, body []byte) *http.Response {
		req, err := http.NewRequest(method, env.srv.URL+path, bytes.NewReader(body))
		require.NoError(t, err)
		resp, err := env.srv.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := do("PUT", "/api/v1/executables/bytes?file_name=app", data)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exe model.Executable
	require.NoError(t, jsoniter.NewDecoder(resp.Body).Decode(&exe))
	assert.Equal(t, id, exe.ID)
	assert.Equal(t, "app", exe.FileName)
	assert.Equal(t, model.StatusBytesAvailable, exe.Status)

	resp = do("GET", "/api/v1/executables/"+id.String()+"/bytes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, `attachment; filename="app"`, resp.Header.Get("Content-Disposition"))

	resp = do("PUT", "/api/v1/executables/bytes", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	stripped := model.ExecutableID{0xbe, 0xef}
	resp = do("PUT", "/api/v1/executables/"+stripped.String()+"/bytes", []byte("debug info"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	e, err := env.store.GetExecutable(context.Background(), stripped)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBytesAvailable, e.Status)

	resp = do("DELETE", "/api/v1/executables/"+id.String(), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do("GET", "/api/v1/executables/"+id.String()+"/bytes", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do("DELETE", "/api/v1/executables/"+id.String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do("GET", "/api/v1/executables/nope/bytes", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
