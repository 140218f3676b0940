// Package query serves read access to stored traces, executables and events
// to the visualization layer.
package query

import (
	"context"
	"time"

	"connectrpc.com/connect"
	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/elastic/devfiler/pkg/api"
	"github.com/elastic/devfiler/pkg/model"
	"github.com/elastic/devfiler/pkg/registry"
	"github.com/elastic/devfiler/pkg/settings"
	"github.com/elastic/devfiler/pkg/store"
)

// IngestStats exposes what the ingestion service knows about recent batches.
type IngestStats interface {
	RequestLog() []api.RequestLogEntry
	Batches() (processed, rejected uint64)
}

type Querier struct {
	logger   log.Logger
	store    *store.Store
	registry *registry.Registry
	ingest   IngestStats
	settings *settings.Settings
	now      func() time.Time
}

func New(logger log.Logger, s *store.Store, r *registry.Registry, ingest IngestStats, st *settings.Settings) *Querier {
	return &Querier{
		logger:   log.With(logger, "component", "query"),
		store:    s,
		registry: r,
		ingest:   ingest,
		settings: st,
		now:      time.Now,
	}
}

// Register adds the query procedures and the executable endpoints to the
// router.
func (q *Querier) Register(r *mux.Router, opts ...connect.HandlerOption) {
	r.Handle(api.GetTraceProcedure, connect.NewUnaryHandler(api.GetTraceProcedure, unary(q.GetTrace), opts...))
	r.Handle(api.ListExecutablesProcedure, connect.NewUnaryHandler(api.ListExecutablesProcedure, unary(q.ListExecutables), opts...))
	r.Handle(api.GetExecutableProcedure, connect.NewUnaryHandler(api.GetExecutableProcedure, unary(q.GetExecutable), opts...))
	r.Handle(api.SampleTracesProcedure, connect.NewUnaryHandler(api.SampleTracesProcedure, unary(q.SampleTraces), opts...))
	r.Handle(api.EventCountBucketsProcedure, connect.NewUnaryHandler(api.EventCountBucketsProcedure, unary(q.EventCountBuckets), opts...))
	r.Handle(api.TopFunctionsProcedure, connect.NewUnaryHandler(api.TopFunctionsProcedure, unary(q.TopFunctions), opts...))
	r.Handle(api.StatsProcedure, connect.NewUnaryHandler(api.StatsProcedure, unary(q.Stats), opts...))
	r.Handle(api.RequestLogProcedure, connect.NewUnaryHandler(api.RequestLogProcedure, unary(q.RequestLog), opts...))
	r.Handle(api.FlushEventsProcedure, connect.NewUnaryHandler(api.FlushEventsProcedure, unary(q.FlushEvents), opts...))
	r.Handle(api.GetSettingsProcedure, connect.NewUnaryHandler(api.GetSettingsProcedure, unary(q.GetSettings), opts...))
	r.Handle(api.SetSettingsProcedure, connect.NewUnaryHandler(api.SetSettingsProcedure, unary(q.SetSettings), opts...))

	r.HandleFunc("/api/v1/executables/bytes", q.UploadExecutableHandler).Methods("PUT", "POST")
	r.HandleFunc("/api/v1/executables/{id}/bytes", q.ExecutableBytesHandler).Methods("GET")
	r.HandleFunc("/api/v1/executables/{id}/bytes", q.AttachExecutableHandler).Methods("PUT", "POST")
	r.HandleFunc("/api/v1/executables/{id}", q.RemoveExecutableHandler).Methods("DELETE")
}

// unary adapts a plain method to a connect handler function and maps errors
// to connect codes.
func unary[Req, Res any](fn func(context.Context, *Req) (*Res, error)) func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error) {
	return func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
		res, err := fn(ctx, req.Msg)
		if err != nil {
			return nil, api.ConnectError(err)
		}
		return connect.NewResponse(res), nil
	}
}

func (q *Querier) GetTrace(ctx context.Context, req *api.GetTraceRequest) (*api.GetTraceResponse, error) {
	sp, ctx := opentracing.StartSpanFromContext(ctx, "query.GetTrace")
	defer sp.Finish()

	if req.ID == "" {
		return nil, api.ErrParamIDRequired
	}
	id, err := model.ParseTraceID(req.ID)
	if err != nil {
		return nil, model.Invalid(err)
	}
	rt, err := q.store.QueryTrace(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &api.GetTraceResponse{ID: rt.ID.String(), Count: rt.Count, Frames: make([]api.TraceFrame, 0, len(rt.Frames))}
	for _, f := range rt.Frames {
		tf := api.TraceFrame{
			Kind:       f.Frame.Kind.String(),
			Address:    f.Frame.Address,
			Resolution: f.Resolution,
			Name:       f.Name,
			Symbol:     f.Symbol,
		}
		if !f.Frame.Executable.IsZero() {
			tf.Executable = f.Frame.Executable.String()
		}
		res.Frames = append(res.Frames, tf)
	}
	return res, nil
}

func (q *Querier) ListExecutables(ctx context.Context, req *api.ListExecutablesRequest) (*api.ListExecutablesResponse, error) {
	list, err := q.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	if req.Status != "" {
		status, err := model.ParseStatus(req.Status)
		if err != nil {
			return nil, model.Invalid(err)
		}
		filtered := list[:0]
		for _, e := range list {
			if e.Status == status {
				filtered = append(filtered, e)
			}
		}
		list = filtered
	}
	return &api.ListExecutablesResponse{Executables: list}, nil
}

func (q *Querier) GetExecutable(ctx context.Context, req *api.GetExecutableRequest) (*model.Executable, error) {
	id, err := parseExecutableID(req.ID)
	if err != nil {
		return nil, err
	}
	return q.registry.Get(ctx, id)
}

func parseExecutableID(s string) (model.ExecutableID, error) {
	if s == "" {
		return model.ExecutableID{}, api.ErrParamIDRequired
	}
	id, err := model.ParseExecutableID(s)
	if err != nil {
		return id, model.Invalid(err)
	}
	return id, nil
}

type timeRange struct {
	start, end time.Time
	kind       model.SampleKind
}

func parseTimeRange(r api.TimeRange) (timeRange, error) {
	kind, err := model.ParseSampleKind(r.Kind)
	if err != nil {
		return timeRange{}, model.Invalid(err)
	}
	tr := timeRange{start: time.UnixMilli(r.Start).UTC(), end: time.UnixMilli(r.End).UTC(), kind: kind}
	if !tr.end.After(tr.start) {
		return tr, model.Invalid(errors.Errorf("invalid time range: end %d must be after start %d", r.End, r.Start))
	}
	return tr, nil
}

func (q *Querier) SampleTraces(ctx context.Context, req *api.SampleTracesRequest) (*api.SampleTracesResponse, error) {
	tr, err := parseTimeRange(req.TimeRange)
	if err != nil {
		return nil, err
	}
	counts, err := q.store.SampleTraces(ctx, tr.start, tr.end, tr.kind)
	if err != nil {
		return nil, err
	}
	if req.Limit > 0 && len(counts) > req.Limit {
		counts = counts[:req.Limit]
	}
	res := &api.SampleTracesResponse{Traces: make([]api.TraceCount, 0, len(counts))}
	for _, c := range counts {
		res.Traces = append(res.Traces, api.TraceCount{ID: c.Trace.String(), Count: c.Count})
	}
	return res, nil
}

func (q *Querier) EventCountBuckets(ctx context.Context, req *api.EventCountBucketsRequest) (*api.EventCountBucketsResponse, error) {
	tr, err := parseTimeRange(req.TimeRange)
	if err != nil {
		return nil, err
	}
	if req.Buckets <= 0 {
		return nil, model.Invalid(errors.New("buckets must be positive"))
	}
	buckets, err := q.store.EventCountBuckets(ctx, tr.start, tr.end, req.Buckets, tr.kind)
	if err != nil {
		return nil, err
	}
	return &api.EventCountBucketsResponse{Buckets: buckets}, nil
}

func (q *Querier) Stats(ctx context.Context, _ *api.StatsRequest) (*api.StatsResponse, error) {
	st, err := q.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	res := &api.StatsResponse{Store: st}
	if q.ingest != nil {
		res.ProcessedBatches, res.RejectedBatches = q.ingest.Batches()
	}
	return res, nil
}

func (q *Querier) RequestLog(_ context.Context, _ *api.RequestLogRequest) (*api.RequestLogResponse, error) {
	res := &api.RequestLogResponse{Entries: []api.RequestLogEntry{}}
	if q.ingest != nil {
		res.Entries = q.ingest.RequestLog()
	}
	return res, nil
}

func (q *Querier) FlushEvents(ctx context.Context, _ *api.FlushEventsRequest) (*api.Empty, error) {
	if err := q.store.FlushEvents(ctx); err != nil {
		return nil, err
	}
	return &api.Empty{}, nil
}

func (q *Querier) GetSettings(_ context.Context, _ *api.GetSettingsRequest) (*api.Settings, error) {
	snap := q.settings.Get()
	return &snap, nil
}

// SetSettings replaces the runtime settings. A request without a
// modification time is stamped with the current time.
func (q *Querier) SetSettings(ctx context.Context, req *api.Settings) (*api.Settings, error) {
	snap := *req
	if snap.ModifiedAt == 0 {
		snap.ModifiedAt = q.now().UnixMilli()
	}
	stored, err := q.settings.Set(ctx, snap)
	if errors.Is(err, settings.ErrOldSetting) {
		return nil, model.Invalid(err)
	}
	if err != nil {
		return nil, err
	}
	return &stored, nil
}
