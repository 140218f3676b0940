package query

import (
	"context"
	"sort"

	"github.com/opentracing/opentracing-go"
	"github.com/samber/lo"

	"github.com/elastic/devfiler/pkg/api"
	"github.com/elastic/devfiler/pkg/model"
	"github.com/elastic/devfiler/pkg/store"
)

const maxTopFunctions = 500

// TopFunctions aggregates the samples of a time range by function. Self
// counts samples where the function is the leaf, Total counts samples where
// it appears anywhere on the stack, once per sample. Inlined calls count as
// functions of their own.
func (q *Querier) TopFunctions(ctx context.Context, req *api.TopFunctionsRequest) (*api.TopFunctionsResponse, error) {
	sp, ctx := opentracing.StartSpanFromContext(ctx, "query.TopFunctions")
	defer sp.Finish()

	tr, err := parseTimeRange(req.TimeRange)
	if err != nil {
		return nil, err
	}
	counts, err := q.store.SampleTraces(ctx, tr.start, tr.end, tr.kind)
	if err != nil {
		return nil, err
	}
	sp.SetTag("traces", len(counts))

	funcs := map[string]*api.FunctionCount{}
	get := func(name string) *api.FunctionCount {
		fc, ok := funcs[name]
		if !ok {
			fc = &api.FunctionCount{Name: name}
			funcs[name] = fc
		}
		return fc
	}
	for _, c := range counts {
		rt, err := q.store.QueryTrace(ctx, c.Trace)
		if err != nil {
			return nil, err
		}
		names := stackNames(rt.Frames)
		if len(names) == 0 {
			continue
		}
		get(names[0]).Self += c.Count
		for _, name := range lo.Uniq(names) {
			get(name).Total += c.Count
		}
	}

	out := make([]api.FunctionCount, 0, len(funcs))
	for _, fc := range funcs {
		out = append(out, *fc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Self != out[j].Self {
			return out[i].Self > out[j].Self
		}
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Name < out[j].Name
	})
	limit := req.Limit
	if limit <= 0 || limit > maxTopFunctions {
		limit = maxTopFunctions
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return &api.TopFunctionsResponse{Functions: out}, nil
}

// stackNames lists the function names of a trace leaf first, with inlined
// calls expanded in front of the function they were inlined into.
func stackNames(frames []store.ResolvedFrame) []string {
	names := make([]string, 0, len(frames))
	for _, f := range frames {
		if f.Symbol != nil {
			for _, in := range f.Symbol.Inlined {
				names = append(names, in.Function)
			}
		}
		names = append(names, frameName(f))
	}
	return names
}

func frameName(f store.ResolvedFrame) string {
	if f.Name != "" {
		return f.Name
	}
	return model.DisplayName(f.Frame, f.Symbol)
}
