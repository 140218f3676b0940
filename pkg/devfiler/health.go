package devfiler

import (
	"context"

	"connectrpc.com/grpchealth"
	"github.com/gorilla/mux"
)

type check func(context.Context) bool

type checker struct {
	checks []check
}

// RegisterHealthServer serves the gRPC health protocol, reporting serving
// while every check passes.
func RegisterHealthServer(mux *mux.Router, checks ...check) {
	prefix, handler := grpchealth.NewHandler(&checker{checks: checks})
	mux.NewRoute().PathPrefix(prefix).Handler(handler)
}

func (c *checker) Check(ctx context.Context, req *grpchealth.CheckRequest) (*grpchealth.CheckResponse, error) {
	for _, check := range c.checks {
		if !check(ctx) {
			return &grpchealth.CheckResponse{Status: grpchealth.StatusNotServing}, nil
		}
	}
	return &grpchealth.CheckResponse{Status: grpchealth.StatusServing}, nil
}
