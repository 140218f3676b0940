// Package api defines the messages exchanged with profiling agents and with
// the visualization layer.
package api

import (
	"github.com/elastic/devfiler/pkg/model"
	"github.com/elastic/devfiler/pkg/settings"
	"github.com/elastic/devfiler/pkg/store"
)

const (
	IngestServiceName = "devfiler.v1.IngestService"
	QueryServiceName  = "devfiler.v1.QueryService"

	IngestProcedure = "/" + IngestServiceName + "/Ingest"

	GetTraceProcedure          = "/" + QueryServiceName + "/GetTrace"
	ListExecutablesProcedure   = "/" + QueryServiceName + "/ListExecutables"
	GetExecutableProcedure     = "/" + QueryServiceName + "/GetExecutable"
	SampleTracesProcedure      = "/" + QueryServiceName + "/SampleTraces"
	EventCountBucketsProcedure = "/" + QueryServiceName + "/EventCountBuckets"
	TopFunctionsProcedure      = "/" + QueryServiceName + "/TopFunctions"
	StatsProcedure             = "/" + QueryServiceName + "/Stats"
	RequestLogProcedure        = "/" + QueryServiceName + "/RequestLog"
	FlushEventsProcedure       = "/" + QueryServiceName + "/FlushEvents"
	GetSettingsProcedure       = "/" + QueryServiceName + "/GetSettings"
	SetSettingsProcedure       = "/" + QueryServiceName + "/SetSettings"
)

// Location is one entry of a batch's location table.
type Location struct {
	// Kind is the frame type, e.g. "native", "kernel", "cpython",
	// "error:native" or "abort-marker".
	Kind string `json:"kind"`
	// Executable is the hex or base64url identity of the mapping. Optional
	// for interpreted frames.
	Executable string `json:"executable,omitempty"`
	// Address is the file address for native frames and the
	// interpreter-defined address or line for others.
	Address uint64 `json:"address"`
	// Symbol information the agent already knows, for interpreted frames.
	FunctionName string `json:"function_name,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	Line         uint32 `json:"line,omitempty"`
}

// ExecutableInfo declares an executable referenced by the batch. Bytes are
// sent along for executables the agent has not uploaded before.
type ExecutableInfo struct {
	ID       string `json:"id"`
	FileName string `json:"file_name,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
}

// Sample is a stack trace with its occurrences.
type Sample struct {
	// LocationIndices index into the batch's location table, leaf first.
	LocationIndices []int32 `json:"location_indices"`
	// Timestamps of the individual events in nanoseconds or milliseconds
	// since the epoch. Count applies to each of them.
	Timestamps []uint64 `json:"timestamps,omitempty"`
	Count      uint32   `json:"count,omitempty"`
	Comm       string   `json:"comm,omitempty"`
	PID        uint32   `json:"pid,omitempty"`
	TID        uint32   `json:"tid,omitempty"`
	SampleType string   `json:"sample_type,omitempty"`
	SampleUnit string   `json:"sample_unit,omitempty"`
}

// Batch is one message on an ingestion stream.
type Batch struct {
	Locations   []Location       `json:"locations"`
	Executables []ExecutableInfo `json:"executables,omitempty"`
	Samples     []Sample         `json:"samples"`
}

// BatchResult acknowledges a batch. A rejected batch carries the reason and
// leaves the stream open.
type BatchResult struct {
	Seq      uint64 `json:"seq"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
	Traces   int    `json:"traces"`
}

type GetTraceRequest struct {
	ID string `json:"id"`
}

type TraceFrame struct {
	Kind       string           `json:"kind"`
	Executable string           `json:"executable,omitempty"`
	Address    uint64           `json:"address"`
	Resolution model.Resolution `json:"resolution"`
	Name       string           `json:"name"`
	Symbol     *model.Symbol    `json:"symbol,omitempty"`
}

type GetTraceResponse struct {
	ID     string       `json:"id"`
	Count  uint64       `json:"count"`
	Frames []TraceFrame `json:"frames"`
}

type ListExecutablesRequest struct {
	// Status filters on a status name when set.
	Status string `json:"status,omitempty"`
}

type ListExecutablesResponse struct {
	Executables []*model.Executable `json:"executables"`
}

type GetExecutableRequest struct {
	ID string `json:"id"`
}

// TimeRange selects events by time in milliseconds since the epoch,
// [Start, End). Kind filters on a sample kind name, "" matches all.
type TimeRange struct {
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Kind  string `json:"kind,omitempty"`
}

type SampleTracesRequest struct {
	TimeRange
	Limit int `json:"limit,omitempty"`
}

type TraceCount struct {
	ID    string `json:"id"`
	Count uint64 `json:"count"`
}

type SampleTracesResponse struct {
	Traces []TraceCount `json:"traces"`
}

type EventCountBucketsRequest struct {
	TimeRange
	Buckets int `json:"buckets"`
}

type EventCountBucketsResponse struct {
	Buckets []store.TimeBucket `json:"buckets"`
}

type TopFunctionsRequest struct {
	TimeRange
	Limit int `json:"limit,omitempty"`
}

type FunctionCount struct {
	Name string `json:"name"`
	// Self counts samples with the function as leaf.
	Self uint64 `json:"self"`
	// Total counts samples with the function anywhere on the stack.
	Total uint64 `json:"total"`
}

type TopFunctionsResponse struct {
	Functions []FunctionCount `json:"functions"`
}

type StatsRequest struct{}

type StatsResponse struct {
	Store            *store.Stats `json:"store"`
	ProcessedBatches uint64       `json:"processed_batches"`
	RejectedBatches  uint64       `json:"rejected_batches"`
}

type RequestLogRequest struct{}

// RequestLogEntry summarizes one ingested batch.
type RequestLogEntry struct {
	Time      int64  `json:"time"`
	Stream    string `json:"stream"`
	Seq       uint64 `json:"seq"`
	Locations int    `json:"locations"`
	Samples   int    `json:"samples"`
	Error     string `json:"error,omitempty"`
}

type RequestLogResponse struct {
	Entries []RequestLogEntry `json:"entries"`
}

type FlushEventsRequest struct{}

type Empty struct{}

type GetSettingsRequest struct{}

type Settings = settings.Snapshot
