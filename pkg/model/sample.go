package model

import (
	"fmt"
	"time"
)

// SampleKind distinguishes on-CPU from off-CPU samples.
type SampleKind uint8

const (
	SampleKindUnknown SampleKind = iota
	// SampleKindMixed is only used as a query filter and matches every kind.
	SampleKindMixed
	SampleKindOnCPU
	SampleKindOffCPU
)

func (k SampleKind) String() string {
	switch k {
	case SampleKindUnknown:
		return "unknown"
	case SampleKindMixed:
		return "mixed"
	case SampleKindOnCPU:
		return "on_cpu"
	case SampleKindOffCPU:
		return "off_cpu"
	}
	return fmt.Sprintf("sample_kind(%d)", uint8(k))
}

// ParseSampleKind parses a kind name. The empty string selects all kinds.
func ParseSampleKind(s string) (SampleKind, error) {
	if s == "" {
		return SampleKindMixed, nil
	}
	for k := SampleKindUnknown; k <= SampleKindOffCPU; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return SampleKindUnknown, fmt.Errorf("unknown sample kind: %s", s)
}

// Matches reports whether an event of kind k passes the filter.
func (k SampleKind) Matches(filter SampleKind) bool {
	return filter == SampleKindMixed || filter == k
}

// SampleKindFromType derives the kind from the profile sample type the
// agent reports.
func SampleKindFromType(typ, unit string) SampleKind {
	switch {
	case typ == "samples" && unit == "count":
		return SampleKindOnCPU
	case typ == "events" && unit == "nanoseconds":
		return SampleKindOffCPU
	}
	return SampleKindUnknown
}

// nanosecondsThreshold is 2024-01-01T00:00:00Z in nanoseconds. Agent
// timestamps above it are nanoseconds, below it milliseconds.
const nanosecondsThreshold = 1704063600 * uint64(time.Second)

// NormalizeTimestamp converts an agent timestamp into a time.
func NormalizeTimestamp(ts uint64) time.Time {
	if ts > nanosecondsThreshold {
		return time.Unix(0, int64(ts)).UTC()
	}
	return time.UnixMilli(int64(ts)).UTC()
}

// TraceEvent is a single sample occurrence of a trace.
type TraceEvent struct {
	Timestamp time.Time  `json:"timestamp"`
	Trace     TraceID    `json:"trace"`
	Count     uint32     `json:"count"`
	Comm      string     `json:"comm,omitempty"`
	PID       uint32     `json:"pid,omitempty"`
	TID       uint32     `json:"tid,omitempty"`
	Kind      SampleKind `json:"kind"`
}
