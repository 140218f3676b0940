package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the resolution state of an executable.
type Status uint8

const (
	// StatusUnknown executables were referenced by a frame but their bytes
	// were never seen.
	StatusUnknown Status = iota
	StatusBytesAvailable
	StatusResolving
	// StatusResolved is terminal: the bytes behind an identity never change.
	StatusResolved
	StatusDebugInfoMissing
	StatusFetching
)

var statusNames = [...]string{
	StatusUnknown:          "unknown",
	StatusBytesAvailable:   "bytes_available",
	StatusResolving:        "resolving",
	StatusResolved:         "resolved",
	StatusDebugInfoMissing: "debug_info_missing",
	StatusFetching:         "fetching",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func ParseStatus(s string) (Status, error) {
	for i, n := range statusNames {
		if n == s {
			return Status(i), nil
		}
	}
	return 0, errors.Errorf("unknown status %q", s)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
