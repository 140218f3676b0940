package model

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// InterpKind is the runtime that produced a frame.
type InterpKind uint8

const (
	InterpUnknown InterpKind = iota
	InterpPython
	InterpPHP
	InterpNative
	InterpKernel
	InterpJVM
	InterpRuby
	InterpPerl
	InterpJS
	InterpPHPJIT
	InterpDotNet
	InterpBEAM
	InterpGo
)

var interpNames = map[InterpKind]string{
	InterpPython: "cpython",
	InterpPHP:    "php",
	InterpNative: "native",
	InterpKernel: "kernel",
	InterpJVM:    "jvm",
	InterpRuby:   "ruby",
	InterpPerl:   "perl",
	InterpJS:     "v8js",
	InterpPHPJIT: "phpjit",
	InterpDotNet: "dotnet",
	InterpBEAM:   "beam",
	InterpGo:     "go",
}

func (k InterpKind) String() string {
	if n, ok := interpNames[k]; ok {
		return n
	}
	return fmt.Sprintf("interp(%d)", uint8(k))
}

// FrameKind is an InterpKind plus an error bit. The abort marker is a
// dedicated value that terminates a truncated trace.
type FrameKind uint8

const (
	frameKindErrorBit FrameKind = 0x80

	FrameKindAbort FrameKind = 0xff
)

const (
	abortMarkerName = "abort-marker"
	errorPrefix     = "error:"
)

func RegularFrameKind(k InterpKind) FrameKind { return FrameKind(k) }

func ErrorFrameKind(k InterpKind) FrameKind { return FrameKind(k) | frameKindErrorBit }

// ParseFrameKind maps the frame type names sent by the agent. Error frames
// carry an "error:" prefix.
func ParseFrameKind(s string) (FrameKind, error) {
	if s == abortMarkerName {
		return FrameKindAbort, nil
	}
	name, isError := strings.CutPrefix(s, errorPrefix)
	for k, n := range interpNames {
		if n != name {
			continue
		}
		if isError {
			return ErrorFrameKind(k), nil
		}
		return RegularFrameKind(k), nil
	}
	return 0, errors.Errorf("unsupported frame kind: %s", s)
}

// Interp returns the interpreter of the frame; false for the abort marker.
func (k FrameKind) Interp() (InterpKind, bool) {
	if k == FrameKindAbort {
		return InterpUnknown, false
	}
	return InterpKind(k &^ frameKindErrorBit), true
}

func (k FrameKind) IsError() bool { return k != FrameKindAbort && k&frameKindErrorBit != 0 }

func (k FrameKind) IsAbort() bool { return k == FrameKindAbort }

// IsNative reports whether frames of this kind are instruction addresses in
// an executable and therefore need symbolization.
func (k FrameKind) IsNative() bool { return k == RegularFrameKind(InterpNative) }

func (k FrameKind) String() string {
	switch {
	case k.IsAbort():
		return abortMarkerName
	case k.IsError():
		i, _ := k.Interp()
		return errorPrefix + i.String()
	}
	i, _ := k.Interp()
	return i.String()
}

// FrameSize is the size of an encoded frame.
const FrameSize = 16 + 8 + 1

// Frame is a single stack frame. For native frames Address is the
// executable-relative instruction address, for interpreted frames it is
// whatever the agent uses to identify the frame (usually a line or offset).
type Frame struct {
	Executable ExecutableID
	Address    uint64
	Kind       FrameKind
}

func (f Frame) encode(b []byte) {
	copy(b[:16], f.Executable[:])
	binary.BigEndian.PutUint64(b[16:24], f.Address)
	b[24] = byte(f.Kind)
}

// AppendFrames appends the binary form of the frames to dst.
func AppendFrames(dst []byte, frames []Frame) []byte {
	var buf [FrameSize]byte
	for _, f := range frames {
		f.encode(buf[:])
		dst = append(dst, buf[:]...)
	}
	return dst
}

// DecodeFrames is the inverse of AppendFrames.
func DecodeFrames(b []byte) ([]Frame, error) {
	if len(b)%FrameSize != 0 {
		return nil, errors.Errorf("invalid frame list length %d", len(b))
	}
	frames := make([]Frame, 0, len(b)/FrameSize)
	for ; len(b) > 0; b = b[FrameSize:] {
		var f Frame
		copy(f.Executable[:], b[:16])
		f.Address = binary.BigEndian.Uint64(b[16:24])
		f.Kind = FrameKind(b[24])
		frames = append(frames, f)
	}
	return frames, nil
}

// FrameRef is the symbolization key of a native frame.
type FrameRef struct {
	Executable ExecutableID
	Address    uint64
}
