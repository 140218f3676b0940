package model

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
)

// ExecutableID identifies an executable by the content of its bytes.
type ExecutableID [16]byte

// ExecutableIDFromBytes derives the identity of an executable from its bytes.
func ExecutableIDFromBytes(b []byte) ExecutableID {
	sum := sha256.Sum256(b)
	var id ExecutableID
	copy(id[:], sum[:len(id)])
	return id
}

// ParseExecutableID accepts the 32 character hex form as well as the 22
// character unpadded base64url form used by the profiling agent.
func ParseExecutableID(s string) (ExecutableID, error) {
	var id ExecutableID
	switch len(s) {
	case hex.EncodedLen(len(id)):
		if _, err := hex.Decode(id[:], []byte(s)); err != nil {
			return id, errors.Wrapf(err, "invalid executable id %q", s)
		}
	case base64.RawURLEncoding.EncodedLen(len(id)):
		if _, err := base64.RawURLEncoding.Decode(id[:], []byte(s)); err != nil {
			return id, errors.Wrapf(err, "invalid executable id %q", s)
		}
	default:
		return id, errors.Errorf("invalid executable id %q: unexpected length %d", s, len(s))
	}
	return id, nil
}

func (id ExecutableID) String() string { return hex.EncodeToString(id[:]) }

func (id ExecutableID) IsZero() bool { return id == ExecutableID{} }

func (id ExecutableID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ExecutableID) UnmarshalText(b []byte) error {
	v, err := ParseExecutableID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// TraceID is the content hash of an ordered frame sequence.
type TraceID [16]byte

// TraceIDFromFrames hashes the frame sequence. Identical sequences always
// produce identical ids, which is what trace deduplication relies on.
func TraceIDFromFrames(frames []Frame) TraceID {
	h := xxh3.New()
	var buf [FrameSize]byte
	for _, f := range frames {
		f.encode(buf[:])
		_, _ = h.Write(buf[:])
	}
	return TraceID(h.Sum128().Bytes())
}

func ParseTraceID(s string) (TraceID, error) {
	var id TraceID
	if len(s) != hex.EncodedLen(len(id)) {
		return id, errors.Errorf("invalid trace id %q", s)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, errors.Wrapf(err, "invalid trace id %q", s)
	}
	return id, nil
}

func (id TraceID) String() string { return hex.EncodeToString(id[:]) }

func (id TraceID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *TraceID) UnmarshalText(b []byte) error {
	v, err := ParseTraceID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
