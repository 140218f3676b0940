package ingest

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/elastic/devfiler/pkg/api"
	"github.com/elastic/devfiler/pkg/model"
)

var (
	errLocationIndex = errors.New("location_table: index is out of bounds")
	errNoLocations   = errors.New("location_indices: sample has no locations")
	errFileID        = errors.New("failed to parse file ID")
)

// decodedBatch is a batch that passed validation. Nothing is written before
// the whole batch was decoded.
type decodedBatch struct {
	frames      []model.Frame
	symbols     map[model.FrameRef]model.Symbol
	executables []executableDecl
	traces      []decodedTrace
}

type executableDecl struct {
	id       model.ExecutableID
	fileName string
	data     []byte
}

type decodedTrace struct {
	frames []model.Frame
	count  uint64
	events []model.TraceEvent
}

// syntheticExecutableID identifies interpreted frames whose location names
// no executable by hashing what is known about the frame.
func syntheticExecutableID(loc *api.Location) model.ExecutableID {
	h := xxhash.New()
	_, _ = h.WriteString(loc.FunctionName)
	_, _ = h.WriteString(loc.FileName)
	var line [4]byte
	binary.LittleEndian.PutUint32(line[:], loc.Line)
	_, _ = h.Write(line[:])
	var id model.ExecutableID
	binary.BigEndian.PutUint64(id[8:], h.Sum64())
	return id
}

func decodeLocation(i int, loc *api.Location) (model.Frame, error) {
	kind, err := model.ParseFrameKind(loc.Kind)
	if err != nil {
		return model.Frame{}, model.Invalid(errors.Wrapf(err, "location %d", i))
	}
	f := model.Frame{Kind: kind, Address: loc.Address}
	switch {
	case kind.IsAbort():
		// No backing mapping.
	case loc.Executable != "":
		if f.Executable, err = model.ParseExecutableID(loc.Executable); err != nil {
			return f, model.Invalid(errors.Wrapf(errFileID, "location %d: %q", i, loc.Executable))
		}
	case kind.IsNative():
		return f, model.Invalidf("location %d: native frame without executable", i)
	default:
		f.Executable = syntheticExecutableID(loc)
	}
	return f, nil
}

func decodeBatch(b *api.Batch, now time.Time) (*decodedBatch, error) {
	d := &decodedBatch{
		frames:  make([]model.Frame, len(b.Locations)),
		symbols: map[model.FrameRef]model.Symbol{},
	}
	for i := range b.Locations {
		loc := &b.Locations[i]
		f, err := decodeLocation(i, loc)
		if err != nil {
			return nil, err
		}
		d.frames[i] = f
		if !f.Kind.IsNative() && !f.Kind.IsAbort() && !f.Kind.IsError() && loc.FunctionName != "" {
			d.symbols[model.FrameRef{Executable: f.Executable, Address: f.Address}] = model.Symbol{
				Function: loc.FunctionName,
				File:     loc.FileName,
				Line:     loc.Line,
			}
		}
	}

	for i, e := range b.Executables {
		id, err := model.ParseExecutableID(e.ID)
		if err != nil {
			return nil, model.Invalid(errors.Wrapf(errFileID, "executable %d: %q", i, e.ID))
		}
		d.executables = append(d.executables, executableDecl{id: id, fileName: e.FileName, data: e.Bytes})
	}

	for i := range b.Samples {
		s := &b.Samples[i]
		if len(s.LocationIndices) == 0 {
			return nil, model.Invalid(errors.Wrapf(errNoLocations, "sample %d", i))
		}
		t := decodedTrace{frames: make([]model.Frame, len(s.LocationIndices))}
		for j, idx := range s.LocationIndices {
			if idx < 0 || int(idx) >= len(d.frames) {
				return nil, model.Invalid(errors.Wrapf(errLocationIndex, "sample %d: index %d", i, idx))
			}
			t.frames[j] = d.frames[idx]
		}
		count := s.Count
		if count == 0 {
			count = 1
		}
		kind := model.SampleKindFromType(s.SampleType, s.SampleUnit)
		trace := model.TraceIDFromFrames(t.frames)
		timestamps := s.Timestamps
		if len(timestamps) == 0 {
			timestamps = []uint64{uint64(now.UnixNano())}
		}
		for _, ts := range timestamps {
			t.events = append(t.events, model.TraceEvent{
				Timestamp: model.NormalizeTimestamp(ts),
				Trace:     trace,
				Count:     count,
				Comm:      s.Comm,
				PID:       s.PID,
				TID:       s.TID,
				Kind:      kind,
			})
		}
		t.count = uint64(count) * uint64(len(timestamps))
		d.traces = append(d.traces, t)
	}
	return d, nil
}
