package store

import (
	"encoding/binary"
	"time"

	"github.com/dennwc/varint"
	"github.com/pkg/errors"

	"github.com/elastic/devfiler/pkg/model"
)

// Records start with a format version so the layout can evolve without a
// migration of existing databases.
const formatV1 = 1

var ErrCorrupted = errors.New("corrupted record")

type encoder struct {
	buf []byte
}

func newEncoder() *encoder { return &encoder{buf: []byte{formatV1}} }

func (e *encoder) uvarint(v uint64) { e.buf = binary.AppendUvarint(e.buf, v) }

func (e *encoder) byte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) raw(b []byte) { e.buf = append(e.buf, b...) }

func (e *encoder) string(s string) {
	e.uvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) time(t time.Time) {
	if t.IsZero() {
		e.uvarint(0)
		return
	}
	e.uvarint(uint64(t.UnixNano()))
}

type decoder struct {
	buf []byte
	err error
}

func newDecoder(b []byte) *decoder {
	d := &decoder{buf: b}
	if len(b) == 0 || b[0] != formatV1 {
		d.err = errors.Wrap(ErrCorrupted, "unknown record format")
		return d
	}
	d.buf = b[1:]
	return d
}

func (d *decoder) fail(what string) {
	if d.err == nil {
		d.err = errors.Wrap(ErrCorrupted, what)
	}
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := varint.Uvarint(d.buf)
	if n <= 0 {
		d.fail("varint")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 1 {
		d.fail("byte")
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

// raw returns a copy: bbolt values are only valid within the transaction.
func (d *decoder) raw(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.fail("short buffer")
		return nil
	}
	b := make([]byte, n)
	copy(b, d.buf[:n])
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) string() string {
	n := d.uvarint()
	if d.err != nil {
		return ""
	}
	if uint64(len(d.buf)) < n {
		d.fail("string")
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}

func (d *decoder) time() time.Time {
	v := d.uvarint()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v)).UTC()
}

func encodeExecutable(e *model.Executable) []byte {
	enc := newEncoder()
	enc.string(e.FileName)
	enc.uvarint(uint64(e.Size))
	enc.string(e.Blob)
	enc.byte(byte(e.Status))
	enc.uvarint(uint64(e.FetchAttempts))
	enc.time(e.NextFetch)
	enc.time(e.UpdatedAt)
	return enc.buf
}

func decodeExecutable(id model.ExecutableID, b []byte) (*model.Executable, error) {
	d := newDecoder(b)
	e := &model.Executable{ID: id}
	e.FileName = d.string()
	e.Size = int64(d.uvarint())
	e.Blob = d.string()
	e.Status = model.Status(d.byte())
	e.FetchAttempts = uint32(d.uvarint())
	e.NextFetch = d.time()
	e.UpdatedAt = d.time()
	if d.err != nil {
		return nil, errors.Wrapf(d.err, "executable %s", id)
	}
	return e, nil
}

const (
	symbolResolved   = 1
	symbolUnresolved = 2
)

func encodeSymbol(r model.SymbolResult) []byte {
	enc := newEncoder()
	if !r.Resolved {
		enc.byte(symbolUnresolved)
		return enc.buf
	}
	enc.byte(symbolResolved)
	encodeFrameSymbol(enc, r.Symbol)
	enc.uvarint(uint64(len(r.Symbol.Inlined)))
	for _, in := range r.Symbol.Inlined {
		encodeFrameSymbol(enc, in)
	}
	return enc.buf
}

func encodeFrameSymbol(enc *encoder, s model.Symbol) {
	enc.string(s.Function)
	enc.string(s.File)
	enc.uvarint(uint64(s.Line))
}

func decodeSymbol(b []byte) (model.SymbolResult, error) {
	d := newDecoder(b)
	var r model.SymbolResult
	switch d.byte() {
	case symbolUnresolved:
		return r, d.err
	case symbolResolved:
	default:
		if d.err != nil {
			return r, d.err
		}
		return r, errors.Wrap(ErrCorrupted, "symbol state")
	}
	r.Resolved = true
	r.Symbol = decodeFrameSymbol(d)
	if n := d.uvarint(); n > 0 && d.err == nil {
		if n > uint64(len(d.buf)) {
			return r, errors.Wrap(ErrCorrupted, "inline count")
		}
		r.Symbol.Inlined = make([]model.Symbol, 0, n)
		for i := uint64(0); i < n; i++ {
			r.Symbol.Inlined = append(r.Symbol.Inlined, decodeFrameSymbol(d))
		}
	}
	return r, d.err
}

func decodeFrameSymbol(d *decoder) model.Symbol {
	return model.Symbol{
		Function: d.string(),
		File:     d.string(),
		Line:     uint32(d.uvarint()),
	}
}

func encodeEvent(ev *model.TraceEvent) []byte {
	enc := newEncoder()
	enc.raw(ev.Trace[:])
	enc.time(ev.Timestamp)
	enc.uvarint(uint64(ev.Count))
	enc.string(ev.Comm)
	enc.uvarint(uint64(ev.PID))
	enc.uvarint(uint64(ev.TID))
	enc.byte(byte(ev.Kind))
	return enc.buf
}

func decodeEvent(b []byte) (model.TraceEvent, error) {
	d := newDecoder(b)
	var ev model.TraceEvent
	copy(ev.Trace[:], d.raw(len(ev.Trace)))
	ev.Timestamp = d.time()
	ev.Count = uint32(d.uvarint())
	ev.Comm = d.string()
	ev.PID = uint32(d.uvarint())
	ev.TID = uint32(d.uvarint())
	ev.Kind = model.SampleKind(d.byte())
	return ev, d.err
}

// Trace values are the aggregate count followed by the encoded frames.
const traceCountSize = 8

func encodeTrace(count uint64, frames []model.Frame) []byte {
	b := make([]byte, traceCountSize, traceCountSize+len(frames)*model.FrameSize)
	binary.BigEndian.PutUint64(b, count)
	return model.AppendFrames(b, frames)
}

func frameKey(exe model.ExecutableID, addr uint64) []byte {
	k := make([]byte, 0, len(exe)+8)
	k = append(k, exe[:]...)
	return binary.BigEndian.AppendUint64(k, addr)
}

func parseFrameKey(k []byte) (model.FrameRef, error) {
	var ref model.FrameRef
	if len(k) != len(ref.Executable)+8 {
		return ref, errors.Wrap(ErrCorrupted, "frame key")
	}
	copy(ref.Executable[:], k)
	ref.Address = binary.BigEndian.Uint64(k[len(ref.Executable):])
	return ref, nil
}
