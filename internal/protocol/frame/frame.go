package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stream framing: two start bytes, a big-endian uint16 payload length, then the payload.
const (
	Start1    byte = 0x94
	Start2    byte = 0xC3
	HeaderLen      = 4

	// DefaultMaxPayload is the firmware's largest FromRadio/ToRadio encoding.
	DefaultMaxPayload = 512
)

var (
	ErrNeedMore        = errors.New("frame: need more bytes")
	ErrTruncated       = errors.New("frame: truncated")
	ErrOversizedFrame  = errors.New("frame: oversized frame")
	ErrMissingStart    = errors.New("frame: missing start marker")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: DefaultMaxPayload}
}

func (l Limits) max() int {
	if l.MaxPayloadBytes <= 0 {
		return DefaultMaxPayload
	}
	if l.MaxPayloadBytes > 0xFFFF {
		return 0xFFFF
	}
	return l.MaxPayloadBytes
}

// Encode returns header+payload bytes for one frame.
func Encode(payload []byte, limits Limits) ([]byte, error) {
	if len(payload) > limits.max() {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), limits.max())
	}
	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = Start1
	buf[1] = Start2
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	buf, err := Encode(payload, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode reads exactly one frame from the start of b and returns its payload and
// the number of bytes consumed. It does not scan for a start marker.
func Decode(b []byte, limits Limits) ([]byte, int, error) {
	if len(b) < HeaderLen {
		return nil, 0, ErrTruncated
	}
	if b[0] != Start1 || b[1] != Start2 {
		return nil, 0, ErrMissingStart
	}
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if n > limits.max() {
		return nil, 0, fmt.Errorf("%w: declared=%d max=%d", ErrOversizedFrame, n, limits.max())
	}
	if len(b)-HeaderLen < n {
		return nil, 0, fmt.Errorf("%w: declared=%d available=%d", ErrTruncated, n, len(b)-HeaderLen)
	}
	payload := make([]byte, n)
	copy(payload, b[HeaderLen:HeaderLen+n])
	return payload, HeaderLen + n, nil
}

// Stats counts decoder activity since creation.
type Stats struct {
	Frames        uint64
	Rejected      uint64
	Oversized     uint64
	SkippedBytes  uint64
	BufferedBytes int
}

// Decoder reassembles frames from a byte stream delivered in arbitrary chunks.
// Bytes outside frames (device console output) are skipped. An oversized length
// drops one byte and resumes scanning for the next start marker. A frame the
// caller could not parse is handed back with Reject so a false start marker in
// console output cannot swallow the real frame behind it.
type Decoder struct {
	limits Limits
	buf    []byte
	last   []byte
	stats  Stats
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits}
}

// Write appends a received chunk. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete payload, ErrNeedMore, or ErrOversizedFrame.
// After ErrOversizedFrame the caller keeps calling Next.
func (d *Decoder) Next() ([]byte, error) {
	d.last = nil
	for {
		start := indexStart(d.buf)
		if start < 0 {
			d.skip(len(d.buf))
			return nil, ErrNeedMore
		}
		d.skip(start)
		if len(d.buf) < 2 {
			return nil, ErrNeedMore
		}
		if d.buf[1] != Start2 {
			d.skip(1)
			continue
		}
		if len(d.buf) < HeaderLen {
			return nil, ErrNeedMore
		}
		n := int(binary.BigEndian.Uint16(d.buf[2:4]))
		if n > d.limits.max() {
			d.stats.Oversized++
			d.skip(1)
			return nil, fmt.Errorf("%w: declared=%d max=%d", ErrOversizedFrame, n, d.limits.max())
		}
		if len(d.buf) < HeaderLen+n {
			return nil, ErrNeedMore
		}
		d.last = append(d.last[:0], d.buf[:HeaderLen+n]...)
		payload := make([]byte, n)
		copy(payload, d.buf[HeaderLen:HeaderLen+n])
		d.consume(HeaderLen + n)
		d.stats.Frames++
		return payload, nil
	}
}

// Reject returns the frame last produced by Next to the stream, minus its first
// start byte, so scanning resumes inside it. It reports false when there is no
// frame to reject.
func (d *Decoder) Reject() bool {
	if d.last == nil {
		return false
	}
	rest := make([]byte, 0, len(d.last)-1+len(d.buf))
	rest = append(rest, d.last[1:]...)
	d.buf = append(rest, d.buf...)
	d.last = nil
	d.stats.Frames--
	d.stats.Rejected++
	d.stats.SkippedBytes++
	return true
}

// Reset drops all buffered bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.last = nil
}

func (d *Decoder) Stats() Stats {
	out := d.stats
	out.BufferedBytes = len(d.buf)
	return out
}

func (d *Decoder) skip(n int) {
	if n <= 0 {
		return
	}
	d.stats.SkippedBytes += uint64(n)
	d.consume(n)
}

func (d *Decoder) consume(n int) {
	d.buf = append(d.buf[:0], d.buf[n:]...)
}

func indexStart(b []byte) int {
	for i, c := range b {
		if c == Start1 {
			return i
		}
	}
	return -1
}
