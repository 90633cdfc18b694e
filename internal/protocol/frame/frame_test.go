package frame

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := []byte("hello mesh")
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	got, n, err := Decode(buf.Bytes(), DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != buf.Len() {
		t.Fatalf("consumed=%d want %d", n, buf.Len())
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q", got)
	}
}

func TestDecodeTruncated(t *testing.T) {
	testlog.Start(t)
	raw, err := Encode([]byte("0123456789"), DefaultLimits())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, _, err := Decode(raw[:8], DefaultLimits()); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if _, _, err := Decode(raw[:2], DefaultLimits()); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated for short header, got %v", err)
	}
}

func TestEncodeRejectsLargePayload(t *testing.T) {
	testlog.Start(t)
	if _, err := Encode(make([]byte, 513), DefaultLimits()); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecoderOversizedResyncsOnNextByte(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxPayloadBytes: 1024}
	// 50000 = 0xC350
	stream := []byte{Start1, Start2, 0xC3, 0x50}
	good, err := Encode([]byte("ok"), limits)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	stream = append(stream, good...)

	d := NewDecoder(limits)
	_, _ = d.Write(stream)
	if _, err := d.Next(); !errors.Is(err, ErrOversizedFrame) {
		t.Fatalf("expected ErrOversizedFrame, got %v", err)
	}
	if got := d.Stats().SkippedBytes; got != 1 {
		t.Fatalf("expected exactly one byte dropped, got %d", got)
	}
	payload, err := d.Next()
	if err != nil {
		t.Fatalf("expected resync onto following frame, got %v", err)
	}
	if string(payload) != "ok" {
		t.Fatalf("unexpected payload %q", payload)
	}
	if _, err := d.Next(); !errors.Is(err, ErrNeedMore) {
		t.Fatalf("expected ErrNeedMore, got %v", err)
	}
}

func TestDecoderSkipsConsoleNoise(t *testing.T) {
	testlog.Start(t)
	f1, _ := Encode([]byte("one"), DefaultLimits())
	f2, _ := Encode([]byte("two"), DefaultLimits())
	var stream []byte
	stream = append(stream, []byte("DEBUG | boot\r\n")...)
	stream = append(stream, f1...)
	stream = append(stream, Start1, 'x')
	stream = append(stream, f2...)

	d := NewDecoder(DefaultLimits())
	_, _ = d.Write(stream)
	var got []string
	for {
		p, err := d.Next()
		if errors.Is(err, ErrNeedMore) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, string(p))
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("unexpected frames: %v", got)
	}
}

func TestDecoderChunkBoundaryIndependence(t *testing.T) {
	testlog.Start(t)
	var stream []byte
	var want []string
	for i := 0; i < 20; i++ {
		p := bytes.Repeat([]byte{byte('a' + i)}, i*7+1)
		f, err := Encode(p, DefaultLimits())
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		stream = append(stream, f...)
		want = append(want, string(p))
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		d := NewDecoder(DefaultLimits())
		var got []string
		for off := 0; off < len(stream); {
			n := 1 + rng.Intn(17)
			if off+n > len(stream) {
				n = len(stream) - off
			}
			_, _ = d.Write(stream[off : off+n])
			off += n
			for {
				p, err := d.Next()
				if errors.Is(err, ErrNeedMore) {
					break
				}
				if err != nil {
					t.Fatalf("trial %d: next: %v", trial, err)
				}
				got = append(got, string(p))
			}
		}
		if len(got) != len(want) {
			t.Fatalf("trial %d: got %d frames want %d", trial, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("trial %d: frame %d mismatch", trial, i)
			}
		}
	}
}

func TestDecoderRejectRecoversFrameBehindFalseStart(t *testing.T) {
	testlog.Start(t)
	real, _ := Encode([]byte("mesh packet"), DefaultLimits())
	stream := append([]byte{Start1, Start2, 0x00, 0x06}, real...)

	d := NewDecoder(DefaultLimits())
	_, _ = d.Write(stream)
	bogus, err := d.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !bytes.Equal(bogus, real[:6]) {
		t.Fatalf("expected false frame over the real header, got % x", bogus)
	}
	if !d.Reject() {
		t.Fatalf("reject should hand the frame back")
	}
	if d.Reject() {
		t.Fatalf("second reject must be a no-op")
	}
	p, err := d.Next()
	if err != nil || string(p) != "mesh packet" {
		t.Fatalf("got %q err=%v", p, err)
	}
	st := d.Stats()
	if st.Frames != 1 || st.Rejected != 1 || st.BufferedBytes != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestDecoderRejectWithoutFrame(t *testing.T) {
	testlog.Start(t)
	d := NewDecoder(DefaultLimits())
	if d.Reject() {
		t.Fatalf("nothing to reject on a fresh decoder")
	}
	_, _ = d.Write([]byte{Start1})
	if _, err := d.Next(); !errors.Is(err, ErrNeedMore) {
		t.Fatalf("expected need more, got %v", err)
	}
	if d.Reject() {
		t.Fatalf("ErrNeedMore leaves nothing to reject")
	}
}
