package main

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/meshctl/internal/nodedb"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/protocol/portnum"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

func encode(t *testing.T, m protocol.FromRadio) []byte {
	t.Helper()
	b, err := protocol.EncodeFromRadio(m, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func TestDecodeStreamDescribesFrames(t *testing.T) {
	testlog.Start(t)
	var raw []byte
	raw = append(raw, []byte("INFO boot\r\n")...)
	raw = append(raw, encode(t, protocol.FromRadio{MyInfo: &protocol.MyNodeInfo{MyNodeNum: 0xabcd}})...)
	raw = append(raw, encode(t, protocol.FromRadio{Packet: &protocol.Envelope{
		From:    0x1001,
		To:      protocol.BroadcastNum,
		ID:      9,
		Port:    portnum.Classify(int64(portnum.TextMessageApp)),
		Payload: []byte("hi there"),
	}})...)

	in, err := parseHex(strings.ToUpper(hex.EncodeToString(raw)))
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	var out bytes.Buffer
	if err := decodeStream(&out, in, frame.DefaultLimits()); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"#1 my_info node=!0000abcd",
		`#2 packet id=9 from=!00001001 to=!ffffffff port=TEXT_MESSAGE_APP text="hi there"`,
		"skipped=11",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestDecodeStreamRecoversFrameBehindFalseStart(t *testing.T) {
	testlog.Start(t)
	raw := []byte{frame.Start1, frame.Start2, 0x00, 0x06}
	raw = append(raw, encode(t, protocol.FromRadio{MyInfo: &protocol.MyNodeInfo{MyNodeNum: 0x42}})...)
	var out bytes.Buffer
	if err := decodeStream(&out, raw, frame.DefaultLimits()); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "#1 malformed") || !strings.Contains(got, "#2 my_info node=!00000042") {
		t.Fatalf("unexpected output:\n%s", got)
	}
}

func TestDecodeStreamWithoutFrames(t *testing.T) {
	testlog.Start(t)
	if err := decodeStream(&bytes.Buffer{}, []byte("no frames here"), frame.DefaultLimits()); err == nil {
		t.Fatalf("expected error for capture without frames")
	}
	if _, err := parseHex("94 c3 zz"); err == nil {
		t.Fatalf("expected hex error")
	}
}

func TestPrintNodes(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1_700_000_600, 0)
	hops := uint32(2)
	records := []nodedb.Record{
		{NodeID: 0x1001, LongName: "Ridge Relay", ShortName: "RDG", LastHeard: now.Add(-90 * time.Second), HopsAway: &hops,
			Telemetry: &protocol.DeviceMetrics{BatteryLevel: 80}, IsFavorite: true},
		{NodeID: 0x1002},
	}
	var out bytes.Buffer
	if err := printNodes(&out, records, now); err != nil {
		t.Fatalf("print: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%q", lines)
	}
	if !strings.Contains(lines[1], "Ridge Relay") || !strings.Contains(lines[1], "1m ago") || !strings.Contains(lines[1], "80%") {
		t.Fatalf("row=%q", lines[1])
	}
	if !strings.Contains(lines[2], "!00001002") || !strings.Contains(lines[2], "never") {
		t.Fatalf("row=%q", lines[2])
	}
}
