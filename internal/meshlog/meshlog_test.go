package meshlog

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

func fixed() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

func TestAppendAssignsSequenceAndTrims(t *testing.T) {
	testlog.Start(t)
	l := New(3, nil)
	l.SetClock(fixed)
	for i := 0; i < 5; i++ {
		l.Append(Entry{Kind: KindEvent, Text: "e"})
	}
	got := l.Entries()
	if len(got) != 3 || got[0].Seq != 3 || got[2].Seq != 5 {
		t.Fatalf("unexpected entries: %+v", got)
	}
	if !got[0].At.Equal(fixed()) {
		t.Fatalf("at=%v", got[0].At)
	}
}

func TestUpdateStatusTracksDelivery(t *testing.T) {
	testlog.Start(t)
	l := New(0, nil)
	l.SetClock(fixed)
	feed, cancel := l.Subscribe(4)
	defer cancel()

	l.Append(Entry{Kind: KindText, From: 1, To: protocol.BroadcastNum, PacketID: 99, Text: "hello", Status: StatusPending})
	if _, ok := l.UpdateStatus(100, StatusAcked, ""); ok {
		t.Fatalf("unknown packet id should not match")
	}
	e, ok := l.UpdateStatus(99, StatusFailed, "NO_ROUTE")
	if !ok || e.Status != StatusFailed || e.Reason != "NO_ROUTE" {
		t.Fatalf("update e=%+v ok=%v", e, ok)
	}
	first, second := <-feed, <-feed
	if first.Status != StatusPending || second.Status != StatusFailed || first.Seq != second.Seq {
		t.Fatalf("feed first=%+v second=%+v", first, second)
	}
	if line := second.Line(); !strings.Contains(line, "[failed NO_ROUTE]") || !strings.Contains(line, "-> ^all") {
		t.Fatalf("line=%q", line)
	}
}

func TestFileSinkExportAndClear(t *testing.T) {
	testlog.Start(t)
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "logs", "activity.log"))
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	l := New(0, sink)
	l.SetClock(fixed)
	l.Append(Entry{Kind: KindState, Text: "synchronized"})
	l.Append(Entry{Kind: KindText, From: 0xa, To: 0xb, PacketID: 5, Text: "ping"})

	// a second log over the same file sees earlier lines on export
	again := New(0, sink)
	var buf bytes.Buffer
	if err := again.Export(&buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || lines[0] != ExportHeader {
		t.Fatalf("export=%q", buf.String())
	}
	if !strings.HasSuffix(lines[2], "id=5 ping") {
		t.Fatalf("line=%q", lines[2])
	}

	if err := l.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(l.Entries()) != 0 {
		t.Fatalf("entries not cleared")
	}
	rest, _ := sink.Lines()
	if len(rest) != 0 {
		t.Fatalf("file not cleared: %v", rest)
	}
}
