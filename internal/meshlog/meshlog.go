// Package meshlog keeps the append-only record of messages and mesh events shown
// to the operator, with optional mirroring to an activity log file.
package meshlog

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

// ExportHeader is the first line of an exported activity log.
const ExportHeader = "MESHCTL MESH ACTIVITY LOG"

const DefaultMaxEntries = 2048

type Kind string

const (
	KindText    Kind = "text"
	KindEvent   Kind = "event"
	KindRouting Kind = "routing"
	KindState   Kind = "state"
)

// Status tracks delivery of outgoing text and receipt of incoming text.
type Status string

const (
	StatusNone     Status = ""
	StatusPending  Status = "pending"
	StatusAcked    Status = "acked"
	StatusFailed   Status = "failed"
	StatusReceived Status = "received"
)

type Entry struct {
	Seq      uint64    `json:"seq"`
	At       time.Time `json:"at"`
	Kind     Kind      `json:"kind"`
	From     uint32    `json:"from,omitempty"`
	To       uint32    `json:"to,omitempty"`
	Channel  uint32    `json:"channel,omitempty"`
	PacketID uint32    `json:"packet_id,omitempty"`
	Text     string    `json:"text,omitempty"`
	Status   Status    `json:"status,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Line renders the entry as one activity log line.
func (e Entry) Line() string {
	var b strings.Builder
	b.WriteString(e.At.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(string(e.Kind))
	if e.From != 0 || e.To != 0 {
		to := protocol.NodeIDString(e.To)
		if e.To == protocol.BroadcastNum {
			to = "^all"
		}
		fmt.Fprintf(&b, " %s -> %s ch%d", protocol.NodeIDString(e.From), to, e.Channel)
	}
	if e.PacketID != 0 {
		fmt.Fprintf(&b, " id=%d", e.PacketID)
	}
	if e.Status != StatusNone {
		fmt.Fprintf(&b, " [%s", e.Status)
		if e.Reason != "" {
			fmt.Fprintf(&b, " %s", e.Reason)
		}
		b.WriteByte(']')
	}
	if e.Text != "" {
		b.WriteByte(' ')
		b.WriteString(strings.ReplaceAll(e.Text, "\n", " "))
	}
	return b.String()
}

// Sink mirrors entries somewhere durable.
type Sink interface {
	WriteEntry(e Entry) error
	Clear() error
}

// Log holds the most recent entries in memory.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	max     int
	seq     uint64
	sink    Sink
	now     func() time.Time
	subs    map[int]chan Entry
	nextSub int
	dropped uint64
}

// New builds a log keeping at most max entries in memory. sink may be nil.
func New(max int, sink Sink) *Log {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Log{max: max, sink: sink, now: time.Now, subs: make(map[int]chan Entry)}
}

func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Append stamps and stores e, returning the stored copy.
func (l *Log) Append(e Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	e.Seq = l.seq
	if e.At.IsZero() {
		e.At = l.now()
	}
	l.entries = append(l.entries, e)
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
	l.writeLocked(e)
	l.publishLocked(e)
	return e
}

// UpdateStatus sets the delivery status of the newest text entry carrying packetID.
func (l *Log) UpdateStatus(packetID uint32, status Status, reason string) (Entry, bool) {
	if packetID == 0 {
		return Entry{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := &l.entries[i]
		if e.PacketID != packetID || e.Kind != KindText {
			continue
		}
		if e.Status == status && e.Reason == reason {
			return *e, true
		}
		e.Status = status
		e.Reason = reason
		l.writeLocked(*e)
		l.publishLocked(*e)
		return *e, true
	}
	return Entry{}, false
}

// Entries returns a copy, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Subscribe streams new and updated entries. Sends never block; overflow is dropped.
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSub
	l.nextSub++
	ch := make(chan Entry, buffer)
	l.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs, id)
			close(ch)
		})
	}
}

func (l *Log) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Clear empties the log and its sink.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	if l.sink != nil {
		if err := l.sink.Clear(); err != nil {
			return fmt.Errorf("meshlog: clear sink: %w", err)
		}
	}
	return nil
}

// Export writes the header and every line. When the sink can replay its lines they
// are used, so entries from earlier runs are included.
func (l *Log) Export(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, ExportHeader); err != nil {
		return err
	}
	var lines []string
	if r, ok := l.sink.(interface{ Lines() ([]string, error) }); ok {
		var err error
		if lines, err = r.Lines(); err != nil {
			return fmt.Errorf("meshlog: export: %w", err)
		}
	} else {
		for _, e := range l.Entries() {
			lines = append(lines, e.Line())
		}
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(bw, line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (l *Log) writeLocked(e Entry) {
	if l.sink == nil {
		return
	}
	if err := l.sink.WriteEntry(e); err != nil {
		log.Warn().Err(err).Uint64("seq", e.Seq).Msg("meshlog sink write failed")
	}
}

func (l *Log) publishLocked(e Entry) {
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
			l.dropped++
		}
	}
}
