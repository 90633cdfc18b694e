package session

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MaxBufferedEnvelopes caps application packets held while a handshake is running.
// Packets past the cap are dropped and counted.
const MaxBufferedEnvelopes = 512

// Session is a point-in-time copy of the connection owned by a Machine.
type Session struct {
	ID                string
	State             State
	DeviceID          string
	WantConfigID      uint32
	LastConfigID      uint32
	MyNodeNum         uint32
	Channels          []protocol.Channel
	Metadata          *protocol.DeviceMetadata
	ConnectedAt       time.Time
	SynchronizedAt    time.Time
	ReconnectAttempts int
	DroppedBuffered   int
	LastError         string
}

// Machine is the connection state machine. All methods are safe for concurrent use;
// observers run after the lock is released.
type Machine struct {
	mu        sync.Mutex
	cfg       Config
	now       func() time.Time
	sess      Session
	handshake *Handshake
	buffer    []protocol.Envelope
	retry     *Retry
	observers []func(StateChange)
}

func NewMachine(cfg Config, rng *rand.Rand) *Machine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Machine{
		cfg:   cfg,
		now:   time.Now,
		sess:  Session{State: Disconnected},
		retry: NewRetry(cfg.Backoff, cfg.MaxReconnectAttempts, rng),
	}
}

// SetClock replaces the time source. Intended for tests.
func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Observe registers fn for every subsequent transition.
func (m *Machine) Observe(fn func(StateChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.State
}

func (m *Machine) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sess
	out.Channels = append([]protocol.Channel(nil), m.sess.Channels...)
	if m.sess.Metadata != nil {
		md := *m.sess.Metadata
		out.Metadata = &md
	}
	return out
}

// RequireSynchronized gates commands.
func (m *Machine) RequireSynchronized() error {
	if s := m.State(); s != Synchronized {
		return fmt.Errorf("%w: state=%s", ErrNotConnected, s)
	}
	return nil
}

// Missing lists handshake fragments still outstanding; nil outside a handshake.
func (m *Machine) Missing() []protocol.Variant {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handshake == nil {
		return nil
	}
	return m.handshake.Missing()
}

func (m *Machine) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}

// Connect starts a new session against deviceID. A session already in progress
// is ended first and its buffered packets are discarded.
func (m *Machine) Connect(deviceID string) error {
	m.mu.Lock()
	var cause error
	if m.sess.State != Disconnected {
		cause = fmt.Errorf("%w: session %s", ErrSessionReplaced, m.sess.ID)
	}
	change, err := m.transitionLocked(EventConnect, cause)
	if err == nil {
		m.handshake = nil
		m.buffer = nil
		m.sess = Session{
			ID:       uuid.NewString(),
			State:    Connecting,
			DeviceID: deviceID,
		}
		change.SessionID = m.sess.ID
		m.retry.Reset()
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.emit(change)
	return nil
}

// LinkEstablished moves Connecting or Reconnecting into the handshake for
// wantConfigID. The caller sends ToRadio{want_config_id} after this returns.
func (m *Machine) LinkEstablished(wantConfigID uint32) error {
	m.mu.Lock()
	change, err := m.transitionLocked(EventLinkEstablished, nil)
	if err == nil {
		now := m.now()
		m.handshake = NewHandshake(wantConfigID, m.cfg.RequiredFragments, now)
		m.buffer = nil
		m.sess.WantConfigID = wantConfigID
		m.sess.ConnectedAt = now
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.emit(change)
	return nil
}

// Accept feeds one FromRadio message through the gate. It returns the packets the
// router should see now: the packet itself once synchronized, the whole buffer in
// arrival order on the message that completes the handshake, nothing otherwise.
func (m *Machine) Accept(msg protocol.FromRadio) ([]protocol.Envelope, error) {
	m.mu.Lock()
	switch m.sess.State {
	case Synchronized:
		if msg.Channel != nil {
			m.sess.Channels = upsertChannel(m.sess.Channels, *msg.Channel)
		}
		m.mu.Unlock()
		if msg.Packet != nil {
			return []protocol.Envelope{*msg.Packet}, nil
		}
		return nil, nil
	case HandshakeInProgress:
	default:
		state := m.sess.State
		m.mu.Unlock()
		if msg.Packet != nil {
			return nil, fmt.Errorf("%w: dropped packet id=%d in state=%s", ErrNotConnected, msg.Packet.ID, state)
		}
		return nil, nil
	}

	h := m.handshake
	kind, counted := h.Observe(msg)
	if msg.Packet != nil {
		if len(m.buffer) < MaxBufferedEnvelopes {
			m.buffer = append(m.buffer, *msg.Packet)
		} else {
			m.sess.DroppedBuffered++
		}
	}
	m.sess.MyNodeNum = h.MyNodeNum
	m.sess.Channels = append(m.sess.Channels[:0], h.Channels...)
	m.sess.Metadata = h.Metadata
	if counted {
		log.Debug().
			Str("session", m.sess.ID).
			Stringer("fragment", kind).
			Int("missing", len(h.Missing())).
			Msg("session handshake fragment")
	}
	if !h.Complete() {
		m.mu.Unlock()
		return nil, nil
	}

	change, err := m.transitionLocked(EventConfigComplete, nil)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.sess.LastConfigID = h.WantConfigID
	m.sess.SynchronizedAt = m.now()
	m.sess.ReconnectAttempts = 0
	m.retry.Reset()
	flush := m.buffer
	m.buffer = nil
	m.handshake = nil
	m.mu.Unlock()
	m.emit(change)
	return flush, nil
}

// HandshakeExpired fails the handshake for wantConfigID if it is still running.
// Timers armed for an earlier handshake are ignored.
func (m *Machine) HandshakeExpired(wantConfigID uint32) bool {
	m.mu.Lock()
	if m.sess.State != HandshakeInProgress || m.handshake == nil || m.handshake.WantConfigID != wantConfigID {
		m.mu.Unlock()
		return false
	}
	missing := m.handshake.Missing()
	err := fmt.Errorf("%w: want_config_id=%d missing=%v", ErrHandshakeTimeout, wantConfigID, missing)
	change, _ := m.transitionLocked(EventHandshakeTimeout, err)
	m.resetLocked(err)
	m.mu.Unlock()
	m.emit(change)
	return true
}

// TransportLost records a read/write failure. Synchronized and handshaking sessions
// move to Reconnecting; a failed initial connect ends the session.
func (m *Machine) TransportLost(cause error) State {
	m.mu.Lock()
	err := fmt.Errorf("%w: %v", ErrTransportLost, cause)
	change, terr := m.transitionLocked(EventTransportLost, err)
	if terr != nil {
		state := m.sess.State
		m.mu.Unlock()
		return state
	}
	m.handshake = nil
	m.buffer = nil
	if change.To == Disconnected {
		m.resetLocked(err)
	} else {
		m.sess.LastError = err.Error()
	}
	state := m.sess.State
	m.mu.Unlock()
	m.emit(change)
	return state
}

// NextRetry consumes one reconnect attempt. When the budget is exhausted the
// session ends with ErrRetriesExhausted.
func (m *Machine) NextRetry() (time.Duration, error) {
	m.mu.Lock()
	if m.sess.State != Reconnecting {
		state := m.sess.State
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: retry in state=%s", ErrInvalidTransition, state)
	}
	delay, ok := m.retry.Next()
	if ok {
		m.sess.ReconnectAttempts = m.retry.Attempts()
		m.mu.Unlock()
		return delay, nil
	}
	err := fmt.Errorf("%w: attempts=%d", ErrRetriesExhausted, m.retry.Attempts())
	change, _ := m.transitionLocked(EventRetriesExhausted, err)
	m.resetLocked(err)
	m.mu.Unlock()
	m.emit(change)
	return 0, err
}

// Disconnect ends the session from any state, discarding buffered packets.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	if m.sess.State == Disconnected {
		m.mu.Unlock()
		return
	}
	change, _ := m.transitionLocked(EventDisconnect, nil)
	m.resetLocked(nil)
	m.mu.Unlock()
	m.emit(change)
}

func (m *Machine) transitionLocked(ev Event, cause error) (StateChange, error) {
	from := m.sess.State
	to, err := Next(from, ev)
	if err != nil {
		return StateChange{}, err
	}
	m.sess.State = to
	return StateChange{SessionID: m.sess.ID, From: from, To: to, Event: ev, Err: cause}, nil
}

func (m *Machine) resetLocked(cause error) {
	last := ""
	if cause != nil {
		last = cause.Error()
	}
	m.handshake = nil
	m.buffer = nil
	m.sess = Session{State: Disconnected, LastError: last}
}

func (m *Machine) emit(change StateChange) {
	m.mu.Lock()
	observers := append([]func(StateChange){}, m.observers...)
	m.mu.Unlock()
	ev := log.Info().
		Str("session", change.SessionID).
		Stringer("from", change.From).
		Stringer("to", change.To).
		Stringer("event", change.Event)
	if change.Err != nil {
		ev = ev.Err(change.Err)
	}
	ev.Msg("session transition")
	for _, fn := range observers {
		fn(change)
	}
}
