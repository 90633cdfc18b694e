package session

import (
	"errors"
	"fmt"
)

// State is the connection lifecycle position.
type State uint8

const (
	Disconnected State = iota
	Connecting
	HandshakeInProgress
	Synchronized
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case HandshakeInProgress:
		return "handshake"
	case Synchronized:
		return "synchronized"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Event drives a state transition.
type Event uint8

const (
	EventConnect Event = iota + 1
	EventLinkEstablished
	EventConfigComplete
	EventHandshakeTimeout
	EventTransportLost
	EventRetriesExhausted
	EventDisconnect
)

func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventLinkEstablished:
		return "link_established"
	case EventConfigComplete:
		return "config_complete"
	case EventHandshakeTimeout:
		return "handshake_timeout"
	case EventTransportLost:
		return "transport_lost"
	case EventRetriesExhausted:
		return "retries_exhausted"
	case EventDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

var (
	ErrInvalidTransition = errors.New("session: invalid transition")
	ErrHandshakeTimeout  = errors.New("session: handshake timeout")
	ErrTransportLost     = errors.New("session: transport lost")
	ErrRetriesExhausted  = errors.New("session: reconnect retries exhausted")
	ErrNotConnected      = errors.New("session: not connected")
	ErrSessionReplaced   = errors.New("session: replaced by new connect")
)

var transitions = map[State]map[Event]State{
	Connecting: {
		EventLinkEstablished: HandshakeInProgress,
		EventTransportLost:   Disconnected,
	},
	HandshakeInProgress: {
		EventConfigComplete:   Synchronized,
		EventHandshakeTimeout: Disconnected,
		EventTransportLost:    Reconnecting,
	},
	Synchronized: {
		EventTransportLost: Reconnecting,
	},
	Reconnecting: {
		EventLinkEstablished:  HandshakeInProgress,
		EventRetriesExhausted: Disconnected,
	},
}

// Next returns the state reached from s on ev. Disconnect and Connect are accepted
// from every state; a connect ends whatever session was running.
func Next(s State, ev Event) (State, error) {
	switch ev {
	case EventDisconnect:
		return Disconnected, nil
	case EventConnect:
		return Connecting, nil
	}
	if to, ok := transitions[s][ev]; ok {
		return to, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, ev)
}

// StateChange is delivered to observers after every transition.
type StateChange struct {
	SessionID string
	From      State
	To        State
	Event     Event
	Err       error
}
