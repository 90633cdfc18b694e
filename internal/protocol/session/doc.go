// Package session owns the client<->radio connection lifecycle.
//
// Ownership boundary:
// - connection state machine and transitions
// - want_config handshake fragment tracking
// - application envelope buffering during handshake
// - retry/backoff and packet id primitives
package session
