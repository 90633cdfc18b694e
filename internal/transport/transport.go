// Package transport opens byte streams to radios.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// DefaultTCPPort is the radio firmware's stream API port.
const DefaultTCPPort = "4403"

var (
	ErrAddressRequired = errors.New("transport: address required")
	ErrDialerClosed    = errors.New("transport: dialer closed")
)

// Conn is one open stream to a radio.
type Conn interface {
	io.ReadWriteCloser
}

// Dialer opens streams to a device address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// TCPDialer reaches radios over the network stream API.
type TCPDialer struct {
	Timeout time.Duration
}

func NewTCPDialer(timeout time.Duration) *TCPDialer {
	return &TCPDialer{Timeout: timeout}
}

func (d *TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	addr, err := NormalizeTCPAddress(address)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return conn, nil
}

// NormalizeTCPAddress strips a tcp:// scheme and adds the default port when absent.
func NormalizeTCPAddress(address string) (string, error) {
	addr := strings.TrimSpace(address)
	addr = strings.TrimPrefix(addr, "tcp://")
	if addr == "" {
		return "", ErrAddressRequired
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(strings.Trim(addr, "[]"), DefaultTCPPort)
	}
	return addr, nil
}

// PipeDialer hands out in-memory connections. Each Dial passes the far end to
// Accept, which plays the radio.
type PipeDialer struct {
	Accept func(radio net.Conn)

	mu     sync.Mutex
	closed bool
	dials  int
}

func (d *PipeDialer) Dial(ctx context.Context, address string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDialerClosed
	}
	d.dials++
	accept := d.Accept
	d.mu.Unlock()
	client, radio := net.Pipe()
	if accept != nil {
		go accept(radio)
	} else {
		_ = radio.Close()
	}
	return client, nil
}

// Dials counts successful Dial calls.
func (d *PipeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Close makes later dials fail, which simulates a radio that went away.
func (d *PipeDialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}
