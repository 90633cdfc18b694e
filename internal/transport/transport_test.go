package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

func TestNormalizeTCPAddress(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"meshtastic.local":     "meshtastic.local:4403",
		"tcp://192.168.1.5":    "192.168.1.5:4403",
		"192.168.1.5:9000":     "192.168.1.5:9000",
		"[fe80::1]":            "[fe80::1]:4403",
		"  tcp://radio:4403  ": "radio:4403",
	}
	for in, want := range cases {
		got, err := NormalizeTCPAddress(in)
		if err != nil || got != want {
			t.Fatalf("%q => %q err=%v want %q", in, got, err, want)
		}
	}
	if _, err := NormalizeTCPAddress("  "); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
}

func TestTCPDialerReachesListener(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = c.Write([]byte{0x94, 0xc3})
		_ = c.Close()
	}()
	conn, err := NewTCPDialer(0).Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil || buf[0] != 0x94 {
		t.Fatalf("read buf=%x err=%v", buf, err)
	}
}

func TestPipeDialerConnectsToRadio(t *testing.T) {
	testlog.Start(t)
	d := &PipeDialer{Accept: func(radio net.Conn) {
		defer radio.Close()
		buf := make([]byte, 4)
		n, _ := radio.Read(buf)
		_, _ = radio.Write(buf[:n])
	}}
	conn, err := d.Dial(context.Background(), "pipe")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("echo=%q err=%v", buf, err)
	}
	d.Close()
	if _, err := d.Dial(context.Background(), "pipe"); !errors.Is(err, ErrDialerClosed) {
		t.Fatalf("expected ErrDialerClosed, got %v", err)
	}
	if d.Dials() != 1 {
		t.Fatalf("dials=%d", d.Dials())
	}
}
