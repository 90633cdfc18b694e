package session

import (
	"time"

	"github.com/danmuck/meshctl/internal/protocol"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines connection and handshake reliability defaults.
type Config struct {
	ConnectTimeout       time.Duration
	HandshakeTimeout     time.Duration
	RequestTimeout       time.Duration
	TickInterval         time.Duration
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	Backoff              BackoffConfig
	RequiredFragments    []protocol.Variant
}

// DefaultRequiredFragments is the minimal config set a radio must deliver before
// the client treats the session as synchronized.
func DefaultRequiredFragments() []protocol.Variant {
	return []protocol.Variant{
		protocol.VariantMyInfo,
		protocol.VariantConfig,
		protocol.VariantConfigComplete,
	}
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       10 * time.Second,
		HandshakeTimeout:     30 * time.Second,
		RequestTimeout:       10 * time.Second,
		TickInterval:         time.Second,
		HeartbeatInterval:    5 * time.Minute,
		MaxReconnectAttempts: 5,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
		RequiredFragments: DefaultRequiredFragments(),
	}
}
