// Package config loads meshctl settings from TOML. Keys missing from the file keep
// the values from DefaultConfig.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/meshctl/internal/client"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/protocol/portnum"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	DeviceAddress        string
	HandshakeTimeout     time.Duration
	RequestTimeout       time.Duration
	TickInterval         time.Duration
	HeartbeatInterval    time.Duration
	MaxFrameBytes        int
	MaxReconnectAttempts int
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	BackoffMultiplier    float64
	BackoffJitter        bool
	RequiredFragments    []protocol.Variant
	NodeStorePath        string
	ActivityLogPath      string
	HTTPAddr             string
	CorsOrigins          []string
	APIToken             string
	PrivatePorts         map[portnum.Number]string
	DispatchWorkers      int
}

func DefaultConfig() Config {
	base := client.DefaultConfig()
	return Config{
		HandshakeTimeout:     base.Session.HandshakeTimeout,
		RequestTimeout:       base.Session.RequestTimeout,
		TickInterval:         base.Session.TickInterval,
		HeartbeatInterval:    base.Session.HeartbeatInterval,
		MaxFrameBytes:        base.Limits.MaxPayloadBytes,
		MaxReconnectAttempts: base.Session.MaxReconnectAttempts,
		BackoffInitial:       base.Session.Backoff.InitialDelay,
		BackoffMax:           base.Session.Backoff.MaxDelay,
		BackoffMultiplier:    base.Session.Backoff.Multiplier,
		BackoffJitter:        base.Session.Backoff.Jitter,
		RequiredFragments:    append([]protocol.Variant(nil), base.Session.RequiredFragments...),
		NodeStorePath:        "meshctl-nodes.yaml",
		ActivityLogPath:      "meshctl-activity.log",
		HTTPAddr:             "127.0.0.1:9440",
		CorsOrigins:          []string{"http://localhost:3000"},
		PrivatePorts:         map[portnum.Number]string{},
		DispatchWorkers:      base.DispatchWorkers,
	}
}

type fileConfig struct {
	DeviceAddress        string            `toml:"device_address"`
	HandshakeTimeout     string            `toml:"handshake_timeout"`
	RequestTimeout       string            `toml:"request_timeout"`
	TickInterval         string            `toml:"tick_interval"`
	HeartbeatInterval    string            `toml:"heartbeat_interval"`
	MaxFrameBytes        int               `toml:"max_frame_bytes"`
	MaxReconnectAttempts int               `toml:"max_reconnect_attempts"`
	BackoffInitial       string            `toml:"backoff_initial"`
	BackoffMax           string            `toml:"backoff_max"`
	BackoffMultiplier    float64           `toml:"backoff_multiplier"`
	BackoffJitter        bool              `toml:"backoff_jitter"`
	RequiredFragments    []string          `toml:"required_fragments"`
	NodeStorePath        string            `toml:"node_store_path"`
	ActivityLogPath      string            `toml:"activity_log_path"`
	HTTPAddr             string            `toml:"http_addr"`
	CorsOrigins          []string          `toml:"cors_origins"`
	APIToken             string            `toml:"api_token"`
	PrivatePorts         map[string]string `toml:"private_ports"`
	DispatchWorkers      int               `toml:"dispatch_workers"`
}

// Load reads path over DefaultConfig and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load meshctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	if meta.IsDefined("device_address") {
		cfg.DeviceAddress = strings.TrimSpace(raw.DeviceAddress)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"tick_interval", raw.TickInterval, &cfg.TickInterval},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"backoff_initial", raw.BackoffInitial, &cfg.BackoffInitial},
		{"backoff_max", raw.BackoffMax, &cfg.BackoffMax},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("max_reconnect_attempts") {
		cfg.MaxReconnectAttempts = raw.MaxReconnectAttempts
	}
	if meta.IsDefined("backoff_multiplier") {
		cfg.BackoffMultiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.BackoffJitter = raw.BackoffJitter
	}
	if meta.IsDefined("required_fragments") {
		frags, err := parseFragments(raw.RequiredFragments)
		if err != nil {
			return Config{}, err
		}
		cfg.RequiredFragments = frags
	}
	if meta.IsDefined("node_store_path") {
		cfg.NodeStorePath = strings.TrimSpace(raw.NodeStorePath)
	}
	if meta.IsDefined("activity_log_path") {
		cfg.ActivityLogPath = strings.TrimSpace(raw.ActivityLogPath)
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("api_token") {
		cfg.APIToken = strings.TrimSpace(raw.APIToken)
	}
	if meta.IsDefined("private_ports") {
		ports, err := parsePrivatePorts(raw.PrivatePorts)
		if err != nil {
			return Config{}, err
		}
		cfg.PrivatePorts = ports
	}
	if meta.IsDefined("dispatch_workers") {
		cfg.DispatchWorkers = raw.DispatchWorkers
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	switch {
	case cfg.HandshakeTimeout <= 0:
		return fmt.Errorf("%w: handshake_timeout must be positive", ErrInvalid)
	case cfg.RequestTimeout <= 0:
		return fmt.Errorf("%w: request_timeout must be positive", ErrInvalid)
	case cfg.TickInterval <= 0:
		return fmt.Errorf("%w: tick_interval must be positive", ErrInvalid)
	case cfg.TickInterval > cfg.RequestTimeout:
		return fmt.Errorf("%w: tick_interval %s exceeds request_timeout %s", ErrInvalid, cfg.TickInterval, cfg.RequestTimeout)
	case cfg.HeartbeatInterval < 0:
		return fmt.Errorf("%w: heartbeat_interval must not be negative", ErrInvalid)
	case cfg.MaxFrameBytes <= 0 || cfg.MaxFrameBytes > 0xFFFF:
		return fmt.Errorf("%w: max_frame_bytes %d outside 1..65535", ErrInvalid, cfg.MaxFrameBytes)
	case cfg.MaxReconnectAttempts < 0:
		return fmt.Errorf("%w: max_reconnect_attempts must not be negative", ErrInvalid)
	case cfg.BackoffInitial <= 0 || cfg.BackoffMax < cfg.BackoffInitial:
		return fmt.Errorf("%w: backoff_initial %s and backoff_max %s", ErrInvalid, cfg.BackoffInitial, cfg.BackoffMax)
	case cfg.BackoffMultiplier < 1:
		return fmt.Errorf("%w: backoff_multiplier must be >= 1", ErrInvalid)
	case cfg.DispatchWorkers <= 0:
		return fmt.Errorf("%w: dispatch_workers must be positive", ErrInvalid)
	}
	for n := range cfg.PrivatePorts {
		if portnum.RangeOf(int64(n)) != portnum.RangePrivate {
			return fmt.Errorf("%w: private port %d outside 256..511", ErrInvalid, int32(n))
		}
	}
	return nil
}

// Client converts cfg into the protocol engine's settings.
func (cfg Config) Client() client.Config {
	out := client.DefaultConfig()
	out.DeviceAddress = cfg.DeviceAddress
	out.Session.HandshakeTimeout = cfg.HandshakeTimeout
	out.Session.RequestTimeout = cfg.RequestTimeout
	out.Session.TickInterval = cfg.TickInterval
	out.Session.HeartbeatInterval = cfg.HeartbeatInterval
	out.Session.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	out.Session.Backoff.InitialDelay = cfg.BackoffInitial
	out.Session.Backoff.MaxDelay = cfg.BackoffMax
	out.Session.Backoff.Multiplier = cfg.BackoffMultiplier
	out.Session.Backoff.Jitter = cfg.BackoffJitter
	out.Session.RequiredFragments = append([]protocol.Variant(nil), cfg.RequiredFragments...)
	out.Limits = frame.Limits{MaxPayloadBytes: cfg.MaxFrameBytes}
	out.DispatchWorkers = cfg.DispatchWorkers
	out.PrivatePorts = make(map[portnum.Number]string, len(cfg.PrivatePorts))
	for n, name := range cfg.PrivatePorts {
		out.PrivatePorts[n] = name
	}
	return out
}

func parseFragments(in []string) ([]protocol.Variant, error) {
	out := make([]protocol.Variant, 0, len(in))
	for _, name := range in {
		v, ok := protocol.ParseVariant(name)
		if !ok || v == protocol.VariantNone || v == protocol.VariantPacket {
			return nil, fmt.Errorf("%w: required_fragments entry %q", ErrInvalid, name)
		}
		out = append(out, v)
	}
	return out, nil
}

func parsePrivatePorts(in map[string]string) (map[portnum.Number]string, error) {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[portnum.Number]string, len(in))
	for _, k := range keys {
		n, err := strconv.ParseInt(strings.TrimSpace(k), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: private_ports key %q: %v", ErrInvalid, k, err)
		}
		out[portnum.Number(n)] = strings.TrimSpace(in[k])
	}
	return out, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
