// Package portnum owns the application port registry.
//
// Ownership boundary:
// - port number constants and canonical names
// - reserved-range policy
// - classification of raw wire values
package portnum

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Number is the application port carried in a packet's decoded data.
type Number int32

// Core ports (0-63).
const (
	UnknownApp            Number = 0
	TextMessageApp        Number = 1
	RemoteHardwareApp     Number = 2
	PositionApp           Number = 3
	NodeInfoApp           Number = 4
	RoutingApp            Number = 5
	AdminApp              Number = 6
	TextMessageCompressed Number = 7
	WaypointApp           Number = 8
	AudioApp              Number = 9
	DetectionSensorApp    Number = 10
	ReplyApp              Number = 32
	IPTunnelApp           Number = 33
	PaxcounterApp         Number = 34
)

// Registered third-party ports (64-127).
const (
	SerialApp       Number = 64
	StoreForwardApp Number = 65
	RangeTestApp    Number = 66
	TelemetryApp    Number = 67
	ZPSApp          Number = 68
	SimulatorApp    Number = 69
	TracerouteApp   Number = 70
	NeighborInfoApp Number = 71
	AtakPluginApp   Number = 72
	MapReportApp    Number = 73
)

// Private-use ports (256-511).
const (
	PrivateApp    Number = 256
	AtakForwarder Number = 257
	Max           Number = 511
)

// Range is the reserved block a raw port value falls in.
type Range uint8

const (
	RangeInvalid Range = iota
	RangeCore
	RangeThirdParty
	RangePrivate
)

func (r Range) String() string {
	switch r {
	case RangeCore:
		return "core"
	case RangeThirdParty:
		return "third_party"
	case RangePrivate:
		return "private"
	default:
		return "invalid"
	}
}

// RangeOf reports the reserved block for n. 128-255 and anything outside 0-511 is invalid.
func RangeOf(n int64) Range {
	switch {
	case n >= 0 && n <= 63:
		return RangeCore
	case n >= 64 && n <= 127:
		return RangeThirdParty
	case n >= 256 && n <= int64(Max):
		return RangePrivate
	default:
		return RangeInvalid
	}
}

var names = map[Number]string{
	UnknownApp:            "UNKNOWN_APP",
	TextMessageApp:        "TEXT_MESSAGE_APP",
	RemoteHardwareApp:     "REMOTE_HARDWARE_APP",
	PositionApp:           "POSITION_APP",
	NodeInfoApp:           "NODEINFO_APP",
	RoutingApp:            "ROUTING_APP",
	AdminApp:              "ADMIN_APP",
	TextMessageCompressed: "TEXT_MESSAGE_COMPRESSED_APP",
	WaypointApp:           "WAYPOINT_APP",
	AudioApp:              "AUDIO_APP",
	DetectionSensorApp:    "DETECTION_SENSOR_APP",
	ReplyApp:              "REPLY_APP",
	IPTunnelApp:           "IP_TUNNEL_APP",
	PaxcounterApp:         "PAXCOUNTER_APP",
	SerialApp:             "SERIAL_APP",
	StoreForwardApp:       "STORE_FORWARD_APP",
	RangeTestApp:          "RANGE_TEST_APP",
	TelemetryApp:          "TELEMETRY_APP",
	ZPSApp:                "ZPS_APP",
	SimulatorApp:          "SIMULATOR_APP",
	TracerouteApp:         "TRACEROUTE_APP",
	NeighborInfoApp:       "NEIGHBORINFO_APP",
	AtakPluginApp:         "ATAK_PLUGIN",
	MapReportApp:          "MAP_REPORT_APP",
	PrivateApp:            "PRIVATE_APP",
	AtakForwarder:         "ATAK_FORWARDER",
	Max:                   "MAX",
}

func (n Number) String() string {
	if name, ok := names[n]; ok {
		return name
	}
	return fmt.Sprintf("PORT_%d", int32(n))
}

// ParseName resolves a canonical name (case-insensitive) or a decimal number.
func ParseName(raw string) (Number, error) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	for n, name := range names {
		if name == v {
			return n, nil
		}
	}
	if out, err := strconv.ParseInt(v, 10, 32); err == nil {
		return Number(out), nil
	}
	return 0, fmt.Errorf("portnum: unknown port %q", raw)
}

// Kind is the classification of a raw port value: a named port when Recognized,
// otherwise Unrecognized carrying the raw value.
type Kind struct {
	Raw        int64
	Recognized bool
}

// Number returns the port for a recognized kind. For unrecognized kinds the raw
// value is truncated into the port type and should not be used for dispatch.
func (k Kind) Number() Number {
	return Number(k.Raw)
}

func (k Kind) String() string {
	if !k.Recognized {
		return fmt.Sprintf("UNRECOGNIZED(%d)", k.Raw)
	}
	return Number(k.Raw).String()
}

// Unrecognized builds the fallback kind for raw.
func Unrecognized(raw int64) Kind {
	return Kind{Raw: raw}
}

// Registry classifies raw port values. Private-use ports are unrecognized until enabled.
type Registry struct {
	mu      sync.RWMutex
	private map[Number]string
}

func NewRegistry() *Registry {
	return &Registry{private: make(map[Number]string)}
}

// EnablePrivate makes a private-use port classify as recognized.
func (r *Registry) EnablePrivate(n Number, name string) error {
	if RangeOf(int64(n)) != RangePrivate {
		return fmt.Errorf("portnum: %d is not a private-use port", int32(n))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		name = n.String()
	}
	r.private[n] = name
	return nil
}

// Classify is total over int64: values outside the known set return Unrecognized.
func (r *Registry) Classify(n int64) Kind {
	switch RangeOf(n) {
	case RangeCore, RangeThirdParty:
		if _, ok := names[Number(n)]; ok {
			return Kind{Raw: n, Recognized: true}
		}
	case RangePrivate:
		r.mu.RLock()
		_, ok := r.private[Number(n)]
		r.mu.RUnlock()
		if ok {
			return Kind{Raw: n, Recognized: true}
		}
	}
	return Unrecognized(n)
}

var defaultRegistry = NewRegistry()

// Classify uses the process default registry, which has no private ports enabled.
func Classify(n int64) Kind {
	return defaultRegistry.Classify(n)
}
