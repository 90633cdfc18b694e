package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/meshctl/internal/protocol/portnum"
)

// BroadcastNum addresses every node on a channel.
const BroadcastNum uint32 = 0xFFFFFFFF

// Envelope is one decoded mesh packet. It is produced by decode and consumed once
// by the router; handlers must not mutate it.
type Envelope struct {
	From     uint32
	To       uint32
	ID       uint32
	Channel  uint32
	HopLimit uint32
	HopStart uint32
	WantAck  bool
	Priority uint32

	RxTime uint32
	RxSNR  float32
	RxRSSI int32

	Port         portnum.Kind
	Payload      []byte
	WantResponse bool
	Dest         uint32
	Source       uint32
	RequestID    uint32
	ReplyID      uint32
	Emoji        uint32

	// Encrypted is set when the radio forwarded a packet it could not decrypt.
	Encrypted []byte
}

// Normalized returns e as it reads back after an encode/decode round trip. An
// empty payload is nil and the port is reclassified from its raw value, so a zero
// Kind becomes Classify(0). Encrypted packets keep no decoded fields.
func (e Envelope) Normalized() Envelope {
	if e.IsEncrypted() {
		e.Port = portnum.Kind{}
		e.Payload = nil
		e.WantResponse = false
		e.Dest, e.Source, e.RequestID, e.ReplyID, e.Emoji = 0, 0, 0, 0, 0
		return e
	}
	e.Encrypted = nil
	if len(e.Payload) == 0 {
		e.Payload = nil
	}
	e.Port = portnum.Classify(e.Port.Raw)
	return e
}

func (e Envelope) IsBroadcast() bool { return e.To == BroadcastNum }

func (e Envelope) IsEncrypted() bool { return len(e.Encrypted) > 0 }

// HopsAway is the number of hops the packet travelled, when the sender reported hop_start.
func (e Envelope) HopsAway() (uint32, bool) {
	if e.HopStart == 0 || e.HopLimit > e.HopStart {
		return 0, false
	}
	return e.HopStart - e.HopLimit, true
}

// Variant names the populated arm of a FromRadio message.
type Variant uint8

const (
	VariantNone Variant = iota
	VariantPacket
	VariantMyInfo
	VariantNodeInfo
	VariantConfig
	VariantLogRecord
	VariantConfigComplete
	VariantRebooted
	VariantModuleConfig
	VariantChannel
	VariantQueueStatus
	VariantMetadata
)

var variantNames = [...]string{
	VariantNone:           "none",
	VariantPacket:         "packet",
	VariantMyInfo:         "my_info",
	VariantNodeInfo:       "node_info",
	VariantConfig:         "config",
	VariantLogRecord:      "log_record",
	VariantConfigComplete: "config_complete",
	VariantRebooted:       "rebooted",
	VariantModuleConfig:   "module_config",
	VariantChannel:        "channel",
	VariantQueueStatus:    "queue_status",
	VariantMetadata:       "metadata",
}

func (v Variant) String() string {
	if int(v) < len(variantNames) {
		return variantNames[v]
	}
	return fmt.Sprintf("variant(%d)", uint8(v))
}

// ParseVariant resolves a variant name as written in config files.
func ParseVariant(raw string) (Variant, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	for i, name := range variantNames {
		if name == v {
			return Variant(i), true
		}
	}
	return VariantNone, false
}

// FromRadio is a device-to-client message. Exactly one arm is expected to be set.
// Config and ModuleConfig sections are carried opaque.
type FromRadio struct {
	ID               uint32
	Packet           *Envelope
	MyInfo           *MyNodeInfo
	NodeInfo         *NodeInfo
	Config           []byte
	LogRecord        []byte
	ConfigCompleteID uint32
	Rebooted         bool
	ModuleConfig     []byte
	Channel          *Channel
	QueueStatus      *QueueStatus
	Metadata         *DeviceMetadata
}

func (m FromRadio) Variant() Variant {
	switch {
	case m.Packet != nil:
		return VariantPacket
	case m.MyInfo != nil:
		return VariantMyInfo
	case m.NodeInfo != nil:
		return VariantNodeInfo
	case m.Config != nil:
		return VariantConfig
	case m.LogRecord != nil:
		return VariantLogRecord
	case m.ConfigCompleteID != 0:
		return VariantConfigComplete
	case m.Rebooted:
		return VariantRebooted
	case m.ModuleConfig != nil:
		return VariantModuleConfig
	case m.Channel != nil:
		return VariantChannel
	case m.QueueStatus != nil:
		return VariantQueueStatus
	case m.Metadata != nil:
		return VariantMetadata
	default:
		return VariantNone
	}
}

// ToRadio is a client-to-device message.
type ToRadio struct {
	Packet       *Envelope
	WantConfigID uint32
	Disconnect   bool
	Heartbeat    bool
}

type MyNodeInfo struct {
	MyNodeNum uint32
}

type NodeInfo struct {
	Num           uint32
	User          *User
	Position      *Position
	SNR           float32
	LastHeard     uint32
	DeviceMetrics *DeviceMetrics
	Channel       uint32
	HopsAway      uint32
	IsFavorite    bool
}

type User struct {
	ID         string
	LongName   string
	ShortName  string
	Macaddr    []byte
	HWModel    int32
	IsLicensed bool
	Role       int32
}

const positionScale = 1e-7

type Position struct {
	LatitudeI  int32
	LongitudeI int32
	Altitude   int32
	Time       uint32
}

func (p Position) Latitude() float64 { return float64(p.LatitudeI) * positionScale }

func (p Position) Longitude() float64 { return float64(p.LongitudeI) * positionScale }

type Telemetry struct {
	Time        uint32
	Device      *DeviceMetrics
	Environment *EnvironmentMetrics
}

type DeviceMetrics struct {
	BatteryLevel       uint32
	Voltage            float32
	ChannelUtilization float32
	AirUtilTx          float32
	UptimeSeconds      uint32
}

type EnvironmentMetrics struct {
	Temperature        float32
	RelativeHumidity   float32
	BarometricPressure float32
	GasResistance      float32
	Voltage            float32
	Current            float32
	IAQ                uint32
	WindDirection      uint32
	WindSpeed          float32
}

// RouteDiscovery is the traceroute payload. Route lists intermediate hops toward
// the destination; RouteBack lists hops on the return path.
type RouteDiscovery struct {
	Route      []uint32
	SNRTowards []int32
	RouteBack  []uint32
	SNRBack    []int32
}

type Routing struct {
	ErrorReason RoutingReason
}

// RoutingReason is the firmware's delivery outcome. None is an ACK.
type RoutingReason int32

const (
	RoutingNone                 RoutingReason = 0
	RoutingNoRoute              RoutingReason = 1
	RoutingGotNak               RoutingReason = 2
	RoutingTimeout              RoutingReason = 3
	RoutingNoInterface          RoutingReason = 4
	RoutingMaxRetransmit        RoutingReason = 5
	RoutingNoChannel            RoutingReason = 6
	RoutingTooLarge             RoutingReason = 7
	RoutingNoResponse           RoutingReason = 8
	RoutingDutyCycleLimit       RoutingReason = 9
	RoutingBadRequest           RoutingReason = 32
	RoutingNotAuthorized        RoutingReason = 33
	RoutingPKIFailed            RoutingReason = 34
	RoutingPKIUnknownPubkey     RoutingReason = 35
	RoutingAdminBadSessionKey   RoutingReason = 36
	RoutingAdminPubkeyForbidden RoutingReason = 37
)

var routingNames = map[RoutingReason]string{
	RoutingNone:                 "NONE",
	RoutingNoRoute:              "NO_ROUTE",
	RoutingGotNak:               "GOT_NAK",
	RoutingTimeout:              "TIMEOUT",
	RoutingNoInterface:          "NO_INTERFACE",
	RoutingMaxRetransmit:        "MAX_RETRANSMIT",
	RoutingNoChannel:            "NO_CHANNEL",
	RoutingTooLarge:             "TOO_LARGE",
	RoutingNoResponse:           "NO_RESPONSE",
	RoutingDutyCycleLimit:       "DUTY_CYCLE_LIMIT",
	RoutingBadRequest:           "BAD_REQUEST",
	RoutingNotAuthorized:        "NOT_AUTHORIZED",
	RoutingPKIFailed:            "PKI_FAILED",
	RoutingPKIUnknownPubkey:     "PKI_UNKNOWN_PUBKEY",
	RoutingAdminBadSessionKey:   "ADMIN_BAD_SESSION_KEY",
	RoutingAdminPubkeyForbidden: "ADMIN_PUBLIC_KEY_UNAUTHORIZED",
}

func (r RoutingReason) String() string {
	if s, ok := routingNames[r]; ok {
		return s
	}
	return "ROUTING_" + strconv.Itoa(int(r))
}

type ChannelRole int32

const (
	ChannelDisabled  ChannelRole = 0
	ChannelPrimary   ChannelRole = 1
	ChannelSecondary ChannelRole = 2
)

func (r ChannelRole) String() string {
	switch r {
	case ChannelPrimary:
		return "PRIMARY"
	case ChannelSecondary:
		return "SECONDARY"
	case ChannelDisabled:
		return "DISABLED"
	default:
		return "ROLE_" + strconv.Itoa(int(r))
	}
}

type Channel struct {
	Index int32
	Name  string
	Role  ChannelRole
}

type DeviceMetadata struct {
	FirmwareVersion string
	Role            int32
	HWModel         int32
}

type QueueStatus struct {
	Res          int32
	Free         uint32
	MaxLen       uint32
	MeshPacketID uint32
}

// NodeIDString renders a node number the way radios print it ("!1a2b3c4d").
func NodeIDString(n uint32) string {
	return fmt.Sprintf("!%08x", n)
}

// ParseNodeID accepts "!hex", "0xhex" or a decimal node number.
func ParseNodeID(raw string) (uint32, error) {
	s := strings.TrimSpace(raw)
	var (
		v   uint64
		err error
	)
	switch {
	case strings.HasPrefix(s, "!"):
		v, err = strconv.ParseUint(s[1:], 16, 32)
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		v, err = strconv.ParseUint(s[2:], 16, 32)
	default:
		v, err = strconv.ParseUint(s, 10, 32)
	}
	if err != nil {
		return 0, fmt.Errorf("protocol: invalid node id %q: %w", raw, err)
	}
	return uint32(v), nil
}
