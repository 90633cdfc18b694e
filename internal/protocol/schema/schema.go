package schema

import (
	"fmt"

	"github.com/danmuck/meshctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/encoding/protowire"
)

// Message identifies a wire message shape.
type Message uint32

const (
	MsgFromRadio Message = iota + 1
	MsgToRadio
	MsgMeshPacket
	MsgData
	MsgMyNodeInfo
	MsgNodeInfo
	MsgUser
	MsgPosition
	MsgTelemetry
	MsgDeviceMetrics
	MsgEnvironmentMetrics
	MsgRouteDiscovery
	MsgRouting
	MsgAdmin
	MsgChannel
	MsgDeviceMetadata
	MsgQueueStatus
)

var messageNames = map[Message]string{
	MsgFromRadio:          "FromRadio",
	MsgToRadio:            "ToRadio",
	MsgMeshPacket:         "MeshPacket",
	MsgData:               "Data",
	MsgMyNodeInfo:         "MyNodeInfo",
	MsgNodeInfo:           "NodeInfo",
	MsgUser:               "User",
	MsgPosition:           "Position",
	MsgTelemetry:          "Telemetry",
	MsgDeviceMetrics:      "DeviceMetrics",
	MsgEnvironmentMetrics: "EnvironmentMetrics",
	MsgRouteDiscovery:     "RouteDiscovery",
	MsgRouting:            "Routing",
	MsgAdmin:              "AdminMessage",
	MsgChannel:            "Channel",
	MsgDeviceMetadata:     "DeviceMetadata",
	MsgQueueStatus:        "QueueStatus",
}

func (m Message) String() string {
	if s, ok := messageNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Message(%d)", uint32(m))
}

// FromRadio fields.
const (
	FromRadioID               protowire.Number = 1
	FromRadioPacket           protowire.Number = 2
	FromRadioMyInfo           protowire.Number = 3
	FromRadioNodeInfo         protowire.Number = 4
	FromRadioConfig           protowire.Number = 5
	FromRadioLogRecord        protowire.Number = 6
	FromRadioConfigCompleteID protowire.Number = 7
	FromRadioRebooted         protowire.Number = 8
	FromRadioModuleConfig     protowire.Number = 9
	FromRadioChannel          protowire.Number = 10
	FromRadioQueueStatus      protowire.Number = 11
	FromRadioMetadata         protowire.Number = 13
)

// ToRadio fields.
const (
	ToRadioPacket       protowire.Number = 1
	ToRadioWantConfigID protowire.Number = 3
	ToRadioDisconnect   protowire.Number = 4
	ToRadioHeartbeat    protowire.Number = 7
)

// MeshPacket fields.
const (
	PacketFrom      protowire.Number = 1
	PacketTo        protowire.Number = 2
	PacketChannel   protowire.Number = 3
	PacketDecoded   protowire.Number = 4
	PacketEncrypted protowire.Number = 5
	PacketID        protowire.Number = 6
	PacketRxTime    protowire.Number = 7
	PacketRxSNR     protowire.Number = 8
	PacketHopLimit  protowire.Number = 9
	PacketWantAck   protowire.Number = 10
	PacketPriority  protowire.Number = 11
	PacketRxRSSI    protowire.Number = 12
	PacketHopStart  protowire.Number = 15
)

// Data fields.
const (
	DataPortnum      protowire.Number = 1
	DataPayload      protowire.Number = 2
	DataWantResponse protowire.Number = 3
	DataDest         protowire.Number = 4
	DataSource       protowire.Number = 5
	DataRequestID    protowire.Number = 6
	DataReplyID      protowire.Number = 7
	DataEmoji        protowire.Number = 8
)

const MyInfoNodeNum protowire.Number = 1

// NodeInfo fields.
const (
	NodeNum           protowire.Number = 1
	NodeUser          protowire.Number = 2
	NodePosition      protowire.Number = 3
	NodeSNR           protowire.Number = 4
	NodeLastHeard     protowire.Number = 5
	NodeDeviceMetrics protowire.Number = 6
	NodeChannel       protowire.Number = 7
	NodeHopsAway      protowire.Number = 9
	NodeIsFavorite    protowire.Number = 10
)

// User fields.
const (
	UserID         protowire.Number = 1
	UserLongName   protowire.Number = 2
	UserShortName  protowire.Number = 3
	UserMacaddr    protowire.Number = 4
	UserHWModel    protowire.Number = 5
	UserIsLicensed protowire.Number = 6
	UserRole       protowire.Number = 7
)

// Position fields.
const (
	PositionLatitudeI  protowire.Number = 1
	PositionLongitudeI protowire.Number = 2
	PositionAltitude   protowire.Number = 3
	PositionTime       protowire.Number = 4
)

// Telemetry fields.
const (
	TelemetryTime        protowire.Number = 1
	TelemetryDevice      protowire.Number = 2
	TelemetryEnvironment protowire.Number = 3
)

// DeviceMetrics fields.
const (
	DeviceBatteryLevel       protowire.Number = 1
	DeviceVoltage            protowire.Number = 2
	DeviceChannelUtilization protowire.Number = 3
	DeviceAirUtilTx          protowire.Number = 4
	DeviceUptimeSeconds      protowire.Number = 5
)

// EnvironmentMetrics fields.
const (
	EnvTemperature        protowire.Number = 1
	EnvRelativeHumidity   protowire.Number = 2
	EnvBarometricPressure protowire.Number = 3
	EnvGasResistance      protowire.Number = 4
	EnvVoltage            protowire.Number = 5
	EnvCurrent            protowire.Number = 6
	EnvIAQ                protowire.Number = 7
	EnvWindDirection      protowire.Number = 13
	EnvWindSpeed          protowire.Number = 14
)

// RouteDiscovery fields.
const (
	RouteForward    protowire.Number = 1
	RouteSNRForward protowire.Number = 2
	RouteBack       protowire.Number = 3
	RouteSNRBack    protowire.Number = 4
)

const RoutingErrorReason protowire.Number = 3

// AdminMessage fields (subset the client issues or consumes).
const (
	AdminGetOwnerRequest          protowire.Number = 3
	AdminGetOwnerResponse         protowire.Number = 4
	AdminGetDeviceMetadataRequest protowire.Number = 12
	AdminGetDeviceMetadataResp    protowire.Number = 13
	AdminSetOwner                 protowire.Number = 32
	AdminRemoveByNodeNum          protowire.Number = 38
	AdminSetFavoriteNode          protowire.Number = 39
	AdminRemoveFavoriteNode       protowire.Number = 40
	AdminRebootSeconds            protowire.Number = 97
)

// Channel fields.
const (
	ChannelIndex    protowire.Number = 1
	ChannelSettings protowire.Number = 2
	ChannelRole     protowire.Number = 3

	ChannelSettingsName protowire.Number = 3
)

// DeviceMetadata fields.
const (
	MetadataFirmwareVersion protowire.Number = 1
	MetadataRole            protowire.Number = 7
	MetadataHWModel         protowire.Number = 9
)

// QueueStatus fields.
const (
	QueueRes          protowire.Number = 1
	QueueFree         protowire.Number = 2
	QueueMaxLen       protowire.Number = 3
	QueueMeshPacketID protowire.Number = 4
)

// Requirement declares the wire type of a known field and whether it must be present.
type Requirement struct {
	Num      protowire.Number
	Type     protowire.Type
	Required bool
}

type ValidationError struct {
	Message Message
	Field   protowire.Number
	Reason  string
}

func (e ValidationError) Error() string {
	if e.Field == 0 {
		return fmt.Sprintf("schema: message=%s: %s", e.Message, e.Reason)
	}
	return fmt.Sprintf("schema: message=%s field=%d: %s", e.Message, e.Field, e.Reason)
}

var requirements = map[Message][]Requirement{
	MsgFromRadio: {
		{FromRadioID, tlv.TypeVarint, false},
		{FromRadioPacket, tlv.TypeBytes, false},
		{FromRadioMyInfo, tlv.TypeBytes, false},
		{FromRadioNodeInfo, tlv.TypeBytes, false},
		{FromRadioConfig, tlv.TypeBytes, false},
		{FromRadioLogRecord, tlv.TypeBytes, false},
		{FromRadioConfigCompleteID, tlv.TypeVarint, false},
		{FromRadioRebooted, tlv.TypeVarint, false},
		{FromRadioModuleConfig, tlv.TypeBytes, false},
		{FromRadioChannel, tlv.TypeBytes, false},
		{FromRadioQueueStatus, tlv.TypeBytes, false},
		{FromRadioMetadata, tlv.TypeBytes, false},
	},
	MsgToRadio: {
		{ToRadioPacket, tlv.TypeBytes, false},
		{ToRadioWantConfigID, tlv.TypeVarint, false},
		{ToRadioDisconnect, tlv.TypeVarint, false},
		{ToRadioHeartbeat, tlv.TypeBytes, false},
	},
	MsgMeshPacket: {
		{PacketFrom, tlv.TypeFixed32, false},
		{PacketTo, tlv.TypeFixed32, false},
		{PacketChannel, tlv.TypeVarint, false},
		{PacketDecoded, tlv.TypeBytes, false},
		{PacketEncrypted, tlv.TypeBytes, false},
		{PacketID, tlv.TypeFixed32, false},
		{PacketRxTime, tlv.TypeFixed32, false},
		{PacketRxSNR, tlv.TypeFixed32, false},
		{PacketHopLimit, tlv.TypeVarint, false},
		{PacketWantAck, tlv.TypeVarint, false},
		{PacketPriority, tlv.TypeVarint, false},
		{PacketRxRSSI, tlv.TypeVarint, false},
		{PacketHopStart, tlv.TypeVarint, false},
	},
	MsgData: {
		{DataPortnum, tlv.TypeVarint, false},
		{DataPayload, tlv.TypeBytes, false},
		{DataWantResponse, tlv.TypeVarint, false},
		{DataDest, tlv.TypeFixed32, false},
		{DataSource, tlv.TypeFixed32, false},
		{DataRequestID, tlv.TypeFixed32, false},
		{DataReplyID, tlv.TypeFixed32, false},
		{DataEmoji, tlv.TypeFixed32, false},
	},
	MsgMyNodeInfo: {
		{MyInfoNodeNum, tlv.TypeVarint, true},
	},
	MsgNodeInfo: {
		{NodeNum, tlv.TypeVarint, false},
		{NodeUser, tlv.TypeBytes, false},
		{NodePosition, tlv.TypeBytes, false},
		{NodeSNR, tlv.TypeFixed32, false},
		{NodeLastHeard, tlv.TypeFixed32, false},
		{NodeDeviceMetrics, tlv.TypeBytes, false},
		{NodeChannel, tlv.TypeVarint, false},
		{NodeHopsAway, tlv.TypeVarint, false},
		{NodeIsFavorite, tlv.TypeVarint, false},
	},
	MsgUser: {
		{UserID, tlv.TypeBytes, false},
		{UserLongName, tlv.TypeBytes, false},
		{UserShortName, tlv.TypeBytes, false},
		{UserMacaddr, tlv.TypeBytes, false},
		{UserHWModel, tlv.TypeVarint, false},
		{UserIsLicensed, tlv.TypeVarint, false},
		{UserRole, tlv.TypeVarint, false},
	},
	MsgPosition: {
		{PositionLatitudeI, tlv.TypeFixed32, false},
		{PositionLongitudeI, tlv.TypeFixed32, false},
		{PositionAltitude, tlv.TypeVarint, false},
		{PositionTime, tlv.TypeFixed32, false},
	},
	MsgTelemetry: {
		{TelemetryTime, tlv.TypeFixed32, false},
		{TelemetryDevice, tlv.TypeBytes, false},
		{TelemetryEnvironment, tlv.TypeBytes, false},
	},
	MsgDeviceMetrics: {
		{DeviceBatteryLevel, tlv.TypeVarint, false},
		{DeviceVoltage, tlv.TypeFixed32, false},
		{DeviceChannelUtilization, tlv.TypeFixed32, false},
		{DeviceAirUtilTx, tlv.TypeFixed32, false},
		{DeviceUptimeSeconds, tlv.TypeVarint, false},
	},
	MsgEnvironmentMetrics: {
		{EnvTemperature, tlv.TypeFixed32, false},
		{EnvRelativeHumidity, tlv.TypeFixed32, false},
		{EnvBarometricPressure, tlv.TypeFixed32, false},
		{EnvGasResistance, tlv.TypeFixed32, false},
		{EnvVoltage, tlv.TypeFixed32, false},
		{EnvCurrent, tlv.TypeFixed32, false},
		{EnvIAQ, tlv.TypeVarint, false},
		{EnvWindDirection, tlv.TypeVarint, false},
		{EnvWindSpeed, tlv.TypeFixed32, false},
	},
	MsgRouteDiscovery: {},
	MsgRouting: {
		{RoutingErrorReason, tlv.TypeVarint, false},
	},
	MsgAdmin: {
		{AdminGetOwnerRequest, tlv.TypeVarint, false},
		{AdminGetOwnerResponse, tlv.TypeBytes, false},
		{AdminGetDeviceMetadataRequest, tlv.TypeVarint, false},
		{AdminGetDeviceMetadataResp, tlv.TypeBytes, false},
		{AdminSetOwner, tlv.TypeBytes, false},
		{AdminRemoveByNodeNum, tlv.TypeVarint, false},
		{AdminSetFavoriteNode, tlv.TypeVarint, false},
		{AdminRemoveFavoriteNode, tlv.TypeVarint, false},
		{AdminRebootSeconds, tlv.TypeVarint, false},
	},
	MsgChannel: {
		{ChannelIndex, tlv.TypeVarint, false},
		{ChannelSettings, tlv.TypeBytes, false},
		{ChannelRole, tlv.TypeVarint, false},
	},
	MsgDeviceMetadata: {
		{MetadataFirmwareVersion, tlv.TypeBytes, false},
		{MetadataRole, tlv.TypeVarint, false},
		{MetadataHWModel, tlv.TypeVarint, false},
	},
	MsgQueueStatus: {
		{QueueRes, tlv.TypeVarint, false},
		{QueueFree, tlv.TypeVarint, false},
		{QueueMaxLen, tlv.TypeVarint, false},
		{QueueMeshPacketID, tlv.TypeVarint, false},
	},
}

// Validate checks required fields are present and known fields carry the expected
// wire type. Unknown field numbers are ignored.
func Validate(msg Message, fields []tlv.Field) error {
	reqs, ok := requirements[msg]
	if !ok {
		log.Error().Stringer("message", msg).Msg("schema.Validate unknown message")
		return ValidationError{Message: msg, Reason: "unknown message"}
	}
	for _, req := range reqs {
		found := false
		for _, f := range fields {
			if f.Num != req.Num {
				continue
			}
			found = true
			if f.Type != req.Type {
				log.Debug().
					Stringer("message", msg).
					Int32("field", int32(req.Num)).
					Int8("got", int8(f.Type)).
					Int8("want", int8(req.Type)).
					Msg("schema.Validate type mismatch")
				return ValidationError{Message: msg, Field: req.Num, Reason: "type mismatch"}
			}
		}
		if req.Required && !found {
			log.Debug().
				Stringer("message", msg).
				Int32("field", int32(req.Num)).
				Msg("schema.Validate missing field")
			return ValidationError{Message: msg, Field: req.Num, Reason: "missing required field"}
		}
	}
	return nil
}

// Known reports whether msg has a requirement table.
func Known(msg Message) bool {
	_, ok := requirements[msg]
	return ok
}
