package protocol

import (
	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/protocol/schema"
	"github.com/danmuck/meshctl/internal/protocol/tlv"
	"google.golang.org/protobuf/encoding/protowire"
)

// fieldList collects fields in field-number order, omitting proto3 zero values.
type fieldList []tlv.Field

func (l *fieldList) varint(num protowire.Number, v uint64) {
	if v != 0 {
		*l = append(*l, tlv.Varint(num, v))
	}
}

func (l *fieldList) int32(num protowire.Number, v int32) {
	if v != 0 {
		*l = append(*l, tlv.Int32(num, v))
	}
}

func (l *fieldList) fixed32(num protowire.Number, v uint32) {
	if v != 0 {
		*l = append(*l, tlv.Fixed32(num, v))
	}
}

func (l *fieldList) float(num protowire.Number, v float32) {
	if v != 0 {
		*l = append(*l, tlv.Float(num, v))
	}
}

func (l *fieldList) boolean(num protowire.Number, v bool) {
	if v {
		*l = append(*l, tlv.Bool(num, true))
	}
}

func (l *fieldList) str(num protowire.Number, v string) {
	if v != "" {
		*l = append(*l, tlv.String(num, v))
	}
}

func (l *fieldList) bytes(num protowire.Number, v []byte) {
	if len(v) > 0 {
		*l = append(*l, tlv.Bytes(num, v))
	}
}

// message always emits, so an empty sub-message keeps its presence.
func (l *fieldList) message(num protowire.Number, v []byte) {
	*l = append(*l, tlv.Bytes(num, v))
}

func (l fieldList) encode() []byte { return tlv.EncodeFields(l) }

func MarshalPacket(e Envelope) []byte {
	l := fieldList{tlv.Fixed32(schema.PacketFrom, e.From)}
	l.fixed32(schema.PacketTo, e.To)
	l.varint(schema.PacketChannel, uint64(e.Channel))
	if e.IsEncrypted() {
		l.bytes(schema.PacketEncrypted, e.Encrypted)
	} else {
		l.message(schema.PacketDecoded, marshalData(e))
	}
	l.fixed32(schema.PacketID, e.ID)
	l.fixed32(schema.PacketRxTime, e.RxTime)
	l.float(schema.PacketRxSNR, e.RxSNR)
	l.varint(schema.PacketHopLimit, uint64(e.HopLimit))
	l.boolean(schema.PacketWantAck, e.WantAck)
	l.varint(schema.PacketPriority, uint64(e.Priority))
	l.int32(schema.PacketRxRSSI, e.RxRSSI)
	l.varint(schema.PacketHopStart, uint64(e.HopStart))
	return l.encode()
}

func marshalData(e Envelope) []byte {
	var l fieldList
	l.varint(schema.DataPortnum, uint64(e.Port.Raw))
	l.bytes(schema.DataPayload, e.Payload)
	l.boolean(schema.DataWantResponse, e.WantResponse)
	l.fixed32(schema.DataDest, e.Dest)
	l.fixed32(schema.DataSource, e.Source)
	l.fixed32(schema.DataRequestID, e.RequestID)
	l.fixed32(schema.DataReplyID, e.ReplyID)
	l.fixed32(schema.DataEmoji, e.Emoji)
	return l.encode()
}

func MarshalFromRadio(m FromRadio) []byte {
	var l fieldList
	l.varint(schema.FromRadioID, uint64(m.ID))
	if m.Packet != nil {
		l.message(schema.FromRadioPacket, MarshalPacket(*m.Packet))
	}
	if m.MyInfo != nil {
		l.message(schema.FromRadioMyInfo, MarshalMyNodeInfo(*m.MyInfo))
	}
	if m.NodeInfo != nil {
		l.message(schema.FromRadioNodeInfo, MarshalNodeInfo(*m.NodeInfo))
	}
	if m.Config != nil {
		l.message(schema.FromRadioConfig, m.Config)
	}
	if m.LogRecord != nil {
		l.message(schema.FromRadioLogRecord, m.LogRecord)
	}
	l.varint(schema.FromRadioConfigCompleteID, uint64(m.ConfigCompleteID))
	l.boolean(schema.FromRadioRebooted, m.Rebooted)
	if m.ModuleConfig != nil {
		l.message(schema.FromRadioModuleConfig, m.ModuleConfig)
	}
	if m.Channel != nil {
		l.message(schema.FromRadioChannel, MarshalChannel(*m.Channel))
	}
	if m.QueueStatus != nil {
		l.message(schema.FromRadioQueueStatus, MarshalQueueStatus(*m.QueueStatus))
	}
	if m.Metadata != nil {
		l.message(schema.FromRadioMetadata, MarshalDeviceMetadata(*m.Metadata))
	}
	return l.encode()
}

func MarshalToRadio(m ToRadio) []byte {
	var l fieldList
	if m.Packet != nil {
		l.message(schema.ToRadioPacket, MarshalPacket(*m.Packet))
	}
	l.varint(schema.ToRadioWantConfigID, uint64(m.WantConfigID))
	l.boolean(schema.ToRadioDisconnect, m.Disconnect)
	if m.Heartbeat {
		l.message(schema.ToRadioHeartbeat, nil)
	}
	return l.encode()
}

func MarshalMyNodeInfo(m MyNodeInfo) []byte {
	return tlv.EncodeFields([]tlv.Field{tlv.Varint(schema.MyInfoNodeNum, uint64(m.MyNodeNum))})
}

func MarshalNodeInfo(n NodeInfo) []byte {
	l := fieldList{tlv.Varint(schema.NodeNum, uint64(n.Num))}
	if n.User != nil {
		l.message(schema.NodeUser, MarshalUser(*n.User))
	}
	if n.Position != nil {
		l.message(schema.NodePosition, MarshalPosition(*n.Position))
	}
	l.float(schema.NodeSNR, n.SNR)
	l.fixed32(schema.NodeLastHeard, n.LastHeard)
	if n.DeviceMetrics != nil {
		l.message(schema.NodeDeviceMetrics, MarshalDeviceMetrics(*n.DeviceMetrics))
	}
	l.varint(schema.NodeChannel, uint64(n.Channel))
	l.varint(schema.NodeHopsAway, uint64(n.HopsAway))
	l.boolean(schema.NodeIsFavorite, n.IsFavorite)
	return l.encode()
}

func MarshalUser(u User) []byte {
	var l fieldList
	l.str(schema.UserID, u.ID)
	l.str(schema.UserLongName, u.LongName)
	l.str(schema.UserShortName, u.ShortName)
	l.bytes(schema.UserMacaddr, u.Macaddr)
	l.int32(schema.UserHWModel, u.HWModel)
	l.boolean(schema.UserIsLicensed, u.IsLicensed)
	l.int32(schema.UserRole, u.Role)
	return l.encode()
}

func MarshalPosition(p Position) []byte {
	var l fieldList
	l.fixed32(schema.PositionLatitudeI, uint32(p.LatitudeI))
	l.fixed32(schema.PositionLongitudeI, uint32(p.LongitudeI))
	l.int32(schema.PositionAltitude, p.Altitude)
	l.fixed32(schema.PositionTime, p.Time)
	return l.encode()
}

func MarshalTelemetry(t Telemetry) []byte {
	var l fieldList
	l.fixed32(schema.TelemetryTime, t.Time)
	if t.Device != nil {
		l.message(schema.TelemetryDevice, MarshalDeviceMetrics(*t.Device))
	}
	if t.Environment != nil {
		l.message(schema.TelemetryEnvironment, MarshalEnvironmentMetrics(*t.Environment))
	}
	return l.encode()
}

func MarshalDeviceMetrics(m DeviceMetrics) []byte {
	var l fieldList
	l.varint(schema.DeviceBatteryLevel, uint64(m.BatteryLevel))
	l.float(schema.DeviceVoltage, m.Voltage)
	l.float(schema.DeviceChannelUtilization, m.ChannelUtilization)
	l.float(schema.DeviceAirUtilTx, m.AirUtilTx)
	l.varint(schema.DeviceUptimeSeconds, uint64(m.UptimeSeconds))
	return l.encode()
}

func MarshalEnvironmentMetrics(m EnvironmentMetrics) []byte {
	var l fieldList
	l.float(schema.EnvTemperature, m.Temperature)
	l.float(schema.EnvRelativeHumidity, m.RelativeHumidity)
	l.float(schema.EnvBarometricPressure, m.BarometricPressure)
	l.float(schema.EnvGasResistance, m.GasResistance)
	l.float(schema.EnvVoltage, m.Voltage)
	l.float(schema.EnvCurrent, m.Current)
	l.varint(schema.EnvIAQ, uint64(m.IAQ))
	l.varint(schema.EnvWindDirection, uint64(m.WindDirection))
	l.float(schema.EnvWindSpeed, m.WindSpeed)
	return l.encode()
}

func MarshalRouteDiscovery(r RouteDiscovery) []byte {
	var l fieldList
	if len(r.Route) > 0 {
		l = append(l, tlv.PackFixed32(schema.RouteForward, r.Route))
	}
	if len(r.SNRTowards) > 0 {
		l = append(l, tlv.PackInt32(schema.RouteSNRForward, r.SNRTowards))
	}
	if len(r.RouteBack) > 0 {
		l = append(l, tlv.PackFixed32(schema.RouteBack, r.RouteBack))
	}
	if len(r.SNRBack) > 0 {
		l = append(l, tlv.PackInt32(schema.RouteSNRBack, r.SNRBack))
	}
	return l.encode()
}

func MarshalRouting(r Routing) []byte {
	var l fieldList
	l.int32(schema.RoutingErrorReason, int32(r.ErrorReason))
	return l.encode()
}

func MarshalChannel(c Channel) []byte {
	var l fieldList
	l.int32(schema.ChannelIndex, c.Index)
	var settings fieldList
	settings.str(schema.ChannelSettingsName, c.Name)
	l.message(schema.ChannelSettings, settings.encode())
	l.int32(schema.ChannelRole, int32(c.Role))
	return l.encode()
}

func MarshalDeviceMetadata(m DeviceMetadata) []byte {
	var l fieldList
	l.str(schema.MetadataFirmwareVersion, m.FirmwareVersion)
	l.int32(schema.MetadataRole, m.Role)
	l.int32(schema.MetadataHWModel, m.HWModel)
	return l.encode()
}

func MarshalQueueStatus(q QueueStatus) []byte {
	var l fieldList
	l.int32(schema.QueueRes, q.Res)
	l.varint(schema.QueueFree, uint64(q.Free))
	l.varint(schema.QueueMaxLen, uint64(q.MaxLen))
	l.varint(schema.QueueMeshPacketID, uint64(q.MeshPacketID))
	return l.encode()
}

// EncodeFrame wraps env in a FromRadio packet arm and frames it with default limits.
func EncodeFrame(env Envelope) ([]byte, error) {
	return EncodeFromRadio(FromRadio{Packet: &env}, frame.DefaultLimits())
}

func EncodeFromRadio(m FromRadio, limits frame.Limits) ([]byte, error) {
	return frame.Encode(MarshalFromRadio(m), limits)
}

func EncodeToRadio(m ToRadio, limits frame.Limits) ([]byte, error) {
	return frame.Encode(MarshalToRadio(m), limits)
}
