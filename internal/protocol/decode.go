package protocol

import (
	"fmt"

	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/protocol/portnum"
	"github.com/danmuck/meshctl/internal/protocol/schema"
	"github.com/danmuck/meshctl/internal/protocol/tlv"
)

// scan decodes and validates the fields of one message. Any failure is ErrMalformed.
func scan(msg schema.Message, b []byte) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, msg, err)
	}
	if err := schema.Validate(msg, fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return fields, nil
}

// present keeps a zero-length sub-message distinguishable from an absent one.
func present(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// DecodeFrame decodes exactly one framed FromRadio message from b and returns its
// packet. Frames carrying any other arm are ErrMalformed.
func DecodeFrame(b []byte) (Envelope, error) {
	payload, _, err := frame.Decode(b, frame.DefaultLimits())
	if err != nil {
		return Envelope{}, err
	}
	m, err := UnmarshalFromRadio(payload)
	if err != nil {
		return Envelope{}, err
	}
	if m.Packet == nil {
		return Envelope{}, fmt.Errorf("%w: %w (variant=%s)", ErrMalformed, ErrMissingPacket, m.Variant())
	}
	return *m.Packet, nil
}

func UnmarshalFromRadio(b []byte) (FromRadio, error) {
	fields, err := scan(schema.MsgFromRadio, b)
	if err != nil {
		return FromRadio{}, err
	}
	var m FromRadio
	for _, f := range fields {
		switch f.Num {
		case schema.FromRadioID:
			m.ID = f.Uint32()
		case schema.FromRadioPacket:
			p, err := UnmarshalPacket(f.Value)
			if err != nil {
				return FromRadio{}, err
			}
			m.Packet = &p
		case schema.FromRadioMyInfo:
			mi, err := UnmarshalMyNodeInfo(f.Value)
			if err != nil {
				return FromRadio{}, err
			}
			m.MyInfo = &mi
		case schema.FromRadioNodeInfo:
			ni, err := UnmarshalNodeInfo(f.Value)
			if err != nil {
				return FromRadio{}, err
			}
			m.NodeInfo = &ni
		case schema.FromRadioConfig:
			m.Config = present(f.Value)
		case schema.FromRadioLogRecord:
			m.LogRecord = present(f.Value)
		case schema.FromRadioConfigCompleteID:
			m.ConfigCompleteID = f.Uint32()
		case schema.FromRadioRebooted:
			m.Rebooted = f.Bool()
		case schema.FromRadioModuleConfig:
			m.ModuleConfig = present(f.Value)
		case schema.FromRadioChannel:
			c, err := UnmarshalChannel(f.Value)
			if err != nil {
				return FromRadio{}, err
			}
			m.Channel = &c
		case schema.FromRadioQueueStatus:
			q, err := UnmarshalQueueStatus(f.Value)
			if err != nil {
				return FromRadio{}, err
			}
			m.QueueStatus = &q
		case schema.FromRadioMetadata:
			md, err := UnmarshalDeviceMetadata(f.Value)
			if err != nil {
				return FromRadio{}, err
			}
			m.Metadata = &md
		}
	}
	return m, nil
}

func UnmarshalToRadio(b []byte) (ToRadio, error) {
	fields, err := scan(schema.MsgToRadio, b)
	if err != nil {
		return ToRadio{}, err
	}
	var m ToRadio
	for _, f := range fields {
		switch f.Num {
		case schema.ToRadioPacket:
			p, err := UnmarshalPacket(f.Value)
			if err != nil {
				return ToRadio{}, err
			}
			m.Packet = &p
		case schema.ToRadioWantConfigID:
			m.WantConfigID = f.Uint32()
		case schema.ToRadioDisconnect:
			m.Disconnect = f.Bool()
		case schema.ToRadioHeartbeat:
			m.Heartbeat = true
		}
	}
	return m, nil
}

// UnmarshalPacket decodes a MeshPacket. The port is classified with the default
// registry; routers reclassify with their own.
func UnmarshalPacket(b []byte) (Envelope, error) {
	fields, err := scan(schema.MsgMeshPacket, b)
	if err != nil {
		return Envelope{}, err
	}
	var e Envelope
	var decoded []byte
	hasDecoded := false
	for _, f := range fields {
		switch f.Num {
		case schema.PacketFrom:
			e.From = f.Uint32()
		case schema.PacketTo:
			e.To = f.Uint32()
		case schema.PacketChannel:
			e.Channel = f.Uint32()
		case schema.PacketDecoded:
			decoded, hasDecoded = f.Value, true
		case schema.PacketEncrypted:
			e.Encrypted = f.Value
		case schema.PacketID:
			e.ID = f.Uint32()
		case schema.PacketRxTime:
			e.RxTime = f.Uint32()
		case schema.PacketRxSNR:
			e.RxSNR = f.Float32()
		case schema.PacketHopLimit:
			e.HopLimit = f.Uint32()
		case schema.PacketWantAck:
			e.WantAck = f.Bool()
		case schema.PacketPriority:
			e.Priority = f.Uint32()
		case schema.PacketRxRSSI:
			e.RxRSSI = f.Int32()
		case schema.PacketHopStart:
			e.HopStart = f.Uint32()
		}
	}
	if !hasDecoded {
		if len(e.Encrypted) == 0 {
			return Envelope{}, fmt.Errorf("%w: packet %d has neither decoded nor encrypted payload", ErrMalformed, e.ID)
		}
		return e, nil
	}
	e.Encrypted = nil
	if err := unmarshalData(decoded, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func unmarshalData(b []byte, e *Envelope) error {
	fields, err := scan(schema.MsgData, b)
	if err != nil {
		return err
	}
	e.Port = portnum.Classify(0)
	for _, f := range fields {
		switch f.Num {
		case schema.DataPortnum:
			e.Port = portnum.Classify(int64(f.Scalar))
		case schema.DataPayload:
			e.Payload = f.Value
		case schema.DataWantResponse:
			e.WantResponse = f.Bool()
		case schema.DataDest:
			e.Dest = f.Uint32()
		case schema.DataSource:
			e.Source = f.Uint32()
		case schema.DataRequestID:
			e.RequestID = f.Uint32()
		case schema.DataReplyID:
			e.ReplyID = f.Uint32()
		case schema.DataEmoji:
			e.Emoji = f.Uint32()
		}
	}
	return nil
}

func UnmarshalMyNodeInfo(b []byte) (MyNodeInfo, error) {
	fields, err := scan(schema.MsgMyNodeInfo, b)
	if err != nil {
		return MyNodeInfo{}, err
	}
	f, _ := tlv.GetField(fields, schema.MyInfoNodeNum)
	return MyNodeInfo{MyNodeNum: f.Uint32()}, nil
}

func UnmarshalNodeInfo(b []byte) (NodeInfo, error) {
	fields, err := scan(schema.MsgNodeInfo, b)
	if err != nil {
		return NodeInfo{}, err
	}
	var n NodeInfo
	for _, f := range fields {
		switch f.Num {
		case schema.NodeNum:
			n.Num = f.Uint32()
		case schema.NodeUser:
			u, err := UnmarshalUser(f.Value)
			if err != nil {
				return NodeInfo{}, err
			}
			n.User = &u
		case schema.NodePosition:
			p, err := UnmarshalPosition(f.Value)
			if err != nil {
				return NodeInfo{}, err
			}
			n.Position = &p
		case schema.NodeSNR:
			n.SNR = f.Float32()
		case schema.NodeLastHeard:
			n.LastHeard = f.Uint32()
		case schema.NodeDeviceMetrics:
			dm, err := UnmarshalDeviceMetrics(f.Value)
			if err != nil {
				return NodeInfo{}, err
			}
			n.DeviceMetrics = &dm
		case schema.NodeChannel:
			n.Channel = f.Uint32()
		case schema.NodeHopsAway:
			n.HopsAway = f.Uint32()
		case schema.NodeIsFavorite:
			n.IsFavorite = f.Bool()
		}
	}
	return n, nil
}

func UnmarshalUser(b []byte) (User, error) {
	fields, err := scan(schema.MsgUser, b)
	if err != nil {
		return User{}, err
	}
	var u User
	for _, f := range fields {
		switch f.Num {
		case schema.UserID:
			u.ID = f.Str()
		case schema.UserLongName:
			u.LongName = f.Str()
		case schema.UserShortName:
			u.ShortName = f.Str()
		case schema.UserMacaddr:
			u.Macaddr = f.Value
		case schema.UserHWModel:
			u.HWModel = f.Int32()
		case schema.UserIsLicensed:
			u.IsLicensed = f.Bool()
		case schema.UserRole:
			u.Role = f.Int32()
		}
	}
	return u, nil
}

func UnmarshalPosition(b []byte) (Position, error) {
	fields, err := scan(schema.MsgPosition, b)
	if err != nil {
		return Position{}, err
	}
	var p Position
	for _, f := range fields {
		switch f.Num {
		case schema.PositionLatitudeI:
			p.LatitudeI = int32(f.Uint32())
		case schema.PositionLongitudeI:
			p.LongitudeI = int32(f.Uint32())
		case schema.PositionAltitude:
			p.Altitude = f.Int32()
		case schema.PositionTime:
			p.Time = f.Uint32()
		}
	}
	return p, nil
}

func UnmarshalTelemetry(b []byte) (Telemetry, error) {
	fields, err := scan(schema.MsgTelemetry, b)
	if err != nil {
		return Telemetry{}, err
	}
	var t Telemetry
	for _, f := range fields {
		switch f.Num {
		case schema.TelemetryTime:
			t.Time = f.Uint32()
		case schema.TelemetryDevice:
			dm, err := UnmarshalDeviceMetrics(f.Value)
			if err != nil {
				return Telemetry{}, err
			}
			t.Device = &dm
		case schema.TelemetryEnvironment:
			em, err := UnmarshalEnvironmentMetrics(f.Value)
			if err != nil {
				return Telemetry{}, err
			}
			t.Environment = &em
		}
	}
	return t, nil
}

func UnmarshalDeviceMetrics(b []byte) (DeviceMetrics, error) {
	fields, err := scan(schema.MsgDeviceMetrics, b)
	if err != nil {
		return DeviceMetrics{}, err
	}
	var m DeviceMetrics
	for _, f := range fields {
		switch f.Num {
		case schema.DeviceBatteryLevel:
			m.BatteryLevel = f.Uint32()
		case schema.DeviceVoltage:
			m.Voltage = f.Float32()
		case schema.DeviceChannelUtilization:
			m.ChannelUtilization = f.Float32()
		case schema.DeviceAirUtilTx:
			m.AirUtilTx = f.Float32()
		case schema.DeviceUptimeSeconds:
			m.UptimeSeconds = f.Uint32()
		}
	}
	return m, nil
}

func UnmarshalEnvironmentMetrics(b []byte) (EnvironmentMetrics, error) {
	fields, err := scan(schema.MsgEnvironmentMetrics, b)
	if err != nil {
		return EnvironmentMetrics{}, err
	}
	var m EnvironmentMetrics
	for _, f := range fields {
		switch f.Num {
		case schema.EnvTemperature:
			m.Temperature = f.Float32()
		case schema.EnvRelativeHumidity:
			m.RelativeHumidity = f.Float32()
		case schema.EnvBarometricPressure:
			m.BarometricPressure = f.Float32()
		case schema.EnvGasResistance:
			m.GasResistance = f.Float32()
		case schema.EnvVoltage:
			m.Voltage = f.Float32()
		case schema.EnvCurrent:
			m.Current = f.Float32()
		case schema.EnvIAQ:
			m.IAQ = f.Uint32()
		case schema.EnvWindDirection:
			m.WindDirection = f.Uint32()
		case schema.EnvWindSpeed:
			m.WindSpeed = f.Float32()
		}
	}
	return m, nil
}

func UnmarshalRouteDiscovery(b []byte) (RouteDiscovery, error) {
	fields, err := scan(schema.MsgRouteDiscovery, b)
	if err != nil {
		return RouteDiscovery{}, err
	}
	var r RouteDiscovery
	if r.Route, err = tlv.PackedFixed32(fields, schema.RouteForward); err != nil {
		return RouteDiscovery{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.SNRTowards, err = tlv.PackedInt32(fields, schema.RouteSNRForward); err != nil {
		return RouteDiscovery{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.RouteBack, err = tlv.PackedFixed32(fields, schema.RouteBack); err != nil {
		return RouteDiscovery{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.SNRBack, err = tlv.PackedInt32(fields, schema.RouteSNRBack); err != nil {
		return RouteDiscovery{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return r, nil
}

func UnmarshalRouting(b []byte) (Routing, error) {
	fields, err := scan(schema.MsgRouting, b)
	if err != nil {
		return Routing{}, err
	}
	f, _ := tlv.GetField(fields, schema.RoutingErrorReason)
	return Routing{ErrorReason: RoutingReason(f.Int32())}, nil
}

func UnmarshalChannel(b []byte) (Channel, error) {
	fields, err := scan(schema.MsgChannel, b)
	if err != nil {
		return Channel{}, err
	}
	var c Channel
	for _, f := range fields {
		switch f.Num {
		case schema.ChannelIndex:
			c.Index = f.Int32()
		case schema.ChannelRole:
			c.Role = ChannelRole(f.Int32())
		case schema.ChannelSettings:
			settings, err := tlv.DecodeFields(f.Value)
			if err != nil {
				return Channel{}, fmt.Errorf("%w: channel settings: %v", ErrMalformed, err)
			}
			if name, ok := tlv.GetField(settings, schema.ChannelSettingsName); ok && name.Type == tlv.TypeBytes {
				c.Name = name.Str()
			}
		}
	}
	return c, nil
}

func UnmarshalDeviceMetadata(b []byte) (DeviceMetadata, error) {
	fields, err := scan(schema.MsgDeviceMetadata, b)
	if err != nil {
		return DeviceMetadata{}, err
	}
	var m DeviceMetadata
	for _, f := range fields {
		switch f.Num {
		case schema.MetadataFirmwareVersion:
			m.FirmwareVersion = f.Str()
		case schema.MetadataRole:
			m.Role = f.Int32()
		case schema.MetadataHWModel:
			m.HWModel = f.Int32()
		}
	}
	return m, nil
}

func UnmarshalQueueStatus(b []byte) (QueueStatus, error) {
	fields, err := scan(schema.MsgQueueStatus, b)
	if err != nil {
		return QueueStatus{}, err
	}
	var q QueueStatus
	for _, f := range fields {
		switch f.Num {
		case schema.QueueRes:
			q.Res = f.Int32()
		case schema.QueueFree:
			q.Free = f.Uint32()
		case schema.QueueMaxLen:
			q.MaxLen = f.Uint32()
		case schema.QueueMeshPacketID:
			q.MeshPacketID = f.Uint32()
		}
	}
	return q, nil
}
