package server

import (
	"time"

	"github.com/danmuck/meshctl/internal/correlator"
	"github.com/danmuck/meshctl/internal/nodedb"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/session"
)

type positionView struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  int32   `json:"altitude"`
	Time      uint32  `json:"time,omitempty"`
}

type deviceView struct {
	BatteryLevel       uint32  `json:"battery_level"`
	Voltage            float32 `json:"voltage"`
	ChannelUtilization float32 `json:"channel_utilization"`
	AirUtilTx          float32 `json:"air_util_tx"`
	UptimeSeconds      uint32  `json:"uptime_seconds"`
}

type environmentView struct {
	Temperature        float32 `json:"temperature"`
	RelativeHumidity   float32 `json:"relative_humidity"`
	BarometricPressure float32 `json:"barometric_pressure"`
	GasResistance      float32 `json:"gas_resistance"`
	IAQ                uint32  `json:"iaq"`
	WindDirection      uint32  `json:"wind_direction"`
	WindSpeed          float32 `json:"wind_speed"`
}

type nodeView struct {
	Num         uint32           `json:"num"`
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	ShortName   string           `json:"short_name,omitempty"`
	LongName    string           `json:"long_name,omitempty"`
	HWModel     int32            `json:"hw_model,omitempty"`
	LastHeard   *time.Time       `json:"last_heard,omitempty"`
	HopsAway    *uint32          `json:"hops_away,omitempty"`
	SNR         float32          `json:"snr"`
	Favorite    bool             `json:"favorite"`
	Position    *positionView    `json:"position,omitempty"`
	Device      *deviceView      `json:"device,omitempty"`
	Environment *environmentView `json:"environment,omitempty"`
}

func newNodeView(r nodedb.Record) nodeView {
	v := nodeView{
		Num:       r.NodeID,
		ID:        r.ID(),
		Name:      r.DisplayName(),
		ShortName: r.ShortName,
		LongName:  r.LongName,
		HWModel:   r.HWModel,
		HopsAway:  r.HopsAway,
		SNR:       r.SNR,
		Favorite:  r.IsFavorite,
	}
	if at, ok := r.LastHeardAt(); ok {
		v.LastHeard = &at
	}
	if p := r.Position; p != nil {
		v.Position = &positionView{Latitude: p.Latitude(), Longitude: p.Longitude(), Altitude: p.Altitude, Time: p.Time}
	}
	if d := r.Telemetry; d != nil {
		v.Device = &deviceView{
			BatteryLevel:       d.BatteryLevel,
			Voltage:            d.Voltage,
			ChannelUtilization: d.ChannelUtilization,
			AirUtilTx:          d.AirUtilTx,
			UptimeSeconds:      d.UptimeSeconds,
		}
	}
	if e := r.Environment; e != nil {
		v.Environment = &environmentView{
			Temperature:        e.Temperature,
			RelativeHumidity:   e.RelativeHumidity,
			BarometricPressure: e.BarometricPressure,
			GasResistance:      e.GasResistance,
			IAQ:                e.IAQ,
			WindDirection:      e.WindDirection,
			WindSpeed:          e.WindSpeed,
		}
	}
	return v
}

type sessionView struct {
	ID                string    `json:"id,omitempty"`
	State             string    `json:"state"`
	Device            string    `json:"device,omitempty"`
	MyNode            string    `json:"my_node,omitempty"`
	Firmware          string    `json:"firmware,omitempty"`
	Channels          []string  `json:"channels"`
	SynchronizedAt    time.Time `json:"synchronized_at,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	DroppedBuffered   int       `json:"dropped_buffered"`
	LastError         string    `json:"last_error,omitempty"`
}

func newSessionView(s session.Session) sessionView {
	v := sessionView{
		ID:                s.ID,
		State:             s.State.String(),
		Device:            s.DeviceID,
		SynchronizedAt:    s.SynchronizedAt,
		ReconnectAttempts: s.ReconnectAttempts,
		DroppedBuffered:   s.DroppedBuffered,
		LastError:         s.LastError,
		Channels:          make([]string, 0, len(s.Channels)),
	}
	if s.MyNodeNum != 0 {
		v.MyNode = protocol.NodeIDString(s.MyNodeNum)
	}
	if s.Metadata != nil {
		v.Firmware = s.Metadata.FirmwareVersion
	}
	for _, ch := range s.Channels {
		v.Channels = append(v.Channels, ch.Name)
	}
	return v
}

type pendingView struct {
	RequestID uint32    `json:"request_id"`
	Port      string    `json:"port"`
	IssuedAt  time.Time `json:"issued_at"`
	Deadline  time.Time `json:"deadline"`
}

func newPendingView(p correlator.Pending) pendingView {
	return pendingView{RequestID: p.RequestID, Port: p.Port.String(), IssuedAt: p.IssuedAt, Deadline: p.Deadline}
}

// replyView summarizes a completed request for command responses.
type replyView struct {
	RequestID uint32 `json:"request_id"`
	From      string `json:"from,omitempty"`
	Port      string `json:"port,omitempty"`
	Route     string `json:"route,omitempty"`
}
