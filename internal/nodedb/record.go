package nodedb

import (
	"time"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/store"
)

// Record is everything known about one node. Records handed out by the DB are copies.
type Record struct {
	NodeID    uint32
	UserID    string
	ShortName string
	LongName  string
	HWModel   int32
	Role      int32

	LastHeard   time.Time
	Position    *protocol.Position
	Telemetry   *protocol.DeviceMetrics
	Environment *protocol.EnvironmentMetrics
	HopsAway    *uint32
	SNR         float32
	IsFavorite  bool

	IdentityAt    time.Time
	PositionAt    time.Time
	TelemetryAt   time.Time
	EnvironmentAt time.Time
}

// ID renders the node number the way radios print it.
func (r Record) ID() string { return protocol.NodeIDString(r.NodeID) }

// LastHeardAt reports when the node was last heard, if ever.
func (r Record) LastHeardAt() (time.Time, bool) {
	if r.LastHeard.IsZero() {
		return time.Time{}, false
	}
	return r.LastHeard, true
}

// DisplayName prefers the long name, then the short name, then the node id.
func (r Record) DisplayName() string {
	switch {
	case r.LongName != "":
		return r.LongName
	case r.ShortName != "":
		return r.ShortName
	default:
		return r.ID()
	}
}

func (r Record) Clone() Record {
	out := r
	if r.Position != nil {
		p := *r.Position
		out.Position = &p
	}
	if r.Telemetry != nil {
		t := *r.Telemetry
		out.Telemetry = &t
	}
	if r.Environment != nil {
		e := *r.Environment
		out.Environment = &e
	}
	if r.HopsAway != nil {
		h := *r.HopsAway
		out.HopsAway = &h
	}
	return out
}

func toStored(r Record) store.Node {
	n := store.Node{
		ID:         r.NodeID,
		UserID:     r.UserID,
		ShortName:  r.ShortName,
		LongName:   r.LongName,
		HWModel:    r.HWModel,
		Role:       r.Role,
		LastHeard:  r.LastHeard,
		HopsAway:   r.HopsAway,
		SNR:        r.SNR,
		IsFavorite: r.IsFavorite,
		Stamps: store.Stamps{
			Identity:    r.IdentityAt,
			Position:    r.PositionAt,
			Telemetry:   r.TelemetryAt,
			Environment: r.EnvironmentAt,
		},
	}
	if p := r.Position; p != nil {
		n.Position = &store.Position{LatitudeI: p.LatitudeI, LongitudeI: p.LongitudeI, Altitude: p.Altitude, Time: p.Time}
	}
	if d := r.Telemetry; d != nil {
		n.Device = &store.DeviceMetrics{
			BatteryLevel:       d.BatteryLevel,
			Voltage:            d.Voltage,
			ChannelUtilization: d.ChannelUtilization,
			AirUtilTx:          d.AirUtilTx,
			UptimeSeconds:      d.UptimeSeconds,
		}
	}
	if e := r.Environment; e != nil {
		em := store.EnvironmentMetrics(*e)
		n.Environment = &em
	}
	return n.Clone()
}

func fromStored(n store.Node) Record {
	n = n.Clone()
	r := Record{
		NodeID:        n.ID,
		UserID:        n.UserID,
		ShortName:     n.ShortName,
		LongName:      n.LongName,
		HWModel:       n.HWModel,
		Role:          n.Role,
		LastHeard:     n.LastHeard,
		HopsAway:      n.HopsAway,
		SNR:           n.SNR,
		IsFavorite:    n.IsFavorite,
		IdentityAt:    n.Stamps.Identity,
		PositionAt:    n.Stamps.Position,
		TelemetryAt:   n.Stamps.Telemetry,
		EnvironmentAt: n.Stamps.Environment,
	}
	if p := n.Position; p != nil {
		r.Position = &protocol.Position{LatitudeI: p.LatitudeI, LongitudeI: p.LongitudeI, Altitude: p.Altitude, Time: p.Time}
	}
	if d := n.Device; d != nil {
		r.Telemetry = &protocol.DeviceMetrics{
			BatteryLevel:       d.BatteryLevel,
			Voltage:            d.Voltage,
			ChannelUtilization: d.ChannelUtilization,
			AirUtilTx:          d.AirUtilTx,
			UptimeSeconds:      d.UptimeSeconds,
		}
	}
	if e := n.Environment; e != nil {
		em := protocol.EnvironmentMetrics(*e)
		r.Environment = &em
	}
	return r
}
