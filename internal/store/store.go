// Package store persists node records between client runs.
package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the persistence boundary for the node database.
type Store interface {
	LoadNodes(ctx context.Context) ([]Node, error)
	UpsertNode(ctx context.Context, n Node) error
	DeleteNode(ctx context.Context, id uint32) error
}

// Node is the persisted form of one node record.
type Node struct {
	ID          uint32              `yaml:"id"`
	UserID      string              `yaml:"user_id,omitempty"`
	ShortName   string              `yaml:"short_name,omitempty"`
	LongName    string              `yaml:"long_name,omitempty"`
	HWModel     int32               `yaml:"hw_model,omitempty"`
	Role        int32               `yaml:"role,omitempty"`
	LastHeard   time.Time           `yaml:"last_heard"`
	HopsAway    *uint32             `yaml:"hops_away,omitempty"`
	SNR         float32             `yaml:"snr,omitempty"`
	IsFavorite  bool                `yaml:"is_favorite,omitempty"`
	Position    *Position           `yaml:"position,omitempty"`
	Device      *DeviceMetrics      `yaml:"device_metrics,omitempty"`
	Environment *EnvironmentMetrics `yaml:"environment_metrics,omitempty"`
	Stamps      Stamps              `yaml:"stamps"`
}

// Stamps are the per-category freshness timestamps used for last-writer-wins.
type Stamps struct {
	Identity    time.Time `yaml:"identity,omitempty"`
	Position    time.Time `yaml:"position,omitempty"`
	Telemetry   time.Time `yaml:"telemetry,omitempty"`
	Environment time.Time `yaml:"environment,omitempty"`
}

type Position struct {
	LatitudeI  int32  `yaml:"latitude_i"`
	LongitudeI int32  `yaml:"longitude_i"`
	Altitude   int32  `yaml:"altitude,omitempty"`
	Time       uint32 `yaml:"time,omitempty"`
}

type DeviceMetrics struct {
	BatteryLevel       uint32  `yaml:"battery_level,omitempty"`
	Voltage            float32 `yaml:"voltage,omitempty"`
	ChannelUtilization float32 `yaml:"channel_utilization,omitempty"`
	AirUtilTx          float32 `yaml:"air_util_tx,omitempty"`
	UptimeSeconds      uint32  `yaml:"uptime_seconds,omitempty"`
}

type EnvironmentMetrics struct {
	Temperature        float32 `yaml:"temperature,omitempty"`
	RelativeHumidity   float32 `yaml:"relative_humidity,omitempty"`
	BarometricPressure float32 `yaml:"barometric_pressure,omitempty"`
	GasResistance      float32 `yaml:"gas_resistance,omitempty"`
	Voltage            float32 `yaml:"voltage,omitempty"`
	Current            float32 `yaml:"current,omitempty"`
	IAQ                uint32  `yaml:"iaq,omitempty"`
	WindDirection      uint32  `yaml:"wind_direction,omitempty"`
	WindSpeed          float32 `yaml:"wind_speed,omitempty"`
}

// Clone returns a deep copy.
func (n Node) Clone() Node {
	out := n
	if n.HopsAway != nil {
		h := *n.HopsAway
		out.HopsAway = &h
	}
	if n.Position != nil {
		p := *n.Position
		out.Position = &p
	}
	if n.Device != nil {
		d := *n.Device
		out.Device = &d
	}
	if n.Environment != nil {
		e := *n.Environment
		out.Environment = &e
	}
	return out
}

// MemoryStore keeps nodes in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[uint32]Node
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[uint32]Node)}
}

func (s *MemoryStore) LoadNodes(context.Context) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedNodes(s.nodes), nil
}

func (s *MemoryStore) UpsertNode(_ context.Context, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n.Clone()
	return nil
}

func (s *MemoryStore) DeleteNode(_ context.Context, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
	return nil
}

func sortedNodes(m map[uint32]Node) []Node {
	out := make([]Node, 0, len(m))
	for _, n := range m {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
