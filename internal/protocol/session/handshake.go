package session

import (
	"sort"
	"time"

	"github.com/danmuck/meshctl/internal/protocol"
)

// Handshake tracks the config fragments a radio streams back after want_config.
// Fragments may arrive in any order; the handshake completes once every required
// kind has been seen at least once.
type Handshake struct {
	WantConfigID uint32
	StartedAt    time.Time

	required map[protocol.Variant]struct{}
	seen     map[protocol.Variant]int

	MyNodeNum uint32
	Channels  []protocol.Channel
	Metadata  *protocol.DeviceMetadata
	Nodes     int
}

func NewHandshake(wantConfigID uint32, required []protocol.Variant, now time.Time) *Handshake {
	if len(required) == 0 {
		required = DefaultRequiredFragments()
	}
	h := &Handshake{
		WantConfigID: wantConfigID,
		StartedAt:    now,
		required:     make(map[protocol.Variant]struct{}, len(required)),
		seen:         make(map[protocol.Variant]int),
	}
	for _, v := range required {
		h.required[v] = struct{}{}
	}
	return h
}

// Observe records one FromRadio fragment and reports whether it counted. A
// config_complete for another want_config id is stale and ignored.
func (h *Handshake) Observe(msg protocol.FromRadio) (protocol.Variant, bool) {
	v := msg.Variant()
	switch v {
	case protocol.VariantNone, protocol.VariantPacket, protocol.VariantLogRecord, protocol.VariantQueueStatus:
		return v, false
	case protocol.VariantConfigComplete:
		if msg.ConfigCompleteID != h.WantConfigID {
			return v, false
		}
	case protocol.VariantMyInfo:
		h.MyNodeNum = msg.MyInfo.MyNodeNum
	case protocol.VariantChannel:
		h.Channels = upsertChannel(h.Channels, *msg.Channel)
	case protocol.VariantMetadata:
		md := *msg.Metadata
		h.Metadata = &md
	case protocol.VariantNodeInfo:
		h.Nodes++
	}
	h.seen[v]++
	return v, true
}

func (h *Handshake) Complete() bool {
	for v := range h.required {
		if h.seen[v] == 0 {
			return false
		}
	}
	return true
}

// Missing lists required kinds not yet seen, in wire order.
func (h *Handshake) Missing() []protocol.Variant {
	out := make([]protocol.Variant, 0, len(h.required))
	for v := range h.required {
		if h.seen[v] == 0 {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (h *Handshake) Seen(v protocol.Variant) int {
	return h.seen[v]
}

func upsertChannel(list []protocol.Channel, c protocol.Channel) []protocol.Channel {
	for i := range list {
		if list[i].Index == c.Index {
			list[i] = c
			return list
		}
	}
	list = append(list, c)
	sort.Slice(list, func(i, j int) bool { return list[i].Index < list[j].Index })
	return list
}
