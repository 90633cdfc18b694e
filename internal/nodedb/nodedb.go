// Package nodedb reconciles node sightings into one record per node.
//
// Ownership boundary:
// - node records keyed by node number
// - field-level last-writer-wins keyed by payload timestamps
// - persistence through a store.Store and change notification
//
// Each field category (identity, position, device telemetry, environment) has its
// own freshness stamp. An update applies only when its timestamp is >= the stored
// stamp; older updates are absorbed without error. LastHeard only moves forward.
package nodedb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/store"
	"github.com/rs/zerolog/log"
)

var ErrUnknownNode = errors.New("nodedb: unknown node")

// Source is packet-level context for one update.
type Source struct {
	RxTime   uint32
	SNR      float32
	HopsAway *uint32
}

// SourceOf extracts update context from the envelope that carried a payload.
func SourceOf(env protocol.Envelope) Source {
	src := Source{RxTime: env.RxTime, SNR: env.RxSNR}
	if h, ok := env.HopsAway(); ok {
		src.HopsAway = &h
	}
	return src
}

type ChangeKind uint8

const (
	Created ChangeKind = iota + 1
	Updated
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("change(%d)", uint8(k))
	}
}

// Change is published to subscribers after a record is created, updated or deleted.
type Change struct {
	Kind   ChangeKind
	Record Record
}

type subscriber struct {
	ch chan Change
}

// DB holds every node record. One mutex guards the whole structure, including
// the store write for each change.
type DB struct {
	mu      sync.Mutex
	nodes   map[uint32]*Record
	store   store.Store
	now     func() time.Time
	subs    map[int]*subscriber
	nextSub int
	dropped uint64
}

// New builds an empty database persisting through st. A nil st keeps records in memory only.
func New(st store.Store) *DB {
	if st == nil {
		st = store.NewMemoryStore()
	}
	return &DB{
		nodes: make(map[uint32]*Record),
		store: st,
		now:   time.Now,
		subs:  make(map[int]*subscriber),
	}
}

func (db *DB) SetClock(now func() time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.now = now
}

// Load replaces the in-memory records with the store's contents.
func (db *DB) Load(ctx context.Context) (int, error) {
	nodes, err := db.store.LoadNodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("nodedb: load: %w", err)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nodes = make(map[uint32]*Record, len(nodes))
	for _, n := range nodes {
		r := fromStored(n)
		db.nodes[r.NodeID] = &r
	}
	log.Info().Int("nodes", len(nodes)).Msg("nodedb loaded")
	return len(nodes), nil
}

// stamp resolves the update timestamp: payload time, then rx_time, then arrival.
func (db *DB) stamp(payloadTime uint32, src Source) time.Time {
	switch {
	case payloadTime != 0:
		return time.Unix(int64(payloadTime), 0).UTC()
	case src.RxTime != 0:
		return time.Unix(int64(src.RxTime), 0).UTC()
	default:
		return db.now().UTC()
	}
}

// ApplyNodeInfo merges a node-info record, as sent by the radio during the
// handshake or relayed later.
func (db *DB) ApplyNodeInfo(ctx context.Context, nodeID uint32, info protocol.NodeInfo, src Source) (Record, error) {
	if info.SNR != 0 {
		src.SNR = info.SNR
	}
	if info.HopsAway != 0 || src.HopsAway == nil {
		h := info.HopsAway
		src.HopsAway = &h
	}
	// without last_heard or rx_time the entry is undated: it fills empty fields but
	// never overrides dated data or advances LastHeard
	var ts time.Time
	if info.LastHeard != 0 || src.RxTime != 0 {
		ts = db.stamp(info.LastHeard, src)
	}
	return db.apply(ctx, nodeID, func(r *Record) bool {
		changed := db.heardLocked(r, ts, src)
		if info.User != nil && !ts.Before(r.IdentityAt) {
			changed = setIdentity(r, *info.User, ts) || changed
			if r.IsFavorite != info.IsFavorite {
				r.IsFavorite = info.IsFavorite
				changed = true
			}
		}
		if info.Position != nil {
			posAt := ts
			if info.Position.Time != 0 {
				posAt = time.Unix(int64(info.Position.Time), 0).UTC()
			}
			changed = setPosition(r, *info.Position, posAt) || changed
		}
		if info.DeviceMetrics != nil {
			changed = setDevice(r, *info.DeviceMetrics, ts) || changed
		}
		return changed
	})
}

// ApplyPosition merges a position report.
func (db *DB) ApplyPosition(ctx context.Context, nodeID uint32, pos protocol.Position, src Source) (Record, error) {
	return db.apply(ctx, nodeID, func(r *Record) bool {
		ts := db.stamp(pos.Time, src)
		changed := db.heardLocked(r, ts, src)
		return setPosition(r, pos, ts) || changed
	})
}

// ApplyTelemetry merges device and environment metrics. Each is stamped separately.
func (db *DB) ApplyTelemetry(ctx context.Context, nodeID uint32, tel protocol.Telemetry, src Source) (Record, error) {
	return db.apply(ctx, nodeID, func(r *Record) bool {
		ts := db.stamp(tel.Time, src)
		changed := db.heardLocked(r, ts, src)
		if tel.Device != nil {
			changed = setDevice(r, *tel.Device, ts) || changed
		}
		if tel.Environment != nil && !ts.Before(r.EnvironmentAt) {
			env := *tel.Environment
			r.Environment = &env
			r.EnvironmentAt = ts
			changed = true
		}
		return changed
	})
}

// ApplyUserSighting merges a user broadcast (the NODEINFO port payload). User
// payloads carry no timestamp, so the packet rx_time or arrival time keys it.
func (db *DB) ApplyUserSighting(ctx context.Context, nodeID uint32, user protocol.User, src Source) (Record, error) {
	return db.apply(ctx, nodeID, func(r *Record) bool {
		ts := db.stamp(0, src)
		changed := db.heardLocked(r, ts, src)
		if !ts.Before(r.IdentityAt) {
			changed = setIdentity(r, user, ts) || changed
		}
		return changed
	})
}

// Heard records that a packet from nodeID arrived, without any payload to merge.
func (db *DB) Heard(ctx context.Context, nodeID uint32, src Source) (Record, error) {
	return db.apply(ctx, nodeID, func(r *Record) bool {
		return db.heardLocked(r, db.stamp(0, src), src)
	})
}

// SetFavorite flips the favorite flag on a known node.
func (db *DB) SetFavorite(ctx context.Context, nodeID uint32, favorite bool) (Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cur, ok := db.nodes[nodeID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownNode, protocol.NodeIDString(nodeID))
	}
	if cur.IsFavorite == favorite {
		return cur.Clone(), nil
	}
	next := cur.Clone()
	next.IsFavorite = favorite
	if err := db.store.UpsertNode(ctx, toStored(next)); err != nil {
		return cur.Clone(), fmt.Errorf("nodedb: persist %s: %w", cur.ID(), err)
	}
	db.nodes[nodeID] = &next
	db.publishLocked(Change{Kind: Updated, Record: next.Clone()})
	return next.Clone(), nil
}

// Delete removes a node. It is never called from packet handling.
func (db *DB) Delete(ctx context.Context, nodeID uint32) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.nodes[nodeID]
	if !ok {
		return false, nil
	}
	if err := db.store.DeleteNode(ctx, nodeID); err != nil {
		return false, fmt.Errorf("nodedb: delete %s: %w", r.ID(), err)
	}
	delete(db.nodes, nodeID)
	db.publishLocked(Change{Kind: Deleted, Record: r.Clone()})
	log.Info().Str("node", r.ID()).Msg("nodedb node deleted")
	return true, nil
}

func (db *DB) Get(nodeID uint32) (Record, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.nodes[nodeID]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// Snapshot returns copies of every record, most recently heard first.
func (db *DB) Snapshot() []Record {
	db.mu.Lock()
	out := make([]Record, 0, len(db.nodes))
	for _, r := range db.nodes {
		out = append(out, r.Clone())
	}
	db.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastHeard.Equal(out[j].LastHeard) {
			return out[i].LastHeard.After(out[j].LastHeard)
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

func (db *DB) Len() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.nodes)
}

// Subscribe returns a change feed with the given buffer. Sends never block; changes
// that do not fit are dropped and counted. Call cancel to release the feed.
func (db *DB) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	id := db.nextSub
	db.nextSub++
	sub := &subscriber{ch: make(chan Change, buffer)}
	db.subs[id] = sub
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			db.mu.Lock()
			defer db.mu.Unlock()
			delete(db.subs, id)
			close(sub.ch)
		})
	}
}

// Dropped counts changes discarded because a subscriber was full.
func (db *DB) Dropped() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.dropped
}

// apply merges into a copy and commits it only once the store has accepted it, so
// memory, the store and subscribers never disagree.
func (db *DB) apply(ctx context.Context, nodeID uint32, merge func(*Record) bool) (Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cur, exists := db.nodes[nodeID]
	next := Record{NodeID: nodeID}
	if exists {
		next = cur.Clone()
	}
	changed := merge(&next)
	if exists && !changed {
		return next, nil
	}
	if err := db.store.UpsertNode(ctx, toStored(next)); err != nil {
		prev := Record{}
		if exists {
			prev = cur.Clone()
		}
		return prev, fmt.Errorf("nodedb: persist %s: %w", next.ID(), err)
	}
	kind := Updated
	if !exists {
		kind = Created
		log.Debug().Str("node", next.ID()).Msg("nodedb node created")
	}
	db.nodes[nodeID] = &next
	db.publishLocked(Change{Kind: kind, Record: next.Clone()})
	return next.Clone(), nil
}

func (db *DB) publishLocked(c Change) {
	for _, sub := range db.subs {
		select {
		case sub.ch <- c:
		default:
			db.dropped++
		}
	}
}

// heardLocked advances LastHeard and refreshes link quality from fresher packets.
func (db *DB) heardLocked(r *Record, ts time.Time, src Source) bool {
	changed := false
	if ts.Before(r.LastHeard) {
		return false
	}
	if ts.After(r.LastHeard) {
		r.LastHeard = ts
		changed = true
	}
	if src.SNR != 0 && src.SNR != r.SNR {
		r.SNR = src.SNR
		changed = true
	}
	if src.HopsAway != nil && (r.HopsAway == nil || *r.HopsAway != *src.HopsAway) {
		h := *src.HopsAway
		r.HopsAway = &h
		changed = true
	}
	return changed
}

func setIdentity(r *Record, u protocol.User, ts time.Time) bool {
	changed := !ts.Equal(r.IdentityAt) ||
		r.UserID != u.ID || r.ShortName != u.ShortName || r.LongName != u.LongName ||
		r.HWModel != u.HWModel || r.Role != u.Role
	r.UserID = u.ID
	r.ShortName = u.ShortName
	r.LongName = u.LongName
	r.HWModel = u.HWModel
	r.Role = u.Role
	r.IdentityAt = ts
	return changed
}

func setPosition(r *Record, p protocol.Position, ts time.Time) bool {
	if ts.Before(r.PositionAt) {
		return false
	}
	changed := r.Position == nil || *r.Position != p || !ts.Equal(r.PositionAt)
	pos := p
	r.Position = &pos
	r.PositionAt = ts
	return changed
}

func setDevice(r *Record, d protocol.DeviceMetrics, ts time.Time) bool {
	if ts.Before(r.TelemetryAt) {
		return false
	}
	changed := r.Telemetry == nil || *r.Telemetry != d || !ts.Equal(r.TelemetryAt)
	dm := d
	r.Telemetry = &dm
	r.TelemetryAt = ts
	return changed
}
