package nodedb

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/store"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

const (
	t1 uint32 = 1_700_000_000
	t2 uint32 = 1_700_000_600
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db := New(store.NewMemoryStore())
	db.SetClock(func() time.Time { return time.Unix(int64(t1)-3600, 0) })
	return db
}

func nodeInfo(num uint32, heard uint32, long string) protocol.NodeInfo {
	return protocol.NodeInfo{
		Num:       num,
		LastHeard: heard,
		User:      &protocol.User{ID: protocol.NodeIDString(num), LongName: long, ShortName: long[:2]},
	}
}

func TestNewerNodeInfoWinsRegardlessOfArrivalOrder(t *testing.T) {
	testlog.Start(t)
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.ApplyNodeInfo(ctx, 0x42, nodeInfo(0x42, t2, "Newer Name"), Source{}); err != nil {
		t.Fatalf("apply t2: %v", err)
	}
	rec, err := db.ApplyNodeInfo(ctx, 0x42, nodeInfo(0x42, t1, "Older Name"), Source{})
	if err != nil {
		t.Fatalf("stale update must not error: %v", err)
	}
	if rec.LongName != "Newer Name" || rec.ShortName != "Ne" {
		t.Fatalf("stale update overwrote names: %+v", rec)
	}
	if rec.LastHeard.Unix() != int64(t2) {
		t.Fatalf("last heard regressed to %v", rec.LastHeard)
	}
	if db.Len() != 1 {
		t.Fatalf("len=%d", db.Len())
	}
}

func TestLastHeardMonotonicAcrossShuffledUpdates(t *testing.T) {
	testlog.Start(t)
	db := newTestDB(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	var stamps []uint32
	for i := 0; i < 40; i++ {
		stamps = append(stamps, t1+uint32(i*30))
	}
	rng.Shuffle(len(stamps), func(i, j int) { stamps[i], stamps[j] = stamps[j], stamps[i] })

	var prev time.Time
	for i, ts := range stamps {
		var rec Record
		var err error
		switch i % 3 {
		case 0:
			rec, err = db.ApplyPosition(ctx, 9, protocol.Position{LatitudeI: int32(i), Time: ts}, Source{})
		case 1:
			rec, err = db.ApplyTelemetry(ctx, 9, protocol.Telemetry{Time: ts, Device: &protocol.DeviceMetrics{BatteryLevel: uint32(i)}}, Source{})
		default:
			rec, err = db.ApplyUserSighting(ctx, 9, protocol.User{LongName: "node nine"}, Source{RxTime: ts})
		}
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		if rec.LastHeard.Before(prev) {
			t.Fatalf("last heard went backwards at %d: %v < %v", i, rec.LastHeard, prev)
		}
		prev = rec.LastHeard
	}
	rec, _ := db.Get(9)
	if rec.LastHeard.Unix() != int64(t1+39*30) {
		t.Fatalf("last heard=%d", rec.LastHeard.Unix())
	}
}

func TestTimestampFallsBackToRxTimeThenArrival(t *testing.T) {
	testlog.Start(t)
	db := newTestDB(t)
	ctx := context.Background()

	rec, _ := db.ApplyPosition(ctx, 1, protocol.Position{LatitudeI: 1}, Source{RxTime: t1})
	if rec.PositionAt.Unix() != int64(t1) {
		t.Fatalf("position stamp=%v want rx_time", rec.PositionAt)
	}
	rec, _ = db.ApplyPosition(ctx, 2, protocol.Position{LatitudeI: 1}, Source{})
	if rec.PositionAt.Unix() != int64(t1)-3600 {
		t.Fatalf("position stamp=%v want arrival", rec.PositionAt)
	}
}

func TestTelemetryCategoriesStampedIndependently(t *testing.T) {
	testlog.Start(t)
	db := newTestDB(t)
	ctx := context.Background()

	_, _ = db.ApplyTelemetry(ctx, 5, protocol.Telemetry{
		Time:        t2,
		Environment: &protocol.EnvironmentMetrics{Temperature: 20},
	}, Source{})
	rec, _ := db.ApplyTelemetry(ctx, 5, protocol.Telemetry{
		Time:   t1,
		Device: &protocol.DeviceMetrics{BatteryLevel: 88},
	}, Source{})
	if rec.Telemetry == nil || rec.Telemetry.BatteryLevel != 88 {
		t.Fatalf("device metrics should apply to an empty category: %+v", rec.Telemetry)
	}
	rec, _ = db.ApplyTelemetry(ctx, 5, protocol.Telemetry{
		Time:        t1,
		Environment: &protocol.EnvironmentMetrics{Temperature: 5},
	}, Source{})
	if rec.Environment.Temperature != 20 {
		t.Fatalf("stale environment applied: %+v", rec.Environment)
	}
}

func TestSubscribeReceivesChangesAndCountsDrops(t *testing.T) {
	testlog.Start(t)
	db := newTestDB(t)
	ctx := context.Background()
	feed, cancel := db.Subscribe(1)
	defer cancel()

	_, _ = db.ApplyUserSighting(ctx, 3, protocol.User{LongName: "three"}, Source{RxTime: t1})
	_, _ = db.ApplyUserSighting(ctx, 3, protocol.User{LongName: "three b"}, Source{RxTime: t2})

	c := <-feed
	if c.Kind != Created || c.Record.NodeID != 3 {
		t.Fatalf("unexpected change: %+v", c)
	}
	if db.Dropped() != 1 {
		t.Fatalf("dropped=%d", db.Dropped())
	}

	// identical replay is absorbed without a change
	_, _ = db.ApplyUserSighting(ctx, 3, protocol.User{LongName: "three b"}, Source{RxTime: t2})
	select {
	case c := <-feed:
		t.Fatalf("duplicate produced a change: %+v", c)
	default:
	}
}

func TestFavoriteAndDeleteAreExplicit(t *testing.T) {
	testlog.Start(t)
	db := newTestDB(t)
	ctx := context.Background()
	if _, err := db.SetFavorite(ctx, 77, true); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
	_, _ = db.Heard(ctx, 77, Source{RxTime: t1, SNR: 6.5})
	rec, err := db.SetFavorite(ctx, 77, true)
	if err != nil || !rec.IsFavorite || rec.SNR != 6.5 {
		t.Fatalf("favorite rec=%+v err=%v", rec, err)
	}
	removed, err := db.Delete(ctx, 77)
	if err != nil || !removed {
		t.Fatalf("delete removed=%v err=%v", removed, err)
	}
	if _, ok := db.Get(77); ok {
		t.Fatalf("node still present")
	}
}

func TestLoadRestoresPersistedRecords(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nodes.yaml")

	db := New(store.NewFileStore(path))
	hops := uint32(1)
	if _, err := db.ApplyNodeInfo(ctx, 0xbeef, nodeInfo(0xbeef, t2, "Persisted"), Source{HopsAway: &hops}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	_, _ = db.ApplyTelemetry(ctx, 0xbeef, protocol.Telemetry{Time: t2, Environment: &protocol.EnvironmentMetrics{RelativeHumidity: 55}}, Source{})

	reloaded := New(store.NewFileStore(path))
	n, err := reloaded.Load(ctx)
	if err != nil || n != 1 {
		t.Fatalf("load n=%d err=%v", n, err)
	}
	rec, ok := reloaded.Get(0xbeef)
	if !ok || rec.LongName != "Persisted" || rec.Environment == nil || rec.Environment.RelativeHumidity != 55 {
		t.Fatalf("reloaded rec=%+v", rec)
	}
	if at, ok := rec.LastHeardAt(); !ok || at.Unix() != int64(t2) {
		t.Fatalf("last heard at=%v ok=%v", at, ok)
	}

	// restored stamps still gate stale updates
	rec, _ = reloaded.ApplyNodeInfo(ctx, 0xbeef, nodeInfo(0xbeef, t1, "Stale"), Source{})
	if rec.LongName != "Persisted" {
		t.Fatalf("stale update applied after reload: %+v", rec)
	}
}

type failingStore struct {
	store.Store
	fail bool
}

var errDiskFull = errors.New("disk full")

func (s *failingStore) UpsertNode(ctx context.Context, n store.Node) error {
	if s.fail {
		return errDiskFull
	}
	return s.Store.UpsertNode(ctx, n)
}

func (s *failingStore) DeleteNode(ctx context.Context, id uint32) error {
	if s.fail {
		return errDiskFull
	}
	return s.Store.DeleteNode(ctx, id)
}

func TestStoreFailureLeavesRecordUnchanged(t *testing.T) {
	testlog.Start(t)
	st := &failingStore{Store: store.NewMemoryStore()}
	db := New(st)
	ctx := context.Background()
	if _, err := db.ApplyNodeInfo(ctx, 0x42, nodeInfo(0x42, t1, "Before"), Source{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	changes, cancel := db.Subscribe(8)
	defer cancel()

	st.fail = true
	rec, err := db.ApplyNodeInfo(ctx, 0x42, nodeInfo(0x42, t2, "After"), Source{})
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("expected store error, got %v", err)
	}
	if rec.LongName != "Before" {
		t.Fatalf("returned uncommitted record: %+v", rec)
	}
	if got, _ := db.Get(0x42); got.LongName != "Before" || got.LastHeard.Unix() != int64(t1) {
		t.Fatalf("memory diverged from store: %+v", got)
	}
	if _, err := db.Heard(ctx, 0x99, Source{RxTime: t2}); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected store error, got %v", err)
	}
	if _, ok := db.Get(0x99); ok {
		t.Fatalf("unpersisted node was created")
	}
	if _, err := db.SetFavorite(ctx, 0x42, true); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected store error, got %v", err)
	}
	if removed, err := db.Delete(ctx, 0x42); removed || !errors.Is(err, errDiskFull) {
		t.Fatalf("delete removed=%v err=%v", removed, err)
	}
	if got, ok := db.Get(0x42); !ok || got.IsFavorite {
		t.Fatalf("record after failed writes: %+v ok=%v", got, ok)
	}
	select {
	case c := <-changes:
		t.Fatalf("change published for failed write: %+v", c)
	default:
	}

	st.fail = false
	rec, err = db.ApplyNodeInfo(ctx, 0x42, nodeInfo(0x42, t2, "After"), Source{})
	if err != nil || rec.LongName != "After" {
		t.Fatalf("retry rec=%+v err=%v", rec, err)
	}
	if c := <-changes; c.Kind != Updated || c.Record.LongName != "After" {
		t.Fatalf("change=%+v", c)
	}
}

func TestUndatedNodeInfoDoesNotOverrideDatedData(t *testing.T) {
	testlog.Start(t)
	db := newTestDB(t)
	ctx := context.Background()
	if _, err := db.ApplyNodeInfo(ctx, 0x42, nodeInfo(0x42, t2, "Fresh"), Source{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	rec, err := db.ApplyNodeInfo(ctx, 0x42, nodeInfo(0x42, 0, "Replayed"), Source{})
	if err != nil {
		t.Fatalf("undated apply: %v", err)
	}
	if rec.LongName != "Fresh" {
		t.Fatalf("undated entry won identity: %+v", rec)
	}
	if rec.LastHeard.Unix() != int64(t2) {
		t.Fatalf("last heard moved to %v", rec.LastHeard)
	}

	rec, err = db.ApplyNodeInfo(ctx, 0x43, nodeInfo(0x43, 0, "Unknown Age"), Source{})
	if err != nil {
		t.Fatalf("apply new: %v", err)
	}
	if rec.LongName != "Unknown Age" || !rec.LastHeard.IsZero() {
		t.Fatalf("undated new node rec=%+v", rec)
	}
	rec, _ = db.ApplyNodeInfo(ctx, 0x43, nodeInfo(0x43, t1, "Dated"), Source{})
	if rec.LongName != "Dated" || rec.LastHeard.Unix() != int64(t1) {
		t.Fatalf("dated update after undated rec=%+v", rec)
	}
}
