package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/rewired-gh/polyoracle/internal/models"
)

func newTestStorage(t *testing.T) *Store {
	t.Helper()
	s, err := New(100, ":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMarket(id int64, updatedAt time.Time) *models.Market {
	return &models.Market{
		MarketID:   id,
		YesTokenID: fmt.Sprintf("token-%d", id),
		Title:      "Test Market",
		TopicID:    "topic-1",
		ChainID:    "chain-1",
		UpdatedAt:  updatedAt,
	}
}

func TestStore_UpsertAndGetMarket(t *testing.T) {
	s := newTestStorage(t)
	m := testMarket(1, time.Now())

	if err := s.UpsertMarket(m); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}
	got, err := s.GetMarket(1)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got.MarketID != m.MarketID {
		t.Errorf("got id %d, want %d", got.MarketID, m.MarketID)
	}
}

func TestStore_GetMarket_NotFound(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.GetMarket(999); err == nil {
		t.Error("expected error for missing market")
	}
}

func TestStore_UpsertMarket_Update(t *testing.T) {
	s := newTestStorage(t)
	m := testMarket(1, time.Now())
	if err := s.UpsertMarket(m); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}
	m.Title = "Updated Title"
	m.CutoffAt = 1700000000000
	if err := s.UpsertMarket(m); err != nil {
		t.Fatalf("UpsertMarket (update): %v", err)
	}
	got, _ := s.GetMarket(1)
	if got.Title != "Updated Title" {
		t.Errorf("title not updated: got %q", got.Title)
	}
	if got.CutoffAt != 1700000000000 {
		t.Errorf("cutoff not updated: got %d", got.CutoffAt)
	}
}

func TestStore_UpsertMarket_InvalidRejected(t *testing.T) {
	s := newTestStorage(t)
	m := &models.Market{MarketID: 1, Title: "", YesTokenID: "x"}
	if err := s.UpsertMarket(m); err == nil {
		t.Error("expected validation error for empty title")
	}
}

func TestStore_ListMarkets(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now()
	for i := int64(1); i <= 3; i++ {
		if err := s.UpsertMarket(testMarket(i, now)); err != nil {
			t.Fatalf("UpsertMarket %d: %v", i, err)
		}
	}
	markets, err := s.ListMarkets()
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(markets) != 3 {
		t.Errorf("got %d markets, want 3", len(markets))
	}
}

func TestStore_UpsertMarket_EnforcesMaxMarkets(t *testing.T) {
	s, err := New(3, ":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	now := time.Now()
	for i := int64(0); i < 4; i++ {
		m := testMarket(i, now.Add(time.Duration(i)*time.Second))
		if err := s.UpsertMarket(m); err != nil {
			t.Fatalf("UpsertMarket %d: %v", i, err)
		}
	}
	markets, _ := s.ListMarkets()
	if len(markets) != 3 {
		t.Errorf("got %d markets, want 3 after cap enforcement", len(markets))
	}
	if _, err := s.GetMarket(0); err == nil {
		t.Error("oldest market (id 0) should have been evicted")
	}
}

func TestStore_InsertRawAndFilteredTick(t *testing.T) {
	s := newTestStorage(t)
	m := testMarket(1, time.Now())
	if err := s.UpsertMarket(m); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}

	tick := &models.Tick{MarketID: 1, Ts: 1000, YesPrice: 0.6, Volume: 100, DeltaVolume: 10}
	if err := s.InsertRawAndFilteredTick(tick, 400, 120); err != nil {
		t.Fatalf("InsertRawAndFilteredTick: %v", err)
	}

	rawN, err := s.CountRawTicks(1)
	if err != nil {
		t.Fatalf("CountRawTicks: %v", err)
	}
	if rawN != 1 {
		t.Errorf("raw ticks = %d, want 1", rawN)
	}
	filteredN, err := s.CountFilteredTicks(1)
	if err != nil {
		t.Fatalf("CountFilteredTicks: %v", err)
	}
	if filteredN != 1 {
		t.Errorf("filtered ticks = %d, want 1", filteredN)
	}

	latest, err := s.LatestRawTick(1)
	if err != nil {
		t.Fatalf("LatestRawTick: %v", err)
	}
	if latest == nil || latest.Ts != 1000 {
		t.Fatalf("LatestRawTick = %+v, want ts 1000", latest)
	}
}

func TestStore_InsertRawAndFilteredTick_PrunesToRetention(t *testing.T) {
	s := newTestStorage(t)
	m := testMarket(1, time.Now())
	if err := s.UpsertMarket(m); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}

	for i := int64(0); i < 10; i++ {
		tick := &models.Tick{MarketID: 1, Ts: i, YesPrice: 0.5, Volume: float64(i), DeltaVolume: 1}
		if err := s.InsertRawAndFilteredTick(tick, 4, 3); err != nil {
			t.Fatalf("InsertRawAndFilteredTick %d: %v", i, err)
		}
	}

	rawN, _ := s.CountRawTicks(1)
	if rawN != 4 {
		t.Errorf("raw ticks = %d, want 4 (retention bound)", rawN)
	}
	filteredN, _ := s.CountFilteredTicks(1)
	if filteredN != 3 {
		t.Errorf("filtered ticks = %d, want 3 (retention bound)", filteredN)
	}

	recent, err := s.RecentFilteredTicksAsc(1, 10)
	if err != nil {
		t.Fatalf("RecentFilteredTicksAsc: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d filtered ticks, want 3", len(recent))
	}
	// Oldest first: the three newest ticks have ts 7, 8, 9.
	for i, want := range []int64{7, 8, 9} {
		if recent[i].Ts != want {
			t.Errorf("recent[%d].Ts = %d, want %d", i, recent[i].Ts, want)
		}
	}
}

func TestStore_InsertRawTick_DoesNotTouchFiltered(t *testing.T) {
	s := newTestStorage(t)
	if err := s.UpsertMarket(testMarket(1, time.Now())); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}
	tick := &models.Tick{MarketID: 1, Ts: 1, YesPrice: 0.5, Volume: 1, DeltaVolume: 1}
	if err := s.InsertRawTick(tick, 400); err != nil {
		t.Fatalf("InsertRawTick: %v", err)
	}
	rawN, _ := s.CountRawTicks(1)
	if rawN != 1 {
		t.Errorf("raw ticks = %d, want 1", rawN)
	}
	filteredN, _ := s.CountFilteredTicks(1)
	if filteredN != 0 {
		t.Errorf("filtered ticks = %d, want 0", filteredN)
	}
}

func TestStore_EWMAState_RoundTrip(t *testing.T) {
	s := newTestStorage(t)
	if err := s.UpsertMarket(testMarket(1, time.Now())); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}

	if got, err := s.LoadEWMAState(1); err != nil {
		t.Fatalf("LoadEWMAState (empty): %v", err)
	} else if got != nil {
		t.Fatalf("LoadEWMAState (empty) = %+v, want nil", got)
	}

	state := &models.EWMAState{
		MarketID:   1,
		PriceMean:  0.55,
		PriceVar:   0.002,
		VolumeMean: 5000,
		VolumeVar:  1200,
		LastPrice:  0.56,
		TickCount:  20,
	}
	if err := s.SaveEWMAState(state); err != nil {
		t.Fatalf("SaveEWMAState: %v", err)
	}

	loaded, err := s.LoadEWMAState(1)
	if err != nil {
		t.Fatalf("LoadEWMAState: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadEWMAState returned nil after save")
	}
	if loaded.PriceMean != state.PriceMean || loaded.TickCount != state.TickCount {
		t.Errorf("loaded state = %+v, want %+v", loaded, state)
	}
}

func TestStore_AlertState_RoundTrip(t *testing.T) {
	s := newTestStorage(t)
	if err := s.UpsertMarket(testMarket(1, time.Now())); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}

	if got, err := s.LoadAlertState(1); err != nil {
		t.Fatalf("LoadAlertState (empty): %v", err)
	} else if got != nil {
		t.Fatalf("LoadAlertState (empty) = %+v, want nil", got)
	}

	st := &models.AlertState{MarketID: 1, LastAlertAt: 1700000000000, LastAlertHash: "abc123"}
	if err := s.SaveAlertState(st); err != nil {
		t.Fatalf("SaveAlertState: %v", err)
	}
	loaded, err := s.LoadAlertState(1)
	if err != nil {
		t.Fatalf("LoadAlertState: %v", err)
	}
	if loaded.LastAlertHash != "abc123" {
		t.Errorf("LastAlertHash = %q, want abc123", loaded.LastAlertHash)
	}
}

func TestStore_RecordAndListAlerts(t *testing.T) {
	s := newTestStorage(t)
	if err := s.UpsertMarket(testMarket(1, time.Now())); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}

	if err := s.RecordAlert(1, 1000, 3.2, 0.19); err != nil {
		t.Fatalf("RecordAlert: %v", err)
	}
	if err := s.RecordAlert(1, 2000, 4.1, 0.22); err != nil {
		t.Fatalf("RecordAlert: %v", err)
	}

	entries, err := s.RecentAlerts(10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d alert log entries, want 2", len(entries))
	}
	if entries[0].TriggeredAt != 2000 {
		t.Errorf("entries[0].TriggeredAt = %d, want 2000 (newest first)", entries[0].TriggeredAt)
	}
	if entries[0].ID == "" || entries[0].ID == entries[1].ID {
		t.Errorf("expected distinct non-empty generated ids, got %q and %q", entries[0].ID, entries[1].ID)
	}
}

func TestStore_DefaultPath(t *testing.T) {
	s, err := New(10, "")
	if err != nil {
		t.Fatalf("New with empty path: %v", err)
	}
	defer s.Close()
}
