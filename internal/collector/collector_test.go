package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rewired-gh/polyoracle/internal/config"
	"github.com/rewired-gh/polyoracle/internal/detector"
	"github.com/rewired-gh/polyoracle/internal/models"
	"github.com/rewired-gh/polyoracle/internal/notifier"
	"github.com/rewired-gh/polyoracle/internal/venue"
)

type fakeStore struct {
	markets  []*models.Market
	latest   map[int64]*models.Tick
	inserted []*models.Tick
	filtered []*models.Tick
}

func (f *fakeStore) ListMarkets() ([]*models.Market, error) { return f.markets, nil }

func (f *fakeStore) LatestRawTick(marketID int64) (*models.Tick, error) {
	return f.latest[marketID], nil
}

func (f *fakeStore) InsertRawTick(t *models.Tick, retention int) error {
	f.inserted = append(f.inserted, t)
	return nil
}

func (f *fakeStore) InsertRawAndFilteredTick(t *models.Tick, rawRetention, filteredRetention int) error {
	f.inserted = append(f.inserted, t)
	f.filtered = append(f.filtered, t)
	return nil
}

type nopNotifier struct{ calls int }

func (n *nopNotifier) Notify(ctx context.Context, market *models.Market, tick *models.Tick, d *models.Detection) error {
	n.calls++
	return nil
}

var _ notifier.Notifier = (*nopNotifier)(nil)

func testVenueConfig(baseURL string) config.VenueConfig {
	return config.VenueConfig{
		ListURL:             baseURL + "/list",
		DetailURL:           baseURL + "/detail",
		MultiURL:            baseURL + "/multi",
		OrderbookURL:        baseURL + "/orderbook",
		PrivateMarketURL:    baseURL + "/market",
		ServerTimeURL:       baseURL + "/time",
		RateLimitPerSecond:  1000,
		RateLimitBurst:      1000,
		CollectorBatchSize:  60,
	}
}

func testGateConfig() config.GateConfig {
	return config.GateConfig{
		MinTotalVolume:        3000,
		MinDeltaVolume:        80,
		ZThreshold:            2.5,
		UseAdaptiveThresholds: true,
		DeepExtremeMinChange:  0.07,
		NearExtremeMinChange:  0.10,
		MiddleMinChange:       0.15,
		MinAbsPriceChange:     0.03,
		VolumeBoostFactor:     0.25,
		EWMASpan:              20,
		MinTicksForDetection:  20,
		MinStdPrice:           0.005,
		MinStdVolume:          20,
		RawRetention:          400,
		FilteredRetention:     120,
	}
}

// detectorStore wraps fakeStore to satisfy detector.Store without
// duplicating the EWMA/alert bookkeeping it never exercises here.
type detectorStore struct {
	*fakeStore
	marketByID map[int64]*models.Market
}

func (d *detectorStore) LoadEWMAState(marketID int64) (*models.EWMAState, error) { return nil, nil }
func (d *detectorStore) SaveEWMAState(st *models.EWMAState) error                { return nil }
func (d *detectorStore) LoadAlertState(marketID int64) (*models.AlertState, error) {
	return nil, nil
}
func (d *detectorStore) SaveAlertState(st *models.AlertState) error { return nil }
func (d *detectorStore) RecordAlert(marketID int64, triggeredAt int64, score, priceChange float64) error {
	return nil
}
func (d *detectorStore) RecentFilteredTicksAsc(marketID int64, limit int) ([]models.Tick, error) {
	return nil, nil
}
func (d *detectorStore) GetMarket(marketID int64) (*models.Market, error) {
	if m, ok := d.marketByID[marketID]; ok {
		return m, nil
	}
	return nil, nil
}

func newTestCollector(t *testing.T, store *fakeStore, volumeByMarket map[int64]float64, priceByMarket map[int64]float64) (*Collector, *nopNotifier) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/orderbook":
			symbol := r.URL.Query().Get("question_id")
			marketID := int64(0)
			for _, m := range store.markets {
				if m.TopicID == symbol {
					marketID = m.MarketID
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"errno": 0,
				"data":  map[string]any{"last_price": priceByMarket[marketID]},
			})
		case len(r.URL.Path) > len("/market/") && r.URL.Path[:len("/market/")] == "/market/":
			_ = json.NewEncoder(w).Encode(map[string]any{"errno": 0, "data": map[string]any{}})
		default:
			id := r.URL.Query().Get("marketId")
			var vol float64
			for _, m := range store.markets {
				if fmtInt(m.MarketID) == id {
					vol = volumeByMarket[m.MarketID]
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"errno": 0,
				"data":  map[string]any{"volume": vol},
			})
		}
	}))
	t.Cleanup(srv.Close)

	vc := testVenueConfig(srv.URL)
	client := venue.New(venue.Config{
		ListURL:            vc.ListURL,
		DetailURL:          vc.DetailURL,
		MultiURL:           vc.MultiURL,
		OrderbookURL:       vc.OrderbookURL,
		PrivateMarketURL:   vc.PrivateMarketURL,
		ServerTimeURL:      vc.ServerTimeURL,
		Timeout:            vc.Timeout,
		RetryBackoff:       vc.RetryBackoff,
		RateLimitPerSecond: vc.RateLimitPerSecond,
		RateLimitBurst:     vc.RateLimitBurst,
	})
	ds := &detectorStore{fakeStore: store, marketByID: map[int64]*models.Market{}}
	for _, m := range store.markets {
		ds.marketByID[m.MarketID] = m
	}
	n := &nopNotifier{}
	det := detector.New(ds, testGateConfig(), n, nil)
	return New(store, client, det, testVenueConfig(srv.URL), testGateConfig(), nil), n
}

func fmtInt(v int64) string {
	buf := make([]byte, 0, 20)
	neg := v < 0
	if neg {
		v = -v
	}
	if v == 0 {
		return "0"
	}
	for v > 0 {
		buf = append([]byte{byte('0' + v%10)}, buf...)
		v /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func TestCollector_PollTicks_AcceptsAboveGateAndPersistsFiltered(t *testing.T) {
	store := &fakeStore{
		markets: []*models.Market{
			{MarketID: 1, TopicID: "T1", YesTokenID: "Y1", Title: "Will X happen?"},
		},
		latest: map[int64]*models.Tick{},
	}
	c, _ := newTestCollector(t, store, map[int64]float64{1: 5000}, map[int64]float64{1: 0.6})

	c.PollTicks(context.Background())

	if len(store.filtered) != 1 {
		t.Fatalf("filtered inserts = %d, want 1 (volume 5000 clears min_total_volume gate)", len(store.filtered))
	}
	if store.filtered[0].YesPrice != 0.6 {
		t.Errorf("YesPrice = %v, want 0.6", store.filtered[0].YesPrice)
	}
}

func TestCollector_PollTicks_BelowGateKeptAsRawOnly(t *testing.T) {
	store := &fakeStore{
		markets: []*models.Market{
			{MarketID: 1, TopicID: "T1", YesTokenID: "Y1", Title: "Will X happen?"},
		},
		latest: map[int64]*models.Tick{},
	}
	c, _ := newTestCollector(t, store, map[int64]float64{1: 10}, map[int64]float64{1: 0.6})

	c.PollTicks(context.Background())

	if len(store.filtered) != 0 {
		t.Errorf("filtered inserts = %d, want 0 (volume 10 is below every gate)", len(store.filtered))
	}
	if len(store.inserted) != 1 {
		t.Errorf("raw inserts = %d, want 1", len(store.inserted))
	}
}

func TestCollector_PollTicks_ClampsNegativeVolumeDelta(t *testing.T) {
	store := &fakeStore{
		markets: []*models.Market{
			{MarketID: 1, TopicID: "T1", YesTokenID: "Y1", Title: "Will X happen?"},
		},
		latest: map[int64]*models.Tick{1: {MarketID: 1, Volume: 1200}},
	}
	c, _ := newTestCollector(t, store, map[int64]float64{1: 900}, map[int64]float64{1: 0.6})

	c.PollTicks(context.Background())

	if len(store.inserted) != 1 {
		t.Fatalf("inserts = %d, want 1", len(store.inserted))
	}
	if store.inserted[0].DeltaVolume != 0 {
		t.Errorf("DeltaVolume = %v, want 0 (volume reset must clamp, not go negative)", store.inserted[0].DeltaVolume)
	}
}

func TestCollector_PollTicks_ReentrancyGuardSkipsOverlappingCalls(t *testing.T) {
	store := &fakeStore{markets: nil}
	c, _ := newTestCollector(t, store, nil, nil)
	c.polling.Store(true)

	c.PollTicks(context.Background())

	if len(store.inserted) != 0 {
		t.Errorf("expected no work done while a poll is already in progress")
	}
}

func TestCollector_PollTicks_NoMarketsIsNoop(t *testing.T) {
	store := &fakeStore{}
	c, _ := newTestCollector(t, store, nil, nil)
	c.PollTicks(context.Background())
	if len(store.inserted) != 0 {
		t.Errorf("expected no inserts with zero known markets")
	}
}
