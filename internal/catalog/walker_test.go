package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rewired-gh/polyoracle/internal/config"
	"github.com/rewired-gh/polyoracle/internal/models"
	"github.com/rewired-gh/polyoracle/internal/venue"
)

func testVenueConfig(baseURL string) config.VenueConfig {
	return config.VenueConfig{
		ListURL:            baseURL + "/list",
		DetailURL:          baseURL + "/detail",
		MultiURL:           baseURL + "/multi",
		OrderbookURL:       baseURL + "/orderbook",
		PrivateMarketURL:   baseURL + "/market",
		ServerTimeURL:      baseURL + "/time",
		Timeout:            2 * time.Second,
		RetryBackoff:       5 * time.Millisecond,
		RateLimitPerSecond: 10000,
		RateLimitBurst:     10000,
		PageSize:           100,
		PageWorkers:        4,
		DetailNotFoundStop: 5,
		MultiNotFoundStop:  5,
	}
}

func TestNormalize_MultiParentSyntheticToken(t *testing.T) {
	entry := map[string]any{
		"topicId":   "T1",
		"childList": []any{map[string]any{"marketId": "2"}},
	}
	m := normalize(entry, "", 0)
	if !m.IsMultiParent() {
		t.Fatal("expected multi-parent market type")
	}
	if m.YesTokenID != fmt.Sprintf("multi-parent-%d", m.MarketID) {
		t.Errorf("YesTokenID = %q, want synthetic placeholder", m.YesTokenID)
	}
}

func TestActivityFromEntry(t *testing.T) {
	now := int64(1_700_000_000_000)
	tests := []struct {
		name    string
		entry   map[string]any
		decided bool
		active  bool
	}{
		{"no status", map[string]any{}, false, false},
		{"activated", map[string]any{"statusEnum": "Activated"}, true, true},
		{"numeric status 2", map[string]any{"status": float64(2)}, true, true},
		{"resolved in past", map[string]any{"statusEnum": "Activated", "resolvedAt": float64(now - 1000)}, true, false},
		{"cutoff in past", map[string]any{"statusEnum": "Activated", "cutoffAt": float64(now - 1000)}, true, false},
		{"cutoff in future", map[string]any{"statusEnum": "Activated", "cutoffAt": float64(now + 1000)}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			active, decided := activityFromEntry(tt.entry, now)
			if decided != tt.decided {
				t.Fatalf("decided = %v, want %v", decided, tt.decided)
			}
			if decided && active != tt.active {
				t.Errorf("active = %v, want %v", active, tt.active)
			}
		})
	}
}

// TestWalker_MultiParentDifferentChain implements end-to-end scenario 5: a
// list entry with no children on chain A resolves, via the multi endpoint,
// to an authoritative parent on chain B with two children. All four
// descriptors (original entry, alternate-chain parent, both children) must
// be emitted.
func TestWalker_MultiParentDifferentChain(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/multi/T", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errno": 0,
			"data": map[string]any{
				"topicId":    "T",
				"chainId":    "B",
				"marketId":   "100",
				"statusEnum": "Activated",
				"childList": []any{
					map[string]any{"marketId": "101", "statusEnum": "Activated"},
					map[string]any{"marketId": "102", "statusEnum": "Activated"},
				},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := venue.New(venue.Config{
		DetailURL:          srv.URL + "/detail",
		MultiURL:           srv.URL + "/multi",
		Timeout:            2 * time.Second,
		RetryBackoff:       5 * time.Millisecond,
		RateLimitPerSecond: 10000,
		RateLimitBurst:     10000,
	})
	w := New(client, testVenueConfig(srv.URL), nil)

	entry := map[string]any{
		"topicId":    "T",
		"chainId":    "A",
		"marketId":   "99",
		"statusEnum": "Activated",
	}

	var emitted []*models.Market
	st := newWalkState(w.cfg, 1_700_000_000_000, w.reg)
	w.reconcileEntry(context.Background(), st, entry, func(m *models.Market) {
		emitted = append(emitted, m)
	})

	if len(emitted) != 4 {
		t.Fatalf("emitted %d markets, want 4: %+v", len(emitted), emitted)
	}

	var sawOriginal, sawAltParent bool
	var childCount int
	for _, m := range emitted {
		switch {
		case m.MarketID == 99:
			sawOriginal = true
		case m.MarketID == 100:
			sawAltParent = true
		case m.ParentMarketID == 100:
			childCount++
		}
	}
	if !sawOriginal {
		t.Error("original chain-A entry was not emitted")
	}
	if !sawAltParent {
		t.Error("alternate-chain parent was not emitted")
	}
	if childCount != 2 {
		t.Errorf("children parented to alt parent = %d, want 2", childCount)
	}
}

// TestWalker_CircuitBreakerStopsAfterFiveConsecutiveNotFound implements
// end-to-end scenario 6.
func TestWalker_CircuitBreakerStopsAfterFiveConsecutiveNotFound(t *testing.T) {
	var detailCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/detail/", func(w http.ResponseWriter, r *http.Request) {
		detailCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"errno": 10200})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := venue.New(venue.Config{
		DetailURL:          srv.URL + "/detail",
		MultiURL:           srv.URL + "/multi",
		Timeout:            2 * time.Second,
		RetryBackoff:       5 * time.Millisecond,
		RateLimitPerSecond: 10000,
		RateLimitBurst:     10000,
	})
	cfg := testVenueConfig(srv.URL)
	w := New(client, cfg, nil)
	st := newWalkState(cfg, 1_700_000_000_000, nil)

	for i := 0; i < 6; i++ {
		entry := map[string]any{"topicId": fmt.Sprintf("topic-%d", i)}
		w.isActive(context.Background(), st, entry)
	}

	if got := detailCalls.Load(); got != 5 {
		t.Errorf("detail endpoint called %d times, want exactly 5 (breaker must block the 6th)", got)
	}
}
