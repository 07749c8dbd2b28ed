package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistry_HandlerExposesRegisteredMetrics(t *testing.T) {
	r := New()
	r.CatalogWalks.Inc()
	r.TicksAccepted.Add(3)
	r.AlertsSuppressed.WithLabelValues("cooldown").Inc()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 64*1024)
	n, _ := resp.Body.Read(buf)
	body := string(buf[:n])

	for _, want := range []string{
		"polyoracle_catalog_walks_total 1",
		"polyoracle_ticks_accepted_total 3",
		`polyoracle_alerts_suppressed_total{reason="cooldown"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRegistry_ObserveStoreOp_PropagatesErrorAndRecordsDuration(t *testing.T) {
	r := New()
	wantErr := errors.New("boom")

	err := r.ObserveStoreOp("upsert_market", func() error {
		time.Sleep(time.Millisecond)
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	buf := make([]byte, 64*1024)
	n, _ := resp.Body.Read(buf)
	body := string(buf[:n])
	if !strings.Contains(body, `polyoracle_store_op_duration_seconds_count{op="upsert_market"} 1`) {
		t.Errorf("expected a recorded observation for op=upsert_market, got:\n%s", body)
	}
}

func TestRegistry_Serve_ShutsDownOnContextCancel(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}
