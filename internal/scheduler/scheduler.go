// Package scheduler drives the service's three periodic cadences off a
// single select loop: hourly catalog refresh, per-minute tick polling (with
// blackout-window suppression), and a five-minute heartbeat.
package scheduler

import (
	"context"
	"time"

	"github.com/rewired-gh/polyoracle/internal/catalog"
	"github.com/rewired-gh/polyoracle/internal/config"
	"github.com/rewired-gh/polyoracle/internal/logger"
	"github.com/rewired-gh/polyoracle/internal/models"
)

// Store is the subset of storage.Store the scheduler's refresh step needs.
type Store interface {
	UpsertMarket(m *models.Market) error
}

// Walker drives one end-to-end catalog walk.
type Walker interface {
	Walk(ctx context.Context, nowMs int64, emit catalog.EmitFunc) error
}

// Collector drives one tick-poll round.
type Collector interface {
	PollTicks(ctx context.Context)
}

// Scheduler owns the three tickers and the startup sequence.
type Scheduler struct {
	store     Store
	walker    Walker
	collector Collector
	cfg       config.SchedulerConfig
	startedAt time.Time
	now       func() time.Time
}

// New builds a Scheduler.
func New(store Store, walker Walker, collector Collector, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{store: store, walker: walker, collector: collector, cfg: cfg, now: time.Now}
}

// Run executes the startup sequence (refresh, then one immediate poll) and
// then blocks on the three-ticker select loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.startedAt = s.now()
	logger.Info("scheduler: starting, running initial catalog refresh")
	s.runRefresh(ctx)
	s.runPoll(ctx)

	refreshTicker := time.NewTicker(s.cfg.CatalogRefreshInterval)
	pollTicker := time.NewTicker(s.cfg.TickPollInterval)
	heartbeatTicker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer refreshTicker.Stop()
	defer pollTicker.Stop()
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler: shutting down")
			return ctx.Err()
		case <-refreshTicker.C:
			s.runRefresh(ctx)
		case <-pollTicker.C:
			if s.inBlackoutWindow(s.now()) {
				logger.Debug("scheduler: skipping tick poll, inside blackout window")
				continue
			}
			s.runPoll(ctx)
		case <-heartbeatTicker.C:
			logger.Info("scheduler: heartbeat, uptime=%s", s.now().Sub(s.startedAt).Round(time.Second))
		}
	}
}

func (s *Scheduler) runRefresh(ctx context.Context) {
	logger.Info("scheduler: starting catalog refresh")
	count := 0
	err := s.walker.Walk(ctx, 0, func(m *models.Market) {
		m.UpdatedAt = s.now()
		if err := s.store.UpsertMarket(m); err != nil {
			logger.Error("scheduler: failed to upsert market %d: %v", m.MarketID, err)
			return
		}
		count++
	})
	if err != nil {
		logger.Error("scheduler: catalog refresh failed: %v", err)
		return
	}
	logger.Info("scheduler: catalog refresh complete, upserted %d markets", count)
}

func (s *Scheduler) runPoll(ctx context.Context) {
	s.collector.PollTicks(ctx)
}

// inBlackoutWindow reports whether the clock is inside a configured
// minute-of-hour suppression window. A window with Start <= End covers
// Start..End inclusive; a wrapping window (Start > End) covers minutes
// m >= Start or m < End.
func (s *Scheduler) inBlackoutWindow(t time.Time) bool {
	m := t.Minute()
	for _, w := range s.cfg.BlackoutWindows {
		if w.Start <= w.End {
			if m >= w.Start && m <= w.End {
				return true
			}
		} else if m >= w.Start || m < w.End {
			return true
		}
	}
	return false
}
