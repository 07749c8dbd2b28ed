// Package collector implements the per-minute tick-polling fan-out: for
// every known market it fetches latest price and volume, computes a volume
// delta, applies the acceptance gate, persists, and hands accepted ticks to
// the detector.
package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rewired-gh/polyoracle/internal/config"
	"github.com/rewired-gh/polyoracle/internal/detector"
	"github.com/rewired-gh/polyoracle/internal/logger"
	"github.com/rewired-gh/polyoracle/internal/metrics"
	"github.com/rewired-gh/polyoracle/internal/models"
	"github.com/rewired-gh/polyoracle/internal/venue"
)

// Store is the subset of storage.Store the collector depends on.
type Store interface {
	ListMarkets() ([]*models.Market, error)
	LatestRawTick(marketID int64) (*models.Tick, error)
	InsertRawTick(t *models.Tick, retention int) error
	InsertRawAndFilteredTick(t *models.Tick, rawRetention, filteredRetention int) error
}

// Collector runs PollTicks on a schedule, fanning out across known markets
// in bounded batches.
type Collector struct {
	store    Store
	client   *venue.Client
	detector *detector.Detector
	cfg      config.VenueConfig
	gate     config.GateConfig
	polling  atomic.Bool
	reg      *metrics.Registry
}

// New builds a Collector. reg may be nil when metrics are disabled.
func New(store Store, client *venue.Client, det *detector.Detector, venueCfg config.VenueConfig, gateCfg config.GateConfig, reg *metrics.Registry) *Collector {
	return &Collector{store: store, client: client, detector: det, cfg: venueCfg, gate: gateCfg, reg: reg}
}

// PollTicks polls every known market once. Concurrent invocations return
// immediately, matching the scheduler's non-reentrancy requirement.
func (c *Collector) PollTicks(ctx context.Context) {
	if !c.polling.CompareAndSwap(false, true) {
		logger.Warn("collector: poll already in progress, skipping")
		return
	}
	defer c.polling.Store(false)

	pollStart := time.Now()
	c.reg.IncTickPoll()
	defer func() { c.reg.ObserveTickPollDuration(time.Since(pollStart)) }()

	var markets []*models.Market
	err := c.reg.ObserveStoreOp("list_markets", func() error {
		var e error
		markets, e = c.store.ListMarkets()
		return e
	})
	if err != nil {
		logger.Error("collector: failed to list markets: %v", err)
		return
	}
	if len(markets) == 0 {
		return
	}

	batchSize := c.cfg.CollectorBatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	for start := 0; start < len(markets); start += batchSize {
		end := start + batchSize
		if end > len(markets) {
			end = len(markets)
		}
		var wg sync.WaitGroup
		for _, m := range markets[start:end] {
			wg.Add(1)
			go func(m *models.Market) {
				defer wg.Done()
				c.collectTick(ctx, m)
			}(m)
		}
		wg.Wait()
	}
}

func (c *Collector) collectTick(ctx context.Context, market *models.Market) {
	price, err := c.client.FetchOrderbook(ctx, market.YesTokenID, market.TopicID, market.ChainID)
	if err != nil {
		c.reg.IncUpstreamError("orderbook")
		logger.Warn("collector: orderbook fetch failed for market %d: %v", market.MarketID, err)
		return
	}
	if price == nil {
		logger.Debug("collector: skipped (no payload) market %d: no orderbook price", market.MarketID)
		return
	}

	volume, ok, err := c.client.FetchPrivateVolume(ctx, market.MarketID)
	if err != nil {
		c.reg.IncUpstreamError("private_volume")
		logger.Warn("collector: volume fetch failed for market %d: %v", market.MarketID, err)
		return
	}
	if !ok {
		logger.Debug("collector: skipped (no payload) market %d: no volume", market.MarketID)
		return
	}

	var last *models.Tick
	err = c.reg.ObserveStoreOp("latest_raw_tick", func() error {
		var e error
		last, e = c.store.LatestRawTick(market.MarketID)
		return e
	})
	if err != nil {
		logger.Error("collector: failed to load latest raw tick for market %d: %v", market.MarketID, err)
		return
	}
	var deltaVolume float64
	if last != nil {
		rawDelta := volume - last.Volume
		if rawDelta < 0 {
			logger.Warn("collector: negative volume delta for market %d (prev=%v new=%v), clamping to 0", market.MarketID, last.Volume, volume)
			deltaVolume = 0
		} else {
			deltaVolume = rawDelta
		}
	}

	tick := &models.Tick{
		MarketID:    market.MarketID,
		Ts:          price.TimestampMs,
		YesPrice:    price.Price,
		Volume:      volume,
		DeltaVolume: deltaVolume,
	}

	if volume < c.gate.MinTotalVolume && deltaVolume < c.gate.MinDeltaVolume {
		c.reg.IncTicksFiltered()
		if err := c.reg.ObserveStoreOp("insert_raw_tick", func() error {
			return c.store.InsertRawTick(tick, c.gate.RawRetention)
		}); err != nil {
			logger.Error("collector: failed to persist raw tick for market %d: %v", market.MarketID, err)
		}
		logger.Debug("collector: skipped (filters) market %d", market.MarketID)
		return
	}

	c.reg.IncTicksAccepted()
	if _, err := c.detector.Evaluate(ctx, market, tick); err != nil {
		logger.Error("collector: detector evaluation failed for market %d: %v", market.MarketID, err)
	}

	if err := c.reg.ObserveStoreOp("insert_raw_and_filtered_tick", func() error {
		return c.store.InsertRawAndFilteredTick(tick, c.gate.RawRetention, c.gate.FilteredRetention)
	}); err != nil {
		logger.Error("collector: failed to persist tick for market %d: %v", market.MarketID, err)
	}
}
