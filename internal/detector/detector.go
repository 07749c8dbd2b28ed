// Package detector maintains online per-market EWMA statistics and decides
// whether an incoming tick constitutes a triggerable anomaly.
package detector

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/rewired-gh/polyoracle/internal/config"
	"github.com/rewired-gh/polyoracle/internal/logger"
	"github.com/rewired-gh/polyoracle/internal/metrics"
	"github.com/rewired-gh/polyoracle/internal/models"
	"github.com/rewired-gh/polyoracle/internal/notifier"
)

// Store is the subset of storage.Store the detector depends on.
type Store interface {
	LoadEWMAState(marketID int64) (*models.EWMAState, error)
	SaveEWMAState(st *models.EWMAState) error
	LoadAlertState(marketID int64) (*models.AlertState, error)
	SaveAlertState(st *models.AlertState) error
	RecordAlert(marketID int64, triggeredAt int64, score, priceChange float64) error
	RecentFilteredTicksAsc(marketID int64, limit int) ([]models.Tick, error)
	GetMarket(marketID int64) (*models.Market, error)
}

// Detector maintains online EWMA statistics and decides whether a
// market's latest tick should trigger an alert.
type Detector struct {
	store    Store
	cfg      config.GateConfig
	notifier notifier.Notifier
	alpha    float64
	blockRe  *regexp.Regexp
	now      func() time.Time
	reg      *metrics.Registry
}

// New builds a Detector. cfg.AlertTitleBlocklistRegex is assumed to have
// already been validated by config.Validate. reg may be nil when metrics
// are disabled.
func New(store Store, cfg config.GateConfig, n notifier.Notifier, reg *metrics.Registry) *Detector {
	var re *regexp.Regexp
	if cfg.AlertTitleBlocklistRegex != "" {
		re = regexp.MustCompile("(?i)" + cfg.AlertTitleBlocklistRegex)
	}
	return &Detector{
		store:    store,
		cfg:      cfg,
		notifier: n,
		alpha:    alphaFor(cfg.EWMASpan),
		blockRe:  re,
		now:      time.Now,
		reg:      reg,
	}
}

// Evaluate runs the full decision sequence for one accepted tick and
// returns whether it triggered an alert.
func (d *Detector) Evaluate(ctx context.Context, market *models.Market, tick *models.Tick) (bool, error) {
	d.reg.IncDetectionsEvaluated()

	var state *models.EWMAState
	err := d.reg.ObserveStoreOp("load_or_seed_ewma_state", func() error {
		var e error
		state, e = d.loadOrSeed(market.MarketID)
		return e
	})
	if err != nil {
		return false, fmt.Errorf("failed to load EWMA state for market %d: %w", market.MarketID, err)
	}

	if state.TickCount < int64(d.cfg.MinTicksForDetection) {
		d.applyUpdate(state, tick)
		if err := d.reg.ObserveStoreOp("save_ewma_state", func() error { return d.store.SaveEWMAState(state) }); err != nil {
			return false, fmt.Errorf("failed to persist EWMA state: %w", err)
		}
		d.reg.IncAlertsSuppressed("cold_start")
		return false, nil
	}

	priceZ := zScore(tick.YesPrice, state.PriceMean, state.PriceVar, d.cfg.MinStdPrice)
	volZ := zScore(tick.DeltaVolume, state.VolumeMean, state.VolumeVar, d.cfg.MinStdVolume)
	boost := 1 + math.Max(0, volZ-1)*d.cfg.VolumeBoostFactor
	score := math.Abs(priceZ) * boost
	prevPrice := state.LastPrice
	delta := tick.YesPrice - prevPrice

	d.applyUpdate(state, tick)
	if err := d.reg.ObserveStoreOp("save_ewma_state", func() error { return d.store.SaveEWMAState(state) }); err != nil {
		return false, fmt.Errorf("failed to persist EWMA state: %w", err)
	}

	if prevPrice <= 0 {
		d.reg.IncAlertsSuppressed("invalid_prev_price")
		return false, nil
	}

	minChange := d.adaptiveMinChange(prevPrice)
	if math.Abs(delta) < minChange {
		d.reg.IncAlertsSuppressed("price_change_gate")
		return false, nil
	}
	if score < d.cfg.ZThreshold {
		d.reg.IncAlertsSuppressed("score_threshold")
		return false, nil
	}
	if d.titleBlocked(market) {
		d.reg.IncAlertsSuppressed("title_blocklist")
		return false, nil
	}

	alertHash := fmt.Sprintf("%d-%.2f-%.3f", market.MarketID, score, math.Abs(delta))
	var alertState *models.AlertState
	err = d.reg.ObserveStoreOp("load_alert_state", func() error {
		var e error
		alertState, e = d.store.LoadAlertState(market.MarketID)
		return e
	})
	if err != nil {
		return false, fmt.Errorf("failed to load alert state: %w", err)
	}
	nowMs := d.now().UnixMilli()
	if alertState != nil {
		if alertState.LastAlertAt > 0 && nowMs-alertState.LastAlertAt < d.cfg.AlertCooldown.Milliseconds() {
			d.reg.IncAlertsSuppressed("cooldown")
			return false, nil
		}
		if alertState.LastAlertHash == alertHash && alertState.LastAlertAt > 0 &&
			nowMs-alertState.LastAlertAt < d.cfg.DuplicateAlertWindow.Milliseconds() {
			d.reg.IncAlertsSuppressed("duplicate")
			return false, nil
		}
	}

	detection := &models.Detection{
		PriceZ:            priceZ,
		VolumeZ:           volZ,
		AdjustedScore:     score,
		PriceChange:       delta,
		PrevPrice:         prevPrice,
		AdaptiveThreshold: minChange,
	}
	if err := d.notifier.Notify(ctx, market, tick, detection); err != nil {
		d.reg.IncNotifyAttempt("error")
		logger.Error("detector: notify failed for market %d: %v", market.MarketID, err)
		return false, nil
	}
	d.reg.IncNotifyAttempt("success")
	d.reg.IncAlertsTriggered()

	if err := d.reg.ObserveStoreOp("save_alert_state", func() error {
		return d.store.SaveAlertState(&models.AlertState{
			MarketID:      market.MarketID,
			LastAlertAt:   nowMs,
			LastAlertHash: alertHash,
		})
	}); err != nil {
		return false, fmt.Errorf("failed to save alert state: %w", err)
	}
	if err := d.reg.ObserveStoreOp("record_alert", func() error {
		return d.store.RecordAlert(market.MarketID, nowMs, score, delta)
	}); err != nil {
		logger.Warn("detector: failed to record alert audit entry for market %d: %v", market.MarketID, err)
	}
	return true, nil
}

func (d *Detector) applyUpdate(state *models.EWMAState, tick *models.Tick) {
	state.PriceMean, state.PriceVar = updateScalar(state.PriceMean, state.PriceVar, tick.YesPrice, d.alpha)
	state.VolumeMean, state.VolumeVar = updateScalar(state.VolumeMean, state.VolumeVar, tick.DeltaVolume, d.alpha)
	state.LastPrice = tick.YesPrice
	state.TickCount++
}

// loadOrSeed returns the persisted EWMA state, or cold-starts one from the
// market's recent filtered-tick history if none exists yet.
func (d *Detector) loadOrSeed(marketID int64) (*models.EWMAState, error) {
	state, err := d.store.LoadEWMAState(marketID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		return state, nil
	}

	seed, err := d.store.RecentFilteredTicksAsc(marketID, 120)
	if err != nil {
		return nil, err
	}
	state = &models.EWMAState{MarketID: marketID}
	if len(seed) == 0 {
		return state, nil
	}
	state.PriceMean = seed[0].YesPrice
	state.VolumeMean = seed[0].DeltaVolume
	state.LastPrice = seed[0].YesPrice
	state.TickCount = 1
	for _, t := range seed[1:] {
		state.PriceMean, state.PriceVar = updateScalar(state.PriceMean, state.PriceVar, t.YesPrice, d.alpha)
		state.VolumeMean, state.VolumeVar = updateScalar(state.VolumeMean, state.VolumeVar, t.DeltaVolume, d.alpha)
		state.LastPrice = t.YesPrice
		state.TickCount++
	}
	return state, nil
}

func (d *Detector) adaptiveMinChange(price float64) float64 {
	if !d.cfg.UseAdaptiveThresholds {
		return d.cfg.MinAbsPriceChange
	}
	switch {
	case price < 0.01 || price > 0.99:
		return d.cfg.DeepExtremeMinChange
	case price < 0.03 || price > 0.97:
		return d.cfg.NearExtremeMinChange
	default:
		return d.cfg.MiddleMinChange
	}
}

func (d *Detector) titleBlocked(market *models.Market) bool {
	title := market.Title
	lower := strings.ToLower(title)
	for _, term := range d.cfg.AlertTitleBlocklist {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	if d.blockRe != nil && d.blockRe.MatchString(title) {
		return true
	}
	if market.ParentMarketID != 0 {
		if parent, err := d.store.GetMarket(market.ParentMarketID); err == nil && parent.ChainID == market.ChainID {
			return d.titleBlockedByParent(parent)
		}
	}
	return false
}

func (d *Detector) titleBlockedByParent(parent *models.Market) bool {
	lower := strings.ToLower(parent.Title)
	for _, term := range d.cfg.AlertTitleBlocklist {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return d.blockRe != nil && d.blockRe.MatchString(parent.Title)
}
