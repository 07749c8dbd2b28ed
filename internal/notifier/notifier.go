// Package notifier defines the interface through which the detector
// reports a triggered anomaly to an external channel.
package notifier

import (
	"context"

	"github.com/rewired-gh/polyoracle/internal/logger"
	"github.com/rewired-gh/polyoracle/internal/models"
)

// Notifier delivers a triggered detection for a market and the tick that
// caused it. Implementations return delivery failures as errors; the
// detector logs a returned error and leaves alert state unchanged rather
// than aborting the poll.
type Notifier interface {
	Notify(ctx context.Context, market *models.Market, tick *models.Tick, detection *models.Detection) error
}

// NoopNotifier logs a triggered detection without delivering it anywhere,
// for deployments that run with external notifications disabled.
type NoopNotifier struct{}

// Notify implements Notifier by logging the detection at info level.
func (NoopNotifier) Notify(ctx context.Context, market *models.Market, tick *models.Tick, detection *models.Detection) error {
	logger.Info("notifier: (noop) market %d %q price %.3f -> Δ %.3f score %.2f",
		market.MarketID, market.Title, tick.YesPrice, detection.PriceChange, detection.AdjustedScore)
	return nil
}
