package models

// EWMAState holds the online per-market price and volume statistics
// maintained by the detector. The zero value is the cold-start sentinel:
// TickCount == 0 means no observation has been folded in yet.
type EWMAState struct {
	MarketID   int64
	PriceMean  float64
	PriceVar   float64
	VolumeMean float64
	VolumeVar  float64
	LastPrice  float64
	TickCount  int64
}

// IsSeeded reports whether this state has consumed at least one tick.
func (s *EWMAState) IsSeeded() bool {
	return s.TickCount > 0
}

// AlertState tracks per-market cooldown and duplicate-suppression data.
type AlertState struct {
	MarketID      int64
	LastAlertAt   int64 // ms epoch; 0 means never alerted
	LastAlertHash string
}

// AlertLogEntry is an immutable audit record of one delivered alert,
// distinct from AlertState's per-market cooldown row: a market can
// accumulate many log entries over its lifetime.
type AlertLogEntry struct {
	ID          string
	MarketID    int64
	TriggeredAt int64
	Score       float64
	PriceChange float64
}
