package models

// Detection carries the statistics behind a triggered alert, handed to the
// Notifier alongside the market and the tick that caused the trigger.
type Detection struct {
	PriceZ            float64
	VolumeZ           float64
	AdjustedScore     float64
	PriceChange       float64
	PrevPrice         float64
	AdaptiveThreshold float64
}
