// Package chart renders a market's recent raw-tick history into a PNG line
// chart for inclusion in a Telegram notification.
package chart

import (
	"bytes"
	"fmt"
	"time"

	chartlib "github.com/wcharczuk/go-chart/v2"

	"github.com/rewired-gh/polyoracle/internal/models"
)

// RenderPriceSeries draws yesPrice against time for ticks (expected
// oldest-first) and returns the encoded PNG bytes.
func RenderPriceSeries(title string, ticks []models.Tick) ([]byte, error) {
	if len(ticks) == 0 {
		return nil, fmt.Errorf("no ticks to render")
	}

	xs := make([]time.Time, len(ticks))
	ys := make([]float64, len(ticks))
	for i, t := range ticks {
		xs[i] = time.UnixMilli(t.Ts)
		ys[i] = t.YesPrice
	}

	graph := chartlib.Chart{
		Title: title,
		XAxis: chartlib.XAxis{
			Name:           "time",
			ValueFormatter: chartlib.TimeValueFormatterWithFormat("15:04"),
		},
		YAxis: chartlib.YAxis{
			Name: "yes price",
		},
		Series: []chartlib.Series{
			chartlib.TimeSeries{
				Name:    "yesPrice",
				XValues: xs,
				YValues: ys,
			},
		},
	}

	var buf bytes.Buffer
	if err := graph.Render(chartlib.PNG, &buf); err != nil {
		return nil, fmt.Errorf("failed to render chart: %w", err)
	}
	return buf.Bytes(), nil
}
