package detector

import "math"

// alphaFor returns the EWMA smoothing factor for the given span.
func alphaFor(span int) float64 {
	return 2.0 / (float64(span) + 1.0)
}

// updateScalar applies one online EWMA update to (mean, variance) given a
// new observation x and smoothing factor alpha, returning the updated
// moments.
func updateScalar(mean, variance, x, alpha float64) (newMean, newVariance float64) {
	d := x - mean
	newMean = mean + alpha*d
	newVariance = (1 - alpha) * (variance + alpha*d*d)
	return newMean, newVariance
}

// zScore computes (x-mean)/max(sqrt(variance), minStd) against pre-update
// moments.
func zScore(x, mean, variance, minStd float64) float64 {
	sigma := math.Sqrt(variance)
	if sigma < minStd {
		sigma = minStd
	}
	return (x - mean) / sigma
}
