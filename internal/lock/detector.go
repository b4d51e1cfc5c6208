// Package lock holds the pure decision logic of the relocker: classifying a
// captured controller-output trace as locked or not, and resolving the
// controller clamp and generator settings from absolute voltage bounds.
package lock

import (
	"errors"
	"math"
)

// DefaultThreshold is the rail distance, in volts, below which the output is
// considered pinned against a clamp.
const DefaultThreshold = 0.05

// ErrEmptySignal is returned by Classify when no finite sample is left to
// average. Callers skip the cycle and keep their previous verdict.
var ErrEmptySignal = errors.New("lock: no finite samples in signal")

// Verdict is the outcome of classifying one trace.
type Verdict struct {
	Locked      bool    `json:"locked"`
	MeanVoltage float64 `json:"mean_voltage"`
	Samples     int     `json:"samples"`
}

// Classify averages the finite samples and reports the output as not locked
// when the mean sits strictly closer than threshold to either rail.
func Classify(samples []float64, maxVoltage, minVoltage, threshold float64) (Verdict, error) {
	var (
		sum   float64
		count int
	)
	for _, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sum += v
		count++
	}
	if count == 0 {
		return Verdict{}, ErrEmptySignal
	}

	mean := sum / float64(count)
	railed := math.Abs(mean-maxVoltage) < threshold || math.Abs(mean-minVoltage) < threshold

	return Verdict{
		Locked:      !railed,
		MeanVoltage: mean,
		Samples:     count,
	}, nil
}
