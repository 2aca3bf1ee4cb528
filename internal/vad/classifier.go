package vad

import (
	"math"
	"sort"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Classifier decides whether a frame contains speech.
type Classifier interface {
	Classify(frame protocol.AudioFrame) (bool, error)
}

// Energy returns the mean squared amplitude of the frame with samples
// normalized to [-1, 1].
func Energy(frame protocol.AudioFrame) float64 {
	samples := frame.Samples()
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return sum / float64(len(samples))
}

// ThresholdClassifier flags frames whose RMS exceeds a fixed level.
type ThresholdClassifier struct {
	RMS float64
}

func (c ThresholdClassifier) Classify(frame protocol.AudioFrame) (bool, error) {
	return math.Sqrt(Energy(frame)) > c.RMS, nil
}

const fallbackBaseline = 1e-7

// EnergyClassifier calibrates a noise baseline from the first frames it sees
// and then treats anything louder than baseline*factor as speech. Frames
// consumed by calibration are reported as silence.
type EnergyClassifier struct {
	factor      float64
	calibrating int
	samples     []float64
	threshold   float64
}

func NewEnergyClassifier(calibrationFrames int, factor float64) *EnergyClassifier {
	c := &EnergyClassifier{factor: factor, calibrating: calibrationFrames}
	if calibrationFrames <= 0 {
		c.threshold = fallbackBaseline * factor
	}
	return c
}

func (c *EnergyClassifier) Classify(frame protocol.AudioFrame) (bool, error) {
	energy := Energy(frame)
	if c.calibrating > 0 {
		c.samples = append(c.samples, energy)
		c.calibrating--
		if c.calibrating == 0 {
			c.threshold = median(c.samples) * c.factor
			c.samples = nil
		}
		return false, nil
	}
	return energy > c.threshold, nil
}

// Calibrated reports whether the baseline is settled.
func (c *EnergyClassifier) Calibrated() bool {
	return c.calibrating == 0
}

// Threshold is the current energy threshold.
func (c *EnergyClassifier) Threshold() float64 {
	return c.threshold
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return fallbackBaseline
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	m := sorted[mid]
	if len(sorted)%2 == 0 {
		m = (sorted[mid-1] + sorted[mid]) / 2
	}
	if m <= 0 {
		return fallbackBaseline
	}
	return m
}
