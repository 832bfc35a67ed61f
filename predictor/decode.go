package predictor

import (
	"fmt"
	"math"
)

// OutputMode selects how the model output vector becomes one number.
type OutputMode string

const (
	// Regression reads the first output value.
	Regression OutputMode = "regression"
	// Argmax reports the index of the highest scoring class.
	Argmax OutputMode = "argmax"
	// Expectation reports the softmax-weighted mean class index.
	Expectation OutputMode = "expectation"
)

func ParseOutputMode(s string) (OutputMode, error) {
	switch OutputMode(s) {
	case Regression, Argmax, Expectation:
		return OutputMode(s), nil
	case "":
		return Regression, nil
	}
	return "", fmt.Errorf("unknown output mode %q", s)
}

func decodeOutput(mode OutputMode, out []float32) (float64, error) {
	if len(out) == 0 {
		return 0, fmt.Errorf("model returned an empty output")
	}

	switch mode {
	case Argmax:
		best := 0
		for i, v := range out {
			if v > out[best] {
				best = i
			}
		}
		return float64(best), nil
	case Expectation:
		maxLogit := float64(out[0])
		for _, v := range out[1:] {
			maxLogit = math.Max(maxLogit, float64(v))
		}
		var sum, weighted float64
		for i, v := range out {
			e := math.Exp(float64(v) - maxLogit)
			sum += e
			weighted += float64(i) * e
		}
		return weighted / sum, nil
	default:
		v := float64(out[0])
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("model returned a non-finite value")
		}
		return v, nil
	}
}
