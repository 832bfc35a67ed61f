package detections

import "time"

const (
	DefaultInputSize     = 640
	DefaultConfThreshold = 0.5
	RetryAttempts        = 3
	RetryDelay           = 100 * time.Millisecond

	// channels in the detector output: cx, cy, w, h, confidence
	outputChannels = 5
)
