package aggregation

import "time"

// Metrics is the write-only sink for accumulator update timings.
type Metrics interface {
	RecordAccumulatorUpdateTimeSince(start time.Time)
}

// NoopMetrics discards every sample.
type NoopMetrics struct{}

func (NoopMetrics) RecordAccumulatorUpdateTimeSince(time.Time) {}
