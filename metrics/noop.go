package metrics

import "time"

// NoopRecorder discards everything. It is the default when a gate is built
// without metrics.
type NoopRecorder struct{}

// NewNoopRecorder creates a recorder that does nothing.
func NewNoopRecorder() Recorder {
	return &NoopRecorder{}
}

// IncCounter implements Recorder.
func (n *NoopRecorder) IncCounter(string, map[string]string) {}

// ObserveLatency implements Recorder.
func (n *NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
