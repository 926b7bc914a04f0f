package dispatch

import "github.com/codewandler/evstore-go/core/metrics"

// DispatchMetrics defines the metrics interface for the operation dispatcher.
// All methods are thread-safe.
type DispatchMetrics interface {
	OperationDuration(command string) metrics.Timer
	OperationCompleted(command string, success bool)
	OperationRetried(command string, reason string)
	QueueDepth(depth int)
}

// nopDispatchMetrics is a no-op implementation of DispatchMetrics.
type nopDispatchMetrics struct{}

func (nopDispatchMetrics) OperationDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopDispatchMetrics) OperationCompleted(string, bool)        {}
func (nopDispatchMetrics) OperationRetried(string, string)        {}
func (nopDispatchMetrics) QueueDepth(int)                         {}

// NopDispatchMetrics returns a no-op DispatchMetrics implementation.
func NopDispatchMetrics() DispatchMetrics { return nopDispatchMetrics{} }
