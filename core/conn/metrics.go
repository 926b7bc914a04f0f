package conn

import "github.com/codewandler/evstore-go/core/metrics"

// ConnMetrics defines the metrics interface for the connection machine.
// All methods are thread-safe.
type ConnMetrics interface {
	ConnectDuration() metrics.Timer
	ConnectCompleted(success bool)
	Reconnects()

	HeartbeatTimeouts()
	WaitersOverflowed()
	PackagesSent(command string)
	PackagesReceived(command string)
}

// nopConnMetrics is a no-op implementation of ConnMetrics.
type nopConnMetrics struct{}

func (nopConnMetrics) ConnectDuration() metrics.Timer { return metrics.NopTimer() }
func (nopConnMetrics) ConnectCompleted(bool)          {}
func (nopConnMetrics) Reconnects()                    {}

func (nopConnMetrics) HeartbeatTimeouts()      {}
func (nopConnMetrics) WaitersOverflowed()      {}
func (nopConnMetrics) PackagesSent(string)     {}
func (nopConnMetrics) PackagesReceived(string) {}

// NopConnMetrics returns a no-op ConnMetrics implementation.
func NopConnMetrics() ConnMetrics { return nopConnMetrics{} }
