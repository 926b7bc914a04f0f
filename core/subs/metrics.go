package subs

// SubMetrics defines the metrics interface for subscriptions. All methods
// are thread-safe.
type SubMetrics interface {
	SubscriptionConfirmed(kind string)
	SubscriptionResubscribed(kind string)
	SubscriptionDropped(kind string, reason string)
	EventsDelivered(kind string, count int)
	AcksSent(count int)
	NaksSent(count int)
}

// nopSubMetrics is a no-op implementation of SubMetrics.
type nopSubMetrics struct{}

func (nopSubMetrics) SubscriptionConfirmed(string)       {}
func (nopSubMetrics) SubscriptionResubscribed(string)    {}
func (nopSubMetrics) SubscriptionDropped(string, string) {}
func (nopSubMetrics) EventsDelivered(string, int)        {}
func (nopSubMetrics) AcksSent(int)                       {}
func (nopSubMetrics) NaksSent(int)                       {}

// NopSubMetrics returns a no-op SubMetrics implementation.
func NopSubMetrics() SubMetrics { return nopSubMetrics{} }
