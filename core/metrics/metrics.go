// Package metrics provides the abstract instrumentation types shared by the
// per-component metrics interfaces, so core packages stay decoupled from any
// concrete backend (Prometheus, StatsD, etc.).
package metrics

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes to record the elapsed time.
type Timer interface {
	// ObserveDuration records the elapsed time since the timer was created.
	ObserveDuration()
}
