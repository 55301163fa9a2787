package h2d

import (
	"sync"
)

// Using the same model as k8s.io/client-go/tools/metrics: pluggable
// interfaces with noop defaults, registered once at startup.

// CounterMetric counts occurrences of an event.
type CounterMetric interface {
	Increment()
}

// ResultMetric counts responses partitioned by status code.
type ResultMetric interface {
	Increment(status string)
}

var (
	// SessionsStarted is bumped for every accepted connection.
	SessionsStarted CounterMetric = noopCounter{}
	// SessionsClosed is bumped when a handler is destroyed.
	SessionsClosed CounterMetric = noopCounter{}
	// RequestResult counts submitted responses by status.
	RequestResult ResultMetric = noopResult{}
)

// RegisterOpts contains the metrics to register. Entries may be nil.
type RegisterOpts struct {
	SessionsStarted CounterMetric
	SessionsClosed  CounterMetric
	RequestResult   ResultMetric
}

var registerMetrics sync.Once

// Register installs metric implementations. Only the first call wins.
func Register(opts RegisterOpts) {
	registerMetrics.Do(func() {
		if opts.SessionsStarted != nil {
			SessionsStarted = opts.SessionsStarted
		}
		if opts.SessionsClosed != nil {
			SessionsClosed = opts.SessionsClosed
		}
		if opts.RequestResult != nil {
			RequestResult = opts.RequestResult
		}
	})
}

type noopCounter struct{}

func (noopCounter) Increment() {}

type noopResult struct{}

func (noopResult) Increment(string) {}
