package metrics

import "time"

// InvalidationOutcome labels what an invalidate call did.
type InvalidationOutcome string

const (
	InvalidationStarted   InvalidationOutcome = "started"
	InvalidationCollapsed InvalidationOutcome = "collapsed"
)

// WaitOutcome labels how an EnsureRoute wait ended.
type WaitOutcome string

const (
	WaitBuilt    WaitOutcome = "built"
	WaitFailed   WaitOutcome = "failed"
	WaitNotFound WaitOutcome = "not_found"
	WaitCanceled WaitOutcome = "canceled"
)

// Recorder defines observability hooks for the scheduler and keep-alive channel.
type Recorder interface {
	ObserveCycleDuration(d time.Duration)
	IncInvalidation(outcome InvalidationOutcome)
	AddEvictions(n int)
	SetTargets(status string, n int)
	ObserveEnsureWait(d time.Duration, outcome WaitOutcome)
	SetKeepAliveSessions(n int)
	IncKeepAliveMessage(kind string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveCycleDuration(time.Duration)           {}
func (NoopRecorder) IncInvalidation(InvalidationOutcome)          {}
func (NoopRecorder) AddEvictions(int)                             {}
func (NoopRecorder) SetTargets(string, int)                       {}
func (NoopRecorder) ObserveEnsureWait(time.Duration, WaitOutcome) {}
func (NoopRecorder) SetKeepAliveSessions(int)                     {}
func (NoopRecorder) IncKeepAliveMessage(string)                   {}
