package telemetry

import "time"

// Recorder receives the agent's self-telemetry. Pipeline components hold
// a Recorder; Nop discards everything.
type Recorder interface {
	PollCycle(namespace, poller, result string, duration time.Duration)
	PollSkipped(namespace, poller string)
	Delivery(namespace, sink, result string)
	Dropped(namespace, stage, name string)
	ListenerMessage(protocol string, port int)
	ConnectionError(protocol string, port int)
	NamespacesActive(n int)
}

// Poll cycle and delivery results
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Stages at which events are dropped
const (
	StageListener = "listener"
	StageDispatch = "dispatch"
)

type nop struct{}

func (nop) PollCycle(string, string, string, time.Duration) {}
func (nop) PollSkipped(string, string)                      {}
func (nop) Delivery(string, string, string)                 {}
func (nop) Dropped(string, string, string)                  {}
func (nop) ListenerMessage(string, int)                     {}
func (nop) ConnectionError(string, int)                     {}
func (nop) NamespacesActive(int)                            {}

// Nop returns a Recorder that discards all observations.
func Nop() Recorder {
	return nop{}
}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop()
	}
	return r
}
