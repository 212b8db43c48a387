package events

import "time"

// StatusChanged is emitted whenever a build target moves through its lifecycle.
// From is empty for a freshly registered target; To is "removed" on disposal.
type StatusChanged struct {
	Route string
	From  string
	To    string
	At    time.Time
}

// CycleStarted is emitted when the scheduler asks the build engine to rebuild.
type CycleStarted struct {
	Cycle uint64
	At    time.Time
}

// CycleCompleted is emitted after a cycle-done report has been applied.
type CycleCompleted struct {
	Cycle    uint64
	Built    []string
	Failed   []string
	Duration time.Duration
}

// TargetsDisposed is emitted once per sweep batch that removed targets.
type TargetsDisposed struct {
	Routes []string
	At     time.Time
}

// HotReload is an unsolicited keep-alive message for connected browser tabs.
// Action is "reload" or "change".
type HotReload struct {
	Action string
	Route  string
}
