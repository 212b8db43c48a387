package ondemand

// Pipeline identifies one of the build engine's compilers.
type Pipeline string

const (
	PipelineBrowser Pipeline = "browser"
	PipelineServer  Pipeline = "server"
)

// Pipelines lists every pipeline in preparation order.
var Pipelines = []Pipeline{PipelineBrowser, PipelineServer}

// Entry is one build target handed to a pipeline for the upcoming cycle.
type Entry struct {
	Name    string // bundle name, reported back in PipelineResult
	Request string // absolute path of the page source
	Route   string
}

// PipelineResult is what one pipeline produced in a cycle, keyed by bundle name.
type PipelineResult struct {
	Completed []string
	Changed   []string
	Failed    map[string]error
}

// CycleReport is delivered to EngineHooks.Done after every cycle.
type CycleReport struct {
	Pipelines map[Pipeline]PipelineResult
	// ReloadRoutes lists routes whose shared output (layout, document) changed
	// and need a hard refresh.
	ReloadRoutes []string
}

// EngineHooks are registered once with the build engine.
type EngineHooks struct {
	// Prepare is called for each pipeline while a cycle assembles its entry
	// set. The scheduler answers by calling AddBuildTargets for that pipeline.
	Prepare func(p Pipeline)
	// Done is called after both pipelines finished a cycle.
	Done func(report CycleReport)
}

// BuildEngine is the compiler surface the scheduler drives.
type BuildEngine interface {
	Register(hooks EngineHooks)
	AddBuildTargets(p Pipeline, entries []Entry)
	InvalidateAndRebuild()
}
