// Package emit provides pluggable observability for workflow runs.
//
// The scheduler emits an Event at every lifecycle transition of a run and
// of its work units. Emitters fan those events out to logging, tracing or
// in-memory capture backends without coupling execution to any of them.
package emit

// Event kinds emitted over a run's lifetime.
const (
	// RunStart and RunEnd bracket a workflow run. RunEnd carries
	// "failed" in Meta when the run did not complete cleanly.
	RunStart = "run_start"
	RunEnd   = "run_end"

	// UnitStart fires when a unit is handed to the backend, UnitEnd
	// when its outputs are committed.
	UnitStart = "unit_start"
	UnitEnd   = "unit_end"

	// UnitCached fires instead of UnitStart/UnitEnd when the cache
	// already holds the unit's outputs.
	UnitCached = "unit_cached"

	// UnitRetry fires before each re-execution attempt, with "attempt"
	// and "delay_ms" in Meta.
	UnitRetry = "unit_retry"

	// UnitFailed fires when a unit exhausts its attempts.
	UnitFailed = "unit_failed"

	// UnitUnreachable fires for units skipped because an upstream unit
	// failed.
	UnitUnreachable = "unit_unreachable"
)

// Event is one observability record from workflow execution.
type Event struct {
	// RunID identifies the workflow run that emitted this event.
	RunID string

	// Workflow is the workflow name.
	Workflow string

	// Node is the node name. Empty for run-level events.
	Node string

	// Unit is the unit identifier, including its split coordinate.
	// Empty for run- and node-level events.
	Unit string

	// Kind is one of the event kind constants.
	Kind string

	// Err carries the failure description for UnitFailed and
	// UnitUnreachable events.
	Err string

	// Meta contains additional structured data. Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "attempt": retry attempt number (1-based)
	//   - "delay_ms": backoff before a retry, in milliseconds
	Meta map[string]any
}
