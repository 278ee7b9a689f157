package flow

import (
	"time"
)

// RunStats summarizes a run's unit accounting.
type RunStats struct {
	// Units is the total number of materialized work units.
	Units int

	// CacheHits counts units satisfied from the cache.
	CacheHits int

	// Failed counts units that exhausted their attempts.
	Failed int

	// Unreachable counts units skipped because of upstream failures.
	Unreachable int

	// Duration is the wall-clock time of the run.
	Duration time.Duration
}

// Result is the outcome view of one workflow run.
//
// Every declared output is either a value or an error; independent branches
// of a workflow settle independently, so a run can deliver some outputs
// while others report upstream failures.
type Result struct {
	// RunID is the unique run identifier.
	RunID string

	// Workflow is the workflow name.
	Workflow string

	// Stats summarizes unit accounting for the run.
	Stats RunStats

	outputs  map[string]any
	outErrs  map[string]error
	order    []string
	unitErrs []*UnitError
}

// Output returns one declared output by name. Scalar outputs come back as
// their value; outputs with open split axes come back as a flat list in
// row-major axis order.
func (r *Result) Output(name string) (any, error) {
	if err, failed := r.outErrs[name]; failed {
		return nil, err
	}
	v, ok := r.outputs[name]
	if !ok {
		return nil, &BuildError{Kind: CodeUnknownField, Field: name,
			Msg: "workflow declares no output " + name}
	}
	return v, nil
}

// Outputs returns all declared outputs. If any output failed, the first
// failure in declaration order is returned alongside the partial map.
func (r *Result) Outputs() (map[string]any, error) {
	out := make(map[string]any, len(r.outputs))
	for k, v := range r.outputs {
		out[k] = v
	}
	var firstErr error
	for _, name := range r.order {
		if err, failed := r.outErrs[name]; failed && firstErr == nil {
			firstErr = err
		}
	}
	return out, firstErr
}

// Err returns nil for a fully successful run, otherwise the first unit
// failure.
func (r *Result) Err() error {
	if len(r.unitErrs) == 0 {
		return nil
	}
	return r.unitErrs[0]
}

// UnitErrors returns every terminal unit failure of the run, including
// unreachable units, in settlement order.
func (r *Result) UnitErrors() []*UnitError {
	return append([]*UnitError(nil), r.unitErrs...)
}
