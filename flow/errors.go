// Package flow provides the core dataflow workflow engine: task definitions,
// the type-checked workflow builder, split/combine state expansion, and the
// concurrent scheduler with content-addressed caching.
package flow

import "errors"

// ErrFrozen indicates an attempt to mutate a builder or spec after Build.
var ErrFrozen = errors.New("workflow spec is frozen")

// ErrLazyValue indicates an attempt to read a concrete value out of a lazy
// field during workflow construction. Branch conditions must be derived from
// values available at construction time.
var ErrLazyValue = errors.New("lazy field has no concrete value during construction")

// ErrInvalidRetryPolicy indicates a retry policy with invalid configuration.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// Build-time error codes carried by BuildError.Kind.
const (
	// CodeTypeMismatch: a wired source type is not assignable to the
	// destination input type.
	CodeTypeMismatch = "TYPE_MISMATCH"

	// CodeDuplicateNode: two nodes were added under the same name.
	CodeDuplicateNode = "DUPLICATE_NODE"

	// CodeDuplicateOutput: two workflow outputs share a name.
	CodeDuplicateOutput = "DUPLICATE_OUTPUT"

	// CodeMissingInput: a required task input has no binding and no default.
	CodeMissingInput = "MISSING_INPUT"

	// CodeUnknownField: an argument or output reference names a field the
	// task does not declare.
	CodeUnknownField = "UNKNOWN_FIELD"

	// CodeLazyInCondition: construction-time code tried to evaluate a lazy
	// field.
	CodeLazyInCondition = "LAZY_IN_CONDITION"

	// CodeAxisMismatch: two producers contribute the same axis with
	// different cardinalities, or a linked split has ragged sequences.
	CodeAxisMismatch = "AXIS_MISMATCH"

	// CodeBadSplit: a split source is neither a concrete sequence nor a
	// declared workflow input.
	CodeBadSplit = "BAD_SPLIT"

	// CodeFrozen: the builder was used after Build.
	CodeFrozen = "FROZEN"

	// CodeBadTask: a task definition is malformed.
	CodeBadTask = "BAD_TASK"
)

// Unit error codes carried by UnitError.Kind.
const (
	// CodeWorkerFailure: the task's executable returned an error.
	CodeWorkerFailure = "WORKER_FAILURE"

	// CodeTimeout: the unit exceeded its wall-clock limit.
	CodeTimeout = "TIMEOUT"

	// CodeCancelled: the run was cancelled before the unit completed.
	CodeCancelled = "CANCELLED"

	// CodeUnreachable: an upstream dependency failed, so the unit was
	// never executed.
	CodeUnreachable = "UNREACHABLE"

	// CodeEmptySplit: a scalar consumer depends on an axis of zero
	// cardinality.
	CodeEmptySplit = "EMPTY_SPLIT"

	// CodeRuntimeType: a value wired through the Any escape hatch failed
	// its dispatch-time type check.
	CodeRuntimeType = "RUNTIME_TYPE"

	// CodeCacheCorruption: a cache entry could not be read back.
	CodeCacheCorruption = "CACHE_CORRUPTION"

	// CodeEnvUnavailable: the worker backend could not provide the
	// requested execution environment.
	CodeEnvUnavailable = "ENV_UNAVAILABLE"
)

// BuildError is raised during workflow construction. Construction errors
// abort workflow creation; nothing is executed.
type BuildError struct {
	// Kind is one of the Code* build-time constants.
	Kind string

	// Node and Field identify the destination slot, when applicable.
	Node  string
	Field string

	// Src identifies the offending source as "node.field", when the error
	// concerns wiring.
	Src string

	// Msg is the human-readable description.
	Msg string

	// Cause is the underlying error, if any.
	Cause error
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *BuildError) Unwrap() error { return e.Cause }

// Error implements the error interface.
func (e *BuildError) Error() string {
	s := e.Kind
	if e.Node != "" {
		s += " at " + e.Node
		if e.Field != "" {
			s += "." + e.Field
		}
	}
	if e.Src != "" {
		s += " from " + e.Src
	}
	return s + ": " + e.Msg
}

// UnitError describes the failure of a single work unit. Unit failures are
// isolated: independent branches keep running, and transitive dependents are
// recorded as unreachable with a reference back to the originating unit.
type UnitError struct {
	// Kind is one of the Code* unit constants.
	Kind string

	// Unit is the failing unit's id, "node[coord]".
	Unit string

	// Node is the node name; Coord the state coordinate (empty = scalar).
	Node  string
	Coord []int

	// Msg is the human-readable description.
	Msg string

	// Cause is the underlying error, if any.
	Cause error

	// Stdout and Stderr capture command output for shell-task failures.
	Stdout string
	Stderr string

	// UpstreamUnit references the originally failing unit for
	// unreachable errors.
	UpstreamUnit string
}

// Error implements the error interface.
func (e *UnitError) Error() string {
	s := e.Kind + " in unit " + e.Unit
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.UpstreamUnit != "" {
		s += " (caused by " + e.UpstreamUnit + ")"
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *UnitError) Unwrap() error { return e.Cause }

// Retryable reports whether the unit failure may be retried under a policy
// whose predicate is nil-safe. Timeouts and worker failures are candidates;
// cancellation and unreachability are terminal.
func (e *UnitError) Retryable() bool {
	switch e.Kind {
	case CodeWorkerFailure, CodeTimeout, CodeEnvUnavailable:
		return true
	}
	return false
}
