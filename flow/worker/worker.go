// Package worker provides the execution backends that run work units on
// behalf of the scheduler.
//
// A Backend accepts fully resolved units and reports their outcomes on a
// channel. The scheduler stays backend-agnostic: the local pool in this
// package runs units in-process under a concurrency limit, and alternative
// backends (remote executors, batch systems) implement the same interface.
package worker

import (
	"context"
	"errors"
	"time"
)

// ErrPoolClosed is returned by Submit after the backend has been closed.
var ErrPoolClosed = errors.New("worker: pool closed")

// ErrTimeout marks an execution that exceeded its wall-clock limit.
var ErrTimeout = errors.New("worker: unit timed out")

// ErrUnknownEnv is returned when a unit names an environment binding the
// backend cannot provide.
var ErrUnknownEnv = errors.New("worker: unknown environment")

// Unit is one schedulable execution: a resolved task invocation carrying
// its own executable closure. Units are self-contained; the backend never
// inspects workflow structure.
type Unit struct {
	// ID uniquely identifies the unit within a run, for cancellation
	// and outcome correlation.
	ID string

	// Node and TaskID locate the unit for logs and events.
	Node   string
	TaskID string

	// Env is the environment binding the unit must run under.
	Env string

	// Timeout is the wall-clock limit. Zero means no per-unit limit.
	Timeout time.Duration

	// Execute performs the work and returns the output bindings.
	Execute func(ctx context.Context) (map[string]any, error)
}

// Outcome reports the result of one unit execution.
type Outcome struct {
	// UnitID echoes the unit's ID.
	UnitID string

	// Outputs holds the output bindings on success.
	Outputs map[string]any

	// Err is nil on success. Timeouts carry ErrTimeout, cancellation
	// carries context.Canceled.
	Err error

	// Started and Finished bound the execution on the backend's clock.
	Started  time.Time
	Finished time.Time
}

// Backend executes units.
//
// Submit returns immediately with a channel that delivers exactly one
// Outcome; the backend applies its own admission control. Cancel aborts a
// running or queued unit by ID. Close cancels everything still running and
// releases backend resources.
type Backend interface {
	Submit(ctx context.Context, u Unit) (<-chan Outcome, error)
	Cancel(unitID string)
	Close() error
}
