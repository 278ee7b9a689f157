package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mhalter/dataflow-go/flow/cache"
	"github.com/mhalter/dataflow-go/flow/emit"
	"github.com/mhalter/dataflow-go/flow/types"
	"github.com/mhalter/dataflow-go/flow/worker"
)

// Submitter executes frozen workflows against a worker backend.
//
// A Submitter is safe for concurrent use; each Run gets its own scheduler
// while the backend, cache, emitter and metrics are shared.
//
// Example:
//
//	pool := worker.NewLocalPool(8)
//	defer pool.Close()
//	store, _ := cache.New("/tmp/flow-cache")
//	sub := flow.NewSubmitter(pool, flow.WithCache(store))
//	res, err := sub.Run(ctx, spec, map[string]any{"a": 2})
type Submitter struct {
	backend        worker.Backend
	cache          *cache.Cache
	emitter        emit.Emitter
	metrics        *Metrics
	resolver       worker.CommandResolver
	defaultTimeout time.Duration
	maxNesting     int
}

// SubmitterOption customizes a Submitter.
type SubmitterOption func(*Submitter)

// WithCache enables content-addressed result caching and at-most-once
// execution across concurrent runs sharing the cache.
func WithCache(c *cache.Cache) SubmitterOption {
	return func(s *Submitter) { s.cache = c }
}

// WithEmitter installs an observability emitter. Defaults to the null
// emitter.
func WithEmitter(e emit.Emitter) SubmitterOption {
	return func(s *Submitter) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithMetrics installs a Prometheus metrics collector.
func WithMetrics(m *Metrics) SubmitterOption {
	return func(s *Submitter) { s.metrics = m }
}

// WithResolver overrides the shell command template resolver.
func WithResolver(r worker.CommandResolver) SubmitterOption {
	return func(s *Submitter) {
		if r != nil {
			s.resolver = r
		}
	}
}

// WithDefaultTimeout sets the per-unit wall-clock limit for tasks that
// declare none. Zero means unlimited.
func WithDefaultTimeout(d time.Duration) SubmitterOption {
	return func(s *Submitter) { s.defaultTimeout = d }
}

// WithMaxNesting caps nested-workflow expansion depth, guarding against
// runaway recursive constructors. Defaults to 64.
func WithMaxNesting(depth int) SubmitterOption {
	return func(s *Submitter) {
		if depth > 0 {
			s.maxNesting = depth
		}
	}
}

// NewSubmitter creates a Submitter over the given backend.
func NewSubmitter(backend worker.Backend, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		backend:    backend,
		emitter:    emit.NewNullEmitter(),
		resolver:   worker.DefaultResolver{},
		maxNesting: 64,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run executes a workflow with the given input bindings and blocks until
// every reachable unit settles. Independent branches keep running when one
// branch fails; per-output success and failure land in the Result.
func (s *Submitter) Run(ctx context.Context, spec *GraphSpec, inputs map[string]any) (*Result, error) {
	coerced, err := s.checkRunInputs(spec, inputs)
	if err != nil {
		return nil, err
	}
	return s.runSpec(ctx, spec, coerced, 0)
}

// checkRunInputs validates the run's input bindings against the workflow's
// declared inputs, applying defaults and coercions.
func (s *Submitter) checkRunInputs(spec *GraphSpec, inputs map[string]any) (map[string]any, error) {
	for name := range inputs {
		if _, ok := spec.InputField(name); !ok {
			return nil, &BuildError{Kind: CodeUnknownField, Field: name,
				Msg: "workflow " + spec.Name + " declares no input " + name}
		}
	}
	coerced := make(map[string]any, len(spec.DeclaredInputs))
	for _, f := range spec.DeclaredInputs {
		v, ok := inputs[f.Name]
		if !ok {
			if f.HasDefault {
				coerced[f.Name] = f.Default
				continue
			}
			if f.Required {
				return nil, &BuildError{Kind: CodeMissingInput, Field: f.Name,
					Msg: "required workflow input is unbound"}
			}
			continue
		}
		cv, err := types.Coerce(v, f.Type, spec.Formats)
		if err != nil {
			return nil, &BuildError{Kind: CodeTypeMismatch, Field: f.Name, Msg: err.Error()}
		}
		coerced[f.Name] = cv
	}
	return coerced, nil
}

// runSpec drives one (possibly nested) run to completion.
func (s *Submitter) runSpec(ctx context.Context, spec *GraphSpec, inputs map[string]any, depth int) (*Result, error) {
	if depth >= s.maxNesting {
		return nil, fmt.Errorf("workflow %s exceeds the nesting limit of %d", spec.Name, s.maxNesting)
	}
	st, err := newRunState(spec, inputs)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	s.emitter.Emit(emit.Event{RunID: runID, Workflow: spec.Name, Kind: emit.RunStart})

	sc := newRunSched(s, spec, st, runID, depth)
	sc.run(ctx)

	res := s.assembleResult(spec, st, sc, runID)
	status := "success"
	if res.Err() != nil {
		status = "failed"
	}
	s.metrics.RunFinished(status)
	s.emitter.Emit(emit.Event{RunID: runID, Workflow: spec.Name, Kind: emit.RunEnd,
		Meta: map[string]any{
			"status":      status,
			"units":       res.Stats.Units,
			"cache_hits":  res.Stats.CacheHits,
			"failed":      res.Stats.Failed,
			"unreachable": res.Stats.Unreachable,
			"duration_ms": res.Stats.Duration.Milliseconds(),
		}})
	return res, nil
}

// assembleResult materializes the declared outputs from the settled units.
// An output whose producing node lost any unit reports that unit's failure
// instead of a value.
func (s *Submitter) assembleResult(spec *GraphSpec, st *runState, sc *runSched, runID string) *Result {
	res := &Result{
		RunID:    runID,
		Workflow: spec.Name,
		Stats:    sc.stats,
		outputs:  make(map[string]any),
		outErrs:  make(map[string]error),
		order:    append([]string(nil), spec.OutputOrder...),
	}
	for uid := 0; uid < sc.total; uid++ {
		if sc.errs[uid] != nil {
			res.unitErrs = append(res.unitErrs, sc.errs[uid])
		}
	}

	lookup := func(name string) []map[string]any {
		return sc.outputs[sc.nodeIdx[name]]
	}
	for _, name := range spec.OutputOrder {
		l := spec.Outputs[name]
		if !l.FromInput() {
			if err := sc.nodeFailure(l.Node); err != nil {
				res.outErrs[name] = err
				continue
			}
		}
		v, err := st.outputValue(l, lookup)
		if err != nil {
			res.outErrs[name] = err
			if ue, ok := err.(*UnitError); ok {
				res.unitErrs = append(res.unitErrs, ue)
			}
			continue
		}
		res.outputs[name] = v
	}
	return res
}

// nodeFailure returns the first terminal error among a node's units, if
// any. A workflow output reads across all of its producer's units, so one
// lost unit fails the whole output.
func (sc *runSched) nodeFailure(node string) *UnitError {
	ni := sc.nodeIdx[node]
	count := len(sc.outputs[ni])
	for idx := 0; idx < count; idx++ {
		uid := sc.offset[ni] + idx
		if sc.errs[uid] != nil {
			return sc.errs[uid]
		}
	}
	return nil
}
