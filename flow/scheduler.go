package flow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mhalter/dataflow-go/flow/cache"
	"github.com/mhalter/dataflow-go/flow/emit"
	"github.com/mhalter/dataflow-go/flow/types"
	"github.com/mhalter/dataflow-go/flow/worker"
)

type unitStatus int

const (
	unitPending unitStatus = iota
	unitRunning
	unitDone
	unitFailed
	unitSkipped
)

// completion is one settled unit reported back to the event loop.
type completion struct {
	uid     int
	outputs map[string]any
	err     *UnitError
	cached  bool
	elapsed time.Duration
}

// runSched drives one workflow run: it materializes every work unit up
// front (all cardinalities are fixed once inputs are concrete), tracks
// per-unit dependency counts, and settles completions on a single event
// loop goroutine. Drivers run in their own goroutines, bounded by the
// worker backend, so the loop itself never blocks on execution.
type runSched struct {
	sub   *Submitter
	spec  *GraphSpec
	st    *runState
	runID string
	depth int

	nodeIdx map[string]int
	offset  []int
	uidNode []int
	uidIdx  []int
	total   int

	outputs  [][]map[string]any
	status   []unitStatus
	deps     []int
	children [][]int
	errs     []*UnitError

	completions chan completion
	stats       RunStats
}

func newRunSched(sub *Submitter, spec *GraphSpec, st *runState, runID string, depth int) *runSched {
	sc := &runSched{
		sub:     sub,
		spec:    spec,
		st:      st,
		runID:   runID,
		depth:   depth,
		nodeIdx: make(map[string]int, len(spec.Nodes)),
		offset:  make([]int, len(spec.Nodes)),
		outputs: make([][]map[string]any, len(spec.Nodes)),
	}
	for i, n := range spec.Nodes {
		sc.nodeIdx[n.Name] = i
		sc.offset[i] = sc.total
		count := st.unitCount(n)
		sc.outputs[i] = make([]map[string]any, count)
		for u := 0; u < count; u++ {
			sc.uidNode = append(sc.uidNode, i)
			sc.uidIdx = append(sc.uidIdx, u)
		}
		sc.total += count
	}

	sc.status = make([]unitStatus, sc.total)
	sc.deps = make([]int, sc.total)
	sc.children = make([][]int, sc.total)
	sc.errs = make([]*UnitError, sc.total)
	sc.completions = make(chan completion, sc.total)
	sc.stats.Units = sc.total
	sc.wireDependencies()
	return sc
}

// wireDependencies links every consumer unit to the exact producer units it
// reads: one unit for plain wires, the full gather set for combined wires.
func (sc *runSched) wireDependencies() {
	for ni, n := range sc.spec.Nodes {
		count := sc.st.unitCount(n)
		for idx := 0; idx < count; idx++ {
			uid := sc.offset[ni] + idx
			coord := sc.st.coord(n, idx)
			seen := make(map[int]bool)
			for _, f := range n.Task.Inputs {
				v, ok := n.Inputs[f.Name]
				if !ok {
					continue
				}
				l, isLazy := v.Lazy()
				if !isLazy || l.FromInput() {
					continue
				}
				pi := sc.nodeIdx[l.Node]
				producer := sc.spec.Nodes[pi]
				if len(producer.CombineKeys) > 0 {
					vis := project(n.execAxes, coord, producer.visAxes)
					for _, pu := range sc.st.gatherUnits(producer, vis) {
						sc.addDep(uid, sc.offset[pi]+pu, seen)
					}
					continue
				}
				pu := sc.st.producerUnit(n, coord, producer)
				sc.addDep(uid, sc.offset[pi]+pu, seen)
			}
		}
	}
}

func (sc *runSched) addDep(uid, parent int, seen map[int]bool) {
	if seen[parent] {
		return
	}
	seen[parent] = true
	sc.deps[uid]++
	sc.children[parent] = append(sc.children[parent], uid)
}

// unitName renders a unit as "node" or "node[i,j]" for events and errors.
func (sc *runSched) unitName(uid int) string {
	n := sc.spec.Nodes[sc.uidNode[uid]]
	if len(n.execAxes) == 0 {
		return n.Name
	}
	coord := sc.st.coord(n, sc.uidIdx[uid])
	parts := make([]string, len(coord))
	for i, c := range coord {
		parts[i] = fmt.Sprintf("%d", c)
	}
	return n.Name + "[" + strings.Join(parts, ",") + "]"
}

// run executes the whole unit graph and blocks until every unit settles.
func (sc *runSched) run(ctx context.Context) {
	started := time.Now()
	pending := sc.total
	for uid := 0; uid < sc.total; uid++ {
		if sc.deps[uid] == 0 {
			sc.launch(ctx, uid)
		}
	}

	for pending > 0 {
		c := <-sc.completions
		pending--
		if c.err != nil {
			sc.settleFailure(c, &pending)
			continue
		}
		sc.settleSuccess(ctx, c)
	}
	sc.stats.Duration = time.Since(started)
}

func (sc *runSched) settleSuccess(ctx context.Context, c completion) {
	ni, idx := sc.uidNode[c.uid], sc.uidIdx[c.uid]
	sc.outputs[ni][idx] = c.outputs
	sc.status[c.uid] = unitDone

	n := sc.spec.Nodes[ni]
	kind := emit.UnitEnd
	if c.cached {
		kind = emit.UnitCached
		sc.stats.CacheHits++
		sc.sub.metrics.UnitSettled(n.Task.ID, "cached")
	}
	sc.emitUnit(kind, c.uid, "", map[string]any{
		"duration_ms": c.elapsed.Milliseconds(),
	})

	for _, child := range sc.children[c.uid] {
		sc.deps[child]--
		if sc.deps[child] == 0 && sc.status[child] == unitPending {
			sc.launch(ctx, child)
		}
	}
}

// settleFailure records a terminal unit failure and transitively skips all
// units that can no longer receive their inputs.
func (sc *runSched) settleFailure(c completion, pending *int) {
	sc.status[c.uid] = unitFailed
	sc.errs[c.uid] = c.err
	sc.stats.Failed++
	sc.emitUnit(emit.UnitFailed, c.uid, c.err.Error(), nil)

	queue := append([]int(nil), sc.children[c.uid]...)
	failedName := sc.unitName(c.uid)
	for len(queue) > 0 {
		uid := queue[0]
		queue = queue[1:]
		if sc.status[uid] != unitPending {
			continue
		}
		sc.status[uid] = unitSkipped
		n := sc.spec.Nodes[sc.uidNode[uid]]
		sc.errs[uid] = &UnitError{
			Kind:         CodeUnreachable,
			Unit:         sc.unitName(uid),
			Node:         n.Name,
			Coord:        sc.st.coord(n, sc.uidIdx[uid]),
			Msg:          "upstream unit failed",
			UpstreamUnit: failedName,
		}
		sc.stats.Unreachable++
		sc.sub.metrics.UnitSettled(n.Task.ID, "unreachable")
		sc.emitUnit(emit.UnitUnreachable, uid, sc.errs[uid].Msg, nil)
		*pending--
		queue = append(queue, sc.children[uid]...)
	}
}

// launch resolves a ready unit's inputs on the loop goroutine, then hands
// execution to a driver goroutine.
func (sc *runSched) launch(ctx context.Context, uid int) {
	sc.status[uid] = unitRunning
	ni, idx := sc.uidNode[uid], sc.uidIdx[uid]
	n := sc.spec.Nodes[ni]
	coord := sc.st.coord(n, idx)

	lookup := func(name string) []map[string]any {
		return sc.outputs[sc.nodeIdx[name]]
	}
	inputs, err := sc.st.resolveUnitInputs(n, coord, lookup)
	if err != nil {
		ue := asUnitError(err, sc.unitName(uid), n.Name, coord)
		sc.completions <- completion{uid: uid, err: ue}
		return
	}

	if n.Task.Kind == KindWorkflow {
		go sc.driveWorkflow(ctx, uid, n, coord, inputs)
		return
	}
	go sc.driveUnit(ctx, uid, n, coord, inputs)
}

// driveUnit executes one func or shell unit through the cache and the
// worker backend, applying the task's retry policy.
func (sc *runSched) driveUnit(ctx context.Context, uid int, n *Node, coord []int, inputs map[string]any) {
	name := sc.unitName(uid)
	started := time.Now()

	run := func(ctx context.Context) (map[string]any, error) {
		return sc.executeAttempts(ctx, uid, n, coord, inputs)
	}

	var outputs map[string]any
	var hit bool
	var err error
	if sc.sub.cache != nil {
		var key string
		key, err = cache.Key(n.Task.ID, inputs, n.Env)
		if err == nil {
			outputs, hit, err = sc.sub.cache.Execute(ctx, key, n.Task.ID, n.Env, inputs, run)
		}
	} else {
		outputs, err = run(ctx)
	}
	if err != nil {
		sc.completions <- completion{uid: uid, err: asUnitError(err, name, n.Name, coord),
			elapsed: time.Since(started)}
		return
	}

	outputs, verr := validateOutputs(n, outputs, sc.spec.Formats)
	if verr != nil {
		sc.completions <- completion{uid: uid, err: asUnitError(verr, name, n.Name, coord),
			elapsed: time.Since(started)}
		return
	}
	sc.completions <- completion{uid: uid, outputs: outputs, cached: hit,
		elapsed: time.Since(started)}
}

// executeAttempts submits the unit to the backend, retrying per the task's
// policy with exponential backoff.
func (sc *runSched) executeAttempts(ctx context.Context, uid int, n *Node, coord []int, inputs map[string]any) (map[string]any, error) {
	name := sc.unitName(uid)
	maxAttempts := 1
	if n.Task.Retry != nil {
		maxAttempts = n.Task.Retry.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := n.Task.Retry.backoff(attempt - 1)
			sc.sub.metrics.Retry(n.Task.ID)
			sc.emitUnit(emit.UnitRetry, uid, "", map[string]any{
				"attempt":  attempt + 1,
				"delay_ms": delay.Milliseconds(),
			})
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil, asUnitError(ctx.Err(), name, n.Name, coord)
				}
			}
		}

		outputs, err := sc.submitOnce(ctx, uid, n, coord, inputs)
		if err == nil {
			return outputs, nil
		}
		lastErr = err
		ue := asUnitError(err, name, n.Name, coord)
		if n.Task.Retry == nil || !n.Task.Retry.shouldRetry(ue) {
			return nil, ue
		}
	}
	return nil, asUnitError(lastErr, name, n.Name, coord)
}

func (sc *runSched) submitOnce(ctx context.Context, uid int, n *Node, coord []int, inputs map[string]any) (map[string]any, error) {
	name := sc.unitName(uid)
	timeout := n.Task.Timeout
	if timeout == 0 {
		timeout = sc.sub.defaultTimeout
	}

	execute, err := sc.buildExecutable(n, inputs)
	if err != nil {
		return nil, err
	}
	u := worker.Unit{
		ID:      sc.runID + "/" + name,
		Node:    n.Name,
		TaskID:  n.Task.ID,
		Env:     n.Env,
		Timeout: timeout,
		Execute: execute,
	}

	sc.emitUnit(emit.UnitStart, uid, "", map[string]any{"env": n.Env})
	sc.sub.metrics.UnitSubmitted()
	ch, err := sc.sub.backend.Submit(ctx, u)
	if err != nil {
		sc.sub.metrics.UnitFinished(n.Task.ID, "failed", 0)
		return nil, err
	}

	select {
	case out := <-ch:
		status := "success"
		if out.Err != nil {
			status = "failed"
		}
		sc.sub.metrics.UnitFinished(n.Task.ID, status, out.Finished.Sub(out.Started))
		return out.Outputs, out.Err
	case <-ctx.Done():
		sc.sub.backend.Cancel(u.ID)
		out := <-ch
		sc.sub.metrics.UnitFinished(n.Task.ID, "failed", out.Finished.Sub(out.Started))
		if out.Err != nil {
			return nil, out.Err
		}
		return nil, ctx.Err()
	}
}

// buildExecutable wraps the task's executable for the backend: func tasks
// run directly, shell tasks go through template resolution and command
// execution.
func (sc *runSched) buildExecutable(n *Node, inputs map[string]any) (func(ctx context.Context) (map[string]any, error), error) {
	switch n.Task.Kind {
	case KindFunc:
		fn := n.Task.Func
		return func(ctx context.Context) (map[string]any, error) {
			return fn(ctx, inputs)
		}, nil
	case KindShell:
		env, err := sc.environment(n.Env)
		if err != nil {
			return nil, err
		}
		task := n.Task
		outDir, err := sc.unitWorkDir(task, inputs, n.Env)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (map[string]any, error) {
			return runShellUnit(ctx, sc.sub.resolver, env, task, inputs, outDir)
		}, nil
	}
	return nil, fmt.Errorf("task %s has unsupported kind %s", n.Task.ID, n.Task.Kind)
}

// environment resolves an env binding, preferring the backend's registry
// when it has one.
func (sc *runSched) environment(binding string) (worker.Environment, error) {
	type envResolver interface {
		Environment(string) (worker.Environment, error)
	}
	if r, ok := sc.sub.backend.(envResolver); ok {
		return r.Environment(binding)
	}
	return worker.ParseEnv(binding)
}

// unitWorkDir places shell output files inside the unit's cache entry, so
// committed entries own their files. Without a cache a temp dir is used.
func (sc *runSched) unitWorkDir(task *TaskDef, inputs map[string]any, env string) (string, error) {
	if sc.sub.cache != nil {
		key, err := cache.Key(task.ID, inputs, env)
		if err != nil {
			return "", err
		}
		return sc.sub.cache.FilesDir(key)
	}
	return os.MkdirTemp("", "dataflow-unit-")
}

// runShellUnit resolves the command template, runs it, and assembles the
// declared outputs from allocated files and captured streams.
func runShellUnit(ctx context.Context, resolver worker.CommandResolver, env worker.Environment,
	task *TaskDef, inputs map[string]any, outDir string) (map[string]any, error) {

	cmdline, outPaths, err := resolver.Resolve(task.Command, inputs, outDir)
	if err != nil {
		return nil, err
	}
	stdout, stderr, err := worker.RunCommand(ctx, env, cmdline)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]any, len(task.Outputs))
	for _, f := range task.Outputs {
		if path, ok := outPaths[f.Name]; ok {
			if _, statErr := os.Stat(path); statErr != nil {
				return nil, fmt.Errorf("command did not produce output file %s: %w", f.Name, statErr)
			}
			tag := ""
			if f.Type.Kind() == types.KindFormat {
				tag = f.Type.Tag()
			}
			outputs[f.Name] = FileRef{Path: path, Tag: tag}
			continue
		}
		switch f.Name {
		case "stdout":
			outputs[f.Name] = strings.TrimRight(stdout, "\n")
		case "stderr":
			outputs[f.Name] = strings.TrimRight(stderr, "\n")
		default:
			return nil, fmt.Errorf("command template binds no output for field %s", f.Name)
		}
	}
	return outputs, nil
}

// driveWorkflow expands a nested-workflow unit: the constructor runs with
// the unit's concrete inputs, the resulting spec executes as a child run on
// the same backend and cache, and the child's outputs become the unit's.
//
// Expansion happens outside the worker pool, so deeply nested workflows
// cannot deadlock a small pool waiting for their own children.
func (sc *runSched) driveWorkflow(ctx context.Context, uid int, n *Node, coord []int, inputs map[string]any) {
	name := sc.unitName(uid)
	started := time.Now()
	fail := func(err error) {
		sc.completions <- completion{uid: uid, err: asUnitError(err, name, n.Name, coord),
			elapsed: time.Since(started)}
	}

	b := NewBuilder(n.Task.ID, WithFormats(sc.spec.Formats))
	if err := n.Task.Constructor(b, inputs); err != nil {
		fail(err)
		return
	}
	subSpec, err := b.Build()
	if err != nil {
		fail(err)
		return
	}
	for _, f := range n.Task.Outputs {
		if _, ok := subSpec.Outputs[f.Name]; !ok {
			fail(fmt.Errorf("nested workflow %s declares no output %s", n.Task.ID, f.Name))
			return
		}
	}

	run := func(ctx context.Context) (map[string]any, error) {
		res, err := sc.sub.runSpec(ctx, subSpec, map[string]any{}, sc.depth+1)
		if err != nil {
			return nil, err
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		outputs := make(map[string]any, len(n.Task.Outputs))
		for _, f := range n.Task.Outputs {
			v, err := res.Output(f.Name)
			if err != nil {
				return nil, err
			}
			outputs[f.Name] = v
		}
		return outputs, nil
	}

	var outputs map[string]any
	var hit bool
	if sc.sub.cache != nil {
		// The structural digest folds the expanded graph into the key,
		// so constructors that branch on inputs cache per shape.
		key, kerr := cache.Key(n.Task.ID+"@"+subSpec.StructuralDigest(), inputs, n.Env)
		if kerr != nil {
			fail(kerr)
			return
		}
		outputs, hit, err = sc.sub.cache.Execute(ctx, key, n.Task.ID, n.Env, inputs, run)
	} else {
		outputs, err = run(ctx)
	}
	if err != nil {
		fail(err)
		return
	}
	sc.completions <- completion{uid: uid, outputs: outputs, cached: hit,
		elapsed: time.Since(started)}
}

func (sc *runSched) emitUnit(kind string, uid int, errMsg string, meta map[string]any) {
	sc.sub.emitter.Emit(emit.Event{
		RunID:    sc.runID,
		Workflow: sc.spec.Name,
		Node:     sc.spec.Nodes[sc.uidNode[uid]].Name,
		Unit:     sc.unitName(uid),
		Kind:     kind,
		Err:      errMsg,
		Meta:     meta,
	})
}

// validateOutputs checks and coerces a unit's outputs against the task's
// declared output fields.
func validateOutputs(n *Node, outputs map[string]any, reg types.FormatRegistry) (map[string]any, error) {
	checked := make(map[string]any, len(n.Task.Outputs))
	for _, f := range n.Task.Outputs {
		v, ok := outputs[f.Name]
		if !ok {
			return nil, fmt.Errorf("task %s returned no value for output %s", n.Task.ID, f.Name)
		}
		coerced, err := types.Coerce(v, f.Type, reg)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", f.Name, err)
		}
		checked[f.Name] = coerced
	}
	return checked, nil
}

// asUnitError wraps any failure into a UnitError with the unit's identity,
// classifying worker and cache errors into their kinds.
func asUnitError(err error, unit, node string, coord []int) *UnitError {
	var ue *UnitError
	if errors.As(err, &ue) {
		if ue.Unit == "" {
			ue.Unit, ue.Node, ue.Coord = unit, node, coord
		}
		return ue
	}

	out := &UnitError{Unit: unit, Node: node, Coord: coord, Cause: err, Msg: err.Error()}
	var exitErr *worker.ExitError
	var corrupt *cache.CorruptError
	switch {
	case errors.Is(err, worker.ErrTimeout):
		out.Kind = CodeTimeout
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		out.Kind = CodeCancelled
	case errors.Is(err, worker.ErrUnknownEnv):
		out.Kind = CodeEnvUnavailable
	case errors.As(err, &corrupt):
		out.Kind = CodeCacheCorruption
	case errors.As(err, &exitErr):
		out.Kind = CodeWorkerFailure
		out.Stdout, out.Stderr = exitErr.Stdout, exitErr.Stderr
	default:
		out.Kind = CodeWorkerFailure
	}
	return out
}
