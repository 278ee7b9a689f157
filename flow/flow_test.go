package flow

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/mhalter/dataflow-go/flow/cache"
	"github.com/mhalter/dataflow-go/flow/emit"
	"github.com/mhalter/dataflow-go/flow/types"
	"github.com/mhalter/dataflow-go/flow/worker"
)

func newTestPool(t *testing.T) *worker.LocalPool {
	t.Helper()
	pool := worker.NewLocalPool(4)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestRunLinearChain(t *testing.T) {
	b := NewBuilder("chain")
	a := b.Input("a", types.Int)
	add := b.MustAdd(Call(addTask(t), Args{"a": a, "b": 3}))
	mul := b.MustAdd(Call(mulTask(t), Args{"a": add.Out("out"), "b": 2}))
	b.Output("out", mul.Out("out"))
	spec, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	sub := NewSubmitter(newTestPool(t))
	res, err := sub.Run(context.Background(), spec, map[string]any{"a": 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Err(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	v, err := res.Output("out")
	if err != nil {
		t.Fatal(err)
	}
	if v != 10 {
		t.Errorf("out = %v, want 10 ((2+3)*2)", v)
	}
	if res.Stats.Units != 2 || res.Stats.Failed != 0 {
		t.Errorf("stats = %+v", res.Stats)
	}
}

func TestRunInputValidation(t *testing.T) {
	b := NewBuilder("inputs")
	a := b.Input("a", types.Int)
	d := b.InputDefault("d", types.Int, 5)
	add := b.MustAdd(Call(addTask(t), Args{"a": a, "b": d}))
	b.Output("out", add.Out("out"))
	spec, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	sub := NewSubmitter(newTestPool(t))
	ctx := context.Background()

	if _, err := sub.Run(ctx, spec, map[string]any{"a": 1, "ghost": 2}); err == nil {
		t.Error("unknown input should be rejected")
	}
	if _, err := sub.Run(ctx, spec, nil); err == nil {
		t.Error("missing required input should be rejected")
	}
	if _, err := sub.Run(ctx, spec, map[string]any{"a": "nope"}); err == nil {
		t.Error("ill-typed input should be rejected")
	}

	res, err := sub.Run(ctx, spec, map[string]any{"a": 1})
	if err != nil {
		t.Fatal(err)
	}
	v, err := res.Output("out")
	if err != nil {
		t.Fatal(err)
	}
	if v != 6 {
		t.Errorf("out = %v, want 6 (default applied)", v)
	}
}

func TestRunSplitCombine(t *testing.T) {
	var mulCalls, sumCalls atomic.Int32
	mul, err := FuncTask("Mul",
		[]Field{In("a", types.Int), In("b", types.Int)},
		[]Field{Out("out", types.Int)},
		func(ctx context.Context, in map[string]any) (map[string]any, error) {
			mulCalls.Add(1)
			return map[string]any{"out": in["a"].(int) * in["b"].(int)}, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	sum, err := FuncTask("Sum",
		[]Field{In("values", types.List(types.Int))},
		[]Field{Out("out", types.Int)},
		func(ctx context.Context, in map[string]any) (map[string]any, error) {
			sumCalls.Add(1)
			total := 0
			for _, v := range in["values"].([]any) {
				total += v.(int)
			}
			return map[string]any{"out": total}, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	b := NewBuilder("cross")
	m := b.MustAdd(Call(mul, Args{}).
		Split(Axes{"a": []int{1, 2, 3}, "b": []int{10, 100}}).
		Combine("a"))
	s := b.MustAdd(Call(sum, Args{"values": m.Out("out")}))
	b.Output("sums", s.Out("out"))
	spec, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	sub := NewSubmitter(newTestPool(t))
	res, err := sub.Run(context.Background(), spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Err(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if mulCalls.Load() != 6 {
		t.Errorf("Mul executed %d times, want 6", mulCalls.Load())
	}
	if sumCalls.Load() != 2 {
		t.Errorf("Sum executed %d times, want 2 (one per open b)", sumCalls.Load())
	}
	v, err := res.Output("sums")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(v, []any{60, 600}) {
		t.Errorf("sums = %v, want [60 600]", v)
	}
}

func TestRunLinkedSplit(t *testing.T) {
	b := NewBuilder("linked")
	m := b.MustAdd(Call(mulTask(t), Args{}).
		SplitLinked([]string{"a", "b"}, []int{1, 2, 3}, []int{10, 20, 30}).
		Combine("a"))
	b.Output("products", m.Out("out"))
	spec, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	sub := NewSubmitter(newTestPool(t))
	res, err := sub.Run(context.Background(), spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	v, err := res.Output("products")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(v, []any{10, 40, 90}) {
		t.Errorf("products = %v, want [10 40 90] (pairwise, not cross)", v)
	}
}

func TestRunFailurePropagation(t *testing.T) {
	boom, err := FuncTask("Boom", nil, []Field{Out("out", types.Int)},
		func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return nil, errors.New("kaput")
		})
	if err != nil {
		t.Fatal(err)
	}

	b := NewBuilder("branches")
	bad := b.MustAdd(Call(boom, Args{}))
	dep := b.MustAdd(Call(addTask(t), Args{"a": bad.Out("out"), "b": 1}))
	good := b.MustAdd(Call(addTask(t), Args{"a": 1, "b": 2}).Named("Good"))
	b.Output("bad", dep.Out("out"))
	b.Output("good", good.Out("out"))
	spec, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	buf := emit.NewBufferedEmitter()
	sub := NewSubmitter(newTestPool(t), WithEmitter(buf))
	res, err := sub.Run(context.Background(), spec, nil)
	if err != nil {
		t.Fatal(err)
	}

	// The independent branch still delivers.
	v, err := res.Output("good")
	if err != nil {
		t.Fatalf("independent branch should succeed: %v", err)
	}
	if v != 3 {
		t.Errorf("good = %v, want 3", v)
	}

	// The dependent output reports the upstream failure chain.
	_, err = res.Output("bad")
	var ue *UnitError
	if !errors.As(err, &ue) {
		t.Fatalf("bad output err = %v, want *UnitError", err)
	}
	if ue.Kind != CodeUnreachable || ue.UpstreamUnit != "Boom" {
		t.Errorf("unreachable error = %+v", ue)
	}

	if res.Stats.Failed != 1 || res.Stats.Unreachable != 1 {
		t.Errorf("stats = %+v, want 1 failed, 1 unreachable", res.Stats)
	}
	if res.Err() == nil {
		t.Error("Err() should report the run's first failure")
	}

	if evs := buf.HistoryWithFilter(res.RunID, emit.HistoryFilter{Kind: emit.UnitFailed}); len(evs) != 1 {
		t.Errorf("failed events = %d, want 1", len(evs))
	}
	if evs := buf.HistoryWithFilter(res.RunID, emit.HistoryFilter{Kind: emit.UnitUnreachable}); len(evs) != 1 {
		t.Errorf("unreachable events = %d, want 1", len(evs))
	}
}

func TestRunCacheHits(t *testing.T) {
	var calls atomic.Int32
	slow, err := FuncTask("Slow",
		[]Field{In("x", types.Int)},
		[]Field{Out("out", types.Int)},
		func(ctx context.Context, in map[string]any) (map[string]any, error) {
			calls.Add(1)
			return map[string]any{"out": in["x"].(int) * 10}, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	build := func() *GraphSpec {
		b := NewBuilder("cached")
		n := b.MustAdd(Call(slow, Args{"x": 7}))
		b.Output("out", n.Out("out"))
		spec, err := b.Build()
		if err != nil {
			t.Fatal(err)
		}
		return spec
	}

	store, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	sub := NewSubmitter(newTestPool(t), WithCache(store))
	ctx := context.Background()

	res1, err := sub.Run(ctx, build(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := res1.Output("out"); v != 70 {
		t.Errorf("first run out = %v, want 70", v)
	}
	if res1.Stats.CacheHits != 0 {
		t.Errorf("first run cache hits = %d, want 0", res1.Stats.CacheHits)
	}

	res2, err := sub.Run(ctx, build(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := res2.Output("out"); v != 70 {
		t.Errorf("second run out = %v, want 70", v)
	}
	if res2.Stats.CacheHits != 1 {
		t.Errorf("second run cache hits = %d, want 1", res2.Stats.CacheHits)
	}
	if calls.Load() != 1 {
		t.Errorf("task executed %d times across runs, want 1", calls.Load())
	}
}

func TestRunAtMostOnceWithinRun(t *testing.T) {
	var calls atomic.Int32
	dup, err := FuncTask("Dup",
		[]Field{In("x", types.Int)},
		[]Field{Out("out", types.Int)},
		func(ctx context.Context, in map[string]any) (map[string]any, error) {
			calls.Add(1)
			return map[string]any{"out": in["x"].(int) + 1}, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	// Two independent nodes with identical task, inputs and env share one
	// cache key; only one executes.
	b := NewBuilder("twins")
	n1 := b.MustAdd(Call(dup, Args{"x": 41}).Named("left"))
	n2 := b.MustAdd(Call(dup, Args{"x": 41}).Named("right"))
	b.Output("l", n1.Out("out"))
	b.Output("r", n2.Out("out"))
	spec, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	store, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	sub := NewSubmitter(newTestPool(t), WithCache(store))

	res, err := sub.Run(context.Background(), spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Err(); err != nil {
		t.Fatal(err)
	}
	l, _ := res.Output("l")
	r, _ := res.Output("r")
	if l != 42 || r != 42 {
		t.Errorf("outputs = %v, %v, want 42, 42", l, r)
	}
	if calls.Load() != 1 {
		t.Errorf("task executed %d times, want 1 (duplicate suppressed)", calls.Load())
	}
}

func TestRunRetries(t *testing.T) {
	var attempts atomic.Int32
	flaky, err := FuncTask("Flaky", nil, []Field{Out("out", types.Int)},
		func(ctx context.Context, in map[string]any) (map[string]any, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return map[string]any{"out": 1}, nil
		},
		WithRetry(&RetryPolicy{MaxAttempts: 3}))
	if err != nil {
		t.Fatal(err)
	}

	b := NewBuilder("retry")
	n := b.MustAdd(Call(flaky, Args{}))
	b.Output("out", n.Out("out"))
	spec, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	buf := emit.NewBufferedEmitter()
	sub := NewSubmitter(newTestPool(t), WithEmitter(buf))
	res, err := sub.Run(context.Background(), spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Err(); err != nil {
		t.Fatalf("run should succeed on the third attempt: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
	if evs := buf.HistoryWithFilter(res.RunID, emit.HistoryFilter{Kind: emit.UnitRetry}); len(evs) != 2 {
		t.Errorf("retry events = %d, want 2", len(evs))
	}
}

func TestRunNestedWorkflow(t *testing.T) {
	add := addTask(t)
	inner, err := WorkflowTask("Twice",
		[]Field{In("x", types.Int)},
		[]Field{Out("out", types.Int)},
		func(b *Builder, inputs map[string]any) error {
			x := inputs["x"].(int)
			first := b.MustAdd(Call(add, Args{"a": x, "b": x}))
			return b.Output("out", first.Out("out"))
		})
	if err != nil {
		t.Fatal(err)
	}

	b := NewBuilder("outer")
	n := b.MustAdd(Call(inner, Args{"x": 21}))
	b.Output("out", n.Out("out"))
	spec, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	sub := NewSubmitter(newTestPool(t))
	res, err := sub.Run(context.Background(), spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Err(); err != nil {
		t.Fatal(err)
	}
	v, err := res.Output("out")
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Errorf("out = %v, want 42", v)
	}
}

func TestRunRecursiveWorkflow(t *testing.T) {
	one, err := FuncTask("One", nil, []Field{Out("out", types.Int)},
		func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"out": 1}, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	mulT := mulTask(t)

	// Factorial by recursive expansion: the constructor branches on its
	// concrete input, so each depth builds a different inner graph.
	var factorial *TaskDef
	factorial, err = WorkflowTask("Factorial",
		[]Field{In("n", types.Int)},
		[]Field{Out("out", types.Int)},
		func(b *Builder, inputs map[string]any) error {
			n := inputs["n"].(int)
			if n <= 1 {
				base := b.MustAdd(Call(one, Args{}))
				return b.Output("out", base.Out("out"))
			}
			rec := b.MustAdd(Call(factorial, Args{"n": n - 1}))
			m := b.MustAdd(Call(mulT, Args{"a": rec.Out("out"), "b": n}))
			return b.Output("out", m.Out("out"))
		})
	if err != nil {
		t.Fatal(err)
	}

	b := NewBuilder("fact")
	n := b.MustAdd(Call(factorial, Args{"n": 5}))
	b.Output("out", n.Out("out"))
	spec, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	sub := NewSubmitter(newTestPool(t))
	res, err := sub.Run(context.Background(), spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Err(); err != nil {
		t.Fatal(err)
	}
	v, err := res.Output("out")
	if err != nil {
		t.Fatal(err)
	}
	if v != 120 {
		t.Errorf("5! = %v, want 120", v)
	}
}

func TestRunNestingLimit(t *testing.T) {
	var forever *TaskDef
	forever, err := WorkflowTask("Forever",
		[]Field{In("n", types.Int)},
		[]Field{Out("out", types.Int)},
		func(b *Builder, inputs map[string]any) error {
			rec := b.MustAdd(Call(forever, Args{"n": inputs["n"].(int) + 1}))
			return b.Output("out", rec.Out("out"))
		})
	if err != nil {
		t.Fatal(err)
	}

	b := NewBuilder("runaway")
	n := b.MustAdd(Call(forever, Args{"n": 0}))
	b.Output("out", n.Out("out"))
	spec, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	sub := NewSubmitter(newTestPool(t), WithMaxNesting(5))
	res, err := sub.Run(context.Background(), spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Err() == nil {
		t.Error("unbounded recursion should fail at the nesting limit")
	}
}

func TestRunWorkflowInputFedSplit(t *testing.T) {
	b := NewBuilder("fanout")
	xs := b.Input("xs", types.List(types.Int))
	m := b.MustAdd(Call(mulTask(t), Args{"b": 2}).Split(Axes{"a": xs}))
	b.Output("doubled", m.Out("out"))
	spec, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	sub := NewSubmitter(newTestPool(t))
	res, err := sub.Run(context.Background(), spec, map[string]any{"xs": []any{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Err(); err != nil {
		t.Fatal(err)
	}
	v, err := res.Output("doubled")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(v, []any{2, 4, 6}) {
		t.Errorf("doubled = %v, want [2 4 6]", v)
	}
	if res.Stats.Units != 3 {
		t.Errorf("units = %d, want 3", res.Stats.Units)
	}
}

func TestRunMockBackendScripting(t *testing.T) {
	b := NewBuilder("scripted")
	n := b.MustAdd(Call(addTask(t), Args{"a": 1, "b": 2}))
	b.Output("out", n.Out("out"))
	spec, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	mock := worker.NewMockBackend()
	mock.Script("Add", map[string]any{"out": 99}, nil)
	sub := NewSubmitter(mock)
	res, err := sub.Run(context.Background(), spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	v, err := res.Output("out")
	if err != nil {
		t.Fatal(err)
	}
	if v != 99 {
		t.Errorf("scripted out = %v, want 99", v)
	}
	if got := mock.Submitted(); len(got) != 1 || got[0].TaskID != "Add" {
		t.Errorf("submitted units = %+v", got)
	}
}
