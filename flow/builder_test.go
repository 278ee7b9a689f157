package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/mhalter/dataflow-go/flow/types"
)

func addTask(t *testing.T) *TaskDef {
	t.Helper()
	task, err := FuncTask("Add",
		[]Field{In("a", types.Int), In("b", types.Int)},
		[]Field{Out("out", types.Int)},
		func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"out": in["a"].(int) + in["b"].(int)}, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func mulTask(t *testing.T) *TaskDef {
	t.Helper()
	task, err := FuncTask("Mul",
		[]Field{In("a", types.Int), In("b", types.Int)},
		[]Field{Out("out", types.Int)},
		func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"out": in["a"].(int) * in["b"].(int)}, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func sumTask(t *testing.T) *TaskDef {
	t.Helper()
	task, err := FuncTask("Sum",
		[]Field{In("values", types.List(types.Int))},
		[]Field{Out("out", types.Int)},
		func(ctx context.Context, in map[string]any) (map[string]any, error) {
			total := 0
			for _, v := range in["values"].([]any) {
				total += v.(int)
			}
			return map[string]any{"out": total}, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestBuilderLinearChain(t *testing.T) {
	b := NewBuilder("chain")
	a := b.Input("a", types.Int)
	add := b.MustAdd(Call(addTask(t), Args{"a": a, "b": 3}))
	mul := b.MustAdd(Call(mulTask(t), Args{"a": add.Out("out"), "b": 2}))
	if err := b.Output("out", mul.Out("out")); err != nil {
		t.Fatalf("Output: %v", err)
	}

	spec, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(spec.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(spec.Nodes))
	}
	if spec.Nodes[0].Name != "Add" || spec.Nodes[1].Name != "Mul" {
		t.Errorf("node names = %s, %s", spec.Nodes[0].Name, spec.Nodes[1].Name)
	}
	if spec.OutputOrder[0] != "out" {
		t.Errorf("output order = %v", spec.OutputOrder)
	}
}

func TestBuilderAutoNaming(t *testing.T) {
	b := NewBuilder("names")
	task := addTask(t)
	n1 := b.MustAdd(Call(task, Args{"a": 1, "b": 1}))
	n2 := b.MustAdd(Call(task, Args{"a": 2, "b": 2}))
	n3 := b.MustAdd(Call(task, Args{"a": 3, "b": 3}))
	if n1.Name() != "Add" || n2.Name() != "Add2" || n3.Name() != "Add3" {
		t.Errorf("auto names = %s, %s, %s", n1.Name(), n2.Name(), n3.Name())
	}

	_, err := b.Add(Call(task, Args{"a": 4, "b": 4}).Named("Add2"))
	assertBuildCode(t, err, CodeDuplicateNode)
}

func TestBuilderTypeMismatch(t *testing.T) {
	b := NewBuilder("mismatch")
	s := b.Input("s", types.String)
	_, err := b.Add(Call(addTask(t), Args{"a": s, "b": 1}))
	assertBuildCode(t, err, CodeTypeMismatch)

	_, err = b.Add(Call(addTask(t), Args{"a": "nope", "b": 1}))
	assertBuildCode(t, err, CodeTypeMismatch)
}

func TestBuilderIntToFloatCoercion(t *testing.T) {
	halve, err := FuncTask("Halve",
		[]Field{In("x", types.Float)},
		[]Field{Out("out", types.Float)},
		func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"out": in["x"].(float64) / 2}, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	b := NewBuilder("coerce")
	ref := b.MustAdd(Call(halve, Args{"x": 5}))
	node, _ := b.byName[ref.Name()]
	v, _ := node.Inputs["x"].Concrete()
	if f, ok := v.(float64); !ok || f != 5.0 {
		t.Errorf("literal 5 wired to float slot = %#v, want float64(5)", v)
	}
}

func TestBuilderMissingAndUnknownInputs(t *testing.T) {
	b := NewBuilder("inputs")
	_, err := b.Add(Call(addTask(t), Args{"a": 1}))
	assertBuildCode(t, err, CodeMissingInput)

	_, err = b.Add(Call(addTask(t), Args{"a": 1, "b": 2, "c": 3}))
	assertBuildCode(t, err, CodeUnknownField)
}

func TestBuilderDefaults(t *testing.T) {
	inc, err := FuncTask("Inc",
		[]Field{In("x", types.Int), InOpt("by", types.Int, 1)},
		[]Field{Out("out", types.Int)},
		func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"out": in["x"].(int) + in["by"].(int)}, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	b := NewBuilder("defaults")
	ref := b.MustAdd(Call(inc, Args{"x": 10}))
	node := b.byName[ref.Name()]
	v, _ := node.Inputs["by"].Concrete()
	if v != 1 {
		t.Errorf("default binding = %#v, want 1", v)
	}
}

func TestBuilderUnknownOutputField(t *testing.T) {
	b := NewBuilder("badout")
	add := b.MustAdd(Call(addTask(t), Args{"a": 1, "b": 2}))
	l := add.Out("nope")
	if l.Type.Kind() != types.KindAny {
		t.Errorf("unknown output placeholder type = %s, want any", l.Type)
	}
	b.Output("out", add.Out("out"))
	_, err := b.Build()
	assertBuildCode(t, err, CodeUnknownField)
}

func TestBuilderSplitAxes(t *testing.T) {
	b := NewBuilder("split")
	mul := b.MustAdd(Call(mulTask(t), Args{"b": 10}).Split(Axes{"a": []int{1, 2, 3}}))

	node := b.byName[mul.Name()]
	if got := node.ExecAxes(); len(got) != 1 || got[0] != "Mul.a" {
		t.Errorf("exec axes = %v, want [Mul.a]", got)
	}
	if c, ok := node.AxisCardinality("Mul.a"); !ok || c != 3 {
		t.Errorf("cardinality = %d, %v, want 3", c, ok)
	}

	out := mul.Out("out")
	if len(out.Axes) != 1 || out.Axes[0] != "Mul.a" {
		t.Errorf("output axes = %v, want [Mul.a]", out.Axes)
	}
	if !out.Type.Equal(types.Int) {
		t.Errorf("uncombined output type = %s, want int", out.Type)
	}
}

func TestBuilderAxisPropagation(t *testing.T) {
	b := NewBuilder("propagate")
	mul := b.MustAdd(Call(mulTask(t), Args{"b": 10}).Split(Axes{"a": []int{1, 2}}))
	add := b.MustAdd(Call(addTask(t), Args{"a": mul.Out("out"), "b": 1}))

	node := b.byName[add.Name()]
	if got := node.ExecAxes(); len(got) != 1 || got[0] != "Mul.a" {
		t.Errorf("downstream axes = %v, want inherited [Mul.a]", got)
	}
}

func TestBuilderCombine(t *testing.T) {
	b := NewBuilder("combine")
	mul := b.MustAdd(Call(mulTask(t), Args{}).
		Split(Axes{"a": []int{1, 2, 3}, "b": []int{10, 100}}).
		Combine("a"))

	node := b.byName[mul.Name()]
	if got := node.ExecAxes(); len(got) != 2 {
		t.Fatalf("exec axes = %v, want two", got)
	}
	if got := node.VisibleAxes(); len(got) != 1 || got[0] != "Mul.b" {
		t.Errorf("visible axes = %v, want [Mul.b]", got)
	}

	out := mul.Out("out")
	if !out.Type.Equal(types.List(types.Int)) {
		t.Errorf("combined output type = %s, want list[int]", out.Type)
	}
	if len(out.Axes) != 1 || out.Axes[0] != "Mul.b" {
		t.Errorf("combined output axes = %v, want [Mul.b]", out.Axes)
	}
}

func TestBuilderCombineUnknownAxis(t *testing.T) {
	b := NewBuilder("badcombine")
	_, err := b.Add(Call(mulTask(t), Args{"a": 1, "b": 2}).Combine("a"))
	assertBuildCode(t, err, CodeAxisMismatch)
}

func TestBuilderLinkedSplit(t *testing.T) {
	b := NewBuilder("linked")
	mul := b.MustAdd(Call(mulTask(t), Args{}).
		SplitLinked([]string{"a", "b"}, []int{1, 2, 3}, []int{10, 20, 30}))

	node := b.byName[mul.Name()]
	if got := node.ExecAxes(); len(got) != 1 {
		t.Errorf("linked split axes = %v, want a single axis", got)
	}
	if c, ok := node.AxisCardinality(node.ExecAxes()[0]); !ok || c != 3 {
		t.Errorf("linked cardinality = %d, %v, want 3", c, ok)
	}
}

func TestBuilderLinkedSplitRagged(t *testing.T) {
	b := NewBuilder("ragged")
	_, err := b.Add(Call(mulTask(t), Args{}).
		SplitLinked([]string{"a", "b"}, []int{1, 2, 3}, []int{10, 20}))
	assertBuildCode(t, err, CodeAxisMismatch)
}

func TestBuilderSplitValidation(t *testing.T) {
	b := NewBuilder("badsplit")

	_, err := b.Add(Call(mulTask(t), Args{"b": 1}).Split(Axes{"a": 42}))
	assertBuildCode(t, err, CodeBadSplit)

	_, err = b.Add(Call(mulTask(t), Args{"b": 1}).Split(Axes{"a": []string{"x"}}))
	assertBuildCode(t, err, CodeTypeMismatch)

	_, err = b.Add(Call(mulTask(t), Args{"a": 1, "b": 2}).Split(Axes{"a": []int{1}}))
	assertBuildCode(t, err, CodeBadSplit)
}

func TestBuilderSplitOverUpstreamOutput(t *testing.T) {
	b := NewBuilder("upstream-split")
	mul := b.MustAdd(Call(mulTask(t), Args{"b": 2}).Split(Axes{"a": []int{1, 2}}).Combine("a"))
	_, err := b.Add(Call(sumTask(t), Args{}).Split(Axes{"values": mul.Out("out")}))
	assertBuildCode(t, err, CodeBadSplit)
}

func TestBuilderSplitOverWorkflowInput(t *testing.T) {
	b := NewBuilder("input-split")
	xs := b.Input("xs", types.List(types.Int))
	mul := b.MustAdd(Call(mulTask(t), Args{"b": 2}).Split(Axes{"a": xs}))

	node := b.byName[mul.Name()]
	if c, ok := node.AxisCardinality(node.ExecAxes()[0]); !ok || c != -1 {
		t.Errorf("workflow-input split cardinality = %d, %v, want -1 (runtime)", c, ok)
	}
}

func TestBuilderFrozen(t *testing.T) {
	b := NewBuilder("frozen")
	add := b.MustAdd(Call(addTask(t), Args{"a": 1, "b": 2}))
	b.Output("out", add.Out("out"))
	if _, err := b.Build(); err != nil {
		t.Fatal(err)
	}

	_, err := b.Add(Call(addTask(t), Args{"a": 1, "b": 2}))
	assertBuildCode(t, err, CodeFrozen)
	err = b.Output("late", add.Out("out"))
	assertBuildCode(t, err, CodeFrozen)
	_, err = b.Build()
	assertBuildCode(t, err, CodeFrozen)
}

func TestBuilderDuplicateOutput(t *testing.T) {
	b := NewBuilder("dupout")
	add := b.MustAdd(Call(addTask(t), Args{"a": 1, "b": 2}))
	if err := b.Output("out", add.Out("out")); err != nil {
		t.Fatal(err)
	}
	err := b.Output("out", add.Out("out"))
	assertBuildCode(t, err, CodeDuplicateOutput)
}

func TestBuilderOutputUnknownNode(t *testing.T) {
	b := NewBuilder("ghost")
	err := b.Output("out", LazyField{Node: "ghost", Field: "out", Type: types.Int})
	assertBuildCode(t, err, CodeUnknownField)
}

func TestBuilderForeignNodeReference(t *testing.T) {
	other := NewBuilder("other")
	foreign := other.MustAdd(Call(addTask(t), Args{"a": 1, "b": 2}))

	b := NewBuilder("home")
	_, err := b.Add(Call(addTask(t), Args{"a": foreign.Out("out"), "b": 1}))
	assertBuildCode(t, err, CodeUnknownField)
}

func TestBuilderLazyConcreteAccess(t *testing.T) {
	b := NewBuilder("lazy")
	a := b.Input("a", types.Int)
	v := asValue(a)
	_, err := v.Concrete()
	if !errors.Is(err, ErrLazyValue) {
		t.Errorf("Concrete on lazy = %v, want ErrLazyValue", err)
	}
	assertBuildCode(t, err, CodeLazyInCondition)
}

func TestStructuralDigestStability(t *testing.T) {
	build := func() *GraphSpec {
		b := NewBuilder("digest")
		a := b.Input("a", types.Int)
		add := b.MustAdd(Call(addTask(t), Args{"a": a, "b": 3}))
		b.Output("out", add.Out("out"))
		spec, err := b.Build()
		if err != nil {
			t.Fatal(err)
		}
		return spec
	}
	d1 := build().StructuralDigest()
	d2 := build().StructuralDigest()
	if d1 != d2 {
		t.Errorf("identical structures digest differently: %s vs %s", d1, d2)
	}

	b := NewBuilder("digest")
	a := b.Input("a", types.Int)
	add := b.MustAdd(Call(addTask(t), Args{"a": a, "b": 4}))
	b.Output("out", add.Out("out"))
	spec, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if spec.StructuralDigest() == d1 {
		t.Error("different literal bindings should digest differently")
	}
}
