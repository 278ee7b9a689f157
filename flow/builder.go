package flow

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mhalter/dataflow-go/flow/types"
)

// Builder is the construction context for a workflow. It records node
// additions, assigns unique names, type-checks every wire at add time, and
// materializes a frozen GraphSpec.
//
// A Builder is a scoped handle: constructors receive it explicitly, so there
// is no process-global construction state. Builders are not safe for
// concurrent use; a workflow is constructed by one goroutine.
//
// Example:
//
//	b := flow.NewBuilder("double-add")
//	a := b.Input("a", types.Int)
//	add := b.MustAdd(flow.Call(addTask, flow.Args{"a": a, "b": 3}))
//	mul := b.MustAdd(flow.Call(mulTask, flow.Args{"a": add.Out("out"), "b": 3}))
//	b.Output("out", mul.Out("out"))
//	spec, err := b.Build()
type Builder struct {
	name     string
	formats  types.FormatRegistry
	inputs   []Field
	nodes    []*Node
	byName   map[string]*Node
	outputs  map[string]LazyField
	outOrder []string
	frozen   bool
	deferred []error
}

// BuilderOption customizes a Builder.
type BuilderOption func(*Builder)

// WithFormats installs the file-format subtype oracle used for wiring
// checks. Defaults to types.DefaultFormats.
func WithFormats(reg types.FormatRegistry) BuilderOption {
	return func(b *Builder) { b.formats = reg }
}

// NewBuilder creates a construction context for a workflow with the given
// name.
func NewBuilder(name string, opts ...BuilderOption) *Builder {
	b := &Builder{
		name:    name,
		formats: types.DefaultFormats,
		byName:  make(map[string]*Node),
		outputs: make(map[string]LazyField),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name returns the workflow name.
func (b *Builder) Name() string { return b.name }

// Input declares a required workflow input and returns its lazy reference
// for wiring into nodes.
func (b *Builder) Input(name string, t types.Type) LazyField {
	return b.declareInput(Field{Name: name, Type: t, Required: true})
}

// InputDefault declares an optional workflow input with a default value.
func (b *Builder) InputDefault(name string, t types.Type, def any) LazyField {
	return b.declareInput(Field{Name: name, Type: t, Default: def, HasDefault: true})
}

func (b *Builder) declareInput(f Field) LazyField {
	if b.frozen {
		b.defer_(&BuildError{Kind: CodeFrozen, Msg: "input " + f.Name + " declared after Build"})
	}
	if _, exists := fieldByName(b.inputs, f.Name); exists {
		b.defer_(&BuildError{Kind: CodeDuplicateOutput, Field: f.Name,
			Msg: "workflow input declared twice: " + f.Name})
	} else {
		b.inputs = append(b.inputs, f)
	}
	return LazyField{Field: f.Name, Type: f.Type}
}

// NodeRef is the outputs proxy returned by Add: attribute access via Out
// yields lazy fields tagged with the node's declared output types and its
// current downstream-visible split-axis set.
type NodeRef struct {
	node *Node
	b    *Builder
}

// Name returns the resolved node name.
func (r *NodeRef) Name() string { return r.node.Name }

// Out returns the lazy reference to the named output field. Unknown fields
// are recorded as build errors and yield an Any-typed placeholder so wiring
// chains remain writable; Build surfaces the error.
func (r *NodeRef) Out(field string) LazyField {
	f, ok := fieldByName(r.node.Task.Outputs, field)
	if !ok {
		r.b.defer_(&BuildError{Kind: CodeUnknownField, Node: r.node.Name, Field: field,
			Msg: "task " + r.node.Task.ID + " declares no output " + field})
		return LazyField{Node: r.node.Name, Field: field, Type: types.Any}
	}
	t := f.Type
	if len(r.node.CombineKeys) > 0 {
		t = types.List(t)
	}
	return LazyField{
		Node:  r.node.Name,
		Field: field,
		Type:  t,
		Axes:  append([]string(nil), r.node.visAxes...),
	}
}

// MustAdd is Add for wiring chains; it panics on construction errors.
func (b *Builder) MustAdd(inv *Invocation) *NodeRef {
	ref, err := b.Add(inv)
	if err != nil {
		panic(err)
	}
	return ref
}

// Add resolves an invocation into a node: assigns its unique name, checks
// type assignability of every wired input, applies split and combine
// declarators, and appends the node to the in-progress spec.
func (b *Builder) Add(inv *Invocation) (*NodeRef, error) {
	if b.frozen {
		return nil, &BuildError{Kind: CodeFrozen, Msg: "node added after Build"}
	}
	if inv == nil || inv.task == nil {
		return nil, &BuildError{Kind: CodeBadTask, Msg: "invocation has no task"}
	}
	task := inv.task

	name, err := b.resolveName(inv)
	if err != nil {
		return nil, err
	}

	n := &Node{
		Name:      name,
		Task:      task,
		Inputs:    make(map[string]Value, len(task.Inputs)),
		Env:       task.Env,
		axisCard:  make(map[string]int),
		axisAlias: make(map[string]string),
	}
	if inv.env != "" {
		n.Env = inv.env
	}

	splitFields, err := b.applySplits(n, inv)
	if err != nil {
		return nil, err
	}
	if err := b.bindInputs(n, inv, splitFields); err != nil {
		return nil, err
	}
	b.resolveAxes(n)
	if err := b.applyCombines(n, inv); err != nil {
		return nil, err
	}

	b.nodes = append(b.nodes, n)
	b.byName[name] = n
	return &NodeRef{node: n, b: b}, nil
}

// resolveName applies the naming rule: user-supplied name must be free;
// otherwise the task ID, suffixed with the smallest free ordinal.
func (b *Builder) resolveName(inv *Invocation) (string, error) {
	if inv.name != "" {
		if _, taken := b.byName[inv.name]; taken {
			return "", &BuildError{Kind: CodeDuplicateNode, Node: inv.name,
				Msg: "node name already in use"}
		}
		return inv.name, nil
	}
	base := inv.task.ID
	if _, taken := b.byName[base]; !taken {
		return base, nil
	}
	for i := 2; ; i++ {
		name := fmt.Sprintf("%s%d", base, i)
		if _, taken := b.byName[name]; !taken {
			return name, nil
		}
	}
}

// applySplits validates split declarators and records the node's local axes.
// It returns the set of fields bound through splits.
func (b *Builder) applySplits(n *Node, inv *Invocation) (map[string]bool, error) {
	bound := make(map[string]bool)
	for _, g := range inv.splits {
		if len(g.Fields) == 0 || len(g.Fields) != len(g.Sources) {
			return nil, &BuildError{Kind: CodeBadSplit, Node: n.Name,
				Msg: "split group must pair every field with a sequence"}
		}
		group := SplitGroup{}
		card := -1
		for i, fieldName := range g.Fields {
			f, ok := fieldByName(n.Task.Inputs, fieldName)
			if !ok {
				return nil, &BuildError{Kind: CodeUnknownField, Node: n.Name, Field: fieldName,
					Msg: "task " + n.Task.ID + " declares no input " + fieldName}
			}
			if bound[fieldName] {
				return nil, &BuildError{Kind: CodeBadSplit, Node: n.Name, Field: fieldName,
					Msg: "field split twice"}
			}
			bound[fieldName] = true

			src := g.Sources[i]
			c, err := b.checkSplitSource(n, f, src)
			if err != nil {
				return nil, err
			}
			if c >= 0 {
				if card >= 0 && c != card {
					return nil, &BuildError{Kind: CodeAxisMismatch, Node: n.Name, Field: fieldName,
						Msg: fmt.Sprintf("linked split cardinalities differ: %d vs %d", card, c)}
				}
				card = c
			}
			group.Fields = append(group.Fields, fieldName)
			group.Sources = append(group.Sources, src)
		}

		axis := n.Name + "." + group.Fields[0]
		for _, fieldName := range group.Fields {
			n.axisAlias[n.Name+"."+fieldName] = axis
			n.axisAlias[fieldName] = axis
		}
		n.localAxes = append(n.localAxes, axis)
		n.axisCard[axis] = card
		n.Splits = append(n.Splits, group)
	}
	return bound, nil
}

// checkSplitSource validates one split sequence and returns its cardinality,
// or -1 when the cardinality is only known at run time (workflow-input
// sources).
func (b *Builder) checkSplitSource(n *Node, f Field, src Value) (int, error) {
	if l, ok := src.Lazy(); ok {
		if !l.FromInput() {
			return -1, &BuildError{Kind: CodeBadSplit, Node: n.Name, Field: f.Name, Src: l.Ref(),
				Msg: "split sequences must be concrete or reference a workflow input; " +
					"upstream fan-out propagates through the producer's own split"}
		}
		elem := l.Type.Elem()
		if l.Type.Kind() != types.KindAny && l.Type.Kind() != types.KindList {
			return -1, &BuildError{Kind: CodeBadSplit, Node: n.Name, Field: f.Name, Src: l.Ref(),
				Msg: "split input must be list-typed, got " + l.Type.String()}
		}
		if types.Assignable(elem, f.Type, b.formats) == types.Reject {
			return -1, &BuildError{Kind: CodeTypeMismatch, Node: n.Name, Field: f.Name, Src: l.Ref(),
				Msg: "split element type " + elem.String() + " is not assignable to " + f.Type.String()}
		}
		return -1, nil
	}

	raw, _ := src.Concrete()
	rv := reflect.ValueOf(raw)
	if raw == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return -1, &BuildError{Kind: CodeBadSplit, Node: n.Name, Field: f.Name,
			Msg: fmt.Sprintf("split sequence must be a slice, got %T", raw)}
	}
	for i := 0; i < rv.Len(); i++ {
		if err := types.CheckValue(rv.Index(i).Interface(), f.Type, b.formats); err != nil {
			return -1, &BuildError{Kind: CodeTypeMismatch, Node: n.Name, Field: f.Name,
				Msg: fmt.Sprintf("split element %d: %v", i, err)}
		}
	}
	return rv.Len(), nil
}

// bindInputs resolves the argument map against the task signature.
func (b *Builder) bindInputs(n *Node, inv *Invocation, splitFields map[string]bool) error {
	for name := range inv.args {
		if _, ok := fieldByName(n.Task.Inputs, name); !ok {
			return &BuildError{Kind: CodeUnknownField, Node: n.Name, Field: name,
				Msg: "task " + n.Task.ID + " declares no input " + name}
		}
		if splitFields[name] {
			return &BuildError{Kind: CodeBadSplit, Node: n.Name, Field: name,
				Msg: "field is bound both directly and through a split"}
		}
	}

	for _, f := range n.Task.Inputs {
		if splitFields[f.Name] {
			continue
		}
		raw, ok := inv.args[f.Name]
		if !ok {
			if f.HasDefault {
				n.Inputs[f.Name] = Lit(f.Default)
				continue
			}
			if f.Required {
				return &BuildError{Kind: CodeMissingInput, Node: n.Name, Field: f.Name,
					Msg: "required input is unbound and has no default"}
			}
			continue
		}

		v := asValue(raw)
		if l, isLazy := v.Lazy(); isLazy {
			if !l.FromInput() {
				if _, known := b.byName[l.Node]; !known {
					return &BuildError{Kind: CodeUnknownField, Node: n.Name, Field: f.Name, Src: l.Ref(),
						Msg: "lazy source references a node not in this workflow"}
				}
			}
			if types.Assignable(l.Type, f.Type, b.formats) == types.Reject {
				return &BuildError{Kind: CodeTypeMismatch, Node: n.Name, Field: f.Name, Src: l.Ref(),
					Msg: l.Type.String() + " is not assignable to " + f.Type.String()}
			}
			n.Inputs[f.Name] = v
			continue
		}

		concrete, _ := v.Concrete()
		coerced, err := types.Coerce(concrete, f.Type, b.formats)
		if err != nil {
			return &BuildError{Kind: CodeTypeMismatch, Node: n.Name, Field: f.Name,
				Msg: err.Error()}
		}
		n.Inputs[f.Name] = Lit(coerced)
	}
	return nil
}

// resolveAxes computes the node's execution axes: the union of upstream
// visible axes over its lazy inputs (in input declaration order) plus the
// local split axes.
func (b *Builder) resolveAxes(n *Node) {
	seen := make(map[string]bool)
	for _, f := range n.Task.Inputs {
		v, ok := n.Inputs[f.Name]
		if !ok {
			continue
		}
		if l, isLazy := v.Lazy(); isLazy {
			for _, axis := range l.Axes {
				if !seen[axis] {
					seen[axis] = true
					n.execAxes = append(n.execAxes, axis)
				}
			}
		}
	}
	for _, axis := range n.localAxes {
		if !seen[axis] {
			seen[axis] = true
			n.execAxes = append(n.execAxes, axis)
		}
	}
}

// applyCombines normalizes combine keys to canonical axis ids and computes
// the downstream-visible axis set.
func (b *Builder) applyCombines(n *Node, inv *Invocation) error {
	combined := make(map[string]bool)
	for _, key := range inv.combines {
		axis := key
		if alias, ok := n.axisAlias[key]; ok {
			axis = alias
		} else if !strings.Contains(key, ".") {
			axis = n.Name + "." + key
		}
		found := false
		for _, a := range n.execAxes {
			if a == axis {
				found = true
				break
			}
		}
		if !found {
			return &BuildError{Kind: CodeAxisMismatch, Node: n.Name,
				Msg: "combine axis " + key + " is not in the node's state " +
					fmt.Sprintf("%v", n.execAxes)}
		}
		if !combined[axis] {
			combined[axis] = true
			n.CombineKeys = append(n.CombineKeys, axis)
		}
	}
	for _, axis := range n.execAxes {
		if !combined[axis] {
			n.visAxes = append(n.visAxes, axis)
		}
	}
	return nil
}

// Output declares a workflow output bound to a lazy field. Declaring
// outputs by assignment replaces returning values from the constructor.
func (b *Builder) Output(name string, l LazyField) error {
	if b.frozen {
		return &BuildError{Kind: CodeFrozen, Msg: "output " + name + " declared after Build"}
	}
	if _, exists := b.outputs[name]; exists {
		return &BuildError{Kind: CodeDuplicateOutput, Field: name,
			Msg: "workflow output declared twice: " + name}
	}
	if !l.FromInput() {
		if _, known := b.byName[l.Node]; !known {
			return &BuildError{Kind: CodeUnknownField, Field: name, Src: l.Ref(),
				Msg: "output references a node not in this workflow"}
		}
	}
	b.outputs[name] = l
	b.outOrder = append(b.outOrder, name)
	return nil
}

// Node returns the in-progress node with the given name, letting
// constructors inspect what they have wired so far.
func (b *Builder) Node(name string) (*NodeRef, bool) {
	n, ok := b.byName[name]
	if !ok {
		return nil, false
	}
	return &NodeRef{node: n, b: b}, true
}

// NodeNames returns the names of all nodes added so far, in insertion order.
func (b *Builder) NodeNames() []string {
	names := make([]string, len(b.nodes))
	for i, n := range b.nodes {
		names[i] = n.Name
	}
	return names
}

// defer_ records an error discovered in a non-erroring fluent call; Build
// reports the first one.
func (b *Builder) defer_(err error) {
	b.deferred = append(b.deferred, err)
}

// Build freezes the workflow into a GraphSpec. The builder is unusable
// afterwards. Insertion order doubles as topological order because lazy
// inputs can only reference nodes added earlier.
func (b *Builder) Build() (*GraphSpec, error) {
	if b.frozen {
		return nil, &BuildError{Kind: CodeFrozen, Msg: "Build called twice"}
	}
	if len(b.deferred) > 0 {
		return nil, b.deferred[0]
	}
	b.frozen = true
	return &GraphSpec{
		Name:           b.name,
		Nodes:          b.nodes,
		Outputs:        b.outputs,
		OutputOrder:    b.outOrder,
		DeclaredInputs: b.inputs,
		Formats:        b.formats,
	}, nil
}
