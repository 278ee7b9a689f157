package flow

// Args binds task input fields to values at wiring time. Values may be
// concrete Go literals, LazyField references obtained from other nodes or
// from Builder.Input, or pre-wrapped Values.
type Args map[string]any

// Axes binds task input fields to split sequences. Each entry introduces one
// split axis over the given sequence; sequences may be concrete slices or
// lazy references to list-typed workflow inputs.
type Axes map[string]any

// Invocation is a pending task call captured before it is added to a
// workflow: the task, its argument bindings, and any split/combine
// declarators. Invocations are consumed by Builder.Add.
type Invocation struct {
	task     *TaskDef
	args     Args
	name     string
	env      string
	splits   []SplitGroup
	combines []string
}

// SplitGroup declares one or more linked split axes. A group with a single
// field is an ordinary split; a group with several fields advances them in
// lockstep and requires equal cardinalities.
type SplitGroup struct {
	// Fields are the input field names receiving per-state elements.
	Fields []string

	// Sources hold one sequence per field, parallel to Fields.
	Sources []Value
}

// Call prepares an invocation of task with the given argument bindings.
func Call(task *TaskDef, args Args) *Invocation {
	return &Invocation{task: task, args: args}
}

// Named sets an explicit node name, overriding the task-ID default.
func (inv *Invocation) Named(name string) *Invocation {
	inv.name = name
	return inv
}

// WithEnv overrides the task's environment binding for this node.
func (inv *Invocation) WithEnv(env string) *Invocation {
	inv.env = env
	return inv
}

// Split declares that the node iterates over the cross product of the given
// sequences, one axis per field. Axis ids take the form "node.field".
func (inv *Invocation) Split(axes Axes) *Invocation {
	// Deterministic axis order: follow the task's input declaration order
	// rather than map iteration.
	for _, f := range inv.task.Inputs {
		if raw, ok := axes[f.Name]; ok {
			inv.splits = append(inv.splits, SplitGroup{
				Fields:  []string{f.Name},
				Sources: []Value{asValue(raw)},
			})
		}
	}
	// Unknown field names are preserved so Add can report them.
	for name, raw := range axes {
		if _, ok := fieldByName(inv.task.Inputs, name); !ok {
			inv.splits = append(inv.splits, SplitGroup{
				Fields:  []string{name},
				Sources: []Value{asValue(raw)},
			})
		}
	}
	return inv
}

// SplitLinked declares a linked split: the named fields advance in lockstep
// over their sequences, introducing a single logical fan-out whose
// cardinalities must match.
func (inv *Invocation) SplitLinked(fields []string, sources ...any) *Invocation {
	g := SplitGroup{Fields: append([]string(nil), fields...)}
	for _, raw := range sources {
		g.Sources = append(g.Sources, asValue(raw))
	}
	inv.splits = append(inv.splits, g)
	return inv
}

// Combine closes the given axes for this node's consumers: downstream inputs
// gather outputs along them into a sequence. Bare field names refer to this
// node's own split axes; qualified "node.field" ids refer to upstream axes.
func (inv *Invocation) Combine(axes ...string) *Invocation {
	inv.combines = append(inv.combines, axes...)
	return inv
}
