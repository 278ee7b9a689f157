package flow

import "github.com/mhalter/dataflow-go/flow/types"

// LazyField is a placeholder for a not-yet-computed value: either the output
// of a node in the same workflow, or a declared workflow input.
//
// Lazy fields carry their declared type so wiring can be checked at
// construction time, and the set of split axes they fan out over so state
// shapes propagate through the graph.
type LazyField struct {
	// Node is the producing node's name. Empty for workflow inputs.
	Node string

	// Field is the output (or workflow-input) field name.
	Field string

	// Type is the declared type after any combines have been applied.
	Type types.Type

	// Axes are the open split-axis ids this field fans out over,
	// in propagation order.
	Axes []string
}

// FromInput reports whether the field references a declared workflow input
// rather than a node output.
func (l LazyField) FromInput() bool { return l.Node == "" }

// Ref renders the field as "node.field" (or ".field" for workflow inputs).
func (l LazyField) Ref() string { return l.Node + "." + l.Field }

// Value is the sum of a concrete literal and a lazy reference. Task inputs
// are bound to Values; the scheduler resolves lazy ones as producers finish.
type Value struct {
	lazy     *LazyField
	concrete any
}

// Lit wraps a concrete literal value.
func Lit(v any) Value { return Value{concrete: v} }

// lazyValue wraps a lazy field reference.
func lazyValue(l LazyField) Value {
	cp := l
	cp.Axes = append([]string(nil), l.Axes...)
	return Value{lazy: &cp}
}

// IsLazy reports whether the value is a lazy reference.
func (v Value) IsLazy() bool { return v.lazy != nil }

// Lazy returns the lazy reference; the second result is false for literals.
func (v Value) Lazy() (LazyField, bool) {
	if v.lazy == nil {
		return LazyField{}, false
	}
	return *v.lazy, true
}

// Concrete returns the literal value. Reading a lazy value is the
// lazy-in-condition mistake and returns ErrLazyValue: construction-time
// branches must be derived from values that exist at construction.
func (v Value) Concrete() (any, error) {
	if v.lazy != nil {
		return nil, &BuildError{Kind: CodeLazyInCondition,
			Node: v.lazy.Node, Field: v.lazy.Field,
			Msg: "lazy field read during construction", Cause: ErrLazyValue}
	}
	return v.concrete, nil
}

// asValue normalizes raw argument values: LazyField and Value pass through,
// anything else becomes a literal.
func asValue(raw any) Value {
	switch t := raw.(type) {
	case Value:
		return t
	case LazyField:
		return lazyValue(t)
	case *LazyField:
		return lazyValue(*t)
	}
	return Lit(raw)
}
