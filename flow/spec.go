package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mhalter/dataflow-go/flow/types"
)

// Node is one task invocation inside a frozen workflow: the task it runs,
// its resolved input bindings, and its split/combine state.
//
// Exported fields describe the wiring; the axis bookkeeping computed by the
// builder stays unexported and is reached through accessor methods.
type Node struct {
	// Name is the unique node name within the workflow.
	Name string

	// Task is the shared, immutable task definition.
	Task *TaskDef

	// Inputs maps input field names to their bound values. Fields bound
	// through splits are absent here and appear in Splits instead.
	Inputs map[string]Value

	// Splits are the node's local fan-out declarations in declaration
	// order.
	Splits []SplitGroup

	// CombineKeys are the canonical axis ids this node closes for its
	// consumers, in declaration order.
	CombineKeys []string

	// Env names the execution environment binding, already merged from
	// the task default and any per-node override.
	Env string

	// localAxes are the axis ids introduced by this node's own splits.
	localAxes []string

	// execAxes are the axes the node executes over: upstream visible
	// axes followed by local axes, deduplicated, in propagation order.
	execAxes []string

	// visAxes are the axes visible downstream: execAxes minus combines.
	visAxes []string

	// axisCard records the declared cardinality per local axis, or -1
	// when it is only known at run time.
	axisCard map[string]int

	// axisAlias maps bare field names and "node.field" ids of linked
	// split members to their group's canonical axis id.
	axisAlias map[string]string
}

// ExecAxes returns the axes the node executes over, in propagation order.
func (n *Node) ExecAxes() []string {
	return append([]string(nil), n.execAxes...)
}

// VisibleAxes returns the axes a consumer of this node's outputs inherits.
func (n *Node) VisibleAxes() []string {
	return append([]string(nil), n.visAxes...)
}

// LocalAxes returns the axis ids introduced by this node's own splits.
func (n *Node) LocalAxes() []string {
	return append([]string(nil), n.localAxes...)
}

// AxisCardinality returns the declared cardinality of a local axis. The
// second result is false for axes this node does not own; a -1 cardinality
// means the axis is fed by a workflow input and sized at run time.
func (n *Node) AxisCardinality(axis string) (int, bool) {
	c, ok := n.axisCard[axis]
	return c, ok
}

// canonicalAxis resolves a bare field name or qualified id to the canonical
// axis id of its split group, falling back to the input unchanged.
func (n *Node) canonicalAxis(key string) string {
	if alias, ok := n.axisAlias[key]; ok {
		return alias
	}
	return key
}

// GraphSpec is a frozen workflow: an immutable DAG of nodes in topological
// order, plus the declared workflow inputs and outputs. Specs are produced
// by Builder.Build and consumed by the scheduler; they are safe to share
// between goroutines and to run any number of times with different inputs.
type GraphSpec struct {
	// Name is the workflow name.
	Name string

	// Nodes lists the nodes in insertion order, which is topological by
	// construction.
	Nodes []*Node

	// Outputs maps workflow output names to the lazy fields they expose.
	Outputs map[string]LazyField

	// OutputOrder preserves output declaration order.
	OutputOrder []string

	// DeclaredInputs are the workflow's input fields.
	DeclaredInputs []Field

	// Formats is the file-format oracle the workflow was checked against.
	Formats types.FormatRegistry
}

// Node looks up a node by name.
func (s *GraphSpec) Node(name string) (*Node, bool) {
	for _, n := range s.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// InputField looks up a declared workflow input by name.
func (s *GraphSpec) InputField(name string) (Field, bool) {
	return fieldByName(s.DeclaredInputs, name)
}

// StructuralDigest returns a stable hash of the workflow's structure: node
// names, task ids, wiring, splits, combines and outputs. Two specs with the
// same digest request the same computation, so the digest participates in
// cache keys for nested workflows.
func (s *GraphSpec) StructuralDigest() string {
	h := sha256.New()
	writeDigest(h, "workflow", s.Name)
	for _, f := range s.DeclaredInputs {
		writeDigest(h, "input", f.Name, f.Type.String())
	}
	for _, n := range s.Nodes {
		writeDigest(h, "node", n.Name, n.Task.ID, n.Env)
		for _, f := range n.Task.Inputs {
			v, ok := n.Inputs[f.Name]
			if !ok {
				continue
			}
			if l, isLazy := v.Lazy(); isLazy {
				writeDigest(h, "wire", f.Name, l.Ref())
				continue
			}
			concrete, _ := v.Concrete()
			writeDigest(h, "lit", f.Name, digestLiteral(concrete))
		}
		for _, g := range n.Splits {
			for i, fieldName := range g.Fields {
				src := g.Sources[i]
				if l, isLazy := src.Lazy(); isLazy {
					writeDigest(h, "split", fieldName, l.Ref())
					continue
				}
				concrete, _ := src.Concrete()
				writeDigest(h, "split-lit", fieldName, digestLiteral(concrete))
			}
		}
		for _, axis := range n.CombineKeys {
			writeDigest(h, "combine", axis)
		}
	}
	for _, name := range s.OutputOrder {
		writeDigest(h, "output", name, s.Outputs[name].Ref())
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeDigest(w io.Writer, parts ...string) {
	for _, p := range parts {
		fmt.Fprintf(w, "%d:%s;", len(p), p)
	}
	io.WriteString(w, "\n")
}

// digestLiteral renders a concrete value deterministically. json.Marshal
// sorts map keys, which is enough for the value shapes tasks accept.
func digestLiteral(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(raw)
}
