package flow

import (
	"fmt"
	"reflect"

	"github.com/mhalter/dataflow-go/flow/types"
)

// runState is the resolved state lattice of one workflow run: every axis
// cardinality and every split sequence, fixed once the workflow inputs are
// concrete. All unit enumeration and coordinate arithmetic goes through it.
//
// Coordinates are vectors over a node's execution axes, linearized row-major
// with the last axis varying fastest. Combines gather in the same order, so
// a multi-axis combine flattens lexicographically.
type runState struct {
	spec   *GraphSpec
	inputs map[string]any

	// cards maps axis ids to their cardinality for this run.
	cards map[string]int

	// seqs maps axis ids to the per-field resolved split sequences of the
	// owning node's split group.
	seqs map[string]map[string][]any
}

// newRunState resolves every split sequence against the concrete workflow
// inputs and fixes all axis cardinalities. Linked groups whose cardinalities
// were unknown at build time are re-checked here.
func newRunState(spec *GraphSpec, inputs map[string]any) (*runState, error) {
	st := &runState{
		spec:   spec,
		inputs: inputs,
		cards:  make(map[string]int),
		seqs:   make(map[string]map[string][]any),
	}
	for _, n := range spec.Nodes {
		for gi, g := range n.Splits {
			axis := n.localAxes[gi]
			fields := make(map[string][]any, len(g.Fields))
			card := -1
			for i, fieldName := range g.Fields {
				seq, err := st.resolveSequence(n, fieldName, g.Sources[i])
				if err != nil {
					return nil, err
				}
				if card >= 0 && len(seq) != card {
					return nil, &UnitError{Kind: CodeRuntimeType, Node: n.Name,
						Msg: fmt.Sprintf("linked split cardinalities differ at run time: %d vs %d",
							card, len(seq))}
				}
				card = len(seq)
				fields[fieldName] = seq
			}
			st.cards[axis] = card
			st.seqs[axis] = fields
		}
	}
	return st, nil
}

// resolveSequence materializes one split source as a []any, checking
// run-time element types for input-fed sequences.
func (st *runState) resolveSequence(n *Node, fieldName string, src Value) ([]any, error) {
	f, _ := fieldByName(n.Task.Inputs, fieldName)
	raw := any(nil)
	if l, ok := src.Lazy(); ok {
		v, present := st.inputs[l.Field]
		if !present {
			return nil, &UnitError{Kind: CodeRuntimeType, Node: n.Name,
				Msg: "split sequence references unbound workflow input " + l.Field}
		}
		raw = v
	} else {
		raw, _ = src.Concrete()
	}

	rv := reflect.ValueOf(raw)
	if raw == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, &UnitError{Kind: CodeRuntimeType, Node: n.Name,
			Msg: fmt.Sprintf("split sequence for %s must be a slice, got %T", fieldName, raw)}
	}
	seq := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		elem := rv.Index(i).Interface()
		if err := types.CheckValue(elem, f.Type, st.spec.Formats); err != nil {
			return nil, &UnitError{Kind: CodeRuntimeType, Node: n.Name,
				Msg: fmt.Sprintf("split element %d of %s: %v", i, fieldName, err)}
		}
		coerced, err := types.Coerce(elem, f.Type, st.spec.Formats)
		if err != nil {
			return nil, &UnitError{Kind: CodeRuntimeType, Node: n.Name,
				Msg: fmt.Sprintf("split element %d of %s: %v", i, fieldName, err)}
		}
		seq[i] = coerced
	}
	return seq, nil
}

// dims returns the cardinalities of the given axes in order.
func (st *runState) dims(axes []string) []int {
	d := make([]int, len(axes))
	for i, a := range axes {
		d[i] = st.cards[a]
	}
	return d
}

// unitCount returns how many units the node fans out into. A node with no
// axes has exactly one unit; any zero-cardinality axis collapses the count
// to zero.
func (st *runState) unitCount(n *Node) int {
	count := 1
	for _, a := range n.execAxes {
		count *= st.cards[a]
	}
	return count
}

// coord expands a linear unit index into a coordinate over the node's
// execution axes, row-major with the last axis fastest.
func (st *runState) coord(n *Node, idx int) []int {
	dims := st.dims(n.execAxes)
	c := make([]int, len(dims))
	for i := len(dims) - 1; i >= 0; i-- {
		c[i] = idx % dims[i]
		idx /= dims[i]
	}
	return c
}

// linear collapses a coordinate over the given axes back into a row-major
// index.
func linear(coord, dims []int) int {
	idx := 0
	for i := range dims {
		idx = idx*dims[i] + coord[i]
	}
	return idx
}

// project maps a coordinate over from-axes onto a sub-shape. Every axis in
// onto must appear in from.
func project(from []string, coord []int, onto []string) []int {
	out := make([]int, len(onto))
	for i, a := range onto {
		for j, f := range from {
			if f == a {
				out[i] = coord[j]
				break
			}
		}
	}
	return out
}

// splitValue returns the element a split-bound field takes at the given
// coordinate, or false when the field is not split on this node.
func (st *runState) splitValue(n *Node, field string, coord []int) (any, bool) {
	for gi, g := range n.Splits {
		for _, fn := range g.Fields {
			if fn != field {
				continue
			}
			axis := n.localAxes[gi]
			for i, a := range n.execAxes {
				if a == axis {
					return st.seqs[axis][field][coord[i]], true
				}
			}
		}
	}
	return nil, false
}

// producerUnit maps a consumer unit's coordinate to the producer unit it
// reads from. The producer's visible axes are a subset of the consumer's
// execution axes by construction.
func (st *runState) producerUnit(consumer *Node, coord []int, producer *Node) int {
	vis := project(consumer.execAxes, coord, producer.visAxes)
	full := make([]int, len(producer.execAxes))
	for i, a := range producer.execAxes {
		for j, v := range producer.visAxes {
			if v == a {
				full[i] = vis[j]
			}
		}
	}
	// Combined axes stay zero; gather replaces them.
	return linear(full, st.dims(producer.execAxes))
}

// gather collects a combined output field across the producer's closed axes
// for one visible coordinate, flattened row-major in execution-axis order.
func (st *runState) gather(producer *Node, visCoord []int, field string, outputs []map[string]any) []any {
	combined := make([]string, 0, len(producer.CombineKeys))
	for _, a := range producer.execAxes {
		for _, c := range producer.CombineKeys {
			if a == c {
				combined = append(combined, a)
			}
		}
	}
	dims := st.dims(producer.execAxes)
	total := 1
	for _, a := range combined {
		total *= st.cards[a]
	}

	out := make([]any, 0, total)
	comb := make([]int, len(combined))
	for k := 0; k < total; k++ {
		full := make([]int, len(producer.execAxes))
		for i, a := range producer.execAxes {
			if j := indexOfAxis(producer.visAxes, a); j >= 0 {
				full[i] = visCoord[j]
			} else {
				full[i] = comb[indexOfAxis(combined, a)]
			}
		}
		out = append(out, outputs[linear(full, dims)][field])
		for i := len(combined) - 1; i >= 0; i-- {
			comb[i]++
			if comb[i] < st.cards[combined[i]] {
				break
			}
			comb[i] = 0
		}
	}
	return out
}

// gatherUnits returns the linear indices of the producer units a gather at
// the given visible coordinate reads, in gather order.
func (st *runState) gatherUnits(producer *Node, visCoord []int) []int {
	combined := make([]string, 0, len(producer.CombineKeys))
	for _, a := range producer.execAxes {
		for _, c := range producer.CombineKeys {
			if a == c {
				combined = append(combined, a)
			}
		}
	}
	dims := st.dims(producer.execAxes)
	total := 1
	for _, a := range combined {
		total *= st.cards[a]
	}

	units := make([]int, 0, total)
	comb := make([]int, len(combined))
	for k := 0; k < total; k++ {
		full := make([]int, len(producer.execAxes))
		for i, a := range producer.execAxes {
			if j := indexOfAxis(producer.visAxes, a); j >= 0 {
				full[i] = visCoord[j]
			} else {
				full[i] = comb[indexOfAxis(combined, a)]
			}
		}
		units = append(units, linear(full, dims))
		for i := len(combined) - 1; i >= 0; i-- {
			comb[i]++
			if comb[i] < st.cards[combined[i]] {
				break
			}
			comb[i] = 0
		}
	}
	return units
}

func indexOfAxis(axes []string, axis string) int {
	for i, a := range axes {
		if a == axis {
			return i
		}
	}
	return -1
}

// resolveUnitInputs builds the concrete input map for one unit of a node.
// lookup returns the completed per-unit outputs of an upstream node.
func (st *runState) resolveUnitInputs(n *Node, coord []int, lookup func(name string) []map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(n.Task.Inputs))
	for _, f := range n.Task.Inputs {
		if v, ok := st.splitValue(n, f.Name, coord); ok {
			resolved[f.Name] = v
			continue
		}
		v, bound := n.Inputs[f.Name]
		if !bound {
			continue
		}
		l, isLazy := v.Lazy()
		if !isLazy {
			concrete, _ := v.Concrete()
			resolved[f.Name] = concrete
			continue
		}
		if l.FromInput() {
			in, present := st.inputs[l.Field]
			if !present {
				wf, ok := st.spec.InputField(l.Field)
				if ok && wf.HasDefault {
					in = wf.Default
				} else {
					return nil, &UnitError{Kind: CodeRuntimeType, Node: n.Name,
						Msg: "workflow input " + l.Field + " is unbound"}
				}
			}
			resolved[f.Name] = in
			continue
		}

		producer, ok := st.spec.Node(l.Node)
		if !ok {
			return nil, &UnitError{Kind: CodeRuntimeType, Node: n.Name,
				Msg: "lazy source references unknown node " + l.Node}
		}
		outputs := lookup(producer.Name)
		if len(producer.CombineKeys) > 0 {
			vis := project(n.execAxes, coord, producer.visAxes)
			resolved[f.Name] = st.gather(producer, vis, l.Field, outputs)
			continue
		}
		idx := st.producerUnit(n, coord, producer)
		resolved[f.Name] = outputs[idx][l.Field]
	}
	return resolved, nil
}

// outputValue materializes one workflow output from the completed node
// outputs: a scalar when the lazy field has no open axes, otherwise a flat
// row-major list over them.
func (st *runState) outputValue(l LazyField, lookup func(name string) []map[string]any) (any, error) {
	if l.FromInput() {
		in, present := st.inputs[l.Field]
		if !present {
			wf, ok := st.spec.InputField(l.Field)
			if !ok || !wf.HasDefault {
				return nil, &UnitError{Kind: CodeRuntimeType,
					Msg: "workflow input " + l.Field + " is unbound"}
			}
			in = wf.Default
		}
		return in, nil
	}
	producer, ok := st.spec.Node(l.Node)
	if !ok {
		return nil, &UnitError{Kind: CodeRuntimeType, Msg: "output references unknown node " + l.Node}
	}
	outputs := lookup(producer.Name)

	visDims := st.dims(producer.visAxes)
	visTotal := 1
	for _, d := range visDims {
		visTotal *= d
	}

	value := func(visCoord []int) any {
		if len(producer.CombineKeys) > 0 {
			return st.gather(producer, visCoord, l.Field, outputs)
		}
		full := make([]int, len(producer.execAxes))
		for i, a := range producer.execAxes {
			full[i] = visCoord[indexOfAxis(producer.visAxes, a)]
		}
		return outputs[linear(full, st.dims(producer.execAxes))][l.Field]
	}

	if len(producer.visAxes) == 0 {
		if st.unitCount(producer) == 0 {
			return nil, &UnitError{Kind: CodeEmptySplit, Node: producer.Name,
				Msg: "scalar output over an empty split axis"}
		}
		return value(nil), nil
	}

	list := make([]any, 0, visTotal)
	vc := make([]int, len(visDims))
	for k := 0; k < visTotal; k++ {
		list = append(list, value(vc))
		for i := len(visDims) - 1; i >= 0; i-- {
			vc[i]++
			if vc[i] < visDims[i] {
				break
			}
			vc[i] = 0
		}
	}
	return list, nil
}
