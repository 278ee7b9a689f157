package types

import (
	"fmt"
	"reflect"
)

// Assignability is the verdict of an Assignable query.
type Assignability int

const (
	// Reject means the source type can never satisfy the destination.
	Reject Assignability = iota

	// OKCoerce means the assignment is valid after a lossless coercion
	// (currently only int-to-float widening).
	OKCoerce

	// OK means the assignment is valid as-is.
	OK
)

// String implements fmt.Stringer.
func (a Assignability) String() string {
	switch a {
	case OK:
		return "ok"
	case OKCoerce:
		return "ok-with-coercion"
	}
	return "reject"
}

// weaker returns the weaker of two verdicts (Reject < OKCoerce < OK).
func weaker(a, b Assignability) Assignability {
	if a < b {
		return a
	}
	return b
}

// stronger returns the stronger of two verdicts.
func stronger(a, b Assignability) Assignability {
	if a > b {
		return a
	}
	return b
}

// Assignable decides whether a value of type src may be wired into a slot of
// type dst under the covariant subtype lattice.
//
// Any is the top: both directions pass unconditionally (an Any source is
// re-checked against the concrete destination at dispatch time). Containers
// are covariant in their element types; tuples additionally require matching
// arity. A union source must be accepted under every variant; a union
// destination must accept under at least one. Format subtyping is delegated
// to reg; a nil registry rejects any non-identical format pair.
func Assignable(src, dst Type, reg FormatRegistry) Assignability {
	if src.kind == KindAny || dst.kind == KindAny {
		return OK
	}

	// Union source: every variant must be assignable; report the weakest.
	if src.kind == KindUnion {
		verdict := OK
		for _, v := range src.elems {
			verdict = weaker(verdict, Assignable(v, dst, reg))
			if verdict == Reject {
				return Reject
			}
		}
		return verdict
	}

	// Union destination: some variant must accept; report the strongest.
	if dst.kind == KindUnion {
		verdict := Reject
		for _, v := range dst.elems {
			verdict = stronger(verdict, Assignable(src, v, reg))
			if verdict == OK {
				return OK
			}
		}
		return verdict
	}

	switch dst.kind {
	case KindBool, KindString:
		if src.kind == dst.kind {
			return OK
		}
	case KindInt:
		if src.kind == KindInt {
			return OK
		}
	case KindFloat:
		if src.kind == KindFloat {
			return OK
		}
		if src.kind == KindInt {
			return OKCoerce
		}
	case KindFormat:
		if src.kind != KindFormat {
			return Reject
		}
		if src.tag == dst.tag {
			return OK
		}
		if reg == nil {
			return Reject
		}
		for _, anc := range reg.Ancestors(src.tag) {
			if anc == dst.tag {
				return OK
			}
		}
	case KindList, KindSet:
		if src.kind == dst.kind {
			return Assignable(src.elems[0], dst.elems[0], reg)
		}
	case KindMap:
		if src.kind == KindMap {
			return weaker(
				Assignable(src.elems[0], dst.elems[0], reg),
				Assignable(src.elems[1], dst.elems[1], reg),
			)
		}
	case KindTuple:
		if src.kind != KindTuple || len(src.elems) != len(dst.elems) {
			return Reject
		}
		verdict := OK
		for i := range src.elems {
			verdict = weaker(verdict, Assignable(src.elems[i], dst.elems[i], reg))
			if verdict == Reject {
				return Reject
			}
		}
		return verdict
	}
	return Reject
}

// Formatted is implemented by runtime values that carry a file-format tag,
// such as references to files on disk.
type Formatted interface {
	FormatTag() string
}

// CheckValue verifies that a concrete runtime value conforms to t.
//
// It is used at workflow-input binding and again at dispatch time for wiring
// that passed construction through the Any escape hatch. A nil value only
// conforms to Any.
func CheckValue(v any, t Type, reg FormatRegistry) error {
	if t.kind == KindAny {
		return nil
	}
	if v == nil {
		return fmt.Errorf("nil value does not conform to %s", t)
	}

	switch t.kind {
	case KindBool:
		if _, ok := v.(bool); ok {
			return nil
		}
	case KindInt:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32:
			return nil
		}
	case KindFloat:
		switch v.(type) {
		case float32, float64, int, int8, int16, int32, int64:
			return nil
		}
	case KindString:
		if _, ok := v.(string); ok {
			return nil
		}
	case KindFormat:
		f, ok := v.(Formatted)
		if !ok {
			return fmt.Errorf("value %T carries no format tag, want %s", v, t)
		}
		if Assignable(Format(f.FormatTag()), t, reg) == Reject {
			return fmt.Errorf("format %q is not a subtype of %s", f.FormatTag(), t)
		}
		return nil
	case KindList, KindSet:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return fmt.Errorf("value %T is not a sequence, want %s", v, t)
		}
		for i := 0; i < rv.Len(); i++ {
			if err := CheckValue(rv.Index(i).Interface(), t.elems[0], reg); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil
	case KindTuple:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return fmt.Errorf("value %T is not a sequence, want %s", v, t)
		}
		if rv.Len() != len(t.elems) {
			return fmt.Errorf("tuple arity %d, want %d", rv.Len(), len(t.elems))
		}
		for i := 0; i < rv.Len(); i++ {
			if err := CheckValue(rv.Index(i).Interface(), t.elems[i], reg); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil
	case KindMap:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Map {
			return fmt.Errorf("value %T is not a mapping, want %s", v, t)
		}
		iter := rv.MapRange()
		for iter.Next() {
			if err := CheckValue(iter.Key().Interface(), t.elems[0], reg); err != nil {
				return fmt.Errorf("key: %w", err)
			}
			if err := CheckValue(iter.Value().Interface(), t.elems[1], reg); err != nil {
				return fmt.Errorf("value: %w", err)
			}
		}
		return nil
	case KindUnion:
		for _, variant := range t.elems {
			if CheckValue(v, variant, reg) == nil {
				return nil
			}
		}
		return fmt.Errorf("value %T conforms to no variant of %s", v, t)
	}
	return fmt.Errorf("value %T does not conform to %s", v, t)
}

// Coerce applies the lattice's lossless coercions to v so that it conforms
// to t, returning the (possibly converted) value. Values that already
// conform are returned unchanged; values that cannot be made to conform are
// returned unchanged with an error.
func Coerce(v any, t Type, reg FormatRegistry) (any, error) {
	if t.kind == KindFloat {
		switch n := v.(type) {
		case int:
			return float64(n), nil
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case float32:
			return float64(n), nil
		}
	}
	if err := CheckValue(v, t, reg); err != nil {
		return v, err
	}
	return v, nil
}
