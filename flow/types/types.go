// Package types implements the type lattice used to validate dataflow wiring.
//
// The lattice has Any at the top, primitive leaf types, covariant containers
// (lists, sets, maps, fixed-arity tuples), union types, and file-format tags
// whose subtype relation is delegated to an external FormatRegistry oracle.
//
// Types are immutable values. Construct them with the package-level
// constructors and compare them with Equal:
//
//	t := types.List(types.Union(types.Int, types.Float))
//	types.Assignable(types.Int, types.Float, nil) // OKCoerce
package types

import (
	"fmt"
	"strings"
)

// Kind discriminates the variants of a Type.
type Kind int

const (
	// KindAny is the top of the lattice; it is assignable to and from
	// every other type.
	KindAny Kind = iota

	// KindBool, KindInt, KindFloat, and KindString are primitive types
	// matched by identity (with int-to-float widening as the single
	// coercion).
	KindBool
	KindInt
	KindFloat
	KindString

	// KindFormat is a file-format tag (e.g. "image/png"). Its subtype
	// relation is resolved through a FormatRegistry.
	KindFormat

	// KindList is an ordered sequence, covariant in its element type.
	KindList

	// KindTuple is a fixed-arity sequence, element-wise covariant.
	KindTuple

	// KindSet is an unordered collection, covariant in its element type.
	KindSet

	// KindMap is a mapping, covariant in both key and value types.
	KindMap

	// KindUnion is a sum of variant types.
	KindUnion
)

// Type is an immutable description of a value's type.
//
// The zero Type is Any.
type Type struct {
	kind  Kind
	tag   string
	elems []Type
}

// Predefined primitive types and the lattice top.
var (
	Any    = Type{kind: KindAny}
	Bool   = Type{kind: KindBool}
	Int    = Type{kind: KindInt}
	Float  = Type{kind: KindFloat}
	String = Type{kind: KindString}
)

// Format returns a file-format type for the given tag.
// Tags are opaque to this package; their hierarchy lives in a FormatRegistry.
func Format(tag string) Type {
	return Type{kind: KindFormat, tag: tag}
}

// List returns an ordered-sequence type with the given element type.
func List(elem Type) Type {
	return Type{kind: KindList, elems: []Type{elem}}
}

// Set returns an unordered-collection type with the given element type.
func Set(elem Type) Type {
	return Type{kind: KindSet, elems: []Type{elem}}
}

// Tuple returns a fixed-arity sequence type. Arity is len(elems).
func Tuple(elems ...Type) Type {
	return Type{kind: KindTuple, elems: append([]Type(nil), elems...)}
}

// Map returns a mapping type with the given key and value types.
func Map(key, val Type) Type {
	return Type{kind: KindMap, elems: []Type{key, val}}
}

// Union returns a sum type over the given variants. A union of a single
// variant is that variant itself; a union of none is Any.
func Union(variants ...Type) Type {
	switch len(variants) {
	case 0:
		return Any
	case 1:
		return variants[0]
	}
	return Type{kind: KindUnion, elems: append([]Type(nil), variants...)}
}

// Kind reports the variant of t.
func (t Type) Kind() Kind { return t.kind }

// Tag returns the format tag for KindFormat types and "" otherwise.
func (t Type) Tag() string { return t.tag }

// Elem returns the element type of a list or set, the value type of a map,
// and Any for every other kind.
func (t Type) Elem() Type {
	switch t.kind {
	case KindList, KindSet:
		return t.elems[0]
	case KindMap:
		return t.elems[1]
	}
	return Any
}

// Key returns the key type of a map and Any for every other kind.
func (t Type) Key() Type {
	if t.kind == KindMap {
		return t.elems[0]
	}
	return Any
}

// Elems returns the element types of a tuple or the variants of a union.
// The returned slice must not be modified.
func (t Type) Elems() []Type { return t.elems }

// Equal reports whether t and o are structurally identical.
func (t Type) Equal(o Type) bool {
	if t.kind != o.kind || t.tag != o.tag || len(t.elems) != len(o.elems) {
		return false
	}
	for i := range t.elems {
		if !t.elems[i].Equal(o.elems[i]) {
			return false
		}
	}
	return true
}

// String renders a stable, human-readable notation used in error messages
// and in canonical cache-input records.
func (t Type) String() string {
	switch t.kind {
	case KindAny:
		return "any"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindFormat:
		return "format<" + t.tag + ">"
	case KindList:
		return "list[" + t.elems[0].String() + "]"
	case KindSet:
		return "set[" + t.elems[0].String() + "]"
	case KindMap:
		return "map[" + t.elems[0].String() + "]" + t.elems[1].String()
	case KindTuple:
		parts := make([]string, len(t.elems))
		for i, e := range t.elems {
			parts[i] = e.String()
		}
		return "tuple(" + strings.Join(parts, ", ") + ")"
	case KindUnion:
		parts := make([]string, len(t.elems))
		for i, e := range t.elems {
			parts[i] = e.String()
		}
		return strings.Join(parts, " | ")
	}
	return fmt.Sprintf("type(kind=%d)", int(t.kind))
}
