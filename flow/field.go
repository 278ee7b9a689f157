package flow

import "github.com/mhalter/dataflow-go/flow/types"

// Field describes a single named input or output slot of a task.
type Field struct {
	// Name is the slot name, unique among the task's inputs or outputs.
	Name string

	// Type constrains the values that may be bound to this slot.
	Type types.Type

	// Default is used when an optional input is left unbound.
	Default any

	// HasDefault distinguishes an explicit nil default from no default.
	HasDefault bool

	// Required inputs must be bound at wiring time. Outputs ignore it.
	Required bool

	// Doc is an optional one-line description.
	Doc string
}

// In declares a required input field.
func In(name string, t types.Type) Field {
	return Field{Name: name, Type: t, Required: true}
}

// InOpt declares an optional input field with a default value.
func InOpt(name string, t types.Type, def any) Field {
	return Field{Name: name, Type: t, Default: def, HasDefault: true}
}

// Out declares an output field.
func Out(name string, t types.Type) Field {
	return Field{Name: name, Type: t}
}

// FileRef is a reference to a file on disk tagged with its format.
// File-typed cache keys hash the referenced content, not the path.
type FileRef struct {
	Path string `json:"path"`
	Tag  string `json:"tag"`
}

// FormatTag implements types.Formatted.
func (f FileRef) FormatTag() string { return f.Tag }

// FilePath implements cache.File, so file inputs are hashed by content.
func (f FileRef) FilePath() string { return f.Path }

func fieldByName(fields []Field, name string) (Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
