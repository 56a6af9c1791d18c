package state

// Field is a tri-state update slot used by the patch structs: a field is
// either left unchanged, cleared back to its zero value, or set to a new
// value. The zero Field means "leave unchanged".
type Field[T any] struct {
	op    fieldOp
	value T
}

type fieldOp uint8

const (
	fieldUnchanged fieldOp = iota
	fieldClear
	fieldSet
)

// Set returns a Field that writes v.
func Set[T any](v T) Field[T] {
	return Field[T]{op: fieldSet, value: v}
}

// Clear returns a Field that resets the target to its zero value.
func Clear[T any]() Field[T] {
	return Field[T]{op: fieldClear}
}

// Apply writes the field into dst. Unchanged fields leave dst untouched.
func (f Field[T]) Apply(dst *T) {
	switch f.op {
	case fieldSet:
		*dst = f.value
	case fieldClear:
		var zero T
		*dst = zero
	}
}

// Present reports whether the field carries a change (set or clear).
func (f Field[T]) Present() bool {
	return f.op != fieldUnchanged
}

// Value returns the carried value and whether it was explicitly set.
func (f Field[T]) Value() (T, bool) {
	return f.value, f.op == fieldSet
}
