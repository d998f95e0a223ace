package models

import (
	"cmp"
	"fmt"
)

// Threshold is a warning/deadline pair. A nil half is unset and defers to the
// next level of the configuration cascade.
type Threshold[T cmp.Ordered] struct {
	Warning  *T `json:"warning,omitempty"`
	Deadline *T `json:"deadline,omitempty"`
}

// NewThreshold builds a threshold with both halves set.
func NewThreshold[T cmp.Ordered](warning, deadline T) Threshold[T] {
	return Threshold[T]{Warning: &warning, Deadline: &deadline}
}

// IsEmpty reports whether neither half is set.
func (t Threshold[T]) IsEmpty() bool {
	return t.Warning == nil && t.Deadline == nil
}

// Validate rejects a threshold whose deadline does not come after its warning.
func (t Threshold[T]) Validate() error {
	if t.Warning != nil && t.Deadline != nil && *t.Deadline <= *t.Warning {
		return fmt.Errorf("deadline %v must exceed warning %v", *t.Deadline, *t.Warning)
	}
	return nil
}
