// Package validation provides field-level error accumulation for config
// and input checking. Errors are collected rather than returned one at a
// time so a caller sees every problem in a single pass.
package validation

import (
	"fmt"
	"strings"
)

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Errors accumulates field errors.
type Errors struct {
	fields []FieldError
}

// NewErrors creates an empty accumulator.
func NewErrors() *Errors {
	return &Errors{}
}

// Add records an error for a field.
func (e *Errors) Add(field, format string, args ...any) {
	e.fields = append(e.fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// AddIf records an error when cond holds.
func (e *Errors) AddIf(cond bool, field, format string, args ...any) {
	if cond {
		e.Add(field, format, args...)
	}
}

// Merge appends all errors from other under an optional prefix.
func (e *Errors) Merge(prefix string, other *Errors) {
	if other == nil {
		return
	}
	for _, f := range other.fields {
		field := f.Field
		if prefix != "" {
			field = prefix + "." + field
		}
		e.fields = append(e.fields, FieldError{Field: field, Message: f.Message})
	}
}

// Fields returns the accumulated errors in insertion order.
func (e *Errors) Fields() []FieldError {
	out := make([]FieldError, len(e.fields))
	copy(out, e.fields)
	return out
}

// Empty reports whether no errors were recorded.
func (e *Errors) Empty() bool {
	return len(e.fields) == 0
}

// Err returns nil when empty, otherwise a single error listing every field.
func (e *Errors) Err() error {
	if e.Empty() {
		return nil
	}
	parts := make([]string, len(e.fields))
	for i, f := range e.fields {
		parts[i] = f.Error()
	}
	return fmt.Errorf("validation failed: %s", strings.Join(parts, "; "))
}

// InRange adds an error unless min <= v <= max.
func (e *Errors) InRange(field string, v, min, max float64) {
	if v < min || v > max {
		e.Add(field, "must be in [%g, %g], got %g", min, max, v)
	}
}

// NonNegative adds an error when v < 0.
func (e *Errors) NonNegative(field string, v float64) {
	if v < 0 {
		e.Add(field, "must be non-negative, got %g", v)
	}
}

// NotEmpty adds an error when s is blank.
func (e *Errors) NotEmpty(field, s string) {
	if strings.TrimSpace(s) == "" {
		e.Add(field, "must not be empty")
	}
}
