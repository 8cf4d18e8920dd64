package model

import (
	"fmt"
	"strings"
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string
	Message string
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// NewValidationError returns a ValidationError with a single field error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Message: message}}}
}

// ValidateNode checks a Node for constraint violations.
// It returns a *ValidationError if any rules fail, or nil if the node is valid.
func ValidateNode(n *Node) error {
	var ve ValidationError

	if strings.TrimSpace(n.ID) == "" {
		ve.Errors = append(ve.Errors, FieldError{Field: "id", Message: "is required"})
	}

	if !n.Type.IsValid() {
		ve.Errors = append(ve.Errors, FieldError{
			Field:   "type",
			Message: fmt.Sprintf("invalid value %q", n.Type),
		})
	}

	for _, f := range []string{FieldOriginalEstimate, FieldHoursPerDay, FieldDaysPerWeek, FieldDailyRate} {
		if n.HasField(f) && n.Float(f) < 0 {
			ve.Errors = append(ve.Errors, FieldError{Field: f, Message: "must not be negative"})
		}
	}
	if n.HasField(FieldDaysPerWeek) && n.Float(FieldDaysPerWeek) > 7 {
		ve.Errors = append(ve.Errors, FieldError{Field: FieldDaysPerWeek, Message: "must be at most 7"})
	}
	if n.HasField(FieldHoursPerDay) && n.Float(FieldHoursPerDay) > 24 {
		ve.Errors = append(ve.Errors, FieldError{Field: FieldHoursPerDay, Message: "must be at most 24"})
	}

	if ve.HasErrors() {
		return &ve
	}
	return nil
}

// ValidateEdge checks an Edge for constraint violations.
func ValidateEdge(e *Edge) error {
	var ve ValidationError
	if strings.TrimSpace(e.From) == "" {
		ve.Errors = append(ve.Errors, FieldError{Field: "from", Message: "is required"})
	}
	if strings.TrimSpace(e.To) == "" {
		ve.Errors = append(ve.Errors, FieldError{Field: "to", Message: "is required"})
	}
	if e.From != "" && e.From == e.To {
		ve.Errors = append(ve.Errors, FieldError{Field: "to", Message: "must differ from from"})
	}
	if !e.Type.IsValid() {
		ve.Errors = append(ve.Errors, FieldError{Field: "type", Message: fmt.Sprintf("invalid value %q", e.Type)})
	}
	if ve.HasErrors() {
		return &ve
	}
	return nil
}
