package model

import (
	"errors"
	"fmt"
)

// ErrMalformed is matched (errors.Is) by every FieldError.
var ErrMalformed = errors.New("malformed event")

// FieldError reports an inbound event rejected because of one field.
type FieldError struct {
	Kind   string // "trade" or "candle"
	Field  string
	Reason string // empty means missing or non-numeric
}

func (e *FieldError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: missing or invalid field %q", e.Kind, e.Field)
	}
	return fmt.Sprintf("%s: field %q %s", e.Kind, e.Field, e.Reason)
}

func (e *FieldError) Is(target error) bool {
	return target == ErrMalformed
}
