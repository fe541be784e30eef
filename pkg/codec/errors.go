package codec

import (
	"errors"
	"fmt"
)

// SerializationError reports a value that could not be canonicalized or
// decoded. Encoding never silently drops data; any unsupported value
// surfaces as one of these.
type SerializationError struct {
	// Op is "serialize" or "deserialize"
	Op string

	// Type describes the offending value's type or tag
	Type string

	// Err is the underlying cause
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("codec: %s %s: %v", e.Op, e.Type, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// IsSerializationError reports whether err is a *SerializationError
// anywhere in its chain.
func IsSerializationError(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}
