package model

import "github.com/pkg/errors"

// NotFoundError marks a lookup of a trace, executable or blob the store does
// not hold. The query API answers it with NotFound and an empty result.
type NotFoundError struct{ Err error }

func (e NotFoundError) Error() string { return e.Err.Error() }

func (e NotFoundError) Unwrap() error { return e.Err }

func IsNotFoundError(err error) bool {
	var v NotFoundError
	return err != nil && errors.As(err, &v)
}

// ValidationError marks input rejected as malformed: an ingest batch that
// fails validation is dropped as a whole, and query requests answer with
// InvalidArgument. It is never retried.
type ValidationError struct{ Err error }

func (e ValidationError) Error() string { return e.Err.Error() }

func (e ValidationError) Unwrap() error { return e.Err }

func IsValidationError(err error) bool {
	var v ValidationError
	return err != nil && errors.As(err, &v)
}

// Invalid wraps err as a ValidationError.
func Invalid(err error) error {
	if err == nil {
		return nil
	}
	return ValidationError{Err: err}
}

func Invalidf(format string, args ...any) error {
	return ValidationError{Err: errors.Errorf(format, args...)}
}
